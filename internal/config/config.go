package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Northstar server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Pipeline  PipelineConfig
	Breaker   BreakerConfig
	Tokens    TokenConfig
	Provider  ProviderConfig
}

type DatabaseConfig struct {
	// URL is the Postgres connection string. Empty = in-memory KV only.
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type PipelineConfig struct {
	// MaxRegenerations bounds the regeneration loop per request.
	MaxRegenerations int
	// RequestTimeout is the overall wall-clock budget per request.
	RequestTimeout time.Duration
	// EvidenceTimeout caps each concurrent evidence sub-fetch.
	EvidenceTimeout time.Duration
	// RunRecordTTL controls how long persisted gate traces are kept.
	RunRecordTTL time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

type TokenConfig struct {
	// Secret signs ack tokens. Required in production; tests inject their own.
	Secret string
	TTL    time.Duration
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string // OpenAI-compatible endpoint; empty = api.openai.com
	Model   string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("NORTHSTAR_PORT", 8080),
		Version: envStr("NORTHSTAR_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL: envStr("DATABASE_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "northstar-server"),
		},
		Pipeline: PipelineConfig{
			MaxRegenerations: envInt("NORTHSTAR_MAX_REGENERATIONS", 2),
			RequestTimeout:   envDuration("NORTHSTAR_REQUEST_TIMEOUT", 60*time.Second),
			EvidenceTimeout:  envDuration("NORTHSTAR_EVIDENCE_TIMEOUT", 800*time.Millisecond),
			RunRecordTTL:     envDuration("NORTHSTAR_RUN_RECORD_TTL", 7*24*time.Hour),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("NORTHSTAR_BREAKER_THRESHOLD", 5),
			Cooldown:         envDuration("NORTHSTAR_BREAKER_COOLDOWN", 30*time.Second),
		},
		Tokens: TokenConfig{
			Secret: envStr("NORTHSTAR_TOKEN_SECRET", ""),
			TTL:    envDuration("NORTHSTAR_TOKEN_TTL", 15*time.Minute),
		},
		Provider: ProviderConfig{
			APIKey:  envStr("NORTHSTAR_MODEL_API_KEY", ""),
			BaseURL: envStr("NORTHSTAR_MODEL_BASE_URL", ""),
			Model:   envStr("NORTHSTAR_MODEL", "gpt-4o-mini"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
