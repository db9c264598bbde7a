// Package server provides the public entry point for initializing the
// Northstar server.
//
// It lives in pkg/ (not internal/) so embedders can compose the assembled
// handler with their own outer middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/acktoken"
	"github.com/northstar-ai/northstar/internal/api"
	"github.com/northstar-ai/northstar/internal/api/handlers"
	"github.com/northstar-ai/northstar/internal/breaker"
	"github.com/northstar-ai/northstar/internal/config"
	"github.com/northstar-ai/northstar/internal/conversation"
	"github.com/northstar-ai/northstar/internal/crisis"
	"github.com/northstar-ai/northstar/internal/gates"
	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/internal/pipeline"
	"github.com/northstar-ai/northstar/internal/provider"
	"github.com/northstar-ai/northstar/internal/telemetry"
	"github.com/northstar-ai/northstar/pkg/contracts"
)

// breakerService is the circuit key for the model provider path. The
// classifier and the generator share one circuit: they share the backend.
const breakerService = "model-provider"

// Server holds the initialized Northstar server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// KV is the durability backend; exposed so main can close it.
	KV kvstore.KV

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Durability backend: Postgres when configured, in-memory otherwise.
	var kv kvstore.KV
	if cfg.Database.URL != "" {
		kv, err = kvstore.NewPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres kv: %w", err)
		}
		log.Info().Msg("Postgres KV store initialized")
	} else {
		kv = kvstore.NewMemory()
		log.Info().Msg("In-memory KV store initialized (no DATABASE_URL)")
	}

	secret := cfg.Tokens.Secret
	if secret == "" {
		log.Warn().Msg("NORTHSTAR_TOKEN_SECRET not set; using an ephemeral secret, tokens will not survive restarts")
		secret = fmt.Sprintf("ephemeral-%d", time.Now().UnixNano())
	}
	tokens, err := acktoken.New([]byte(secret), kv, cfg.Tokens.TTL)
	if err != nil {
		return nil, fmt.Errorf("init ack tokens: %w", err)
	}

	crisisMgr := crisis.NewManager(kv)
	conv := conversation.NewStore(kv)
	runs := pipeline.NewRunStore(kv, cfg.Pipeline.RunRecordTTL)

	b := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown,
		breaker.WithDurableStore(kv))

	// Provider registry: the real backend when an API key is configured,
	// with a static always-available fallback at the bottom.
	registry := provider.NewRegistry()
	if cfg.Provider.APIKey != "" {
		registry.Register(provider.Candidate{
			Provider: provider.NewOpenAI(cfg.Provider),
			Priority: 10,
		})
		log.Info().Str("model", cfg.Provider.Model).Msg("Model provider initialized")
	} else {
		log.Warn().Msg("NORTHSTAR_MODEL_API_KEY not set; responses will use static fallbacks")
	}
	registry.Register(provider.Candidate{
		Provider: &provider.Static{
			Text:         "I'm here and listening. Tell me more about what's on your mind.",
			MarkDegraded: true,
		},
		Priority: 0,
	})

	stance, err := gates.NewStanceSelect(gates.DefaultStanceRules)
	if err != nil {
		return nil, fmt.Errorf("compile stance rules: %w", err)
	}

	orch, err := pipeline.New(pipeline.Params{
		Gates: []contracts.Gate{
			gates.NewClassify(registry, b, breakerService),
			gates.NewSafety(crisisMgr, tokens),
			stance,
			gates.NewEvidence(conv, cfg.Pipeline.EvidenceTimeout),
			gates.NewGenerate(registry, b, breakerService),
			gates.NewValidate(),
			gates.NewMemoryExtract(conv),
		},
		Crisis:        crisisMgr,
		Tokens:        tokens,
		Conversations: conv,
		Runs:          runs,
		Observers: []contracts.Observer{
			pipeline.NewLogObserver(log.Logger),
			pipeline.NewTraceObserver(),
		},
		MaxRegenerations: cfg.Pipeline.MaxRegenerations,
		RequestTimeout:   cfg.Pipeline.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	log.Info().Msg("Pipeline initialized")

	h := handlers.New(orch, crisisMgr, tokens, b, runs, conv)
	router := api.NewRouter(cfg, h, kv)

	return &Server{
		Handler:      router,
		KV:           kv,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
