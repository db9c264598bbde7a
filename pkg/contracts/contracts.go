// Package contracts defines the service interfaces for the Northstar
// pipeline core.
//
// The orchestrator depends only on these interfaces, so every collaborator
// (gates, model providers, the durability backend, observers) can be swapped
// for an in-memory or mock implementation in tests. Wiring happens in one
// place (pkg/server).
package contracts

import (
	"context"

	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/pkg/models"
)

// KV is a type alias for the internal key-value store interface.
// Exposed in pkg/ so external callers can supply their own backend without
// importing internal/ directly.
type KV = kvstore.KV

// ErrNotFound is a type alias for the internal not-found error.
type ErrNotFound = kvstore.ErrNotFound

// ── Gate ────────────────────────────────────────────────────

// Gate is one stage of the execution pipeline.
//
// Execute reads request-scoped state, may mutate it, and returns a
// GateResult. It must never panic out or return a raw internal error as a
// Go error: internal failures are translated into soft_fail or hard_fail
// per the gate's FailMode. The returned error is reserved for programming
// errors (nil state, misconfiguration) that should abort the request.
type Gate interface {
	// ID returns the stable gate identifier used in results and logs.
	ID() string

	// FailMode declares what the orchestrator should do when the gate
	// fails in a way it could not translate itself (e.g., a panic).
	FailMode() models.FailMode

	Execute(ctx context.Context, state *models.PipelineState, pctx *models.PipelineContext) models.GateResult
}

// ── Model Provider ──────────────────────────────────────────

// ModelProvider generates text from a prompt pair plus optional history.
//
// Implementations must return a degraded-but-valid result (Degraded=true,
// fallback text) rather than an error when the backend is unreachable.
type ModelProvider interface {
	// Name identifies the provider for circuit-breaker keying and logs.
	Name() string

	Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error)
}

// ── Crisis Service ──────────────────────────────────────────

// CrisisService is the persistent per-user safety lock consulted by the
// orchestrator's interlock before any gate runs.
type CrisisService interface {
	// GetActive returns the user's active session, or nil if none.
	GetActive(ctx context.Context, userID string) (*models.CrisisSession, error)

	// Create opens a session, enforcing at-most-one-active per user.
	Create(ctx context.Context, userID, activationID string) (*models.CrisisSession, error)

	// Resolve flips a session to resolved. Idempotent.
	Resolve(ctx context.Context, sessionID string) error
}

// ── Ack Token Service ───────────────────────────────────────

// TokenService issues and single-use-validates signed ack tokens.
type TokenService interface {
	Generate(ctx context.Context, userID, action string, opts ...TokenOption) (string, error)
	ValidateAndConsume(ctx context.Context, token, expectedUserID string) (*models.AckTokenPayload, error)
}

// TokenOption customizes an issued token.
type TokenOption func(*models.AckTokenPayload)

// ── Observer ────────────────────────────────────────────────

// Observer receives gate results as the orchestrator produces them.
// Observers keep gate bodies pure: logging and telemetry happen here, not
// inside Execute. Observer calls must be cheap and must not fail the run.
type Observer interface {
	GateCompleted(ctx context.Context, pctx *models.PipelineContext, result models.GateResult)
}
