// Package breaker implements a per-service circuit breaker guarding every
// external call the pipeline's gates make.
//
// State machine per service name: closed → open after FailureThreshold
// consecutive failures; open → half_open once Cooldown has elapsed (checked
// inside IsOpen); half_open → closed on a successful probe, half_open →
// open on a failed one.
//
// Circuit state is best-effort persisted to the KV backend so restarts and
// sibling instances can observe it, but the in-memory mirror is
// authoritative for this process: a failing durable write never blocks or
// fails the call path.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/pkg/models"
)

const statePrefix = "breaker:state:"

// Breaker maintains circuit state per external service name.
type Breaker struct {
	mu     sync.Mutex
	states map[string]*models.CircuitState

	kv        kvstore.KV // nil = memory only
	threshold int
	cooldown  time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker's time source. Tests use this to step
// through cooldown windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithDurableStore attaches a KV backend for best-effort persistence.
func WithDurableStore(kv kvstore.KV) Option {
	return func(b *Breaker) { b.kv = kv }
}

// New creates a Breaker. threshold is the consecutive-failure count that
// opens a closed circuit; cooldown is the open→half_open delay.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		states:    make(map[string]*models.CircuitState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// state returns the tracked state for service, creating it lazily. The
// first use of a service name also attempts to hydrate from the durable
// store so circuits opened by a previous process stay open.
// Caller must hold b.mu.
func (b *Breaker) state(ctx context.Context, service string) *models.CircuitState {
	if st, ok := b.states[service]; ok {
		return st
	}

	st := &models.CircuitState{ServiceName: service, State: models.CircuitClosed}
	if b.kv != nil {
		if raw, err := b.kv.Get(ctx, statePrefix+service); err == nil {
			var loaded models.CircuitState
			if jsonErr := json.Unmarshal(raw, &loaded); jsonErr == nil {
				st = &loaded
			}
		}
	}
	b.states[service] = st
	return st
}

// IsOpen reports whether calls to service should be denied. When the
// cooldown has elapsed on an open circuit, it transitions to half_open as a
// side effect and returns false, allowing exactly one probe before the next
// recorded outcome.
func (b *Breaker) IsOpen(ctx context.Context, service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(ctx, service)
	if st.State != models.CircuitOpen {
		return false
	}

	now := b.now()
	if st.OpenedAt != nil && now.Sub(*st.OpenedAt) >= b.cooldown {
		st.State = models.CircuitHalfOpen
		t := now
		st.HalfOpenAt = &t
		b.persist(st)
		log.Info().Str("service", service).Msg("Circuit half-open, allowing probe")
		return false
	}
	return true
}

// RecordSuccess notes a successful call. A half-open probe success closes
// the circuit and resets the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(ctx, service)
	now := b.now()
	st.LastSuccessAt = &now

	if st.State == models.CircuitHalfOpen {
		st.State = models.CircuitClosed
		st.FailureCount = 0
		st.OpenedAt = nil
		st.HalfOpenAt = nil
		log.Info().Str("service", service).Msg("Circuit closed after successful probe")
	}
	b.persist(st)
}

// RecordFailure notes a failed call. A half-open probe failure reopens the
// circuit; in closed state the failure count increments and the circuit
// opens at the threshold.
func (b *Breaker) RecordFailure(ctx context.Context, service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(ctx, service)
	now := b.now()
	st.LastFailureAt = &now

	switch st.State {
	case models.CircuitHalfOpen:
		st.State = models.CircuitOpen
		st.OpenedAt = &now
		st.HalfOpenAt = nil
		log.Warn().Str("service", service).Msg("Probe failed, circuit reopened")

	case models.CircuitClosed:
		st.FailureCount++
		if st.FailureCount >= b.threshold {
			st.State = models.CircuitOpen
			st.OpenedAt = &now
			log.Warn().
				Str("service", service).
				Int("failures", st.FailureCount).
				Msg("Failure threshold reached, circuit opened")
		}
	}
	b.persist(st)
}

// Reset forces a circuit back to closed. Admin action.
func (b *Breaker) Reset(ctx context.Context, service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(ctx, service)
	st.State = models.CircuitClosed
	st.FailureCount = 0
	st.OpenedAt = nil
	st.HalfOpenAt = nil
	b.persist(st)
	log.Info().Str("service", service).Msg("Circuit reset by admin")
}

// Snapshot returns a copy of all tracked circuit states.
func (b *Breaker) Snapshot() []models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.CircuitState, 0, len(b.states))
	for _, st := range b.states {
		out = append(out, *st)
	}
	return out
}

// persist writes the state to the durable store off the call path. The
// write is retried briefly with exponential backoff; on exhaustion the
// degradation is logged and the in-memory state remains authoritative.
// Caller must hold b.mu; the write itself runs on a separate goroutine
// against a copied value.
func (b *Breaker) persist(st *models.CircuitState) {
	if b.kv == nil {
		return
	}
	snapshot := *st
	go func() {
		raw, err := json.Marshal(&snapshot)
		if err != nil {
			return
		}
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = 2 * time.Second

		err = backoff.Retry(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			return b.kv.Set(ctx, statePrefix+snapshot.ServiceName, raw, 0)
		}, policy)
		if err != nil {
			log.Warn().
				Err(err).
				Str("service", snapshot.ServiceName).
				Msg("Durable circuit-state write failed; memory state is authoritative")
		}
	}()
}

// WithProtection runs fn through the breaker for service. When the circuit
// is open, fallback is invoked directly. Otherwise fn runs and its outcome
// is recorded. The returned bool reports whether the fallback was used.
func WithProtection[T any](
	ctx context.Context,
	b *Breaker,
	service string,
	fn func(context.Context) (T, error),
	fallback func(context.Context) (T, error),
) (T, bool, error) {
	if b.IsOpen(ctx, service) {
		result, err := fallback(ctx)
		return result, true, err
	}

	result, err := fn(ctx)
	if err != nil {
		b.RecordFailure(ctx, service)
		fbResult, fbErr := fallback(ctx)
		return fbResult, true, fbErr
	}
	b.RecordSuccess(ctx, service)
	return result, false, nil
}
