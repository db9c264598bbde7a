// Package crisis implements the persistent per-user safety lock.
//
// When the safety gate sees a critical signal it opens a crisis session for
// the user. The orchestrator's interlock consults this manager before every
// request; while a session is active the normal pipeline does not run. The
// lock survives across requests and process restarts (KV-backed) and is
// released only by an explicit, token-confirmed resolve.
//
// Invariant: at most one active session per user, enforced with the KV
// conditional-set on the per-user active pointer, not just check-then-create.
// Sessions are never deleted; resolve flips status and stamps ResolvedAt.
package crisis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/pkg/models"
)

const (
	activePrefix  = "crisis:active:"  // + userID → session ID
	sessionPrefix = "crisis:session:" // + session ID → JSON record
	userSetPrefix = "crisis:user:"    // + userID → set of session IDs (history)
)

// ErrAlreadyActive is returned by Create when the user already holds an
// active session. The existing session is returned alongside it.
var ErrAlreadyActive = errors.New("crisis: user already has an active session")

// Manager implements contracts.CrisisService on a KV backend.
type Manager struct {
	kv kvstore.KV
}

// NewManager creates a crisis session manager.
func NewManager(kv kvstore.KV) *Manager {
	return &Manager{kv: kv}
}

// GetActive returns the user's active session, or nil if none.
func (m *Manager) GetActive(ctx context.Context, userID string) (*models.CrisisSession, error) {
	idRaw, err := m.kv.Get(ctx, activePrefix+userID)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("crisis: read active pointer: %w", err)
	}

	session, err := m.load(ctx, string(idRaw))
	if err != nil {
		return nil, err
	}
	if session.Status != models.CrisisActive {
		// Stale pointer from an interrupted resolve; clear it.
		m.kv.Delete(ctx, activePrefix+userID)
		return nil, nil
	}
	return session, nil
}

// Create opens a session for the user. The at-most-one-active invariant is
// enforced by claiming the per-user active pointer with SetNX: exactly one
// of any concurrent creates wins, the rest get ErrAlreadyActive with the
// winning session.
func (m *Manager) Create(ctx context.Context, userID, activationID string) (*models.CrisisSession, error) {
	session := &models.CrisisSession{
		ID:           uuid.New().String(),
		UserID:       userID,
		ActivationID: activationID,
		Status:       models.CrisisActive,
		CreatedAt:    time.Now().UTC(),
	}

	claimed, err := m.kv.SetNX(ctx, activePrefix+userID, []byte(session.ID), 0)
	if err != nil {
		return nil, fmt.Errorf("crisis: claim active pointer: %w", err)
	}
	if !claimed {
		existing, getErr := m.GetActive(ctx, userID)
		if getErr == nil && existing != nil {
			return existing, ErrAlreadyActive
		}
		// Pointer was stale and GetActive cleared it; retry the claim once.
		claimed, err = m.kv.SetNX(ctx, activePrefix+userID, []byte(session.ID), 0)
		if err != nil || !claimed {
			return nil, fmt.Errorf("crisis: claim active pointer after stale clear: %w", err)
		}
	}

	if err := m.save(ctx, session); err != nil {
		// Roll back the claim so the user is not locked behind a record
		// that was never written.
		m.kv.Delete(ctx, activePrefix+userID)
		return nil, err
	}
	m.kv.SAdd(ctx, userSetPrefix+userID, session.ID)

	log.Warn().
		Str("user_id", userID).
		Str("session_id", session.ID).
		Str("activation_id", activationID).
		Msg("Crisis session created")
	return session, nil
}

// Resolve flips the session to resolved and stamps ResolvedAt. Resolving an
// already-resolved session is a no-op success.
func (m *Manager) Resolve(ctx context.Context, sessionID string) error {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == models.CrisisResolved {
		return nil
	}

	now := time.Now().UTC()
	session.Status = models.CrisisResolved
	session.ResolvedAt = &now
	if err := m.save(ctx, session); err != nil {
		return err
	}

	// Release the lock only if the pointer still names this session.
	if idRaw, err := m.kv.Get(ctx, activePrefix+session.UserID); err == nil && string(idRaw) == sessionID {
		m.kv.Delete(ctx, activePrefix+session.UserID)
	}

	log.Info().
		Str("user_id", session.UserID).
		Str("session_id", sessionID).
		Msg("Crisis session resolved")
	return nil
}

// History returns all session IDs ever opened for the user.
func (m *Manager) History(ctx context.Context, userID string) ([]string, error) {
	return m.kv.SMembers(ctx, userSetPrefix+userID)
}

func (m *Manager) load(ctx context.Context, sessionID string) (*models.CrisisSession, error) {
	raw, err := m.kv.Get(ctx, sessionPrefix+sessionID)
	if err != nil {
		return nil, fmt.Errorf("crisis: load session %q: %w", sessionID, err)
	}
	var session models.CrisisSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("crisis: decode session %q: %w", sessionID, err)
	}
	return &session, nil
}

func (m *Manager) save(ctx context.Context, session *models.CrisisSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("crisis: encode session: %w", err)
	}
	if err := m.kv.Set(ctx, sessionPrefix+session.ID, raw, 0); err != nil {
		return fmt.Errorf("crisis: save session: %w", err)
	}
	return nil
}
