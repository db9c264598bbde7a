// Package acktoken issues and validates signed, single-use acknowledgement
// tokens.
//
// A token proves a user explicitly confirmed something out of band (e.g.,
// "I am safe now") before a subsequent request may proceed differently.
//
// Wire format: base64url("<json-payload>.<hex-hmac-sha256-signature>").
// The signature is verified with a constant-time comparison before any
// payload field is trusted. The embedded nonce is consumed atomically via
// the KV conditional-set, so concurrent validations of the same token admit
// exactly one "first use".
package acktoken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/pkg/contracts"
	"github.com/northstar-ai/northstar/pkg/models"
)

const noncePrefix = "acktoken:nonce:"

// Validation error taxonomy. Callers branch on these; none of them carry
// user-visible text.
var (
	ErrMalformed    = errors.New("acktoken: malformed token")
	ErrBadSignature = errors.New("acktoken: signature mismatch")
	ErrExpired      = errors.New("acktoken: token expired")
	ErrUserMismatch = errors.New("acktoken: token issued to a different user")
	ErrAlreadyUsed  = errors.New("acktoken: nonce already consumed")
)

// Service implements contracts.TokenService.
type Service struct {
	secret []byte
	kv     kvstore.KV
	ttl    time.Duration

	now func() time.Time
}

// New creates a token service. secret must be non-empty; ttl is the default
// token lifetime.
func New(secret []byte, kv kvstore.KV, ttl time.Duration) (*Service, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("acktoken: empty signing secret")
	}
	return &Service{secret: secret, kv: kv, ttl: ttl, now: time.Now}, nil
}

// WithConversation binds the token to a conversation.
func WithConversation(conversationID string) contracts.TokenOption {
	return func(p *models.AckTokenPayload) { p.ConversationID = conversationID }
}

// WithMetadata attaches free-form metadata to the token.
func WithMetadata(md map[string]string) contracts.TokenOption {
	return func(p *models.AckTokenPayload) { p.Metadata = md }
}

// WithTTL overrides the service default lifetime for one token.
func WithTTL(ttl time.Duration) contracts.TokenOption {
	return func(p *models.AckTokenPayload) { p.ExpiresAt = p.CreatedAt.Add(ttl) }
}

// Generate produces a signed token embedding a random nonce and an expiry.
func (s *Service) Generate(_ context.Context, userID, action string, opts ...contracts.TokenOption) (string, error) {
	if userID == "" || action == "" {
		return "", fmt.Errorf("acktoken: userID and action are required")
	}

	now := s.now().UTC()
	payload := models.AckTokenPayload{
		UserID:    userID,
		Action:    action,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Nonce:     uuid.New().String(),
	}
	for _, opt := range opts {
		opt(&payload)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("acktoken: marshal payload: %w", err)
	}

	sig := s.sign(payloadJSON)
	token := base64.RawURLEncoding.EncodeToString(
		append(append(payloadJSON, '.'), []byte(sig)...))
	return token, nil
}

// ValidateAndConsume verifies the token and atomically marks its nonce as
// used. The order is fixed: signature, then expiry, then user match, then
// nonce consumption. No field is trusted before the signature check, and
// an expired token never reaches the nonce store.
func (s *Service) ValidateAndConsume(ctx context.Context, token, expectedUserID string) (*models.AckTokenPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrMalformed
	}

	// The payload is JSON and may contain dots; the signature never does,
	// so split at the last one.
	idx := strings.LastIndexByte(string(raw), '.')
	if idx < 0 {
		return nil, ErrMalformed
	}
	payloadJSON, sigHex := raw[:idx], string(raw[idx+1:])

	expected := s.sign(payloadJSON)
	if !hmac.Equal([]byte(sigHex), []byte(expected)) {
		return nil, ErrBadSignature
	}

	var payload models.AckTokenPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, ErrMalformed
	}

	if s.now().After(payload.ExpiresAt) {
		return nil, ErrExpired
	}
	if payload.UserID != expectedUserID {
		return nil, ErrUserMismatch
	}

	created, err := s.kv.SetNX(ctx, noncePrefix+payload.Nonce, []byte("used"),
		time.Until(payload.ExpiresAt)+time.Hour)
	if err != nil {
		return nil, fmt.Errorf("acktoken: consume nonce: %w", err)
	}
	if !created {
		return nil, ErrAlreadyUsed
	}
	return &payload, nil
}

func (s *Service) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
