// Package conversation persists the per-conversation turn history and the
// durable per-user notes the pipeline reads and writes: extracted facts and
// open commitments. All of it lives behind the KV backend so the in-memory
// store serves tests unchanged.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/pkg/models"
)

const (
	turnsPrefix       = "conv:turns:"       // + conversationID → JSON []models.Turn
	factsPrefix       = "user:facts:"       // + userID → set of fact strings
	commitmentsPrefix = "user:commitments:" // + userID → set of commitment strings
)

// maxTurns bounds the stored history per conversation; older turns fall off.
const maxTurns = 40

// Store reads and writes conversation-adjacent durable data.
type Store struct {
	kv kvstore.KV
}

// NewStore creates a conversation store on the given KV backend.
func NewStore(kv kvstore.KV) *Store {
	return &Store{kv: kv}
}

// AppendTurns appends turns to a conversation's history, trimming to the
// retention bound.
func (s *Store) AppendTurns(ctx context.Context, conversationID string, turns ...models.Turn) error {
	existing, err := s.Turns(ctx, conversationID)
	if err != nil {
		return err
	}
	all := append(existing, turns...)
	if len(all) > maxTurns {
		all = all[len(all)-maxTurns:]
	}

	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("conversation: encode turns: %w", err)
	}
	if err := s.kv.Set(ctx, turnsPrefix+conversationID, raw, 0); err != nil {
		return fmt.Errorf("conversation: save turns: %w", err)
	}
	return nil
}

// Turns returns the stored history for a conversation, oldest first.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	raw, err := s.kv.Get(ctx, turnsPrefix+conversationID)
	if err != nil {
		if kvstore.IsNotFound(err) {
			return []models.Turn{}, nil
		}
		return nil, fmt.Errorf("conversation: load turns: %w", err)
	}
	var turns []models.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("conversation: decode turns: %w", err)
	}
	return turns, nil
}

// RecentTurns returns up to n of the newest turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, n int) ([]models.Turn, error) {
	turns, err := s.Turns(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

// AddFact records a durable user fact extracted by the memory gate.
func (s *Store) AddFact(ctx context.Context, userID, fact string) error {
	return s.kv.SAdd(ctx, factsPrefix+userID, fact)
}

// Facts returns all recorded facts for a user.
func (s *Store) Facts(ctx context.Context, userID string) ([]string, error) {
	return s.kv.SMembers(ctx, factsPrefix+userID)
}

// AddCommitment records something the user said they would do.
func (s *Store) AddCommitment(ctx context.Context, userID, commitment string) error {
	return s.kv.SAdd(ctx, commitmentsPrefix+userID, commitment)
}

// Commitments returns a user's open commitments.
func (s *Store) Commitments(ctx context.Context, userID string) ([]string, error) {
	return s.kv.SMembers(ctx, commitmentsPrefix+userID)
}

// NewTurn builds a timestamped turn.
func NewTurn(role, content string) models.Turn {
	return models.Turn{Role: role, Content: content, CreatedAt: time.Now().UTC()}
}
