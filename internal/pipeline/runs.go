package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/pkg/models"
)

const runPrefix = "run:"

// RunStore persists pipeline run traces with a retention TTL.
type RunStore struct {
	kv  kvstore.KV
	ttl time.Duration
}

// NewRunStore creates a run store. ttl bounds how long traces are kept;
// zero keeps them until the backend evicts.
func NewRunStore(kv kvstore.KV, ttl time.Duration) *RunStore {
	return &RunStore{kv: kv, ttl: ttl}
}

// Save writes one run record, keyed by request ID.
func (s *RunStore) Save(ctx context.Context, record *models.RunRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("runs: encode record: %w", err)
	}
	if err := s.kv.Set(ctx, runPrefix+record.RequestID, raw, s.ttl); err != nil {
		return fmt.Errorf("runs: save record: %w", err)
	}
	return nil
}

// Get loads the run record for a request ID. Returns kvstore.ErrNotFound
// (wrapped) when no trace exists or it has aged out.
func (s *RunStore) Get(ctx context.Context, requestID string) (*models.RunRecord, error) {
	raw, err := s.kv.Get(ctx, runPrefix+requestID)
	if err != nil {
		return nil, fmt.Errorf("runs: load record %q: %w", requestID, err)
	}
	var record models.RunRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("runs: decode record %q: %w", requestID, err)
	}
	return &record, nil
}
