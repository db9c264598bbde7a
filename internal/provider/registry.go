// Package provider supplies model-provider clients and the priority
// registry that selects among them.
//
// Providers are data-driven records: a name, a priority, and a match
// predicate over the request. Selection is first-match-by-descending-
// priority, so adding a provider is a registration, not a subclass.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/pkg/contracts"
	"github.com/northstar-ai/northstar/pkg/models"
)

// Candidate is one registered provider with its selection rule.
type Candidate struct {
	Provider contracts.ModelProvider

	// Priority orders candidates; higher wins. Ties break by name for
	// deterministic selection.
	Priority int

	// Match reports whether this candidate can serve the request.
	// nil = matches everything.
	Match func(req *models.GenerateRequest) bool
}

// Registry holds candidates and selects one per request. Thread-safe.
type Registry struct {
	mu         sync.RWMutex
	candidates []Candidate
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a candidate and keeps the list ordered by descending
// priority.
func (r *Registry) Register(c Candidate) {
	r.mu.Lock()
	r.candidates = append(r.candidates, c)
	sort.SliceStable(r.candidates, func(i, j int) bool {
		if r.candidates[i].Priority != r.candidates[j].Priority {
			return r.candidates[i].Priority > r.candidates[j].Priority
		}
		return r.candidates[i].Provider.Name() < r.candidates[j].Provider.Name()
	})
	r.mu.Unlock()
	log.Info().
		Str("provider", c.Provider.Name()).
		Int("priority", c.Priority).
		Msg("Model provider registered")
}

// Select returns the highest-priority candidate whose Match accepts req.
func (r *Registry) Select(req *models.GenerateRequest) (contracts.ModelProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.candidates {
		if c.Match == nil || c.Match(req) {
			return c.Provider, nil
		}
	}
	return nil, fmt.Errorf("provider: no candidate matches request")
}

// List returns registered provider names in selection order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.candidates))
	for _, c := range r.candidates {
		names = append(names, c.Provider.Name())
	}
	return names
}

// Generate selects a provider for req and calls it.
func (r *Registry) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	p, err := r.Select(req)
	if err != nil {
		return nil, err
	}
	return p.Generate(ctx, req)
}
