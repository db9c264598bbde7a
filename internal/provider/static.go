package provider

import (
	"context"

	"github.com/northstar-ai/northstar/pkg/models"
)

// Static always returns a fixed degraded response. Registered at the lowest
// priority so the registry always has a last resort, and used directly in
// tests that need a deterministic provider.
type Static struct {
	// Text is the canned response. Empty means callers should build their
	// own fallback text.
	Text string

	// MarkDegraded controls the Degraded flag; the last-resort registration
	// sets it, test doubles usually don't.
	MarkDegraded bool
}

func (p *Static) Name() string { return "static" }

func (p *Static) Generate(_ context.Context, _ *models.GenerateRequest) (*models.GenerateResult, error) {
	return &models.GenerateResult{
		Text:            p.Text,
		ModelIdentifier: "static",
		Degraded:        p.MarkDegraded,
	}, nil
}
