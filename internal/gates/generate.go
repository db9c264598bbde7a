package gates

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/breaker"
	"github.com/northstar-ai/northstar/internal/provider"
	"github.com/northstar-ai/northstar/pkg/models"
)

const generateBasePrompt = `You are Northstar, a personal growth coach.
Keep responses under 150 words, warm and specific. Never give medical
advice or diagnoses.`

// Canned responses by stance name, used when the provider path is down.
var fallbackResponses = map[string]string{
	"safety_redirect": "I hear how hard things are right now. I'm having trouble reaching my full capabilities, but please know support is out there, and I'm here when you want to keep talking.",
	"reflective":      "It sounds like a lot is on your mind. I'm having a temporary glitch on my end, but I'm listening. Tell me more about what's weighing on you.",
	"directive":       "I can't pull up everything I'd normally use right now, but here's a simple next step: pick the smallest piece of what you're working on and give it ten focused minutes.",
	"supportive":      "I'm having a temporary issue reaching my full capabilities, but I'm still here with you. Keep going, you're doing better than you think.",
}

// Generate produces the draft response. The provider call goes through the
// circuit breaker; when the circuit is open or the call fails, the gate
// degrades to a canned stance-aware response and the pipeline continues.
type Generate struct {
	providers *provider.Registry
	breaker   *breaker.Breaker
	service   string
}

// NewGenerate creates the generation gate. service is the breaker key for
// the model provider.
func NewGenerate(providers *provider.Registry, b *breaker.Breaker, service string) *Generate {
	return &Generate{providers: providers, breaker: b, service: service}
}

func (g *Generate) ID() string                { return GateGenerate }
func (g *Generate) FailMode() models.FailMode { return models.FailOpen }

func (g *Generate) Execute(ctx context.Context, state *models.PipelineState, pctx *models.PipelineContext) models.GateResult {
	start := time.Now()
	state.Attempt++

	req := &models.GenerateRequest{
		SystemPrompt: g.systemPrompt(state),
		UserPrompt:   state.Message,
		History:      pctx.History,
	}

	result, usedFallback, err := breaker.WithProtection(ctx, g.breaker, g.service,
		func(ctx context.Context) (*models.GenerateResult, error) {
			return g.providers.Generate(ctx, req)
		},
		func(context.Context) (*models.GenerateResult, error) {
			return &models.GenerateResult{
				Text:            g.fallbackText(state),
				ModelIdentifier: "fallback",
				Degraded:        true,
			}, nil
		},
	)
	if err != nil {
		// Even the fallback failing is still not a stop: generation fails
		// open with the canned text.
		result = &models.GenerateResult{
			Text:            g.fallbackText(state),
			ModelIdentifier: "fallback",
			Degraded:        true,
		}
		usedFallback = true
	}
	if result.Degraded && result.Text == "" {
		result.Text = g.fallbackText(state)
	}

	draft := &models.Generation{
		Text:            result.Text,
		ModelIdentifier: result.ModelIdentifier,
		TokensUsed:      result.TokensUsed,
		Degraded:        result.Degraded || usedFallback,
	}
	state.Draft = draft

	if draft.Degraded {
		log.Warn().
			Str("request_id", pctx.RequestID).
			Int("attempt", state.Attempt).
			Msg("Generation degraded to fallback response")
		return softFail(GateGenerate, draft, "provider degraded", start)
	}
	return pass(GateGenerate, draft, start)
}

func (g *Generate) systemPrompt(state *models.PipelineState) string {
	var b strings.Builder
	b.WriteString(generateBasePrompt)

	if state.Stance != nil && state.Stance.Guidance != "" {
		b.WriteString("\n\nStance: ")
		b.WriteString(state.Stance.Guidance)
	}
	for _, item := range state.Evidence {
		b.WriteString("\n\nContext (")
		b.WriteString(item.Source)
		b.WriteString("): ")
		b.WriteString(item.Content)
	}
	for _, guidance := range state.RegenGuidance {
		b.WriteString("\n\nRevision required: ")
		b.WriteString(guidance)
	}
	return b.String()
}

func (g *Generate) fallbackText(state *models.PipelineState) string {
	stance := "supportive"
	if state.Stance != nil {
		stance = state.Stance.Name
	}
	if text, ok := fallbackResponses[stance]; ok {
		return text
	}
	return fallbackResponses["supportive"]
}
