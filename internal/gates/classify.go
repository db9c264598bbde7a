package gates

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/breaker"
	"github.com/northstar-ai/northstar/internal/provider"
	"github.com/northstar-ai/northstar/pkg/models"
)

// Known intents. The classifier clamps model output to this set.
var knownIntents = map[string]bool{
	"greeting":        true,
	"progress_update": true,
	"question":        true,
	"vent":            true,
	"general":         true,
}

// prefilterRule maps a cheap deterministic pattern to an intent.
type prefilterRule struct {
	intent  string
	pattern *regexp.Regexp
}

// Ordered: first match wins.
var prefilterRules = []prefilterRule{
	{"greeting", regexp.MustCompile(`(?i)^\s*(hi|hey|hello|good (morning|afternoon|evening))\b[\s!,.]*$`)},
	{"progress_update", regexp.MustCompile(`(?i)\b(i (did|finished|completed|managed)|done with|checked off|streak)\b`)},
	{"question", regexp.MustCompile(`(?i)\b(how (do|can|should)|what (is|should|can)|why (do|is|am)|can you|should i)\b|\?\s*$`)},
	{"vent", regexp.MustCompile(`(?i)\b(i('m| am) (so )?(tired|exhausted|frustrated|overwhelmed|stressed|angry|sad)|fed up|can't take)\b`)},
}

const classifySystemPrompt = `You classify a coaching app user message into exactly one intent.
Reply with a single word from: greeting, progress_update, question, vent, general.`

// Classify determines the user's intent with a two-tier strategy: the
// regex pre-filter answers cheap unambiguous cases; only inconclusive
// messages reach the model classifier. Fail-open: on provider trouble the
// gate degrades to the default intent and the pipeline continues.
type Classify struct {
	providers *provider.Registry
	breaker   *breaker.Breaker
	service   string
}

// NewClassify creates the classify gate. service is the breaker key for the
// classifier's provider calls.
func NewClassify(providers *provider.Registry, b *breaker.Breaker, service string) *Classify {
	return &Classify{providers: providers, breaker: b, service: service}
}

func (g *Classify) ID() string                { return GateClassify }
func (g *Classify) FailMode() models.FailMode { return models.FailOpen }

func (g *Classify) Execute(ctx context.Context, state *models.PipelineState, pctx *models.PipelineContext) models.GateResult {
	start := time.Now()

	// Tier 1: deterministic pre-filter.
	for _, rule := range prefilterRules {
		if rule.pattern.MatchString(state.Message) {
			c := &models.Classification{Intent: rule.intent, Confidence: 0.95, Source: "prefilter"}
			state.Classification = c
			return pass(GateClassify, c, start)
		}
	}

	// Tier 2: model classifier, circuit-protected.
	result, usedFallback, err := breaker.WithProtection(ctx, g.breaker, g.service,
		func(ctx context.Context) (*models.GenerateResult, error) {
			return g.providers.Generate(ctx, &models.GenerateRequest{
				SystemPrompt: classifySystemPrompt,
				UserPrompt:   state.Message,
			})
		},
		func(context.Context) (*models.GenerateResult, error) {
			return &models.GenerateResult{Degraded: true}, nil
		},
	)
	if err != nil || result.Degraded || usedFallback {
		c := &models.Classification{Intent: "general", Confidence: 0, Source: "model"}
		state.Classification = c
		log.Warn().
			Str("request_id", pctx.RequestID).
			Msg("Classifier unavailable, defaulting intent")
		return softFail(GateClassify, c, "classifier unavailable", start)
	}

	intent := strings.ToLower(strings.TrimSpace(result.Text))
	intent = strings.Trim(intent, ".\"'")
	if !knownIntents[intent] {
		intent = "general"
	}
	c := &models.Classification{Intent: intent, Confidence: 0.7, Source: "model"}
	state.Classification = c
	return pass(GateClassify, c, start)
}
