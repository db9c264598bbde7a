package gates

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/northstar-ai/northstar/pkg/models"
)

// StanceEnv is the expression environment stance predicates evaluate
// against. Field names are the identifiers available in rule expressions.
type StanceEnv struct {
	Intent     string `expr:"intent"`
	Severity   string `expr:"severity"`
	MessageLen int    `expr:"message_len"`
	Attempt    int    `expr:"attempt"`
}

// StanceRule is one data-driven stance candidate: a match expression and a
// priority. Selection is first-match-by-descending-priority.
type StanceRule struct {
	Name     string
	Priority int
	When     string // expr-lang boolean expression over StanceEnv
	Guidance string // prepended to the generation system prompt
}

// DefaultStanceRules is the stock rule set. The safety-redirect rule
// outranks everything so a high (non-critical) safety signal always wins.
var DefaultStanceRules = []StanceRule{
	{
		Name:     "safety_redirect",
		Priority: 100,
		When:     `severity == "high"`,
		Guidance: "The user is in acute distress. Respond with warmth, do not push goals or tasks, and gently point to support resources.",
	},
	{
		Name:     "reflective",
		Priority: 50,
		When:     `intent == "vent"`,
		Guidance: "Listen first. Reflect what the user is feeling before offering anything. Ask at most one open question.",
	},
	{
		Name:     "directive",
		Priority: 40,
		When:     `intent == "question" || intent == "progress_update"`,
		Guidance: "Be concrete and actionable. Acknowledge progress, then give one clear next step.",
	},
	{
		Name:     "supportive",
		Priority: 0,
		When:     `true`,
		Guidance: "Be encouraging and brief. Match the user's energy.",
	},
}

type compiledStance struct {
	rule    StanceRule
	program *vm.Program
}

// StanceSelect chooses the behavioral mode for the response from a compiled
// rule list. No external calls; fail-open to the lowest-priority rule.
type StanceSelect struct {
	rules []compiledStance
}

// NewStanceSelect compiles the rule expressions. An invalid expression is a
// construction error, not a runtime condition.
func NewStanceSelect(rules []StanceRule) (*StanceSelect, error) {
	compiled := make([]compiledStance, 0, len(rules))
	for _, r := range rules {
		program, err := expr.Compile(r.When, expr.Env(StanceEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("stance rule %q: compile %q: %w", r.Name, r.When, err)
		}
		compiled = append(compiled, compiledStance{rule: r, program: program})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})
	return &StanceSelect{rules: compiled}, nil
}

func (g *StanceSelect) ID() string                { return GateStance }
func (g *StanceSelect) FailMode() models.FailMode { return models.FailOpen }

func (g *StanceSelect) Execute(_ context.Context, state *models.PipelineState, _ *models.PipelineContext) models.GateResult {
	start := time.Now()

	env := StanceEnv{
		Intent:     "general",
		Severity:   string(models.SeverityNone),
		MessageLen: len(state.Message),
		Attempt:    state.Attempt,
	}
	if state.Classification != nil {
		env.Intent = state.Classification.Intent
	}
	if state.Safety != nil {
		env.Severity = string(state.Safety.Severity)
	}

	for _, c := range g.rules {
		matched, err := expr.Run(c.program, env)
		if err != nil {
			// A rule that errors at runtime is skipped, not fatal.
			continue
		}
		if matched.(bool) {
			stance := &models.Stance{
				Name:     c.rule.Name,
				Priority: c.rule.Priority,
				Guidance: c.rule.Guidance,
			}
			state.Stance = stance
			return pass(GateStance, stance, start)
		}
	}

	// No rule matched (possible with a custom rule set): degrade to a
	// neutral stance rather than failing the request.
	stance := &models.Stance{Name: "supportive"}
	state.Stance = stance
	return softFail(GateStance, stance, "no stance rule matched", start)
}
