package gates

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/northstar-ai/northstar/pkg/models"
)

// maxResponseChars is the soft length cap on drafts.
const maxResponseChars = 2000

// validationRule checks one policy against a draft.
type validationRule struct {
	name string
	// high-severity violations force regeneration; low-severity ones only
	// degrade.
	high  bool
	check func(draft string, state *models.PipelineState) (violated bool, guidance string)
}

var medicalOverreachRegex = regexp.MustCompile(`(?i)\b(you (have|suffer from)|i diagnose|prescri(be|ption)|increase your dose|stop taking your medication)\b`)

var dismissiveRegex = regexp.MustCompile(`(?i)\b(just get over it|stop complaining|it'?s not a big deal|toughen up)\b`)

var validationRules = []validationRule{
	{
		name: "empty_draft",
		high: true,
		check: func(draft string, _ *models.PipelineState) (bool, string) {
			return strings.TrimSpace(draft) == "", "Produce a substantive response to the user's message."
		},
	},
	{
		name: "medical_overreach",
		high: true,
		check: func(draft string, _ *models.PipelineState) (bool, string) {
			return medicalOverreachRegex.MatchString(draft),
				"Remove any diagnosis or medication advice. Suggest talking to a professional instead."
		},
	},
	{
		name: "dismissive_tone",
		high: true,
		check: func(draft string, _ *models.PipelineState) (bool, string) {
			return dismissiveRegex.MatchString(draft),
				"Rewrite with empathy. Never minimize what the user is feeling."
		},
	},
	{
		name: "stance_adherence",
		high: true,
		check: func(draft string, state *models.PipelineState) (bool, string) {
			if state.Stance == nil || state.Stance.Name != "safety_redirect" {
				return false, ""
			}
			lower := strings.ToLower(draft)
			ok := strings.Contains(lower, "support") || strings.Contains(lower, "help") ||
				strings.Contains(lower, "talk to") || strings.Contains(lower, "reach out")
			return !ok, "The user is in distress: include a gentle pointer to support."
		},
	},
	{
		name: "over_length",
		high: false,
		check: func(draft string, _ *models.PipelineState) (bool, string) {
			return len(draft) > maxResponseChars, ""
		},
	},
}

// Validate checks the draft against output policy. A high-severity
// violation hard-fails with action=regenerate and corrective guidance; the
// orchestrator bounds the loop and converts exhaustion into a terminal
// stop. Low-severity violations degrade but continue.
type Validate struct{}

// NewValidate creates the validation gate.
func NewValidate() *Validate { return &Validate{} }

func (g *Validate) ID() string                { return GateValidate }
func (g *Validate) FailMode() models.FailMode { return models.FailClosed }

func (g *Validate) Execute(_ context.Context, state *models.PipelineState, _ *models.PipelineContext) models.GateResult {
	start := time.Now()

	if state.Draft == nil {
		// The pipeline is mis-assembled if validation runs before
		// generation; treat it as a policy stop rather than guessing.
		v := &models.Validation{Passed: false, Violations: []string{"no_draft"}}
		state.Validation = v
		return stop(GateValidate, &models.StopOutput{
			Response: "I couldn't put together a good response just now. Mind trying again?",
		}, "validation ran with no draft present", start)
	}

	v := &models.Validation{Passed: true}
	var guidance []string
	highSeverity := false

	for _, rule := range validationRules {
		violated, fix := rule.check(state.Draft.Text, state)
		if !violated {
			continue
		}
		v.Violations = append(v.Violations, rule.name)
		if rule.high {
			highSeverity = true
			if fix != "" {
				guidance = append(guidance, fix)
			}
		}
	}

	if highSeverity {
		v.Passed = false
		v.Guidance = strings.Join(guidance, " ")
		state.Validation = v
		state.RegenGuidance = append(state.RegenGuidance, v.Guidance)
		return regenerate(GateValidate, v,
			fmt.Sprintf("high-severity violations: %s", strings.Join(v.Violations, ",")), start)
	}

	state.Validation = v
	if len(v.Violations) > 0 {
		return softFail(GateValidate, v,
			fmt.Sprintf("low-severity violations: %s", strings.Join(v.Violations, ",")), start)
	}
	return pass(GateValidate, v, start)
}
