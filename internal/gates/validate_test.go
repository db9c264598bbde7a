package gates_test

import (
	"context"
	"strings"
	"testing"

	"github.com/northstar-ai/northstar/internal/gates"
	"github.com/northstar-ai/northstar/pkg/models"
)

func TestValidateCleanDraftPasses(t *testing.T) {
	g := gates.NewValidate()
	state := newState("how do I build a morning routine?")
	state.Draft = &models.Generation{Text: "Start with one small anchor habit and attach the rest to it."}

	result := g.Execute(context.Background(), state, newPctx("u1"))
	if result.Status != models.GatePass || result.Action != models.ActionContinue {
		t.Errorf("result = (%q, %q), want (pass, continue)", result.Status, result.Action)
	}
	if state.Validation == nil || !state.Validation.Passed {
		t.Errorf("validation = %+v, want passed", state.Validation)
	}
}

func TestValidateHighSeverityRequestsRegeneration(t *testing.T) {
	g := gates.NewValidate()

	tests := []struct {
		name  string
		draft string
		rule  string
	}{
		{"empty draft", "   ", "empty_draft"},
		{"medical overreach", "You have clinical depression, so increase your dose.", "medical_overreach"},
		{"dismissive tone", "Honestly, just get over it and move on.", "dismissive_tone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newState("hi")
			state.Draft = &models.Generation{Text: tt.draft}

			result := g.Execute(context.Background(), state, newPctx("u1"))
			if result.Status != models.GateHardFail || result.Action != models.ActionRegenerate {
				t.Fatalf("result = (%q, %q), want (hard_fail, regenerate)", result.Status, result.Action)
			}
			found := false
			for _, v := range state.Validation.Violations {
				if v == tt.rule {
					found = true
				}
			}
			if !found {
				t.Errorf("violations = %v, want to contain %q", state.Validation.Violations, tt.rule)
			}
			if len(state.RegenGuidance) == 0 {
				t.Error("no corrective guidance recorded for the retry")
			}
		})
	}
}

func TestValidateStanceAdherence(t *testing.T) {
	g := gates.NewValidate()

	state := newState("everything is falling apart")
	state.Stance = &models.Stance{Name: "safety_redirect"}
	state.Draft = &models.Generation{Text: "Here are five productivity tips for your week."}

	result := g.Execute(context.Background(), state, newPctx("u1"))
	if result.Action != models.ActionRegenerate {
		t.Fatalf("action = %q, want regenerate (redirect stance ignored)", result.Action)
	}

	// Same draft under a neutral stance is fine.
	state2 := newState("any tips?")
	state2.Stance = &models.Stance{Name: "directive"}
	state2.Draft = &models.Generation{Text: "Here are five productivity tips for your week."}

	result2 := g.Execute(context.Background(), state2, newPctx("u1"))
	if result2.Status != models.GatePass {
		t.Errorf("status = %q, want pass", result2.Status)
	}
}

func TestValidateOverLengthDegradesOnly(t *testing.T) {
	g := gates.NewValidate()
	state := newState("hi")
	state.Draft = &models.Generation{Text: strings.Repeat("a", 2100)}

	result := g.Execute(context.Background(), state, newPctx("u1"))
	if result.Status != models.GateSoftFail || result.Action != models.ActionContinue {
		t.Errorf("result = (%q, %q), want (soft_fail, continue)", result.Status, result.Action)
	}
	if len(state.RegenGuidance) != 0 {
		t.Errorf("low-severity violation queued regeneration guidance: %v", state.RegenGuidance)
	}
}

func TestValidateMissingDraftStops(t *testing.T) {
	g := gates.NewValidate()
	state := newState("hi")

	result := g.Execute(context.Background(), state, newPctx("u1"))
	if result.Status != models.GateHardFail || result.Action != models.ActionStop {
		t.Fatalf("result = (%q, %q), want (hard_fail, stop)", result.Status, result.Action)
	}
	if _, ok := result.Output.(*models.StopOutput); !ok {
		t.Errorf("Output type = %T, want *models.StopOutput", result.Output)
	}
}
