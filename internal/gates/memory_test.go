package gates_test

import (
	"context"
	"testing"

	"github.com/northstar-ai/northstar/internal/gates"
	"github.com/northstar-ai/northstar/pkg/models"
)

func TestMemoryExtractsFactsAndCommitments(t *testing.T) {
	f := newFixture(t)
	g := gates.NewMemoryExtract(f.conv)
	ctx := context.Background()

	state := newState("My name is Dana and I'm training for a half marathon. I'll run on Saturday.")
	result := g.Execute(ctx, state, newPctx("u1"))

	if result.Status != models.GatePass {
		t.Fatalf("status = %q, want pass", result.Status)
	}

	facts, err := f.conv.Facts(ctx, "u1")
	if err != nil {
		t.Fatalf("Facts() error = %v", err)
	}
	if len(facts) != 2 {
		t.Errorf("facts = %v, want name and training entries", facts)
	}

	commitments, err := f.conv.Commitments(ctx, "u1")
	if err != nil {
		t.Fatalf("Commitments() error = %v", err)
	}
	if len(commitments) != 1 {
		t.Errorf("commitments = %v, want the Saturday run", commitments)
	}
}

func TestMemoryNothingToExtract(t *testing.T) {
	f := newFixture(t)
	g := gates.NewMemoryExtract(f.conv)
	ctx := context.Background()

	state := newState("what a nice day")
	result := g.Execute(ctx, state, newPctx("u1"))

	if result.Status != models.GatePass || result.Action != models.ActionContinue {
		t.Errorf("result = (%q, %q), want (pass, continue)", result.Status, result.Action)
	}
	facts, _ := f.conv.Facts(ctx, "u1")
	if len(facts) != 0 {
		t.Errorf("facts = %v, want none", facts)
	}
}

func TestMemoryDeduplicatesRepeatedFacts(t *testing.T) {
	f := newFixture(t)
	g := gates.NewMemoryExtract(f.conv)
	ctx := context.Background()

	g.Execute(ctx, newState("my goal is to read more books"), newPctx("u1"))
	g.Execute(ctx, newState("my goal is to read more books"), newPctx("u1"))

	facts, _ := f.conv.Facts(ctx, "u1")
	if len(facts) != 1 {
		t.Errorf("facts = %v, want a single deduplicated entry", facts)
	}
}
