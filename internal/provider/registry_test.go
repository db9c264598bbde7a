package provider_test

import (
	"context"
	"strings"
	"testing"

	"github.com/northstar-ai/northstar/internal/provider"
	"github.com/northstar-ai/northstar/pkg/models"
)

type namedStatic struct {
	provider.Static
	name string
}

func (p *namedStatic) Name() string { return p.name }

func TestSelectByPriority(t *testing.T) {
	r := provider.NewRegistry()
	r.Register(provider.Candidate{Provider: &namedStatic{name: "low"}, Priority: 1})
	r.Register(provider.Candidate{Provider: &namedStatic{name: "high"}, Priority: 10})

	p, err := r.Select(&models.GenerateRequest{UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.Name() != "high" {
		t.Errorf("Select() = %q, want %q", p.Name(), "high")
	}
}

func TestMatchPredicateSkipsNonMatching(t *testing.T) {
	r := provider.NewRegistry()
	r.Register(provider.Candidate{
		Provider: &namedStatic{name: "long-context"},
		Priority: 10,
		Match: func(req *models.GenerateRequest) bool {
			return len(req.History) > 5
		},
	})
	r.Register(provider.Candidate{Provider: &namedStatic{name: "default"}, Priority: 1})

	p, err := r.Select(&models.GenerateRequest{UserPrompt: "short"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.Name() != "default" {
		t.Errorf("Select() = %q, want %q (predicate should skip long-context)", p.Name(), "default")
	}
}

func TestNoMatchIsError(t *testing.T) {
	r := provider.NewRegistry()
	r.Register(provider.Candidate{
		Provider: &namedStatic{name: "never"},
		Priority: 1,
		Match:    func(*models.GenerateRequest) bool { return false },
	})

	if _, err := r.Select(&models.GenerateRequest{}); err == nil {
		t.Error("Select() with no matching candidate: error = nil, want error")
	}
}

func TestListIsSelectionOrder(t *testing.T) {
	r := provider.NewRegistry()
	r.Register(provider.Candidate{Provider: &namedStatic{name: "b"}, Priority: 5})
	r.Register(provider.Candidate{Provider: &namedStatic{name: "a"}, Priority: 5})
	r.Register(provider.Candidate{Provider: &namedStatic{name: "c"}, Priority: 9})

	got := strings.Join(r.List(), ",")
	if got != "c,a,b" {
		t.Errorf("List() = %q, want %q (priority desc, name asc on ties)", got, "c,a,b")
	}
}

func TestRegistryGenerate(t *testing.T) {
	r := provider.NewRegistry()
	r.Register(provider.Candidate{
		Provider: &provider.Static{Text: "canned"},
		Priority: 1,
	})

	res, err := r.Generate(context.Background(), &models.GenerateRequest{UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != "canned" {
		t.Errorf("Generate().Text = %q, want %q", res.Text, "canned")
	}
}
