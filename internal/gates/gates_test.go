package gates_test

import (
	"context"
	"testing"
	"time"

	"github.com/northstar-ai/northstar/internal/acktoken"
	"github.com/northstar-ai/northstar/internal/breaker"
	"github.com/northstar-ai/northstar/internal/conversation"
	"github.com/northstar-ai/northstar/internal/crisis"
	"github.com/northstar-ai/northstar/internal/kvstore"
	"github.com/northstar-ai/northstar/internal/provider"
	"github.com/northstar-ai/northstar/pkg/models"
)

// scriptedProvider returns queued responses, or errors when Fail is set.
type scriptedProvider struct {
	responses []string
	calls     int
	fail      bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, _ *models.GenerateRequest) (*models.GenerateResult, error) {
	p.calls++
	if p.fail {
		return &models.GenerateResult{Degraded: true}, nil
	}
	text := "ok"
	if len(p.responses) > 0 {
		text = p.responses[0]
		if len(p.responses) > 1 {
			p.responses = p.responses[1:]
		}
	}
	return &models.GenerateResult{Text: text, ModelIdentifier: "scripted"}, nil
}

func newTestRegistry(p *scriptedProvider) *provider.Registry {
	r := provider.NewRegistry()
	r.Register(provider.Candidate{Provider: p, Priority: 1})
	return r
}

func newTestBreaker() *breaker.Breaker {
	return breaker.New(5, time.Minute)
}

type fixture struct {
	kv     *kvstore.Memory
	conv   *conversation.Store
	crisis *crisis.Manager
	tokens *acktoken.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := kvstore.NewMemory()
	t.Cleanup(func() { kv.Close() })

	tokens, err := acktoken.New([]byte("test-secret"), kv, time.Minute)
	if err != nil {
		t.Fatalf("acktoken.New() error = %v", err)
	}
	return &fixture{
		kv:     kv,
		conv:   conversation.NewStore(kv),
		crisis: crisis.NewManager(kv),
		tokens: tokens,
	}
}

func newState(message string) *models.PipelineState {
	return &models.PipelineState{Message: message}
}

func newPctx(userID string) *models.PipelineContext {
	return &models.PipelineContext{
		UserID:         userID,
		ConversationID: "conv-1",
		RequestID:      "req-1",
		ReceivedAt:     time.Now().UTC(),
	}
}
