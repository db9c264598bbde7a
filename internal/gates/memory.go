package gates

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/conversation"
	"github.com/northstar-ai/northstar/pkg/models"
)

// factPatterns pull durable self-statements out of the user message.
var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is ([a-z][a-z .'-]{1,40})`),
	regexp.MustCompile(`(?i)\bi work (?:as|at|in) ([a-z][a-z0-9 .'-]{1,60})`),
	regexp.MustCompile(`(?i)\bmy goal is (?:to )?([a-z][a-z0-9 .'-]{1,80})`),
	regexp.MustCompile(`(?i)\bi(?:'m| am) training for ([a-z][a-z0-9 .'-]{1,60})`),
}

// commitmentPattern catches forward-looking promises ("I will ...",
// "I'm going to ...").
var commitmentPattern = regexp.MustCompile(`(?i)\bi(?:'ll| will|'m going to| am going to) ([a-z][a-z0-9 ,.'-]{3,100})`)

// MemoryExtract runs last, on the accepted draft only, and persists durable
// user facts and commitments for future requests. Fail-open: a storage
// hiccup degrades, it never blocks the response.
type MemoryExtract struct {
	store *conversation.Store
}

// NewMemoryExtract creates the memory gate.
func NewMemoryExtract(store *conversation.Store) *MemoryExtract {
	return &MemoryExtract{store: store}
}

func (g *MemoryExtract) ID() string                { return GateMemory }
func (g *MemoryExtract) FailMode() models.FailMode { return models.FailOpen }

type memoryOutput struct {
	Facts       []string `json:"facts"`
	Commitments []string `json:"commitments"`
}

func (g *MemoryExtract) Execute(ctx context.Context, state *models.PipelineState, pctx *models.PipelineContext) models.GateResult {
	start := time.Now()

	out := memoryOutput{Facts: []string{}, Commitments: []string{}}
	for _, p := range factPatterns {
		if m := p.FindStringSubmatch(state.Message); m != nil {
			out.Facts = append(out.Facts, normalizeFact(m[0]))
		}
	}
	if m := commitmentPattern.FindStringSubmatch(state.Message); m != nil {
		out.Commitments = append(out.Commitments, normalizeFact(m[1]))
	}

	var writeErr error
	for _, fact := range out.Facts {
		if err := g.store.AddFact(ctx, pctx.UserID, fact); err != nil {
			writeErr = err
		}
	}
	for _, c := range out.Commitments {
		if err := g.store.AddCommitment(ctx, pctx.UserID, c); err != nil {
			writeErr = err
		}
	}
	if writeErr != nil {
		log.Warn().Err(writeErr).
			Str("user_id", pctx.UserID).
			Msg("Memory extraction write failed")
		return softFail(GateMemory, out, "memory store write failed", start)
	}

	state.Facts = append(state.Facts, out.Facts...)
	return pass(GateMemory, out, start)
}

func normalizeFact(s string) string {
	return strings.TrimRight(strings.TrimSpace(strings.ToLower(s)), ".,!")
}
