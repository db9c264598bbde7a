package gates

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/conversation"
	"github.com/northstar-ai/northstar/pkg/models"
)

// Evidence fetches supplementary data for generation. Sub-fetches run
// concurrently against independent sources and join best-effort: a failing
// or slow source is dropped, never failing the stage. Fail-open: the
// worst case is generation without enrichment.
type Evidence struct {
	store        *conversation.Store
	fetchTimeout time.Duration
}

// NewEvidence creates the evidence gate. fetchTimeout caps each sub-fetch.
func NewEvidence(store *conversation.Store, fetchTimeout time.Duration) *Evidence {
	return &Evidence{store: store, fetchTimeout: fetchTimeout}
}

func (g *Evidence) ID() string                { return GateEvidence }
func (g *Evidence) FailMode() models.FailMode { return models.FailOpen }

type fetchResult struct {
	item models.EvidenceItem
	err  error
	ok   bool // false = nothing to contribute (not an error)
}

func (g *Evidence) Execute(ctx context.Context, state *models.PipelineState, pctx *models.PipelineContext) models.GateResult {
	start := time.Now()

	fetches := map[string]func(context.Context) (string, error){
		"recent_turns": func(ctx context.Context) (string, error) {
			turns, err := g.store.RecentTurns(ctx, pctx.ConversationID, 6)
			if err != nil || len(turns) == 0 {
				return "", err
			}
			lines := make([]string, 0, len(turns))
			for _, t := range turns {
				lines = append(lines, t.Role+": "+t.Content)
			}
			return strings.Join(lines, "\n"), nil
		},
		"user_facts": func(ctx context.Context) (string, error) {
			facts, err := g.store.Facts(ctx, pctx.UserID)
			if err != nil || len(facts) == 0 {
				return "", err
			}
			return strings.Join(facts, "; "), nil
		},
		"commitments": func(ctx context.Context) (string, error) {
			commitments, err := g.store.Commitments(ctx, pctx.UserID)
			if err != nil || len(commitments) == 0 {
				return "", err
			}
			return strings.Join(commitments, "; "), nil
		},
	}

	results := make(chan fetchResult, len(fetches))
	var wg sync.WaitGroup
	for source, fetch := range fetches {
		wg.Add(1)
		go func(source string, fetch func(context.Context) (string, error)) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
			defer cancel()

			content, err := fetch(fctx)
			if err != nil {
				results <- fetchResult{err: fmt.Errorf("%s: %w", source, err)}
				return
			}
			if content == "" {
				results <- fetchResult{}
				return
			}
			results <- fetchResult{
				item: models.EvidenceItem{Source: source, Content: content},
				ok:   true,
			}
		}(source, fetch)
	}
	wg.Wait()
	close(results)

	items := make([]models.EvidenceItem, 0, len(fetches))
	dropped := 0
	for r := range results {
		if r.err != nil {
			dropped++
			log.Warn().Err(r.err).
				Str("request_id", pctx.RequestID).
				Msg("Evidence sub-fetch dropped")
			continue
		}
		if r.ok {
			items = append(items, r.item)
		}
	}
	state.Evidence = items

	if dropped > 0 {
		return softFail(GateEvidence, items,
			fmt.Sprintf("%d evidence source(s) dropped", dropped), start)
	}
	return pass(GateEvidence, items, start)
}
