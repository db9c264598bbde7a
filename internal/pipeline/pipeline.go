// Package pipeline implements the gated execution core.
//
// The orchestrator runs an ordered gate sequence for each request. Before
// any gate executes it consults the crisis interlock; while a user holds an
// active crisis session the normal pipeline never runs. Gate results drive
// control flow: continue advances, stop terminates with the gate's fixed
// output, regenerate re-enters at the generation gate a bounded number of
// times. Every run leaves a persisted trace.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/conversation"
	"github.com/northstar-ai/northstar/internal/gates"
	"github.com/northstar-ai/northstar/pkg/contracts"
	"github.com/northstar-ai/northstar/pkg/models"
)

// crisisLockedResponse is returned for every request while the user's
// crisis session is active. Fixed policy text, same shape as the safety
// gate's stop output.
const crisisLockedResponse = "Our regular sessions are paused right now. " +
	"Your wellbeing comes first, and support is available: in the US, call or text 988. " +
	"When you're in a safe place, confirm below and we'll continue."

// timeoutResponse is the generic text for a request that ran out of budget.
const timeoutResponse = "That took longer than it should have on my end. Please try again in a moment."

// exhaustedResponse is the generic text when regeneration attempts run out.
const exhaustedResponse = "I couldn't put together a response I'm confident in just now. Mind rephrasing, or trying again in a bit?"

// Params wires an orchestrator. Gates run in slice order.
type Params struct {
	Gates         []contracts.Gate
	Crisis        contracts.CrisisService
	Tokens        contracts.TokenService
	Conversations *conversation.Store
	Runs          *RunStore
	Observers     []contracts.Observer

	MaxRegenerations int
	RequestTimeout   time.Duration
}

// Orchestrator drives the gate sequence for each request.
type Orchestrator struct {
	gates     []contracts.Gate
	genIndex  int
	crisis    contracts.CrisisService
	tokens    contracts.TokenService
	conv      *conversation.Store
	runs      *RunStore
	observers []contracts.Observer
	maxRegens int
	timeout   time.Duration
}

// New builds an orchestrator. The generation gate's position is resolved
// once here; a pipeline without one treats any regenerate action as
// immediately exhausted.
func New(p Params) (*Orchestrator, error) {
	if len(p.Gates) == 0 {
		return nil, fmt.Errorf("pipeline: no gates configured")
	}
	if p.Crisis == nil {
		return nil, fmt.Errorf("pipeline: crisis service is required")
	}

	genIndex := -1
	for i, g := range p.Gates {
		if g.ID() == gates.GateGenerate {
			genIndex = i
			break
		}
	}

	timeout := p.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Orchestrator{
		gates:     p.Gates,
		genIndex:  genIndex,
		crisis:    p.Crisis,
		tokens:    p.Tokens,
		conv:      p.Conversations,
		runs:      p.Runs,
		observers: p.Observers,
		maxRegens: p.MaxRegenerations,
		timeout:   timeout,
	}, nil
}

// Run executes the pipeline for one user message.
//
// The returned error is reserved for infrastructure failures the caller
// should surface as a server error; every policy outcome (stop, degraded,
// blocked) arrives as a PipelineOutcome.
func (o *Orchestrator) Run(ctx context.Context, pctx *models.PipelineContext, message string) (*models.PipelineOutcome, error) {
	// Crisis interlock, unconditionally before gate one. A read failure
	// here fails closed: without a trustworthy answer the pipeline does
	// not run.
	session, err := o.crisis.GetActive(ctx, pctx.UserID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: crisis interlock: %w", err)
	}
	if session != nil {
		return o.blockedOutcome(ctx, pctx), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan *models.PipelineOutcome, 1)
	go func() {
		done <- o.execute(runCtx, pctx, message, start)
	}()

	select {
	case outcome := <-done:
		return outcome, nil
	case <-runCtx.Done():
		log.Error().
			Str("request_id", pctx.RequestID).
			Dur("elapsed", time.Since(start)).
			Msg("Pipeline run exceeded its time budget")
		outcome := &models.PipelineOutcome{
			Status:   models.OutcomeError,
			Response: timeoutResponse,
			Degraded: true,
		}
		o.saveRun(pctx, outcome, 0, start)
		return outcome, nil
	}
}

// execute runs the gate loop to completion. It owns the request state; the
// caller only ever sees the outcome.
func (o *Orchestrator) execute(ctx context.Context, pctx *models.PipelineContext, message string, start time.Time) *models.PipelineOutcome {
	state := &models.PipelineState{Message: message}
	outcome := &models.PipelineOutcome{Status: models.OutcomeSuccess}
	regens := 0

	for i := 0; i < len(o.gates); i++ {
		gate := o.gates[i]
		result := o.runGate(ctx, gate, state, pctx)
		outcome.GateResults = append(outcome.GateResults, result)
		o.notify(ctx, pctx, result)

		if result.Status == models.GateSoftFail {
			outcome.Degraded = true
		}

		switch result.Action {
		case models.ActionContinue:
			// advance

		case models.ActionStop:
			o.applyStop(outcome, result)
			o.saveRun(pctx, outcome, regens, start)
			return outcome

		case models.ActionRegenerate:
			if o.genIndex < 0 || regens >= o.maxRegens {
				log.Warn().
					Str("request_id", pctx.RequestID).
					Int("regenerations", regens).
					Str("gate_id", result.GateID).
					Msg("Regeneration budget exhausted, stopping")
				outcome.Status = models.OutcomeStopped
				outcome.Response = exhaustedResponse
				o.saveRun(pctx, outcome, regens, start)
				return outcome
			}
			regens++
			i = o.genIndex - 1 // loop increment lands on the generation gate
		}
	}

	o.finishSuccess(ctx, pctx, state, outcome)
	o.saveRun(pctx, outcome, regens, start)
	return outcome
}

// runGate executes one gate with panic containment. A panicking gate is
// treated per its declared fail mode: fail-open degrades and continues,
// fail-closed stops with generic text.
func (o *Orchestrator) runGate(ctx context.Context, gate contracts.Gate, state *models.PipelineState, pctx *models.PipelineContext) (result models.GateResult) {
	startedAt := time.Now()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error().
			Str("gate_id", gate.ID()).
			Str("request_id", pctx.RequestID).
			Interface("panic", r).
			Msg("Gate panicked")
		if gate.FailMode() == models.FailOpen {
			result = models.GateResult{
				GateID:          gate.ID(),
				Status:          models.GateSoftFail,
				Action:          models.ActionContinue,
				Output:          struct{}{},
				FailureReason:   fmt.Sprintf("gate panic: %v", r),
				ExecutionTimeMs: time.Since(startedAt).Milliseconds(),
			}
			return
		}
		result = models.GateResult{
			GateID:          gate.ID(),
			Status:          models.GateHardFail,
			Action:          models.ActionStop,
			Output:          &models.StopOutput{Response: exhaustedResponse},
			FailureReason:   fmt.Sprintf("gate panic: %v", r),
			ExecutionTimeMs: time.Since(startedAt).Milliseconds(),
		}
	}()

	result = gate.Execute(ctx, state, pctx)
	if !result.Valid() {
		// A malformed result is a gate bug; degrade it to the gate's fail
		// mode rather than propagating an inconsistent trace entry.
		log.Error().
			Str("gate_id", gate.ID()).
			Str("status", string(result.Status)).
			Str("action", string(result.Action)).
			Msg("Gate returned a structurally invalid result")
		if gate.FailMode() == models.FailOpen {
			result.Status = models.GateSoftFail
			result.Action = models.ActionContinue
			if result.Output == nil {
				result.Output = struct{}{}
			}
		} else {
			result.Status = models.GateHardFail
			result.Action = models.ActionStop
			result.Output = &models.StopOutput{Response: exhaustedResponse}
		}
	}
	return result
}

// applyStop copies a stopping gate's terminal output onto the outcome.
func (o *Orchestrator) applyStop(outcome *models.PipelineOutcome, result models.GateResult) {
	outcome.Status = models.OutcomeStopped
	outcome.Response = exhaustedResponse
	if out, ok := result.Output.(*models.StopOutput); ok && out != nil {
		if out.Response != "" {
			outcome.Response = out.Response
		}
		outcome.AckToken = out.AckToken
		outcome.Stance = out.Stance
	}
}

// finishSuccess fills the outcome from the final state and records the
// exchange into the conversation history. A history write failure degrades
// the run, it never fails it.
func (o *Orchestrator) finishSuccess(ctx context.Context, pctx *models.PipelineContext, state *models.PipelineState, outcome *models.PipelineOutcome) {
	if state.Draft != nil {
		outcome.Response = state.Draft.Text
	}
	if state.Stance != nil {
		outcome.Stance = state.Stance.Name
	}

	if o.conv != nil {
		err := o.conv.AppendTurns(ctx, pctx.ConversationID,
			conversation.NewTurn("user", state.Message),
			conversation.NewTurn("assistant", outcome.Response),
		)
		if err != nil {
			log.Warn().Err(err).
				Str("request_id", pctx.RequestID).
				Str("conversation_id", pctx.ConversationID).
				Msg("Turn recording failed")
			outcome.Degraded = true
		}
	}
}

// blockedOutcome is the fixed response while the interlock holds. A fresh
// resolve token is issued each time so the user always has a valid one.
func (o *Orchestrator) blockedOutcome(ctx context.Context, pctx *models.PipelineContext) *models.PipelineOutcome {
	token := ""
	if o.tokens != nil {
		issued, err := o.tokens.Generate(ctx, pctx.UserID, gates.CrisisResolveAction)
		if err != nil {
			log.Error().Err(err).
				Str("user_id", pctx.UserID).
				Msg("Resolve token reissue failed on blocked request")
		} else {
			token = issued
		}
	}

	log.Info().
		Str("user_id", pctx.UserID).
		Str("request_id", pctx.RequestID).
		Msg("Request blocked by crisis interlock")

	return &models.PipelineOutcome{
		Status:   models.OutcomeStopped,
		Response: crisisLockedResponse,
		Blocked:  true,
		AckToken: token,
	}
}

// notify fans a gate result out to observers. Observers never fail a run.
func (o *Orchestrator) notify(ctx context.Context, pctx *models.PipelineContext, result models.GateResult) {
	for _, obs := range o.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("gate_id", result.GateID).
						Msg("Observer panicked")
				}
			}()
			obs.GateCompleted(ctx, pctx, result)
		}()
	}
}

// saveRun persists the run trace. Best effort; persistence is never on the
// response path's critical success criteria.
func (o *Orchestrator) saveRun(pctx *models.PipelineContext, outcome *models.PipelineOutcome, regens int, start time.Time) {
	if o.runs == nil {
		return
	}
	record := &models.RunRecord{
		RequestID:      pctx.RequestID,
		UserID:         pctx.UserID,
		ConversationID: pctx.ConversationID,
		Status:         outcome.Status,
		Degraded:       outcome.Degraded,
		Regenerations:  regens,
		DurationMs:     time.Since(start).Milliseconds(),
		GateResults:    outcome.GateResults,
		CreatedAt:      start.UTC(),
	}
	// The request context may already be expired (timeout path), so the
	// write gets its own short budget.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.runs.Save(ctx, record); err != nil {
		log.Warn().Err(err).
			Str("request_id", pctx.RequestID).
			Msg("Run record persistence failed")
	}
}
