package gates

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/northstar-ai/northstar/internal/crisis"
	"github.com/northstar-ai/northstar/pkg/contracts"
	"github.com/northstar-ai/northstar/pkg/models"
)

// CrisisResolveAction is the ack-token action bound to the out-of-band
// safety confirmation flow.
const CrisisResolveAction = "crisis_resolve"

// crisisResponse is the fixed, policy-authored text returned when the
// highest safety tier fires. Internal rule names never leak into it.
const crisisResponse = "I'm really glad you told me. What you're feeling matters, " +
	"and you deserve support right now from someone who can truly help. " +
	"Please reach out to a crisis line (in the US, call or text 988) or " +
	"someone you trust. I've paused our regular sessions; when you're safe, " +
	"confirm below and we'll pick things back up."

// safetyRule is one tier of the deterministic scan, highest severity first.
type safetyRule struct {
	name     string
	severity models.SafetySeverity
	pattern  *regexp.Regexp
}

var safetyRules = []safetyRule{
	{"self_harm_intent", models.SeverityCritical,
		regexp.MustCompile(`(?i)\b(kill (myself|me)|end (my life|it all)|suicid|self[- ]harm|hurt myself|don'?t want to (live|be alive|wake up))\b`)},
	{"acute_despair", models.SeverityHigh,
		regexp.MustCompile(`(?i)\b(hopeless|no (point|reason) (in|to) (anything|living|going on)|nothing matters|give up on everything|completely worthless)\b`)},
	{"elevated_distress", models.SeverityElevated,
		regexp.MustCompile(`(?i)\b(panic attack|can'?t cope|falling apart|breaking down|spiraling)\b`)},
}

// Safety scans the message against tiered patterns and routes the request.
// Critical severity stops the pipeline, opens a crisis session, and issues
// the resolve ack token. Fail-closed: if the gate cannot complete its own
// work (session or token creation fails), it still stops.
type Safety struct {
	crisis contracts.CrisisService
	tokens contracts.TokenService
}

// NewSafety creates the safety gate.
func NewSafety(c contracts.CrisisService, t contracts.TokenService) *Safety {
	return &Safety{crisis: c, tokens: t}
}

func (g *Safety) ID() string                { return GateSafety }
func (g *Safety) FailMode() models.FailMode { return models.FailClosed }

func (g *Safety) Execute(ctx context.Context, state *models.PipelineState, pctx *models.PipelineContext) models.GateResult {
	start := time.Now()

	signal := &models.SafetySignal{Severity: models.SeverityNone}
	for _, rule := range safetyRules {
		if rule.pattern.MatchString(state.Message) {
			signal = &models.SafetySignal{Severity: rule.severity, Matched: rule.name}
			break
		}
	}
	state.Safety = signal

	if signal.Severity != models.SeverityCritical {
		return pass(GateSafety, signal, start)
	}

	// Highest tier: lock the user behind a crisis session and stop.
	session, err := g.crisis.Create(ctx, pctx.UserID, pctx.RequestID)
	if err != nil && !errors.Is(err, crisis.ErrAlreadyActive) {
		log.Error().Err(err).
			Str("user_id", pctx.UserID).
			Str("request_id", pctx.RequestID).
			Msg("Crisis session creation failed; stopping anyway")
		return stop(GateSafety, &models.StopOutput{Response: crisisResponse}, "crisis session creation failed", start)
	}

	token, tokenErr := g.tokens.Generate(ctx, pctx.UserID, CrisisResolveAction)
	if tokenErr != nil {
		// The lock is in place; the resolve flow can reissue a token later.
		log.Error().Err(tokenErr).
			Str("user_id", pctx.UserID).
			Msg("Ack token issuance failed during crisis activation")
		token = ""
	}

	log.Warn().
		Str("user_id", pctx.UserID).
		Str("session_id", session.ID).
		Str("rule", signal.Matched).
		Msg("Critical safety signal, pipeline stopped")

	return stop(GateSafety, &models.StopOutput{
		Response: crisisResponse,
		AckToken: token,
		Stance:   "safety_redirect",
	}, "critical safety signal: "+signal.Matched, start)
}
