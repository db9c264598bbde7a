// Package models defines the shared data types for the Northstar pipeline.
//
// Types here are plain data, no behavior beyond small helpers, so they can
// be serialized into run records, returned over the API, and asserted on in
// tests without dragging in component dependencies.
package models

import "time"

// ── Gate Contract ───────────────────────────────────────────

// GateStatus is the outcome classification of a single gate execution.
type GateStatus string

const (
	GatePass     GateStatus = "pass"
	GateSoftFail GateStatus = "soft_fail"
	GateHardFail GateStatus = "hard_fail"
)

// GateAction tells the orchestrator what to do after a gate returns.
type GateAction string

const (
	ActionContinue   GateAction = "continue"
	ActionStop       GateAction = "stop"
	ActionRegenerate GateAction = "regenerate"
)

// FailMode is a gate's declared policy for internal failures.
// Safety-relevant gates fail closed (stop); enrichment gates fail open
// (continue without their data).
type FailMode string

const (
	FailClosed FailMode = "fail_closed"
	FailOpen   FailMode = "fail_open"
)

// GateResult is the value every gate returns to the orchestrator.
type GateResult struct {
	GateID          string      `json:"gate_id"`
	Status          GateStatus  `json:"status"`
	Action          GateAction  `json:"action"`
	Output          interface{} `json:"output,omitempty"`
	FailureReason   string      `json:"failure_reason,omitempty"`
	ExecutionTimeMs int64       `json:"execution_time_ms"`
}

// Valid checks the structural invariants of a gate result:
// stop must accompany hard_fail, and output must be present unless stopping.
func (r GateResult) Valid() bool {
	if r.Action == ActionStop && r.Status != GateHardFail {
		return false
	}
	if r.Action != ActionStop && r.Output == nil {
		return false
	}
	return true
}

// ── Pipeline Context & State ────────────────────────────────

// Turn is one prior exchange in a conversation.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PipelineContext is the immutable, request-scoped metadata supplied once
// at pipeline entry. Gates read it and must never mutate it.
type PipelineContext struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	RequestID      string    `json:"request_id"`
	ReceivedAt     time.Time `json:"received_at"`
	History        []Turn    `json:"history,omitempty"`
}

// PipelineState accumulates the outputs of prior gates for one in-flight
// request. It is owned exclusively by that request and discarded at exit.
type PipelineState struct {
	Message string `json:"message"`

	Classification *Classification `json:"classification,omitempty"`
	Safety         *SafetySignal   `json:"safety,omitempty"`
	Stance         *Stance         `json:"stance,omitempty"`
	Evidence       []EvidenceItem  `json:"evidence,omitempty"`
	Draft          *Generation     `json:"draft,omitempty"`
	Validation     *Validation     `json:"validation,omitempty"`
	Facts          []string        `json:"facts,omitempty"`

	// RegenGuidance holds corrective guidance appended to the generation
	// prompt when a validation gate requests regeneration.
	RegenGuidance []string `json:"regen_guidance,omitempty"`

	// Attempt is the 1-based generation attempt number.
	Attempt int `json:"attempt"`
}

// ── Gate Outputs ────────────────────────────────────────────

// Classification is the classify gate's output.
type Classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	// Source records which tier produced the result: "prefilter" or "model".
	Source string `json:"source"`
}

// SafetySeverity orders safety signals from none to critical.
type SafetySeverity string

const (
	SeverityNone     SafetySeverity = "none"
	SeverityElevated SafetySeverity = "elevated"
	SeverityHigh     SafetySeverity = "high"
	SeverityCritical SafetySeverity = "critical"
)

// SafetySignal is the safety gate's output.
type SafetySignal struct {
	Severity SafetySeverity `json:"severity"`
	Matched  string         `json:"matched,omitempty"` // rule name, logs only
}

// Stance is the behavioral mode chosen for the response.
type Stance struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	// Guidance is prepended to the generation system prompt.
	Guidance string `json:"guidance,omitempty"`
}

// EvidenceItem is one piece of supplementary data fetched for generation.
type EvidenceItem struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Generation is a draft produced by the generate gate.
type Generation struct {
	Text            string `json:"text"`
	ModelIdentifier string `json:"model_identifier"`
	TokensUsed      int    `json:"tokens_used"`
	Degraded        bool   `json:"degraded"`
}

// Validation is the validate gate's assessment of a draft.
type Validation struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
	// Guidance is the corrective text handed back for regeneration.
	Guidance string `json:"guidance,omitempty"`
}

// StopOutput is the terminal output a stopping gate supplies. Response is
// fixed, policy-authored text, never the internal failure reason, which
// stays in logs.
type StopOutput struct {
	Response string `json:"response"`
	AckToken string `json:"ack_token,omitempty"`
	Stance   string `json:"stance,omitempty"`
}

// ── Pipeline Outcome ────────────────────────────────────────

// OutcomeStatus is the terminal status of a pipeline run.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeStopped OutcomeStatus = "stopped"
	OutcomeError   OutcomeStatus = "error"
)

// PipelineOutcome is what the pipeline entry point returns to the caller.
type PipelineOutcome struct {
	Status   OutcomeStatus `json:"status"`
	Response string        `json:"response"`
	Stance   string        `json:"stance,omitempty"`

	// Degraded is true when any gate soft-failed: the response is usable
	// but produced without some data or via a fallback path. Callers can
	// surface this (e.g., a UI banner) without re-deriving it from the
	// gate trace.
	Degraded bool `json:"degraded"`

	// Blocked is true when the crisis interlock suppressed the pipeline.
	Blocked bool `json:"blocked,omitempty"`

	// AckToken carries the resolve token issued when a crisis session was
	// created during this request.
	AckToken string `json:"ack_token,omitempty"`

	GateResults []GateResult `json:"gate_results"`
}

// RunRecord is the persisted trace of one pipeline run.
type RunRecord struct {
	RequestID      string        `json:"request_id"`
	UserID         string        `json:"user_id"`
	ConversationID string        `json:"conversation_id"`
	Status         OutcomeStatus `json:"status"`
	Degraded       bool          `json:"degraded"`
	Regenerations  int           `json:"regenerations"`
	DurationMs     int64         `json:"duration_ms"`
	GateResults    []GateResult  `json:"gate_results"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ── Circuit Breaker ─────────────────────────────────────────

// CircuitPhase is the availability state of one external service.
type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "closed"
	CircuitOpen     CircuitPhase = "open"
	CircuitHalfOpen CircuitPhase = "half_open"
)

// CircuitState is the per-service record the breaker maintains.
type CircuitState struct {
	ServiceName   string       `json:"service_name"`
	State         CircuitPhase `json:"state"`
	FailureCount  int          `json:"failure_count"`
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time   `json:"last_success_at,omitempty"`
	OpenedAt      *time.Time   `json:"opened_at,omitempty"`
	HalfOpenAt    *time.Time   `json:"half_open_at,omitempty"`
}

// ── Crisis Session ──────────────────────────────────────────

// CrisisStatus is the lifecycle state of a crisis session.
type CrisisStatus string

const (
	CrisisActive   CrisisStatus = "active"
	CrisisResolved CrisisStatus = "resolved"
)

// CrisisSession is the persistent per-user safety lock. Sessions are never
// deleted; resolution flips Status and stamps ResolvedAt.
type CrisisSession struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	ActivationID string       `json:"activation_id"`
	Status       CrisisStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	ResolvedAt   *time.Time   `json:"resolved_at,omitempty"`
}

// ── Ack Token ───────────────────────────────────────────────

// AckTokenPayload is the signed claim set embedded in an ack token.
type AckTokenPayload struct {
	UserID         string            `json:"user_id"`
	Action         string            `json:"action"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Nonce          string            `json:"nonce"`
}

// ── Model Provider ──────────────────────────────────────────

// GenerateRequest is the input to a model provider call.
type GenerateRequest struct {
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
	History      []Turn `json:"history,omitempty"`
}

// GenerateResult is a provider's response. Providers return a degraded
// result instead of an error when the backend is unreachable, so gates can
// apply their own fail-open/fail-closed policy.
type GenerateResult struct {
	Text            string `json:"text"`
	ModelIdentifier string `json:"model_identifier"`
	TokensUsed      int    `json:"tokens_used"`
	Degraded        bool   `json:"degraded"`
}
