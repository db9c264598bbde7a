package pipeline

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/northstar-ai/northstar/pkg/models"
)

// LogObserver writes one structured log line per gate result. Pass results
// log at debug, degradations at warn, stops at error.
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates a logging observer.
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) GateCompleted(_ context.Context, pctx *models.PipelineContext, result models.GateResult) {
	event := o.logger.Debug()
	switch result.Status {
	case models.GateSoftFail:
		event = o.logger.Warn()
	case models.GateHardFail:
		event = o.logger.Error()
	}
	event.
		Str("request_id", pctx.RequestID).
		Str("user_id", pctx.UserID).
		Str("gate_id", result.GateID).
		Str("status", string(result.Status)).
		Str("action", string(result.Action)).
		Int64("execution_ms", result.ExecutionTimeMs)
	if result.FailureReason != "" {
		event.Str("failure_reason", result.FailureReason)
	}
	event.Msg("Gate completed")
}

// TraceObserver annotates the request's active span with one event per
// gate, so the gate sequence shows up on the server trace without each
// gate knowing about telemetry.
type TraceObserver struct{}

// NewTraceObserver creates a tracing observer.
func NewTraceObserver() *TraceObserver {
	return &TraceObserver{}
}

func (o *TraceObserver) GateCompleted(ctx context.Context, _ *models.PipelineContext, result models.GateResult) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("gate.completed", trace.WithAttributes(
		attribute.String("gate.id", result.GateID),
		attribute.String("gate.status", string(result.Status)),
		attribute.String("gate.action", string(result.Action)),
		attribute.Int64("gate.execution_ms", result.ExecutionTimeMs),
	))
	if result.Status == models.GateHardFail {
		span.AddEvent("gate.hard_fail", trace.WithAttributes(
			attribute.String("gate.id", result.GateID),
		))
	}
}
