// Package gates implements the concrete stages of the execution pipeline.
//
// Every gate satisfies contracts.Gate: it reads the shared request state,
// may write its output into it, and returns a GateResult. Gates translate
// their own internal failures into soft_fail or hard_fail per their
// declared FailMode (safety-relevant gates fail closed, enrichment gates
// fail open) and never let an error or panic escape to the orchestrator.
package gates

import (
	"time"

	"github.com/northstar-ai/northstar/pkg/models"
)

// Gate IDs, in pipeline order.
const (
	GateClassify = "classify"
	GateSafety   = "safety"
	GateStance   = "stance"
	GateEvidence = "evidence"
	GateGenerate = "generate"
	GateValidate = "validate"
	GateMemory   = "memory"
)

// elapsedMs measures a gate's own wall-clock work for GateResult.
func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func pass(gateID string, output interface{}, start time.Time) models.GateResult {
	return models.GateResult{
		GateID:          gateID,
		Status:          models.GatePass,
		Action:          models.ActionContinue,
		Output:          output,
		ExecutionTimeMs: elapsedMs(start),
	}
}

func softFail(gateID string, output interface{}, reason string, start time.Time) models.GateResult {
	return models.GateResult{
		GateID:          gateID,
		Status:          models.GateSoftFail,
		Action:          models.ActionContinue,
		Output:          output,
		FailureReason:   reason,
		ExecutionTimeMs: elapsedMs(start),
	}
}

func stop(gateID string, output interface{}, reason string, start time.Time) models.GateResult {
	return models.GateResult{
		GateID:          gateID,
		Status:          models.GateHardFail,
		Action:          models.ActionStop,
		Output:          output,
		FailureReason:   reason,
		ExecutionTimeMs: elapsedMs(start),
	}
}

func regenerate(gateID string, output interface{}, reason string, start time.Time) models.GateResult {
	return models.GateResult{
		GateID:          gateID,
		Status:          models.GateHardFail,
		Action:          models.ActionRegenerate,
		Output:          output,
		FailureReason:   reason,
		ExecutionTimeMs: elapsedMs(start),
	}
}
