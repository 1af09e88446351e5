package engine

import (
	"github.com/renna-labs/stitch/pkg/schema"
)

// ValidStepTransitions defines the allowed state transitions for step run
// state. A step re-enters running directly from a terminal state when a new
// run supersedes the old one; the only way back to pending without running
// is a forced clear after an unconfirmed stop. Invalidation does not
// transition state, it deletes it.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusAborted, schema.StepStatusPending},
	schema.StepStatusCompleted: {schema.StepStatusRunning},
	schema.StepStatusFailed:    {schema.StepStatusRunning},
	schema.StepStatusAborted:   {schema.StepStatusRunning},
}

// ValidTransformTransitions defines the allowed transitions for the final
// transform slot. Fixing is a self-repair retry and behaves like running.
var ValidTransformTransitions = map[schema.TransformStatus][]schema.TransformStatus{
	schema.TransformStatusIdle:      {schema.TransformStatusRunning},
	schema.TransformStatusRunning:   {schema.TransformStatusFixing, schema.TransformStatusCompleted, schema.TransformStatusFailed, schema.TransformStatusAborted, schema.TransformStatusIdle},
	schema.TransformStatusFixing:    {schema.TransformStatusCompleted, schema.TransformStatusFailed, schema.TransformStatusAborted, schema.TransformStatusIdle},
	schema.TransformStatusCompleted: {schema.TransformStatusRunning, schema.TransformStatusIdle},
	schema.TransformStatusFailed:    {schema.TransformStatusRunning, schema.TransformStatusFixing, schema.TransformStatusIdle},
	schema.TransformStatusAborted:   {schema.TransformStatusRunning, schema.TransformStatusIdle},
}

// ValidRunTransitions defines the allowed transitions for the pipeline-level
// run phase.
var ValidRunTransitions = map[schema.RunPhase][]schema.RunPhase{
	schema.RunPhaseIdle:     {schema.RunPhaseRunning},
	schema.RunPhaseRunning:  {schema.RunPhaseStopping, schema.RunPhaseIdle},
	schema.RunPhaseStopping: {schema.RunPhaseIdle},
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidTransformTransition(from, to schema.TransformStatus) bool {
	for _, a := range ValidTransformTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidRunTransition(from, to schema.RunPhase) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusAborted:
		return schema.EventStepAborted
	default:
		return ""
	}
}

func transformEventType(to schema.TransformStatus) string {
	switch to {
	case schema.TransformStatusRunning, schema.TransformStatusFixing:
		return schema.EventTransformStarted
	case schema.TransformStatusCompleted:
		return schema.EventTransformCompleted
	case schema.TransformStatusFailed:
		return schema.EventTransformFailed
	case schema.TransformStatusAborted:
		return schema.EventTransformAborted
	default:
		return ""
	}
}
