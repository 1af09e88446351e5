package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/renna-labs/stitch/pkg/schema"
)

func TestStepTransitions(t *testing.T) {
	assert.True(t, isValidStepTransition(schema.StepStatusPending, schema.StepStatusRunning))
	assert.True(t, isValidStepTransition(schema.StepStatusRunning, schema.StepStatusCompleted))
	assert.True(t, isValidStepTransition(schema.StepStatusRunning, schema.StepStatusFailed))
	assert.True(t, isValidStepTransition(schema.StepStatusRunning, schema.StepStatusAborted))
	assert.True(t, isValidStepTransition(schema.StepStatusRunning, schema.StepStatusPending), "forced clear after an unconfirmed stop")
	assert.True(t, isValidStepTransition(schema.StepStatusFailed, schema.StepStatusRunning), "rerun from a terminal state")

	assert.False(t, isValidStepTransition(schema.StepStatusPending, schema.StepStatusCompleted), "completion requires passing through running")
	assert.False(t, isValidStepTransition(schema.StepStatusCompleted, schema.StepStatusFailed))
	assert.False(t, isValidStepTransition(schema.StepStatusAborted, schema.StepStatusCompleted))
}

func TestTransformTransitions(t *testing.T) {
	assert.True(t, isValidTransformTransition(schema.TransformStatusIdle, schema.TransformStatusRunning))
	assert.True(t, isValidTransformTransition(schema.TransformStatusRunning, schema.TransformStatusFixing))
	assert.True(t, isValidTransformTransition(schema.TransformStatusFixing, schema.TransformStatusCompleted))
	assert.True(t, isValidTransformTransition(schema.TransformStatusFailed, schema.TransformStatusFixing))
	assert.True(t, isValidTransformTransition(schema.TransformStatusCompleted, schema.TransformStatusRunning))

	assert.False(t, isValidTransformTransition(schema.TransformStatusIdle, schema.TransformStatusFixing), "fixing only follows an attempt")
	assert.False(t, isValidTransformTransition(schema.TransformStatusIdle, schema.TransformStatusCompleted))
	assert.False(t, isValidTransformTransition(schema.TransformStatusCompleted, schema.TransformStatusFixing))
}

func TestRunTransitions(t *testing.T) {
	assert.True(t, isValidRunTransition(schema.RunPhaseIdle, schema.RunPhaseRunning))
	assert.True(t, isValidRunTransition(schema.RunPhaseRunning, schema.RunPhaseStopping))
	assert.True(t, isValidRunTransition(schema.RunPhaseRunning, schema.RunPhaseIdle))
	assert.True(t, isValidRunTransition(schema.RunPhaseStopping, schema.RunPhaseIdle))

	assert.False(t, isValidRunTransition(schema.RunPhaseIdle, schema.RunPhaseStopping))
	assert.False(t, isValidRunTransition(schema.RunPhaseStopping, schema.RunPhaseRunning))
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, schema.EventStepCompleted, stepEventType(schema.StepStatusCompleted))
	assert.Equal(t, schema.EventStepAborted, stepEventType(schema.StepStatusAborted))
	assert.Equal(t, "", stepEventType(schema.StepStatusPending))

	assert.Equal(t, schema.EventTransformStarted, transformEventType(schema.TransformStatusFixing))
	assert.Equal(t, schema.EventTransformFailed, transformEventType(schema.TransformStatusFailed))
	assert.Equal(t, "", transformEventType(schema.TransformStatusIdle))
}
