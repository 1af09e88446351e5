package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineError_Error(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad selector")
	assert.Equal(t, "[VALIDATION_ERROR] bad selector", err.Error())

	err = NewErrorf(ErrCodeExecution, "status %d", 502).WithStep("fetchUsers")
	assert.Equal(t, "[EXECUTION_ERROR] step fetchUsers: status 502", err.Error())
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)

	assert.True(t, errors.Is(err, cause))
}

func TestPipelineError_Details(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad payload").
		WithDetails(map[string]any{"violations": []string{"/query: required"}})
	assert.Equal(t, []string{"/query: required"}, err.Details["violations"])
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodePrecondition, CodeOf(NewError(ErrCodePrecondition, "nope")))
	assert.Equal(t, "", CodeOf(nil))
	assert.Equal(t, "", CodeOf(fmt.Errorf("plain")))

	wrapped := fmt.Errorf("outer: %w", NewError(ErrCodeVault, "locked"))
	assert.Equal(t, ErrCodeVault, CodeOf(wrapped))
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(NewError(ErrCodeCancelled, "stopped")))
	assert.True(t, IsCancelled(fmt.Errorf("wrap: %w", NewError(ErrCodeCancelled, "stopped"))))
	assert.False(t, IsCancelled(NewError(ErrCodeExecution, "boom")))
	assert.False(t, IsCancelled(nil))
	assert.False(t, IsCancelled(errors.New("plain")))
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, StepStatusCompleted.Terminal())
	require.True(t, StepStatusFailed.Terminal())
	require.True(t, StepStatusAborted.Terminal())
	require.False(t, StepStatusPending.Terminal())
	require.False(t, StepStatusRunning.Terminal())

	require.True(t, TransformStatusCompleted.Terminal())
	require.False(t, TransformStatusFixing.Terminal())
}
