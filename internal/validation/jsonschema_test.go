package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renna-labs/stitch/pkg/schema"
)

func TestValidatePayload_EmptySchemaAcceptsAnything(t *testing.T) {
	v := NewPayloadValidator()

	assert.NoError(t, v.ValidatePayload(nil, nil))
	assert.NoError(t, v.ValidatePayload(map[string]any{"anything": true}, nil))
}

func TestValidatePayload_RequiredField(t *testing.T) {
	v := NewPayloadValidator()
	input := []byte(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`)

	assert.NoError(t, v.ValidatePayload(map[string]any{"query": "golang"}, input))

	err := v.ValidatePayload(map[string]any{}, input)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = v.ValidatePayload(nil, input)
	require.Error(t, err, "nil payload is validated as an empty object")
}

func TestValidatePayload_TypeMismatch(t *testing.T) {
	v := NewPayloadValidator()
	input := []byte(`{"type":"object","properties":{"limit":{"type":"integer"}}}`)

	assert.NoError(t, v.ValidatePayload(map[string]any{"limit": 10}, input))

	err := v.ValidatePayload(map[string]any{"limit": "ten"}, input)
	require.Error(t, err)
}

func TestValidatePayload_NumbersSurviveRoundTrip(t *testing.T) {
	v := NewPayloadValidator()
	input := []byte(`{"type":"object","properties":{"limit":{"type":"integer"}}}`)

	// Go float64 holding an integral value still validates as integer.
	assert.NoError(t, v.ValidatePayload(map[string]any{"limit": float64(10)}, input))
}

func TestValidatePayload_InvalidSchema(t *testing.T) {
	v := NewPayloadValidator()

	err := v.ValidatePayload(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateOutput(t *testing.T) {
	v := NewPayloadValidator()
	output := []byte(`{"type":"object","required":["rows"]}`)

	assert.NoError(t, v.ValidateOutput(map[string]any{"rows": []any{}}, output))
	assert.NoError(t, v.ValidateOutput("anything", nil))

	err := v.ValidateOutput("a string", output)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidate_ViolationDetails(t *testing.T) {
	v := NewPayloadValidator()
	input := []byte(`{"type":"object","required":["a","b"]}`)

	err := v.ValidatePayload(map[string]any{}, input)
	require.Error(t, err)

	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.NotEmpty(t, pe.Details["violations"])
}

func TestValidate_SchemaCacheReuse(t *testing.T) {
	v := NewPayloadValidator()
	input := []byte(`{"type":"object"}`)

	require.NoError(t, v.ValidatePayload(map[string]any{}, input))
	require.NoError(t, v.ValidatePayload(map[string]any{"x": 1}, input))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1, "same schema text compiles once")
}
