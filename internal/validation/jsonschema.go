package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/renna-labs/stitch/pkg/schema"
)

// PayloadValidator validates run payloads and transform outputs against the
// tool's declared JSON Schemas (Draft 2020-12). Compiled schemas are cached
// by their source text. Safe for concurrent use.
type PayloadValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewPayloadValidator creates an empty PayloadValidator.
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidatePayload checks the manual run payload against the tool's input
// schema. An empty schema means no validation is required.
func (v *PayloadValidator) ValidatePayload(payload map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	doc := payload
	if doc == nil {
		doc = map[string]any{}
	}
	return v.validate(doc, inputSchema, "payload")
}

// ValidateOutput checks a transform result against the tool's output schema.
// An empty schema means no validation is required.
func (v *PayloadValidator) ValidateOutput(output any, outputSchema []byte) error {
	if len(outputSchema) == 0 {
		return nil
	}
	return v.validate(output, outputSchema, "transform output")
}

func (v *PayloadValidator) validate(value any, rawSchema []byte, subject string) error {
	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s schema", subject).WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize %s", subject).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toPipelineError(err, subject)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *PayloadValidator) getOrCompile(rawSchema []byte) (*jsonschema.Schema, error) {
	key := string(rawSchema)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("stitch://schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPipelineError converts a jsonschema.ValidationError into a PipelineError
// with clear, actionable messages.
func toPipelineError(err error, subject string) *schema.PipelineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", subject, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s failed validation with %d errors", subject, len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
