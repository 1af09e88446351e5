package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/renna-labs/stitch/pkg/schema"
)

// stepFingerprint is the mutable configuration subset that participates in
// change detection. Field order is fixed and map keys are sorted by
// encoding/json, so the serialization is order-stable: two logically equal
// configurations always hash identically.
type stepFingerprint struct {
	Mode            schema.ExecutionMode   `json:"mode"`
	DataSelector    string                 `json:"dataSelector"`
	URL             string                 `json:"url"`
	Method          schema.Method          `json:"method"`
	QueryParams     map[string]string      `json:"queryParams,omitempty"`
	Headers         map[string]string      `json:"headers,omitempty"`
	Body            string                 `json:"body,omitempty"`
	Pagination      *schema.Pagination     `json:"pagination,omitempty"`
	SystemID        string                 `json:"systemId"`
	FailureBehavior schema.FailureBehavior `json:"failureBehavior"`
}

// StepHash returns the SHA-256 content hash of a step's mutable
// configuration. The step ID and instruction text are excluded: renaming
// documentation must not invalidate downstream results.
func StepHash(step *schema.ToolStep) string {
	fp := stepFingerprint{
		Mode:            step.ExecutionMode(),
		DataSelector:    step.DataSelector,
		URL:             step.URL,
		Method:          step.Method,
		QueryParams:     step.QueryParams,
		Headers:         step.Headers,
		Body:            step.Body,
		Pagination:      step.Pagination,
		SystemID:        step.SystemID,
		FailureBehavior: step.FailureBehavior,
	}
	// Marshal cannot fail for this shape.
	raw, _ := json.Marshal(fp)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashSteps returns the positional hash snapshot for a step list.
func HashSteps(steps []schema.ToolStep) []string {
	hashes := make([]string, len(steps))
	for i := range steps {
		hashes[i] = StepHash(&steps[i])
	}
	return hashes
}
