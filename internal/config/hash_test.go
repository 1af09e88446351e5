package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/renna-labs/stitch/pkg/schema"
)

func TestStepHash_StableAcrossMapOrder(t *testing.T) {
	a := schema.ToolStep{
		ID:      "a",
		URL:     "https://api.example.com/items",
		Method:  schema.MethodGet,
		Headers: map[string]string{"X-One": "1", "X-Two": "2", "Accept": "application/json"},
	}
	b := a
	b.Headers = map[string]string{"Accept": "application/json", "X-Two": "2", "X-One": "1"}

	assert.Equal(t, StepHash(&a), StepHash(&b))
}

func TestStepHash_IgnoresIDAndInstruction(t *testing.T) {
	a := schema.ToolStep{ID: "a", URL: "https://x", Method: schema.MethodGet, Instruction: "fetch things"}
	b := schema.ToolStep{ID: "renamed", URL: "https://x", Method: schema.MethodGet, Instruction: "reworded"}
	assert.Equal(t, StepHash(&a), StepHash(&b))
}

func TestStepHash_DetectsConfigEdits(t *testing.T) {
	base := schema.ToolStep{ID: "a", URL: "https://x", Method: schema.MethodGet}
	h := StepHash(&base)

	edited := base
	edited.URL = "https://y"
	assert.NotEqual(t, h, StepHash(&edited))

	edited = base
	edited.DataSelector = "(sourceData) => sourceData.items"
	assert.NotEqual(t, h, StepHash(&edited), "selector edit also flips execution mode")

	edited = base
	edited.FailureBehavior = schema.FailureContinue
	assert.NotEqual(t, h, StepHash(&edited))

	edited = base
	edited.SystemID = "github"
	assert.NotEqual(t, h, StepHash(&edited))

	edited = base
	edited.Pagination = &schema.Pagination{Type: schema.PaginationOffset, PageSize: 100}
	assert.NotEqual(t, h, StepHash(&edited))
}

func TestHashSteps_Positional(t *testing.T) {
	steps := []schema.ToolStep{
		{ID: "a", URL: "https://x", Method: schema.MethodGet},
		{ID: "b", URL: "https://y", Method: schema.MethodPost},
	}
	hashes := HashSteps(steps)
	assert.Len(t, hashes, 2)
	assert.NotEqual(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[0], StepHash(&steps[0]))
}
