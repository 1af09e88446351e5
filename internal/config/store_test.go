package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renna-labs/stitch/pkg/schema"
)

func step(id string) schema.ToolStep {
	return schema.ToolStep{ID: id, URL: "https://api.example.com/" + id, Method: schema.MethodGet}
}

func TestStore_AddStep_AppendAndInsert(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddStep(step("a"), -1))
	require.NoError(t, s.AddStep(step("c"), -1))
	require.NoError(t, s.AddStep(step("b"), 0)) // after index 0

	steps := s.Steps()
	require.Len(t, steps, 3)
	assert.Equal(t, "a", steps[0].ID)
	assert.Equal(t, "b", steps[1].ID)
	assert.Equal(t, "c", steps[2].ID)
}

func TestStore_AddStep_OutOfRangeAppends(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddStep(step("a"), 99))
	require.NoError(t, s.AddStep(step("b"), 99))
	steps := s.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "b", steps[1].ID)
}

func TestStore_AddStep_DuplicateID(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddStep(step("a"), -1))
	err := s.AddStep(step("a"), -1)
	require.Error(t, err)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestStore_RemoveStep(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetSteps([]schema.ToolStep{step("a"), step("b")}))
	require.NoError(t, s.RemoveStep("a"))
	steps := s.Steps()
	require.Len(t, steps, 1)
	assert.Equal(t, "b", steps[0].ID)

	err := s.RemoveStep("missing")
	require.Error(t, err)
}

func TestStore_UpdateStep_PartialPatch(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetSteps([]schema.ToolStep{step("a")}))

	url := "https://api.example.com/v2/a"
	sel := "(sourceData) => sourceData.items"
	require.NoError(t, s.UpdateStep("a", StepPatch{URL: &url, DataSelector: &sel}))

	got, idx := s.Step("a")
	require.NotNil(t, got)
	assert.Equal(t, 0, idx)
	assert.Equal(t, url, got.URL)
	assert.Equal(t, sel, got.DataSelector)
	assert.Equal(t, schema.MethodGet, got.Method) // untouched
}

func TestStore_SetSteps_RejectsDuplicates(t *testing.T) {
	s := NewStore()
	err := s.SetSteps([]schema.ToolStep{step("a"), step("a")})
	require.Error(t, err)
}

func TestStore_OnChange_FiresPerMutation(t *testing.T) {
	s := NewStore()
	var calls int
	var lastLen int
	s.OnChange(func(steps []schema.ToolStep) {
		calls++
		lastLen = len(steps)
	})

	require.NoError(t, s.AddStep(step("a"), -1))
	require.NoError(t, s.AddStep(step("b"), -1))
	require.NoError(t, s.RemoveStep("a"))

	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, lastLen)
}

func TestStore_SetFinalTransform_Notifies(t *testing.T) {
	s := NewStore()
	var calls int
	s.OnChange(func([]schema.ToolStep) { calls++ })
	s.SetFinalTransform("(sourceData) => sourceData")
	assert.Equal(t, 1, calls)
	assert.Equal(t, "(sourceData) => sourceData", s.OutputTransform())
}

func TestStore_Steps_ReturnsCopy(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetSteps([]schema.ToolStep{step("a")}))
	got := s.Steps()
	got[0].URL = "mutated"
	fresh := s.Steps()
	assert.NotEqual(t, "mutated", fresh[0].URL)
}

func TestStore_LoadTool(t *testing.T) {
	s := NewStore()
	tool := &schema.Tool{
		ID:              "t1",
		Steps:           []schema.ToolStep{step("a"), step("b")},
		OutputTransform: "(sourceData) => sourceData.a",
	}
	require.NoError(t, s.LoadTool(tool))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, "(sourceData) => sourceData.a", s.OutputTransform())
}
