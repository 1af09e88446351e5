package invalidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renna-labs/stitch/pkg/schema"
)

type fakeResetter struct {
	calls []int
}

func (f *fakeResetter) InvalidateFrom(index int, steps []schema.ToolStep) {
	f.calls = append(f.calls, index)
}

type fakeCache struct {
	bumps       int
	invalidated []string
}

func (f *fakeCache) BumpDataVersion()        { f.bumps++ }
func (f *fakeCache) Invalidate(scope string) { f.invalidated = append(f.invalidated, scope) }

func steps(ids ...string) []schema.ToolStep {
	out := make([]schema.ToolStep, len(ids))
	for i, id := range ids {
		out[i] = schema.ToolStep{ID: id, URL: "https://api.example.com/" + id, Method: schema.MethodGet}
	}
	return out
}

func newTestEngine() (*Engine, *fakeResetter, *fakeCache) {
	resetter := &fakeResetter{}
	cache := &fakeCache{}
	return NewEngine(resetter, cache, nil), resetter, cache
}

func TestEngine_FirstSnapshotIsPureGrowth(t *testing.T) {
	e, resetter, cache := newTestEngine()

	// The very first notification seeds the baseline without invalidating.
	e.OnStepsChanged(steps("a", "b"))
	assert.Empty(t, resetter.calls)
	assert.Equal(t, 0, cache.bumps)
}

func TestEngine_EditMiddleStepCascadesFromIt(t *testing.T) {
	e, resetter, cache := newTestEngine()
	s := steps("a", "b", "c")
	e.OnStepsChanged(s)
	resetter.calls = nil
	cache.bumps = 0
	cache.invalidated = nil

	edited := steps("a", "b", "c")
	edited[1].URL = "https://api.example.com/b-changed"
	e.OnStepsChanged(edited)

	require.Equal(t, []int{1}, resetter.calls)
	assert.Equal(t, 1, cache.bumps)
	assert.Contains(t, cache.invalidated, "b")
	assert.Contains(t, cache.invalidated, "c")
	assert.NotContains(t, cache.invalidated, "a", "steps before the edit keep their cache")
	assert.Contains(t, cache.invalidated, TransformScope)
}

func TestEngine_PureAppendClearsNothing(t *testing.T) {
	e, resetter, cache := newTestEngine()
	e.OnStepsChanged(steps("a", "b"))
	resetter.calls = nil
	cache.bumps = 0
	cache.invalidated = nil

	e.OnStepsChanged(steps("a", "b", "c"))

	assert.Empty(t, resetter.calls)
	assert.Equal(t, 0, cache.bumps)
	assert.Empty(t, cache.invalidated)
}

func TestEngine_NoChangeClearsNothing(t *testing.T) {
	e, resetter, cache := newTestEngine()
	e.OnStepsChanged(steps("a", "b"))
	resetter.calls = nil
	cache.bumps = 0

	e.OnStepsChanged(steps("a", "b"))

	assert.Empty(t, resetter.calls)
	assert.Equal(t, 0, cache.bumps)
}

func TestEngine_ShrinkInvalidatesRemovedScopes(t *testing.T) {
	e, resetter, cache := newTestEngine()
	e.OnStepsChanged(steps("a", "b", "c"))
	resetter.calls = nil
	cache.invalidated = nil

	e.OnStepsChanged(steps("a", "b"))

	require.Equal(t, []int{2}, resetter.calls, "shrink cascades from the new length")
	assert.Contains(t, cache.invalidated, "c", "removed step's preview scope is dropped")
	assert.Contains(t, cache.invalidated, TransformScope)
	assert.NotContains(t, cache.invalidated, "a")
	assert.NotContains(t, cache.invalidated, "b")
}

func TestEngine_RemoveMiddleStepCascadesFromIt(t *testing.T) {
	e, resetter, cache := newTestEngine()
	e.OnStepsChanged(steps("a", "b", "c"))
	resetter.calls = nil
	cache.invalidated = nil

	e.OnStepsChanged(steps("a", "c"))

	require.Equal(t, []int{1}, resetter.calls)
	assert.Contains(t, cache.invalidated, "b")
	assert.Contains(t, cache.invalidated, "c")
}

func TestEngine_SkipOnceSuppressesExactlyOneComparison(t *testing.T) {
	e, resetter, _ := newTestEngine()
	e.OnStepsChanged(steps("a", "b"))
	resetter.calls = nil

	edited := steps("a", "b")
	edited[0].URL = "https://api.example.com/a-normalized"
	e.MarkSkipOnce()
	e.OnStepsChanged(edited)
	assert.Empty(t, resetter.calls, "the normalization write does not invalidate")

	// The skipped snapshot became the new baseline: a repeat of the same
	// list is a no-op, a further edit cascades normally.
	e.OnStepsChanged(edited)
	assert.Empty(t, resetter.calls)

	again := steps("a", "b")
	again[0].URL = "https://api.example.com/a-normalized"
	again[1].Body = "changed"
	e.OnStepsChanged(again)
	assert.Equal(t, []int{1}, resetter.calls)
}

func TestFirstDivergence(t *testing.T) {
	assert.Equal(t, -1, firstDivergence(nil, nil))
	assert.Equal(t, -1, firstDivergence(nil, []string{"x"}), "growth from empty is a pure append")
	assert.Equal(t, -1, firstDivergence([]string{"x"}, []string{"x", "y"}))
	assert.Equal(t, 1, firstDivergence([]string{"x", "y"}, []string{"x", "z"}))
	assert.Equal(t, 1, firstDivergence([]string{"x", "y"}, []string{"x"}))
	assert.Equal(t, 0, firstDivergence([]string{"x"}, []string{"y", "x"}))
}

func TestRemovedIDs(t *testing.T) {
	assert.Equal(t, []string{"b"}, removedIDs([]string{"a", "b"}, []string{"a", "c"}))
	assert.Nil(t, removedIDs([]string{"a"}, []string{"a", "b"}))
}
