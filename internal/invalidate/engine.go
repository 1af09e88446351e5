package invalidate

import (
	"log/slog"
	"sync"

	"github.com/renna-labs/stitch/internal/config"
	"github.com/renna-labs/stitch/pkg/schema"
)

// TransformScope is the evaluation-cache scope name for the final transform.
// Step scopes use the step ID.
const TransformScope = "transform"

// StateResetter is implemented by the execution state machine. InvalidateFrom
// clears per-step run state for every step at or after index in the given
// list, plus any state held for steps no longer present, and resets the
// final transform to idle.
type StateResetter interface {
	InvalidateFrom(index int, steps []schema.ToolStep)
}

// PreviewInvalidator is implemented by the evaluation cache service.
type PreviewInvalidator interface {
	BumpDataVersion()
	Invalidate(scope string)
}

// Engine cascades invalidation when the pipeline shape or any step's
// configuration changes, so stale run results are never shown as current.
// It is driven explicitly by the config store's mutation listener; hashes
// are computed once per logical mutation, not once per render.
type Engine struct {
	mu       sync.Mutex
	prev     []string
	prevIDs  []string
	skipOnce bool

	resetter StateResetter
	cache    PreviewInvalidator
	logger   *slog.Logger
}

// NewEngine creates an invalidation engine wired to the given state
// resetter and preview cache.
func NewEngine(resetter StateResetter, cache PreviewInvalidator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{resetter: resetter, cache: cache, logger: logger}
}

// MarkSkipOnce suppresses exactly the next hash comparison. Used when a
// config change is applied as a direct consequence of a just-completed
// execution (collaborator-returned step normalization), so the write does
// not invalidate the very results it produced.
func (e *Engine) MarkSkipOnce() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skipOnce = true
}

// OnStepsChanged recomputes every step's configuration hash, compares
// positionally against the previous snapshot and cascades invalidation from
// the first divergent index. Pure appends (all prior hashes unchanged)
// clear nothing.
func (e *Engine) OnStepsChanged(steps []schema.ToolStep) {
	hashes := config.HashSteps(steps)
	ids := make([]string, len(steps))
	for i := range steps {
		ids[i] = steps[i].ID
	}

	e.mu.Lock()
	if e.skipOnce {
		e.skipOnce = false
		e.prev = hashes
		e.prevIDs = ids
		e.mu.Unlock()
		return
	}
	diverged := firstDivergence(e.prev, hashes)
	removed := removedIDs(e.prevIDs, ids)
	e.prev = hashes
	e.prevIDs = ids
	e.mu.Unlock()

	if diverged < 0 {
		return
	}

	e.logger.Debug("invalidation cascade", slog.Int("from_index", diverged), slog.Int("steps", len(steps)))

	e.resetter.InvalidateFrom(diverged, steps)
	e.cache.BumpDataVersion()
	for i := diverged; i < len(steps); i++ {
		e.cache.Invalidate(steps[i].ID)
	}
	for _, id := range removed {
		e.cache.Invalidate(id)
	}
	e.cache.Invalidate(TransformScope)
}

// firstDivergence returns the first index where the hash snapshots differ,
// or len(next) when the list shrank past it, or -1 when nothing before
// len(prev) changed and the list only grew.
func firstDivergence(prev, next []string) int {
	n := len(prev)
	if len(next) < n {
		n = len(next)
	}
	for i := 0; i < n; i++ {
		if prev[i] != next[i] {
			return i
		}
	}
	if len(next) < len(prev) {
		// Shrunk: everything from the new length on is gone.
		return len(next)
	}
	return -1
}

// removedIDs lists step IDs present previously but absent now.
func removedIDs(prev, next []string) []string {
	current := make(map[string]struct{}, len(next))
	for _, id := range next {
		current[id] = struct{}{}
	}
	var removed []string
	for _, id := range prev {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	return removed
}
