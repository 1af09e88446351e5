package evalcache

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// VersionStride is the multiplier encoding the two version axes into one
// epoch: epoch = dataVersion*VersionStride + selectorVersion. Either axis
// changing therefore invalidates any memoization keyed on the epoch.
const VersionStride = 1_000_000

// DefaultDebounce bounds evaluation frequency during rapid typing.
const DefaultDebounce = 400 * time.Millisecond

// Evaluator is the sandboxed evaluation function. Injected so tests can spy
// on call counts.
type Evaluator func(ctx context.Context, text string, sourceData map[string]any) (any, error)

// SourceFn lazily produces the composed source data for a scope. It is
// called at debounce-fire time so the evaluation always sees the freshest
// composition.
type SourceFn func() map[string]any

// Entry is a completed evaluation for one (scope, dataVersion, text) tuple.
type Entry struct {
	Value any
	Err   error
}

// State reports what a consumer may conclude from a cache read.
type State int

const (
	// StateNone: nothing scheduled or recorded for the scope.
	StateNone State = iota
	// StatePending: an evaluation is armed or in flight; no current value.
	StatePending
	// StateReady: the entry was computed from the exact current input.
	StateReady
)

type cacheKey struct {
	scope   string
	version int64
	text    string
}

type pendingEval struct {
	timer  Timer
	gen    uint64
	text   string
	source SourceFn
}

// Service owns the debounced, versioned evaluation cache for selector and
// transform previews. A consumer always gets either a value computed from
// the exact current composed input or a pending indicator, never a value
// from a superseded input presented as current.
type Service struct {
	mu        sync.Mutex
	scheduler Scheduler
	evaluator Evaluator
	debounce  time.Duration

	dataVersion     int64
	selectorVersion int64

	entries map[cacheKey]Entry
	pending map[string]*pendingEval
	last    map[string]any
	gen     uint64
}

// Option configures a Service.
type Option func(*Service)

// WithScheduler injects a timer scheduler (tests use a fake).
func WithScheduler(s Scheduler) Option {
	return func(svc *Service) { svc.scheduler = s }
}

// WithDebounce overrides the debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(svc *Service) { svc.debounce = d }
}

// NewService creates a cache service around the given evaluator.
func NewService(evaluator Evaluator, opts ...Option) *Service {
	svc := &Service{
		scheduler: NewRealScheduler(),
		evaluator: evaluator,
		debounce:  DefaultDebounce,
		entries:   make(map[cacheKey]Entry),
		pending:   make(map[string]*pendingEval),
		last:      make(map[string]any),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Epoch returns the combined cache epoch.
func (s *Service) Epoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataVersion*VersionStride + s.selectorVersion
}

// BumpDataVersion records that some step's composed source data changed
// identity (or the step count changed). Stale entries are purged lazily the
// next time their scope is touched.
func (s *Service) BumpDataVersion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataVersion++
}

// BumpSelectorVersion records that a selector's own output changed, which
// can feed later scopes' caches. fire calls this automatically when a
// stored value differs from the scope's previous one.
func (s *Service) BumpSelectorVersion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectorVersion++
}

// Schedule (re)arms the debounce timer for a scope. Only the timer armed
// last for a scope evaluates; every earlier one is cancelled. If the tuple
// (scope, current dataVersion, text) is already cached, no timer is armed
// and no evaluation happens.
func (s *Service) Schedule(ctx context.Context, scope, text string, source SourceFn) {
	s.mu.Lock()
	s.purgeScopeLocked(scope)

	if _, ok := s.entries[cacheKey{scope, s.dataVersion, text}]; ok {
		if p := s.pending[scope]; p != nil {
			p.timer.Stop()
			delete(s.pending, scope)
		}
		s.mu.Unlock()
		return
	}

	if p := s.pending[scope]; p != nil {
		p.timer.Stop()
	}
	s.gen++
	gen := s.gen
	p := &pendingEval{gen: gen, text: text, source: source}
	p.timer = s.scheduler.AfterFunc(s.debounce, func() {
		s.fire(ctx, scope, gen)
	})
	s.pending[scope] = p
	s.mu.Unlock()
}

// fire runs a due evaluation, unless a later Schedule superseded it.
func (s *Service) fire(ctx context.Context, scope string, gen uint64) {
	s.mu.Lock()
	p := s.pending[scope]
	if p == nil || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, scope)
	text, source := p.text, p.source
	version := s.dataVersion
	s.mu.Unlock()

	var data map[string]any
	if source != nil {
		data = source()
	}
	value, err := s.evaluator(ctx, text, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Discard if the data version moved while evaluating: the result was
	// computed from a superseded input.
	if version != s.dataVersion {
		return
	}
	s.entries[cacheKey{scope, version, text}] = Entry{Value: value, Err: err}
	if err == nil {
		prev, seen := s.last[scope]
		if !seen || !reflect.DeepEqual(prev, value) {
			s.selectorVersion++
		}
		s.last[scope] = value
	}
}

// Result returns the cached evaluation for (scope, text) at the current
// data version. A version mismatch is a cache miss, never stale data.
func (s *Service) Result(scope, text string) (Entry, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeScopeLocked(scope)

	if entry, ok := s.entries[cacheKey{scope, s.dataVersion, text}]; ok {
		return entry, StateReady
	}
	if _, ok := s.pending[scope]; ok {
		return Entry{}, StatePending
	}
	return Entry{}, StateNone
}

// Invalidate drops every entry and pending evaluation for a scope. Called
// by the invalidation engine when the scope's upstream configuration
// changed.
func (s *Service) Invalidate(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.pending[scope]; p != nil {
		p.timer.Stop()
		delete(s.pending, scope)
	}
	for key := range s.entries {
		if key.scope == scope {
			delete(s.entries, key)
		}
	}
	delete(s.last, scope)
}

// purgeScopeLocked lazily drops entries recorded under a superseded data
// version. No background sweep is required.
func (s *Service) purgeScopeLocked(scope string) {
	for key := range s.entries {
		if key.scope == scope && key.version != s.dataVersion {
			delete(s.entries, key)
		}
	}
}
