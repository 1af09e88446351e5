package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renna-labs/stitch/internal/config"
	"github.com/renna-labs/stitch/internal/evalcache"
	"github.com/renna-labs/stitch/internal/expressions"
	"github.com/renna-labs/stitch/internal/invalidate"
	"github.com/renna-labs/stitch/internal/logging"
	"github.com/renna-labs/stitch/internal/secrets"
	"github.com/renna-labs/stitch/internal/source"
	"github.com/renna-labs/stitch/internal/store"
	"github.com/renna-labs/stitch/internal/streaming"
	"github.com/renna-labs/stitch/internal/validation"
	"github.com/renna-labs/stitch/pkg/schema"
)

// DefaultAbortGrace is how long Stop waits for an in-flight collaborator
// call to settle before run bookkeeping is forced back to idle.
const DefaultAbortGrace = 50 * time.Millisecond

const summaryErrorLimit = 200

// StepOutcome is the collaborator's report for one step call. UpdatedStep,
// when set, is a corrected step definition the collaborator wants persisted
// (self-repair).
type StepOutcome struct {
	Success     bool
	Data        any
	Error       string
	UpdatedStep *schema.ToolStep
}

// TransformOutcome is the collaborator's report for a final transform call.
type TransformOutcome struct {
	Success          bool
	Data             any
	Error            string
	UpdatedTransform string
}

// Executor performs the actual remote work for steps and transforms. The
// coordinator never talks to the network itself.
type Executor interface {
	ExecuteStep(ctx context.Context, step schema.ToolStep, input map[string]any, previousResults map[string]any) (*StepOutcome, error)
	ExecuteTransform(ctx context.Context, transformText string, outputSchema json.RawMessage, payload map[string]any, stepData map[string]any) (*TransformOutcome, error)
	Abort(ctx context.Context, runID string) (bool, error)
}

// RunRecorder persists run history. Satisfied by store.Store.
type RunRecorder interface {
	CreateRun(ctx context.Context, run *store.Run) error
	SettleRun(ctx context.Context, run *store.Run) error
}

// StepState is the transient run state of one step, owned exclusively by
// the coordinator.
type StepState struct {
	Status schema.StepStatus
	Result any
	Error  string
	RunID  string
}

// TransformState is the single-slot state of the final transform.
type TransformState struct {
	Status schema.TransformStatus
	Result any
	Error  string
	RunID  string
}

type runHandle struct {
	id        string
	kind      string // pipeline, step, transform
	token     *Token
	startedAt time.Time
	settled   bool // guarded by Coordinator.mu
}

// Coordinator is the execution state machine for one tool pipeline. It owns
// step and transform run state, enforces execution order, and drives the
// external execution collaborator. All methods are safe for concurrent use.
type Coordinator struct {
	cfg      *config.Store
	executor Executor
	inval    *invalidate.Engine
	cache    *evalcache.Service
	selector *expressions.Selector
	renderer *expressions.Renderer
	checker  *validation.PayloadValidator

	hub      streaming.EventHub // optional
	recorder RunRecorder        // optional
	vault    secrets.Vault      // optional

	logger     *slog.Logger
	toolID     string
	abortGrace time.Duration

	mu            sync.Mutex
	states        map[string]*StepState
	transform     TransformState
	phase         schema.RunPhase
	run           *runHandle
	currentIndex  int
	manualPayload map[string]any
	filePayloads  map[string]any
	creds         map[string]map[string]string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithHub sets the streaming hub for run events.
func WithHub(h streaming.EventHub) Option {
	return func(c *Coordinator) { c.hub = h }
}

// WithRecorder sets the run history recorder.
func WithRecorder(r RunRecorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithVault sets the credentials vault.
func WithVault(v secrets.Vault) Option {
	return func(c *Coordinator) { c.vault = v }
}

// WithAbortGrace sets how long Stop waits before forcing bookkeeping idle.
func WithAbortGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.abortGrace = d }
}

// WithToolID tags events and run records with the tool identifier.
func WithToolID(id string) Option {
	return func(c *Coordinator) { c.toolID = id }
}

// New creates a Coordinator bound to the given config store and executor.
// It wires the invalidation engine into the store's change listener and
// builds the debounced preview cache on top of the sandboxed selector.
func New(cfg *config.Store, executor Executor, cacheOpts []evalcache.Option, opts ...Option) (*Coordinator, error) {
	sel, err := expressions.NewSelector()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:          cfg,
		executor:     executor,
		selector:     sel,
		renderer:     expressions.NewRenderer(sel),
		checker:      validation.NewPayloadValidator(),
		logger:       slog.Default(),
		abortGrace:   DefaultAbortGrace,
		states:       make(map[string]*StepState),
		transform:    TransformState{Status: schema.TransformStatusIdle},
		phase:        schema.RunPhaseIdle,
		currentIndex: -1,
		creds:        make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cache = evalcache.NewService(func(ctx context.Context, text string, data map[string]any) (any, error) {
		return sel.Evaluate(ctx, text, data)
	}, cacheOpts...)

	c.inval = invalidate.NewEngine(c, c.cache, c.logger)
	c.inval.OnStepsChanged(cfg.Steps()) // seed the hash snapshot
	cfg.OnChange(c.inval.OnStepsChanged)

	return c, nil
}

// Invalidator exposes the invalidation engine, for callers that apply
// execution-produced config writes themselves.
func (c *Coordinator) Invalidator() *invalidate.Engine { return c.inval }

// Cache exposes the preview cache service.
func (c *Coordinator) Cache() *evalcache.Service { return c.cache }

// Epoch returns the preview cache epoch. It moves whenever composed source
// data or a selector's stored output changes, so clients can compare two
// reads to detect staleness without diffing values.
func (c *Coordinator) Epoch() int64 { return c.cache.Epoch() }

// SetPayload installs the manual payload and file payloads used for source
// composition. Changing the payload changes every step's composed input, so
// the cache epoch is bumped.
func (c *Coordinator) SetPayload(manual, files map[string]any) {
	c.mu.Lock()
	c.manualPayload = manual
	c.filePayloads = files
	c.mu.Unlock()
	c.cache.BumpDataVersion()
}

// --- Queries ---

// StepStatus returns the run status for the step at index. Steps with no
// recorded state are pending.
func (c *Coordinator) StepStatus(index int) schema.StepStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	steps := c.cfg.Steps()
	if index < 0 || index >= len(steps) {
		return schema.StepStatusPending
	}
	if st, ok := c.states[steps[index].ID]; ok {
		return st.Status
	}
	return schema.StepStatusPending
}

// StepState returns a copy of the full run state for the step at index.
func (c *Coordinator) StepState(index int) (StepState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	steps := c.cfg.Steps()
	if index < 0 || index >= len(steps) {
		return StepState{}, false
	}
	st, ok := c.states[steps[index].ID]
	if !ok {
		return StepState{Status: schema.StepStatusPending}, true
	}
	return *st, true
}

// TransformState returns a copy of the final transform's run state.
func (c *Coordinator) TransformState() TransformState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transform
}

// Phase returns the pipeline-level run phase.
func (c *Coordinator) Phase() schema.RunPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// CurrentIndex returns the index of the step currently (or last) executing,
// or -1 if no run has started.
func (c *Coordinator) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentIndex
}

// IsExecutingAny reports whether any run activity is in flight.
func (c *Coordinator) IsExecutingAny() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != schema.RunPhaseIdle {
		return true
	}
	for _, st := range c.states {
		if st.Status == schema.StepStatusRunning {
			return true
		}
	}
	return c.transform.Status == schema.TransformStatusRunning ||
		c.transform.Status == schema.TransformStatusFixing
}

// CanExecuteStep reports whether the step at index may run: every step
// before it must be completed.
func (c *Coordinator) CanExecuteStep(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canExecuteStepLocked(index, c.cfg.Steps())
}

func (c *Coordinator) canExecuteStepLocked(index int, steps []schema.ToolStep) bool {
	if index < 0 || index >= len(steps) {
		return false
	}
	for i := 0; i < index; i++ {
		st, ok := c.states[steps[i].ID]
		if !ok || st.Status != schema.StepStatusCompleted {
			return false
		}
	}
	return true
}

// CanExecuteTransform reports whether the final transform may run: every
// step must be completed.
func (c *Coordinator) CanExecuteTransform() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canExecuteTransformLocked(c.cfg.Steps())
}

func (c *Coordinator) canExecuteTransformLocked(steps []schema.ToolStep) bool {
	for _, s := range steps {
		st, ok := c.states[s.ID]
		if !ok || st.Status != schema.StepStatusCompleted {
			return false
		}
	}
	return true
}

// --- Source data & previews ---

// SourceData composes the input object visible to the step at index,
// resolving bound credentials through the vault. The loop item, when the
// step has a data selector, is taken from the preview cache if ready.
func (c *Coordinator) SourceData(ctx context.Context, index int) (map[string]any, error) {
	steps := c.cfg.Steps()
	if index < 0 || index >= len(steps) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step index %d out of range", index)
	}
	creds, err := c.resolveCredentials(ctx, steps)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	in := source.Inputs{
		Steps:         steps,
		StepIndex:     index,
		ManualPayload: c.manualPayload,
		FilePayloads:  c.filePayloads,
		StepResults:   c.stepResultsLocked(steps),
		Credentials:   creds,
	}
	c.mu.Unlock()

	if steps[index].DataSelector != "" {
		if entry, state := c.cache.Result(steps[index].ID, steps[index].DataSelector); state == evalcache.StateReady && entry.Err == nil {
			in.CurrentItem = entry.Value
		}
	}
	return source.Compose(in)
}

// CategorizedVariables groups the keys visible to the step at index by
// origin, for autocomplete and help text.
func (c *Coordinator) CategorizedVariables(ctx context.Context, index int) ([]source.Variable, error) {
	steps := c.cfg.Steps()
	if index < 0 || index >= len(steps) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step index %d out of range", index)
	}
	creds, err := c.resolveCredentials(ctx, steps)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	in := source.Inputs{
		Steps:         steps,
		StepIndex:     index,
		ManualPayload: c.manualPayload,
		FilePayloads:  c.filePayloads,
		StepResults:   c.stepResultsLocked(steps),
		Credentials:   creds,
	}
	c.mu.Unlock()
	return source.CategorizedVariables(in), nil
}

// SchedulePreview arms (or re-arms) the debounced selector evaluation for
// the step at index against its current composed source data.
func (c *Coordinator) SchedulePreview(ctx context.Context, index int) error {
	steps := c.cfg.Steps()
	if index < 0 || index >= len(steps) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step index %d out of range", index)
	}
	step := steps[index]
	if step.DataSelector == "" {
		return nil
	}
	c.cache.Schedule(ctx, step.ID, step.DataSelector, func() map[string]any {
		data, err := c.SourceData(context.Background(), index)
		if err != nil {
			return map[string]any{}
		}
		return data
	})
	return nil
}

// ScheduleTransformPreview arms the debounced evaluation of the final
// transform against the combined step data.
func (c *Coordinator) ScheduleTransformPreview(ctx context.Context) {
	text := c.cfg.OutputTransform()
	if text == "" {
		return
	}
	c.cache.Schedule(ctx, invalidate.TransformScope, text, func() map[string]any {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.stepResultsLocked(c.cfg.Steps())
	})
}

// SelectorResult returns the cached preview for the step at index, along
// with its cache state. A non-ready state means pending or never scheduled,
// never a stale value.
func (c *Coordinator) SelectorResult(index int) (evalcache.Entry, evalcache.State) {
	steps := c.cfg.Steps()
	if index < 0 || index >= len(steps) {
		return evalcache.Entry{}, evalcache.StateNone
	}
	return c.cache.Result(steps[index].ID, steps[index].DataSelector)
}

func (c *Coordinator) stepResultsLocked(steps []schema.ToolStep) map[string]any {
	results := make(map[string]any, len(steps))
	for _, s := range steps {
		if st, ok := c.states[s.ID]; ok && st.Status == schema.StepStatusCompleted {
			results[s.ID] = st.Result
		}
	}
	return results
}

func (c *Coordinator) resolveCredentials(ctx context.Context, steps []schema.ToolStep) (map[string]map[string]string, error) {
	if c.vault == nil {
		return nil, nil
	}
	out := make(map[string]map[string]string)
	for _, s := range steps {
		if s.SystemID == "" {
			continue
		}
		if _, ok := out[s.SystemID]; ok {
			continue
		}
		c.mu.Lock()
		cached, ok := c.creds[s.SystemID]
		c.mu.Unlock()
		if ok {
			out[s.SystemID] = cached
			continue
		}
		resolved, err := c.vault.ResolveSystem(ctx, s.SystemID)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "resolve credentials for system %q", s.SystemID).WithCause(err)
		}
		c.mu.Lock()
		c.creds[s.SystemID] = resolved
		c.mu.Unlock()
		out[s.SystemID] = resolved
	}
	return out, nil
}

// InvalidateCredentials drops the in-memory credential cache, forcing the
// next composition to hit the vault again.
func (c *Coordinator) InvalidateCredentials() {
	c.mu.Lock()
	c.creds = make(map[string]map[string]string)
	c.mu.Unlock()
	c.cache.BumpDataVersion()
}

// --- Invalidation (StateResetter) ---

// InvalidateFrom clears run state for every step at or after index in the
// given list, drops state for steps no longer present, and resets the final
// transform to idle. Called by the invalidation engine on config changes.
func (c *Coordinator) InvalidateFrom(index int, steps []schema.ToolStep) {
	c.mu.Lock()
	keep := make(map[string]struct{})
	if index > len(steps) {
		index = len(steps)
	}
	for i := 0; i < index; i++ {
		keep[steps[i].ID] = struct{}{}
	}
	for id := range c.states {
		if _, ok := keep[id]; !ok {
			delete(c.states, id)
		}
	}
	c.transform = TransformState{Status: schema.TransformStatusIdle}
	c.mu.Unlock()

	c.publish(context.Background(), schema.EventStateInvalidated, "", "", map[string]any{"from_index": index})
}

// --- Execution entry points ---

// RunStep executes the single step at index. Calling it with preceding
// steps not completed is a programmer error and fails the precondition;
// execution failures are recorded on the step state, not returned.
func (c *Coordinator) RunStep(ctx context.Context, index int) error {
	c.mu.Lock()
	steps := c.cfg.Steps()
	if index < 0 || index >= len(steps) {
		c.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "step index %d out of range", index)
	}
	if !c.canExecuteStepLocked(index, steps) {
		c.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodePrecondition,
			"cannot execute step %d: preceding steps are not all completed", index).
			WithStep(steps[index].ID)
	}
	run := c.beginRunLocked("step")
	c.mu.Unlock()

	ctx = logging.WithIDs(ctx, c.toolID, "", run.id)
	c.createRecord(ctx, run)
	c.publish(ctx, schema.EventRunStarted, "", run.id, map[string]any{"kind": run.kind, "step_index": index})

	status := c.executeStep(ctx, run, index)
	c.settleRun(ctx, run, status == schema.StepStatusCompleted)
	return nil
}

// RunPipeline clears every non-completed step state and the transform
// state, then executes the not-yet-completed steps strictly in order,
// halting at the first failed or aborted step unless the failed step's
// failure behavior is continue. Steps the invalidation engine left
// completed keep their results and are skipped. The final transform runs
// only if every step reached completed.
func (c *Coordinator) RunPipeline(ctx context.Context) error {
	input, _ := c.cfg.Schemas()
	c.mu.Lock()
	payload := c.manualPayload
	c.mu.Unlock()
	if err := c.checker.ValidatePayload(payload, input); err != nil {
		return err
	}

	c.mu.Lock()
	for id, st := range c.states {
		if st.Status != schema.StepStatusCompleted {
			delete(c.states, id)
		}
	}
	c.transform = TransformState{Status: schema.TransformStatusIdle}
	run := c.beginRunLocked("pipeline")
	steps := c.cfg.Steps()
	c.mu.Unlock()

	ctx = logging.WithIDs(ctx, c.toolID, "", run.id)
	c.createRecord(ctx, run)
	c.publish(ctx, schema.EventRunStarted, "", run.id, map[string]any{"kind": run.kind, "steps": len(steps)})
	c.cache.BumpDataVersion() // results of re-executed steps are superseded

	success := true
	for i := range steps {
		if c.superseded(run) || run.token.Cancelled() {
			success = false
			break
		}
		c.mu.Lock()
		st, ok := c.states[steps[i].ID]
		done := ok && st.Status == schema.StepStatusCompleted
		c.mu.Unlock()
		if done {
			continue
		}
		status := c.executeStep(ctx, run, i)
		if status == schema.StepStatusCompleted {
			continue
		}
		if status == schema.StepStatusFailed && steps[i].FailureBehavior == schema.FailureContinue {
			success = false // transform still needs all completed
			continue
		}
		success = false
		break
	}

	if success && !run.token.Cancelled() && !c.superseded(run) {
		c.mu.Lock()
		can := c.canExecuteTransformLocked(c.cfg.Steps())
		c.mu.Unlock()
		if can {
			success = c.executeTransform(ctx, run, false)
		}
	}

	c.settleRun(ctx, run, success)
	return nil
}

// RunTransform executes the final transform alone. All steps must be
// completed first.
func (c *Coordinator) RunTransform(ctx context.Context) error {
	c.mu.Lock()
	steps := c.cfg.Steps()
	if !c.canExecuteTransformLocked(steps) {
		c.mu.Unlock()
		return schema.NewError(schema.ErrCodePrecondition,
			"cannot execute transform: not all steps are completed")
	}
	run := c.beginRunLocked("transform")
	c.mu.Unlock()

	ctx = logging.WithIDs(ctx, c.toolID, "", run.id)
	c.createRecord(ctx, run)
	c.publish(ctx, schema.EventRunStarted, "", run.id, map[string]any{"kind": run.kind})

	ok := c.executeTransform(ctx, run, false)
	c.settleRun(ctx, run, ok)
	return nil
}

// Stop requests cooperative cancellation of the in-flight run. Safe to call
// repeatedly; repeated calls while already stopping are no-ops. State
// transitions happen when the in-flight call settles, or are forced after
// the abort grace window so bookkeeping never stays running indefinitely.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.phase != schema.RunPhaseRunning || c.run == nil {
		c.mu.Unlock()
		return
	}
	c.phase = schema.RunPhaseStopping
	run := c.run
	c.mu.Unlock()

	c.publish(ctx, schema.EventRunStopping, "", run.id, nil)
	run.token.Cancel()

	go func() {
		ok, err := c.executor.Abort(context.Background(), run.id)
		if err != nil {
			c.logger.Warn("abort signal failed", "run_id", run.id, "error", err)
			return
		}
		if !ok {
			c.logger.Warn("abort not confirmed by collaborator", "run_id", run.id)
		}
	}()

	time.AfterFunc(c.abortGrace, func() { c.forceIdle(run) })
}

// forceIdle is the grace-window backstop: if the run has not settled, any
// step still marked running is cleared back to pending and the phase
// returns to idle. A late settling call for this run is discarded by the
// run-identity check in executeStep.
func (c *Coordinator) forceIdle(run *runHandle) {
	c.mu.Lock()
	if c.run != run || run.settled || c.phase == schema.RunPhaseIdle {
		c.mu.Unlock()
		return
	}
	run.settled = true
	for id, st := range c.states {
		if st.Status == schema.StepStatusRunning && st.RunID == run.id {
			delete(c.states, id)
		}
	}
	if c.transform.Status == schema.TransformStatusRunning || c.transform.Status == schema.TransformStatusFixing {
		c.transform = TransformState{Status: schema.TransformStatusIdle}
	}
	c.phase = schema.RunPhaseIdle
	c.mu.Unlock()

	c.logger.Warn("run forced idle after abort grace window", "run_id", run.id)
	c.publish(context.Background(), schema.EventRunSettled, "", run.id, map[string]any{"status": string(schema.RunStatusAborted), "forced": true})
	c.settleRecord(context.Background(), run, schema.RunStatusAborted, "stop requested; collaborator did not confirm cancellation")
}

// --- Internal execution ---

func (c *Coordinator) beginRunLocked(kind string) *runHandle {
	run := &runHandle{
		id:        uuid.NewString(),
		kind:      kind,
		token:     NewToken(),
		startedAt: time.Now().UTC(),
	}
	// A new run supersedes any previous one without cancelling it; the old
	// run's settlement is discarded by identity checks.
	c.run = run
	c.phase = schema.RunPhaseRunning
	return run
}

func (c *Coordinator) superseded(run *runHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != run
}

func (c *Coordinator) settleRun(ctx context.Context, run *runHandle, success bool) {
	c.mu.Lock()
	current := c.run == run && !run.settled
	cancelled := run.token.Cancelled()
	if current {
		run.settled = true
		c.phase = schema.RunPhaseIdle
	}
	results := c.stepResultsLocked(c.cfg.Steps())
	c.mu.Unlock()
	if !current {
		return
	}

	status := schema.RunStatusSuccess
	switch {
	case cancelled:
		status = schema.RunStatusAborted
	case !success:
		status = schema.RunStatusFailed
	}
	c.publish(ctx, schema.EventRunSettled, "", run.id, map[string]any{"status": string(status)})

	if c.recorder != nil {
		rec := &store.Run{ID: run.id, Status: status}
		if raw, err := json.Marshal(results); err == nil {
			rec.StepResults = raw
		}
		now := time.Now().UTC()
		rec.CompletedAt = &now
		if err := c.recorder.SettleRun(ctx, rec); err != nil {
			c.logger.Warn("settle run record", "run_id", run.id, "error", err)
		}
	}
}

// executeStep runs one step to a terminal state and returns that state.
// Configuration errors (invalid selector, bad templates) are recorded as
// failures without invoking the collaborator.
func (c *Coordinator) executeStep(ctx context.Context, run *runHandle, index int) schema.StepStatus {
	steps := c.cfg.Steps()
	if index >= len(steps) {
		return schema.StepStatusFailed
	}
	step := steps[index]
	ctx = logging.WithStepID(ctx, step.ID)
	log := c.logger.With("step_id", step.ID, "run_id", run.id)

	creds, err := c.resolveCredentials(ctx, steps)
	if err != nil {
		c.recordStepFailure(ctx, run, index, step.ID, schema.StepStatusFailed, err.Error())
		return schema.StepStatusFailed
	}

	c.mu.Lock()
	in := source.Inputs{
		Steps:         steps,
		StepIndex:     index,
		ManualPayload: c.manualPayload,
		FilePayloads:  c.filePayloads,
		StepResults:   c.stepResultsLocked(steps),
		Credentials:   creds,
	}
	prev := c.stepResultsLocked(steps[:index])
	c.mu.Unlock()

	sourceData, err := source.Compose(in)
	if err != nil {
		c.recordStepFailure(ctx, run, index, step.ID, schema.StepStatusFailed, err.Error())
		return schema.StepStatusFailed
	}

	// Loop-mode steps need their selector evaluated before the call; a
	// syntax or evaluation error here is a configuration error, surfaced
	// without touching the collaborator.
	if step.DataSelector != "" {
		if err := expressions.Validate(step.DataSelector); err != nil {
			c.recordStepFailure(ctx, run, index, step.ID, schema.StepStatusFailed, err.Error())
			return schema.StepStatusFailed
		}
		item, err := c.selector.Evaluate(ctx, step.DataSelector, sourceData)
		if err != nil {
			c.recordStepFailure(ctx, run, index, step.ID, schema.StepStatusFailed, err.Error())
			return schema.StepStatusFailed
		}
		in.CurrentItem = item
		if sourceData, err = source.Compose(in); err != nil {
			c.recordStepFailure(ctx, run, index, step.ID, schema.StepStatusFailed, err.Error())
			return schema.StepStatusFailed
		}
	}

	rendered, err := c.renderer.RenderStep(ctx, step, sourceData)
	if err != nil {
		c.recordStepFailure(ctx, run, index, step.ID, schema.StepStatusFailed, err.Error())
		return schema.StepStatusFailed
	}

	// Transition to running.
	c.mu.Lock()
	from := schema.StepStatusPending
	if st, ok := c.states[step.ID]; ok {
		from = st.Status
	}
	if !isValidStepTransition(from, schema.StepStatusRunning) {
		c.mu.Unlock()
		log.Error("invalid step transition", "from", string(from), "to", "running")
		return schema.StepStatusFailed
	}
	c.states[step.ID] = &StepState{Status: schema.StepStatusRunning, RunID: run.id}
	c.currentIndex = index
	c.mu.Unlock()

	c.publish(ctx, schema.EventStepStarted, step.ID, run.id, map[string]any{"index": index})
	log.Info("step started", "index", index, "mode", string(step.ExecutionMode()))

	callCtx, cancel := c.runContext(ctx, run.token)
	outcome, callErr := c.executor.ExecuteStep(callCtx, rendered, sourceData, prev)
	cancel()

	// Settle.
	var status schema.StepStatus
	var result any
	var errMsg string
	switch {
	case callErr != nil && (schema.IsCancelled(callErr) || run.token.Cancelled()):
		status, errMsg = schema.StepStatusAborted, callErr.Error()
	case callErr != nil:
		status, errMsg = schema.StepStatusFailed, callErr.Error()
	case outcome == nil:
		status, errMsg = schema.StepStatusFailed, "collaborator returned no outcome"
	case !outcome.Success && run.token.Cancelled():
		status, errMsg = schema.StepStatusAborted, outcome.Error
	case !outcome.Success:
		status, errMsg = schema.StepStatusFailed, outcome.Error
	default:
		status, result = schema.StepStatusCompleted, outcome.Data
	}

	c.mu.Lock()
	st, ok := c.states[step.ID]
	if !ok || st.RunID != run.id || st.Status != schema.StepStatusRunning {
		// Forced idle or invalidated while in flight; discard the late settle.
		c.mu.Unlock()
		log.Info("discarding late step settlement", "status", string(status))
		return status
	}
	st.Status = status
	st.Result = result
	st.Error = errMsg
	c.mu.Unlock()

	// Execution-produced config normalization is persisted behind the
	// skip-once hatch so it does not invalidate the result it produced.
	if outcome != nil && outcome.UpdatedStep != nil {
		c.inval.MarkSkipOnce()
		if err := c.cfg.ReplaceStep(step.ID, *outcome.UpdatedStep); err != nil {
			log.Warn("persist corrected step", "error", err)
		}
	}

	if status == schema.StepStatusCompleted {
		// Later steps' composed input now includes this result.
		c.cache.BumpDataVersion()
		log.Info("step completed", "index", index)
	} else {
		log.Warn("step settled without success", "index", index, "status", string(status), "error", errMsg)
	}
	c.publish(ctx, stepEventType(status), step.ID, run.id, map[string]any{"index": index, "error": errMsg})
	return status
}

func (c *Coordinator) recordStepFailure(ctx context.Context, run *runHandle, index int, stepID string, status schema.StepStatus, msg string) {
	c.mu.Lock()
	c.states[stepID] = &StepState{Status: status, Error: msg, RunID: run.id}
	c.currentIndex = index
	c.mu.Unlock()
	c.logger.Warn("step configuration error", "step_id", stepID, "error", msg)
	c.publish(ctx, stepEventType(status), stepID, run.id, map[string]any{"index": index, "error": msg})
}

// executeTransform runs the final transform to a terminal state. When the
// collaborator returns a corrected transform after a failure, one retry is
// made in the fixing state.
func (c *Coordinator) executeTransform(ctx context.Context, run *runHandle, fixing bool) bool {
	text := c.cfg.OutputTransform()
	_, outputSchema := c.cfg.Schemas()

	c.mu.Lock()
	payload := c.manualPayload
	stepData := c.stepResultsLocked(c.cfg.Steps())
	c.mu.Unlock()

	if text == "" {
		// No transform configured: the combined step data is the output.
		c.mu.Lock()
		c.transform = TransformState{Status: schema.TransformStatusCompleted, Result: stepData, RunID: run.id}
		c.mu.Unlock()
		c.publish(ctx, schema.EventTransformCompleted, "", run.id, nil)
		return true
	}

	if err := expressions.Validate(text); err != nil {
		c.mu.Lock()
		c.transform = TransformState{Status: schema.TransformStatusFailed, Error: err.Error(), RunID: run.id}
		c.mu.Unlock()
		c.publish(ctx, schema.EventTransformFailed, "", run.id, map[string]any{"error": err.Error()})
		return false
	}

	target := schema.TransformStatusRunning
	if fixing {
		target = schema.TransformStatusFixing
	}
	c.mu.Lock()
	if !isValidTransformTransition(c.transform.Status, target) {
		c.mu.Unlock()
		c.logger.Error("invalid transform transition", "from", string(c.transform.Status), "to", string(target))
		return false
	}
	c.transform = TransformState{Status: target, RunID: run.id}
	c.mu.Unlock()
	c.publish(ctx, schema.EventTransformStarted, "", run.id, map[string]any{"fixing": fixing})

	callCtx, cancel := c.runContext(ctx, run.token)
	outcome, callErr := c.executor.ExecuteTransform(callCtx, text, outputSchema, payload, stepData)
	cancel()

	var status schema.TransformStatus
	var result any
	var errMsg string
	switch {
	case callErr != nil && (schema.IsCancelled(callErr) || run.token.Cancelled()):
		status, errMsg = schema.TransformStatusAborted, callErr.Error()
	case callErr != nil:
		status, errMsg = schema.TransformStatusFailed, callErr.Error()
	case outcome == nil:
		status, errMsg = schema.TransformStatusFailed, "collaborator returned no outcome"
	case !outcome.Success && run.token.Cancelled():
		status, errMsg = schema.TransformStatusAborted, outcome.Error
	case !outcome.Success:
		status, errMsg = schema.TransformStatusFailed, outcome.Error
	default:
		if err := c.checker.ValidateOutput(outcome.Data, outputSchema); err != nil {
			status, errMsg = schema.TransformStatusFailed, err.Error()
		} else {
			status, result = schema.TransformStatusCompleted, outcome.Data
		}
	}

	c.mu.Lock()
	if c.transform.RunID != run.id {
		c.mu.Unlock()
		return false
	}
	c.transform = TransformState{Status: status, Result: result, Error: errMsg, RunID: run.id}
	c.mu.Unlock()

	if outcome != nil && outcome.UpdatedTransform != "" && outcome.UpdatedTransform != text {
		c.inval.MarkSkipOnce()
		c.cfg.SetFinalTransform(outcome.UpdatedTransform)
		if status == schema.TransformStatusFailed && !fixing {
			// Self-repair: retry once with the corrected transform.
			c.publish(ctx, transformEventType(status), "", run.id, map[string]any{"error": errMsg, "retrying": true})
			return c.executeTransform(ctx, run, true)
		}
	}

	c.publish(ctx, transformEventType(status), "", run.id, map[string]any{"error": errMsg})
	return status == schema.TransformStatusCompleted
}

func (c *Coordinator) runContext(ctx context.Context, t *Token) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Coordinator) createRecord(ctx context.Context, run *runHandle) {
	if c.recorder == nil {
		return
	}
	c.mu.Lock()
	payload := c.manualPayload
	c.mu.Unlock()
	rec := &store.Run{
		ID:        run.id,
		ToolID:    c.toolID,
		Kind:      run.kind,
		Status:    schema.RunStatusRunning,
		Payload:   payload,
		StartedAt: run.startedAt,
	}
	if err := c.recorder.CreateRun(ctx, rec); err != nil {
		c.logger.Warn("create run record", "run_id", run.id, "error", err)
	}
}

func (c *Coordinator) settleRecord(ctx context.Context, run *runHandle, status schema.RunStatus, errMsg string) {
	if c.recorder == nil {
		return
	}
	now := time.Now().UTC()
	rec := &store.Run{ID: run.id, Status: status, Error: errMsg, CompletedAt: &now}
	if err := c.recorder.SettleRun(ctx, rec); err != nil {
		c.logger.Warn("settle run record", "run_id", run.id, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, eventType, stepID, runID string, payload map[string]any) {
	if c.hub == nil || eventType == "" {
		return
	}
	_ = c.hub.Publish(ctx, streaming.StreamEvent{
		ToolID:    c.toolID,
		RunID:     runID,
		StepID:    stepID,
		EventType: eventType,
		Payload:   payload,
	})
}

// --- Summary ---

// Summary renders a plain-text, step-by-step execution report with
// truncated error messages, for consumption by an LLM repair flow or a
// human squinting at a terminal.
func (c *Coordinator) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	steps := c.cfg.Steps()
	var b strings.Builder

	runID := ""
	if c.run != nil {
		runID = c.run.id
	}
	fmt.Fprintf(&b, "pipeline: %s", c.phase)
	if runID != "" {
		fmt.Fprintf(&b, " (run %s)", runID)
	}
	if c.currentIndex >= 0 && c.currentIndex < len(steps) {
		fmt.Fprintf(&b, " at step %d/%d", c.currentIndex+1, len(steps))
	}
	b.WriteString("\n")

	for i, s := range steps {
		st, ok := c.states[s.ID]
		status := schema.StepStatusPending
		errMsg := ""
		if ok {
			status = st.Status
			errMsg = st.Error
		}
		fmt.Fprintf(&b, "  [%d] %s: %s", i, s.ID, status)
		if errMsg != "" {
			fmt.Fprintf(&b, " - %s", truncateError(errMsg))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "transform: %s", c.transform.Status)
	if c.transform.Error != "" {
		fmt.Fprintf(&b, " - %s", truncateError(c.transform.Error))
	}
	b.WriteString("\n")
	return b.String()
}

// StatusReport returns the per-step statuses in order, for structured
// consumers that do not want the plain-text summary.
func (c *Coordinator) StatusReport() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	steps := c.cfg.Steps()
	stepStatuses := make([]map[string]any, 0, len(steps))
	for i, s := range steps {
		status := schema.StepStatusPending
		errMsg := ""
		if st, ok := c.states[s.ID]; ok {
			status = st.Status
			errMsg = st.Error
		}
		entry := map[string]any{"index": i, "id": s.ID, "status": string(status)}
		if errMsg != "" {
			entry["error"] = truncateError(errMsg)
		}
		stepStatuses = append(stepStatuses, entry)
	}

	report := map[string]any{
		"phase":     string(c.phase),
		"steps":     stepStatuses,
		"transform": string(c.transform.Status),
		"epoch":     c.cache.Epoch(),
	}
	if c.run != nil {
		report["run_id"] = c.run.id
	}
	if c.currentIndex >= 0 {
		report["current_index"] = c.currentIndex
	}
	return report
}

func truncateError(s string) string {
	if len(s) <= summaryErrorLimit {
		return s
	}
	return s[:summaryErrorLimit] + "..."
}
