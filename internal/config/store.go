package config

import (
	"encoding/json"
	"sync"

	"github.com/renna-labs/stitch/pkg/schema"
)

// Store owns the declarative pipeline definition: the ordered step list,
// the final output transform and the input/output schemas. It performs no
// validation of expression syntax; syntactic/semantic validity is deferred
// to the evaluator. Every mutation notifies the registered listeners so the
// invalidation engine sees one event per logical change rather than one per
// UI render.
type Store struct {
	mu              sync.RWMutex
	steps           []schema.ToolStep
	outputTransform string
	inputSchema     json.RawMessage
	outputSchema    json.RawMessage
	listeners       []func(steps []schema.ToolStep)
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// OnChange registers a listener invoked with a snapshot of the step list
// after every mutation. Listeners are called synchronously in registration
// order, outside the store lock.
func (s *Store) OnChange(fn func(steps []schema.ToolStep)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Steps returns a snapshot of the ordered step list.
func (s *Store) Steps() []schema.ToolStep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySteps(s.steps)
}

// Step returns the step with the given ID and its index, or nil and -1.
func (s *Store) Step(id string) (*schema.ToolStep, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.steps {
		if s.steps[i].ID == id {
			cp := s.steps[i]
			return &cp, i
		}
	}
	return nil, -1
}

// Len returns the number of steps.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.steps)
}

// OutputTransform returns the final transform expression text.
func (s *Store) OutputTransform() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outputTransform
}

// Schemas returns the input and output JSON Schemas.
func (s *Store) Schemas() (input, output json.RawMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inputSchema, s.outputSchema
}

// AddStep inserts step after the given index, or appends when afterIndex is
// out of range. Step identifiers must be unique within the pipeline.
func (s *Store) AddStep(step schema.ToolStep, afterIndex int) error {
	s.mu.Lock()
	for i := range s.steps {
		if s.steps[i].ID == step.ID {
			s.mu.Unlock()
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
	}
	if afterIndex < 0 || afterIndex >= len(s.steps) {
		s.steps = append(s.steps, step)
	} else {
		s.steps = append(s.steps[:afterIndex+1], append([]schema.ToolStep{step}, s.steps[afterIndex+1:]...)...)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// RemoveStep deletes the step with the given ID.
func (s *Store) RemoveStep(id string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.steps {
		if s.steps[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", id)
	}
	s.steps = append(s.steps[:idx], s.steps[idx+1:]...)
	s.mu.Unlock()
	s.notify()
	return nil
}

// StepPatch is a partial update to a step's mutable configuration.
// Nil fields are left unchanged.
type StepPatch struct {
	URL             *string
	Method          *schema.Method
	SystemID        *string
	QueryParams     map[string]string
	Headers         map[string]string
	Body            *string
	Pagination      *schema.Pagination
	DataSelector    *string
	FailureBehavior *schema.FailureBehavior
	Instruction     *string
}

// UpdateStep applies a partial update to the step with the given ID.
func (s *Store) UpdateStep(id string, patch StepPatch) error {
	s.mu.Lock()
	var step *schema.ToolStep
	for i := range s.steps {
		if s.steps[i].ID == id {
			step = &s.steps[i]
			break
		}
	}
	if step == nil {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", id)
	}
	if patch.URL != nil {
		step.URL = *patch.URL
	}
	if patch.Method != nil {
		step.Method = *patch.Method
	}
	if patch.SystemID != nil {
		step.SystemID = *patch.SystemID
	}
	if patch.QueryParams != nil {
		step.QueryParams = patch.QueryParams
	}
	if patch.Headers != nil {
		step.Headers = patch.Headers
	}
	if patch.Body != nil {
		step.Body = *patch.Body
	}
	if patch.Pagination != nil {
		step.Pagination = patch.Pagination
	}
	if patch.DataSelector != nil {
		step.DataSelector = *patch.DataSelector
	}
	if patch.FailureBehavior != nil {
		step.FailureBehavior = *patch.FailureBehavior
	}
	if patch.Instruction != nil {
		step.Instruction = *patch.Instruction
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// ReplaceStep overwrites the step with the given ID wholesale. Used when an
// execution collaborator returns a corrected step definition.
func (s *Store) ReplaceStep(id string, step schema.ToolStep) error {
	s.mu.Lock()
	idx := -1
	for i := range s.steps {
		if s.steps[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", id)
	}
	step.ID = id
	s.steps[idx] = step
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetSteps replaces the whole step list.
func (s *Store) SetSteps(steps []schema.ToolStep) error {
	seen := make(map[string]struct{}, len(steps))
	for i := range steps {
		if _, dup := seen[steps[i].ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", steps[i].ID)
		}
		seen[steps[i].ID] = struct{}{}
	}
	s.mu.Lock()
	s.steps = copySteps(steps)
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetFinalTransform replaces the final output transform expression.
func (s *Store) SetFinalTransform(text string) {
	s.mu.Lock()
	s.outputTransform = text
	s.mu.Unlock()
	s.notify()
}

// SetSchemas replaces the input and output JSON Schemas.
func (s *Store) SetSchemas(input, output json.RawMessage) {
	s.mu.Lock()
	s.inputSchema = input
	s.outputSchema = output
	s.mu.Unlock()
	s.notify()
}

// LoadTool initializes the store from a persisted Tool definition.
func (s *Store) LoadTool(tool *schema.Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	if err := s.SetSteps(tool.Steps); err != nil {
		return err
	}
	s.mu.Lock()
	s.outputTransform = tool.OutputTransform
	s.inputSchema = tool.InputSchema
	s.outputSchema = tool.OutputSchema
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) notify() {
	s.mu.RLock()
	steps := copySteps(s.steps)
	listeners := make([]func([]schema.ToolStep), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(steps)
	}
}

func copySteps(steps []schema.ToolStep) []schema.ToolStep {
	cp := make([]schema.ToolStep, len(steps))
	copy(cp, steps)
	return cp
}
