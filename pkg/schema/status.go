package schema

// StepStatus is the transient execution state of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusAborted   StepStatus = "aborted"
)

// Terminal reports whether the status is a terminal step state.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusAborted
}

// RunPhase is the pipeline-level run state. A cooperative "stopping" phase
// may be entered from running to signal cancellation; both resolve to idle.
type RunPhase string

const (
	RunPhaseIdle     RunPhase = "idle"
	RunPhaseRunning  RunPhase = "running"
	RunPhaseStopping RunPhase = "stopping"
)

// TransformStatus is the single-slot state of the final output transform.
type TransformStatus string

const (
	TransformStatusIdle      TransformStatus = "idle"
	TransformStatusRunning   TransformStatus = "running"
	TransformStatusFixing    TransformStatus = "fixing"
	TransformStatusCompleted TransformStatus = "completed"
	TransformStatusFailed    TransformStatus = "failed"
	TransformStatusAborted   TransformStatus = "aborted"
)

// Terminal reports whether the status is a terminal transform state.
func (s TransformStatus) Terminal() bool {
	return s == TransformStatusCompleted || s == TransformStatusFailed || s == TransformStatusAborted
}

// RunStatus is the persisted outcome of a coordinated run, as recorded in
// the run history store.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusAborted RunStatus = "aborted"
)
