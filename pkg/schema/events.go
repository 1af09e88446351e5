package schema

// Event types published on the streaming hub as runs progress.
const (
	EventRunStarted  = "run.started"
	EventRunStopping = "run.stopping"
	EventRunSettled  = "run.settled"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepAborted   = "step.aborted"

	EventTransformStarted   = "transform.started"
	EventTransformCompleted = "transform.completed"
	EventTransformFailed    = "transform.failed"
	EventTransformAborted   = "transform.aborted"

	EventStateInvalidated = "state.invalidated"
)
