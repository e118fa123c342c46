package model

// TaskState is the state of a task instance as seen by the orchestrator.
type TaskState string

// Terminal task states. The orchestrator will not start another attempt.
const (
	StateSuccess TaskState = "success"
	StateFailed  TaskState = "failed"
	StateSkipped TaskState = "skipped"
	StateRemoved TaskState = "removed"
)

// Intermediate task states. The orchestrator will start a new worker later.
const (
	StateUpForRetry      TaskState = "up_for_retry"
	StateUpForReschedule TaskState = "up_for_reschedule"
	StateDeferred        TaskState = "deferred"
)

// Supervisor-side states that precede an outcome.
const (
	StateQueued  TaskState = "queued"
	StateRunning TaskState = "running"
)

// IsTerminal reports whether s ends the task instance.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateSkipped, StateRemoved:
		return true
	}
	return false
}

// IsIntermediate reports whether s means another attempt will follow.
func (s TaskState) IsIntermediate() bool {
	switch s {
	case StateUpForRetry, StateUpForReschedule, StateDeferred:
		return true
	}
	return false
}

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[TaskState]map[TaskState]bool{
	StateQueued: {
		StateRunning: true,
		StateFailed:  true,
		StateSkipped: true,
		StateRemoved: true,
	},
	StateRunning: {
		StateSuccess:         true,
		StateFailed:          true,
		StateSkipped:         true,
		StateUpForRetry:      true,
		StateUpForReschedule: true,
		StateDeferred:        true,
	},
	StateUpForRetry:      {StateQueued: true},
	StateUpForReschedule: {StateQueued: true},
	StateDeferred:        {StateQueued: true},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to TaskState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// DagRunState is the state of a workflow run.
type DagRunState string

// Dag run states.
const (
	DagRunQueued  DagRunState = "queued"
	DagRunRunning DagRunState = "running"
	DagRunSuccess DagRunState = "success"
	DagRunFailed  DagRunState = "failed"
)
