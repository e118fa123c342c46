package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dabla/taskrunner/internal/model"
)

// Sentinel signals.
var (
	// ErrTimeout is returned when the execution deadline is exceeded.
	ErrTimeout = errors.New("task timed out")
	// ErrTerminated is returned when the task was terminated externally.
	ErrTerminated = errors.New("task terminated externally")
	// ErrVariableNotFound is returned by Variables.Get for unknown keys.
	ErrVariableNotFound = errors.New("variable not found")
	// ErrConnectionNotFound is returned by Connections.Get for unknown ids.
	ErrConnectionNotFound = errors.New("connection not found")
)

// SkipDownstreamError asks the runtime to skip the named downstream tasks
// and then treat this attempt as a success.
type SkipDownstreamError struct {
	TaskIDs []string
}

func (e *SkipDownstreamError) Error() string {
	return "skip downstream tasks: " + strings.Join(e.TaskIDs, ", ")
}

// SkipDownstream returns a SkipDownstreamError.
func SkipDownstream(taskIDs ...string) error {
	return &SkipDownstreamError{TaskIDs: taskIDs}
}

// TriggerRunError asks the runtime to trigger, and optionally wait for, a run
// of another workflow.
type TriggerRunError struct {
	TriggerDagID          string
	DagRunID              string
	LogicalDate           *time.Time
	Conf                  map[string]any
	ResetDagRun           bool
	SkipWhenAlreadyExists bool
	WaitForCompletion     bool
	AllowedStates         []model.DagRunState
	FailedStates          []model.DagRunState
	PokeInterval          time.Duration
}

func (e *TriggerRunError) Error() string {
	return fmt.Sprintf("trigger run of %s", e.TriggerDagID)
}

// DeferError suspends the attempt until Trigger fires, then resumes at Method.
type DeferError struct {
	Trigger Trigger
	Method  string
	Kwargs  map[string]any
	Timeout time.Duration
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred to %s", e.Method)
}

// Defer returns a DeferError.
func Defer(trigger Trigger, method string, kwargs map[string]any, timeout time.Duration) error {
	return &DeferError{Trigger: trigger, Method: method, Kwargs: kwargs, Timeout: timeout}
}

// SkipError marks the attempt SKIPPED.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	if e.Reason == "" {
		return "task skipped"
	}
	return "task skipped: " + e.Reason
}

// Skip returns a SkipError.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

// RescheduleError asks to be attempted again at At.
type RescheduleError struct {
	At time.Time
}

func (e *RescheduleError) Error() string {
	return "reschedule at " + e.At.UTC().Format(time.RFC3339)
}

// Reschedule returns a RescheduleError.
func Reschedule(at time.Time) error {
	return &RescheduleError{At: at}
}

// FailError fails the attempt without retrying, whatever the retry budget.
type FailError struct {
	Err error
}

func (e *FailError) Error() string { return "task failed without retry: " + e.Err.Error() }
func (e *FailError) Unwrap() error { return e.Err }

// Fail returns a FailError wrapping err.
func Fail(err error) error {
	return &FailError{Err: err}
}

// Failf returns a FailError with a formatted message.
func Failf(format string, args ...any) error {
	return &FailError{Err: fmt.Errorf(format, args...)}
}

// SensorTimeoutError is returned by a sensor that gave up waiting. It is
// never retried.
type SensorTimeoutError struct {
	Err error
}

func (e *SensorTimeoutError) Error() string { return "sensor timed out: " + e.Err.Error() }
func (e *SensorTimeoutError) Unwrap() error { return e.Err }

// DeclaredError is an expected task error. It is retried while the retry
// budget allows.
type DeclaredError struct {
	Err error
}

func (e *DeclaredError) Error() string { return e.Err.Error() }
func (e *DeclaredError) Unwrap() error { return e.Err }

// Errorf returns a DeclaredError with a formatted message.
func Errorf(format string, args ...any) error {
	return &DeclaredError{Err: fmt.Errorf(format, args...)}
}

// DeferralError is raised when a trigger reported failure on resume.
type DeferralError struct {
	Timeout bool
	Detail  string
}

func (e *DeferralError) Error() string {
	if e.Timeout {
		return "trigger timeout"
	}
	return "trigger failure: " + e.Detail
}

// PanicError wraps a panic recovered from task logic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
