package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/xcom"
)

// TriggerRunIDKey is the XCom key a triggered run id is pushed under.
const TriggerRunIDKey = "trigger_run_id"

// FuncOperator runs a Go function as the task body.
type FuncOperator struct {
	BaseOperator
	Fn func(ctx context.Context, tc *Context) (any, error)
}

// Execute implements Operator.
func (o *FuncOperator) Execute(ctx context.Context, tc *Context) (any, error) {
	return o.Fn(ctx, tc)
}

// Func returns a FuncOperator.
func Func(taskID string, fn func(ctx context.Context, tc *Context) (any, error)) *FuncOperator {
	return &FuncOperator{BaseOperator: BaseOperator{TaskID: taskID}, Fn: fn}
}

// BashSkipExitCode is the exit code that marks a bash task skipped.
const BashSkipExitCode = 99

// BashOperator runs the rendered "bash_command" field with bash -c. The last
// line written to stdout is the task's return value.
type BashOperator struct {
	BaseOperator
	Env map[string]string
	Dir string
}

// Bash returns a BashOperator for command, which may be a template.
func Bash(taskID, command string) *BashOperator {
	return &BashOperator{BaseOperator: BaseOperator{
		TaskID:    taskID,
		Templates: map[string]string{"bash_command": command},
	}}
}

// Execute implements Operator.
func (o *BashOperator) Execute(ctx context.Context, tc *Context) (any, error) {
	command := o.RenderedField("bash_command")
	if strings.TrimSpace(command) == "" {
		return nil, Failf("bash command is empty")
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = o.Dir
	cmd.Env = os.Environ()
	for k, v := range o.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if tc.Log != nil {
		w := tc.Log.WriterLevel(logrus.InfoLevel)
		defer w.Close()
		cmd.Stderr = w
	}

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() == BashSkipExitCode:
		return nil, Skip(fmt.Sprintf("bash command returned exit code %d", BashSkipExitCode))
	case errors.As(err, &exitErr):
		return nil, Errorf("bash command failed with exit code %d", exitErr.ExitCode())
	case err != nil:
		return nil, fmt.Errorf("run bash command: %w", err)
	}

	out := strings.TrimRight(stdout.String(), "\n")
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	return out, nil
}

// TriggerDagRunOperator triggers a run of another DAG and optionally waits
// for it to finish.
type TriggerDagRunOperator struct {
	BaseOperator
	TriggerDagID          string
	TriggerRunID          string
	LogicalDate           *time.Time
	Conf                  map[string]any
	ResetDagRun           bool
	SkipWhenAlreadyExists bool
	WaitForCompletion     bool
	AllowedStates         []model.DagRunState
	FailedStates          []model.DagRunState
	PokeInterval          time.Duration
}

// TriggerDagRun returns a TriggerDagRunOperator with a link to the triggered run.
func TriggerDagRun(taskID, triggerDagID string) *TriggerDagRunOperator {
	op := &TriggerDagRunOperator{BaseOperator: BaseOperator{TaskID: taskID}, TriggerDagID: triggerDagID}
	op.ExtraLinks = []ExtraLink{{
		Name: "Triggered DAG",
		Link: func(ctx context.Context, tc *Context) (string, error) {
			v, err := tc.XCom.Pull(ctx, xcom.WithKey(TriggerRunIDKey))
			if err != nil || v == nil {
				return "", err
			}
			return fmt.Sprintf("/dags/%s/runs/%v", triggerDagID, v), nil
		},
	}}
	return op
}

// Execute implements Operator.
func (o *TriggerDagRunOperator) Execute(context.Context, *Context) (any, error) {
	return nil, &TriggerRunError{
		TriggerDagID:          o.TriggerDagID,
		DagRunID:              o.TriggerRunID,
		LogicalDate:           o.LogicalDate,
		Conf:                  o.Conf,
		ResetDagRun:           o.ResetDagRun,
		SkipWhenAlreadyExists: o.SkipWhenAlreadyExists,
		WaitForCompletion:     o.WaitForCompletion,
		AllowedStates:         o.AllowedStates,
		FailedStates:          o.FailedStates,
		PokeInterval:          o.PokeInterval,
	}
}

// TimeSensor waits, in reschedule mode, until Target is reached. Timeout is
// measured from the first reschedule of the try.
type TimeSensor struct {
	BaseOperator
	Target       time.Time
	PokeInterval time.Duration
	Timeout      time.Duration

	now func() time.Time
}

// Execute implements Operator.
func (o *TimeSensor) Execute(ctx context.Context, tc *Context) (any, error) {
	now := time.Now()
	if o.now != nil {
		now = o.now()
	}
	if !now.Before(o.Target) {
		if tc.Log != nil {
			tc.Log.WithField("target", o.Target).Info("target time reached")
		}
		return true, nil
	}

	if o.Timeout > 0 {
		first, err := tc.FirstRescheduleDate(ctx)
		if err != nil {
			return nil, fmt.Errorf("first reschedule date: %w", err)
		}
		started := now
		if first != nil {
			started = *first
		}
		if now.Sub(started) > o.Timeout {
			return nil, &SensorTimeoutError{Err: fmt.Errorf("waited longer than %s for %s", o.Timeout, o.Target.Format(time.RFC3339))}
		}
	}

	interval := o.PokeInterval
	if interval <= 0 {
		interval = time.Minute
	}
	next := now.Add(interval)
	if next.After(o.Target) {
		next = o.Target
	}
	return nil, Reschedule(next)
}

// ExecuteCompleteMethod is the method a deferrable sensor resumes at.
const ExecuteCompleteMethod = "execute_complete"

// DeferrableTimeSensor defers to a DateTimeTrigger instead of occupying a
// worker until Target is reached.
type DeferrableTimeSensor struct {
	BaseOperator
	Target  time.Time
	Timeout time.Duration
}

// Execute implements Operator.
func (o *DeferrableTimeSensor) Execute(context.Context, *Context) (any, error) {
	if !time.Now().Before(o.Target) {
		return true, nil
	}
	return nil, Defer(DateTimeTrigger{Moment: o.Target}, ExecuteCompleteMethod, nil, o.Timeout)
}

// ResumeExecution implements Resumer.
func (o *DeferrableTimeSensor) ResumeExecution(_ context.Context, _ *Context, method string, _ map[string]any) (any, error) {
	if method != ExecuteCompleteMethod {
		return nil, fmt.Errorf("task: unknown resume method %q", method)
	}
	return true, nil
}
