package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/dabla/taskrunner/internal/task"
)

// Resume method names and reasons set by the triggerer.
const (
	failMethod           = "__fail__"
	triggerTimeoutReason = "Trigger timeout"
)

// execute runs the task body with its hooks. The context values are exported
// to the environment only while it runs.
func (r *Runner) execute(ctx context.Context, ti *TaskInstance, tc *task.Context) (any, error) {
	for _, key := range ti.Context.XComKeysToClear {
		if err := r.xcom.Delete(ctx, ti.TaskInstance, key); err != nil {
			return nil, fmt.Errorf("clear stale xcom: %w", err)
		}
	}

	restore := exportEnv(tc.Env())
	defer restore()

	b := ti.Task.Base()
	if b.PreExecute != nil {
		r.bestEffort(ctx, "pre_execute", func() error { return b.PreExecute(ctx, tc) })
	}
	r.runCallbacks(ctx, "on_execute_callback", b.OnExecute, tc)

	result, err := r.runBody(ctx, ti, tc)
	if err != nil {
		return nil, err
	}

	if b.PostExecute != nil {
		r.bestEffort(ctx, "post_execute", func() error { return b.PostExecute(ctx, tc, result) })
	}
	return result, nil
}

// runBody runs the body under the execution deadline. The budget is measured
// from the start date, so an attempt that already used it up never starts.
// A body that ignores cancellation is abandoned once the deadline fires; its
// context is done, so it can no longer talk to the supervisor.
func (r *Runner) runBody(ctx context.Context, ti *TaskInstance, tc *task.Context) (any, error) {
	timeout := ti.Task.Base().ExecutionTimeout
	if timeout == 0 {
		return r.call(ctx, ti, tc)
	}

	remaining := timeout - r.now().Sub(ti.StartDate)
	if remaining <= 0 {
		r.logger.Warn("execution deadline already passed", "ti", ti.String(), "timeout", timeout)
		return nil, fmt.Errorf("%w: %s elapsed before execution", task.ErrTimeout, timeout)
	}

	ctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := r.call(ctx, ti, tc)
		done <- result{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && isContextDone(res.err) {
			return nil, fmt.Errorf("%w: exceeded %s", task.ErrTimeout, timeout)
		}
		return res.value, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: exceeded %s", task.ErrTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}

// call invokes the body, or resumes it after a deferral, turning a panic
// into a *task.PanicError.
func (r *Runner) call(ctx context.Context, ti *TaskInstance, tc *task.Context) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", "ti", ti.String(), "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			v, err = nil, &task.PanicError{Value: p}
		}
	}()

	method := ti.Context.NextMethod
	if method == "" {
		return ti.Task.Execute(ctx, tc)
	}

	kwargs := ti.Context.NextKwargs
	if method == failMethod {
		reason, _ := kwargs["error"].(string)
		if reason == "" {
			reason = "Unknown"
		}
		return nil, &task.DeferralError{Timeout: reason == triggerTimeoutReason, Detail: reason}
	}
	resumer, ok := ti.Task.(task.Resumer)
	if !ok {
		return nil, fmt.Errorf("task %s cannot resume at %q", ti.TaskID, method)
	}
	r.logger.Info("resuming deferred task", "ti", ti.String(), "method", method)
	return resumer.ResumeExecution(ctx, tc, method, kwargs)
}
