package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/task"
)

// ResultKind tags what the body of an attempt produced.
type ResultKind int

// Result kinds, in the priority they are matched.
const (
	ResultOK ResultKind = iota
	ResultSkipDownstream
	ResultTriggerRun
	ResultDefer
	ResultSkip
	ResultReschedule
	ResultFail
	ResultRetryable
)

var resultKindNames = [...]string{
	ResultOK:             "ok",
	ResultSkipDownstream: "skip_downstream",
	ResultTriggerRun:     "trigger_run",
	ResultDefer:          "defer",
	ResultSkip:           "skip",
	ResultReschedule:     "reschedule",
	ResultFail:           "fail",
	ResultRetryable:      "retryable",
}

func (k ResultKind) String() string {
	if int(k) < len(resultKindNames) {
		return resultKindNames[k]
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// Result is the tagged outcome of running the body. Exactly one of the
// signal fields is set for the matching kind.
type Result struct {
	Kind  ResultKind
	Value any
	Err   error

	SkipDownstream *task.SkipDownstreamError
	Trigger        *task.TriggerRunError
	Defer          *task.DeferError
	Reschedule     *task.RescheduleError
}

// classify turns the body's return values into a Result.
func classify(value any, err error) Result {
	if err == nil {
		return Result{Kind: ResultOK, Value: value}
	}
	res := Result{Err: err}

	var (
		skipDown   *task.SkipDownstreamError
		trigger    *task.TriggerRunError
		deferral   *task.DeferError
		skip       *task.SkipError
		reschedule *task.RescheduleError
		fail       *task.FailError
		sensor     *task.SensorTimeoutError
	)
	switch {
	case errors.As(err, &skipDown):
		res.Kind, res.SkipDownstream = ResultSkipDownstream, skipDown
	case errors.As(err, &trigger):
		res.Kind, res.Trigger = ResultTriggerRun, trigger
	case errors.As(err, &deferral):
		res.Kind, res.Defer = ResultDefer, deferral
	case errors.As(err, &skip):
		res.Kind = ResultSkip
	case errors.As(err, &reschedule):
		res.Kind, res.Reschedule = ResultReschedule, reschedule
	case errors.As(err, &fail), errors.As(err, &sensor), errors.Is(err, task.ErrTerminated):
		res.Kind = ResultFail
	default:
		// Timeouts, declared task errors, panics, and everything else.
		res.Kind = ResultRetryable
	}
	return res
}

// attempt is the decided outcome of one attempt.
type attempt struct {
	state   model.TaskState
	msg     comms.Message
	err     error
	sendErr error
}

// attempt prepares and executes the task and sends exactly one outcome
// message, whatever happens in between.
func (r *Runner) attempt(ctx context.Context, ti *TaskInstance, tc *task.Context) (a attempt) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("outcome handling panicked", "ti", ti.String(), "panic", fmt.Sprint(p))
			a = r.terminal(model.StateFailed, &task.PanicError{Value: p})
		}
		if a.msg == nil {
			a = r.terminal(model.StateFailed, a.err)
		}
		ti.State = a.state
		ti.EndDate = r.now()
		r.logger.Info("task instance finished", "ti", ti.String(), "state", a.state, "error", errorText(a.err))
		if err := r.ch.Send(a.msg); err != nil {
			a.sendErr = fmt.Errorf("send outcome %s: %w", comms.TypeName(a.msg), err)
		}
	}()

	r.setPhase(PhasePreparing)
	if err := r.prepare(ctx, ti, tc); err != nil {
		r.logger.Error("task preparation failed", "ti", ti.String(), "error", err)
		return r.terminal(model.StateFailed, err)
	}

	r.setPhase(PhaseExecuting)
	value, err := r.execute(ctx, ti, tc)
	return r.outcomeFor(ctx, ti, tc, classify(value, err))
}

// outcomeFor maps res to the outcome message. Side requests an outcome needs,
// such as skipping downstream tasks or pushing the return value, are sent
// here; the outcome itself is sent by the caller.
func (r *Runner) outcomeFor(ctx context.Context, ti *TaskInstance, tc *task.Context, res Result) attempt {
	if res.Err != nil {
		r.logger.Info("task body returned", "ti", ti.String(), "result", res.Kind, "error", res.Err)
	}

	switch res.Kind {
	case ResultSkipDownstream:
		if err := r.ch.Send(&comms.SkipDownstreamTasks{Tasks: res.SkipDownstream.TaskIDs}); err != nil {
			return r.retryOrFail(ti, fmt.Errorf("skip downstream tasks: %w", err))
		}
		return r.succeed(tc)

	case ResultTriggerRun:
		return r.triggerRun(ctx, ti, tc, res.Trigger)

	case ResultDefer:
		classpath, kwargs := res.Defer.Trigger.Serialize()
		return attempt{
			state: model.StateDeferred,
			msg: &comms.DeferTask{
				Classpath:      classpath,
				TriggerKwargs:  kwargs,
				TriggerTimeout: res.Defer.Timeout,
				NextMethod:     res.Defer.Method,
				NextKwargs:     res.Defer.Kwargs,
			},
		}

	case ResultSkip:
		return r.terminal(model.StateSkipped, nil)

	case ResultReschedule:
		return attempt{
			state: model.StateUpForReschedule,
			msg:   &comms.RescheduleTask{RescheduleDate: res.Reschedule.At, EndDate: r.now()},
		}

	case ResultFail:
		return r.terminal(model.StateFailed, res.Err)

	case ResultRetryable:
		return r.retryOrFail(ti, res.Err)

	case ResultOK:
		if err := r.pushXComIfNeeded(ctx, ti, res.Value); err != nil {
			r.logger.Error("push return value failed", "ti", ti.String(), "error", err)
			return r.retryOrFail(ti, err)
		}
		return r.succeed(tc)
	}
	panic(fmt.Sprintf("runtime: unhandled result kind %v", res.Kind))
}

// succeed reports SUCCESS together with the declared outlets and recorded
// outlet events.
func (r *Runner) succeed(tc *task.Context) attempt {
	return attempt{
		state: model.StateSuccess,
		msg: &comms.SucceedTask{
			EndDate:      r.now(),
			TaskOutlets:  task.Profiles(tc.Outlets),
			OutletEvents: tc.OutletEvents.Serialize(),
		},
	}
}

// terminal reports a terminal state other than SUCCESS.
func (r *Runner) terminal(state model.TaskState, err error) attempt {
	return attempt{
		state: state,
		msg:   &comms.TaskState{State: state, EndDate: r.now()},
		err:   err,
	}
}

// retryOrFail reports UP_FOR_RETRY while the run context allows another try,
// else FAILED.
func (r *Runner) retryOrFail(ti *TaskInstance, err error) attempt {
	if ti.Context.ShouldRetry {
		return attempt{
			state: model.StateUpForRetry,
			msg:   &comms.RetryTask{EndDate: r.now()},
			err:   err,
		}
	}
	return r.terminal(model.StateFailed, err)
}
