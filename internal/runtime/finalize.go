package runtime

import (
	"context"
	"fmt"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/listener"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/render"
	"github.com/dabla/taskrunner/internal/task"
)

// finalize runs the side effects that follow the outcome. Everything here is
// best effort: the outcome has already been reported.
func (r *Runner) finalize(ctx context.Context, ti *TaskInstance, tc *task.Context, a attempt) {
	b := ti.Task.Base()

	for _, link := range b.ExtraLinks {
		r.bestEffort(ctx, "extra link "+link.Name, func() error {
			url, err := link.Link(ctx, tc)
			if err != nil || url == "" {
				return err
			}
			return r.direct.Push(ctx, ti.TaskInstance, link.XComKey(), url)
		})
	}

	if b.OverwriteRenderedAfterExecution && len(b.Rendered) > 0 {
		r.bestEffort(ctx, "rendered fields after execution", func() error {
			return r.ch.Send(&comms.SetRenderedFields{RenderedFields: render.Serializable(b.Rendered)})
		})
	}

	tc.Err = a.err
	ev := listener.Event{
		TI:       ti.TaskInstance,
		State:    a.state,
		Hostname: ti.Hostname,
		Error:    errorText(a.err),
		Time:     ti.EndDate,
		Duration: ti.EndDate.Sub(ti.StartDate),
	}

	switch a.state {
	case model.StateSuccess:
		r.runCallbacks(ctx, "on_success_callback", b.OnSuccess, tc)
		r.bestEffort(ctx, "listener on_task_instance_success", func() error {
			return r.listeners.OnTaskInstanceSuccess(ctx, ev)
		})
	case model.StateSkipped:
		r.runCallbacks(ctx, "on_skipped_callback", b.OnSkipped, tc)
	case model.StateUpForRetry:
		r.runCallbacks(ctx, "on_retry_callback", b.OnRetry, tc)
		r.bestEffort(ctx, "listener on_task_instance_failed", func() error {
			return r.listeners.OnTaskInstanceFailed(ctx, ev)
		})
		if b.EmailOnRetry && len(b.Email) > 0 {
			r.sendAlert(ctx, ti, a.err)
		}
	case model.StateFailed:
		r.runCallbacks(ctx, "on_failure_callback", b.OnFailure, tc)
		r.bestEffort(ctx, "listener on_task_instance_failed", func() error {
			return r.listeners.OnTaskInstanceFailed(ctx, ev)
		})
		if b.EmailOnFailure && len(b.Email) > 0 {
			r.sendAlert(ctx, ti, a.err)
		}
	}

	r.bestEffort(ctx, "listener before_stopping", func() error {
		return r.listeners.BeforeStopping(ctx)
	})
}

// sendAlert mails the task's recipients about a retry or failure. If the
// full message cannot be sent, a short error-only message is tried.
func (r *Runner) sendAlert(ctx context.Context, ti *TaskInstance, cause error) {
	recipients := ti.Task.Base().Email
	subject := fmt.Sprintf("Task alert: %s", ti.String())
	header := fmt.Sprintf("Try %d out of %d\n", ti.TryNumber, ti.MaxTries+1)

	body := header +
		fmt.Sprintf("Exception:\n%s\n", errorText(cause)) +
		fmt.Sprintf("Host: %s\n", ti.Hostname) +
		fmt.Sprintf("Bundle: %s %s\n", ti.Bundle.Name, ti.Bundle.Version)
	err := r.mailer.Send(ctx, recipients, subject, body)
	if err == nil {
		return
	}
	r.logger.Error("failed to send alert email", "to", recipients, "error", err)

	errorOnly := header + "Exception:\nFailed attempt to attach error details\n"
	r.bestEffort(ctx, "error-only alert email", func() error {
		return r.mailer.Send(ctx, recipients, subject, errorOnly)
	})
}
