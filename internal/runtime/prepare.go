package runtime

import (
	"context"
	"fmt"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/listener"
	"github.com/dabla/taskrunner/internal/render"
	"github.com/dabla/taskrunner/internal/task"
)

// prepare finalizes the operator for execution and renders its templates.
// Any error here fails the attempt without running the body.
func (r *Runner) prepare(ctx context.Context, ti *TaskInstance, tc *task.Context) error {
	host, err := r.hostname()
	if err != nil {
		return fmt.Errorf("hostname: %w", err)
	}
	ti.Hostname = host

	op := ti.Task
	if m, ok := op.(*task.Mapped); ok {
		if op, err = m.Unmap(ctx, tc); err != nil {
			return err
		}
	}
	if p, ok := op.(task.Preparer); ok {
		op = p.PrepareForExecution()
	}
	ti.Task = op
	tc.Task = op
	b := op.Base()
	tc.Inlets = b.Inlets
	tc.Outlets = b.Outlets

	rendered, err := render.Fields(b.Templates, tc.Values())
	if err != nil {
		return fmt.Errorf("render templates of %s: %w", b.TaskID, err)
	}
	b.Rendered = rendered
	if len(rendered) > 0 {
		if err := r.ch.Send(&comms.SetRenderedFields{RenderedFields: render.Serializable(rendered)}); err != nil {
			return fmt.Errorf("send rendered fields: %w", err)
		}
	}

	r.bestEffort(ctx, "listener on_task_instance_running", func() error {
		return r.listeners.OnTaskInstanceRunning(ctx, listener.Event{
			TI:       ti.TaskInstance,
			State:    ti.State,
			Hostname: ti.Hostname,
			Time:     r.now(),
		})
	})
	return nil
}
