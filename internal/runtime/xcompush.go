package runtime

import (
	"context"
	"fmt"

	"github.com/dabla/taskrunner/internal/xcom"
)

// pushXComIfNeeded stores the return value of a successful body. A task
// with mapped dependants must return a mappable value; with multiple outputs
// the value must be a string-keyed map, checked before anything is pushed.
func (r *Runner) pushXComIfNeeded(ctx context.Context, ti *TaskInstance, value any) error {
	b := ti.Task.Base()
	if !b.DoXComPush() {
		value = nil
	}

	var mappedLength *int
	if d := b.DAG(); d != nil && d.HasMappedDependants(b.TaskID) {
		n, err := xcom.MappedLength(value)
		if err != nil {
			return fmt.Errorf("task %s: %w", b.TaskID, err)
		}
		mappedLength = &n
	} else if xcom.IsNil(value) {
		return nil
	}

	if b.MultipleOutputs {
		outputs, err := xcom.StringKeyed(value)
		if err != nil {
			return err
		}
		for k, v := range outputs {
			if err := r.xcom.Push(ctx, ti.TaskInstance, k, v); err != nil {
				return err
			}
		}
	}

	if mappedLength != nil {
		return r.xcom.PushMapped(ctx, ti.TaskInstance, xcom.ReturnValueKey, value, *mappedLength)
	}
	return r.xcom.Push(ctx, ti.TaskInstance, xcom.ReturnValueKey, value)
}
