package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/dabla/taskrunner/internal/task"
)

// bestEffort runs fn, logging any error or panic. It never propagates and
// never affects the outcome of the attempt.
func (r *Runner) bestEffort(ctx context.Context, kind string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "hook panicked", "hook", kind, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		r.logger.ErrorContext(ctx, "hook failed", "hook", kind, "error", err)
	}
}

// runCallbacks invokes each state-change callback best effort.
func (r *Runner) runCallbacks(ctx context.Context, kind string, callbacks []task.Callback, tc *task.Context) {
	for i, cb := range callbacks {
		if cb == nil {
			continue
		}
		r.bestEffort(ctx, fmt.Sprintf("%s[%d]", kind, i), func() error {
			return cb(ctx, tc)
		})
	}
}
