package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/task"
)

// ResolutionError is returned when the task logic named by StartupDetails
// cannot be located or loaded. No outcome can be reported for it.
type ResolutionError struct {
	Bundle model.BundleInfo
	Path   string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s@%s:%s: %v", e.Bundle.Name, e.Bundle.Version, e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// TaskInstance is the in-memory task instance bound to its resolved operator
// and the run context the supervisor computed.
type TaskInstance struct {
	model.TaskInstance

	Task       task.Operator
	Bundle     model.BundleInfo
	DagRelPath string
	Context    model.RunContext
	MaxTries   int
	StartDate  time.Time
	Hostname   string

	State   model.TaskState
	EndDate time.Time

	unlock func() error
}

func (ti *TaskInstance) release(logger *slog.Logger) {
	if ti.unlock == nil {
		return
	}
	if err := ti.unlock(); err != nil {
		logger.Warn("failed to release bundle lock", "bundle", ti.Bundle.Name, "error", err)
	}
}

// startup receives StartupDetails, resolves the task, and builds the context.
func (r *Runner) startup(ctx context.Context) (*TaskInstance, *task.Context, error) {
	msg, err := r.ch.Receive()
	if err != nil {
		return nil, nil, fmt.Errorf("receive startup details: %w", err)
	}
	sd, ok := msg.(*comms.StartupDetails)
	if !ok {
		return nil, nil, fmt.Errorf("%w: first message is %s, want StartupDetails", comms.ErrProtocol, comms.TypeName(msg))
	}

	r.bestEffort(ctx, "listener on_starting", func() error {
		return r.listeners.OnStarting(ctx)
	})

	ti, err := r.parse(sd)
	if err != nil {
		return nil, nil, err
	}
	r.logger.Info("task instance resolved", "ti", ti.String(), "bundle", ti.Bundle.Name, "path", ti.DagRelPath)
	return ti, r.buildContext(ti), nil
}

// parse resolves the bundle, DAG file, and operator of sd.
func (r *Runner) parse(sd *comms.StartupDetails) (*TaskInstance, error) {
	resolveErr := func(err error) error {
		return &ResolutionError{Bundle: sd.BundleInfo, Path: sd.DagRelPath, Err: err}
	}

	b, err := r.bundles.Get(sd.BundleInfo.Name, sd.BundleInfo.Version)
	if err != nil {
		return nil, resolveErr(err)
	}
	unlock, err := b.Lock()
	if err != nil {
		return nil, resolveErr(err)
	}
	bag, err := b.Parse(sd.DagRelPath)
	if err != nil {
		unlock()
		return nil, resolveErr(err)
	}
	op, err := bag.Task(sd.TI.DagID, sd.TI.TaskID)
	if err != nil {
		unlock()
		return nil, resolveErr(err)
	}

	maxTries := sd.TIContext.MaxTries
	if maxTries == 0 {
		maxTries = op.Base().Retries
	}
	startDate := sd.StartDate
	if startDate.IsZero() {
		startDate = r.now()
	}
	return &TaskInstance{
		TaskInstance: sd.TI,
		Task:         op,
		Bundle:       b.Info(),
		DagRelPath:   sd.DagRelPath,
		Context:      sd.TIContext,
		MaxTries:     maxTries,
		StartDate:    startDate,
		State:        model.StateRunning,
		unlock:       unlock,
	}, nil
}
