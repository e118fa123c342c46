package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/task"
)

const defaultPokeInterval = 60 * time.Second

// triggerRun asks the supervisor to create a run of another DAG and, when
// requested, polls it until it reaches an allowed or failed state. Polling is
// bounded only by ctx.
func (r *Runner) triggerRun(ctx context.Context, ti *TaskInstance, tc *task.Context, sig *task.TriggerRunError) attempt {
	runID := sig.DagRunID
	if runID == "" {
		runID = model.NewRunID("manual", r.now())
	}

	_, err := comms.Expect[*comms.OKResponse](r.ch.Request(ctx, &comms.TriggerDagRun{
		DagID:       sig.TriggerDagID,
		RunID:       runID,
		LogicalDate: sig.LogicalDate,
		Conf:        sig.Conf,
		ResetDagRun: sig.ResetDagRun,
	}))
	var re *comms.ResponseError
	if errors.As(err, &re) && re.Type == comms.ErrDagRunAlreadyExists {
		if sig.SkipWhenAlreadyExists {
			r.logger.Info("dag run already exists, skipping", "dag_id", sig.TriggerDagID, "run_id", runID)
			return r.terminal(model.StateSkipped, nil)
		}
		return r.terminal(model.StateFailed, fmt.Errorf("dag run %s of %s already exists", runID, sig.TriggerDagID))
	}
	if err != nil {
		return r.retryOrFail(ti, fmt.Errorf("trigger dag run: %w", err))
	}
	r.logger.Info("triggered dag run", "dag_id", sig.TriggerDagID, "run_id", runID)

	if err := tc.XCom.Push(ctx, task.TriggerRunIDKey, runID); err != nil {
		return r.retryOrFail(ti, err)
	}
	if !sig.WaitForCompletion {
		return r.succeed(tc)
	}

	allowed := sig.AllowedStates
	if len(allowed) == 0 {
		allowed = []model.DagRunState{model.DagRunSuccess}
	}
	failed := sig.FailedStates
	if len(failed) == 0 {
		failed = []model.DagRunState{model.DagRunFailed}
	}
	interval := sig.PokeInterval
	if interval <= 0 {
		interval = defaultPokeInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.logger.Info("waiting for dag run", "dag_id", sig.TriggerDagID, "run_id", runID, "allowed", allowed)
		select {
		case <-ctx.Done():
			return r.retryOrFail(ti, fmt.Errorf("wait for dag run %s: %w", runID, ctx.Err()))
		case <-ticker.C:
		}

		res, err := comms.Expect[*comms.DagRunStateResult](r.ch.Request(ctx, &comms.GetDagRunState{
			DagID: sig.TriggerDagID,
			RunID: runID,
		}))
		if err != nil {
			return r.retryOrFail(ti, fmt.Errorf("get dag run state: %w", err))
		}
		switch {
		case slices.Contains(failed, res.State):
			return r.terminal(model.StateFailed, fmt.Errorf("dag run %s of %s failed with state %s", runID, sig.TriggerDagID, res.State))
		case slices.Contains(allowed, res.State):
			r.logger.Info("dag run finished", "dag_id", sig.TriggerDagID, "run_id", runID, "state", res.State)
			return r.succeed(tc)
		}
	}
}
