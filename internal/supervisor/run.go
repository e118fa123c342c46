package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dabla/taskrunner/internal/backend"
	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/model"
)

// RunContext computes the facts a worker needs for ti's next attempt.
func (s *Supervisor) RunContext(ctx context.Context, ti *model.TaskInstanceRecord) (model.RunContext, error) {
	run, err := s.store.GetDagRun(ctx, ti.DagID, ti.RunID)
	if err != nil {
		return model.RunContext{}, fmt.Errorf("load dag run: %w", err)
	}
	count, err := s.store.RescheduleCount(ctx, ti.ID)
	if err != nil {
		return model.RunContext{}, err
	}

	rc := model.RunContext{
		DagRun:              *run,
		MaxTries:            ti.MaxTries,
		ShouldRetry:         ti.TryNumber <= ti.MaxTries,
		TaskRescheduleCount: count,
		NextMethod:          ti.NextMethod,
		NextKwargs:          ti.NextKwargs,
	}

	// A resumed attempt keeps what it pushed before deferring.
	if ti.NextMethod == "" {
		keys, err := s.store.XComKeys(ctx, ti.DagID, ti.TaskID, ti.RunID, ti.MapIndex)
		if err != nil {
			return model.RunContext{}, err
		}
		rc.XComKeysToClear = keys
	}
	return rc, nil
}

// Run moves ti to running, launches a worker with b, and supervises it until
// it exits. A worker that exits without an outcome leaves ti FAILED.
func (s *Supervisor) Run(ctx context.Context, ti *model.TaskInstanceRecord, b backend.Backend, logs func(string)) (*Result, error) {
	if err := s.store.UpdateTaskInstanceState(ctx, ti.ID, model.StateRunning); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	current, err := s.store.GetTaskInstance(ctx, ti.ID)
	if err != nil {
		return nil, err
	}
	*ti = *current
	// Workers run on this host for every built-in backend.
	if host, err := s.hostname(); err == nil {
		ti.Hostname = host
	}

	rc, err := s.RunContext(ctx, ti)
	if err != nil {
		return s.abort(ctx, ti, fmt.Errorf("build run context: %w", err))
	}

	w, err := b.Launch(ctx, backend.LaunchSpec{TI: ti.TaskInstance, LogWriter: logs})
	if err != nil {
		return s.abort(ctx, ti, err)
	}

	start := s.now()
	if ti.StartDate != nil {
		start = *ti.StartDate
	}
	sd := &comms.StartupDetails{
		TI:           ti.TaskInstance,
		DagRelPath:   ti.DagRelPath,
		BundleInfo:   ti.Bundle,
		RequestsFD:   w.Descriptor.FD,
		RequestsAddr: w.Descriptor.Addr,
		StartDate:    start,
		TIContext:    rc,
	}

	var res *Result
	var serveErr error
	if err := comms.WriteMessage(w.Stdin, sd); err != nil {
		res, serveErr = &Result{State: ti.State}, fmt.Errorf("send startup details: %w", err)
	} else {
		res, serveErr = s.Serve(ctx, ti, w.Requests, w.Stdin)
	}
	w.Stdin.Close()
	w.Requests.Close()
	res.ExitErr = w.Wait()

	if ti.State == model.StateRunning {
		reason := "worker exited without reporting an outcome"
		if res.Outcome != nil {
			reason = "worker reported a rejected outcome " + comms.TypeName(res.Outcome)
		}
		if cause := errors.Join(serveErr, res.ExitErr); cause != nil {
			reason = fmt.Sprintf("%s: %v", reason, cause)
		}
		s.logger.Error("attempt failed", "ti", ti.String(), "reason", reason)
		if err := s.fail(ctx, ti, reason); err != nil {
			return res, err
		}
		res.State = ti.State
	}
	return res, serveErr
}

// abort fails ti before a worker could be started.
func (s *Supervisor) abort(ctx context.Context, ti *model.TaskInstanceRecord, cause error) (*Result, error) {
	if err := s.fail(ctx, ti, cause.Error()); err != nil {
		return nil, errors.Join(cause, err)
	}
	return &Result{State: ti.State}, cause
}
