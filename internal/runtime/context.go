package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/task"
	"github.com/dabla/taskrunner/internal/xcom"
)

// buildContext assembles the execution context for ti. Previous-run lookups
// stay lazy: they cost a round trip and most tasks never read them.
func (r *Runner) buildContext(ti *TaskInstance) *task.Context {
	run := ti.Context.DagRun
	tc := task.NewContext(ti.Task, ti.TaskInstance, run, run.Conf)
	tc.MaxTries = ti.MaxTries
	tc.TaskRescheduleCount = ti.Context.TaskRescheduleCount
	tc.Var = channelVariables{ch: r.ch}
	tc.Conn = channelConnections{ch: r.ch}
	tc.XCom = boundXComs{client: r.xcom, ti: ti.TaskInstance}
	tc.Lookups = &channelLookups{ch: r.ch, ti: ti}
	tc.Log = r.taskLogger.WithFields(logrus.Fields{
		"dag_id":     ti.DagID,
		"task_id":    ti.TaskID,
		"run_id":     ti.RunID,
		"map_index":  ti.MapIndex,
		"try_number": ti.TryNumber,
	})
	return tc
}

type boundXComs struct {
	client *xcom.Client
	ti     model.TaskInstance
}

func (b boundXComs) Pull(ctx context.Context, opts ...xcom.PullOption) (any, error) {
	return b.client.Pull(ctx, b.ti, opts...)
}

func (b boundXComs) Push(ctx context.Context, key string, value any) error {
	return b.client.Push(ctx, b.ti, key, value)
}

type channelVariables struct {
	ch *comms.Channel
}

func (v channelVariables) Get(ctx context.Context, key string) (string, error) {
	res, err := comms.Expect[*comms.VariableResult](v.ch.Request(ctx, &comms.GetVariable{Key: key}))
	var re *comms.ResponseError
	if errors.As(err, &re) && re.Type == comms.ErrVariableNotFound {
		return "", fmt.Errorf("%w: %s", task.ErrVariableNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("get variable %s: %w", key, err)
	}
	return res.Value, nil
}

type channelConnections struct {
	ch *comms.Channel
}

func (c channelConnections) Get(ctx context.Context, connID string) (model.Connection, error) {
	res, err := comms.Expect[*comms.ConnectionResult](c.ch.Request(ctx, &comms.GetConnection{ConnID: connID}))
	var re *comms.ResponseError
	if errors.As(err, &re) && re.Type == comms.ErrConnectionNotFound {
		return model.Connection{}, fmt.Errorf("%w: %s", task.ErrConnectionNotFound, connID)
	}
	if err != nil {
		return model.Connection{}, fmt.Errorf("get connection %s: %w", connID, err)
	}
	return res.Connection, nil
}

type channelLookups struct {
	ch *comms.Channel
	ti *TaskInstance
}

func (l *channelLookups) PrevSuccessfulDagRun(ctx context.Context) (*task.PrevSuccess, error) {
	res, err := comms.Expect[*comms.PrevSuccessfulDagRunResult](l.ch.Request(ctx, &comms.GetPrevSuccessfulDagRun{TIID: l.ti.ID}))
	if err != nil {
		return nil, fmt.Errorf("get previous successful dag run: %w", err)
	}
	return &task.PrevSuccess{
		DataIntervalStart: res.DataIntervalStart,
		DataIntervalEnd:   res.DataIntervalEnd,
		StartDate:         res.StartDate,
		EndDate:           res.EndDate,
	}, nil
}

// FirstRescheduleDate asks for the start of the first reschedule of the
// current try. The first try number of the current retry cycle is derived
// from max tries and the configured retries.
func (l *channelLookups) FirstRescheduleDate(ctx context.Context) (*time.Time, error) {
	tryNumber := l.ti.MaxTries - l.ti.Task.Base().Retries + 1
	if tryNumber < 1 {
		tryNumber = 1
	}
	res, err := comms.Expect[*comms.TaskRescheduleStartDate](l.ch.Request(ctx, &comms.GetTaskRescheduleStartDate{
		TIID:      l.ti.ID,
		TryNumber: tryNumber,
	}))
	if err != nil {
		return nil, fmt.Errorf("get first reschedule date: %w", err)
	}
	return res.StartDate, nil
}
