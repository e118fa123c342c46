// Package supervisor is the orchestrator's side of the worker protocol. It
// hands a worker its StartupDetails, answers every request from a
// store.Store, and records the one outcome the worker reports.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/store"
	"github.com/dabla/taskrunner/internal/xcom"
)

// Result summarizes one supervised attempt.
type Result struct {
	// State is the state the task instance was left in.
	State model.TaskState
	// Outcome is the outcome message the worker reported, nil if none.
	Outcome comms.Message
	// Requests counts the messages received from the worker.
	Requests int
	// ExitErr is the worker's exit error, if any.
	ExitErr error
}

// Supervisor serves worker requests from a store.
type Supervisor struct {
	store    store.Store
	logger   *slog.Logger
	now      func() time.Time
	hostname func() (string, error)
}

// New creates a supervisor over s.
func New(s store.Store, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		store:    s,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		hostname: os.Hostname,
	}
}

// Serve reads requests until EOF and writes a reply for every request that
// expects one. The outcome message moves ti to its reported state; any
// later outcome is logged and ignored. Store writes are not cancelled with
// ctx so a late outcome is still recorded.
func (s *Supervisor) Serve(ctx context.Context, ti *model.TaskInstanceRecord, requests io.Reader, replies io.Writer) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	res := &Result{State: ti.State}
	br := bufio.NewReaderSize(requests, 64*1024)
	log := s.logger.With("ti", ti.String())

	for {
		msg, err := comms.ReadMessage(br)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("read request: %w", err)
		}
		res.Requests++
		log.Debug("request received", "type", comms.TypeName(msg))

		if comms.IsOutcome(msg) {
			s.recordOutcome(ctx, ti, msg, res)
			continue
		}

		reply := s.handle(ctx, ti, msg)
		if !comms.ExpectsReply(msg) {
			if er, ok := reply.(*comms.ErrorResponse); ok {
				log.Warn("request failed", "type", comms.TypeName(msg), "error", er.Error, "detail", er.Detail)
			}
			continue
		}
		if err := comms.WriteMessage(replies, reply); err != nil {
			return res, fmt.Errorf("reply to %s: %w", comms.TypeName(msg), err)
		}
	}
}

// handle answers one non-outcome request.
func (s *Supervisor) handle(ctx context.Context, ti *model.TaskInstanceRecord, msg comms.Message) comms.Message {
	switch m := msg.(type) {
	case *comms.GetXCom:
		return s.getXCom(ctx, m)
	case *comms.SetXCom:
		key := xcom.Key{DagID: m.DagID, TaskID: m.TaskID, RunID: m.RunID, MapIndex: m.MapIndex, Name: m.Key}
		return okOrGeneric(s.store.SetXCom(ctx, key, m.Value, m.MappedLength))
	case *comms.DeleteXCom:
		key := xcom.Key{DagID: m.DagID, TaskID: m.TaskID, RunID: m.RunID, MapIndex: m.MapIndex, Name: m.Key}
		return okOrGeneric(s.store.DeleteXCom(ctx, key))
	case *comms.SetRenderedFields:
		return okOrGeneric(s.store.SetRenderedFields(ctx, ti.ID, m.RenderedFields))
	case *comms.SkipDownstreamTasks:
		return okOrGeneric(s.store.SkipTasks(ctx, ti.DagID, ti.RunID, m.Tasks))
	case *comms.GetVariable:
		v, err := s.store.GetVariable(ctx, m.Key)
		if errors.Is(err, store.ErrNotFound) {
			return errorResponse(comms.ErrVariableNotFound, map[string]any{"key": m.Key})
		}
		if err != nil {
			return genericError(err)
		}
		return &comms.VariableResult{Key: m.Key, Value: v}
	case *comms.GetConnection:
		c, err := s.store.GetConnection(ctx, m.ConnID)
		if errors.Is(err, store.ErrNotFound) {
			return errorResponse(comms.ErrConnectionNotFound, map[string]any{"conn_id": m.ConnID})
		}
		if err != nil {
			return genericError(err)
		}
		return &comms.ConnectionResult{Connection: c}
	case *comms.GetDagRunState:
		run, err := s.store.GetDagRun(ctx, m.DagID, m.RunID)
		if err != nil {
			return genericError(err)
		}
		return &comms.DagRunStateResult{State: run.State}
	case *comms.TriggerDagRun:
		return s.triggerDagRun(ctx, m)
	case *comms.GetTaskRescheduleStartDate:
		start, err := s.store.FirstRescheduleStartDate(ctx, m.TIID, m.TryNumber)
		if err != nil {
			return genericError(err)
		}
		return &comms.TaskRescheduleStartDate{StartDate: start}
	case *comms.GetPrevSuccessfulDagRun:
		return s.prevSuccessfulDagRun(ctx, m)
	default:
		return errorResponse(comms.ErrGeneric, map[string]any{"message": "unsupported request " + comms.TypeName(msg)})
	}
}

func (s *Supervisor) getXCom(ctx context.Context, m *comms.GetXCom) comms.Message {
	key := xcom.Key{DagID: m.DagID, TaskID: m.TaskID, RunID: m.RunID, MapIndex: m.MapIndex, Name: m.Key}
	var (
		v   any
		err error
	)
	if pr, ok := s.store.(xcom.PriorReader); ok && m.IncludePriorDates {
		v, err = pr.GetXComPrior(ctx, key)
	} else {
		v, err = s.store.GetXCom(ctx, key)
	}
	if errors.Is(err, xcom.ErrNotFound) {
		return &comms.XComResult{Key: m.Key}
	}
	if err != nil {
		return genericError(err)
	}
	return &comms.XComResult{Key: m.Key, Value: v}
}

func (s *Supervisor) triggerDagRun(ctx context.Context, m *comms.TriggerDagRun) comms.Message {
	now := s.now()
	run := &model.DagRun{
		DagID:       m.DagID,
		RunID:       m.RunID,
		LogicalDate: m.LogicalDate,
		RunAfter:    now,
		StartDate:   now,
		RunType:     "manual",
		State:       model.DagRunQueued,
		Conf:        m.Conf,
	}
	if m.LogicalDate != nil {
		run.DataIntervalStart = m.LogicalDate
		run.DataIntervalEnd = m.LogicalDate
	}

	err := s.store.CreateDagRun(ctx, run)
	switch {
	case err == nil:
		s.logger.Info("dag run triggered", "dag_id", m.DagID, "run_id", m.RunID)
		return &comms.OKResponse{OK: true}
	case errors.Is(err, store.ErrAlreadyExists) && m.ResetDagRun:
		if err := s.store.UpdateDagRunState(ctx, m.DagID, m.RunID, model.DagRunQueued); err != nil {
			return genericError(err)
		}
		s.logger.Info("dag run reset", "dag_id", m.DagID, "run_id", m.RunID)
		return &comms.OKResponse{OK: true}
	case errors.Is(err, store.ErrAlreadyExists):
		return errorResponse(comms.ErrDagRunAlreadyExists, map[string]any{"dag_id": m.DagID, "run_id": m.RunID})
	default:
		return genericError(err)
	}
}

func (s *Supervisor) prevSuccessfulDagRun(ctx context.Context, m *comms.GetPrevSuccessfulDagRun) comms.Message {
	ti, err := s.store.GetTaskInstance(ctx, m.TIID)
	if err != nil {
		return genericError(err)
	}
	run, err := s.store.GetDagRun(ctx, ti.DagID, ti.RunID)
	if err != nil {
		return genericError(err)
	}
	before := run.RunAfter
	if run.LogicalDate != nil {
		before = *run.LogicalDate
	}

	prev, err := s.store.PrevSuccessfulDagRun(ctx, ti.DagID, before)
	if errors.Is(err, store.ErrNotFound) {
		return &comms.PrevSuccessfulDagRunResult{}
	}
	if err != nil {
		return genericError(err)
	}
	start := prev.StartDate
	return &comms.PrevSuccessfulDagRunResult{
		DataIntervalStart: prev.DataIntervalStart,
		DataIntervalEnd:   prev.DataIntervalEnd,
		StartDate:         &start,
		EndDate:           prev.EndDate,
	}
}

// recordOutcome applies the first outcome message to ti and persists it.
func (s *Supervisor) recordOutcome(ctx context.Context, ti *model.TaskInstanceRecord, msg comms.Message, res *Result) {
	log := s.logger.With("ti", ti.String(), "type", comms.TypeName(msg))
	if res.Outcome != nil {
		log.Warn("ignoring second outcome", "first", comms.TypeName(res.Outcome))
		return
	}
	res.Outcome = msg

	next := *ti
	switch m := msg.(type) {
	case *comms.SucceedTask:
		next.State = model.StateSuccess
		next.EndDate = &m.EndDate
	case *comms.TaskState:
		next.State = m.State
		next.EndDate = &m.EndDate
	case *comms.RetryTask:
		next.State = model.StateUpForRetry
		next.EndDate = &m.EndDate
	case *comms.RescheduleTask:
		next.State = model.StateUpForReschedule
		next.EndDate = &m.EndDate
		next.RescheduleDate = &m.RescheduleDate
		start := s.now()
		if ti.StartDate != nil {
			start = *ti.StartDate
		}
		if err := s.store.AddReschedule(ctx, ti.ID, ti.TryNumber, start, m.RescheduleDate); err != nil {
			log.Error("failed to record reschedule", "error", err)
		}
	case *comms.DeferTask:
		next.State = model.StateDeferred
		next.NextMethod = m.NextMethod
		next.NextKwargs = m.NextKwargs
		next.Trigger = &model.TriggerSpec{
			Classpath: m.Classpath,
			Kwargs:    m.TriggerKwargs,
			Timeout:   m.TriggerTimeout,
		}
	}

	if !model.ValidTransition(ti.State, next.State) {
		log.Error("rejecting outcome", "error", fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, ti.State, next.State))
		return
	}
	if err := s.store.UpdateTaskInstance(ctx, &next); err != nil {
		log.Error("failed to record outcome", "error", err)
		return
	}
	*ti = next
	res.State = next.State
	log.Info("outcome recorded", "state", next.State)
}

// fail moves ti to FAILED with reason. It is used when the worker exited
// without reporting an outcome.
func (s *Supervisor) fail(ctx context.Context, ti *model.TaskInstanceRecord, reason string) error {
	if !model.ValidTransition(ti.State, model.StateFailed) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, ti.State, model.StateFailed)
	}
	now := s.now()
	next := *ti
	next.State = model.StateFailed
	next.Error = reason
	next.EndDate = &now
	if err := s.store.UpdateTaskInstance(context.WithoutCancel(ctx), &next); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	*ti = next
	return nil
}

func okOrGeneric(err error) comms.Message {
	if err != nil {
		return genericError(err)
	}
	return &comms.OKResponse{OK: true}
}

func genericError(err error) *comms.ErrorResponse {
	return errorResponse(comms.ErrGeneric, map[string]any{"message": err.Error()})
}

func errorResponse(typ comms.ErrorType, detail map[string]any) *comms.ErrorResponse {
	return &comms.ErrorResponse{Error: typ, Detail: detail}
}
