package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dabla/taskrunner/internal/backend"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/store"
	"github.com/dabla/taskrunner/internal/supervisor"
	"github.com/dabla/taskrunner/internal/task"
)

// DefaultRetryDelay is the wait before a failed try is attempted again.
const DefaultRetryDelay = 5 * time.Minute

// Trigger resume values understood by the worker runtime.
const (
	failMethod           = "__fail__"
	triggerTimeoutReason = "Trigger timeout"
)

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	// Backend names the registered backend that launches workers.
	Backend string
	// RetryDelay is the wait before an UP_FOR_RETRY instance is requeued.
	RetryDelay time.Duration
	// MaxConcurrency bounds concurrently running attempts; 0 is unbounded.
	MaxConcurrency int
}

// Engine orchestrates asynchronous task instance execution.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	sup      *supervisor.Supervisor
	logger   *slog.Logger
	cfg      Config
	wg       sync.WaitGroup
	broker   *LogBroker
	slots    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, reg *backend.Registry, logger *slog.Logger, cfg Config) *Engine {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    s,
		registry: reg,
		sup:      supervisor.New(s, logger),
		logger:   logger,
		cfg:      cfg,
		broker:   NewLogBroker(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.MaxConcurrency > 0 {
		e.slots = make(chan struct{}, cfg.MaxConcurrency)
	}
	return e
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Submit stores ti as queued and launches its execution in a goroutine. The
// dag run ti belongs to must exist. The goroutine operates on a copy of ti.
func (e *Engine) Submit(ctx context.Context, ti *model.TaskInstanceRecord) error {
	if _, err := e.store.GetDagRun(ctx, ti.DagID, ti.RunID); err != nil {
		return fmt.Errorf("submit %s: %w", ti, err)
	}
	if err := e.store.CreateTaskInstance(ctx, ti); err != nil {
		return fmt.Errorf("create task instance: %w", err)
	}

	tiCopy := *ti
	e.wg.Go(func() {
		e.execute(&tiCopy)
	})
	return nil
}

// Wait blocks until all in-flight task instances settle.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown interrupts running workers and abandons pending retries,
// reschedules, and deferrals, then waits for every goroutine to return.
// Abandoned instances stay in their intermediate state.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// execute drives ti until it is terminal or the engine shuts down.
func (e *Engine) execute(ti *model.TaskInstanceRecord) {
	defer e.broker.Close(ti.ID)
	log := e.logger.With("ti_id", ti.ID)

	b, err := e.registry.Resolve(e.cfg.Backend)
	if err != nil {
		e.finishFailed(ti, fmt.Sprintf("resolve backend: %v", err))
		return
	}

	// Log lines are dual-written: persisted for history, then published for
	// live subscribers. The sequence continues across attempts.
	var seq atomic.Int32
	logs := func(line string) {
		n := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(context.Background(), ti.ID, n, line); err != nil {
			log.Error("failed to persist log line", "seq", n, "error", err)
		}
		e.broker.Publish(ti.ID, model.LogLine{Seq: n, Line: line, Time: time.Now().UTC()})
	}

	for {
		res, err := e.attempt(ti, b, logs)
		if err != nil {
			log.Error("attempt failed", "ti", ti.String(), "error", err)
			return
		}
		if !res.State.IsIntermediate() {
			log.Info("task instance finished", "ti", ti.String(), "state", res.State)
			return
		}

		if err := e.awaitNext(ti); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("cannot continue task instance", "ti", ti.String(), "error", err)
			}
			return
		}
	}
}

// attempt runs one supervised attempt, holding a concurrency slot for it.
func (e *Engine) attempt(ti *model.TaskInstanceRecord, b backend.Backend, logs func(string)) (*supervisor.Result, error) {
	if e.slots != nil {
		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-e.ctx.Done():
			return nil, e.ctx.Err()
		}
	}
	return e.sup.Run(e.ctx, ti, b, logs)
}

// awaitNext waits for whatever an intermediate state is waiting on, then
// requeues ti for its next attempt.
func (e *Engine) awaitNext(ti *model.TaskInstanceRecord) error {
	now := time.Now().UTC()
	next := *ti
	next.State = model.StateQueued
	next.EndDate = nil
	next.RescheduleDate = nil
	next.Trigger = nil

	var at time.Time
	switch ti.State {
	case model.StateUpForRetry:
		at = now.Add(e.cfg.RetryDelay)
		next.TryNumber++
		next.NextMethod = ""
		next.NextKwargs = nil
	case model.StateUpForReschedule:
		at = now
		if ti.RescheduleDate != nil {
			at = *ti.RescheduleDate
		}
	case model.StateDeferred:
		fire, err := e.resolveTrigger(ti, now)
		if err != nil {
			e.finishFailed(ti, err.Error())
			return err
		}
		at = fire.at
		next.NextKwargs = fire.kwargs
		next.NextMethod = fire.method
	default:
		return fmt.Errorf("%s is not waiting: state %s", ti, ti.State)
	}

	if err := e.sleepUntil(at); err != nil {
		return err
	}

	if err := e.store.UpdateTaskInstanceState(e.ctx, ti.ID, model.StateQueued); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if err := e.store.UpdateTaskInstance(e.ctx, &next); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	*ti = next
	return nil
}

// firing is when and how a deferred instance resumes.
type firing struct {
	at     time.Time
	method string
	kwargs map[string]any
}

// resolveTrigger evaluates the trigger of a deferred instance. Only the
// date-time trigger is supported. When the trigger timeout elapses first
// the worker resumes into the failure path.
func (e *Engine) resolveTrigger(ti *model.TaskInstanceRecord, now time.Time) (firing, error) {
	if ti.Trigger == nil {
		return firing{}, fmt.Errorf("deferred without a trigger")
	}
	if ti.Trigger.Classpath != task.DateTimeTriggerClasspath {
		return firing{}, fmt.Errorf("unsupported trigger %q", ti.Trigger.Classpath)
	}
	dt, err := task.ParseDateTimeTrigger(ti.Trigger.Kwargs)
	if err != nil {
		return firing{}, err
	}

	deferredAt := now
	if ti.EndDate != nil {
		deferredAt = *ti.EndDate
	}
	if ti.Trigger.Timeout > 0 {
		deadline := deferredAt.Add(ti.Trigger.Timeout)
		if deadline.Before(dt.Moment) {
			return firing{
				at:     deadline,
				method: failMethod,
				kwargs: map[string]any{"error": triggerTimeoutReason},
			}, nil
		}
	}

	kwargs := make(map[string]any, len(ti.NextKwargs)+1)
	for k, v := range ti.NextKwargs {
		kwargs[k] = v
	}
	kwargs["event"] = dt.Moment.UTC().Format(time.RFC3339Nano)
	return firing{at: dt.Moment, method: ti.NextMethod, kwargs: kwargs}, nil
}

// sleepUntil blocks until at or until the engine shuts down.
func (e *Engine) sleepUntil(at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return e.ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// finishFailed marks a task instance as failed with the given error message.
func (e *Engine) finishFailed(ti *model.TaskInstanceRecord, errMsg string) {
	now := time.Now().UTC()
	failed := *ti
	failed.State = model.StateFailed
	failed.Error = errMsg
	failed.EndDate = &now
	if err := e.store.UpdateTaskInstance(context.Background(), &failed); err != nil {
		e.logger.Error("failed to update failed task instance", "ti_id", ti.ID, "error", err)
		return
	}
	*ti = failed
}
