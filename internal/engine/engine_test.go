package engine_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dabla/taskrunner/internal/backend"
	"github.com/dabla/taskrunner/internal/bundle"
	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/engine"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/runtime"
	"github.com/dabla/taskrunner/internal/store"
	"github.com/dabla/taskrunner/internal/task"
)

const (
	testDagID = "etl"
	testRunID = "manual__1"
)

// scriptedBackend starts fake workers that answer StartupDetails with
// whatever script returns for that attempt.
type scriptedBackend struct {
	mu       sync.Mutex
	startups []*comms.StartupDetails
	script   func(sd *comms.StartupDetails) []comms.Message
	delay    time.Duration

	running    atomic.Int32
	maxRunning atomic.Int32
}

func (b *scriptedBackend) Launch(ctx context.Context, _ backend.LaunchSpec) (*backend.Worker, error) {
	stdinR, stdinW := io.Pipe()
	reqR, reqW := io.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer reqW.Close()
		defer stdinR.Close()

		n := b.running.Add(1)
		defer b.running.Add(-1)
		for {
			m := b.maxRunning.Load()
			if n <= m || b.maxRunning.CompareAndSwap(m, n) {
				break
			}
		}

		msg, err := comms.ReadMessage(bufio.NewReader(stdinR))
		if err != nil {
			return
		}
		sd := msg.(*comms.StartupDetails)
		b.mu.Lock()
		b.startups = append(b.startups, sd)
		b.mu.Unlock()

		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return
		}
		for _, out := range b.script(sd) {
			if err := comms.WriteMessage(reqW, out); err != nil {
				return
			}
		}
	}()

	return &backend.Worker{
		Stdin:      stdinW,
		Requests:   reqR,
		Descriptor: comms.Descriptor{FD: 3},
		Wait:       func() error { <-done; return nil },
	}, nil
}

func (b *scriptedBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "scripted"}
}

func (b *scriptedBackend) seen() []*comms.StartupDetails {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*comms.StartupDetails(nil), b.startups...)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	now := time.Now().UTC()
	if err := s.CreateDagRun(context.Background(), &model.DagRun{
		DagID: testDagID, RunID: testRunID, LogicalDate: &now,
		RunAfter: now, StartDate: now, RunType: "manual", State: model.DagRunRunning,
	}); err != nil {
		t.Fatalf("CreateDagRun: %v", err)
	}
	return s
}

func newTestEngine(t *testing.T, b backend.Backend, cfg engine.Config) (*engine.Engine, store.Store) {
	t.Helper()
	s := newTestStore(t)

	reg := backend.NewRegistry()
	reg.Register("test", b)
	cfg.Backend = "test"

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, reg, logger, cfg)
	t.Cleanup(eng.Shutdown)
	return eng, s
}

func makeTaskInstance(taskID string, maxTries int) *model.TaskInstanceRecord {
	return &model.TaskInstanceRecord{
		TaskInstance: model.TaskInstance{
			ID:        model.NewTaskInstanceID(),
			DagID:     testDagID,
			TaskID:    taskID,
			RunID:     testRunID,
			MapIndex:  model.Unmapped,
			TryNumber: 1,
		},
		Bundle:     model.BundleInfo{Name: "test", Version: "1"},
		DagRelPath: "dags/etl.go",
		State:      model.StateQueued,
		MaxTries:   maxTries,
		QueuedAt:   time.Now().UTC(),
	}
}

// waitForState polls the store until the task instance reaches the expected state.
func waitForState(t *testing.T, s store.Store, ti *model.TaskInstanceRecord, expected model.TaskState, timeout time.Duration) *model.TaskInstanceRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		got, err := s.GetTaskInstance(context.Background(), ti.ID)
		if err != nil {
			t.Fatalf("GetTaskInstance: %v", err)
		}
		if got.State == expected {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task instance %s did not reach state %q within %v", ti.ID, expected, timeout)
	return nil
}

func succeed(*comms.StartupDetails) []comms.Message {
	return []comms.Message{&comms.SucceedTask{EndDate: time.Now().UTC()}}
}

func TestSubmitHappyPath(t *testing.T) {
	b := &scriptedBackend{delay: 20 * time.Millisecond, script: succeed}
	eng, s := newTestEngine(t, b, engine.Config{})

	ti := makeTaskInstance("extract", 0)
	if err := eng.Submit(context.Background(), ti); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForState(t, s, ti, model.StateSuccess, 5*time.Second)
	if got.StartDate == nil || got.EndDate == nil {
		t.Errorf("dates not recorded: start=%v end=%v", got.StartDate, got.EndDate)
	}
	eng.Wait()

	seen := b.seen()
	if len(seen) != 1 {
		t.Fatalf("attempts = %d, want 1", len(seen))
	}
	if seen[0].TI.ID != ti.ID || seen[0].TIContext.DagRun.RunID != testRunID {
		t.Errorf("startup details = %+v", seen[0])
	}
}

func TestSubmitWithoutDagRun(t *testing.T) {
	eng, _ := newTestEngine(t, &scriptedBackend{script: succeed}, engine.Config{})

	ti := makeTaskInstance("extract", 0)
	ti.RunID = "missing"
	if err := eng.Submit(context.Background(), ti); err == nil {
		t.Fatal("expected error for a task instance without dag run")
	}
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	b := &scriptedBackend{script: func(sd *comms.StartupDetails) []comms.Message {
		if sd.TI.TryNumber == 1 {
			return []comms.Message{&comms.RetryTask{EndDate: time.Now().UTC()}}
		}
		return succeed(sd)
	}}
	eng, s := newTestEngine(t, b, engine.Config{RetryDelay: 10 * time.Millisecond})

	ti := makeTaskInstance("flaky", 1)
	if err := eng.Submit(context.Background(), ti); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	eng.Wait()
	got := waitForState(t, s, ti, model.StateSuccess, time.Second)
	if got.TryNumber != 2 {
		t.Errorf("try_number = %d, want 2", got.TryNumber)
	}
	seen := b.seen()
	if len(seen) != 2 || !seen[0].TIContext.ShouldRetry || seen[1].TIContext.ShouldRetry {
		t.Errorf("should_retry across tries wrong: %d attempts", len(seen))
	}
}

func TestSubmitReschedules(t *testing.T) {
	b := &scriptedBackend{script: func(sd *comms.StartupDetails) []comms.Message {
		if sd.TIContext.TaskRescheduleCount == 0 {
			now := time.Now().UTC()
			return []comms.Message{&comms.RescheduleTask{RescheduleDate: now.Add(20 * time.Millisecond), EndDate: now}}
		}
		return succeed(sd)
	}}
	eng, s := newTestEngine(t, b, engine.Config{})

	ti := makeTaskInstance("sensor", 0)
	if err := eng.Submit(context.Background(), ti); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	eng.Wait()
	got := waitForState(t, s, ti, model.StateSuccess, time.Second)
	if got.TryNumber != 1 {
		t.Errorf("try_number = %d, a reschedule must not consume a try", got.TryNumber)
	}
	if n := len(b.seen()); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func deferTo(moment time.Time, timeout time.Duration) comms.Message {
	classpath, kwargs := task.DateTimeTrigger{Moment: moment}.Serialize()
	return &comms.DeferTask{
		Classpath:      classpath,
		TriggerKwargs:  kwargs,
		TriggerTimeout: timeout,
		NextMethod:     task.ExecuteCompleteMethod,
		NextKwargs:     map[string]any{"attempt": "first"},
	}
}

func TestSubmitDeferredResumes(t *testing.T) {
	b := &scriptedBackend{script: func(sd *comms.StartupDetails) []comms.Message {
		if sd.TIContext.NextMethod == "" {
			return []comms.Message{deferTo(time.Now().Add(20*time.Millisecond), time.Hour)}
		}
		return succeed(sd)
	}}
	eng, s := newTestEngine(t, b, engine.Config{})

	ti := makeTaskInstance("wait", 0)
	if err := eng.Submit(context.Background(), ti); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	eng.Wait()
	waitForState(t, s, ti, model.StateSuccess, time.Second)
	seen := b.seen()
	if len(seen) != 2 {
		t.Fatalf("attempts = %d, want 2", len(seen))
	}
	resumed := seen[1].TIContext
	if resumed.NextMethod != task.ExecuteCompleteMethod {
		t.Errorf("next_method = %q", resumed.NextMethod)
	}
	if resumed.NextKwargs["attempt"] != "first" || resumed.NextKwargs["event"] == nil {
		t.Errorf("next_kwargs = %v", resumed.NextKwargs)
	}
	if len(resumed.XComKeysToClear) != 0 {
		t.Errorf("resumed attempt asked to clear %v", resumed.XComKeysToClear)
	}
}

func TestSubmitDeferredTimesOut(t *testing.T) {
	b := &scriptedBackend{script: func(sd *comms.StartupDetails) []comms.Message {
		switch sd.TIContext.NextMethod {
		case "":
			return []comms.Message{deferTo(time.Now().Add(time.Hour), 20*time.Millisecond)}
		case "__fail__":
			return []comms.Message{&comms.TaskState{State: model.StateFailed, EndDate: time.Now().UTC()}}
		}
		return succeed(sd)
	}}
	eng, s := newTestEngine(t, b, engine.Config{})

	ti := makeTaskInstance("wait", 0)
	if err := eng.Submit(context.Background(), ti); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	eng.Wait()
	waitForState(t, s, ti, model.StateFailed, time.Second)
	seen := b.seen()
	if len(seen) != 2 || seen[1].TIContext.NextKwargs["error"] != "Trigger timeout" {
		t.Errorf("resume after timeout: %d attempts", len(seen))
	}
}

func TestSubmitUnsupportedTrigger(t *testing.T) {
	b := &scriptedBackend{script: func(*comms.StartupDetails) []comms.Message {
		return []comms.Message{&comms.DeferTask{Classpath: "custom.Trigger", NextMethod: "resume"}}
	}}
	eng, s := newTestEngine(t, b, engine.Config{})

	ti := makeTaskInstance("wait", 0)
	if err := eng.Submit(context.Background(), ti); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	eng.Wait()
	got := waitForState(t, s, ti, model.StateFailed, time.Second)
	if !strings.Contains(got.Error, "unsupported trigger") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestSubmitUnresolvableBackend(t *testing.T) {
	s := newTestStore(t)
	eng := engine.NewEngine(s, backend.NewRegistry(), slog.New(slog.DiscardHandler), engine.Config{Backend: "nonexistent"})
	defer eng.Shutdown()

	ti := makeTaskInstance("extract", 0)
	if err := eng.Submit(context.Background(), ti); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	eng.Wait()
	failed := waitForState(t, s, ti, model.StateFailed, time.Second)
	if !strings.Contains(failed.Error, "resolve backend") {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestSubmitConcurrencyLimit(t *testing.T) {
	b := &scriptedBackend{delay: 30 * time.Millisecond, script: succeed}
	eng, s := newTestEngine(t, b, engine.Config{MaxConcurrency: 2})

	tis := make([]*model.TaskInstanceRecord, 6)
	for i := range tis {
		tis[i] = makeTaskInstance("t", 0)
		tis[i].MapIndex = i
		if err := eng.Submit(context.Background(), tis[i]); err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
	}

	eng.Wait()
	for _, ti := range tis {
		waitForState(t, s, ti, model.StateSuccess, time.Second)
	}
	if m := b.maxRunning.Load(); m > 2 {
		t.Errorf("max concurrent workers = %d, want <= 2", m)
	}
}

func TestShutdownAbandonsPendingRetry(t *testing.T) {
	b := &scriptedBackend{script: func(*comms.StartupDetails) []comms.Message {
		return []comms.Message{&comms.RetryTask{EndDate: time.Now().UTC()}}
	}}
	eng, s := newTestEngine(t, b, engine.Config{RetryDelay: time.Hour})

	ti := makeTaskInstance("flaky", 3)
	if err := eng.Submit(context.Background(), ti); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, s, ti, model.StateUpForRetry, 5*time.Second)

	done := make(chan struct{})
	go func() {
		eng.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	waitForState(t, s, ti, model.StateUpForRetry, time.Second)
}

func TestSubmitInProcessCapturesLogs(t *testing.T) {
	d := task.NewDAG(testDagID)
	d.Add(task.Func("extract", func(_ context.Context, tc *task.Context) (any, error) {
		tc.Log.Info("pulled 3 rows")
		return 3, nil
	}))
	reg := bundle.NewRegistry()
	reg.Register(bundle.New("test", "1").AddFile("dags/etl.go", func() ([]*task.DAG, error) {
		return []*task.DAG{d}, nil
	}))
	eng, s := newTestEngine(t, backend.NewInProcessBackend(runtime.Options{Bundles: reg}), engine.Config{})

	ti := makeTaskInstance("extract", 0)
	ch, unsub := eng.Broker().Subscribe(ti.ID)
	defer unsub()
	if err := eng.Submit(context.Background(), ti); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.Wait()
	waitForState(t, s, ti, model.StateSuccess, time.Second)

	var live []string
	for l := range ch {
		live = append(live, l.Line)
	}
	stored, err := s.GetLogLines(context.Background(), ti.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(stored) == 0 || len(stored) != len(live) {
		t.Fatalf("stored %d lines, streamed %d", len(stored), len(live))
	}
	if !strings.Contains(strings.Join(live, "\n"), "pulled 3 rows") {
		t.Errorf("task log line missing from %q", live)
	}
}
