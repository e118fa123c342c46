package runtime

import (
	"bufio"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dabla/taskrunner/internal/bundle"
	"github.com/dabla/taskrunner/internal/comms"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/task"
	"github.com/dabla/taskrunner/internal/xcom"
)

const (
	testDagID   = "test_dag"
	testDagFile = "dags/test.go"
)

// fakeSupervisor answers worker requests and records everything it receives.
type fakeSupervisor struct {
	mu       sync.Mutex
	received []comms.Message
	xcoms    *xcom.MemoryBackend
	reply    func(comms.Message) comms.Message
}

func (f *fakeSupervisor) record(msg comms.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)

	ctx := context.Background()
	switch m := msg.(type) {
	case *comms.SetXCom:
		_ = f.xcoms.SetXCom(ctx, xcom.Key{DagID: m.DagID, TaskID: m.TaskID, RunID: m.RunID, MapIndex: m.MapIndex, Name: m.Key}, m.Value, m.MappedLength)
	case *comms.DeleteXCom:
		_ = f.xcoms.DeleteXCom(ctx, xcom.Key{DagID: m.DagID, TaskID: m.TaskID, RunID: m.RunID, MapIndex: m.MapIndex, Name: m.Key})
	}
}

func (f *fakeSupervisor) answer(msg comms.Message) comms.Message {
	if f.reply != nil {
		if r := f.reply(msg); r != nil {
			return r
		}
	}
	switch m := msg.(type) {
	case *comms.GetXCom:
		v, err := f.xcoms.GetXCom(context.Background(), xcom.Key{DagID: m.DagID, TaskID: m.TaskID, RunID: m.RunID, MapIndex: m.MapIndex, Name: m.Key})
		if err != nil {
			return &comms.ErrorResponse{Error: comms.ErrXComNotFound}
		}
		return &comms.XComResult{Key: m.Key, Value: v}
	case *comms.TriggerDagRun:
		return &comms.OKResponse{OK: true}
	case *comms.GetDagRunState:
		return &comms.DagRunStateResult{State: model.DagRunSuccess}
	}
	return &comms.ErrorResponse{Error: comms.ErrGeneric}
}

func (f *fakeSupervisor) messages() []comms.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]comms.Message(nil), f.received...)
}

func (f *fakeSupervisor) outcomes() []comms.Message {
	var out []comms.Message
	for _, m := range f.messages() {
		if comms.IsOutcome(m) {
			out = append(out, m)
		}
	}
	return out
}

// outcome returns the single outcome message, failing the test otherwise.
func (f *fakeSupervisor) outcome(t *testing.T) comms.Message {
	t.Helper()
	out := f.outcomes()
	if len(out) != 1 {
		t.Fatalf("got %d outcome messages, want exactly 1: %v", len(out), typeNames(f.messages()))
	}
	return out[0]
}

func typeNames(msgs []comms.Message) []string {
	names := make([]string, len(msgs))
	for i, m := range msgs {
		names[i] = comms.TypeName(m)
	}
	return names
}

func ofType[T comms.Message](msgs []comms.Message) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// attemptSpec describes one simulated attempt.
type attemptSpec struct {
	dag       *task.DAG
	taskID    string
	mapIndex  *int // nil runs the unmapped instance
	runCtx    model.RunContext
	startDate time.Time
	opts      Options
	reply     func(comms.Message) comms.Message
	first     comms.Message
}

func mapIndex(i int) *int { return &i }

func newDag(ops ...task.Operator) *task.DAG {
	d := task.NewDAG(testDagID)
	for _, op := range ops {
		d.Add(op)
	}
	return d
}

func testBundles(d *task.DAG) *bundle.Registry {
	reg := bundle.NewRegistry()
	reg.Register(bundle.New("test", "1").AddFile(testDagFile, func() ([]*task.DAG, error) {
		return []*task.DAG{d}, nil
	}))
	return reg
}

func startupFor(spec attemptSpec) *comms.StartupDetails {
	start := spec.startDate
	if start.IsZero() {
		start = time.Now().UTC()
	}
	idx := model.Unmapped
	if spec.mapIndex != nil {
		idx = *spec.mapIndex
	}
	return &comms.StartupDetails{
		TI: model.TaskInstance{
			ID:        uuid.New(),
			DagID:     testDagID,
			TaskID:    spec.taskID,
			RunID:     "r1",
			MapIndex:  idx,
			TryNumber: 1,
		},
		DagRelPath: testDagFile,
		BundleInfo: model.BundleInfo{Name: "test", Version: "1"},
		RequestsFD: 3,
		StartDate:  start,
		TIContext:  spec.runCtx,
	}
}

// wire connects a Runner to a fake supervisor over in-memory pipes.
func wire(t *testing.T, spec attemptSpec) (*Runner, *fakeSupervisor, func()) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ch := comms.NewChannel(inR, comms.WithOpener(func(comms.Descriptor) (io.WriteCloser, error) {
		return outW, nil
	}))

	sup := &fakeSupervisor{xcoms: xcom.NewMemoryBackend(), reply: spec.reply}
	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(outR)
		for {
			msg, err := comms.ReadMessage(br)
			if err != nil {
				return
			}
			sup.record(msg)
			if comms.ExpectsReply(msg) {
				if err := comms.WriteMessage(inW, sup.answer(msg)); err != nil {
					return
				}
			}
		}
	}()

	first := spec.first
	if first == nil {
		first = startupFor(spec)
	}
	go func() { _ = comms.WriteMessage(inW, first) }()

	opts := spec.opts
	if opts.Bundles == nil {
		opts.Bundles = testBundles(spec.dag)
	}
	if opts.Hostname == nil {
		opts.Hostname = func() (string, error) { return "worker-1", nil }
	}
	r := New(ch, opts)

	cleanup := func() {
		ch.Close()
		outW.Close()
		<-done
		inW.Close()
	}
	return r, sup, cleanup
}

// runAttempt runs one attempt to completion and returns what the supervisor saw.
func runAttempt(t *testing.T, spec attemptSpec) (*fakeSupervisor, error) {
	t.Helper()
	r, sup, cleanup := wire(t, spec)
	err := r.Run(context.Background())
	cleanup()
	return sup, err
}

func funcTask(id string, fn func(ctx context.Context, tc *task.Context) (any, error)) *task.FuncOperator {
	return task.Func(id, fn)
}

func returning(v any, err error) func(context.Context, *task.Context) (any, error) {
	return func(context.Context, *task.Context) (any, error) { return v, err }
}
