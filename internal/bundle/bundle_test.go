package bundle

import (
	"context"
	"errors"
	"testing"

	"github.com/dabla/taskrunner/internal/task"
)

func testBundle(version string) *Bundle {
	return New("core", version).AddFile("dags/etl.go", func() ([]*task.DAG, error) {
		d := task.NewDAG("etl")
		d.Add(task.Func("extract", func(context.Context, *task.Context) (any, error) { return nil, nil }))
		return []*task.DAG{d}, nil
	})
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	r.Register(testBundle("1"))
	r.Register(testBundle("2"))

	b, err := r.Get("core", "")
	if err != nil {
		t.Fatalf("Get latest: %v", err)
	}
	if b.Version != "2" {
		t.Errorf("latest version = %q, want 2", b.Version)
	}

	b, err = r.Get("core", "1")
	if err != nil || b.Version != "1" {
		t.Errorf("Get v1 = %v, %v", b, err)
	}

	if _, err := r.Get("core", "9"); !errors.Is(err, ErrBundleNotFound) {
		t.Errorf("unknown version err = %v", err)
	}
	if _, err := r.Get("other", ""); !errors.Is(err, ErrBundleNotFound) {
		t.Errorf("unknown bundle err = %v", err)
	}
	if got := r.List(); len(got) != 2 || got[0].Version != "1" {
		t.Errorf("List = %v", got)
	}
}

func TestParseAndResolve(t *testing.T) {
	b := testBundle("1")
	bag, err := b.Parse("./dags/etl.go")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := bag.Task("etl", "extract"); err != nil {
		t.Errorf("Task: %v", err)
	}
	if _, err := bag.Task("etl", "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing task err = %v", err)
	}
	if _, err := bag.DAG("nope"); !errors.Is(err, ErrDagNotFound) {
		t.Errorf("missing dag err = %v", err)
	}
	if _, err := b.Parse("dags/other.go"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("missing file err = %v", err)
	}
}

func TestBundleTask(t *testing.T) {
	b := testBundle("1")
	op, err := b.Task("dags/etl.go", "etl", "extract")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if op.Base().TaskID != "extract" {
		t.Errorf("task id = %q, want extract", op.Base().TaskID)
	}
	if _, err := b.Task("dags/other.go", "etl", "extract"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("missing file err = %v", err)
	}
	if _, err := b.Task("dags/etl.go", "etl", "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing task err = %v", err)
	}
}

func TestParseRejectsEscapes(t *testing.T) {
	b := testBundle("1")
	for _, p := range []string{"", "../etc/passwd", "/abs/path.go", "dags/../../x.go"} {
		if _, err := b.Parse(p); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", p)
		}
	}
}

func TestLock(t *testing.T) {
	b := testBundle("1")
	b.Root = t.TempDir()
	unlock, err := b.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// Shared locks do not exclude each other.
	unlock2, err := b.Lock()
	if err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	if err := unlock2(); err != nil {
		t.Errorf("unlock2: %v", err)
	}
	if err := unlock(); err != nil {
		t.Errorf("unlock: %v", err)
	}
}
