// Package dags holds the example bundle compiled into the taskrunner binary.
package dags

import (
	"context"
	"fmt"
	"time"

	"github.com/dabla/taskrunner/internal/bundle"
	"github.com/dabla/taskrunner/internal/task"
	"github.com/dabla/taskrunner/internal/xcom"
)

// Bundle identity and DAG files.
const (
	BundleName    = "example"
	BundleVersion = "1"

	ETLFile     = "dags/example_etl.go"
	SensorsFile = "dags/example_sensors.go"
)

// Bundle returns the example bundle. root, when set, is where its lock file
// lives.
func Bundle(root string) *bundle.Bundle {
	b := bundle.New(BundleName, BundleVersion)
	b.Root = root
	b.AddFile(ETLFile, func() ([]*task.DAG, error) {
		return []*task.DAG{ETL()}, nil
	})
	b.AddFile(SensorsFile, func() ([]*task.DAG, error) {
		return []*task.DAG{Sensors()}, nil
	})
	return b
}

// ETL extracts a batch, counts it in bash, and reports the result.
func ETL() *task.DAG {
	d := task.NewDAG("example_etl")

	d.Add(task.Func("extract", func(_ context.Context, tc *task.Context) (any, error) {
		rows := []any{"alpha", "beta", "gamma"}
		tc.Log.WithField("rows", len(rows)).Info("extracted batch")
		return rows, nil
	}))

	count := task.Bash("count", `echo "run {{ .run_id }} on {{ .ds }}"; echo 3`)
	count.Retries = 2
	count.RetryDelay = 30 * time.Second
	d.Add(count, "extract")

	d.Add(task.Func("report", func(ctx context.Context, tc *task.Context) (any, error) {
		rows, err := tc.XCom.Pull(ctx, xcom.TaskIDs("extract"))
		if err != nil {
			return nil, err
		}
		counted, err := tc.XCom.Pull(ctx, xcom.TaskIDs("count"))
		if err != nil {
			return nil, err
		}
		list, _ := rows.([]any)
		summary := fmt.Sprintf("extracted %d rows, bash counted %v", len(list), counted)
		tc.Log.Info(summary)
		return summary, nil
	}), "count")

	return d
}

// Sensors waits until 30 seconds past the run's logical date, once by
// rescheduling and once by deferring.
func Sensors() *task.DAG {
	d := task.NewDAG("example_sensors")
	d.Add(&afterLogicalDate{BaseOperator: task.BaseOperator{TaskID: "poke"}, Offset: 30 * time.Second})
	d.Add(&afterLogicalDate{BaseOperator: task.BaseOperator{TaskID: "wait"}, Offset: 30 * time.Second, Deferrable: true})
	return d
}

// afterLogicalDate succeeds once Offset has passed since the logical date.
// The target comes from the run, not from parse time.
type afterLogicalDate struct {
	task.BaseOperator
	Offset     time.Duration
	Deferrable bool
}

func (o *afterLogicalDate) target(tc *task.Context) time.Time {
	start := tc.DagRun.RunAfter
	if tc.LogicalDate != nil {
		start = *tc.LogicalDate
	}
	return start.Add(o.Offset)
}

// Execute implements task.Operator.
func (o *afterLogicalDate) Execute(_ context.Context, tc *task.Context) (any, error) {
	target := o.target(tc)
	now := time.Now()
	if !now.Before(target) {
		return true, nil
	}
	if o.Deferrable {
		return nil, task.Defer(task.DateTimeTrigger{Moment: target}, task.ExecuteCompleteMethod, nil, 5*time.Minute)
	}
	next := now.Add(10 * time.Second)
	if next.After(target) {
		next = target
	}
	return nil, task.Reschedule(next)
}

// ResumeExecution implements task.Resumer.
func (o *afterLogicalDate) ResumeExecution(_ context.Context, tc *task.Context, method string, kwargs map[string]any) (any, error) {
	if method != task.ExecuteCompleteMethod {
		return nil, fmt.Errorf("unknown resume method %q", method)
	}
	tc.Log.WithField("event", kwargs["event"]).Info("trigger fired")
	return true, nil
}
