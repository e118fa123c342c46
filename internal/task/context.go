package task

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/xcom"
)

// Date layouts of the formatted context fields.
const (
	dsLayout       = "2006-01-02"
	dsNodashLayout = "20060102"
	tsLayout       = "2006-01-02T15:04:05.999999-07:00"
	tsNodashLayout = "20060102T150405"
)

// Variables resolves workflow variables.
type Variables interface {
	Get(ctx context.Context, key string) (string, error)
}

// Connections resolves connection details.
type Connections interface {
	Get(ctx context.Context, connID string) (model.Connection, error)
}

// XComs pulls and pushes on behalf of the running instance.
type XComs interface {
	Pull(ctx context.Context, opts ...xcom.PullOption) (any, error)
	Push(ctx context.Context, key string, value any) error
}

// PrevSuccess holds the dates of the previous successful run of the DAG.
type PrevSuccess struct {
	DataIntervalStart *time.Time
	DataIntervalEnd   *time.Time
	StartDate         *time.Time
	EndDate           *time.Time
}

// Lookups performs the round trips behind lazily computed context fields.
type Lookups interface {
	PrevSuccessfulDagRun(ctx context.Context) (*PrevSuccess, error)
	FirstRescheduleDate(ctx context.Context) (*time.Time, error)
}

type memo[T any] struct {
	once sync.Once
	v    T
	err  error
}

func (m *memo[T]) get(fn func() (T, error)) (T, error) {
	m.once.Do(func() { m.v, m.err = fn() })
	return m.v, m.err
}

// Context is the execution context handed to task logic for one attempt.
type Context struct {
	DAG    *DAG
	Task   Operator
	TI     model.TaskInstance
	DagRun model.DagRun

	MaxTries            int
	TaskRescheduleCount int

	LogicalDate       *time.Time
	DataIntervalStart *time.Time
	DataIntervalEnd   *time.Time

	Ds                 string
	DsNodash           string
	Ts                 string
	TsNodash           string
	TsNodashWithTZ     string
	TaskInstanceKeyStr string

	Params       map[string]any
	Conf         map[string]any
	Inlets       []Lineage
	Outlets      []Lineage
	OutletEvents *OutletEvents
	InletEvents  []model.AssetEvent

	Var  Variables
	Conn Connections
	XCom XComs
	Log  *logrus.Entry

	Lookups Lookups

	// Err is the error the attempt ended with, set before failure and retry
	// callbacks run.
	Err error

	prev       memo[*PrevSuccess]
	reschedule memo[*time.Time]
}

// NewContext builds the context for op running as ti within run.
func NewContext(op Operator, ti model.TaskInstance, run model.DagRun, conf map[string]any) *Context {
	b := op.Base()
	tc := &Context{
		DAG:               b.DAG(),
		Task:              op,
		TI:                ti,
		DagRun:            run,
		LogicalDate:       run.LogicalDate,
		DataIntervalStart: run.DataIntervalStart,
		DataIntervalEnd:   run.DataIntervalEnd,
		Params:            ResolveParams(b.DAG(), op, conf),
		Conf:              run.Conf,
		Inlets:            b.Inlets,
		Outlets:           b.Outlets,
		OutletEvents:      NewOutletEvents(),
		InletEvents:       run.ConsumedAssetEvents,
	}
	if run.LogicalDate != nil {
		d := *run.LogicalDate
		tc.Ds = d.Format(dsLayout)
		tc.DsNodash = d.Format(dsNodashLayout)
		tc.Ts = d.Format(tsLayout)
		tc.TsNodash = d.Format(tsNodashLayout)
		tc.TsNodashWithTZ = strings.NewReplacer("-", "", ":", "").Replace(tc.Ts)
		tc.TaskInstanceKeyStr = ti.DagID + "__" + ti.TaskID + "__" + tc.DsNodash
	} else {
		tc.TaskInstanceKeyStr = ti.DagID + "__" + ti.TaskID + "__" + ti.RunID
	}
	return tc
}

// Values returns the flat view of the context used for templating.
func (c *Context) Values() map[string]any {
	v := map[string]any{
		"dag_id":                c.TI.DagID,
		"task_id":               c.TI.TaskID,
		"run_id":                c.TI.RunID,
		"map_index":             c.TI.MapIndex,
		"try_number":            c.TI.TryNumber,
		"max_tries":             c.MaxTries,
		"ds":                    c.Ds,
		"ds_nodash":             c.DsNodash,
		"ts":                    c.Ts,
		"ts_nodash":             c.TsNodash,
		"ts_nodash_with_tz":     c.TsNodashWithTZ,
		"task_instance_key_str": c.TaskInstanceKeyStr,
		"task_reschedule_count": c.TaskRescheduleCount,
		"params":                c.Params,
		"conf":                  c.Conf,
		"run_type":              c.DagRun.RunType,
	}
	if c.LogicalDate != nil {
		v["logical_date"] = *c.LogicalDate
	}
	if c.DataIntervalStart != nil {
		v["data_interval_start"] = *c.DataIntervalStart
	}
	if c.DataIntervalEnd != nil {
		v["data_interval_end"] = *c.DataIntervalEnd
	}
	return v
}

// Env returns the context values exported to the task environment, keyed
// by their lowercase name.
func (c *Context) Env() map[string]string {
	env := map[string]string{
		"dag_id":     c.TI.DagID,
		"task_id":    c.TI.TaskID,
		"dag_run_id": c.TI.RunID,
		"try_number": strconv.Itoa(c.TI.TryNumber),
	}
	if c.TI.MapIndex >= 0 {
		env["map_index"] = strconv.Itoa(c.TI.MapIndex)
	}
	if c.LogicalDate != nil {
		env["logical_date"] = c.LogicalDate.Format(tsLayout)
	}
	if c.DAG != nil && c.DAG.Owner != "" {
		env["dag_owner"] = c.DAG.Owner
	}
	if b := c.Task.Base(); len(b.Email) > 0 {
		env["dag_email"] = strings.Join(b.Email, ",")
	}
	return env
}

func (c *Context) prevSuccess(ctx context.Context) (*PrevSuccess, error) {
	return c.prev.get(func() (*PrevSuccess, error) {
		if c.Lookups == nil {
			return nil, nil
		}
		return c.Lookups.PrevSuccessfulDagRun(ctx)
	})
}

// PrevDataIntervalStartSuccess returns the data interval start of the previous
// successful run, or nil. The lookup is performed once per attempt.
func (c *Context) PrevDataIntervalStartSuccess(ctx context.Context) (*time.Time, error) {
	p, err := c.prevSuccess(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	return p.DataIntervalStart, nil
}

// PrevDataIntervalEndSuccess returns the data interval end of the previous
// successful run, or nil.
func (c *Context) PrevDataIntervalEndSuccess(ctx context.Context) (*time.Time, error) {
	p, err := c.prevSuccess(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	return p.DataIntervalEnd, nil
}

// PrevStartDateSuccess returns the start date of the previous successful run, or nil.
func (c *Context) PrevStartDateSuccess(ctx context.Context) (*time.Time, error) {
	p, err := c.prevSuccess(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	return p.StartDate, nil
}

// PrevEndDateSuccess returns the end date of the previous successful run, or nil.
func (c *Context) PrevEndDateSuccess(ctx context.Context) (*time.Time, error) {
	p, err := c.prevSuccess(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	return p.EndDate, nil
}

// FirstRescheduleDate returns when the first reschedule of this try started,
// or nil when the attempt was never rescheduled.
func (c *Context) FirstRescheduleDate(ctx context.Context) (*time.Time, error) {
	return c.reschedule.get(func() (*time.Time, error) {
		if c.Lookups == nil || c.TaskRescheduleCount == 0 {
			return nil, nil
		}
		return c.Lookups.FirstRescheduleDate(ctx)
	})
}
