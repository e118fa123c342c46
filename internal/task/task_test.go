package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/xcom"
)

func noop(context.Context, *Context) (any, error) { return nil, nil }

func TestDAGAdd(t *testing.T) {
	d := NewDAG("etl")
	d.Add(Func("extract", noop))
	d.Add(Func("load", noop), "extract")

	assert.Equal(t, []string{"extract", "load"}, d.TaskIDs())
	assert.Equal(t, []string{"load"}, d.Downstream("extract"))

	op, ok := d.Task("load")
	require.True(t, ok)
	assert.Same(t, d, op.Base().DAG())
}

func TestDAGAddPanics(t *testing.T) {
	d := NewDAG("etl")
	d.Add(Func("a", noop))

	assert.Panics(t, func() { d.Add(Func("", noop)) })
	assert.Panics(t, func() { d.Add(Func("a", noop)) })
	assert.Panics(t, func() { d.Add(Func("b", noop), "missing") })
}

func TestHasMappedDependants(t *testing.T) {
	d := NewDAG("etl")
	d.Add(Func("list", noop))
	d.Add(&Mapped{BaseOperator: BaseOperator{TaskID: "each"}, Upstream: "list"}, "list")

	assert.True(t, d.HasMappedDependants("list"))
	assert.False(t, d.HasMappedDependants("each"))
}

func TestResolveParams(t *testing.T) {
	d := NewDAG("etl")
	d.Params = map[string]any{"a": 1, "b": 1}
	op := Func("t", noop)
	op.Params = map[string]any{"b": 2, "c": 2}

	got := ResolveParams(d, op, map[string]any{"c": 3})
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, got)
}

func TestNewContextDates(t *testing.T) {
	ld := time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC)
	op := Func("t", noop)
	NewDAG("etl").Add(op)
	ti := model.TaskInstance{DagID: "etl", TaskID: "t", RunID: "r1", MapIndex: model.Unmapped, TryNumber: 1}

	tc := NewContext(op, ti, model.DagRun{LogicalDate: &ld}, nil)
	assert.Equal(t, "2024-03-05", tc.Ds)
	assert.Equal(t, "20240305", tc.DsNodash)
	assert.Equal(t, "2024-03-05T07:08:09+00:00", tc.Ts)
	assert.Equal(t, "20240305T070809", tc.TsNodash)
	assert.Equal(t, "20240305T070809+0000", tc.TsNodashWithTZ)
	assert.Equal(t, "etl__t__20240305", tc.TaskInstanceKeyStr)

	tc = NewContext(op, ti, model.DagRun{}, nil)
	assert.Empty(t, tc.Ds)
	assert.Equal(t, "etl__t__r1", tc.TaskInstanceKeyStr)
}

func TestContextEnv(t *testing.T) {
	op := Func("t", noop)
	op.Email = []string{"a@example.com", "b@example.com"}
	d := NewDAG("etl")
	d.Owner = "data"
	d.Add(op)
	ti := model.TaskInstance{DagID: "etl", TaskID: "t", RunID: "r1", MapIndex: 2, TryNumber: 3}

	env := NewContext(op, ti, model.DagRun{}, nil).Env()
	assert.Equal(t, "etl", env["dag_id"])
	assert.Equal(t, "r1", env["dag_run_id"])
	assert.Equal(t, "3", env["try_number"])
	assert.Equal(t, "2", env["map_index"])
	assert.Equal(t, "data", env["dag_owner"])
	assert.Equal(t, "a@example.com,b@example.com", env["dag_email"])
	assert.NotContains(t, env, "logical_date")
}

type countingLookups struct {
	prev, reschedule int
	first            time.Time
}

func (l *countingLookups) PrevSuccessfulDagRun(context.Context) (*PrevSuccess, error) {
	l.prev++
	s := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &PrevSuccess{StartDate: &s}, nil
}

func (l *countingLookups) FirstRescheduleDate(context.Context) (*time.Time, error) {
	l.reschedule++
	return &l.first, nil
}

func TestLazyLookupsAreMemoized(t *testing.T) {
	op := Func("t", noop)
	tc := NewContext(op, model.TaskInstance{}, model.DagRun{}, nil)
	l := &countingLookups{}
	tc.Lookups = l
	ctx := context.Background()

	assert.Equal(t, 0, l.prev, "no lookup before access")
	start, err := tc.PrevStartDateSuccess(ctx)
	require.NoError(t, err)
	require.NotNil(t, start)
	end, err := tc.PrevEndDateSuccess(ctx)
	require.NoError(t, err)
	assert.Nil(t, end)
	assert.Equal(t, 1, l.prev)

	first, err := tc.FirstRescheduleDate(ctx)
	require.NoError(t, err)
	assert.Nil(t, first, "never rescheduled")
	assert.Equal(t, 0, l.reschedule)
}

func TestFirstRescheduleDate(t *testing.T) {
	tc := NewContext(Func("t", noop), model.TaskInstance{}, model.DagRun{}, nil)
	l := &countingLookups{first: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tc.Lookups = l
	tc.TaskRescheduleCount = 2

	first, err := tc.FirstRescheduleDate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, l.first, *first)
}

type memXComs struct {
	c  *xcom.Client
	ti model.TaskInstance
}

func (m memXComs) Pull(ctx context.Context, opts ...xcom.PullOption) (any, error) {
	return m.c.Pull(ctx, m.ti, opts...)
}

func (m memXComs) Push(ctx context.Context, key string, value any) error {
	return m.c.Push(ctx, m.ti, key, value)
}

func TestMappedUnmap(t *testing.T) {
	b := xcom.NewMemoryBackend()
	up := model.TaskInstance{DagID: "etl", TaskID: "list", RunID: "r1", MapIndex: model.Unmapped}
	require.NoError(t, xcom.NewClient(b).Push(context.Background(), up, xcom.ReturnValueKey, []any{"a", "b", "c"}))

	var built any
	m := &Mapped{
		BaseOperator: BaseOperator{TaskID: "each"},
		Upstream:     "list",
		Build: func(item any) Operator {
			built = item
			return Func("ignored", noop)
		},
	}
	d := NewDAG("etl")
	d.Add(Func("list", noop))
	d.Add(m, "list")

	ti := model.TaskInstance{DagID: "etl", TaskID: "each", RunID: "r1", MapIndex: 1}
	tc := NewContext(m, ti, model.DagRun{}, nil)
	tc.XCom = memXComs{c: xcom.NewClient(b), ti: ti}

	op, err := m.Unmap(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "b", built)
	assert.Equal(t, "each", op.Base().TaskID)
	assert.Same(t, d, op.Base().DAG())

	_, err = m.Execute(context.Background(), tc)
	assert.Error(t, err)
}

func TestMappedLiteralOutOfRange(t *testing.T) {
	m := &Mapped{BaseOperator: BaseOperator{TaskID: "each"}, Over: []any{1}, Build: func(any) Operator { return Func("x", noop) }}
	tc := NewContext(m, model.TaskInstance{MapIndex: 4}, model.DagRun{}, nil)
	_, err := m.Unmap(context.Background(), tc)
	assert.Error(t, err)
}

func TestSignalsUnwrap(t *testing.T) {
	base := errors.New("disk full")
	assert.ErrorIs(t, Fail(base), base)
	assert.ErrorIs(t, &SensorTimeoutError{Err: base}, base)

	var de *DeclaredError
	assert.True(t, errors.As(Errorf("bad %d", 1), &de))
	assert.Equal(t, "bad 1", de.Error())
}

func TestOutletEventsSerialize(t *testing.T) {
	ev := NewOutletEvents()
	a := Asset{Name: "orders", URI: "s3://bucket/orders"}
	ev.For(a).Extra["rows"] = 10
	ev.For(a).AddAlias(AssetAlias{Name: "daily"}, Asset{Name: "o2", URI: "s3://o2"}, nil)

	got := ev.Serialize()
	require.Len(t, got, 2)
	assert.Equal(t, map[string]any{"name": "orders", "uri": "s3://bucket/orders"}, got[0]["dest_asset_key"])
	assert.Equal(t, "daily", got[1]["source_alias_name"])
}

func TestDateTimeTriggerRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	classpath, kwargs := DateTimeTrigger{Moment: at}.Serialize()
	assert.Equal(t, DateTimeTriggerClasspath, classpath)

	got, err := ParseDateTimeTrigger(kwargs)
	require.NoError(t, err)
	assert.True(t, got.Moment.Equal(at))

	_, err = ParseDateTimeTrigger(map[string]any{})
	assert.Error(t, err)
}

func newLoggedContext(op Operator) *Context {
	tc := NewContext(op, model.TaskInstance{DagID: "d", TaskID: op.Base().TaskID}, model.DagRun{}, nil)
	tc.Log = logrus.NewEntry(logrus.New())
	return tc
}
