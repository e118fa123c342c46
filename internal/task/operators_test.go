package task

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func TestBashOperatorLastLine(t *testing.T) {
	requireBash(t)
	op := Bash("b", "echo one; echo two")
	got, err := op.Execute(context.Background(), newLoggedContext(op))
	require.NoError(t, err)
	assert.Equal(t, "two", got)
}

func TestBashOperatorUsesRenderedCommand(t *testing.T) {
	requireBash(t)
	op := Bash("b", "{{ .never_rendered }}")
	op.Rendered = map[string]string{"bash_command": "echo rendered"}
	got, err := op.Execute(context.Background(), newLoggedContext(op))
	require.NoError(t, err)
	assert.Equal(t, "rendered", got)
}

func TestBashOperatorExitCodes(t *testing.T) {
	requireBash(t)
	op := Bash("b", "exit 99")
	_, err := op.Execute(context.Background(), newLoggedContext(op))
	var skip *SkipError
	assert.True(t, errors.As(err, &skip), "err = %v", err)

	op = Bash("b", "exit 3")
	_, err = op.Execute(context.Background(), newLoggedContext(op))
	var declared *DeclaredError
	assert.True(t, errors.As(err, &declared), "err = %v", err)

	op = Bash("b", "  ")
	_, err = op.Execute(context.Background(), newLoggedContext(op))
	var fail *FailError
	assert.True(t, errors.As(err, &fail), "err = %v", err)
}

func TestTriggerDagRunOperator(t *testing.T) {
	op := TriggerDagRun("trigger", "downstream")
	op.WaitForCompletion = true
	_, err := op.Execute(context.Background(), nil)

	var tr *TriggerRunError
	require.True(t, errors.As(err, &tr))
	assert.Equal(t, "downstream", tr.TriggerDagID)
	assert.True(t, tr.WaitForCompletion)
	require.Len(t, op.ExtraLinks, 1)
	assert.Equal(t, "_link_Triggered DAG", op.ExtraLinks[0].XComKey())
}

type fixedLookups struct{ first time.Time }

func (fixedLookups) PrevSuccessfulDagRun(context.Context) (*PrevSuccess, error) { return nil, nil }
func (l fixedLookups) FirstRescheduleDate(context.Context) (*time.Time, error) {
	return &l.first, nil
}

func TestTimeSensor(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := &TimeSensor{BaseOperator: BaseOperator{TaskID: "wait"}, Target: now.Add(-time.Second), now: clock}
	got, err := s.Execute(context.Background(), newLoggedContext(s))
	require.NoError(t, err)
	assert.Equal(t, true, got)

	s = &TimeSensor{BaseOperator: BaseOperator{TaskID: "wait"}, Target: now.Add(time.Hour), PokeInterval: 10 * time.Minute, now: clock}
	_, err = s.Execute(context.Background(), newLoggedContext(s))
	var rs *RescheduleError
	require.True(t, errors.As(err, &rs))
	assert.Equal(t, now.Add(10*time.Minute), rs.At)

	s = &TimeSensor{BaseOperator: BaseOperator{TaskID: "wait"}, Target: now.Add(time.Hour), Timeout: time.Minute, now: clock}
	tc := newLoggedContext(s)
	tc.TaskRescheduleCount = 3
	tc.Lookups = fixedLookups{first: now.Add(-time.Hour)}
	_, err = s.Execute(context.Background(), tc)
	var st *SensorTimeoutError
	assert.True(t, errors.As(err, &st), "err = %v", err)
}

func TestDeferrableTimeSensor(t *testing.T) {
	s := &DeferrableTimeSensor{BaseOperator: BaseOperator{TaskID: "wait"}, Target: time.Now().Add(time.Hour)}
	_, err := s.Execute(context.Background(), nil)
	var de *DeferError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ExecuteCompleteMethod, de.Method)

	got, err := s.ResumeExecution(context.Background(), nil, ExecuteCompleteMethod, nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	_, err = s.ResumeExecution(context.Background(), nil, "other", nil)
	assert.Error(t, err)
}
