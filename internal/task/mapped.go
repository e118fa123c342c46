package task

import (
	"context"
	"fmt"

	"github.com/dabla/taskrunner/internal/xcom"
)

// Mapped expands into one operator per element, either of a literal list or
// of the value an upstream task returned.
type Mapped struct {
	BaseOperator

	// Over is expanded when Upstream is empty.
	Over     []any
	Upstream string
	Build    func(item any) Operator
}

// Execute implements Operator. A mapped operator runs only once unmapped.
func (m *Mapped) Execute(context.Context, *Context) (any, error) {
	return nil, fmt.Errorf("task: mapped operator %q executed without unmapping", m.TaskID)
}

// Unmap builds the concrete operator for the map index of tc.
func (m *Mapped) Unmap(ctx context.Context, tc *Context) (Operator, error) {
	if m.Build == nil {
		return nil, fmt.Errorf("task: mapped operator %q has no builder", m.TaskID)
	}
	var over any = m.Over
	if m.Upstream != "" {
		v, err := tc.XCom.Pull(ctx, xcom.TaskIDs(m.Upstream), xcom.Unmapped())
		if err != nil {
			return nil, fmt.Errorf("unmap %s: %w", m.TaskID, err)
		}
		over = v
	}
	item, err := xcom.Item(over, tc.TI.MapIndex)
	if err != nil {
		return nil, fmt.Errorf("unmap %s: %w", m.TaskID, err)
	}
	op := m.Build(item)
	b := op.Base()
	b.TaskID = m.TaskID
	b.dag = m.dag
	return op, nil
}
