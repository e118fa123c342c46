package task

import (
	"fmt"
	"maps"
	"slices"
)

// DAG is a named set of operators and the edges between them.
type DAG struct {
	ID     string
	Owner  string
	Params map[string]any

	tasks      map[string]Operator
	order      []string
	downstream map[string][]string
}

// NewDAG creates an empty DAG.
func NewDAG(id string) *DAG {
	return &DAG{
		ID:         id,
		tasks:      make(map[string]Operator),
		downstream: make(map[string][]string),
	}
}

// Add registers op, downstream of the given upstream task ids. It panics on a
// duplicate or unknown task id, since DAGs are defined at program start.
func (d *DAG) Add(op Operator, upstream ...string) Operator {
	b := op.Base()
	if b.TaskID == "" {
		panic("task: operator without task id")
	}
	if _, dup := d.tasks[b.TaskID]; dup {
		panic(fmt.Sprintf("task: duplicate task id %q in dag %q", b.TaskID, d.ID))
	}
	for _, up := range upstream {
		if _, ok := d.tasks[up]; !ok {
			panic(fmt.Sprintf("task: unknown upstream %q for %q in dag %q", up, b.TaskID, d.ID))
		}
		d.downstream[up] = append(d.downstream[up], b.TaskID)
	}
	b.dag = d
	d.tasks[b.TaskID] = op
	d.order = append(d.order, b.TaskID)
	return op
}

// Task looks up an operator by id.
func (d *DAG) Task(id string) (Operator, bool) {
	op, ok := d.tasks[id]
	return op, ok
}

// TaskIDs returns task ids in insertion order.
func (d *DAG) TaskIDs() []string {
	return slices.Clone(d.order)
}

// Downstream returns the direct downstream task ids of id.
func (d *DAG) Downstream(id string) []string {
	return slices.Clone(d.downstream[id])
}

// HasMappedDependants reports whether any mapped operator expands over the
// XCom of taskID.
func (d *DAG) HasMappedDependants(taskID string) bool {
	for _, op := range d.tasks {
		if m, ok := op.(*Mapped); ok && m.Upstream == taskID {
			return true
		}
	}
	return false
}

// ResolveParams merges DAG params, task params, and run conf, later sources
// winning.
func ResolveParams(d *DAG, op Operator, conf map[string]any) map[string]any {
	params := make(map[string]any)
	if d != nil {
		maps.Copy(params, d.Params)
	}
	maps.Copy(params, op.Base().Params)
	maps.Copy(params, conf)
	return params
}
