// Package task is the authoring API for task logic: operators, the DAGs that
// hold them, the execution context handed to them, and the control-flow
// signals they return to steer the outcome of an attempt.
package task

import (
	"context"
	"time"
)

// Callback is a state-change callback. Errors are logged, never propagated.
type Callback func(ctx context.Context, tc *Context) error

// PostExecuteHook runs after the task body with its result.
type PostExecuteHook func(ctx context.Context, tc *Context, result any) error

// Operator is one unit of task logic.
type Operator interface {
	Base() *BaseOperator
	Execute(ctx context.Context, tc *Context) (any, error)
}

// Resumer is implemented by operators that can continue after a deferral.
type Resumer interface {
	ResumeExecution(ctx context.Context, tc *Context, method string, kwargs map[string]any) (any, error)
}

// Preparer is implemented by operators that hand back a different operator
// to actually execute.
type Preparer interface {
	PrepareForExecution() Operator
}

// ExtraLink is an operator-level link persisted as an XCom after each attempt.
type ExtraLink struct {
	Name string
	// Key overrides the XCom key; defaults to "_link_<Name>".
	Key  string
	Link func(ctx context.Context, tc *Context) (string, error)
}

// XComKey returns the key the link is stored under.
func (l ExtraLink) XComKey() string {
	if l.Key != "" {
		return l.Key
	}
	return "_link_" + l.Name
}

// BaseOperator carries the configuration shared by every operator. Embed it
// to satisfy the Base method of Operator.
type BaseOperator struct {
	TaskID           string
	Retries          int
	RetryDelay       time.Duration
	ExecutionTimeout time.Duration
	DoNotPushXCom    bool
	MultipleOutputs  bool

	// Templates maps a field name to text/template source. Rendered holds
	// the results once the task is prepared.
	Templates map[string]string
	Rendered  map[string]string
	Params    map[string]any

	OnExecute []Callback
	OnSuccess []Callback
	OnFailure []Callback
	OnRetry   []Callback
	OnSkipped []Callback

	PreExecute  Callback
	PostExecute PostExecuteHook

	Email          []string
	EmailOnRetry   bool
	EmailOnFailure bool

	ExtraLinks []ExtraLink
	Inlets     []Lineage
	Outlets    []Lineage

	OverwriteRenderedAfterExecution bool

	dag *DAG
}

// Base returns the operator's shared configuration.
func (b *BaseOperator) Base() *BaseOperator { return b }

// DAG returns the DAG the operator was added to, or nil.
func (b *BaseOperator) DAG() *DAG { return b.dag }

// DoXComPush reports whether the return value is stored as an XCom.
func (b *BaseOperator) DoXComPush() bool { return !b.DoNotPushXCom }

// RenderedField returns the rendered value of a templated field, falling back
// to the raw template when rendering has not happened.
func (b *BaseOperator) RenderedField(name string) string {
	if v, ok := b.Rendered[name]; ok {
		return v
	}
	return b.Templates[name]
}
