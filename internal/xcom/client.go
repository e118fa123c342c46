package xcom

import (
	"context"
	"errors"
	"fmt"

	"github.com/dabla/taskrunner/internal/model"
)

// Client reads and writes XComs on behalf of a task instance.
type Client struct {
	backend Backend
}

// NewClient creates a client over backend.
func NewClient(b Backend) *Client {
	return &Client{backend: b}
}

// Backend returns the underlying backend.
func (c *Client) Backend() Backend {
	return c.backend
}

type pullOptions struct {
	taskIDs    []string
	mapIndexes []int
	mapSet     bool
	key        string
	def        any
	runID      string
	dagID      string
	prior      bool
}

// PullOption filters a Pull.
type PullOption func(*pullOptions)

// TaskIDs pulls from the given tasks instead of the calling task.
func TaskIDs(ids ...string) PullOption {
	return func(o *pullOptions) { o.taskIDs = ids }
}

// MapIndexes pulls the given map indexes instead of the caller's own.
func MapIndexes(indexes ...int) PullOption {
	return func(o *pullOptions) {
		o.mapIndexes = indexes
		o.mapSet = true
	}
}

// Unmapped pulls as from a task that is not mapped.
func Unmapped() PullOption {
	return MapIndexes(model.Unmapped)
}

// WithKey pulls name instead of the return value.
func WithKey(name string) PullOption {
	return func(o *pullOptions) { o.key = name }
}

// Default is returned for every lookup that finds nothing.
func Default(v any) PullOption {
	return func(o *pullOptions) { o.def = v }
}

// RunID pulls from another run of the same DAG.
func RunID(id string) PullOption {
	return func(o *pullOptions) { o.runID = id }
}

// DagID pulls from another DAG.
func DagID(id string) PullOption {
	return func(o *pullOptions) { o.dagID = id }
}

// IncludePriorDates falls back to earlier runs of the same DAG when the
// backend supports it.
func IncludePriorDates() PullOption {
	return func(o *pullOptions) { o.prior = true }
}

// Pull resolves the filters against ti. Without TaskIDs it reads ti's own
// task; without MapIndexes it reads ti's own map index. The lookup is the
// cartesian product of task ids and map indexes, in filter order. A single
// pair yields a scalar, anything else a list. Misses yield the default.
func (c *Client) Pull(ctx context.Context, ti model.TaskInstance, opts ...PullOption) (any, error) {
	o := pullOptions{key: ReturnValueKey}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dagID == "" {
		o.dagID = ti.DagID
	}
	if o.runID == "" {
		o.runID = ti.RunID
	}
	if len(o.taskIDs) == 0 {
		o.taskIDs = []string{ti.TaskID}
	}
	if !o.mapSet {
		o.mapIndexes = []int{ti.MapIndex}
	}

	values := make([]any, 0, len(o.taskIDs)*len(o.mapIndexes))
	for _, taskID := range o.taskIDs {
		for _, mapIndex := range o.mapIndexes {
			key := Key{DagID: o.dagID, TaskID: taskID, RunID: o.runID, MapIndex: mapIndex, Name: o.key}
			v, err := c.get(ctx, key, o.prior)
			if errors.Is(err, ErrNotFound) || (err == nil && v == nil) {
				values = append(values, o.def)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("pull %s: %w", key, err)
			}
			values = append(values, v)
		}
	}

	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

func (c *Client) get(ctx context.Context, key Key, prior bool) (any, error) {
	if pr, ok := c.backend.(PriorReader); ok && prior {
		return pr.GetXComPrior(ctx, key)
	}
	return c.backend.GetXCom(ctx, key)
}

// Push stores value under name for ti, replacing any previous value.
func (c *Client) Push(ctx context.Context, ti model.TaskInstance, name string, value any) error {
	return c.push(ctx, ti, name, value, nil)
}

// PushMapped stores value and records how many mapped instances downstream
// tasks should expect.
func (c *Client) PushMapped(ctx context.Context, ti model.TaskInstance, name string, value any, length int) error {
	return c.push(ctx, ti, name, value, &length)
}

func (c *Client) push(ctx context.Context, ti model.TaskInstance, name string, value any, length *int) error {
	key := keyFor(ti, name)
	if err := c.backend.SetXCom(ctx, key, value, length); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// Delete removes name for ti.
func (c *Client) Delete(ctx context.Context, ti model.TaskInstance, name string) error {
	key := keyFor(ti, name)
	if err := c.backend.DeleteXCom(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func keyFor(ti model.TaskInstance, name string) Key {
	return Key{DagID: ti.DagID, TaskID: ti.TaskID, RunID: ti.RunID, MapIndex: ti.MapIndex, Name: name}
}
