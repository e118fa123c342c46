// Package listener notifies external systems about the life cycle of a task
// instance. Notifications are best effort: the runtime logs listener errors
// and never lets them change an outcome.
package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dabla/taskrunner/internal/model"
)

// Event describes a task instance at one life-cycle point.
type Event struct {
	TI       model.TaskInstance `json:"ti"`
	State    model.TaskState    `json:"state,omitempty"`
	Hostname string             `json:"hostname,omitempty"`
	Error    string             `json:"error,omitempty"`
	Time     time.Time          `json:"time"`
	Duration time.Duration      `json:"duration,omitempty"`
}

// Listener receives life-cycle notifications.
type Listener interface {
	OnStarting(ctx context.Context) error
	OnTaskInstanceRunning(ctx context.Context, ev Event) error
	OnTaskInstanceSuccess(ctx context.Context, ev Event) error
	OnTaskInstanceFailed(ctx context.Context, ev Event) error
	BeforeStopping(ctx context.Context) error
}

// Nop implements Listener with no-ops. Embed it to implement a subset.
type Nop struct{}

func (Nop) OnStarting(context.Context) error                   { return nil }
func (Nop) OnTaskInstanceRunning(context.Context, Event) error { return nil }
func (Nop) OnTaskInstanceSuccess(context.Context, Event) error { return nil }
func (Nop) OnTaskInstanceFailed(context.Context, Event) error  { return nil }
func (Nop) BeforeStopping(context.Context) error               { return nil }

// Manager fans notifications out to every registered listener.
type Manager struct {
	listeners []Listener
}

// NewManager creates a manager over ls.
func NewManager(ls ...Listener) *Manager {
	return &Manager{listeners: ls}
}

// Add registers l.
func (m *Manager) Add(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Len returns the number of registered listeners.
func (m *Manager) Len() int {
	return len(m.listeners)
}

// OnStarting notifies that the worker is starting.
func (m *Manager) OnStarting(ctx context.Context) error {
	return m.each(func(l Listener) error { return l.OnStarting(ctx) })
}

// OnTaskInstanceRunning notifies that the task body is about to run.
func (m *Manager) OnTaskInstanceRunning(ctx context.Context, ev Event) error {
	return m.each(func(l Listener) error { return l.OnTaskInstanceRunning(ctx, ev) })
}

// OnTaskInstanceSuccess notifies a successful attempt.
func (m *Manager) OnTaskInstanceSuccess(ctx context.Context, ev Event) error {
	return m.each(func(l Listener) error { return l.OnTaskInstanceSuccess(ctx, ev) })
}

// OnTaskInstanceFailed notifies a failed or retried attempt.
func (m *Manager) OnTaskInstanceFailed(ctx context.Context, ev Event) error {
	return m.each(func(l Listener) error { return l.OnTaskInstanceFailed(ctx, ev) })
}

// BeforeStopping notifies that the worker is about to exit.
func (m *Manager) BeforeStopping(ctx context.Context) error {
	return m.each(func(l Listener) error { return l.BeforeStopping(ctx) })
}

// each calls fn for every listener, even after one fails or panics, and
// joins the errors.
func (m *Manager) each(fn func(Listener) error) error {
	var errs []error
	for _, l := range m.listeners {
		if err := call(l, fn); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", l, err))
		}
	}
	return errors.Join(errs...)
}

func call(l Listener, fn func(Listener) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return fn(l)
}
