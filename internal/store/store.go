// Package store persists the supervisor-side state of task instances: their
// records and logs, the dag runs they belong to, XComs, rendered fields,
// variables, connections, and reschedules.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/xcom"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a record with the same key exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidTransition is returned when a task state transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Stats holds aggregate execution statistics.
type Stats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	CountByDag    map[string]int `json:"count_by_dag"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations of the supervisor.
type Store interface {
	xcom.Backend

	CreateTaskInstance(ctx context.Context, ti *model.TaskInstanceRecord) error
	GetTaskInstance(ctx context.Context, id uuid.UUID) (*model.TaskInstanceRecord, error)
	ListTaskInstances(ctx context.Context, limit, offset int) ([]*model.TaskInstanceRecord, int, error)
	UpdateTaskInstanceState(ctx context.Context, id uuid.UUID, state model.TaskState) error
	UpdateTaskInstance(ctx context.Context, ti *model.TaskInstanceRecord) error
	GetStats(ctx context.Context) (*Stats, error)

	InsertLogLine(ctx context.Context, tiID uuid.UUID, seq int, line string) error
	GetLogLines(ctx context.Context, tiID uuid.UUID) ([]model.LogLine, error)

	CreateDagRun(ctx context.Context, run *model.DagRun) error
	GetDagRun(ctx context.Context, dagID, runID string) (*model.DagRun, error)
	UpdateDagRunState(ctx context.Context, dagID, runID string, state model.DagRunState) error
	PrevSuccessfulDagRun(ctx context.Context, dagID string, before time.Time) (*model.DagRun, error)
	SkipTasks(ctx context.Context, dagID, runID string, taskIDs []string) error
	SkippedTasks(ctx context.Context, dagID, runID string) ([]string, error)

	XComKeys(ctx context.Context, dagID, taskID, runID string, mapIndex int) ([]string, error)

	SetRenderedFields(ctx context.Context, tiID uuid.UUID, fields map[string]any) error
	GetRenderedFields(ctx context.Context, tiID uuid.UUID) (map[string]any, error)

	SetVariable(ctx context.Context, key, value string) error
	GetVariable(ctx context.Context, key string) (string, error)
	SetConnection(ctx context.Context, conn model.Connection) error
	GetConnection(ctx context.Context, connID string) (model.Connection, error)

	AddReschedule(ctx context.Context, tiID uuid.UUID, tryNumber int, startDate, rescheduleDate time.Time) error
	FirstRescheduleStartDate(ctx context.Context, tiID uuid.UUID, tryNumber int) (*time.Time, error)
	RescheduleCount(ctx context.Context, tiID uuid.UUID) (int, error)

	Close() error
}
