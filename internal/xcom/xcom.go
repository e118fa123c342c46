// Package xcom stores and retrieves the small named values task instances
// exchange with each other.
package xcom

import (
	"context"
	"errors"
	"fmt"
)

// ReturnValueKey is the key a task's return value is stored under.
const ReturnValueKey = "return_value"

// ErrNotFound is returned by a Backend when no value is stored at a key.
var ErrNotFound = errors.New("xcom not found")

// Key is the composite identity of one XCom value.
type Key struct {
	DagID    string `json:"dag_id"`
	TaskID   string `json:"task_id"`
	RunID    string `json:"run_id"`
	MapIndex int    `json:"map_index"`
	Name     string `json:"key"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%d/%s", k.DagID, k.RunID, k.TaskID, k.MapIndex, k.Name)
}

// Backend persists XCom values. A Set replaces any value already stored at
// the same key.
type Backend interface {
	GetXCom(ctx context.Context, key Key) (any, error)
	SetXCom(ctx context.Context, key Key, value any, mappedLength *int) error
	DeleteXCom(ctx context.Context, key Key) error
}

// PriorReader is implemented by backends that can resolve a key against the
// most recent earlier run of the same DAG when the key's own run has no value.
type PriorReader interface {
	GetXComPrior(ctx context.Context, key Key) (any, error)
}
