package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Unmapped is the map index of a task instance that is not part of a mapped expansion.
const Unmapped = -1

// TaskInstance identifies one attempt of one task within one workflow run.
type TaskInstance struct {
	ID        uuid.UUID `json:"id"`
	DagID     string    `json:"dag_id"`
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	MapIndex  int       `json:"map_index"`
	TryNumber int       `json:"try_number"`
}

// String renders the instance key used in logs and error messages.
func (ti TaskInstance) String() string {
	return fmt.Sprintf("%s.%s[%s] map_index=%d try=%d", ti.DagID, ti.TaskID, ti.RunID, ti.MapIndex, ti.TryNumber)
}

// BundleInfo names the versioned location the task logic is resolved from.
type BundleInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// AssetEvent is a reference to an upstream asset event consumed by a run.
type AssetEvent struct {
	AssetName string         `json:"asset_name"`
	AssetURI  string         `json:"asset_uri"`
	Extra     map[string]any `json:"extra,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DagRun is the workflow run a task instance belongs to.
type DagRun struct {
	DagID               string         `json:"dag_id"`
	RunID               string         `json:"run_id"`
	LogicalDate         *time.Time     `json:"logical_date,omitempty"`
	DataIntervalStart   *time.Time     `json:"data_interval_start,omitempty"`
	DataIntervalEnd     *time.Time     `json:"data_interval_end,omitempty"`
	RunAfter            time.Time      `json:"run_after"`
	StartDate           time.Time      `json:"start_date"`
	EndDate             *time.Time     `json:"end_date,omitempty"`
	RunType             string         `json:"run_type"`
	State               DagRunState    `json:"state,omitempty"`
	Conf                map[string]any `json:"conf,omitempty"`
	ConsumedAssetEvents []AssetEvent   `json:"consumed_asset_events,omitempty"`
}

// RunContext carries the facts the server computed for this attempt.
type RunContext struct {
	DagRun              DagRun         `json:"dag_run"`
	MaxTries            int            `json:"max_tries"`
	ShouldRetry         bool           `json:"should_retry"`
	TaskRescheduleCount int            `json:"task_reschedule_count"`
	NextMethod          string         `json:"next_method,omitempty"`
	NextKwargs          map[string]any `json:"next_kwargs,omitempty"`
	XComKeysToClear     []string       `json:"xcom_keys_to_clear,omitempty"`
	UpstreamMapIndexes  map[string]int `json:"upstream_map_indexes,omitempty"`
}

// Connection holds the details needed to reach an external system.
type Connection struct {
	ConnID   string `json:"conn_id"`
	ConnType string `json:"conn_type"`
	Host     string `json:"host,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Login    string `json:"login,omitempty"`
	Password string `json:"password,omitempty"`
	Port     int    `json:"port,omitempty"`
	Extra    string `json:"extra,omitempty"`
}

// AssetProfile describes one declared inlet or outlet for lineage reporting.
type AssetProfile struct {
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
	Type string `json:"type"`
}

// TaskInstanceRecord is the supervisor-side record of a task instance.
type TaskInstanceRecord struct {
	TaskInstance
	Bundle         BundleInfo `json:"bundle"`
	DagRelPath     string     `json:"dag_rel_path"`
	State          TaskState  `json:"state"`
	Hostname       string     `json:"hostname,omitempty"`
	Error          string     `json:"error,omitempty"`
	MaxTries       int        `json:"max_tries"`
	RescheduleDate *time.Time `json:"reschedule_date,omitempty"`
	QueuedAt       time.Time  `json:"queued_at"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`

	// Set while DEFERRED: the trigger to wait for and where to resume.
	NextMethod string         `json:"next_method,omitempty"`
	NextKwargs map[string]any `json:"next_kwargs,omitempty"`
	Trigger    *TriggerSpec   `json:"trigger,omitempty"`
}

// TriggerSpec is the serialized trigger a deferred task instance waits on.
type TriggerSpec struct {
	Classpath string         `json:"classpath"`
	Kwargs    map[string]any `json:"kwargs"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
}

// LogLine is one captured line of worker output.
type LogLine struct {
	Seq  int       `json:"seq"`
	Line string    `json:"line"`
	Time time.Time `json:"time"`
}
