package comms

import (
	"time"

	"github.com/google/uuid"

	"github.com/dabla/taskrunner/internal/model"
)

// Message is one variant of the closed set of records exchanged between the
// worker and its supervisor.
type Message interface {
	messageType() string
}

// ErrorType classifies an ErrorResponse.
type ErrorType string

// Error kinds reported by the supervisor.
const (
	ErrDagRunAlreadyExists ErrorType = "DAGRUN_ALREADY_EXISTS"
	ErrXComNotFound        ErrorType = "XCOM_NOT_FOUND"
	ErrVariableNotFound    ErrorType = "VARIABLE_NOT_FOUND"
	ErrConnectionNotFound  ErrorType = "CONNECTION_NOT_FOUND"
	ErrGeneric             ErrorType = "GENERIC_ERROR"
)

// Supervisor → worker.

// StartupDetails is the first message a worker receives. It names the task
// instance, where its code lives, and how to reach the supervisor for requests.
type StartupDetails struct {
	TI           model.TaskInstance `json:"ti"`
	DagRelPath   string             `json:"dag_rel_path"`
	BundleInfo   model.BundleInfo   `json:"bundle_info"`
	RequestsFD   int                `json:"requests_fd,omitempty"`
	RequestsAddr string             `json:"requests_addr,omitempty"`
	StartDate    time.Time          `json:"start_date"`
	TIContext    model.RunContext   `json:"ti_context"`
}

// XComResult answers GetXCom. A nil Value means nothing was stored.
type XComResult struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// VariableResult answers GetVariable.
type VariableResult struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConnectionResult answers GetConnection.
type ConnectionResult struct {
	model.Connection
}

// DagRunStateResult answers GetDagRunState.
type DagRunStateResult struct {
	State model.DagRunState `json:"state"`
}

// TaskRescheduleStartDate answers GetTaskRescheduleStartDate.
type TaskRescheduleStartDate struct {
	StartDate *time.Time `json:"start_date"`
}

// PrevSuccessfulDagRunResult answers GetPrevSuccessfulDagRun. All fields are
// nil when there was no previous successful run.
type PrevSuccessfulDagRunResult struct {
	DataIntervalStart *time.Time `json:"data_interval_start"`
	DataIntervalEnd   *time.Time `json:"data_interval_end"`
	StartDate         *time.Time `json:"start_date"`
	EndDate           *time.Time `json:"end_date"`
}

// ErrorResponse is sent instead of the expected reply when a request failed.
type ErrorResponse struct {
	Error  ErrorType      `json:"error"`
	Detail map[string]any `json:"detail,omitempty"`
}

// OKResponse acknowledges a request that has no other payload.
type OKResponse struct {
	OK bool `json:"ok"`
}

// Worker → supervisor.

// SetRenderedFields persists the rendered template fields of the task.
type SetRenderedFields struct {
	RenderedFields map[string]any `json:"rendered_fields"`
}

// SucceedTask reports SUCCESS together with lineage.
type SucceedTask struct {
	EndDate      time.Time            `json:"end_date"`
	TaskOutlets  []model.AssetProfile `json:"task_outlets"`
	OutletEvents []map[string]any     `json:"outlet_events"`
}

// TaskState reports a terminal state other than SUCCESS.
type TaskState struct {
	State   model.TaskState `json:"state"`
	EndDate time.Time       `json:"end_date"`
}

// RetryTask reports UP_FOR_RETRY.
type RetryTask struct {
	EndDate time.Time `json:"end_date"`
}

// RescheduleTask reports UP_FOR_RESCHEDULE.
type RescheduleTask struct {
	RescheduleDate time.Time `json:"reschedule_date"`
	EndDate        time.Time `json:"end_date"`
}

// DeferTask reports DEFERRED with the trigger to run and how to resume.
type DeferTask struct {
	Classpath      string         `json:"classpath"`
	TriggerKwargs  map[string]any `json:"trigger_kwargs"`
	TriggerTimeout time.Duration  `json:"trigger_timeout,omitempty"`
	NextMethod     string         `json:"next_method"`
	NextKwargs     map[string]any `json:"next_kwargs"`
}

// SkipDownstreamTasks asks the supervisor to skip the named downstream tasks.
type SkipDownstreamTasks struct {
	Tasks []string `json:"tasks"`
}

// TriggerDagRun asks the supervisor to create a run of another workflow.
type TriggerDagRun struct {
	DagID       string         `json:"dag_id"`
	RunID       string         `json:"run_id"`
	LogicalDate *time.Time     `json:"logical_date,omitempty"`
	Conf        map[string]any `json:"conf,omitempty"`
	ResetDagRun bool           `json:"reset_dag_run"`
}

// GetDagRunState asks for the current state of a workflow run.
type GetDagRunState struct {
	DagID string `json:"dag_id"`
	RunID string `json:"run_id"`
}

// GetTaskRescheduleStartDate asks when the first reschedule of a try started.
type GetTaskRescheduleStartDate struct {
	TIID      uuid.UUID `json:"ti_id"`
	TryNumber int       `json:"try_number"`
}

// GetXCom reads one XCom value.
type GetXCom struct {
	Key               string `json:"key"`
	DagID             string `json:"dag_id"`
	RunID             string `json:"run_id"`
	TaskID            string `json:"task_id"`
	MapIndex          int    `json:"map_index"`
	IncludePriorDates bool   `json:"include_prior_dates,omitempty"`
}

// SetXCom stores one XCom value.
type SetXCom struct {
	Key          string `json:"key"`
	Value        any    `json:"value"`
	DagID        string `json:"dag_id"`
	RunID        string `json:"run_id"`
	TaskID       string `json:"task_id"`
	MapIndex     int    `json:"map_index"`
	MappedLength *int   `json:"mapped_length,omitempty"`
}

// DeleteXCom removes one XCom value.
type DeleteXCom struct {
	Key      string `json:"key"`
	DagID    string `json:"dag_id"`
	RunID    string `json:"run_id"`
	TaskID   string `json:"task_id"`
	MapIndex int    `json:"map_index"`
}

// GetVariable reads a variable.
type GetVariable struct {
	Key string `json:"key"`
}

// GetConnection reads a connection.
type GetConnection struct {
	ConnID string `json:"conn_id"`
}

// GetPrevSuccessfulDagRun asks for the last successful run before this instance's run.
type GetPrevSuccessfulDagRun struct {
	TIID uuid.UUID `json:"ti_id"`
}

func (*StartupDetails) messageType() string             { return "StartupDetails" }
func (*XComResult) messageType() string                 { return "XComResult" }
func (*VariableResult) messageType() string             { return "VariableResult" }
func (*ConnectionResult) messageType() string           { return "ConnectionResult" }
func (*DagRunStateResult) messageType() string          { return "DagRunStateResult" }
func (*TaskRescheduleStartDate) messageType() string    { return "TaskRescheduleStartDate" }
func (*PrevSuccessfulDagRunResult) messageType() string { return "PrevSuccessfulDagRunResult" }
func (*ErrorResponse) messageType() string              { return "ErrorResponse" }
func (*OKResponse) messageType() string                 { return "OKResponse" }
func (*SetRenderedFields) messageType() string          { return "SetRenderedFields" }
func (*SucceedTask) messageType() string                { return "SucceedTask" }
func (*TaskState) messageType() string                  { return "TaskState" }
func (*RetryTask) messageType() string                  { return "RetryTask" }
func (*RescheduleTask) messageType() string             { return "RescheduleTask" }
func (*DeferTask) messageType() string                  { return "DeferTask" }
func (*SkipDownstreamTasks) messageType() string        { return "SkipDownstreamTasks" }
func (*TriggerDagRun) messageType() string              { return "TriggerDagRun" }
func (*GetDagRunState) messageType() string             { return "GetDagRunState" }
func (*GetTaskRescheduleStartDate) messageType() string { return "GetTaskRescheduleStartDate" }
func (*GetXCom) messageType() string                    { return "GetXCom" }
func (*SetXCom) messageType() string                    { return "SetXCom" }
func (*DeleteXCom) messageType() string                 { return "DeleteXCom" }
func (*GetVariable) messageType() string                { return "GetVariable" }
func (*GetConnection) messageType() string              { return "GetConnection" }
func (*GetPrevSuccessfulDagRun) messageType() string    { return "GetPrevSuccessfulDagRun" }

// variants maps each wire type name to a constructor for decoding.
var variants = map[string]func() Message{
	"StartupDetails":             func() Message { return &StartupDetails{} },
	"XComResult":                 func() Message { return &XComResult{} },
	"VariableResult":             func() Message { return &VariableResult{} },
	"ConnectionResult":           func() Message { return &ConnectionResult{} },
	"DagRunStateResult":          func() Message { return &DagRunStateResult{} },
	"TaskRescheduleStartDate":    func() Message { return &TaskRescheduleStartDate{} },
	"PrevSuccessfulDagRunResult": func() Message { return &PrevSuccessfulDagRunResult{} },
	"ErrorResponse":              func() Message { return &ErrorResponse{} },
	"OKResponse":                 func() Message { return &OKResponse{} },
	"SetRenderedFields":          func() Message { return &SetRenderedFields{} },
	"SucceedTask":                func() Message { return &SucceedTask{} },
	"TaskState":                  func() Message { return &TaskState{} },
	"RetryTask":                  func() Message { return &RetryTask{} },
	"RescheduleTask":             func() Message { return &RescheduleTask{} },
	"DeferTask":                  func() Message { return &DeferTask{} },
	"SkipDownstreamTasks":        func() Message { return &SkipDownstreamTasks{} },
	"TriggerDagRun":              func() Message { return &TriggerDagRun{} },
	"GetDagRunState":             func() Message { return &GetDagRunState{} },
	"GetTaskRescheduleStartDate": func() Message { return &GetTaskRescheduleStartDate{} },
	"GetXCom":                    func() Message { return &GetXCom{} },
	"SetXCom":                    func() Message { return &SetXCom{} },
	"DeleteXCom":                 func() Message { return &DeleteXCom{} },
	"GetVariable":                func() Message { return &GetVariable{} },
	"GetConnection":              func() Message { return &GetConnection{} },
	"GetPrevSuccessfulDagRun":    func() Message { return &GetPrevSuccessfulDagRun{} },
}

// TypeName returns the wire type name of msg.
func TypeName(msg Message) string {
	return msg.messageType()
}

// ExpectsReply reports whether the supervisor answers msg. Every other
// request is fire-and-forget.
func ExpectsReply(msg Message) bool {
	switch msg.(type) {
	case *GetXCom, *GetVariable, *GetConnection, *GetDagRunState,
		*GetTaskRescheduleStartDate, *GetPrevSuccessfulDagRun, *TriggerDagRun:
		return true
	}
	return false
}

// IsOutcome reports whether msg is one of the final state reports.
func IsOutcome(msg Message) bool {
	switch msg.(type) {
	case *SucceedTask, *TaskState, *RetryTask, *RescheduleTask, *DeferTask:
		return true
	}
	return false
}
