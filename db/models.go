// Package db provides the persistent store of the jobmon services: the gorm
// models, the postgres connection, transaction helpers with row-lock
// timeouts, and the schema migration. All timestamps are stamped with the
// database server clock so audit rows stay ordered no matter which service
// wrote them.
package db

import (
	"encoding/json"
	"time"

	"jobmon.evalgo.org/fsm"
)

// Tool is the top of the metadata hierarchy: a named piece of software that
// workflows are built around.
type Tool struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;size:255;not null" json:"name"`
	CreatedDate time.Time `gorm:"not null" json:"created_date"`

	Versions []ToolVersion `gorm:"foreignKey:ToolID" json:"-"`
}

// ToolVersion pins one released version of a tool.
type ToolVersion struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	ToolID      int64     `gorm:"index;not null;uniqueIndex:uq_tool_version" json:"tool_id"`
	Name        string    `gorm:"size:255;not null;uniqueIndex:uq_tool_version" json:"name"`
	CreatedDate time.Time `gorm:"not null" json:"created_date"`
}

// TaskTemplate names a reusable unit of work under a tool version.
type TaskTemplate struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	ToolVersionID int64     `gorm:"index;not null;uniqueIndex:uq_task_template" json:"tool_version_id"`
	Name          string    `gorm:"size:255;not null;uniqueIndex:uq_task_template" json:"name"`
	CreatedDate   time.Time `gorm:"not null" json:"created_date"`
}

// TaskTemplateVersion freezes the command template and the argument split of
// a task template. ArgsHash fingerprints the three argument lists so clients
// that re-register an identical version get the existing row back.
type TaskTemplateVersion struct {
	ID              int64     `gorm:"primaryKey" json:"id"`
	TaskTemplateID  int64     `gorm:"index;not null;uniqueIndex:uq_ttv" json:"task_template_id"`
	CommandTemplate string    `gorm:"type:text;not null" json:"command_template"`
	ArgsHash        string    `gorm:"size:64;not null;uniqueIndex:uq_ttv" json:"args_hash"`
	NodeArgs        string    `gorm:"type:text" json:"node_args"`
	TaskArgs        string    `gorm:"type:text" json:"task_args"`
	OpArgs          string    `gorm:"type:text" json:"op_args"`
	CreatedDate     time.Time `gorm:"not null" json:"created_date"`
}

// Dag is a persisted task graph, deduplicated by the hash of its edge set.
type Dag struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	Hash        string    `gorm:"uniqueIndex;size:64;not null" json:"hash"`
	CreatedDate time.Time `gorm:"not null" json:"created_date"`
}

// Node is one vertex of a dag: a task template version applied to one
// concrete node-argument binding.
type Node struct {
	ID                    int64     `gorm:"primaryKey" json:"id"`
	TaskTemplateVersionID int64     `gorm:"index;not null;uniqueIndex:uq_node" json:"task_template_version_id"`
	NodeArgsHash          string    `gorm:"size:64;not null;uniqueIndex:uq_node" json:"node_args_hash"`
	NodeArgs              string    `gorm:"type:text" json:"node_args"`
	CreatedDate           time.Time `gorm:"not null" json:"created_date"`
}

// Edge stores the adjacency of one node inside one dag. Upstream and
// downstream ids are JSON arrays, mirroring how clients ship them.
type Edge struct {
	DagID           int64  `gorm:"primaryKey;autoIncrement:false" json:"dag_id"`
	NodeID          int64  `gorm:"primaryKey;autoIncrement:false" json:"node_id"`
	UpstreamNodes   string `gorm:"type:text" json:"upstream_nodes"`
	DownstreamNodes string `gorm:"type:text" json:"downstream_nodes"`
}

// Workflow is one logical pipeline bound to a dag. Identity is the tuple
// (tool_version, dag, args hash, task hash): re-creating the same workflow
// returns the existing row.
type Workflow struct {
	ID               int64              `gorm:"primaryKey" json:"id"`
	ToolVersionID    int64              `gorm:"index;not null;uniqueIndex:uq_workflow" json:"tool_version_id"`
	DagID            int64              `gorm:"not null;uniqueIndex:uq_workflow" json:"dag_id"`
	WorkflowArgsHash string             `gorm:"size:64;not null;uniqueIndex:uq_workflow" json:"workflow_args_hash"`
	TaskHash         string             `gorm:"size:64;not null;uniqueIndex:uq_workflow" json:"task_hash"`
	Name             string             `gorm:"size:512" json:"name"`
	Description      string             `gorm:"type:text" json:"description"`
	Owner            string             `gorm:"size:255;index" json:"owner"`
	MaxConcurrency   int                `gorm:"not null;default:10000" json:"max_concurrently_running"`
	Status           fsm.WorkflowStatus `gorm:"size:1;not null;index" json:"status"`
	StatusDate       time.Time          `gorm:"not null" json:"status_date"`
	CreatedDate      time.Time          `gorm:"not null" json:"created_date"`
}

// WorkflowRun is one attempt to drive a workflow to completion. At most one
// run per workflow is live; its heartbeat_date is what the reaper watches.
type WorkflowRun struct {
	ID            int64                 `gorm:"primaryKey" json:"id"`
	WorkflowID    int64                 `gorm:"index;not null" json:"workflow_id"`
	User          string                `gorm:"column:username;size:255" json:"user"`
	ClientVersion string                `gorm:"size:64" json:"client_version"`
	Status        fsm.WorkflowRunStatus `gorm:"size:1;not null;index" json:"status"`
	CreatedDate   time.Time             `gorm:"not null" json:"created_date"`
	StatusDate    time.Time             `gorm:"not null" json:"status_date"`
	HeartbeatDate time.Time             `gorm:"not null;index" json:"heartbeat_date"`
}

// Array groups the tasks of one task template inside a workflow so they can
// be submitted to the cluster as array batches. BatchNumber counts the
// batches queued so far; each queue-batch call claims the next number.
type Array struct {
	ID                     int64     `gorm:"primaryKey" json:"id"`
	WorkflowID             int64     `gorm:"index;not null;uniqueIndex:uq_array" json:"workflow_id"`
	TaskTemplateVersionID  int64     `gorm:"not null;uniqueIndex:uq_array" json:"task_template_version_id"`
	Name                   string    `gorm:"size:255" json:"name"`
	MaxConcurrentlyRunning int       `gorm:"not null;default:10000" json:"max_concurrently_running"`
	BatchNumber            int       `gorm:"not null;default:0" json:"batch_number"`
	CreatedDate            time.Time `gorm:"not null" json:"created_date"`
}

// Task is the unit of work the FSM governs. num_attempts counts the
// instances created for it; once it reaches max_attempts a failing instance
// turns the task fatal instead of re-queueing it.
type Task struct {
	ID              int64          `gorm:"primaryKey" json:"id"`
	WorkflowID      int64          `gorm:"index;not null;uniqueIndex:uq_task" json:"workflow_id"`
	NodeID          int64          `gorm:"not null;uniqueIndex:uq_task" json:"node_id"`
	ArrayID         int64          `gorm:"index;not null" json:"array_id"`
	TaskArgsHash    string         `gorm:"size:64;not null;uniqueIndex:uq_task" json:"task_args_hash"`
	Name            string         `gorm:"size:512" json:"name"`
	Command         string         `gorm:"type:text;not null" json:"command"`
	NumAttempts     int            `gorm:"not null;default:0" json:"num_attempts"`
	MaxAttempts     int            `gorm:"not null;default:3" json:"max_attempts"`
	ResourceScale   float64        `gorm:"not null;default:0.5" json:"resource_scale"`
	TaskResourcesID *int64         `json:"task_resources_id"`
	Status          fsm.TaskStatus `gorm:"size:1;not null;index" json:"status"`
	StatusDate      time.Time      `gorm:"not null" json:"status_date"`
	CreatedDate     time.Time      `gorm:"not null" json:"created_date"`
}

// TaskInstance is one execution attempt of a task on the cluster.
// report_by_date is the heartbeat promise; the reaper fails instances that
// let it lapse while launched or running.
type TaskInstance struct {
	ID                  int64                  `gorm:"primaryKey" json:"id"`
	TaskID              int64                  `gorm:"index;not null" json:"task_id"`
	WorkflowRunID       int64                  `gorm:"index;not null" json:"workflow_run_id"`
	ArrayID             int64                  `gorm:"index;not null" json:"array_id"`
	ArrayBatchNum       int                    `gorm:"not null" json:"array_batch_num"`
	ArrayStepID         int                    `gorm:"not null" json:"array_step_id"`
	Status              fsm.TaskInstanceStatus `gorm:"size:1;not null;index" json:"status"`
	DistributorID       string                 `gorm:"size:64;index" json:"distributor_id"`
	Nodename            string                 `gorm:"size:255" json:"nodename"`
	ProcessGroupID      int                    `json:"process_group_id"`
	Stdout              string                 `gorm:"type:text" json:"stdout"`
	Stderr              string                 `gorm:"type:text" json:"stderr"`
	Wallclock           *int64                 `json:"wallclock"`
	Maxrss              *int64                 `json:"maxrss"`
	NextReportIncrement int                    `gorm:"not null;default:300" json:"next_report_increment"`
	ReportByDate        time.Time              `gorm:"index" json:"report_by_date"`
	SubmittedDate       *time.Time             `json:"submitted_date"`
	StatusDate          time.Time              `gorm:"not null" json:"status_date"`
}

// TaskInstanceErrorLog keeps the message attached to a failed instance.
type TaskInstanceErrorLog struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	TaskInstanceID int64     `gorm:"index;not null" json:"task_instance_id"`
	ErrorTime      time.Time `gorm:"not null" json:"error_time"`
	Description    string    `gorm:"type:text" json:"description"`
}

// TaskStatusAudit is the append-only trail of task status changes. Each row
// chains to the previous one: new_status of row i equals previous_status of
// row i+1.
type TaskStatusAudit struct {
	ID             int64          `gorm:"primaryKey" json:"id"`
	TaskID         int64          `gorm:"index;not null" json:"task_id"`
	WorkflowRunID  *int64         `json:"workflow_run_id"`
	PreviousStatus fsm.TaskStatus `gorm:"size:1;not null" json:"previous_status"`
	NewStatus      fsm.TaskStatus `gorm:"size:1;not null" json:"new_status"`
	StatusTime     time.Time      `gorm:"not null" json:"status_time"`
}

// TaskResources is one immutable resource request. Tasks point at the row
// that currently binds them; resource retries create a new row with scaled
// values and repoint the task.
type TaskResources struct {
	ID                 int64  `gorm:"primaryKey" json:"id"`
	Queue              string `gorm:"size:255" json:"queue"`
	RequestedResources string `gorm:"type:jsonb" json:"requested_resources"`
}

// ResourceRequest is the decoded form of TaskResources.RequestedResources.
type ResourceRequest struct {
	MemoryGB       float64 `json:"memory_gb"`
	RuntimeSeconds int64   `json:"runtime_seconds"`
	Cores          int     `json:"cores"`
	Queue          string  `json:"queue,omitempty"`
}

// Decode parses the stored JSON request.
func (tr *TaskResources) Decode() (*ResourceRequest, error) {
	req := &ResourceRequest{}
	if tr.RequestedResources == "" {
		return req, nil
	}
	if err := json.Unmarshal([]byte(tr.RequestedResources), req); err != nil {
		return nil, err
	}
	return req, nil
}

// Encode serializes the request for storage.
func (r *ResourceRequest) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReaperLease is the single-row lease that keeps reaper sweeps exclusive
// when several reaper processes run against one database.
type ReaperLease struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Holder    string    `gorm:"size:255;not null" json:"holder"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
}
