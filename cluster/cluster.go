// Package cluster defines the contract between the distributor loop and a
// compute backend. A plugin turns queued array batches into cluster jobs and
// answers polls about them; everything stateful about a batch stays in the
// distributor.
package cluster

import (
	"context"
	"errors"
	"fmt"

	"jobmon.evalgo.org/db"
)

// Instance is one task instance inside a submitted batch. StepID is the
// zero-based position in the cluster array.
type Instance struct {
	TaskInstanceID int64
	StepID         int
	Command        string
}

// Submission is one array batch handed to the cluster.
type Submission struct {
	WorkflowRunID int64
	ArrayID       int64
	BatchNumber   int
	Name          string
	Queue         string
	Resources     db.ResourceRequest
	Instances     []Instance
}

// JobStatus is the plugin's view of one distributor id.
type JobStatus string

const (
	// StatusPending means the job sits in the cluster queue.
	StatusPending JobStatus = "pending"
	// StatusRunning means the job holds a node.
	StatusRunning JobStatus = "running"
	// StatusDone means the job left the cluster; the worker's own report
	// settles whether it succeeded.
	StatusDone JobStatus = "done"
	// StatusKilled means the cluster ended the job itself, over a memory or
	// runtime limit or an operator cancel.
	StatusKilled JobStatus = "killed"
	// StatusLost means the cluster never heard of the id.
	StatusLost JobStatus = "lost"
)

// Plugin is a compute backend. Implementations must be safe for use by the
// single distributor goroutine plus the kill sweep.
type Plugin interface {
	// Name identifies the backend in logs and journal records.
	Name() string

	// SubmitArray submits one batch and returns a distributor id per task
	// instance. A partial result is an error; the distributor marks the
	// whole batch no-distributor-id and requeues.
	SubmitArray(ctx context.Context, sub Submission) (map[int64]string, error)

	// Status polls the given distributor ids. Ids missing from the result
	// are treated as StatusDone.
	Status(ctx context.Context, distributorIDs []string) (map[string]JobStatus, error)

	// Kill cancels the given distributor ids. Unknown ids are not an error.
	Kill(ctx context.Context, distributorIDs []string) error
}

// ErrSubmitTemporary marks a submission refused for transient reasons, a
// full queue or a submission rate limit; the distributor leaves the batch
// queued and tries again next tick.
var ErrSubmitTemporary = errors.New("temporary submission failure")

// NewTemporarySubmitError wraps a transient refusal.
func NewTemporarySubmitError(detail string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%s: %v: %w", detail, cause, ErrSubmitTemporary)
	}
	return fmt.Errorf("%s: %w", detail, ErrSubmitTemporary)
}
