package fsm

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition matches every transition the tables reject. Callers
// that only care about the class use errors.Is; the concrete type carries the
// entity and states for the error payload.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports an attempt to move an entity between two
// states the transition tables do not connect.
type InvalidTransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %d cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewTaskTransitionError builds the rejection for a task status change.
func NewTaskTransitionError(id int64, from, to TaskStatus) error {
	return &InvalidTransitionError{Entity: "task", ID: id, From: string(from), To: string(to)}
}

// NewInstanceTransitionError builds the rejection for a task-instance status change.
func NewInstanceTransitionError(id int64, from, to TaskInstanceStatus) error {
	return &InvalidTransitionError{Entity: "task_instance", ID: id, From: string(from), To: string(to)}
}

// NewWorkflowTransitionError builds the rejection for a workflow status change.
func NewWorkflowTransitionError(id int64, from, to WorkflowStatus) error {
	return &InvalidTransitionError{Entity: "workflow", ID: id, From: string(from), To: string(to)}
}

// NewRunTransitionError builds the rejection for a workflow-run status change.
func NewRunTransitionError(id int64, from, to WorkflowRunStatus) error {
	return &InvalidTransitionError{Entity: "workflow_run", ID: id, From: string(from), To: string(to)}
}
