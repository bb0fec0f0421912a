// Package events publishes workflow lifecycle notifications to RabbitMQ.
// Every committed state transition (workflow run, task, task instance) can be
// mirrored onto a topic exchange so external monitors and notification
// pipelines observe progress without polling the database.
//
// Publishing is best effort: the state store is the source of truth and a
// broker outage must never fail or roll back a transition. Callers therefore
// log publish errors and move on.
package events

import "time"

// Event is a single lifecycle notification.
type Event struct {
	// Kind names the entity that moved: "workflow", "workflow_run",
	// "task" or "task_instance".
	Kind string `json:"kind"`

	WorkflowID     int64 `json:"workflow_id,omitempty"`
	WorkflowRunID  int64 `json:"workflow_run_id,omitempty"`
	TaskID         int64 `json:"task_id,omitempty"`
	TaskInstanceID int64 `json:"task_instance_id,omitempty"`

	// Previous and Current are the single-letter state codes.
	Previous string `json:"previous"`
	Current  string `json:"current"`

	Time time.Time `json:"time"`
}

// RoutingKey returns the topic key an event is published under,
// e.g. "task.F" or "workflow_run.D". Consumers bind with patterns
// such as "task_instance.*" or "*.F".
func (e Event) RoutingKey() string {
	return e.Kind + "." + e.Current
}

// Publisher delivers lifecycle events to interested consumers.
type Publisher interface {
	// Publish delivers one event. Implementations must be safe for
	// concurrent use.
	Publish(event Event) error

	// Close releases broker resources.
	Close() error
}

// NopPublisher discards all events. It is the default when the events
// subsystem is disabled in configuration.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(Event) error { return nil }

// Close is a no-op.
func (NopPublisher) Close() error { return nil }
