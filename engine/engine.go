// Package engine implements the authoritative workflow state machine. Every
// status write in jobmon funnels through one of the operations here, each of
// which runs inside a single database transaction with row locks taken in a
// fixed order: workflow, then workflow run, then tasks ascending by ID, then
// task instances. The fsm package supplies transition legality; this package
// supplies atomicity, auditing and the aggregation of instance outcomes onto
// their parent tasks.
package engine

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/events"
	"jobmon.evalgo.org/fsm"
)

// MaxBulkSize caps the number of rows a single bulk request may touch.
// Larger requests must be chunked by the caller.
const MaxBulkSize = 10000

// Engine coordinates all state transitions against the persistent store.
type Engine struct {
	store  *db.Store
	events events.Publisher
	log    *logrus.Entry
}

// New creates an engine on top of the given store. A nil publisher disables
// lifecycle events.
func New(store *db.Store, publisher events.Publisher) *Engine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Engine{
		store:  store,
		events: publisher,
		log:    common.ComponentLogger("engine"),
	}
}

// checkBulkSize rejects oversized bulk requests before any row is touched.
func checkBulkSize(n int) error {
	if n > MaxBulkSize {
		return common.NewSchemaViolationError("bulk request exceeds 10000 rows")
	}
	return nil
}

// publish emits a lifecycle event after the owning transaction has committed.
// Publishing is best effort; a broker failure is logged and swallowed.
func (e *Engine) publish(event events.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if err := e.events.Publish(event); err != nil {
		e.log.WithError(err).WithField("routing_key", event.RoutingKey()).Warn("failed to publish lifecycle event")
	}
}

// lockTask loads a task row under FOR UPDATE. The parent task lock is always
// taken before its instances are written so that concurrent aggregations
// serialize on the task row.
func lockTask(tx *gorm.DB, taskID int64) (*db.Task, error) {
	var task db.Task
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&task, "id = ?", taskID).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// lockInstance loads a task instance row under FOR UPDATE.
func lockInstance(tx *gorm.DB, instanceID int64) (*db.TaskInstance, error) {
	var ti db.TaskInstance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&ti, "id = ?", instanceID).Error
	if err != nil {
		return nil, err
	}
	return &ti, nil
}

// lockWorkflow loads a workflow row under FOR UPDATE.
func lockWorkflow(tx *gorm.DB, workflowID int64) (*db.Workflow, error) {
	var wf db.Workflow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&wf, "id = ?", workflowID).Error
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// lockWorkflowRun loads a workflow run row under FOR UPDATE.
func lockWorkflowRun(tx *gorm.DB, runID int64) (*db.WorkflowRun, error) {
	var run db.WorkflowRun
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&run, "id = ?", runID).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// writeTaskStatus persists a task transition and appends the audit row.
// Callers must hold the task row lock and have validated the transition.
func writeTaskStatus(tx *gorm.DB, task *db.Task, target fsm.TaskStatus, runID *int64, now time.Time) error {
	previous := task.Status
	err := tx.Model(&db.Task{}).Where("id = ?", task.ID).
		Updates(map[string]interface{}{
			"status":      target,
			"status_date": now,
		}).Error
	if err != nil {
		return err
	}
	task.Status = target
	task.StatusDate = now

	audit := db.TaskStatusAudit{
		TaskID:         task.ID,
		WorkflowRunID:  runID,
		PreviousStatus: previous,
		NewStatus:      target,
		StatusTime:     now,
	}
	return tx.Create(&audit).Error
}
