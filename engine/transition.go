package engine

import (
	"context"
	"time"

	"gorm.io/gorm"

	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/events"
	"jobmon.evalgo.org/fsm"
)

// InstanceSnapshot is the state of a task instance and its parent task after
// a transition operation. Workers and distributors read KillSelf from it to
// learn that the cluster-side process must terminate itself.
type InstanceSnapshot struct {
	TaskInstanceID int64                  `json:"task_instance_id"`
	Status         fsm.TaskInstanceStatus `json:"status"`
	TaskID         int64                  `json:"task_id"`
	TaskStatus     fsm.TaskStatus         `json:"task_status"`
	KillSelf       bool                   `json:"kill_self"`
}

func snapshotOf(ti *db.TaskInstance, task *db.Task) *InstanceSnapshot {
	return &InstanceSnapshot{
		TaskInstanceID: ti.ID,
		Status:         ti.Status,
		TaskID:         task.ID,
		TaskStatus:     task.Status,
		KillSelf:       ti.Status == fsm.InstanceKillSelf,
	}
}

// sideEffect adds extra column writes to an instance transition. The updates
// map already carries status and status_date.
type sideEffect func(updates map[string]interface{}, ti *db.TaskInstance, now time.Time)

// transitionInstance is the single write path for task-instance status
// changes. Within one transaction it locks the parent task row first, then
// the instance row, applies the idempotency and legality rules, writes the
// new status plus side effects and an optional error log, and re-evaluates
// the parent task when the target status calls for it.
//
// A repeated report of the current status is answered with the current state
// and no writes. Any other illegal transition is rejected with an
// InvalidTransitionError that the caller must not retry.
func (e *Engine) transitionInstance(ctx context.Context, instanceID int64, target fsm.TaskInstanceStatus, side sideEffect, errorDescription string) (*InstanceSnapshot, error) {
	var snapshot *InstanceSnapshot
	var pending []events.Event

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var probe db.TaskInstance
		if err := tx.First(&probe, "id = ?", instanceID).Error; err != nil {
			return err
		}

		// Task before instance, always.
		task, err := lockTask(tx, probe.TaskID)
		if err != nil {
			return err
		}
		ti, err := lockInstance(tx, instanceID)
		if err != nil {
			return err
		}

		if ti.Status == target {
			snapshot = snapshotOf(ti, task)
			return nil
		}
		if !ti.Status.CanTransitionTo(target) {
			return fsm.NewInstanceTransitionError(ti.ID, ti.Status, target)
		}

		now, err := db.Now(tx)
		if err != nil {
			return err
		}

		previous := ti.Status
		updates := map[string]interface{}{
			"status":      target,
			"status_date": now,
		}
		if side != nil {
			side(updates, ti, now)
		}
		if err := tx.Model(&db.TaskInstance{}).Where("id = ?", ti.ID).Updates(updates).Error; err != nil {
			return err
		}
		ti.Status = target

		if errorDescription != "" {
			errLog := db.TaskInstanceErrorLog{
				TaskInstanceID: ti.ID,
				ErrorTime:      now,
				Description:    errorDescription,
			}
			if err := tx.Create(&errLog).Error; err != nil {
				return err
			}
		}

		pending = append(pending, events.Event{
			Kind:           "task_instance",
			TaskID:         task.ID,
			TaskInstanceID: ti.ID,
			WorkflowRunID:  ti.WorkflowRunID,
			Previous:       string(previous),
			Current:        string(target),
		})

		if target.TriggersAggregation() {
			taskEvent, err := e.aggregateLocked(tx, task, target, &ti.WorkflowRunID, now)
			if err != nil {
				return err
			}
			if taskEvent != nil {
				pending = append(pending, *taskEvent)
			}
		}

		snapshot = snapshotOf(ti, task)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, event := range pending {
		e.publish(event)
	}
	return snapshot, nil
}

// aggregateLocked re-evaluates a parent task after one of its instances
// reached the given status. The caller holds the task row lock. A target the
// task cannot legally reach is absorbed silently: a late failure report on a
// task that already finished must not regress it.
func (e *Engine) aggregateLocked(tx *gorm.DB, task *db.Task, instanceStatus fsm.TaskInstanceStatus, runID *int64, now time.Time) (*events.Event, error) {
	retriesLeft := task.NumAttempts < task.MaxAttempts
	target, decided := fsm.AggregateTask(instanceStatus, retriesLeft)
	if !decided || task.Status == target {
		return nil, nil
	}
	if !task.Status.CanTransitionTo(target) {
		e.log.WithFields(map[string]interface{}{
			"task_id":         task.ID,
			"task_status":     task.Status,
			"instance_status": instanceStatus,
			"target":          target,
		}).Debug("absorbed late aggregation onto settled task")
		return nil, nil
	}

	previous := task.Status
	if err := writeTaskStatus(tx, task, target, runID, now); err != nil {
		return nil, err
	}
	return &events.Event{
		Kind:     "task",
		TaskID:   task.ID,
		Previous: string(previous),
		Current:  string(target),
	}, nil
}
