package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/events"
	"jobmon.evalgo.org/fsm"
)

// QueueBatchRequest queues a set of an array's tasks as one dispatch batch.
type QueueBatchRequest struct {
	TaskIDs         []int64 `json:"task_ids"`
	TaskResourcesID int64   `json:"task_resources_id"`
	WorkflowRunID   int64   `json:"workflow_run_id"`
}

// QueueBatchResult reports the claimed batch number and the created
// instances.
type QueueBatchResult struct {
	BatchNumber     int     `json:"batch_number"`
	TaskInstanceIDs []int64 `json:"task_instance_ids"`
}

// liveInstanceStatuses are the instance states that block re-queueing their
// task: a fresh attempt must not start while an old one can still report.
var liveInstanceStatuses = []fsm.TaskInstanceStatus{
	fsm.InstanceQueued, fsm.InstanceInstantiated, fsm.InstanceBatchSubmitted,
	fsm.InstanceLaunched, fsm.InstanceRunning, fsm.InstanceKillSelf,
}

// QueueTaskBatch atomically queues eligible tasks of one array and creates a
// task instance per queued task under a freshly claimed batch number.
//
// Eligible are tasks in registering or adjusting, plus queued tasks that have
// no live instance left (a failed attempt re-queued the task and a new
// instance is due). Ineligible tasks are skipped, so concurrent callers see
// exactly one transition per task. Each created instance counts as one
// attempt against the task's max_attempts.
func (e *Engine) QueueTaskBatch(ctx context.Context, arrayID int64, req QueueBatchRequest) (*QueueBatchResult, error) {
	if err := checkBulkSize(len(req.TaskIDs)); err != nil {
		return nil, err
	}
	if len(req.TaskIDs) == 0 {
		return nil, common.NewSchemaViolationError("task_ids must not be empty")
	}
	if req.WorkflowRunID == 0 {
		return nil, common.NewSchemaViolationError("workflow_run_id is required")
	}

	var result QueueBatchResult
	var pending []events.Event

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		result = QueueBatchResult{}
		pending = pending[:0]

		// The array lock claims the batch counter and serializes
		// competing queue calls on the same array.
		var array db.Array
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&array, "id = ?", arrayID).Error
		if err != nil {
			return err
		}

		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		batchNum := array.BatchNumber + 1

		taskIDs := append([]int64(nil), req.TaskIDs...)
		sort.Slice(taskIDs, func(i, j int) bool { return taskIDs[i] < taskIDs[j] })

		step := 0
		for _, taskID := range taskIDs {
			task, err := lockTask(tx, taskID)
			if err != nil {
				return err
			}
			if task.ArrayID != arrayID {
				return common.NewSchemaViolationError(fmt.Sprintf("task %d does not belong to array %d", taskID, arrayID))
			}

			switch task.Status {
			case fsm.TaskRegistering, fsm.TaskAdjusting:
				previous := task.Status
				if err := writeTaskStatus(tx, task, fsm.TaskQueued, &req.WorkflowRunID, now); err != nil {
					return err
				}
				pending = append(pending, events.Event{
					Kind:          "task",
					TaskID:        task.ID,
					WorkflowRunID: req.WorkflowRunID,
					Previous:      string(previous),
					Current:       string(fsm.TaskQueued),
				})
			case fsm.TaskQueued:
				var live int64
				err := tx.Model(&db.TaskInstance{}).
					Where("task_id = ? AND status IN ?", task.ID, liveInstanceStatuses).
					Count(&live).Error
				if err != nil {
					return err
				}
				if live > 0 {
					continue
				}
				// Re-queue after a failed attempt: the status is
				// already queued, only a new instance is due.
			default:
				continue
			}

			taskUpdates := map[string]interface{}{
				"num_attempts": gorm.Expr("num_attempts + 1"),
			}
			if req.TaskResourcesID > 0 {
				taskUpdates["task_resources_id"] = req.TaskResourcesID
			}
			if err := tx.Model(&db.Task{}).Where("id = ?", task.ID).Updates(taskUpdates).Error; err != nil {
				return err
			}

			ti := db.TaskInstance{
				TaskID:        task.ID,
				WorkflowRunID: req.WorkflowRunID,
				ArrayID:       arrayID,
				ArrayBatchNum: batchNum,
				ArrayStepID:   step,
				Status:        fsm.InstanceQueued,
				StatusDate:    now,
			}
			if err := tx.Create(&ti).Error; err != nil {
				return err
			}
			result.TaskInstanceIDs = append(result.TaskInstanceIDs, ti.ID)
			step++
		}

		if len(result.TaskInstanceIDs) > 0 {
			err := tx.Model(&db.Array{}).Where("id = ?", arrayID).
				Update("batch_number", batchNum).Error
			if err != nil {
				return err
			}
			result.BatchNumber = batchNum
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, event := range pending {
		e.publish(event)
	}
	return &result, nil
}

// InstantiateTaskInstances moves queued instances and their parent tasks to
// instantiating. Instances whose task has settled elsewhere in the meantime
// are skipped; instances already instantiated count as success. Returns the
// IDs of all instances that are instantiated afterwards.
func (e *Engine) InstantiateTaskInstances(ctx context.Context, instanceIDs []int64) ([]int64, error) {
	if err := checkBulkSize(len(instanceIDs)); err != nil {
		return nil, err
	}

	var instantiated []int64
	var pending []events.Event

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		instantiated = instantiated[:0]
		pending = pending[:0]

		var probes []db.TaskInstance
		if err := tx.Where("id IN ?", instanceIDs).Find(&probes).Error; err != nil {
			return err
		}
		byTask := make(map[int64][]int64)
		for _, probe := range probes {
			byTask[probe.TaskID] = append(byTask[probe.TaskID], probe.ID)
		}
		taskIDs := make([]int64, 0, len(byTask))
		for taskID := range byTask {
			taskIDs = append(taskIDs, taskID)
		}
		sort.Slice(taskIDs, func(i, j int) bool { return taskIDs[i] < taskIDs[j] })

		var now time.Time
		for _, taskID := range taskIDs {
			task, err := lockTask(tx, taskID)
			if err != nil {
				return err
			}
			if task.Status != fsm.TaskQueued && task.Status != fsm.TaskInstantiating {
				continue
			}

			ids := byTask[taskID]
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			moved := false
			for _, id := range ids {
				ti, err := lockInstance(tx, id)
				if err != nil {
					return err
				}
				if ti.Status == fsm.InstanceInstantiated {
					instantiated = append(instantiated, ti.ID)
					continue
				}
				if ti.Status != fsm.InstanceQueued {
					continue
				}
				if now.IsZero() {
					if now, err = db.Now(tx); err != nil {
						return err
					}
				}
				err = tx.Model(&db.TaskInstance{}).Where("id = ?", ti.ID).
					Updates(map[string]interface{}{
						"status":      fsm.InstanceInstantiated,
						"status_date": now,
					}).Error
				if err != nil {
					return err
				}
				instantiated = append(instantiated, ti.ID)
				moved = true
			}

			if moved && task.Status == fsm.TaskQueued {
				if err := writeTaskStatus(tx, task, fsm.TaskInstantiating, nil, now); err != nil {
					return err
				}
				pending = append(pending, events.Event{
					Kind:     "task",
					TaskID:   task.ID,
					Previous: string(fsm.TaskQueued),
					Current:  string(fsm.TaskInstantiating),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, event := range pending {
		e.publish(event)
	}
	return instantiated, nil
}

// BatchCounts reports how many rows each phase of a batch operation touched.
type BatchCounts struct {
	Tasks         int `json:"tasks"`
	TaskInstances int `json:"task_instances"`
}

// TransitionToLaunched records that a batch was handed to the cluster: every
// parent task of the batch still in instantiating moves to launched, and the
// batch's instantiated instances move to batch-submitted with their first
// report-by deadline armed.
func (e *Engine) TransitionToLaunched(ctx context.Context, arrayID int64, batchNum int, nextReportIncrement int64) (*BatchCounts, error) {
	var counts BatchCounts
	var pending []events.Event

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		counts = BatchCounts{}
		pending = pending[:0]

		var taskIDs []int64
		err := tx.Model(&db.TaskInstance{}).
			Distinct("task_id").
			Where("array_id = ? AND array_batch_num = ?", arrayID, batchNum).
			Order("task_id asc").
			Pluck("task_id", &taskIDs).Error
		if err != nil {
			return err
		}
		if len(taskIDs) == 0 {
			return common.NewNotFoundError(fmt.Sprintf("array %d batch", arrayID), int64(batchNum))
		}

		now, err := db.Now(tx)
		if err != nil {
			return err
		}

		for _, taskID := range taskIDs {
			task, err := lockTask(tx, taskID)
			if err != nil {
				return err
			}
			if task.Status != fsm.TaskInstantiating {
				continue
			}
			if err := writeTaskStatus(tx, task, fsm.TaskLaunched, nil, now); err != nil {
				return err
			}
			counts.Tasks++
			pending = append(pending, events.Event{
				Kind:     "task",
				TaskID:   task.ID,
				Previous: string(fsm.TaskInstantiating),
				Current:  string(fsm.TaskLaunched),
			})
		}

		instanceUpdates := map[string]interface{}{
			"status":         fsm.InstanceBatchSubmitted,
			"status_date":    now,
			"submitted_date": now,
		}
		if nextReportIncrement > 0 {
			instanceUpdates["next_report_increment"] = nextReportIncrement
			instanceUpdates["report_by_date"] = now.Add(time.Duration(nextReportIncrement) * time.Second)
		} else {
			instanceUpdates["report_by_date"] = gorm.Expr("? + next_report_increment * interval '1 second'", now)
		}
		res := tx.Model(&db.TaskInstance{}).
			Where("array_id = ? AND array_batch_num = ? AND status = ?", arrayID, batchNum, fsm.InstanceInstantiated).
			Updates(instanceUpdates)
		if res.Error != nil {
			return res.Error
		}
		counts.TaskInstances = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, event := range pending {
		e.publish(event)
	}
	return &counts, nil
}

// TransitionToKilled finalizes a batch kill in two locked phases, tasks
// first: parent tasks of the batch still launched or running become fatal,
// then the batch's kill-self instances become fatal. Ordering the task phase
// first guarantees no parent stays live after its instances are
// terminalized.
func (e *Engine) TransitionToKilled(ctx context.Context, arrayID int64, batchNum int) (*BatchCounts, error) {
	var counts BatchCounts
	var pending []events.Event

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		counts = BatchCounts{}
		pending = pending[:0]

		var taskIDs []int64
		err := tx.Model(&db.TaskInstance{}).
			Distinct("task_id").
			Where("array_id = ? AND array_batch_num = ?", arrayID, batchNum).
			Order("task_id asc").
			Pluck("task_id", &taskIDs).Error
		if err != nil {
			return err
		}

		var now time.Time
		for _, taskID := range taskIDs {
			task, err := lockTask(tx, taskID)
			if err != nil {
				return err
			}
			if task.Status != fsm.TaskLaunched && task.Status != fsm.TaskRunning {
				continue
			}
			if now.IsZero() {
				if now, err = db.Now(tx); err != nil {
					return err
				}
			}
			previous := task.Status
			if err := writeTaskStatus(tx, task, fsm.TaskErrorFatal, nil, now); err != nil {
				return err
			}
			counts.Tasks++
			pending = append(pending, events.Event{
				Kind:     "task",
				TaskID:   task.ID,
				Previous: string(previous),
				Current:  string(fsm.TaskErrorFatal),
			})
		}

		if now.IsZero() {
			var err error
			if now, err = db.Now(tx); err != nil {
				return err
			}
		}
		res := tx.Model(&db.TaskInstance{}).
			Where("array_id = ? AND array_batch_num = ? AND status = ?", arrayID, batchNum, fsm.InstanceKillSelf).
			Updates(map[string]interface{}{
				"status":      fsm.InstanceErrorFatal,
				"status_date": now,
			})
		if res.Error != nil {
			return res.Error
		}
		counts.TaskInstances = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, event := range pending {
		e.publish(event)
	}
	return &counts, nil
}

// ArrayBatch identifies one submitted batch of an array.
type ArrayBatch struct {
	ArrayID     int64 `json:"array_id"`
	BatchNumber int   `json:"batch_number"`
}

// ArraysToKill returns the batches of a workflow run that contain kill-self
// instances. The distributor cancels them on the cluster and then calls
// TransitionToKilled per batch.
func (e *Engine) ArraysToKill(ctx context.Context, workflowRunID int64) ([]ArrayBatch, error) {
	var batches []ArrayBatch
	err := e.store.DB.WithContext(ctx).
		Model(&db.TaskInstance{}).
		Select("array_id, array_batch_num AS batch_number").
		Where("workflow_run_id = ? AND status = ?", workflowRunID, fsm.InstanceKillSelf).
		Group("array_id, array_batch_num").
		Order("array_id asc, array_batch_num asc").
		Scan(&batches).Error
	if err != nil {
		return nil, db.Classify(err)
	}
	return batches, nil
}
