package engine

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/events"
	"jobmon.evalgo.org/fsm"
)

// RunSnapshot is the state of a workflow run and its workflow after an
// operation.
type RunSnapshot struct {
	WorkflowRunID  int64                 `json:"workflow_run_id"`
	Status         fsm.WorkflowRunStatus `json:"status"`
	WorkflowID     int64                 `json:"workflow_id"`
	WorkflowStatus fsm.WorkflowStatus    `json:"workflow_status"`
}

// CreateWorkflowRun creates a fresh run for a workflow. At most one run per
// workflow may be live, so a second concurrent client is rejected with a
// conflict until the previous run reaches a terminal state.
func (e *Engine) CreateWorkflowRun(ctx context.Context, workflowID int64, user, clientVersion string) (*db.WorkflowRun, error) {
	var run db.WorkflowRun

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		wf, err := lockWorkflow(tx, workflowID)
		if err != nil {
			return err
		}

		var live int64
		err = tx.Model(&db.WorkflowRun{}).
			Where("workflow_id = ? AND status NOT IN ?", wf.ID, terminalRunStatuses()).
			Count(&live).Error
		if err != nil {
			return err
		}
		if live > 0 {
			return common.NewConflictError("workflow already has a live workflow run", nil)
		}

		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		run = db.WorkflowRun{
			WorkflowID:    wf.ID,
			User:          user,
			ClientVersion: clientVersion,
			Status:        fsm.RunRegistering,
			CreatedDate:   now,
			StatusDate:    now,
			HeartbeatDate: now,
		}
		return tx.Create(&run).Error
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func terminalRunStatuses() []fsm.WorkflowRunStatus {
	return []fsm.WorkflowRunStatus{
		fsm.RunDone, fsm.RunStopped, fsm.RunCold, fsm.RunError, fsm.RunTerminated,
	}
}

// UpdateWorkflowRunStatus applies a client-driven run transition, mirrors the
// new state onto the workflow, and on entry into a terminal state fails any
// instances the run left behind so that no terminal run keeps live
// instances.
func (e *Engine) UpdateWorkflowRunStatus(ctx context.Context, runID int64, target fsm.WorkflowRunStatus) (*RunSnapshot, error) {
	var snapshot *RunSnapshot
	var pending []events.Event

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		pending = pending[:0]

		var probe db.WorkflowRun
		if err := tx.First(&probe, "id = ?", runID).Error; err != nil {
			return err
		}

		wf, err := lockWorkflow(tx, probe.WorkflowID)
		if err != nil {
			return err
		}
		run, err := lockWorkflowRun(tx, runID)
		if err != nil {
			return err
		}

		if run.Status == target {
			snapshot = &RunSnapshot{WorkflowRunID: run.ID, Status: run.Status, WorkflowID: wf.ID, WorkflowStatus: wf.Status}
			return nil
		}
		if !run.Status.CanTransitionTo(target) {
			return fsm.NewRunTransitionError(run.ID, run.Status, target)
		}

		now, err := db.Now(tx)
		if err != nil {
			return err
		}

		previous := run.Status
		updates := map[string]interface{}{
			"status":      target,
			"status_date": now,
		}
		if target.Live() {
			updates["heartbeat_date"] = now
		}
		if err := tx.Model(&db.WorkflowRun{}).Where("id = ?", run.ID).Updates(updates).Error; err != nil {
			return err
		}
		run.Status = target
		pending = append(pending, events.Event{
			Kind:          "workflow_run",
			WorkflowID:    wf.ID,
			WorkflowRunID: run.ID,
			Previous:      string(previous),
			Current:       string(target),
		})

		if event, err := mirrorWorkflowStatus(tx, wf, target, now); err != nil {
			return err
		} else if event != nil {
			pending = append(pending, *event)
		}

		if target.IsTerminal() {
			swept, err := e.failRunInstancesLocked(tx, run.ID, now)
			if err != nil {
				return err
			}
			pending = append(pending, swept...)
		}

		snapshot = &RunSnapshot{WorkflowRunID: run.ID, Status: run.Status, WorkflowID: wf.ID, WorkflowStatus: wf.Status}
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

// mirrorWorkflowStatus moves the workflow alongside its run. An unmapped or
// illegal mirror is skipped, never an error: the run transition is the one
// that matters.
func mirrorWorkflowStatus(tx *gorm.DB, wf *db.Workflow, runStatus fsm.WorkflowRunStatus, now time.Time) (*events.Event, error) {
	target, ok := runStatus.WorkflowStatusFor()
	if !ok || wf.Status == target || !wf.Status.CanTransitionTo(target) {
		return nil, nil
	}
	previous := wf.Status
	err := tx.Model(&db.Workflow{}).Where("id = ?", wf.ID).
		Updates(map[string]interface{}{
			"status":      target,
			"status_date": now,
		}).Error
	if err != nil {
		return nil, err
	}
	wf.Status = target
	return &events.Event{
		Kind:       "workflow",
		WorkflowID: wf.ID,
		Previous:   string(previous),
		Current:    string(target),
	}, nil
}

// failRunInstancesLocked moves the run's remaining live instances to
// no-heartbeat and aggregates their tasks. The caller holds the workflow and
// run locks.
func (e *Engine) failRunInstancesLocked(tx *gorm.DB, runID int64, now time.Time) ([]events.Event, error) {
	var live []db.TaskInstance
	err := tx.Where("workflow_run_id = ? AND status IN ?", runID, liveInstanceStatuses).
		Order("task_id asc, id asc").
		Find(&live).Error
	if err != nil {
		return nil, err
	}

	var pending []events.Event
	for _, probe := range live {
		task, err := lockTask(tx, probe.TaskID)
		if err != nil {
			return nil, err
		}
		ti, err := lockInstance(tx, probe.ID)
		if err != nil {
			return nil, err
		}
		if ti.Status.IsTerminal() {
			continue
		}
		previous := ti.Status
		err = tx.Model(&db.TaskInstance{}).Where("id = ?", ti.ID).
			Updates(map[string]interface{}{
				"status":      fsm.InstanceNoHeartbeat,
				"status_date": now,
			}).Error
		if err != nil {
			return nil, err
		}
		pending = append(pending, events.Event{
			Kind:           "task_instance",
			TaskID:         task.ID,
			TaskInstanceID: ti.ID,
			WorkflowRunID:  runID,
			Previous:       string(previous),
			Current:        string(fsm.InstanceNoHeartbeat),
		})

		taskEvent, err := e.aggregateLocked(tx, task, fsm.InstanceNoHeartbeat, &runID, now)
		if err != nil {
			return nil, err
		}
		if taskEvent != nil {
			pending = append(pending, *taskEvent)
		}
	}
	return pending, nil
}

// LogWorkflowRunHeartbeat refreshes a live run's heartbeat and returns the
// current run status. The distributor reads the status to learn about wind
// down requests: hot-resume or a stop turns the run to H, after which the
// distributor kills its batches and terminalizes the run.
func (e *Engine) LogWorkflowRunHeartbeat(ctx context.Context, runID int64) (fsm.WorkflowRunStatus, error) {
	var status fsm.WorkflowRunStatus

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var run db.WorkflowRun
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			return err
		}
		status = run.Status
		if run.Status.IsTerminal() {
			return nil
		}
		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		return tx.Model(&db.WorkflowRun{}).Where("id = ?", run.ID).
			Update("heartbeat_date", now).Error
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// ResumeResult reports what a resume request changed.
type ResumeResult struct {
	ResetTaskIDs    []int64            `json:"reset_task_ids"`
	SignaledRunIDs  []int64            `json:"signaled_run_ids"`
	KilledInstances int                `json:"killed_instances"`
	WorkflowStatus  fsm.WorkflowStatus `json:"workflow_status"`
}

// SetResumeState prepares a workflow for a fresh run in one transaction:
// every live run is signaled to wind down, the instances of the tasks about
// to be reset are flagged kill-self, and every task outside done and
// registering is reset to registering with zero attempts and an audit row.
// With resetIfRunning false, running tasks keep going and join the new run's
// bookkeeping once they finish.
//
// Done tasks keep their outputs. This is the only path that regresses tasks.
func (e *Engine) SetResumeState(ctx context.Context, workflowID int64, resetIfRunning bool) (*ResumeResult, error) {
	var result *ResumeResult

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		wf, err := lockWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return common.NewConflictError("workflow is terminal and cannot be resumed", nil)
		}

		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		result = &ResumeResult{}

		// Signal live runs before touching tasks, so a healthy
		// distributor starts winding down immediately.
		var runs []db.WorkflowRun
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workflow_id = ? AND status NOT IN ?", wf.ID, terminalRunStatuses()).
			Order("id asc").
			Find(&runs).Error
		if err != nil {
			return err
		}
		for _, run := range runs {
			target := fsm.RunHotResume
			if run.Status == fsm.RunRegistering {
				// Never bound, nothing on the cluster to wind down.
				target = fsm.RunTerminated
			}
			if run.Status == target {
				continue
			}
			err = tx.Model(&db.WorkflowRun{}).Where("id = ?", run.ID).
				Updates(map[string]interface{}{
					"status":      target,
					"status_date": now,
				}).Error
			if err != nil {
				return err
			}
			result.SignaledRunIDs = append(result.SignaledRunIDs, run.ID)
		}

		excluded := []fsm.TaskStatus{fsm.TaskDone, fsm.TaskRegistering}
		if !resetIfRunning {
			excluded = append(excluded, fsm.TaskRunning)
		}
		var resetIDs []int64
		err = tx.Model(&db.Task{}).
			Where("workflow_id = ? AND status NOT IN ?", wf.ID, excluded).
			Order("id asc").
			Pluck("id", &resetIDs).Error
		if err != nil {
			return err
		}

		for _, taskID := range resetIDs {
			task, err := lockTask(tx, taskID)
			if err != nil {
				return err
			}
			if task.Status == fsm.TaskDone || task.Status == fsm.TaskRegistering {
				continue
			}
			if !resetIfRunning && task.Status == fsm.TaskRunning {
				continue
			}

			killed, err := killTaskInstancesLocked(tx, task.ID, now)
			if err != nil {
				return err
			}
			result.KilledInstances += killed

			if err := writeTaskStatus(tx, task, fsm.TaskRegistering, nil, now); err != nil {
				return err
			}
			err = tx.Model(&db.Task{}).Where("id = ?", task.ID).
				Update("num_attempts", 0).Error
			if err != nil {
				return err
			}
			result.ResetTaskIDs = append(result.ResetTaskIDs, taskID)
		}

		if wf.Status != fsm.WorkflowFailed && wf.Status != fsm.WorkflowHalted {
			if _, err := mirrorWorkflowTo(tx, wf, fsm.WorkflowHalted, now); err != nil {
				return err
			}
		}
		result.WorkflowStatus = wf.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(events.Event{
		Kind:       "workflow",
		WorkflowID: workflowID,
		Current:    string(result.WorkflowStatus),
	})
	return result, nil
}

// killTaskInstancesLocked flags a task's live instances kill-self. The caller
// holds the task lock. Workers see the flag on their next heartbeat; cluster
// jobs are cancelled by the distributor's kill sweep.
func killTaskInstancesLocked(tx *gorm.DB, taskID int64, now time.Time) (int, error) {
	var live []db.TaskInstance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("task_id = ? AND status IN ?", taskID, liveInstanceStatuses).
		Order("id asc").
		Find(&live).Error
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, ti := range live {
		if ti.Status == fsm.InstanceKillSelf {
			continue
		}
		err = tx.Model(&db.TaskInstance{}).Where("id = ?", ti.ID).
			Updates(map[string]interface{}{
				"status":      fsm.InstanceKillSelf,
				"status_date": now,
			}).Error
		if err != nil {
			return 0, err
		}
		killed++
	}
	return killed, nil
}

// mirrorWorkflowTo moves the workflow to an explicit target when legal.
func mirrorWorkflowTo(tx *gorm.DB, wf *db.Workflow, target fsm.WorkflowStatus, now time.Time) (bool, error) {
	if wf.Status == target || !wf.Status.CanTransitionTo(target) {
		return false, nil
	}
	err := tx.Model(&db.Workflow{}).Where("id = ?", wf.ID).
		Updates(map[string]interface{}{
			"status":      target,
			"status_date": now,
		}).Error
	if err != nil {
		return false, err
	}
	wf.Status = target
	return true, nil
}

// StopResult reports what a stop request changed.
type StopResult struct {
	HaltedTasks     int                `json:"halted_tasks"`
	KilledInstances int                `json:"killed_instances"`
	SignaledRunIDs  []int64            `json:"signaled_run_ids"`
	WorkflowStatus  fsm.WorkflowStatus `json:"workflow_status"`
}

// StopWorkflow halts a workflow: tasks that have not reached the cluster yet
// are halted outright, every live instance is flagged kill-self, and live
// runs are signaled to wind down. Launched and running tasks become fatal
// later through the distributor's kill sweep.
func (e *Engine) StopWorkflow(ctx context.Context, workflowID int64) (*StopResult, error) {
	var result *StopResult

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		wf, err := lockWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return common.NewConflictError("workflow is terminal and cannot be stopped", nil)
		}

		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		result = &StopResult{}

		haltable := []fsm.TaskStatus{
			fsm.TaskRegistering, fsm.TaskQueued, fsm.TaskInstantiating, fsm.TaskAdjusting,
		}
		var haltIDs []int64
		err = tx.Model(&db.Task{}).
			Where("workflow_id = ? AND status IN ?", wf.ID, haltable).
			Order("id asc").
			Pluck("id", &haltIDs).Error
		if err != nil {
			return err
		}
		for _, taskID := range haltIDs {
			task, err := lockTask(tx, taskID)
			if err != nil {
				return err
			}
			eligible := false
			for _, s := range haltable {
				if task.Status == s {
					eligible = true
					break
				}
			}
			if !eligible {
				continue
			}
			if err := writeTaskStatus(tx, task, fsm.TaskHalted, nil, now); err != nil {
				return err
			}
			result.HaltedTasks++
		}

		// Kill everything still live, ordered by task to keep the lock
		// order stable against concurrent aggregations.
		var live []db.TaskInstance
		err = tx.Where("task_id IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&db.Task{}).Select("id").Where("workflow_id = ?", wf.ID)).
			Where("status IN ?", liveInstanceStatuses).
			Order("task_id asc, id asc").
			Find(&live).Error
		if err != nil {
			return err
		}
		seenTask := make(map[int64]bool)
		for _, probe := range live {
			if !seenTask[probe.TaskID] {
				if _, err := lockTask(tx, probe.TaskID); err != nil {
					return err
				}
				seenTask[probe.TaskID] = true
			}
			killed, err := killTaskInstancesLocked(tx, probe.TaskID, now)
			if err != nil {
				return err
			}
			result.KilledInstances += killed
		}

		var runs []db.WorkflowRun
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workflow_id = ? AND status NOT IN ?", wf.ID, terminalRunStatuses()).
			Order("id asc").
			Find(&runs).Error
		if err != nil {
			return err
		}
		for _, run := range runs {
			target := fsm.RunHotResume
			if run.Status == fsm.RunRegistering {
				target = fsm.RunTerminated
			}
			if run.Status == target {
				continue
			}
			err = tx.Model(&db.WorkflowRun{}).Where("id = ?", run.ID).
				Updates(map[string]interface{}{
					"status":      target,
					"status_date": now,
				}).Error
			if err != nil {
				return err
			}
			result.SignaledRunIDs = append(result.SignaledRunIDs, run.ID)
		}

		if _, err := mirrorWorkflowTo(tx, wf, fsm.WorkflowHalted, now); err != nil {
			return err
		}
		result.WorkflowStatus = wf.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(events.Event{
		Kind:       "workflow",
		WorkflowID: workflowID,
		Current:    string(result.WorkflowStatus),
	})
	return result, nil
}
