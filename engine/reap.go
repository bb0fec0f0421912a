package engine

import (
	"context"
	"time"

	"gorm.io/gorm"

	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/events"
	"jobmon.evalgo.org/fsm"
)

// reapableInstanceStatuses are the instance states whose report-by promise
// the reaper enforces. Earlier states have no armed deadline yet; later
// states are terminal.
var reapableInstanceStatuses = []fsm.TaskInstanceStatus{
	fsm.InstanceLaunched, fsm.InstanceRunning,
}

// ReapReport summarizes one reaper sweep.
type ReapReport struct {
	ColdRunIDs      []int64 `json:"cold_run_ids"`
	LostInstanceIDs []int64 `json:"lost_instance_ids"`
}

// Empty reports whether the sweep found nothing to escalate.
func (r *ReapReport) Empty() bool {
	return len(r.ColdRunIDs) == 0 && len(r.LostInstanceIDs) == 0
}

// ReapStaleWork escalates everything whose liveness promise has lapsed, in
// one transaction. Workflow runs whose heartbeat is older than the grace
// period become cold and their remaining instances fail as no-heartbeat.
// Launched and running instances whose report-by deadline has passed become
// no-heartbeat individually, with the usual aggregation onto their task.
//
// A heartbeat aged exactly the grace period survives until the next sweep;
// only strictly older heartbeats are reaped.
func (e *Engine) ReapStaleWork(ctx context.Context, grace time.Duration) (*ReapReport, error) {
	var report *ReapReport
	var pending []events.Event

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		report = &ReapReport{}
		pending = pending[:0]

		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		cutoff := now.Add(-grace)

		var staleRuns []db.WorkflowRun
		err = tx.Where("status NOT IN ? AND heartbeat_date < ?", terminalRunStatuses(), cutoff).
			Order("workflow_id asc, id asc").
			Find(&staleRuns).Error
		if err != nil {
			return err
		}
		for _, probe := range staleRuns {
			wf, err := lockWorkflow(tx, probe.WorkflowID)
			if err != nil {
				return err
			}
			run, err := lockWorkflowRun(tx, probe.ID)
			if err != nil {
				return err
			}
			// Re-check under the lock; a heartbeat or terminal
			// transition may have raced the probe.
			if run.Status.IsTerminal() || !run.HeartbeatDate.Before(cutoff) {
				continue
			}

			previous := run.Status
			err = tx.Model(&db.WorkflowRun{}).Where("id = ?", run.ID).
				Updates(map[string]interface{}{
					"status":      fsm.RunCold,
					"status_date": now,
				}).Error
			if err != nil {
				return err
			}
			pending = append(pending, events.Event{
				Kind:          "workflow_run",
				WorkflowID:    wf.ID,
				WorkflowRunID: run.ID,
				Previous:      string(previous),
				Current:       string(fsm.RunCold),
			})

			if event, err := mirrorWorkflowStatus(tx, wf, fsm.RunCold, now); err != nil {
				return err
			} else if event != nil {
				pending = append(pending, *event)
			}

			swept, err := e.failRunInstancesLocked(tx, run.ID, now)
			if err != nil {
				return err
			}
			pending = append(pending, swept...)
			report.ColdRunIDs = append(report.ColdRunIDs, run.ID)
		}

		var staleInstances []db.TaskInstance
		err = tx.Where("status IN ? AND report_by_date < ?", reapableInstanceStatuses, now).
			Order("task_id asc, id asc").
			Find(&staleInstances).Error
		if err != nil {
			return err
		}
		for _, probe := range staleInstances {
			task, err := lockTask(tx, probe.TaskID)
			if err != nil {
				return err
			}
			ti, err := lockInstance(tx, probe.ID)
			if err != nil {
				return err
			}
			if ti.Status != fsm.InstanceLaunched && ti.Status != fsm.InstanceRunning {
				continue
			}
			if !ti.ReportByDate.Before(now) {
				continue
			}

			previous := ti.Status
			err = tx.Model(&db.TaskInstance{}).Where("id = ?", ti.ID).
				Updates(map[string]interface{}{
					"status":      fsm.InstanceNoHeartbeat,
					"status_date": now,
				}).Error
			if err != nil {
				return err
			}
			errLog := db.TaskInstanceErrorLog{
				TaskInstanceID: ti.ID,
				ErrorTime:      now,
				Description:    "task instance stopped reporting and was reaped",
			}
			if err := tx.Create(&errLog).Error; err != nil {
				return err
			}
			pending = append(pending, events.Event{
				Kind:           "task_instance",
				TaskID:         task.ID,
				TaskInstanceID: ti.ID,
				WorkflowRunID:  ti.WorkflowRunID,
				Previous:       string(previous),
				Current:        string(fsm.InstanceNoHeartbeat),
			})

			taskEvent, err := e.aggregateLocked(tx, task, fsm.InstanceNoHeartbeat, &ti.WorkflowRunID, now)
			if err != nil {
				return err
			}
			if taskEvent != nil {
				pending = append(pending, *taskEvent)
			}
			report.LostInstanceIDs = append(report.LostInstanceIDs, ti.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, event := range pending {
		e.publish(event)
	}
	return report, nil
}
