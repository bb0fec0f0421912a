package engine

import (
	"context"
	"time"

	"gorm.io/gorm"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/fsm"
)

// RunningReport is the worker's first message after its process starts.
type RunningReport struct {
	Nodename            string `json:"nodename"`
	ProcessGroupID      int    `json:"process_group_id"`
	NextReportIncrement int64  `json:"next_report_increment"`
}

// LogRunning marks a task instance as running on a worker node and arms the
// heartbeat deadline. The parent task is pulled along to running when it is
// still in launched.
func (e *Engine) LogRunning(ctx context.Context, instanceID int64, report RunningReport) (*InstanceSnapshot, error) {
	return e.transitionInstance(ctx, instanceID, fsm.InstanceRunning, func(updates map[string]interface{}, ti *db.TaskInstance, now time.Time) {
		if report.Nodename != "" {
			updates["nodename"] = report.Nodename
		}
		if report.ProcessGroupID != 0 {
			updates["process_group_id"] = report.ProcessGroupID
		}
		increment := report.NextReportIncrement
		if increment <= 0 {
			increment = int64(ti.NextReportIncrement)
		}
		updates["next_report_increment"] = increment
		updates["report_by_date"] = now.Add(time.Duration(increment) * time.Second)
	}, "")
}

// DoneReport carries the worker's final resource usage.
type DoneReport struct {
	Nodename  string `json:"nodename"`
	Wallclock *int64 `json:"wallclock"`
	Maxrss    *int64 `json:"maxrss"`
}

// LogDone marks a task instance as successfully finished and records its
// measured usage. Through aggregation the parent task becomes done.
func (e *Engine) LogDone(ctx context.Context, instanceID int64, report DoneReport) (*InstanceSnapshot, error) {
	return e.transitionInstance(ctx, instanceID, fsm.InstanceDone, func(updates map[string]interface{}, ti *db.TaskInstance, now time.Time) {
		if report.Nodename != "" {
			updates["nodename"] = report.Nodename
		}
		if report.Wallclock != nil {
			updates["wallclock"] = *report.Wallclock
		}
		if report.Maxrss != nil {
			updates["maxrss"] = *report.Maxrss
		}
	}, "")
}

// ErrorReport describes a failed execution attempt.
type ErrorReport struct {
	Description string `json:"description"`
	Nodename    string `json:"nodename"`
	Wallclock   *int64 `json:"wallclock"`
	Maxrss      *int64 `json:"maxrss"`
}

func (e *Engine) logInstanceError(ctx context.Context, instanceID int64, target fsm.TaskInstanceStatus, report ErrorReport) (*InstanceSnapshot, error) {
	description := report.Description
	if description == "" {
		description = target.Label()
	}
	return e.transitionInstance(ctx, instanceID, target, func(updates map[string]interface{}, ti *db.TaskInstance, now time.Time) {
		if report.Nodename != "" {
			updates["nodename"] = report.Nodename
		}
		if report.Wallclock != nil {
			updates["wallclock"] = *report.Wallclock
		}
		if report.Maxrss != nil {
			updates["maxrss"] = *report.Maxrss
		}
	}, description)
}

// LogKnownError records an anticipated failure, for example a non-zero exit
// code. With attempts left the task re-queues.
func (e *Engine) LogKnownError(ctx context.Context, instanceID int64, report ErrorReport) (*InstanceSnapshot, error) {
	return e.logInstanceError(ctx, instanceID, fsm.InstanceError, report)
}

// LogUnknownError records a failure nobody reported properly, typically when
// the distributor finds the cluster job gone without a final worker message.
func (e *Engine) LogUnknownError(ctx context.Context, instanceID int64, report ErrorReport) (*InstanceSnapshot, error) {
	return e.logInstanceError(ctx, instanceID, fsm.InstanceUnknownError, report)
}

// LogErrorWorkerNode records a failure with an explicit target error state.
// The distributor's triage uses it to route out-of-memory kills into the
// resource error state, which aggregates into resource adjustment.
func (e *Engine) LogErrorWorkerNode(ctx context.Context, instanceID int64, state fsm.TaskInstanceStatus, report ErrorReport) (*InstanceSnapshot, error) {
	switch state {
	case fsm.InstanceError, fsm.InstanceResourceError, fsm.InstanceUnknownError:
	default:
		return nil, common.NewSchemaViolationError("error state must be one of E, Z, U")
	}
	return e.logInstanceError(ctx, instanceID, state, report)
}

// LogNoDistributorID marks an instance whose submission never produced a
// cluster job id. The parent task re-queues when attempts remain.
func (e *Engine) LogNoDistributorID(ctx context.Context, instanceID int64, description string) (*InstanceSnapshot, error) {
	if description == "" {
		description = "submission returned no distributor id"
	}
	return e.transitionInstance(ctx, instanceID, fsm.InstanceNoDistributorID, nil, description)
}

// LogDistributorID binds the cluster job id to a batch-submitted instance and
// moves it to launched.
func (e *Engine) LogDistributorID(ctx context.Context, instanceID int64, distributorID string, nextReportIncrement int64) (*InstanceSnapshot, error) {
	if distributorID == "" {
		return nil, common.NewSchemaViolationError("distributor_id must not be empty")
	}
	return e.transitionInstance(ctx, instanceID, fsm.InstanceLaunched, func(updates map[string]interface{}, ti *db.TaskInstance, now time.Time) {
		updates["distributor_id"] = distributorID
		if ti.SubmittedDate == nil {
			updates["submitted_date"] = now
		}
		increment := nextReportIncrement
		if increment <= 0 {
			increment = int64(ti.NextReportIncrement)
		}
		updates["next_report_increment"] = increment
		updates["report_by_date"] = now.Add(time.Duration(increment) * time.Second)
	}, "")
}

// LogHeartbeat extends a live instance's report-by deadline and returns the
// current state, including the kill flag the worker must honor. Heartbeats
// write no status, so no row locks are taken.
func (e *Engine) LogHeartbeat(ctx context.Context, instanceID int64, nextReportIncrement int64) (*InstanceSnapshot, error) {
	var snapshot *InstanceSnapshot

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var ti db.TaskInstance
		if err := tx.First(&ti, "id = ?", instanceID).Error; err != nil {
			return err
		}

		if !ti.Status.IsTerminal() && ti.Status != fsm.InstanceKillSelf {
			now, err := db.Now(tx)
			if err != nil {
				return err
			}
			increment := nextReportIncrement
			if increment <= 0 {
				increment = int64(ti.NextReportIncrement)
			}
			err = tx.Model(&db.TaskInstance{}).Where("id = ?", ti.ID).
				Updates(map[string]interface{}{
					"next_report_increment": increment,
					"report_by_date":        now.Add(time.Duration(increment) * time.Second),
				}).Error
			if err != nil {
				return err
			}
		}

		var task db.Task
		if err := tx.First(&task, "id = ?", ti.TaskID).Error; err != nil {
			return err
		}
		snapshot = snapshotOf(&ti, &task)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// GetTaskInstance returns the current state of one instance.
func (e *Engine) GetTaskInstance(ctx context.Context, instanceID int64) (*db.TaskInstance, error) {
	var ti db.TaskInstance
	err := e.store.DB.WithContext(ctx).First(&ti, "id = ?", instanceID).Error
	if err != nil {
		return nil, db.Classify(err)
	}
	return &ti, nil
}

// InstanceErrorLogs returns the recorded errors of one instance, oldest
// first.
func (e *Engine) InstanceErrorLogs(ctx context.Context, instanceID int64) ([]db.TaskInstanceErrorLog, error) {
	var logs []db.TaskInstanceErrorLog
	err := e.store.DB.WithContext(ctx).
		Where("task_instance_id = ?", instanceID).
		Order("id asc").
		Find(&logs).Error
	if err != nil {
		return nil, db.Classify(err)
	}
	return logs, nil
}
