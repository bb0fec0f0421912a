package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/fsm"
	"jobmon.evalgo.org/graph"
)

// UpdateTaskStatusRequest is the operator-facing bulk status override.
type UpdateTaskStatusRequest struct {
	TaskIDs    []int64        `json:"task_ids"`
	NewStatus  fsm.TaskStatus `json:"new_status"`
	WorkflowID int64          `json:"workflow_id"`
	Recursive  bool           `json:"recursive"`
}

// UpdateTaskStatuses lets an operator force tasks to registering, done or
// halted. Forcing to registering behaves like a scoped resume and may expand
// recursively to all downstream tasks of the workflow's DAG, so dependents of
// a re-run task run again too. The expanded set must stay within the bulk
// ceiling; oversized recursive requests are rejected outright.
func (e *Engine) UpdateTaskStatuses(ctx context.Context, req UpdateTaskStatusRequest) (int, error) {
	switch req.NewStatus {
	case fsm.TaskRegistering, fsm.TaskDone, fsm.TaskHalted:
	default:
		return 0, common.NewSchemaViolationError("new_status must be one of G, D, H")
	}
	if err := checkBulkSize(len(req.TaskIDs)); err != nil {
		return 0, err
	}
	if len(req.TaskIDs) == 0 {
		return 0, common.NewSchemaViolationError("task_ids must not be empty")
	}
	if req.Recursive && req.NewStatus != fsm.TaskRegistering {
		return 0, common.NewSchemaViolationError("recursive updates are only valid for new_status G")
	}
	if req.Recursive && req.WorkflowID == 0 {
		return 0, common.NewSchemaViolationError("recursive updates require workflow_id")
	}

	updated := 0
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		updated = 0

		targetIDs := append([]int64(nil), req.TaskIDs...)
		if req.Recursive {
			expanded, err := expandDownstreamTasks(tx, req.WorkflowID, targetIDs)
			if err != nil {
				return err
			}
			targetIDs = expanded
			if len(targetIDs) > MaxBulkSize {
				return common.NewSchemaViolationError("recursive closure exceeds 10000 tasks")
			}
		}
		sort.Slice(targetIDs, func(i, j int) bool { return targetIDs[i] < targetIDs[j] })

		now, err := db.Now(tx)
		if err != nil {
			return err
		}

		for _, taskID := range targetIDs {
			task, err := lockTask(tx, taskID)
			if err != nil {
				return err
			}
			if req.WorkflowID != 0 && task.WorkflowID != req.WorkflowID {
				return common.NewSchemaViolationError(fmt.Sprintf("task %d does not belong to workflow %d", taskID, req.WorkflowID))
			}
			if task.Status == req.NewStatus {
				continue
			}
			// Halting respects the transition table; the registering
			// and done overrides are privileged like resume.
			if req.NewStatus == fsm.TaskHalted && !task.Status.CanTransitionTo(fsm.TaskHalted) {
				continue
			}

			if _, err := killTaskInstancesLocked(tx, task.ID, now); err != nil {
				return err
			}
			if err := writeTaskStatus(tx, task, req.NewStatus, nil, now); err != nil {
				return err
			}
			if req.NewStatus == fsm.TaskRegistering {
				err = tx.Model(&db.Task{}).Where("id = ?", task.ID).
					Update("num_attempts", 0).Error
				if err != nil {
					return err
				}
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// expandDownstreamTasks resolves the downstream closure of the given tasks
// through the workflow's DAG and returns the combined task ID set.
func expandDownstreamTasks(tx *gorm.DB, workflowID int64, taskIDs []int64) ([]int64, error) {
	var wf db.Workflow
	if err := tx.First(&wf, "id = ?", workflowID).Error; err != nil {
		return nil, err
	}

	adj, err := loadDagAdjacency(tx, wf.DagID)
	if err != nil {
		return nil, err
	}

	var tasks []db.Task
	if err := tx.Select("id, node_id").Where("workflow_id = ?", workflowID).Find(&tasks).Error; err != nil {
		return nil, err
	}
	taskByNode := make(map[int64][]int64, len(tasks))
	nodeByTask := make(map[int64]int64, len(tasks))
	for _, task := range tasks {
		taskByNode[task.NodeID] = append(taskByNode[task.NodeID], task.ID)
		nodeByTask[task.ID] = task.NodeID
	}

	rootNodes := make([]int64, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		node, ok := nodeByTask[taskID]
		if !ok {
			return nil, common.NewSchemaViolationError(fmt.Sprintf("task %d does not belong to workflow %d", taskID, workflowID))
		}
		rootNodes = append(rootNodes, node)
	}

	seen := make(map[int64]bool, len(taskIDs))
	combined := make([]int64, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		if !seen[taskID] {
			seen[taskID] = true
			combined = append(combined, taskID)
		}
	}
	for _, node := range graph.Downstream(adj, rootNodes) {
		for _, taskID := range taskByNode[node] {
			if !seen[taskID] {
				seen[taskID] = true
				combined = append(combined, taskID)
			}
		}
	}
	return combined, nil
}

// loadDagAdjacency reads a dag's edge rows into a downstream adjacency.
func loadDagAdjacency(tx *gorm.DB, dagID int64) (graph.Adjacency, error) {
	var edges []db.Edge
	if err := tx.Where("dag_id = ?", dagID).Find(&edges).Error; err != nil {
		return nil, err
	}
	adj := make(graph.Adjacency, len(edges))
	for _, edge := range edges {
		if edge.DownstreamNodes == "" {
			continue
		}
		var downstream []int64
		if err := json.Unmarshal([]byte(edge.DownstreamNodes), &downstream); err != nil {
			return nil, fmt.Errorf("failed to decode downstream nodes of node %d: %w", edge.NodeID, err)
		}
		if len(downstream) > 0 {
			adj[edge.NodeID] = downstream
		}
	}
	return adj, nil
}

// UpdateWorkflowMaxConcurrency adjusts how many of a workflow's instances may
// be on the cluster at once. The distributor applies the new cap on its next
// drain.
func (e *Engine) UpdateWorkflowMaxConcurrency(ctx context.Context, workflowID int64, maxTasks int) error {
	if maxTasks < 1 {
		return common.NewSchemaViolationError("max_tasks must be at least 1")
	}
	return e.store.Transaction(ctx, func(tx *gorm.DB) error {
		wf, err := lockWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		return tx.Model(&db.Workflow{}).Where("id = ?", wf.ID).
			Update("max_concurrency", maxTasks).Error
	})
}

// UpdateArrayMaxConcurrency adjusts the cap of the workflow's array that was
// created for the given task template version.
func (e *Engine) UpdateArrayMaxConcurrency(ctx context.Context, workflowID, taskTemplateVersionID int64, maxTasks int) error {
	if maxTasks < 1 {
		return common.NewSchemaViolationError("max_tasks must be at least 1")
	}
	return e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var array db.Array
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&array, "workflow_id = ? AND task_template_version_id = ?", workflowID, taskTemplateVersionID).Error
		if err != nil {
			return err
		}
		return tx.Model(&db.Array{}).Where("id = ?", array.ID).
			Update("max_concurrently_running", maxTasks).Error
	})
}

// GetWorkflowMaxConcurrency returns the workflow's current cap.
func (e *Engine) GetWorkflowMaxConcurrency(ctx context.Context, workflowID int64) (int, error) {
	var wf db.Workflow
	err := e.store.DB.WithContext(ctx).First(&wf, "id = ?", workflowID).Error
	if err != nil {
		return 0, db.Classify(err)
	}
	return wf.MaxConcurrency, nil
}
