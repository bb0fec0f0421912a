package requester

import (
	"context"
	"fmt"
	"net/http"

	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
)

// Typed wrappers over the route table. Request and response shapes are the
// engine's own DTOs, so client and server cannot drift apart.

func (r *Requester) QueueTaskBatch(ctx context.Context, arrayID int64, req engine.QueueBatchRequest) (*engine.QueueBatchResult, error) {
	var result engine.QueueBatchResult
	err := r.Do(ctx, http.MethodPost, fmt.Sprintf("/array/%d/queue_task_batch", arrayID), req, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *Requester) TransitionToLaunched(ctx context.Context, arrayID int64, batchNumber int, nextReportIncrement int64) (*engine.BatchCounts, error) {
	body := map[string]interface{}{
		"batch_number":          batchNumber,
		"next_report_increment": nextReportIncrement,
	}
	var counts engine.BatchCounts
	err := r.Do(ctx, http.MethodPost, fmt.Sprintf("/array/%d/transition_to_launched", arrayID), body, &counts)
	if err != nil {
		return nil, err
	}
	return &counts, nil
}

func (r *Requester) TransitionToKilled(ctx context.Context, arrayID int64, batchNumber int) (*engine.BatchCounts, error) {
	body := map[string]int{"batch_number": batchNumber}
	var counts engine.BatchCounts
	err := r.Do(ctx, http.MethodPost, fmt.Sprintf("/array/%d/transition_to_killed", arrayID), body, &counts)
	if err != nil {
		return nil, err
	}
	return &counts, nil
}

func (r *Requester) InstantiateTaskInstances(ctx context.Context, instanceIDs []int64) ([]int64, error) {
	body := map[string][]int64{"task_instance_ids": instanceIDs}
	var resp struct {
		TaskInstanceIDs []int64 `json:"task_instance_ids"`
	}
	err := r.Do(ctx, http.MethodPost, "/task_instance/instantiate_task_instances", body, &resp)
	if err != nil {
		return nil, err
	}
	return resp.TaskInstanceIDs, nil
}

func (r *Requester) QueuedTaskInstances(ctx context.Context, runID int64, limit int) ([]engine.QueuedInstance, error) {
	var resp struct {
		TaskInstances []engine.QueuedInstance `json:"task_instances"`
	}
	route := fmt.Sprintf("/workflow_run/%d/queued_task_instances?limit=%d", runID, limit)
	if err := r.Do(ctx, http.MethodGet, route, nil, &resp); err != nil {
		return nil, err
	}
	return resp.TaskInstances, nil
}

func (r *Requester) TasksToRequeue(ctx context.Context, runID int64) ([]engine.RequeueTask, error) {
	var resp struct {
		Tasks []engine.RequeueTask `json:"tasks"`
	}
	route := fmt.Sprintf("/workflow_run/%d/tasks_to_requeue", runID)
	if err := r.Do(ctx, http.MethodGet, route, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (r *Requester) ArraysToKill(ctx context.Context, runID int64) ([]engine.ArrayBatch, error) {
	var resp struct {
		ArrayBatches []engine.ArrayBatch `json:"array_batches"`
	}
	route := fmt.Sprintf("/workflow_run/%d/arrays_to_kill", runID)
	if err := r.Do(ctx, http.MethodGet, route, nil, &resp); err != nil {
		return nil, err
	}
	return resp.ArrayBatches, nil
}

// LogWorkflowRunHeartbeat refreshes the run's liveness and returns the state
// the distributor must converge to.
func (r *Requester) LogWorkflowRunHeartbeat(ctx context.Context, runID int64) (fsm.WorkflowRunStatus, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := r.Do(ctx, http.MethodPost, fmt.Sprintf("/workflow_run/%d/log_heartbeat", runID), map[string]string{}, &resp)
	if err != nil {
		return "", err
	}
	return fsm.WorkflowRunStatus(resp.Status), nil
}

func (r *Requester) UpdateWorkflowRunStatus(ctx context.Context, runID int64, status fsm.WorkflowRunStatus) (*engine.RunSnapshot, error) {
	body := map[string]string{"status": string(status)}
	var snapshot engine.RunSnapshot
	err := r.Do(ctx, http.MethodPost, fmt.Sprintf("/workflow_run/%d/update_status", runID), body, &snapshot)
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *Requester) GetWorkflowRun(ctx context.Context, runID int64) (*db.WorkflowRun, error) {
	var run db.WorkflowRun
	if err := r.Do(ctx, http.MethodGet, fmt.Sprintf("/workflow_run/%d", runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *Requester) RunTaskInstances(ctx context.Context, runID int64, status fsm.TaskInstanceStatus, limit int) ([]db.TaskInstance, error) {
	var resp struct {
		TaskInstances []db.TaskInstance `json:"task_instances"`
	}
	route := fmt.Sprintf("/workflow_run/%d/task_instances?status=%s&limit=%d", runID, status, limit)
	if err := r.Do(ctx, http.MethodGet, route, nil, &resp); err != nil {
		return nil, err
	}
	return resp.TaskInstances, nil
}

func (r *Requester) GetWorkflowOverview(ctx context.Context, workflowID int64) (*engine.WorkflowOverview, error) {
	var overview engine.WorkflowOverview
	if err := r.Do(ctx, http.MethodGet, fmt.Sprintf("/workflow/%d", workflowID), nil, &overview); err != nil {
		return nil, err
	}
	return &overview, nil
}

func (r *Requester) GetTaskInstance(ctx context.Context, instanceID int64) (*db.TaskInstance, error) {
	var ti db.TaskInstance
	if err := r.Do(ctx, http.MethodGet, fmt.Sprintf("/task_instance/%d", instanceID), nil, &ti); err != nil {
		return nil, err
	}
	return &ti, nil
}

func (r *Requester) GetTask(ctx context.Context, taskID int64) (*db.Task, error) {
	var task db.Task
	if err := r.Do(ctx, http.MethodGet, fmt.Sprintf("/task/%d", taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *Requester) LogRunning(ctx context.Context, instanceID int64, report engine.RunningReport) (*engine.InstanceSnapshot, error) {
	return r.postSnapshot(ctx, instanceID, "log_running", report)
}

func (r *Requester) LogDone(ctx context.Context, instanceID int64, report engine.DoneReport) (*engine.InstanceSnapshot, error) {
	return r.postSnapshot(ctx, instanceID, "log_done", report)
}

func (r *Requester) LogKnownError(ctx context.Context, instanceID int64, report engine.ErrorReport) (*engine.InstanceSnapshot, error) {
	return r.postSnapshot(ctx, instanceID, "log_known_error", report)
}

func (r *Requester) LogUnknownError(ctx context.Context, instanceID int64, report engine.ErrorReport) (*engine.InstanceSnapshot, error) {
	return r.postSnapshot(ctx, instanceID, "log_unknown_error", report)
}

func (r *Requester) LogErrorWorkerNode(ctx context.Context, instanceID int64, state fsm.TaskInstanceStatus, report engine.ErrorReport) (*engine.InstanceSnapshot, error) {
	body := map[string]interface{}{
		"error_state": string(state),
		"description": report.Description,
		"nodename":    report.Nodename,
		"wallclock":   report.Wallclock,
		"maxrss":      report.Maxrss,
	}
	return r.postSnapshot(ctx, instanceID, "log_error_worker_node", body)
}

func (r *Requester) LogNoDistributorID(ctx context.Context, instanceID int64, description string) (*engine.InstanceSnapshot, error) {
	return r.postSnapshot(ctx, instanceID, "log_no_distributor_id", map[string]string{"description": description})
}

func (r *Requester) LogDistributorID(ctx context.Context, instanceID int64, distributorID string, nextReportIncrement int64) (*engine.InstanceSnapshot, error) {
	body := map[string]interface{}{
		"distributor_id":        distributorID,
		"next_report_increment": nextReportIncrement,
	}
	return r.postSnapshot(ctx, instanceID, "log_distributor_id", body)
}

func (r *Requester) LogHeartbeat(ctx context.Context, instanceID int64, nextReportIncrement int64) (*engine.InstanceSnapshot, error) {
	body := map[string]int64{"next_report_increment": nextReportIncrement}
	return r.postSnapshot(ctx, instanceID, "log_heartbeat", body)
}

func (r *Requester) CreateTaskResources(ctx context.Context, queue string, request db.ResourceRequest) (int64, error) {
	body := map[string]interface{}{
		"queue":               queue,
		"requested_resources": request,
	}
	var resp struct {
		TaskResourcesID int64 `json:"task_resources_id"`
	}
	if err := r.Do(ctx, http.MethodPost, "/task_resources", body, &resp); err != nil {
		return 0, err
	}
	return resp.TaskResourcesID, nil
}

func (r *Requester) postSnapshot(ctx context.Context, instanceID int64, op string, body interface{}) (*engine.InstanceSnapshot, error) {
	var snapshot engine.InstanceSnapshot
	route := fmt.Sprintf("/task_instance/%d/%s", instanceID, op)
	if err := r.Do(ctx, http.MethodPost, route, body, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}
