package api

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"jobmon.evalgo.org/common"
)

// registerRoutes attaches the full handler table to one version group. Every
// version serves the identical table, so a distributor targeting v2 finds
// transition_to_killed exactly where a v3 one does.
func (s *Server) registerRoutes(g *echo.Group) {
	for _, mw := range s.authMiddleware() {
		g.Use(mw)
	}

	// Binding surface, driven by the client while a workflow is assembled.
	g.POST("/tool", s.createTool)
	g.POST("/tool/:tool_id/tool_version", s.createToolVersion)
	g.POST("/task_template", s.createTaskTemplate)
	g.POST("/task_template/:task_template_id/add_version", s.addTemplateVersion)
	g.POST("/dag", s.createDag)
	g.POST("/nodes", s.addNodes)
	g.POST("/dag/:dag_id/edges", s.addDagEdges)
	g.POST("/workflow", s.bindWorkflow)
	g.POST("/workflow/:workflow_id/bind_tasks", s.bindTasks)
	g.POST("/task_resources", s.createTaskResources)

	// Workflow-run lifecycle, driven by the client and its distributor.
	g.POST("/workflow_run", s.createWorkflowRun)
	g.POST("/workflow_run/:workflow_run_id/update_status", s.updateWorkflowRunStatus)
	g.POST("/workflow_run/:workflow_run_id/log_heartbeat", s.logWorkflowRunHeartbeat)
	g.GET("/workflow_run/:workflow_run_id", s.getWorkflowRun)
	g.GET("/workflow_run/:workflow_run_id/task_instances", s.runTaskInstances)
	g.GET("/workflow_run/:workflow_run_id/queued_task_instances", s.queuedTaskInstances)
	g.GET("/workflow_run/:workflow_run_id/tasks_to_requeue", s.tasksToRequeue)
	g.GET("/workflow_run/:workflow_run_id/arrays_to_kill", s.arraysToKill)

	// Batch transitions, driven by the distributor.
	g.POST("/array/:array_id/queue_task_batch", s.queueTaskBatch)
	g.POST("/array/:array_id/transition_to_launched", s.transitionToLaunched)
	g.POST("/array/:array_id/transition_to_killed", s.transitionToKilled)
	g.POST("/task_instance/instantiate_task_instances", s.instantiateTaskInstances)

	// Task-instance reports, driven by workers and the distributor.
	g.POST("/task_instance/:task_instance_id/log_running", s.logRunning)
	g.POST("/task_instance/:task_instance_id/log_done", s.logDone)
	g.POST("/task_instance/:task_instance_id/log_heartbeat", s.logHeartbeat)
	g.POST("/task_instance/:task_instance_id/log_known_error", s.logKnownError)
	g.POST("/task_instance/:task_instance_id/log_unknown_error", s.logUnknownError)
	g.POST("/task_instance/:task_instance_id/log_error_worker_node", s.logErrorWorkerNode)
	g.POST("/task_instance/:task_instance_id/log_no_distributor_id", s.logNoDistributorID)
	g.POST("/task_instance/:task_instance_id/log_distributor_id", s.logDistributorID)
	g.GET("/task_instance/:task_instance_id", s.getTaskInstance)
	g.GET("/task_instance/:task_instance_id/error_logs", s.instanceErrorLogs)

	// Workflow control and queries.
	g.POST("/workflow/:workflow_id/set_resume_state", s.setResumeState)
	g.POST("/workflow/:workflow_id/stop", s.stopWorkflow)
	g.PUT("/workflow/:workflow_id/update_max_concurrently_running", s.updateMaxConcurrency)
	g.PUT("/workflow/:workflow_id/update_array_max_concurrently_running", s.updateArrayMaxConcurrency)
	g.GET("/get_max_concurrently_running", s.getMaxConcurrency)
	g.GET("/workflow/:workflow_id", s.workflowOverview)
	g.GET("/workflow/:workflow_id/tasks", s.workflowTasks)
	g.GET("/workflow/:workflow_id/task_template_status", s.taskTemplateStatus)
	g.GET("/workflow/:workflow_id/task_template_dag", s.taskTemplateDAG)
	g.GET("/workflow/:workflow_id/clustered_errors", s.clusteredErrors)
	g.GET("/task_template/:task_template_version_id/resource_usage", s.resourceUsage)
	g.GET("/task/:task_id", s.getTask)

	// Operator overrides.
	g.PUT("/task/update_statuses", s.updateTaskStatuses)
}

// paramID parses a path parameter as an id.
func paramID(c echo.Context, name string) (int64, error) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, common.NewSchemaViolationError(name + " must be a positive integer")
	}
	return id, nil
}
