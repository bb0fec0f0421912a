package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"jobmon.evalgo.org/cache"
	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
	"jobmon.evalgo.org/stats"
)

type maxConcurrencyRequest struct {
	MaxTasks int `json:"max_tasks"`
}

func (s *Server) updateMaxConcurrency(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}
	if err := s.authorizeWorkflow(c, workflowID); err != nil {
		return err
	}
	var req maxConcurrencyRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid update_max_concurrently_running body")
	}
	if err := s.engine.UpdateWorkflowMaxConcurrency(c.Request().Context(), workflowID, req.MaxTasks); err != nil {
		return err
	}
	s.cache.Invalidate(c.Request().Context(), cache.ConcurrencyKey(workflowID))
	return c.JSON(http.StatusOK, map[string]interface{}{"workflow_id": workflowID, "max_tasks": req.MaxTasks})
}

type arrayMaxConcurrencyRequest struct {
	TaskTemplateVersionID int64 `json:"task_template_version_id"`
	MaxTasks              int   `json:"max_tasks"`
}

func (s *Server) updateArrayMaxConcurrency(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}
	if err := s.authorizeWorkflow(c, workflowID); err != nil {
		return err
	}
	var req arrayMaxConcurrencyRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid update_array_max_concurrently_running body")
	}
	if req.TaskTemplateVersionID <= 0 {
		return common.NewSchemaViolationError("task_template_version_id is required")
	}
	err = s.engine.UpdateArrayMaxConcurrency(c.Request().Context(), workflowID, req.TaskTemplateVersionID, req.MaxTasks)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"workflow_id": workflowID, "max_tasks": req.MaxTasks})
}

type maxConcurrencyResponse struct {
	WorkflowID int64 `json:"workflow_id"`
	MaxTasks   int   `json:"max_tasks"`
}

func (s *Server) getMaxConcurrency(c echo.Context) error {
	raw := c.QueryParam("workflow_id")
	workflowID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || workflowID <= 0 {
		return common.NewSchemaViolationError("workflow_id query parameter must be a positive integer")
	}

	ctx := c.Request().Context()
	var resp maxConcurrencyResponse
	if s.cache.GetJSON(ctx, cache.ConcurrencyKey(workflowID), &resp) {
		return c.JSON(http.StatusOK, resp)
	}

	maxTasks, err := s.engine.GetWorkflowMaxConcurrency(ctx, workflowID)
	if err != nil {
		return err
	}
	resp = maxConcurrencyResponse{WorkflowID: workflowID, MaxTasks: maxTasks}
	s.cache.SetJSON(ctx, cache.ConcurrencyKey(workflowID), resp)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) workflowOverview(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	var overview engine.WorkflowOverview
	if s.cache.GetJSON(ctx, cache.OverviewKey(workflowID), &overview) {
		return c.JSON(http.StatusOK, &overview)
	}

	fresh, err := s.engine.GetWorkflowOverview(ctx, workflowID)
	if err != nil {
		return err
	}
	s.cache.SetJSON(ctx, cache.OverviewKey(workflowID), fresh)
	return c.JSON(http.StatusOK, fresh)
}

func (s *Server) taskTemplateStatus(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	var counts []engine.TemplateStatusCount
	if s.cache.GetJSON(ctx, cache.TemplateStatusKey(workflowID), &counts) {
		return c.JSON(http.StatusOK, map[string]interface{}{"task_templates": counts})
	}

	counts, err = s.engine.TemplateStatusCounts(ctx, workflowID)
	if err != nil {
		return err
	}
	s.cache.SetJSON(ctx, cache.TemplateStatusKey(workflowID), counts)
	return c.JSON(http.StatusOK, map[string]interface{}{"task_templates": counts})
}

func (s *Server) workflowTasks(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}
	status := fsm.TaskStatus(c.QueryParam("status"))
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return common.NewSchemaViolationError("limit must be a non-negative integer")
		}
	}
	tasks, err := s.engine.WorkflowTasks(c.Request().Context(), workflowID, status, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) taskTemplateDAG(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	var edges []engine.TemplateEdge
	if s.cache.GetJSON(ctx, cache.TemplateDAGKey(workflowID), &edges) {
		return c.JSON(http.StatusOK, edges)
	}

	edges, err = s.engine.GetTaskTemplateDAG(ctx, workflowID)
	if err != nil {
		return err
	}
	s.cache.SetJSON(ctx, cache.TemplateDAGKey(workflowID), edges)
	return c.JSON(http.StatusOK, edges)
}

func (s *Server) clusteredErrors(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return common.NewSchemaViolationError("limit must be a non-negative integer")
		}
	}
	clusters, err := s.engine.ClusteredErrors(c.Request().Context(), workflowID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"error_clusters": clusters})
}

// resourceUsage reports memory and runtime statistics over the done tasks of
// one template version. confidence arrives as a permissive string; an
// optional workflow_id narrows the sample.
func (s *Server) resourceUsage(c echo.Context) error {
	ttvID, err := paramID(c, "task_template_version_id")
	if err != nil {
		return err
	}
	confidence := c.QueryParam("confidence")
	if confidence == "" {
		confidence = strconv.FormatFloat(stats.DefaultConfidence, 'f', -1, 64)
	}
	var workflowID int64
	if raw := c.QueryParam("workflow_id"); raw != "" {
		workflowID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || workflowID < 0 {
			return common.NewSchemaViolationError("workflow_id must be a positive integer")
		}
	}

	ctx := c.Request().Context()
	key := cache.UsageKey(ttvID, confidence, workflowID)
	var report engine.ResourceUsageReport
	if s.cache.GetJSON(ctx, key, &report) {
		return c.JSON(http.StatusOK, &report)
	}

	fresh, err := s.engine.ResourceUsage(ctx, ttvID, confidence, workflowID)
	if err != nil {
		return err
	}
	s.cache.SetJSON(ctx, key, fresh)
	return c.JSON(http.StatusOK, fresh)
}

func (s *Server) getTask(c echo.Context) error {
	taskID, err := paramID(c, "task_id")
	if err != nil {
		return err
	}
	task, err := s.engine.GetTask(c.Request().Context(), taskID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// updateTaskStatuses is the operator override: force tasks to G, D or H,
// optionally expanding to every downstream task in the DAG.
func (s *Server) updateTaskStatuses(c echo.Context) error {
	if err := s.requireAdmin(c); err != nil {
		return err
	}
	var req engine.UpdateTaskStatusRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid update_statuses body")
	}
	updated, err := s.engine.UpdateTaskStatuses(c.Request().Context(), req)
	if err != nil {
		return err
	}
	if req.WorkflowID > 0 {
		s.cache.InvalidatePrefix(c.Request().Context(), cache.WorkflowPrefix(req.WorkflowID))
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": updated})
}
