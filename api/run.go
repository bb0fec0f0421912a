package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"jobmon.evalgo.org/cache"
	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/fsm"
)

type createWorkflowRunRequest struct {
	WorkflowID    int64  `json:"workflow_id"`
	User          string `json:"user"`
	ClientVersion string `json:"client_version"`
}

func (s *Server) createWorkflowRun(c echo.Context) error {
	var req createWorkflowRunRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid workflow_run body")
	}
	if req.WorkflowID <= 0 {
		return common.NewSchemaViolationError("workflow_id is required")
	}
	if req.User == "" {
		req.User = identity(c).Username
	}
	run, err := s.engine.CreateWorkflowRun(c.Request().Context(), req.WorkflowID, req.User, req.ClientVersion)
	if err != nil {
		return err
	}
	s.cache.Invalidate(c.Request().Context(), cache.OverviewKey(req.WorkflowID))
	return c.JSON(http.StatusOK, run)
}

type updateRunStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) updateWorkflowRunStatus(c echo.Context) error {
	runID, err := paramID(c, "workflow_run_id")
	if err != nil {
		return err
	}
	var req updateRunStatusRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid update_status body")
	}
	if req.Status == "" {
		return common.NewSchemaViolationError("status is required")
	}
	snapshot, err := s.engine.UpdateWorkflowRunStatus(c.Request().Context(), runID, fsm.WorkflowRunStatus(req.Status))
	if err != nil {
		return err
	}
	s.cache.Invalidate(c.Request().Context(), cache.OverviewKey(snapshot.WorkflowID))
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) logWorkflowRunHeartbeat(c echo.Context) error {
	runID, err := paramID(c, "workflow_run_id")
	if err != nil {
		return err
	}
	status, err := s.engine.LogWorkflowRunHeartbeat(c.Request().Context(), runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) getWorkflowRun(c echo.Context) error {
	runID, err := paramID(c, "workflow_run_id")
	if err != nil {
		return err
	}
	run, err := s.engine.GetWorkflowRun(c.Request().Context(), runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) runTaskInstances(c echo.Context) error {
	runID, err := paramID(c, "workflow_run_id")
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	instances, err := s.engine.RunTaskInstances(c.Request().Context(), runID,
		fsm.TaskInstanceStatus(c.QueryParam("status")), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"task_instances": instances})
}

type setResumeStateRequest struct {
	ResetIfRunning bool `json:"reset_if_running"`
}

func (s *Server) setResumeState(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}
	if err := s.authorizeWorkflow(c, workflowID); err != nil {
		return err
	}
	var req setResumeStateRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid set_resume_state body")
	}
	result, err := s.engine.SetResumeState(c.Request().Context(), workflowID, req.ResetIfRunning)
	if err != nil {
		return err
	}
	s.cache.InvalidatePrefix(c.Request().Context(), cache.WorkflowPrefix(workflowID))
	return c.JSON(http.StatusOK, result)
}

func (s *Server) stopWorkflow(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}
	if err := s.authorizeWorkflow(c, workflowID); err != nil {
		return err
	}
	result, err := s.engine.StopWorkflow(c.Request().Context(), workflowID)
	if err != nil {
		return err
	}
	s.cache.InvalidatePrefix(c.Request().Context(), cache.WorkflowPrefix(workflowID))
	return c.JSON(http.StatusOK, result)
}
