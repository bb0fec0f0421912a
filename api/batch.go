package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/engine"
)

func (s *Server) queueTaskBatch(c echo.Context) error {
	arrayID, err := paramID(c, "array_id")
	if err != nil {
		return err
	}
	var req engine.QueueBatchRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid queue_task_batch body")
	}
	result, err := s.engine.QueueTaskBatch(c.Request().Context(), arrayID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type transitionToLaunchedRequest struct {
	BatchNumber         int   `json:"batch_number"`
	NextReportIncrement int64 `json:"next_report_increment"`
}

func (s *Server) transitionToLaunched(c echo.Context) error {
	arrayID, err := paramID(c, "array_id")
	if err != nil {
		return err
	}
	var req transitionToLaunchedRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid transition_to_launched body")
	}
	counts, err := s.engine.TransitionToLaunched(c.Request().Context(), arrayID, req.BatchNumber, req.NextReportIncrement)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, counts)
}

type transitionToKilledRequest struct {
	BatchNumber int `json:"batch_number"`
}

func (s *Server) transitionToKilled(c echo.Context) error {
	arrayID, err := paramID(c, "array_id")
	if err != nil {
		return err
	}
	var req transitionToKilledRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid transition_to_killed body")
	}
	counts, err := s.engine.TransitionToKilled(c.Request().Context(), arrayID, req.BatchNumber)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, counts)
}

type instantiateRequest struct {
	TaskInstanceIDs []int64 `json:"task_instance_ids"`
}

type instantiateResponse struct {
	TaskInstanceIDs []int64 `json:"task_instance_ids"`
}

func (s *Server) instantiateTaskInstances(c echo.Context) error {
	var req instantiateRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid instantiate_task_instances body")
	}
	ids, err := s.engine.InstantiateTaskInstances(c.Request().Context(), req.TaskInstanceIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, instantiateResponse{TaskInstanceIDs: ids})
}

func (s *Server) queuedTaskInstances(c echo.Context) error {
	runID, err := paramID(c, "workflow_run_id")
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
	queued, err := s.engine.QueuedTaskInstances(c.Request().Context(), runID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"task_instances": queued})
}

func (s *Server) tasksToRequeue(c echo.Context) error {
	runID, err := paramID(c, "workflow_run_id")
	if err != nil {
		return err
	}
	tasks, err := s.engine.TasksToRequeue(c.Request().Context(), runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) arraysToKill(c echo.Context) error {
	runID, err := paramID(c, "workflow_run_id")
	if err != nil {
		return err
	}
	batches, err := s.engine.ArraysToKill(c.Request().Context(), runID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"array_batches": batches})
}
