package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
)

func (s *Server) logRunning(c echo.Context) error {
	instanceID, err := paramID(c, "task_instance_id")
	if err != nil {
		return err
	}
	var report engine.RunningReport
	if err := c.Bind(&report); err != nil {
		return common.NewSchemaViolationError("invalid log_running body")
	}
	snapshot, err := s.engine.LogRunning(c.Request().Context(), instanceID, report)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) logDone(c echo.Context) error {
	instanceID, err := paramID(c, "task_instance_id")
	if err != nil {
		return err
	}
	var report engine.DoneReport
	if err := c.Bind(&report); err != nil {
		return common.NewSchemaViolationError("invalid log_done body")
	}
	snapshot, err := s.engine.LogDone(c.Request().Context(), instanceID, report)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

type heartbeatRequest struct {
	NextReportIncrement int64 `json:"next_report_increment"`
}

func (s *Server) logHeartbeat(c echo.Context) error {
	instanceID, err := paramID(c, "task_instance_id")
	if err != nil {
		return err
	}
	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid log_heartbeat body")
	}
	snapshot, err := s.engine.LogHeartbeat(c.Request().Context(), instanceID, req.NextReportIncrement)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) logKnownError(c echo.Context) error {
	return s.logInstanceError(c, func(c echo.Context, id int64, report engine.ErrorReport) (*engine.InstanceSnapshot, error) {
		return s.engine.LogKnownError(c.Request().Context(), id, report)
	})
}

func (s *Server) logUnknownError(c echo.Context) error {
	return s.logInstanceError(c, func(c echo.Context, id int64, report engine.ErrorReport) (*engine.InstanceSnapshot, error) {
		return s.engine.LogUnknownError(c.Request().Context(), id, report)
	})
}

func (s *Server) logInstanceError(c echo.Context, log func(echo.Context, int64, engine.ErrorReport) (*engine.InstanceSnapshot, error)) error {
	instanceID, err := paramID(c, "task_instance_id")
	if err != nil {
		return err
	}
	var report engine.ErrorReport
	if err := c.Bind(&report); err != nil {
		return common.NewSchemaViolationError("invalid error report body")
	}
	snapshot, err := log(c, instanceID, report)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

type workerNodeErrorRequest struct {
	ErrorState  string `json:"error_state"`
	Description string `json:"description"`
	Nodename    string `json:"nodename"`
	Wallclock   *int64 `json:"wallclock"`
	Maxrss      *int64 `json:"maxrss"`
}

// logErrorWorkerNode lets the distributor push a cluster-observed failure
// directly into one of the error states: E, Z or U.
func (s *Server) logErrorWorkerNode(c echo.Context) error {
	instanceID, err := paramID(c, "task_instance_id")
	if err != nil {
		return err
	}
	var req workerNodeErrorRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid log_error_worker_node body")
	}
	snapshot, err := s.engine.LogErrorWorkerNode(c.Request().Context(), instanceID,
		fsm.TaskInstanceStatus(req.ErrorState), engine.ErrorReport{
			Description: req.Description,
			Nodename:    req.Nodename,
			Wallclock:   req.Wallclock,
			Maxrss:      req.Maxrss,
		})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

type noDistributorIDRequest struct {
	Description string `json:"description"`
}

func (s *Server) logNoDistributorID(c echo.Context) error {
	instanceID, err := paramID(c, "task_instance_id")
	if err != nil {
		return err
	}
	var req noDistributorIDRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid log_no_distributor_id body")
	}
	snapshot, err := s.engine.LogNoDistributorID(c.Request().Context(), instanceID, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

type distributorIDRequest struct {
	DistributorID       string `json:"distributor_id"`
	NextReportIncrement int64  `json:"next_report_increment"`
}

func (s *Server) logDistributorID(c echo.Context) error {
	instanceID, err := paramID(c, "task_instance_id")
	if err != nil {
		return err
	}
	var req distributorIDRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid log_distributor_id body")
	}
	if req.DistributorID == "" {
		return common.NewSchemaViolationError("distributor_id is required")
	}
	snapshot, err := s.engine.LogDistributorID(c.Request().Context(), instanceID, req.DistributorID, req.NextReportIncrement)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) getTaskInstance(c echo.Context) error {
	instanceID, err := paramID(c, "task_instance_id")
	if err != nil {
		return err
	}
	ti, err := s.engine.GetTaskInstance(c.Request().Context(), instanceID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ti)
}

func (s *Server) instanceErrorLogs(c echo.Context) error {
	instanceID, err := paramID(c, "task_instance_id")
	if err != nil {
		return err
	}
	logs, err := s.engine.InstanceErrorLogs(c.Request().Context(), instanceID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"error_logs": logs})
}
