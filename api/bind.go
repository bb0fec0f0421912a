package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
)

type createToolRequest struct {
	Name string `json:"name"`
}

func (s *Server) createTool(c echo.Context) error {
	var req createToolRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid tool body")
	}
	if req.Name == "" {
		return common.NewSchemaViolationError("tool name is required")
	}
	tool, err := s.engine.GetOrCreateTool(c.Request().Context(), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tool)
}

type createToolVersionRequest struct {
	Name string `json:"name"`
}

func (s *Server) createToolVersion(c echo.Context) error {
	toolID, err := paramID(c, "tool_id")
	if err != nil {
		return err
	}
	var req createToolVersionRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid tool version body")
	}
	tv, err := s.engine.GetOrCreateToolVersion(c.Request().Context(), toolID, req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tv)
}

type createTaskTemplateRequest struct {
	ToolVersionID int64  `json:"tool_version_id"`
	Name          string `json:"name"`
}

func (s *Server) createTaskTemplate(c echo.Context) error {
	var req createTaskTemplateRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid task template body")
	}
	if req.ToolVersionID <= 0 || req.Name == "" {
		return common.NewSchemaViolationError("tool_version_id and name are required")
	}
	tt, err := s.engine.GetOrCreateTaskTemplate(c.Request().Context(), req.ToolVersionID, req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tt)
}

func (s *Server) addTemplateVersion(c echo.Context) error {
	templateID, err := paramID(c, "task_template_id")
	if err != nil {
		return err
	}
	var spec engine.TemplateVersionSpec
	if err := c.Bind(&spec); err != nil {
		return common.NewSchemaViolationError("invalid template version body")
	}
	ttv, err := s.engine.GetOrCreateTaskTemplateVersion(c.Request().Context(), templateID, spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ttv)
}

type createDagRequest struct {
	Hash string `json:"hash"`
}

func (s *Server) createDag(c echo.Context) error {
	var req createDagRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid dag body")
	}
	if req.Hash == "" {
		return common.NewSchemaViolationError("dag hash is required")
	}
	dag, err := s.engine.GetOrCreateDag(c.Request().Context(), req.Hash)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dag)
}

type addNodesRequest struct {
	Nodes []engine.NodeSpec `json:"nodes"`
}

type addNodesResponse struct {
	NodeIDs []int64 `json:"node_ids"`
}

func (s *Server) addNodes(c echo.Context) error {
	var req addNodesRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid nodes body")
	}
	if len(req.Nodes) == 0 {
		return common.NewSchemaViolationError("nodes must not be empty")
	}
	ids, err := s.engine.AddNodes(c.Request().Context(), req.Nodes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, addNodesResponse{NodeIDs: ids})
}

type addEdgesRequest struct {
	Edges []engine.EdgeSpec `json:"edges"`
}

func (s *Server) addDagEdges(c echo.Context) error {
	dagID, err := paramID(c, "dag_id")
	if err != nil {
		return err
	}
	var req addEdgesRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid edges body")
	}
	if err := s.engine.AddDagEdges(c.Request().Context(), dagID, req.Edges); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"added": len(req.Edges)})
}

type bindWorkflowResponse struct {
	*db.Workflow
	Created bool `json:"created"`
}

func (s *Server) bindWorkflow(c echo.Context) error {
	var spec engine.WorkflowSpec
	if err := c.Bind(&spec); err != nil {
		return common.NewSchemaViolationError("invalid workflow body")
	}
	if spec.Owner == "" {
		spec.Owner = identity(c).Username
	}
	wf, created, err := s.engine.BindWorkflow(c.Request().Context(), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bindWorkflowResponse{Workflow: wf, Created: created})
}

// bindTaskSpec is a TaskSpec addressed by template version instead of array
// id; bind_tasks resolves the array per template on the fly.
type bindTaskSpec struct {
	NodeID                int64   `json:"node_id"`
	TaskTemplateVersionID int64   `json:"task_template_version_id"`
	Name                  string  `json:"name"`
	Command               string  `json:"command"`
	TaskArgsHash          string  `json:"task_args_hash"`
	MaxAttempts           int     `json:"max_attempts"`
	ResourceScale         float64 `json:"resource_scale"`
	TaskResourcesID       int64   `json:"task_resources_id"`
}

type bindTasksRequest struct {
	Arrays []engine.ArraySpec `json:"arrays"`
	Tasks  []bindTaskSpec     `json:"tasks"`
}

type bindTasksResponse struct {
	TaskIDs []int64    `json:"task_ids"`
	Arrays  []db.Array `json:"arrays"`
}

func (s *Server) bindTasks(c echo.Context) error {
	workflowID, err := paramID(c, "workflow_id")
	if err != nil {
		return err
	}
	var req bindTasksRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid bind_tasks body")
	}
	if len(req.Tasks) == 0 {
		return common.NewSchemaViolationError("tasks must not be empty")
	}

	ctx := c.Request().Context()
	arrays, err := s.engine.GetOrCreateArrays(ctx, workflowID, req.Arrays)
	if err != nil {
		return err
	}
	arrayByTemplate := make(map[int64]int64, len(arrays))
	for _, a := range arrays {
		arrayByTemplate[a.TaskTemplateVersionID] = a.ID
	}

	specs := make([]engine.TaskSpec, len(req.Tasks))
	for i, t := range req.Tasks {
		arrayID, ok := arrayByTemplate[t.TaskTemplateVersionID]
		if !ok {
			return common.NewSchemaViolationError("task references a template version with no array spec")
		}
		specs[i] = engine.TaskSpec{
			NodeID:          t.NodeID,
			ArrayID:         arrayID,
			Name:            t.Name,
			Command:         t.Command,
			TaskArgsHash:    t.TaskArgsHash,
			MaxAttempts:     t.MaxAttempts,
			ResourceScale:   t.ResourceScale,
			TaskResourcesID: t.TaskResourcesID,
		}
	}

	taskIDs, err := s.engine.BindTasks(ctx, workflowID, specs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bindTasksResponse{TaskIDs: taskIDs, Arrays: arrays})
}

type createTaskResourcesRequest struct {
	Queue              string             `json:"queue"`
	RequestedResources db.ResourceRequest `json:"requested_resources"`
}

func (s *Server) createTaskResources(c echo.Context) error {
	var req createTaskResourcesRequest
	if err := c.Bind(&req); err != nil {
		return common.NewSchemaViolationError("invalid task resources body")
	}
	id, err := s.engine.CreateTaskResources(c.Request().Context(), req.Queue, req.RequestedResources)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"task_resources_id": id})
}
