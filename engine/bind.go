package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/fsm"
	"jobmon.evalgo.org/graph"
)

// Binding operations register the client's metadata before a workflow runs.
// They are get-or-create on the natural keys: re-binding identical metadata
// returns the existing rows, so clients can replay a bind after a crash.

// GetOrCreateTool returns the tool with the given name, creating it on first
// use.
func (e *Engine) GetOrCreateTool(ctx context.Context, name string) (*db.Tool, error) {
	if name == "" {
		return nil, common.NewSchemaViolationError("tool name must not be empty")
	}
	var tool db.Tool
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Where("name = ?", name).First(&tool).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		tool = db.Tool{Name: name, CreatedDate: now}
		return tx.Create(&tool).Error
	})
	if err != nil {
		return nil, err
	}
	return &tool, nil
}

// GetOrCreateToolVersion returns the named version of a tool, creating it on
// first use.
func (e *Engine) GetOrCreateToolVersion(ctx context.Context, toolID int64, name string) (*db.ToolVersion, error) {
	var version db.ToolVersion
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Where("tool_id = ? AND name = ?", toolID, name).First(&version).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.First(&db.Tool{}, "id = ?", toolID).Error; err != nil {
			return err
		}
		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		version = db.ToolVersion{ToolID: toolID, Name: name, CreatedDate: now}
		return tx.Create(&version).Error
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// GetOrCreateTaskTemplate returns the named template under a tool version,
// creating it on first use.
func (e *Engine) GetOrCreateTaskTemplate(ctx context.Context, toolVersionID int64, name string) (*db.TaskTemplate, error) {
	var template db.TaskTemplate
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Where("tool_version_id = ? AND name = ?", toolVersionID, name).First(&template).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.First(&db.ToolVersion{}, "id = ?", toolVersionID).Error; err != nil {
			return err
		}
		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		template = db.TaskTemplate{ToolVersionID: toolVersionID, Name: name, CreatedDate: now}
		return tx.Create(&template).Error
	})
	if err != nil {
		return nil, err
	}
	return &template, nil
}

// TemplateVersionSpec describes one task template version to bind.
type TemplateVersionSpec struct {
	CommandTemplate string `json:"command_template"`
	ArgsHash        string `json:"args_hash"`
	NodeArgs        string `json:"node_args"`
	TaskArgs        string `json:"task_args"`
	OpArgs          string `json:"op_args"`
}

// GetOrCreateTaskTemplateVersion returns the template version matching the
// args hash, creating it on first use.
func (e *Engine) GetOrCreateTaskTemplateVersion(ctx context.Context, taskTemplateID int64, spec TemplateVersionSpec) (*db.TaskTemplateVersion, error) {
	if spec.CommandTemplate == "" {
		return nil, common.NewSchemaViolationError("command_template must not be empty")
	}
	var version db.TaskTemplateVersion
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Where("task_template_id = ? AND args_hash = ?", taskTemplateID, spec.ArgsHash).First(&version).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.First(&db.TaskTemplate{}, "id = ?", taskTemplateID).Error; err != nil {
			return err
		}
		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		version = db.TaskTemplateVersion{
			TaskTemplateID:  taskTemplateID,
			CommandTemplate: spec.CommandTemplate,
			ArgsHash:        spec.ArgsHash,
			NodeArgs:        spec.NodeArgs,
			TaskArgs:        spec.TaskArgs,
			OpArgs:          spec.OpArgs,
			CreatedDate:     now,
		}
		return tx.Create(&version).Error
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// GetOrCreateDag returns the dag with the given edge-set hash, creating it
// on first use.
func (e *Engine) GetOrCreateDag(ctx context.Context, hash string) (*db.Dag, error) {
	if hash == "" {
		return nil, common.NewSchemaViolationError("dag hash must not be empty")
	}
	var dag db.Dag
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Where("hash = ?", hash).First(&dag).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		dag = db.Dag{Hash: hash, CreatedDate: now}
		return tx.Create(&dag).Error
	})
	if err != nil {
		return nil, err
	}
	return &dag, nil
}

// NodeSpec describes one node to bind.
type NodeSpec struct {
	TaskTemplateVersionID int64  `json:"task_template_version_id"`
	NodeArgsHash          string `json:"node_args_hash"`
	NodeArgs              string `json:"node_args"`
}

// AddNodes binds a batch of nodes get-or-create and returns their IDs in
// request order.
func (e *Engine) AddNodes(ctx context.Context, specs []NodeSpec) ([]int64, error) {
	if err := checkBulkSize(len(specs)); err != nil {
		return nil, err
	}
	ids := make([]int64, len(specs))
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		for i, spec := range specs {
			var node db.Node
			err := tx.Where("task_template_version_id = ? AND node_args_hash = ?", spec.TaskTemplateVersionID, spec.NodeArgsHash).
				First(&node).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				node = db.Node{
					TaskTemplateVersionID: spec.TaskTemplateVersionID,
					NodeArgsHash:          spec.NodeArgsHash,
					NodeArgs:              spec.NodeArgs,
					CreatedDate:           now,
				}
				err = tx.Create(&node).Error
			}
			if err != nil {
				return err
			}
			ids[i] = node.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// EdgeSpec describes the adjacency of one node inside a dag.
type EdgeSpec struct {
	NodeID          int64   `json:"node_id"`
	UpstreamNodes   []int64 `json:"upstream_nodes"`
	DownstreamNodes []int64 `json:"downstream_nodes"`
}

// AddDagEdges stores the adjacency of a dag after proving it acyclic. A dag
// with a cycle is rejected at bind time so it can never deadlock a run.
// Replays upsert the same rows.
func (e *Engine) AddDagEdges(ctx context.Context, dagID int64, specs []EdgeSpec) error {
	if err := checkBulkSize(len(specs)); err != nil {
		return err
	}

	adj := make(graph.Adjacency, len(specs))
	for _, spec := range specs {
		if len(spec.DownstreamNodes) > 0 {
			adj[spec.NodeID] = spec.DownstreamNodes
		} else if _, ok := adj[spec.NodeID]; !ok {
			adj[spec.NodeID] = nil
		}
	}
	if err := graph.Validate(adj); err != nil {
		return common.NewSchemaViolationError(err.Error())
	}

	return e.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&db.Dag{}, "id = ?", dagID).Error; err != nil {
			return err
		}
		for _, spec := range specs {
			upstream, err := json.Marshal(spec.UpstreamNodes)
			if err != nil {
				return err
			}
			downstream, err := json.Marshal(spec.DownstreamNodes)
			if err != nil {
				return err
			}
			edge := db.Edge{
				DagID:           dagID,
				NodeID:          spec.NodeID,
				UpstreamNodes:   string(upstream),
				DownstreamNodes: string(downstream),
			}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "dag_id"}, {Name: "node_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"upstream_nodes", "downstream_nodes"}),
			}).Create(&edge).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// WorkflowSpec describes one workflow to bind.
type WorkflowSpec struct {
	ToolVersionID    int64  `json:"tool_version_id"`
	DagID            int64  `json:"dag_id"`
	WorkflowArgsHash string `json:"workflow_args_hash"`
	TaskHash         string `json:"task_hash"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Owner            string `json:"owner"`
	MaxConcurrency   int    `json:"max_concurrently_running"`
}

// BindWorkflow returns the workflow for the identity tuple, creating it in
// registering on first use. The created flag tells the client whether it
// owns a fresh workflow or re-attached to an existing one, which it may then
// resume.
func (e *Engine) BindWorkflow(ctx context.Context, spec WorkflowSpec) (*db.Workflow, bool, error) {
	var wf db.Workflow
	created := false

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		created = false
		err := tx.Where(
			"tool_version_id = ? AND dag_id = ? AND workflow_args_hash = ? AND task_hash = ?",
			spec.ToolVersionID, spec.DagID, spec.WorkflowArgsHash, spec.TaskHash,
		).First(&wf).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		maxConcurrency := spec.MaxConcurrency
		if maxConcurrency <= 0 {
			maxConcurrency = 10000
		}
		wf = db.Workflow{
			ToolVersionID:    spec.ToolVersionID,
			DagID:            spec.DagID,
			WorkflowArgsHash: spec.WorkflowArgsHash,
			TaskHash:         spec.TaskHash,
			Name:             spec.Name,
			Description:      spec.Description,
			Owner:            spec.Owner,
			MaxConcurrency:   maxConcurrency,
			Status:           fsm.WorkflowRegistering,
			StatusDate:       now,
			CreatedDate:      now,
		}
		if err := tx.Create(&wf).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &wf, created, nil
}

// ArraySpec describes one array to bind.
type ArraySpec struct {
	TaskTemplateVersionID  int64  `json:"task_template_version_id"`
	Name                   string `json:"name"`
	MaxConcurrentlyRunning int    `json:"max_concurrently_running"`
}

// GetOrCreateArrays binds one array per template version under a workflow
// and returns them in request order.
func (e *Engine) GetOrCreateArrays(ctx context.Context, workflowID int64, specs []ArraySpec) ([]db.Array, error) {
	if err := checkBulkSize(len(specs)); err != nil {
		return nil, err
	}
	arrays := make([]db.Array, len(specs))

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&db.Workflow{}, "id = ?", workflowID).Error; err != nil {
			return err
		}
		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		for i, spec := range specs {
			var array db.Array
			err := tx.Where("workflow_id = ? AND task_template_version_id = ?", workflowID, spec.TaskTemplateVersionID).
				First(&array).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				maxRunning := spec.MaxConcurrentlyRunning
				if maxRunning <= 0 {
					maxRunning = 10000
				}
				array = db.Array{
					WorkflowID:             workflowID,
					TaskTemplateVersionID:  spec.TaskTemplateVersionID,
					Name:                   spec.Name,
					MaxConcurrentlyRunning: maxRunning,
					CreatedDate:            now,
				}
				err = tx.Create(&array).Error
			}
			if err != nil {
				return err
			}
			arrays[i] = array
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return arrays, nil
}

// TaskSpec describes one task to bind.
type TaskSpec struct {
	NodeID          int64   `json:"node_id"`
	ArrayID         int64   `json:"array_id"`
	Name            string  `json:"name"`
	Command         string  `json:"command"`
	TaskArgsHash    string  `json:"task_args_hash"`
	MaxAttempts     int     `json:"max_attempts"`
	ResourceScale   float64 `json:"resource_scale"`
	TaskResourcesID int64   `json:"task_resources_id"`
}

// BindTasks binds a batch of tasks get-or-create and returns their IDs in
// request order. Fresh tasks start in registering; re-bound tasks come back
// in whatever state they reached, so a resumed client sees its done work.
func (e *Engine) BindTasks(ctx context.Context, workflowID int64, specs []TaskSpec) ([]int64, error) {
	if err := checkBulkSize(len(specs)); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, common.NewSchemaViolationError("tasks must not be empty")
	}
	ids := make([]int64, len(specs))

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&db.Workflow{}, "id = ?", workflowID).Error; err != nil {
			return err
		}
		now, err := db.Now(tx)
		if err != nil {
			return err
		}
		for i, spec := range specs {
			if spec.Command == "" {
				return common.NewSchemaViolationError(fmt.Sprintf("task %d has an empty command", i))
			}
			var task db.Task
			err := tx.Where("workflow_id = ? AND node_id = ? AND task_args_hash = ?", workflowID, spec.NodeID, spec.TaskArgsHash).
				First(&task).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				maxAttempts := spec.MaxAttempts
				if maxAttempts <= 0 {
					maxAttempts = 3
				}
				scale := spec.ResourceScale
				if scale <= 0 {
					scale = 0.5
				}
				task = db.Task{
					WorkflowID:    workflowID,
					NodeID:        spec.NodeID,
					ArrayID:       spec.ArrayID,
					TaskArgsHash:  spec.TaskArgsHash,
					Name:          spec.Name,
					Command:       spec.Command,
					MaxAttempts:   maxAttempts,
					ResourceScale: scale,
					Status:        fsm.TaskRegistering,
					StatusDate:    now,
					CreatedDate:   now,
				}
				if spec.TaskResourcesID > 0 {
					task.TaskResourcesID = &spec.TaskResourcesID
				}
				err = tx.Create(&task).Error
			}
			if err != nil {
				return err
			}
			ids[i] = task.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateTaskResources stores a resource request and returns its ID. Resource
// rows are immutable; adjusting a task binds a new row.
func (e *Engine) CreateTaskResources(ctx context.Context, queue string, request db.ResourceRequest) (int64, error) {
	encoded, err := request.Encode()
	if err != nil {
		return 0, common.NewSchemaViolationError("invalid resource request")
	}
	resources := db.TaskResources{Queue: queue, RequestedResources: encoded}
	err = e.store.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&resources).Error
	})
	if err != nil {
		return 0, err
	}
	return resources.ID, nil
}

// GetTaskResources returns one stored resource request.
func (e *Engine) GetTaskResources(ctx context.Context, id int64) (*db.TaskResources, error) {
	var resources db.TaskResources
	if err := e.store.DB.WithContext(ctx).First(&resources, "id = ?", id).Error; err != nil {
		return nil, db.Classify(err)
	}
	return &resources, nil
}
