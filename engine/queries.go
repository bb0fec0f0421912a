package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/fsm"
)

// activeInstanceStatuses occupy cluster capacity and count against the
// workflow and array concurrency caps.
var activeInstanceStatuses = []fsm.TaskInstanceStatus{
	fsm.InstanceInstantiated, fsm.InstanceBatchSubmitted, fsm.InstanceLaunched,
	fsm.InstanceRunning, fsm.InstanceKillSelf,
}

// QueuedInstance is one queued task instance hydrated with everything the
// distributor needs to submit it.
type QueuedInstance struct {
	TaskInstanceID     int64  `json:"task_instance_id"`
	TaskID             int64  `json:"task_id"`
	ArrayID            int64  `json:"array_id"`
	ArrayBatchNum      int    `json:"array_batch_num"`
	ArrayStepID        int    `json:"array_step_id"`
	Name               string `json:"name"`
	Command            string `json:"command"`
	TaskResourcesID    int64  `json:"task_resources_id"`
	Queue              string `json:"queue"`
	RequestedResources string `json:"requested_resources"`
}

// QueuedTaskInstances drains queued instances of a workflow run in id order,
// honoring the workflow's and each array's concurrency cap against the
// instances already occupying the cluster. At most limit rows are returned;
// saturated arrays release more work as their active instances finish.
func (e *Engine) QueuedTaskInstances(ctx context.Context, workflowRunID int64, limit int) ([]QueuedInstance, error) {
	if limit <= 0 || limit > MaxBulkSize {
		limit = MaxBulkSize
	}

	var eligible []QueuedInstance
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		eligible = eligible[:0]

		var run db.WorkflowRun
		if err := tx.First(&run, "id = ?", workflowRunID).Error; err != nil {
			return err
		}
		var wf db.Workflow
		if err := tx.First(&wf, "id = ?", run.WorkflowID).Error; err != nil {
			return err
		}

		type activeCount struct {
			ArrayID int64
			N       int
		}
		var actives []activeCount
		err := tx.Model(&db.TaskInstance{}).
			Select("task_instances.array_id AS array_id, count(*) AS n").
			Joins("JOIN tasks ON tasks.id = task_instances.task_id").
			Where("tasks.workflow_id = ? AND task_instances.status IN ?", wf.ID, activeInstanceStatuses).
			Group("task_instances.array_id").
			Scan(&actives).Error
		if err != nil {
			return err
		}
		activeByArray := make(map[int64]int, len(actives))
		workflowActive := 0
		for _, a := range actives {
			activeByArray[a.ArrayID] = a.N
			workflowActive += a.N
		}
		workflowHeadroom := wf.MaxConcurrency - workflowActive
		if workflowHeadroom <= 0 {
			return nil
		}

		var arrays []db.Array
		if err := tx.Where("workflow_id = ?", wf.ID).Find(&arrays).Error; err != nil {
			return err
		}
		arrayHeadroom := make(map[int64]int, len(arrays))
		for _, array := range arrays {
			arrayHeadroom[array.ID] = array.MaxConcurrentlyRunning - activeByArray[array.ID]
		}

		// Over-fetch so saturated arrays do not starve the rest of
		// the scan, then apply the caps in queue order.
		fetch := limit * 4
		if fetch > MaxBulkSize {
			fetch = MaxBulkSize
		}
		var rows []QueuedInstance
		err = tx.Table("task_instances AS ti").
			Select("ti.id AS task_instance_id, ti.task_id, ti.array_id, ti.array_batch_num, ti.array_step_id, t.name, t.command, COALESCE(t.task_resources_id, 0) AS task_resources_id").
			Joins("JOIN tasks t ON t.id = ti.task_id").
			Where("ti.workflow_run_id = ? AND ti.status = ?", workflowRunID, fsm.InstanceQueued).
			Order("ti.array_id asc, ti.id asc").
			Limit(fetch).
			Scan(&rows).Error
		if err != nil {
			return err
		}

		for _, row := range rows {
			if workflowHeadroom <= 0 || len(eligible) >= limit {
				break
			}
			if arrayHeadroom[row.ArrayID] <= 0 {
				continue
			}
			arrayHeadroom[row.ArrayID]--
			workflowHeadroom--
			eligible = append(eligible, row)
		}

		return hydrateResources(tx, eligible)
	})
	if err != nil {
		return nil, err
	}
	return eligible, nil
}

// hydrateResources fills queue and requested resources from the referenced
// task_resources rows.
func hydrateResources(tx *gorm.DB, rows []QueuedInstance) error {
	idSet := make(map[int64]bool)
	for _, row := range rows {
		if row.TaskResourcesID > 0 {
			idSet[row.TaskResourcesID] = true
		}
	}
	if len(idSet) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	var resources []db.TaskResources
	if err := tx.Where("id IN ?", ids).Find(&resources).Error; err != nil {
		return err
	}
	byID := make(map[int64]db.TaskResources, len(resources))
	for _, r := range resources {
		byID[r.ID] = r
	}
	for i := range rows {
		if r, ok := byID[rows[i].TaskResourcesID]; ok {
			rows[i].Queue = r.Queue
			rows[i].RequestedResources = r.RequestedResources
		}
	}
	return nil
}

// RequeueTask is a task the distributor must queue into a fresh batch:
// either it waits for adjusted resources or a failed attempt re-queued it
// without a live instance.
type RequeueTask struct {
	TaskID             int64          `json:"task_id"`
	ArrayID            int64          `json:"array_id"`
	Status             fsm.TaskStatus `json:"status"`
	TaskResourcesID    int64          `json:"task_resources_id"`
	ResourceScale      float64        `json:"resource_scale"`
	Queue              string         `json:"queue"`
	RequestedResources string         `json:"requested_resources"`
}

// TasksToRequeue returns the run's tasks that need a new instance: tasks in
// adjusting, and queued tasks whose previous instance has settled. The
// distributor scales resources for adjusting tasks and calls QueueTaskBatch
// per array.
func (e *Engine) TasksToRequeue(ctx context.Context, workflowRunID int64) ([]RequeueTask, error) {
	var result []RequeueTask

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		result = result[:0]

		var run db.WorkflowRun
		if err := tx.First(&run, "id = ?", workflowRunID).Error; err != nil {
			return err
		}

		var rows []RequeueTask
		err := tx.Table("tasks AS t").
			Select("t.id AS task_id, t.array_id, t.status, COALESCE(t.task_resources_id, 0) AS task_resources_id, t.resource_scale").
			Where("t.workflow_id = ?", run.WorkflowID).
			Where("t.status = ? OR (t.status = ? AND NOT EXISTS (SELECT 1 FROM task_instances ti WHERE ti.task_id = t.id AND ti.status IN ?))",
				fsm.TaskAdjusting, fsm.TaskQueued, liveInstanceStatuses).
			Order("t.array_id asc, t.id asc").
			Limit(MaxBulkSize).
			Scan(&rows).Error
		if err != nil {
			return err
		}

		resourceIDs := make(map[int64]bool)
		for _, row := range rows {
			if row.TaskResourcesID > 0 {
				resourceIDs[row.TaskResourcesID] = true
			}
		}
		if len(resourceIDs) > 0 {
			ids := make([]int64, 0, len(resourceIDs))
			for id := range resourceIDs {
				ids = append(ids, id)
			}
			var resources []db.TaskResources
			if err := tx.Where("id IN ?", ids).Find(&resources).Error; err != nil {
				return err
			}
			byID := make(map[int64]db.TaskResources, len(resources))
			for _, r := range resources {
				byID[r.ID] = r
			}
			for i := range rows {
				if r, ok := byID[rows[i].TaskResourcesID]; ok {
					rows[i].Queue = r.Queue
					rows[i].RequestedResources = r.RequestedResources
				}
			}
		}
		result = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RunBrief summarizes one workflow run for the overview.
type RunBrief struct {
	ID            int64                 `json:"id"`
	Status        fsm.WorkflowRunStatus `json:"status"`
	User          string                `json:"user"`
	CreatedDate   time.Time             `json:"created_date"`
	HeartbeatDate time.Time             `json:"heartbeat_date"`
}

// WorkflowOverview is the operator-facing summary of one workflow.
type WorkflowOverview struct {
	WorkflowID  int64              `json:"workflow_id"`
	Name        string             `json:"name"`
	Status      fsm.WorkflowStatus `json:"status"`
	StatusLabel string             `json:"status_label"`
	CreatedDate time.Time          `json:"created_date"`
	TaskCounts  map[string]int64   `json:"task_counts"`
	Runs        []RunBrief         `json:"runs"`
}

// GetWorkflowOverview returns a workflow's status, its task counts by status
// code and its runs, newest first.
func (e *Engine) GetWorkflowOverview(ctx context.Context, workflowID int64) (*WorkflowOverview, error) {
	var overview *WorkflowOverview

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var wf db.Workflow
		if err := tx.First(&wf, "id = ?", workflowID).Error; err != nil {
			return err
		}

		type statusCount struct {
			Status string
			N      int64
		}
		var counts []statusCount
		err := tx.Model(&db.Task{}).
			Select("status, count(*) AS n").
			Where("workflow_id = ?", wf.ID).
			Group("status").
			Scan(&counts).Error
		if err != nil {
			return err
		}
		taskCounts := make(map[string]int64, len(counts))
		for _, c := range counts {
			taskCounts[c.Status] = c.N
		}

		var runs []db.WorkflowRun
		err = tx.Where("workflow_id = ?", wf.ID).Order("id desc").Limit(20).Find(&runs).Error
		if err != nil {
			return err
		}
		briefs := make([]RunBrief, 0, len(runs))
		for _, run := range runs {
			briefs = append(briefs, RunBrief{
				ID:            run.ID,
				Status:        run.Status,
				User:          run.User,
				CreatedDate:   run.CreatedDate,
				HeartbeatDate: run.HeartbeatDate,
			})
		}

		overview = &WorkflowOverview{
			WorkflowID:  wf.ID,
			Name:        wf.Name,
			Status:      wf.Status,
			StatusLabel: wf.Status.Label(),
			CreatedDate: wf.CreatedDate,
			TaskCounts:  taskCounts,
			Runs:        briefs,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return overview, nil
}

// TemplateStatusCount is the task status breakdown of one template within a
// workflow, the granularity progress displays track.
type TemplateStatusCount struct {
	TaskTemplateID        int64            `json:"task_template_id"`
	TaskTemplateVersionID int64            `json:"task_template_version_id"`
	TaskTemplateName      string           `json:"task_template_name"`
	TaskCounts            map[string]int64 `json:"task_counts"`
	Total                 int64            `json:"total"`
}

// TemplateStatusCounts breaks a workflow's task statuses down per template
// version, in template id order.
func (e *Engine) TemplateStatusCounts(ctx context.Context, workflowID int64) ([]TemplateStatusCount, error) {
	type countRow struct {
		TaskTemplateID        int64
		TaskTemplateVersionID int64
		Name                  string
		Status                string
		N                     int64
	}
	var rows []countRow
	err := e.store.DB.WithContext(ctx).
		Table("tasks AS t").
		Select("tt.id AS task_template_id, ttv.id AS task_template_version_id, tt.name, t.status, count(*) AS n").
		Joins("JOIN nodes nd ON nd.id = t.node_id").
		Joins("JOIN task_template_versions ttv ON ttv.id = nd.task_template_version_id").
		Joins("JOIN task_templates tt ON tt.id = ttv.task_template_id").
		Where("t.workflow_id = ?", workflowID).
		Group("tt.id, ttv.id, tt.name, t.status").
		Order("tt.id, ttv.id").
		Scan(&rows).Error
	if err != nil {
		return nil, db.Classify(err)
	}

	byVersion := make(map[int64]*TemplateStatusCount)
	var order []int64
	for _, row := range rows {
		entry, ok := byVersion[row.TaskTemplateVersionID]
		if !ok {
			entry = &TemplateStatusCount{
				TaskTemplateID:        row.TaskTemplateID,
				TaskTemplateVersionID: row.TaskTemplateVersionID,
				TaskTemplateName:      row.Name,
				TaskCounts:            map[string]int64{},
			}
			byVersion[row.TaskTemplateVersionID] = entry
			order = append(order, row.TaskTemplateVersionID)
		}
		entry.TaskCounts[row.Status] += row.N
		entry.Total += row.N
	}

	result := make([]TemplateStatusCount, 0, len(order))
	for _, id := range order {
		result = append(result, *byVersion[id])
	}
	return result, nil
}

// WorkflowTasks lists a workflow's tasks, optionally filtered by status.
func (e *Engine) WorkflowTasks(ctx context.Context, workflowID int64, status fsm.TaskStatus, limit int) ([]db.Task, error) {
	if limit <= 0 || limit > MaxBulkSize {
		limit = 1000
	}
	q := e.store.DB.WithContext(ctx).Where("workflow_id = ?", workflowID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var tasks []db.Task
	if err := q.Order("id asc").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, db.Classify(err)
	}
	return tasks, nil
}

// GetTask returns the current state of one task.
func (e *Engine) GetTask(ctx context.Context, taskID int64) (*db.Task, error) {
	var task db.Task
	if err := e.store.DB.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return nil, db.Classify(err)
	}
	return &task, nil
}

// GetWorkflow returns one workflow row. Ownership checks read the owner off
// this before mutating.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID int64) (*db.Workflow, error) {
	var wf db.Workflow
	if err := e.store.DB.WithContext(ctx).First(&wf, "id = ?", workflowID).Error; err != nil {
		return nil, db.Classify(err)
	}
	return &wf, nil
}

// GetWorkflowRun returns one workflow-run row.
func (e *Engine) GetWorkflowRun(ctx context.Context, runID int64) (*db.WorkflowRun, error) {
	var run db.WorkflowRun
	if err := e.store.DB.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		return nil, db.Classify(err)
	}
	return &run, nil
}

// RunTaskInstances lists a run's task instances, optionally filtered by
// status. A restarted distributor uses it to find instances its previous
// incarnation left mid-submission.
func (e *Engine) RunTaskInstances(ctx context.Context, workflowRunID int64, status fsm.TaskInstanceStatus, limit int) ([]db.TaskInstance, error) {
	if limit <= 0 || limit > MaxBulkSize {
		limit = 1000
	}
	q := e.store.DB.WithContext(ctx).Where("workflow_run_id = ?", workflowRunID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var instances []db.TaskInstance
	if err := q.Order("id asc").Limit(limit).Find(&instances).Error; err != nil {
		return nil, db.Classify(err)
	}
	return instances, nil
}

// TemplateEdge is one template-level dependency of a workflow's DAG. A
// template with no downstream dependency appears once with a null
// downstream.
type TemplateEdge struct {
	Name                     string `json:"name"`
	DownstreamTaskTemplateID *int64 `json:"downstream_task_template_id"`
}

// GetTaskTemplateDAG collapses the workflow's node-level DAG to template
// level: one row per distinct (template, downstream template version) pair.
func (e *Engine) GetTaskTemplateDAG(ctx context.Context, workflowID int64) ([]TemplateEdge, error) {
	var result []TemplateEdge

	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var wf db.Workflow
		if err := tx.First(&wf, "id = ?", workflowID).Error; err != nil {
			return err
		}

		adj, err := loadDagAdjacency(tx, wf.DagID)
		if err != nil {
			return err
		}
		var edgeRows []db.Edge
		if err := tx.Where("dag_id = ?", wf.DagID).Find(&edgeRows).Error; err != nil {
			return err
		}

		nodeIDs := make(map[int64]bool)
		for _, edge := range edgeRows {
			nodeIDs[edge.NodeID] = true
		}
		for up, downs := range adj {
			nodeIDs[up] = true
			for _, down := range downs {
				nodeIDs[down] = true
			}
		}
		if len(nodeIDs) == 0 {
			result = []TemplateEdge{}
			return nil
		}
		ids := make([]int64, 0, len(nodeIDs))
		for id := range nodeIDs {
			ids = append(ids, id)
		}

		var nodes []db.Node
		if err := tx.Where("id IN ?", ids).Find(&nodes).Error; err != nil {
			return err
		}
		ttvByNode := make(map[int64]int64, len(nodes))
		ttvSet := make(map[int64]bool, len(nodes))
		for _, node := range nodes {
			ttvByNode[node.ID] = node.TaskTemplateVersionID
			ttvSet[node.TaskTemplateVersionID] = true
		}

		ttvIDs := make([]int64, 0, len(ttvSet))
		for id := range ttvSet {
			ttvIDs = append(ttvIDs, id)
		}
		type templateName struct {
			ID   int64
			Name string
		}
		var names []templateName
		err = tx.Table("task_template_versions AS ttv").
			Select("ttv.id, tt.name").
			Joins("JOIN task_templates tt ON tt.id = ttv.task_template_id").
			Where("ttv.id IN ?", ttvIDs).
			Scan(&names).Error
		if err != nil {
			return err
		}
		nameByTTV := make(map[int64]string, len(names))
		for _, n := range names {
			nameByTTV[n.ID] = n.Name
		}

		type templatePair struct{ up, down int64 }
		pairs := make(map[templatePair]bool)
		hasDownstream := make(map[int64]bool)
		for up, downs := range adj {
			upTTV := ttvByNode[up]
			for _, down := range downs {
				downTTV := ttvByNode[down]
				if upTTV == 0 || downTTV == 0 || upTTV == downTTV {
					continue
				}
				pairs[templatePair{upTTV, downTTV}] = true
				hasDownstream[upTTV] = true
			}
		}

		result = result[:0]
		for pair := range pairs {
			down := pair.down
			result = append(result, TemplateEdge{
				Name:                     nameByTTV[pair.up],
				DownstreamTaskTemplateID: &down,
			})
		}
		for ttv := range ttvSet {
			if !hasDownstream[ttv] {
				result = append(result, TemplateEdge{Name: nameByTTV[ttv]})
			}
		}
		sort.Slice(result, func(i, j int) bool {
			if result[i].Name != result[j].Name {
				return result[i].Name < result[j].Name
			}
			a, b := result[i].DownstreamTaskTemplateID, result[j].DownstreamTaskTemplateID
			switch {
			case a == nil:
				return b != nil
			case b == nil:
				return false
			default:
				return *a < *b
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ErrorCluster groups similar recent failures of one task template.
type ErrorCluster struct {
	TaskTemplateName      string  `json:"task_template_name"`
	SampleError           string  `json:"sample_error"`
	Count                 int64   `json:"count"`
	SampleTaskInstanceIDs []int64 `json:"sample_task_instance_ids"`
}

// ClusteredErrors groups the workflow's recent instance errors by template
// and first error line, most frequent first. It reads at most the newest
// 5000 error rows.
func (e *Engine) ClusteredErrors(ctx context.Context, workflowID int64, limit int) ([]ErrorCluster, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	type errorRow struct {
		TaskInstanceID int64
		Description    string
		TemplateName   string
	}
	var rows []errorRow
	err := e.store.DB.WithContext(ctx).
		Table("task_instance_error_logs AS el").
		Select("el.task_instance_id, el.description, tt.name AS template_name").
		Joins("JOIN task_instances ti ON ti.id = el.task_instance_id").
		Joins("JOIN tasks t ON t.id = ti.task_id").
		Joins("JOIN nodes n ON n.id = t.node_id").
		Joins("JOIN task_template_versions ttv ON ttv.id = n.task_template_version_id").
		Joins("JOIN task_templates tt ON tt.id = ttv.task_template_id").
		Where("t.workflow_id = ?", workflowID).
		Order("el.id desc").
		Limit(5000).
		Scan(&rows).Error
	if err != nil {
		return nil, db.Classify(err)
	}

	type clusterKey struct {
		template string
		sample   string
	}
	clusters := make(map[clusterKey]*ErrorCluster)
	var order []clusterKey
	for _, row := range rows {
		sample := row.Description
		if idx := strings.IndexByte(sample, '\n'); idx >= 0 {
			sample = sample[:idx]
		}
		if len(sample) > 200 {
			sample = sample[:200]
		}
		key := clusterKey{template: row.TemplateName, sample: sample}
		cluster, ok := clusters[key]
		if !ok {
			cluster = &ErrorCluster{TaskTemplateName: row.TemplateName, SampleError: sample}
			clusters[key] = cluster
			order = append(order, key)
		}
		cluster.Count++
		if len(cluster.SampleTaskInstanceIDs) < 5 {
			cluster.SampleTaskInstanceIDs = append(cluster.SampleTaskInstanceIDs, row.TaskInstanceID)
		}
	}

	result := make([]ErrorCluster, 0, len(order))
	for _, key := range order {
		result = append(result, *clusters[key])
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Count > result[j].Count })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
