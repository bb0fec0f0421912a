//go:build integration

package reaper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
)

func setupReaperTest(t *testing.T) (*engine.Engine, *db.Store, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	store, err := db.Connect(&config.DBConfig{
		DatabaseURI:        dsn,
		PoolSize:           5,
		MaxOverflow:        5,
		PoolTimeoutSeconds: 10,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate())

	cleanup := func() {
		store.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return engine.New(store, nil), store, cleanup
}

// launchedRunFixture binds a two-task workflow, drives its run to running and
// its instances to launched-with-running-worker state.
type launchedRunFixture struct {
	workflowID  int64
	runID       int64
	arrayID     int64
	taskIDs     []int64
	instanceIDs []int64
}

func bindLaunchedRun(t *testing.T, e *engine.Engine, tag string, maxAttempts int) *launchedRunFixture {
	ctx := context.Background()

	tool, err := e.GetOrCreateTool(ctx, "reap_tool_"+tag)
	require.NoError(t, err)
	toolVersion, err := e.GetOrCreateToolVersion(ctx, tool.ID, "1.0")
	require.NoError(t, err)
	template, err := e.GetOrCreateTaskTemplate(ctx, toolVersion.ID, "reap_tmpl_"+tag)
	require.NoError(t, err)
	ttv, err := e.GetOrCreateTaskTemplateVersion(ctx, template.ID, engine.TemplateVersionSpec{
		CommandTemplate: "work --shard {shard}",
		ArgsHash:        "args-" + tag,
		NodeArgs:        `["shard"]`,
	})
	require.NoError(t, err)
	dag, err := e.GetOrCreateDag(ctx, "reap-dag-"+tag)
	require.NoError(t, err)

	nodeIDs, err := e.AddNodes(ctx, []engine.NodeSpec{
		{TaskTemplateVersionID: ttv.ID, NodeArgsHash: "n0-" + tag},
		{TaskTemplateVersionID: ttv.ID, NodeArgsHash: "n1-" + tag},
	})
	require.NoError(t, err)

	wf, created, err := e.BindWorkflow(ctx, engine.WorkflowSpec{
		ToolVersionID:    toolVersion.ID,
		DagID:            dag.ID,
		WorkflowArgsHash: "wfargs-" + tag,
		TaskHash:         "tasks-" + tag,
		Name:             "reap-wf-" + tag,
	})
	require.NoError(t, err)
	require.True(t, created)

	arrays, err := e.GetOrCreateArrays(ctx, wf.ID, []engine.ArraySpec{
		{TaskTemplateVersionID: ttv.ID, Name: "reap_tmpl_" + tag},
	})
	require.NoError(t, err)

	taskIDs, err := e.BindTasks(ctx, wf.ID, []engine.TaskSpec{
		{NodeID: nodeIDs[0], ArrayID: arrays[0].ID, Name: "t0-" + tag, Command: "work --shard 0", TaskArgsHash: "ta0-" + tag, MaxAttempts: maxAttempts},
		{NodeID: nodeIDs[1], ArrayID: arrays[0].ID, Name: "t1-" + tag, Command: "work --shard 1", TaskArgsHash: "ta1-" + tag, MaxAttempts: maxAttempts},
	})
	require.NoError(t, err)

	run, err := e.CreateWorkflowRun(ctx, wf.ID, "svcjobmon", "3.1.0")
	require.NoError(t, err)
	for _, target := range []fsm.WorkflowRunStatus{fsm.RunBound, fsm.RunInstantiating, fsm.RunLaunched, fsm.RunRunning} {
		_, err = e.UpdateWorkflowRunStatus(ctx, run.ID, target)
		require.NoError(t, err)
	}

	batch, err := e.QueueTaskBatch(ctx, arrays[0].ID, engine.QueueBatchRequest{
		TaskIDs:       taskIDs,
		WorkflowRunID: run.ID,
	})
	require.NoError(t, err)
	_, err = e.InstantiateTaskInstances(ctx, batch.TaskInstanceIDs)
	require.NoError(t, err)
	_, err = e.TransitionToLaunched(ctx, arrays[0].ID, batch.BatchNumber, 120)
	require.NoError(t, err)
	for i, id := range batch.TaskInstanceIDs {
		_, err = e.LogDistributorID(ctx, id, fmt.Sprintf("%d_%d", batch.BatchNumber, i), 120)
		require.NoError(t, err)
		_, err = e.LogRunning(ctx, id, engine.RunningReport{Nodename: "node-a", NextReportIncrement: 120})
		require.NoError(t, err)
	}

	return &launchedRunFixture{
		workflowID:  wf.ID,
		runID:       run.ID,
		arrayID:     arrays[0].ID,
		taskIDs:     taskIDs,
		instanceIDs: batch.TaskInstanceIDs,
	}
}

func TestReaperSweepsStaleRun_Integration(t *testing.T) {
	e, store, cleanup := setupReaperTest(t)
	defer cleanup()
	ctx := context.Background()

	f := bindLaunchedRun(t, e, "stalerun", 1)
	r := New(store, e, &config.ReaperConfig{PollIntervalMinutes: 5, GracePeriodMultiplier: 3})

	// Inside the grace period the run survives a sweep.
	require.NoError(t, store.DB.Exec(
		"UPDATE workflow_runs SET heartbeat_date = now() - interval '10 minutes' WHERE id = ?", f.runID).Error)
	r.Sweep(ctx)
	run, err := e.GetWorkflowRun(ctx, f.runID)
	require.NoError(t, err)
	assert.Equal(t, fsm.RunRunning, run.Status)

	// Past the grace period the run turns cold and its instances fail.
	require.NoError(t, store.DB.Exec(
		"UPDATE workflow_runs SET heartbeat_date = now() - interval '20 minutes' WHERE id = ?", f.runID).Error)
	r.Sweep(ctx)

	run, err = e.GetWorkflowRun(ctx, f.runID)
	require.NoError(t, err)
	assert.Equal(t, fsm.RunCold, run.Status)

	wf, err := e.GetWorkflow(ctx, f.workflowID)
	require.NoError(t, err)
	assert.Equal(t, fsm.WorkflowHalted, wf.Status)

	for _, id := range f.instanceIDs {
		ti, err := e.GetTaskInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, fsm.InstanceNoHeartbeat, ti.Status)
	}
	// max_attempts=1 leaves no retries, so the tasks go fatal.
	for _, id := range f.taskIDs {
		task, err := e.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, fsm.TaskErrorFatal, task.Status)
	}
}

func TestReaperSweepsStaleInstance_Integration(t *testing.T) {
	e, store, cleanup := setupReaperTest(t)
	defer cleanup()
	ctx := context.Background()

	f := bindLaunchedRun(t, e, "staleti", 3)
	r := New(store, e, &config.ReaperConfig{PollIntervalMinutes: 5, GracePeriodMultiplier: 3})

	// Only the first instance misses its report-by deadline. The run itself
	// keeps heartbeating.
	lost, healthy := f.instanceIDs[0], f.instanceIDs[1]
	require.NoError(t, store.DB.Exec(
		"UPDATE task_instances SET report_by_date = now() - interval '1 minute' WHERE id = ?", lost).Error)
	_, err := e.LogWorkflowRunHeartbeat(ctx, f.runID)
	require.NoError(t, err)

	r.Sweep(ctx)

	ti, err := e.GetTaskInstance(ctx, lost)
	require.NoError(t, err)
	assert.Equal(t, fsm.InstanceNoHeartbeat, ti.Status)

	logs, err := e.InstanceErrorLogs(ctx, lost)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1].Description, "reaped")

	// Attempts remain, so the parent re-queues instead of going fatal.
	task, err := e.GetTask(ctx, ti.TaskID)
	require.NoError(t, err)
	assert.Equal(t, fsm.TaskQueued, task.Status)

	survivor, err := e.GetTaskInstance(ctx, healthy)
	require.NoError(t, err)
	assert.Equal(t, fsm.InstanceRunning, survivor.Status)

	run, err := e.GetWorkflowRun(ctx, f.runID)
	require.NoError(t, err)
	assert.Equal(t, fsm.RunRunning, run.Status)
}

func TestReaperLeaseExcludesSecondReplica_Integration(t *testing.T) {
	e, store, cleanup := setupReaperTest(t)
	defer cleanup()
	ctx := context.Background()

	f := bindLaunchedRun(t, e, "lease", 1)
	require.NoError(t, store.DB.Exec(
		"UPDATE workflow_runs SET heartbeat_date = now() - interval '20 minutes' WHERE id = ?", f.runID).Error)

	// Another replica holds a live lease, so this one skips its sweep.
	held, err := store.AcquireLease(ctx, "rival-replica", time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	r := New(store, e, &config.ReaperConfig{PollIntervalMinutes: 5, GracePeriodMultiplier: 3})
	r.Sweep(ctx)

	run, err := e.GetWorkflowRun(ctx, f.runID)
	require.NoError(t, err)
	assert.Equal(t, fsm.RunRunning, run.Status)

	// Releasing the rival lease lets the next sweep through.
	require.NoError(t, store.ReleaseLease(ctx, "rival-replica"))
	r.Sweep(ctx)

	run, err = e.GetWorkflowRun(ctx, f.runID)
	require.NoError(t, err)
	assert.Equal(t, fsm.RunCold, run.Status)
}
