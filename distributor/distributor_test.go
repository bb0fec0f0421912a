package distributor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmon.evalgo.org/cluster"
	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
)

type fakeCoordinator struct {
	mu sync.Mutex

	run       *db.WorkflowRun
	overview  *engine.WorkflowOverview
	queued    []engine.QueuedInstance
	toRequeue []engine.RequeueTask
	toKill    []engine.ArrayBatch
	instances map[fsm.TaskInstanceStatus][]db.TaskInstance

	statusUpdates   []fsm.WorkflowRunStatus
	instantiated    [][]int64
	launchedBatches []engine.ArrayBatch
	killedBatches   []engine.ArrayBatch
	bound           map[int64]string
	noDistributor   map[int64]string
	workerErrors    map[int64]fsm.TaskInstanceStatus
	createdRes      []db.ResourceRequest
	queuedBatches   map[int64][]engine.QueueBatchRequest
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		run:           &db.WorkflowRun{ID: 5, WorkflowID: 1, Status: fsm.RunInstantiating},
		overview:      &engine.WorkflowOverview{WorkflowID: 1, TaskCounts: map[string]int64{}},
		instances:     map[fsm.TaskInstanceStatus][]db.TaskInstance{},
		bound:         map[int64]string{},
		noDistributor: map[int64]string{},
		workerErrors:  map[int64]fsm.TaskInstanceStatus{},
		queuedBatches: map[int64][]engine.QueueBatchRequest{},
	}
}

func (f *fakeCoordinator) GetWorkflowRun(ctx context.Context, runID int64) (*db.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *f.run
	return &copied, nil
}

func (f *fakeCoordinator) LogWorkflowRunHeartbeat(ctx context.Context, runID int64) (fsm.WorkflowRunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run.Status, nil
}

func (f *fakeCoordinator) UpdateWorkflowRunStatus(ctx context.Context, runID int64, status fsm.WorkflowRunStatus) (*engine.RunSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.run.Status.CanTransitionTo(status) && f.run.Status != status {
		return nil, fsm.NewRunTransitionError(runID, f.run.Status, status)
	}
	f.run.Status = status
	f.statusUpdates = append(f.statusUpdates, status)
	return &engine.RunSnapshot{WorkflowRunID: runID, Status: status, WorkflowID: f.run.WorkflowID}, nil
}

func (f *fakeCoordinator) GetWorkflowOverview(ctx context.Context, workflowID int64) (*engine.WorkflowOverview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overview, nil
}

func (f *fakeCoordinator) RunTaskInstances(ctx context.Context, runID int64, status fsm.TaskInstanceStatus, limit int) ([]db.TaskInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[status], nil
}

func (f *fakeCoordinator) TasksToRequeue(ctx context.Context, runID int64) ([]engine.RequeueTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := f.toRequeue
	f.toRequeue = nil
	return tasks, nil
}

func (f *fakeCoordinator) CreateTaskResources(ctx context.Context, queue string, request db.ResourceRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	request.Queue = queue
	f.createdRes = append(f.createdRes, request)
	return int64(100 + len(f.createdRes)), nil
}

func (f *fakeCoordinator) QueueTaskBatch(ctx context.Context, arrayID int64, req engine.QueueBatchRequest) (*engine.QueueBatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedBatches[arrayID] = append(f.queuedBatches[arrayID], req)
	return &engine.QueueBatchResult{BatchNumber: len(f.queuedBatches[arrayID])}, nil
}

func (f *fakeCoordinator) QueuedTaskInstances(ctx context.Context, runID int64, limit int) ([]engine.QueuedInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queued := f.queued
	f.queued = nil
	return queued, nil
}

func (f *fakeCoordinator) InstantiateTaskInstances(ctx context.Context, instanceIDs []int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instantiated = append(f.instantiated, instanceIDs)
	return instanceIDs, nil
}

func (f *fakeCoordinator) TransitionToLaunched(ctx context.Context, arrayID int64, batchNumber int, nextReportIncrement int64) (*engine.BatchCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchedBatches = append(f.launchedBatches, engine.ArrayBatch{ArrayID: arrayID, BatchNumber: batchNumber})
	return &engine.BatchCounts{}, nil
}

func (f *fakeCoordinator) TransitionToKilled(ctx context.Context, arrayID int64, batchNumber int) (*engine.BatchCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedBatches = append(f.killedBatches, engine.ArrayBatch{ArrayID: arrayID, BatchNumber: batchNumber})
	return &engine.BatchCounts{}, nil
}

func (f *fakeCoordinator) ArraysToKill(ctx context.Context, runID int64) ([]engine.ArrayBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batches := f.toKill
	f.toKill = nil
	return batches, nil
}

func (f *fakeCoordinator) LogDistributorID(ctx context.Context, instanceID int64, distributorID string, nextReportIncrement int64) (*engine.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[instanceID] = distributorID
	return &engine.InstanceSnapshot{TaskInstanceID: instanceID, Status: fsm.InstanceLaunched}, nil
}

func (f *fakeCoordinator) LogNoDistributorID(ctx context.Context, instanceID int64, description string) (*engine.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noDistributor[instanceID] = description
	return &engine.InstanceSnapshot{TaskInstanceID: instanceID, Status: fsm.InstanceNoDistributorID}, nil
}

func (f *fakeCoordinator) LogErrorWorkerNode(ctx context.Context, instanceID int64, state fsm.TaskInstanceStatus, report engine.ErrorReport) (*engine.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workerErrors[instanceID] = state
	return &engine.InstanceSnapshot{TaskInstanceID: instanceID, Status: state}, nil
}

type fakePlugin struct {
	mu         sync.Mutex
	submits    []cluster.Submission
	submitErrs []error
	nextJob    int
	statuses   map[string]cluster.JobStatus
	// unscripted ids report defaultStatus when set and are omitted
	// otherwise, which the distributor reads as done
	defaultStatus cluster.JobStatus
	kills         [][]string
}

func (p *fakePlugin) Name() string { return "fake" }

func (p *fakePlugin) SubmitArray(ctx context.Context, sub cluster.Submission) (map[int64]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits = append(p.submits, sub)
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	p.nextJob++
	ids := make(map[int64]string, len(sub.Instances))
	for _, inst := range sub.Instances {
		ids[inst.TaskInstanceID] = submissionID(p.nextJob, inst.StepID)
	}
	return ids, nil
}

func (p *fakePlugin) Status(ctx context.Context, distributorIDs []string) (map[string]cluster.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make(map[string]cluster.JobStatus, len(distributorIDs))
	for _, id := range distributorIDs {
		if status, ok := p.statuses[id]; ok {
			result[id] = status
		} else if p.defaultStatus != "" {
			result[id] = p.defaultStatus
		}
	}
	return result, nil
}

func (p *fakePlugin) Kill(ctx context.Context, distributorIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills = append(p.kills, append([]string(nil), distributorIDs...))
	return nil
}

func submissionID(job, step int) string {
	return fmt.Sprintf("%d_%d", job, step)
}

func testConfig() config.DistributorConfig {
	return config.DistributorConfig{
		Cluster:                   "fake",
		PollIntervalSeconds:       1,
		HeartbeatIntervalSeconds:  30,
		HeartbeatReportMultiplier: 3,
		StartupTimeoutSeconds:     5,
		BatchSize:                 500,
		SubmitTimeoutSeconds:      5,
		RetryScale:                0.5,
	}
}

func testDistributor(t *testing.T, api *fakeCoordinator, plugin *fakePlugin) *Distributor {
	t.Helper()
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	d := New(api, plugin, journal, testConfig(), 5)
	d.workflowID = 1
	d.setStatus(api.run.Status)
	return d
}

func TestDrainGroupsByArrayBatchAndBinds(t *testing.T) {
	api := newFakeCoordinator()
	api.queued = []engine.QueuedInstance{
		{TaskInstanceID: 11, TaskID: 1, ArrayID: 4, ArrayBatchNum: 1, ArrayStepID: 0, Command: "true", Queue: "all.q", RequestedResources: `{"memory_gb":1,"runtime_seconds":60,"cores":1}`},
		{TaskInstanceID: 12, TaskID: 2, ArrayID: 4, ArrayBatchNum: 1, ArrayStepID: 1, Command: "true", Queue: "all.q"},
		{TaskInstanceID: 21, TaskID: 3, ArrayID: 9, ArrayBatchNum: 2, ArrayStepID: 0, Command: "true", Queue: "long.q"},
	}
	plugin := &fakePlugin{defaultStatus: cluster.StatusPending}
	d := testDistributor(t, api, plugin)

	done, err := d.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	require.Len(t, api.instantiated, 1)
	assert.Equal(t, []int64{11, 12, 21}, api.instantiated[0])

	require.Len(t, plugin.submits, 2)
	assert.Equal(t, int64(4), plugin.submits[0].ArrayID)
	assert.Len(t, plugin.submits[0].Instances, 2)
	assert.Equal(t, float64(1), plugin.submits[0].Resources.MemoryGB)
	assert.Equal(t, int64(9), plugin.submits[1].ArrayID)

	assert.Equal(t, []engine.ArrayBatch{{ArrayID: 4, BatchNumber: 1}, {ArrayID: 9, BatchNumber: 2}}, api.launchedBatches)
	assert.Len(t, api.bound, 3)
	assert.Len(t, d.tracked, 3)

	outstanding, err := d.journal.Outstanding()
	require.NoError(t, err)
	assert.Len(t, outstanding, 2)

	assert.Contains(t, api.statusUpdates, fsm.RunLaunched)
}

func TestPollTriagesClusterAnswers(t *testing.T) {
	api := newFakeCoordinator()
	api.run.Status = fsm.RunLaunched
	plugin := &fakePlugin{statuses: map[string]cluster.JobStatus{
		"1_0": cluster.StatusRunning,
		"1_1": cluster.StatusKilled,
		"1_2": cluster.StatusLost,
	}}
	d := testDistributor(t, api, plugin)
	d.tracked = map[int64]string{
		11: "1_0",
		12: "1_1",
		13: "1_2",
		14: "1_3",
	}

	done, err := d.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	assert.Equal(t, map[int64]string{11: "1_0"}, d.tracked, "only the running job stays tracked")
	assert.Equal(t, fsm.InstanceResourceError, api.workerErrors[12], "a cluster kill reports a resource error")
	assert.Equal(t, fsm.InstanceUnknownError, api.workerErrors[13], "a lost job reports an unknown error")
	_, reported := api.workerErrors[14]
	assert.False(t, reported, "jobs that left the queue settle through their worker report")

	assert.Equal(t, fsm.RunRunning, api.run.Status, "a running job pulls the run to running")
}

func TestSubmitRetriesTransientRefusal(t *testing.T) {
	api := newFakeCoordinator()
	api.queued = []engine.QueuedInstance{
		{TaskInstanceID: 11, TaskID: 1, ArrayID: 4, ArrayBatchNum: 1, ArrayStepID: 0, Command: "true"},
	}
	plugin := &fakePlugin{
		submitErrs:    []error{cluster.NewTemporarySubmitError("queue full", nil)},
		defaultStatus: cluster.StatusPending,
	}
	d := testDistributor(t, api, plugin)

	done, err := d.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, d.resubmits, 1)
	assert.Equal(t, 1, d.resubmits[0].attempts)
	assert.Empty(t, d.tracked)

	done, err = d.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Empty(t, d.resubmits)
	assert.Len(t, d.tracked, 1)
	require.Len(t, plugin.submits, 2)
}

func TestSubmitAbandonsAfterMaxAttempts(t *testing.T) {
	api := newFakeCoordinator()
	api.queued = []engine.QueuedInstance{
		{TaskInstanceID: 11, TaskID: 1, ArrayID: 4, ArrayBatchNum: 1, ArrayStepID: 0, Command: "true"},
	}
	api.overview.TaskCounts = map[string]int64{string(fsm.TaskQueued): 1}
	plugin := &fakePlugin{submitErrs: []error{
		cluster.NewTemporarySubmitError("queue full", nil),
		cluster.NewTemporarySubmitError("queue full", nil),
		cluster.NewTemporarySubmitError("queue full", nil),
	}}
	d := testDistributor(t, api, plugin)

	for i := 0; i < 3; i++ {
		_, err := d.tick(context.Background())
		require.NoError(t, err)
	}

	assert.Empty(t, d.resubmits)
	assert.Empty(t, d.tracked)
	assert.Contains(t, api.noDistributor[11], "submission failed")
}

func TestSubmitPermanentFailureAbandonsImmediately(t *testing.T) {
	api := newFakeCoordinator()
	api.queued = []engine.QueuedInstance{
		{TaskInstanceID: 11, TaskID: 1, ArrayID: 4, ArrayBatchNum: 1, ArrayStepID: 0, Command: "true"},
		{TaskInstanceID: 12, TaskID: 2, ArrayID: 4, ArrayBatchNum: 1, ArrayStepID: 1, Command: "true"},
	}
	api.overview.TaskCounts = map[string]int64{string(fsm.TaskQueued): 2}
	plugin := &fakePlugin{submitErrs: []error{assert.AnError}}
	d := testDistributor(t, api, plugin)

	_, err := d.tick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, d.resubmits)
	assert.Len(t, api.noDistributor, 2)
}

func TestRequeueScalesAdjustingTasks(t *testing.T) {
	api := newFakeCoordinator()
	api.toRequeue = []engine.RequeueTask{
		{TaskID: 1, ArrayID: 4, Status: fsm.TaskAdjusting, Queue: "all.q", RequestedResources: `{"memory_gb":2,"runtime_seconds":600,"cores":1}`},
		{TaskID: 2, ArrayID: 4, Status: fsm.TaskAdjusting, Queue: "all.q", RequestedResources: `{"memory_gb":2,"runtime_seconds":600,"cores":1}`},
		{TaskID: 3, ArrayID: 4, Status: fsm.TaskQueued},
	}
	api.overview.TaskCounts = map[string]int64{string(fsm.TaskQueued): 3}
	d := testDistributor(t, api, &fakePlugin{})

	_, err := d.tick(context.Background())
	require.NoError(t, err)

	require.Len(t, api.createdRes, 1, "tasks sharing array and scaled request share one resources row")
	assert.Equal(t, float64(3), api.createdRes[0].MemoryGB)
	assert.Equal(t, int64(900), api.createdRes[0].RuntimeSeconds)
	assert.Equal(t, 1, api.createdRes[0].Cores, "cores do not scale")

	batches := api.queuedBatches[4]
	require.Len(t, batches, 2)
	assert.Equal(t, []int64{1, 2}, batches[0].TaskIDs)
	assert.Equal(t, int64(101), batches[0].TaskResourcesID)
	assert.Equal(t, []int64{3}, batches[1].TaskIDs)
	assert.Zero(t, batches[1].TaskResourcesID)
}

func TestKillSweepCancelsFlaggedBatches(t *testing.T) {
	api := newFakeCoordinator()
	api.run.Status = fsm.RunRunning
	api.toKill = []engine.ArrayBatch{{ArrayID: 4, BatchNumber: 1}}
	api.instances[fsm.InstanceKillSelf] = []db.TaskInstance{
		{ID: 11, DistributorID: "1_0"},
		{ID: 12, DistributorID: "1_1"},
	}
	api.overview.TaskCounts = map[string]int64{string(fsm.TaskQueued): 2}
	plugin := &fakePlugin{}
	d := testDistributor(t, api, plugin)
	d.tracked = map[int64]string{11: "1_0", 12: "1_1"}

	_, err := d.tick(context.Background())
	require.NoError(t, err)

	require.Len(t, plugin.kills, 1)
	assert.Equal(t, []string{"1_0", "1_1"}, plugin.kills[0])
	assert.Equal(t, []engine.ArrayBatch{{ArrayID: 4, BatchNumber: 1}}, api.killedBatches)
	assert.Empty(t, d.tracked)
}

func TestWindDownTerminatesRun(t *testing.T) {
	api := newFakeCoordinator()
	api.run.Status = fsm.RunHotResume
	api.toKill = []engine.ArrayBatch{{ArrayID: 4, BatchNumber: 1}}
	api.instances[fsm.InstanceKillSelf] = []db.TaskInstance{{ID: 12, DistributorID: "1_1"}}
	plugin := &fakePlugin{}
	d := testDistributor(t, api, plugin)
	d.tracked = map[int64]string{11: "1_0"}

	done, err := d.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	require.Len(t, plugin.kills, 1)
	assert.Equal(t, []string{"1_0", "1_1"}, plugin.kills[0])
	assert.Equal(t, []engine.ArrayBatch{{ArrayID: 4, BatchNumber: 1}}, api.killedBatches)
	assert.Equal(t, fsm.RunTerminated, api.run.Status)
	assert.Empty(t, d.tracked)
}

func TestSettlesRunDoneWhenAllTasksDone(t *testing.T) {
	api := newFakeCoordinator()
	api.run.Status = fsm.RunRunning
	api.overview.TaskCounts = map[string]int64{string(fsm.TaskDone): 3}
	d := testDistributor(t, api, &fakePlugin{})

	done, err := d.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, fsm.RunDone, api.run.Status)
}

func TestSettleClimbsLadderWhenRunNeverRan(t *testing.T) {
	api := newFakeCoordinator()
	api.run.Status = fsm.RunInstantiating
	api.overview.TaskCounts = map[string]int64{string(fsm.TaskDone): 1}
	d := testDistributor(t, api, &fakePlugin{})

	done, err := d.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, fsm.RunDone, api.run.Status)
	assert.Equal(t, []fsm.WorkflowRunStatus{fsm.RunLaunched, fsm.RunRunning, fsm.RunDone}, api.statusUpdates)
}

func TestSettlesRunErrorOnFatalTasks(t *testing.T) {
	api := newFakeCoordinator()
	api.run.Status = fsm.RunRunning
	api.overview.TaskCounts = map[string]int64{
		string(fsm.TaskDone):        2,
		string(fsm.TaskErrorFatal):  1,
		string(fsm.TaskRegistering): 1,
	}
	d := testDistributor(t, api, &fakePlugin{})

	done, err := d.tick(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, fsm.RunError, api.run.Status)
}

func TestWaitsWhileClientOwesWork(t *testing.T) {
	api := newFakeCoordinator()
	api.run.Status = fsm.RunRunning
	api.overview.TaskCounts = map[string]int64{
		string(fsm.TaskDone):        1,
		string(fsm.TaskRegistering): 2,
	}
	d := testDistributor(t, api, &fakePlugin{})

	done, err := d.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, fsm.RunRunning, api.run.Status)
}

func TestRecoverReplaysJournalAndFailsOrphans(t *testing.T) {
	api := newFakeCoordinator()
	api.instances[fsm.InstanceInstantiated] = []db.TaskInstance{{ID: 31}}
	api.instances[fsm.InstanceBatchSubmitted] = []db.TaskInstance{{ID: 12}}
	d := testDistributor(t, api, &fakePlugin{})

	require.NoError(t, d.journal.RecordBatch(JournalBatch{
		ArrayID:        4,
		BatchNumber:    1,
		Plugin:         "fake",
		DistributorIDs: map[int64]string{11: "1_0", 12: "1_1"},
	}))

	require.NoError(t, d.recover(context.Background()))

	assert.Equal(t, map[int64]string{11: "1_0", 12: "1_1"}, d.tracked)
	assert.Equal(t, "1_1", api.bound[12], "journaled batch-submitted instances finish binding")
	assert.Contains(t, api.noDistributor[31], "restarted")
	_, abandoned := api.noDistributor[12]
	assert.False(t, abandoned, "journaled instances are not abandoned")
}
