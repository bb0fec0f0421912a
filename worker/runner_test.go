package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
)

type fakeAPI struct {
	mu sync.Mutex

	instance *db.TaskInstance
	task     *db.Task

	killOnRunning   bool
	killOnHeartbeat bool
	terminalErr     error

	running    []engine.RunningReport
	heartbeats int
	done       []engine.DoneReport
	known      []engine.ErrorReport
	unknown    []engine.ErrorReport
	workerNode []fsm.TaskInstanceStatus
}

func (f *fakeAPI) snapshot(status fsm.TaskInstanceStatus, killSelf bool) *engine.InstanceSnapshot {
	return &engine.InstanceSnapshot{TaskInstanceID: 1, Status: status, KillSelf: killSelf}
}

func (f *fakeAPI) GetTaskInstance(ctx context.Context, instanceID int64) (*db.TaskInstance, error) {
	if f.instance == nil {
		return nil, errors.New("no such instance")
	}
	return f.instance, nil
}

func (f *fakeAPI) GetTask(ctx context.Context, taskID int64) (*db.Task, error) {
	if f.task == nil {
		return nil, errors.New("no such task")
	}
	return f.task, nil
}

func (f *fakeAPI) LogRunning(ctx context.Context, instanceID int64, report engine.RunningReport) (*engine.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, report)
	if f.killOnRunning {
		return f.snapshot(fsm.InstanceKillSelf, true), nil
	}
	return f.snapshot(fsm.InstanceRunning, false), nil
}

func (f *fakeAPI) LogHeartbeat(ctx context.Context, instanceID int64, nextReportIncrement int64) (*engine.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.killOnHeartbeat {
		return f.snapshot(fsm.InstanceKillSelf, true), nil
	}
	return f.snapshot(fsm.InstanceRunning, false), nil
}

func (f *fakeAPI) LogDone(ctx context.Context, instanceID int64, report engine.DoneReport) (*engine.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, report)
	return f.snapshot(fsm.InstanceDone, false), f.terminalErr
}

func (f *fakeAPI) LogKnownError(ctx context.Context, instanceID int64, report engine.ErrorReport) (*engine.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known = append(f.known, report)
	return f.snapshot(fsm.InstanceError, false), f.terminalErr
}

func (f *fakeAPI) LogUnknownError(ctx context.Context, instanceID int64, report engine.ErrorReport) (*engine.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unknown = append(f.unknown, report)
	return f.snapshot(fsm.InstanceUnknownError, false), f.terminalErr
}

func (f *fakeAPI) LogErrorWorkerNode(ctx context.Context, instanceID int64, state fsm.TaskInstanceStatus, report engine.ErrorReport) (*engine.InstanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workerNode = append(f.workerNode, state)
	return f.snapshot(state, false), f.terminalErr
}

func (f *fakeAPI) terminalReports() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.done) + len(f.known) + len(f.unknown) + len(f.workerNode)
}

func testRunner(api API, opts Options) *Runner {
	cfg := &config.WorkerConfig{HeartbeatIntervalSeconds: 90, ReportByBufferSeconds: 210}
	return NewRunner(api, cfg, opts)
}

func TestRunnerReportsDoneOnCleanExit(t *testing.T) {
	api := &fakeAPI{}
	r := testRunner(api, Options{TaskInstanceID: 1, Command: "true"})

	err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, api.running, 1)
	assert.NotEmpty(t, api.running[0].Nodename)
	assert.Equal(t, int64(300), api.running[0].NextReportIncrement)
	require.Len(t, api.done, 1)
	require.NotNil(t, api.done[0].Wallclock)
	assert.Equal(t, 1, api.terminalReports())
}

func TestRunnerReportsKnownErrorWithStderrTail(t *testing.T) {
	api := &fakeAPI{}
	r := testRunner(api, Options{TaskInstanceID: 1, Command: "echo boom >&2; exit 3"})

	err := r.Run(context.Background())
	require.Error(t, err)

	require.Len(t, api.known, 1)
	assert.Contains(t, api.known[0].Description, "exited with code 3")
	assert.Contains(t, api.known[0].Description, "boom")
	assert.Equal(t, 1, api.terminalReports())
}

func TestRunnerFetchesCommandFromTask(t *testing.T) {
	api := &fakeAPI{
		instance: &db.TaskInstance{ID: 1, TaskID: 7},
		task:     &db.Task{ID: 7, Command: "true"},
	}
	r := testRunner(api, Options{TaskInstanceID: 1})

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, api.done, 1)
}

func TestRunnerSkipsExecutionWhenFlaggedBeforeStart(t *testing.T) {
	api := &fakeAPI{killOnRunning: true}
	r := testRunner(api, Options{TaskInstanceID: 1, Command: "echo should not run"})

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrKilled)
	assert.Zero(t, api.terminalReports())
}

func TestRunnerKillsOnHeartbeatFlag(t *testing.T) {
	api := &fakeAPI{killOnHeartbeat: true}
	r := testRunner(api, Options{
		TaskInstanceID:    1,
		Command:           "sleep 30",
		HeartbeatInterval: 20 * time.Millisecond,
	})

	start := time.Now()
	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrKilled)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Zero(t, api.terminalReports(), "a killed instance is settled by the kill sweep, not the worker")
}

func TestRunnerAbsorbsAlreadySettledTerminalReport(t *testing.T) {
	api := &fakeAPI{terminalErr: fsm.NewInstanceTransitionError(1, fsm.InstanceErrorFatal, fsm.InstanceDone)}
	r := testRunner(api, Options{TaskInstanceID: 1, Command: "true"})

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, api.done, 1)
}

func TestClassifyWaitStatus(t *testing.T) {
	cases := []struct {
		name   string
		status syscall.WaitStatus
		class  exitClass
		detail string
	}{
		{"clean exit", syscall.WaitStatus(0), exitClean, ""},
		{"nonzero exit", syscall.WaitStatus(3 << 8), exitError, "exited with code 3"},
		{"sigkill", syscall.WaitStatus(int(syscall.SIGKILL)), exitResource, "out of memory"},
		{"sigxcpu", syscall.WaitStatus(int(syscall.SIGXCPU)), exitResource, "cpu time limit"},
		{"sigterm", syscall.WaitStatus(int(syscall.SIGTERM)), exitUnknown, "signal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, detail := classifyWaitStatus(tc.status)
			assert.Equal(t, tc.class, class)
			assert.Contains(t, detail, tc.detail)
		})
	}
}

func TestClassifyExitNilIsClean(t *testing.T) {
	class, detail := classifyExit(nil)
	assert.Equal(t, exitClean, class)
	assert.Empty(t, detail)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tail := newTailBuffer(8)

	n, err := tail.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", tail.String())

	tail.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", tail.String())

	tail.Write([]byte("XY"))
	assert.Equal(t, "cdefghXY", tail.String())

	tail.Write([]byte(strings.Repeat("z", 20)))
	assert.Equal(t, strings.Repeat("z", 8), tail.String())
}
