// Package worker executes a single task instance on a worker node. The
// runner resolves the command, reports running, heartbeats on a fixed
// cadence while the command runs, and files exactly one terminal report
// classified from how the process exited. When a heartbeat response carries
// the kill-self flag the runner tears the process group down and leaves the
// terminal bookkeeping to the kill sweep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
)

// ErrKilled is returned by Run when the instance was torn down on request,
// either through the kill-self flag or through context cancellation. No
// terminal report is filed in that case.
var ErrKilled = errors.New("task instance was killed")

// stderrTailLimit bounds how much trailing stderr ends up in error reports.
const stderrTailLimit = 4096

// API is the coordination surface the runner needs. A *requester.Requester
// satisfies it; the sequential cluster plugin passes its own through.
type API interface {
	GetTaskInstance(ctx context.Context, instanceID int64) (*db.TaskInstance, error)
	GetTask(ctx context.Context, taskID int64) (*db.Task, error)
	LogRunning(ctx context.Context, instanceID int64, report engine.RunningReport) (*engine.InstanceSnapshot, error)
	LogHeartbeat(ctx context.Context, instanceID int64, nextReportIncrement int64) (*engine.InstanceSnapshot, error)
	LogDone(ctx context.Context, instanceID int64, report engine.DoneReport) (*engine.InstanceSnapshot, error)
	LogKnownError(ctx context.Context, instanceID int64, report engine.ErrorReport) (*engine.InstanceSnapshot, error)
	LogUnknownError(ctx context.Context, instanceID int64, report engine.ErrorReport) (*engine.InstanceSnapshot, error)
	LogErrorWorkerNode(ctx context.Context, instanceID int64, state fsm.TaskInstanceStatus, report engine.ErrorReport) (*engine.InstanceSnapshot, error)
}

// Options configures a single task-instance execution.
type Options struct {
	// TaskInstanceID identifies the instance to execute.
	TaskInstanceID int64

	// Command is the shell command to run. When empty the runner fetches it
	// from the instance's parent task.
	Command string

	// HeartbeatInterval is the cadence of heartbeat reports while the
	// command runs.
	HeartbeatInterval time.Duration

	// ReportByBuffer is added on top of the heartbeat interval when
	// promising the next report, so one slow request does not get the
	// instance reaped.
	ReportByBuffer time.Duration

	// Stdout and Stderr receive the command's output. They default to the
	// runner process's own streams. Stderr is teed into the tail kept for
	// error reports.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner drives one task instance from running to a terminal report.
type Runner struct {
	api        API
	instanceID int64
	command    string
	heartbeat  time.Duration
	buffer     time.Duration
	stdout     io.Writer
	stderr     io.Writer
	nodename   string
	log        *logrus.Entry
}

// NewRunner builds a runner from the worker configuration. Options override
// the configured intervals when set.
func NewRunner(client API, cfg *config.WorkerConfig, opts Options) *Runner {
	r := &Runner{
		api:        client,
		instanceID: opts.TaskInstanceID,
		command:    opts.Command,
		heartbeat:  time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		buffer:     time.Duration(cfg.ReportByBufferSeconds) * time.Second,
		stdout:     opts.Stdout,
		stderr:     opts.Stderr,
		log: common.ComponentLogger("worker").WithFields(logrus.Fields{
			"task_instance_id": opts.TaskInstanceID,
		}),
	}
	if opts.HeartbeatInterval > 0 {
		r.heartbeat = opts.HeartbeatInterval
	}
	if opts.ReportByBuffer > 0 {
		r.buffer = opts.ReportByBuffer
	}
	if r.heartbeat <= 0 {
		r.heartbeat = 90 * time.Second
	}
	if r.stdout == nil {
		r.stdout = os.Stdout
	}
	if r.stderr == nil {
		r.stderr = os.Stderr
	}
	if hostname, err := os.Hostname(); err == nil {
		r.nodename = hostname
	}
	return r
}

// reportIncrement is the promise armed on running and heartbeat reports, in
// seconds.
func (r *Runner) reportIncrement() int64 {
	return int64((r.heartbeat + r.buffer) / time.Second)
}

// Run executes the instance's command and reports its fate. It returns
// ErrKilled when the instance was torn down on request, the command's
// classification error otherwise, and nil on success.
func (r *Runner) Run(ctx context.Context) error {
	command := r.command
	if command == "" {
		fetched, err := r.fetchCommand(ctx)
		if err != nil {
			return fmt.Errorf("resolving command: %w", err)
		}
		command = fetched
	}

	snap, err := r.api.LogRunning(ctx, r.instanceID, engine.RunningReport{
		Nodename:            r.nodename,
		ProcessGroupID:      os.Getpid(),
		NextReportIncrement: r.reportIncrement(),
	})
	if err != nil {
		return fmt.Errorf("reporting running: %w", err)
	}
	if snap.KillSelf {
		r.log.Info("instance flagged for kill before start, not executing")
		return ErrKilled
	}

	tail := newTailBuffer(stderrTailLimit)
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = r.stdout
	cmd.Stderr = io.MultiWriter(r.stderr, tail)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		description := fmt.Sprintf("failed to start command: %v", err)
		r.log.WithError(err).Error("command failed to start")
		r.reportTerminal(func(ctx context.Context) error {
			_, rerr := r.api.LogUnknownError(ctx, r.instanceID, engine.ErrorReport{
				Description: description,
				Nodename:    r.nodename,
			})
			return rerr
		})
		return fmt.Errorf("starting command: %w", err)
	}
	r.log.WithField("pid", cmd.Process.Pid).Info("command started")

	var killed atomic.Bool
	kill := func(reason string) {
		if !killed.CompareAndSwap(false, true) {
			return
		}
		r.log.WithField("reason", reason).Warn("killing process group")
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeatLoop(hbCtx, kill)
	}()

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			kill("context cancelled")
		case <-waitDone:
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	stopHeartbeat()
	<-hbDone

	wallclock := int64(time.Since(start) / time.Second)
	maxrss := maxrssOf(cmd.ProcessState)

	if killed.Load() || ctx.Err() != nil {
		r.log.Info("command killed on request, leaving terminal state to the kill sweep")
		return ErrKilled
	}

	return r.settle(waitErr, wallclock, maxrss, tail.String())
}

// fetchCommand resolves the instance's command through its parent task.
func (r *Runner) fetchCommand(ctx context.Context) (string, error) {
	ti, err := r.api.GetTaskInstance(ctx, r.instanceID)
	if err != nil {
		return "", err
	}
	task, err := r.api.GetTask(ctx, ti.TaskID)
	if err != nil {
		return "", err
	}
	if task.Command == "" {
		return "", fmt.Errorf("task %d has no command", task.ID)
	}
	return task.Command, nil
}

// heartbeatLoop reports liveness until the context is cancelled. A heartbeat
// answered with the kill-self flag invokes kill and ends the loop.
func (r *Runner) heartbeatLoop(ctx context.Context, kill func(reason string)) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := r.api.LogHeartbeat(ctx, r.instanceID, r.reportIncrement())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("heartbeat failed")
			continue
		}
		if snap.KillSelf {
			kill("kill requested")
			return
		}
	}
}

// settle files the single terminal report matching how the command exited.
func (r *Runner) settle(waitErr error, wallclock, maxrss int64, stderrTail string) error {
	class, detail := classifyExit(waitErr)
	report := engine.ErrorReport{
		Description: withTail(detail, stderrTail),
		Nodename:    r.nodename,
		Wallclock:   &wallclock,
		Maxrss:      &maxrss,
	}

	switch class {
	case exitClean:
		r.log.WithField("wallclock", wallclock).Info("command finished")
		r.reportTerminal(func(ctx context.Context) error {
			_, err := r.api.LogDone(ctx, r.instanceID, engine.DoneReport{
				Nodename:  r.nodename,
				Wallclock: &wallclock,
				Maxrss:    &maxrss,
			})
			return err
		})
		return nil
	case exitError:
		r.log.WithField("detail", detail).Info("command failed")
		r.reportTerminal(func(ctx context.Context) error {
			_, err := r.api.LogKnownError(ctx, r.instanceID, report)
			return err
		})
	case exitResource:
		r.log.WithField("detail", detail).Warn("command exceeded a resource limit")
		r.reportTerminal(func(ctx context.Context) error {
			_, err := r.api.LogErrorWorkerNode(ctx, r.instanceID, fsm.InstanceResourceError, report)
			return err
		})
	default:
		r.log.WithField("detail", detail).Warn("command ended without a known cause")
		r.reportTerminal(func(ctx context.Context) error {
			_, err := r.api.LogUnknownError(ctx, r.instanceID, report)
			return err
		})
	}
	return fmt.Errorf("command failed: %s", detail)
}

// reportTerminal delivers a terminal report on a fresh context so a
// cancelled runner context cannot lose the result. A report rejected because
// the instance already reached a terminal state is absorbed.
func (r *Runner) reportTerminal(send func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := send(ctx); err != nil {
		if errors.Is(err, fsm.ErrInvalidTransition) {
			r.log.WithError(err).Debug("instance already settled, dropping terminal report")
			return
		}
		r.log.WithError(err).Error("failed to deliver terminal report")
	}
}

// withTail appends a bounded stderr excerpt to an error description.
func withTail(detail, tail string) string {
	if tail == "" {
		return detail
	}
	return detail + "\nstderr tail:\n" + tail
}

// maxrssOf extracts the peak resident set size in kilobytes.
func maxrssOf(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok && usage != nil {
		return usage.Maxrss
	}
	return 0
}
