// Package distributor drives one workflow run against a cluster backend. It
// owns the cluster-facing half of the task instance lifecycle: draining
// queued instances into array batches, submitting them, binding the
// resulting distributor ids, polling for jobs the cluster ended without a
// worker report, requeueing failed tasks with scaled resources, and winding
// the run down when a resume or stop flags it. The engine stays the single
// writer of truth; everything here goes through the coordination API.
package distributor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"jobmon.evalgo.org/cluster"
	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
	"jobmon.evalgo.org/fsm"
)

// maxSubmitAttempts bounds how often one batch is offered to a cluster that
// keeps refusing it for transient reasons.
const maxSubmitAttempts = 3

// API is the slice of the coordination client the distributor uses.
type API interface {
	GetWorkflowRun(ctx context.Context, runID int64) (*db.WorkflowRun, error)
	LogWorkflowRunHeartbeat(ctx context.Context, runID int64) (fsm.WorkflowRunStatus, error)
	UpdateWorkflowRunStatus(ctx context.Context, runID int64, status fsm.WorkflowRunStatus) (*engine.RunSnapshot, error)
	GetWorkflowOverview(ctx context.Context, workflowID int64) (*engine.WorkflowOverview, error)
	RunTaskInstances(ctx context.Context, runID int64, status fsm.TaskInstanceStatus, limit int) ([]db.TaskInstance, error)
	TasksToRequeue(ctx context.Context, runID int64) ([]engine.RequeueTask, error)
	CreateTaskResources(ctx context.Context, queue string, request db.ResourceRequest) (int64, error)
	QueueTaskBatch(ctx context.Context, arrayID int64, req engine.QueueBatchRequest) (*engine.QueueBatchResult, error)
	QueuedTaskInstances(ctx context.Context, runID int64, limit int) ([]engine.QueuedInstance, error)
	InstantiateTaskInstances(ctx context.Context, instanceIDs []int64) ([]int64, error)
	TransitionToLaunched(ctx context.Context, arrayID int64, batchNumber int, nextReportIncrement int64) (*engine.BatchCounts, error)
	TransitionToKilled(ctx context.Context, arrayID int64, batchNumber int) (*engine.BatchCounts, error)
	ArraysToKill(ctx context.Context, runID int64) ([]engine.ArrayBatch, error)
	LogDistributorID(ctx context.Context, instanceID int64, distributorID string, nextReportIncrement int64) (*engine.InstanceSnapshot, error)
	LogNoDistributorID(ctx context.Context, instanceID int64, description string) (*engine.InstanceSnapshot, error)
	LogErrorWorkerNode(ctx context.Context, instanceID int64, state fsm.TaskInstanceStatus, report engine.ErrorReport) (*engine.InstanceSnapshot, error)
}

// pendingBatch is a submission the cluster refused for transient reasons,
// waiting for its next attempt.
type pendingBatch struct {
	sub      cluster.Submission
	attempts int
}

// Distributor runs the loop for one workflow run.
type Distributor struct {
	api        API
	plugin     cluster.Plugin
	journal    *Journal
	cfg        config.DistributorConfig
	runID      int64
	workflowID int64
	out        io.Writer
	log        *logrus.Entry

	mu        sync.Mutex
	runStatus fsm.WorkflowRunStatus

	tracked   map[int64]string
	resubmits []pendingBatch
	rebinds   []JournalBatch
}

// New builds a distributor for one workflow run.
func New(api API, plugin cluster.Plugin, journal *Journal, cfg config.DistributorConfig, runID int64) *Distributor {
	return &Distributor{
		api:     api,
		plugin:  plugin,
		journal: journal,
		cfg:     cfg,
		runID:   runID,
		out:     os.Stdout,
		log: common.ComponentLogger("distributor").WithFields(logrus.Fields{
			"workflow_run_id": runID,
		}),
		tracked: make(map[int64]string),
	}
}

// SetOutput redirects the readiness marker away from stdout.
func (d *Distributor) SetOutput(w io.Writer) {
	d.out = w
}

func (d *Distributor) setStatus(status fsm.WorkflowRunStatus) {
	d.mu.Lock()
	d.runStatus = status
	d.mu.Unlock()
}

func (d *Distributor) currentStatus() fsm.WorkflowRunStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runStatus
}

// Run recovers previous submissions, announces readiness and then ticks
// until the run settles or the context ends. A context cancellation leaves
// live work to the reaper's escalation ladder.
func (d *Distributor) Run(ctx context.Context) error {
	run, err := d.api.GetWorkflowRun(ctx, d.runID)
	if err != nil {
		return fmt.Errorf("loading workflow run: %w", err)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("workflow run %d already settled as %s", d.runID, run.Status)
	}
	d.workflowID = run.WorkflowID
	d.setStatus(run.Status)

	if err := d.recover(ctx); err != nil {
		return fmt.Errorf("recovering previous submissions: %w", err)
	}

	fmt.Fprintln(d.out, ReadyMarker)
	d.log.WithFields(logrus.Fields{
		"cluster":       d.plugin.Name(),
		"poll_interval": d.cfg.PollInterval().String(),
	}).Info("distributor ready")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		d.heartbeatLoop(hbCtx)
	}()
	shutdown := func() {
		stopHeartbeat()
		<-hbDone
	}

	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()
	for {
		done, err := d.tick(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.WithError(err).Error("distributor tick failed")
		}
		if done {
			shutdown()
			d.log.Info("distributor finished")
			return nil
		}
		select {
		case <-ctx.Done():
			shutdown()
			d.log.Info("distributor interrupted, leaving live work to the reaper")
			return nil
		case <-ticker.C:
		}
	}
}

// heartbeatLoop keeps the run's heartbeat fresh and mirrors the status it
// reads back for the main loop.
func (d *Distributor) heartbeatLoop(ctx context.Context) {
	beat := func() {
		status, err := d.api.LogWorkflowRunHeartbeat(ctx, d.runID)
		if err != nil {
			if ctx.Err() == nil {
				d.log.WithError(err).Warn("workflow run heartbeat failed")
			}
			return
		}
		d.setStatus(status)
	}
	beat()
	ticker := time.NewTicker(d.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// tick is one pass of the loop. It returns true once the run has settled
// and the distributor should exit.
func (d *Distributor) tick(ctx context.Context) (bool, error) {
	status := d.currentStatus()
	switch {
	case status == fsm.RunHotResume:
		return true, d.windDown(ctx)
	case status.IsTerminal():
		d.log.WithField("status", string(status)).Info("workflow run settled elsewhere, exiting")
		return true, nil
	case status == fsm.RunBound:
		d.advanceTo(ctx, fsm.RunInstantiating)
	}

	if err := d.killSweep(ctx); err != nil {
		return false, err
	}
	if err := d.requeue(ctx); err != nil {
		return false, err
	}

	d.flushRebinds(ctx)
	d.flushResubmits(ctx)

	drained, err := d.drain(ctx)
	if err != nil {
		return false, err
	}

	sawRunning, err := d.poll(ctx)
	if err != nil {
		return false, err
	}
	if sawRunning {
		d.advanceTo(ctx, fsm.RunRunning)
	}

	d.compactJournal()

	if drained == 0 && len(d.tracked) == 0 && len(d.resubmits) == 0 && len(d.rebinds) == 0 {
		return d.maybeSettle(ctx)
	}
	return false, nil
}

// recover replays the journal so batches submitted by a previous incarnation
// stay adopted, then fails the instances that crash caught mid-submission
// with no journal entry. Their tasks requeue through aggregation.
func (d *Distributor) recover(ctx context.Context) error {
	batches, err := d.journal.Outstanding()
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := d.bindBatch(ctx, batch.ArrayID, batch.BatchNumber, batch.DistributorIDs); err != nil {
			d.rebinds = append(d.rebinds, batch)
		}
	}
	if len(batches) > 0 {
		d.log.WithField("batches", len(batches)).Info("re-adopted journaled batches")
	}

	for _, status := range []fsm.TaskInstanceStatus{fsm.InstanceInstantiated, fsm.InstanceBatchSubmitted} {
		instances, err := d.api.RunTaskInstances(ctx, d.runID, status, 0)
		if err != nil {
			return err
		}
		for _, ti := range instances {
			if _, ok := d.tracked[ti.ID]; ok {
				continue
			}
			_, err := d.api.LogNoDistributorID(ctx, ti.ID, "distributor restarted before submission completed")
			if err != nil && !errors.Is(err, fsm.ErrInvalidTransition) {
				return err
			}
		}
	}
	return nil
}

// killSweep cancels flagged instances on the cluster and settles their
// batches. The server flags instances kill-self; only the distributor can
// reach the cluster to make it stick.
func (d *Distributor) killSweep(ctx context.Context) error {
	batches, err := d.api.ArraysToKill(ctx, d.runID)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	flagged, err := d.api.RunTaskInstances(ctx, d.runID, fsm.InstanceKillSelf, 0)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(flagged))
	for _, ti := range flagged {
		if ti.DistributorID != "" {
			ids = append(ids, ti.DistributorID)
		}
	}
	if len(ids) > 0 {
		sort.Strings(ids)
		if err := d.plugin.Kill(ctx, ids); err != nil {
			return fmt.Errorf("cancelling cluster jobs: %w", err)
		}
	}

	for _, batch := range batches {
		counts, err := d.api.TransitionToKilled(ctx, batch.ArrayID, batch.BatchNumber)
		if err != nil {
			return err
		}
		d.log.WithFields(logrus.Fields{
			"array_id":  batch.ArrayID,
			"batch":     batch.BatchNumber,
			"instances": counts.TaskInstances,
		}).Info("killed batch")
	}
	for _, ti := range flagged {
		delete(d.tracked, ti.ID)
	}
	return nil
}

// adjustGroup collects adjusting tasks that share an array and a scaled
// resource request, so one TaskResources row serves the whole group.
type adjustGroup struct {
	arrayID int64
	queue   string
	request db.ResourceRequest
	taskIDs []int64
}

// requeue turns the run's requeue-eligible tasks into fresh batches:
// adjusting tasks get a scaled resource row first, settled queued tasks go
// back as they are.
func (d *Distributor) requeue(ctx context.Context) error {
	tasks, err := d.api.TasksToRequeue(ctx, d.runID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	plain := make(map[int64][]int64)
	adjust := make(map[string]*adjustGroup)
	for _, task := range tasks {
		if task.Status != fsm.TaskAdjusting {
			plain[task.ArrayID] = append(plain[task.ArrayID], task.TaskID)
			continue
		}
		scale := task.ResourceScale
		if scale <= 0 {
			scale = d.cfg.RetryScale
		}
		scaled := ScaleRequest(decodeResources(task.RequestedResources), scale)
		key := fmt.Sprintf("%d|%s|%.3f|%d|%d", task.ArrayID, task.Queue, scaled.MemoryGB, scaled.RuntimeSeconds, scaled.Cores)
		group, ok := adjust[key]
		if !ok {
			group = &adjustGroup{arrayID: task.ArrayID, queue: task.Queue, request: scaled}
			adjust[key] = group
		}
		group.taskIDs = append(group.taskIDs, task.TaskID)
	}

	for _, key := range sortedKeys(adjust) {
		group := adjust[key]
		resourcesID, err := d.api.CreateTaskResources(ctx, group.queue, group.request)
		if err != nil {
			return err
		}
		result, err := d.api.QueueTaskBatch(ctx, group.arrayID, engine.QueueBatchRequest{
			TaskIDs:         group.taskIDs,
			TaskResourcesID: resourcesID,
			WorkflowRunID:   d.runID,
		})
		if err != nil {
			return err
		}
		d.log.WithFields(logrus.Fields{
			"array_id":  group.arrayID,
			"batch":     result.BatchNumber,
			"tasks":     len(group.taskIDs),
			"memory_gb": group.request.MemoryGB,
			"runtime":   group.request.RuntimeSeconds,
		}).Info("requeued tasks with scaled resources")
	}

	for _, arrayID := range sortedKeys(plain) {
		result, err := d.api.QueueTaskBatch(ctx, arrayID, engine.QueueBatchRequest{
			TaskIDs:       plain[arrayID],
			WorkflowRunID: d.runID,
		})
		if err != nil {
			return err
		}
		d.log.WithFields(logrus.Fields{
			"array_id": arrayID,
			"batch":    result.BatchNumber,
			"tasks":    len(plain[arrayID]),
		}).Info("requeued tasks")
	}
	return nil
}

// batchGroup is one (array, batch) worth of drained instances on its way to
// the cluster.
type batchGroup struct {
	arrayID     int64
	batchNumber int
	queue       string
	resources   db.ResourceRequest
	instances   []cluster.Instance
}

// drain picks up queued instances, instantiates them and submits them to
// the cluster one array batch at a time.
func (d *Distributor) drain(ctx context.Context) (int, error) {
	queued, err := d.api.QueuedTaskInstances(ctx, d.runID, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(queued) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(queued))
	for _, q := range queued {
		ids = append(ids, q.TaskInstanceID)
	}
	confirmed, err := d.api.InstantiateTaskInstances(ctx, ids)
	if err != nil {
		return 0, err
	}
	confirmedSet := make(map[int64]struct{}, len(confirmed))
	for _, id := range confirmed {
		confirmedSet[id] = struct{}{}
	}

	groups := make(map[string]*batchGroup)
	for _, q := range queued {
		if _, ok := confirmedSet[q.TaskInstanceID]; !ok {
			continue
		}
		key := fmt.Sprintf("%d:%d", q.ArrayID, q.ArrayBatchNum)
		group, ok := groups[key]
		if !ok {
			group = &batchGroup{
				arrayID:     q.ArrayID,
				batchNumber: q.ArrayBatchNum,
				queue:       q.Queue,
				resources:   decodeResources(q.RequestedResources),
			}
			groups[key] = group
		}
		group.instances = append(group.instances, cluster.Instance{
			TaskInstanceID: q.TaskInstanceID,
			StepID:         q.ArrayStepID,
			Command:        q.Command,
		})
	}

	submitted := 0
	for _, key := range sortedKeys(groups) {
		group := groups[key]
		d.submit(ctx, pendingBatch{sub: cluster.Submission{
			WorkflowRunID: d.runID,
			ArrayID:       group.arrayID,
			BatchNumber:   group.batchNumber,
			Name:          fmt.Sprintf("jobmon-%d-%d", group.arrayID, group.batchNumber),
			Queue:         group.queue,
			Resources:     group.resources,
			Instances:     group.instances,
		}})
		submitted += len(group.instances)
	}
	return submitted, nil
}

// submit hands one batch to the cluster. Transient refusals park the batch
// for the next tick, permanent failures mark every instance
// no-distributor-id so aggregation requeues the tasks.
func (d *Distributor) submit(ctx context.Context, pending pendingBatch) {
	sub := pending.sub
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout())
	ids, err := d.plugin.SubmitArray(sctx, sub)
	cancel()
	if err != nil {
		fields := logrus.Fields{"array_id": sub.ArrayID, "batch": sub.BatchNumber}
		if errors.Is(err, cluster.ErrSubmitTemporary) && pending.attempts+1 < maxSubmitAttempts {
			pending.attempts++
			d.resubmits = append(d.resubmits, pending)
			d.log.WithError(err).WithFields(fields).Warn("submission refused, retrying next tick")
			return
		}
		d.log.WithError(err).WithFields(fields).Error("submission failed, requeueing batch")
		d.abandonBatch(ctx, sub, err)
		return
	}

	err = d.journal.RecordBatch(JournalBatch{
		ArrayID:        sub.ArrayID,
		BatchNumber:    sub.BatchNumber,
		Plugin:         d.plugin.Name(),
		SubmittedAt:    time.Now().UTC(),
		DistributorIDs: ids,
	})
	if err != nil {
		d.log.WithError(err).Warn("journal write failed")
	}

	if err := d.bindBatch(ctx, sub.ArrayID, sub.BatchNumber, ids); err != nil {
		d.rebinds = append(d.rebinds, JournalBatch{
			ArrayID:        sub.ArrayID,
			BatchNumber:    sub.BatchNumber,
			Plugin:         d.plugin.Name(),
			DistributorIDs: ids,
		})
		d.log.WithError(err).Warn("batch binding incomplete, retrying next tick")
	}
	d.advanceTo(ctx, fsm.RunLaunched)
}

// bindBatch records the handover on the server: the batch moves to launched
// with its report deadline armed and every instance learns its distributor
// id. It is safe to repeat; instances that already hold the id absorb the
// repeat as an idempotent success.
func (d *Distributor) bindBatch(ctx context.Context, arrayID int64, batchNumber int, ids map[int64]string) error {
	for _, instanceID := range sortedKeys(ids) {
		d.tracked[instanceID] = ids[instanceID]
	}

	if _, err := d.api.TransitionToLaunched(ctx, arrayID, batchNumber, d.cfg.ReportIncrement()); err != nil {
		return fmt.Errorf("launch bookkeeping: %w", err)
	}
	for _, instanceID := range sortedKeys(ids) {
		_, err := d.api.LogDistributorID(ctx, instanceID, ids[instanceID], d.cfg.ReportIncrement())
		if err != nil {
			if errors.Is(err, fsm.ErrInvalidTransition) {
				d.log.WithField("task_instance_id", instanceID).Debug("instance settled before binding")
				continue
			}
			return fmt.Errorf("binding distributor id to instance %d: %w", instanceID, err)
		}
	}
	return nil
}

// abandonBatch marks every instance of a failed submission
// no-distributor-id.
func (d *Distributor) abandonBatch(ctx context.Context, sub cluster.Submission, cause error) {
	description := fmt.Sprintf("batch submission failed: %v", cause)
	for _, inst := range sub.Instances {
		_, err := d.api.LogNoDistributorID(ctx, inst.TaskInstanceID, description)
		if err != nil && !errors.Is(err, fsm.ErrInvalidTransition) {
			d.log.WithError(err).WithField("task_instance_id", inst.TaskInstanceID).Warn("failed to mark instance no-distributor-id")
		}
	}
}

func (d *Distributor) flushResubmits(ctx context.Context) {
	pending := d.resubmits
	d.resubmits = nil
	for _, p := range pending {
		d.submit(ctx, p)
	}
}

func (d *Distributor) flushRebinds(ctx context.Context) {
	pending := d.rebinds
	d.rebinds = nil
	for _, batch := range pending {
		if err := d.bindBatch(ctx, batch.ArrayID, batch.BatchNumber, batch.DistributorIDs); err != nil {
			d.rebinds = append(d.rebinds, batch)
			d.log.WithError(err).Warn("batch binding retry failed")
		}
	}
}

// poll asks the cluster about every tracked id and triages the answers.
// Done jobs leave tracking quietly, the worker's own report already settled
// or will settle them. Killed and lost jobs get the error report their
// worker can no longer file.
func (d *Distributor) poll(ctx context.Context) (bool, error) {
	if len(d.tracked) == 0 {
		return false, nil
	}

	ids := make([]string, 0, len(d.tracked))
	byDistributorID := make(map[string]int64, len(d.tracked))
	for instanceID, distributorID := range d.tracked {
		ids = append(ids, distributorID)
		byDistributorID[distributorID] = instanceID
	}
	sort.Strings(ids)

	statuses, err := d.plugin.Status(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("polling cluster: %w", err)
	}

	sawRunning := false
	for _, distributorID := range ids {
		instanceID := byDistributorID[distributorID]
		status, known := statuses[distributorID]
		if !known {
			status = cluster.StatusDone
		}
		switch status {
		case cluster.StatusRunning:
			sawRunning = true
		case cluster.StatusDone:
			delete(d.tracked, instanceID)
		case cluster.StatusKilled:
			d.reportClusterLoss(ctx, instanceID, fsm.InstanceResourceError,
				fmt.Sprintf("cluster ended job %s, over a limit or cancelled", distributorID))
			delete(d.tracked, instanceID)
		case cluster.StatusLost:
			d.reportClusterLoss(ctx, instanceID, fsm.InstanceUnknownError,
				fmt.Sprintf("cluster lost track of job %s", distributorID))
			delete(d.tracked, instanceID)
		}
	}
	return sawRunning, nil
}

// reportClusterLoss files the error report a vanished worker cannot. An
// instance that already settled absorbs the report.
func (d *Distributor) reportClusterLoss(ctx context.Context, instanceID int64, state fsm.TaskInstanceStatus, description string) {
	_, err := d.api.LogErrorWorkerNode(ctx, instanceID, state, engine.ErrorReport{Description: description})
	if err != nil {
		if errors.Is(err, fsm.ErrInvalidTransition) {
			d.log.WithField("task_instance_id", instanceID).Debug("instance already settled, dropping cluster report")
			return
		}
		d.log.WithError(err).WithField("task_instance_id", instanceID).Warn("failed to report cluster loss")
	}
}

// maybeSettle decides whether the run is finished. With nothing in flight
// and nothing schedulable, fatal or halted tasks settle the run as error,
// a fully done workflow settles it as done, and tasks still registering
// mean the client owes more work.
func (d *Distributor) maybeSettle(ctx context.Context) (bool, error) {
	overview, err := d.api.GetWorkflowOverview(ctx, d.workflowID)
	if err != nil {
		return false, err
	}
	counts := overview.TaskCounts
	schedulable := counts[string(fsm.TaskQueued)] +
		counts[string(fsm.TaskInstantiating)] +
		counts[string(fsm.TaskLaunched)] +
		counts[string(fsm.TaskRunning)] +
		counts[string(fsm.TaskAdjusting)]
	if schedulable > 0 {
		return false, nil
	}

	fatal := counts[string(fsm.TaskErrorFatal)]
	held := counts[string(fsm.TaskHalted)]
	registering := counts[string(fsm.TaskRegistering)]
	switch {
	case fatal > 0 || held > 0:
		d.log.WithFields(logrus.Fields{"fatal": fatal, "halted": held}).Info("no runnable work left, settling run as error")
		return true, d.settleRun(ctx, fsm.RunError)
	case registering > 0:
		return false, nil
	default:
		d.log.Info("all tasks done, settling run")
		return true, d.settleRun(ctx, fsm.RunDone)
	}
}

// runLadder is the forward chain of live run states. Settling as done walks
// it so a run that never saw a running report still ends in order.
var runLadder = map[fsm.WorkflowRunStatus]fsm.WorkflowRunStatus{
	fsm.RunBound:         fsm.RunInstantiating,
	fsm.RunInstantiating: fsm.RunLaunched,
	fsm.RunLaunched:      fsm.RunRunning,
	fsm.RunRunning:       fsm.RunDone,
}

func runRank(status fsm.WorkflowRunStatus) int {
	switch status {
	case fsm.RunRegistering:
		return 0
	case fsm.RunBound:
		return 1
	case fsm.RunInstantiating:
		return 2
	case fsm.RunLaunched:
		return 3
	case fsm.RunRunning:
		return 4
	}
	return 5
}

// advanceTo climbs the run ladder up to target. Rejections are absorbed;
// the heartbeat loop or a later tick sees whatever state won.
func (d *Distributor) advanceTo(ctx context.Context, target fsm.WorkflowRunStatus) {
	for {
		status := d.currentStatus()
		if status.IsTerminal() || status == fsm.RunHotResume || runRank(status) >= runRank(target) {
			return
		}
		next, ok := runLadder[status]
		if !ok {
			return
		}
		snap, err := d.api.UpdateWorkflowRunStatus(ctx, d.runID, next)
		if err != nil {
			d.log.WithError(err).WithField("target", string(next)).Debug("run status advance rejected")
			return
		}
		d.setStatus(snap.Status)
	}
}

// settleRun drives the run into the target terminal state, walking the
// ladder when done requires intermediate states first.
func (d *Distributor) settleRun(ctx context.Context, target fsm.WorkflowRunStatus) error {
	d.clearJournal()
	for {
		status := d.currentStatus()
		if status == target || status.IsTerminal() {
			return nil
		}
		next := target
		if target == fsm.RunDone {
			if step, ok := runLadder[status]; ok {
				next = step
			}
		}
		snap, err := d.api.UpdateWorkflowRunStatus(ctx, d.runID, next)
		if err != nil {
			return fmt.Errorf("settling run as %s: %w", target, err)
		}
		d.setStatus(snap.Status)
	}
}

// windDown ends a run flagged for hot resume: every cluster job dies, the
// flagged batches settle as killed, and the run terminates so its successor
// can start.
func (d *Distributor) windDown(ctx context.Context) error {
	d.log.Info("workflow run flagged for wind-down, killing remaining work")

	ids := make(map[string]struct{}, len(d.tracked))
	for _, distributorID := range d.tracked {
		ids[distributorID] = struct{}{}
	}
	flagged, err := d.api.RunTaskInstances(ctx, d.runID, fsm.InstanceKillSelf, 0)
	if err != nil {
		return err
	}
	for _, ti := range flagged {
		if ti.DistributorID != "" {
			ids[ti.DistributorID] = struct{}{}
		}
	}
	if len(ids) > 0 {
		if err := d.plugin.Kill(ctx, sortedKeys(ids)); err != nil {
			return fmt.Errorf("cancelling cluster jobs: %w", err)
		}
	}

	batches, err := d.api.ArraysToKill(ctx, d.runID)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if _, err := d.api.TransitionToKilled(ctx, batch.ArrayID, batch.BatchNumber); err != nil {
			return err
		}
	}

	d.tracked = make(map[int64]string)
	d.clearJournal()

	_, err = d.api.UpdateWorkflowRunStatus(ctx, d.runID, fsm.RunTerminated)
	if err != nil && !errors.Is(err, fsm.ErrInvalidTransition) {
		return fmt.Errorf("terminating run: %w", err)
	}
	d.log.Info("workflow run terminated")
	return nil
}

// compactJournal drops journaled batches with no tracked instance left.
func (d *Distributor) compactJournal() {
	batches, err := d.journal.Outstanding()
	if err != nil {
		d.log.WithError(err).Warn("journal read failed")
		return
	}
	for _, batch := range batches {
		live := false
		for instanceID := range batch.DistributorIDs {
			if _, ok := d.tracked[instanceID]; ok {
				live = true
				break
			}
		}
		if live {
			continue
		}
		if err := d.journal.RemoveBatch(batch.ArrayID, batch.BatchNumber); err != nil {
			d.log.WithError(err).Warn("journal compaction failed")
		}
	}
}

func (d *Distributor) clearJournal() {
	batches, err := d.journal.Outstanding()
	if err != nil {
		d.log.WithError(err).Warn("journal read failed")
		return
	}
	for _, batch := range batches {
		if err := d.journal.RemoveBatch(batch.ArrayID, batch.BatchNumber); err != nil {
			d.log.WithError(err).Warn("journal cleanup failed")
		}
	}
}

// decodeResources parses a stored resource request, tolerating the empty
// string a task without explicit resources carries.
func decodeResources(raw string) db.ResourceRequest {
	var req db.ResourceRequest
	if raw == "" {
		return req
	}
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return db.ResourceRequest{}
	}
	return req
}
