// Package sequential runs task instances inside the distributor's own
// process, one at a time per submitted batch. It backs development and tests
// where no batch system is around; the worker runner it drives reports
// through the same coordination API a cluster-launched worker would.
package sequential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"jobmon.evalgo.org/cluster"
	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/worker"
)

// Plugin executes batches in-process. Distributor ids take the shape
// "jobid_step" so they read like the slurm backend's ids.
type Plugin struct {
	api       worker.API
	workerCfg config.WorkerConfig
	log       *logrus.Entry

	mu     sync.Mutex
	nextID int64
	jobs   map[string]*job
}

type job struct {
	instanceID int64
	status     cluster.JobStatus
	cancel     context.CancelFunc
}

var _ cluster.Plugin = (*Plugin)(nil)

// New builds the in-process backend. The worker configuration carries the
// heartbeat cadence handed to every runner.
func New(api worker.API, workerCfg config.WorkerConfig) *Plugin {
	return &Plugin{
		api:       api,
		workerCfg: workerCfg,
		log:       common.ComponentLogger("cluster.sequential"),
		jobs:      make(map[string]*job),
	}
}

func (p *Plugin) Name() string {
	return "sequential"
}

// SubmitArray registers every instance as pending and starts one goroutine
// that works through the batch in step order.
func (p *Plugin) SubmitArray(ctx context.Context, sub cluster.Submission) (map[int64]string, error) {
	if len(sub.Instances) == 0 {
		return map[int64]string{}, nil
	}

	p.mu.Lock()
	p.nextID++
	jobID := p.nextID
	ids := make(map[int64]string, len(sub.Instances))
	ctxByID := make(map[string]context.Context, len(sub.Instances))
	for _, inst := range sub.Instances {
		distributorID := fmt.Sprintf("%d_%d", jobID, inst.StepID)
		instCtx, cancel := context.WithCancel(context.Background())
		p.jobs[distributorID] = &job{
			instanceID: inst.TaskInstanceID,
			status:     cluster.StatusPending,
			cancel:     cancel,
		}
		ids[inst.TaskInstanceID] = distributorID
		ctxByID[distributorID] = instCtx
	}
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"array_id":  sub.ArrayID,
		"batch":     sub.BatchNumber,
		"instances": len(sub.Instances),
	}).Info("running batch in-process")

	go p.runBatch(jobID, sub.Instances, ctxByID)
	return ids, nil
}

func (p *Plugin) runBatch(jobID int64, instances []cluster.Instance, ctxByID map[string]context.Context) {
	for _, inst := range instances {
		distributorID := fmt.Sprintf("%d_%d", jobID, inst.StepID)
		instCtx := ctxByID[distributorID]
		if instCtx.Err() != nil {
			p.setStatus(distributorID, cluster.StatusKilled)
			continue
		}
		p.setStatus(distributorID, cluster.StatusRunning)

		runner := worker.NewRunner(p.api, &p.workerCfg, worker.Options{
			TaskInstanceID: inst.TaskInstanceID,
			Command:        inst.Command,
		})
		err := runner.Run(instCtx)
		switch {
		case errors.Is(err, worker.ErrKilled):
			p.setStatus(distributorID, cluster.StatusKilled)
		case err != nil:
			p.log.WithError(err).WithField("task_instance_id", inst.TaskInstanceID).Info("instance finished with failure")
			p.setStatus(distributorID, cluster.StatusDone)
		default:
			p.setStatus(distributorID, cluster.StatusDone)
		}
	}
}

func (p *Plugin) setStatus(distributorID string, status cluster.JobStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j, ok := p.jobs[distributorID]; ok {
		j.status = status
	}
}

// Status answers from the in-memory table. An id this process never issued
// cannot have a live process behind it, so it reports lost.
func (p *Plugin) Status(ctx context.Context, distributorIDs []string) (map[string]cluster.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make(map[string]cluster.JobStatus, len(distributorIDs))
	for _, id := range distributorIDs {
		if j, ok := p.jobs[id]; ok {
			result[id] = j.status
		} else {
			result[id] = cluster.StatusLost
		}
	}
	return result, nil
}

// Kill cancels the given jobs. Pending jobs flip to killed directly; running
// ones are torn down through their context and settle as killed when the
// runner returns.
func (p *Plugin) Kill(ctx context.Context, distributorIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range distributorIDs {
		j, ok := p.jobs[id]
		if !ok {
			continue
		}
		j.cancel()
		if j.status == cluster.StatusPending {
			j.status = cluster.StatusKilled
		}
	}
	return nil
}

// Shutdown cancels everything still tracked. The command layer calls it so
// an exiting distributor does not leave child processes behind.
func (p *Plugin) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, j := range p.jobs {
		j.cancel()
	}
}
