// Package slurm submits array batches through the slurm command line tools.
// One batch becomes one sbatch array job whose elements each start a worker
// for their task instance; distributor ids are the slurm array member ids,
// "jobid_index".
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"jobmon.evalgo.org/cluster"
	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
)

// runCommand executes one cluster tool invocation and returns its stdout.
// Tests substitute it to script sbatch and squeue answers.
type runCommand func(ctx context.Context, name string, args ...string) (string, error)

// Plugin drives sbatch, squeue and scancel.
type Plugin struct {
	cfg           config.SlurmConfig
	catalog       *Catalog
	workerCommand string
	scriptDir     string
	run           runCommand
	log           *logrus.Entry
}

var _ cluster.Plugin = (*Plugin)(nil)

// New builds the slurm backend. workerCommand is the invocation prefix the
// generated batch scripts use to start a worker; when empty it falls back to
// this binary's own worker subcommand.
func New(cfg config.SlurmConfig, workerCommand string) (*Plugin, error) {
	catalog := &Catalog{DefaultQueue: cfg.DefaultQueue, Queues: map[string]QueueLimits{}}
	if cfg.QueuesFile != "" {
		loaded, err := LoadCatalog(cfg.QueuesFile)
		if err != nil {
			return nil, err
		}
		if loaded.DefaultQueue == "" {
			loaded.DefaultQueue = cfg.DefaultQueue
		}
		catalog = loaded
	}
	if workerCommand == "" {
		executable, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving worker command: %w", err)
		}
		workerCommand = executable + " worker"
	}
	return &Plugin{
		cfg:           cfg,
		catalog:       catalog,
		workerCommand: workerCommand,
		scriptDir:     os.TempDir(),
		run:           execCommand,
		log:           common.ComponentLogger("cluster.slurm"),
	}, nil
}

func (p *Plugin) Name() string {
	return "slurm"
}

func (p *Plugin) sbatch() string {
	if p.cfg.SbatchPath != "" {
		return p.cfg.SbatchPath
	}
	return "sbatch"
}

func (p *Plugin) squeue() string {
	if p.cfg.SqueuePath != "" {
		return p.cfg.SqueuePath
	}
	return "squeue"
}

func (p *Plugin) scancel() string {
	if p.cfg.ScancelPath != "" {
		return p.cfg.ScancelPath
	}
	return "scancel"
}

// SubmitArray writes a dispatch script and submits it as an array job. The
// returned ids are "jobid_index" with the indexes taken from the batch's
// step ids.
func (p *Plugin) SubmitArray(ctx context.Context, sub cluster.Submission) (map[int64]string, error) {
	if len(sub.Instances) == 0 {
		return map[int64]string{}, nil
	}

	queue := p.catalog.Resolve(sub.Queue)
	resources := p.catalog.Clamp(queue, sub.Resources)

	scriptPath, err := p.writeScript(sub)
	if err != nil {
		return nil, err
	}
	defer os.Remove(scriptPath)

	args := []string{
		"--parsable",
		"--job-name", sub.Name,
		"--array", arraySpec(sub.Instances),
	}
	if queue != "" {
		args = append(args, "--partition", queue)
	}
	if resources.MemoryGB > 0 {
		args = append(args, fmt.Sprintf("--mem=%dM", int64(resources.MemoryGB*1024)))
	}
	if resources.RuntimeSeconds > 0 {
		minutes := (resources.RuntimeSeconds + 59) / 60
		args = append(args, fmt.Sprintf("--time=%d", minutes))
	}
	if resources.Cores > 0 {
		args = append(args, fmt.Sprintf("--cpus-per-task=%d", resources.Cores))
	}
	args = append(args, scriptPath)

	out, err := p.run(ctx, p.sbatch(), args...)
	if err != nil {
		if isTransientSubmitError(err.Error()) {
			return nil, cluster.NewTemporarySubmitError("sbatch refused the batch", err)
		}
		return nil, fmt.Errorf("sbatch failed: %w", err)
	}

	jobID := parseJobID(out)
	if jobID == "" {
		return nil, fmt.Errorf("sbatch returned no job id in %q", out)
	}

	ids := make(map[int64]string, len(sub.Instances))
	for _, inst := range sub.Instances {
		ids[inst.TaskInstanceID] = fmt.Sprintf("%s_%d", jobID, inst.StepID)
	}
	p.log.WithFields(logrus.Fields{
		"job_id":    jobID,
		"array_id":  sub.ArrayID,
		"batch":     sub.BatchNumber,
		"queue":     queue,
		"instances": len(sub.Instances),
	}).Info("batch submitted")
	return ids, nil
}

// writeScript emits the dispatch script: each array element starts the
// worker for its task instance.
func (p *Plugin) writeScript(sub cluster.Submission) (string, error) {
	var script bytes.Buffer
	script.WriteString("#!/bin/sh\n")
	script.WriteString("case \"$SLURM_ARRAY_TASK_ID\" in\n")
	for _, inst := range sub.Instances {
		fmt.Fprintf(&script, "%d) exec %s --task-instance-id %d ;;\n", inst.StepID, p.workerCommand, inst.TaskInstanceID)
	}
	script.WriteString("*) echo \"no task instance for array index $SLURM_ARRAY_TASK_ID\" >&2; exit 64 ;;\n")
	script.WriteString("esac\n")

	file, err := os.CreateTemp(p.scriptDir, "jobmon-batch-*.sh")
	if err != nil {
		return "", fmt.Errorf("creating batch script: %w", err)
	}
	if _, err := file.Write(script.Bytes()); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("writing batch script: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("closing batch script: %w", err)
	}
	if err := os.Chmod(file.Name(), 0o755); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("marking batch script executable: %w", err)
	}
	return file.Name(), nil
}

// Status polls squeue for every job of this user and reports the tracked
// ids found there. Ids that already left the queue stay out of the result,
// which the distributor reads as done.
func (p *Plugin) Status(ctx context.Context, distributorIDs []string) (map[string]cluster.JobStatus, error) {
	if len(distributorIDs) == 0 {
		return map[string]cluster.JobStatus{}, nil
	}

	out, err := p.run(ctx, p.squeue(), "--me", "--noheader", "-r", "-o", "%i %t")
	if err != nil {
		return nil, fmt.Errorf("squeue failed: %w", err)
	}

	seen := make(map[string]cluster.JobStatus)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		seen[fields[0]] = statusOf(fields[1])
	}

	result := make(map[string]cluster.JobStatus, len(distributorIDs))
	for _, id := range distributorIDs {
		if status, ok := seen[id]; ok {
			result[id] = status
		}
	}
	return result, nil
}

// Kill cancels the given array members. Ids slurm no longer knows are
// absorbed.
func (p *Plugin) Kill(ctx context.Context, distributorIDs []string) error {
	if len(distributorIDs) == 0 {
		return nil
	}
	ids := append([]string(nil), distributorIDs...)
	sort.Strings(ids)
	if _, err := p.run(ctx, p.scancel(), ids...); err != nil {
		if strings.Contains(err.Error(), "Invalid job id") {
			return nil
		}
		return fmt.Errorf("scancel failed: %w", err)
	}
	return nil
}

// statusOf maps squeue's compact state codes. States the mapping does not
// know report lost so the distributor escalates instead of waiting forever.
func statusOf(code string) cluster.JobStatus {
	switch code {
	case "PD", "CF", "RH", "RQ":
		return cluster.StatusPending
	case "R", "CG", "S":
		return cluster.StatusRunning
	case "CD", "F":
		return cluster.StatusDone
	case "CA", "TO", "OOM", "PR", "DL":
		return cluster.StatusKilled
	default:
		return cluster.StatusLost
	}
}

// arraySpec lists the step ids for sbatch --array.
func arraySpec(instances []cluster.Instance) string {
	steps := make([]int, 0, len(instances))
	for _, inst := range instances {
		steps = append(steps, inst.StepID)
	}
	sort.Ints(steps)
	parts := make([]string, len(steps))
	for i, step := range steps {
		parts[i] = fmt.Sprintf("%d", step)
	}
	return strings.Join(parts, ",")
}

// parseJobID extracts the job id from sbatch --parsable output, which is
// "jobid" or "jobid;cluster".
func parseJobID(out string) string {
	first := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	return strings.SplitN(first, ";", 2)[0]
}

// isTransientSubmitError recognizes refusals worth retrying next tick.
func isTransientSubmitError(msg string) bool {
	lowered := strings.ToLower(msg)
	for _, marker := range []string{
		"socket timed out",
		"temporarily unable",
		"resource temporarily unavailable",
		"try again",
		"connection refused",
	} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// execCommand is the real runCommand.
func execCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w, stderr: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}
