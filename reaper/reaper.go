// Package reaper implements the liveness sweeper. Workers and distributors
// promise to report back by a deadline; the reaper is the component that
// makes a broken promise terminal, so no workflow waits forever on a process
// that silently died.
//
// Any number of reaper replicas may run against one database. A single-row
// lease elects the replica that actually sweeps; the others idle until the
// lease lapses.
package reaper

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"jobmon.evalgo.org/common"
	"jobmon.evalgo.org/config"
	"jobmon.evalgo.org/db"
	"jobmon.evalgo.org/engine"
)

// Reaper periodically escalates stale workflow runs and task instances to
// terminal states.
type Reaper struct {
	store  *db.Store
	engine *engine.Engine
	holder string
	poll   time.Duration
	grace  time.Duration
	log    *logrus.Entry
}

// New creates a reaper from its configuration section. The lease holder
// identity combines the hostname with a random suffix so two replicas on one
// host stay distinguishable.
func New(store *db.Store, eng *engine.Engine, cfg *config.ReaperConfig) *Reaper {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "reaper"
	}
	return &Reaper{
		store:  store,
		engine: eng,
		holder: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		poll:   cfg.PollInterval(),
		grace:  cfg.GracePeriod(),
		log:    common.ComponentLogger("reaper"),
	}
}

// Holder returns the lease holder identity of this replica.
func (r *Reaper) Holder() string {
	return r.holder
}

// Run sweeps once immediately and then on every poll interval until the
// context is cancelled. On the way out the lease is released early so a
// standby replica takes over without waiting out the TTL.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"holder":        r.holder,
		"poll_interval": r.poll.String(),
		"grace_period":  r.grace.String(),
	}).Info("reaper starting")

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.store.ReleaseLease(releaseCtx, r.holder); err != nil {
				r.log.WithError(err).Warn("failed to release reaper lease")
			}
			r.log.Info("reaper stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep acquires the lease and runs one tick. Errors are logged and the next
// tick retries; a lock conflict with a live transition simply means the work
// was not stale after all.
func (r *Reaper) Sweep(ctx context.Context) {
	held, err := r.store.AcquireLease(ctx, r.holder, 2*r.poll)
	if err != nil {
		r.log.WithError(err).Warn("failed to acquire reaper lease")
		return
	}
	if !held {
		r.log.Debug("reaper lease held elsewhere, skipping sweep")
		return
	}

	report, err := r.engine.ReapStaleWork(ctx, r.grace)
	if err != nil {
		r.log.WithError(err).Warn("reaper sweep failed")
		return
	}
	if report.Empty() {
		r.log.Debug("reaper sweep found nothing stale")
		return
	}
	r.log.WithFields(logrus.Fields{
		"cold_runs":      len(report.ColdRunIDs),
		"lost_instances": len(report.LostInstanceIDs),
	}).Info("reaper escalated stale work")
}
