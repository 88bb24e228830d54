package executor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recasthq/recast/common"
)

const (
	defaultJanitorInterval  = time.Minute
	defaultSessionRetention = 24 * time.Hour
)

// SessionPruner deletes expired session rows. Implemented by
// repository.SessionRepository.
type SessionPruner interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// MaintainedQueue is the queue surface the janitor sweeps.
type MaintainedQueue interface {
	ReapExpired(ctx context.Context) (int64, error)
	Depth(ctx context.Context) (int64, error)
}

// Janitor runs the periodic maintenance sweep of the worker binary:
// reclaiming tasks whose lease died with their worker and trimming the
// session ledger.
type Janitor struct {
	sessions  SessionPruner
	tasks     MaintainedQueue
	interval  time.Duration
	retention time.Duration
	logger    *logrus.Entry
}

// NewJanitor wires the maintenance loop.
func NewJanitor(sessions SessionPruner, tasks MaintainedQueue, interval, retention time.Duration) *Janitor {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	if retention <= 0 {
		retention = defaultSessionRetention
	}
	return &Janitor{
		sessions:  sessions,
		tasks:     tasks,
		interval:  interval,
		retention: retention,
		logger:    logrus.NewEntry(common.Logger).WithField("component", "janitor"),
	}
}

// Run sweeps once per interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass. Each step is independent;
// failures log and move on.
func (j *Janitor) Sweep(ctx context.Context) {
	if n, err := j.tasks.ReapExpired(ctx); err != nil {
		j.logger.WithError(err).Warn("lease reap failed")
	} else if n > 0 {
		j.logger.WithField("reclaimed", n).Info("expired task claims reclaimed")
	}

	if j.sessions != nil {
		cutoff := time.Now().Add(-j.retention)
		if n, err := j.sessions.DeleteExpired(ctx, cutoff); err != nil {
			j.logger.WithError(err).Warn("session prune failed")
		} else if n > 0 {
			j.logger.WithField("deleted", n).Info("expired sessions pruned")
		}
	}

	if depth, err := j.tasks.Depth(ctx); err == nil {
		j.logger.WithField("depth", depth).Debug("queue depth")
	}
}
