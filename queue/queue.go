// Package queue implements the durable transformation work queue.
// Task rows in PostgreSQL are the source of truth: claims are leased
// row updates, retries are not_before pushes with exponential backoff.
// A Redis list carries a lightweight wake signal so idle workers pick
// up fresh work without tight polling; losing the signal only degrades
// latency to the poll interval.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/db"
)

// wakeKey is the Redis list the wake signal travels on.
const wakeKey = "queue:wake"

// TaskStore is the row store behind the queue.
type TaskStore interface {
	Enqueue(ctx context.Context, task *db.QueuedTask) error
	Claim(ctx context.Context, owner string, lease time.Duration) (*db.QueuedTask, error)
	Ack(ctx context.Context, id, owner string) error
	Nack(ctx context.Context, id string, notBefore time.Time) error
	ExtendLease(ctx context.Context, id, owner string, until time.Time) error
	RemoveUnclaimed(ctx context.Context, id string) (bool, error)
	RequestCancel(ctx context.Context, sub auth.Subject, id string) (bool, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	ReapExpired(ctx context.Context) (int64, error)
	Depth(ctx context.Context) (int64, error)
}

// Config carries the queue tuning knobs.
type Config struct {
	// ClaimLease is how long a claim stays owned without renewal.
	ClaimLease time.Duration

	// MaxAttempts before a task fails permanently.
	MaxAttempts int

	// BackoffBase is the first retry delay; doubled per attempt.
	BackoffBase time.Duration

	// BackoffCap bounds the doubling exponent.
	BackoffCap int
}

func (c *Config) applyDefaults() {
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 6
	}
}

// TaskQueue pairs the durable rows with the wake signal.
type TaskQueue struct {
	store TaskStore
	rdb   *redis.Client
	cfg   Config
}

// New builds a queue over the given stores. Zero config fields get
// defaults.
func New(store TaskStore, rdb *redis.Client, cfg Config) *TaskQueue {
	cfg.applyDefaults()
	return &TaskQueue{store: store, rdb: rdb, cfg: cfg}
}

// MaxAttempts exposes the retry budget.
func (q *TaskQueue) MaxAttempts() int { return q.cfg.MaxAttempts }

// Lease exposes the claim lease duration.
func (q *TaskQueue) Lease() time.Duration { return q.cfg.ClaimLease }

// Enqueue writes the task row and posts a wake signal. Enqueueing the
// same transformation twice fails with conflict.
func (q *TaskQueue) Enqueue(ctx context.Context, task *db.QueuedTask) error {
	if task.NotBefore.IsZero() {
		task.NotBefore = time.Now()
	}
	if err := q.store.Enqueue(ctx, task); err != nil {
		return err
	}
	q.wake(ctx)
	return nil
}

// wake is best-effort: a lost signal means workers find the task on
// their next poll instead.
func (q *TaskQueue) wake(ctx context.Context) {
	if err := q.rdb.RPush(ctx, wakeKey, "1").Err(); err != nil {
		common.Logger.WithError(err).Warn("queue wake signal failed")
	}
}

// WaitForWork blocks until a wake signal arrives, timeout passes or
// ctx is cancelled. Broker outages degrade to sleeping out the
// timeout so the claim cadence stays bounded either way.
func (q *TaskQueue) WaitForWork(ctx context.Context, timeout time.Duration) {
	_, err := q.rdb.BLPop(ctx, timeout, wakeKey).Result()
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	if ctx.Err() != nil {
		return
	}
	common.Logger.WithError(err).Debug("queue wait degraded to polling")
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
}

// Claim leases the oldest eligible task for this worker. Nil means no
// work is ready.
func (q *TaskQueue) Claim(ctx context.Context, workerID string) (*db.QueuedTask, error) {
	return q.store.Claim(ctx, workerID, q.cfg.ClaimLease)
}

// Ack removes a finished task.
func (q *TaskQueue) Ack(ctx context.Context, id, workerID string) error {
	return q.store.Ack(ctx, id, workerID)
}

// Nack releases a claimed task for a delayed retry. The delay grows
// with the task's attempt count.
func (q *TaskQueue) Nack(ctx context.Context, task *db.QueuedTask, reason string) error {
	delay := q.Backoff(task.Attempts)
	common.Logger.WithField("task_id", task.ID).
		WithField("attempts", task.Attempts).
		WithField("delay", delay.String()).
		WithField("reason", reason).
		Info("task requeued")
	return q.store.Nack(ctx, task.ID, time.Now().Add(delay))
}

// Backoff computes the retry delay for a given attempt count:
// base * 2^min(attempts, cap) with 20% jitter either way.
func (q *TaskQueue) Backoff(attempts int) time.Duration {
	exp := attempts
	if exp > q.cfg.BackoffCap {
		exp = q.cfg.BackoffCap
	}
	if exp < 0 {
		exp = 0
	}
	d := q.cfg.BackoffBase * time.Duration(1<<uint(exp))
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// ExtendLease renews this worker's claim on a task.
func (q *TaskQueue) ExtendLease(ctx context.Context, id, workerID string) error {
	return q.store.ExtendLease(ctx, id, workerID, time.Now().Add(q.cfg.ClaimLease))
}

// Cancel removes an unclaimed task outright or, when a worker already
// holds it, flags it for cooperative cancellation. The bool reports
// whether the task was removed before any worker saw it.
func (q *TaskQueue) Cancel(ctx context.Context, sub auth.Subject, id string) (bool, error) {
	removed, err := q.store.RemoveUnclaimed(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		return true, nil
	}
	if _, err := q.store.RequestCancel(ctx, sub, id); err != nil {
		return false, err
	}
	return false, nil
}

// CancelRequested reports the cooperative cancel flag. Executors poll
// it between provider attempts.
func (q *TaskQueue) CancelRequested(ctx context.Context, id string) (bool, error) {
	return q.store.CancelRequested(ctx, id)
}

// ReapExpired releases claims whose lease ran out.
func (q *TaskQueue) ReapExpired(ctx context.Context) (int64, error) {
	n, err := q.store.ReapExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.wake(ctx)
	}
	return n, nil
}

// Depth counts the task rows, claimed ones included.
func (q *TaskQueue) Depth(ctx context.Context) (int64, error) {
	return q.store.Depth(ctx)
}
