package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recasthq/recast/common"
)

// defaultPollInterval is the idle wait between claim probes when no
// wake signal arrives.
const defaultPollInterval = 5 * time.Second

// Pool runs a fixed set of executor workers against the task queue.
type Pool struct {
	executor *Executor
	tasks    Tasks
	baseID   string
	size     int
	poll     time.Duration
	logger   *logrus.Entry
}

// NewPool builds a pool of size workers. baseID prefixes worker ids so
// claims are attributable to an instance.
func NewPool(exec *Executor, tasks Tasks, baseID string, size int, poll time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Pool{
		executor: exec,
		tasks:    tasks,
		baseID:   baseID,
		size:     size,
		poll:     poll,
		logger:   logrus.NewEntry(common.Logger).WithField("component", "worker_pool"),
	}
}

// Run starts the workers and blocks until ctx is done and every
// worker has drained its current task.
func (p *Pool) Run(ctx context.Context) {
	p.logger.WithField("workers", p.size).Info("worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("%s-w%d", p.baseID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, workerID)
		}()
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

// work is one worker's claim loop. Claim errors back off instead of
// killing the worker; a claimed task always reaches Execute, whose
// own recovery keeps a poisoned job from taking the loop down.
func (p *Pool) work(ctx context.Context, workerID string) {
	log := p.logger.WithField("worker_id", workerID)
	log.Debug("worker started")

	for {
		if ctx.Err() != nil {
			log.Debug("worker stopped")
			return
		}

		task, err := p.tasks.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("claim failed")
			p.sleep(ctx, time.Second)
			continue
		}
		if task == nil {
			p.tasks.WaitForWork(ctx, p.poll)
			continue
		}

		started := time.Now()
		if err := p.executor.Execute(ctx, workerID, task); err != nil {
			log.WithError(err).WithField("transformation_id", task.ID).
				Warn("task execution errored")
			continue
		}
		log.WithFields(logrus.Fields{
			"transformation_id": task.ID,
			"duration":          time.Since(started).String(),
		}).Info("task processed")
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
