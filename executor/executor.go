// Package executor runs claimed transformation tasks against the
// provider failover chain and writes their terminal states. The task
// row is the delivery vehicle; the transformation row is the source of
// truth the executor reloads, guards and transitions.
package executor

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/recasthq/recast/audit"
	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/bus"
	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/provider"
	"github.com/recasthq/recast/storage"
	"github.com/recasthq/recast/transform"
)

// defaultProviderTimeout bounds one provider call when config leaves
// it unset.
const defaultProviderTimeout = 90 * time.Second

// previewLen caps the result preview carried by completion events.
const previewLen = 200

// Store is the slice of the repository the executor drives.
type Store interface {
	GetTransformation(ctx context.Context, sub auth.Subject, id string) (*db.Transformation, error)
	BeginTransformation(ctx context.Context, sub auth.Subject, id string, attempt int) (bool, error)
	CompleteTransformation(ctx context.Context, sub auth.Subject, id, result, provider string, tokens int) (bool, error)
	FailTransformation(ctx context.Context, sub auth.Subject, id, reason string) (bool, error)
	CancelTransformation(ctx context.Context, sub auth.Subject, id string) (bool, error)
	RequeueTransformation(ctx context.Context, sub auth.Subject, id, reason string) (bool, error)
	GetDocument(ctx context.Context, sub auth.Subject, id string) (*db.Document, error)
}

// Tasks is the queue surface the executor consumes.
type Tasks interface {
	WaitForWork(ctx context.Context, timeout time.Duration)
	Claim(ctx context.Context, workerID string) (*db.QueuedTask, error)
	Ack(ctx context.Context, id, workerID string) error
	Nack(ctx context.Context, task *db.QueuedTask, reason string) error
	ExtendLease(ctx context.Context, id, workerID string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	MaxAttempts() int
}

// Providers yields the failover candidates for a kind. Implemented by
// provider.Registry.
type Providers interface {
	Select(kind transform.Kind) []*provider.Candidate
}

// Executor executes one claimed task at a time.
type Executor struct {
	store     Store
	tasks     Tasks
	providers Providers
	blobs     storage.BlobStore
	bus       bus.Publisher
	auditor   audit.Publisher
	timeout   time.Duration
	logger    *logrus.Entry
}

// New wires an executor. providerTimeout bounds each provider attempt.
func New(store Store, tasks Tasks, providers Providers, blobs storage.BlobStore, publisher bus.Publisher, auditor audit.Publisher, providerTimeout time.Duration) *Executor {
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	if auditor == nil {
		auditor = audit.NopPublisher{}
	}
	return &Executor{
		store:     store,
		tasks:     tasks,
		providers: providers,
		blobs:     blobs,
		bus:       publisher,
		auditor:   auditor,
		timeout:   providerTimeout,
		logger:    logrus.NewEntry(common.Logger).WithField("component", "executor"),
	}
}

// Execute drives one claimed task to an ack or a nack. Redelivery of
// an already-terminal job is absorbed without side effects. A panic
// inside the run is converted into a terminal failure so the job
// cannot wedge the worker.
func (e *Executor) Execute(ctx context.Context, workerID string, task *db.QueuedTask) (err error) {
	sub := auth.SystemSubject(task.WorkspaceID)
	log := e.logger.WithFields(logrus.Fields{
		"worker_id":         workerID,
		"transformation_id": task.ID,
		"attempt":           task.Attempts,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).WithField("stack", string(debug.Stack())).
				Error("executor panicked")
			if moved, ferr := e.store.FailTransformation(ctx, sub, task.ID, "internal error"); ferr == nil && moved {
				e.publishFailed(sub.WorkspaceID, task.ID, "", "internal error")
			}
			_ = e.tasks.Ack(ctx, task.ID, workerID)
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	t, err := e.store.GetTransformation(ctx, sub, task.ID)
	if errdefs.IsNotFound(err) {
		// Orphaned task; the row is gone.
		log.Warn("task without transformation row, dropping")
		return e.tasks.Ack(ctx, task.ID, workerID)
	}
	if err != nil {
		// Leave the claim; the lease reaper redelivers.
		return err
	}

	// Idempotency guard: a redelivered terminal job acks without side
	// effects.
	if t.Status.Terminal() {
		log.WithField("status", string(t.Status)).Debug("terminal job redelivered, absorbing")
		return e.tasks.Ack(ctx, task.ID, workerID)
	}

	if t.Status == db.TransformationPending {
		moved, err := e.store.BeginTransformation(ctx, sub, task.ID, task.Attempts)
		if err != nil {
			return err
		}
		if !moved {
			// Lost a race with a cancel; reload decides.
			t, err = e.store.GetTransformation(ctx, sub, task.ID)
			if err != nil || t.Status != db.TransformationRunning {
				return e.tasks.Ack(ctx, task.ID, workerID)
			}
		}
	} else {
		log.Info("resuming job left running by an expired claim")
	}

	e.publish(bus.KindTransformationStarted, bus.TransformationEvent{
		TransformationID: t.ID,
		WorkspaceID:      sub.WorkspaceID,
		Kind:             t.Kind.String(),
		Status:           string(db.TransformationRunning),
	})

	content, err := e.resolveContent(ctx, sub, t)
	if err != nil {
		if errdefs.Retryable(err) {
			return e.retryOrFail(ctx, sub, workerID, task, t, err.Error())
		}
		return e.failJob(ctx, sub, workerID, task, t, err.Error())
	}

	params := transform.Params(t.Parameters)
	req := provider.Request{
		Kind:   t.Kind,
		System: transform.SystemPrompt,
		Prompt: transform.BuildPrompt(t.Kind, content, params),
	}

	candidates := e.providers.Select(t.Kind)
	if len(candidates) == 0 {
		return e.retryOrFail(ctx, sub, workerID, task, t, "no provider available")
	}

	lastReason := "no provider available"
	for i, cand := range candidates {
		cancelled, cerr := e.tasks.CancelRequested(ctx, task.ID)
		if cerr != nil {
			log.WithError(cerr).Warn("cancel flag check failed")
		}
		if cancelled {
			return e.finishCancelled(ctx, sub, workerID, task, t)
		}

		if lerr := e.tasks.ExtendLease(ctx, task.ID, workerID); lerr != nil {
			log.WithError(lerr).Warn("lease extension failed")
		}

		if i > 0 {
			audit.Emit(ctx, e.auditor, audit.Event{
				Type:        audit.EventProviderFailover,
				WorkspaceID: sub.WorkspaceID,
				Resource:    "provider",
				ResourceID:  cand.Name(),
				Detail: map[string]interface{}{
					"transformation_id": task.ID,
					"reason":            lastReason,
				},
			})
		}
		e.publish(bus.KindTransformationProgress, bus.TransformationEvent{
			TransformationID: t.ID,
			WorkspaceID:      sub.WorkspaceID,
			Kind:             t.Kind.String(),
			Status:           string(db.TransformationRunning),
			Stage:            "invoking provider",
			Provider:         cand.Name(),
		})

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		res, perr := cand.Invoke(attemptCtx, req)
		cancel()

		if perr == nil {
			return e.finishCompleted(ctx, sub, workerID, task, t, cand.Name(), res)
		}

		lastReason = perr.Error()
		log.WithError(perr).WithField("provider", cand.Name()).Warn("provider attempt failed")
		if !errdefs.Retryable(perr) {
			// Deterministic failure: trying other providers cannot
			// change the outcome.
			break
		}
	}

	return e.retryOrFail(ctx, sub, workerID, task, t, lastReason)
}

// resolveContent loads the extracted text of the bound document, or
// returns empty content for standalone jobs.
func (e *Executor) resolveContent(ctx context.Context, sub auth.Subject, t *db.Transformation) (string, error) {
	if t.DocumentID == nil {
		return "", nil
	}
	doc, err := e.store.GetDocument(ctx, sub, *t.DocumentID)
	if errdefs.IsNotFound(err) {
		return "", errdefs.E(errdefs.ErrInvalidInput, "source document no longer exists")
	}
	if err != nil {
		return "", err
	}
	if doc.Status != db.DocumentReady {
		return "", errdefs.E(errdefs.ErrInvalidInput, "source document is %s, not ready", doc.Status)
	}
	reader, err := e.blobs.Get(ctx, storage.TextKey(doc.BlobRef))
	if errdefs.IsNotFound(err) {
		return "", errdefs.E(errdefs.ErrInvalidInput, "source document content is missing")
	}
	if err != nil {
		return "", err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.ErrTransient, err, "read document content")
	}
	return string(data), nil
}

// finishCompleted persists the result and acks. A job cancelled while
// the provider was running keeps its cancelled state; the produced
// result is discarded.
func (e *Executor) finishCompleted(ctx context.Context, sub auth.Subject, workerID string, task *db.QueuedTask, t *db.Transformation, providerName string, res *provider.Result) error {
	moved, err := e.store.CompleteTransformation(ctx, sub, task.ID, res.Text, providerName, res.TotalTokens())
	if err != nil {
		return err
	}
	if moved {
		e.publish(bus.KindTransformationCompleted, bus.TransformationEvent{
			TransformationID: t.ID,
			WorkspaceID:      sub.WorkspaceID,
			Kind:             t.Kind.String(),
			Status:           string(db.TransformationCompleted),
			Provider:         providerName,
			ResultPreview:    preview(res.Text),
			TokensUsed:       res.TotalTokens(),
		})
		audit.Emit(ctx, e.auditor, audit.Event{
			Type:        audit.EventTransformationCompleted,
			WorkspaceID: sub.WorkspaceID,
			UserID:      t.UserID,
			Resource:    "transformation",
			ResourceID:  t.ID,
			Detail: map[string]interface{}{
				"provider":    providerName,
				"tokens_used": res.TotalTokens(),
			},
		})
	} else {
		e.logger.WithField("transformation_id", task.ID).
			Warn("job no longer running, provider result discarded")
	}
	return e.tasks.Ack(ctx, task.ID, workerID)
}

// finishCancelled honors a cooperative cancel observed between
// provider attempts.
func (e *Executor) finishCancelled(ctx context.Context, sub auth.Subject, workerID string, task *db.QueuedTask, t *db.Transformation) error {
	moved, err := e.store.CancelTransformation(ctx, sub, task.ID)
	if err != nil {
		return err
	}
	if moved {
		e.publishFailed(sub.WorkspaceID, t.ID, t.Kind.String(), "cancelled")
		audit.Emit(ctx, e.auditor, audit.Event{
			Type:        audit.EventTransformationCancelled,
			WorkspaceID: sub.WorkspaceID,
			UserID:      t.UserID,
			Resource:    "transformation",
			ResourceID:  t.ID,
		})
	}
	return e.tasks.Ack(ctx, task.ID, workerID)
}

// retryOrFail applies the retry budget: requeue with backoff while
// attempts remain, terminal failure once they are spent.
func (e *Executor) retryOrFail(ctx context.Context, sub auth.Subject, workerID string, task *db.QueuedTask, t *db.Transformation, reason string) error {
	if task.Attempts < e.tasks.MaxAttempts() {
		moved, err := e.store.RequeueTransformation(ctx, sub, task.ID, reason)
		if err != nil {
			return err
		}
		if !moved {
			// Cancelled under us; the task has nothing left to do.
			return e.tasks.Ack(ctx, task.ID, workerID)
		}
		return e.tasks.Nack(ctx, task, reason)
	}
	return e.failJob(ctx, sub, workerID, task, t, reason)
}

// failJob writes the terminal failure and acks.
func (e *Executor) failJob(ctx context.Context, sub auth.Subject, workerID string, task *db.QueuedTask, t *db.Transformation, reason string) error {
	moved, err := e.store.FailTransformation(ctx, sub, task.ID, reason)
	if err != nil {
		return err
	}
	if moved {
		e.publishFailed(sub.WorkspaceID, t.ID, t.Kind.String(), reason)
		audit.Emit(ctx, e.auditor, audit.Event{
			Type:        audit.EventTransformationFailed,
			WorkspaceID: sub.WorkspaceID,
			UserID:      t.UserID,
			Resource:    "transformation",
			ResourceID:  t.ID,
			Detail:      map[string]interface{}{"reason": reason},
		})
	}
	return e.tasks.Ack(ctx, task.ID, workerID)
}

func (e *Executor) publishFailed(workspaceID, id, kind, reason string) {
	status := db.TransformationFailed
	if reason == "cancelled" {
		status = db.TransformationCancelled
	}
	e.publish(bus.KindTransformationFailed, bus.TransformationEvent{
		TransformationID: id,
		WorkspaceID:      workspaceID,
		Kind:             kind,
		Status:           string(status),
		Reason:           reason,
	})
}

// publish sends an advisory event. State already lives in the row;
// the bus logs its own delivery failures.
func (e *Executor) publish(kind string, event bus.TransformationEvent) {
	_ = e.bus.Publish(context.Background(), bus.WorkspaceTopic(event.WorkspaceID), kind, event)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen]) + "..."
}
