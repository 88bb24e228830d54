// Package service orchestrates the request-path use cases: creating
// and cancelling transformations, the document upload pipeline and
// preset management. Persistence happens through the store interfaces
// below, implemented by db/repository; workers communicate only
// through the task queue and the event bus.
package service

import (
	"context"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/db"
)

// TransformationStore is the slice of the repository the
// transformation service needs.
type TransformationStore interface {
	CreateTransformation(ctx context.Context, sub auth.Subject, t *db.Transformation) error
	GetTransformation(ctx context.Context, sub auth.Subject, id string) (*db.Transformation, error)
	ListTransformations(ctx context.Context, sub auth.Subject, filter db.TransformationFilter) ([]*db.Transformation, int64, error)
	CancelTransformation(ctx context.Context, sub auth.Subject, id string) (bool, error)

	// GetDocument backs the ownership check on document-bound jobs.
	GetDocument(ctx context.Context, sub auth.Subject, id string) (*db.Document, error)

	// GetPreset and IncrementPresetUsage back the preset resolver.
	GetPreset(ctx context.Context, sub auth.Subject, id string) (*db.Preset, error)
	IncrementPresetUsage(ctx context.Context, sub auth.Subject, id string) error
}

// DocumentStore is the slice of the repository the document service
// needs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, sub auth.Subject, doc *db.Document) error
	GetDocument(ctx context.Context, sub auth.Subject, id string) (*db.Document, error)
	ListDocuments(ctx context.Context, sub auth.Subject, filter db.DocumentFilter) ([]*db.Document, int64, error)
	UpdateDocumentStatus(ctx context.Context, sub auth.Subject, id string, status db.DocumentStatus, errorReason string) error
	DeleteDocument(ctx context.Context, sub auth.Subject, id string) error
}

// PresetStore is the slice of the repository the preset service needs.
type PresetStore interface {
	CreatePreset(ctx context.Context, sub auth.Subject, p *db.Preset) error
	GetPreset(ctx context.Context, sub auth.Subject, id string) (*db.Preset, error)
	ListPresets(ctx context.Context, sub auth.Subject, filter db.PresetFilter) ([]*db.Preset, int64, error)
	UpdatePreset(ctx context.Context, sub auth.Subject, id string, update db.PresetUpdate) (*db.Preset, error)
	DeletePreset(ctx context.Context, sub auth.Subject, id string) error
}

// TaskEnqueuer is the queue surface used on the request path.
// Implemented by queue.TaskQueue.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, task *db.QueuedTask) error

	// Cancel removes an unclaimed task or flags a claimed one for
	// cooperative cancellation. True means removed before any worker
	// saw it.
	Cancel(ctx context.Context, sub auth.Subject, id string) (bool, error)
}

// StatsStore backs the workspace usage endpoint.
type StatsStore interface {
	WorkspaceUsage(ctx context.Context, sub auth.Subject) (*db.UsageStats, error)
}
