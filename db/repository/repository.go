// Package repository holds the gorm-backed store implementations.
// Workspace-scoped methods take the acting subject, filter by its
// workspace id and bind the app.workspace_id session variable so the
// row-level security policies installed by db.Migrate enforce the same
// boundary a second time. Cross-workspace lookups collapse to
// not_found so resource identifiers never leak across tenants.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// pageLimit clamps a requested page size into the allowed range.
func pageLimit(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	}
	return n
}

// wrapDBError maps driver failures onto the error taxonomy. Unique
// violations become conflict, missing rows not_found, cancelled
// contexts cancelled and everything else transient so callers may
// retry.
func wrapDBError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errdefs.Wrap(errdefs.ErrNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "duplicate key"):
		return errdefs.Wrap(errdefs.ErrConflict, err)
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return errdefs.Wrap(errdefs.ErrCancelled, err)
	default:
		return errdefs.Wrap(errdefs.ErrTransient, err)
	}
}

// Repository is the workspace-scoped store for documents,
// transformations and presets.
type Repository struct {
	gdb *gorm.DB
}

// NewRepository wraps an open gorm handle.
func NewRepository(gdb *gorm.DB) *Repository {
	return &Repository{gdb: gdb}
}

// scoped runs fn inside a transaction with the tenancy variable bound
// to the subject's workspace.
func (r *Repository) scoped(ctx context.Context, sub auth.Subject, fn func(tx *gorm.DB) error) error {
	return r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.SetWorkspaceGUC(tx, sub.WorkspaceID); err != nil {
			return errdefs.Wrap(errdefs.ErrTransient, err)
		}
		return fn(tx)
	})
}

// CreateDocument inserts a document owned by the subject's workspace.
func (r *Repository) CreateDocument(ctx context.Context, sub auth.Subject, doc *db.Document) error {
	doc.WorkspaceID = sub.WorkspaceID
	return r.scoped(ctx, sub, func(tx *gorm.DB) error {
		return wrapDBError(tx.Create(doc).Error)
	})
}

// GetDocument loads one document of the subject's workspace.
func (r *Repository) GetDocument(ctx context.Context, sub auth.Subject, id string) (*db.Document, error) {
	var doc db.Document
	err := r.scoped(ctx, sub, func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND workspace_id = ?", id, sub.WorkspaceID).First(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errdefs.E(errdefs.ErrNotFound, "document not found")
		}
		return wrapDBError(err)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocuments returns a page of the workspace's documents, newest
// first, plus the unpaged total.
func (r *Repository) ListDocuments(ctx context.Context, sub auth.Subject, filter db.DocumentFilter) ([]*db.Document, int64, error) {
	var (
		docs  []*db.Document
		total int64
	)
	err := r.scoped(ctx, sub, func(tx *gorm.DB) error {
		q := tx.Model(&db.Document{}).Where("workspace_id = ?", sub.WorkspaceID)
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if err := q.Count(&total).Error; err != nil {
			return wrapDBError(err)
		}
		err := q.Order("created_at DESC").
			Limit(pageLimit(filter.Limit)).
			Offset(filter.Offset).
			Find(&docs).Error
		return wrapDBError(err)
	})
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// UpdateDocumentStatus moves a document through its extraction
// lifecycle. errorReason is cleared on non-failed states.
func (r *Repository) UpdateDocumentStatus(ctx context.Context, sub auth.Subject, id string, status db.DocumentStatus, errorReason string) error {
	if status != db.DocumentFailed {
		errorReason = ""
	}
	return r.scoped(ctx, sub, func(tx *gorm.DB) error {
		res := tx.Model(&db.Document{}).
			Where("id = ? AND workspace_id = ?", id, sub.WorkspaceID).
			Updates(map[string]interface{}{"status": status, "error_reason": errorReason})
		if res.Error != nil {
			return wrapDBError(res.Error)
		}
		if res.RowsAffected == 0 {
			return errdefs.E(errdefs.ErrNotFound, "document not found")
		}
		return nil
	})
}

// DeleteDocument soft-deletes a document. Historical transformations
// keep their results; new jobs against the document fail with
// not_found.
func (r *Repository) DeleteDocument(ctx context.Context, sub auth.Subject, id string) error {
	return r.scoped(ctx, sub, func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND workspace_id = ?", id, sub.WorkspaceID).Delete(&db.Document{})
		if res.Error != nil {
			return wrapDBError(res.Error)
		}
		if res.RowsAffected == 0 {
			return errdefs.E(errdefs.ErrNotFound, "document not found")
		}
		return nil
	})
}

// CreateTransformation inserts a job row owned by the subject's
// workspace.
func (r *Repository) CreateTransformation(ctx context.Context, sub auth.Subject, t *db.Transformation) error {
	t.WorkspaceID = sub.WorkspaceID
	return r.scoped(ctx, sub, func(tx *gorm.DB) error {
		return wrapDBError(tx.Create(t).Error)
	})
}

// GetTransformation loads one job of the subject's workspace.
func (r *Repository) GetTransformation(ctx context.Context, sub auth.Subject, id string) (*db.Transformation, error) {
	var t db.Transformation
	err := r.scoped(ctx, sub, func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND workspace_id = ?", id, sub.WorkspaceID).First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errdefs.E(errdefs.ErrNotFound, "transformation not found")
		}
		return wrapDBError(err)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransformations returns a page of the workspace's jobs, newest
// first, plus the unpaged total.
func (r *Repository) ListTransformations(ctx context.Context, sub auth.Subject, filter db.TransformationFilter) ([]*db.Transformation, int64, error) {
	var (
		jobs  []*db.Transformation
		total int64
	)
	err := r.scoped(ctx, sub, func(tx *gorm.DB) error {
		q := tx.Model(&db.Transformation{}).Where("workspace_id = ?", sub.WorkspaceID)
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.DocumentID != "" {
			q = q.Where("document_id = ?", filter.DocumentID)
		}
		if filter.Kind != "" {
			q = q.Where("kind = ?", filter.Kind)
		}
		if err := q.Count(&total).Error; err != nil {
			return wrapDBError(err)
		}
		err := q.Order("created_at DESC").
			Limit(pageLimit(filter.Limit)).
			Offset(filter.Offset).
			Find(&jobs).Error
		return wrapDBError(err)
	})
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// transitionTransformation applies one guarded lifecycle transition
// and reports whether a row moved.
func (r *Repository) transitionTransformation(ctx context.Context, sub auth.Subject, id string,
	from []db.TransformationStatus, updates map[string]interface{}) (bool, error) {
	var moved bool
	err := r.scoped(ctx, sub, func(tx *gorm.DB) error {
		res := tx.Model(&db.Transformation{}).
			Where("id = ? AND workspace_id = ? AND status IN ?", id, sub.WorkspaceID, from).
			Updates(updates)
		if res.Error != nil {
			return wrapDBError(res.Error)
		}
		moved = res.RowsAffected == 1
		return nil
	})
	return moved, err
}

// BeginTransformation moves a pending job to running. A false return
// means the job is no longer pending, which the executor treats as an
// idempotent redelivery.
func (r *Repository) BeginTransformation(ctx context.Context, sub auth.Subject, id string, attempt int) (bool, error) {
	now := time.Now()
	return r.transitionTransformation(ctx, sub, id,
		[]db.TransformationStatus{db.TransformationPending},
		map[string]interface{}{
			"status":     db.TransformationRunning,
			"started_at": now,
			"attempts":   attempt,
		})
}

// CompleteTransformation records a successful result for a running
// job.
func (r *Repository) CompleteTransformation(ctx context.Context, sub auth.Subject, id, result, provider string, tokens int) (bool, error) {
	now := time.Now()
	return r.transitionTransformation(ctx, sub, id,
		[]db.TransformationStatus{db.TransformationRunning},
		map[string]interface{}{
			"status":        db.TransformationCompleted,
			"result":        result,
			"provider_used": provider,
			"tokens_used":   tokens,
			"error_reason":  nil,
			"completed_at":  now,
		})
}

// FailTransformation records a permanent failure for a running job.
func (r *Repository) FailTransformation(ctx context.Context, sub auth.Subject, id, reason string) (bool, error) {
	now := time.Now()
	return r.transitionTransformation(ctx, sub, id,
		[]db.TransformationStatus{db.TransformationRunning},
		map[string]interface{}{
			"status":       db.TransformationFailed,
			"error_reason": reason,
			"completed_at": now,
		})
}

// CancelTransformation moves a pending or running job to cancelled.
func (r *Repository) CancelTransformation(ctx context.Context, sub auth.Subject, id string) (bool, error) {
	now := time.Now()
	return r.transitionTransformation(ctx, sub, id,
		[]db.TransformationStatus{db.TransformationPending, db.TransformationRunning},
		map[string]interface{}{
			"status":       db.TransformationCancelled,
			"error_reason": "cancelled",
			"completed_at": now,
		})
}

// RequeueTransformation moves a running job back to pending ahead of a
// retry.
func (r *Repository) RequeueTransformation(ctx context.Context, sub auth.Subject, id, reason string) (bool, error) {
	return r.transitionTransformation(ctx, sub, id,
		[]db.TransformationStatus{db.TransformationRunning},
		map[string]interface{}{
			"status":       db.TransformationPending,
			"error_reason": reason,
		})
}

// CreatePreset inserts a preset owned by the subject.
func (r *Repository) CreatePreset(ctx context.Context, sub auth.Subject, p *db.Preset) error {
	p.WorkspaceID = sub.WorkspaceID
	return r.scoped(ctx, sub, func(tx *gorm.DB) error {
		return wrapDBError(tx.Create(p).Error)
	})
}

// GetPreset loads one preset. Private presets are visible only to
// their owner; anyone else gets not_found, the same answer as for a
// preset that does not exist.
func (r *Repository) GetPreset(ctx context.Context, sub auth.Subject, id string) (*db.Preset, error) {
	var p db.Preset
	err := r.scoped(ctx, sub, func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND workspace_id = ?", id, sub.WorkspaceID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errdefs.E(errdefs.ErrNotFound, "preset not found")
		}
		return wrapDBError(err)
	})
	if err != nil {
		return nil, err
	}
	if !presetVisible(&p, sub) {
		return nil, errdefs.E(errdefs.ErrNotFound, "preset not found")
	}
	return &p, nil
}

func presetVisible(p *db.Preset, sub auth.Subject) bool {
	return p.IsShared || p.UserID == sub.UserID || sub.Role == auth.RoleSystem
}

// ListPresets returns the presets visible to the subject: its own plus
// the workspace's shared ones.
func (r *Repository) ListPresets(ctx context.Context, sub auth.Subject, filter db.PresetFilter) ([]*db.Preset, int64, error) {
	var (
		presets []*db.Preset
		total   int64
	)
	err := r.scoped(ctx, sub, func(tx *gorm.DB) error {
		q := tx.Model(&db.Preset{}).
			Where("workspace_id = ?", sub.WorkspaceID).
			Where("is_shared = ? OR user_id = ?", true, sub.UserID)
		if filter.Kind != "" {
			q = q.Where("kind = ?", filter.Kind)
		}
		if err := q.Count(&total).Error; err != nil {
			return wrapDBError(err)
		}
		err := q.Order("created_at DESC").
			Limit(pageLimit(filter.Limit)).
			Offset(filter.Offset).
			Find(&presets).Error
		return wrapDBError(err)
	})
	if err != nil {
		return nil, 0, err
	}
	return presets, total, nil
}

// UpdatePreset applies an owner-only partial update. Non-owners of a
// shared preset get forbidden; for private presets the answer stays
// not_found.
func (r *Repository) UpdatePreset(ctx context.Context, sub auth.Subject, id string, update db.PresetUpdate) (*db.Preset, error) {
	var p db.Preset
	err := r.scoped(ctx, sub, func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND workspace_id = ?", id, sub.WorkspaceID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errdefs.E(errdefs.ErrNotFound, "preset not found")
		}
		if err != nil {
			return wrapDBError(err)
		}
		if p.UserID != sub.UserID {
			if !p.IsShared {
				return errdefs.E(errdefs.ErrNotFound, "preset not found")
			}
			return errdefs.E(errdefs.ErrForbidden, "only the preset owner can modify it")
		}

		updates := map[string]interface{}{}
		if update.Name != nil {
			updates["name"] = *update.Name
		}
		if update.Description != nil {
			updates["description"] = *update.Description
		}
		if update.Parameters != nil {
			updates["parameters"] = update.Parameters
		}
		if update.IsShared != nil {
			updates["is_shared"] = *update.IsShared
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&p).Updates(updates).Error; err != nil {
			return wrapDBError(err)
		}
		return wrapDBError(tx.Where("id = ?", id).First(&p).Error)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePreset soft-deletes an owned preset under the same visibility
// rules as UpdatePreset.
func (r *Repository) DeletePreset(ctx context.Context, sub auth.Subject, id string) error {
	return r.scoped(ctx, sub, func(tx *gorm.DB) error {
		var p db.Preset
		err := tx.Where("id = ? AND workspace_id = ?", id, sub.WorkspaceID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errdefs.E(errdefs.ErrNotFound, "preset not found")
		}
		if err != nil {
			return wrapDBError(err)
		}
		if p.UserID != sub.UserID {
			if !p.IsShared {
				return errdefs.E(errdefs.ErrNotFound, "preset not found")
			}
			return errdefs.E(errdefs.ErrForbidden, "only the preset owner can delete it")
		}
		return wrapDBError(tx.Delete(&p).Error)
	})
}

// IncrementPresetUsage bumps the usage counter. Called once per
// successful enqueue that resolved the preset.
func (r *Repository) IncrementPresetUsage(ctx context.Context, sub auth.Subject, id string) error {
	return r.scoped(ctx, sub, func(tx *gorm.DB) error {
		res := tx.Model(&db.Preset{}).
			Where("id = ? AND workspace_id = ?", id, sub.WorkspaceID).
			UpdateColumn("usage_count", gorm.Expr("usage_count + 1"))
		if res.Error != nil {
			return wrapDBError(res.Error)
		}
		if res.RowsAffected == 0 {
			return errdefs.E(errdefs.ErrNotFound, "preset not found")
		}
		return nil
	})
}

// WorkspaceUsage aggregates stored volume and job activity for the
// subject's workspace.
func (r *Repository) WorkspaceUsage(ctx context.Context, sub auth.Subject) (*db.UsageStats, error) {
	stats := &db.UsageStats{TransformationsByStatus: map[string]int64{}}
	err := r.scoped(ctx, sub, func(tx *gorm.DB) error {
		ws := sub.WorkspaceID
		if err := tx.Model(&db.Document{}).Where("workspace_id = ?", ws).
			Count(&stats.Documents).Error; err != nil {
			return wrapDBError(err)
		}
		if err := tx.Model(&db.Document{}).Where("workspace_id = ?", ws).
			Select("COALESCE(SUM(size_bytes), 0)").Scan(&stats.DocumentBytes).Error; err != nil {
			return wrapDBError(err)
		}

		type statusCount struct {
			Status string
			Count  int64
		}
		var rows []statusCount
		if err := tx.Model(&db.Transformation{}).
			Select("status, COUNT(*) AS count").
			Where("workspace_id = ?", ws).
			Group("status").Scan(&rows).Error; err != nil {
			return wrapDBError(err)
		}
		for _, row := range rows {
			stats.TransformationsByStatus[row.Status] = row.Count
			stats.Transformations += row.Count
		}

		if err := tx.Model(&db.Transformation{}).Where("workspace_id = ?", ws).
			Select("COALESCE(SUM(tokens_used), 0)").Scan(&stats.TokensUsed).Error; err != nil {
			return wrapDBError(err)
		}
		if err := tx.Model(&db.Preset{}).Where("workspace_id = ?", ws).
			Count(&stats.Presets).Error; err != nil {
			return wrapDBError(err)
		}
		return wrapDBError(tx.Model(&db.QueuedTask{}).Where("workspace_id = ?", ws).
			Count(&stats.Queued).Error)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
