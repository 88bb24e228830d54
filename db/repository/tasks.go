package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
)

// TaskRepository is the durable backing store of the work queue. A
// task row's id equals its transformation id, so enqueueing the same
// job twice fails with conflict.
type TaskRepository struct {
	gdb *gorm.DB
}

// NewTaskRepository wraps an open gorm handle.
func NewTaskRepository(gdb *gorm.DB) *TaskRepository {
	return &TaskRepository{gdb: gdb}
}

// Enqueue inserts a task row.
func (r *TaskRepository) Enqueue(ctx context.Context, task *db.QueuedTask) error {
	return wrapDBError(r.gdb.WithContext(ctx).Create(task).Error)
}

// Claim leases the oldest eligible task, ordered by (not_before, id).
// SKIP LOCKED keeps concurrent workers from blocking on each other;
// rows with an expired lease are eligible again. Returns nil when no
// work is ready.
func (r *TaskRepository) Claim(ctx context.Context, owner string, lease time.Duration) (*db.QueuedTask, error) {
	now := time.Now()
	var task db.QueuedTask
	res := r.gdb.WithContext(ctx).Raw(`
		UPDATE queued_tasks SET
			claim_owner = ?,
			claim_expires_at = ?,
			attempts = attempts + 1,
			updated_at = ?
		WHERE id = (
			SELECT id FROM queued_tasks
			WHERE not_before <= ?
			  AND (claim_owner IS NULL OR claim_expires_at < ?)
			ORDER BY not_before, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`,
		owner, now.Add(lease), now, now, now,
	).Scan(&task)
	if res.Error != nil {
		return nil, wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 || task.ID == "" {
		return nil, nil
	}
	return &task, nil
}

// Ack removes a finished task row. The owner check makes a worker
// whose lease was reaped fail with conflict instead of deleting work
// now owned by someone else.
func (r *TaskRepository) Ack(ctx context.Context, id, owner string) error {
	res := r.gdb.WithContext(ctx).
		Where("id = ? AND claim_owner = ?", id, owner).
		Delete(&db.QueuedTask{})
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.E(errdefs.ErrConflict, "task claim mismatch")
	}
	return nil
}

// RemoveUnclaimed deletes a task only while no worker holds it. A
// false return means the task is claimed (or already gone) and must be
// cancelled cooperatively instead.
func (r *TaskRepository) RemoveUnclaimed(ctx context.Context, id string) (bool, error) {
	res := r.gdb.WithContext(ctx).
		Where("id = ? AND claim_owner IS NULL", id).
		Delete(&db.QueuedTask{})
	if res.Error != nil {
		return false, wrapDBError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Nack releases a claimed task for redelivery no earlier than
// notBefore.
func (r *TaskRepository) Nack(ctx context.Context, id string, notBefore time.Time) error {
	err := r.gdb.WithContext(ctx).Model(&db.QueuedTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"claim_owner":      nil,
			"claim_expires_at": nil,
			"not_before":       notBefore,
		}).Error
	return wrapDBError(err)
}

// ExtendLease pushes out the claim expiry of a task still held by
// owner. Conflict means the lease was lost to reaping.
func (r *TaskRepository) ExtendLease(ctx context.Context, id, owner string, until time.Time) error {
	res := r.gdb.WithContext(ctx).Model(&db.QueuedTask{}).
		Where("id = ? AND claim_owner = ?", id, owner).
		Update("claim_expires_at", until)
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.E(errdefs.ErrConflict, "task lease lost")
	}
	return nil
}

// RequestCancel flags a workspace's task for cooperative
// cancellation. A false return means the row is already gone.
func (r *TaskRepository) RequestCancel(ctx context.Context, sub auth.Subject, id string) (bool, error) {
	res := r.gdb.WithContext(ctx).Model(&db.QueuedTask{}).
		Where("id = ? AND workspace_id = ?", id, sub.WorkspaceID).
		Update("cancel_requested", true)
	if res.Error != nil {
		return false, wrapDBError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CancelRequested reports the cancel flag of a task. A missing row
// reads as not cancelled.
func (r *TaskRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	var task db.QueuedTask
	err := r.gdb.WithContext(ctx).Select("cancel_requested").
		Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapDBError(err)
	}
	return task.CancelRequested, nil
}

// ReapExpired clears claims whose lease ran out so the janitor can
// hand crashed workers' tasks back to the pool. Returns the number of
// claims released.
func (r *TaskRepository) ReapExpired(ctx context.Context) (int64, error) {
	res := r.gdb.WithContext(ctx).Model(&db.QueuedTask{}).
		Where("claim_owner IS NOT NULL AND claim_expires_at < ?", time.Now()).
		Updates(map[string]interface{}{
			"claim_owner":      nil,
			"claim_expires_at": nil,
		})
	if res.Error != nil {
		return 0, wrapDBError(res.Error)
	}
	return res.RowsAffected, nil
}

// Depth counts the queued task rows, claimed ones included.
func (r *TaskRepository) Depth(ctx context.Context) (int64, error) {
	var depth int64
	err := r.gdb.WithContext(ctx).Model(&db.QueuedTask{}).Count(&depth).Error
	if err != nil {
		return 0, wrapDBError(err)
	}
	return depth, nil
}
