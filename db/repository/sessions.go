package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
)

// SessionRepository is the gorm-backed session store behind the
// refresh rotation protocol.
type SessionRepository struct {
	gdb *gorm.DB
}

// NewSessionRepository wraps an open gorm handle.
func NewSessionRepository(gdb *gorm.DB) *SessionRepository {
	return &SessionRepository{gdb: gdb}
}

// Create inserts a new session row.
func (r *SessionRepository) Create(ctx context.Context, session *db.Session) error {
	return wrapDBError(r.gdb.WithContext(ctx).Create(session).Error)
}

// GetByLookupKey finds a session by refresh credential digest.
func (r *SessionRepository) GetByLookupKey(ctx context.Context, key string) (*db.Session, error) {
	var session db.Session
	err := r.gdb.WithContext(ctx).Where("lookup_key = ?", key).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.E(errdefs.ErrNotFound, "session not found")
	}
	if err != nil {
		return nil, wrapDBError(err)
	}
	return &session, nil
}

// GetByID loads one session.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*db.Session, error) {
	var session db.Session
	err := r.gdb.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.E(errdefs.ErrNotFound, "session not found")
	}
	if err != nil {
		return nil, wrapDBError(err)
	}
	return &session, nil
}

// HasSuccessor reports whether another session names id as its parent,
// which means the session was rotated rather than explicitly revoked.
func (r *SessionRepository) HasSuccessor(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.gdb.WithContext(ctx).Model(&db.Session{}).
		Where("parent_session_id = ?", id).
		Count(&count).Error
	if err != nil {
		return false, wrapDBError(err)
	}
	return count > 0, nil
}

// Rotate revokes the presented session and inserts its successor in
// one transaction. The guarded update makes concurrent rotations of
// the same credential lose with conflict instead of double-issuing.
func (r *SessionRepository) Rotate(ctx context.Context, presentedID string, next *db.Session) error {
	return r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Session{}).
			Where("id = ? AND revoked = ?", presentedID, false).
			Updates(map[string]interface{}{
				"revoked":      true,
				"last_used_at": time.Now(),
			})
		if res.Error != nil {
			return wrapDBError(res.Error)
		}
		if res.RowsAffected == 0 {
			return errdefs.E(errdefs.ErrConflict, "session already rotated")
		}
		return wrapDBError(tx.Create(next).Error)
	})
}

// RevokeChain revokes every session in a chain.
func (r *SessionRepository) RevokeChain(ctx context.Context, chainID string) error {
	err := r.gdb.WithContext(ctx).Model(&db.Session{}).
		Where("chain_id = ? AND revoked = ?", chainID, false).
		Update("revoked", true).Error
	return wrapDBError(err)
}

// RevokeUserChains revokes all of a user's sessions except the given
// chain.
func (r *SessionRepository) RevokeUserChains(ctx context.Context, userID, exceptChainID string) error {
	q := r.gdb.WithContext(ctx).Model(&db.Session{}).
		Where("user_id = ? AND revoked = ?", userID, false)
	if exceptChainID != "" {
		q = q.Where("chain_id <> ?", exceptChainID)
	}
	return wrapDBError(q.Update("revoked", true).Error)
}

// ListActive returns the user's non-revoked, unexpired sessions,
// newest first.
func (r *SessionRepository) ListActive(ctx context.Context, userID string) ([]*db.Session, error) {
	var sessions []*db.Session
	err := r.gdb.WithContext(ctx).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, time.Now()).
		Order("issued_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, wrapDBError(err)
	}
	return sessions, nil
}

// DeleteExpired removes sessions whose expiry predates cutoff and
// returns the number removed.
func (r *SessionRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.gdb.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&db.Session{})
	if res.Error != nil {
		return 0, wrapDBError(res.Error)
	}
	return res.RowsAffected, nil
}
