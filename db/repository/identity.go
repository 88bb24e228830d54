package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
)

// IdentityRepository is the gorm-backed identity store used by the
// authentication service.
type IdentityRepository struct {
	gdb *gorm.DB
}

// NewIdentityRepository wraps an open gorm handle.
func NewIdentityRepository(gdb *gorm.DB) *IdentityRepository {
	return &IdentityRepository{gdb: gdb}
}

// CreateUserWithWorkspace inserts the user, and its workspace when one
// is supplied, in a single transaction. A taken email fails with
// conflict.
func (r *IdentityRepository) CreateUserWithWorkspace(ctx context.Context, user *db.User, workspace *db.Workspace) error {
	return r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&db.User{}).Where("email = ?", user.Email).Count(&taken).Error; err != nil {
			return wrapDBError(err)
		}
		if taken > 0 {
			return errdefs.E(errdefs.ErrConflict, "email is already registered")
		}
		if workspace != nil {
			if err := tx.Create(workspace).Error; err != nil {
				return wrapDBError(err)
			}
		}
		// The unique index backstops the count check under races.
		return wrapDBError(tx.Create(user).Error)
	})
}

// GetUserByEmail looks a user up by normalized email.
func (r *IdentityRepository) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := r.gdb.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.E(errdefs.ErrNotFound, "user not found")
	}
	if err != nil {
		return nil, wrapDBError(err)
	}
	return &user, nil
}

// GetUserByID loads one user.
func (r *IdentityRepository) GetUserByID(ctx context.Context, id string) (*db.User, error) {
	var user db.User
	err := r.gdb.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.E(errdefs.ErrNotFound, "user not found")
	}
	if err != nil {
		return nil, wrapDBError(err)
	}
	return &user, nil
}

// GetWorkspace loads workspace metadata.
func (r *IdentityRepository) GetWorkspace(ctx context.Context, id string) (*db.Workspace, error) {
	var ws db.Workspace
	err := r.gdb.WithContext(ctx).Where("id = ?", id).First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdefs.E(errdefs.ErrNotFound, "workspace not found")
	}
	if err != nil {
		return nil, wrapDBError(err)
	}
	return &ws, nil
}

// UpdatePasswordHash replaces the stored password hash.
func (r *IdentityRepository) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res := r.gdb.WithContext(ctx).Model(&db.User{}).
		Where("id = ?", userID).
		Update("password_hash", hash)
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.E(errdefs.ErrNotFound, "user not found")
	}
	return nil
}

// TouchLastLogin records a successful login timestamp.
func (r *IdentityRepository) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	res := r.gdb.WithContext(ctx).Model(&db.User{}).
		Where("id = ?", userID).
		Update("last_login_at", at)
	if res.Error != nil {
		return wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errdefs.E(errdefs.ErrNotFound, "user not found")
	}
	return nil
}
