package auth

import (
	"context"
	"time"

	"github.com/recasthq/recast/db"
)

// IdentityStore defines the interface for user and workspace persistence.
type IdentityStore interface {
	// CreateUserWithWorkspace creates the user and, when workspace.ID
	// is set on a fresh workspace, the workspace in one transaction.
	// Duplicate email fails with conflict.
	CreateUserWithWorkspace(ctx context.Context, user *db.User, workspace *db.Workspace) error

	// GetUserByEmail looks a user up by normalized email across
	// workspaces. Not reachable from scoped request paths.
	GetUserByEmail(ctx context.Context, email string) (*db.User, error)

	// GetUserByID loads one user.
	GetUserByID(ctx context.Context, id string) (*db.User, error)

	// GetWorkspace loads workspace metadata.
	GetWorkspace(ctx context.Context, id string) (*db.Workspace, error)

	// UpdatePasswordHash replaces the stored password hash.
	UpdatePasswordHash(ctx context.Context, userID, hash string) error

	// TouchLastLogin records a successful login.
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

// SessionStore defines the interface for refresh-session persistence.
// A chain is the rotation lineage started by one login; ChainID equals
// the root session id.
type SessionStore interface {
	// Create inserts a new session row.
	Create(ctx context.Context, session *db.Session) error

	// GetByLookupKey finds a session by refresh credential digest.
	GetByLookupKey(ctx context.Context, key string) (*db.Session, error)

	// GetByID loads one session.
	GetByID(ctx context.Context, id string) (*db.Session, error)

	// HasSuccessor reports whether another session names id as parent.
	HasSuccessor(ctx context.Context, id string) (bool, error)

	// Rotate atomically revokes the presented session and inserts its
	// successor. Fails with conflict when the presented session was
	// already revoked by a concurrent rotation.
	Rotate(ctx context.Context, presentedID string, next *db.Session) error

	// RevokeChain revokes every session in a chain.
	RevokeChain(ctx context.Context, chainID string) error

	// RevokeUserChains revokes all of a user's sessions except the
	// given chain. Used on password change.
	RevokeUserChains(ctx context.Context, userID, exceptChainID string) error

	// ListActive returns non-revoked, non-expired sessions of a user.
	ListActive(ctx context.Context, userID string) ([]*db.Session, error)

	// DeleteExpired removes sessions whose expiry is before cutoff.
	// Janitor only.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
