// Package auth implements authentication for Recast: password
// handling, access tokens, the refresh-token rotation protocol and the
// per-workspace rate limiter. Persistence goes through the store
// interfaces in storage.go; the gorm implementations live in
// db/repository.
package auth

// Roles assignable to workspace members. The registering user becomes
// the workspace owner.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"

	// RoleSystem marks internal actors (executor, janitor). Never
	// assigned to a user and never accepted from a credential.
	RoleSystem = "system"
)

// Subject identifies the authenticated caller of an operation. It is
// immutable and passed explicitly as the first argument to every
// scoped repository and service call.
type Subject struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
	SessionID   string `json:"session_id"`
}

// IsAdmin reports whether the subject may use administrative routes.
// Owners hold every admin permission.
func (s Subject) IsAdmin() bool { return s.Role == RoleAdmin || s.Role == RoleOwner }

// SystemSubject builds the internal subject used by workers operating
// on behalf of a workspace.
func SystemSubject(workspaceID string) Subject {
	return Subject{
		UserID:      "system",
		WorkspaceID: workspaceID,
		Role:        RoleSystem,
	}
}
