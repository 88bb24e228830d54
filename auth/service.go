package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recasthq/recast/audit"
	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
)

// RegisterRequest carries the register endpoint payload.
type RegisterRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	Name          string `json:"name,omitempty"`
	WorkspaceName string `json:"workspace_name,omitempty"`
}

// TokenPair is the credential pair returned by login and refresh.
type TokenPair struct {
	Access    string    `json:"access"`
	Refresh   string    `json:"refresh"`
	ExpiresIn int64     `json:"expires_in"`
	ExpiresAt time.Time `json:"-"`
}

// Service is the authentication facade used by the HTTP layer.
type Service interface {
	// Register creates a workspace and its first user, the owner.
	Register(ctx context.Context, req RegisterRequest) (*db.User, *db.Workspace, error)

	// Login verifies credentials and opens a new session chain.
	Login(ctx context.Context, email, password string) (*TokenPair, *db.User, error)

	// Refresh runs the rotation protocol on a refresh credential.
	Refresh(ctx context.Context, refreshCredential string) (*TokenPair, error)

	// Logout revokes the subject's whole session chain.
	Logout(ctx context.Context, sub Subject) error

	// Authenticate validates a raw access token and its session.
	Authenticate(ctx context.Context, accessToken string) (Subject, error)

	// VerifySession checks non-revocation for already-parsed claims.
	VerifySession(ctx context.Context, claims *Claims) (Subject, error)

	// ChangePassword rotates the password and revokes other chains.
	ChangePassword(ctx context.Context, sub Subject, currentPassword, newPassword string) error

	// Sessions lists the subject's active sessions.
	Sessions(ctx context.Context, sub Subject) ([]db.SessionInfo, error)

	// RevokeSession revokes one of the subject's session chains.
	RevokeSession(ctx context.Context, sub Subject, sessionID string) error

	// Me returns the subject's user and workspace records.
	Me(ctx context.Context, sub Subject) (*db.User, *db.Workspace, error)
}

type service struct {
	identities IdentityStore
	sessions   SessionStore
	tokens     *TokenService
	hasher     *Hasher
	refreshTTL time.Duration
	auditor    audit.Publisher
}

// NewService wires the authentication service.
func NewService(identities IdentityStore, sessions SessionStore, tokens *TokenService,
	hasher *Hasher, refreshTTL time.Duration, auditor audit.Publisher) Service {
	if auditor == nil {
		auditor = audit.NopPublisher{}
	}
	return &service{
		identities: identities,
		sessions:   sessions,
		tokens:     tokens,
		hasher:     hasher,
		refreshTTL: refreshTTL,
		auditor:    auditor,
	}
}

func (s *service) Register(ctx context.Context, req RegisterRequest) (*db.User, *db.Workspace, error) {
	email := NormalizeEmail(req.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, nil, err
	}
	if err := CheckPasswordStrength(req.Password); err != nil {
		return nil, nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	workspaceName := strings.TrimSpace(req.WorkspaceName)
	if workspaceName == "" {
		local := email
		if i := strings.IndexByte(email, '@'); i > 0 {
			local = email[:i]
		}
		workspaceName = local + "'s workspace"
	}

	workspace := &db.Workspace{
		ID:   uuid.NewString(),
		Name: workspaceName,
		Plan: db.DefaultPlan,
	}
	user := &db.User{
		ID:           uuid.NewString(),
		WorkspaceID:  workspace.ID,
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(req.Name),
		Role:         RoleOwner,
		IsActive:     true,
	}

	if err := s.identities.CreateUserWithWorkspace(ctx, user, workspace); err != nil {
		return nil, nil, err
	}

	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventAuthRegister,
		WorkspaceID: workspace.ID,
		UserID:      user.ID,
		Resource:    "user",
		ResourceID:  user.ID,
	})
	return user, workspace, nil
}

func (s *service) Login(ctx context.Context, email, password string) (*TokenPair, *db.User, error) {
	email = NormalizeEmail(email)

	user, err := s.identities.GetUserByEmail(ctx, email)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil, errdefs.E(errdefs.ErrUnauthenticated, "invalid email or password")
		}
		return nil, nil, err
	}

	if err := s.hasher.Compare(password, user.PasswordHash); err != nil {
		audit.Emit(ctx, s.auditor, audit.Event{
			Type:        audit.EventAuthLoginFailed,
			WorkspaceID: user.WorkspaceID,
			UserID:      user.ID,
		})
		return nil, nil, errdefs.E(errdefs.ErrUnauthenticated, "invalid email or password")
	}
	if !user.IsActive {
		audit.Emit(ctx, s.auditor, audit.Event{
			Type:        audit.EventAuthLoginFailed,
			WorkspaceID: user.WorkspaceID,
			UserID:      user.ID,
			Detail:      map[string]interface{}{"reason": "deactivated"},
		})
		return nil, nil, errdefs.E(errdefs.ErrForbidden, "account is deactivated")
	}

	// Transparent cost upgrade for hashes created under an older policy.
	if s.hasher.NeedsRehash(user.PasswordHash) {
		if rehash, rehashErr := s.hasher.Hash(password); rehashErr == nil {
			if updateErr := s.identities.UpdatePasswordHash(ctx, user.ID, rehash); updateErr != nil {
				common.Logger.WithError(updateErr).WithField("user_id", user.ID).
					Warn("password rehash update failed")
			}
		}
	}

	session, refreshCred, err := s.openSession(ctx, user, nil, "")
	if err != nil {
		return nil, nil, err
	}

	pair, err := s.tokenPair(user, session, refreshCred)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	if err := s.identities.TouchLastLogin(ctx, user.ID, now); err != nil {
		common.Logger.WithError(err).WithField("user_id", user.ID).
			Warn("last login update failed")
	}
	user.LastLoginAt = &now

	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventAuthLogin,
		WorkspaceID: user.WorkspaceID,
		UserID:      user.ID,
	})
	return pair, user, nil
}

func (s *service) Refresh(ctx context.Context, refreshCredential string) (*TokenPair, error) {
	if refreshCredential == "" {
		return nil, errdefs.E(errdefs.ErrUnauthenticated, "refresh credential required")
	}

	presented, err := s.sessions.GetByLookupKey(ctx, LookupKey(refreshCredential))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.E(errdefs.ErrUnauthenticated, "unknown refresh credential")
		}
		return nil, err
	}
	if s.hasher.Compare(refreshCredential, presented.RefreshHash) != nil {
		return nil, errdefs.E(errdefs.ErrUnauthenticated, "unknown refresh credential")
	}

	if presented.Revoked {
		return nil, s.handleRevokedPresentation(ctx, presented)
	}
	if time.Now().After(presented.ExpiresAt) {
		return nil, errdefs.E(errdefs.ErrUnauthenticated, "refresh credential expired")
	}

	user, err := s.identities.GetUserByID(ctx, presented.UserID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.E(errdefs.ErrUnauthenticated, "account no longer exists")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, errdefs.E(errdefs.ErrUnauthenticated, "account is deactivated")
	}

	next, nextCred, err := s.buildSession(user, &presented.ID, presented.ChainID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Rotate(ctx, presented.ID, next); err != nil {
		if errdefs.IsConflict(err) {
			// Lost a rotation race: the credential was presented twice.
			return nil, s.revokeReplayedChain(ctx, presented)
		}
		return nil, err
	}

	pair, err := s.tokenPair(user, next, nextCred)
	if err != nil {
		return nil, err
	}

	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventAuthRefresh,
		WorkspaceID: user.WorkspaceID,
		UserID:      user.ID,
	})
	return pair, nil
}

// handleRevokedPresentation distinguishes a replay of a rotated
// credential from presentation of an explicitly revoked one. A rotated
// session has a successor; presenting it again means the credential
// leaked, so the whole chain dies.
func (s *service) handleRevokedPresentation(ctx context.Context, presented *db.Session) error {
	rotated, err := s.sessions.HasSuccessor(ctx, presented.ID)
	if err != nil {
		return err
	}
	if rotated || presented.ParentSessionID != nil {
		return s.revokeReplayedChain(ctx, presented)
	}
	return errdefs.E(errdefs.ErrUnauthenticated, "session revoked")
}

func (s *service) revokeReplayedChain(ctx context.Context, presented *db.Session) error {
	if err := s.sessions.RevokeChain(ctx, presented.ChainID); err != nil {
		common.Logger.WithError(err).WithField("chain_id", presented.ChainID).
			Error("chain revocation after replay failed")
	}
	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventAuthReplayDetected,
		WorkspaceID: presented.WorkspaceID,
		UserID:      presented.UserID,
		Resource:    "session_chain",
		ResourceID:  presented.ChainID,
	})
	return errdefs.E(errdefs.ErrUnauthenticated, "refresh credential reuse detected")
}

func (s *service) Logout(ctx context.Context, sub Subject) error {
	session, err := s.sessions.GetByID(ctx, sub.SessionID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil // nothing to revoke
		}
		return err
	}
	if err := s.sessions.RevokeChain(ctx, session.ChainID); err != nil {
		return err
	}
	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventAuthLogout,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
	})
	return nil
}

func (s *service) Authenticate(ctx context.Context, accessToken string) (Subject, error) {
	claims, err := s.tokens.ValidateToken(accessToken)
	if err != nil {
		return Subject{}, err
	}
	return s.VerifySession(ctx, claims)
}

func (s *service) VerifySession(ctx context.Context, claims *Claims) (Subject, error) {
	session, err := s.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Subject{}, errdefs.E(errdefs.ErrUnauthenticated, "session not found")
		}
		return Subject{}, err
	}
	if session.Revoked {
		return Subject{}, errdefs.E(errdefs.ErrUnauthenticated, "session revoked")
	}
	if time.Now().After(session.ExpiresAt) {
		return Subject{}, ErrTokenExpired
	}
	if session.UserID != claims.UserID || session.WorkspaceID != claims.WorkspaceID {
		return Subject{}, ErrTokenInvalid
	}
	return claims.Subject(), nil
}

func (s *service) ChangePassword(ctx context.Context, sub Subject, currentPassword, newPassword string) error {
	user, err := s.identities.GetUserByID(ctx, sub.UserID)
	if err != nil {
		return err
	}
	if err := s.hasher.Compare(currentPassword, user.PasswordHash); err != nil {
		return errdefs.E(errdefs.ErrInvalidInput, "current password is incorrect")
	}
	if err := CheckPasswordStrength(newPassword); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.identities.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return err
	}

	// Other devices must re-login; the current chain survives.
	current, err := s.sessions.GetByID(ctx, sub.SessionID)
	exceptChain := ""
	if err == nil {
		exceptChain = current.ChainID
	}
	if err := s.sessions.RevokeUserChains(ctx, user.ID, exceptChain); err != nil {
		return err
	}

	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventAuthPasswordChanged,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
	})
	return nil
}

func (s *service) Sessions(ctx context.Context, sub Subject) ([]db.SessionInfo, error) {
	sessions, err := s.sessions.ListActive(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}
	infos := make([]db.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info(sess.ID == sub.SessionID))
	}
	return infos, nil
}

func (s *service) RevokeSession(ctx context.Context, sub Subject, sessionID string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != sub.UserID {
		// Never reveal other users' session identifiers.
		return errdefs.E(errdefs.ErrNotFound, "session not found")
	}
	if err := s.sessions.RevokeChain(ctx, session.ChainID); err != nil {
		return err
	}
	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventAuthSessionRevoked,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Resource:    "session",
		ResourceID:  sessionID,
	})
	return nil
}

func (s *service) Me(ctx context.Context, sub Subject) (*db.User, *db.Workspace, error) {
	user, err := s.identities.GetUserByID(ctx, sub.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user.WorkspaceID != sub.WorkspaceID {
		return nil, nil, errdefs.E(errdefs.ErrNotFound, "user not found")
	}
	workspace, err := s.identities.GetWorkspace(ctx, user.WorkspaceID)
	if err != nil {
		return nil, nil, err
	}
	return user, workspace, nil
}

// buildSession assembles an unsaved session row plus its refresh
// credential. chainID empty starts a new chain rooted at the session.
func (s *service) buildSession(user *db.User, parentID *string, chainID string) (*db.Session, string, error) {
	cred, err := GenerateRefreshCredential()
	if err != nil {
		return nil, "", err
	}
	refreshHash, err := s.hasher.Hash(cred)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash refresh credential: %w", err)
	}

	now := time.Now()
	id := uuid.NewString()
	if chainID == "" {
		chainID = id
	}
	session := &db.Session{
		ID:              id,
		UserID:          user.ID,
		WorkspaceID:     user.WorkspaceID,
		ChainID:         chainID,
		ParentSessionID: parentID,
		LookupKey:       LookupKey(cred),
		RefreshHash:     refreshHash,
		IssuedAt:        now,
		ExpiresAt:       now.Add(s.refreshTTL),
	}
	return session, cred, nil
}

func (s *service) openSession(ctx context.Context, user *db.User, parentID *string, chainID string) (*db.Session, string, error) {
	session, cred, err := s.buildSession(user, parentID, chainID)
	if err != nil {
		return nil, "", err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, "", err
	}
	return session, cred, nil
}

func (s *service) tokenPair(user *db.User, session *db.Session, refreshCred string) (*TokenPair, error) {
	sub := Subject{
		UserID:      user.ID,
		WorkspaceID: user.WorkspaceID,
		Role:        user.Role,
		SessionID:   session.ID,
	}
	access, expiresAt, err := s.tokens.GenerateAccessToken(sub)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		Access:    access,
		Refresh:   refreshCred,
		ExpiresIn: int64(s.tokens.AccessTTL().Seconds()),
		ExpiresAt: expiresAt,
	}, nil
}
