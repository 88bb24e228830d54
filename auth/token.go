package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/recasthq/recast/errdefs"
)

// Token validation failures. Both are unauthenticated; ErrTokenExpired
// is distinguishable so the WebSocket endpoint can close with its
// dedicated code.
var (
	ErrTokenExpired = errdefs.E(errdefs.ErrUnauthenticated, "token has expired")
	ErrTokenInvalid = errdefs.E(errdefs.ErrUnauthenticated, "invalid token")
)

// Claims are the access-token JWT claims.
type Claims struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	SessionID   string `json:"session_id"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// Subject converts validated claims into the request subject.
func (c *Claims) Subject() Subject {
	return Subject{
		UserID:      c.UserID,
		WorkspaceID: c.WorkspaceID,
		Role:        c.Role,
		SessionID:   c.SessionID,
	}
}

// TokenService signs and validates access tokens and generates the
// opaque refresh credentials.
type TokenService struct {
	secret    []byte
	accessTTL time.Duration
	issuer    string
}

// NewTokenService creates a token service. The secret signs HS256
// access tokens.
func NewTokenService(secret, issuer string, accessTTL time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		issuer:    issuer,
	}
}

// AccessTTL exposes the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// Secret exposes the signing key for the echo-jwt middleware.
func (s *TokenService) Secret() []byte { return s.secret }

// GenerateAccessToken signs an access token binding the user to one
// session. Returns the token and its expiry.
func (s *TokenService) GenerateAccessToken(sub Subject) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTTL)
	claims := Claims{
		UserID:      sub.UserID,
		WorkspaceID: sub.WorkspaceID,
		SessionID:   sub.SessionID,
		Role:        sub.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   sub.UserID,
			ID:        sub.SessionID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and validates an access token.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.UserID == "" || claims.WorkspaceID == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	if claims.Role == RoleSystem {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// GenerateRefreshCredential returns a high-entropy opaque credential.
// Only derived values are persisted: LookupKey for retrieval and a
// bcrypt hash for verification.
func GenerateRefreshCredential() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate refresh credential: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// LookupKey derives the deterministic index key for a refresh
// credential.
func LookupKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
