package api

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/errdefs"
)

// Context keys for authentication data. tokenContextKey is where
// echo-jwt parks the parsed token; subjectContextKey holds the
// resolved subject.
const (
	tokenContextKey   = "user"
	subjectContextKey = "subject"
)

// CurrentSubject returns the subject bound by the auth middleware.
func CurrentSubject(c echo.Context) (auth.Subject, bool) {
	sub, ok := c.Get(subjectContextKey).(auth.Subject)
	return sub, ok
}

// requestSubject is CurrentSubject for routes where the middleware is
// guaranteed to have run; absence means the route table is wired
// wrong.
func requestSubject(c echo.Context) (auth.Subject, error) {
	sub, ok := CurrentSubject(c)
	if !ok {
		return auth.Subject{}, errdefs.E(errdefs.ErrFatal, "no subject bound to request")
	}
	return sub, nil
}

// verifyToken parses and verifies the bearer access token. Session
// liveness is checked afterwards by bindSubject; the two stay separate
// so signature failures never cost a database round trip.
func (h *Handlers) verifyToken() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey: tokenContextKey,
		SigningKey: h.Tokens.Secret(),
		NewClaimsFunc: func(echo.Context) jwt.Claims {
			return new(auth.Claims)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			// Parse failures arrive wrapped in TokenError; anything
			// else means no credential was extracted at all.
			var tokenErr *echojwt.TokenError
			if !errors.As(err, &tokenErr) {
				return errdefs.E(errdefs.ErrUnauthenticated, "missing access token")
			}
			if errors.Is(err, jwt.ErrTokenExpired) {
				return auth.ErrTokenExpired
			}
			return auth.ErrTokenInvalid
		},
	})
}

// bindSubject rejects revoked sessions and stores the subject on the
// context. Runs after verifyToken.
func (h *Handlers) bindSubject(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := c.Get(tokenContextKey).(*jwt.Token)
		if !ok {
			return auth.ErrTokenInvalid
		}
		claims, ok := token.Claims.(*auth.Claims)
		if !ok {
			return auth.ErrTokenInvalid
		}
		sub, err := h.Auth.VerifySession(c.Request().Context(), claims)
		if err != nil {
			return err
		}
		c.Set(subjectContextKey, sub)
		return next(c)
	}
}

// requireAdmin gates administrative routes on the subject role.
func requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, err := requestSubject(c)
		if err != nil {
			return err
		}
		if !sub.IsAdmin() {
			return errdefs.E(errdefs.ErrForbidden, "admin role required")
		}
		return next(c)
	}
}

// rateLimit counts the request against one bucket. Authenticated
// requests are scoped per workspace, anonymous ones per client IP. A
// nil limiter disables limiting.
func (h *Handlers) rateLimit(bucket string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if h.Limiter == nil {
				return next(c)
			}
			scope := c.RealIP()
			if sub, ok := CurrentSubject(c); ok {
				scope = sub.WorkspaceID
			}
			if err := h.Limiter.Allow(c.Request().Context(), bucket, scope); err != nil {
				return err
			}
			return next(c)
		}
	}
}
