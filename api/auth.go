package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/errdefs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Register creates a workspace and its first user.
func (h *Handlers) Register(c echo.Context) error {
	var req auth.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return errdefs.E(errdefs.ErrInvalidInput, "invalid request body")
	}
	user, _, err := h.Auth.Register(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{"user": user})
}

// Login exchanges credentials for a token pair.
func (h *Handlers) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return errdefs.E(errdefs.ErrInvalidInput, "invalid request body")
	}
	pair, _, err := h.Auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pair)
}

// Refresh rotates a refresh credential into a fresh token pair.
func (h *Handlers) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return errdefs.E(errdefs.ErrInvalidInput, "invalid request body")
	}
	pair, err := h.Auth.Refresh(c.Request().Context(), req.Refresh)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pair)
}

// Logout revokes the caller's whole session chain.
func (h *Handlers) Logout(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	if err := h.Auth.Logout(c.Request().Context(), sub); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the caller's user and workspace records.
func (h *Handlers) Me(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	user, workspace, err := h.Auth.Me(c.Request().Context(), sub)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"user": user, "workspace": workspace})
}

// ChangePassword rotates the password and logs out every other device.
func (h *Handlers) ChangePassword(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return errdefs.E(errdefs.ErrInvalidInput, "invalid request body")
	}
	if err := h.Auth.ChangePassword(c.Request().Context(), sub, req.CurrentPassword, req.NewPassword); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListSessions returns the caller's active sessions.
func (h *Handlers) ListSessions(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	sessions, err := h.Auth.Sessions(c.Request().Context(), sub)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": sessions, "count": len(sessions)})
}

// RevokeSession revokes one of the caller's session chains.
func (h *Handlers) RevokeSession(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	if err := h.Auth.RevokeSession(c.Request().Context(), sub, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
