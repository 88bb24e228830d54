package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/service"
	"github.com/recasthq/recast/transform"
)

// CreatePreset stores a reusable parameter bundle.
func (h *Handlers) CreatePreset(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	var input service.CreatePresetInput
	if err := c.Bind(&input); err != nil {
		return errdefs.E(errdefs.ErrInvalidInput, "invalid request body")
	}
	preset, err := h.Presets.Create(c.Request().Context(), sub, input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{"preset": preset})
}

// ListPresets returns the presets visible to the caller: their own
// plus the workspace-shared ones.
func (h *Handlers) ListPresets(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	opts, err := listOptions(c)
	if err != nil {
		return err
	}
	filter := db.PresetFilter{
		ListOptions: opts,
		Kind:        transform.Kind(c.QueryParam("kind")),
	}
	presets, count, err := h.Presets.List(c.Request().Context(), sub, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"presets": presets, "count": count})
}

// GetPreset returns one visible preset.
func (h *Handlers) GetPreset(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	preset, err := h.Presets.Get(c.Request().Context(), sub, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"preset": preset})
}

// UpdatePreset applies a partial update. Owner only.
func (h *Handlers) UpdatePreset(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	var input service.UpdatePresetInput
	if err := c.Bind(&input); err != nil {
		return errdefs.E(errdefs.ErrInvalidInput, "invalid request body")
	}
	preset, err := h.Presets.Update(c.Request().Context(), sub, c.Param("id"), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"preset": preset})
}

// DeletePreset removes a preset. Owner only.
func (h *Handlers) DeletePreset(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	if err := h.Presets.Delete(c.Request().Context(), sub, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
