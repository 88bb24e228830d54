package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/service"
	"github.com/recasthq/recast/transform"
)

// CreateTransformation validates, persists and enqueues one job.
func (h *Handlers) CreateTransformation(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	var input service.CreateTransformationInput
	if err := c.Bind(&input); err != nil {
		return errdefs.E(errdefs.ErrInvalidInput, "invalid request body")
	}
	t, err := h.Transformations.Create(c.Request().Context(), sub, input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{"transformation": t})
}

// ListTransformations returns the workspace's jobs. Supports status,
// kind, document_id, limit and offset query filters.
func (h *Handlers) ListTransformations(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	opts, err := listOptions(c)
	if err != nil {
		return err
	}
	filter := db.TransformationFilter{
		ListOptions: opts,
		Status:      db.TransformationStatus(c.QueryParam("status")),
		Kind:        transform.Kind(c.QueryParam("kind")),
		DocumentID:  c.QueryParam("document_id"),
	}
	ts, count, err := h.Transformations.List(c.Request().Context(), sub, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"transformations": ts, "count": count})
}

// GetTransformation returns one job including its result.
func (h *Handlers) GetTransformation(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	t, err := h.Transformations.Get(c.Request().Context(), sub, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"transformation": t})
}

// TransformationStatus is the lightweight polling endpoint.
func (h *Handlers) TransformationStatus(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	t, err := h.Transformations.Get(c.Request().Context(), sub, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":       t.ID,
		"status":   t.Status,
		"attempts": t.Attempts,
	})
}

// CancelTransformation requests cancellation. The response is
// accepted, not done: a claimed job finishes cancelling cooperatively.
func (h *Handlers) CancelTransformation(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	if err := h.Transformations.Cancel(c.Request().Context(), sub, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// TransformationKinds describes the parameter schema of every kind.
func (h *Handlers) TransformationKinds(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"kinds": transform.Catalog()})
}
