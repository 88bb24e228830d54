package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/service"
)

// UploadDocument ingests one multipart upload: the file part plus
// title and optional description fields.
func (h *Handlers) UploadDocument(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}

	file, err := c.FormFile("file")
	if err != nil {
		return errdefs.E(errdefs.ErrInvalidInput, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, err, "open uploaded file")
	}
	defer src.Close()

	doc, err := h.Documents.Upload(c.Request().Context(), sub, service.UploadInput{
		Title:       c.FormValue("title"),
		Description: c.FormValue("description"),
		Filename:    file.Filename,
		ContentType: file.Header.Get(echo.HeaderContentType),
		Content:     src,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{"document": doc})
}

// ListDocuments returns the workspace's documents. Supports status,
// limit and offset query filters.
func (h *Handlers) ListDocuments(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	opts, err := listOptions(c)
	if err != nil {
		return err
	}
	filter := db.DocumentFilter{
		ListOptions: opts,
		Status:      db.DocumentStatus(c.QueryParam("status")),
	}
	docs, count, err := h.Documents.List(c.Request().Context(), sub, filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"documents": docs, "count": count})
}

// GetDocument returns one document's metadata.
func (h *Handlers) GetDocument(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	doc, err := h.Documents.Get(c.Request().Context(), sub, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"document": doc})
}

// DocumentContent returns the extracted text of a ready document.
func (h *Handlers) DocumentContent(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	content, err := h.Documents.Content(c.Request().Context(), sub, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, content)
}

// ReprocessDocument re-runs content extraction for a failed document.
func (h *Handlers) ReprocessDocument(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	doc, err := h.Documents.Reprocess(c.Request().Context(), sub, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, echo.Map{"document": doc})
}

// DeleteDocument removes a document's metadata row.
func (h *Handlers) DeleteDocument(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	if err := h.Documents.Delete(c.Request().Context(), sub, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
