package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// defaultCostHours is the trailing window for the cost view when the
// query does not name one.
const defaultCostHours = 24

// ProviderStatus reports breaker state and request counters per
// provider. Both are local to this instance; the workers keep their
// own breakers.
func (h *Handlers) ProviderStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"providers": h.Providers.Status()})
}

// ProviderCosts aggregates the replicated usage counters over a
// trailing window of hours, covering every instance and worker.
func (h *Handlers) ProviderCosts(c echo.Context) error {
	hours, err := intQuery(c, "hours")
	if err != nil {
		return err
	}
	if hours <= 0 {
		hours = defaultCostHours
	}
	costs, err := h.Providers.Usage().Costs(c.Request().Context(), h.Providers.Names(), hours)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"hours": hours, "providers": costs})
}

// WorkspaceUsage summarizes the caller's workspace: stored volume,
// job counts by status and token totals.
func (h *Handlers) WorkspaceUsage(c echo.Context) error {
	sub, err := requestSubject(c)
	if err != nil {
		return err
	}
	usage, err := h.Usage.WorkspaceUsage(c.Request().Context(), sub)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"usage": usage})
}
