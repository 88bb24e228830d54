package api

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
)

// listOptions reads the limit and offset query parameters. Absent
// values stay zero and pick up the repository defaults.
func listOptions(c echo.Context) (db.ListOptions, error) {
	var opts db.ListOptions
	var err error
	if opts.Limit, err = intQuery(c, "limit"); err != nil {
		return opts, err
	}
	if opts.Offset, err = intQuery(c, "offset"); err != nil {
		return opts, err
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return opts, errdefs.E(errdefs.ErrInvalidInput, "limit and offset must not be negative")
	}
	return opts, nil
}

// intQuery parses an integer query parameter, zero when absent.
func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errdefs.E(errdefs.ErrInvalidInput, "%s must be an integer", name)
	}
	return n, nil
}
