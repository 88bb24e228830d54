package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/config"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/version"
)

// NewServer builds the echo instance with the standard middleware
// stack and the full route table bound. Timeouts live on the
// http.Server built by Start; hijacked WebSocket connections clear
// them after the upgrade.
func NewServer(cfg config.ServerConfig, h *Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler

	e.Use(middleware.RequestID())
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
		},
	}))
	e.Use(middleware.Secure())
	if cfg.EdgeRPS > 0 {
		// Per-instance flood guard; policy limits are enforced by the
		// shared redis limiter behind authentication.
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.EdgeRPS),
		)))
	}

	SetupRoutes(e, h)
	return e
}

// Start runs the server until it fails or Shutdown is called.
func Start(e *echo.Echo, cfg config.ServerConfig) error {
	s := &http.Server{
		Addr:         cfg.BindAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return e.StartServer(s)
}

// Shutdown drains the server within timeout.
func Shutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Shutdown(ctx)
}

// requestLogger emits one structured line per request through the
// shared logger.
func requestLogger() echo.MiddlewareFunc {
	logger := logrus.NewEntry(common.Logger).WithField("component", "http")
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"status":     v.Status,
				"method":     v.Method,
				"uri":        v.URI,
				"latency":    v.Latency.String(),
				"remote_ip":  v.RemoteIP,
				"request_id": v.RequestID,
			})
			switch {
			case v.Status >= http.StatusInternalServerError:
				entry.WithError(v.Error).Error("request failed")
			case v.Status >= http.StatusBadRequest:
				entry.Warn("request rejected")
			default:
				entry.Info("request served")
			}
			return nil
		},
	})
}

// errorEnvelope is the wire shape of every error response. Error
// carries the taxonomy code, Message the human-readable detail.
type errorEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HTTPErrorHandler is the single boundary translating errors into
// responses. Service and store errors carry taxonomy kinds; echo's own
// errors (routing, body limit, binding) are folded into the same
// envelope. Responses at or above 500 never echo internal detail.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, code, message := classify(err)
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	if status >= http.StatusInternalServerError {
		common.Logger.WithError(err).WithFields(logrus.Fields{
			"component":  "http",
			"request_id": requestID,
			"method":     c.Request().Method,
			"uri":        c.Request().RequestURI,
		}).Error("request error")
	}

	if c.Request().Method == http.MethodHead {
		if writeErr := c.NoContent(status); writeErr != nil {
			common.Logger.WithError(writeErr).Debug("error response write failed")
		}
		return
	}
	writeErr := c.JSON(status, errorEnvelope{
		Error:     code,
		Message:   message,
		RequestID: requestID,
	})
	if writeErr != nil {
		common.Logger.WithError(writeErr).Debug("error response write failed")
	}
}

// classify resolves an error to (status, wire code, safe message).
func classify(err error) (int, string, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			message = s
		}
		if he.Code >= http.StatusInternalServerError {
			message = "internal error"
		}
		return he.Code, codeForStatus(he.Code), message
	}

	status := statusForKind(err)
	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		message = "service temporarily unavailable"
	case http.StatusInternalServerError:
		message = "internal error"
	}
	return status, errdefs.Code(err), message
}

func statusForKind(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.ErrInvalidInput:
		return http.StatusBadRequest
	case errdefs.ErrUnauthenticated:
		return http.StatusUnauthorized
	case errdefs.ErrForbidden:
		return http.StatusForbidden
	case errdefs.ErrNotFound:
		return http.StatusNotFound
	case errdefs.ErrConflict, errdefs.ErrCancelled:
		return http.StatusConflict
	case errdefs.ErrThrottled:
		return http.StatusTooManyRequests
	case errdefs.ErrProviderExhausted:
		return http.StatusBadGateway
	case errdefs.ErrTransient:
		return http.StatusServiceUnavailable
	default:
		// fatal and unclassified errors
		return http.StatusInternalServerError
	}
}

// codeForStatus maps echo-originated statuses onto the taxonomy so
// clients see one code vocabulary.
func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return errdefs.ErrUnauthenticated.Error()
	case http.StatusForbidden:
		return errdefs.ErrForbidden.Error()
	case http.StatusNotFound:
		return errdefs.ErrNotFound.Error()
	case http.StatusConflict:
		return errdefs.ErrConflict.Error()
	case http.StatusTooManyRequests:
		return errdefs.ErrThrottled.Error()
	case http.StatusServiceUnavailable:
		return errdefs.ErrTransient.Error()
	default:
		if status >= http.StatusInternalServerError {
			return errdefs.ErrFatal.Error()
		}
		return errdefs.ErrInvalidInput.Error()
	}
}

// Health answers liveness probes. No dependencies are touched.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "version": version.String()})
}

// Ready answers readiness probes by running every registered check.
// Any failing dependency flips the response to 503.
func (h *Handlers) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := echo.Map{}
	for _, check := range h.Checks {
		if err := check.Probe(ctx); err != nil {
			ready = false
			checks[check.Name] = err.Error()
			continue
		}
		checks[check.Name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	return c.JSON(status, echo.Map{"status": state, "checks": checks})
}
