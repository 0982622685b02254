package bootstrap

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/eleven-am/live-relay/internal/health"
	"github.com/eleven-am/live-relay/internal/metrics"
	"github.com/eleven-am/live-relay/internal/presence"
	"github.com/eleven-am/live-relay/internal/relay"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

const version = "1.0.0"

func ProvideHealthHandler(cfg *Config, registry *relay.Registry, store *presence.Store) *health.Handler {
	var p health.Presence
	if store != nil {
		p = store
	}
	return health.NewHandler(registry, p, cfg.UpstreamCredentialSet(), version)
}

func metricsMiddleware(h *health.Handler, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			m.HTTPRequests.WithLabelValues(c.Request().Method, strconv.Itoa(status)).Inc()
			return err
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler, m *metrics.Metrics) {
	e.Use(metricsMiddleware(h, m))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
