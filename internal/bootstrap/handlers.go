package bootstrap

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/eleven-am/live-relay/docs"
	"github.com/eleven-am/live-relay/internal/relay"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/fx"
)

type HandlerParams struct {
	fx.In

	RelayHandler *relay.Handler
	Registry     *prometheus.Registry
	Config       *Config
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	params.RelayHandler.RegisterRoutes(e.Group(""))

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(params.Registry, promhttp.HandlerOpts{})))

	e.GET("/swagger/*", echoSwagger.EchoWrapHandler())
	e.GET("/asyncapi.yaml", func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", docs.AsyncAPISpec)
	})

	e.Static("/assets", params.Config.StaticDir)
	e.GET("/*", func(c echo.Context) error {
		return c.File(params.Config.IndexHTML)
	})
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})).With("instance", cfg.Instance)
}

var HandlersModule = fx.Options(
	fx.Provide(ProvideLogger),
	fx.Invoke(RegisterRoutes),
)
