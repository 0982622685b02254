package bootstrap

import (
	"context"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/live-relay/internal/metrics"
	"github.com/eleven-am/live-relay/internal/presence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// ProvideRedisClient returns nil when REDIS_ADDR is empty; the relay then
// runs without presence.
func ProvideRedisClient(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		logger.Info("redis not configured, presence disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideClock() clock.Clock {
	return clock.New()
}

func ProvidePresenceStore(client *redis.Client, cfg *Config, clk clock.Clock) *presence.Store {
	if client == nil {
		return nil
	}
	return presence.NewStore(client, cfg.PresenceTTL, clk)
}

func ProvidePrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func ProvideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideRedisClient,
		ProvideClock,
		ProvidePresenceStore,
		ProvidePrometheusRegistry,
		ProvideMetrics,
	),
)
