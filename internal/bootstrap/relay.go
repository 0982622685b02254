package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/live-relay/internal/gemini"
	"github.com/eleven-am/live-relay/internal/metrics"
	"github.com/eleven-am/live-relay/internal/presence"
	"github.com/eleven-am/live-relay/internal/relay"
	"go.uber.org/fx"
	"golang.org/x/oauth2"
)

func ProvideGeminiConfig(cfg *Config, logger *slog.Logger) gemini.Config {
	gc := gemini.Config{
		URL:          cfg.GeminiURL,
		Model:        cfg.GeminiModel,
		APIKey:       cfg.GeminiAPIKey,
		SetupTimeout: cfg.GeminiSetupTimeout,
		Logger:       logger.With("component", "gemini"),
	}
	if cfg.GeminiAPIKey == "" && cfg.GeminiAccessToken != "" {
		gc.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.GeminiAccessToken,
			TokenType:   "Bearer",
		})
	}
	if !cfg.UpstreamCredentialSet() {
		logger.Warn("no Gemini credential configured, sessions will fail to start")
	}
	return gc
}

func ProvideDialer(gc gemini.Config) relay.Dialer {
	return relay.NewGeminiDialer(gc)
}

func ProvideVoiceSet(cfg *Config) relay.VoiceSet {
	return relay.VoiceSet{Default: cfg.DefaultVoice, Available: cfg.Voices}
}

func ProvideRegistry() *relay.Registry {
	return relay.NewRegistry()
}

type RelayParams struct {
	fx.In

	Config   *Config
	Dialer   relay.Dialer
	Voices   relay.VoiceSet
	Registry *relay.Registry
	Presence *presence.Store
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

func ProvideRelayHandler(lc fx.Lifecycle, p RelayParams) *relay.Handler {
	hc := relay.HandlerConfig{
		Dialer:           p.Dialer,
		Voices:           p.Voices,
		Registry:         p.Registry,
		Metrics:          p.Metrics,
		Logger:           p.Logger,
		Instance:         p.Config.Instance,
		AllowedOrigins:   p.Config.AllowedOrigins,
		PresenceInterval: p.Config.PresenceInterval,
	}
	if p.Presence != nil {
		hc.Presence = p.Presence
	}

	h := relay.NewHandler(hc)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			p.Logger.Info("closing relay sessions", "count", p.Registry.Count())
			h.Shutdown()
			return nil
		},
	})
	return h
}

var RelayModule = fx.Options(
	fx.Provide(
		ProvideGeminiConfig,
		ProvideDialer,
		ProvideVoiceSet,
		ProvideRegistry,
		ProvideRelayHandler,
	),
)
