package relay

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eleven-am/live-relay/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

type HandlerConfig struct {
	Dialer           Dialer
	Voices           VoiceSet
	Registry         *Registry
	Presence         PresenceStore
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
	Instance         string
	AllowedOrigins   []string
	PresenceInterval time.Duration
}

type Handler struct {
	cfg      HandlerConfig
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		cfg:      cfg,
		registry: cfg.Registry,
		logger:   cfg.Logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.ServeWS)
	g.GET("/api/v1/voices", h.Voices)
}

func (h *Handler) Registry() *Registry {
	return h.registry
}

// Shutdown ends every live session. Hijacked sockets outlive the HTTP
// server's own shutdown, so this is called from the server stop hook.
func (h *Handler) Shutdown() {
	h.cancel()
}

// ServeWS godoc
// @Summary      Open a relay session
// @Description  Upgrades to a WebSocket speaking the relay protocol described in /asyncapi.yaml
// @Tags         relay
// @Success      101
// @Router       /ws [get]
func (h *Handler) ServeWS(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", c.RealIP())
		return nil
	}

	id := uuid.NewString()
	logger := h.logger.With("remote", c.RealIP())
	conn := NewConn(ws, h.cfg.Metrics, logger.With("session_id", id))
	session := NewSession(conn, SessionConfig{
		ID:               id,
		Dialer:           h.cfg.Dialer,
		Voices:           h.cfg.Voices,
		Presence:         h.cfg.Presence,
		Metrics:          h.cfg.Metrics,
		Logger:           logger,
		Instance:         h.cfg.Instance,
		PresenceInterval: h.cfg.PresenceInterval,
	})

	h.registry.Add(session)
	defer h.registry.Remove(session.ID())

	session.Run(h.ctx)
	return nil
}

// Voices godoc
// @Summary      List voices
// @Description  Returns the prebuilt voices a session may request and the default used when none is given
// @Tags         relay
// @Produce      json
// @Success      200  {object}  relay.VoiceSet
// @Router       /api/v1/voices [get]
func (h *Handler) Voices(c echo.Context) error {
	voices := h.cfg.Voices
	if voices.Available == nil {
		voices.Available = []string{}
	}
	return c.JSON(http.StatusOK, voices)
}
