// Command echo-upstream serves a stand-in for the Gemini Live endpoint. It
// acknowledges setup and speaks every audio chunk back at 24 kHz, so the
// relay and its browser client can be exercised without a real API key.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eleven-am/live-relay/internal/gemini/geminitest"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	addr := os.Getenv("ECHO_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	upstream := geminitest.NewServer(geminitest.Options{
		APIKey:    os.Getenv("API_KEY"),
		Upsample:  true,
		UserText:  os.Getenv("ECHO_USER_TEXT"),
		ModelText: os.Getenv("ECHO_MODEL_TEXT"),
		Logger:    logger,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.GET("/ws", echo.WrapHandler(upstream))
	e.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]int{
			"active":       upstream.Active(),
			"opened":       upstream.Opened(),
			"audio_chunks": len(upstream.Audio()),
			"video_frames": len(upstream.Video()),
		})
	})

	go func() {
		logger.Info("echo upstream listening", "addr", addr, "path", "/ws")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	upstream.CloseAll(1001, "server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.Shutdown(ctx)
}
