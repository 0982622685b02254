package main

import (
	_ "github.com/eleven-am/live-relay/docs"
	"github.com/eleven-am/live-relay/internal/bootstrap"
)

// @title Live Relay API
// @version 1.0.0
// @description Relays browser audio and video to Gemini Live over WebSocket

// @BasePath /

func main() {
	bootstrap.Run()
}
