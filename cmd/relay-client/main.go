// Command relay-client plays a WAV clip into a running relay, as a browser
// microphone would, and writes the spoken reply to another WAV file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eleven-am/live-relay/internal/audio"
	"github.com/eleven-am/live-relay/internal/client"
	"github.com/joho/godotenv"
)

type options struct {
	url          string
	in           string
	out          string
	voice        string
	prompt       string
	chunkMS      int
	realtime     bool
	quiet        time.Duration
	startTimeout time.Duration
	debug        bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	_ = godotenv.Load()

	var opt options
	flag.StringVar(&opt.url, "url", envOr("RELAY_URL", "ws://localhost:8080/ws"), "Relay WebSocket URL (also reads RELAY_URL)")
	flag.StringVar(&opt.in, "in", "", "Input WAV file, PCM16 mono or stereo at any rate; required")
	flag.StringVar(&opt.out, "out", "reply.wav", "Where to write the rendered reply")
	flag.StringVar(&opt.voice, "voice", "", "Voice name (default: relay default)")
	flag.StringVar(&opt.prompt, "prompt", "", "System prompt for the session")
	flag.IntVar(&opt.chunkMS, "chunk-ms", 100, "Audio per message in ms")
	flag.BoolVar(&opt.realtime, "realtime", true, "Pace chunks like a live microphone")
	flag.DurationVar(&opt.quiet, "quiet", client.DefaultQuietPeriod, "Stop after the relay has been silent this long")
	flag.DurationVar(&opt.startTimeout, "start-timeout", client.DefaultStartTimeout, "How long to wait for the session to connect")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if opt.in == "" {
		fmt.Fprintln(os.Stderr, "-in is required")
		flag.Usage()
		return 2
	}

	data, err := os.ReadFile(opt.in)
	if err != nil {
		logger.Error("failed to read input", "path", opt.in, "error", err)
		return 1
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		logger.Error("failed to decode input", "path", opt.in, "error", err)
		return 1
	}
	logger.Info("loaded clip", "path", opt.in, "sample_rate", rate, "duration", audio.Duration(len(samples), rate))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := client.Run(ctx, client.Config{
		URL:           opt.url,
		Voice:         opt.voice,
		SystemPrompt:  opt.prompt,
		ChunkDuration: time.Duration(opt.chunkMS) * time.Millisecond,
		Realtime:      opt.realtime,
		QuietPeriod:   opt.quiet,
		StartTimeout:  opt.startTimeout,
		Logger:        logger,
		OnTranscript: func(t client.Transcript) {
			fmt.Printf("[%s] %s\n", t.Source, t.Text)
		},
	}, samples, rate)
	if err != nil {
		logger.Error("session failed", "error", err)
		return 1
	}

	wav, err := audio.EncodeWAV(res.Output, res.SampleRate)
	if err != nil {
		logger.Error("failed to encode reply", "error", err)
		return 1
	}
	if err := os.WriteFile(opt.out, wav, 0o644); err != nil {
		logger.Error("failed to write reply", "path", opt.out, "error", err)
		return 1
	}

	logger.Info("reply written",
		"path", opt.out,
		"duration", audio.Duration(len(res.Output), res.SampleRate),
		"chunks_sent", res.ChunksSent,
		"chunks_received", res.ChunksReceived,
		"chunks_dropped", res.ChunksDropped,
		"errors", len(res.Errors),
	)
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
