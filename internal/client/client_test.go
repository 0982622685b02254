package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/live-relay/internal/audio"
	"github.com/eleven-am/live-relay/internal/gemini"
	"github.com/eleven-am/live-relay/internal/gemini/geminitest"
	"github.com/eleven-am/live-relay/internal/metrics"
	"github.com/eleven-am/live-relay/internal/playback"
	"github.com/eleven-am/live-relay/internal/relay"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRelay(t *testing.T, opts geminitest.Options, setupTimeout time.Duration) string {
	t.Helper()
	opts.Logger = testLogger()
	_, upstreamURL := geminitest.NewTestServer(t, opts)

	h := relay.NewHandler(relay.HandlerConfig{
		Dialer: relay.NewGeminiDialer(gemini.Config{
			URL:          upstreamURL,
			APIKey:       "key",
			SetupTimeout: setupTimeout,
			Logger:       testLogger(),
		}),
		Voices:  relay.VoiceSet{Default: "Puck", Available: []string{"Puck"}},
		Metrics: metrics.New(prometheus.NewRegistry()),
		Logger:  testLogger(),
	})
	e := echo.New()
	h.RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func sine(n, rate int, freq float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestRun_RoundTrip(t *testing.T) {
	url := newRelay(t, geminitest.Options{Upsample: true, UserText: "hello", ModelText: "hi"}, time.Second)

	var printed []Transcript
	res, err := Run(context.Background(), Config{
		URL:          url,
		QuietPeriod:  300 * time.Millisecond,
		Logger:       testLogger(),
		OnTranscript: func(tr Transcript) { printed = append(printed, tr) },
	}, sine(16000, 16000, 440), 16000)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if res.ChunksSent != 10 {
		t.Errorf("expected 10 chunks sent, got %d", res.ChunksSent)
	}
	if res.ChunksReceived != 10 {
		t.Errorf("expected 10 chunks back, got %d", res.ChunksReceived)
	}
	if res.SampleRate != audio.OutputSampleRate {
		t.Errorf("expected %d Hz output, got %d", audio.OutputSampleRate, res.SampleRate)
	}
	if got := len(res.Output); got < 23990 || got > 24010 {
		t.Errorf("expected about one second of 24 kHz output, got %d samples", got)
	}
	if len(res.Transcripts) != 20 || res.Transcripts[0] != (Transcript{Source: "user", Text: "hello"}) {
		t.Errorf("unexpected transcripts %v", res.Transcripts)
	}
	if len(printed) != len(res.Transcripts) {
		t.Errorf("expected every transcript to be reported, got %d", len(printed))
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected relay errors %v", res.Errors)
	}
}

func TestRun_ResamplesInput(t *testing.T) {
	url := newRelay(t, geminitest.Options{}, time.Second)

	res, err := Run(context.Background(), Config{
		URL:         url,
		QuietPeriod: 300 * time.Millisecond,
		Logger:      testLogger(),
	}, sine(48000, 48000, 440), 48000)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.ChunksSent != 10 {
		t.Errorf("expected a 48 kHz second to become 10 chunks at 16 kHz, got %d", res.ChunksSent)
	}
}

func TestRun_StartFailure(t *testing.T) {
	url := newRelay(t, geminitest.Options{WithholdSetup: true}, 100*time.Millisecond)

	_, err := Run(context.Background(), Config{URL: url, Logger: testLogger()}, sine(1600, 16000, 440), 16000)
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "Timed out") {
		t.Errorf("expected relay message in error, got %v", err)
	}
}

func TestRun_UnknownVoice(t *testing.T) {
	url := newRelay(t, geminitest.Options{}, time.Second)

	_, err := Run(context.Background(), Config{URL: url, Voice: "Nobody", Logger: testLogger()}, sine(1600, 16000, 440), 16000)
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
}

func TestRun_DialFailure(t *testing.T) {
	_, err := Run(context.Background(), Config{URL: "ws://127.0.0.1:1/ws", Logger: testLogger()}, nil, 16000)
	if err == nil || !strings.Contains(err.Error(), "failed to connect") {
		t.Fatalf("expected connect error, got %v", err)
	}
}

func newTestSession() *session {
	cfg := Config{Logger: testLogger()}.withDefaults()
	rec := playback.NewRecorder(audio.OutputSampleRate)
	return &session{
		cfg:       cfg,
		logger:    cfg.Logger,
		recorder:  rec,
		scheduler: playback.NewScheduler(playback.Options{Sink: rec}),
		statusCh:  make(chan string, 8),
		errorCh:   make(chan string, 8),
		activity:  make(chan struct{}, 1),
	}
}

func TestSession_DropsUndecodableAudio(t *testing.T) {
	s := newTestSession()

	s.handle(relay.ServerMessage{Type: relay.TypeAudio, Data: "not base64!"})
	s.handle(relay.ServerMessage{Type: relay.TypeAudio, Data: "AAAA"})
	s.handle(relay.ServerMessage{Type: relay.TypeAudio, Data: audio.EncodePCM16Base64(make([]int16, 240))})

	if s.result.ChunksDropped != 2 {
		t.Errorf("expected 2 dropped chunks, got %d", s.result.ChunksDropped)
	}
	if s.result.ChunksReceived != 1 {
		t.Errorf("expected 1 played chunk, got %d", s.result.ChunksReceived)
	}
	if got := len(s.recorder.Samples()); got != 240 {
		t.Errorf("expected 240 rendered samples, got %d", got)
	}
}

func TestSession_StatusResetsPlayback(t *testing.T) {
	s := newTestSession()

	s.handle(relay.ServerMessage{Type: relay.TypeAudio, Data: audio.EncodePCM16Base64(make([]int16, 24000))})
	if !s.scheduler.Speaking() {
		t.Fatal("expected scheduler to be speaking")
	}

	s.handle(relay.ServerMessage{Type: relay.TypeStatus, Status: relay.StatusDisconnected})
	if s.scheduler.Speaking() || s.scheduler.Pending() != 0 {
		t.Error("expected disconnect to reset playback")
	}
	if got := <-s.statusCh; got != relay.StatusDisconnected {
		t.Errorf("expected disconnected status, got %q", got)
	}
}

func TestSession_UnreadStatusesDoNotBlock(t *testing.T) {
	s := newTestSession()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*cap(s.statusCh); i++ {
			s.handle(relay.ServerMessage{Type: relay.TypeStatus, Status: relay.StatusStopped})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handling statuses blocked with no reader")
	}
	if got := <-s.statusCh; got != relay.StatusStopped {
		t.Errorf("expected buffered stopped status, got %q", got)
	}
}

func TestSession_RecordsErrors(t *testing.T) {
	s := newTestSession()

	s.handle(relay.ServerMessage{Type: relay.TypeError, Message: "Upstream session closed: bye"})

	if len(s.result.Errors) != 1 || s.result.Errors[0] != "Upstream session closed: bye" {
		t.Errorf("unexpected errors %v", s.result.Errors)
	}
	select {
	case msg := <-s.errorCh:
		if msg != "Upstream session closed: bye" {
			t.Errorf("unexpected error message %q", msg)
		}
	default:
		t.Error("expected error to be signalled")
	}
}
