// Package client drives a relay session from a recorded clip: it streams
// 16 kHz PCM to /ws and renders the reply audio through the playback
// scheduler onto a single timeline.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/live-relay/internal/audio"
	"github.com/eleven-am/live-relay/internal/playback"
	"github.com/eleven-am/live-relay/internal/relay"
	"github.com/gorilla/websocket"
)

const (
	DefaultChunkDuration = 100 * time.Millisecond
	DefaultQuietPeriod   = 3 * time.Second
	DefaultStartTimeout  = 15 * time.Second

	stopTimeout = 2 * time.Second
	writeWait   = 10 * time.Second
)

var ErrStartFailed = errors.New("relay session did not start")

type Config struct {
	URL          string
	Voice        string
	SystemPrompt string

	// ChunkDuration is the span of audio carried by each message.
	ChunkDuration time.Duration
	// Realtime paces chunks at their own duration, like a live microphone.
	Realtime bool
	// QuietPeriod ends the run once no reply has arrived for this long
	// after the clip was sent.
	QuietPeriod  time.Duration
	StartTimeout time.Duration

	Clock        clock.Clock
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
	OnTranscript func(Transcript)
}

type Transcript struct {
	Source string
	Text   string
}

type Result struct {
	Output         []int16
	SampleRate     int
	Transcripts    []Transcript
	Errors         []string
	ChunksSent     int
	ChunksReceived int
	ChunksDropped  int
}

type session struct {
	cfg       Config
	ws        *websocket.Conn
	logger    *slog.Logger
	scheduler *playback.Scheduler
	recorder  *playback.Recorder

	writeMu sync.Mutex

	mu       sync.Mutex
	result   Result
	statusCh chan string
	errorCh  chan string
	activity chan struct{}
}

func (c Config) withDefaults() Config {
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = DefaultChunkDuration
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = DefaultQuietPeriod
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Run streams samples (at sampleRate) through the relay and returns the
// rendered reply.
func Run(ctx context.Context, cfg Config, samples []int16, sampleRate int) (*Result, error) {
	cfg = cfg.withDefaults()

	ws, _, err := cfg.Dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer ws.Close()

	s := &session{
		cfg:      cfg,
		ws:       ws,
		logger:   cfg.Logger.With("component", "relay_client"),
		recorder: playback.NewRecorder(audio.OutputSampleRate),
		statusCh: make(chan string, 8),
		errorCh:  make(chan string, 8),
		activity: make(chan struct{}, 1),
	}
	s.scheduler = playback.NewScheduler(playback.Options{
		Clock: cfg.Clock,
		Sink:  s.recorder,
		OnSpeaking: func() {
			s.logger.Debug("playback started")
		},
		OnIdle: func() {
			s.logger.Debug("playback idle")
		},
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop()
	}()

	if err := s.start(ctx); err != nil {
		return nil, err
	}
	if err := s.stream(ctx, samples, sampleRate); err != nil {
		return nil, err
	}
	s.awaitQuiet(ctx)
	s.stop()

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	ws.Close()
	<-readDone

	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.result
	res.Output = s.recorder.PCM16()
	res.SampleRate = s.recorder.SampleRate()
	return &res, nil
}

func (s *session) send(msg relay.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *session) start(ctx context.Context) error {
	if err := s.send(relay.ClientMessage{Type: relay.TypeStart, Voice: s.cfg.Voice, SystemPrompt: s.cfg.SystemPrompt}); err != nil {
		return fmt.Errorf("failed to send start: %w", err)
	}

	timer := s.cfg.Clock.Timer(s.cfg.StartTimeout)
	defer timer.Stop()

	for {
		select {
		case status, ok := <-s.statusCh:
			if !ok {
				return fmt.Errorf("%w: connection closed", ErrStartFailed)
			}
			if status == relay.StatusConnected {
				s.logger.Info("relay session connected")
				return nil
			}
		case msg := <-s.errorCh:
			return fmt.Errorf("%w: %s", ErrStartFailed, msg)
		case <-timer.C:
			return fmt.Errorf("%w: timed out after %s", ErrStartFailed, s.cfg.StartTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) stream(ctx context.Context, samples []int16, sampleRate int) error {
	pcm := audio.ResampleInt16(samples, sampleRate, audio.InputSampleRate)
	chunkSize := int(int64(audio.InputSampleRate) * int64(s.cfg.ChunkDuration) / int64(time.Second))
	if chunkSize <= 0 {
		chunkSize = 1
	}

	for offset := 0; offset < len(pcm); offset += chunkSize {
		end := min(offset+chunkSize, len(pcm))
		chunk := pcm[offset:end]

		if err := s.send(relay.ClientMessage{Type: relay.TypeAudio, Data: audio.EncodePCM16Base64(chunk)}); err != nil {
			return fmt.Errorf("failed to send audio: %w", err)
		}
		s.mu.Lock()
		s.result.ChunksSent++
		s.mu.Unlock()

		if s.cfg.Realtime {
			select {
			case <-s.cfg.Clock.After(audio.Duration(len(chunk), audio.InputSampleRate)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.logger.Info("clip sent", "samples", len(pcm), "chunks", s.result.ChunksSent)
	return nil
}

// awaitQuiet returns once nothing has arrived from the relay for the quiet
// period.
func (s *session) awaitQuiet(ctx context.Context) {
	timer := s.cfg.Clock.Timer(s.cfg.QuietPeriod)
	defer timer.Stop()

	for {
		select {
		case <-s.activity:
			timer.Reset(s.cfg.QuietPeriod)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) stop() {
	if err := s.send(relay.ClientMessage{Type: relay.TypeStop}); err != nil {
		s.logger.Warn("failed to send stop", "error", err)
		return
	}

	timer := s.cfg.Clock.Timer(stopTimeout)
	defer timer.Stop()
	for {
		select {
		case status, ok := <-s.statusCh:
			if !ok || status == relay.StatusStopped {
				return
			}
		case <-timer.C:
			s.logger.Warn("relay did not acknowledge stop")
			return
		}
	}
}

func (s *session) readLoop() {
	defer close(s.statusCh)

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("relay read ended", "error", err)
			}
			return
		}

		var msg relay.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("unreadable relay message", "error", err)
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg relay.ServerMessage) {
	switch msg.Type {
	case relay.TypeAudio:
		s.touch()
		s.playAudio(msg.Data)
	case relay.TypeText:
		s.touch()
		t := Transcript{Source: msg.Source, Text: msg.Data}
		s.mu.Lock()
		s.result.Transcripts = append(s.result.Transcripts, t)
		s.mu.Unlock()
		if s.cfg.OnTranscript != nil {
			s.cfg.OnTranscript(t)
		}
	case relay.TypeStatus:
		if msg.Status == relay.StatusDisconnected || msg.Status == relay.StatusStopped {
			s.scheduler.Reset()
		}
		select {
		case s.statusCh <- msg.Status:
		default:
			s.logger.Debug("no waiter for relay status", "status", msg.Status)
		}
	case relay.TypeError:
		s.logger.Warn("relay error", "message", msg.Message)
		s.mu.Lock()
		s.result.Errors = append(s.result.Errors, msg.Message)
		s.mu.Unlock()
		select {
		case s.errorCh <- msg.Message:
		default:
		}
	default:
		s.logger.Debug("ignoring relay message", "type", msg.Type)
	}
}

// playAudio drops chunks that cannot be decoded and keeps playing the rest.
func (s *session) playAudio(data string) {
	samples, err := audio.DecodePCM16Base64(data)
	if err != nil {
		s.logger.Warn("dropping undecodable audio chunk", "error", err)
		s.mu.Lock()
		s.result.ChunksDropped++
		s.mu.Unlock()
		return
	}

	s.scheduler.Schedule(playback.Buffer{
		Samples:    audio.Int16ToFloat32(samples),
		SampleRate: audio.OutputSampleRate,
	})
	s.mu.Lock()
	s.result.ChunksReceived++
	s.mu.Unlock()
}

func (s *session) touch() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}
