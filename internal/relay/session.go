package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/live-relay/internal/gemini"
	"github.com/eleven-am/live-relay/internal/metrics"
	"github.com/eleven-am/live-relay/internal/presence"
	"github.com/google/uuid"
)

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

const (
	presenceTimeout         = 2 * time.Second
	defaultPresenceInterval = 30 * time.Second
	eventBufferSize         = 64
)

type PresenceStore interface {
	Put(ctx context.Context, entry presence.Entry) error
	Remove(ctx context.Context, id string) error
}

type eventKind int

const (
	eventSetup eventKind = iota
	eventForward
	eventError
	eventClosed
)

// event is posted to the session loop by upstream goroutines. gen ties it to
// the upstream that produced it; events from a replaced upstream are dropped.
type event struct {
	kind     eventKind
	gen      uint64
	upstream Upstream
	err      error
	msg      *ServerMessage
	reason   string
	elapsed  time.Duration
}

type SessionConfig struct {
	ID               string
	Dialer           Dialer
	Voices           VoiceSet
	Presence         PresenceStore
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
	Instance         string
	PresenceInterval time.Duration
}

type SessionInfo struct {
	ID          string    `json:"id" example:"0b7e6c1e-3f0a-4c41-9d65-8f1f3f1f2a10"`
	State       State     `json:"state" example:"active"`
	Voice       string    `json:"voice,omitempty" example:"Puck"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Session owns one browser socket and at most one upstream session. All
// fields below the mutex are touched only by the Run goroutine.
type Session struct {
	id          string
	conn        *Conn
	dialer      Dialer
	voices      VoiceSet
	presence    PresenceStore
	metrics     *metrics.Metrics
	logger      *slog.Logger
	instance    string
	interval    time.Duration
	connectedAt time.Time

	mu    sync.RWMutex
	state State
	voice string

	ctx        context.Context
	upstream   Upstream
	generation uint64
	cancelDial context.CancelFunc
	errorSent  bool
	events     chan event
	presenceCh chan presence.Entry
}

func NewSession(conn *Conn, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = defaultPresenceInterval
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:          id,
		conn:        conn,
		dialer:      cfg.Dialer,
		voices:      cfg.Voices,
		presence:    cfg.Presence,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("session_id", id),
		instance:    cfg.Instance,
		interval:    cfg.PresenceInterval,
		connectedAt: time.Now(),
		state:       StateIdle,
		events:      make(chan event, eventBufferSize),
		presenceCh:  make(chan presence.Entry, 1),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:          s.id,
		State:       s.state,
		Voice:       s.voice,
		ConnectedAt: s.connectedAt,
	}
}

// Run serves the socket until the client disconnects or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.conn.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		s.presenceWorker(ctx)
	}()
	go s.conn.readPump(ctx)

	s.metrics.SessionsActive.Inc()
	s.metrics.SessionsTotal.Inc()
	s.logger.Info("client connected")
	s.touchPresence()

	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		s.teardown()
		cancel()
		wg.Wait()
		s.conn.Close()
		s.metrics.SessionsActive.Dec()
		s.logger.Info("client disconnected")
	}()

	for {
		select {
		case data, ok := <-s.conn.Inbound():
			if !ok {
				return
			}
			s.handleClient(data)
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-ticker.C:
			s.touchPresence()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleClient(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.MalformedMessages.Inc()
		s.logger.Debug("malformed client message", "error", err)
		s.conn.Send(errorMessage("Invalid message: " + err.Error()))
		return
	}

	switch msg.Type {
	case TypeStart:
		s.start(msg.Voice, msg.SystemPrompt)
	case TypeAudio:
		s.forward(gemini.AudioChunk(msg.Data))
	case TypeVideo:
		s.forward(gemini.VideoChunk(msg.Data))
	case TypeStop:
		s.stop()
	default:
		s.metrics.MalformedMessages.Inc()
		s.conn.Send(errorMessage(fmt.Sprintf("Unknown message type %q", msg.Type)))
	}
}

func (s *Session) start(voice, systemPrompt string) {
	resolved, err := s.voices.Resolve(voice)
	if err != nil {
		s.logger.Warn("start rejected", "error", err)
		s.conn.Send(errorMessage(describeError(err)))
		return
	}

	s.teardown()
	gen := s.generation
	s.errorSent = false
	s.mu.Lock()
	s.voice = resolved
	s.mu.Unlock()
	s.setState(StateStarting)

	dialCtx, cancel := context.WithCancel(s.ctx)
	s.cancelDial = cancel

	opts := gemini.SessionOptions{Voice: resolved, SystemPrompt: systemPrompt}
	cb := s.callbacks(gen)
	begun := time.Now()
	s.logger.Info("starting upstream session", "voice", resolved, "generation", gen)

	go func() {
		defer cancel()
		up, err := s.dialer.Dial(dialCtx, opts, cb)
		if err == nil && dialCtx.Err() != nil {
			up.Close()
			up, err = nil, dialCtx.Err()
		}

		ev := event{kind: eventSetup, gen: gen, upstream: up, err: err, elapsed: time.Since(begun)}
		if !s.post(ev) && up != nil {
			up.Close()
		}
	}()
}

func (s *Session) forward(chunk gemini.MediaChunk) {
	if s.state != StateActive || s.upstream == nil {
		return
	}
	if chunk.Data == "" {
		s.metrics.MalformedMessages.Inc()
		s.conn.Send(errorMessage(fmt.Sprintf("%s message is missing data", chunk.Kind)))
		return
	}

	var err error
	if chunk.Kind == gemini.MediaVideo {
		err = s.upstream.SendVideo(chunk)
	} else {
		err = s.upstream.SendAudio(chunk)
	}
	if err != nil {
		s.logger.Warn("forward to upstream failed", "kind", chunk.Kind, "error", err)
		return
	}
	s.metrics.ChunksForwarded.WithLabelValues(string(chunk.Kind)).Inc()
}

func (s *Session) stop() {
	s.setState(StateStopping)
	s.teardown()
	s.setState(StateIdle)
	s.conn.Send(statusMessage(StatusStopped))
	s.logger.Info("session stopped")
}

// teardown cancels any setup in flight and closes the live upstream. It
// always advances the generation so late events are discarded. A dial that
// finishes after cancellation closes its own upstream.
func (s *Session) teardown() {
	s.generation++

	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}

	if s.upstream != nil {
		if err := s.upstream.Close(); err != nil {
			s.logger.Debug("upstream close", "error", err)
		}
		s.upstream = nil
		s.metrics.UpstreamSessions.Dec()
	}
}

func (s *Session) handleEvent(ev event) {
	if ev.gen != s.generation {
		if ev.kind == eventSetup && ev.upstream != nil {
			ev.upstream.Close()
		}
		return
	}

	switch ev.kind {
	case eventSetup:
		s.finishSetup(ev)
	case eventForward:
		if s.upstream != nil {
			s.conn.Send(ev.msg)
		}
	case eventError:
		s.errorSent = true
		s.conn.Send(errorMessage(describeError(ev.err)))
	case eventClosed:
		s.upstreamClosed(ev.reason)
	}
}

func (s *Session) finishSetup(ev event) {
	s.cancelDial = nil

	if ev.err != nil {
		s.metrics.SetupFailures.WithLabelValues(setupFailureReason(ev.err)).Inc()
		s.logger.Warn("upstream setup failed", "error", ev.err, "elapsed", ev.elapsed)
		s.setState(StateIdle)
		s.conn.Send(errorMessage(describeError(ev.err)))
		return
	}

	s.upstream = ev.upstream
	s.metrics.UpstreamSessions.Inc()
	s.metrics.SetupDuration.Observe(ev.elapsed.Seconds())
	s.setState(StateActive)
	s.conn.Send(statusMessage(StatusConnected))
	s.logger.Info("upstream session active", "elapsed", ev.elapsed)
	s.upstream.Listen()
}

func (s *Session) upstreamClosed(reason string) {
	if s.upstream == nil {
		return
	}
	s.logger.Warn("upstream session closed", "reason", reason)

	s.upstream.Close()
	s.upstream = nil
	s.metrics.UpstreamSessions.Dec()
	s.generation++

	s.setState(StateIdle)
	s.conn.Send(statusMessage(StatusDisconnected))
	if !s.errorSent {
		s.conn.Send(errorMessage("Upstream session closed: " + reason))
	}
}

func (s *Session) callbacks(gen uint64) gemini.Callbacks {
	return gemini.Callbacks{
		OnAudio: func(data, _ string) {
			s.post(event{kind: eventForward, gen: gen, msg: &ServerMessage{Type: TypeAudio, Data: data}})
		},
		OnText: func(t gemini.Transcript) {
			s.post(event{kind: eventForward, gen: gen, msg: &ServerMessage{Type: TypeText, Data: t.Text, Source: string(t.Source)}})
		},
		OnTurnComplete: func() {
			s.logger.Debug("turn complete", "generation", gen)
		},
		OnInterrupted: func() {
			s.logger.Debug("turn interrupted", "generation", gen)
		},
		OnError: func(err error) {
			s.post(event{kind: eventError, gen: gen, err: err})
		},
		OnClose: func(reason string) {
			s.post(event{kind: eventClosed, gen: gen, reason: reason})
		},
	}
}

func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	if state == StateActive || state == StateIdle {
		s.touchPresence()
	}
}

// touchPresence queues the latest snapshot for the presence worker,
// replacing one that has not been written yet.
func (s *Session) touchPresence() {
	if s.presence == nil {
		return
	}

	info := s.Info()
	entry := presence.Entry{
		ID:          info.ID,
		Instance:    s.instance,
		Voice:       info.Voice,
		State:       string(info.State),
		ConnectedAt: info.ConnectedAt,
	}

	select {
	case <-s.presenceCh:
	default:
	}
	s.presenceCh <- entry
}

func (s *Session) presenceWorker(ctx context.Context) {
	if s.presence == nil {
		return
	}

	for {
		select {
		case entry := <-s.presenceCh:
			putCtx, cancel := context.WithTimeout(ctx, presenceTimeout)
			if err := s.presence.Put(putCtx, entry); err != nil {
				s.logger.Warn("presence update failed", "error", err)
			}
			cancel()
		case <-ctx.Done():
			rmCtx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
			if err := s.presence.Remove(rmCtx, s.id); err != nil {
				s.logger.Warn("presence removal failed", "error", err)
			}
			cancel()
			return
		}
	}
}
