package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 16 * 1024 * 1024
)

type Client struct {
	conn   *websocket.Conn
	cb     Callbacks
	logger *slog.Logger

	writeMu sync.Mutex
	state   atomic.Int32

	readyCh  chan struct{}
	setupErr chan error

	listening  chan struct{}
	listenOnce sync.Once

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens the upstream socket, sends the setup descriptor and blocks until
// the provider acknowledges it. Failures before that point are only reported
// through the returned error; callbacks never fire for them.
func Dial(ctx context.Context, cfg Config, opts SessionOptions, cb Callbacks) (*Client, error) {
	cfg = withDefaults(cfg)

	header, err := authHeader(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:      conn,
		cb:        cb,
		logger:    cfg.Logger,
		readyCh:   make(chan struct{}),
		setupErr:  make(chan error, 1),
		listening: make(chan struct{}),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	// Cancelling ctx drops the socket so a stuck setup write or read returns.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	fail := func(err error) (*Client, error) {
		stop()
		c.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if err := c.writeJSON(clientMessage{Setup: buildSetup(cfg.Model, opts)}); err != nil {
		return fail(fmt.Errorf("send setup: %w", err))
	}
	c.state.Store(int32(StateAwaitingSetup))

	go c.readLoop()

	timer := time.NewTimer(cfg.SetupTimeout)
	defer timer.Stop()

	select {
	case <-c.readyCh:
		if !stop() {
			return fail(ctx.Err())
		}
		go c.keepalive()
		c.logger.Info("upstream session ready", "model", cfg.Model, "voice", opts.Voice)
		return c, nil
	case err := <-c.setupErr:
		return fail(err)
	case <-timer.C:
		return fail(ErrSetupTimeout)
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

func withDefaults(cfg Config) Config {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "gemini")
	return cfg
}

func authHeader(ctx context.Context, cfg Config) (http.Header, error) {
	header := http.Header{}
	switch {
	case cfg.APIKey != "":
		header.Set("x-goog-api-key", cfg.APIKey)
	case cfg.TokenSource != nil:
		tok, err := fetchToken(ctx, cfg.TokenSource)
		if err != nil {
			return nil, fmt.Errorf("fetch access token: %w", err)
		}
		header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	default:
		return nil, ErrMissingCredential
	}
	return header, nil
}

// fetchToken gives up when ctx ends; TokenSource itself takes no context.
func fetchToken(ctx context.Context, ts oauth2.TokenSource) (*oauth2.Token, error) {
	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := ts.Token()
		ch <- result{tok, err}
	}()

	select {
	case r := <-ch:
		return r.tok, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func buildSetup(model string, opts SessionOptions) *setupMessage {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	setup := &setupMessage{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &transcriptionCfg{},
		OutputAudioTranscription: &transcriptionCfg{},
	}
	if opts.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: opts.Voice}},
		}
	}
	if opts.SystemPrompt != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: opts.SystemPrompt}}}
	}
	return setup
}

// Listen releases event delivery. The owner calls it once it has recorded the
// client as its live session, so no event can overtake the readiness.
func (c *Client) Listen() {
	c.listenOnce.Do(func() { close(c.listening) })
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) SendAudio(chunk MediaChunk) error {
	if chunk.MIMEType == "" {
		chunk.MIMEType = AudioMIMEType
	}
	return c.sendRealtime(realtimeInput{Audio: &blob{MIMEType: chunk.MIMEType, Data: chunk.Data}})
}

func (c *Client) SendVideo(chunk MediaChunk) error {
	if chunk.MIMEType == "" {
		chunk.MIMEType = VideoMIMEType
	}
	return c.sendRealtime(realtimeInput{Video: &blob{MIMEType: chunk.MIMEType, Data: chunk.Data}})
}

func (c *Client) sendRealtime(in realtimeInput) error {
	if c.State() != StateReady {
		return ErrNotConnected
	}
	if err := c.writeJSON(clientMessage{RealtimeInput: &in}); err != nil {
		return fmt.Errorf("send realtime input: %w", err)
	}
	return nil
}

func (c *Client) writeJSON(msg clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closing:
		return ErrNotConnected
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.closing)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.closing:
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("unparseable upstream message", "error", err, "size", len(data))
			continue
		}

		if msg.SetupComplete != nil && c.state.CompareAndSwap(int32(StateAwaitingSetup), int32(StateReady)) {
			close(c.readyCh)
			select {
			case <-c.listening:
			case <-c.closing:
				return
			}
			continue
		}

		if c.State() != StateReady {
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *serverMessage) {
	if msg.GoAway != nil {
		c.logger.Warn("upstream going away", "time_left", msg.GoAway.TimeLeft)
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" && c.cb.OnText != nil {
		c.cb.OnText(Transcript{Text: sc.InputTranscription.Text, Source: SourceUser})
	}
	if sc.ModelTurn != nil && c.cb.OnAudio != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			c.cb.OnAudio(p.InlineData.Data, p.InlineData.MIMEType)
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" && c.cb.OnText != nil {
		c.cb.OnText(Transcript{Text: sc.OutputTranscription.Text, Source: SourceAI})
	}
	if sc.Interrupted {
		c.logger.Debug("upstream turn interrupted")
		if c.cb.OnInterrupted != nil {
			c.cb.OnInterrupted()
		}
	}
	if sc.TurnComplete {
		c.logger.Debug("upstream turn complete")
		if c.cb.OnTurnComplete != nil {
			c.cb.OnTurnComplete()
		}
	}
}

func (c *Client) finish(err error) {
	select {
	case <-c.closing:
		return
	default:
	}

	prev := State(c.state.Swap(int32(StateClosed)))
	if prev != StateReady {
		c.setupErr <- setupFailure(err)
		return
	}

	reason := "connection lost"
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Text
		if reason == "" {
			reason = fmt.Sprintf("close code %d", ce.Code)
		}
	}

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Warn("upstream connection lost", "error", err)
		if c.cb.OnError != nil {
			c.cb.OnError(fmt.Errorf("upstream connection lost: %w", err))
		}
	}
	if c.cb.OnClose != nil {
		c.cb.OnClose(reason)
	}
}

func setupFailure(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return fmt.Errorf("%w: %s", ErrSetupRejected, ce.Text)
		}
		return fmt.Errorf("%w: close code %d", ErrSetupRejected, ce.Code)
	}
	return fmt.Errorf("upstream closed during setup: %w", err)
}
