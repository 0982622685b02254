package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/live-relay/internal/gemini"
	"github.com/eleven-am/live-relay/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUpstream struct {
	id     int
	opts   gemini.SessionOptions
	cb     gemini.Callbacks
	dialer *fakeDialer

	mu        sync.Mutex
	audio     []string
	video     []string
	closed    bool
	listening bool
}

func (u *fakeUpstream) SendAudio(chunk gemini.MediaChunk) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return gemini.ErrNotConnected
	}
	u.audio = append(u.audio, chunk.Data)
	return nil
}

func (u *fakeUpstream) SendVideo(chunk gemini.MediaChunk) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return gemini.ErrNotConnected
	}
	u.video = append(u.video, chunk.Data)
	return nil
}

func (u *fakeUpstream) Listen() {
	u.mu.Lock()
	u.listening = true
	u.mu.Unlock()
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	u.dialer.record(fmt.Sprintf("close:%d", u.id), -1)
	return nil
}

func (u *fakeUpstream) Audio() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.audio...)
}

func (u *fakeUpstream) Video() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.video...)
}

func (u *fakeUpstream) Closed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

type fakeDialer struct {
	block chan struct{}
	err   error
	// stuck makes a blocked dial ignore cancellation, like a token refresh
	// that takes no context.
	stuck bool

	mu       sync.Mutex
	attempts int
	log      []string
	ups      []*fakeUpstream
	live     int
	maxLive  int
}

func (d *fakeDialer) Dial(ctx context.Context, opts gemini.SessionOptions, cb gemini.Callbacks) (Upstream, error) {
	d.mu.Lock()
	d.attempts++
	d.mu.Unlock()

	if d.block != nil && d.stuck {
		<-d.block
	} else if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	d.mu.Lock()
	up := &fakeUpstream{id: len(d.ups) + 1, opts: opts, cb: cb, dialer: d}
	d.ups = append(d.ups, up)
	d.mu.Unlock()
	d.record(fmt.Sprintf("open:%d", up.id), 1)
	return up, nil
}

func (d *fakeDialer) record(entry string, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, entry)
	d.live += delta
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
}

func (d *fakeDialer) Log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

func (d *fakeDialer) Upstream(i int) *fakeUpstream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.ups) {
		return nil
	}
	return d.ups[i]
}

func (d *fakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) MaxLive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

type testRelay struct {
	handler *Handler
	metrics *metrics.Metrics
	wsURL   string
	baseURL string
}

func newTestRelay(t *testing.T, cfg HandlerConfig) *testRelay {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	cfg.Logger = testLogger()

	e := echo.New()
	h := NewHandler(cfg)
	h.RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})

	return &testRelay{
		handler: h,
		metrics: cfg.Metrics,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		baseURL: srv.URL,
	}
}

type testClient struct {
	t    *testing.T
	ws   *websocket.Conn
	msgs chan ServerMessage
}

func (r *testRelay) connect(t *testing.T) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	c := &testClient{t: t, ws: ws, msgs: make(chan ServerMessage, 64)}
	go func() {
		defer close(c.msgs)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.msgs <- msg
		}
	}()
	t.Cleanup(func() { ws.Close() })
	return c
}

func (c *testClient) send(msg ClientMessage) {
	c.t.Helper()
	data, _ := json.Marshal(msg)
	c.sendRaw(string(data))
}

func (c *testClient) sendRaw(raw string) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) next() ServerMessage {
	c.t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			c.t.Fatal("relay closed the connection")
		}
		return msg
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for relay message")
	}
	return ServerMessage{}
}

func (c *testClient) expect(want ServerMessage) {
	c.t.Helper()
	if got := c.next(); got != want {
		c.t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func (c *testClient) expectNone(wait time.Duration) {
	c.t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if ok {
			c.t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(wait):
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

var (
	connected    = ServerMessage{Type: TypeStatus, Status: StatusConnected}
	stopped      = ServerMessage{Type: TypeStatus, Status: StatusStopped}
	disconnected = ServerMessage{Type: TypeStatus, Status: StatusDisconnected}
)
