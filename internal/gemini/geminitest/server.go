package geminitest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/live-relay/internal/audio"
	"github.com/gorilla/websocket"
)

const OutputMIMEType = "audio/pcm;rate=24000"

type Options struct {
	// APIKey, when set, is required in the x-goog-api-key header.
	APIKey        string
	WithholdSetup bool
	// RejectSetup, when set, answers the setup message with a policy
	// violation close frame carrying this text.
	RejectSetup string
	// Upsample converts echoed 16 kHz input to 24 kHz instead of echoing the
	// payload byte for byte.
	Upsample  bool
	UserText  string
	ModelText string
	Logger    *slog.Logger
}

type Setup struct {
	Model        string
	Voice        string
	SystemPrompt string
	InputTx      bool
	OutputTx     bool
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[*peer]struct{}
	opened int
	setups []Setup
	audio  []string
	video  []string
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		logger: logger.With("component", "fake_upstream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[*peer]struct{}),
	}
}

// TB is the part of testing.TB the test server needs. Keeping it local means
// binaries that embed Server do not link the testing package.
type TB interface {
	Helper()
	Cleanup(func())
}

// NewTestServer serves a fake upstream for the lifetime of t and returns its
// ws:// URL.
func NewTestServer(t TB, opts Options) (*Server, string) {
	t.Helper()
	s := NewServer(opts)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.CloseAll(websocket.CloseGoingAway, "test finished")
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

type inbound struct {
	Setup *struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			SpeechConfig *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
		OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
	} `json:"setup"`
	RealtimeInput *struct {
		Audio *media `json:"audio"`
		Video *media `json:"video"`
	} `json:"realtimeInput"`
}

type media struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.APIKey != "" && r.Header.Get("x-goog-api-key") != s.opts.APIKey {
		http.Error(w, "API key not valid", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.opened++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("bad client message", "error", err)
			continue
		}

		switch {
		case msg.Setup != nil:
			s.recordSetup(msg)
			if s.opts.RejectSetup != "" {
				p.mu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, s.opts.RejectSetup), time.Now().Add(time.Second))
				p.mu.Unlock()
				return
			}
			if !s.opts.WithholdSetup {
				_ = p.write(map[string]any{"setupComplete": map[string]any{}})
			}
		case msg.RealtimeInput != nil && msg.RealtimeInput.Audio != nil:
			s.mu.Lock()
			s.audio = append(s.audio, msg.RealtimeInput.Audio.Data)
			s.mu.Unlock()
			s.respond(p, msg.RealtimeInput.Audio.Data)
		case msg.RealtimeInput != nil && msg.RealtimeInput.Video != nil:
			s.mu.Lock()
			s.video = append(s.video, msg.RealtimeInput.Video.Data)
			s.mu.Unlock()
		}
	}
}

func (s *Server) recordSetup(msg inbound) {
	setup := Setup{
		Model:    msg.Setup.Model,
		InputTx:  msg.Setup.InputAudioTranscription != nil,
		OutputTx: msg.Setup.OutputAudioTranscription != nil,
	}
	if sc := msg.Setup.GenerationConfig.SpeechConfig; sc != nil {
		setup.Voice = sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName
	}
	if si := msg.Setup.SystemInstruction; si != nil && len(si.Parts) > 0 {
		setup.SystemPrompt = si.Parts[0].Text
	}

	s.mu.Lock()
	s.setups = append(s.setups, setup)
	s.mu.Unlock()
}

func (s *Server) respond(p *peer, data string) {
	if s.opts.UserText != "" {
		_ = p.write(ServerText("inputTranscription", s.opts.UserText))
	}

	out := data
	if s.opts.Upsample {
		samples, err := audio.DecodePCM16Base64(data)
		if err != nil {
			s.logger.Warn("undecodable audio", "error", err)
			return
		}
		out = audio.EncodePCM16Base64(audio.ResampleInt16(samples, audio.InputSampleRate, audio.OutputSampleRate))
	}
	_ = p.write(ServerAudio(out))

	if s.opts.ModelText != "" {
		_ = p.write(ServerText("outputTranscription", s.opts.ModelText))
	}
	_ = p.write(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
}

func ServerAudio(data string) map[string]any {
	return map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{
					map[string]any{"inlineData": map[string]any{"mimeType": OutputMIMEType, "data": data}},
				},
			},
		},
	}
}

func ServerText(field, text string) map[string]any {
	return map[string]any{
		"serverContent": map[string]any{
			field: map[string]any{"text": text},
		},
	}
}

// Push writes v to every connected client.
func (s *Server) Push(v any) {
	for _, p := range s.snapshot() {
		_ = p.write(v)
	}
}

// CloseAll sends a close frame with the given code and drops every
// connection.
func (s *Server) CloseAll(code int, text string) {
	for _, p := range s.snapshot() {
		p.mu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		p.mu.Unlock()
		p.conn.Close()
	}
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Server) Setups() []Setup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Setup(nil), s.setups...)
}

func (s *Server) Audio() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.audio...)
}

func (s *Server) Video() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.video...)
}
