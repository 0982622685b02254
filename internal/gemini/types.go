package gemini

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

const (
	DefaultURL          = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel        = "gemini-2.0-flash-live-001"
	DefaultSetupTimeout = 10 * time.Second

	AudioMIMEType = "audio/pcm;rate=16000"
	VideoMIMEType = "image/jpeg"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaChunk carries a base64 payload exactly as the browser produced it.
type MediaChunk struct {
	Kind     MediaKind
	MIMEType string
	Data     string
}

func AudioChunk(data string) MediaChunk {
	return MediaChunk{Kind: MediaAudio, MIMEType: AudioMIMEType, Data: data}
}

func VideoChunk(data string) MediaChunk {
	return MediaChunk{Kind: MediaVideo, MIMEType: VideoMIMEType, Data: data}
}

type Source string

const (
	SourceUser Source = "user"
	SourceAI   Source = "ai"
)

type Transcript struct {
	Text   string
	Source Source
}

type State int32

const (
	StateConnecting State = iota
	StateAwaitingSetup
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingSetup:
		return "awaiting_setup"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Callbacks run on the client's read goroutine, in the order the provider
// sent the events. None fire until Listen is called.
type Callbacks struct {
	OnAudio        func(data, mimeType string)
	OnText         func(Transcript)
	OnTurnComplete func()
	OnInterrupted  func()
	OnError        func(error)
	OnClose        func(reason string)
}

type Config struct {
	URL          string
	Model        string
	APIKey       string
	TokenSource  oauth2.TokenSource
	SetupTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

type SessionOptions struct {
	Voice        string
	SystemPrompt string
}

type clientMessage struct {
	Setup         *setupMessage  `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
}

type setupMessage struct {
	Model                    string            `json:"model"`
	GenerationConfig         generationConfig  `json:"generationConfig"`
	SystemInstruction        *content          `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *transcriptionCfg `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptionCfg `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type transcriptionCfg struct{}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
	Video *blob `json:"video,omitempty"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}
