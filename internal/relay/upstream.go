package relay

import (
	"context"
	"errors"

	"github.com/eleven-am/live-relay/internal/gemini"
)

type Upstream interface {
	SendAudio(gemini.MediaChunk) error
	SendVideo(gemini.MediaChunk) error
	Listen()
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, opts gemini.SessionOptions, cb gemini.Callbacks) (Upstream, error)
}

type GeminiDialer struct {
	Config gemini.Config
}

func NewGeminiDialer(cfg gemini.Config) *GeminiDialer {
	return &GeminiDialer{Config: cfg}
}

func (d *GeminiDialer) Dial(ctx context.Context, opts gemini.SessionOptions, cb gemini.Callbacks) (Upstream, error) {
	client, err := gemini.Dial(ctx, d.Config, opts, cb)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func describeError(err error) string {
	switch {
	case errors.Is(err, gemini.ErrSetupTimeout):
		return "Timed out waiting for the AI session to start"
	case errors.Is(err, gemini.ErrMissingCredential):
		return "AI service credentials are not configured"
	case errors.Is(err, gemini.ErrUnauthorized):
		return "AI service rejected the configured credentials"
	case errors.Is(err, gemini.ErrSetupRejected), errors.Is(err, ErrUnknownVoice):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "Session start was cancelled"
	default:
		return "Connection error: " + err.Error()
	}
}

func setupFailureReason(err error) string {
	switch {
	case errors.Is(err, gemini.ErrSetupTimeout):
		return "timeout"
	case errors.Is(err, gemini.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, gemini.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, gemini.ErrSetupRejected):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "transport"
	}
}
