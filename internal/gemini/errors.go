package gemini

import "errors"

var (
	ErrSetupTimeout      = errors.New("upstream session setup timed out")
	ErrSetupRejected     = errors.New("upstream rejected session setup")
	ErrNotConnected      = errors.New("upstream session not connected")
	ErrMissingCredential = errors.New("no upstream credential configured")
	ErrUnauthorized      = errors.New("upstream rejected credentials")
)
