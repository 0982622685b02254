package relay

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownVoice = errors.New("unknown voice")

type VoiceSet struct {
	Default   string   `json:"default" example:"Puck"`
	Available []string `json:"voices"`
}

// Resolve maps a requested voice to its canonical name. An empty request
// selects the default; an empty Available list accepts any name.
func (v VoiceSet) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return v.Default, nil
	}
	if len(v.Available) == 0 {
		return name, nil
	}
	for _, candidate := range v.Available {
		if strings.EqualFold(candidate, name) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownVoice, name)
}
