package relay

const (
	TypeStart  = "start"
	TypeAudio  = "audio"
	TypeVideo  = "video"
	TypeStop   = "stop"
	TypeStatus = "status"
	TypeText   = "text"
	TypeError  = "error"

	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusStopped      = "stopped"
)

// ClientMessage is a frame sent by the browser.
type ClientMessage struct {
	Type         string `json:"type"`
	Voice        string `json:"voice,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Data         string `json:"data,omitempty"`
}

// ServerMessage is a frame sent to the browser.
type ServerMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Data    string `json:"data,omitempty"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message,omitempty"`
}

func statusMessage(status string) *ServerMessage {
	return &ServerMessage{Type: TypeStatus, Status: status}
}

func errorMessage(message string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Message: message}
}
