package gateway

import "github.com/coder/websocket"

// Application close codes surfaced to clients during the handshake phase.
// The 4000-4999 range is reserved for application use by RFC 6455.
const (
	// StatusMissingToken closes a connection that presented no token.
	StatusMissingToken websocket.StatusCode = 4001

	// StatusInvalidToken closes a connection whose token failed verification.
	StatusInvalidToken websocket.StatusCode = 4003
)

// Control frame types accepted from clients. Binary frames carry 16 kHz mono
// 16-bit PCM audio and have no envelope.
const (
	cmdStartSession   = "start_session"
	cmdEndSession     = "end_session"
	cmdStartListening = "start_listening"
	cmdStopListening  = "stop_listening"
)

// command is the JSON envelope of one client control frame.
type command struct {
	// Type selects the operation.
	Type string `json:"type"`

	// Mode is the session mode for start_session: "suggestion" or "persona".
	Mode string `json:"mode,omitempty"`

	// SystemPrompt optionally overrides the built-in mode prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Scenario optionally describes the practice scenario.
	Scenario string `json:"scenario,omitempty"`

	// Voice optionally selects the persona voice by ID.
	Voice string `json:"voice,omitempty"`
}
