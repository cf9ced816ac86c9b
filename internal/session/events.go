package session

import (
	"github.com/parlancehq/parlance/internal/insight"
	"github.com/parlancehq/parlance/pkg/types"
)

// Event type values pushed to clients as JSON control frames.
const (
	EventSessionStarted     = "session_started"
	EventListeningStarted   = "listening_started"
	EventListeningStopped   = "listening_stopped"
	EventStateChanged       = "state_changed"
	EventPartialTranscript  = "partial_transcript"
	EventTranscript         = "transcript"
	EventSentence           = "sentence"
	EventSuggestions        = "suggestions"
	EventSentiment          = "sentiment"
	EventBattleCard         = "battle_card"
	EventReconnected        = "transcription_reconnected"
	EventDegraded           = "transcription_degraded"
	EventSummary            = "summary"
	EventError              = "error"
)

// Event is the outbound control frame payload. One flat shape with a type
// discriminator; unused fields are omitted from the JSON encoding.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// Text carries transcript, partial, and sentence content.
	Text string `json:"text,omitempty"`

	// Role identifies the speaker for transcript events.
	Role string `json:"role,omitempty"`

	// From and To describe state transitions.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Suggestions []string              `json:"suggestions,omitempty"`
	Sentiment   *types.SentimentEntry `json:"sentiment,omitempty"`
	Card        *insight.BattleCard   `json:"card,omitempty"`
	Summary     *types.Summary        `json:"summary,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Sink receives the orchestrator's outbound traffic. The gateway implements
// it over the WebSocket; tests implement it in memory. Implementations must
// tolerate calls from multiple goroutines.
type Sink interface {
	// PushEvent delivers a JSON control frame to the client.
	PushEvent(ev Event)

	// PushAudio delivers a synthesized PCM chunk to the client.
	PushAudio(pcm []byte)
}
