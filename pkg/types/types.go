// Package types defines the shared types used across all Parlance packages.
//
// These types form the lingua franca between the gateway, the session
// orchestrator, the providers, and the persistence layer. They are
// kept minimal: each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Role identifies which side of the conversation produced a turn.
type Role string

const (
	// RoleInitiator is the practising user, the side being coached.
	RoleInitiator Role = "initiator"

	// RoleResponder is the other side of the conversation: the live
	// counterpart in suggestion mode, or the simulated persona in persona mode.
	RoleResponder Role = "responder"
)

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript. Only final transcripts are folded into history.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []WordDetail

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Turn is a single entry in a session's conversation history. Turns are
// appended only by the orchestrator and are immutable once appended.
type Turn struct {
	// Role identifies which side of the conversation spoke.
	Role Role

	// Content is the transcribed or generated text of the turn.
	Content string

	// Timestamp is when the turn was recorded. A zero Timestamp marks a turn
	// of unknown age; such turns are never dropped by time-window filtering.
	Timestamp time.Time
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// SentimentEntry is one point on a session's sentiment timeline. Entries are
// appended in arrival order; the ordering is semantically meaningful.
type SentimentEntry struct {
	// Timestamp is when the sentiment was observed.
	Timestamp time.Time

	// Score is the sentiment polarity in [-1, 1].
	Score float64

	// Label is the model's categorical reading (e.g. "positive", "hesitant").
	Label string
}

// CostSummary is a snapshot of accumulated usage and its derived cost.
// All fields are non-negative.
type CostSummary struct {
	// TokensUsed is the total LLM tokens consumed (prompt + completion).
	TokensUsed int

	// AudioSecondsTranscribed is the total audio duration sent to STT.
	AudioSecondsTranscribed float64

	// AudioSecondsSynthesized is the total audio duration produced by TTS.
	AudioSecondsSynthesized float64

	// CostUSD is the derived monetary cost, rounded to 4 decimal places.
	// It is recomputed from the raw counters on every snapshot rather than
	// accumulated by addition, so rounding error does not compound.
	CostUSD float64
}

// Summary is the post-session insights record produced exactly once when a
// session stops. It is handed to the persistence collaborator and then the
// session is torn down.
type Summary struct {
	// SessionID identifies the session this summary belongs to.
	SessionID string

	// UserID and OrgID identify the session owner.
	UserID string
	OrgID  string

	// Mode is the session mode this summary was produced under
	// ("suggestion" or "persona").
	Mode string

	// StartedAt and EndedAt bound the session lifetime.
	StartedAt time.Time
	EndedAt   time.Time

	// TalkRatio is the fraction of detected speaking time attributed to the
	// initiator side, in [0, 1]. Defaults to 0.5 when no speech occurred.
	TalkRatio float64

	// Sentiment is the full sentiment timeline in arrival order.
	Sentiment []SentimentEntry

	// OverallSentiment classifies the averaged timeline score as
	// "positive", "neutral", or "negative".
	OverallSentiment string

	// TopicsCovered and TopicsMissed aggregate the coaching model's topic
	// tracking across the session.
	TopicsCovered []string
	TopicsMissed  []string

	// SuggestionCount is the number of coaching suggestions surfaced.
	SuggestionCount int

	// BattleCardCount is the number of battle cards triggered.
	BattleCardCount int

	// Turns is the number of conversation turns recorded.
	Turns int

	// Cost is the usage/cost snapshot at session end.
	Cost CostSummary
}
