// Package config provides the configuration schema and loader for the
// Parlance server.
package config

import (
	"github.com/parlancehq/parlance/internal/insight"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, loaded from a YAML file via
// Load or LoadFromReader.
type Config struct {
	Server      Server               `yaml:"server"`
	Auth        Auth                 `yaml:"auth"`
	Providers   Providers            `yaml:"providers"`
	Session     Session              `yaml:"session"`
	Cost        Cost                 `yaml:"cost"`
	Storage     Storage              `yaml:"storage"`
	BattleCards []insight.BattleCard `yaml:"battle_cards"`
}

// Server holds network and logging settings.
type Server struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PingIntervalSeconds is how often the gateway pings each connection.
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`

	// PongTimeoutSeconds is how long a ping may go unanswered.
	PongTimeoutSeconds int `yaml:"pong_timeout_seconds"`

	// TLS configures TLS. When nil, the server runs plain HTTP.
	TLS *TLS `yaml:"tls"`
}

// TLS holds certificate paths for enabling HTTPS.
type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Auth holds the static token table.
type Auth struct {
	Tokens []Token `yaml:"tokens"`
}

// Token maps one bearer token to an identity.
type Token struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
	OrgID  string `yaml:"org_id"`
}

// Providers declares which provider implementation serves each pipeline
// stage.
type Providers struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`

	// LLMFallback, when set, is registered as a failover backend behind the
	// primary LLM provider.
	LLMFallback *ProviderEntry `yaml:"llm_fallback"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the implementation (e.g., "deepgram", "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the provider credential. Supports ${VAR} environment
	// expansion at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// Session tunes per-session behaviour.
type Session struct {
	Transcription Transcription `yaml:"transcription"`
	Generation    Generation    `yaml:"generation"`
	Voice         Voice         `yaml:"voice"`
}

// Transcription tunes the resilient transcription client.
type Transcription struct {
	// SampleRate is the inbound PCM sample rate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// Language is the BCP-47 transcription language hint.
	Language string `yaml:"language"`

	// InterimResults enables partial transcripts.
	InterimResults bool `yaml:"interim_results"`

	// BufferSeconds sizes the reconnect replay buffer. Default 5.
	BufferSeconds int `yaml:"buffer_seconds"`
}

// Generation tunes the response generator defaults.
type Generation struct {
	Temperature          float64 `yaml:"temperature"`
	MaxTokens            int     `yaml:"max_tokens"`
	MaxRetries           int     `yaml:"max_retries"`
	MaxHistoryTurns      int     `yaml:"max_history_turns"`
	ContextWindowSeconds int     `yaml:"context_window_seconds"`
}

// Voice is the default persona voice profile.
type Voice struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// Cost holds the per-unit pricing used by the cost tracker. Zero values fall
// back to the built-in defaults.
type Cost struct {
	USDPerMillionTokens     float64 `yaml:"usd_per_million_tokens"`
	USDPerTranscribedMinute float64 `yaml:"usd_per_transcribed_minute"`
	USDPerSynthesizedMinute float64 `yaml:"usd_per_synthesized_minute"`
}

// Storage configures summary persistence. An empty DSN keeps summaries in
// memory only.
type Storage struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}
