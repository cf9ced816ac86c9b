package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Validate
// warns about unrecognised names rather than rejecting them, so third-party
// implementations stay usable.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path, expands ${VAR} environment
// references, and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} references anywhere in the document are replaced with the value of
// the environment variable VAR before decoding; unset variables expand to the
// empty string.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PingIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.ping_interval_seconds %d must not be negative", cfg.Server.PingIntervalSeconds))
	}
	if cfg.Server.PongTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.pong_timeout_seconds %d must not be negative", cfg.Server.PongTimeoutSeconds))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	if cfg.Providers.LLMFallback != nil {
		validateProviderName("llm", cfg.Providers.LLMFallback.Name)
		if cfg.Providers.LLMFallback.Name == "" {
			errs = append(errs, errors.New("providers.llm_fallback.name is required when llm_fallback is set"))
		}
	}

	tokensSeen := make(map[string]int, len(cfg.Auth.Tokens))
	for i, tok := range cfg.Auth.Tokens {
		prefix := fmt.Sprintf("auth.tokens[%d]", i)
		if tok.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required", prefix))
		} else {
			if prev, ok := tokensSeen[tok.Token]; ok {
				errs = append(errs, fmt.Errorf("%s.token is a duplicate of auth.tokens[%d]", prefix, prev))
			}
			tokensSeen[tok.Token] = i
		}
		if tok.UserID == "" {
			errs = append(errs, fmt.Errorf("%s.user_id is required", prefix))
		}
	}

	if cfg.Session.Transcription.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("session.transcription.sample_rate %d must not be negative", cfg.Session.Transcription.SampleRate))
	}
	if cfg.Session.Generation.Temperature < 0 || cfg.Session.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("session.generation.temperature %.2f is out of range [0, 2]", cfg.Session.Generation.Temperature))
	}
	if sf := cfg.Session.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	if cfg.Cost.USDPerMillionTokens < 0 || cfg.Cost.USDPerTranscribedMinute < 0 || cfg.Cost.USDPerSynthesizedMinute < 0 {
		errs = append(errs, errors.New("cost rates must not be negative"))
	}

	cardsSeen := make(map[string]int, len(cfg.BattleCards))
	for i, card := range cfg.BattleCards {
		prefix := fmt.Sprintf("battle_cards[%d]", i)
		if card.Title == "" {
			errs = append(errs, fmt.Errorf("%s.title is required", prefix))
		} else {
			if prev, ok := cardsSeen[card.Title]; ok {
				errs = append(errs, fmt.Errorf("%s.title %q is a duplicate of battle_cards[%d]", prefix, card.Title, prev))
			}
			cardsSeen[card.Title] = i
		}
		if len(card.Triggers) == 0 {
			errs = append(errs, fmt.Errorf("%s.triggers must not be empty", prefix))
		}
	}

	if len(cfg.Auth.Tokens) == 0 {
		slog.Warn("auth.tokens is empty; every connection will be rejected")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not in the
// ValidProviderNames list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
