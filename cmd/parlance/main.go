// Command parlance runs the Parlance voice practice server: a WebSocket
// gateway that drives per-connection coaching sessions over streaming
// transcription and generation providers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parlancehq/parlance/internal/app"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/llm/anyllm"
	"github.com/parlancehq/parlance/pkg/provider/llm/openai"
	"github.com/parlancehq/parlance/pkg/provider/stt/deepgram"
	"github.com/parlancehq/parlance/pkg/provider/tts/elevenlabs"
)

const (
	version = "0.1.0"

	shutdownTimeout = 15 * time.Second
)

func main() {
	configPath := flag.String("config", "parlance.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("parlance", version)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parlance",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	providers, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		return err
	}

	runErr := a.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(stopCtx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	return runErr
}

// buildProviders constructs the configured provider implementations. STT and
// LLM are required; TTS is optional and persona voice is disabled without it.
func buildProviders(cfg *config.Config, logger *slog.Logger) (*app.Providers, error) {
	p := &app.Providers{}

	sttEntry := cfg.Providers.STT
	if sttEntry.APIKey == "" {
		return nil, fmt.Errorf("providers.stt.api_key is required")
	}
	sttOpts := []deepgram.Option{}
	if sttEntry.Model != "" {
		sttOpts = append(sttOpts, deepgram.WithModel(sttEntry.Model))
	}
	if sttEntry.BaseURL != "" {
		sttOpts = append(sttOpts, deepgram.WithEndpoint(sttEntry.BaseURL))
	}
	if lang := cfg.Session.Transcription.Language; lang != "" {
		sttOpts = append(sttOpts, deepgram.WithLanguage(lang))
	}
	if rate := cfg.Session.Transcription.SampleRate; rate != 0 {
		sttOpts = append(sttOpts, deepgram.WithSampleRate(rate))
	}
	sttProv, err := deepgram.New(sttEntry.APIKey, sttOpts...)
	if err != nil {
		return nil, fmt.Errorf("build stt provider: %w", err)
	}
	p.STT = sttProv

	p.LLM, err = buildLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("build llm provider: %w", err)
	}
	if fb := cfg.Providers.LLMFallback; fb != nil {
		p.LLMFallback, err = buildLLM(*fb)
		if err != nil {
			return nil, fmt.Errorf("build llm fallback provider: %w", err)
		}
	}

	ttsEntry := cfg.Providers.TTS
	if ttsEntry.APIKey == "" {
		logger.Warn("providers.tts.api_key is empty; persona sessions will run without voice")
		return p, nil
	}
	ttsOpts := []elevenlabs.Option{}
	if ttsEntry.Model != "" {
		ttsOpts = append(ttsOpts, elevenlabs.WithModel(ttsEntry.Model))
	}
	if ttsEntry.BaseURL != "" {
		ttsOpts = append(ttsOpts, elevenlabs.WithBaseEndpoint(ttsEntry.BaseURL))
	}
	ttsProv, err := elevenlabs.New(ttsEntry.APIKey, ttsOpts...)
	if err != nil {
		return nil, fmt.Errorf("build tts provider: %w", err)
	}
	p.TTS = ttsProv
	return p, nil
}

// buildLLM maps one provider entry to an implementation: "openai" uses the
// native client, every other name goes through the any-llm backend of that
// name (anthropic, gemini, ollama, ...).
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "", "openai":
		opts := []openai.Option{}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	default:
		opts := []anyllmlib.Option{}
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

// logLevel maps the config level to slog. Unset defaults to info.
func logLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
