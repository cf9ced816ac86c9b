// Package app wires all Parlance subsystems into a running server.
//
// New creates and connects the subsystems, Run serves until the context is
// cancelled, and Shutdown stops every live session and tears the wiring down
// in order. Inject test doubles via the functional options; when an option
// is not provided, New builds the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/auth"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/gateway"
	"github.com/parlancehq/parlance/internal/generate"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/resilience"
	"github.com/parlancehq/parlance/internal/session"
	"github.com/parlancehq/parlance/internal/store"
	storepg "github.com/parlancehq/parlance/internal/store/postgres"
	"github.com/parlancehq/parlance/internal/transcribe"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/stt"
	"github.com/parlancehq/parlance/pkg/provider/tts"
	"github.com/parlancehq/parlance/pkg/types"
)

const (
	defaultListenAddr   = ":8080"
	serverStopTimeout   = 10 * time.Second
	summaryFlushTimeout = 5 * time.Second
)

// Providers holds one interface value per provider slot. STT and LLM are
// required; TTS and LLMFallback are optional. Populated by main.go from the
// config.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// LLMFallback, when non-nil, is wired behind LLM through a failover
	// group with per-backend circuit breakers.
	LLMFallback llm.Provider
}

// App owns the server's subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	verifier auth.Verifier
	store    store.Store
	registry *session.Registry
	metrics  *observe.Metrics
	server   *http.Server
	listener net.Listener

	// closers run in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a summary store instead of building one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithVerifier injects an auth verifier instead of the config token table.
func WithVerifier(v auth.Verifier) Option {
	return func(a *App) { a.verifier = v }
}

// WithMetrics injects a metrics bundle. Nil disables instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger injects the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithListener serves on the given listener instead of the configured
// address. Used by tests to bind an ephemeral port.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New wires the application. STT and LLM providers are required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil {
		return nil, errors.New("app: STT and LLM providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		registry:  session.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	if a.verifier == nil {
		tokens := make(map[string]auth.Identity, len(cfg.Auth.Tokens))
		for _, t := range cfg.Auth.Tokens {
			tokens[t.Token] = auth.Identity{UserID: t.UserID, OrgID: t.OrgID}
		}
		a.verifier = auth.NewStaticVerifier(tokens)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	a.initServer()
	return a, nil
}

// initStore builds the summary store: Postgres when a DSN is configured,
// in-memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.logger.Warn("storage.postgres_dsn is empty; summaries are kept in memory only")
		a.store = store.NewMemStore()
		return nil
	}

	pg, err := storepg.NewStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("app: init store: %w", err)
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initServer assembles the HTTP surface: the WebSocket gateway, the health
// probes, and the Prometheus scrape endpoint.
func (a *App) initServer() {
	gw := gateway.New(gateway.Config{
		PingInterval: time.Duration(a.cfg.Server.PingIntervalSeconds) * time.Second,
		PongTimeout:  time.Duration(a.cfg.Server.PongTimeoutSeconds) * time.Second,
	}, a.verifier, a.registry, a.store, a.sessionFactory(), a.metrics, a.logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/metrics", promhttp.Handler())
	health.New(map[string]health.Checker{"store": a.store}).Register(mux)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// sessionFactory builds the per-connection orchestrator constructor the
// gateway invokes on start_session.
func (a *App) sessionFactory() gateway.SessionFactory {
	llmProvider := a.providers.LLM
	if a.providers.LLMFallback != nil {
		primaryName := a.cfg.Providers.LLM.Name
		if primaryName == "" {
			primaryName = "primary"
		}
		failover := resilience.NewLLMFailover(llmProvider, primaryName, resilience.BreakerConfig{}, a.logger)
		name := "fallback"
		if a.cfg.Providers.LLMFallback != nil && a.cfg.Providers.LLMFallback.Name != "" {
			name = a.cfg.Providers.LLMFallback.Name
		}
		failover.AddFallback(name, a.providers.LLMFallback)
		llmProvider = failover
	}

	gen := generate.New(llmProvider, generate.Options{
		Model:                a.cfg.Providers.LLM.Model,
		Temperature:          a.cfg.Session.Generation.Temperature,
		MaxTokens:            a.cfg.Session.Generation.MaxTokens,
		MaxRetries:           a.cfg.Session.Generation.MaxRetries,
		MaxHistoryTurns:      a.cfg.Session.Generation.MaxHistoryTurns,
		ContextWindowSeconds: a.cfg.Session.Generation.ContextWindowSeconds,
	}, a.logger)

	tc := a.cfg.Session.Transcription
	defaultVoice := tts.VoiceProfile{
		ID:          a.cfg.Session.Voice.VoiceID,
		SpeedFactor: a.cfg.Session.Voice.SpeedFactor,
	}
	rates := session.CostRates{
		USDPerMillionTokens:     a.cfg.Cost.USDPerMillionTokens,
		USDPerTranscribedMinute: a.cfg.Cost.USDPerTranscribedMinute,
		USDPerSynthesizedMinute: a.cfg.Cost.USDPerSynthesizedMinute,
	}

	return func(cfg session.Config, sink session.Sink) *session.Orchestrator {
		cfg.Rates = rates
		cfg.Cards = a.cfg.BattleCards
		cfg.Transcription = transcribeConfig(tc)
		if cfg.Voice.ID == "" {
			cfg.Voice = defaultVoice
		}
		return session.NewOrchestrator(cfg, session.Deps{
			STT:       a.providers.STT,
			Generator: gen,
			TTS:       a.providers.TTS,
			Sink:      sink,
			Metrics:   a.metrics,
			Logger:    a.logger,
		})
	}
}

// Run serves HTTP until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("server listening", "addr", a.serverAddr())
		err := a.serve()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
		defer cancel()
		if err := a.server.Shutdown(stopCtx); err != nil {
			a.logger.Warn("http shutdown", "err", err)
		}
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serve() error {
	tlsCfg := a.cfg.Server.TLS
	if a.listener != nil {
		if tlsCfg != nil {
			return a.server.ServeTLS(a.listener, tlsCfg.CertFile, tlsCfg.KeyFile)
		}
		return a.server.Serve(a.listener)
	}
	if tlsCfg != nil {
		return a.server.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	}
	return a.server.ListenAndServe()
}

func (a *App) serverAddr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// Registry exposes the live session registry, mainly for tests.
func (a *App) Registry() *session.Registry { return a.registry }

// Store exposes the summary store, mainly for tests.
func (a *App) Store() store.Store { return a.store }

// Shutdown stops every live session, flushes their summaries, and closes the
// remaining subsystems in order. It respects the context deadline: closers
// still pending when ctx expires are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		summaries := a.registry.StopAll()
		a.logger.Info("shutting down", "sessions_stopped", len(summaries))
		a.flushSummaries(summaries)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// flushSummaries makes one best-effort save per stopped session.
func (a *App) flushSummaries(summaries []*types.Summary) {
	for _, s := range summaries {
		ctx, cancel := context.WithTimeout(context.Background(), summaryFlushTimeout)
		if err := a.store.SaveSummary(ctx, s); err != nil {
			a.logger.Error("summary persist failed", "session_id", s.SessionID, "err", err)
		}
		cancel()
	}
}

// transcribeConfig converts the YAML tuning block to the client config.
// Fields the YAML does not expose (keepalive, backoff, prewarm) keep the
// client defaults.
func transcribeConfig(tc config.Transcription) transcribe.Config {
	return transcribe.Config{
		SampleRate:     tc.SampleRate,
		Language:       tc.Language,
		InterimResults: tc.InterimResults,
		BufferSeconds:  tc.BufferSeconds,
	}
}
