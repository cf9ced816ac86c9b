// Package gateway terminates client WebSocket connections and bridges them to
// per-connection session orchestrators. Each connection owns exactly one
// session; when the connection ends the session is stopped and its summary is
// persisted best-effort.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parlancehq/parlance/internal/auth"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/session"
	"github.com/parlancehq/parlance/internal/store"
	"github.com/parlancehq/parlance/pkg/provider/tts"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultPongTimeout  = 10 * time.Second

	// writeTimeout bounds one outbound frame write so a stalled client
	// cannot wedge a session goroutine.
	writeTimeout = 5 * time.Second

	// readLimit accommodates large audio frames; the coder/websocket default
	// of 32 KiB is too tight for clients that batch PCM.
	readLimit = 1 << 20

	persistTimeout = 5 * time.Second
)

// SessionFactory builds one orchestrator for a new connection. The app layer
// closes over the provider set; the gateway stays transport-only.
type SessionFactory func(cfg session.Config, sink session.Sink) *session.Orchestrator

// Config tunes the gateway's connection handling. Zero values take defaults.
type Config struct {
	// PingInterval is how often the gateway pings each connection. Default 20s.
	PingInterval time.Duration

	// PongTimeout is how long a ping may go unanswered before the connection
	// is considered dead. Default 10s.
	PongTimeout time.Duration

	// InsecureSkipVerify disables origin checking. Test use only.
	InsecureSkipVerify bool
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
}

// Gateway is the WebSocket endpoint handler. Safe for concurrent use; each
// connection is served on its own goroutines.
type Gateway struct {
	cfg        Config
	verifier   auth.Verifier
	registry   *session.Registry
	store      store.Store // optional; nil disables persistence
	newSession SessionFactory
	metrics    *observe.Metrics
	logger     *slog.Logger
}

// Compile-time interface assertion.
var _ http.Handler = (*Gateway)(nil)

// New creates a Gateway. verifier, registry, and factory are required; st and
// metrics may be nil.
func New(cfg Config, verifier auth.Verifier, registry *session.Registry, st store.Store, factory SessionFactory, metrics *observe.Metrics, logger *slog.Logger) *Gateway {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:        cfg,
		verifier:   verifier,
		registry:   registry,
		store:      st,
		newSession: factory,
		metrics:    metrics,
		logger:     logger,
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "err", err)
		return
	}

	// Auth close codes are delivered over the established socket so clients
	// can tell a missing token from a rejected one.
	if token == "" {
		conn.Close(StatusMissingToken, "missing token")
		return
	}
	identity, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		g.logger.Warn("rejecting connection", "err", err)
		conn.Close(StatusInvalidToken, "invalid token")
		return
	}

	conn.SetReadLimit(readLimit)
	g.metrics.ConnectionOpened(r.Context())
	defer g.metrics.ConnectionClosed(context.Background())

	g.serve(r.Context(), conn, identity)
}

// serve runs one connection's read loop and keepalive probe to completion.
func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, identity auth.Identity) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		conn:     conn,
		ctx:      ctx,
		identity: identity,
		logger:   g.logger,
	}
	defer g.teardown(c)

	go g.keepalive(ctx, conn, cancel)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				g.logger.Debug("connection closed", "status", status)
			} else {
				g.logger.Warn("connection read failed", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			g.handleAudio(c, data)
		case websocket.MessageText:
			if done := g.handleCommand(ctx, c, data); done {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
		}
	}
}

// handleAudio forwards one PCM chunk to the connection's session.
func (g *Gateway) handleAudio(c *connection, pcm []byte) {
	o := c.session()
	if o == nil {
		c.pushError("no active session")
		return
	}
	if err := o.HandleAudio(pcm); err != nil {
		c.pushError(err.Error())
	}
}

// handleCommand dispatches one control frame. It reports true when the
// connection should close.
func (g *Gateway) handleCommand(ctx context.Context, c *connection, data []byte) bool {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.pushError("malformed control frame")
		return false
	}

	switch cmd.Type {
	case cmdStartSession:
		g.startSession(ctx, c, cmd)
	case cmdStartListening:
		if o := c.session(); o != nil {
			if err := o.StartListening(ctx); err != nil {
				c.pushError(err.Error())
			}
		} else {
			c.pushError("no active session")
		}
	case cmdStopListening:
		if o := c.session(); o != nil {
			o.StopListening()
		} else {
			c.pushError("no active session")
		}
	case cmdEndSession:
		// Stop before closing so the summary event reaches the client.
		g.teardown(c)
		return true
	default:
		c.pushError("unknown command: " + cmd.Type)
	}
	return false
}

// startSession builds and starts this connection's orchestrator.
func (g *Gateway) startSession(ctx context.Context, c *connection, cmd command) {
	if c.session() != nil {
		c.pushError("session already started")
		return
	}

	mode := session.Mode(cmd.Mode)
	if !mode.Valid() {
		c.pushError("invalid mode: " + cmd.Mode)
		return
	}

	cfg := session.Config{
		SessionID:    uuid.NewString(),
		UserID:       c.identity.UserID,
		OrgID:        c.identity.OrgID,
		Mode:         mode,
		SystemPrompt: cmd.SystemPrompt,
		Scenario:     cmd.Scenario,
	}
	if cmd.Voice != "" {
		cfg.Voice = tts.VoiceProfile{ID: cmd.Voice}
	}

	o := g.newSession(cfg, c)
	if err := o.Start(ctx); err != nil {
		c.pushError(err.Error())
		return
	}
	c.setSession(o)
	g.registry.Add(o)
}

// teardown stops the connection's session and persists its summary. Calling
// it again is a no-op.
func (g *Gateway) teardown(c *connection) {
	o := c.session()
	if o == nil {
		return
	}
	c.setSession(nil)
	summary := o.Stop()
	g.registry.Remove(o.ID())

	if g.store == nil {
		return
	}
	// One best-effort attempt; a failed save never disturbs teardown.
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.store.SaveSummary(ctx, summary); err != nil {
		g.logger.Error("summary persist failed", "session_id", summary.SessionID, "err", err)
	}
}

// keepalive pings the peer on an interval and cancels the connection when a
// pong does not arrive in time.
func (g *Gateway) keepalive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					g.logger.Warn("keepalive ping failed, dropping connection", "err", err)
					conn.Close(websocket.StatusPolicyViolation, "keepalive timeout")
				}
				cancel()
				return
			}
		}
	}
}

// bearerToken extracts the auth token from the Authorization header or the
// token query parameter. Browser WebSocket clients cannot set headers, hence
// the query fallback. An Authorization header that is present but not
// Bearer-shaped is returned as-is: the client did supply a credential, so the
// verifier rejects it as invalid rather than missing.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return h
	}
	return r.URL.Query().Get("token")
}

// connection adapts one WebSocket connection into a session.Sink. Outbound
// writes share the connection's context with a per-frame timeout.
type connection struct {
	conn     *websocket.Conn
	ctx      context.Context
	identity auth.Identity
	logger   *slog.Logger

	mu   sync.Mutex
	sess *session.Orchestrator
}

// Compile-time interface assertion.
var _ session.Sink = (*connection)(nil)

func (c *connection) session() *session.Orchestrator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *connection) setSession(o *session.Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = o
}

// PushEvent implements session.Sink.
func (c *connection) PushEvent(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("event encode failed", "type", ev.Type, "err", err)
		return
	}
	c.write(websocket.MessageText, data)
}

// PushAudio implements session.Sink.
func (c *connection) PushAudio(pcm []byte) {
	c.write(websocket.MessageBinary, pcm)
}

func (c *connection) pushError(msg string) {
	c.PushEvent(session.Event{Type: session.EventError, Error: msg})
}

func (c *connection) write(typ websocket.MessageType, data []byte) {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, typ, data); err != nil {
		// The read loop notices the dead connection; nothing to do here.
		c.logger.Debug("outbound write failed", "err", err)
	}
}
