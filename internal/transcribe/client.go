// Package transcribe wraps a streaming STT provider with the resilience a
// live session needs: buffering during outages, bounded reconnection with
// backoff and replay, periodic keepalives, and an optional prewarmed link.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlancehq/parlance/pkg/provider/stt"
	"github.com/parlancehq/parlance/pkg/types"
)

const (
	defaultSampleRate        = 16000
	defaultBufferSeconds     = 5
	defaultKeepAliveInterval = 10 * time.Second
	defaultPrewarmIdle       = 30 * time.Second

	bytesPerSample = 2 // 16-bit mono PCM
)

// defaultBackoff is the fixed reconnect schedule.
var defaultBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Sentinel errors returned by Client methods.
var (
	ErrClosed     = errors.New("transcribe: client is closed")
	ErrNotStarted = errors.New("transcribe: client is not started")
	ErrDegraded   = errors.New("transcribe: transcription is degraded")
)

// Listener receives the client's lifecycle and transcript events. All
// callbacks are invoked from the client's internal goroutines; implementations
// must not block.
type Listener interface {
	// TranscriptionOpened fires once the upstream link is established.
	TranscriptionOpened()

	// PartialReceived delivers an interim (advisory) transcript.
	PartialReceived(t types.Transcript)

	// TranscriptReceived delivers a final transcript.
	TranscriptReceived(t types.Transcript)

	// TranscriptionReconnected fires after a successful reconnect, once the
	// buffered audio has been replayed.
	TranscriptionReconnected()

	// TranscriptionDegraded fires when all reconnect attempts are exhausted.
	// The client stays alive but drops audio until externally restarted.
	TranscriptionDegraded()
}

// nopListener satisfies Listener with no-ops.
type nopListener struct{}

func (nopListener) TranscriptionOpened()                {}
func (nopListener) PartialReceived(types.Transcript)    {}
func (nopListener) TranscriptReceived(types.Transcript) {}
func (nopListener) TranscriptionReconnected()           {}
func (nopListener) TranscriptionDegraded()              {}

// Config carries the client's tunables. Zero values fall back to defaults.
type Config struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Language is the BCP-47 recognition language.
	Language string

	// InterimResults requests advisory partial transcripts.
	InterimResults bool

	// BufferSeconds bounds the replay buffer: cap = BufferSeconds *
	// SampleRate * 2 bytes.
	BufferSeconds int

	// KeepAliveInterval is the upstream liveness signal period.
	KeepAliveInterval time.Duration

	// ReconnectBackoff is the fixed backoff schedule; exhausting it degrades
	// the client.
	ReconnectBackoff []time.Duration

	// PrewarmIdle is how long a prewarmed link waits for audio before
	// auto-closing.
	PrewarmIdle time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.BufferSeconds == 0 {
		c.BufferSeconds = defaultBufferSeconds
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if len(c.ReconnectBackoff) == 0 {
		c.ReconnectBackoff = defaultBackoff
	}
	if c.PrewarmIdle == 0 {
		c.PrewarmIdle = defaultPrewarmIdle
	}
}

// Client turns a raw audio stream into timed transcript events despite an
// unreliable upstream link. One Client serves one session.
type Client struct {
	provider stt.Provider
	cfg      Config
	listener Listener
	logger   *slog.Logger

	mu           sync.Mutex
	started      bool
	closed       bool
	degraded     bool
	reconnecting bool
	session      stt.SessionHandle
	buffer       *ringBuffer
	prewarmTimer *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc

	closeOnce sync.Once
}

// NewClient creates a Client over the given provider. listener may be nil.
func NewClient(provider stt.Provider, cfg Config, listener Listener, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if listener == nil {
		listener = nopListener{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		listener: listener,
		logger:   logger,
		buffer:   newRingBuffer(cfg.BufferSeconds * cfg.SampleRate * bytesPerSample),
	}
}

// Start establishes the upstream link and begins delivering transcripts.
// Credential or connectivity failures surface here immediately.
func (c *Client) Start(ctx context.Context) error {
	return c.start(ctx, false)
}

// Prewarm establishes the upstream link before any audio arrives. If no
// audio is sent within the configured idle window, the client closes itself.
func (c *Client) Prewarm(ctx context.Context) error {
	return c.start(ctx, true)
}

func (c *Client) start(ctx context.Context, prewarm bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		// A prewarmed client being started for real is no longer idle.
		if !prewarm && c.prewarmTimer != nil {
			c.prewarmTimer.Stop()
			c.prewarmTimer = nil
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sess, err := c.provider.StartStream(ctx, c.streamConfig())
	if err != nil {
		return fmt.Errorf("transcribe: start: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Close()
		return ErrClosed
	}
	c.started = true
	c.session = sess
	c.ctx, c.cancel = context.WithCancel(ctx)
	if prewarm {
		c.prewarmTimer = time.AfterFunc(c.cfg.PrewarmIdle, func() {
			c.logger.Info("prewarmed transcription link expired unused")
			c.Close()
		})
	}
	c.mu.Unlock()

	c.listener.TranscriptionOpened()
	c.attach(sess)
	return nil
}

// attach starts the consume and keepalive goroutines for one upstream
// session generation.
func (c *Client) attach(sess stt.SessionHandle) {
	sessDone := make(chan struct{})
	go c.consume(sess, sessDone)
	go c.keepalive(sess, sessDone)
}

// SendAudio forwards a PCM chunk upstream. While reconnecting, chunks are
// buffered (bounded, oldest dropped first); while degraded, chunks are
// rejected.
func (c *Client) SendAudio(chunk []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.prewarmTimer != nil {
		c.prewarmTimer.Stop()
		c.prewarmTimer = nil
	}
	if c.degraded {
		c.mu.Unlock()
		return ErrDegraded
	}
	if c.reconnecting {
		c.buffer.append(chunk)
		c.mu.Unlock()
		return nil
	}
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return ErrNotStarted
	}
	return sess.SendAudio(chunk)
}

// Close tears the client down: idempotent, cancels all timers, clears the
// buffer, and suppresses further reconnect attempts.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.prewarmTimer != nil {
			c.prewarmTimer.Stop()
			c.prewarmTimer = nil
		}
		if c.cancel != nil {
			c.cancel()
		}
		sess := c.session
		c.session = nil
		c.buffer.clear()
		c.mu.Unlock()

		if sess != nil {
			sess.Close()
		}
	})
	return nil
}

// Degraded reports whether the client has given up on reconnecting.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Reconnecting reports whether the client is currently between upstream
// sessions, buffering inbound audio.
func (c *Client) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate:     c.cfg.SampleRate,
		Channels:       1,
		Language:       c.cfg.Language,
		InterimResults: c.cfg.InterimResults,
	}
}

// consume forwards transcript events until the upstream link ends. A link
// that ends without the caller closing the client triggers reconnection.
func (c *Client) consume(sess stt.SessionHandle, sessDone chan struct{}) {
	defer close(sessDone)

	partials := sess.Partials()
	finals := sess.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			c.listener.PartialReceived(t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.listener.TranscriptReceived(t)
		}
	}

	if c.isClosed() {
		return
	}
	c.logger.Warn("transcription link lost, reconnecting")
	go c.reconnect()
}

// keepalive sends the upstream liveness signal on a fixed interval while the
// session generation is live.
func (c *Client) keepalive(sess stt.SessionHandle, sessDone <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			if err := sess.KeepAlive(); err != nil {
				return
			}
		case <-sessDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconnect walks the backoff schedule. Each attempt re-checks the closed
// flag so an intentional Close never races a reconnect. Success replays the
// buffer in arrival order and resumes; exhaustion degrades the client.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.session = nil
	ctx := c.ctx
	c.mu.Unlock()

	for attempt, delay := range c.cfg.ReconnectBackoff {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		if c.isClosed() {
			return
		}

		sess, err := c.provider.StartStream(ctx, c.streamConfig())
		if err != nil {
			c.logger.Warn("transcription reconnect attempt failed", "attempt", attempt+1, "err", err)
			continue
		}

		// Replay buffered audio in order, then swap the session in. Audio
		// arriving during replay keeps landing in the buffer, so drain until
		// it is empty before flipping the reconnecting flag.
		for {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				sess.Close()
				return
			}
			chunks := c.buffer.drain()
			if len(chunks) == 0 {
				c.session = sess
				c.reconnecting = false
				c.mu.Unlock()
				break
			}
			c.mu.Unlock()
			for _, chunk := range chunks {
				if err := sess.SendAudio(chunk); err != nil {
					c.logger.Warn("replay after reconnect failed", "err", err)
				}
			}
		}

		c.listener.TranscriptionReconnected()
		c.attach(sess)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.buffer.clear()
	c.reconnecting = false
	c.degraded = true
	c.mu.Unlock()

	c.logger.Error("transcription reconnect attempts exhausted, session degraded")
	c.listener.TranscriptionDegraded()
}
