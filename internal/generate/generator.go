// Package generate streams model replies and surfaces them sentence by
// sentence, so downstream consumers (speech synthesis, suggestion parsing)
// can act incrementally instead of waiting for the full reply.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/types"
)

const (
	defaultMaxTokens            = 512
	defaultMaxRetries           = 2
	defaultMaxHistoryTurns      = 20
	defaultContextWindowSeconds = 300
	defaultTemperature          = 0.7

	retryDelay = 250 * time.Millisecond
)

// Options is the generator's configuration surface. Every field has a
// default and every field can be overridden per call.
type Options struct {
	// Model overrides the provider's configured model. Empty keeps the
	// provider default.
	Model string

	// Temperature controls output randomness.
	Temperature float64

	// MaxTokens caps completion length.
	MaxTokens int

	// MaxRetries is the retry ceiling for failures that prevent the stream
	// from starting. Mid-stream failures are not retried.
	MaxRetries int

	// MaxHistoryTurns caps how many conversation turns are sent to the model.
	MaxHistoryTurns int

	// ContextWindowSeconds drops turns older than this before the turn cap is
	// applied. Zero disables the time filter.
	ContextWindowSeconds int
}

// CallOption overrides one Options field for a single Generate call.
type CallOption func(*Options)

// WithModel overrides the model for one call.
func WithModel(model string) CallOption {
	return func(o *Options) { o.Model = model }
}

// WithMaxTokens overrides the completion token cap for one call.
func WithMaxTokens(n int) CallOption {
	return func(o *Options) { o.MaxTokens = n }
}

// WithMaxRetries overrides the stream-start retry ceiling for one call.
func WithMaxRetries(n int) CallOption {
	return func(o *Options) { o.MaxRetries = n }
}

// WithMaxHistoryTurns overrides the history turn cap for one call.
func WithMaxHistoryTurns(n int) CallOption {
	return func(o *Options) { o.MaxHistoryTurns = n }
}

// WithContextWindowSeconds overrides the history time window for one call.
func WithContextWindowSeconds(n int) CallOption {
	return func(o *Options) { o.ContextWindowSeconds = n }
}

// Result is the outcome of one Generate call.
type Result struct {
	// Text is the full concatenated reply, including everything already
	// delivered through the sentence callback.
	Text string

	// Usage is the provider's token accounting, when reported.
	Usage llm.Usage
}

// Generator streams model output and segments it into sentences. One
// Generator is shared by a session's reactions; calls are independent.
type Generator struct {
	provider llm.Provider
	defaults Options
	logger   *slog.Logger
}

// New creates a Generator over the given provider. Zero-valued defaults are
// filled in from the package constants.
func New(provider llm.Provider, defaults Options, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.Temperature == 0 {
		defaults.Temperature = defaultTemperature
	}
	if defaults.MaxTokens == 0 {
		defaults.MaxTokens = defaultMaxTokens
	}
	if defaults.MaxRetries == 0 {
		defaults.MaxRetries = defaultMaxRetries
	}
	if defaults.MaxHistoryTurns == 0 {
		defaults.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	if defaults.ContextWindowSeconds == 0 {
		defaults.ContextWindowSeconds = defaultContextWindowSeconds
	}
	return &Generator{provider: provider, defaults: defaults, logger: logger}
}

// Generate streams a reply for the given system prompt and history. Each
// complete sentence is delivered through onSentence as soon as its boundary
// is seen; any non-empty remainder is flushed when the stream ends. The full
// concatenated text is returned alongside the provider's token usage.
//
// Cancelling ctx aborts the stream; the error then wraps ctx.Err().
func (g *Generator) Generate(ctx context.Context, systemPrompt string, history []types.Turn, onSentence func(string), opts ...CallOption) (*Result, error) {
	o := g.defaults
	for _, opt := range opts {
		opt(&o)
	}

	req := llm.CompletionRequest{
		Messages:     FilterByContextWindow(history, o.ContextWindowSeconds, o.MaxHistoryTurns),
		Model:        o.Model,
		Temperature:  o.Temperature,
		MaxTokens:    o.MaxTokens,
		SystemPrompt: systemPrompt,
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("generate: empty history after context filtering")
	}

	ch, err := g.startStream(ctx, req, o.MaxRetries)
	if err != nil {
		return nil, err
	}
	return g.collect(ctx, ch, onSentence)
}

// startStream opens the completion stream, retrying transient start failures
// up to the configured ceiling.
func (g *Generator) startStream(ctx context.Context, req llm.CompletionRequest, maxRetries int) (<-chan llm.Chunk, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			g.logger.Warn("retrying completion stream", "attempt", attempt, "err", lastErr)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("generate: start stream: %w", ctx.Err())
			}
		}
		ch, err := g.provider.StreamCompletion(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("generate: start stream after %d attempts: %w", maxRetries+1, lastErr)
}

// collect accumulates streamed chunks, emitting complete sentences eagerly
// and flushing the remainder at stream end.
func (g *Generator) collect(ctx context.Context, ch <-chan llm.Chunk, onSentence func(string)) (*Result, error) {
	var full strings.Builder
	var buf strings.Builder
	var usage llm.Usage

	emit := func(s string) {
		if onSentence != nil && s != "" {
			onSentence(s)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("generate: stream aborted: %w", ctx.Err())
		case chunk, ok := <-ch:
			if !ok {
				// Providers close the channel on cancellation too; a closed
				// stream under a dead context is an abort, not a completion.
				if err := ctx.Err(); err != nil {
					return nil, fmt.Errorf("generate: stream aborted: %w", err)
				}
				if buf.Len() > 0 {
					emit(buf.String())
				}
				return &Result{Text: full.String(), Usage: usage}, nil
			}

			if chunk.FinishReason == "error" {
				go drainChunks(ch)
				return nil, fmt.Errorf("generate: stream failed: %s", chunk.Text)
			}

			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				buf.WriteString(chunk.Text)
			}
			if chunk.FinishReason != "" {
				usage = chunk.Usage
			}

			// Flush complete sentences eagerly for low-latency consumers.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				emit(sentence)
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first sentence-ending
// punctuation mark that is followed by whitespace, or -1 if the buffer holds
// no complete sentence yet.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards remaining chunks so the provider's goroutine does not
// block after an early return.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
