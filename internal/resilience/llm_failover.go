package resilience

import (
	"context"
	"log/slog"

	"github.com/parlancehq/parlance/pkg/provider/llm"
)

// LLMFailover implements llm.Provider across multiple model backends. Each
// backend carries its own breaker; when the primary is failing or open, the
// next healthy backend serves the call.
//
// Only the attempt to open a stream participates in failover. Once a stream
// is established, mid-stream faults belong to the caller.
type LLMFailover struct {
	group *Failover[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates a failover provider with primary as the preferred
// backend. Register alternates with AddFallback.
func NewLLMFailover(primary llm.Provider, name string, breaker BreakerConfig, logger *slog.Logger) *LLMFailover {
	return &LLMFailover{group: NewFailover(primary, name, breaker, logger)}
}

// AddFallback registers an additional backend, tried after the primary.
func (f *LLMFailover) AddFallback(name string, provider llm.Provider) {
	f.group.Add(name, provider)
}

// StreamCompletion implements llm.Provider.
func (f *LLMFailover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete implements llm.Provider.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
