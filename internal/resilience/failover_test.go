package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	llmmock "github.com/parlancehq/parlance/pkg/provider/llm/mock"
	"github.com/parlancehq/parlance/pkg/types"
)

func TestFailoverPrefersPrimary(t *testing.T) {
	t.Parallel()

	var hits []string
	f := NewFailover("primary", "primary", BreakerConfig{}, nil)
	f.Add("secondary", "secondary")

	err := f.Do(func(name string) error {
		hits = append(hits, name)
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(hits) != 1 || hits[0] != "primary" {
		t.Fatalf("hits = %v, want [primary]", hits)
	}
}

func TestFailoverFallsThroughOnFailure(t *testing.T) {
	t.Parallel()

	f := NewFailover("primary", "primary", BreakerConfig{}, nil)
	f.Add("secondary", "secondary")

	got, err := Call(f, func(name string) (string, error) {
		if name == "primary" {
			return "", errBackend
		}
		return "served by " + name, nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "served by secondary" {
		t.Fatalf("result = %q", got)
	}
}

func TestFailoverAllBackendsFailed(t *testing.T) {
	t.Parallel()

	f := NewFailover("a", "a", BreakerConfig{}, nil)
	f.Add("b", "b")

	_, err := Call(f, func(string) (int, error) { return 0, errBackend })
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Fatalf("err = %v, want ErrAllBackendsFailed", err)
	}
}

func TestFailoverSkipsTrippedBackend(t *testing.T) {
	t.Parallel()

	f := NewFailover("flaky", "flaky", BreakerConfig{FailureLimit: 2, Cooldown: time.Hour}, nil)
	f.Add("steady", "steady")

	// Trip the primary's breaker.
	for i := 0; i < 2; i++ {
		_ = f.Do(func(name string) error {
			if name == "flaky" {
				return errBackend
			}
			return nil
		})
	}

	// With the breaker open the primary is not even called.
	var hits []string
	err := f.Do(func(name string) error {
		hits = append(hits, name)
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(hits) != 1 || hits[0] != "steady" {
		t.Fatalf("hits = %v, want [steady]", hits)
	}
}

func TestLLMFailoverStreamsFromFirstHealthyBackend(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errBackend}
	fallback := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "ok", FinishReason: "stop"}}}

	f := NewLLMFailover(primary, "primary", BreakerConfig{}, nil)
	f.AddFallback("fallback", fallback)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for chunk := range ch {
		text += chunk.Text
	}
	if text != "ok" {
		t.Fatalf("streamed text = %q, want ok", text)
	}
	if primary.StreamCallCount() != 1 || fallback.StreamCallCount() != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", primary.StreamCallCount(), fallback.StreamCallCount())
	}
}

func TestLLMFailoverComplete(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "primary answer"}}
	f := NewLLMFailover(primary, "primary", BreakerConfig{}, nil)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "primary answer" {
		t.Fatalf("Content = %q", resp.Content)
	}
}
