package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/llm/mock"
	"github.com/parlancehq/parlance/pkg/types"
)

func chunksOf(texts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(texts))
	for _, t := range texts {
		out = append(out, llm.Chunk{Text: t})
	}
	return out
}

func oneTurn() []types.Turn {
	return []types.Turn{{Role: types.RoleInitiator, Content: "hello"}}
}

func TestGenerateEmitsSentencesIncrementally(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: chunksOf("Hel", "lo there. How ", "are you? Fin", "e, thanks")}
	g := New(p, Options{}, nil)

	var sentences []string
	res, err := g.Generate(context.Background(), "sys", oneTurn(), func(s string) {
		sentences = append(sentences, s)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	want := []string{"Hello there.", "How are you?", "Fine, thanks"}
	if len(sentences) != len(want) {
		t.Fatalf("got %d sentences %q, want %d", len(sentences), sentences, len(want))
	}
	for i, s := range sentences {
		if s != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, s, want[i])
		}
	}
	if got := res.Text; got != "Hello there. How are you? Fine, thanks" {
		t.Errorf("full text = %q", got)
	}
}

func TestGenerateReportsUsage(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Done."},
		{FinishReason: "stop", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}}
	g := New(p, Options{}, nil)

	res, err := g.Generate(context.Background(), "", oneTurn(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Usage.TotalTokens != 15 {
		t.Errorf("Usage.TotalTokens = %d, want 15", res.Usage.TotalTokens)
	}
}

func TestGenerateRetriesStartFailures(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		StreamErrs:   []error{errors.New("boom"), nil},
		StreamChunks: chunksOf("Okay."),
	}
	g := New(p, Options{}, nil)

	res, err := g.Generate(context.Background(), "", oneTurn(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Okay." {
		t.Errorf("Text = %q, want %q", res.Text, "Okay.")
	}
	if got := p.StreamCallCount(); got != 2 {
		t.Errorf("StreamCompletion called %d times, want 2", got)
	}
}

func TestGeneratePropagatesExhaustedRetries(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamErr: errors.New("down")}
	g := New(p, Options{MaxRetries: 1}, nil)

	_, err := g.Generate(context.Background(), "", oneTurn(), nil)
	if err == nil {
		t.Fatal("Generate succeeded, want error")
	}
	if got := p.StreamCallCount(); got != 2 {
		t.Errorf("StreamCompletion called %d times, want 2", got)
	}
}

func TestGeneratePropagatesMidStreamError(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Part"},
		{FinishReason: "error", Text: "rate limited"},
	}}
	g := New(p, Options{}, nil)

	_, err := g.Generate(context.Background(), "", oneTurn(), nil)
	if err == nil {
		t.Fatal("Generate succeeded, want error")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v, want provider message included", err)
	}
}

func TestGenerateRejectsEmptyFilteredHistory(t *testing.T) {
	t.Parallel()

	g := New(&mock.Provider{}, Options{}, nil)
	_, err := g.Generate(context.Background(), "sys", nil, nil)
	if err == nil {
		t.Fatal("Generate with empty history succeeded, want error")
	}
}

func TestGenerateAbortsOnCancel(t *testing.T) {
	t.Parallel()

	delay := make(chan struct{})
	p := &mock.Provider{
		StreamChunks: chunksOf("never delivered"),
		StreamDelay:  delay,
	}
	g := New(p, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	t.Cleanup(func() { close(delay) })

	_, err := g.Generate(ctx, "", oneTurn(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestGenerateForwardsCallOptions(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: chunksOf("Hi.")}
	g := New(p, Options{}, nil)

	_, err := g.Generate(context.Background(), "", oneTurn(), nil,
		WithModel("alt-model"), WithMaxTokens(64))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	req := p.StreamCalls[0].Req
	if req.Model != "alt-model" {
		t.Errorf("req.Model = %q, want %q", req.Model, "alt-model")
	}
	if req.MaxTokens != 64 {
		t.Errorf("req.MaxTokens = %d, want 64", req.MaxTokens)
	}
}
