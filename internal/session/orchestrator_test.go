package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/generate"
	"github.com/parlancehq/parlance/internal/insight"
	"github.com/parlancehq/parlance/internal/transcribe"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	llmmock "github.com/parlancehq/parlance/pkg/provider/llm/mock"
	sttmock "github.com/parlancehq/parlance/pkg/provider/stt/mock"
	ttsmock "github.com/parlancehq/parlance/pkg/provider/tts/mock"
	"github.com/parlancehq/parlance/pkg/types"
)

// testSink records pushed events and audio.
type testSink struct {
	mu     sync.Mutex
	events []Event
	audio  [][]byte
}

func (s *testSink) PushEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *testSink) PushAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.audio = append(s.audio, cp)
}

func (s *testSink) byType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *testSink) audioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, chunk := range s.audio {
		n += len(chunk)
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting until %s", what)
}

type fixture struct {
	orch *Orchestrator
	stt  *sttmock.Provider
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	sink *testSink
}

type fixtureOpt func(*Config)

func withCards(cards []insight.BattleCard) fixtureOpt {
	return func(c *Config) { c.Cards = cards }
}

func newFixture(t *testing.T, mode Mode, useTTS bool, opts ...fixtureOpt) *fixture {
	t.Helper()

	f := &fixture{
		stt:  &sttmock.Provider{},
		llm:  &llmmock.Provider{},
		sink: &testSink{},
	}
	cfg := Config{
		SessionID: "sess-1",
		UserID:    "user-1",
		OrgID:     "org-1",
		Mode:      mode,
		Transcription: transcribe.Config{
			KeepAliveInterval: time.Hour,
			ReconnectBackoff:  []time.Duration{time.Millisecond},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	deps := Deps{
		STT:       f.stt,
		Generator: generate.New(f.llm, generate.Options{MaxRetries: 1}, nil),
		Sink:      f.sink,
	}
	if useTTS {
		f.tts = &ttsmock.Provider{}
		deps.TTS = f.tts
	}

	f.orch = NewOrchestrator(cfg, deps)
	t.Cleanup(func() { f.orch.Stop() })
	return f
}

// begin starts the session and listening, returning the live mock STT session.
func (f *fixture) begin(t *testing.T) *sttmock.Session {
	t.Helper()
	ctx := context.Background()
	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.orch.StartListening(ctx); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	return f.stt.Sessions[0]
}

const analysisJSON = `{"suggestions":["Ask about their timeline","Mention the migration service"],` +
	`"sentiment":{"score":0.5,"label":"positive"},` +
	`"topics_covered":["pricing"],"topics_missed":["security"]}`

func TestSuggestionOverlappingTranscriptsSingleGeneration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModeSuggestion, false)
	f.llm.StreamDelay = make(chan struct{})
	f.llm.StreamChunks = []llm.Chunk{
		{Text: analysisJSON, FinishReason: "stop", Usage: llm.Usage{TotalTokens: 100}},
	}

	sess := f.begin(t)
	if got := f.orch.State(); got != StateListening {
		t.Fatalf("state after StartListening = %q, want %q", got, StateListening)
	}

	// Three finals in quick succession while the first generation is held
	// open: the later triggers must be dropped, not queued.
	for _, text := range []string{"first utterance", "second utterance", "third utterance"} {
		sess.EmitFinal(types.Transcript{Text: text, IsFinal: true, Duration: 2 * time.Second})
	}
	eventually(t, "all transcripts delivered", func() bool {
		return len(f.sink.byType(EventTranscript)) == 3
	})
	if got := f.llm.StreamCallCount(); got != 1 {
		t.Fatalf("generation calls while in flight = %d, want 1", got)
	}

	// Coaching is silent: the machine never left Listening.
	if got := f.orch.State(); got != StateListening {
		t.Fatalf("state during suggestion generation = %q, want %q", got, StateListening)
	}

	close(f.llm.StreamDelay)
	eventually(t, "analysis surfaced", func() bool {
		return len(f.sink.byType(EventSuggestions)) == 1 &&
			len(f.sink.byType(EventSentiment)) == 1
	})

	suggestions := f.sink.byType(EventSuggestions)[0].Suggestions
	if len(suggestions) != 2 {
		t.Fatalf("suggestions = %v, want 2 entries", suggestions)
	}
	sentiments := f.sink.byType(EventSentiment)
	if len(sentiments) != 1 || sentiments[0].Sentiment.Label != "positive" {
		t.Fatalf("sentiment events = %+v, want one positive entry", sentiments)
	}
	if got := f.llm.StreamCallCount(); got != 1 {
		t.Fatalf("generation calls after release = %d, want 1", got)
	}

	s := f.orch.Stop()
	if s.Turns != 3 {
		t.Errorf("Turns = %d, want 3", s.Turns)
	}
	if s.SuggestionCount != 2 {
		t.Errorf("SuggestionCount = %d, want 2", s.SuggestionCount)
	}
	if s.OverallSentiment != "positive" {
		t.Errorf("OverallSentiment = %q, want positive", s.OverallSentiment)
	}
	if len(s.TopicsCovered) != 1 || s.TopicsCovered[0] != "pricing" {
		t.Errorf("TopicsCovered = %v, want [pricing]", s.TopicsCovered)
	}
	if len(s.TopicsMissed) != 1 || s.TopicsMissed[0] != "security" {
		t.Errorf("TopicsMissed = %v, want [security]", s.TopicsMissed)
	}
	// Roles alternate initiator/responder/initiator at 2s each: 4s of 6s.
	if s.TalkRatio < 0.66 || s.TalkRatio > 0.67 {
		t.Errorf("TalkRatio = %v, want ~2/3", s.TalkRatio)
	}
	if s.Cost.TokensUsed != 100 {
		t.Errorf("Cost.TokensUsed = %d, want 100", s.Cost.TokensUsed)
	}
	if s.Cost.AudioSecondsTranscribed != 6 {
		t.Errorf("Cost.AudioSecondsTranscribed = %v, want 6", s.Cost.AudioSecondsTranscribed)
	}
}

func TestPersonaBargeInAbortsReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModePersona, false)
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Hello there. "},
		{Text: "It is nice to meet you.", FinishReason: "stop", Usage: llm.Usage{TotalTokens: 40}},
	}
	f.llm.HoldAfter = 1
	f.llm.Resume = make(chan struct{})

	sess := f.begin(t)
	sess.EmitFinal(types.Transcript{Text: "tell me about your product", IsFinal: true, Duration: time.Second})

	// First sentence arrives, the persona starts speaking, then the stream
	// freezes mid-reply.
	eventually(t, "machine reaches speaking", func() bool {
		return f.orch.State() == StateSpeaking
	})
	if got := len(f.sink.byType(EventSentence)); got != 1 {
		t.Fatalf("sentence events before barge-in = %d, want 1", got)
	}

	// Inbound audio while speaking is a barge-in.
	if err := f.orch.HandleAudio(make([]byte, 320)); err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}
	eventually(t, "machine returns to listening", func() bool {
		return f.orch.State() == StateListening
	})

	var sawInterruption bool
	for _, ev := range f.sink.byType(EventStateChanged) {
		if ev.From == string(StateSpeaking) && ev.To == string(StateInterruption) {
			sawInterruption = true
		}
	}
	if !sawInterruption {
		t.Fatal("no speaking->interruption transition observed")
	}

	// The aborted reply must not be folded into history. Once the in-flight
	// slot is released a fresh trigger runs; with Resume closed the second
	// reply completes.
	eventually(t, "aborted reply releases the in-flight slot", func() bool {
		f.orch.mu.Lock()
		defer f.orch.mu.Unlock()
		return !f.orch.inFlight
	})
	close(f.llm.Resume)
	sess.EmitFinal(types.Transcript{Text: "go on", IsFinal: true, Duration: time.Second})
	eventually(t, "second generation completes", func() bool {
		return f.llm.StreamCallCount() == 2 && f.orch.State() == StateListening &&
			len(f.sink.byType(EventSentence)) == 3
	})

	s := f.orch.Stop()
	// Two initiator finals plus exactly one responder turn: the aborted
	// reply left no trace.
	if s.Turns != 3 {
		t.Errorf("Turns = %d, want 3", s.Turns)
	}
	if s.Cost.TokensUsed != 40 {
		t.Errorf("Cost.TokensUsed = %d, want 40 (aborted reply unbilled)", s.Cost.TokensUsed)
	}
}

func TestPersonaSynthesisPipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModePersona, true)
	// 160000 bytes of 16 kHz 16-bit PCM is 5 seconds per sentence.
	f.tts.AudioFor = func(string) []byte { return make([]byte, 160000) }
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Hi there. Happy to help.", FinishReason: "stop", Usage: llm.Usage{TotalTokens: 30}},
	}

	sess := f.begin(t)
	sess.EmitFinal(types.Transcript{Text: "hello", IsFinal: true, Duration: 10 * time.Second})

	eventually(t, "reply finishes and audio is flushed", func() bool {
		return f.orch.State() == StateListening && f.sink.audioBytes() == 320000
	})

	if got := f.tts.StreamCount(); got != 1 {
		t.Fatalf("synthesis streams = %d, want 1", got)
	}
	texts := f.tts.Streams[0].Texts()
	if len(texts) != 2 || texts[0] != "Hi there." || texts[1] != "Happy to help." {
		t.Fatalf("synthesised fragments = %v", texts)
	}

	s := f.orch.Stop()
	if s.Cost.AudioSecondsSynthesized != 10 {
		t.Errorf("AudioSecondsSynthesized = %v, want 10", s.Cost.AudioSecondsSynthesized)
	}
	// 10s initiator vs 10s synthesized responder speech.
	if s.TalkRatio != 0.5 {
		t.Errorf("TalkRatio = %v, want 0.5", s.TalkRatio)
	}
	if s.Turns != 2 {
		t.Errorf("Turns = %d, want 2", s.Turns)
	}
}

func TestStopBeforeStartYieldsEmptySummary(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModeSuggestion, false)
	s := f.orch.Stop()

	if s.SessionID != "sess-1" || s.Mode != string(ModeSuggestion) {
		t.Fatalf("summary identity = %q/%q", s.SessionID, s.Mode)
	}
	if s.TalkRatio != 0.5 {
		t.Errorf("TalkRatio = %v, want 0.5", s.TalkRatio)
	}
	if s.OverallSentiment != "neutral" {
		t.Errorf("OverallSentiment = %q, want neutral", s.OverallSentiment)
	}
	if s.Turns != 0 || s.Cost.CostUSD != 0 {
		t.Errorf("Turns = %d, CostUSD = %v, want zeros", s.Turns, s.Cost.CostUSD)
	}

	// A session that never started emits nothing.
	f.sink.mu.Lock()
	events := len(f.sink.events)
	f.sink.mu.Unlock()
	if events != 0 {
		t.Errorf("events from unstarted session = %d, want 0", events)
	}

	if err := f.orch.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModeSuggestion, false)
	f.begin(t)

	first := f.orch.Stop()
	second := f.orch.Stop()
	if first != second {
		t.Fatal("repeated Stop returned a different summary record")
	}
	if got := len(f.sink.byType(EventSummary)); got != 1 {
		t.Errorf("summary events = %d, want 1", got)
	}
	if f.orch.State() != StateIdle {
		t.Errorf("state after Stop = %q, want %q", f.orch.State(), StateIdle)
	}
}

func TestStopConcurrentCallersGetCompleteRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModeSuggestion, false)
	f.llm.StreamChunks = []llm.Chunk{
		{Text: analysisJSON, FinishReason: "stop", Usage: llm.Usage{TotalTokens: 40}},
	}

	sess := f.begin(t)
	sess.EmitFinal(types.Transcript{Text: "how is pricing structured", IsFinal: true, Duration: 3 * time.Second})
	eventually(t, "analysis surfaced", func() bool {
		return len(f.sink.byType(EventSuggestions)) == 1
	})

	// Racing stops (connection teardown vs shutdown StopAll) must all see
	// one finished record, cost snapshot included.
	const callers = 8
	var wg sync.WaitGroup
	results := make([]*types.Summary, callers)
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = f.orch.Stop()
		}(i)
	}
	close(start)
	wg.Wait()

	first := results[0]
	for i, s := range results {
		if s != first {
			t.Fatalf("Stop call %d returned a different record", i)
		}
	}
	if first.Cost.TokensUsed != 40 {
		t.Errorf("Cost.TokensUsed = %d, want 40", first.Cost.TokensUsed)
	}
	if first.Cost.AudioSecondsTranscribed != 3 {
		t.Errorf("Cost.AudioSecondsTranscribed = %v, want 3", first.Cost.AudioSecondsTranscribed)
	}
	if got := len(f.sink.byType(EventSummary)); got != 1 {
		t.Errorf("summary events = %d, want 1", got)
	}
}

func TestStartTwiceEmitsOneStartedEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModeSuggestion, false)
	ctx := context.Background()
	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := f.orch.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := len(f.sink.byType(EventSessionStarted)); got != 1 {
		t.Errorf("session_started events = %d, want 1", got)
	}
}

func TestHandleAudioBeforeListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModeSuggestion, false)
	if err := f.orch.HandleAudio([]byte{1, 2}); !errors.Is(err, ErrStopped) {
		t.Errorf("HandleAudio before Start = %v, want ErrStopped", err)
	}

	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.orch.HandleAudio([]byte{1, 2}); !errors.Is(err, transcribe.ErrNotStarted) {
		t.Errorf("HandleAudio before StartListening = %v, want ErrNotStarted", err)
	}
}

func TestBattleCardSurfacedAndCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModeSuggestion, false, withCards([]insight.BattleCard{{
		Title:    "competitor-acme",
		Triggers: []string{"acme corp"},
		Content:  "Acme has no SSO support.",
	}}))

	sess := f.begin(t)
	sess.EmitFinal(types.Transcript{Text: "we are currently using acme corp for this", IsFinal: true})

	eventually(t, "battle card fires", func() bool {
		return len(f.sink.byType(EventBattleCard)) == 1
	})
	ev := f.sink.byType(EventBattleCard)[0]
	if ev.Card == nil || ev.Card.Title != "competitor-acme" {
		t.Fatalf("battle card event = %+v", ev)
	}

	// The same card never fires twice in one session.
	sess.EmitFinal(types.Transcript{Text: "acme corp again", IsFinal: true})
	eventually(t, "second transcript delivered", func() bool {
		return len(f.sink.byType(EventTranscript)) == 2
	})
	if got := len(f.sink.byType(EventBattleCard)); got != 1 {
		t.Fatalf("battle card events = %d, want 1", got)
	}

	if s := f.orch.Stop(); s.BattleCardCount != 1 {
		t.Errorf("BattleCardCount = %d, want 1", s.BattleCardCount)
	}
}

func TestDegradedLinkSurvivesAndRebuilds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModeSuggestion, false)
	// Initial connect succeeds, the single reconnect attempt fails, then the
	// rebuilt client connects cleanly.
	f.stt.StartErrs = []error{nil, errors.New("upstream unavailable")}

	sess := f.begin(t)
	sess.Drop()

	eventually(t, "degraded event surfaces", func() bool {
		return len(f.sink.byType(EventDegraded)) == 1
	})

	// The session is still alive: listening can be re-established on demand.
	if err := f.orch.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening after degradation: %v", err)
	}
	if got := f.stt.StartCount(); got != 3 {
		t.Fatalf("StartStream calls = %d, want 3", got)
	}
	if f.orch.State() != StateListening {
		t.Errorf("state = %q, want %q", f.orch.State(), StateListening)
	}
}

func TestPartialTranscriptsForwardedNotRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModeSuggestion, false)
	sess := f.begin(t)

	sess.EmitPartial(types.Transcript{Text: "hel"})
	sess.EmitPartial(types.Transcript{Text: "hello wor"})
	eventually(t, "partials forwarded", func() bool {
		return len(f.sink.byType(EventPartialTranscript)) == 2
	})

	if s := f.orch.Stop(); s.Turns != 0 {
		t.Errorf("Turns = %d, want 0 (partials are advisory)", s.Turns)
	}
}

func TestPersonaGenerationFailureRecovers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ModePersona, false)
	f.llm.StreamErr = errors.New("model overloaded")

	sess := f.begin(t)
	sess.EmitFinal(types.Transcript{Text: "hello", IsFinal: true})

	// After the retry budget is exhausted the machine returns to Listening
	// and the session keeps running.
	eventually(t, "retries exhausted", func() bool {
		return f.llm.StreamCallCount() == 2
	})
	eventually(t, "machine recovers to listening", func() bool {
		return f.orch.State() == StateListening
	})

	if s := f.orch.Stop(); s.Turns != 1 {
		t.Errorf("Turns = %d, want 1 (failed reply adds no turn)", s.Turns)
	}
}
