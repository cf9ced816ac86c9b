package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parlancehq/parlance/internal/generate"
	"github.com/parlancehq/parlance/internal/insight"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/transcribe"
	"github.com/parlancehq/parlance/pkg/provider/llm"
	"github.com/parlancehq/parlance/pkg/provider/stt"
	"github.com/parlancehq/parlance/pkg/provider/tts"
	"github.com/parlancehq/parlance/pkg/types"
)

// Mode selects how the orchestrator reacts to the conversation.
type Mode string

const (
	// ModeSuggestion coaches a live call silently: reactions are advisory
	// suggestions, sentiment readings, and battle cards.
	ModeSuggestion Mode = "suggestion"

	// ModePersona plays the other side of the conversation and supports
	// being interrupted mid-reply.
	ModePersona Mode = "persona"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSuggestion || m == ModePersona
}

const (
	// pcmBytesPerSecond converts synthesized 16 kHz mono 16-bit PCM byte
	// counts into seconds for cost accounting.
	pcmBytesPerSecond = 16000 * 2

	defaultSuggestionPrompt = "You are a silent sales coach listening to a live call. " +
		"After each customer statement, reply ONLY with a JSON object containing " +
		`"suggestions" (array of short strings), "sentiment" ({"score": -1..1, "label": string}), ` +
		`"topics_covered" and "topics_missed" (arrays of strings).`

	defaultPersonaPrompt = "You are playing the other side of a practice conversation. " +
		"Stay in character and keep replies short and spoken in tone."
)

// ErrStopped is returned by operations invoked after Stop.
var ErrStopped = errors.New("session: orchestrator is stopped")

// Config identifies and parameterises one session.
type Config struct {
	SessionID string
	UserID    string
	OrgID     string

	// Mode selects suggestion or persona behaviour.
	Mode Mode

	// SystemPrompt overrides the built-in mode prompt.
	SystemPrompt string

	// Scenario is an optional scenario description appended to the prompt.
	Scenario string

	// Voice is the persona voice used when a TTS provider is wired.
	Voice tts.VoiceProfile

	// Rates prices the session's usage.
	Rates CostRates

	// Cards are the battle cards armed for this session.
	Cards []insight.BattleCard

	// Transcription tunes the resilient transcription client.
	Transcription transcribe.Config
}

// Deps are the orchestrator's collaborators. STT, Generator, and Sink are
// required; TTS and Metrics are optional.
type Deps struct {
	STT       stt.Provider
	Generator *generate.Generator
	TTS       tts.Provider
	Sink      Sink
	Metrics   *observe.Metrics
	Logger    *slog.Logger
}

// Orchestrator coordinates one session: it owns the state machine, the
// transcription client, the generator, and the cost tracker, reacts to
// inbound audio and transcripts, and produces the summary exactly once at
// stop. An Orchestrator is exclusively owned by its connection.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	machine *StateMachine
	cost    *CostTracker
	cards   *insight.CardMatcher

	mu          sync.Mutex
	started     bool
	stopped     bool
	inFlight    bool
	genCancel   context.CancelFunc
	transcriber *transcribe.Client
	history     []types.Turn
	sentiments  []types.SentimentEntry
	topics      topicSet
	suggestions int
	cardsFired  int
	lastRole    types.Role
	speaking    map[types.Role]time.Duration
	startedAt   time.Time
	summary     *types.Summary
	ctx         context.Context
	cancel      context.CancelFunc
}

// topicSet keeps topic lists ordered and deduplicated.
type topicSet struct {
	covered, missed []string
	seenCovered     map[string]bool
	seenMissed      map[string]bool
}

func (s *topicSet) merge(covered, missed []string) {
	if s.seenCovered == nil {
		s.seenCovered = make(map[string]bool)
		s.seenMissed = make(map[string]bool)
	}
	for _, t := range covered {
		if t != "" && !s.seenCovered[t] {
			s.seenCovered[t] = true
			s.covered = append(s.covered, t)
		}
	}
	for _, t := range missed {
		if t != "" && !s.seenMissed[t] {
			s.seenMissed[t] = true
			s.missed = append(s.missed, t)
		}
	}
}

// NewOrchestrator builds an orchestrator for one connection. It does not
// touch any provider until Start.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.SessionID)

	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		machine:  NewStateMachine(logger),
		cost:     NewCostTracker(cfg.Rates),
		cards:    insight.NewCardMatcher(cfg.Cards),
		speaking: make(map[types.Role]time.Duration),
		lastRole: types.RoleResponder, // first transcript flips to initiator
	}
}

// ID returns the session identifier.
func (o *Orchestrator) ID() string { return o.cfg.SessionID }

// Mode returns the session mode.
func (o *Orchestrator) Mode() Mode { return o.cfg.Mode }

// State returns the current conversational state.
func (o *Orchestrator) State() State { return o.machine.Current() }

// Start begins the session. A second Start is a guarded no-op: the started
// event is emitted exactly once.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.startedAt = time.Now()
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.machine.Subscribe(func(from, to State) {
		o.deps.Sink.PushEvent(Event{Type: EventStateChanged, From: string(from), To: string(to)})
	})

	o.deps.Metrics.SessionStarted(o.ctx)
	o.deps.Sink.PushEvent(Event{Type: EventSessionStarted, SessionID: o.cfg.SessionID})
	o.logger.Info("session started", "mode", o.cfg.Mode)
	return nil
}

// Prewarm opens the transcription link before any audio arrives, so the
// first utterance is not delayed by connection setup.
func (o *Orchestrator) Prewarm(ctx context.Context) error {
	tc, err := o.ensureTranscriber()
	if err != nil {
		return err
	}
	return tc.Prewarm(ctx)
}

// StartListening starts (or resumes) transcription and moves the machine to
// Listening. After a degraded link, it builds a fresh transcription client.
func (o *Orchestrator) StartListening(ctx context.Context) error {
	tc, err := o.ensureTranscriber()
	if err != nil {
		return err
	}
	if err := tc.Start(ctx); err != nil {
		return err
	}
	if o.machine.Current() == StateIdle {
		o.machine.Transition(StateListening)
	}
	o.deps.Sink.PushEvent(Event{Type: EventListeningStarted})
	return nil
}

// StopListening closes the transcription link and returns to Idle.
func (o *Orchestrator) StopListening() {
	o.mu.Lock()
	tc := o.transcriber
	o.transcriber = nil
	o.mu.Unlock()

	if tc != nil {
		tc.Close()
	}
	if o.machine.Current() == StateListening {
		o.machine.Transition(StateIdle)
	}
	o.deps.Sink.PushEvent(Event{Type: EventListeningStopped})
}

// ensureTranscriber returns the live transcription client, building a fresh
// one when none exists or the previous one gave up.
func (o *Orchestrator) ensureTranscriber() (*transcribe.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, ErrStopped
	}
	if !o.started {
		return nil, errors.New("session: not started")
	}
	if o.transcriber == nil || o.transcriber.Degraded() {
		o.transcriber = transcribe.NewClient(o.deps.STT, o.cfg.Transcription, o, o.logger)
	}
	return o.transcriber, nil
}

// HandleAudio ingests one inbound PCM chunk. Audio arriving while the
// persona is speaking is a barge-in: the machine passes through Interruption
// back to Listening and the in-flight reply is aborted.
func (o *Orchestrator) HandleAudio(chunk []byte) error {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	tc := o.transcriber
	o.mu.Unlock()

	if o.machine.Current() == StateSpeaking {
		o.logger.Debug("barge-in detected")
		o.machine.Transition(StateInterruption)
		o.machine.Transition(StateListening)

		o.mu.Lock()
		cancel := o.genCancel
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	if tc == nil {
		return transcribe.ErrNotStarted
	}
	return tc.SendAudio(chunk)
}

// Stop finalises the session and returns its Summary. The summary is
// computed exactly once; repeated Stop calls return the same record. Stop
// before Start yields a valid empty-state summary.
func (o *Orchestrator) Stop() *types.Summary {
	o.mu.Lock()
	if o.summary != nil {
		s := o.summary
		o.mu.Unlock()
		return s
	}
	o.stopped = true
	wasStarted := o.started
	if o.genCancel != nil {
		o.genCancel()
		o.genCancel = nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	tc := o.transcriber
	o.transcriber = nil

	s := types.Summary{
		SessionID:        o.cfg.SessionID,
		UserID:           o.cfg.UserID,
		OrgID:            o.cfg.OrgID,
		Mode:             string(o.cfg.Mode),
		StartedAt:        o.startedAt,
		EndedAt:          time.Now(),
		TalkRatio:        talkRatio(o.speaking),
		Sentiment:        append([]types.SentimentEntry(nil), o.sentiments...),
		OverallSentiment: overallSentiment(o.sentiments),
		TopicsCovered:    append([]string(nil), o.topics.covered...),
		TopicsMissed:     append([]string(nil), o.topics.missed...),
		SuggestionCount:  o.suggestions,
		BattleCardCount:  o.cardsFired,
		Turns:            len(o.history),
	}
	// The record must be complete before it is published: a concurrent Stop
	// takes the early-return branch above and may hand the pointer straight
	// to persistence. CostTracker has its own lock, so the snapshot is safe
	// to take here.
	s.Cost = o.cost.Summary()
	o.summary = &s
	o.mu.Unlock()

	if tc != nil {
		tc.Close()
	}
	o.machine.Reset()

	if wasStarted {
		o.deps.Metrics.SessionEnded(context.Background())
		o.deps.Sink.PushEvent(Event{Type: EventSummary, SessionID: o.cfg.SessionID, Summary: &s})
		o.logger.Info("session stopped",
			"turns", s.Turns,
			"suggestions", s.SuggestionCount,
			"battle_cards", s.BattleCardCount,
			"cost_usd", s.Cost.CostUSD,
		)
	}
	return &s
}

// ─── transcribe.Listener ───

// TranscriptionOpened implements transcribe.Listener.
func (o *Orchestrator) TranscriptionOpened() {
	o.logger.Debug("transcription link open")
}

// PartialReceived implements transcribe.Listener. Partials are advisory:
// forwarded to the client, never folded into history.
func (o *Orchestrator) PartialReceived(t types.Transcript) {
	o.deps.Sink.PushEvent(Event{Type: EventPartialTranscript, Text: t.Text})
}

// TranscriptReceived implements transcribe.Listener.
func (o *Orchestrator) TranscriptReceived(t types.Transcript) {
	if t.Text == "" {
		return
	}

	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	role := o.nextSpeakerLocked()
	o.history = append(o.history, types.Turn{Role: role, Content: t.Text, Timestamp: time.Now()})
	if t.Duration > 0 {
		o.speaking[role] += t.Duration
	}
	ctx := o.ctx
	o.mu.Unlock()

	o.cost.AddTranscribedAudio(t.Duration.Seconds())
	o.deps.Metrics.RecordTranscript(ctx, string(o.cfg.Mode), t.Duration)
	o.deps.Sink.PushEvent(Event{Type: EventTranscript, Text: t.Text, Role: string(role)})

	o.matchCards(ctx, t.Text)
	o.triggerGeneration(ctx)
}

// TranscriptionReconnected implements transcribe.Listener.
func (o *Orchestrator) TranscriptionReconnected() {
	o.logger.Info("transcription link reconnected")
	o.deps.Sink.PushEvent(Event{Type: EventReconnected})
}

// TranscriptionDegraded implements transcribe.Listener. The session survives;
// the client may issue start_listening again to rebuild the link.
func (o *Orchestrator) TranscriptionDegraded() {
	o.logger.Error("transcription degraded")
	o.deps.Metrics.RecordProviderError(context.Background(), "stt", "degraded")
	o.deps.Sink.PushEvent(Event{Type: EventDegraded})
}

// nextSpeakerLocked applies the speaker-turn heuristic. Suggestion mode
// alternates roles per final transcript (no diarization is available);
// persona mode attributes every transcript to the initiator, since the
// responder side is generated.
func (o *Orchestrator) nextSpeakerLocked() types.Role {
	if o.cfg.Mode == ModePersona {
		return types.RoleInitiator
	}
	if o.lastRole == types.RoleInitiator {
		o.lastRole = types.RoleResponder
	} else {
		o.lastRole = types.RoleInitiator
	}
	return o.lastRole
}

// matchCards surfaces battle cards triggered by the transcript. Each card
// fires at most once per session.
func (o *Orchestrator) matchCards(ctx context.Context, text string) {
	for _, card := range o.cards.Match(text) {
		card := card
		o.mu.Lock()
		o.cardsFired++
		o.mu.Unlock()
		o.deps.Metrics.RecordBattleCard(ctx, card.Title)
		o.deps.Sink.PushEvent(Event{Type: EventBattleCard, Card: &card})
	}
}

// triggerGeneration starts one reaction unless one is already in flight.
// Overlapping triggers are dropped, not queued: at most one generation per
// session, accepting a missed coaching beat over reordered reactions.
func (o *Orchestrator) triggerGeneration(ctx context.Context) {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		o.logger.Debug("generation already in flight, skipping trigger")
		return
	}
	o.inFlight = true
	genCtx, cancel := context.WithCancel(ctx)
	o.genCancel = cancel
	hist := append([]types.Turn(nil), o.history...)
	o.mu.Unlock()

	if o.cfg.Mode == ModePersona {
		o.machine.Transition(StateProcessing)
	}

	go func() {
		defer func() {
			cancel()
			o.mu.Lock()
			o.inFlight = false
			o.genCancel = nil
			o.mu.Unlock()
		}()
		if o.cfg.Mode == ModePersona {
			o.runPersonaReaction(genCtx, hist)
		} else {
			o.runSuggestionReaction(genCtx, hist)
		}
	}()
}

// runSuggestionReaction generates and parses one coaching reaction. The
// machine stays in Listening: a coach does not speak on the call.
func (o *Orchestrator) runSuggestionReaction(ctx context.Context, hist []types.Turn) {
	start := time.Now()
	res, err := o.deps.Generator.Generate(ctx, o.systemPrompt(), hist, nil)
	if err != nil {
		// Generation faults are never fatal to the session.
		o.logger.Warn("suggestion generation failed", "err", err)
		o.deps.Metrics.RecordGeneration(ctx, string(o.cfg.Mode), "error", time.Since(start))
		return
	}
	o.deps.Metrics.RecordGeneration(ctx, string(o.cfg.Mode), "ok", time.Since(start))
	o.cost.AddTokens(tokensOf(res.Usage))
	o.applyAnalysis(ctx, res.Text)
}

// applyAnalysis folds one parsed coaching payload into session state.
// Malformed model output is logged and swallowed.
func (o *Orchestrator) applyAnalysis(ctx context.Context, raw string) {
	a, err := insight.Parse(raw)
	if err != nil {
		o.logger.Warn("discarding malformed coaching output", "err", err)
		return
	}

	var entry *types.SentimentEntry
	o.mu.Lock()
	o.suggestions += len(a.Suggestions)
	o.topics.merge(a.TopicsCovered, a.TopicsMissed)
	if a.Sentiment.Label != "" {
		e := types.SentimentEntry{Timestamp: time.Now(), Score: a.Sentiment.Score, Label: a.Sentiment.Label}
		o.sentiments = append(o.sentiments, e)
		entry = &e
	}
	o.mu.Unlock()

	if len(a.Suggestions) > 0 {
		o.deps.Metrics.RecordSuggestions(ctx, len(a.Suggestions))
		o.deps.Sink.PushEvent(Event{Type: EventSuggestions, Suggestions: a.Suggestions})
	}
	if entry != nil {
		o.deps.Sink.PushEvent(Event{Type: EventSentiment, Sentiment: entry})
	}
}

// runPersonaReaction streams one spoken reply: sentences go to the client as
// they complete, optionally through speech synthesis, and the full reply is
// folded into history as a responder turn.
func (o *Orchestrator) runPersonaReaction(ctx context.Context, hist []types.Turn) {
	start := time.Now()

	var (
		textCh    chan string
		audioDone chan struct{}
		pcmBytes  int
	)
	if o.deps.TTS != nil {
		textCh = make(chan string, 16)
		audioCh, err := o.deps.TTS.SynthesizeStream(ctx, textCh, o.cfg.Voice)
		if err != nil {
			o.logger.Warn("speech synthesis unavailable", "err", err)
			o.deps.Metrics.RecordProviderError(ctx, "tts", "start")
			textCh = nil
		} else {
			audioDone = make(chan struct{})
			go func() {
				defer close(audioDone)
				for pcm := range audioCh {
					pcmBytes += len(pcm)
					o.deps.Sink.PushAudio(pcm)
				}
			}()
		}
	}

	spoke := false
	res, err := o.deps.Generator.Generate(ctx, o.systemPrompt(), hist, func(sentence string) {
		if !spoke {
			spoke = true
			o.machine.Transition(StateSpeaking)
		}
		o.deps.Sink.PushEvent(Event{Type: EventSentence, Text: sentence})
		if textCh != nil {
			select {
			case textCh <- sentence:
			case <-ctx.Done():
			}
		}
	})

	if textCh != nil {
		close(textCh)
		<-audioDone
		o.cost.AddSynthesizedAudio(float64(pcmBytes) / pcmBytesPerSecond)
		o.deps.Metrics.RecordSynthesis(ctx, time.Since(start))
	}

	if err != nil {
		if ctx.Err() != nil {
			// Barge-in or teardown: the machine was already moved off
			// Speaking by whoever cancelled us.
			o.logger.Debug("persona reply aborted")
			return
		}
		o.logger.Warn("persona generation failed", "err", err)
		o.deps.Metrics.RecordGeneration(ctx, string(o.cfg.Mode), "error", time.Since(start))
		o.machine.Transition(StateIdle)
		o.machine.Transition(StateListening)
		return
	}

	o.deps.Metrics.RecordGeneration(ctx, string(o.cfg.Mode), "ok", time.Since(start))
	o.cost.AddTokens(tokensOf(res.Usage))

	o.mu.Lock()
	if !o.stopped && res.Text != "" {
		o.history = append(o.history, types.Turn{
			Role:      types.RoleResponder,
			Content:   res.Text,
			Timestamp: time.Now(),
		})
		if pcmBytes > 0 {
			o.speaking[types.RoleResponder] += time.Duration(float64(pcmBytes) / pcmBytesPerSecond * float64(time.Second))
		}
	}
	o.mu.Unlock()

	// Reply finished cleanly: return to listening for the next exchange.
	o.machine.Transition(StateIdle)
	o.machine.Transition(StateListening)
}

// systemPrompt assembles the model instruction for this session.
func (o *Orchestrator) systemPrompt() string {
	prompt := o.cfg.SystemPrompt
	if prompt == "" {
		if o.cfg.Mode == ModePersona {
			prompt = defaultPersonaPrompt
		} else {
			prompt = defaultSuggestionPrompt
		}
	}
	if o.cfg.Scenario != "" {
		prompt += "\n\nScenario: " + o.cfg.Scenario
	}
	return prompt
}

// tokensOf prefers the provider-reported total and falls back to the sum of
// the parts.
func tokensOf(u llm.Usage) int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}
