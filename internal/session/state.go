// Package session implements the per-connection session core: the
// conversational state machine, the cost tracker, the orchestrator that ties
// transcription and generation together, the end-of-session summary, and the
// registry that owns live sessions.
package session

import (
	"log/slog"
	"sync"
)

// State is one of the fixed conversational turn-taking states.
type State string

const (
	// StateIdle is the initial state; no audio is being processed.
	StateIdle State = "idle"
	// StateListening means inbound audio is being transcribed.
	StateListening State = "listening"
	// StateProcessing means a reaction is being generated.
	StateProcessing State = "processing"
	// StateSpeaking means a synthesized reply is being played out.
	StateSpeaking State = "speaking"
	// StateInterruption is the transient barge-in state between Speaking and
	// Listening.
	StateInterruption State = "interruption"
)

// transitions is the closed set of legal state changes.
var transitions = map[State][]State{
	StateIdle:         {StateListening},
	StateListening:    {StateProcessing, StateIdle},
	StateProcessing:   {StateSpeaking, StateIdle},
	StateSpeaking:     {StateIdle, StateInterruption},
	StateInterruption: {StateListening},
}

// Observer is invoked synchronously after every successful transition.
type Observer func(from, to State)

type subscriber struct {
	id int
	fn Observer
}

// StateMachine tracks conversational turn-taking for one session. It is pure
// state bookkeeping with no knowledge of audio or model specifics, shared by
// both session modes.
//
// Safe for concurrent use.
type StateMachine struct {
	mu     sync.Mutex
	state  State
	subs   []subscriber
	nextID int
	logger *slog.Logger
}

// NewStateMachine creates a machine in StateIdle.
func NewStateMachine(logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{state: StateIdle, logger: logger}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition attempts to move to target. An illegal target is rejected,
// logged, and leaves the state unchanged; callers must check the return
// value. On success every registered observer is invoked synchronously with
// (from, target), in registration order.
func (m *StateMachine) Transition(target State) bool {
	m.mu.Lock()
	from := m.state
	if !legal(from, target) {
		m.mu.Unlock()
		m.logger.Warn("rejected state transition", "from", from, "to", target)
		return false
	}
	m.state = target
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(from, target)
	}
	return true
}

// Subscribe registers an observer and returns its unsubscribe handle. The
// handle is idempotent.
func (m *StateMachine) Subscribe(fn Observer) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Reset returns the machine to StateIdle and drops all observers. Used only
// at session teardown.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.subs = nil
}

func legal(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
