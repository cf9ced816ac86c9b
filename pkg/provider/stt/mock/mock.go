// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
//
// The mock gives tests full control over the upstream link: transcripts are
// injected via EmitPartial/EmitFinal, and an upstream drop is simulated with
// Drop, which closes the transcript channels the same way a real session does
// when the vendor hangs up.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/stt"
	"github.com/parlancehq/parlance/pkg/types"
)

// Provider is a mock implementation of stt.Provider. Each StartStream call
// returns a fresh *Session and records it in Sessions.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from every StartStream call.
	StartErr error

	// StartErrs, if non-empty, supplies a per-call error sequence: call n
	// returns StartErrs[n] (nil entries succeed). Takes precedence over
	// StartErr. Calls beyond the slice succeed.
	StartErrs []error

	// Gate, if non-nil, blocks StartStream until the channel is closed (or
	// the call's context ends). Lets tests hold a connection attempt open.
	Gate chan struct{}

	// Sessions records every session handed out, in order.
	Sessions []*Session

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig
}

// Compile-time interface assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	callIdx := len(p.Configs)
	p.Configs = append(p.Configs, cfg)
	gate := p.Gate

	var err error
	if callIdx < len(p.StartErrs) {
		err = p.StartErrs[callIdx]
	} else {
		err = p.StartErr
	}
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := NewSession()
	p.mu.Lock()
	p.Sessions = append(p.Sessions, s)
	p.mu.Unlock()
	return s, nil
}

// StartCount returns the number of StartStream calls so far.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Configs)
}

// SessionAt returns the i'th session handed out, or nil. Safe to call while
// other goroutines are opening sessions.
func (p *Provider) SessionAt(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.Sessions) {
		return nil
	}
	return p.Sessions[i]
}

// Session is a controllable mock stt.SessionHandle.
type Session struct {
	mu         sync.Mutex
	sent       [][]byte
	keepalives int
	closed     bool

	partials chan types.Transcript
	finals   chan types.Transcript
	dropOnce sync.Once
}

// NewSession creates an open mock session.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
	}
}

// SendAudio implements stt.SessionHandle, recording the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sent = append(s.sent, cp)
	return nil
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan types.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan types.Transcript { return s.finals }

// KeepAlive implements stt.SessionHandle, counting invocations.
func (s *Session) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	s.keepalives++
	return nil
}

// Close implements stt.SessionHandle. It closes the transcript channels like
// a real session tearing down its read loop.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.dropOnce.Do(func() {
		close(s.partials)
		close(s.finals)
	})
	return nil
}

// EmitPartial injects an interim transcript.
func (s *Session) EmitPartial(t types.Transcript) { s.partials <- t }

// EmitFinal injects a final transcript.
func (s *Session) EmitFinal(t types.Transcript) { s.finals <- t }

// Drop simulates the upstream link dying: the transcript channels close but
// the session was not closed by the caller.
func (s *Session) Drop() {
	s.dropOnce.Do(func() {
		close(s.partials)
		close(s.finals)
	})
}

// Sent returns a snapshot of all audio chunks received so far.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// KeepAlives returns the number of KeepAlive calls received.
func (s *Session) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
