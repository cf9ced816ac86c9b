// Package mock provides a test double for the tts.Provider interface.
//
// Each SynthesizeStream call returns a fresh *Stream that consumes the text
// channel and echoes one audio chunk per fragment, so tests can assert both
// what text reached synthesis and how much audio came back.
package mock

import (
	"context"
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from every SynthesizeStream call.
	StartErr error

	// AudioFor, if non-nil, maps a text fragment to the audio chunk emitted
	// for it. When nil, the fragment's bytes are echoed back as audio.
	AudioFor func(text string) []byte

	// Streams records every stream handed out, in order.
	Streams []*Stream

	// Voices records the VoiceProfile of every SynthesizeStream call.
	Voices []tts.VoiceProfile
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.Voices = append(p.Voices, voice)
	startErr := p.StartErr
	audioFor := p.AudioFor
	if startErr != nil {
		p.mu.Unlock()
		return nil, startErr
	}
	s := &Stream{}
	p.Streams = append(p.Streams, s)
	p.mu.Unlock()

	audio := make(chan []byte, 64)
	go func() {
		defer close(audio)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				s.record(fragment)
				chunk := []byte(fragment)
				if audioFor != nil {
					chunk = audioFor(fragment)
				}
				select {
				case audio <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

// StreamCount returns the number of streams started so far.
func (p *Provider) StreamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Streams)
}

// Stream records the text fragments consumed by one synthesis stream.
type Stream struct {
	mu    sync.Mutex
	texts []string
}

func (s *Stream) record(fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, fragment)
}

// Texts returns a snapshot of the fragments synthesised so far.
func (s *Stream) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}
