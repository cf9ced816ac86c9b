package session

import (
	"math"
	"sync"

	"github.com/parlancehq/parlance/pkg/types"
)

// CostRates holds the per-unit prices used to derive a session's running
// cost.
type CostRates struct {
	// USDPerMillionTokens is the blended LLM token price.
	USDPerMillionTokens float64
	// USDPerTranscribedMinute is the STT streaming price.
	USDPerTranscribedMinute float64
	// USDPerSynthesizedMinute is the TTS price.
	USDPerSynthesizedMinute float64
}

// DefaultCostRates returns the built-in pricing used when config supplies
// none.
func DefaultCostRates() CostRates {
	return CostRates{
		USDPerMillionTokens:     2.60,
		USDPerTranscribedMinute: 0.0059,
		USDPerSynthesizedMinute: 0.015,
	}
}

// CostTracker tallies raw usage counters for one session and derives the
// monetary cost on demand. The cost is always recomputed from the raw
// counters and rounded once, never accumulated by addition, so repeated small
// updates cannot compound rounding error.
//
// Safe for concurrent use.
type CostTracker struct {
	mu    sync.Mutex
	rates CostRates

	tokens          int
	transcribedSecs float64
	synthesizedSecs float64
}

// NewCostTracker creates a tracker with the given rates. Zero-valued rates
// fall back to the defaults.
func NewCostTracker(rates CostRates) *CostTracker {
	if rates == (CostRates{}) {
		rates = DefaultCostRates()
	}
	return &CostTracker{rates: rates}
}

// AddTokens records prompt plus completion tokens from one generation call.
// Negative counts are ignored.
func (c *CostTracker) AddTokens(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens += n
}

// AddTranscribedAudio records seconds of audio sent through STT.
func (c *CostTracker) AddTranscribedAudio(seconds float64) {
	if seconds <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcribedSecs += seconds
}

// AddSynthesizedAudio records seconds of audio produced by TTS.
func (c *CostTracker) AddSynthesizedAudio(seconds float64) {
	if seconds <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synthesizedSecs += seconds
}

// Summary returns the current counters with the derived USD cost rounded to
// four decimal places.
func (c *CostTracker) Summary() types.CostSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	usd := float64(c.tokens)/1e6*c.rates.USDPerMillionTokens +
		c.transcribedSecs/60*c.rates.USDPerTranscribedMinute +
		c.synthesizedSecs/60*c.rates.USDPerSynthesizedMinute

	return types.CostSummary{
		TokensUsed:              c.tokens,
		AudioSecondsTranscribed: c.transcribedSecs,
		AudioSecondsSynthesized: c.synthesizedSecs,
		CostUSD:                 math.Round(usd*1e4) / 1e4,
	}
}

// Reset zeroes all counters.
func (c *CostTracker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = 0
	c.transcribedSecs = 0
	c.synthesizedSecs = 0
}
