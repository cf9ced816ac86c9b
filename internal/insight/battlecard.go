package insight

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// MatcherOption is a functional option for configuring a CardMatcher.
type MatcherOption func(*CardMatcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-aligned trigger to fire. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *CardMatcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when a
// trigger has no phonetic alignment with the transcript. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *CardMatcher) {
		m.fuzzyThreshold = threshold
	}
}

// CardMatcher matches battle-card trigger phrases against final transcripts.
// STT text is noisy ("kube cost" for "Kubecost"), so matching combines
// Double Metaphone phonetic alignment with Jaro-Winkler ranking instead of
// exact substring search. Each card fires at most once per session.
//
// Safe for concurrent use.
type CardMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	mu    sync.Mutex
	cards []BattleCard
	fired map[string]bool
}

// NewCardMatcher creates a matcher over the configured cards.
func NewCardMatcher(cards []BattleCard, opts ...MatcherOption) *CardMatcher {
	m := &CardMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		cards:             cards,
		fired:             make(map[string]bool, len(cards)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the cards newly triggered by transcript, marking them fired.
// Cards that already fired this session are never returned again.
func (m *CardMatcher) Match(transcript string) []BattleCard {
	text := strings.ToLower(strings.TrimSpace(transcript))
	if text == "" {
		return nil
	}
	words := strings.Fields(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []BattleCard
	for _, card := range m.cards {
		if m.fired[card.Title] {
			continue
		}
		if cardTriggered(card, text, words, m.phoneticThreshold, m.fuzzyThreshold) {
			m.fired[card.Title] = true
			hits = append(hits, card)
		}
	}
	return hits
}

// FiredCount returns how many cards have fired so far.
func (m *CardMatcher) FiredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fired)
}

func cardTriggered(card BattleCard, text string, words []string, phoneticThreshold, fuzzyThreshold float64) bool {
	for _, trigger := range card.Triggers {
		trig := strings.ToLower(strings.TrimSpace(trigger))
		if trig == "" {
			continue
		}
		if strings.Contains(text, trig) {
			return true
		}
		if fuzzyContains(words, strings.Fields(trig), phoneticThreshold, fuzzyThreshold) {
			return true
		}
	}
	return false
}

// fuzzyContains slides a window of the trigger's token length across the
// transcript and scores each n-gram against the trigger: phonetic code
// overlap lowers the acceptance threshold, pure string similarity uses the
// stricter one.
func fuzzyContains(words, trigTokens []string, phoneticThreshold, fuzzyThreshold float64) bool {
	n := len(trigTokens)
	if n == 0 || len(words) < n {
		return false
	}

	trigFull := strings.Join(trigTokens, " ")
	trigCodes := codesForTokens(trigTokens)

	for i := 0; i+n <= len(words); i++ {
		gram := words[i : i+n]
		gramFull := strings.Join(gram, " ")

		score := bestScore(gram, trigTokens, gramFull, trigFull)
		if codesOverlap(codesForTokens(gram), trigCodes) {
			if score >= phoneticThreshold {
				return true
			}
		} else if score >= fuzzyThreshold {
			return true
		}
	}
	return false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestScore is the highest Jaro-Winkler similarity between the n-gram and
// the trigger: full strings, space-stripped strings, and the best pairwise
// token score.
func bestScore(gramTokens, trigTokens []string, gramFull, trigFull string) float64 {
	score := matchr.JaroWinkler(gramFull, trigFull, false)

	if len(gramTokens) > 1 || len(trigTokens) > 1 {
		concat1 := strings.Join(gramTokens, "")
		concat2 := strings.Join(trigTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, g := range gramTokens {
		for _, t := range trigTokens {
			if s := matchr.JaroWinkler(g, t, false); s > score {
				score = s
			}
		}
	}
	return score
}
