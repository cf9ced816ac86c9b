package insight

import (
	"testing"
)

func testCards() []BattleCard {
	return []BattleCard{
		{
			Title:    "competitor-kubecost",
			Triggers: []string{"kubecost"},
			Content:  "Kubecost lacks multi-cloud support.",
		},
		{
			Title:    "pricing-objection",
			Triggers: []string{"too expensive", "out of budget"},
			Content:  "Lead with the ROI calculator.",
		},
	}
}

func TestCardMatcherExactSubstring(t *testing.T) {
	t.Parallel()

	m := NewCardMatcher(testCards())
	hits := m.Match("we already looked at Kubecost last year")
	if len(hits) != 1 || hits[0].Title != "competitor-kubecost" {
		t.Fatalf("hits = %+v, want competitor-kubecost", hits)
	}
}

func TestCardMatcherFuzzyMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		transcript string
		wantTitle  string
	}{
		// STT splits the brand name into two words.
		{"split brand", "have you heard of kube cost", "competitor-kubecost"},
		// Slight mistranscription of a multi-word trigger.
		{"noisy phrase", "honestly this feels way to expensive for us", "pricing-objection"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewCardMatcher(testCards())
			hits := m.Match(tt.transcript)
			if len(hits) != 1 || hits[0].Title != tt.wantTitle {
				t.Fatalf("Match(%q) = %+v, want %s", tt.transcript, hits, tt.wantTitle)
			}
		})
	}
}

func TestCardMatcherNoFalsePositive(t *testing.T) {
	t.Parallel()

	m := NewCardMatcher(testCards())
	if hits := m.Match("let's talk about the onboarding timeline"); len(hits) != 0 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestCardFiresOncePerSession(t *testing.T) {
	t.Parallel()

	m := NewCardMatcher(testCards())
	if hits := m.Match("kubecost kubecost kubecost"); len(hits) != 1 {
		t.Fatalf("first match hits = %d, want 1", len(hits))
	}
	if hits := m.Match("what about kubecost though"); len(hits) != 0 {
		t.Fatalf("card fired twice: %+v", hits)
	}
	if got := m.FiredCount(); got != 1 {
		t.Fatalf("FiredCount() = %d, want 1", got)
	}
}

func TestCardMatcherMultipleCardsOneTranscript(t *testing.T) {
	t.Parallel()

	m := NewCardMatcher(testCards())
	hits := m.Match("kubecost is too expensive anyway")
	if len(hits) != 2 {
		t.Fatalf("hits = %+v, want both cards", hits)
	}
}

func TestCardMatcherEmptyInput(t *testing.T) {
	t.Parallel()

	m := NewCardMatcher(testCards())
	if hits := m.Match("   "); hits != nil {
		t.Fatalf("Match(blank) = %+v, want nil", hits)
	}
}
