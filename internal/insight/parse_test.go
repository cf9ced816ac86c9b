package insight

import (
	"errors"
	"testing"
)

func TestParseCleanJSON(t *testing.T) {
	t.Parallel()

	raw := `{"suggestions":["Ask about budget"],"sentiment":{"score":0.6,"label":"positive"},"topics_covered":["pricing"],"topics_missed":["timeline"]}`
	a, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(a.Suggestions) != 1 || a.Suggestions[0] != "Ask about budget" {
		t.Errorf("Suggestions = %v", a.Suggestions)
	}
	if a.Sentiment.Score != 0.6 || a.Sentiment.Label != "positive" {
		t.Errorf("Sentiment = %+v", a.Sentiment)
	}
	if len(a.TopicsCovered) != 1 || a.TopicsCovered[0] != "pricing" {
		t.Errorf("TopicsCovered = %v", a.TopicsCovered)
	}
	if len(a.TopicsMissed) != 1 || a.TopicsMissed[0] != "timeline" {
		t.Errorf("TopicsMissed = %v", a.TopicsMissed)
	}
}

func TestParseToleratesFencesAndProse(t *testing.T) {
	t.Parallel()

	raw := "Here is the analysis:\n```json\n{\"suggestions\":[],\"sentiment\":{\"score\":-0.2,\"label\":\"neutral\"}}\n```\nHope that helps!"
	a, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.Sentiment.Score != -0.2 {
		t.Errorf("Sentiment.Score = %v, want -0.2", a.Sentiment.Score)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose only", "I could not analyse that."},
		{"truncated object", `{"suggestions":["half`},
		{"score out of range", `{"sentiment":{"score":3.5,"label":"positive"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse(tt.raw); err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestParseNoJSONSentinel(t *testing.T) {
	t.Parallel()

	_, err := Parse("nothing structured here")
	if !errors.Is(err, ErrNoJSON) {
		t.Fatalf("err = %v, want ErrNoJSON", err)
	}
}
