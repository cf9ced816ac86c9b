// Package insight turns raw model output into structured coaching data:
// suggestions, a sentiment reading, topic coverage, and fuzzy battle-card
// trigger matching over noisy transcripts.
package insight

// Sentiment is one model-reported sentiment reading.
type Sentiment struct {
	// Score is in [-1, 1].
	Score float64 `json:"score"`
	// Label is the model's classification, e.g. "positive".
	Label string `json:"label"`
}

// Analysis is the structured payload expected from a suggestion-mode
// generation.
type Analysis struct {
	Suggestions   []string  `json:"suggestions"`
	Sentiment     Sentiment `json:"sentiment"`
	TopicsCovered []string  `json:"topics_covered"`
	TopicsMissed  []string  `json:"topics_missed"`
}

// BattleCard is a prepared talking point surfaced when one of its trigger
// phrases is heard.
type BattleCard struct {
	// Title identifies the card; also the dedup key.
	Title string `yaml:"title" json:"title"`
	// Triggers are the phrases that surface the card.
	Triggers []string `yaml:"triggers" json:"triggers"`
	// Content is the card body pushed to the client.
	Content string `yaml:"content" json:"content"`
}
