package session

import (
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

// sentimentThreshold splits the averaged timeline score into the three
// overall classifications.
const sentimentThreshold = 0.3

// defaultTalkRatio is reported when no speech was detected on either side.
const defaultTalkRatio = 0.5

// talkRatio returns the fraction of detected speaking time attributed to the
// initiator.
func talkRatio(speaking map[types.Role]time.Duration) float64 {
	var total time.Duration
	for _, d := range speaking {
		total += d
	}
	if total <= 0 {
		return defaultTalkRatio
	}
	return float64(speaking[types.RoleInitiator]) / float64(total)
}

// overallSentiment averages the timeline scores and thresholds the result at
// ±0.3. An empty timeline reads as neutral.
func overallSentiment(entries []types.SentimentEntry) string {
	if len(entries) == 0 {
		return "neutral"
	}
	var sum float64
	for _, e := range entries {
		sum += e.Score
	}
	avg := sum / float64(len(entries))
	switch {
	case avg > sentimentThreshold:
		return "positive"
	case avg < -sentimentThreshold:
		return "negative"
	default:
		return "neutral"
	}
}
