package insight

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON indicates the model output contained no JSON object at all.
var ErrNoJSON = errors.New("insight: no JSON object in model output")

// Parse extracts an Analysis from raw model output. Models frequently wrap
// the JSON in code fences or prose, so parsing tolerates leading and trailing
// noise around the outermost object. A malformed payload returns an error;
// the caller decides whether that is fatal (it never is for a session).
func Parse(raw string) (*Analysis, error) {
	body := extractObject(raw)
	if body == "" {
		return nil, ErrNoJSON
	}

	var a Analysis
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("insight: decode analysis: %w", err)
	}

	if a.Sentiment.Score < -1 || a.Sentiment.Score > 1 {
		return nil, fmt.Errorf("insight: sentiment score %v out of range [-1,1]", a.Sentiment.Score)
	}
	return &a, nil
}

// extractObject returns the substring spanning the first '{' through the
// last '}' of raw, or "" when no object is present.
func extractObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
