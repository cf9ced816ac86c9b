package generate

import (
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

// FilterByContextWindow reduces a conversation history to the slice of
// messages actually sent to the model. If windowSeconds is positive, turns
// older than now minus the window are dropped by timestamp; turns without a
// timestamp are never dropped by this rule. The result is then truncated to
// the last maxTurns entries (maxTurns <= 0 means no cap). Time filter first,
// turn cap second; the order matters.
//
// The returned messages carry no timestamp; the window is a read-time view,
// not a mutation of history.
func FilterByContextWindow(history []types.Turn, windowSeconds, maxTurns int) []types.Message {
	return filterByContextWindowAt(time.Now(), history, windowSeconds, maxTurns)
}

func filterByContextWindowAt(now time.Time, history []types.Turn, windowSeconds, maxTurns int) []types.Message {
	kept := history
	if windowSeconds > 0 {
		cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
		kept = make([]types.Turn, 0, len(history))
		for _, turn := range history {
			if !turn.Timestamp.IsZero() && turn.Timestamp.Before(cutoff) {
				continue
			}
			kept = append(kept, turn)
		}
	}

	if maxTurns > 0 && len(kept) > maxTurns {
		kept = kept[len(kept)-maxTurns:]
	}

	out := make([]types.Message, 0, len(kept))
	for _, turn := range kept {
		out = append(out, types.Message{Role: messageRole(turn.Role), Content: turn.Content})
	}
	return out
}

// messageRole maps a conversational role onto the chat-completion role the
// model expects: the initiator speaks as "user", the responder as
// "assistant".
func messageRole(r types.Role) string {
	if r == types.RoleResponder {
		return "assistant"
	}
	return "user"
}
