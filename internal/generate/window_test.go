package generate

import (
	"testing"
	"time"

	"github.com/parlancehq/parlance/pkg/types"
)

func TestFilterByContextWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	turn := func(role types.Role, content string, age time.Duration) types.Turn {
		ts := time.Time{}
		if age >= 0 {
			ts = now.Add(-age)
		}
		return types.Turn{Role: role, Content: content, Timestamp: ts}
	}

	history := []types.Turn{
		turn(types.RoleInitiator, "ancient", 10*time.Minute),
		turn(types.RoleResponder, "untimed", -1), // zero timestamp
		turn(types.RoleInitiator, "recent", 30*time.Second),
		turn(types.RoleResponder, "latest", 5*time.Second),
	}

	tests := []struct {
		name          string
		windowSeconds int
		maxTurns      int
		want          []string
	}{
		{
			name:          "no window keeps all capped",
			windowSeconds: 0,
			maxTurns:      10,
			want:          []string{"ancient", "untimed", "recent", "latest"},
		},
		{
			name:          "cap keeps most recent",
			windowSeconds: 0,
			maxTurns:      2,
			want:          []string{"recent", "latest"},
		},
		{
			name:          "window drops old but never untimed",
			windowSeconds: 60,
			maxTurns:      10,
			want:          []string{"untimed", "recent", "latest"},
		},
		{
			name:          "window then cap",
			windowSeconds: 60,
			maxTurns:      2,
			want:          []string{"recent", "latest"},
		},
		{
			name:          "no cap",
			windowSeconds: 0,
			maxTurns:      0,
			want:          []string{"ancient", "untimed", "recent", "latest"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := filterByContextWindowAt(now, history, tt.windowSeconds, tt.maxTurns)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, m := range got {
				if m.Content != tt.want[i] {
					t.Errorf("message[%d].Content = %q, want %q", i, m.Content, tt.want[i])
				}
			}
		})
	}
}

func TestFilterByContextWindowMapsRoles(t *testing.T) {
	t.Parallel()

	history := []types.Turn{
		{Role: types.RoleInitiator, Content: "hi"},
		{Role: types.RoleResponder, Content: "hello"},
	}
	got := FilterByContextWindow(history, 0, 0)
	if got[0].Role != "user" {
		t.Errorf("initiator role = %q, want %q", got[0].Role, "user")
	}
	if got[1].Role != "assistant" {
		t.Errorf("responder role = %q, want %q", got[1].Role, "assistant")
	}
}
