package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/store"
	llmmock "github.com/parlancehq/parlance/pkg/provider/llm/mock"
	sttmock "github.com/parlancehq/parlance/pkg/provider/stt/mock"
)

type testApp struct {
	app     *App
	baseURL string
	wsURL   string
	store   *store.MemStore
	stt     *sttmock.Provider
	llm     *llmmock.Provider
	runErr  chan error
	cancel  context.CancelFunc
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := &config.Config{}
	cfg.Auth.Tokens = []config.Token{{Token: "tok-1", UserID: "u1", OrgID: "org-a"}}

	mem := store.NewMemStore()
	sttProv := &sttmock.Provider{}
	llmProv := &llmmock.Provider{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, &Providers{STT: sttProv, LLM: llmProv},
		WithStore(mem),
		WithListener(ln),
		WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	ta := &testApp{
		app:     a,
		baseURL: "http://" + ln.Addr().String(),
		wsURL:   "ws://" + ln.Addr().String() + "/ws",
		store:   mem,
		stt:     sttProv,
		llm:     llmProv,
		runErr:  runErr,
		cancel:  cancel,
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := a.Shutdown(shutCtx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return ta
}

// dial opens an authenticated WebSocket connection.
func (ta *testApp) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ta.wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer tok-1"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// awaitEvent reads frames until one with the wanted type arrives.
func awaitEvent(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 50; i++ {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", wantType, err)
		}
		if kind != websocket.MessageText {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev["type"] == wantType {
			return ev
		}
	}
	t.Fatalf("no %q event within 50 frames", wantType)
	return nil
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestNewRequiresProviders(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("New accepted nil providers")
	}
	if _, err := New(context.Background(), cfg, &Providers{STT: &sttmock.Provider{}}); err == nil {
		t.Error("New accepted a missing LLM provider")
	}
}

func TestProbeAndMetricsEndpoints(t *testing.T) {
	ta := newTestApp(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ta.baseURL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestSessionLifecycleOverWebSocket(t *testing.T) {
	ta := newTestApp(t)

	conn := ta.dial(t)
	defer conn.CloseNow()

	sendJSON(t, conn, map[string]string{"type": "start_session", "mode": "suggestion"})
	started := awaitEvent(t, conn, "session_started")
	if id, _ := started["session_id"].(string); id == "" {
		t.Error("session_started is missing session_id")
	}
	if got := ta.app.Registry().Len(); got != 1 {
		t.Errorf("registry len = %d, want 1", got)
	}

	sendJSON(t, conn, map[string]string{"type": "end_session"})
	awaitEvent(t, conn, "summary")

	deadline := time.Now().Add(2 * time.Second)
	for ta.store.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if ta.store.Len() != 1 {
		t.Fatalf("store has %d summaries, want 1", ta.store.Len())
	}
	summaries, err := ta.store.RecentSummaries(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("RecentSummaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].OrgID != "org-a" {
		t.Fatalf("persisted summaries = %+v", summaries)
	}
}

func TestShutdownStopsLiveSessions(t *testing.T) {
	ta := newTestApp(t)

	conn := ta.dial(t)
	defer conn.CloseNow()

	sendJSON(t, conn, map[string]string{"type": "start_session", "mode": "persona"})
	awaitEvent(t, conn, "session_started")

	ta.cancel()
	select {
	case <-ta.runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	ta.runErr <- nil // keep the cleanup's receive satisfied

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ta.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := ta.app.Registry().Len(); got != 0 {
		t.Errorf("registry len after shutdown = %d, want 0", got)
	}
	if ta.store.Len() != 1 {
		t.Errorf("store has %d summaries after shutdown, want 1", ta.store.Len())
	}

	// A second Shutdown is a no-op.
	if err := ta.app.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
