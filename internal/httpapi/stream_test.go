package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"greencoins/map-go/internal/realtime"
	"greencoins/map-go/internal/reports"
)

type streamMessage struct {
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	Severity string          `json:"severity"`
	View     json.RawMessage `json:"view"`
	Scene    *struct {
		Width   int               `json:"width"`
		Height  int               `json:"height"`
		Markers []json.RawMessage `json:"markers"`
	} `json:"scene"`
}

func dialStream(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/map/sessions/" + id + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads stream messages until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(streamMessage) bool) streamMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func snapshotWithMarkers(n int) func(streamMessage) bool {
	return func(m streamMessage) bool {
		return m.Type == "snapshot" && m.Scene != nil && len(m.Scene.Markers) == n
	}
}

func TestStream_PushesSnapshotsAndChanges(t *testing.T) {
	var calls atomic.Int32
	hub := realtime.NewHub()
	fetcher := fakeFetcher{fetchFn: func(ctx context.Context) ([]reports.Report, error) {
		if calls.Add(1) == 1 {
			return testReports()[:1], nil
		}
		return testReports(), nil
	}}
	h := newTestHandler(t, Deps{Fetcher: fetcher, Feed: hub})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	id := createSession(t, h.Router(), "")
	conn := dialStream(t, srv, id)

	first := readUntil(t, conn, func(m streamMessage) bool { return true })
	if first.Type != "state" {
		t.Fatalf("expected initial state message, got %q", first.Type)
	}

	// The client reports its container size over the stream.
	if err := conn.WriteJSON(map[string]any{"type": "viewport", "width": 640, "height": 480}); err != nil {
		t.Fatalf("write viewport: %v", err)
	}
	msg := readUntil(t, conn, snapshotWithMarkers(1))
	if msg.Scene.Width != 640 || msg.Scene.Height != 480 {
		t.Fatalf("expected 640x480 scene, got %dx%d", msg.Scene.Width, msg.Scene.Height)
	}

	// A store change notification triggers a refetch and a new snapshot.
	hub.Publish()
	readUntil(t, conn, snapshotWithMarkers(2))
}

func TestStream_RefreshFailureNotifies(t *testing.T) {
	var calls atomic.Int32
	fetcher := fakeFetcher{fetchFn: func(ctx context.Context) ([]reports.Report, error) {
		if calls.Add(1) == 1 {
			return testReports(), nil
		}
		return nil, &reports.FetchError{Message: "Failed to load map data"}
	}}
	h := newTestHandler(t, Deps{Fetcher: fetcher})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	id := createSession(t, h.Router(), `{"width":320,"height":240}`)
	conn := dialStream(t, srv, id)
	readUntil(t, conn, snapshotWithMarkers(2))

	if err := conn.WriteJSON(map[string]any{"type": "refresh"}); err != nil {
		t.Fatalf("write refresh: %v", err)
	}
	msg := readUntil(t, conn, func(m streamMessage) bool { return m.Type == "notify" })
	if msg.Message != "Failed to load map data" || msg.Severity != "error" {
		t.Fatalf("unexpected notify: %+v", msg)
	}

	state := readUntil(t, conn, func(m streamMessage) bool {
		return m.Type == "state" && strings.Contains(string(m.View), `"phase":"error"`)
	})
	if !strings.Contains(string(state.View), `"stale":true`) {
		t.Fatalf("expected stale layers to be reported, got %s", state.View)
	}
}

func TestStream_ClosedOnDelete(t *testing.T) {
	h := newTestHandler(t, Deps{Fetcher: staticFetcher(testReports()...)})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	id := createSession(t, h.Router(), `{"width":320,"height":240}`)
	conn := dialStream(t, srv, id)
	readUntil(t, conn, snapshotWithMarkers(2))

	rr := doRequest(t, h.Router(), http.MethodDelete, "/api/v1/map/sessions/"+id, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("expected going-away close, got %v", err)
		}
		return
	}
}
