package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"greencoins/map-go/internal/livemap"
	"greencoins/map-go/internal/scene"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	// Browser clients are served from a different origin than the API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientMessage is what a browser sends up the stream: container resizes and
// manual refresh requests.
type clientMessage struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (h *Handler) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	ms, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.log.Debug().Err(err).Str("session_id", ms.id).Msg("websocket upgrade failed")
		return
	}
	h.stream(r.Context(), ms, conn)
}

// stream owns all writes to conn. A reader goroutine handles client frames
// and cancels the stream when the client goes away.
func (h *Handler) stream(ctx context.Context, ms *mapSession, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	evs, unsubscribe := ms.events.subscribe()
	defer unsubscribe()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		h.readClient(ms, conn)
	}()
	defer func() {
		_ = conn.Close()
		<-readerDone
	}()

	send := func(ev event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Debug().Err(err).Str("session_id", ms.id).Msg("websocket write failed")
			return false
		}
		return true
	}

	view := ms.live.View()
	if !send(event{Type: "state", View: &view}) {
		return
	}

	var sc *scene.Scene
	var changed <-chan struct{}
	sceneReady := ms.sceneReady
	sendSnapshot := func() bool {
		changed = sc.Changed()
		snap := sc.Snapshot()
		v := ms.live.View()
		return send(event{Type: "snapshot", Scene: &snap, View: &v})
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ms.closed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session deleted"))
			return
		case <-sceneReady:
			sceneReady = nil
			sc = ms.Scene()
			if !sendSnapshot() {
				return
			}
		case <-changed:
			if !sendSnapshot() {
				return
			}
		case ev := <-evs:
			if !send(ev) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readClient(ms *mapSession, conn *websocket.Conn) {
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("session_id", ms.id).Msg("websocket closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "viewport":
			if (viewportSize{Width: msg.Width, Height: msg.Height}).validate() != nil {
				ms.notify("Ignoring invalid viewport size", livemap.SeverityWarning)
				continue
			}
			ms.setViewport(msg.Width, msg.Height)
		case "refresh":
			if !ms.limiter.Allow() {
				ms.events.publish(event{Type: "notify", Message: "Refresh requested too often", Severity: livemap.SeverityWarning})
				continue
			}
			ms.live.Refresh()
		default:
			h.log.Debug().Str("session_id", ms.id).Str("type", msg.Type).Msg("unknown stream message")
		}
	}
}
