package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zombor/gifticon-tracker/internal/ingest"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	eventBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamMessage is one frame of the progress stream. The first frame carries
// the current state; later frames carry events.
type streamMessage struct {
	Type  string                `json:"type"`
	State *ingest.StateSnapshot `json:"state,omitempty"`
	Event *ingest.Event         `json:"event,omitempty"`
}

// handleScanEvents streams scan progress over a websocket
func (s *Server) handleScanEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Error upgrading websocket", "error", err)
		return
	}

	events, unsubscribe := s.deps.Scanner.Subscribe(eventBuffer)
	closed := make(chan struct{})
	go readPump(conn, closed)
	writePump(conn, s.deps.Scanner.State(), events, closed)
	unsubscribe()
}

// readPump discards client frames and keeps the read deadline alive. closed
// is closed once the peer goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Websocket closed", "error", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, initial ingest.StateSnapshot, events <-chan ingest.Event, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(streamMessage{Type: "state", State: &initial}); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(streamMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
