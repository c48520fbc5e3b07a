package ingress

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/audionet/verifier/internal/events"
)

const (
	wsWriteWait = 10 * time.Second
	wsPingEvery = 30 * time.Second
)

// handleEvents streams progress events for one session over a
// WebSocket. The current session state is sent first, then live events
// until the session reaches a terminal status or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	if sess == nil {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("session %s: websocket upgrade failed: %v", id, err)
		return
	}
	defer conn.Close()

	// Subscribe before sending the snapshot so no event can fall in
	// between.
	ch := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id, ch)

	snapshot := events.ProgressEvent{
		SessionID: sess.ID,
		Status:    sess.Status,
		Stage:     sess.Stage,
		Progress:  sess.Progress,
		Time:      sess.UpdatedAt,
	}
	if !s.writeEvent(conn, snapshot) {
		return
	}
	if sess.Status.Terminal() {
		return
	}

	// Drain client frames so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			if !s.writeEvent(conn, ev) {
				return
			}
			if ev.Status.Terminal() {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev events.ProgressEvent) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Printf("session %s: websocket write failed: %v", ev.SessionID, err)
		return false
	}
	return true
}
