package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
)

const (
	eventBuffer   = 64
	writeWait     = 10 * time.Second
	pingInterval  = 30 * time.Second
	pongWait      = pingInterval + 10*time.Second
	maxClientRead = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams loop events for one thread over a websocket
// until the client goes away. Slow clients miss events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	threadID := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "thread", threadID, "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(threadID, eventBuffer)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("event stream opened", "thread", threadID, "remote", r.RemoteAddr)

	// The read pump only services control frames and notices the close.
	closed := make(chan struct{})
	var wg conc.WaitGroup
	wg.Go(func() {
		defer close(closed)
		conn.SetReadLimit(maxClientRead)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream read ended", "thread", threadID, "error", err)
				}
				return
			}
		}
	})
	defer wg.Wait()
	// Closing the connection unblocks the read pump before Wait.
	defer conn.Close()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("event stream write failed", "thread", threadID, "error", err)
				return
			}
		}
	}
}
