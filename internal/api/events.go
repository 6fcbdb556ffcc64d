package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event stream tuning.
const (
	streamBuffer  = 64
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 50 * time.Second
	maxClientRead = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events to a WebSocket client as JSON text
// frames. The optional source query parameter keeps only events from
// the named sources (comma-separated). A client that reads too slowly
// misses events rather than holding up the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	var sources map[string]bool
	if q := r.URL.Query().Get("source"); q != "" {
		sources = map[string]bool{}
		for _, src := range strings.Split(q, ",") {
			if src = strings.TrimSpace(src); src != "" {
				sources[src] = true
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(streamBuffer)
	defer s.bus.Unsubscribe(ch)

	log := s.logger.With("remote", r.RemoteAddr)
	log.Info("event stream opened", "sources", len(sources))

	// The reader only services control frames and notices the client
	// going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxClientRead)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			log.Info("event stream closed by client")
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("event stream ping failed", "error", err)
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if sources != nil && !sources[e.Source] {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
