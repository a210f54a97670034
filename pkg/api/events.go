package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamEvents upgrades GET /api/v1/events and forwards every broker event
// as one JSON frame until the client drops.
func (s *Server) streamEvents(c *gin.Context) {
	if s.deps.Broker == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event broker not configured"})
		return
	}

	ws, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer ws.Close()

	sub := s.deps.Broker.Subscribe()
	defer s.deps.Broker.Unsubscribe(sub)

	// Reader goroutine: its only job is noticing the client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
