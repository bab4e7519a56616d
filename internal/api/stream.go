package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"executor-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents are fanned out to every connected UI client.
var streamedEvents = []events.Event{
	events.EventConnectionStatus,
	events.EventConnectionStruggling,
	events.EventStrategyStarted,
	events.EventStrategyStopped,
	events.EventSignalEmitted,
	events.EventSignalSuppressed,
	events.EventKillSwitchTripped,
	events.EventKillSwitchReset,
	events.EventCommandCompleted,
	events.EventCommandFailed,
}

type streamFrame struct {
	Event   events.Event `json:"event"`
	Payload any          `json:"payload"`
}

// stream pushes live events over one websocket until the client goes away.
func (s *Server) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan streamFrame, 256)
	done := make(chan struct{})
	defer close(done)

	for _, e := range streamedEvents {
		ch, unsub := s.Bus.Subscribe(e, 100)
		defer unsub()

		event := e
		go func() {
			for {
				select {
				case <-done:
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- streamFrame{Event: event, Payload: payload}:
					default:
						// slow client; drop rather than stall the bus
					}
				}
			}
		}()
	}

	for frame := range merged {
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
