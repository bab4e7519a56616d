package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 75 * time.Second
	writeWait    = 10 * time.Second
)

// Handler receives each decoded command message from the channel.
type Handler func(ctx context.Context, raw map[string]any)

// Subscriber holds the inbound command channel from the control plane: one
// websocket session subscribed to this executor's private channel. Message
// handling is delegated; the subscriber only owns the wire.
type Subscriber struct {
	url     string
	channel string
	apiKey  string
	handler Handler

	mu     sync.Mutex
	conn   *websocket.Conn
	onDown func(error)
}

func NewSubscriber(url, channel, apiKey string, handler Handler) *Subscriber {
	return &Subscriber{
		url:     url,
		channel: channel,
		apiKey:  apiKey,
		handler: handler,
	}
}

// OnDown registers the session-failure callback for the supervisor.
func (s *Subscriber) OnDown(fn func(error)) {
	s.mu.Lock()
	s.onDown = fn
	s.mu.Unlock()
}

// Dial connects, subscribes to the private channel and starts reading. It
// blocks only for the handshake.
func (s *Subscriber) Dial(ctx context.Context) error {
	header := http.Header{}
	if s.apiKey != "" {
		header.Set("Authorization", "Bearer "+s.apiKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial cloud channel: %w", err)
	}

	sub := map[string]string{"event": "subscribe", "channel": s.channel}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	conn.SetWriteDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(ctx, conn)
	go s.pingLoop(ctx, conn)
	return nil
}

// Close tears down the session.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				s.sessionDown(nil)
				return
			}
			log.Printf("cloud: read error: %v", err)
			s.sessionDown(err)
			return
		}

		var envelope struct {
			Event   string          `json:"event"`
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &envelope); err != nil {
			log.Printf("cloud: parse error: %v", err)
			continue
		}

		switch envelope.Event {
		case "command":
			var raw map[string]any
			if err := json.Unmarshal(envelope.Data, &raw); err != nil {
				log.Printf("cloud: malformed command data: %v", err)
				continue
			}
			s.handler(ctx, raw)
		case "subscribed":
			log.Printf("cloud: subscribed to %s", envelope.Channel)
		}
	}
}

func (s *Subscriber) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Subscriber) sessionDown(cause error) {
	s.mu.Lock()
	onDown := s.onDown
	s.conn = nil
	s.mu.Unlock()

	if onDown != nil {
		if cause == nil {
			cause = fmt.Errorf("cloud session closed")
		}
		onDown(cause)
	}
}
