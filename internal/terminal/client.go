package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"executor-core/internal/command"
	"executor-core/internal/events"
	"executor-core/internal/market"
	"executor-core/internal/monitor"
	"executor-core/internal/safety"
)

// frame is the wire envelope shared by requests, replies and pushes. Replies
// echo the request id; pushes carry no id.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client speaks the local terminal bridge protocol over one websocket:
// correlated request/reply for trades and snapshots, plus unsolicited pushes
// for ticks, account and position updates which land on the event bus.
type Client struct {
	url      string
	magic    int
	slippage int
	timeout  time.Duration
	bus      *events.Bus

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	onDown  func(error)

	writeMu sync.Mutex
}

func NewClient(url string, magic, slippage int, timeout time.Duration, bus *events.Bus) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:      url,
		magic:    magic,
		slippage: slippage,
		timeout:  timeout,
		bus:      bus,
		pending:  make(map[string]chan frame),
	}
}

// OnDown registers the callback invoked once when an established session
// fails. The connection supervisor uses it to re-enter backoff.
func (c *Client) OnDown(fn func(error)) {
	c.mu.Lock()
	c.onDown = fn
	c.mu.Unlock()
}

// Dial establishes the session and starts the read loop. It blocks only for
// the connection attempt itself.
func (c *Client) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial terminal %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close tears down the session.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				c.sessionDown(nil)
				return
			}
			log.Printf("terminal: read error: %v", err)
			c.sessionDown(err)
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			log.Printf("terminal: parse error: %v", err)
			continue
		}

		if f.ID != "" {
			c.deliver(f)
			continue
		}
		c.publishPush(f)
	}
}

// sessionDown fails every waiter and notifies the supervisor exactly once
// per session.
func (c *Client) sessionDown(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan frame)
	onDown := c.onDown
	c.conn = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if onDown != nil {
		if cause == nil {
			cause = fmt.Errorf("terminal session closed")
		}
		onDown(cause)
	}
}

func (c *Client) deliver(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ok {
		ch <- f
		close(ch)
	}
}

func (c *Client) publishPush(f frame) {
	if c.bus == nil {
		return
	}
	switch f.Type {
	case "tick":
		var t market.Tick
		if err := json.Unmarshal(f.Payload, &t); err == nil {
			c.bus.Publish(events.EventMarketTick, t)
		}
	case "account":
		var a safety.AccountState
		if err := json.Unmarshal(f.Payload, &a); err == nil {
			c.bus.Publish(events.EventAccountUpdate, a)
		}
	case "positions":
		var ps []monitor.Position
		if err := json.Unmarshal(f.Payload, &ps); err == nil {
			c.bus.Publish(events.EventPositionUpdate, ps)
		}
	}
}

// request sends one correlated frame and waits for its reply or the context.
func (c *Client) request(ctx context.Context, typ string, payload any) (frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return frame{}, fmt.Errorf("terminal not connected")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return frame{}, fmt.Errorf("encode %s request: %w", typ, err)
	}

	id := uuid.New().String()
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := frame{ID: id, Type: typ, Payload: body}
	c.writeMu.Lock()
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("send %s request: %w", typ, err)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, ctx.Err()
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return frame{}, fmt.Errorf("%s request timed out after %s", typ, timeout)
	case reply, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("terminal session closed mid-request")
		}
		if reply.Success != nil && !*reply.Success {
			return frame{}, fmt.Errorf("terminal rejected %s: %s", typ, reply.Error)
		}
		return reply, nil
	}
}

// Send dispatches one trade command. Implements the pipeline's Sender.
func (c *Client) Send(ctx context.Context, cmd command.Command) error {
	var typ string
	switch cmd.Kind {
	case command.KindOpenTrade:
		typ = "open_trade"
	case command.KindCloseTrade:
		typ = "close_trade"
	case command.KindModifyTrade:
		typ = "modify_trade"
	default:
		return fmt.Errorf("unsupported command kind %s", cmd.Kind)
	}

	params := make(map[string]any, len(cmd.Parameters)+2)
	for k, v := range cmd.Parameters {
		params[k] = v
	}
	if _, ok := params["magic"]; !ok {
		params["magic"] = c.magic
	}
	if _, ok := params["slippage"]; !ok {
		params["slippage"] = c.slippage
	}

	_, err := c.request(ctx, typ, params)
	return err
}

// Snapshot fetches the market snapshot for one symbol and timeframe.
// Implements market.Provider.
func (c *Client) Snapshot(ctx context.Context, symbol, timeframe string) (market.Snapshot, error) {
	reply, err := c.request(ctx, "snapshot", map[string]any{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      100,
	})
	if err != nil {
		return market.Snapshot{}, err
	}

	var snap market.Snapshot
	if err := json.Unmarshal(reply.Payload, &snap); err != nil {
		return market.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.Symbol = symbol
	snap.Timeframe = timeframe
	snap.Taken = time.Now().UTC()
	return snap, nil
}

// Account fetches the current account state. Implements the monitor's
// AccountSource.
func (c *Client) Account(ctx context.Context) (safety.AccountState, error) {
	reply, err := c.request(ctx, "account", map[string]any{})
	if err != nil {
		return safety.AccountState{}, err
	}

	var state safety.AccountState
	if err := json.Unmarshal(reply.Payload, &state); err != nil {
		return safety.AccountState{}, fmt.Errorf("decode account: %w", err)
	}
	return state, nil
}

// Positions fetches open positions, optionally filtered by symbol.
// Implements the monitor's PositionSource.
func (c *Client) Positions(ctx context.Context, symbol string) ([]monitor.Position, error) {
	reply, err := c.request(ctx, "positions", map[string]any{"symbol": symbol})
	if err != nil {
		return nil, err
	}

	var out []monitor.Position
	if err := json.Unmarshal(reply.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return out, nil
}

// Ping checks session liveness.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("terminal not connected")
	}
	return conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
}
