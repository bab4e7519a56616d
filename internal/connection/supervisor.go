package connection

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"executor-core/internal/events"
)

// State of a supervised connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Dialer establishes one transport session and blocks only for the duration
// of the connection attempt. The supervisor owns retry timing; drivers own
// the wire.
type Dialer func(ctx context.Context) error

// Status is a snapshot of one connection, published on every transition.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
	// GaveUp is set when the attempt ceiling was reached and the supervisor
	// stopped retrying; the caller must intervene.
	GaveUp bool `json:"gaveUp,omitempty"`
}

// Supervisor owns reconnect state for each named transport. Transitions for
// one connection are serialized by its run loop; different connections are
// fully independent.
type Supervisor struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	policy Policy
	bus    *events.Bus
}

type connection struct {
	name string
	dial Dialer

	mu        sync.Mutex
	status    Status
	callbacks []func(Status)
	downCh    chan error
	cancel    context.CancelFunc
	running   bool
}

// NewSupervisor creates a supervisor with the given default policy.
func NewSupervisor(policy Policy, bus *events.Bus) *Supervisor {
	return &Supervisor{
		conns:  make(map[string]*connection),
		policy: policy.normalized(),
		bus:    bus,
	}
}

// Register adds a named connection. Registering an existing name replaces
// the dialer only while the connection is stopped.
func (s *Supervisor) Register(name string, dial Dialer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[name]; ok {
		c.mu.Lock()
		running := c.running
		if !running {
			c.dial = dial
		}
		c.mu.Unlock()
		if running {
			return fmt.Errorf("connection %s is running", name)
		}
		return nil
	}
	s.conns[name] = &connection{
		name:   name,
		dial:   dial,
		status: Status{Name: name, State: StateDisconnected, Since: time.Now().UTC()},
		downCh: make(chan error, 1),
	}
	return nil
}

// Connect starts (or restarts) the reconnect loop for a named connection.
func (s *Supervisor) Connect(ctx context.Context, name string) error {
	c, err := s.lookup(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	go s.run(runCtx, c)
	return nil
}

// Disconnect stops the loop and marks the connection disconnected.
func (s *Supervisor) Disconnect(name string) error {
	c, err := s.lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// ReportDown lets a transport driver signal that an established session
// failed. The supervisor transitions to error and re-enters backoff.
func (s *Supervisor) ReportDown(name string, cause error) {
	c, err := s.lookup(name)
	if err != nil {
		return
	}
	select {
	case c.downCh <- cause:
	default:
		// a failure report is already pending; one is enough
	}
}

// OnStatusChange registers a callback for one connection's transitions.
func (s *Supervisor) OnStatusChange(name string, fn func(Status)) error {
	c, err := s.lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
	return nil
}

// Snapshot returns the current status of every connection, for the composite
// health object on the status surface.
func (s *Supervisor) Snapshot() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.conns))
	for name, c := range s.conns {
		c.mu.Lock()
		out[name] = c.status
		c.mu.Unlock()
	}
	return out
}

func (s *Supervisor) lookup(name string) (*connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[name]
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", name)
	}
	return c, nil
}

// run is the per-connection state machine:
// disconnected -> connecting -> connected -> (error -> connecting)* and back.
func (s *Supervisor) run(ctx context.Context, c *connection) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		s.transition(c, StateDisconnected, 0, nil, false)
	}()

	bo := newBackoff(s.policy)
	attempts := 0

	for {
		s.transition(c, StateConnecting, attempts, nil, false)

		err := c.dial(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			attempts++
			s.transition(c, StateError, attempts, err, false)

			if attempts == s.policy.StruggleAfter {
				log.Printf("connection %s: struggling after %d attempts: %v", c.name, attempts, err)
				s.warnStruggling(c)
			}
			if attempts >= s.policy.MaxAttempts {
				log.Printf("connection %s: max attempts (%d) reached, giving up", c.name, attempts)
				s.transition(c, StateError, attempts, err, true)
				return
			}

			if !sleep(ctx, bo.Next()) {
				return
			}
			continue
		}

		// Session established. One success resets both counters.
		attempts = 0
		bo.Reset()
		s.transition(c, StateConnected, 0, nil, false)

		// Wait for the driver to report the session down.
		select {
		case <-ctx.Done():
			return
		case cause := <-c.downCh:
			attempts++
			s.transition(c, StateError, attempts, cause, false)
			if !sleep(ctx, bo.Next()) {
				return
			}
		}
	}
}

// warnStruggling publishes a distinct warning when a connection crosses the
// struggle threshold, so listeners need not re-derive it from attempt counts.
func (s *Supervisor) warnStruggling(c *connection) {
	if s.bus == nil {
		return
	}
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	s.bus.Publish(events.EventConnectionStruggling, status)
}

func (s *Supervisor) transition(c *connection, state State, attempts int, cause error, gaveUp bool) {
	c.mu.Lock()
	c.status.State = state
	c.status.Attempts = attempts
	c.status.Since = time.Now().UTC()
	c.status.GaveUp = gaveUp
	if cause != nil {
		c.status.LastError = cause.Error()
	} else if state == StateConnected {
		c.status.LastError = ""
	}
	status := c.status
	callbacks := c.callbacks
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(status)
	}
	if s.bus != nil {
		s.bus.Publish(events.EventConnectionStatus, status)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
