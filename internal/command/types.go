package command

import (
	"time"
)

// Well-known command kinds. Lifecycle kinds are handled synchronously
// in-process; everything else goes through the dispatch queue to the
// terminal transport.
const (
	KindStartStrategy  = "START_STRATEGY"
	KindStopStrategy   = "STOP_STRATEGY"
	KindPauseStrategy  = "PAUSE_STRATEGY"
	KindResumeStrategy = "RESUME_STRATEGY"
	KindEmergencyStop  = "EMERGENCY_STOP"
	KindPing           = "PING"

	KindOpenTrade   = "OPEN_TRADE"
	KindCloseTrade  = "CLOSE_TRADE"
	KindModifyTrade = "MODIFY_TRADE"
)

// Priority tiers for queued dispatch.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Command is the canonical shape every inbound message is normalized to.
// Immutable after creation except for RetryCount, which the dispatcher owns.
type Command struct {
	ID               string         `json:"id"`
	Kind             string         `json:"kind"`
	Parameters       map[string]any `json:"parameters"`
	Priority         Priority       `json:"priority"`
	CreatedAt        time.Time      `json:"createdAt"`
	SourceExecutorID string         `json:"sourceExecutorId,omitempty"`
	Timeout          time.Duration  `json:"timeout"`
	RetryCount       int            `json:"retryCount"`
	MaxRetries       int            `json:"maxRetries"`
}

// IsLifecycle reports whether the kind mutates the strategy registry (or the
// kill switch) and therefore bypasses the transport queue entirely.
func (c Command) IsLifecycle() bool {
	switch c.Kind {
	case KindStartStrategy, KindStopStrategy, KindPauseStrategy, KindResumeStrategy, KindEmergencyStop, KindPing:
		return true
	}
	return false
}

// IsTrade reports whether the kind would open or grow market exposure and
// must therefore respect the kill switch.
func (c Command) IsTrade() bool {
	return c.Kind == KindOpenTrade
}

// Result is the terminal outcome of a command, reported exactly once.
type Result struct {
	CommandID string    `json:"commandId"`
	Kind      string    `json:"kind"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	Retries   int       `json:"retries"`
	Finished  time.Time `json:"finished"`
}
