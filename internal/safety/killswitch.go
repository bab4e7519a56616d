package safety

import (
	"log"
	"sync"
	"time"

	"executor-core/internal/events"
)

// KillSwitch is the global emergency halt. Once tripped it stays tripped
// until an explicit Reset; there is no automatic re-arm.
type KillSwitch struct {
	mu        sync.RWMutex
	tripped   bool
	reason    string
	initiator string
	trippedAt time.Time

	bus    *events.Bus
	onTrip []func(reason string)
}

// TripInfo is the payload published on killswitch events and returned to the
// status surface.
type TripInfo struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	Initiator string    `json:"initiator,omitempty"`
	TrippedAt time.Time `json:"trippedAt,omitempty"`
}

func NewKillSwitch(bus *events.Bus) *KillSwitch {
	return &KillSwitch{bus: bus}
}

// OnTrip registers a callback run exactly once when the switch trips.
// Callbacks are invoked synchronously from the tripping goroutine; they must
// not block.
func (k *KillSwitch) OnTrip(fn func(reason string)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onTrip = append(k.onTrip, fn)
}

// Trip halts all trading. Idempotent: repeated trips keep the first reason
// and emit no further events.
func (k *KillSwitch) Trip(reason, initiator string) {
	k.mu.Lock()
	if k.tripped {
		k.mu.Unlock()
		return
	}
	k.tripped = true
	k.reason = reason
	k.initiator = initiator
	k.trippedAt = time.Now().UTC()
	callbacks := k.onTrip
	info := k.infoLocked()
	k.mu.Unlock()

	log.Printf("safety: KILL SWITCH TRIPPED (%s, initiator=%s)", reason, initiator)
	for _, fn := range callbacks {
		fn(reason)
	}
	if k.bus != nil {
		k.bus.Publish(events.EventKillSwitchTripped, info)
	}
}

// Reset re-arms trading. Requires a deliberate operator call.
func (k *KillSwitch) Reset(initiator string) {
	k.mu.Lock()
	if !k.tripped {
		k.mu.Unlock()
		return
	}
	k.tripped = false
	k.reason = ""
	k.initiator = ""
	k.trippedAt = time.Time{}
	k.mu.Unlock()

	log.Printf("safety: kill switch reset by %s", initiator)
	if k.bus != nil {
		k.bus.Publish(events.EventKillSwitchReset, TripInfo{Tripped: false, Initiator: initiator})
	}
}

// Tripped reports the current state.
func (k *KillSwitch) Tripped() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tripped
}

// Info returns a snapshot for the status surface.
func (k *KillSwitch) Info() TripInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.infoLocked()
}

func (k *KillSwitch) infoLocked() TripInfo {
	return TripInfo{
		Tripped:   k.tripped,
		Reason:    k.reason,
		Initiator: k.initiator,
		TrippedAt: k.trippedAt,
	}
}
