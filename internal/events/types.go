package events

// Event enumerates high-level topics inside the executor core.
type Event string

const (
	EventConnectionStatus     Event = "connection.status"
	EventConnectionStruggling Event = "connection.struggling"
	EventCommandReceived      Event = "command.received"
	EventCommandCompleted     Event = "command.completed"
	EventCommandFailed        Event = "command.failed"
	EventStrategyStarted      Event = "strategy.started"
	EventStrategyStopped      Event = "strategy.stopped"
	EventSignalEmitted        Event = "signal.emitted"
	EventSignalSuppressed     Event = "signal.suppressed"
	EventKillSwitchTripped    Event = "killswitch.tripped"
	EventKillSwitchReset      Event = "killswitch.reset"
	EventMarketTick           Event = "market.tick"
	EventAccountUpdate        Event = "account.update"
	EventPositionUpdate       Event = "position.update"
	EventRecoveryStarted      Event = "recovery.started"
	EventSystemError          Event = "system.error"
)
