package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"executor-core/internal/command"
	"executor-core/internal/events"
	"executor-core/internal/health"
	"executor-core/internal/market"
	"executor-core/internal/registry"
	"executor-core/internal/safety"
	"executor-core/internal/strategy"
	"executor-core/pkg/db"
)

// AccountSource supplies the live account snapshot the safety gate
// validates against.
type AccountSource interface {
	Account(ctx context.Context) (safety.AccountState, error)
}

// Position is one open terminal position, as reported by the transport.
type Position struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"` // BUY or SELL
	Volume     float64 `json:"volume"`
	OpenPrice  float64 `json:"openPrice"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
	Profit     float64 `json:"profit"`
	Comment    string  `json:"comment,omitempty"`
}

// PositionSource supplies open positions for the management pass.
type PositionSource interface {
	Positions(ctx context.Context, symbol string) ([]Position, error)
}

// CommandSink accepts the trade commands the monitor produces. The command
// pipeline implements it.
type CommandSink interface {
	Submit(ctx context.Context, cmd command.Command) error
}

// Deps wires the monitor's collaborators.
type Deps struct {
	Registry   *registry.Registry
	Data       market.Provider
	Account    AccountSource
	Positions  PositionSource
	Gate       *safety.Gate
	KillSwitch *safety.KillSwitch
	Bus        *events.Bus
	DB         *db.Database
	Metrics    *health.Metrics
	Sink       CommandSink

	Magic    int
	Slippage int
}

// Monitor runs one evaluation loop per active strategy plus a lower-frequency
// management pass over open positions. Each strategy's ticks are strictly
// sequential; loops for different strategies are independent.
type Monitor struct {
	deps Deps

	mu          sync.Mutex
	baseCtx     context.Context
	loops       map[string]context.CancelFunc
	pending     map[string]string // symbol -> in-flight open command id
	partialDone map[int64]map[int]bool
}

func New(deps Deps) *Monitor {
	return &Monitor{
		deps:        deps,
		loops:       make(map[string]context.CancelFunc),
		pending:     make(map[string]string),
		partialDone: make(map[int64]map[int]bool),
	}
}

// SetSink wires the command sink after construction. The pipeline routes
// lifecycle commands to the monitor while the monitor submits trade commands
// to the pipeline, so one of the two references is set late. Must be called
// before Start.
func (m *Monitor) SetSink(sink CommandSink) {
	m.deps.Sink = sink
}

// Start begins monitoring every active strategy already in the registry and
// launches the position-management pass. The context bounds every loop the
// monitor ever starts.
func (m *Monitor) Start(ctx context.Context, manageEvery time.Duration) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	for _, s := range m.deps.Registry.Snapshot() {
		if s.Status == strategy.StatusActive {
			m.startLoop(s.ID, s.TickInterval())
		}
	}

	if manageEvery <= 0 {
		manageEvery = 30 * time.Second
	}
	go m.managementLoop(ctx, manageEvery)
}

// StartStrategy parses the command parameters into a strategy, registers it
// and begins its evaluation loop. Restarting an existing id replaces its
// configuration and loop.
func (m *Monitor) StartStrategy(ctx context.Context, params map[string]any) error {
	s, err := strategy.FromParameters(params)
	if err != nil {
		return fmt.Errorf("parse strategy: %w", err)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.Status = strategy.StatusActive
	s.StartedAt = time.Now().UTC()

	if err := m.deps.Registry.Add(ctx, s); err != nil {
		return fmt.Errorf("register strategy %s: %w", s.ID, err)
	}

	m.startLoop(s.ID, s.TickInterval())
	m.publish(events.EventStrategyStarted, s)
	log.Printf("monitor: strategy %s (%s %s %s) started", s.ID, s.Name, s.Symbol, s.Timeframe)
	return nil
}

// StopStrategy halts the loop and removes the strategy. Stopping an unknown
// id is a no-op.
func (m *Monitor) StopStrategy(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("stop: missing strategyId")
	}
	m.stopLoop(id)
	present, err := m.deps.Registry.Remove(ctx, id)
	if err != nil {
		return err
	}
	if present {
		m.publish(events.EventStrategyStopped, id)
		log.Printf("monitor: strategy %s stopped", id)
	}
	return nil
}

// PauseStrategy halts ticking but keeps the strategy registered.
func (m *Monitor) PauseStrategy(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("pause: missing strategyId")
	}
	m.stopLoop(id)
	return m.deps.Registry.SetStatus(ctx, id, strategy.StatusPaused)
}

// ResumeStrategy restarts ticking for a paused strategy.
func (m *Monitor) ResumeStrategy(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("resume: missing strategyId")
	}
	if err := m.deps.Registry.SetStatus(ctx, id, strategy.StatusActive); err != nil {
		return err
	}
	s, ok := m.deps.Registry.Get(id)
	if !ok {
		return fmt.Errorf("strategy %s not in registry", id)
	}
	m.startLoop(id, s.TickInterval())
	return nil
}

// StopAll cancels every evaluation loop immediately. Registry entries stay
// put so a later reset can resume them. Safe to call repeatedly and from any
// goroutine, including a kill-switch trip callback.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.loops {
		cancel()
		delete(m.loops, id)
	}
}

// ResolveSignal clears the pending-signal latch once the open command for it
// completed or failed, allowing the strategy's instrument to signal again.
func (m *Monitor) ResolveSignal(commandID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, id := range m.pending {
		if id == commandID {
			delete(m.pending, symbol)
		}
	}
}

func (m *Monitor) startLoop(id string, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.loops[id]; ok {
		cancel()
	}
	base := m.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	m.loops[id] = cancel
	go m.loop(ctx, id, interval)
}

func (m *Monitor) stopLoop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.loops[id]; ok {
		cancel()
		delete(m.loops, id)
	}
}

func (m *Monitor) loop(ctx context.Context, id string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, id)
		}
	}
}

// tick runs one full evaluation for a strategy. Any data gap or collaborator
// error skips the tick; nothing escapes the loop boundary.
func (m *Monitor) tick(ctx context.Context, id string) {
	start := time.Now()
	defer func() {
		if m.deps.Metrics != nil {
			m.deps.Metrics.RecordEvaluation(time.Since(start))
		}
	}()

	s, ok := m.deps.Registry.Get(id)
	if !ok || s.Status != strategy.StatusActive {
		return
	}
	if m.deps.KillSwitch != nil && m.deps.KillSwitch.Tripped() {
		return
	}

	snap, err := m.deps.Data.Snapshot(ctx, s.Symbol, s.Timeframe)
	if err != nil {
		log.Printf("monitor: %s: market data unavailable, skipping tick: %v", id, err)
		return
	}

	entry, err := EvaluateEntry(s.Entry, snap)
	if err != nil {
		log.Printf("monitor: %s: %v, skipping tick", id, err)
		return
	}
	if !entry.Fired {
		return
	}

	// One unresolved signal per instrument at a time.
	m.mu.Lock()
	_, busy := m.pending[s.Symbol]
	m.mu.Unlock()
	if busy {
		return
	}

	account, err := m.deps.Account.Account(ctx)
	if err != nil {
		log.Printf("monitor: %s: account snapshot unavailable, skipping tick: %v", id, err)
		return
	}

	filters := ApplyFilters(s.Filters, snap, account.Positions, time.Now())
	if !filters.Allowed {
		m.suppress(s, filters.Reason)
		return
	}

	direction := deriveDirection(snap)
	entryPrice := snap.Tick.Ask
	if direction == "SELL" {
		entryPrice = snap.Tick.Bid
	}

	exits := ComputeExits(direction, entryPrice, s.Exit, snap)
	lot := ComputeLot(s.Risk, account.Balance, exits.StopPips)
	if filters.SizeFactor < 1 {
		lot = ClampLot(s.Risk, lot*filters.SizeFactor)
	}

	decision := m.deps.Gate.Validate(safety.ProposedTrade{
		StrategyID: s.ID,
		Symbol:     s.Symbol,
		Direction:  direction,
		Volume:     lot,
		Price:      entryPrice,
		StopLoss:   exits.StopLoss,
		TakeProfit: exits.TakeProfit,
	}, account)
	if !decision.Allowed {
		m.suppress(s, decision.Reason)
		return
	}

	// A trip during this tick must keep the signal from ever reaching the
	// pipeline, even though the gate passed moments ago.
	if m.deps.KillSwitch != nil && m.deps.KillSwitch.Tripped() {
		return
	}

	sig := Signal{
		StrategyID: s.ID,
		Symbol:     s.Symbol,
		Direction:  direction,
		EntryPrice: entryPrice,
		StopLoss:   exits.StopLoss,
		TakeProfit: exits.TakeProfit,
		Volume:     lot,
		Confidence: entry.Confidence(),
		Reasons:    entry.Reasons,
		EmittedAt:  time.Now().UTC(),
	}
	m.emit(ctx, s, sig)
}

func (m *Monitor) emit(ctx context.Context, s strategy.Strategy, sig Signal) {
	cmd := command.Command{
		ID:        uuid.New().String(),
		Kind:      command.KindOpenTrade,
		Priority:  command.PriorityNormal,
		CreatedAt: sig.EmittedAt,
		Parameters: map[string]any{
			"symbol":     sig.Symbol,
			"type":       sig.Direction,
			"volume":     sig.Volume,
			"price":      sig.EntryPrice,
			"stopLoss":   sig.StopLoss,
			"takeProfit": sig.TakeProfit,
			"comment":    fmt.Sprintf("%s:%s:%s", sig.StrategyID, sig.Symbol, sig.Direction),
			"magic":      m.deps.Magic,
			"slippage":   m.deps.Slippage,
		},
	}

	m.mu.Lock()
	m.pending[sig.Symbol] = cmd.ID
	m.mu.Unlock()

	if err := m.deps.Sink.Submit(ctx, cmd); err != nil {
		m.ResolveSignal(cmd.ID)
		log.Printf("monitor: %s: submit open command: %v", sig.StrategyID, err)
		return
	}

	m.deps.Registry.MarkSignal(sig.StrategyID, sig.EmittedAt)
	m.publish(events.EventSignalEmitted, sig)
	if m.deps.Metrics != nil {
		m.deps.Metrics.IncrementSignals()
	}
	m.record(ctx, sig)
	log.Printf("monitor: %s: signal %s %s %.2f lots (confidence %.2f)",
		sig.StrategyID, sig.Direction, sig.Symbol, sig.Volume, sig.Confidence)
}

func (m *Monitor) suppress(s strategy.Strategy, reason string) {
	log.Printf("monitor: %s: signal suppressed: %s", s.ID, reason)
	m.publish(events.EventSignalSuppressed, map[string]string{
		"strategyId": s.ID,
		"symbol":     s.Symbol,
		"reason":     reason,
	})
	if m.deps.Metrics != nil {
		m.deps.Metrics.IncrementSuppressed()
	}
}

func (m *Monitor) record(ctx context.Context, sig Signal) {
	if m.deps.DB == nil {
		return
	}
	reasons, _ := json.Marshal(sig.Reasons)
	err := m.deps.DB.RecordSignal(ctx, db.SignalRecord{
		ID:         uuid.New().String(),
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Volume:     sig.Volume,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Confidence: sig.Confidence,
		Reasons:    string(reasons),
	})
	if err != nil {
		log.Printf("monitor: record signal for %s: %v", sig.StrategyID, err)
	}
}

func (m *Monitor) publish(e events.Event, payload any) {
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(e, payload)
	}
}

// managementLoop is the lower-frequency pass that adjusts open positions:
// trailing stops, partial exits and breakeven moves. It keeps running after
// a kill-switch trip because every action it takes reduces exposure.
func (m *Monitor) managementLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.managePositions(ctx)
		}
	}
}

func (m *Monitor) managePositions(ctx context.Context) {
	if m.deps.Positions == nil {
		return
	}

	for _, s := range m.deps.Registry.Snapshot() {
		if !s.Exit.Trailing.Enabled && len(s.Exit.PartialExits) == 0 {
			continue
		}

		positions, err := m.deps.Positions.Positions(ctx, s.Symbol)
		if err != nil {
			log.Printf("monitor: positions for %s unavailable: %v", s.Symbol, err)
			continue
		}
		if len(positions) == 0 {
			continue
		}

		snap, err := m.deps.Data.Snapshot(ctx, s.Symbol, s.Timeframe)
		if err != nil {
			continue
		}

		for _, pos := range positions {
			if !strings.Contains(pos.Comment, s.ID) {
				continue
			}
			if s.Exit.Trailing.Enabled {
				m.trail(ctx, s, pos, snap)
			}
			if len(s.Exit.PartialExits) > 0 {
				m.partialExit(ctx, s, pos, snap)
			}
		}
	}
}

// trail ratchets the stop behind price. The stop only ever tightens.
func (m *Monitor) trail(ctx context.Context, s strategy.Strategy, pos Position, snap market.Snapshot) {
	pip := PipSize(pos.Symbol)
	distance := s.Exit.Trailing.Distance
	if distance <= 0 {
		distance = 20
	}

	var newStop float64
	if pos.Direction == "BUY" {
		newStop = snap.Tick.Bid - distance*pip
		if newStop <= pos.StopLoss {
			return
		}
	} else {
		newStop = snap.Tick.Ask + distance*pip
		if pos.StopLoss != 0 && newStop >= pos.StopLoss {
			return
		}
	}

	m.modifyStop(ctx, pos, newStop, pos.TakeProfit, "trail")
}

// partialExit closes a slice of the position at each configured reward/risk
// level, at most once per level per position.
func (m *Monitor) partialExit(ctx context.Context, s strategy.Strategy, pos Position, snap market.Snapshot) {
	rr := rewardRiskRatio(pos, snap)
	if rr <= 0 {
		return
	}

	m.mu.Lock()
	done, ok := m.partialDone[pos.Ticket]
	if !ok {
		done = make(map[int]bool)
		m.partialDone[pos.Ticket] = done
	}
	m.mu.Unlock()

	for idx, level := range s.Exit.PartialExits {
		m.mu.Lock()
		executed := done[idx]
		m.mu.Unlock()
		if executed || rr < level.RRRatio {
			continue
		}

		// The close volume must land on the broker's 0.01 lot step or the
		// terminal rejects it.
		volume := RoundLotStep(pos.Volume * level.Percentage / 100)
		if volume < 0.01 {
			continue
		}
		if volume > pos.Volume {
			volume = pos.Volume
		}

		cmd := command.Command{
			ID:        uuid.New().String(),
			Kind:      command.KindCloseTrade,
			Priority:  command.PriorityNormal,
			CreatedAt: time.Now().UTC(),
			Parameters: map[string]any{
				"ticket":  pos.Ticket,
				"symbol":  pos.Symbol,
				"volume":  volume,
				"partial": true,
			},
		}
		if err := m.deps.Sink.Submit(ctx, cmd); err != nil {
			log.Printf("monitor: partial exit for ticket %d: %v", pos.Ticket, err)
			continue
		}

		m.mu.Lock()
		done[idx] = true
		m.mu.Unlock()
		log.Printf("monitor: partial exit ticket %d at rr %.2f (%.0f%%)", pos.Ticket, rr, level.Percentage)

		if level.MoveToBreakEven {
			m.modifyStop(ctx, pos, pos.OpenPrice, pos.TakeProfit, "breakeven")
		}
	}
}

func (m *Monitor) modifyStop(ctx context.Context, pos Position, stopLoss, takeProfit float64, why string) {
	cmd := command.Command{
		ID:        uuid.New().String(),
		Kind:      command.KindModifyTrade,
		Priority:  command.PriorityNormal,
		CreatedAt: time.Now().UTC(),
		Parameters: map[string]any{
			"ticket":     pos.Ticket,
			"symbol":     pos.Symbol,
			"stopLoss":   stopLoss,
			"takeProfit": takeProfit,
		},
	}
	if err := m.deps.Sink.Submit(ctx, cmd); err != nil {
		log.Printf("monitor: %s ticket %d: %v", why, pos.Ticket, err)
		return
	}
	log.Printf("monitor: %s ticket %d, stop %.5f", why, pos.Ticket, stopLoss)
}

// rewardRiskRatio measures how far the trade has travelled relative to its
// initial risk. Positions without a stop assume a 20 pip risk.
func rewardRiskRatio(pos Position, snap market.Snapshot) float64 {
	pip := PipSize(pos.Symbol)

	var reward, risk float64
	if pos.Direction == "BUY" {
		reward = snap.Tick.Bid - pos.OpenPrice
		stop := pos.StopLoss
		if stop == 0 {
			stop = pos.OpenPrice - 20*pip
		}
		risk = pos.OpenPrice - stop
	} else {
		reward = pos.OpenPrice - snap.Tick.Ask
		stop := pos.StopLoss
		if stop == 0 {
			stop = pos.OpenPrice + 20*pip
		}
		risk = stop - pos.OpenPrice
	}

	if risk <= 0 {
		return 0
	}
	return reward / risk
}
