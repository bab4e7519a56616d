package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"executor-core/internal/command"
	"executor-core/internal/market"
	"executor-core/internal/registry"
	"executor-core/internal/safety"
	"executor-core/internal/strategy"
)

type fakeProvider struct {
	snap market.Snapshot
	err  error
}

func (f *fakeProvider) Snapshot(ctx context.Context, symbol, timeframe string) (market.Snapshot, error) {
	if f.err != nil {
		return market.Snapshot{}, f.err
	}
	return f.snap, nil
}

type fakeAccount struct {
	state safety.AccountState
	err   error
}

func (f *fakeAccount) Account(ctx context.Context) (safety.AccountState, error) {
	return f.state, f.err
}

type fakePositions struct {
	positions []Position
}

func (f *fakePositions) Positions(ctx context.Context, symbol string) ([]Position, error) {
	return f.positions, nil
}

type fakeSink struct {
	mu   sync.Mutex
	cmds []command.Command
	err  error
}

func (f *fakeSink) Submit(ctx context.Context, cmd command.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeSink) all() []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]command.Command, len(f.cmds))
	copy(out, f.cmds)
	return out
}

func firingStrategy(id string) strategy.Strategy {
	return strategy.Strategy{
		ID:        id,
		Name:      "trend",
		Symbol:    "EURUSD",
		Timeframe: "M15",
		Status:    strategy.StatusActive,
		Entry: strategy.EntryRules{
			Logic: strategy.LogicAND,
			Conditions: []strategy.Condition{
				{Indicator: "rsi", Operator: strategy.OpGreaterThan, Value: 50},
			},
		},
		Exit: strategy.ExitRules{
			StopLoss:   strategy.StopRule{Type: "pips", Value: 25},
			TakeProfit: strategy.TargetRule{Type: "pips", Value: 40},
		},
		Risk: strategy.RiskParams{LotSize: 0.1},
	}
}

func firingSnapshot() market.Snapshot {
	return market.Snapshot{
		Symbol:    "EURUSD",
		Timeframe: "M15",
		Tick:      market.Tick{Bid: 1.1000, Ask: 1.1002},
		Indicators: map[string]float64{
			"rsi":    60,
			"price":  1.1001,
			"ema_50": 1.0950,
		},
	}
}

type monitorFixture struct {
	mon  *Monitor
	sink *fakeSink
	reg  *registry.Registry
	ks   *safety.KillSwitch
	data *fakeProvider
	pos  *fakePositions
}

func newFixture(t *testing.T, s strategy.Strategy) *monitorFixture {
	t.Helper()

	reg := registry.New(nil)
	if err := reg.Add(context.Background(), s); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	ks := safety.NewKillSwitch(nil)
	sink := &fakeSink{}
	data := &fakeProvider{snap: firingSnapshot()}
	pos := &fakePositions{}

	mon := New(Deps{
		Registry:   reg,
		Data:       data,
		Account:    &fakeAccount{state: safety.AccountState{Balance: 10000, Equity: 10000}},
		Positions:  pos,
		Gate:       safety.NewGate(safety.DefaultLimits(), ks),
		KillSwitch: ks,
		Magic:      923451,
		Slippage:   10,
	})
	mon.SetSink(sink)
	return &monitorFixture{mon: mon, sink: sink, reg: reg, ks: ks, data: data, pos: pos}
}

func TestTickEmitsOpenCommand(t *testing.T) {
	fx := newFixture(t, firingStrategy("s-1"))
	fx.mon.tick(context.Background(), "s-1")

	cmds := fx.sink.all()
	if len(cmds) != 1 {
		t.Fatalf("sink received %d commands, expected 1", len(cmds))
	}
	cmd := cmds[0]
	if cmd.Kind != command.KindOpenTrade {
		t.Fatalf("Kind=%q, expected OPEN_TRADE", cmd.Kind)
	}
	if cmd.Parameters["symbol"] != "EURUSD" {
		t.Fatalf("symbol=%v", cmd.Parameters["symbol"])
	}
	// Price above the 50 EMA goes long, entering at the ask.
	if cmd.Parameters["type"] != "BUY" {
		t.Fatalf("type=%v, expected BUY", cmd.Parameters["type"])
	}
	if cmd.Parameters["price"] != 1.1002 {
		t.Fatalf("price=%v, expected the ask", cmd.Parameters["price"])
	}
	if cmd.Parameters["magic"] != 923451 || cmd.Parameters["slippage"] != 10 {
		t.Fatalf("magic=%v slippage=%v", cmd.Parameters["magic"], cmd.Parameters["slippage"])
	}

	got, ok := fx.reg.Get("s-1")
	if !ok || got.LastSignalAt.IsZero() {
		t.Fatalf("LastSignalAt not recorded")
	}
}

func TestPendingSignalLatchBlocksUntilResolved(t *testing.T) {
	fx := newFixture(t, firingStrategy("s-1"))

	fx.mon.tick(context.Background(), "s-1")
	fx.mon.tick(context.Background(), "s-1")
	if n := len(fx.sink.all()); n != 1 {
		t.Fatalf("sink received %d commands with latch set, expected 1", n)
	}

	fx.mon.ResolveSignal(fx.sink.all()[0].ID)
	fx.mon.tick(context.Background(), "s-1")
	if n := len(fx.sink.all()); n != 2 {
		t.Fatalf("sink received %d commands after resolve, expected 2", n)
	}
}

func TestSubmitFailureReleasesLatch(t *testing.T) {
	fx := newFixture(t, firingStrategy("s-1"))
	fx.sink.err = fmt.Errorf("queue full")

	fx.mon.tick(context.Background(), "s-1")

	fx.sink.err = nil
	fx.mon.tick(context.Background(), "s-1")
	if n := len(fx.sink.all()); n != 1 {
		t.Fatalf("sink received %d commands, expected the retry after a failed submit", n)
	}
}

func TestTickSkipsWhileKillSwitchTripped(t *testing.T) {
	fx := newFixture(t, firingStrategy("s-1"))
	fx.ks.Trip("test", "test")

	fx.mon.tick(context.Background(), "s-1")
	if n := len(fx.sink.all()); n != 0 {
		t.Fatalf("sink received %d commands while tripped", n)
	}
}

func TestTickSkipsOnDataGap(t *testing.T) {
	fx := newFixture(t, firingStrategy("s-1"))
	fx.data.err = fmt.Errorf("terminal unreachable")

	fx.mon.tick(context.Background(), "s-1")
	if n := len(fx.sink.all()); n != 0 {
		t.Fatalf("sink received %d commands on a data gap", n)
	}
}

func TestTickSuppressedByGate(t *testing.T) {
	s := firingStrategy("s-1")
	fx := newFixture(t, s)

	// Exceed the daily loss limit so the gate denies the proposal.
	fx.mon.deps.Account = &fakeAccount{state: safety.AccountState{
		Balance:   10000,
		DailyLoss: 9999,
	}}

	fx.mon.tick(context.Background(), "s-1")
	if n := len(fx.sink.all()); n != 0 {
		t.Fatalf("gate-denied signal reached the sink")
	}
}

func TestStartStopStrategyLifecycle(t *testing.T) {
	fx := newFixture(t, firingStrategy("seed"))

	params := map[string]any{
		"strategyId": "s-new",
		"symbol":     "GBPUSD",
		"timeframe":  "M5",
	}
	if err := fx.mon.StartStrategy(context.Background(), params); err != nil {
		t.Fatalf("StartStrategy: %v", err)
	}
	if _, ok := fx.reg.Get("s-new"); !ok {
		t.Fatalf("started strategy not in registry")
	}

	if err := fx.mon.StopStrategy(context.Background(), "s-new"); err != nil {
		t.Fatalf("StopStrategy: %v", err)
	}
	if _, ok := fx.reg.Get("s-new"); ok {
		t.Fatalf("stopped strategy still registered")
	}

	// Stopping an unknown id is idempotent.
	if err := fx.mon.StopStrategy(context.Background(), "s-new"); err != nil {
		t.Fatalf("second stop returned error: %v", err)
	}
	fx.mon.StopAll()
}

func TestPauseSkipsTicks(t *testing.T) {
	fx := newFixture(t, firingStrategy("s-1"))

	if err := fx.mon.PauseStrategy(context.Background(), "s-1"); err != nil {
		t.Fatalf("PauseStrategy: %v", err)
	}
	fx.mon.tick(context.Background(), "s-1")
	if n := len(fx.sink.all()); n != 0 {
		t.Fatalf("paused strategy emitted a signal")
	}

	if err := fx.mon.ResumeStrategy(context.Background(), "s-1"); err != nil {
		t.Fatalf("ResumeStrategy: %v", err)
	}
	fx.mon.tick(context.Background(), "s-1")
	if n := len(fx.sink.all()); n != 1 {
		t.Fatalf("resumed strategy did not emit")
	}
	fx.mon.StopAll()
}

func TestTrailOnlyTightens(t *testing.T) {
	s := firingStrategy("s-1")
	s.Exit.Trailing = strategy.TrailingRule{Enabled: true, Distance: 20}
	fx := newFixture(t, s)

	// Bid 1.1000, 20 pip trail: new stop 1.0980.
	fx.pos.positions = []Position{{
		Ticket:    101,
		Symbol:    "EURUSD",
		Direction: "BUY",
		Volume:    0.1,
		OpenPrice: 1.0900,
		StopLoss:  1.0950,
		Comment:   "s-1:EURUSD:BUY",
	}}

	fx.mon.managePositions(context.Background())
	cmds := fx.sink.all()
	if len(cmds) != 1 || cmds[0].Kind != command.KindModifyTrade {
		t.Fatalf("commands=%+v, expected one MODIFY_TRADE", cmds)
	}
	if sl := cmds[0].Parameters["stopLoss"].(float64); !closeTo(sl, 1.0980) {
		t.Fatalf("stopLoss=%v, expected 1.0980", sl)
	}

	// Stop already at the trail level: no further modification.
	fx.pos.positions[0].StopLoss = 1.0980
	fx.mon.managePositions(context.Background())
	if n := len(fx.sink.all()); n != 1 {
		t.Fatalf("trail loosened or re-sent an unchanged stop (%d commands)", n)
	}
}

func TestTrailIgnoresForeignPositions(t *testing.T) {
	s := firingStrategy("s-1")
	s.Exit.Trailing = strategy.TrailingRule{Enabled: true, Distance: 20}
	fx := newFixture(t, s)

	fx.pos.positions = []Position{{
		Ticket:    102,
		Symbol:    "EURUSD",
		Direction: "BUY",
		OpenPrice: 1.0900,
		Comment:   "manual trade",
	}}

	fx.mon.managePositions(context.Background())
	if n := len(fx.sink.all()); n != 0 {
		t.Fatalf("management touched a position it does not own")
	}
}

func TestPartialExitOncePerLevel(t *testing.T) {
	s := firingStrategy("s-1")
	s.Exit.PartialExits = []strategy.PartialExitLevel{
		{RRRatio: 1, Percentage: 50, MoveToBreakEven: true},
	}
	fx := newFixture(t, s)

	// Open 1.0900, stop 1.0880 (20 pips risk), bid 1.1000: rr = 5.
	fx.pos.positions = []Position{{
		Ticket:    103,
		Symbol:    "EURUSD",
		Direction: "BUY",
		Volume:    0.2,
		OpenPrice: 1.0900,
		StopLoss:  1.0880,
		Comment:   "s-1:EURUSD:BUY",
	}}

	fx.mon.managePositions(context.Background())
	cmds := fx.sink.all()
	if len(cmds) != 2 {
		t.Fatalf("commands=%d, expected a close plus a breakeven modify", len(cmds))
	}
	if cmds[0].Kind != command.KindCloseTrade {
		t.Fatalf("first command Kind=%q, expected CLOSE_TRADE", cmds[0].Kind)
	}
	if vol := cmds[0].Parameters["volume"].(float64); !closeTo(vol, 0.1) {
		t.Fatalf("close volume=%v, expected half the position", vol)
	}
	if cmds[1].Kind != command.KindModifyTrade {
		t.Fatalf("second command Kind=%q, expected MODIFY_TRADE", cmds[1].Kind)
	}
	if sl := cmds[1].Parameters["stopLoss"].(float64); !closeTo(sl, 1.0900) {
		t.Fatalf("breakeven stop=%v, expected the open price", sl)
	}

	// Same level must not execute twice for the same ticket.
	fx.mon.managePositions(context.Background())
	if n := len(fx.sink.all()); n != 2 {
		t.Fatalf("partial exit re-executed (%d commands)", n)
	}
}

func TestPartialExitRoundsToLotStep(t *testing.T) {
	s := firingStrategy("s-1")
	s.Exit.PartialExits = []strategy.PartialExitLevel{
		{RRRatio: 1, Percentage: 33},
	}
	fx := newFixture(t, s)

	// 33% of 0.05 lots is 0.0165, which no terminal accepts. The close must
	// floor to the 0.01 broker step.
	fx.pos.positions = []Position{{
		Ticket:    104,
		Symbol:    "EURUSD",
		Direction: "BUY",
		Volume:    0.05,
		OpenPrice: 1.0900,
		StopLoss:  1.0880,
		Comment:   "s-1:EURUSD:BUY",
	}}

	fx.mon.managePositions(context.Background())
	cmds := fx.sink.all()
	if len(cmds) != 1 {
		t.Fatalf("commands=%d, expected one partial close", len(cmds))
	}
	if vol := cmds[0].Parameters["volume"].(float64); !closeTo(vol, 0.01) {
		t.Fatalf("close volume=%v, expected 0.01", vol)
	}
}
