package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"executor-core/internal/api"
	"executor-core/internal/cloud"
	"executor-core/internal/command"
	"executor-core/internal/connection"
	"executor-core/internal/events"
	"executor-core/internal/health"
	"executor-core/internal/market"
	"executor-core/internal/monitor"
	"executor-core/internal/platform"
	"executor-core/internal/reconcile"
	"executor-core/internal/registry"
	"executor-core/internal/safety"
	"executor-core/internal/terminal"
	"executor-core/pkg/config"
	"executor-core/pkg/db"
)

const version = "2.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	logBuf := health.NewLogBuffer(500)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("executor-core %s starting (executor %s, port %s)", version, cfg.ExecutorID, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	limits, err := safety.LoadLimits(cfg.SafetyLimitsPath)
	if err != nil {
		log.Fatalf("safety limits: %v", err)
	}
	ks := safety.NewKillSwitch(bus)
	gate := safety.NewGate(limits, ks)
	reg := registry.New(database)

	// Crash marker: presence means the last run did not shut down cleanly.
	rec := reconcile.New(nil, reg, database, bus, cfg.CrashMarkerPath)
	if rec.CrashDetected() {
		rec.Recover(ctx)
	}
	if err := rec.WriteMarker(); err != nil {
		log.Printf("crash marker: %v", err)
	}

	// Transports and the control plane
	term := terminal.NewClient(cfg.TerminalWSURL, cfg.TerminalMagic, cfg.TradeSlippage, cfg.RequestTimeout, bus)
	plat := platform.NewClient(cfg.PlatformURL, cfg.APIKey, cfg.APISecret, cfg.ExecutorID)
	rec = reconcile.New(plat, reg, database, bus, cfg.CrashMarkerPath)

	metrics := health.NewMetrics()
	cache := market.NewCache(term, 5*time.Second)
	metrics.SetCacheHitRate(cache.HitRate)

	// Strategy monitor and command pipeline reference each other; the sink
	// is wired after both exist.
	mon := monitor.New(monitor.Deps{
		Registry:   reg,
		Data:       cache,
		Account:    term,
		Positions:  term,
		Gate:       gate,
		KillSwitch: ks,
		Bus:        bus,
		DB:         database,
		Metrics:    metrics,
		Magic:      cfg.TerminalMagic,
		Slippage:   cfg.TradeSlippage,
	})
	pipe := command.NewPipeline(term, plat, mon, ks, bus, database, command.Options{
		QueueSize:       cfg.QueueSize,
		DispatchRate:    cfg.DispatchRate,
		DispatchWindow:  cfg.DispatchWindow,
		DispatchTimeout: cfg.DispatchTimeout,
		DefaultRetries:  cfg.DefaultRetries,
		RetrySpacing:    cfg.RetrySpacing,
		RetrySpacingCap: cfg.RetrySpacingCap,
	})
	mon.SetSink(pipe)

	// A trip halts every evaluation loop immediately, not just new signals.
	ks.OnTrip(func(reason string) {
		mon.StopAll()
	})

	// Connection supervision
	policy := connection.Policy{
		InitialDelay:  cfg.ReconnectInitialDelay,
		MaxDelay:      cfg.ReconnectMaxDelay,
		Factor:        cfg.ReconnectFactor,
		StruggleAfter: cfg.ReconnectStruggleAt,
		MaxAttempts:   cfg.ReconnectMaxAttempts,
	}
	sup := connection.NewSupervisor(policy, bus)

	sub := cloud.NewSubscriber(cfg.CloudWSURL, cfg.CloudChannel, cfg.APIKey, func(ctx context.Context, raw map[string]any) {
		_ = pipe.HandleRaw(ctx, raw)
	})
	sub.OnDown(func(err error) { sup.ReportDown("cloud", err) })
	term.OnDown(func(err error) { sup.ReportDown("terminal", err) })

	if err := sup.Register("cloud", sub.Dial); err != nil {
		log.Fatalf("register cloud connection: %v", err)
	}
	if err := sup.Register("terminal", term.Dial); err != nil {
		log.Fatalf("register terminal connection: %v", err)
	}
	if err := sup.Connect(ctx, "cloud"); err != nil {
		log.Fatalf("connect cloud: %v", err)
	}
	if err := sup.Connect(ctx, "terminal"); err != nil {
		log.Fatalf("connect terminal: %v", err)
	}

	// Restore the working set, then start monitoring.
	if _, err := rec.Bootstrap(ctx); err != nil {
		log.Printf("bootstrap: %v", err)
	}
	mon.Start(ctx, 30*time.Second)

	go pipe.Run(ctx)
	go resolveSignals(ctx, bus, mon, metrics)
	go heartbeat(ctx, cfg.HeartbeatEvery, plat, reg, term, ks)
	go rec.RunSnapshots(ctx, cfg.SnapshotInterval)

	server := api.NewServer(bus, database, reg, sup, ks, mon, metrics, logBuf,
		api.SystemMeta{ExecutorID: cfg.ExecutorID, Version: version},
		cfg.JWTSecret, cfg.APIPasswordHash)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")

	cancel()
	mon.StopAll()
	// Give the final snapshot and in-flight completions a moment.
	time.Sleep(500 * time.Millisecond)

	_ = sub.Close()
	_ = term.Close()
	rec.ClearMarker()
	log.Println("shutdown complete")
}

// resolveSignals clears the monitor's pending-signal latch when an open
// command reaches a terminal outcome, and counts completions.
func resolveSignals(ctx context.Context, bus *events.Bus, mon *monitor.Monitor, metrics *health.Metrics) {
	completed, unsubDone := bus.Subscribe(events.EventCommandCompleted, 100)
	defer unsubDone()
	failed, unsubFailed := bus.Subscribe(events.EventCommandFailed, 100)
	defer unsubFailed()

	handle := func(payload any) {
		res, ok := payload.(command.Result)
		if !ok {
			return
		}
		metrics.IncrementCommands()
		if res.Kind == command.KindOpenTrade {
			mon.ResolveSignal(res.CommandID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-completed:
			handle(payload)
		case payload := <-failed:
			handle(payload)
		}
	}
}

// heartbeat posts periodic liveness to the control plane. Failures while
// offline are expected and only logged by the client.
func heartbeat(ctx context.Context, every time.Duration, plat *platform.Client, reg *registry.Registry, term *terminal.Client, ks *safety.KillSwitch) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := "active"
			if ks.Tripped() {
				status = "tripped"
			}

			openPositions := 0
			acctCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if acct, err := term.Account(acctCtx); err == nil {
				openPositions = len(acct.Positions)
			}
			cancel()

			if err := plat.Heartbeat(ctx, platform.HeartbeatStatus{
				Status:           status,
				ActiveStrategies: reg.Len(),
				OpenPositions:    openPositions,
			}); err != nil {
				log.Printf("heartbeat: %v", err)
			}
		}
	}
}
