package command

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"executor-core/internal/events"
	"executor-core/internal/safety"
	"executor-core/pkg/db"
)

// Sender forwards a dispatched command to the terminal transport.
type Sender interface {
	Send(ctx context.Context, cmd Command) error
}

// Reporter posts command outcomes to the control plane. Reporting is
// best-effort: failures are logged, never retried indefinitely, and never
// block the primary flow.
type Reporter interface {
	ReportResult(ctx context.Context, res Result) error
}

// Lifecycle is the registry-mutating surface the pipeline routes
// START/STOP/PAUSE/RESUME commands to, synchronously and in-process.
type Lifecycle interface {
	StartStrategy(ctx context.Context, params map[string]any) error
	StopStrategy(ctx context.Context, id string) error
	PauseStrategy(ctx context.Context, id string) error
	ResumeStrategy(ctx context.Context, id string) error
}

// Options name the dispatch knobs.
type Options struct {
	QueueSize       int
	DispatchRate    int           // sends per window
	DispatchWindow  time.Duration // rate window
	DispatchTimeout time.Duration // per-attempt send timeout
	DefaultRetries  int
	RetrySpacing    time.Duration
	RetrySpacingCap time.Duration
}

func (o Options) normalized() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.DispatchRate <= 0 {
		o.DispatchRate = 100
	}
	if o.DispatchWindow <= 0 {
		o.DispatchWindow = time.Minute
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 10 * time.Second
	}
	if o.DefaultRetries <= 0 {
		o.DefaultRetries = 3
	}
	if o.RetrySpacing <= 0 {
		o.RetrySpacing = 2 * time.Second
	}
	if o.RetrySpacingCap < o.RetrySpacing {
		o.RetrySpacingCap = 30 * time.Second
	}
	return o
}

// Pipeline normalizes inbound commands, routes lifecycle kinds to the
// strategy side, and dispatches the rest to the terminal with rate limiting
// and bounded retries. Completion is reported exactly once per command.
type Pipeline struct {
	queue     *Queue
	sender    Sender
	reporter  Reporter
	lifecycle Lifecycle
	ks        *safety.KillSwitch
	bus       *events.Bus
	db        *db.Database
	limiter   *rate.Limiter
	opts      Options

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPipeline(sender Sender, reporter Reporter, lifecycle Lifecycle, ks *safety.KillSwitch, bus *events.Bus, database *db.Database, opts Options) *Pipeline {
	opts = opts.normalized()
	return &Pipeline{
		queue:     NewQueue(opts.QueueSize),
		sender:    sender,
		reporter:  reporter,
		lifecycle: lifecycle,
		ks:        ks,
		bus:       bus,
		db:        database,
		limiter:   rate.NewLimiter(rate.Every(opts.DispatchWindow/time.Duration(opts.DispatchRate)), opts.DispatchRate),
		opts:      opts,
		inflight:  make(map[string]struct{}),
	}
}

// QueueLen reports the number of commands awaiting dispatch.
func (p *Pipeline) QueueLen() int {
	return p.queue.Len()
}

// HandleRaw ingests one raw inbound message. Malformed payloads are dropped
// with a log entry and the queue is left untouched; the error return exists
// for callers that want to count drops.
func (p *Pipeline) HandleRaw(ctx context.Context, raw map[string]any) error {
	cmd, err := Normalize(raw)
	if err != nil {
		log.Printf("pipeline: dropping malformed command: %v", err)
		return err
	}
	if p.bus != nil {
		p.bus.Publish(events.EventCommandReceived, cmd)
	}

	if cmd.IsLifecycle() {
		p.handleLifecycle(ctx, cmd)
		return nil
	}
	return p.Submit(ctx, cmd)
}

// Submit routes a canonical command toward the terminal. High-priority
// commands dispatch out-of-band; others enter their bounded queue tier and
// are rejected immediately when it is full.
func (p *Pipeline) Submit(ctx context.Context, cmd Command) error {
	if cmd.MaxRetries <= 0 {
		cmd.MaxRetries = p.opts.DefaultRetries
	}
	if cmd.Timeout <= 0 {
		cmd.Timeout = p.opts.DispatchTimeout
	}

	if cmd.IsTrade() && p.ks != nil && p.ks.Tripped() {
		p.finish(ctx, cmd, false, "kill switch tripped")
		return fmt.Errorf("kill switch tripped, command %s refused", cmd.ID)
	}

	if cmd.Priority == PriorityHigh {
		go p.dispatch(ctx, cmd)
		return nil
	}

	if err := p.queue.Enqueue(cmd); err != nil {
		p.finish(ctx, cmd, false, err.Error())
		return err
	}
	return nil
}

// Run consumes the queue until the context is cancelled. A single dispatcher
// preserves FIFO order within each tier.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		cmd, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.dispatch(ctx, cmd)
	}
}

func (p *Pipeline) handleLifecycle(ctx context.Context, cmd Command) {
	var err error
	detail := "ok"

	switch cmd.Kind {
	case KindStartStrategy:
		err = p.lifecycle.StartStrategy(ctx, cmd.Parameters)
	case KindStopStrategy:
		err = p.lifecycle.StopStrategy(ctx, paramString(cmd.Parameters, "strategyId"))
	case KindPauseStrategy:
		err = p.lifecycle.PauseStrategy(ctx, paramString(cmd.Parameters, "strategyId"))
	case KindResumeStrategy:
		err = p.lifecycle.ResumeStrategy(ctx, paramString(cmd.Parameters, "strategyId"))
	case KindEmergencyStop:
		reason := paramString(cmd.Parameters, "reason")
		if reason == "" {
			reason = "cloud emergency stop"
		}
		p.ks.Trip(reason, "cloud:"+cmd.SourceExecutorID)
	case KindPing:
		detail = "pong"
	}

	if err != nil {
		log.Printf("pipeline: %s %s failed: %v", cmd.Kind, cmd.ID, err)
		p.finish(ctx, cmd, false, err.Error())
		return
	}
	p.finish(ctx, cmd, true, detail)
}

// dispatch sends one command with retries. At most one dispatch per command
// id runs at a time; a duplicate is skipped, not re-queued.
func (p *Pipeline) dispatch(ctx context.Context, cmd Command) {
	p.mu.Lock()
	if _, busy := p.inflight[cmd.ID]; busy {
		p.mu.Unlock()
		log.Printf("pipeline: command %s already in flight, skipping duplicate", cmd.ID)
		return
	}
	p.inflight[cmd.ID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, cmd.ID)
		p.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt <= cmd.MaxRetries; attempt++ {
		if attempt > 0 {
			cmd.RetryCount = attempt
			if !sleep(ctx, p.retryDelay(attempt)) {
				p.finish(ctx, cmd, false, "cancelled during retry wait")
				return
			}
		}

		// Trades re-check the kill switch before every attempt: a trip while
		// a command waits in retry backoff must still stop it.
		if cmd.IsTrade() && p.ks != nil && p.ks.Tripped() {
			p.finish(ctx, cmd, false, "kill switch tripped")
			return
		}

		if err := p.limiter.Wait(ctx); err != nil {
			p.finish(ctx, cmd, false, "cancelled awaiting send slot")
			return
		}

		sendCtx, cancel := context.WithTimeout(ctx, cmd.Timeout)
		err := p.sender.Send(sendCtx, cmd)
		cancel()
		if err == nil {
			p.finish(ctx, cmd, true, "")
			return
		}
		lastErr = err
		log.Printf("pipeline: send %s attempt %d/%d failed: %v", cmd.ID, attempt+1, cmd.MaxRetries+1, err)
	}

	p.finish(ctx, cmd, false, fmt.Sprintf("retries exhausted: %v", lastErr))
}

// retryDelay grows linearly and is capped; a trade retry storm must not
// hammer the terminal bridge.
func (p *Pipeline) retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * p.opts.RetrySpacing
	if d > p.opts.RetrySpacingCap {
		d = p.opts.RetrySpacingCap
	}
	return d
}

// finish records the terminal outcome exactly once: event, audit row, and a
// best-effort upstream report.
func (p *Pipeline) finish(ctx context.Context, cmd Command, success bool, detail string) {
	res := Result{
		CommandID: cmd.ID,
		Kind:      cmd.Kind,
		Success:   success,
		Detail:    detail,
		Retries:   cmd.RetryCount,
		Finished:  time.Now().UTC(),
	}

	if p.bus != nil {
		if success {
			p.bus.Publish(events.EventCommandCompleted, res)
		} else {
			p.bus.Publish(events.EventCommandFailed, res)
		}
	}

	if p.db != nil {
		status := "completed"
		if !success {
			status = "failed"
		}
		if err := p.db.LogCommand(ctx, cmd.ID, cmd.Kind, status, detail, cmd.RetryCount); err != nil {
			log.Printf("pipeline: log command %s: %v", cmd.ID, err)
		}
	}

	if p.reporter != nil {
		// Upstream reporting is best-effort and runs off the dispatcher:
		// a control plane outage must not stall command completion.
		go func() {
			if err := p.reporter.ReportResult(ctx, res); err != nil {
				log.Printf("pipeline: report result %s: %v", cmd.ID, err)
			}
		}()
	}
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	v, _ := params[key].(string)
	return v
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
