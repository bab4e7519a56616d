package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"executor-core/internal/events"
	"executor-core/internal/registry"
	"executor-core/internal/strategy"
	"executor-core/pkg/db"
)

const snapshotKey = "execution_state"

// StrategySource is the authoritative control-plane list. The platform REST
// client implements it.
type StrategySource interface {
	ActiveStrategies(ctx context.Context) ([]strategy.Strategy, error)
}

// Reconciler restores the executor's working set at startup and keeps a
// durable trail while running: periodic state snapshots plus a crash marker
// that distinguishes a clean shutdown from a crash on the next boot.
type Reconciler struct {
	source     StrategySource
	registry   *registry.Registry
	database   *db.Database
	bus        *events.Bus
	markerPath string

	fetchAttempts int
	initialDelay  time.Duration
}

func New(source StrategySource, reg *registry.Registry, database *db.Database, bus *events.Bus, markerPath string) *Reconciler {
	return &Reconciler{
		source:        source,
		registry:      reg,
		database:      database,
		bus:           bus,
		markerPath:    markerPath,
		fetchAttempts: 3,
		initialDelay:  time.Second,
	}
}

// Bootstrap fills the registry: control plane first, local mirror as the
// fallback, empty set as the last resort. Partial functionality beats
// failing the whole process.
func (r *Reconciler) Bootstrap(ctx context.Context) ([]strategy.Strategy, error) {
	attached := r.persistedAttachments(ctx)

	set, err := r.fetchWithRetry(ctx)
	if err == nil {
		if err := r.registry.Replace(ctx, set); err != nil {
			return nil, fmt.Errorf("replace registry: %w", err)
		}
		r.restoreAttachments(ctx, set, attached)
		log.Printf("reconcile: %d strategies from control plane", len(set))
		return r.registry.Snapshot(), nil
	}
	log.Printf("reconcile: control plane unreachable (%v), falling back to local mirror", err)

	loaded, loadErr := r.registry.LoadPersisted(ctx)
	if loadErr != nil {
		log.Printf("reconcile: local mirror unavailable: %v", loadErr)
	}
	if len(loaded) == 0 {
		log.Printf("reconcile: starting with zero active strategies")
		return nil, nil
	}
	log.Printf("reconcile: %d strategies from local mirror", len(loaded))
	return loaded, nil
}

func (r *Reconciler) fetchWithRetry(ctx context.Context) ([]strategy.Strategy, error) {
	if r.source == nil {
		return nil, fmt.Errorf("no strategy source configured")
	}

	delay := r.initialDelay
	var lastErr error
	for attempt := 1; attempt <= r.fetchAttempts; attempt++ {
		set, err := r.source.ActiveStrategies(ctx)
		if err == nil {
			return set, nil
		}
		lastErr = err
		log.Printf("reconcile: fetch attempt %d/%d failed: %v", attempt, r.fetchAttempts, err)

		if attempt < r.fetchAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil, lastErr
}

// persistedAttachments reads the operator-confirmed attachment flags before
// the registry is replaced, so they survive a control-plane refresh.
func (r *Reconciler) persistedAttachments(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	if r.database == nil {
		return out
	}
	rows, err := r.database.ActiveStrategies(ctx)
	if err != nil {
		return out
	}
	for _, row := range rows {
		if row.Attached {
			out[row.ID] = true
		}
	}
	return out
}

// restoreAttachments re-applies the attachment flag to strategies that kept
// their identity across the refresh. Attachment is informational: the
// terminal side cannot be forced, only reported as ready.
func (r *Reconciler) restoreAttachments(ctx context.Context, set []strategy.Strategy, attached map[string]bool) {
	for _, s := range set {
		if attached[s.ID] {
			if err := r.registry.SetAttached(ctx, s.ID, true); err != nil {
				log.Printf("reconcile: restore attachment %s: %v", s.ID, err)
			}
		}
	}
}

// CrashDetected reports whether the previous run left its marker behind.
func (r *Reconciler) CrashDetected() bool {
	if r.markerPath == "" {
		return false
	}
	_, err := os.Stat(r.markerPath)
	return err == nil
}

// WriteMarker records that the process is running. Called at startup, before
// normal initialization.
func (r *Reconciler) WriteMarker() error {
	if r.markerPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.markerPath), 0o755); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]any{
		"pid":       os.Getpid(),
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	})
	return os.WriteFile(r.markerPath, payload, 0o644)
}

// ClearMarker removes the marker at clean shutdown.
func (r *Reconciler) ClearMarker() {
	if r.markerPath == "" {
		return
	}
	if err := os.Remove(r.markerPath); err != nil && !os.IsNotExist(err) {
		log.Printf("reconcile: clear crash marker: %v", err)
	}
}

// Recover runs before normal initialization when a crash marker is present.
// It announces the recovery and surfaces the last persisted snapshot so the
// operator can compare it against the terminal's live state.
func (r *Reconciler) Recover(ctx context.Context) {
	log.Printf("reconcile: crash marker found, running recovery")
	if r.bus != nil {
		r.bus.Publish(events.EventRecoveryStarted, time.Now().UTC())
	}

	if r.database == nil {
		return
	}
	data, err := r.database.LoadSnapshot(ctx, snapshotKey)
	if err != nil {
		log.Printf("reconcile: load last snapshot: %v", err)
		return
	}
	if data == "" {
		log.Printf("reconcile: no prior snapshot to recover from")
		return
	}

	var snap stateSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		log.Printf("reconcile: corrupt snapshot: %v", err)
		return
	}
	log.Printf("reconcile: last snapshot from %s had %d strategies", snap.TakenAt.Format(time.RFC3339), len(snap.Strategies))
}

type stateSnapshot struct {
	TakenAt    time.Time           `json:"takenAt"`
	Strategies []strategy.Strategy `json:"strategies"`
}

// RunSnapshots persists the execution state on an interval until the context
// ends, plus once on the way out.
func (r *Reconciler) RunSnapshots(ctx context.Context, every time.Duration) {
	if r.database == nil {
		return
	}
	if every <= 0 {
		every = time.Hour
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.snapshot(context.Background())
			return
		case <-ticker.C:
			r.snapshot(ctx)
		}
	}
}

func (r *Reconciler) snapshot(ctx context.Context) {
	snap := stateSnapshot{
		TakenAt:    time.Now().UTC(),
		Strategies: r.registry.Snapshot(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("reconcile: encode snapshot: %v", err)
		return
	}
	if err := r.database.SaveSnapshot(ctx, snapshotKey, string(data)); err != nil {
		log.Printf("reconcile: save snapshot: %v", err)
	}
}
