package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"executor-core/internal/registry"
	"executor-core/internal/strategy"
	"executor-core/pkg/db"
)

type fakeSource struct {
	set   []strategy.Strategy
	fails int // fail the first N fetches
	calls int
}

func (f *fakeSource) ActiveStrategies(ctx context.Context) ([]strategy.Strategy, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, fmt.Errorf("platform unreachable")
	}
	return f.set, nil
}

func testDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func sample(id string) strategy.Strategy {
	return strategy.Strategy{
		ID:        id,
		Name:      "trend",
		Symbol:    "EURUSD",
		Timeframe: "M15",
		Status:    strategy.StatusActive,
	}
}

func fastReconciler(source StrategySource, reg *registry.Registry, database *db.Database, marker string) *Reconciler {
	r := New(source, reg, database, nil, marker)
	r.initialDelay = 0
	return r
}

func TestBootstrapControlPlaneWins(t *testing.T) {
	database := testDB(t)
	reg := registry.New(database)

	// The local mirror holds a stale entry that the authoritative fetch
	// must replace.
	if err := reg.Add(context.Background(), sample("stale")); err != nil {
		t.Fatalf("seed stale entry: %v", err)
	}

	source := &fakeSource{set: []strategy.Strategy{sample("s-1"), sample("s-2")}}
	r := fastReconciler(source, reg, database, "")

	set, err := r.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("set=%d, expected 2 from control plane", len(set))
	}
	if _, ok := reg.Get("stale"); ok {
		t.Fatalf("stale entry survived authoritative refresh")
	}
}

func TestBootstrapRetriesTransientFailures(t *testing.T) {
	database := testDB(t)
	source := &fakeSource{fails: 2, set: []strategy.Strategy{sample("s-1")}}
	r := fastReconciler(source, registry.New(database), database, "")

	set, err := r.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(set) != 1 {
		t.Fatalf("set=%d, expected 1 after retries", len(set))
	}
	if source.calls != 3 {
		t.Fatalf("fetch calls=%d, expected 3", source.calls)
	}
}

func TestBootstrapFallsBackToLocalMirror(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	// Persist a mirror as a previous run would have.
	seed := registry.New(database)
	if err := seed.Add(ctx, sample("s-1")); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	reg := registry.New(database)
	source := &fakeSource{fails: 100}
	r := fastReconciler(source, reg, database, "")

	set, err := r.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(set) != 1 || set[0].ID != "s-1" {
		t.Fatalf("set=%+v, expected the mirrored strategy", set)
	}
	if _, ok := reg.Get("s-1"); !ok {
		t.Fatalf("mirror not loaded into the registry")
	}
}

func TestBootstrapEmptyStartWhenNothingAvailable(t *testing.T) {
	database := testDB(t)
	r := fastReconciler(&fakeSource{fails: 100}, registry.New(database), database, "")

	set, err := r.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap must not fail the process: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("set=%d, expected empty start", len(set))
	}
}

func TestBootstrapPreservesAttachments(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	seed := registry.New(database)
	if err := seed.Add(ctx, sample("s-1")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := seed.SetAttached(ctx, "s-1", true); err != nil {
		t.Fatalf("SetAttached: %v", err)
	}

	reg := registry.New(database)
	source := &fakeSource{set: []strategy.Strategy{sample("s-1")}}
	r := fastReconciler(source, reg, database, "")

	set, err := r.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(set) != 1 || !set[0].Attached {
		t.Fatalf("set=%+v, expected the attachment flag to survive the refresh", set)
	}
}

func TestCrashMarkerLifecycle(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "executor.lock")
	r := fastReconciler(nil, registry.New(nil), nil, marker)

	if r.CrashDetected() {
		t.Fatalf("crash detected before any run")
	}
	if err := r.WriteMarker(); err != nil {
		t.Fatalf("WriteMarker: %v", err)
	}
	if !r.CrashDetected() {
		t.Fatalf("marker written but not detected")
	}
	r.ClearMarker()
	if r.CrashDetected() {
		t.Fatalf("marker survived ClearMarker")
	}

	// Clearing twice must not log spurious errors or panic.
	r.ClearMarker()
}

func TestSnapshotPersistsRegistryState(t *testing.T) {
	database := testDB(t)
	reg := registry.New(database)
	ctx := context.Background()

	if err := reg.Add(ctx, sample("s-1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	r := fastReconciler(nil, reg, database, "")
	r.snapshot(ctx)

	data, err := database.LoadSnapshot(ctx, snapshotKey)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	var snap stateSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Strategies) != 1 || snap.Strategies[0].ID != "s-1" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap.TakenAt.IsZero() {
		t.Fatalf("TakenAt not set")
	}
}
