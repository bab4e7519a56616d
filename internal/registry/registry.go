package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"executor-core/internal/strategy"
	"executor-core/pkg/db"
)

// Registry is the single-writer store of active strategies. The in-memory
// map is the source of truth while running; every create/remove is mirrored
// to the database so the set survives a crash. All reads return copies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]strategy.Strategy
	db         *db.Database
}

func New(database *db.Database) *Registry {
	return &Registry{
		strategies: make(map[string]strategy.Strategy),
		db:         database,
	}
}

// Add registers a strategy and persists its mirror. Re-adding an existing id
// replaces the entry (a restarted strategy keeps its identity).
func (r *Registry) Add(ctx context.Context, s strategy.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.persist(ctx, s); err != nil {
		return err
	}
	r.strategies[s.ID] = s
	return nil
}

// Remove deletes a strategy from memory and storage. Removing an unknown id
// is a no-op so stop commands stay idempotent; the bool reports whether the
// strategy was present.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, present := r.strategies[id]
	if r.db != nil {
		if err := r.db.RemoveActiveStrategy(ctx, id); err != nil {
			return present, err
		}
	}
	delete(r.strategies, id)
	return present, nil
}

// Get returns a copy of the strategy and whether it exists.
func (r *Registry) Get(id string) (strategy.Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

// Snapshot returns copies of all strategies, ordered by id for stable output.
func (r *Registry) Snapshot() []strategy.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]strategy.Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of active strategies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.strategies)
}

// SetStatus flips a strategy between active and paused.
func (r *Registry) SetStatus(ctx context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s not in registry", id)
	}
	s.Status = status
	if err := r.persist(ctx, s); err != nil {
		return err
	}
	r.strategies[id] = s
	return nil
}

// MarkSignal records the time of the latest emitted signal.
func (r *Registry) MarkSignal(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.strategies[id]; ok {
		s.LastSignalAt = at
		r.strategies[id] = s
	}
}

// SetAttached records the operator-confirmed terminal attachment flag.
func (r *Registry) SetAttached(ctx context.Context, id string, attached bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s not in registry", id)
	}
	s.Attached = attached
	r.strategies[id] = s
	if r.db != nil {
		return r.db.SetStrategyAttached(ctx, id, attached)
	}
	return nil
}

// Replace swaps the whole registry content for the given set, persisting each
// entry. Used by the reconciler when the control plane is authoritative.
func (r *Registry) Replace(ctx context.Context, set []strategy.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]strategy.Strategy, len(set))
	for _, s := range set {
		if err := r.persist(ctx, s); err != nil {
			return err
		}
		next[s.ID] = s
	}

	// Drop mirrors of strategies no longer in the authoritative set.
	if r.db != nil {
		for id := range r.strategies {
			if _, keep := next[id]; !keep {
				if err := r.db.RemoveActiveStrategy(ctx, id); err != nil {
					log.Printf("registry: remove stale mirror %s: %v", id, err)
				}
			}
		}
	}

	r.strategies = next
	return nil
}

// LoadPersisted restores the registry from the database mirror. Entries with
// corrupt config blobs are skipped with a log entry rather than failing the
// whole load.
func (r *Registry) LoadPersisted(ctx context.Context) ([]strategy.Strategy, error) {
	if r.db == nil {
		return nil, nil
	}
	rows, err := r.db.ActiveStrategies(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := make([]strategy.Strategy, 0, len(rows))
	for _, row := range rows {
		s, err := strategy.FromJSON(row.Config)
		if err != nil {
			log.Printf("registry: skip corrupt mirror %s: %v", row.ID, err)
			continue
		}
		s.Status = row.Status
		s.Attached = row.Attached
		r.strategies[s.ID] = s
		loaded = append(loaded, s)
	}
	return loaded, nil
}

func (r *Registry) persist(ctx context.Context, s strategy.Strategy) error {
	if r.db == nil {
		return nil
	}
	cfg, err := s.ToJSON()
	if err != nil {
		return err
	}
	return r.db.SaveActiveStrategy(ctx, db.ActiveStrategy{
		ID:        s.ID,
		Name:      s.Name,
		Symbol:    s.Symbol,
		Timeframe: s.Timeframe,
		Status:    s.Status,
		Attached:  s.Attached,
		Config:    cfg,
	})
}
