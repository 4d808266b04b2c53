package rules

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/errs"
	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/models"
)

// Source loads the active rule and zone definitions. storage.Store satisfies it.
type Source interface {
	LoadActiveRules(ctx context.Context) ([]models.AlertRule, error)
	LoadActiveZones(ctx context.Context) ([]models.SafeZone, error)
}

type snapshot struct {
	rules    []models.AlertRule
	zones    map[string][]models.SafeZone
	loadedAt time.Time
}

// Accessor is a read-only cached view of active rules and zones.
// Readers share one immutable snapshot; refreshes swap it under a lock.
type Accessor struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	current *snapshot

	// refreshMu collapses concurrent refreshes into one store round trip
	refreshMu sync.Mutex

	log zerolog.Logger
}

// NewAccessor creates an accessor that reloads when the snapshot is older than ttl.
func NewAccessor(source Source, ttl time.Duration) *Accessor {
	return &Accessor{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		log:    logger.WithComponent("rules"),
	}
}

// Rules returns the active rules, reloading if the snapshot is stale.
func (a *Accessor) Rules(ctx context.Context) ([]models.AlertRule, error) {
	snap, err := a.get(ctx)
	if err != nil {
		return nil, err
	}
	return snap.rules, nil
}

// Zones returns the active zones owned by entityID, reloading if the snapshot is stale.
func (a *Accessor) Zones(ctx context.Context, entityID string) ([]models.SafeZone, error) {
	snap, err := a.get(ctx)
	if err != nil {
		return nil, err
	}
	return snap.zones[entityID], nil
}

// Refresh reloads the snapshot now. On failure the previous snapshot stays in place.
func (a *Accessor) Refresh(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()
	return a.reload(ctx)
}

// Age reports how old the current snapshot is; zero when nothing is loaded yet.
func (a *Accessor) Age() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return 0
	}
	return a.now().Sub(a.current.loadedAt)
}

func (a *Accessor) get(ctx context.Context) (*snapshot, error) {
	if snap := a.fresh(); snap != nil {
		return snap, nil
	}

	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if snap := a.fresh(); snap != nil {
		return snap, nil
	}

	err := a.reload(ctx)

	a.mu.RLock()
	snap := a.current
	a.mu.RUnlock()

	if err != nil {
		if snap == nil {
			return nil, err
		}
		a.log.Warn().Err(err).
			Dur("age", a.now().Sub(snap.loadedAt)).
			Msg("rule refresh failed, serving stale snapshot")
	}
	return snap, nil
}

func (a *Accessor) fresh() *snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current != nil && a.now().Sub(a.current.loadedAt) < a.ttl {
		return a.current
	}
	return nil
}

// reload must be called with refreshMu held.
func (a *Accessor) reload(ctx context.Context) error {
	rules, err := a.source.LoadActiveRules(ctx)
	if err != nil {
		return errs.Store("rules.load", err)
	}
	zones, err := a.source.LoadActiveZones(ctx)
	if err != nil {
		return errs.Store("zones.load", err)
	}

	for i := range rules {
		rules[i].Normalize()
	}

	byEntity := make(map[string][]models.SafeZone)
	for _, z := range zones {
		byEntity[z.EntityID] = append(byEntity[z.EntityID], z)
	}

	snap := &snapshot{rules: rules, zones: byEntity, loadedAt: a.now()}

	a.mu.Lock()
	a.current = snap
	a.mu.Unlock()

	metrics.RuleSnapshotAge.Set(0)
	a.log.Debug().
		Int("rules", len(rules)).
		Int("zones", len(zones)).
		Msg("rule snapshot refreshed")
	return nil
}
