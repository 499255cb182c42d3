package wifi

import (
	"context"
	"errors"

	"github.com/markus-lassfolk/geolocd/pkg"
)

// refreshPlan is everything captured on the event loop before a query
type refreshPlan struct {
	fingerprint Fingerprint
	signals     []int16
	aps         []AccessPoint
	tower       *pkg.Tower
	level       pkg.AccuracyLevel
	queryCtx    context.Context
}

// Refresh produces a location for the current radio environment. A cached
// location matching the live access points is returned without a query
// while the source is active; otherwise the locator is asked and its answer
// cached under the fingerprint captured before the query.
func (s *Source) Refresh(ctx context.Context) (pkg.Location, error) {
	var (
		plan    refreshPlan
		cached  *pkg.Location
		planErr error
	)
	if err := s.do(ctx, func() { plan, cached, planErr = s.prepareRefresh() }); err != nil {
		return pkg.Location{}, err
	}
	if planErr != nil {
		return pkg.Location{}, planErr
	}
	if cached != nil {
		return *cached, nil
	}

	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(plan.queryCtx, cancel)
	defer stopAfter()

	loc, err := s.locator.Query(queryCtx, plan.aps, plan.tower, plan.level)
	if err != nil {
		if !isCancelled(err) {
			s.recorder.RefreshFailed(s.name)
		}
		return pkg.Location{}, err
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = s.clock.Now()
	}

	_ = s.do(context.Background(), func() { s.completeRefresh(plan, loc) })
	return loc, nil
}

func (s *Source) prepareRefresh() (refreshPlan, *pkg.Location, error) {
	aps := s.registry.Live()
	level := s.accuracy.AccuracyLevel()
	tower := s.towerFor(level)

	plan := refreshPlan{
		fingerprint: NewFingerprint(tower, aps),
		signals:     SignalVector(aps),
		aps:         aps,
		tower:       tower,
		level:       level,
		queryCtx:    s.baseCtx,
	}
	if s.active {
		plan.queryCtx = s.queryCtx
		if loc, ok := s.cache.Lookup(plan.fingerprint, plan.signals); ok {
			s.hits = saturatingInc(s.hits)
			s.recorder.CacheHit(s.name)

			fresh := loc.Fresh(s.clock.Now())
			s.setLocation(fresh)
			return plan, &fresh, nil
		}
		s.misses = saturatingInc(s.misses)
		s.recorder.CacheMiss(s.name)
	}

	if s.discovery != nil && len(aps) == 0 {
		return plan, nil, ErrNoNetworks
	}
	if s.locator == nil {
		return plan, nil, errors.New("no geolocation provider configured")
	}
	return plan, nil, nil
}

// towerFor returns the serving tower when the level permits cellular context
func (s *Source) towerFor(level pkg.AccuracyLevel) *pkg.Tower {
	if s.towers == nil {
		return nil
	}
	if !level.AllowsTower() {
		s.logger.Debug("Will skip cellular tower due to accuracy level", "source", s.name, "level", level.String())
		return nil
	}
	tower, ok := s.towers.CurrentTower()
	if !ok || tower.Tec == pkg.TowerTecNoFix {
		return nil
	}
	return &tower
}

func (s *Source) completeRefresh(plan refreshPlan, loc pkg.Location) {
	s.cache.Insert(plan.fingerprint, plan.signals, loc)
	s.recorder.CacheSize(s.name, s.cache.Len())
	s.setLocation(loc)

	ratio := 0.0
	if total := float64(s.hits) + float64(s.misses); total > 0 {
		ratio = float64(s.hits) / total
	}
	s.logger.Debug("Adding location to cache", "source", s.name, "key", plan.fingerprint.String(),
		"cache_size", s.cache.Len(), "cache_hit_ratio", ratio)
}

func (s *Source) backgroundRefresh(reason string) {
	_, err := s.Refresh(context.Background())
	switch {
	case err == nil, isCancelled(err), errors.Is(err, ErrSourceClosed):
	case errors.Is(err, ErrNoNetworks):
		s.logger.Info("WiFi location refresh skipped", "source", s.name, "reason", reason, "error", err)
	default:
		s.logger.Warn("WiFi location refresh failed", "source", s.name, "reason", reason, "error", err)
	}
}
