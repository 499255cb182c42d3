package cellular

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/wifi"
)

// TowerWatcher supplies the serving tower and its changes
type TowerWatcher interface {
	CurrentTower() (pkg.Tower, bool)
	Subscribe(handler func(pkg.Tower)) (unsubscribe func())
}

// Source locates the device from the serving tower alone
type Source struct {
	name    string
	logger  *logx.Logger
	towers  TowerWatcher
	locator wifi.Locator
	store   *Store
	now     func() time.Time

	resolveMu sync.Mutex

	mu          sync.Mutex
	users       int
	cancel      context.CancelFunc
	unsubscribe func()
	location    *pkg.Location
	subscribers map[int]func(pkg.Location)
	nextID      int
}

// NewSource creates a tower source. store may be nil.
func NewSource(towers TowerWatcher, locator wifi.Locator, store *Store, logger *logx.Logger) *Source {
	return &Source{
		name:        "cellular",
		logger:      logger,
		towers:      towers,
		locator:     locator,
		store:       store,
		now:         time.Now,
		subscribers: make(map[int]func(pkg.Location)),
	}
}

// Name returns the source name
func (s *Source) Name() string {
	return s.name
}

// Start begins following tower changes
func (s *Source) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users++
	if s.users > 1 {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.unsubscribe = s.towers.Subscribe(func(t pkg.Tower) { s.onTower(runCtx, t) })
	if tower, ok := s.towers.CurrentTower(); ok {
		go s.onTower(runCtx, tower)
	}
	s.logger.LogStateChange("cellular_source", "stopped", "started", "start", nil)
	return nil
}

// Stop releases one consumer
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == 0 {
		return nil
	}
	s.users--
	if s.users > 0 {
		return wifi.ErrStillInUse
	}
	s.unsubscribe()
	s.unsubscribe = nil
	s.cancel()
	s.cancel = nil
	s.logger.LogStateChange("cellular_source", "started", "stopped", "stop", nil)
	return nil
}

func (s *Source) onTower(ctx context.Context, tower pkg.Tower) {
	if tower.Tec == pkg.TowerTecNoFix {
		s.logger.Debug("No serving cell, keeping last location")
		return
	}
	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()

	loc, err := s.Locate(ctx, tower)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("Cell tower geolocation failed", "cell_id", tower.CellID, "error", err)
		}
		return
	}
	s.setLocation(loc)
}

// Locate resolves tower through the store or the locator
func (s *Source) Locate(ctx context.Context, tower pkg.Tower) (pkg.Location, error) {
	now := s.now()
	if s.store != nil {
		loc, ok, err := s.store.Get(tower, now)
		if err != nil {
			s.logger.Warn("Tower store read failed", "error", err)
		}
		if ok {
			s.logger.Debug("Tower location from store", "cell_id", tower.CellID)
			return loc.Fresh(now), nil
		}
	}

	loc, err := s.locator.Query(ctx, nil, &tower, pkg.AccuracyNeighborhood)
	if err != nil {
		return pkg.Location{}, err
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}
	if s.store != nil {
		if err := s.store.Put(tower, loc, now); err != nil {
			s.logger.Warn("Tower store write failed", "error", err)
		}
	}
	return loc, nil
}

func (s *Source) setLocation(loc pkg.Location) {
	s.mu.Lock()
	l := loc
	s.location = &l
	subs := make([]func(pkg.Location), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(loc)
	}
}

// CurrentLocation returns the last resolved location
func (s *Source) CurrentLocation() (pkg.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.location == nil {
		return pkg.Location{}, false
	}
	return *s.location, true
}

// Subscribe registers fn for location changes
func (s *Source) Subscribe(fn func(pkg.Location)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// AvailableAccuracy is neighborhood while a serving cell is known
func (s *Source) AvailableAccuracy(netAvailable bool) pkg.AccuracyLevel {
	if !netAvailable {
		return pkg.AccuracyNone
	}
	if _, ok := s.towers.CurrentTower(); !ok {
		return pkg.AccuracyNone
	}
	return pkg.AccuracyNeighborhood
}
