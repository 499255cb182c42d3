// Package wifi implements the WiFi location source: access point discovery
// and filtering, a signal-tolerant location cache and the refresh pipeline.
package wifi

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/memory"
)

var (
	// ErrNoNetworks is returned by Refresh when a radio is present but no usable access point is visible
	ErrNoNetworks = errors.New("no WiFi networks found")
	// ErrStillInUse is returned by Stop while other consumers keep the source running
	ErrStillInUse = errors.New("wifi source still in use")
	// ErrSourceClosed is returned once Close has been called
	ErrSourceClosed = errors.New("wifi source closed")
)

// SourceOptions wires a Source to its collaborators. Discovery, Towers,
// Memory and Recorder may be nil.
type SourceOptions struct {
	Name      string
	Discovery Discovery
	Towers    TowerProvider
	Locator   Locator
	Accuracy  AccuracyProvider
	Memory    MemoryMonitor
	Recorder  Recorder
	Clock     Clock
}

// Stats is a snapshot of source counters
type Stats struct {
	Name          string `json:"name"`
	Active        bool   `json:"active"`
	Users         int    `json:"users"`
	HasInterface  bool   `json:"has_interface"`
	ScanState     string `json:"scan_state"`
	LiveAPs       int    `json:"live_aps"`
	WatchedAPs    int    `json:"watched_aps"`
	CacheHits     uint64 `json:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses"`
	CacheSize     int    `json:"cache_size"`
	CacheElements int    `json:"cache_elements"`
}

// Source is a WiFi location source. All state is owned by a single event
// loop goroutine; public methods post work to it.
type Source struct {
	name      string
	logger    *logx.Logger
	clock     Clock
	discovery Discovery
	towers    TowerProvider
	locator   Locator
	accuracy  AccuracyProvider
	memory    MemoryMonitor
	recorder  Recorder

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// event loop state
	users             int
	active            bool
	registry          *Registry
	cache             *LocationCache
	scan              scanner
	pruneTimer        *loopTimer
	watchCtx          context.Context
	watchCancel       context.CancelFunc
	watchGen          uint64
	pending           map[string]uint64
	resolveSeq        uint64
	unsubscribeEvents func()
	unsubscribeMemory func()
	baseCtx           context.Context
	baseCancel        context.CancelFunc
	queryCtx          context.Context
	queryCancel       context.CancelFunc
	location          *pkg.Location
	hits              uint64
	misses            uint64
	nextSubID         int
	subscribers       map[int]func(pkg.Location)
}

// NewSource creates a source and starts its event loop. Call Close to release it.
func NewSource(opts SourceOptions, logger *logx.Logger) *Source {
	if opts.Name == "" {
		opts.Name = "wifi"
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Accuracy == nil {
		opts.Accuracy = FixedAccuracy(pkg.AccuracyStreet)
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	queryCtx, queryCancel := context.WithCancel(baseCtx)
	s := &Source{
		name:        opts.Name,
		logger:      logger,
		clock:       opts.Clock,
		discovery:   opts.Discovery,
		towers:      opts.Towers,
		locator:     opts.Locator,
		accuracy:    opts.Accuracy,
		memory:      opts.Memory,
		recorder:    opts.Recorder,
		ops:         make(chan func(), 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		registry:    NewRegistry(),
		cache:       NewLocationCache(logger),
		pending:     make(map[string]uint64),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		queryCtx:    queryCtx,
		queryCancel: queryCancel,
		subscribers: make(map[int]func(pkg.Location)),
	}
	go s.run()
	return s
}

func (s *Source) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn on the event loop. It must never be called from the loop itself.
func (s *Source) post(fn func()) bool {
	select {
	case s.ops <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the event loop and waits for it
func (s *Source) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrSourceClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrSourceClosed
		}
	}
}

// loopTimer fires its callback on the event loop unless stopped first
type loopTimer struct {
	timer     Timer
	cancelled bool
}

func (s *Source) after(d time.Duration, fn func()) *loopTimer {
	lt := &loopTimer{}
	lt.timer = s.clock.AfterFunc(d, func() {
		s.post(func() {
			if lt.cancelled {
				return
			}
			lt.cancelled = true
			fn()
		})
	})
	return lt
}

func (lt *loopTimer) stop() {
	if lt == nil {
		return
	}
	lt.cancelled = true
	lt.timer.Stop()
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func saturatingInc(v uint64) uint64 {
	if v == math.MaxUint64 {
		return v
	}
	return v + 1
}

// Name returns the source name
func (s *Source) Name() string {
	return s.name
}

// HasInterface reports whether a discovery backend is attached
func (s *Source) HasInterface() bool {
	return s.discovery != nil
}

// Start activates the source. Each call must be balanced by Stop.
func (s *Source) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.do(context.Background(), s.start)
}

func (s *Source) start() {
	s.users++
	if s.users > 1 {
		return
	}

	s.active = true
	if s.queryCtx.Err() != nil {
		s.queryCtx, s.queryCancel = context.WithCancel(s.baseCtx)
	}
	s.connectPrune()
	s.connectDiscovery()

	s.logger.LogStateChange("wifi_source", "stopped", "started", "start", map[string]interface{}{
		"source":        s.name,
		"has_interface": s.discovery != nil,
	})
}

// Stop releases one consumer. While others remain it returns ErrStillInUse;
// the last Stop tears down discovery and runs a final cache prune.
func (s *Source) Stop() error {
	var err error
	if derr := s.do(context.Background(), func() { err = s.stop() }); derr != nil {
		return derr
	}
	return err
}

func (s *Source) stop() error {
	if s.users == 0 {
		return nil
	}
	s.users--
	if s.users > 0 {
		return ErrStillInUse
	}

	s.active = false
	s.disconnectDiscovery()
	s.disconnectPrune()
	s.queryCancel()

	s.logger.LogStateChange("wifi_source", "started", "stopped", "stop", map[string]interface{}{
		"source":     s.name,
		"cache_size": s.cache.Len(),
	})
	return nil
}

// Close stops the source regardless of users and ends the event loop
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		_ = s.do(context.Background(), func() {
			if s.users > 0 {
				s.users = 1
				_ = s.stop()
			}
			s.baseCancel()
		})
		close(s.quit)
		<-s.done
	})
}

func (s *Source) connectDiscovery() {
	if s.unsubscribeEvents != nil {
		return
	}
	if s.discovery == nil {
		s.logger.Debug("No WiFi interface, refreshing without access points", "source", s.name)
		go s.backgroundRefresh("no_interface")
		return
	}

	s.watchGen++
	gen := s.watchGen
	s.watchCtx, s.watchCancel = context.WithCancel(context.Background())

	s.startScan()
	s.registry.MarkDirty()

	s.unsubscribeEvents = s.discovery.Subscribe(func(ev Event) {
		s.post(func() {
			if gen != s.watchGen {
				return
			}
			s.handleEvent(ev)
		})
	})

	ctx := s.watchCtx
	go func() {
		paths, err := s.discovery.Paths(ctx)
		if err != nil {
			if !isCancelled(err) {
				s.logger.Warn("Failed to list WiFi access points", "source", s.name, "error", err)
			}
			return
		}
		s.post(func() {
			if gen != s.watchGen {
				return
			}
			for _, path := range paths {
				s.onAdded(path)
			}
		})
	}()
}

func (s *Source) disconnectDiscovery() {
	if s.watchCancel != nil {
		s.logger.Debug("Cancelling WiFi requests", "source", s.name)
		s.watchCancel()
		s.watchCancel = nil
	}

	s.cancelScan()

	if s.unsubscribeEvents != nil {
		s.unsubscribeEvents()
		s.unsubscribeEvents = nil
	}
	s.watchGen++
	s.pending = make(map[string]uint64)
	s.registry.Reset()
}

func (s *Source) handleEvent(ev Event) {
	switch ev.Kind {
	case EventAdded:
		s.onAdded(ev.Path)
	case EventRemoved:
		s.onRemoved(ev.Path)
	case EventSignal:
		s.onSignal(ev.Path, ev.Signal)
	case EventScanDone:
		s.onScanDone(ev.Success)
	}
}

func (s *Source) onAdded(path string) {
	s.resolveSeq++
	seq := s.resolveSeq
	s.pending[path] = seq
	gen := s.watchGen
	ctx := s.watchCtx

	go func() {
		ap, err := s.discovery.Resolve(ctx, path)
		s.post(func() {
			if gen != s.watchGen || s.pending[path] != seq {
				return
			}
			delete(s.pending, path)
			s.onResolved(path, ap, err)
		})
	}()
}

func (s *Source) onResolved(path string, ap AccessPoint, err error) {
	if err != nil {
		switch {
		case isCancelled(err):
		case errors.Is(err, ErrMalformedAP):
			s.logger.Debug("Skipping malformed WiFi access point", "path", path, "error", err)
		default:
			s.logger.Warn("WiFi access point lookup failed", "path", path, "error", err)
		}
		return
	}
	if err := ap.Validate(); err != nil {
		s.logger.Debug("Skipping malformed WiFi access point", "path", path, "error", err)
		return
	}
	if ap.OptedOut() {
		s.logger.Debug("Ignoring opted-out WiFi access point", "ssid", ap.SSID)
		return
	}

	switch s.registry.Add(path, ap) {
	case APWatched:
		s.logger.Debug("WiFi AP has very low strength, ignoring for now", "bssid", ap.BSSID.String(), "signal", ap.Signal)
	case APLive:
		s.logger.Debug("WiFi AP added", "ssid", ap.SSID, "bssid", ap.BSSID.String(), "signal", ap.Signal)
	}
}

func (s *Source) onSignal(path string, signal int16) {
	state, promoted := s.registry.UpdateSignal(path, signal)
	switch {
	case promoted:
		s.logger.Debug("WiFi AP signal rose above noise floor", "path", path, "signal", signal)
	case state == APWatched:
		s.logger.Debug("WiFi AP still has very low strength, ignoring again", "path", path, "signal", signal)
	}
}

func (s *Source) onRemoved(path string) {
	delete(s.pending, path)
	if s.registry.Remove(path) != APAbsent {
		s.logger.Debug("WiFi AP removed", "path", path)
	}
}

func (s *Source) connectPrune() {
	s.logger.Debug("Connecting cache prune timeout", "source", s.name)
	s.pruneTimer.stop()
	s.pruneTimer = s.after(CachePruneInterval, s.onPruneTimeout)

	if s.memory != nil && s.unsubscribeMemory == nil {
		s.unsubscribeMemory = s.memory.Subscribe(func(level memory.Level) {
			s.post(func() { s.onMemoryPressure(level) })
		})
	}
}

func (s *Source) disconnectPrune() {
	s.logger.Debug("Disconnecting cache prune timeout", "source", s.name)
	s.prune()

	if s.unsubscribeMemory != nil {
		s.unsubscribeMemory()
		s.unsubscribeMemory = nil
	}
	s.pruneTimer.stop()
	s.pruneTimer = nil
}

func (s *Source) onPruneTimeout() {
	s.prune()
	s.pruneTimer = s.after(CachePruneInterval, s.onPruneTimeout)
}

func (s *Source) prune() {
	s.cache.Prune(s.clock.Now())
	s.recorder.CacheSize(s.name, s.cache.Len())
}

func (s *Source) onMemoryPressure(level memory.Level) {
	if !s.active {
		return
	}
	switch {
	case level == memory.LevelModerate:
		s.prune()
	case level > memory.LevelModerate:
		s.cache.Clear()
		s.recorder.CacheSize(s.name, 0)
	}
}

// Subscribe registers fn for location changes. fn runs on the event loop and
// must not block or call back into the source.
func (s *Source) Subscribe(fn func(pkg.Location)) (unsubscribe func()) {
	id := -1
	_ = s.do(context.Background(), func() {
		id = s.nextSubID
		s.nextSubID++
		s.subscribers[id] = fn
	})
	return func() {
		if id < 0 {
			return
		}
		s.post(func() { delete(s.subscribers, id) })
	}
}

func (s *Source) setLocation(loc pkg.Location) {
	l := loc
	s.location = &l
	for _, fn := range s.subscribers {
		fn(loc)
	}
}

// CurrentLocation returns the last location the source produced
func (s *Source) CurrentLocation() (pkg.Location, bool) {
	var (
		loc pkg.Location
		ok  bool
	)
	_ = s.do(context.Background(), func() {
		if s.location != nil {
			loc, ok = *s.location, true
		}
	})
	return loc, ok
}

// AvailableAccuracy returns the best level this source can serve
func (s *Source) AvailableAccuracy(netAvailable bool) pkg.AccuracyLevel {
	switch {
	case !netAvailable:
		return pkg.AccuracyNone
	case s.discovery == nil:
		return pkg.AccuracyCity
	}
	level := s.accuracy.AccuracyLevel()
	if level > pkg.AccuracyStreet {
		return pkg.AccuracyStreet
	}
	return level
}

// Stats returns a snapshot of the source counters
func (s *Source) Stats() Stats {
	st := Stats{Name: s.name, HasInterface: s.discovery != nil}
	_ = s.do(context.Background(), func() {
		st.Active = s.active
		st.Users = s.users
		st.ScanState = s.scan.phase.String()
		st.LiveAPs = s.registry.LiveCount()
		st.WatchedAPs = s.registry.WatchedCount()
		st.CacheHits = s.hits
		st.CacheMisses = s.misses
		st.CacheSize = s.cache.Len()
		st.CacheElements = s.cache.Elements()
	})
	return st
}
