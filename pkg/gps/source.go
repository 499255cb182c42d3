package gps

import (
	"context"
	"sync"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/wifi"
)

// Streamer delivers fixes until ctx is cancelled
type Streamer interface {
	Run(ctx context.Context, fn func(pkg.Location))
}

// FixProvider is polled for a position when the streamer is quiet
type FixProvider interface {
	Location(ctx context.Context) (pkg.Location, error)
}

// SourceConfig controls the fallback poller
type SourceConfig struct {
	// StaleAfter is how long a streamed fix suppresses the fallback
	StaleAfter time.Duration
	// PollInterval is the fallback polling period
	PollInterval time.Duration
}

// Source is an exact-tier location source
type Source struct {
	name     string
	logger   *logx.Logger
	streamer Streamer
	fallback FixProvider
	cfg      SourceConfig
	now      func() time.Time

	mu          sync.Mutex
	users       int
	cancel      context.CancelFunc
	done        sync.WaitGroup
	location    *pkg.Location
	lastStream  time.Time
	subscribers map[int]func(pkg.Location)
	nextID      int
}

// NewSource combines a streaming receiver with an optional fallback.
// Either may be nil, but not both.
func NewSource(streamer Streamer, fallback FixProvider, cfg SourceConfig, logger *logx.Logger) *Source {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Source{
		name:        "gps",
		logger:      logger,
		streamer:    streamer,
		fallback:    fallback,
		cfg:         cfg,
		now:         time.Now,
		subscribers: make(map[int]func(pkg.Location)),
	}
}

// Name returns the source name
func (s *Source) Name() string {
	return s.name
}

// Start begins receiving fixes
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
	if s.streamer != nil {
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			s.streamer.Run(runCtx, s.onStreamFix)
		}()
	}
	if s.fallback != nil {
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			s.pollFallback(runCtx)
		}()
	}
	s.logger.LogStateChange("gps_source", "stopped", "started", "start", map[string]interface{}{
		"gpsd":     s.streamer != nil,
		"fallback": s.fallback != nil,
	})
	return nil
}

// Stop releases one consumer and waits for the receivers to exit on the last
func (s *Source) Stop() error {
	s.mu.Lock()
	if s.users == 0 {
		s.mu.Unlock()
		return nil
	}
	s.users--
	if s.users > 0 {
		s.mu.Unlock()
		return wifi.ErrStillInUse
	}
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	s.done.Wait()
	s.logger.LogStateChange("gps_source", "started", "stopped", "stop", nil)
	return nil
}

func (s *Source) onStreamFix(loc pkg.Location) {
	s.mu.Lock()
	s.lastStream = s.now()
	s.mu.Unlock()
	s.setLocation(loc)
}

func (s *Source) pollFallback(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Source) pollOnce(ctx context.Context) {
	s.mu.Lock()
	quiet := s.lastStream.IsZero() || s.now().Sub(s.lastStream) > s.cfg.StaleAfter
	s.mu.Unlock()
	if !quiet {
		return
	}

	loc, err := s.fallback.Location(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("Fallback fix unavailable", "error", err)
		}
		return
	}
	s.setLocation(loc)
}

func (s *Source) setLocation(loc pkg.Location) {
	s.mu.Lock()
	if s.users == 0 {
		s.mu.Unlock()
		return
	}
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

// CurrentLocation returns the latest fix
func (s *Source) CurrentLocation() (pkg.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.location == nil {
		return pkg.Location{}, false
	}
	return *s.location, true
}

// Subscribe registers fn for new fixes
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

// AvailableAccuracy is exact; satellite positioning needs no network
func (s *Source) AvailableAccuracy(bool) pkg.AccuracyLevel {
	return pkg.AccuracyExact
}
