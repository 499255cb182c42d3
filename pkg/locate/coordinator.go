package locate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/compass"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// ErrCoordinatorClosed is returned by Connect after Close
var ErrCoordinatorClosed = errors.New("coordinator closed")

// Event is a published location change of one tier
type Event struct {
	Level    pkg.AccuracyLevel `json:"accuracy_level"`
	Location pkg.Location      `json:"location"`
}

// Sink receives every published location
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Options configures a Coordinator
type Options struct {
	Registry *Registry
	Compass  *compass.Compass
	Sinks    []Sink
	// MaxAge excludes older source fixes from best-location selection; zero keeps all
	MaxAge         time.Duration
	MovementWindow int
	MovementMaxAge time.Duration
	MinSpeed       float64
}

// SourceStatus describes one running source
type SourceStatus struct {
	Name      string        `json:"name"`
	Tier      string        `json:"tier"`
	Available string        `json:"available_accuracy"`
	Location  *pkg.Location `json:"location,omitempty"`
}

type tierState struct {
	level       pkg.AccuracyLevel
	clients     int
	sources     []Source
	unsubscribe []func()
	movement    *MovementTracker
	claimed     bool
	last        *pkg.Location
}

// Coordinator picks the best fix of each active tier, applies the tier's
// accuracy policy and publishes changes to clients and sinks.
type Coordinator struct {
	logger *logx.Logger
	opts   Options
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	pendingMu sync.Mutex
	pending   map[pkg.AccuracyLevel]bool

	mu      sync.Mutex
	closed  bool
	tiers   map[pkg.AccuracyLevel]*tierState
	clients map[string]*Client
}

// NewCoordinator starts a coordinator. Call Close to stop it.
func NewCoordinator(opts Options, logger *logx.Logger) *Coordinator {
	if opts.MovementWindow <= 0 {
		opts.MovementWindow = 5
	}
	if opts.MovementMaxAge <= 0 {
		opts.MovementMaxAge = 2 * time.Minute
	}
	if opts.MinSpeed <= 0 {
		opts.MinSpeed = 0.5
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		logger:  logger,
		opts:    opts,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[pkg.AccuracyLevel]bool),
		tiers:   make(map[pkg.AccuracyLevel]*tierState),
		clients: make(map[string]*Client),
	}
	go c.run()
	return c
}

// Connect creates a client receiving locations at level
func (c *Coordinator) Connect(ctx context.Context, level pkg.AccuracyLevel, opts ClientOptions) (*Client, error) {
	if !ValidTier(level) {
		return nil, ErrUnknownTier
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	t, ok := c.tiers[level]
	if !ok {
		sources, err := c.opts.Registry.Acquire(ctx, level)
		if err != nil {
			return nil, err
		}
		t = &tierState{
			level:    level,
			sources:  sources,
			movement: NewMovementTracker(c.opts.MovementWindow, c.opts.MovementMaxAge, c.opts.MinSpeed),
		}
		for _, src := range sources {
			t.unsubscribe = append(t.unsubscribe, src.Subscribe(func(pkg.Location) { c.schedule(level) }))
		}
		if level == pkg.AccuracyExact {
			t.claimed = c.opts.Compass.Claim()
		}
		c.tiers[level] = t
	}
	t.clients++

	client := newClient(uuid.NewString(), level, opts, c)
	c.clients[client.ID] = client
	if t.last != nil {
		client.deliver(*t.last, c.now())
	}
	c.schedule(level)

	c.logger.Info("Client connected", "client", client.ID, "accuracy", level.String(), "sources", len(t.sources))
	return client, nil
}

func (c *Coordinator) disconnect(client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[client.ID]; !ok {
		return
	}
	delete(c.clients, client.ID)
	c.logger.Info("Client disconnected", "client", client.ID)

	t, ok := c.tiers[client.Level]
	if !ok {
		return
	}
	t.clients--
	if t.clients > 0 {
		return
	}
	c.dropTier(t)
}

func (c *Coordinator) dropTier(t *tierState) {
	for _, unsub := range t.unsubscribe {
		unsub()
	}
	if t.claimed {
		c.opts.Compass.Release()
	}
	delete(c.tiers, t.level)
	if err := c.opts.Registry.Release(t.level); err != nil {
		c.logger.Warn("Failed to release accuracy tier", "tier", t.level.String(), "error", err)
	}
}

// schedule marks level for evaluation without blocking the caller
func (c *Coordinator) schedule(level pkg.AccuracyLevel) {
	c.pendingMu.Lock()
	c.pending[level] = true
	c.pendingMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		c.pendingMu.Lock()
		levels := make([]pkg.AccuracyLevel, 0, len(c.pending))
		for l := range c.pending {
			levels = append(levels, l)
		}
		c.pending = make(map[pkg.AccuracyLevel]bool)
		c.pendingMu.Unlock()

		sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
		for _, l := range levels {
			c.evaluate(l)
		}
	}
}

// evaluate publishes the best fix of level if it changed
func (c *Coordinator) evaluate(level pkg.AccuracyLevel) {
	c.mu.Lock()
	t, ok := c.tiers[level]
	if !ok {
		c.mu.Unlock()
		return
	}
	sources := t.sources
	claimed := t.claimed
	c.mu.Unlock()

	now := c.now()
	best, ok := c.best(sources, now)
	if !ok {
		return
	}
	out := c.applyPolicy(t, best, claimed)

	c.mu.Lock()
	if c.tiers[level] != t {
		c.mu.Unlock()
		return
	}
	if t.last != nil && t.last.SamePosition(out) {
		c.mu.Unlock()
		return
	}
	l := out
	t.last = &l
	var receivers []*Client
	for _, cl := range c.clients {
		if cl.Level == level {
			receivers = append(receivers, cl)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("Location changed", "tier", level.String(), "source", out.Description,
		"lat", out.Latitude, "lon", out.Longitude, "accuracy", out.Accuracy)
	for _, cl := range receivers {
		cl.deliver(out, now)
	}
	ev := Event{Level: level, Location: out}
	for _, sink := range c.opts.Sinks {
		if err := sink.Publish(c.ctx, ev); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("Failed to publish location", "sink", sink.Name(), "error", err)
		}
	}
}

func (c *Coordinator) best(sources []Source, now time.Time) (pkg.Location, bool) {
	var (
		best  pkg.Location
		found bool
	)
	for _, src := range sources {
		loc, ok := src.CurrentLocation()
		if !ok {
			continue
		}
		if c.opts.MaxAge > 0 && now.Sub(loc.Timestamp) > c.opts.MaxAge {
			continue
		}
		if !found || Better(loc, best) {
			best, found = loc, true
		}
	}
	return best, found
}

// applyPolicy runs on the dispatch goroutine, which owns the movement tracker
func (c *Coordinator) applyPolicy(t *tierState, loc pkg.Location, claimed bool) pkg.Location {
	if Scrambles(t.level) {
		return Scramble(loc, t.level)
	}

	out := loc
	if mv, ok := t.movement.Add(loc); ok {
		out = ApplyMovement(loc, mv)
	}
	if t.level == pkg.AccuracyExact && out.Heading == nil && claimed {
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		h, err := c.opts.Compass.Heading(ctx)
		cancel()
		if err == nil {
			out.Heading = &h
		} else {
			c.logger.Debug("Compass heading unavailable", "error", err)
		}
	}
	return out
}

// Location returns the last published location at level. An inactive level
// is served from the nearest more accurate active tier.
func (c *Coordinator) Location(level pkg.AccuracyLevel) (pkg.Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tier := range Tiers {
		if tier < level {
			continue
		}
		t, ok := c.tiers[tier]
		if !ok || t.last == nil {
			continue
		}
		if tier == level || !Scrambles(level) {
			return *t.last, true
		}
		return Scramble(*t.last, level), true
	}
	return pkg.Location{}, false
}

// Sources describes the sources of every active tier
func (c *Coordinator) Sources(netAvailable bool) []SourceStatus {
	c.mu.Lock()
	tiers := make([]*tierState, 0, len(c.tiers))
	for _, t := range c.tiers {
		tiers = append(tiers, t)
	}
	c.mu.Unlock()
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].level < tiers[j].level })

	var out []SourceStatus
	for _, t := range tiers {
		for _, src := range t.sources {
			st := SourceStatus{
				Name:      src.Name(),
				Tier:      t.level.String(),
				Available: src.AvailableAccuracy(netAvailable).String(),
			}
			if loc, ok := src.CurrentLocation(); ok {
				st.Location = &loc
			}
			out = append(out, st)
		}
	}
	return out
}

// AvailableAccuracy is the best level any running source can serve
func (c *Coordinator) AvailableAccuracy(netAvailable bool) pkg.AccuracyLevel {
	best := pkg.AccuracyNone
	for _, level := range c.opts.Registry.Active() {
		for _, src := range c.opts.Registry.Sources(level) {
			if a := src.AvailableAccuracy(netAvailable); a > best {
				best = a
			}
		}
	}
	return best
}

// ClientCount returns the number of connected clients
func (c *Coordinator) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Close disconnects all clients and stops dispatching
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.clients {
		cl.markClosed()
		delete(c.clients, id)
	}
	for _, t := range c.tiers {
		c.dropTier(t)
	}
}
