package locate

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
)

// ClientOptions filters the updates a client receives. Zero values deliver
// every change.
type ClientOptions struct {
	// DistanceThreshold suppresses updates closer than this many meters
	DistanceThreshold float64
	// TimeThreshold suppresses updates sooner than this after the previous one
	TimeThreshold time.Duration
}

// Client is one consumer session
type Client struct {
	ID    string
	Level pkg.AccuracyLevel

	opts  ClientOptions
	coord *Coordinator

	mu          sync.Mutex
	closed      bool
	location    *pkg.Location
	deliveredAt time.Time
	subscribers map[int]func(pkg.Location)
	nextID      int
}

func newClient(id string, level pkg.AccuracyLevel, opts ClientOptions, coord *Coordinator) *Client {
	return &Client{
		ID:          id,
		Level:       level,
		opts:        opts,
		coord:       coord,
		subscribers: make(map[int]func(pkg.Location)),
	}
}

func (c *Client) deliver(loc pkg.Location, now time.Time) {
	c.mu.Lock()
	if c.closed || !c.accepts(loc, now) {
		c.mu.Unlock()
		return
	}
	l := loc
	c.location = &l
	c.deliveredAt = now
	subs := make([]func(pkg.Location), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(loc)
	}
}

func (c *Client) accepts(loc pkg.Location, now time.Time) bool {
	if c.location == nil {
		return true
	}
	if c.opts.TimeThreshold > 0 && now.Sub(c.deliveredAt) < c.opts.TimeThreshold {
		return false
	}
	if c.opts.DistanceThreshold > 0 && c.location.DistanceTo(loc) < c.opts.DistanceThreshold {
		return false
	}
	return true
}

// Location returns the last location delivered to this client
func (c *Client) Location() (pkg.Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.location == nil {
		return pkg.Location{}, false
	}
	return *c.location, true
}

// Subscribe registers fn for updates. fn runs on the dispatch goroutine.
func (c *Client) Subscribe(fn func(pkg.Location)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// Close ends the session and releases its tier
func (c *Client) Close() {
	c.markClosed()
	c.coord.disconnect(c)
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subscribers = make(map[int]func(pkg.Location))
}
