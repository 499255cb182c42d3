package wifi

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/memory"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs the callbacks that became due
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

type fakeDiscovery struct {
	mu         sync.Mutex
	aps        map[string]AccessPoint
	resolveErr map[string]error
	handler    func(Event)
	scanErr    error
	scans      int
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{
		aps:        make(map[string]AccessPoint),
		resolveErr: make(map[string]error),
	}
}

func (d *fakeDiscovery) put(path string, ap AccessPoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aps[path] = ap
}

func (d *fakeDiscovery) Subscribe(handler func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.handler = nil
	}
}

func (d *fakeDiscovery) subscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler != nil
}

func (d *fakeDiscovery) emit(ev Event) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (d *fakeDiscovery) Scan(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scans++
	return d.scanErr
}

func (d *fakeDiscovery) scanCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans
}

func (d *fakeDiscovery) Paths(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	paths := make([]string, 0, len(d.aps))
	for p := range d.aps {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (d *fakeDiscovery) Resolve(ctx context.Context, path string) (AccessPoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.resolveErr[path]; err != nil {
		return AccessPoint{}, err
	}
	return d.aps[path], nil
}

type fakeLocator struct {
	mu        sync.Mutex
	clock     Clock
	loc       pkg.Location
	err       error
	block     bool
	calls     int
	lastAPs   []AccessPoint
	lastTower *pkg.Tower
	called    chan struct{}
}

func newFakeLocator(clock Clock, loc pkg.Location) *fakeLocator {
	return &fakeLocator{clock: clock, loc: loc, called: make(chan struct{}, 16)}
}

func (l *fakeLocator) Query(ctx context.Context, aps []AccessPoint, tower *pkg.Tower, level pkg.AccuracyLevel) (pkg.Location, error) {
	l.mu.Lock()
	l.calls++
	l.lastAPs = aps
	l.lastTower = tower
	loc, err, block := l.loc, l.err, l.block
	l.mu.Unlock()
	select {
	case l.called <- struct{}{}:
	default:
	}

	if block {
		<-ctx.Done()
		return pkg.Location{}, ctx.Err()
	}
	if err != nil {
		return pkg.Location{}, err
	}
	loc.Timestamp = l.clock.Now()
	return loc, nil
}

func (l *fakeLocator) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLocator) accessPoints() []AccessPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAPs
}

func (l *fakeLocator) tower() *pkg.Tower {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTower
}

type fakeTowers struct {
	tower pkg.Tower
	ok    bool
}

func (f fakeTowers) CurrentTower() (pkg.Tower, bool) {
	return f.tower, f.ok
}

type fakeMemory struct {
	mu      sync.Mutex
	handler func(memory.Level)
}

func (m *fakeMemory) Subscribe(handler func(memory.Level)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handler = nil
	}
}

func (m *fakeMemory) warn(level memory.Level) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(level)
	}
}

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

func mustBSSID(t *testing.T, s string) BSSID {
	t.Helper()
	b, err := ParseBSSID(s)
	if err != nil {
		t.Fatalf("ParseBSSID(%q): %v", s, err)
	}
	return b
}
