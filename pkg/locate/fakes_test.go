package locate

import (
	"context"
	"sync"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/wifi"
)

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

type fakeSource struct {
	name      string
	available pkg.AccuracyLevel
	startErr  error

	mu       sync.Mutex
	users    int
	starts   int
	closed   bool
	location *pkg.Location
	subs     map[int]func(pkg.Location)
	nextID   int
}

func newFakeSource(name string, available pkg.AccuracyLevel) *fakeSource {
	return &fakeSource{name: name, available: available, subs: make(map[int]func(pkg.Location))}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.users++
	f.starts++
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users == 0 {
		return nil
	}
	f.users--
	if f.users > 0 {
		return wifi.ErrStillInUse
	}
	return nil
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSource) CurrentLocation() (pkg.Location, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.location == nil {
		return pkg.Location{}, false
	}
	return *f.location, true
}

func (f *fakeSource) Subscribe(fn func(pkg.Location)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeSource) AvailableAccuracy(bool) pkg.AccuracyLevel { return f.available }

func (f *fakeSource) emit(loc pkg.Location) {
	f.mu.Lock()
	l := loc
	f.location = &l
	subs := make([]func(pkg.Location), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(loc)
	}
}

func (f *fakeSource) state() (users int, closed bool, subscribers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users, f.closed, len(f.subs)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type fakeHeading struct {
	heading float64
}

func (f fakeHeading) Heading(ctx context.Context) (float64, error) {
	return f.heading, nil
}
