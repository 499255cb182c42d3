package wifi

import (
	"context"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/memory"
)

// EventKind identifies a discovery notification
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventSignal
	EventScanDone
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventSignal:
		return "signal"
	case EventScanDone:
		return "scan_done"
	default:
		return "unknown"
	}
}

// Event is a notification from the discovery backend. Path is set for
// added, removed and signal events; Signal for signal events; Success for
// scan completion, which may follow a scan requested by another client.
type Event struct {
	Kind    EventKind
	Path    string
	Signal  int16
	Success bool
}

// Discovery is the wireless scanning backend
type Discovery interface {
	// Subscribe delivers events to handler until the returned func is called
	Subscribe(handler func(Event)) (unsubscribe func())
	// Scan requests a passive scan; completion is reported as an EventScanDone
	Scan(ctx context.Context) error
	// Paths lists the access points the backend currently knows
	Paths(ctx context.Context) ([]string, error)
	// Resolve fetches the identity and signal of one access point
	Resolve(ctx context.Context, path string) (AccessPoint, error)
}

// TowerProvider reports the serving cellular tower without blocking
type TowerProvider interface {
	CurrentTower() (pkg.Tower, bool)
}

// Locator resolves a radio environment to a location
type Locator interface {
	Query(ctx context.Context, aps []AccessPoint, tower *pkg.Tower, level pkg.AccuracyLevel) (pkg.Location, error)
}

// AccuracyProvider supplies the accuracy level currently requested of a source
type AccuracyProvider interface {
	AccuracyLevel() pkg.AccuracyLevel
}

// FixedAccuracy is an AccuracyProvider that never changes
type FixedAccuracy pkg.AccuracyLevel

func (f FixedAccuracy) AccuracyLevel() pkg.AccuracyLevel {
	return pkg.AccuracyLevel(f)
}

// MemoryMonitor notifies about low memory conditions
type MemoryMonitor interface {
	Subscribe(handler func(memory.Level)) (unsubscribe func())
}

// Recorder receives cache and scan statistics
type Recorder interface {
	CacheHit(source string)
	CacheMiss(source string)
	CacheSize(source string, buckets int)
	ScanCompleted(source string, success bool)
	RefreshFailed(source string)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string)            {}
func (nopRecorder) CacheMiss(string)           {}
func (nopRecorder) CacheSize(string, int)      {}
func (nopRecorder) ScanCompleted(string, bool) {}
func (nopRecorder) RefreshFailed(string)       {}

// Timer is a pending callback
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the event loop
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns the wall clock
func RealClock() Clock {
	return realClock{}
}
