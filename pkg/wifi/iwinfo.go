package wifi

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// Caller is the subset of the ubus client used by the iwinfo backend
type Caller interface {
	CallInto(ctx context.Context, object, method string, params, out interface{}) error
}

// iwinfoAccessPoint is one entry of `ubus call iwinfo scan`
type iwinfoAccessPoint struct {
	SSID      string `json:"ssid"`
	BSSID     string `json:"bssid"`
	Channel   int    `json:"channel"`
	Signal    int    `json:"signal"` // dBm (negative)
	Frequency int64  `json:"frequency"`
}

type iwinfoScanResult struct {
	Results []iwinfoAccessPoint `json:"results"`
}

type iwinfoDevices struct {
	Devices []string `json:"devices"`
}

// IwinfoBackend discovers access points through the iwinfo ubus object.
// Each scan is diffed against the previous one to produce added, removed
// and signal events.
type IwinfoBackend struct {
	logger *logx.Logger
	caller Caller
	device string

	scanMu sync.Mutex

	mu       sync.Mutex
	snapshot map[string]AccessPoint
	handlers map[int]func(Event)
	nextID   int
}

// NewIwinfoBackend creates a backend scanning with the given radio device
func NewIwinfoBackend(caller Caller, device string, logger *logx.Logger) *IwinfoBackend {
	return &IwinfoBackend{
		logger:   logger,
		caller:   caller,
		device:   device,
		snapshot: make(map[string]AccessPoint),
		handlers: make(map[int]func(Event)),
	}
}

// Device returns the radio device name
func (b *IwinfoBackend) Device() string {
	return b.device
}

// Available checks that the radio device exists
func (b *IwinfoBackend) Available(ctx context.Context) error {
	var devices iwinfoDevices
	if err := b.caller.CallInto(ctx, "iwinfo", "devices", nil, &devices); err != nil {
		return fmt.Errorf("failed to list wireless devices: %w", err)
	}
	for _, d := range devices.Devices {
		if d == b.device {
			return nil
		}
	}
	return fmt.Errorf("wireless device %s not found", b.device)
}

// Subscribe registers handler for discovery events
func (b *IwinfoBackend) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *IwinfoBackend) emit(events []Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (b *IwinfoBackend) path(bssid BSSID) string {
	return fmt.Sprintf("iwinfo/%s/%s", b.device, bssid.String())
}

// Scan runs a scan and reports the differences to subscribers followed by
// a successful scan completion
func (b *IwinfoBackend) Scan(ctx context.Context) error {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	var result iwinfoScanResult
	params := map[string]string{"device": b.device}
	if err := b.caller.CallInto(ctx, "iwinfo", "scan", params, &result); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("iwinfo scan on %s failed: %w", b.device, err)
	}

	current := make(map[string]AccessPoint, len(result.Results))
	skipped := 0
	for _, raw := range result.Results {
		bssid, err := ParseBSSID(raw.BSSID)
		if err != nil {
			skipped++
			continue
		}
		ap := AccessPoint{
			BSSID:     bssid,
			SSID:      raw.SSID,
			Signal:    clampSignal(raw.Signal),
			Channel:   raw.Channel,
			Frequency: raw.Frequency,
		}
		current[b.path(bssid)] = ap
	}

	b.mu.Lock()
	previous := b.snapshot
	b.snapshot = current
	b.mu.Unlock()

	events := diffSnapshots(previous, current)
	events = append(events, Event{Kind: EventScanDone, Success: true})

	b.logger.Debug("iwinfo scan completed", "device", b.device, "aps_found", len(current),
		"skipped", skipped, "events", len(events)-1)
	b.emit(events)
	return nil
}

// diffSnapshots returns removals, then additions, then signal changes, each sorted by path
func diffSnapshots(previous, current map[string]AccessPoint) []Event {
	var removed, added, changed []string
	for path := range previous {
		if _, ok := current[path]; !ok {
			removed = append(removed, path)
		}
	}
	for path, ap := range current {
		old, ok := previous[path]
		switch {
		case !ok:
			added = append(added, path)
		case old.Signal != ap.Signal:
			changed = append(changed, path)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(changed)

	events := make([]Event, 0, len(removed)+len(added)+len(changed))
	for _, p := range removed {
		events = append(events, Event{Kind: EventRemoved, Path: p})
	}
	for _, p := range added {
		events = append(events, Event{Kind: EventAdded, Path: p})
	}
	for _, p := range changed {
		events = append(events, Event{Kind: EventSignal, Path: p, Signal: current[p].Signal})
	}
	return events
}

func clampSignal(dbm int) int16 {
	switch {
	case dbm > 0:
		return 0
	case dbm < -128:
		return -128
	default:
		return int16(dbm)
	}
}

// Paths returns the access points seen by the last scan
func (b *IwinfoBackend) Paths(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	paths := make([]string, 0, len(b.snapshot))
	for p := range b.snapshot {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Resolve returns the access point last seen at path
func (b *IwinfoBackend) Resolve(ctx context.Context, path string) (AccessPoint, error) {
	if err := ctx.Err(); err != nil {
		return AccessPoint{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ap, ok := b.snapshot[path]
	if !ok {
		return AccessPoint{}, fmt.Errorf("access point %s is gone", path)
	}
	return ap, nil
}
