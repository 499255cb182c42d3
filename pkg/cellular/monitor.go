// Package cellular reports the serving cellular tower from the modem daemon
// and resolves it to a coarse location.
package cellular

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// ErrNoServingCell is returned when neither modem object reports a usable cell
var ErrNoServingCell = errors.New("no serving cell information available")

// Caller is the subset of the ubus client used by the monitor
type Caller interface {
	CallInto(ctx context.Context, object, method string, params, out interface{}) error
}

// flexString accepts both JSON strings and numbers
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(data)
	return nil
}

// networkInfo is the serving cell block of `mobiled status` and `gsm info`
type networkInfo struct {
	MCC        flexString `json:"mcc"`
	MNC        flexString `json:"mnc"`
	LAC        flexString `json:"lac"`
	TAC        flexString `json:"tac"`
	CellID     flexString `json:"cellid"`
	Technology string     `json:"technology"`
}

type mobiledStatus struct {
	Device struct {
		Network networkInfo `json:"network"`
	} `json:"device"`
}

// MapTechnology converts a modem access technology name to a tower technology
func MapTechnology(tech string) pkg.TowerTec {
	t := strings.ToLower(strings.TrimSpace(tech))
	t = strings.NewReplacer("-", "", "_", "", " ", "", "+", "plus").Replace(t)
	switch t {
	case "gsm", "gprs", "edge", "2g":
		return pkg.TowerTec2G
	case "umts", "wcdma", "hsdpa", "hsupa", "hspa", "hspaplus", "3g":
		return pkg.TowerTec3G
	case "lte", "4g":
		return pkg.TowerTec4G
	default:
		return pkg.TowerTecUnknown
	}
}

// OperatorCode formats the country and network codes as six digits
func OperatorCode(mcc, mnc string) (string, error) {
	c, err := strconv.ParseUint(mcc, 10, 32)
	if err != nil {
		return "", fmt.Errorf("invalid MCC %q: %w", mcc, err)
	}
	n, err := strconv.ParseUint(mnc, 10, 32)
	if err != nil {
		return "", fmt.Errorf("invalid MNC %q: %w", mnc, err)
	}
	if c >= 1000 || n >= 1000 {
		return "", fmt.Errorf("invalid MCC or MNC value %s/%s", mcc, mnc)
	}
	return fmt.Sprintf("%03d%03d", c, n), nil
}

// parseCode accepts decimal, 0x-prefixed or bare hexadecimal identifiers
func parseCode(s string) (uint64, error) {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") {
		return strconv.ParseUint(lower[2:], 16, 64)
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	return strconv.ParseUint(s, 16, 64)
}

func parseTower(n networkInfo) (pkg.Tower, error) {
	opc, err := OperatorCode(string(n.MCC), string(n.MNC))
	if err != nil {
		return pkg.Tower{}, err
	}
	if n.CellID == "" {
		return pkg.Tower{}, ErrNoServingCell
	}
	cell, err := parseCode(string(n.CellID))
	if err != nil {
		return pkg.Tower{}, fmt.Errorf("invalid cell id %q: %w", n.CellID, err)
	}

	tec := MapTechnology(n.Technology)
	area := n.LAC
	// LTE reports the tracking area code instead of the location area code
	if tec == pkg.TowerTec4G && n.TAC != "" {
		area = n.TAC
	}
	var lac uint64
	if area != "" {
		if lac, err = parseCode(string(area)); err != nil {
			return pkg.Tower{}, fmt.Errorf("invalid area code %q: %w", area, err)
		}
	}

	return pkg.Tower{Tec: tec, OPC: opc, LAC: lac, CellID: cell}, nil
}

// Monitor tracks the serving tower and announces changes
type Monitor struct {
	logger *logx.Logger
	caller Caller

	mu       sync.RWMutex
	tower    pkg.Tower
	hasTower bool
	lastErr  string
	handlers map[int]func(pkg.Tower)
	nextID   int
}

// NewMonitor creates a monitor reading from the modem ubus objects
func NewMonitor(caller Caller, logger *logx.Logger) *Monitor {
	return &Monitor{
		logger:   logger,
		caller:   caller,
		tower:    pkg.Tower{Tec: pkg.TowerTecNoFix},
		handlers: make(map[int]func(pkg.Tower)),
	}
}

// ReadTower queries mobiled and falls back to the gsm object
func (m *Monitor) ReadTower(ctx context.Context) (pkg.Tower, error) {
	var status mobiledStatus
	mobiledErr := m.caller.CallInto(ctx, "mobiled", "status", nil, &status)
	if mobiledErr == nil {
		tower, err := parseTower(status.Device.Network)
		if err == nil {
			return tower, nil
		}
		mobiledErr = err
	}
	if err := ctx.Err(); err != nil {
		return pkg.Tower{}, err
	}

	var info networkInfo
	if err := m.caller.CallInto(ctx, "gsm", "info", nil, &info); err != nil {
		return pkg.Tower{}, fmt.Errorf("%w: mobiled: %v, gsm: %v", ErrNoServingCell, mobiledErr, err)
	}
	tower, err := parseTower(info)
	if err != nil {
		return pkg.Tower{}, fmt.Errorf("%w: mobiled: %v, gsm: %v", ErrNoServingCell, mobiledErr, err)
	}
	return tower, nil
}

// Poll reads the tower once and notifies subscribers when it changed.
// A failed read clears a previously known tower.
func (m *Monitor) Poll(ctx context.Context) error {
	tower, err := m.ReadTower(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.clear()
		return err
	}
	m.update(tower)
	return nil
}

func (m *Monitor) update(tower pkg.Tower) {
	m.mu.Lock()
	if m.hasTower && m.tower == tower {
		m.mu.Unlock()
		m.logger.Debug("New 3GPP location is same as last one", "opc", tower.OPC, "cell_id", tower.CellID)
		return
	}
	m.tower = tower
	m.hasTower = true
	m.lastErr = ""
	handlers := m.snapshotHandlers()
	m.mu.Unlock()

	m.logger.Info("Serving cell changed", "tec", tower.Tec.String(), "opc", tower.OPC, "lac", tower.LAC, "cell_id", tower.CellID)
	for _, h := range handlers {
		h(tower)
	}
}

func (m *Monitor) clear() {
	m.mu.Lock()
	if !m.hasTower {
		m.mu.Unlock()
		return
	}
	m.tower = pkg.Tower{Tec: pkg.TowerTecNoFix}
	m.hasTower = false
	handlers := m.snapshotHandlers()
	m.mu.Unlock()

	m.logger.Info("Serving cell lost")
	for _, h := range handlers {
		h(pkg.Tower{Tec: pkg.TowerTecNoFix})
	}
}

func (m *Monitor) snapshotHandlers() []func(pkg.Tower) {
	handlers := make([]func(pkg.Tower), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

// CurrentTower returns the last known serving tower
func (m *Monitor) CurrentTower() (pkg.Tower, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tower, m.hasTower
}

// Subscribe registers handler for tower changes. A lost tower is reported
// with TowerTecNoFix.
func (m *Monitor) Subscribe(handler func(pkg.Tower)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// Run polls until ctx is cancelled
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.pollAndLog(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) pollAndLog(ctx context.Context) {
	err := m.Poll(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	repeated := m.lastErr == err.Error()
	m.lastErr = err.Error()
	m.mu.Unlock()
	if repeated {
		m.logger.Debug("Serving cell unavailable", "error", err)
		return
	}
	m.logger.Warn("Serving cell unavailable", "error", err)
}
