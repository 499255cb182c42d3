// Package geolocate resolves radio environments to locations with the
// Google Geolocation API.
package geolocate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/wifi"
)

var (
	// ErrNoSignals is returned when there is nothing to send and IP fallback is disabled
	ErrNoSignals = errors.New("no radio signals to geolocate")
	// ErrCircuitOpen is returned while the provider is backing off after repeated failures
	ErrCircuitOpen = errors.New("geolocation circuit breaker open")
)

// Description is attached to every location this provider returns
const Description = "google"

// Geolocator is the part of the maps client used here
type Geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

// Config tunes the provider
type Config struct {
	APIKey           string        `validate:"required"`
	Timeout          time.Duration `validate:"gte=0"`
	MaxAccessPoints  int           `validate:"gte=0"`
	AllowIPFallback  bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultConfig returns the provider defaults
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Second,
		MaxAccessPoints:  20,
		AllowIPFallback:  true,
		FailureThreshold: 5,
		OpenTimeout:      2 * time.Minute,
	}
}

// Provider queries Google through a circuit breaker
type Provider struct {
	logger        *logx.Logger
	client        Geolocator
	config        Config
	breaker       *gobreaker.CircuitBreaker
	now           func() time.Time
	onStateChange func(from, to string)
}

// NewProvider creates a provider backed by the maps client
func NewProvider(config Config, logger *logx.Logger) (*Provider, error) {
	client, err := maps.NewClient(maps.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return NewProviderWithClient(client, config, logger), nil
}

// NewProviderWithClient creates a provider around any Geolocator
func NewProviderWithClient(client Geolocator, config Config, logger *logx.Logger) *Provider {
	defaults := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.MaxAccessPoints == 0 {
		config.MaxAccessPoints = defaults.MaxAccessPoints
	}

	p := &Provider{
		logger: logger,
		client: client,
		config: config,
		now:    time.Now,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "google_geolocation",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.LogStateChange("circuit_breaker", from.String(), to.String(), name, nil)
			if p.onStateChange != nil {
				p.onStateChange(from.String(), to.String())
			}
		},
	})
	return p
}

// OnStateChange registers a callback for circuit breaker transitions
func (p *Provider) OnStateChange(fn func(from, to string)) {
	p.onStateChange = fn
}

// BreakerState returns closed, half-open or open
func (p *Provider) BreakerState() string {
	return p.breaker.State().String()
}

// BuildRequest converts the radio environment to a geolocation request
func (p *Provider) BuildRequest(aps []wifi.AccessPoint, tower *pkg.Tower) *maps.GeolocationRequest {
	req := &maps.GeolocationRequest{}

	strongest := make([]wifi.AccessPoint, len(aps))
	copy(strongest, aps)
	sort.SliceStable(strongest, func(i, j int) bool { return strongest[i].Signal > strongest[j].Signal })
	if p.config.MaxAccessPoints > 0 && len(strongest) > p.config.MaxAccessPoints {
		strongest = strongest[:p.config.MaxAccessPoints]
	}
	for _, ap := range strongest {
		req.WiFiAccessPoints = append(req.WiFiAccessPoints, maps.WiFiAccessPoint{
			MACAddress:     ap.BSSID.String(),
			SignalStrength: float64(ap.Signal),
			Channel:        ap.Channel,
		})
	}

	if tower != nil {
		if cell, ok := cellTower(*tower); ok {
			req.CellTowers = []maps.CellTower{cell}
			req.HomeMobileCountryCode = cell.MobileCountryCode
			req.HomeMobileNetworkCode = cell.MobileNetworkCode
			if radio := radioType(tower.Tec); radio != "" {
				req.RadioType = radio
			}
		}
	}

	req.ConsiderIP = len(req.WiFiAccessPoints) == 0 && len(req.CellTowers) == 0
	return req
}

func cellTower(t pkg.Tower) (maps.CellTower, bool) {
	mcc, err := strconv.Atoi(t.MCC())
	if err != nil {
		return maps.CellTower{}, false
	}
	mnc, err := strconv.Atoi(t.MNC())
	if err != nil {
		return maps.CellTower{}, false
	}
	return maps.CellTower{
		CellID:            int(t.CellID),
		LocationAreaCode:  int(t.LAC),
		MobileCountryCode: mcc,
		MobileNetworkCode: mnc,
	}, true
}

func radioType(tec pkg.TowerTec) maps.RadioType {
	switch tec {
	case pkg.TowerTec2G:
		return maps.RadioType("gsm")
	case pkg.TowerTec3G:
		return maps.RadioType("wcdma")
	case pkg.TowerTec4G:
		return maps.RadioType("lte")
	default:
		return ""
	}
}

// Query resolves the access points and tower to a location
func (p *Provider) Query(ctx context.Context, aps []wifi.AccessPoint, tower *pkg.Tower, level pkg.AccuracyLevel) (pkg.Location, error) {
	req := p.BuildRequest(aps, tower)
	if req.ConsiderIP && !p.config.AllowIPFallback {
		return pkg.Location{}, ErrNoSignals
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	var (
		result    *maps.GeolocationResult
		cancelled error
	)
	_, err := p.breaker.Execute(func() (interface{}, error) {
		res, err := p.client.Geolocate(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			// cancellation does not count against the breaker
			cancelled = ctx.Err()
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		result = res
		return nil, nil
	})
	switch {
	case cancelled != nil:
		return pkg.Location{}, cancelled
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return pkg.Location{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	case err != nil:
		return pkg.Location{}, fmt.Errorf("google geolocation failed: %w", err)
	case result == nil:
		return pkg.Location{}, errors.New("google geolocation returned no result")
	}

	loc := pkg.Location{
		Latitude:    result.Location.Lat,
		Longitude:   result.Location.Lng,
		Accuracy:    result.Accuracy,
		Timestamp:   p.now(),
		Description: Description,
	}
	p.logger.Debug("Geolocation query answered", "wifi_aps", len(req.WiFiAccessPoints),
		"cell_towers", len(req.CellTowers), "consider_ip", req.ConsiderIP, "level", level.String(),
		"accuracy", loc.Accuracy)
	return loc, nil
}
