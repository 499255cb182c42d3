// Package locate combines the location sources into per-client location
// updates at the accuracy each client asked for.
package locate

import (
	"context"
	"errors"

	"github.com/markus-lassfolk/geolocd/pkg"
)

// ErrUnknownTier is returned for accuracy levels without a source tier
var ErrUnknownTier = errors.New("unknown accuracy tier")

// Source is a location source. Start and Stop are refcounted; Stop returns
// wifi.ErrStillInUse while other consumers remain.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	CurrentLocation() (pkg.Location, bool)
	Subscribe(fn func(pkg.Location)) (unsubscribe func())
	AvailableAccuracy(netAvailable bool) pkg.AccuracyLevel
}

// closer is implemented by sources owning a goroutine beyond Stop
type closer interface {
	Close()
}

// Tiers lists the accuracy levels sources are grouped by, lowest first
var Tiers = []pkg.AccuracyLevel{
	pkg.AccuracyCountry,
	pkg.AccuracyCity,
	pkg.AccuracyNeighborhood,
	pkg.AccuracyStreet,
	pkg.AccuracyExact,
}

// ValidTier reports whether level is one of Tiers
func ValidTier(level pkg.AccuracyLevel) bool {
	for _, t := range Tiers {
		if t == level {
			return true
		}
	}
	return false
}
