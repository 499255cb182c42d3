package locate

import (
	"math"

	"github.com/markus-lassfolk/geolocd/pkg"
)

// TierRadius is the grid size coarse tiers are snapped to
func TierRadius(level pkg.AccuracyLevel) float64 {
	switch level {
	case pkg.AccuracyCountry:
		return pkg.AccuracyRadiusCountry
	case pkg.AccuracyCity:
		return pkg.AccuracyRadiusCity
	case pkg.AccuracyNeighborhood:
		return pkg.AccuracyRadiusNeighborhood
	case pkg.AccuracyStreet:
		return pkg.AccuracyRadiusStreet
	default:
		return pkg.AccuracyRadiusExact
	}
}

// Scrambles reports whether locations for level are coarsened
func Scrambles(level pkg.AccuracyLevel) bool {
	return level <= pkg.AccuracyNeighborhood
}

// Scramble snaps loc to the grid of level. Accuracy is at least the grid
// size; motion and altitude are dropped.
func Scramble(loc pkg.Location, level pkg.AccuracyLevel) pkg.Location {
	radius := TierRadius(level)
	if radius <= 0 {
		return loc
	}

	latStep := radius / metersPerDegree
	lat := snap(loc.Latitude, latStep)
	lat = math.Max(-90, math.Min(90, lat))

	cosLat := math.Cos(lat * math.Pi / 180)
	lonStep := 360.0
	if cosLat > 1e-6 {
		lonStep = math.Min(360, radius/(metersPerDegree*cosLat))
	}
	lon := snap(loc.Longitude, lonStep)
	if lon > 180 {
		lon -= 360
	} else if lon < -180 {
		lon += 360
	}

	return pkg.Location{
		Latitude:    lat,
		Longitude:   lon,
		Accuracy:    math.Max(loc.Accuracy, radius),
		Timestamp:   loc.Timestamp,
		Description: loc.Description,
	}
}

func snap(v, step float64) float64 {
	return (math.Floor(v/step) + 0.5) * step
}

// Better reports whether candidate should replace current as the best fix
func Better(candidate, current pkg.Location) bool {
	if candidate.Accuracy != current.Accuracy {
		return candidate.Accuracy < current.Accuracy
	}
	return candidate.Timestamp.After(current.Timestamp)
}
