package pkg

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// AccuracyLevel is the precision tier a client asks for
type AccuracyLevel int

const (
	AccuracyNone         AccuracyLevel = 0
	AccuracyCountry      AccuracyLevel = 1
	AccuracyCity         AccuracyLevel = 4
	AccuracyNeighborhood AccuracyLevel = 5
	AccuracyStreet       AccuracyLevel = 6
	AccuracyExact        AccuracyLevel = 8
)

// String returns the configuration name of the level
func (a AccuracyLevel) String() string {
	switch a {
	case AccuracyNone:
		return "none"
	case AccuracyCountry:
		return "country"
	case AccuracyCity:
		return "city"
	case AccuracyNeighborhood:
		return "neighborhood"
	case AccuracyStreet:
		return "street"
	case AccuracyExact:
		return "exact"
	default:
		return fmt.Sprintf("level(%d)", int(a))
	}
}

// ParseAccuracyLevel accepts the names returned by String
func ParseAccuracyLevel(s string) (AccuracyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return AccuracyNone, nil
	case "country":
		return AccuracyCountry, nil
	case "city":
		return AccuracyCity, nil
	case "neighborhood", "neighbourhood":
		return AccuracyNeighborhood, nil
	case "street":
		return AccuracyStreet, nil
	case "exact":
		return AccuracyExact, nil
	default:
		return AccuracyNone, fmt.Errorf("unknown accuracy level %q", s)
	}
}

// MarshalText encodes the level by name
func (a AccuracyLevel) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a level name
func (a *AccuracyLevel) UnmarshalText(text []byte) error {
	level, err := ParseAccuracyLevel(string(text))
	if err != nil {
		return err
	}
	*a = level
	return nil
}

// AllowsTower reports whether cellular tower context may be used at this level
func (a AccuracyLevel) AllowsTower() bool {
	return a >= AccuracyNeighborhood
}

// Location accuracy radii in meters used when a source cannot do better
const (
	AccuracyRadiusCountry      = 300000.0
	AccuracyRadiusCity         = 15000.0
	AccuracyRadiusNeighborhood = 1000.0
	AccuracyRadiusStreet       = 100.0
	AccuracyRadiusExact        = 0.0
)

// Location is a position estimate
type Location struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Accuracy    float64   `json:"accuracy"` // radius in meters
	Altitude    *float64  `json:"altitude,omitempty"`
	Speed       *float64  `json:"speed,omitempty"`   // m/s
	Heading     *float64  `json:"heading,omitempty"` // degrees from north
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
}

// Fresh returns a copy of the location with the timestamp set to now
func (l Location) Fresh(now time.Time) Location {
	c := l
	if l.Altitude != nil {
		v := *l.Altitude
		c.Altitude = &v
	}
	if l.Speed != nil {
		v := *l.Speed
		c.Speed = &v
	}
	if l.Heading != nil {
		v := *l.Heading
		c.Heading = &v
	}
	c.Timestamp = now
	return c
}

// SamePosition reports whether two locations have the same coordinates and accuracy
func (l Location) SamePosition(o Location) bool {
	return l.Latitude == o.Latitude && l.Longitude == o.Longitude && l.Accuracy == o.Accuracy
}

const earthRadiusMeters = 6371000.0

// DistanceTo returns the great-circle distance in meters
func (l Location) DistanceTo(o Location) float64 {
	lat1 := l.Latitude * math.Pi / 180
	lat2 := o.Latitude * math.Pi / 180
	dLat := (o.Latitude - l.Latitude) * math.Pi / 180
	dLon := (o.Longitude - l.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// TowerTec is the radio technology of a serving cell
type TowerTec uint32

const (
	TowerTecUnknown TowerTec = 0
	TowerTec2G      TowerTec = 1
	TowerTec3G      TowerTec = 2
	TowerTec4G      TowerTec = 3
	TowerTecNoFix   TowerTec = 99
)

// String returns the radio type label
func (t TowerTec) String() string {
	switch t {
	case TowerTec2G:
		return "gsm"
	case TowerTec3G:
		return "wcdma"
	case TowerTec4G:
		return "lte"
	case TowerTecNoFix:
		return "nofix"
	default:
		return "unknown"
	}
}

// Tower identifies the serving cellular tower
type Tower struct {
	Tec    TowerTec `json:"tec"`
	OPC    string   `json:"opc"` // MCC followed by MNC
	LAC    uint64   `json:"lac"` // LAC or TAC
	CellID uint64   `json:"cell_id"`
}

// MCC returns the mobile country code part of the operator code
func (t Tower) MCC() string {
	if len(t.OPC) < 3 {
		return ""
	}
	return t.OPC[:3]
}

// MNC returns the mobile network code part of the operator code
func (t Tower) MNC() string {
	if len(t.OPC) < 3 {
		return ""
	}
	return t.OPC[3:]
}
