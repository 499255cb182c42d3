package locate

import (
	"math"
	"time"

	"github.com/sajari/regression"

	"github.com/markus-lassfolk/geolocd/pkg"
)

const metersPerDegree = 111320.0

// MovementTracker estimates speed and heading from recent fixes
type MovementTracker struct {
	window   int
	maxAge   time.Duration
	minSpeed float64
	fixes    []pkg.Location
}

// NewMovementTracker keeps up to window fixes no older than maxAge.
// Headings are reported only above minSpeed m/s.
func NewMovementTracker(window int, maxAge time.Duration, minSpeed float64) *MovementTracker {
	if window < 2 {
		window = 2
	}
	return &MovementTracker{window: window, maxAge: maxAge, minSpeed: minSpeed}
}

// Movement is a velocity estimate
type Movement struct {
	Speed   float64 // m/s
	Heading float64 // degrees from north
	Moving  bool
}

// Add records loc and returns the estimate over the current window
func (m *MovementTracker) Add(loc pkg.Location) (Movement, bool) {
	if n := len(m.fixes); n > 0 && !loc.Timestamp.After(m.fixes[n-1].Timestamp) {
		// out of order or duplicate timestamp
		return m.estimate()
	}
	m.fixes = append(m.fixes, loc)
	cutoff := loc.Timestamp.Add(-m.maxAge)
	start := 0
	for start < len(m.fixes)-1 && m.fixes[start].Timestamp.Before(cutoff) {
		start++
	}
	if over := len(m.fixes) - start - m.window; over > 0 {
		start += over
	}
	m.fixes = append([]pkg.Location(nil), m.fixes[start:]...)
	return m.estimate()
}

// Reset forgets all fixes
func (m *MovementTracker) Reset() {
	m.fixes = nil
}

func (m *MovementTracker) estimate() (Movement, bool) {
	if len(m.fixes) < 2 {
		return Movement{}, false
	}

	origin := m.fixes[0]
	cosLat := math.Cos(origin.Latitude * math.Pi / 180)
	north := make([]float64, len(m.fixes))
	east := make([]float64, len(m.fixes))
	ts := make([]float64, len(m.fixes))
	for i, f := range m.fixes {
		ts[i] = f.Timestamp.Sub(origin.Timestamp).Seconds()
		north[i] = (f.Latitude - origin.Latitude) * metersPerDegree
		east[i] = (f.Longitude - origin.Longitude) * metersPerDegree * cosLat
	}

	var vn, ve float64
	if len(m.fixes) == 2 {
		// the regression needs more observations than a two point fit
		vn, ve = north[1]/ts[1], east[1]/ts[1]
	} else {
		var ok bool
		if vn, ok = slope("north", ts, north); !ok {
			return Movement{}, false
		}
		if ve, ok = slope("east", ts, east); !ok {
			return Movement{}, false
		}
	}

	mv := Movement{Speed: math.Hypot(vn, ve)}
	if mv.Speed >= m.minSpeed && mv.Speed > 0 {
		mv.Moving = true
		h := math.Atan2(ve, vn) * 180 / math.Pi
		if h < 0 {
			h += 360
		}
		mv.Heading = h
	}
	return mv, true
}

// slope fits y = a + b*t and returns b
func slope(name string, t, y []float64) (float64, bool) {
	var r regression.Regression
	r.SetObserved(name)
	r.SetVar(0, "t")
	for i := range t {
		r.Train(regression.DataPoint(y[i], []float64{t[i]}))
	}
	if err := r.Run(); err != nil {
		return 0, false
	}
	coeffs := r.GetCoeffs()
	if len(coeffs) < 2 || math.IsNaN(coeffs[1]) || math.IsInf(coeffs[1], 0) {
		return 0, false
	}
	return coeffs[1], true
}

// ApplyMovement fills in speed and heading the fix does not carry itself
func ApplyMovement(loc pkg.Location, mv Movement) pkg.Location {
	if loc.Speed == nil {
		s := mv.Speed
		loc.Speed = &s
	}
	if loc.Heading == nil && mv.Moving {
		h := mv.Heading
		loc.Heading = &h
	}
	return loc
}
