package wifi

// NoiseFloor is the signal level at or below which an access point is ignored
const NoiseFloor int16 = -90

// IsNoisy reports whether signal is too weak to be used
func IsNoisy(signal int16) bool {
	return signal <= NoiseFloor
}

// APState is the filter classification of a discovery path
type APState int

const (
	APAbsent APState = iota
	APWatched
	APLive
)

func (s APState) String() string {
	switch s {
	case APWatched:
		return "watched"
	case APLive:
		return "live"
	default:
		return "absent"
	}
}

// Registry holds the live and watched access points keyed by discovery path.
// It is owned by the source event loop and not safe for concurrent use.
type Registry struct {
	live    map[string]AccessPoint
	watched map[string]AccessPoint
	dirty   bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		live:    make(map[string]AccessPoint),
		watched: make(map[string]AccessPoint),
	}
}

// Add classifies a newly resolved access point and returns its resulting state.
// A path already known is re-classified from scratch.
func (r *Registry) Add(path string, ap AccessPoint) APState {
	delete(r.watched, path)

	if IsNoisy(ap.Signal) {
		if _, ok := r.live[path]; ok {
			delete(r.live, path)
			r.dirty = true
		}
		r.watched[path] = ap
		return APWatched
	}

	if _, ok := r.live[path]; !ok {
		r.dirty = true
	}
	r.live[path] = ap
	return APLive
}

// UpdateSignal applies a new signal report. A watched access point is promoted
// the first time its signal rises above the noise floor; the returned bool is
// true on promotion.
func (r *Registry) UpdateSignal(path string, signal int16) (APState, bool) {
	if ap, ok := r.live[path]; ok {
		ap.Signal = signal
		r.live[path] = ap
		return APLive, false
	}

	ap, ok := r.watched[path]
	if !ok {
		return APAbsent, false
	}
	ap.Signal = signal
	if IsNoisy(signal) {
		r.watched[path] = ap
		return APWatched, false
	}

	delete(r.watched, path)
	r.live[path] = ap
	r.dirty = true
	return APLive, true
}

// Remove drops path from whichever set holds it. Unknown paths are ignored.
func (r *Registry) Remove(path string) APState {
	if _, ok := r.live[path]; ok {
		delete(r.live, path)
		r.dirty = true
		return APLive
	}
	if _, ok := r.watched[path]; ok {
		delete(r.watched, path)
		return APWatched
	}
	return APAbsent
}

// State returns the classification of path
func (r *Registry) State(path string) APState {
	if _, ok := r.live[path]; ok {
		return APLive
	}
	if _, ok := r.watched[path]; ok {
		return APWatched
	}
	return APAbsent
}

// Live returns the live access points sorted by BSSID
func (r *Registry) Live() []AccessPoint {
	aps := make([]AccessPoint, 0, len(r.live))
	for _, ap := range r.live {
		aps = append(aps, ap)
	}
	return sortedAccessPoints(aps)
}

// LiveCount returns the number of live access points
func (r *Registry) LiveCount() int {
	return len(r.live)
}

// WatchedCount returns the number of access points waiting for a stronger signal
func (r *Registry) WatchedCount() int {
	return len(r.watched)
}

// Dirty reports whether the live set changed since the flag was last cleared
func (r *Registry) Dirty() bool {
	return r.dirty
}

// MarkDirty forces the next settle to refresh
func (r *Registry) MarkDirty() {
	r.dirty = true
}

// ClearDirty resets the change flag
func (r *Registry) ClearDirty() {
	r.dirty = false
}

// Reset releases every entry in both sets
func (r *Registry) Reset() {
	r.live = make(map[string]AccessPoint)
	r.watched = make(map[string]AccessPoint)
}
