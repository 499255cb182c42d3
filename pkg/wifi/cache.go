package wifi

import (
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

const (
	// CacheMaxAge is how long a cached location stays usable
	CacheMaxAge = 48 * time.Hour
	// CachePruneInterval samples at twice the expiry rate
	CachePruneInterval = CacheMaxAge / 2
	// SignalMatchWindow is the total width of the per-AP signal tolerance in dBm
	SignalMatchWindow = 10
)

// cacheElement is one observation of a fingerprint
type cacheElement struct {
	signals  []int16
	location pkg.Location
}

// LocationCache maps fingerprints to the locations obtained for them, matched
// within a signal tolerance. It is owned by the source event loop.
type LocationCache struct {
	logger *logx.Logger
	// buckets hold elements oldest first; they are considered newest first
	buckets map[Fingerprint][]cacheElement
}

// NewLocationCache creates an empty cache
func NewLocationCache(logger *logx.Logger) *LocationCache {
	return &LocationCache{
		logger:  logger,
		buckets: make(map[Fingerprint][]cacheElement),
	}
}

// signalsMatch reports whether every component is within half the window
func (c *LocationCache) signalsMatch(stored, query []int16) bool {
	if len(stored) != len(query) {
		c.logger.Warn("Different signal count in one cache entry", "stored", len(stored), "query", len(query))
		return false
	}
	for i := range stored {
		d := int(stored[i]) - int(query[i])
		if d < 0 {
			d = -d
		}
		if d > SignalMatchWindow/2 {
			return false
		}
	}
	return true
}

// Lookup returns the most accurate location stored under fp whose signals
// match the query. Elements are considered newest first and an element no
// more accurate than the current best is not compared at all.
func (c *LocationCache) Lookup(fp Fingerprint, signals []int16) (pkg.Location, bool) {
	elements, ok := c.buckets[fp]
	if !ok {
		c.logger.Debug("Cache miss", "key", fp.String())
		return pkg.Location{}, false
	}

	var best *cacheElement
	for i := len(elements) - 1; i >= 0; i-- {
		el := &elements[i]
		if best != nil && el.location.Accuracy >= best.location.Accuracy {
			continue
		}
		if !c.signalsMatch(el.signals, signals) {
			continue
		}
		best = el
	}

	if best == nil {
		c.logger.Debug("Cache had key but with different signals", "key", fp.String())
		return pkg.Location{}, false
	}

	c.logger.Debug("Cache hit", "key", fp.String(), "accuracy", best.location.Accuracy, "description", best.location.Description)
	return best.location, true
}

// Insert records a new observation under fp. Existing elements are kept.
func (c *LocationCache) Insert(fp Fingerprint, signals []int16, loc pkg.Location) {
	if len(signals) == 0 {
		// elements always carry at least one signal
		c.logger.Debug("Not caching location without access points", "key", fp.String())
		return
	}
	stored := make([]int16, len(signals))
	copy(stored, signals)
	c.buckets[fp] = append(c.buckets[fp], cacheElement{signals: stored, location: loc.Fresh(loc.Timestamp)})
}

// Prune removes elements older than CacheMaxAge relative to now and drops
// buckets left empty. It returns the number of elements removed.
func (c *LocationCache) Prune(now time.Time) int {
	cutoff := now.Add(-CacheMaxAge)
	oldSize := len(c.buckets)
	removed := 0

	for fp, elements := range c.buckets {
		kept := elements[:0]
		for _, el := range elements {
			if el.location.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, el)
		}
		if len(kept) == 0 {
			delete(c.buckets, fp)
			continue
		}
		c.buckets[fp] = kept
	}

	c.logger.Debug("Pruned cache", "old_size", oldSize, "new_size", len(c.buckets), "removed_elements", removed)
	return removed
}

// Clear drops every entry
func (c *LocationCache) Clear() {
	c.logger.Debug("Emptying cache", "size", len(c.buckets))
	c.buckets = make(map[Fingerprint][]cacheElement)
}

// Len returns the number of fingerprints cached
func (c *LocationCache) Len() int {
	return len(c.buckets)
}

// Elements returns the total number of cached observations
func (c *LocationCache) Elements() int {
	n := 0
	for _, elements := range c.buckets {
		n += len(elements)
	}
	return n
}
