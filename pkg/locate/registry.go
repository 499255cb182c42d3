package locate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/wifi"
)

// Provider builds a source for the tiers at or above MinLevel
type Provider struct {
	Name     string
	MinLevel pkg.AccuracyLevel
	// PerTier builds a separate instance for every tier and closes it when
	// the tier is torn down. Otherwise one instance serves all tiers.
	PerTier bool
	Build   func(level pkg.AccuracyLevel) (Source, error)
}

type tierEntry struct {
	refs    int
	sources []Source
	owned   []Source
}

// Registry owns the sources of every accuracy tier. Tiers are built on the
// first Acquire and stopped when the last holder releases them.
type Registry struct {
	logger    *logx.Logger
	providers []Provider

	mu     sync.Mutex
	tiers  map[pkg.AccuracyLevel]*tierEntry
	shared map[string]Source
}

// NewRegistry creates a registry over providers
func NewRegistry(providers []Provider, logger *logx.Logger) *Registry {
	return &Registry{
		logger:    logger,
		providers: providers,
		tiers:     make(map[pkg.AccuracyLevel]*tierEntry),
		shared:    make(map[string]Source),
	}
}

// Acquire starts the sources of level if needed and returns them
func (r *Registry) Acquire(ctx context.Context, level pkg.AccuracyLevel) ([]Source, error) {
	if !ValidTier(level) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, level)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.tiers[level]; ok {
		entry.refs++
		return entry.sources, nil
	}

	entry := &tierEntry{refs: 1}
	for _, p := range r.providers {
		if level < p.MinLevel {
			continue
		}
		src, err := r.build(p, level)
		if err != nil {
			r.logger.Warn("Failed to build location source", "source", p.Name, "tier", level.String(), "error", err)
			continue
		}
		if err := src.Start(ctx); err != nil {
			r.logger.Warn("Failed to start location source", "source", p.Name, "tier", level.String(), "error", err)
			if p.PerTier {
				closeSource(src)
			}
			continue
		}
		entry.sources = append(entry.sources, src)
		if p.PerTier {
			entry.owned = append(entry.owned, src)
		}
	}
	r.tiers[level] = entry
	r.logger.Info("Accuracy tier started", "tier", level.String(), "sources", len(entry.sources))
	return entry.sources, nil
}

func (r *Registry) build(p Provider, level pkg.AccuracyLevel) (Source, error) {
	if p.PerTier {
		return p.Build(level)
	}
	if src, ok := r.shared[p.Name]; ok {
		return src, nil
	}
	src, err := p.Build(level)
	if err != nil {
		return nil, err
	}
	r.shared[p.Name] = src
	return src, nil
}

// Release drops one holder of level and stops its sources on the last
func (r *Registry) Release(level pkg.AccuracyLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tiers[level]
	if !ok {
		return fmt.Errorf("%w: %s not acquired", ErrUnknownTier, level)
	}
	entry.refs--
	if entry.refs > 0 {
		return nil
	}
	delete(r.tiers, level)
	r.teardown(level, entry)
	return nil
}

func (r *Registry) teardown(level pkg.AccuracyLevel, entry *tierEntry) {
	for _, src := range entry.sources {
		if err := src.Stop(); err != nil && !errors.Is(err, wifi.ErrStillInUse) {
			r.logger.Warn("Failed to stop location source", "source", src.Name(), "error", err)
		}
	}
	for _, src := range entry.owned {
		closeSource(src)
	}
	r.logger.Info("Accuracy tier stopped", "tier", level.String())
}

// Sources returns the running sources of level
func (r *Registry) Sources(level pkg.AccuracyLevel) []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.tiers[level]; ok {
		return entry.sources
	}
	return nil
}

// Active lists the tiers that currently have holders
func (r *Registry) Active() []pkg.AccuracyLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []pkg.AccuracyLevel
	for _, t := range Tiers {
		if _, ok := r.tiers[t]; ok {
			active = append(active, t)
		}
	}
	return active
}

// Close tears down every tier and closes the shared sources
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for level, entry := range r.tiers {
		r.teardown(level, entry)
	}
	r.tiers = make(map[pkg.AccuracyLevel]*tierEntry)
	for name, src := range r.shared {
		closeSource(src)
		delete(r.shared, name)
	}
}

func closeSource(src Source) {
	if c, ok := src.(closer); ok {
		c.Close()
	}
}
