// Package compass shares a heading reading between location consumers
package compass

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// ErrNotClaimed is returned when reading a heading nobody has claimed
var ErrNotClaimed = errors.New("compass not claimed")

// HeadingReader reads an orientation in degrees from north
type HeadingReader interface {
	Heading(ctx context.Context) (float64, error)
}

// Compass is a refcounted heading provider. A reading is reused for MaxAge.
type Compass struct {
	logger *logx.Logger
	reader HeadingReader
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	claims  int
	heading float64
	readAt  time.Time
}

// New creates a compass on top of reader. A nil reader means no compass.
func New(reader HeadingReader, maxAge time.Duration, logger *logx.Logger) *Compass {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &Compass{logger: logger, reader: reader, maxAge: maxAge, now: time.Now}
}

// HasCompass reports whether a heading source is configured
func (c *Compass) HasCompass() bool {
	return c != nil && c.reader != nil
}

// Claim registers one consumer
func (c *Compass) Claim() bool {
	if !c.HasCompass() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims++
	if c.claims == 1 {
		c.logger.LogStateChange("compass", "released", "claimed", "claim", nil)
	}
	return true
}

// Release drops one consumer. The cached reading is discarded on the last.
func (c *Compass) Release() {
	if !c.HasCompass() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claims == 0 {
		return
	}
	c.claims--
	if c.claims == 0 {
		c.readAt = time.Time{}
		c.logger.LogStateChange("compass", "claimed", "released", "release", nil)
	}
}

// Heading returns the current heading while claimed
func (c *Compass) Heading(ctx context.Context) (float64, error) {
	if !c.HasCompass() {
		return 0, ErrNotClaimed
	}
	c.mu.Lock()
	if c.claims == 0 {
		c.mu.Unlock()
		return 0, ErrNotClaimed
	}
	now := c.now()
	if !c.readAt.IsZero() && now.Sub(c.readAt) < c.maxAge {
		h := c.heading
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	h, err := c.reader.Heading(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.claims > 0 {
		c.heading = h
		c.readAt = now
	}
	c.mu.Unlock()
	return h, nil
}
