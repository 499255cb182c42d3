// Package gps provides exact-tier locations from gpsd and, optionally, a
// Starlink dish.
package gps

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// Description is attached to fixes reported by gpsd
const Description = "gpsd"

// DefaultAccuracy is used when a fix carries no error estimate
const DefaultAccuracy = 10.0

const watchCommand = `?WATCH={"enable":true,"json":true}` + "\n"

// errNotTPV marks reports other than position fixes
var errNotTPV = errors.New("not a TPV report")

// TPV is a gpsd time-position-velocity report
type TPV struct {
	Class string    `json:"class"`
	Mode  int       `json:"mode"`
	Time  time.Time `json:"time"`
	Lat   *float64  `json:"lat"`
	Lon   *float64  `json:"lon"`
	Alt   *float64  `json:"alt"`
	Eph   *float64  `json:"eph"`
	Epx   *float64  `json:"epx"`
	Epy   *float64  `json:"epy"`
	Speed *float64  `json:"speed"`
	Track *float64  `json:"track"`
}

// ParseReport decodes one line of gpsd output
func ParseReport(line []byte) (TPV, error) {
	var probe struct {
		Class string `json:"class"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return TPV{}, fmt.Errorf("invalid gpsd report: %w", err)
	}
	if probe.Class != "TPV" {
		return TPV{}, errNotTPV
	}
	var tpv TPV
	if err := json.Unmarshal(line, &tpv); err != nil {
		return TPV{}, fmt.Errorf("invalid TPV report: %w", err)
	}
	return tpv, nil
}

// Location converts a 2D or 3D fix to a location
func (t TPV) Location(now time.Time) (pkg.Location, bool) {
	if t.Mode < 2 || t.Lat == nil || t.Lon == nil {
		return pkg.Location{}, false
	}

	loc := pkg.Location{
		Latitude:    *t.Lat,
		Longitude:   *t.Lon,
		Accuracy:    t.accuracy(),
		Timestamp:   t.Time,
		Description: Description,
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = now
	}
	if t.Mode >= 3 && t.Alt != nil {
		alt := *t.Alt
		loc.Altitude = &alt
	}
	if t.Speed != nil {
		speed := *t.Speed
		loc.Speed = &speed
	}
	if t.Track != nil {
		track := *t.Track
		loc.Heading = &track
	}
	return loc, true
}

func (t TPV) accuracy() float64 {
	if t.Eph != nil && *t.Eph > 0 {
		return *t.Eph
	}
	if t.Epx != nil && t.Epy != nil {
		return math.Max(*t.Epx, *t.Epy)
	}
	return DefaultAccuracy
}

// Client streams fixes from a gpsd instance
type Client struct {
	logger         *logx.Logger
	address        string
	dial           func(ctx context.Context, network, address string) (net.Conn, error)
	reconnectDelay time.Duration
	now            func() time.Time
}

// NewClient creates a client for gpsd at address (host:port)
func NewClient(address string, logger *logx.Logger) *Client {
	var d net.Dialer
	return &Client{
		logger:         logger,
		address:        address,
		dial:           d.DialContext,
		reconnectDelay: 5 * time.Second,
		now:            time.Now,
	}
}

// Run delivers every fix to fn until ctx is cancelled, reconnecting after errors
func (c *Client) Run(ctx context.Context, fn func(pkg.Location)) {
	delay := c.reconnectDelay
	for {
		err := c.stream(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("gpsd connection lost", "address", c.address, "error", err, "retry_in", delay.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if delay < time.Minute {
			delay *= 2
		}
	}
}

// stream handles one connection
func (c *Client) stream(ctx context.Context, fn func(pkg.Location)) error {
	conn, err := c.dial(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to gpsd: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write([]byte(watchCommand)); err != nil {
		return fmt.Errorf("failed to enable gpsd watch: %w", err)
	}
	c.logger.Info("Connected to gpsd", "address", c.address)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		tpv, err := ParseReport(scanner.Bytes())
		if err != nil {
			if !errors.Is(err, errNotTPV) {
				c.logger.Debug("Ignoring gpsd report", "error", err)
			}
			continue
		}
		if loc, ok := tpv.Location(c.now()); ok {
			fn(loc)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("gpsd closed the connection")
}
