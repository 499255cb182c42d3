package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/locate"
	"github.com/markus-lassfolk/geolocd/pkg/wifi"
)

var _ wifi.Recorder = (*Recorder)(nil)
var _ locate.Sink = (*Recorder)(nil)

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder("test")

	r.CacheHit("wifi-street")
	r.CacheHit("wifi-street")
	r.CacheMiss("wifi-street")
	r.CacheSize("wifi-street", 7)
	r.ScanCompleted("wifi-street", true)
	r.ScanCompleted("wifi-street", false)
	r.RefreshFailed("wifi-street")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.cacheHits.WithLabelValues("wifi-street")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cacheMisses.WithLabelValues("wifi-street")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.cacheSize.WithLabelValues("wifi-street")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.scans.WithLabelValues("wifi-street", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.refreshErrors.WithLabelValues("wifi-street")))
}

func TestRecorderPublish(t *testing.T) {
	r := NewRecorder("test")
	require.NoError(t, r.Publish(context.Background(), locate.Event{
		Level:    pkg.AccuracyCity,
		Location: pkg.Location{Accuracy: 15000, Description: "wifi"},
	}))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.published.WithLabelValues("city", "wifi")))
	assert.Equal(t, 15000.0, testutil.ToFloat64(r.lastAccuracy.WithLabelValues("city")))
}

func TestRecorderBreakerState(t *testing.T) {
	r := NewRecorder("test")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerState.WithLabelValues("closed")))

	r.BreakerState("closed", "open")
	assert.Equal(t, 0.0, testutil.ToFloat64(r.breakerState.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.breakerState.WithLabelValues("open")))
}

func TestRecorderHandler(t *testing.T) {
	r := NewRecorder("1.2.3")
	r.SetClients(3)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `geolocd_daemon_version_info{version="1.2.3"} 1`)
	assert.Contains(t, string(body), "geolocd_clients 3")
}
