package geolocate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/wifi"
)

type fakeGeolocator struct {
	mu       sync.Mutex
	requests []*maps.GeolocationRequest
	result   *maps.GeolocationResult
	err      error
	block    bool
}

func (g *fakeGeolocator) Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, r)
	result, err, block := g.result, g.err, g.block
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return result, err
}

func testProvider(client Geolocator, mutate func(*Config)) *Provider {
	cfg := DefaultConfig()
	cfg.APIKey = "test"
	if mutate != nil {
		mutate(&cfg)
	}
	return NewProviderWithClient(client, cfg, logx.NewLogger("error", "test"))
}

func ap(t *testing.T, mac string, signal int16) wifi.AccessPoint {
	b, err := wifi.ParseBSSID(mac)
	require.NoError(t, err)
	return wifi.AccessPoint{BSSID: b, Signal: signal, Channel: 11}
}

func TestBuildRequestWithAccessPointsAndTower(t *testing.T) {
	p := testProvider(&fakeGeolocator{}, nil)
	tower := &pkg.Tower{Tec: pkg.TowerTec4G, OPC: "240001", LAC: 42, CellID: 123456}

	req := p.BuildRequest([]wifi.AccessPoint{ap(t, "00:11:22:33:44:55", -70), ap(t, "66:77:88:99:aa:bb", -40)}, tower)

	require.Len(t, req.WiFiAccessPoints, 2)
	assert.Equal(t, "66:77:88:99:aa:bb", req.WiFiAccessPoints[0].MACAddress, "strongest first")
	assert.Equal(t, -40.0, req.WiFiAccessPoints[0].SignalStrength)
	assert.Equal(t, 11, req.WiFiAccessPoints[0].Channel)

	require.Len(t, req.CellTowers, 1)
	assert.Equal(t, 240, req.CellTowers[0].MobileCountryCode)
	assert.Equal(t, 1, req.CellTowers[0].MobileNetworkCode)
	assert.Equal(t, 42, req.CellTowers[0].LocationAreaCode)
	assert.Equal(t, 123456, req.CellTowers[0].CellID)
	assert.Equal(t, maps.RadioType("lte"), req.RadioType)
	assert.False(t, req.ConsiderIP)
}

func TestBuildRequestConsidersIPOnlyWithoutSignals(t *testing.T) {
	p := testProvider(&fakeGeolocator{}, nil)

	assert.True(t, p.BuildRequest(nil, nil).ConsiderIP)
	assert.True(t, p.BuildRequest(nil, &pkg.Tower{Tec: pkg.TowerTec4G}).ConsiderIP, "a tower without operator code is dropped")
	assert.False(t, p.BuildRequest(nil, &pkg.Tower{Tec: pkg.TowerTec2G, OPC: "262002", LAC: 1, CellID: 2}).ConsiderIP)
}

func TestBuildRequestLimitsAccessPoints(t *testing.T) {
	p := testProvider(&fakeGeolocator{}, func(c *Config) { c.MaxAccessPoints = 2 })
	aps := []wifi.AccessPoint{
		ap(t, "00:00:00:00:00:01", -80),
		ap(t, "00:00:00:00:00:02", -50),
		ap(t, "00:00:00:00:00:03", -60),
	}
	req := p.BuildRequest(aps, nil)
	require.Len(t, req.WiFiAccessPoints, 2)
	assert.Equal(t, "00:00:00:00:00:02", req.WiFiAccessPoints[0].MACAddress)
	assert.Equal(t, "00:00:00:00:00:03", req.WiFiAccessPoints[1].MACAddress)
}

func TestQueryMapsResult(t *testing.T) {
	client := &fakeGeolocator{result: &maps.GeolocationResult{Location: maps.LatLng{Lat: 59.33, Lng: 18.07}, Accuracy: 35}}
	p := testProvider(client, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	loc, err := p.Query(context.Background(), []wifi.AccessPoint{ap(t, "00:11:22:33:44:55", -50)}, nil, pkg.AccuracyStreet)
	require.NoError(t, err)
	assert.Equal(t, 59.33, loc.Latitude)
	assert.Equal(t, 18.07, loc.Longitude)
	assert.Equal(t, 35.0, loc.Accuracy)
	assert.Equal(t, now, loc.Timestamp)
	assert.Equal(t, Description, loc.Description)
}

func TestQueryWithoutSignalsHonoursIPFallback(t *testing.T) {
	client := &fakeGeolocator{result: &maps.GeolocationResult{Accuracy: 20000}}

	_, err := testProvider(client, func(c *Config) { c.AllowIPFallback = false }).Query(context.Background(), nil, nil, pkg.AccuracyCity)
	assert.ErrorIs(t, err, ErrNoSignals)
	assert.Empty(t, client.requests)

	loc, err := testProvider(client, nil).Query(context.Background(), nil, nil, pkg.AccuracyCity)
	require.NoError(t, err)
	assert.Equal(t, 20000.0, loc.Accuracy)
	require.Len(t, client.requests, 1)
	assert.True(t, client.requests[0].ConsiderIP)
}

func TestQueryOpensCircuitAfterFailures(t *testing.T) {
	client := &fakeGeolocator{err: errors.New("maps: 429 rate limited")}
	var transitions []string
	p := testProvider(client, func(c *Config) { c.FailureThreshold = 3 })
	p.OnStateChange(func(from, to string) { transitions = append(transitions, from+"->"+to) })

	aps := []wifi.AccessPoint{ap(t, "00:11:22:33:44:55", -50)}
	for i := 0; i < 3; i++ {
		_, err := p.Query(context.Background(), aps, nil, pkg.AccuracyStreet)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, "open", p.BreakerState())
	assert.Equal(t, []string{"closed->open"}, transitions)

	_, err := p.Query(context.Background(), aps, nil, pkg.AccuracyStreet)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, client.requests, 3, "open circuit does not call the API")
}

func TestQueryCancellationDoesNotTripCircuit(t *testing.T) {
	client := &fakeGeolocator{block: true}
	p := testProvider(client, func(c *Config) { c.FailureThreshold = 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Query(ctx, []wifi.AccessPoint{ap(t, "00:11:22:33:44:55", -50)}, nil, pkg.AccuracyStreet)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", p.BreakerState())
}

func TestNewProviderRequiresKey(t *testing.T) {
	_, err := NewProvider(Config{}, logx.NewLogger("error", "test"))
	assert.Error(t, err)

	p, err := NewProvider(Config{APIKey: "AIza-test"}, logx.NewLogger("error", "test"))
	require.NoError(t, err)
	assert.Equal(t, "closed", p.BreakerState())
}
