package cellular

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

type fakeCaller struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{responses: make(map[string]string), errs: make(map[string]error)}
}

func (c *fakeCaller) set(object, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[object] = body
	delete(c.errs, object)
}

func (c *fakeCaller) fail(object string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[object] = err
}

func (c *fakeCaller) CallInto(ctx context.Context, object, method string, params, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[object]; err != nil {
		return err
	}
	body, ok := c.responses[object]
	if !ok {
		return errors.New("object not found")
	}
	return json.Unmarshal([]byte(body), out)
}

func testLogger() *logx.Logger {
	return logx.NewLogger("error", "test")
}

const lteStatus = `{"device":{"network":{"mcc":"240","mnc":"1","lac":"100","tac":"0x2A","cellid":"123456","technology":"LTE"}}}`

func TestMapTechnology(t *testing.T) {
	tests := []struct {
		in   string
		want pkg.TowerTec
	}{
		{"GSM", pkg.TowerTec2G},
		{"gprs", pkg.TowerTec2G},
		{"EDGE", pkg.TowerTec2G},
		{"UMTS", pkg.TowerTec3G},
		{"WCDMA", pkg.TowerTec3G},
		{"HSDPA", pkg.TowerTec3G},
		{"HSUPA", pkg.TowerTec3G},
		{"HSPA", pkg.TowerTec3G},
		{"HSPA+", pkg.TowerTec3G},
		{"LTE", pkg.TowerTec4G},
		{"4G", pkg.TowerTec4G},
		{"5G-NSA", pkg.TowerTecUnknown},
		{"", pkg.TowerTecUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MapTechnology(tt.in))
		})
	}
}

func TestOperatorCode(t *testing.T) {
	opc, err := OperatorCode("240", "1")
	require.NoError(t, err)
	assert.Equal(t, "240001", opc)

	opc, err = OperatorCode("310", "260")
	require.NoError(t, err)
	assert.Equal(t, "310260", opc)

	_, err = OperatorCode("1000", "1")
	assert.Error(t, err)
	_, err = OperatorCode("", "1")
	assert.Error(t, err)
}

func TestReadTowerFromMobiled(t *testing.T) {
	caller := newFakeCaller()
	caller.set("mobiled", lteStatus)
	m := NewMonitor(caller, testLogger())

	tower, err := m.ReadTower(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pkg.Tower{Tec: pkg.TowerTec4G, OPC: "240001", LAC: 42, CellID: 123456}, tower)
	assert.Equal(t, "240", tower.MCC())
	assert.Equal(t, "001", tower.MNC())
}

func TestReadTowerNumericFields(t *testing.T) {
	caller := newFakeCaller()
	caller.set("mobiled", `{"device":{"network":{"mcc":244,"mnc":91,"lac":5001,"cellid":777,"technology":"UMTS"}}}`)
	m := NewMonitor(caller, testLogger())

	tower, err := m.ReadTower(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pkg.Tower{Tec: pkg.TowerTec3G, OPC: "244091", LAC: 5001, CellID: 777}, tower)
}

func TestReadTowerFallsBackToGSM(t *testing.T) {
	caller := newFakeCaller()
	caller.fail("mobiled", errors.New("ubus object not found"))
	caller.set("gsm", `{"mcc":"262","mnc":"02","lac":"1f4","cellid":"1A2B","technology":"GSM"}`)
	m := NewMonitor(caller, testLogger())

	tower, err := m.ReadTower(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pkg.Tower{Tec: pkg.TowerTec2G, OPC: "262002", LAC: 0x1f4, CellID: 0x1a2b}, tower)
}

func TestReadTowerUnavailable(t *testing.T) {
	caller := newFakeCaller()
	caller.set("mobiled", `{"device":{"network":{}}}`)
	caller.fail("gsm", errors.New("ubus object not found"))
	m := NewMonitor(caller, testLogger())

	_, err := m.ReadTower(context.Background())
	assert.ErrorIs(t, err, ErrNoServingCell)
}

func TestPollAnnouncesOnlyChanges(t *testing.T) {
	caller := newFakeCaller()
	caller.set("mobiled", lteStatus)
	m := NewMonitor(caller, testLogger())

	var seen []pkg.Tower
	unsubscribe := m.Subscribe(func(t pkg.Tower) { seen = append(seen, t) })
	defer unsubscribe()

	require.NoError(t, m.Poll(context.Background()))
	require.NoError(t, m.Poll(context.Background()))
	assert.Len(t, seen, 1, "an unchanged tower is not re-announced")

	caller.set("mobiled", `{"device":{"network":{"mcc":"240","mnc":"1","tac":"42","cellid":"654321","technology":"LTE"}}}`)
	require.NoError(t, m.Poll(context.Background()))
	require.Len(t, seen, 2)
	assert.Equal(t, uint64(654321), seen[1].CellID)

	tower, ok := m.CurrentTower()
	assert.True(t, ok)
	assert.Equal(t, uint64(654321), tower.CellID)
}

func TestPollFailureClearsTower(t *testing.T) {
	caller := newFakeCaller()
	caller.set("mobiled", lteStatus)
	m := NewMonitor(caller, testLogger())

	var seen []pkg.Tower
	m.Subscribe(func(t pkg.Tower) { seen = append(seen, t) })
	require.NoError(t, m.Poll(context.Background()))

	caller.fail("mobiled", errors.New("modem gone"))
	caller.fail("gsm", errors.New("modem gone"))
	assert.Error(t, m.Poll(context.Background()))
	assert.Error(t, m.Poll(context.Background()))

	require.Len(t, seen, 2, "loss is announced once")
	assert.Equal(t, pkg.TowerTecNoFix, seen[1].Tec)
	_, ok := m.CurrentTower()
	assert.False(t, ok)
}

func TestStoreRoundTripAndExpiry(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "towers.db"), time.Hour, testLogger())
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tower := pkg.Tower{Tec: pkg.TowerTec4G, OPC: "240001", LAC: 42, CellID: 123456}
	loc := pkg.Location{Latitude: 59.3, Longitude: 18.1, Accuracy: 1200, Timestamp: now, Description: "google"}

	_, ok, err := store.Get(tower, now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(tower, loc, now))
	assert.Equal(t, 1, store.Len())

	got, ok, err := store.Get(tower, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, loc.Latitude, got.Latitude)
	assert.Equal(t, loc.Accuracy, got.Accuracy)

	_, ok, err = store.Get(tower, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "expired entries are not served")

	other := tower
	other.CellID = 1
	_, ok, err = store.Get(other, now)
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := store.Prune(now.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, store.Len())
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "towers.db")
	now := time.Now()
	tower := pkg.Tower{Tec: pkg.TowerTec2G, OPC: "262002", LAC: 500, CellID: 6699}

	store, err := OpenStore(path, 0, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Put(tower, pkg.Location{Latitude: 52.5, Longitude: 13.4, Accuracy: 2000}, now))
	require.NoError(t, store.Close())

	store, err = OpenStore(path, 0, testLogger())
	require.NoError(t, err)
	defer store.Close()
	got, ok, err := store.Get(tower, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 52.5, got.Latitude)
}
