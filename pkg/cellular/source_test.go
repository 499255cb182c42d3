package cellular

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/wifi"
)

type fakeLocator struct {
	mu     sync.Mutex
	calls  int
	towers []pkg.Tower
	err    error
}

func (l *fakeLocator) Query(ctx context.Context, aps []wifi.AccessPoint, tower *pkg.Tower, level pkg.AccuracyLevel) (pkg.Location, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if tower != nil {
		l.towers = append(l.towers, *tower)
	}
	if l.err != nil {
		return pkg.Location{}, l.err
	}
	return pkg.Location{Latitude: 59.3, Longitude: 18.1, Accuracy: 1500, Description: "google"}, nil
}

func (l *fakeLocator) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestSourceResolvesTowerChanges(t *testing.T) {
	caller := newFakeCaller()
	caller.set("mobiled", lteStatus)
	monitor := NewMonitor(caller, testLogger())
	locator := &fakeLocator{}
	src := NewSource(monitor, locator, nil, testLogger())

	got := make(chan pkg.Location, 4)
	src.Subscribe(func(l pkg.Location) { got <- l })
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	require.NoError(t, monitor.Poll(context.Background()))
	select {
	case l := <-got:
		assert.Equal(t, 59.3, l.Latitude)
		assert.False(t, l.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no location delivered")
	}
	require.Len(t, locator.towers, 1)
	assert.Equal(t, uint64(123456), locator.towers[0].CellID)

	_, ok := src.CurrentLocation()
	assert.True(t, ok)
	assert.Equal(t, pkg.AccuracyNeighborhood, src.AvailableAccuracy(true))
	assert.Equal(t, pkg.AccuracyNone, src.AvailableAccuracy(false))
}

func TestSourceUsesStore(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "towers.db"), 0, testLogger())
	require.NoError(t, err)
	defer store.Close()

	locator := &fakeLocator{}
	src := NewSource(NewMonitor(newFakeCaller(), testLogger()), locator, store, testLogger())
	tower := pkg.Tower{Tec: pkg.TowerTec4G, OPC: "240001", LAC: 42, CellID: 1}

	first, err := src.Locate(context.Background(), tower)
	require.NoError(t, err)
	second, err := src.Locate(context.Background(), tower)
	require.NoError(t, err)

	assert.Equal(t, 1, locator.callCount())
	assert.Equal(t, first.Latitude, second.Latitude)
	assert.Equal(t, 1, store.Len())
}

func TestSourceQueryFailureKeepsState(t *testing.T) {
	caller := newFakeCaller()
	caller.set("mobiled", lteStatus)
	monitor := NewMonitor(caller, testLogger())
	locator := &fakeLocator{err: errors.New("quota exceeded")}
	src := NewSource(monitor, locator, nil, testLogger())
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	require.NoError(t, monitor.Poll(context.Background()))
	assert.Equal(t, 1, locator.callCount())
	_, ok := src.CurrentLocation()
	assert.False(t, ok)
}

func TestSourceStopIsReferenceCounted(t *testing.T) {
	caller := newFakeCaller()
	caller.set("mobiled", lteStatus)
	monitor := NewMonitor(caller, testLogger())
	locator := &fakeLocator{}
	src := NewSource(monitor, locator, nil, testLogger())

	require.NoError(t, src.Start(context.Background()))
	require.NoError(t, src.Start(context.Background()))
	assert.ErrorIs(t, src.Stop(), wifi.ErrStillInUse)
	require.NoError(t, src.Stop())

	require.NoError(t, monitor.Poll(context.Background()))
	assert.Equal(t, 0, locator.callCount(), "stopped sources ignore tower changes")
}
