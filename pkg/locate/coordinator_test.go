package locate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/compass"
)

type coordFixture struct {
	coord *Coordinator
	wifi  *fakeSource
	gps   *fakeSource
	sink  *recordingSink
}

func newCoordFixture(t *testing.T, heading compass.HeadingReader) *coordFixture {
	t.Helper()
	f := &coordFixture{
		wifi: newFakeSource("wifi", pkg.AccuracyStreet),
		gps:  newFakeSource("gps", pkg.AccuracyExact),
		sink: &recordingSink{},
	}
	reg := NewRegistry([]Provider{
		{Name: "wifi", MinLevel: pkg.AccuracyCity, Build: func(pkg.AccuracyLevel) (Source, error) { return f.wifi, nil }},
		{Name: "gps", MinLevel: pkg.AccuracyExact, Build: func(pkg.AccuracyLevel) (Source, error) { return f.gps, nil }},
	}, testLogger())
	f.coord = NewCoordinator(Options{
		Registry: reg,
		Compass:  compass.New(heading, time.Second, testLogger()),
		Sinks:    []Sink{f.sink},
	}, testLogger())
	t.Cleanup(f.coord.Close)
	return f
}

func waitLocation(t *testing.T, ch <-chan pkg.Location) pkg.Location {
	t.Helper()
	select {
	case l := <-ch:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("no location delivered")
		return pkg.Location{}
	}
}

func TestCoordinatorPublishesBestLocation(t *testing.T) {
	f := newCoordFixture(t, nil)
	client, err := f.coord.Connect(context.Background(), pkg.AccuracyExact, ClientOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, client.ID)

	got := make(chan pkg.Location, 8)
	client.Subscribe(func(l pkg.Location) { got <- l })

	now := time.Now()
	f.wifi.emit(pkg.Location{Latitude: 59.1, Longitude: 18.1, Accuracy: 40, Timestamp: now, Description: "wifi"})
	l := waitLocation(t, got)
	assert.Equal(t, "wifi", l.Description)

	f.gps.emit(pkg.Location{Latitude: 59.2, Longitude: 18.2, Accuracy: 3, Timestamp: now.Add(time.Second), Description: "gpsd"})
	l = waitLocation(t, got)
	assert.Equal(t, "gpsd", l.Description)

	cur, ok := client.Location()
	require.True(t, ok)
	assert.Equal(t, 59.2, cur.Latitude)

	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, pkg.AccuracyExact, f.sink.snapshot()[1].Level)
}

func TestCoordinatorSkipsUnchangedLocation(t *testing.T) {
	f := newCoordFixture(t, nil)
	client, err := f.coord.Connect(context.Background(), pkg.AccuracyStreet, ClientOptions{})
	require.NoError(t, err)
	got := make(chan pkg.Location, 8)
	client.Subscribe(func(l pkg.Location) { got <- l })

	now := time.Now()
	loc := pkg.Location{Latitude: 59.1, Longitude: 18.1, Accuracy: 40, Timestamp: now}
	f.wifi.emit(loc)
	waitLocation(t, got)

	loc.Timestamp = now.Add(time.Second)
	f.wifi.emit(loc)
	f.wifi.emit(pkg.Location{Latitude: 59.3, Longitude: 18.1, Accuracy: 40, Timestamp: now.Add(2 * time.Second)})
	l := waitLocation(t, got)
	assert.Equal(t, 59.3, l.Latitude, "the repeated position is not re-published")
	require.Eventually(t, func() bool { return len(f.sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 59.3, f.sink.snapshot()[1].Location.Latitude)
}

func TestCoordinatorScramblesCoarseTiers(t *testing.T) {
	f := newCoordFixture(t, nil)
	client, err := f.coord.Connect(context.Background(), pkg.AccuracyCity, ClientOptions{})
	require.NoError(t, err)
	got := make(chan pkg.Location, 4)
	client.Subscribe(func(l pkg.Location) { got <- l })

	raw := pkg.Location{Latitude: 59.3293, Longitude: 18.0686, Accuracy: 30, Timestamp: time.Now()}
	f.wifi.emit(raw)
	l := waitLocation(t, got)
	assert.Equal(t, pkg.AccuracyRadiusCity, l.Accuracy)
	assert.True(t, Scramble(raw, pkg.AccuracyCity).SamePosition(l))

	users, _, _ := f.gps.state()
	assert.Equal(t, 0, users, "gps is not started below exact")
}

func TestCoordinatorAppliesCompassHeading(t *testing.T) {
	f := newCoordFixture(t, fakeHeading{heading: 123})
	client, err := f.coord.Connect(context.Background(), pkg.AccuracyExact, ClientOptions{})
	require.NoError(t, err)
	got := make(chan pkg.Location, 4)
	client.Subscribe(func(l pkg.Location) { got <- l })

	f.gps.emit(pkg.Location{Latitude: 59.2, Longitude: 18.2, Accuracy: 3, Timestamp: time.Now()})
	l := waitLocation(t, got)
	require.NotNil(t, l.Heading)
	assert.Equal(t, 123.0, *l.Heading)
}

func TestCoordinatorMovementFromFixes(t *testing.T) {
	f := newCoordFixture(t, nil)
	client, err := f.coord.Connect(context.Background(), pkg.AccuracyStreet, ClientOptions{})
	require.NoError(t, err)
	got := make(chan pkg.Location, 4)
	client.Subscribe(func(l pkg.Location) { got <- l })

	start := time.Now()
	f.wifi.emit(pkg.Location{Latitude: 59, Longitude: 18, Accuracy: 20, Timestamp: start})
	first := waitLocation(t, got)
	assert.Nil(t, first.Speed)

	f.wifi.emit(pkg.Location{Latitude: 59 + 100/metersPerDegree, Longitude: 18, Accuracy: 20, Timestamp: start.Add(10 * time.Second)})
	second := waitLocation(t, got)
	require.NotNil(t, second.Speed)
	assert.InDelta(t, 10, *second.Speed, 0.1)
	require.NotNil(t, second.Heading)
	assert.InDelta(t, 0, *second.Heading, 0.5)
}

func TestClientThresholds(t *testing.T) {
	f := newCoordFixture(t, nil)
	client, err := f.coord.Connect(context.Background(), pkg.AccuracyStreet, ClientOptions{DistanceThreshold: 1000})
	require.NoError(t, err)
	got := make(chan pkg.Location, 4)
	client.Subscribe(func(l pkg.Location) { got <- l })

	now := time.Now()
	f.wifi.emit(pkg.Location{Latitude: 59, Longitude: 18, Accuracy: 20, Timestamp: now})
	waitLocation(t, got)

	f.wifi.emit(pkg.Location{Latitude: 59.001, Longitude: 18, Accuracy: 20, Timestamp: now.Add(time.Second)})
	f.wifi.emit(pkg.Location{Latitude: 59.1, Longitude: 18, Accuracy: 20, Timestamp: now.Add(2 * time.Second)})
	l := waitLocation(t, got)
	assert.Equal(t, 59.1, l.Latitude, "the 111 m move was filtered")
}

func TestCoordinatorReleasesTierOnLastClient(t *testing.T) {
	f := newCoordFixture(t, nil)
	a, err := f.coord.Connect(context.Background(), pkg.AccuracyExact, ClientOptions{})
	require.NoError(t, err)
	b, err := f.coord.Connect(context.Background(), pkg.AccuracyExact, ClientOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, f.coord.ClientCount())

	a.Close()
	users, _, subs := f.gps.state()
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, subs)

	b.Close()
	users, _, subs = f.gps.state()
	assert.Equal(t, 0, users)
	assert.Equal(t, 0, subs)
	assert.Equal(t, 0, f.coord.ClientCount())
	b.Close()
}

func TestCoordinatorLocationServesLowerTiers(t *testing.T) {
	f := newCoordFixture(t, nil)
	client, err := f.coord.Connect(context.Background(), pkg.AccuracyExact, ClientOptions{})
	require.NoError(t, err)
	got := make(chan pkg.Location, 4)
	client.Subscribe(func(l pkg.Location) { got <- l })

	_, ok := f.coord.Location(pkg.AccuracyCity)
	assert.False(t, ok)

	raw := pkg.Location{Latitude: 59.3293, Longitude: 18.0686, Accuracy: 3, Timestamp: time.Now()}
	f.gps.emit(raw)
	waitLocation(t, got)

	exact, ok := f.coord.Location(pkg.AccuracyExact)
	require.True(t, ok)
	assert.Equal(t, 59.3293, exact.Latitude)

	city, ok := f.coord.Location(pkg.AccuracyCity)
	require.True(t, ok)
	assert.Equal(t, pkg.AccuracyRadiusCity, city.Accuracy)

	assert.Equal(t, pkg.AccuracyExact, f.coord.AvailableAccuracy(true))
	statuses := f.coord.Sources(true)
	require.Len(t, statuses, 2)
	assert.Equal(t, "exact", statuses[0].Tier)
}

func TestCoordinatorRejectsUnknownTierAndClosed(t *testing.T) {
	f := newCoordFixture(t, nil)
	_, err := f.coord.Connect(context.Background(), pkg.AccuracyNone, ClientOptions{})
	assert.ErrorIs(t, err, ErrUnknownTier)

	f.coord.Close()
	_, err = f.coord.Connect(context.Background(), pkg.AccuracyCity, ClientOptions{})
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
}
