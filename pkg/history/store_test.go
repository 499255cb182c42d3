package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/locate"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "history.db")
	s, err := Open(cfg, logx.NewLogger("error", "test"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t, Config{})
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	alt, speed := 21.5, 3.0
	require.NoError(t, s.Record(ctx, "exact", pkg.Location{Latitude: 59.1, Longitude: 18.1, Accuracy: 3, Altitude: &alt, Speed: &speed, Timestamp: base, Description: "gpsd"}))
	require.NoError(t, s.Record(ctx, "city", pkg.Location{Latitude: 59.2, Longitude: 18.2, Accuracy: 15000, Timestamp: base.Add(time.Minute), Description: "wifi"}))

	entries, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "city", entries[0].Level, "newest first")
	assert.Nil(t, entries[0].Location.Altitude)

	exact := entries[1].Location
	assert.Equal(t, 59.1, exact.Latitude)
	assert.Equal(t, "gpsd", exact.Description)
	require.NotNil(t, exact.Altitude)
	assert.Equal(t, 21.5, *exact.Altitude)
	require.NotNil(t, exact.Speed)
	assert.Nil(t, exact.Heading)
	assert.True(t, base.Equal(exact.Timestamp))

	entries, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPurge(t *testing.T) {
	s := openTestStore(t, Config{MaxEntries: 2})
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Record(ctx, "street", pkg.Location{Latitude: float64(i), Timestamp: base.Add(time.Duration(i) * time.Hour)}))
	}

	removed, err := s.Purge(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Record(ctx, "street", pkg.Location{Latitude: 9, Timestamp: base.Add(5 * time.Hour)}))
	removed, err = s.Purge(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed, "trimmed to max entries")

	entries, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 9.0, entries[0].Location.Latitude)
	assert.Equal(t, 3.0, entries[1].Location.Latitude)
}

func TestPublishRateLimitsPerTier(t *testing.T) {
	s := openTestStore(t, Config{MinInterval: time.Minute})
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	publish := func(level pkg.AccuracyLevel, at time.Time) {
		require.NoError(t, s.Publish(ctx, locate.Event{Level: level, Location: pkg.Location{Timestamp: at}}))
	}
	publish(pkg.AccuracyExact, base)
	publish(pkg.AccuracyExact, base.Add(10*time.Second))
	publish(pkg.AccuracyCity, base.Add(10*time.Second))
	publish(pkg.AccuracyExact, base.Add(2*time.Minute))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "history", s.Name())
}
