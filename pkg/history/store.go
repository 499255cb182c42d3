// Package history keeps published locations in a sqlite database
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/locate"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// Entry is one recorded location
type Entry struct {
	ID       int64        `json:"id"`
	Level    string       `json:"accuracy_level"`
	Location pkg.Location `json:"location"`
}

// Config for the history store
type Config struct {
	DatabasePath string        `json:"database_path"`
	MaxEntries   int           `json:"max_entries"`
	Retention    time.Duration `json:"retention"`
	// MinInterval drops records of the same tier arriving sooner than this
	MinInterval time.Duration `json:"min_interval"`
}

// Store records locations
type Store struct {
	db     *sql.DB
	logger *logx.Logger
	config Config

	mu         sync.Mutex
	lastRecord map[string]time.Time
}

// Open creates or opens the history database
func Open(config Config, logger *logx.Logger) (*Store, error) {
	if config.DatabasePath == "" {
		config.DatabasePath = "/var/lib/geolocd/history.db"
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.Retention <= 0 {
		config.Retention = 7 * 24 * time.Hour
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, config: config, lastRecord: make(map[string]time.Time)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("history_store_initialized",
		"database_path", config.DatabasePath,
		"max_entries", config.MaxEntries,
		"retention", config.Retention.String(),
	)
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS locations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at INTEGER NOT NULL,
		accuracy_level TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		accuracy REAL NOT NULL,
		altitude REAL,
		speed REAL,
		heading REAL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_locations_recorded_at ON locations(recorded_at);
	`)
	return err
}

// Name identifies the store as a publish sink
func (s *Store) Name() string {
	return "history"
}

// Publish records a coordinator event, rate limited per tier
func (s *Store) Publish(ctx context.Context, ev locate.Event) error {
	level := ev.Level.String()
	s.mu.Lock()
	last, seen := s.lastRecord[level]
	if seen && s.config.MinInterval > 0 && ev.Location.Timestamp.Sub(last) < s.config.MinInterval {
		s.mu.Unlock()
		return nil
	}
	s.lastRecord[level] = ev.Location.Timestamp
	s.mu.Unlock()

	return s.Record(ctx, level, ev.Location)
}

// Record inserts one location
func (s *Store) Record(ctx context.Context, level string, loc pkg.Location) error {
	ts := loc.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO locations (
		recorded_at, accuracy_level, latitude, longitude, accuracy,
		altitude, speed, heading, description
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UnixMilli(), level, loc.Latitude, loc.Longitude, loc.Accuracy,
		nullFloat(loc.Altitude), nullFloat(loc.Speed), nullFloat(loc.Heading), loc.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to record location: %w", err)
	}
	s.logger.LogDebugVerbose("location_recorded", map[string]interface{}{
		"accuracy_level": level,
		"source":         loc.Description,
	})
	return nil
}

// Recent returns up to limit entries, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, recorded_at, accuracy_level, latitude, longitude, accuracy,
		altitude, speed, heading, description
	FROM locations
	ORDER BY recorded_at DESC, id DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                       Entry
			recordedAt              int64
			altitude, speed, course sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &recordedAt, &e.Level, &e.Location.Latitude, &e.Location.Longitude,
			&e.Location.Accuracy, &altitude, &speed, &course, &e.Location.Description); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Location.Timestamp = time.UnixMilli(recordedAt)
		e.Location.Altitude = floatPtr(altitude)
		e.Location.Speed = floatPtr(speed)
		e.Location.Heading = floatPtr(course)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Purge removes entries older than the cutoff and trims to MaxEntries
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM locations WHERE recorded_at < ?", olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge history: %w", err)
	}
	removed, _ := result.RowsAffected()

	result, err = s.db.ExecContext(ctx, `
	DELETE FROM locations WHERE id NOT IN (
		SELECT id FROM locations ORDER BY recorded_at DESC, id DESC LIMIT ?
	)`, s.config.MaxEntries)
	if err != nil {
		return removed, fmt.Errorf("failed to trim history: %w", err)
	}
	trimmed, _ := result.RowsAffected()
	removed += trimmed

	if removed > 0 {
		s.logger.Info("history_purged", "removed", removed, "cutoff", olderThan.Format(time.RFC3339))
	}
	return removed, nil
}

// PurgeExpired applies the configured retention
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	return s.Purge(ctx, time.Now().Add(-s.config.Retention))
}

// Count returns the number of stored entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM locations").Scan(&n)
	return n, err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
