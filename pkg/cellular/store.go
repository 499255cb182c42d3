package cellular

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

const (
	towersBucket = "towers"

	// DefaultStoreMaxAge is how long a resolved tower location is trusted
	DefaultStoreMaxAge = 7 * 24 * time.Hour
)

// Store persists tower locations across restarts
type Store struct {
	logger *logx.Logger
	db     *bolt.DB
	maxAge time.Duration
}

type storedLocation struct {
	Location pkg.Location `json:"location"`
	CachedAt time.Time    `json:"cached_at"`
}

// OpenStore opens or creates the tower database at path
func OpenStore(path string, maxAge time.Duration, logger *logx.Logger) (*Store, error) {
	if maxAge <= 0 {
		maxAge = DefaultStoreMaxAge
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tower store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open tower store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(towersBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", towersBucket, err)
	}

	s := &Store{logger: logger, db: db, maxAge: maxAge}
	logger.Info("Tower store opened", "path", path, "entries", s.Len(), "max_age", maxAge.String())
	return s, nil
}

func towerKey(t pkg.Tower) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d:%d", t.Tec, t.OPC, t.LAC, t.CellID))
}

// Get returns the stored location for tower unless it has expired
func (s *Store) Get(t pkg.Tower, now time.Time) (pkg.Location, bool, error) {
	var (
		entry storedLocation
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(towersBucket)).Get(towerKey(t))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal tower entry: %w", err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return pkg.Location{}, false, err
	}
	if now.Sub(entry.CachedAt) > s.maxAge {
		return pkg.Location{}, false, nil
	}
	return entry.Location, true, nil
}

// Put stores the location of tower
func (s *Store) Put(t pkg.Tower, loc pkg.Location, now time.Time) error {
	data, err := json.Marshal(storedLocation{Location: loc, CachedAt: now})
	if err != nil {
		return fmt.Errorf("failed to marshal tower entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(towersBucket)).Put(towerKey(t), data)
	})
}

// Prune deletes expired entries and returns how many were removed
func (s *Store) Prune(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(towersBucket))
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var entry storedLocation
			if err := json.Unmarshal(v, &entry); err != nil || now.Sub(entry.CachedAt) > s.maxAge {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune tower store: %w", err)
	}
	if removed > 0 {
		s.logger.Debug("Pruned tower store", "removed", removed)
	}
	return removed, nil
}

// Len returns the number of stored towers
func (s *Store) Len() int {
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(towersBucket)).Stats().KeyN
		return nil
	})
	return n
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}
