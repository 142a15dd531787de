// Package buffer persists pending reports while the remote daily quota is
// exhausted, keyed by address with at most one entry per address.
package buffer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/fwsentry/ufw-abuse-reporter/internal/domain"
)

const bucketName = "pending_reports"

// Store is a BoltDB-backed pending-report queue. Bolt's transactional writes
// give the write-new-then-replace durability the buffer needs without any
// file juggling of our own.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the buffer database at the given path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A lock timeout means another reporter process holds the file,
		// usually after a previous instance was killed without shutdown.
		return nil, fmt.Errorf("failed to open buffer db (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().
		Str("db_path", path).
		Msg("Bulk buffer store initialized")

	return &Store{db: db}, nil
}

// Enqueue stores a pending report unless one already exists for the address.
// Returns true when the report was stored, false when the address was already
// pending (the first-seen payload wins and the call is a no-op).
func (s *Store) Enqueue(report domain.PendingReport) (bool, error) {
	stored := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		key := []byte(report.IP)
		if b.Get(key) != nil {
			return nil
		}

		val, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to marshal pending report: %w", err)
		}

		stored = true
		return b.Put(key, val)
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue pending report: %w", err)
	}

	if stored {
		log.Debug().
			Str("ip", report.IP).
			Str("categories", report.Categories).
			Msg("Pending report buffered")
	}

	return stored, nil
}

// All returns every pending report in key order. Malformed values are skipped
// with a warning rather than failing the whole read.
func (s *Store) All() ([]domain.PendingReport, error) {
	var reports []domain.PendingReport

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		return b.ForEach(func(k, v []byte) error {
			var report domain.PendingReport
			if err := json.Unmarshal(v, &report); err != nil {
				log.Warn().Str("ip", string(k)).Err(err).Msg("Skipping malformed pending report")
				return nil
			}
			reports = append(reports, report)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reports: %w", err)
	}

	return reports, nil
}

// Len returns the number of pending reports
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reports: %w", err)
	}
	return n, nil
}

// Clear removes all pending reports, called after a successful bulk flush
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear pending reports: %w", err)
	}

	log.Info().Msg("Bulk buffer cleared")
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	log.Info().Msg("Closing bulk buffer store")
	return s.db.Close()
}
