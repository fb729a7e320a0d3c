// Package store persists learned rules and document sessions.
//
// Two backends are provided:
//   - memory: maps behind a mutex, used in tests and when no data path is
//     configured.
//   - bbolt: an embedded key-value file, used in production. One file holds
//     both the rules and the sessions bucket.
//
// Records are CBOR; session snapshots are additionally zstd-compressed.
package store

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"ghostlayer/internal/logger"
)

// ErrNotFound is returned when a rule or session does not exist.
var ErrNotFound = errors.New("not found")

const (
	rulesBucket    = "rules"
	sessionsBucket = "sessions"
)

// DB is an open bbolt file.
type DB struct {
	db  *bolt.DB
	log *logger.Logger
}

// Open opens (or creates) the database at path and ensures its buckets exist.
func Open(path string, log *logger.Logger) (*DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{rulesBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	log.Infof("store_open", "store opened at %s", path)
	return &DB{db: db, log: log}, nil
}

// Rules returns the rule store backed by this file.
func (d *DB) Rules() *RuleStore {
	return &RuleStore{backend: &boltRules{db: d.db}, log: d.log}
}

// Sessions returns the session store backed by this file.
func (d *DB) Sessions() SessionStore {
	return &boltSessions{db: d.db}
}

// Close releases the file lock.
func (d *DB) Close() error {
	return d.db.Close()
}
