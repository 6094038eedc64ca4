// Package store owns the per-repository analytic state: an embedded
// relational database for entities, edges and derived views, plus a
// columnar sidecar for bulk commit and change rows.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/entanglehq/entangle/pkg/models"
)

// Store is the single cross-component shared mutable resource. It is
// partitioned per repository: one Store handle owns one directory.
// Writes are serialised through a writer mutex; reads are concurrent.
type Store struct {
	db      *sqlx.DB
	dir     string
	sidecar *Sidecar
	log     *logrus.Logger

	writeMu sync.Mutex
}

// Open opens (or creates) the per-repository store at dir and verifies the
// schema version, failing fast on a mismatch.
func Open(dir string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.WrapError(models.ErrStoreWriteFailed, err, "create store directory")
	}

	db, err := sqlx.Connect("sqlite3", filepath.Join(dir, "analysis.db")+"?_busy_timeout=5000")
	if err != nil {
		return nil, models.WrapError(models.ErrStoreWriteFailed, err, "open database")
	}
	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")

	s := &Store{db: db, dir: dir, log: log}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	sidecar, err := OpenSidecar(filepath.Join(dir, "columnar"))
	if err != nil {
		db.Close()
		return nil, err
	}
	s.sidecar = sidecar
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return models.WrapError(models.ErrStoreWriteFailed, err, "apply schema")
	}

	var stored string
	err := s.db.Get(&stored, `SELECT value FROM meta WHERE key = 'schema_version'`)
	switch {
	case err == nil:
		v, convErr := strconv.Atoi(stored)
		if convErr != nil || v != SchemaVersion {
			return models.NewError(models.ErrStoreReadFailed,
				"schema version mismatch: store has %s, engine expects %d", stored, SchemaVersion)
		}
	default:
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`,
			fmt.Sprint(SchemaVersion)); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "record schema version")
		}
	}
	return nil
}

// Sidecar exposes the columnar sidecar for bulk history rows.
func (s *Store) Sidecar() *Sidecar {
	return s.sidecar
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a write transaction, serialised against other
// writers. Rollback on error is unconditional.
func (s *Store) withTx(fn func(tx *sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return models.WrapError(models.ErrStoreWriteFailed, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.WrapError(models.ErrStoreWriteFailed, err, "commit transaction")
	}
	return nil
}

// TruncateHistory clears the raw commit and change rows (and the sidecar)
// at the start of a run. Entities, edges and derived views stay untouched:
// each is rewritten atomically by its own Replace call later in the
// pipeline, so readers keep seeing the last completed run's state until
// the new run actually produces a replacement.
func (s *Store) TruncateHistory() error {
	err := s.withTx(func(tx *sqlx.Tx) error {
		for _, table := range []string{"changes", "commits"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return models.WrapError(models.ErrStoreWriteFailed, err, "truncate %s", table)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.sidecar.Reset()
}
