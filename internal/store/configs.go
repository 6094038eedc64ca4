package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/entanglehq/entangle/pkg/models"
)

// ConfigRecord is a versioned, named configuration snapshot scoped to a
// repository. At most one is active per repository.
type ConfigRecord struct {
	ID        string    `db:"id"`
	Repo      string    `db:"repo"`
	Name      string    `db:"name"`
	Payload   string    `db:"payload"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

// SaveConfig stores a configuration snapshot and marks it active,
// deactivating any prior active configuration for the repository.
// Historical run records keep referencing their own config ids.
func (s *Store) SaveConfig(rec *ConfigRecord) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`UPDATE configs SET active = 0 WHERE repo = ?`, rec.Repo); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "deactivate configs")
		}
		if _, err := tx.NamedExec(`
			INSERT INTO configs (id, repo, name, payload, active, created_at)
			VALUES (:id, :repo, :name, :payload, 1, :created_at)
			ON CONFLICT (id) DO UPDATE SET active = 1`,
			rec); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "insert config")
		}
		return nil
	})
}

// GetConfig fetches a configuration snapshot by id.
func (s *Store) GetConfig(id string) (*ConfigRecord, error) {
	var rec ConfigRecord
	err := s.db.Get(&rec, `SELECT * FROM configs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrParamInvalid, "no config %s", id)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "get config")
	}
	return &rec, nil
}

// ActiveConfig returns the active configuration for a repository, if any.
func (s *Store) ActiveConfig(repo string) (*ConfigRecord, error) {
	var rec ConfigRecord
	err := s.db.Get(&rec, `SELECT * FROM configs WHERE repo = ? AND active = 1`, repo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "active config")
	}
	return &rec, nil
}
