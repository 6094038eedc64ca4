package store

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/entanglehq/entangle/pkg/models"
)

// ReplaceEntities swaps the entity catalog for the one extraction just
// produced. The delete and insert share one transaction, so readers see
// the previous catalog or the new one, never a mixture.
func (s *Store) ReplaceEntities(entities []models.Entity) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM entities`); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "clear entities")
		}
		if len(entities) == 0 {
			return nil
		}
		if _, err := tx.NamedExec(`
			INSERT INTO entities (id, kind, qualified_name, parent_id, at_head)
			VALUES (:id, :kind, :qualified_name, :parent_id, :at_head)`,
			entities); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "insert entities")
		}
		return nil
	})
}

// FileByPath resolves a file entity by its current qualified name.
// Absence is a FILE_NOT_FOUND error, never an empty result.
func (s *Store) FileByPath(path string) (*models.Entity, error) {
	var e models.Entity
	err := s.db.Get(&e, `SELECT * FROM entities WHERE qualified_name = ? AND kind = 'file'`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrFileNotFound, "no file entity for %q", path)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "file by path")
	}
	return &e, nil
}

// FileIDs returns the ids of all file entities.
func (s *Store) FileIDs() ([]int64, error) {
	var ids []int64
	if err := s.db.Select(&ids, `SELECT id FROM entities WHERE kind = 'file' ORDER BY id`); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list file ids")
	}
	return ids, nil
}

// PathsByID returns qualified names for file entities, keyed by id.
func (s *Store) PathsByID() (map[int64]string, error) {
	rows, err := s.db.Queryx(`SELECT id, qualified_name FROM entities WHERE kind = 'file'`)
	if err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list file paths")
	}
	defer rows.Close()

	paths := make(map[int64]string)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, models.WrapError(models.ErrStoreReadFailed, err, "scan file path")
		}
		paths[id] = name
	}
	return paths, nil
}

// ReplaceLineage writes the full lineage record sequence.
func (s *Store) ReplaceLineage(records []models.LineageRecord) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM lineage`); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "clear lineage")
		}
		if len(records) == 0 {
			return nil
		}
		if _, err := tx.NamedExec(`
			INSERT INTO lineage (file_id, path, start_commit, end_commit)
			VALUES (:file_id, :path, :start_commit, :end_commit)`,
			records); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "insert lineage")
		}
		return nil
	})
}

// LineageOf returns the lineage records for the file behind path, ordered
// by insertion.
func (s *Store) LineageOf(fileID int64) ([]models.LineageRecord, error) {
	var records []models.LineageRecord
	if err := s.db.Select(&records,
		`SELECT * FROM lineage WHERE file_id = ? ORDER BY rowid`, fileID); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "lineage of %d", fileID)
	}
	return records, nil
}
