package store

import (
	"github.com/jmoiron/sqlx"

	"github.com/entanglehq/entangle/pkg/models"
)

// WriteCommitBatch persists a batch of commits with their change rows in
// one transaction and mirrors the rows into the columnar sidecar. The
// sidecar write happens after the transaction commits; a crash between the
// two is repaired by the truncation step at the start of the next run.
func (s *Store) WriteCommitBatch(commits []models.Commit, changes []models.Change) error {
	if len(commits) == 0 {
		return nil
	}

	err := s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExec(`
			INSERT INTO commits (id, vcs_object_id, author_name, author_email,
				author_time, committer_time, message, is_merge, parent_count, size)
			VALUES (:id, :vcs_object_id, :author_name, :author_email,
				:author_time, :committer_time, :message, :is_merge, :parent_count, :size)`,
			commits); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "insert commits")
		}
		if len(changes) > 0 {
			if _, err := tx.NamedExec(`
				INSERT INTO changes (commit_id, file_id, kind, lines_added, lines_deleted, prior_path)
				VALUES (:commit_id, :file_id, :kind, :lines_added, :lines_deleted, :prior_path)`,
				changes); err != nil {
				return models.WrapError(models.ErrStoreWriteFailed, err, "insert changes")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	commitRows := make([]CommitRow, len(commits))
	byCommit := make(map[int64]*models.Commit, len(commits))
	for i := range commits {
		c := &commits[i]
		byCommit[c.ID] = c
		commitRows[i] = CommitRow{
			ID:          c.ID,
			Hash:        c.Hash,
			AuthorName:  c.AuthorName,
			AuthorEmail: c.AuthorEmail,
			AuthorTime:  c.AuthorTime.Unix(),
			IsMerge:     c.IsMerge,
			ParentCount: int32(c.ParentCount),
			Size:        int32(c.Size),
		}
	}
	changeRows := make([]ChangeRow, len(changes))
	for i, ch := range changes {
		changeRows[i] = ChangeRow{
			CommitID:     ch.CommitID,
			FileID:       ch.FileID,
			Kind:         string(ch.Kind),
			LinesAdded:   int32(ch.LinesAdded),
			LinesDeleted: int32(ch.LinesDeleted),
			AuthorTime:   byCommit[ch.CommitID].AuthorTime.Unix(),
		}
	}
	return s.sidecar.AppendBatch(commitRows, changeRows)
}

// ListCommits returns all persisted commits ordered by id (extraction
// order, parents before children).
func (s *Store) ListCommits() ([]models.Commit, error) {
	var commits []models.Commit
	if err := s.db.Select(&commits, `SELECT * FROM commits ORDER BY id`); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list commits")
	}
	return commits, nil
}

// CountCommits returns the number of persisted commits.
func (s *Store) CountCommits() (int64, error) {
	var n int64
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM commits`); err != nil {
		return 0, models.WrapError(models.ErrStoreReadFailed, err, "count commits")
	}
	return n, nil
}
