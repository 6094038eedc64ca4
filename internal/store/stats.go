package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/entanglehq/entangle/pkg/models"
)

// ReplaceFileStats rewrites the per-file derived metrics.
func (s *Store) ReplaceFileStats(stats []models.FileStats) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM file_stats`); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "clear file stats")
		}
		for start := 0; start < len(stats); start += edgeInsertChunk {
			end := min(start+edgeInsertChunk, len(stats))
			if _, err := tx.NamedExec(`
				INSERT INTO file_stats (file_id, path, total_commits, authors_count,
					first_commit_date, last_commit_date, lines_added, lines_deleted,
					max_coupling, coupled_files_count, commits_last_30_days,
					churn_rate, risk_score, is_hotspot)
				VALUES (:file_id, :path, :total_commits, :authors_count,
					:first_commit_date, :last_commit_date, :lines_added, :lines_deleted,
					:max_coupling, :coupled_files_count, :commits_last_30_days,
					:churn_rate, :risk_score, :is_hotspot)`,
				stats[start:end]); err != nil {
				return models.WrapError(models.ErrStoreWriteFailed, err, "insert file stats")
			}
		}
		return nil
	})
}

// ReplaceFolderStats rewrites the folder roll-ups.
func (s *Store) ReplaceFolderStats(stats []models.FolderStats) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM folder_stats`); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "clear folder stats")
		}
		if len(stats) == 0 {
			return nil
		}
		if _, err := tx.NamedExec(`
			INSERT INTO folder_stats (path, file_count, total_commits, total_churn,
				authors_count, internal_coupling, external_coupling, cohesion)
			VALUES (:path, :file_count, :total_commits, :total_churn,
				:authors_count, :internal_coupling, :external_coupling, :cohesion)`,
			stats); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "insert folder stats")
		}
		return nil
	})
}

// ReplaceAuthorStats rewrites the per-author aggregates.
func (s *Store) ReplaceAuthorStats(stats []models.AuthorStats) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM author_stats`); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "clear author stats")
		}
		if len(stats) == 0 {
			return nil
		}
		if _, err := tx.NamedExec(`
			INSERT INTO author_stats (author, email, commits, lines_added, lines_deleted,
				files_touched, first_commit, last_commit)
			VALUES (:author, :email, :commits, :lines_added, :lines_deleted,
				:files_touched, :first_commit, :last_commit)`,
			stats); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "insert author stats")
		}
		return nil
	})
}

// FileStatsAll returns all per-file stats rows.
func (s *Store) FileStatsAll() ([]models.FileStats, error) {
	var stats []models.FileStats
	if err := s.db.Select(&stats, `SELECT * FROM file_stats ORDER BY file_id`); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list file stats")
	}
	return stats, nil
}

// FileStatsByID fetches one file's stats row.
func (s *Store) FileStatsByID(fileID int64) (*models.FileStats, error) {
	var st models.FileStats
	err := s.db.Get(&st, `SELECT * FROM file_stats WHERE file_id = ?`, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrFileNotFound, "no stats for file %d", fileID)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "file stats %d", fileID)
	}
	return &st, nil
}

// ListFiles applies the query filter over file_stats joined with entities.
func (s *Store) ListFiles(f models.FileFilter) ([]models.FileInfo, error) {
	var conds []string
	var args []any

	query := `
		SELECT fs.file_id, fs.path, fs.total_commits, fs.authors_count,
		       fs.churn_rate, fs.max_coupling, fs.risk_score, fs.is_hotspot,
		       e.at_head
		FROM file_stats fs JOIN entities e ON e.id = fs.file_id`

	if f.Substring != "" {
		conds = append(conds, `fs.path LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Substring)+"%")
	}
	if f.AtHeadOnly {
		conds = append(conds, `e.at_head = 1`)
	}
	if f.MinRisk > 0 {
		conds = append(conds, `fs.risk_score >= ?`)
		args = append(args, f.MinRisk)
	}
	if f.MaxRisk > 0 {
		conds = append(conds, `fs.risk_score <= ?`)
		args = append(args, f.MaxRisk)
	}
	if f.MinCoupling > 0 {
		conds = append(conds, `fs.max_coupling >= ?`)
		args = append(args, f.MinCoupling)
	}
	if f.MinChurn > 0 {
		conds = append(conds, `fs.churn_rate >= ?`)
		args = append(args, f.MinChurn)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY fs.path"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, f.Offset)

	var files []models.FileInfo
	if err := s.db.Select(&files, query, args...); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list files")
	}
	return files, nil
}

// Hotspots returns hotspot files ranked server-side.
func (s *Store) Hotspots(opts models.HotspotOptions) ([]models.FileInfo, error) {
	order := "fs.risk_score DESC"
	if opts.SortBy == "commits" {
		order = "fs.total_commits DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	var files []models.FileInfo
	query := fmt.Sprintf(`
		SELECT fs.file_id, fs.path, fs.total_commits, fs.authors_count,
		       fs.churn_rate, fs.max_coupling, fs.risk_score, fs.is_hotspot,
		       e.at_head
		FROM file_stats fs JOIN entities e ON e.id = fs.file_id
		WHERE fs.is_hotspot = 1
		ORDER BY %s LIMIT %d`, order, limit)
	if err := s.db.Select(&files, query); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "hotspots")
	}
	return files, nil
}

// FolderStatsAll returns all folder roll-ups.
func (s *Store) FolderStatsAll() ([]models.FolderStats, error) {
	var stats []models.FolderStats
	if err := s.db.Select(&stats, `SELECT * FROM folder_stats ORDER BY path`); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list folder stats")
	}
	return stats, nil
}

// AuthorStatsAll returns all author aggregates ordered by commit count.
func (s *Store) AuthorStatsAll() ([]models.AuthorStats, error) {
	var stats []models.AuthorStats
	if err := s.db.Select(&stats, `SELECT * FROM author_stats ORDER BY commits DESC`); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list author stats")
	}
	return stats, nil
}
