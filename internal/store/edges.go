package store

import (
	"github.com/jmoiron/sqlx"

	"github.com/entanglehq/entangle/pkg/models"
)

// TopKEdge is one row of the materialised top-K projection.
type TopKEdge struct {
	FileID          int64   `db:"file_id"`
	Rank            int     `db:"rank"`
	NeighborID      int64   `db:"neighbor_id"`
	PairCount       int     `db:"pair_count"`
	WeightedJaccard float64 `db:"weighted_jaccard"`
}

const edgeInsertChunk = 500

// ReplaceEdges rewrites the whole edge table and the top-K projection in a
// single transaction that also bumps the run's stage to edges_written.
// Readers observe either the previous edge set or the new one, never a mix.
func (s *Store) ReplaceEdges(runID string, edges []models.Edge, topk []TopKEdge) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`DELETE FROM topk_edges`); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "clear topk")
		}
		if _, err := tx.Exec(`DELETE FROM edges`); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "clear edges")
		}
		for start := 0; start < len(edges); start += edgeInsertChunk {
			end := min(start+edgeInsertChunk, len(edges))
			if _, err := tx.NamedExec(`
				INSERT INTO edges (src_file_id, dst_file_id, pair_count, weighted_pair_count,
					jaccard, weighted_jaccard, p_dst_given_src, p_src_given_dst)
				VALUES (:src_file_id, :dst_file_id, :pair_count, :weighted_pair_count,
					:jaccard, :weighted_jaccard, :p_dst_given_src, :p_src_given_dst)`,
				edges[start:end]); err != nil {
				return models.WrapError(models.ErrStoreWriteFailed, err, "insert edges")
			}
		}
		for start := 0; start < len(topk); start += edgeInsertChunk {
			end := min(start+edgeInsertChunk, len(topk))
			if _, err := tx.NamedExec(`
				INSERT INTO topk_edges (file_id, rank, neighbor_id, pair_count, weighted_jaccard)
				VALUES (:file_id, :rank, :neighbor_id, :pair_count, :weighted_jaccard)`,
				topk[start:end]); err != nil {
				return models.WrapError(models.ErrStoreWriteFailed, err, "insert topk")
			}
		}
		if runID != "" {
			if _, err := tx.Exec(`UPDATE runs SET stage = ? WHERE id = ?`,
				models.StageEdgesWritten, runID); err != nil {
				return models.WrapError(models.ErrStoreWriteFailed, err, "bump run stage")
			}
		}
		return nil
	})
}

// ListEdges returns all edges with weighted_jaccard >= minWeight.
func (s *Store) ListEdges(minWeight float64) ([]models.Edge, error) {
	var edges []models.Edge
	if err := s.db.Select(&edges, `
		SELECT * FROM edges WHERE weighted_jaccard >= ?
		ORDER BY src_file_id, dst_file_id`, minWeight); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list edges")
	}
	return edges, nil
}

// EdgesOf returns all edges incident to fileID, whichever side of the
// unordered pair the file is stored on.
func (s *Store) EdgesOf(fileID int64) ([]models.Edge, error) {
	var edges []models.Edge
	if err := s.db.Select(&edges, `
		SELECT * FROM edges WHERE src_file_id = ? OR dst_file_id = ?
		ORDER BY weighted_jaccard DESC`, fileID, fileID); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "edges of %d", fileID)
	}
	return edges, nil
}

// EdgesByPrefix returns edges where both endpoints live under the given
// path prefix. The prefix must already carry its trailing separator so
// "src/" never matches "srcX/".
func (s *Store) EdgesByPrefix(prefix string, minWeight float64, limit int) ([]models.Edge, error) {
	var edges []models.Edge
	query := `
		SELECT e.* FROM edges e
		JOIN entities a ON a.id = e.src_file_id
		JOIN entities b ON b.id = e.dst_file_id
		WHERE e.weighted_jaccard >= ?
		  AND (a.qualified_name LIKE ? ESCAPE '\')
		  AND (b.qualified_name LIKE ? ESCAPE '\')
		ORDER BY e.weighted_jaccard DESC
		LIMIT ?`
	pattern := escapeLike(prefix) + "%"
	if err := s.db.Select(&edges, query, minWeight, pattern, pattern, limit); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "edges by prefix")
	}
	return edges, nil
}

// ListTopK returns the full top-K projection ordered by file then rank.
func (s *Store) ListTopK() ([]TopKEdge, error) {
	var rows []TopKEdge
	if err := s.db.Select(&rows, `SELECT * FROM topk_edges ORDER BY file_id, rank`); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list topk")
	}
	return rows, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
