package store

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/entanglehq/entangle/pkg/models"
)

// InsertSnapshot persists a cluster snapshot with its members and derived
// metrics in one transaction. Snapshots are append-only.
func (s *Store) InsertSnapshot(snap *models.ClusterSnapshot,
	members []models.ClusterMember, metrics []models.ClusterMetrics) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExec(`
			INSERT INTO cluster_snapshots (id, algorithm, parameters, edge_filter, created_at)
			VALUES (:id, :algorithm, :parameters, :edge_filter, :created_at)`,
			snap); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "insert snapshot")
		}
		for start := 0; start < len(members); start += edgeInsertChunk {
			end := min(start+edgeInsertChunk, len(members))
			if _, err := tx.NamedExec(`
				INSERT INTO cluster_members (snapshot_id, cluster_id, file_id)
				VALUES (:snapshot_id, :cluster_id, :file_id)`,
				members[start:end]); err != nil {
				return models.WrapError(models.ErrStoreWriteFailed, err, "insert members")
			}
		}
		if len(metrics) > 0 {
			if _, err := tx.NamedExec(`
				INSERT INTO cluster_metrics (snapshot_id, cluster_id, size, avg_coupling,
					internal_churn, top_files)
				VALUES (:snapshot_id, :cluster_id, :size, :avg_coupling,
					:internal_churn, :top_files)`,
				metrics); err != nil {
				return models.WrapError(models.ErrStoreWriteFailed, err, "insert cluster metrics")
			}
		}
		return nil
	})
}

// GetSnapshot fetches a snapshot header by id.
func (s *Store) GetSnapshot(id string) (*models.ClusterSnapshot, error) {
	var snap models.ClusterSnapshot
	err := s.db.Get(&snap, `SELECT * FROM cluster_snapshots WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrSnapshotNotFound, "no snapshot %s", id)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "get snapshot")
	}
	return &snap, nil
}

// SnapshotMembers returns the member assignments of a snapshot.
func (s *Store) SnapshotMembers(id string) ([]models.ClusterMember, error) {
	if _, err := s.GetSnapshot(id); err != nil {
		return nil, err
	}
	var members []models.ClusterMember
	if err := s.db.Select(&members, `
		SELECT * FROM cluster_members WHERE snapshot_id = ?
		ORDER BY cluster_id, file_id`, id); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "snapshot members")
	}
	return members, nil
}

// SnapshotMetrics returns the derived per-cluster metrics of a snapshot.
func (s *Store) SnapshotMetrics(id string) ([]models.ClusterMetrics, error) {
	var metrics []models.ClusterMetrics
	if err := s.db.Select(&metrics, `
		SELECT * FROM cluster_metrics WHERE snapshot_id = ? ORDER BY cluster_id`, id); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "snapshot metrics")
	}
	return metrics, nil
}

// DeleteSnapshot removes a snapshot; members and metrics cascade.
func (s *Store) DeleteSnapshot(id string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM cluster_snapshots WHERE id = ?`, id)
		if err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "delete snapshot")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.NewError(models.ErrSnapshotNotFound, "no snapshot %s", id)
		}
		return nil
	})
}

// ListSnapshots returns all snapshot headers, newest first.
func (s *Store) ListSnapshots() ([]models.ClusterSnapshot, error) {
	var snaps []models.ClusterSnapshot
	if err := s.db.Select(&snaps,
		`SELECT * FROM cluster_snapshots ORDER BY created_at DESC`); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list snapshots")
	}
	return snaps, nil
}
