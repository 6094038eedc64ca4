package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/entanglehq/entangle/pkg/models"
)

// CreateRun records a pending run. At most one run per repository may be
// in the running state; a second start is rejected with ANALYSIS_BUSY.
// The pending row is created and the busy check performed in the same
// transaction so two concurrent starts cannot both succeed.
func (s *Store) CreateRun(run *models.Run) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		var active int
		if err := tx.Get(&active, `
			SELECT COUNT(*) FROM runs
			WHERE repo = ? AND state IN (?, ?)`,
			run.Repo, models.RunPending, models.RunRunning); err != nil {
			return models.WrapError(models.ErrStoreReadFailed, err, "check active runs")
		}
		if active > 0 {
			return models.NewError(models.ErrAnalysisBusy, "a run is already active for %s", run.Repo)
		}
		if _, err := tx.NamedExec(`
			INSERT INTO runs (id, repo, config_id, state, stage, processed_commits,
				total_commits, started_at, finished_at, heartbeat, error)
			VALUES (:id, :repo, :config_id, :state, :stage, :processed_commits,
				:total_commits, :started_at, :finished_at, :heartbeat, :error)`,
			run); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "insert run")
		}
		return nil
	})
}

// UpdateRunState transitions a run. Transitions out of a terminal state
// are refused silently (monotonic, no resurrection).
func (s *Store) UpdateRunState(runID string, state models.RunState, errMsg string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		var finished *time.Time
		if state.Terminal() {
			finished = &now
		}
		var started *time.Time
		if state == models.RunRunning {
			started = &now
		}
		res, err := tx.Exec(`
			UPDATE runs SET state = ?, error = ?, heartbeat = ?,
				started_at = COALESCE(?, started_at),
				finished_at = COALESCE(?, finished_at)
			WHERE id = ? AND state NOT IN (?, ?, ?)`,
			state, errMsg, now, started, finished, runID,
			models.RunCompleted, models.RunFailed, models.RunCancelled)
		if err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "update run state")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already terminal or unknown; callers treat both as no-ops.
			return nil
		}
		return nil
	})
}

// UpdateRunProgress records stage and commit counters and refreshes the
// heartbeat.
func (s *Store) UpdateRunProgress(runID string, stage models.Stage, processed, total int64) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`
			UPDATE runs SET stage = ?, processed_commits = ?, total_commits = ?, heartbeat = ?
			WHERE id = ?`,
			stage, processed, total, time.Now().UTC(), runID); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "update run progress")
		}
		return nil
	})
}

// GetRun fetches a run by id.
func (s *Store) GetRun(runID string) (*models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, `SELECT * FROM runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrRunNotFound, "no run %s", runID)
	}
	if err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "get run")
	}
	return &run, nil
}

// ListRuns returns runs for a repository, newest first.
func (s *Store) ListRuns(repo string) ([]models.Run, error) {
	var runs []models.Run
	if err := s.db.Select(&runs,
		`SELECT * FROM runs WHERE repo = ? ORDER BY heartbeat DESC`, repo); err != nil {
		return nil, models.WrapError(models.ErrStoreReadFailed, err, "list runs")
	}
	return runs, nil
}

// RecoverStaleRuns promotes running runs with a heartbeat older than
// maxAge to failed. Called at startup to absorb crashed processes.
func (s *Store) RecoverStaleRuns(maxAge time.Duration) (int64, error) {
	var affected int64
	err := s.withTx(func(tx *sqlx.Tx) error {
		cutoff := time.Now().UTC().Add(-maxAge)
		res, err := tx.Exec(`
			UPDATE runs SET state = ?, error = 'stale heartbeat after process exit',
				finished_at = ?
			WHERE state IN (?, ?) AND heartbeat < ?`,
			models.RunFailed, time.Now().UTC(),
			models.RunPending, models.RunRunning, cutoff)
		if err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "recover stale runs")
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}
