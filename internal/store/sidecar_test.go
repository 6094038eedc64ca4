package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entanglehq/entangle/pkg/models"
)

func commitFixture(id int64, at time.Time, size int) models.Commit {
	return models.Commit{
		ID:            id,
		Hash:          string(rune('a' + id)),
		AuthorName:    "Author",
		AuthorEmail:   "a@x",
		AuthorTime:    at,
		CommitterTime: at,
		Message:       "msg",
		ParentCount:   1,
		Size:          size,
	}
}

func TestWriteCommitBatchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedFiles(t, s, "a.go", "b.go")

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	commits := []models.Commit{commitFixture(1, at, 2)}
	changes := []models.Change{
		{CommitID: 1, FileID: 1, Kind: models.ChangeAdd, LinesAdded: 5},
		{CommitID: 1, FileID: 2, Kind: models.ChangeModify, LinesAdded: 2, LinesDeleted: 1},
	}
	require.NoError(t, s.WriteCommitBatch(commits, changes))

	got, err := s.ListCommits()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, 2, got[0].Size)

	n, err := s.CountCommits()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var rows []ChangeRow
	require.NoError(t, s.Sidecar().ScanChanges(nil, nil, func(row ChangeRow) error {
		rows = append(rows, row)
		return nil
	}))
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].FileID)
	assert.Equal(t, int32(5), rows[0].LinesAdded)
	assert.Equal(t, at.Unix(), rows[0].AuthorTime)
}

func TestSidecarScanSkipsOutOfRangeSegments(t *testing.T) {
	s := newTestStore(t)
	seedFiles(t, s, "a.go")

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WriteCommitBatch(
		[]models.Commit{commitFixture(1, old, 1)},
		[]models.Change{{CommitID: 1, FileID: 1, Kind: models.ChangeModify}},
	))
	require.NoError(t, s.WriteCommitBatch(
		[]models.Commit{commitFixture(2, recent, 1)},
		[]models.Change{{CommitID: 2, FileID: 1, Kind: models.ChangeModify}},
	))

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var rows []ChangeRow
	require.NoError(t, s.Sidecar().ScanChanges(&since, nil, func(row ChangeRow) error {
		rows = append(rows, row)
		return nil
	}))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].CommitID)
}

func TestSidecarSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.ReplaceEntities([]models.Entity{
		{ID: 1, Kind: models.EntityFile, QualifiedName: "a.go", AtHead: true},
	}))
	require.NoError(t, s.WriteCommitBatch(
		[]models.Commit{commitFixture(1, at, 1)},
		[]models.Change{{CommitID: 1, FileID: 1, Kind: models.ChangeAdd}},
	))
	require.NoError(t, s.Close())

	// The manifest persists the segment inventory across processes.
	s, err = Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	var rows []ChangeRow
	require.NoError(t, s.Sidecar().ScanChanges(nil, nil, func(row ChangeRow) error {
		rows = append(rows, row)
		return nil
	}))
	assert.Len(t, rows, 1)
}

func TestTruncateHistoryResetsSidecar(t *testing.T) {
	s := newTestStore(t)
	seedFiles(t, s, "a.go")

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteCommitBatch(
		[]models.Commit{commitFixture(1, at, 1)},
		[]models.Change{{CommitID: 1, FileID: 1, Kind: models.ChangeAdd}},
	))
	require.NoError(t, s.TruncateHistory())

	var rows []ChangeRow
	require.NoError(t, s.Sidecar().ScanChanges(nil, nil, func(row ChangeRow) error {
		rows = append(rows, row)
		return nil
	}))
	assert.Empty(t, rows)
}
