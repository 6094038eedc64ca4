package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entanglehq/entangle/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ByCommit, cfg.ChangesetMode)
	assert.Equal(t, MergeNone, cfg.MergeHandling)
	assert.Equal(t, 24, cfg.AuthorWindow)
	assert.Equal(t, 50, cfg.MaxChangeset)
	assert.Equal(t, 100, cfg.MaxLogical)
	assert.Equal(t, 5, cfg.MinRevisions)
	assert.Equal(t, "top_p:0.95", cfg.HotspotSelector)
	assert.Equal(t, "louvain", cfg.Clustering.Algorithm)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	cfg := Default()
	cfg.MergeHandling = "sometimes"
	cfg.MaxChangeset = 1
	cfg.TopKEdges = 0
	cfg.HotspotSelector = "best:10"

	err := cfg.Validate()
	require.Error(t, err)

	var coded *models.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, models.ErrConfigInvalid, coded.Code)
	assert.Contains(t, coded.Details, "merge_handling")
	assert.Contains(t, coded.Details, "max_changeset_size")
	assert.Contains(t, coded.Details, "topk_edges_per_file")
	assert.Contains(t, coded.Details, "hotspot_selector")
}

func TestValidateTicketPolicy(t *testing.T) {
	cfg := Default()
	cfg.ChangesetMode = ByTicketID

	err := cfg.Validate()
	require.Error(t, err)

	cfg.TicketPattern = `JIRA-\d+`
	require.NoError(t, cfg.Validate())

	cfg.TicketPattern = `JIRA-(\d`
	require.Error(t, cfg.Validate())
}

func TestValidateTimeBounds(t *testing.T) {
	cfg := Default()
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	until := since.AddDate(0, -1, 0)
	cfg.Since = &since
	cfg.Until = &until

	err := cfg.Validate()
	require.Error(t, err)
}

func TestParseHotspotSelector(t *testing.T) {
	tests := []struct {
		sel     string
		wantP   float64
		wantN   int
		wantErr bool
	}{
		{sel: "top_p:0.95", wantP: 0.95},
		{sel: "top_p:1", wantP: 1},
		{sel: "top_n:20", wantN: 20},
		{sel: "top_p:0", wantErr: true},
		{sel: "top_p:1.5", wantErr: true},
		{sel: "top_n:0", wantErr: true},
		{sel: "bottom_n:3", wantErr: true},
		{sel: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.sel, func(t *testing.T) {
			p, n, err := ParseHotspotSelector(tt.sel)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantP, p)
			assert.Equal(t, tt.wantN, n)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entangle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
changeset_mode: by_author_time
author_time_window_hours: 12
min_revisions: 3
decay_half_life_days: 180
clustering:
  algorithm: dbscan
  dbscan:
    eps: 0.4
    min_samples: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ByAuthorTime, cfg.ChangesetMode)
	assert.Equal(t, 12, cfg.AuthorWindow)
	assert.Equal(t, 3, cfg.MinRevisions)
	assert.Equal(t, 180.0, cfg.DecayHalfLife)
	assert.Equal(t, "dbscan", cfg.Clustering.Algorithm)
	assert.Equal(t, 0.4, cfg.Clustering.DBSCAN.Eps)
	// Untouched fields keep their defaults.
	assert.Equal(t, 50, cfg.MaxChangeset)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entangle.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrConfigInvalid))
}

func TestHashStability(t *testing.T) {
	a := Default()
	b := Default()
	assert.Equal(t, a.Hash(), b.Hash())

	b.MinRevisions = 7
	assert.NotEqual(t, a.Hash(), b.Hash())
}
