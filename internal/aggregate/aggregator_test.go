package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entanglehq/entangle/internal/changeset"
	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixtureConfig() *config.Config {
	cfg := config.Default()
	cfg.MinRevisions = 1
	cfg.MinCooccurrence = 1
	cfg.DecayHalfLife = 0
	return cfg
}

func runAggregation(t *testing.T, cfg *config.Config, commits []models.Commit, rows []store.ChangeRow, revisions map[int64]int) *Result {
	t.Helper()
	b, err := changeset.NewBuilder(cfg, testNow)
	require.NoError(t, err)

	result, err := New(cfg, nil).Run(context.Background(), b, commits, revisions,
		func(fn func(store.ChangeRow) error) error {
			for _, row := range rows {
				if err := fn(row); err != nil {
					return err
				}
			}
			return nil
		})
	require.NoError(t, err)
	return result
}

// Three commits touching {A,B}, {A,B}, {A}: the lone third commit still
// counts toward A's lifetime total, so jaccard(A,B) = 2 / (3 + 2 - 2) =
// 0.667 and p(B|A) = 2/3 while p(A|B) stays 1.
func TestRunComputesJaccard(t *testing.T) {
	cfg := fixtureConfig()

	at := testNow.Add(-time.Hour)
	commits := []models.Commit{
		{ID: 1, AuthorEmail: "a@x", AuthorTime: at, Size: 2},
		{ID: 2, AuthorEmail: "a@x", AuthorTime: at, Size: 2},
		{ID: 3, AuthorEmail: "a@x", AuthorTime: at, Size: 1},
	}
	const fileA, fileB = 1, 2
	rows := []store.ChangeRow{
		{CommitID: 1, FileID: fileA}, {CommitID: 1, FileID: fileB},
		{CommitID: 2, FileID: fileA}, {CommitID: 2, FileID: fileB},
		{CommitID: 3, FileID: fileA},
	}
	revisions := map[int64]int{fileA: 3, fileB: 2}

	result := runAggregation(t, cfg, commits, rows, revisions)
	require.Len(t, result.Edges, 1)

	ab := result.Edges[0]
	assert.Equal(t, int64(fileA), ab.SrcFileID)
	assert.Equal(t, int64(fileB), ab.DstFileID)
	assert.Equal(t, 2, ab.PairCount)
	assert.InDelta(t, 2.0/3.0, ab.Jaccard, 1e-9)
	assert.InDelta(t, 2.0/3.0, ab.PDstGivenSrc, 1e-9) // p(B|A) = 2/3
	assert.InDelta(t, 1.0, ab.PSrcGivenDst, 1e-9)     // p(A|B) = 2/2
}

// A merge touching all ten files explodes into 45 pairs when merges are
// included, on top of the five pairs the plain commits produced.
func TestRunMergeInclusionInflatesPairs(t *testing.T) {
	at := testNow.Add(-time.Hour)
	var commits []models.Commit
	var rows []store.ChangeRow
	revisions := make(map[int64]int)

	for c := int64(1); c <= 5; c++ {
		commits = append(commits, models.Commit{ID: c, AuthorEmail: "a@x", AuthorTime: at, Size: 2})
		for _, f := range []int64{2*c - 1, 2 * c} {
			rows = append(rows, store.ChangeRow{CommitID: c, FileID: f})
			revisions[f] = 2
		}
	}
	merge := models.Commit{ID: 6, AuthorEmail: "a@x", AuthorTime: at, Size: 10, IsMerge: true}
	commits = append(commits, merge)
	for f := int64(1); f <= 10; f++ {
		rows = append(rows, store.ChangeRow{CommitID: 6, FileID: f})
	}

	excl := fixtureConfig()
	excl.MergeHandling = config.MergeNone
	result := runAggregation(t, excl, commits, rows, revisions)
	assert.Len(t, result.Edges, 5)

	incl := fixtureConfig()
	incl.MergeHandling = config.MergeInclude
	result = runAggregation(t, incl, commits, rows, revisions)
	require.Len(t, result.Edges, 45)

	var total int
	for _, e := range result.Edges {
		total += e.PairCount
		if e.SrcFileID == 1 && e.DstFileID == 2 {
			assert.Equal(t, 2, e.PairCount, "the plain pair gains the merge co-change")
		}
	}
	assert.Equal(t, 50, total)
}

// With weight 1 everywhere the weighted metrics equal the unweighted
// ones; they only diverge under decay or size penalty.
func TestRunWeightedEqualsUnweightedWithoutDecay(t *testing.T) {
	cfg := fixtureConfig()

	at := testNow.Add(-time.Hour)
	commits := []models.Commit{
		{ID: 1, AuthorEmail: "a@x", AuthorTime: at, Size: 2},
		{ID: 2, AuthorEmail: "a@x", AuthorTime: at, Size: 2},
	}
	rows := []store.ChangeRow{
		{CommitID: 1, FileID: 1}, {CommitID: 1, FileID: 2},
		{CommitID: 2, FileID: 1}, {CommitID: 2, FileID: 2},
	}
	result := runAggregation(t, cfg, commits, rows, map[int64]int{1: 2, 2: 2})

	require.Len(t, result.Edges, 1)
	e := result.Edges[0]
	assert.InDelta(t, e.Jaccard, e.WeightedJaccard, 1e-9)
	assert.InDelta(t, float64(e.PairCount), e.WeightedPairCount, 1e-9)
}

func TestRunMinCooccurrenceThreshold(t *testing.T) {
	cfg := fixtureConfig()
	cfg.MinCooccurrence = 2

	at := testNow.Add(-time.Hour)
	commits := []models.Commit{
		{ID: 1, AuthorEmail: "a@x", AuthorTime: at, Size: 2},
	}
	rows := []store.ChangeRow{
		{CommitID: 1, FileID: 1}, {CommitID: 1, FileID: 2},
	}
	result := runAggregation(t, cfg, commits, rows, map[int64]int{1: 1, 2: 1})
	assert.Empty(t, result.Edges)
}

func TestRunEdgeOrderingIsDeterministic(t *testing.T) {
	cfg := fixtureConfig()

	at := testNow.Add(-time.Hour)
	commits := []models.Commit{
		{ID: 1, AuthorEmail: "a@x", AuthorTime: at, Size: 3},
	}
	rows := []store.ChangeRow{
		{CommitID: 1, FileID: 3}, {CommitID: 1, FileID: 1}, {CommitID: 1, FileID: 2},
	}
	revisions := map[int64]int{1: 1, 2: 1, 3: 1}

	first := runAggregation(t, cfg, commits, rows, revisions)
	second := runAggregation(t, cfg, commits, rows, revisions)
	assert.Equal(t, first.Edges, second.Edges)

	for i := 1; i < len(first.Edges); i++ {
		prev, cur := first.Edges[i-1], first.Edges[i]
		less := prev.SrcFileID < cur.SrcFileID ||
			(prev.SrcFileID == cur.SrcFileID && prev.DstFileID < cur.DstFileID)
		assert.True(t, less, "edges must be sorted by (src, dst)")
		assert.Less(t, cur.SrcFileID, cur.DstFileID, "src < dst invariant")
	}
}

func TestProjectTopK(t *testing.T) {
	cfg := fixtureConfig()
	cfg.TopKEdges = 1

	at := testNow.Add(-time.Hour)
	// A couples strongly with B (twice) and weakly with C (once).
	commits := []models.Commit{
		{ID: 1, AuthorEmail: "a@x", AuthorTime: at, Size: 2},
		{ID: 2, AuthorEmail: "a@x", AuthorTime: at, Size: 2},
		{ID: 3, AuthorEmail: "a@x", AuthorTime: at, Size: 2},
	}
	rows := []store.ChangeRow{
		{CommitID: 1, FileID: 1}, {CommitID: 1, FileID: 2},
		{CommitID: 2, FileID: 1}, {CommitID: 2, FileID: 2},
		{CommitID: 3, FileID: 1}, {CommitID: 3, FileID: 3},
	}
	result := runAggregation(t, cfg, commits, rows, map[int64]int{1: 3, 2: 2, 3: 1})

	perFile := make(map[int64][]store.TopKEdge)
	for _, tk := range result.TopK {
		perFile[tk.FileID] = append(perFile[tk.FileID], tk)
	}
	require.Len(t, perFile[1], 1, "k=1 keeps a single neighbour per file")
	assert.Equal(t, int64(2), perFile[1][0].NeighborID)
	assert.Equal(t, 1, perFile[1][0].Rank)
}

func TestAccumulatorSpillRoundTrip(t *testing.T) {
	dir := t.TempDir()
	// A tiny budget forces the spill path.
	acc := newAccumulator(dir, 1)
	acc.maxEntries = 8

	const pairs = 100
	for round := 0; round < 3; round++ {
		for i := uint32(0); i < pairs; i++ {
			require.NoError(t, acc.add(pairKey(i, i+1000), 0.5))
		}
	}
	require.True(t, acc.spilled)

	got := make(map[uint64]int)
	weights := make(map[uint64]float64)
	require.NoError(t, acc.drain(func(key uint64, count int, weighted float64) {
		got[key] += count
		weights[key] += weighted
	}))

	require.Len(t, got, pairs)
	for key, count := range got {
		assert.Equal(t, 3, count, "pair %d", key)
		assert.InDelta(t, 1.5, weights[key], 1e-9)
	}
}

func TestPairKeyOrdersOperands(t *testing.T) {
	assert.Equal(t, pairKey(7, 3), pairKey(3, 7))
	a, b := splitKey(pairKey(7, 3))
	assert.Equal(t, uint32(3), a)
	assert.Equal(t, uint32(7), b)
}
