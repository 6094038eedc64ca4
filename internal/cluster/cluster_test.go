package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

func edge(src, dst int64, wj float64) models.Edge {
	return models.Edge{SrcFileID: src, DstFileID: dst, WeightedJaccard: wj, PairCount: 1}
}

// twoCommunities is a graph with two tight triangles joined by one weak
// bridge: {1,2,3} and {10,11,12}.
func twoCommunities() []models.Edge {
	return []models.Edge{
		edge(1, 2, 0.9), edge(1, 3, 0.9), edge(2, 3, 0.9),
		edge(10, 11, 0.9), edge(10, 12, 0.9), edge(11, 12, 0.9),
		edge(3, 10, 0.15),
	}
}

func samePartition(t *testing.T, assign map[int64]int, groups ...[]int64) {
	t.Helper()
	for _, group := range groups {
		want := assign[group[0]]
		for _, id := range group[1:] {
			assert.Equal(t, want, assign[id], "files %v should share a cluster", group)
		}
	}
	if len(groups) == 2 {
		assert.NotEqual(t, assign[groups[0][0]], assign[groups[1][0]],
			"groups %v and %v should split", groups[0], groups[1])
	}
}

func TestRenumberOrdersByMinMember(t *testing.T) {
	assign := map[int64]int{
		7: 42, 9: 42,
		2: 5, 4: 5,
		1: 99,
	}
	got := renumber(assign)

	// Cluster containing file 1 gets label 0, then file 2's, then file 7's.
	assert.Equal(t, 0, got[1])
	assert.Equal(t, 1, got[2])
	assert.Equal(t, 1, got[4])
	assert.Equal(t, 2, got[7])
	assert.Equal(t, 2, got[9])
}

func TestProjectFiltersWeightAndScope(t *testing.T) {
	paths := map[int64]string{
		1: "src/a.go", 2: "src/b.go", 3: "srcX/c.go", 4: "src/d.go",
	}
	edges := []models.Edge{
		edge(1, 2, 0.5),
		edge(1, 3, 0.9),  // out of scope endpoint
		edge(1, 4, 0.05), // below the weight floor
	}
	p := project(edges, paths, 0.1, "src")

	assert.Equal(t, []int64{1, 2}, p.fileIDs())
	require.Len(t, p.edges, 1)
	assert.Equal(t, int64(2), p.edges[0].DstFileID)
}

func TestLouvainSplitsCommunitiesDeterministically(t *testing.T) {
	paths := map[int64]string{}
	p := project(twoCommunities(), paths, 0.1, "")

	assign, modularity := louvain(p, 1.0)
	require.Len(t, assign, 6)
	samePartition(t, assign, []int64{1, 2, 3}, []int64{10, 11, 12})
	assert.Greater(t, modularity, 0.0)

	again, _ := louvain(project(twoCommunities(), paths, 0.1, ""), 1.0)
	assert.Equal(t, assign, again, "seeded source must reproduce the partition")
}

func TestHierarchicalNClusters(t *testing.T) {
	for _, linkage := range []string{"average", "complete", "single", "ward"} {
		t.Run(linkage, func(t *testing.T) {
			p := project(twoCommunities(), nil, 0.1, "")
			assign := hierarchical(p, config.Hierarchical{Linkage: linkage, NClusters: 2})
			require.Len(t, assign, 6)
			samePartition(t, assign, []int64{1, 2, 3}, []int64{10, 11, 12})
		})
	}
}

func TestHierarchicalDistanceThreshold(t *testing.T) {
	p := project(twoCommunities(), nil, 0.1, "")
	// Intra-community distance is 0.1, the bridge sits at 0.85: a 0.5
	// threshold merges within but never across.
	assign := hierarchical(p, config.Hierarchical{Linkage: "average", DistanceThreshold: 0.5})
	samePartition(t, assign, []int64{1, 2, 3}, []int64{10, 11, 12})
}

func TestDBSCANDropsNoise(t *testing.T) {
	edges := []models.Edge{
		edge(1, 2, 0.9), edge(1, 3, 0.9), edge(2, 3, 0.9),
		// A lone pair: neither endpoint reaches min_samples.
		edge(20, 21, 0.9),
	}
	p := project(edges, nil, 0.1, "")
	assign := dbscan(p, config.DBSCAN{Eps: 0.3, MinSamples: 3})

	require.Len(t, assign, 3)
	samePartition(t, assign, []int64{1, 2, 3})
	assert.NotContains(t, assign, int64(20))
	assert.NotContains(t, assign, int64(21))
}

func newEngineStore(t *testing.T, paths map[int64]string, edges []models.Edge) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	entities := make([]models.Entity, 0, len(paths))
	for id, p := range paths {
		entities = append(entities, models.Entity{
			ID: id, Kind: models.EntityFile, QualifiedName: p, AtHead: true,
		})
	}
	require.NoError(t, s.ReplaceEntities(entities))
	require.NoError(t, s.ReplaceEdges("", edges, nil))
	return s
}

func enginePaths() map[int64]string {
	return map[int64]string{
		1: "core/a.go", 2: "core/b.go", 3: "core/c.go",
		10: "web/x.go", 11: "web/y.go", 12: "web/z.go",
	}
}

func TestEngineRunPersistsSnapshot(t *testing.T) {
	s := newEngineStore(t, enginePaths(), twoCommunities())
	require.NoError(t, s.ReplaceFileStats([]models.FileStats{
		{FileID: 1, Path: "core/a.go", LinesAdded: 100, LinesDeleted: 50, RiskScore: 0.9},
		{FileID: 2, Path: "core/b.go", LinesAdded: 10, LinesDeleted: 5, RiskScore: 0.2},
	}))

	cfg := config.Default()
	cfg.Clustering.Algorithm = "louvain"

	snap, err := NewEngine(s, cfg, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "louvain", snap.Algorithm)

	members, err := s.SnapshotMembers(snap.ID)
	require.NoError(t, err)
	require.Len(t, members, 6)

	assign := make(map[int64]int, len(members))
	for _, m := range members {
		assign[m.FileID] = m.ClusterID
	}
	samePartition(t, assign, []int64{1, 2, 3}, []int64{10, 11, 12})

	metrics, err := s.SnapshotMetrics(snap.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, 3, metrics[0].Size)
	assert.Greater(t, metrics[0].AvgCoupling, 0.0)
	assert.Contains(t, metrics[0].TopFiles, "core/a.go")

	// An unchanged store yields the identical partition under new labels.
	snap2, err := NewEngine(s, cfg, nil).Run(context.Background())
	require.NoError(t, err)
	members2, err := s.SnapshotMembers(snap2.ID)
	require.NoError(t, err)
	for i := range members {
		assert.Equal(t, members[i].ClusterID, members2[i].ClusterID)
		assert.Equal(t, members[i].FileID, members2[i].FileID)
	}
}

func TestEngineRunCancelled(t *testing.T) {
	s := newEngineStore(t, enginePaths(), twoCommunities())
	cfg := config.Default()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(s, cfg, nil).Run(ctx)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrCancelled))
}

func TestEngineRunUnknownAlgorithm(t *testing.T) {
	s := newEngineStore(t, enginePaths(), twoCommunities())
	cfg := config.Default()
	cfg.Clustering.Algorithm = "kmeans"

	_, err := NewEngine(s, cfg, nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrConfigInvalid))
}

func TestEngineRunWardNodeLimit(t *testing.T) {
	paths := make(map[int64]string, wardNodeLimit+2)
	var edges []models.Edge
	for id := int64(1); id <= wardNodeLimit+2; id += 2 {
		paths[id] = fmt.Sprintf("gen/f%05d.go", id)
		paths[id+1] = fmt.Sprintf("gen/f%05d.go", id+1)
		edges = append(edges, edge(id, id+1, 0.5))
	}
	s := newEngineStore(t, paths, edges)

	cfg := config.Default()
	cfg.Clustering.Algorithm = "hierarchical"
	cfg.Clustering.Hierarchical = config.Hierarchical{Linkage: "ward", NClusters: 2}

	_, err := NewEngine(s, cfg, nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrClusteringInfeasible))
}

func insertSnapshot(t *testing.T, s *store.Store, id string, clusters map[int][]int64) {
	t.Helper()
	var members []models.ClusterMember
	for c, files := range clusters {
		for _, f := range files {
			members = append(members, models.ClusterMember{SnapshotID: id, ClusterID: c, FileID: f})
		}
	}
	require.NoError(t, s.InsertSnapshot(&models.ClusterSnapshot{
		ID: id, Algorithm: "louvain", CreatedAt: time.Now().UTC(),
	}, members, nil))
}

func TestCompareClassifiesMatches(t *testing.T) {
	s := newEngineStore(t, enginePaths(), twoCommunities())

	insertSnapshot(t, s, "base", map[int][]int64{
		0: {1, 2, 3},    // identical in other: stable
		1: {10, 11, 12}, // partial overlap: drifted
		2: {40, 41},     // vanished: dissolved
	})
	insertSnapshot(t, s, "other", map[int][]int64{
		0: {1, 2, 3},
		1: {10, 11, 20, 21}, // jaccard 2/5 with base cluster 1
		2: {30, 31},         // unmatched: new
	})

	cmp, err := NewEngine(s, config.Default(), nil).Compare("base", "other")
	require.NoError(t, err)

	byBase := make(map[int]models.ClusterMatch)
	var news []models.ClusterMatch
	for _, m := range cmp.Matches {
		if m.Class == models.ClusterNew {
			news = append(news, m)
			continue
		}
		byBase[m.BaseCluster] = m
	}

	assert.Equal(t, models.ClusterStable, byBase[0].Class)
	assert.Equal(t, 3, byBase[0].Overlap)
	assert.InDelta(t, 1.0, byBase[0].Jaccard, 1e-9)

	assert.Equal(t, models.ClusterDrifted, byBase[1].Class)
	assert.InDelta(t, 2.0/5.0, byBase[1].Jaccard, 1e-9)

	assert.Equal(t, models.ClusterDissolved, byBase[2].Class)
	assert.Equal(t, -1, byBase[2].OtherCluster)

	require.Len(t, news, 1)
	assert.Equal(t, 2, news[0].OtherCluster)
	assert.Equal(t, -1, news[0].BaseCluster)
}

// Matching picks the other cluster with the largest raw intersection,
// not the highest Jaccard; Jaccard only classifies the chosen match.
// Equal intersections resolve to the lower cluster id.
func TestCompareMatchesByOverlap(t *testing.T) {
	s := newEngineStore(t, enginePaths(), twoCommunities())

	insertSnapshot(t, s, "base", map[int][]int64{
		0: {1, 2, 3, 4, 5},
		3: {20, 21},
	})
	insertSnapshot(t, s, "other", map[int][]int64{
		// Overlap 4 with base 0, but diluted to jaccard 4/12.
		1: {1, 2, 3, 4, 100, 101, 102, 103, 104, 105, 106},
		// Jaccard 3/5 with base 0, yet the smaller intersection loses.
		2: {1, 2, 3},
		// Both overlap base 3 by one member.
		5: {20, 50},
		6: {21, 60},
	})

	cmp, err := NewEngine(s, config.Default(), nil).Compare("base", "other")
	require.NoError(t, err)

	byBase := make(map[int]models.ClusterMatch)
	var news []models.ClusterMatch
	for _, m := range cmp.Matches {
		if m.Class == models.ClusterNew {
			news = append(news, m)
			continue
		}
		byBase[m.BaseCluster] = m
	}

	assert.Equal(t, 1, byBase[0].OtherCluster)
	assert.Equal(t, 4, byBase[0].Overlap)
	assert.InDelta(t, 4.0/12.0, byBase[0].Jaccard, 1e-9)
	assert.Equal(t, models.ClusterDrifted, byBase[0].Class)

	assert.Equal(t, 5, byBase[3].OtherCluster, "ties go to the lower cluster id")

	assert.Len(t, news, 2, "the losing candidates stay unmatched")
}

func TestCompareUnknownSnapshot(t *testing.T) {
	s := newEngineStore(t, enginePaths(), twoCommunities())
	insertSnapshot(t, s, "base", map[int][]int64{0: {1, 2}})

	_, err := NewEngine(s, config.Default(), nil).Compare("base", "missing")
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrSnapshotNotFound))
}
