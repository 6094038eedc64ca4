// Package query answers read requests over the analytic store. All reads
// see either the previous completed run's edges or the current one, never
// a mix; the edge table is swapped in one transaction.
package query

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/entanglehq/entangle/internal/cluster"
	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

// defaultLimit bounds unpaginated reads.
const defaultLimit = 100

// Service is the read API facade.
type Service struct {
	store *store.Store
	cfg   *config.Config
	log   *logrus.Logger
}

// NewService creates a query service.
func NewService(st *store.Store, cfg *config.Config, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	return &Service{store: st, cfg: cfg, log: log}
}

// ListFiles filters and paginates the file inventory.
func (s *Service) ListFiles(filter models.FileFilter) ([]models.FileInfo, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	return s.store.ListFiles(filter)
}

// FileDetails returns a file's stats and its path lineage.
func (s *Service) FileDetails(path string) (*models.FileDetails, error) {
	entity, err := s.store.FileByPath(path)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.FileStatsByID(entity.ID)
	if err != nil {
		return nil, err
	}
	lineage, err := s.store.LineageOf(entity.ID)
	if err != nil {
		return nil, err
	}
	return &models.FileDetails{Stats: *stats, Lineage: lineage, AtHead: entity.AtHead}, nil
}

// Coupling returns the file's neighbours, strongest first. Symmetric: the
// stored edge is unordered, so the file may sit on either end.
func (s *Service) Coupling(path string, opts models.CouplingOptions) ([]models.CoupledFile, error) {
	entity, err := s.store.FileByPath(path)
	if err != nil {
		return nil, err
	}
	edges, err := s.store.EdgesOf(entity.ID)
	if err != nil {
		return nil, err
	}
	paths, err := s.store.PathsByID()
	if err != nil {
		return nil, err
	}

	out := make([]models.CoupledFile, 0, len(edges))
	for _, e := range edges {
		if e.WeightedJaccard < opts.MinWeight {
			continue
		}
		cf := models.CoupledFile{
			PairCount:       e.PairCount,
			Jaccard:         e.Jaccard,
			WeightedJaccard: e.WeightedJaccard,
		}
		if e.SrcFileID == entity.ID {
			cf.FileID = e.DstFileID
			cf.PGivenQuery = e.PDstGivenSrc
			cf.PQueryGiven = e.PSrcGivenDst
		} else {
			cf.FileID = e.SrcFileID
			cf.PGivenQuery = e.PSrcGivenDst
			cf.PQueryGiven = e.PDstGivenSrc
		}
		cf.Path = paths[cf.FileID]
		out = append(out, cf)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].WeightedJaccard != out[j].WeightedJaccard {
			return out[i].WeightedJaccard > out[j].WeightedJaccard
		}
		return out[i].FileID < out[j].FileID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CouplingGraph returns the bounded coupling subgraph under a path prefix.
// The prefix is boundary-anchored: "src" never matches "srcX/...".
func (s *Service) CouplingGraph(rootPath string, opts models.CouplingOptions) (*models.Graph, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	prefix := strings.TrimSuffix(rootPath, "/")
	edges, err := s.store.EdgesByPrefix(prefix, opts.MinWeight, limit)
	if err != nil {
		return nil, err
	}
	return s.buildGraph(edges)
}

// Impact lists the files likely to need changes alongside the given file,
// ranked by the conditional probability of co-change given the file.
func (s *Service) Impact(path string, opts models.CouplingOptions) ([]models.CoupledFile, error) {
	out, err := s.Coupling(path, opts)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PGivenQuery != out[j].PGivenQuery {
			return out[i].PGivenQuery > out[j].PGivenQuery
		}
		return out[i].FileID < out[j].FileID
	})
	return out, nil
}

// ImpactGraph returns the one-hop neighbourhood of a file as a graph.
func (s *Service) ImpactGraph(path string, opts models.CouplingOptions) (*models.Graph, error) {
	entity, err := s.store.FileByPath(path)
	if err != nil {
		return nil, err
	}
	edges, err := s.store.EdgesOf(entity.ID)
	if err != nil {
		return nil, err
	}
	filtered := edges[:0]
	for _, e := range edges {
		if e.WeightedJaccard >= opts.MinWeight {
			filtered = append(filtered, e)
		}
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		sort.Slice(filtered, func(i, j int) bool {
			return filtered[i].WeightedJaccard > filtered[j].WeightedJaccard
		})
		filtered = filtered[:opts.Limit]
	}
	return s.buildGraph(filtered)
}

// Lineage returns the path history of a file's stable identity.
func (s *Service) Lineage(path string) ([]models.LineageRecord, error) {
	entity, err := s.store.FileByPath(path)
	if err != nil {
		return nil, err
	}
	return s.store.LineageOf(entity.ID)
}

// Hotspots returns hotspot files, server-side sorted and limited.
func (s *Service) Hotspots(opts models.HotspotOptions) ([]models.FileInfo, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	return s.store.Hotspots(opts)
}

// ComponentCoupling aggregates cross-component edges at the given folder
// depth under a component prefix. Depth counts path segments from the
// repository root.
func (s *Service) ComponentCoupling(component string, depth int) ([]models.ComponentCoupling, error) {
	if depth < 1 {
		depth = 1
	}
	edges, err := s.store.ListEdges(0)
	if err != nil {
		return nil, err
	}
	paths, err := s.store.PathsByID()
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(component, "/")
	componentOf := func(id int64) (string, bool) {
		p := paths[id]
		if prefix != "" && p != prefix && !strings.HasPrefix(p, prefix+"/") {
			return "", false
		}
		parts := strings.Split(p, "/")
		if len(parts) <= depth {
			// File sits above the requested depth; its component is its
			// directory.
			if len(parts) == 1 {
				return "", false
			}
			return strings.Join(parts[:len(parts)-1], "/"), true
		}
		return strings.Join(parts[:depth], "/"), true
	}

	type pair struct{ a, b string }
	type agg struct {
		count   int
		jaccard float64
		edges   int
	}
	byPair := make(map[pair]*agg)
	for _, e := range edges {
		ca, okA := componentOf(e.SrcFileID)
		cb, okB := componentOf(e.DstFileID)
		if !okA || !okB || ca == cb {
			continue
		}
		if ca > cb {
			ca, cb = cb, ca
		}
		key := pair{ca, cb}
		a := byPair[key]
		if a == nil {
			a = &agg{}
			byPair[key] = a
		}
		a.count += e.PairCount
		a.jaccard += e.Jaccard
		a.edges++
	}

	out := make([]models.ComponentCoupling, 0, len(byPair))
	for key, a := range byPair {
		out = append(out, models.ComponentCoupling{
			Component:      key.a,
			OtherComponent: key.b,
			PairCount:      a.count,
			AvgJaccard:     a.jaccard / float64(a.edges),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PairCount != out[j].PairCount {
			return out[i].PairCount > out[j].PairCount
		}
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].OtherComponent < out[j].OtherComponent
	})
	return out, nil
}

// ClusterSnapshotView is a snapshot with its members and metrics.
type ClusterSnapshotView struct {
	Snapshot models.ClusterSnapshot  `json:"snapshot"`
	Members  []models.ClusterMember  `json:"members"`
	Metrics  []models.ClusterMetrics `json:"metrics"`
}

// ClusterSnapshot returns one snapshot in full.
func (s *Service) ClusterSnapshot(id string) (*ClusterSnapshotView, error) {
	snap, err := s.store.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	members, err := s.store.SnapshotMembers(id)
	if err != nil {
		return nil, err
	}
	metrics, err := s.store.SnapshotMetrics(id)
	if err != nil {
		return nil, err
	}
	return &ClusterSnapshotView{Snapshot: *snap, Members: members, Metrics: metrics}, nil
}

// CompareSnapshots matches two snapshots' clusters by member overlap.
func (s *Service) CompareSnapshots(baseID, otherID string) (*models.SnapshotComparison, error) {
	return cluster.NewEngine(s.store, s.cfg, s.log).Compare(baseID, otherID)
}

// FolderStats returns the folder roll-ups.
func (s *Service) FolderStats() ([]models.FolderStats, error) {
	return s.store.FolderStatsAll()
}

// AuthorStats returns per-author activity summaries.
func (s *Service) AuthorStats() ([]models.AuthorStats, error) {
	return s.store.AuthorStatsAll()
}

// Runs lists runs for a repository, newest first.
func (s *Service) Runs(repo string) ([]models.Run, error) {
	return s.store.ListRuns(repo)
}

// Run fetches one run by id.
func (s *Service) Run(id string) (*models.Run, error) {
	return s.store.GetRun(id)
}

// Snapshots lists cluster snapshots.
func (s *Service) Snapshots() ([]models.ClusterSnapshot, error) {
	return s.store.ListSnapshots()
}

func (s *Service) buildGraph(edges []models.Edge) (*models.Graph, error) {
	paths, err := s.store.PathsByID()
	if err != nil {
		return nil, err
	}
	stats, err := s.store.FileStatsAll()
	if err != nil {
		return nil, err
	}
	risk := make(map[int64]float64, len(stats))
	for _, st := range stats {
		risk[st.FileID] = st.RiskScore
	}

	g := &models.Graph{}
	seen := make(map[int64]bool)
	addNode := func(id int64) {
		if seen[id] {
			return
		}
		seen[id] = true
		g.Nodes = append(g.Nodes, models.GraphNode{
			FileID: id, Path: paths[id], RiskScore: risk[id],
		})
	}
	for _, e := range edges {
		addNode(e.SrcFileID)
		addNode(e.DstFileID)
		g.Edges = append(g.Edges, models.GraphEdge{
			SrcFileID:       e.SrcFileID,
			DstFileID:       e.DstFileID,
			PairCount:       e.PairCount,
			WeightedJaccard: e.WeightedJaccard,
		})
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].FileID < g.Nodes[j].FileID })
	return g, nil
}
