package cluster

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

// topFilesPerCluster caps the representative file list on cluster metrics.
const topFilesPerCluster = 5

// Engine runs the configured algorithm over the stored edge set and
// persists the result as an immutable snapshot.
type Engine struct {
	store *store.Store
	cfg   *config.Config
	log   *logrus.Logger
}

// NewEngine creates a clustering engine.
func NewEngine(st *store.Store, cfg *config.Config, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{store: st, cfg: cfg, log: log}
}

// Run clusters the current edge set and returns the persisted snapshot.
func (e *Engine) Run(ctx context.Context) (*models.ClusterSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.WrapError(models.ErrCancelled, err, "clustering cancelled")
	}

	cl := e.cfg.Clustering
	edges, err := e.store.ListEdges(cl.MinEdgeWeight)
	if err != nil {
		return nil, err
	}
	paths, err := e.store.PathsByID()
	if err != nil {
		return nil, err
	}

	p := project(edges, paths, cl.MinEdgeWeight, cl.FolderPrefix)
	if cl.Algorithm == "hierarchical" && cl.Hierarchical.Linkage == "ward" &&
		len(p.fileToNode) > wardNodeLimit {
		return nil, models.NewError(models.ErrClusteringInfeasible,
			"ward linkage over %d nodes exceeds the %d node limit",
			len(p.fileToNode), wardNodeLimit).
			WithDetail("nodes", len(p.fileToNode))
	}

	var assign map[int64]int
	var modularity float64
	switch cl.Algorithm {
	case "louvain":
		assign, modularity = louvain(p, cl.Louvain.Resolution)
	case "hierarchical":
		assign = hierarchical(p, cl.Hierarchical)
	case "dbscan":
		assign = dbscan(p, cl.DBSCAN)
	default:
		return nil, models.NewError(models.ErrConfigInvalid, "unknown clustering algorithm %q", cl.Algorithm)
	}

	params, _ := json.Marshal(cl)
	snap := &models.ClusterSnapshot{
		ID:         uuid.NewString(),
		Algorithm:  cl.Algorithm,
		Parameters: string(params),
		EdgeFilter: cl.MinEdgeWeight,
		CreatedAt:  time.Now().UTC(),
	}

	members := make([]models.ClusterMember, 0, len(assign))
	for fileID, c := range assign {
		members = append(members, models.ClusterMember{
			SnapshotID: snap.ID, ClusterID: c, FileID: fileID,
		})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].ClusterID != members[j].ClusterID {
			return members[i].ClusterID < members[j].ClusterID
		}
		return members[i].FileID < members[j].FileID
	})

	metrics, err := e.clusterMetrics(snap.ID, assign, p, paths)
	if err != nil {
		return nil, err
	}

	if err := e.store.InsertSnapshot(snap, members, metrics); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"snapshot":   snap.ID,
		"algorithm":  cl.Algorithm,
		"clusters":   len(metrics),
		"files":      len(members),
		"modularity": modularity,
	}).Info("clustering complete")
	return snap, nil
}

// clusterMetrics derives per-cluster size, mean internal coupling, member
// churn and the highest-risk member files.
func (e *Engine) clusterMetrics(snapshotID string, assign map[int64]int,
	p *projection, paths map[int64]string) ([]models.ClusterMetrics, error) {

	stats, err := e.store.FileStatsAll()
	if err != nil {
		return nil, err
	}
	statByID := make(map[int64]*models.FileStats, len(stats))
	for i := range stats {
		statByID[stats[i].FileID] = &stats[i]
	}

	type agg struct {
		size      int
		couplings float64
		edgeCount int
		churn     int
		members   []int64
	}
	byCluster := make(map[int]*agg)
	get := func(c int) *agg {
		a := byCluster[c]
		if a == nil {
			a = &agg{}
			byCluster[c] = a
		}
		return a
	}

	for fileID, c := range assign {
		a := get(c)
		a.size++
		a.members = append(a.members, fileID)
		if st := statByID[fileID]; st != nil {
			a.churn += st.LinesAdded + st.LinesDeleted
		}
	}
	for _, edge := range p.edges {
		src, srcOK := assign[edge.SrcFileID]
		dst, dstOK := assign[edge.DstFileID]
		if srcOK && dstOK && src == dst {
			a := get(src)
			a.couplings += edge.WeightedJaccard
			a.edgeCount++
		}
	}

	clusters := make([]int, 0, len(byCluster))
	for c := range byCluster {
		clusters = append(clusters, c)
	}
	sort.Ints(clusters)

	out := make([]models.ClusterMetrics, 0, len(clusters))
	for _, c := range clusters {
		a := byCluster[c]
		sort.Slice(a.members, func(i, j int) bool {
			ri, rj := 0.0, 0.0
			if st := statByID[a.members[i]]; st != nil {
				ri = st.RiskScore
			}
			if st := statByID[a.members[j]]; st != nil {
				rj = st.RiskScore
			}
			if ri != rj {
				return ri > rj
			}
			return a.members[i] < a.members[j]
		})
		top := a.members
		if len(top) > topFilesPerCluster {
			top = top[:topFilesPerCluster]
		}
		topPaths := make([]string, len(top))
		for i, id := range top {
			topPaths[i] = paths[id]
		}
		topJSON, _ := json.Marshal(topPaths)

		m := models.ClusterMetrics{
			SnapshotID:    snapshotID,
			ClusterID:     c,
			Size:          a.size,
			InternalChurn: a.churn,
			TopFiles:      string(topJSON),
		}
		if a.edgeCount > 0 {
			m.AvgCoupling = a.couplings / float64(a.edgeCount)
		}
		out = append(out, m)
	}
	return out, nil
}
