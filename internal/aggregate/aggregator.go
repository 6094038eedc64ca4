// Package aggregate turns the changeset stream into coupling edges:
// pairwise co-change counts, derived metrics and the top-K projection.
package aggregate

import (
	"context"
	"math"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/entanglehq/entangle/internal/changeset"
	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

func uint64frombits(f float64) uint64 {
	return math.Float64bits(f)
}

func float64frombits(b uint64) float64 {
	return math.Float64frombits(b)
}

// Aggregator runs the single pass over changesets and derives edges.
type Aggregator struct {
	cfg *config.Config
	log *logrus.Logger
}

// New creates an aggregator.
func New(cfg *config.Config, log *logrus.Logger) *Aggregator {
	if log == nil {
		log = logrus.New()
	}
	return &Aggregator{cfg: cfg, log: log}
}

// Result carries the derived edge set and the per-file projection.
type Result struct {
	Edges []models.Edge
	TopK  []store.TopKEdge
}

// Run consumes the changeset stream and computes edges. Per-file lifetime
// changeset counts (unweighted and weighted) come from the same pass, per
// the Jaccard-correctness contract: unweighted metrics never mix with
// weighted counts.
func (g *Aggregator) Run(
	ctx context.Context,
	builder *changeset.Builder,
	commits []models.Commit,
	revisions map[int64]int,
	scan func(fn func(store.ChangeRow) error) error,
) (*Result, error) {
	spillDir, err := os.MkdirTemp("", "entangle-pairs-*")
	if err != nil {
		return nil, models.WrapError(models.ErrStoreWriteFailed, err, "create spill directory")
	}
	defer os.RemoveAll(spillDir)

	acc := newAccumulator(spillDir, g.cfg.SpillBudget)
	fileSets := make(map[uint32]int)     // na: changesets containing the file
	fileWeights := make(map[uint32]float64) // wa: weighted changeset sums

	err = builder.Stream(ctx, commits, revisions, scan, func(cs *changeset.Changeset) error {
		// Every member counts toward its file's lifetime totals, singleton
		// changesets included; only the pair loop needs two members.
		ids := cs.Files.ToArray()
		for i, a := range ids {
			fileSets[a]++
			fileWeights[a] += cs.Weight
			for _, b := range ids[i+1:] {
				if err := acc.add(pairKey(a, b), cs.Weight); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var edges []models.Edge
	err = acc.drain(func(key uint64, count int, weighted float64) {
		if count < g.cfg.MinCooccurrence {
			return
		}
		a, b := splitKey(key)
		na, nb := fileSets[a], fileSets[b]
		wa, wb := fileWeights[a], fileWeights[b]

		edge := models.Edge{
			SrcFileID:         int64(a),
			DstFileID:         int64(b),
			PairCount:         count,
			WeightedPairCount: weighted,
			Jaccard:           float64(count) / float64(na+nb-count),
			PDstGivenSrc:      float64(count) / float64(na),
			PSrcGivenDst:      float64(count) / float64(nb),
		}
		if denom := wa + wb - weighted; denom > 0 {
			edge.WeightedJaccard = weighted / denom
		}
		edges = append(edges, edge)
	})
	if err != nil {
		return nil, err
	}

	// Deterministic order so an identical re-run writes identical bytes.
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SrcFileID != edges[j].SrcFileID {
			return edges[i].SrcFileID < edges[j].SrcFileID
		}
		return edges[i].DstFileID < edges[j].DstFileID
	})

	topk := g.project(edges)
	g.log.WithFields(logrus.Fields{
		"edges": len(edges),
		"topk":  len(topk),
	}).Info("edge aggregation complete")
	return &Result{Edges: edges, TopK: topk}, nil
}

// project keeps, for each file, the K incident edges with the highest
// weighted_jaccard. Ties break on higher pair_count, then lower
// neighbour id.
func (g *Aggregator) project(edges []models.Edge) []store.TopKEdge {
	type candidate struct {
		neighbor int64
		pair     int
		wj       float64
	}
	byFile := make(map[int64][]candidate)
	for _, e := range edges {
		byFile[e.SrcFileID] = append(byFile[e.SrcFileID],
			candidate{neighbor: e.DstFileID, pair: e.PairCount, wj: e.WeightedJaccard})
		byFile[e.DstFileID] = append(byFile[e.DstFileID],
			candidate{neighbor: e.SrcFileID, pair: e.PairCount, wj: e.WeightedJaccard})
	}

	fileIDs := make([]int64, 0, len(byFile))
	for id := range byFile {
		fileIDs = append(fileIDs, id)
	}
	sort.Slice(fileIDs, func(i, j int) bool { return fileIDs[i] < fileIDs[j] })

	var out []store.TopKEdge
	for _, id := range fileIDs {
		cands := byFile[id]
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].wj != cands[j].wj {
				return cands[i].wj > cands[j].wj
			}
			if cands[i].pair != cands[j].pair {
				return cands[i].pair > cands[j].pair
			}
			return cands[i].neighbor < cands[j].neighbor
		})
		k := g.cfg.TopKEdges
		if k > len(cands) {
			k = len(cands)
		}
		for rank := 0; rank < k; rank++ {
			out = append(out, store.TopKEdge{
				FileID:          id,
				Rank:            rank + 1,
				NeighborID:      cands[rank].neighbor,
				PairCount:       cands[rank].pair,
				WeightedJaccard: cands[rank].wj,
			})
		}
	}
	return out
}
