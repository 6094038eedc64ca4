package cluster

import (
	"math"

	"github.com/entanglehq/entangle/pkg/config"
)

// wardNodeLimit bounds ward linkage, whose merge cost bookkeeping is
// quadratic in memory on dense distance matrices.
const wardNodeLimit = 5000

// hierarchical runs agglomerative clustering over the coupling distance
// 1 - weighted_jaccard. Unconnected pairs sit at distance 1. The dendrogram
// is cut at n_clusters when set, otherwise at the distance threshold.
func hierarchical(p *projection, params config.Hierarchical) map[int64]int {
	ids := p.fileIDs()
	n := len(ids)
	assign := make(map[int64]int, n)
	if n == 0 {
		return assign
	}

	idx := make(map[int64]int, n)
	for i, id := range ids {
		idx[id] = i
	}

	// Dense distance matrix; the projection is already bounded by the
	// edge-weight floor so n stays modest.
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			if i != j {
				dist[i][j] = 1
			}
		}
	}
	for _, e := range p.edges {
		i, j := idx[e.SrcFileID], idx[e.DstFileID]
		d := 1 - e.WeightedJaccard
		dist[i][j] = d
		dist[j][i] = d
	}

	active := make([]bool, n)
	size := make([]int, n)
	for i := range active {
		active[i] = true
		size[i] = 1
	}
	members := make([][]int, n)
	for i := range members {
		members[i] = []int{i}
	}

	clusters := n
	stop := func(mergeDist float64) bool {
		if params.NClusters > 0 {
			return clusters <= params.NClusters
		}
		return mergeDist > params.DistanceThreshold
	}

	for clusters > 1 {
		// Closest active pair.
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !active[j] {
					continue
				}
				if dist[i][j] < best {
					bi, bj, best = i, j, dist[i][j]
				}
			}
		}
		if bi < 0 || stop(best) {
			break
		}

		// Lance-Williams update of the merged cluster's distances.
		for k := 0; k < n; k++ {
			if !active[k] || k == bi || k == bj {
				continue
			}
			var d float64
			switch params.Linkage {
			case "single":
				d = math.Min(dist[bi][k], dist[bj][k])
			case "complete":
				d = math.Max(dist[bi][k], dist[bj][k])
			case "ward":
				si, sj, sk := float64(size[bi]), float64(size[bj]), float64(size[k])
				total := si + sj + sk
				d = math.Sqrt((si+sk)/total*dist[bi][k]*dist[bi][k] +
					(sj+sk)/total*dist[bj][k]*dist[bj][k] -
					sk/total*best*best)
			default: // average
				si, sj := float64(size[bi]), float64(size[bj])
				d = (si*dist[bi][k] + sj*dist[bj][k]) / (si + sj)
			}
			dist[bi][k] = d
			dist[k][bi] = d
		}

		members[bi] = append(members[bi], members[bj]...)
		size[bi] += size[bj]
		active[bj] = false
		clusters--

		if params.NClusters > 0 && clusters <= params.NClusters {
			break
		}
	}

	next := 0
	for i := 0; i < n; i++ {
		if !active[i] {
			continue
		}
		for _, m := range members[i] {
			assign[ids[m]] = next
		}
		next++
	}
	return renumber(assign)
}
