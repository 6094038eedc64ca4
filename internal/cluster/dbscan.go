package cluster

import (
	"github.com/entanglehq/entangle/pkg/config"
)

// noiseCluster marks files DBSCAN could not place in any dense region.
// Noise members are dropped from the snapshot rather than persisted.
const noiseCluster = -1

// dbscan clusters the projection over the distance 1 - weighted_jaccard.
// Neighbourhoods come straight from the adjacency lists: a missing edge is
// distance 1 and can never fall inside eps (eps <= 1).
func dbscan(p *projection, params config.DBSCAN) map[int64]int {
	ids := p.fileIDs()
	assign := make(map[int64]int, len(ids))
	visited := make(map[int64]bool, len(ids))

	neighborhood := func(id int64) []int64 {
		var out []int64
		for _, nb := range p.adjacency[id] {
			if 1-nb.weight <= params.Eps {
				out = append(out, nb.fileID)
			}
		}
		return out
	}

	next := 0
	for _, id := range ids {
		if visited[id] {
			continue
		}
		visited[id] = true

		seeds := neighborhood(id)
		if len(seeds)+1 < params.MinSamples {
			assign[id] = noiseCluster
			continue
		}

		cluster := next
		next++
		assign[id] = cluster

		// Expand: border points join, further core points extend the frontier.
		for i := 0; i < len(seeds); i++ {
			nb := seeds[i]
			if !visited[nb] {
				visited[nb] = true
				more := neighborhood(nb)
				if len(more)+1 >= params.MinSamples {
					seeds = append(seeds, more...)
				}
			}
			if cur, ok := assign[nb]; !ok || cur == noiseCluster {
				assign[nb] = cluster
			}
		}
	}

	for id, c := range assign {
		if c == noiseCluster {
			delete(assign, id)
		}
	}
	return renumber(assign)
}
