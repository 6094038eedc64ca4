package cluster

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/graph/community"
)

// louvain runs modularity maximisation over the weighted projection and
// returns file id to cluster assignments plus the achieved modularity.
// The source is seeded so an unchanged graph yields the same partition.
func louvain(p *projection, resolution float64) (map[int64]int, float64) {
	assign := make(map[int64]int)
	if len(p.fileToNode) == 0 {
		return assign, 0
	}

	src := rand.NewPCG(1, 1)
	reduced := community.Modularize(p.graph, resolution, src)
	communities := reduced.Communities()

	for idx, comm := range communities {
		for _, node := range comm {
			assign[p.nodeToFile[node.ID()]] = idx
		}
	}
	modularity := community.Q(p.graph, communities, resolution)
	return renumber(assign), modularity
}
