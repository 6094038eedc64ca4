// Package cluster projects the coupling edge set onto a weighted graph and
// partitions it into file communities.
package cluster

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph/simple"

	"github.com/entanglehq/entangle/pkg/models"
)

// projection is the clustering input graph with mappings between stable
// file ids and gonum's dense node ids.
type projection struct {
	graph      *simple.WeightedUndirectedGraph
	fileToNode map[int64]int64
	nodeToFile map[int64]int64
	edges      []models.Edge
	adjacency  map[int64][]neighbor // by file id, weighted_jaccard
}

type neighbor struct {
	fileID int64
	weight float64
}

// project builds the graph from edges at or above minWeight. Only files
// with at least one qualifying edge become nodes. A folder prefix narrows
// both endpoints to that subtree.
func project(edges []models.Edge, paths map[int64]string, minWeight float64, folderPrefix string) *projection {
	p := &projection{
		graph:      simple.NewWeightedUndirectedGraph(0, 0),
		fileToNode: make(map[int64]int64),
		nodeToFile: make(map[int64]int64),
		adjacency:  make(map[int64][]neighbor),
	}

	inScope := func(id int64) bool {
		if folderPrefix == "" {
			return true
		}
		path := paths[id]
		return path == folderPrefix || strings.HasPrefix(path, folderPrefix+"/")
	}

	node := func(fileID int64) int64 {
		if n, ok := p.fileToNode[fileID]; ok {
			return n
		}
		n := int64(len(p.fileToNode))
		p.fileToNode[fileID] = n
		p.nodeToFile[n] = fileID
		p.graph.AddNode(simple.Node(n))
		return n
	}

	for _, e := range edges {
		if e.WeightedJaccard < minWeight {
			continue
		}
		if !inScope(e.SrcFileID) || !inScope(e.DstFileID) {
			continue
		}
		p.edges = append(p.edges, e)
		src, dst := node(e.SrcFileID), node(e.DstFileID)
		p.graph.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(src), T: simple.Node(dst), W: e.WeightedJaccard,
		})
		p.adjacency[e.SrcFileID] = append(p.adjacency[e.SrcFileID],
			neighbor{fileID: e.DstFileID, weight: e.WeightedJaccard})
		p.adjacency[e.DstFileID] = append(p.adjacency[e.DstFileID],
			neighbor{fileID: e.SrcFileID, weight: e.WeightedJaccard})
	}
	return p
}

// fileIDs returns the projected file ids in ascending order.
func (p *projection) fileIDs() []int64 {
	out := make([]int64, 0, len(p.fileToNode))
	for id := range p.fileToNode {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// renumber maps arbitrary cluster labels to dense ids ordered by the
// smallest member file id, so identical partitions get identical labels
// across runs.
func renumber(assign map[int64]int) map[int64]int {
	minMember := make(map[int]int64)
	for fileID, c := range assign {
		if cur, ok := minMember[c]; !ok || fileID < cur {
			minMember[c] = fileID
		}
	}
	labels := make([]int, 0, len(minMember))
	for c := range minMember {
		labels = append(labels, c)
	}
	sort.Slice(labels, func(i, j int) bool { return minMember[labels[i]] < minMember[labels[j]] })

	remap := make(map[int]int, len(labels))
	for dense, c := range labels {
		remap[c] = dense
	}
	out := make(map[int64]int, len(assign))
	for fileID, c := range assign {
		out[fileID] = remap[c]
	}
	return out
}
