package models

// FileFilter narrows list_files results. Zero values mean "no constraint".
type FileFilter struct {
	Substring   string
	AtHeadOnly  bool
	MinRisk     float64
	MaxRisk     float64
	MinCoupling float64
	MinChurn    float64
	Limit       int
	Offset      int
}

// FileInfo is the list_files row shape.
type FileInfo struct {
	FileID       int64   `db:"file_id" json:"file_id"`
	Path         string  `db:"path" json:"path"`
	TotalCommits int     `db:"total_commits" json:"total_commits"`
	AuthorsCount int     `db:"authors_count" json:"authors_count"`
	ChurnRate    float64 `db:"churn_rate" json:"churn_rate"`
	MaxCoupling  float64 `db:"max_coupling" json:"max_coupling"`
	RiskScore    float64 `db:"risk_score" json:"risk_score"`
	IsHotspot    bool    `db:"is_hotspot" json:"is_hotspot"`
	AtHead       bool    `db:"at_head" json:"at_head"`
}

// FileDetails extends FileStats with lineage for get_file_details.
type FileDetails struct {
	Stats   FileStats       `json:"stats"`
	Lineage []LineageRecord `json:"lineage"`
	AtHead  bool            `json:"at_head"`
}

// CoupledFile is one neighbour in a symmetric coupling lookup.
type CoupledFile struct {
	FileID          int64   `json:"file_id"`
	Path            string  `json:"path"`
	PairCount       int     `json:"pair_count"`
	Jaccard         float64 `json:"jaccard"`
	WeightedJaccard float64 `json:"weighted_jaccard"`
	PGivenQuery     float64 `json:"p_given_query"`
	PQueryGiven     float64 `json:"p_query_given"`
}

// CouplingOptions bounds coupling and graph reads.
type CouplingOptions struct {
	MinWeight float64
	Limit     int
}

// GraphNode is a node of a coupling graph response.
type GraphNode struct {
	FileID    int64   `json:"file_id"`
	Path      string  `json:"path"`
	RiskScore float64 `json:"risk_score"`
}

// GraphEdge is an edge of a coupling graph response.
type GraphEdge struct {
	SrcFileID       int64   `json:"src_file_id"`
	DstFileID       int64   `json:"dst_file_id"`
	PairCount       int     `json:"pair_count"`
	WeightedJaccard float64 `json:"weighted_jaccard"`
}

// Graph is a bounded coupling graph rooted at a path prefix.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// HotspotOptions controls hotspot ranking reads.
type HotspotOptions struct {
	SortBy string // "risk" (default) or "commits"
	Limit  int
}

// ComponentCoupling is a folder-level coupling roll-up entry.
type ComponentCoupling struct {
	Component      string  `json:"component"`
	OtherComponent string  `json:"other_component"`
	PairCount      int     `json:"pair_count"`
	AvgJaccard     float64 `json:"avg_jaccard"`
}
