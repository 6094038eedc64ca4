package models

import "time"

// EntityKind classifies analysis entities.
type EntityKind string

const (
	EntityFile      EntityKind = "file"
	EntityFolder    EntityKind = "folder"
	EntityComponent EntityKind = "component"
	EntityExternal  EntityKind = "external"
)

// Entity is a uniquely identified thing in the analysis.
// (QualifiedName, Kind) is unique. Files are created on first sighting and
// never deleted; AtHead tracks presence at the head commit separately.
type Entity struct {
	ID            int64      `db:"id"`
	Kind          EntityKind `db:"kind"`
	QualifiedName string     `db:"qualified_name"`
	ParentID      *int64     `db:"parent_id"`
	AtHead        bool       `db:"at_head"`
}

// Commit is an immutable recorded commit.
type Commit struct {
	ID            int64     `db:"id"`
	Hash          string    `db:"vcs_object_id"`
	AuthorName    string    `db:"author_name"`
	AuthorEmail   string    `db:"author_email"`
	AuthorTime    time.Time `db:"author_time"`
	CommitterTime time.Time `db:"committer_time"`
	Message       string    `db:"message"`
	IsMerge       bool      `db:"is_merge"`
	ParentCount   int       `db:"parent_count"`
	Size          int       `db:"size"`
}

// Change is one row per (commit, resolved file) pair.
type Change struct {
	CommitID     int64      `db:"commit_id"`
	FileID       int64      `db:"file_id"`
	Kind         ChangeKind `db:"kind"`
	LinesAdded   int        `db:"lines_added"`
	LinesDeleted int        `db:"lines_deleted"`
	PriorPath    string     `db:"prior_path"`
}

// LineageRecord tracks the path a stable file identity was known under.
// EndCommit is nil while the path is active.
type LineageRecord struct {
	FileID      int64   `db:"file_id"`
	Path        string  `db:"path"`
	StartCommit string  `db:"start_commit"`
	EndCommit   *string `db:"end_commit"`
}

// Edge is an undirected coupling edge; SrcFileID < DstFileID always.
// The directional conditional probabilities carry the asymmetry.
type Edge struct {
	SrcFileID         int64   `db:"src_file_id"`
	DstFileID         int64   `db:"dst_file_id"`
	PairCount         int     `db:"pair_count"`
	WeightedPairCount float64 `db:"weighted_pair_count"`
	Jaccard           float64 `db:"jaccard"`
	WeightedJaccard   float64 `db:"weighted_jaccard"`
	PDstGivenSrc      float64 `db:"p_dst_given_src"`
	PSrcGivenDst      float64 `db:"p_src_given_dst"`
}

// FileStats holds per-file derived metrics.
type FileStats struct {
	FileID            int64      `db:"file_id"`
	Path              string     `db:"path"`
	TotalCommits      int        `db:"total_commits"`
	AuthorsCount      int        `db:"authors_count"`
	FirstCommitDate   time.Time  `db:"first_commit_date"`
	LastCommitDate    time.Time  `db:"last_commit_date"`
	LinesAdded        int        `db:"lines_added"`
	LinesDeleted      int        `db:"lines_deleted"`
	MaxCoupling       float64    `db:"max_coupling"`
	CoupledFilesCount int        `db:"coupled_files_count"`
	CommitsLast30Days int        `db:"commits_last_30_days"`
	ChurnRate         float64    `db:"churn_rate"`
	RiskScore         float64    `db:"risk_score"`
	IsHotspot         bool       `db:"is_hotspot"`
}

// FolderStats is the folder-level roll-up of its child files.
type FolderStats struct {
	Path             string  `db:"path"`
	FileCount        int     `db:"file_count"`
	TotalCommits     int     `db:"total_commits"`
	TotalChurn       int     `db:"total_churn"`
	AuthorsCount     int     `db:"authors_count"`
	InternalCoupling int     `db:"internal_coupling"`
	ExternalCoupling int     `db:"external_coupling"`
	Cohesion         float64 `db:"cohesion"`
}

// AuthorStats aggregates activity per canonical author identity.
type AuthorStats struct {
	Author       string    `db:"author"`
	Email        string    `db:"email"`
	Commits      int       `db:"commits"`
	LinesAdded   int       `db:"lines_added"`
	LinesDeleted int       `db:"lines_deleted"`
	FilesTouched int       `db:"files_touched"`
	FirstCommit  time.Time `db:"first_commit"`
	LastCommit   time.Time `db:"last_commit"`
}

// RunState is the lifecycle state of an analysis run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Stage names a pipeline stage within a run.
type Stage string

const (
	StageExtracting    Stage = "extracting"
	StageChangesetting Stage = "changesetting"
	StageAggregating   Stage = "aggregating"
	StageEdgesWritten  Stage = "edges_written"
	StageDeriving      Stage = "deriving"
	StageClustering    Stage = "clustering"
	StageDone          Stage = "done"
)

// Run records one invocation of the analysis pipeline.
type Run struct {
	ID               string     `db:"id"`
	Repo             string     `db:"repo"`
	ConfigID         string     `db:"config_id"`
	State            RunState   `db:"state"`
	Stage            Stage      `db:"stage"`
	ProcessedCommits int64      `db:"processed_commits"`
	TotalCommits     int64      `db:"total_commits"`
	StartedAt        *time.Time `db:"started_at"`
	FinishedAt       *time.Time `db:"finished_at"`
	Heartbeat        time.Time  `db:"heartbeat"`
	Error            string     `db:"error"`
}

// ClusterSnapshot is an immutable materialisation of one clustering result.
type ClusterSnapshot struct {
	ID         string    `db:"id"`
	Algorithm  string    `db:"algorithm"`
	Parameters string    `db:"parameters"`
	EdgeFilter float64   `db:"edge_filter"`
	CreatedAt  time.Time `db:"created_at"`
}

// ClusterMember assigns a file to a cluster within a snapshot.
type ClusterMember struct {
	SnapshotID string `db:"snapshot_id"`
	ClusterID  int    `db:"cluster_id"`
	FileID     int64  `db:"file_id"`
}

// ClusterMetrics holds derived metrics for one cluster in a snapshot.
type ClusterMetrics struct {
	SnapshotID    string  `db:"snapshot_id"`
	ClusterID     int     `db:"cluster_id"`
	Size          int     `db:"size"`
	AvgCoupling   float64 `db:"avg_coupling"`
	InternalChurn int     `db:"internal_churn"`
	TopFiles      string  `db:"top_files"`
}

// ClusterMatchClass classifies a cluster correspondence between snapshots.
type ClusterMatchClass string

const (
	ClusterStable    ClusterMatchClass = "stable"
	ClusterDrifted   ClusterMatchClass = "drifted"
	ClusterDissolved ClusterMatchClass = "dissolved"
	ClusterNew       ClusterMatchClass = "new"
)

// ClusterMatch is one entry of a two-snapshot comparison.
type ClusterMatch struct {
	BaseCluster  int               `json:"base_cluster"`
	OtherCluster int               `json:"other_cluster"`
	Overlap      int               `json:"overlap"`
	Jaccard      float64           `json:"jaccard"`
	Class        ClusterMatchClass `json:"class"`
}

// SnapshotComparison is the result of comparing two cluster snapshots.
type SnapshotComparison struct {
	BaseSnapshot  string         `json:"base_snapshot"`
	OtherSnapshot string         `json:"other_snapshot"`
	Matches       []ClusterMatch `json:"matches"`
}
