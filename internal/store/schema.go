package store

// SchemaVersion is checked at open; a mismatch fails fast rather than
// attempting a migration, since a new analysis run rebuilds everything.
const SchemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	id             INTEGER PRIMARY KEY,
	kind           TEXT NOT NULL,
	qualified_name TEXT NOT NULL,
	parent_id      INTEGER,
	at_head        INTEGER NOT NULL DEFAULT 0,
	UNIQUE (qualified_name, kind)
);

CREATE TABLE IF NOT EXISTS commits (
	id             INTEGER PRIMARY KEY,
	vcs_object_id  TEXT NOT NULL UNIQUE,
	author_name    TEXT NOT NULL,
	author_email   TEXT NOT NULL,
	author_time    DATETIME NOT NULL,
	committer_time DATETIME NOT NULL,
	message        TEXT NOT NULL,
	is_merge       INTEGER NOT NULL,
	parent_count   INTEGER NOT NULL,
	size           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_author_time ON commits(author_time);

-- file_id columns below are plain integers: the entity catalog is swapped
-- at a different pipeline stage than the tables referencing it, so an
-- enforced foreign key cannot hold across the swap boundaries.
CREATE TABLE IF NOT EXISTS changes (
	commit_id     INTEGER NOT NULL REFERENCES commits(id),
	file_id       INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	lines_added   INTEGER NOT NULL,
	lines_deleted INTEGER NOT NULL,
	prior_path    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (commit_id, file_id)
);
CREATE INDEX IF NOT EXISTS idx_changes_file ON changes(file_id);

CREATE TABLE IF NOT EXISTS lineage (
	file_id      INTEGER NOT NULL,
	path         TEXT NOT NULL,
	start_commit TEXT NOT NULL,
	end_commit   TEXT,
	PRIMARY KEY (file_id, start_commit)
);
CREATE INDEX IF NOT EXISTS idx_lineage_path ON lineage(path);

CREATE TABLE IF NOT EXISTS edges (
	src_file_id         INTEGER NOT NULL,
	dst_file_id         INTEGER NOT NULL,
	pair_count          INTEGER NOT NULL,
	weighted_pair_count REAL NOT NULL,
	jaccard             REAL NOT NULL,
	weighted_jaccard    REAL NOT NULL,
	p_dst_given_src     REAL NOT NULL,
	p_src_given_dst     REAL NOT NULL,
	PRIMARY KEY (src_file_id, dst_file_id),
	CHECK (src_file_id < dst_file_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_file_id);

CREATE TABLE IF NOT EXISTS topk_edges (
	file_id          INTEGER NOT NULL,
	rank             INTEGER NOT NULL,
	neighbor_id      INTEGER NOT NULL,
	pair_count       INTEGER NOT NULL,
	weighted_jaccard REAL NOT NULL,
	PRIMARY KEY (file_id, rank)
);

CREATE TABLE IF NOT EXISTS file_stats (
	file_id              INTEGER PRIMARY KEY,
	path                 TEXT NOT NULL,
	total_commits        INTEGER NOT NULL,
	authors_count        INTEGER NOT NULL,
	first_commit_date    DATETIME NOT NULL,
	last_commit_date     DATETIME NOT NULL,
	lines_added          INTEGER NOT NULL,
	lines_deleted        INTEGER NOT NULL,
	max_coupling         REAL NOT NULL,
	coupled_files_count  INTEGER NOT NULL,
	commits_last_30_days INTEGER NOT NULL,
	churn_rate           REAL NOT NULL,
	risk_score           REAL NOT NULL,
	is_hotspot           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_stats (
	path              TEXT PRIMARY KEY,
	file_count        INTEGER NOT NULL,
	total_commits     INTEGER NOT NULL,
	total_churn       INTEGER NOT NULL,
	authors_count     INTEGER NOT NULL,
	internal_coupling INTEGER NOT NULL,
	external_coupling INTEGER NOT NULL,
	cohesion          REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS author_stats (
	author        TEXT NOT NULL,
	email         TEXT NOT NULL,
	commits       INTEGER NOT NULL,
	lines_added   INTEGER NOT NULL,
	lines_deleted INTEGER NOT NULL,
	files_touched INTEGER NOT NULL,
	first_commit  DATETIME NOT NULL,
	last_commit   DATETIME NOT NULL,
	PRIMARY KEY (email)
);

CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	repo              TEXT NOT NULL,
	config_id         TEXT NOT NULL,
	state             TEXT NOT NULL,
	stage             TEXT NOT NULL,
	processed_commits INTEGER NOT NULL DEFAULT 0,
	total_commits     INTEGER NOT NULL DEFAULT 0,
	started_at        DATETIME,
	finished_at       DATETIME,
	heartbeat         DATETIME NOT NULL,
	error             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo);

CREATE TABLE IF NOT EXISTS configs (
	id         TEXT PRIMARY KEY,
	repo       TEXT NOT NULL,
	name       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cluster_snapshots (
	id          TEXT PRIMARY KEY,
	algorithm   TEXT NOT NULL,
	parameters  TEXT NOT NULL,
	edge_filter REAL NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cluster_members (
	snapshot_id TEXT NOT NULL REFERENCES cluster_snapshots(id) ON DELETE CASCADE,
	cluster_id  INTEGER NOT NULL,
	file_id     INTEGER NOT NULL,
	PRIMARY KEY (snapshot_id, cluster_id, file_id)
);

CREATE TABLE IF NOT EXISTS cluster_metrics (
	snapshot_id    TEXT NOT NULL REFERENCES cluster_snapshots(id) ON DELETE CASCADE,
	cluster_id     INTEGER NOT NULL,
	size           INTEGER NOT NULL,
	avg_coupling   REAL NOT NULL,
	internal_churn INTEGER NOT NULL,
	top_files      TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, cluster_id)
);
`
