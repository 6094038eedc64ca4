package models

import "time"

// ChangeKind classifies a single file change within a commit.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
	ChangeRename ChangeKind = "rename"
	ChangeCopy   ChangeKind = "copy"
)

// ChangeAtom is one file-level change decoded from a commit diff.
// OldPath is set for renames and copies. When the source cannot produce
// line deltas (binary content), both counts are zero and StatsReliable
// is false.
type ChangeAtom struct {
	Kind          ChangeKind
	Path          string
	OldPath       string
	LinesAdded    int
	LinesDeleted  int
	StatsReliable bool
}

// CommitRecord is a commit decoded from the VCS mirror, with its file
// change atoms. Records arrive parents-before-children.
type CommitRecord struct {
	Hash          string
	Parents       []string
	AuthorName    string
	AuthorEmail   string
	AuthorTime    time.Time
	CommitterTime time.Time
	Message       string
	Changes       []ChangeAtom
}

// IsMerge reports whether the commit has two or more parents.
func (c *CommitRecord) IsMerge() bool {
	return len(c.Parents) >= 2
}
