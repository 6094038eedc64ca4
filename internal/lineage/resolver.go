// Package lineage maintains the current-path to stable-file-identity
// mapping across renames and keeps the lineage record sequence.
package lineage

import (
	"github.com/entanglehq/entangle/pkg/models"
)

// Resolver maps live paths to stable file ids. A path maps to at most one
// live file id at any time, and a file id has exactly one live path.
// Lineage is a flat record sequence keyed by (file_id, start_commit);
// delete-then-readd reopens a new record on the same id.
type Resolver struct {
	byPath map[string]int64
	byID   map[int64]string
	nextID int64

	records []models.LineageRecord
	// openIdx indexes the record in records with a nil EndCommit per file.
	openIdx map[int64]int
}

// NewResolver creates an empty resolver. IDs start at 1.
func NewResolver() *Resolver {
	return &Resolver{
		byPath:  make(map[string]int64),
		byID:    make(map[int64]string),
		nextID:  1,
		openIdx: make(map[int64]int),
	}
}

// Resolve returns the live file id for path, if any.
func (r *Resolver) Resolve(path string) (int64, bool) {
	id, ok := r.byPath[path]
	return id, ok
}

// PathOf returns the live path for a file id, if any.
func (r *Resolver) PathOf(id int64) (string, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Add registers path at commit. A path seen for the first time allocates a
// new id; a re-add after delete reuses the id and opens a fresh lineage
// record. An add over a live path is a no-op returning the existing id.
func (r *Resolver) Add(path, commit string) int64 {
	if id, ok := r.byPath[path]; ok {
		if _, live := r.byID[id]; live {
			return id
		}
		// Re-add after delete: same identity, new lineage segment.
		r.byID[id] = path
		r.open(id, path, commit)
		return id
	}
	id := r.nextID
	r.nextID++
	r.byPath[path] = id
	r.byID[id] = path
	r.open(id, path, commit)
	return id
}

// Rename re-maps the identity behind old to new at commit. A rename of an
// unknown path is an ordinary miss handled as an add, not an error.
func (r *Resolver) Rename(old, new, commit string) int64 {
	id, ok := r.byPath[old]
	if !ok {
		return r.Add(new, commit)
	}
	r.close(id, commit)
	delete(r.byPath, old)
	r.byPath[new] = id
	r.byID[id] = new
	r.open(id, new, commit)
	return id
}

// Delete closes the live lineage record for path at commit. The path keeps
// resolving to its id so a later re-add reuses the identity.
func (r *Resolver) Delete(path, commit string) (int64, bool) {
	id, ok := r.byPath[path]
	if !ok {
		return 0, false
	}
	r.close(id, commit)
	delete(r.byID, id)
	return id, true
}

// Live reports whether the file id currently exists under some path.
func (r *Resolver) Live(id int64) bool {
	_, ok := r.byID[id]
	return ok
}

// Records returns the accumulated lineage sequence.
func (r *Resolver) Records() []models.LineageRecord {
	return r.records
}

func (r *Resolver) open(id int64, path, commit string) {
	r.records = append(r.records, models.LineageRecord{
		FileID:      id,
		Path:        path,
		StartCommit: commit,
	})
	r.openIdx[id] = len(r.records) - 1
}

func (r *Resolver) close(id int64, commit string) {
	if idx, ok := r.openIdx[id]; ok {
		c := commit
		r.records[idx].EndCommit = &c
		delete(r.openIdx, id)
	}
}
