// Package vcs reads commit history out of a local git mirror and decodes
// it into typed records for the extraction pipeline.
package vcs

import (
	"context"
	"time"

	"github.com/entanglehq/entangle/pkg/models"
)

// Options configures commit enumeration and diff decoding.
type Options struct {
	// Since and Until bound the commit range by committer time.
	Since *time.Time
	Until *time.Time
	// Ref is the starting reference; empty means the repository head.
	Ref string
	// IncludeAllRefs walks from every reference instead of a single head.
	IncludeAllRefs bool
	// RenameThreshold is the similarity percentage (0-100) for rename
	// detection. Zero means the default of 60.
	RenameThreshold int
	// DetectCopies enables copy detection where the backend supports it.
	DetectCopies bool
	// MergeUnion diffs merge commits against every parent and unions the
	// results. Off, merges are diffed against the first parent only.
	MergeUnion bool
}

// Reader yields a finite sequence of commit records in an order compatible
// with topological DAG order: parents always precede children.
type Reader interface {
	// Total returns the number of commits the reader will yield.
	Total() int
	// Head returns the hash of the resolved head commit.
	Head() string
	// ForEach invokes fn for every commit record, oldest first. Returning
	// an error from fn stops iteration and propagates the error.
	ForEach(ctx context.Context, fn func(*models.CommitRecord) error) error
	// Close releases backend resources.
	Close() error
}

// Opener opens repository mirrors for reading.
type Opener interface {
	Open(path string, opts Options) (Reader, error)
}
