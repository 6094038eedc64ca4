// Package changeset groups extracted commits into logical changesets
// under the configured policy and assigns each changeset its weight.
package changeset

import (
	"context"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

// Changeset is a set of file ids co-changing in one logical unit.
type Changeset struct {
	Ordinal int
	Files   *roaring.Bitmap
	Weight  float64
	Anchor  time.Time
}

// Size returns the distinct file count.
func (c *Changeset) Size() int {
	return int(c.Files.GetCardinality())
}

// Builder derives commit-to-changeset assignments and streams the
// resulting file sets. Changesets are never all materialised at once;
// only their (bounded) file bitmaps are held while the change stream is
// consumed.
type Builder struct {
	cfg    *config.Config
	ticket *regexp.Regexp
	now    time.Time
}

// NewBuilder validates policy-specific options and creates a builder.
func NewBuilder(cfg *config.Config, now time.Time) (*Builder, error) {
	b := &Builder{cfg: cfg, now: now}
	if cfg.ChangesetMode == config.ByTicketID {
		re, err := regexp.Compile(cfg.TicketPattern)
		if err != nil {
			return nil, models.WrapError(models.ErrConfigInvalid, err, "ticket_id_pattern")
		}
		b.ticket = re
	}
	return b, nil
}

// Assignment maps commit ids to changeset ordinals.
type Assignment struct {
	ByCommit map[int64]int
	Anchors  []time.Time
	Count    int
}

// Assign walks the commit list (extraction order) and decides each
// commit's changeset. Merge commits are excluded unless merge handling
// says otherwise; window_days drops commits older than the window.
func (b *Builder) Assign(commits []models.Commit) *Assignment {
	a := &Assignment{ByCommit: make(map[int64]int, len(commits))}

	var windowCutoff time.Time
	if b.cfg.WindowDays > 0 {
		windowCutoff = b.now.AddDate(0, 0, -b.cfg.WindowDays)
	}

	newGroup := func(anchor time.Time) int {
		a.Anchors = append(a.Anchors, anchor)
		a.Count++
		return a.Count - 1
	}

	type session struct {
		ordinal int
		anchor  time.Time
	}
	sessions := make(map[string]*session) // author email -> open session
	tickets := make(map[string]int)       // ticket token -> ordinal
	window := time.Duration(b.cfg.AuthorWindow) * time.Hour

	for _, c := range commits {
		if c.IsMerge && b.cfg.MergeHandling == config.MergeNone {
			continue
		}
		if !windowCutoff.IsZero() && c.AuthorTime.Before(windowCutoff) {
			continue
		}

		switch b.cfg.ChangesetMode {
		case config.ByAuthorTime:
			s := sessions[c.AuthorEmail]
			if s == nil || c.AuthorTime.Sub(s.anchor) > window {
				// Session-anchored, not sliding: breaching the window
				// against the anchor opens a new one.
				s = &session{ordinal: newGroup(c.AuthorTime), anchor: c.AuthorTime}
				sessions[c.AuthorEmail] = s
			}
			a.ByCommit[c.ID] = s.ordinal

		case config.ByTicketID:
			token := b.ticket.FindString(c.Message)
			if token == "" {
				a.ByCommit[c.ID] = newGroup(c.AuthorTime)
				continue
			}
			ord, ok := tickets[token]
			if !ok {
				ord = newGroup(c.AuthorTime)
				tickets[token] = ord
			}
			a.ByCommit[c.ID] = ord
			if c.AuthorTime.Before(a.Anchors[ord]) {
				a.Anchors[ord] = c.AuthorTime
			}

		default: // by_commit
			if c.Size > b.cfg.MaxChangeset {
				// Raw-commit size filter; discarded exactly once, here.
				continue
			}
			a.ByCommit[c.ID] = newGroup(c.AuthorTime)
		}
	}
	return a
}

// Stream consumes the change rows (through scan), groups them into file
// bitmaps per changeset, applies the size filters and weights, and emits
// each surviving changeset. Singletons are emitted too: they contribute
// to per-file lifetime counts downstream even though they pair nothing.
// revisions carries lifetime commit counts per file for the min_revisions
// pre-filter.
//
// scan must be restartable: the row stream is consumed twice, once to
// collect changeset sizes for the decile penalty and once to emit. Rows
// arrive in commit order, so a changeset's bitmap is released as soon as
// its last commit has streamed past; only open changesets stay resident.
func (b *Builder) Stream(
	ctx context.Context,
	commits []models.Commit,
	revisions map[int64]int,
	scan func(fn func(store.ChangeRow) error) error,
	emit func(*Changeset) error,
) error {
	assignment := b.Assign(commits)

	// by_commit changesets were already size-filtered during assignment;
	// filtering them again here would discard twice. Grouped policies are
	// bounded by the logical size cap on the union.
	maxSize := math.MaxInt
	if b.cfg.ChangesetMode != config.ByCommit {
		maxSize = b.cfg.MaxLogical
	}

	// Pass 1: surviving changeset sizes, for the top-decile floor.
	var sizes []int
	err := b.walk(ctx, assignment, revisions, maxSize, scan, func(ord int, set *roaring.Bitmap) error {
		sizes = append(sizes, int(set.GetCardinality()))
		return nil
	})
	if err != nil {
		return err
	}
	sort.Ints(sizes)
	decileFloor := math.MaxInt
	if len(sizes) >= 10 {
		decileFloor = sizes[len(sizes)*9/10]
	}

	// Pass 2: weigh and emit.
	return b.walk(ctx, assignment, revisions, maxSize, scan, func(ord int, set *roaring.Bitmap) error {
		size := int(set.GetCardinality())
		cs := &Changeset{
			Ordinal: ord,
			Files:   set,
			Anchor:  assignment.Anchors[ord],
			Weight:  1.0,
		}
		if b.cfg.DecayHalfLife > 0 {
			ageDays := b.now.Sub(cs.Anchor).Hours() / 24
			if ageDays > 0 {
				cs.Weight *= math.Pow(0.5, ageDays/b.cfg.DecayHalfLife)
			}
		}
		if size >= decileFloor {
			cs.Weight *= 1 / math.Log2(float64(size)+2)
		}
		return emit(cs)
	})
}

// walk scans the change rows once and hands each changeset's completed
// bitmap to fn. A changeset completes when the stream moves past its last
// assigned commit, so the working set holds only changesets still open at
// the current stream position.
func (b *Builder) walk(
	ctx context.Context,
	assignment *Assignment,
	revisions map[int64]int,
	maxSize int,
	scan func(fn func(store.ChangeRow) error) error,
	fn func(ord int, set *roaring.Bitmap) error,
) error {
	lastCommit := make(map[int]int64, assignment.Count)
	for commitID, ord := range assignment.ByCommit {
		if commitID > lastCommit[ord] {
			lastCommit[ord] = commitID
		}
	}
	type closing struct {
		commit int64
		ord    int
	}
	order := make([]closing, 0, len(lastCommit))
	for ord, commitID := range lastCommit {
		order = append(order, closing{commit: commitID, ord: ord})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].commit < order[j].commit })

	sets := make(map[int]*roaring.Bitmap)
	discarded := make(map[int]bool)
	next := 0

	finalizeThrough := func(commitID int64) error {
		for next < len(order) && order[next].commit <= commitID {
			ord := order[next].ord
			next++
			set := sets[ord]
			delete(sets, ord)
			if set == nil || discarded[ord] {
				continue
			}
			select {
			case <-ctx.Done():
				return models.WrapError(models.ErrCancelled, ctx.Err(), "changeset stream cancelled")
			default:
			}
			if err := fn(ord, set); err != nil {
				return err
			}
		}
		return nil
	}

	var cur int64 = -1
	err := scan(func(row store.ChangeRow) error {
		if cur >= 0 && row.CommitID != cur {
			if err := finalizeThrough(row.CommitID - 1); err != nil {
				return err
			}
		}
		cur = row.CommitID

		ord, ok := assignment.ByCommit[row.CommitID]
		if !ok || discarded[ord] {
			return nil
		}
		if revisions[row.FileID] < b.cfg.MinRevisions {
			return nil
		}
		set := sets[ord]
		if set == nil {
			set = roaring.New()
			sets[ord] = set
		}
		set.Add(uint32(row.FileID))
		if int(set.GetCardinality()) > maxSize {
			discarded[ord] = true
			delete(sets, ord)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return finalizeThrough(math.MaxInt64)
}
