// Package extract drives the history reader, resolves paths to stable
// file identities and persists commits and changes in batches.
package extract

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/entanglehq/entangle/internal/lineage"
	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/internal/vcs"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

// FileAgg accumulates per-file facts during extraction.
type FileAgg struct {
	Commits       int
	First         time.Time
	Last          time.Time
	LinesAdded    int
	LinesDeleted  int
	Authors       map[string]bool
	RecentCommits int // author_time within the last 30 days
}

// AuthorAgg accumulates per-author facts keyed by canonical email.
type AuthorAgg struct {
	Name         string
	Commits      int
	LinesAdded   int
	LinesDeleted int
	Files        map[int64]bool
	First        time.Time
	Last         time.Time
}

// Result is what extraction hands to the downstream stages.
type Result struct {
	Files        map[int64]*FileAgg
	Authors      map[string]*AuthorAgg
	Head         string
	TotalCommits int64
}

// ProgressFunc receives processed/total commit counts after each batch.
type ProgressFunc func(processed, total int64)

// Extractor consumes history reader output and batches writes through the
// store. Partial output consumed up to a source error is discarded by the
// next run's truncation step, never half-persisted within a batch.
type Extractor struct {
	store    *store.Store
	resolver *lineage.Resolver
	cfg      *config.Config
	filter   *PathFilter
	log      *logrus.Logger
}

// New creates an extractor.
func New(st *store.Store, cfg *config.Config, log *logrus.Logger) *Extractor {
	if log == nil {
		log = logrus.New()
	}
	return &Extractor{
		store:    st,
		resolver: lineage.NewResolver(),
		cfg:      cfg,
		filter:   NewPathFilter(cfg),
		log:      log,
	}
}

// Resolver exposes the path resolver for downstream stages.
func (e *Extractor) Resolver() *lineage.Resolver {
	return e.resolver
}

// Run streams the reader, persisting commit batches. Cancellation is
// observed at batch boundaries; an inactivity watchdog fails the run when
// a batch makes no progress within the configured timeout.
func (e *Extractor) Run(ctx context.Context, reader vcs.Reader, onProgress ProgressFunc) (*Result, error) {
	result := &Result{
		Files:        make(map[int64]*FileAgg),
		Authors:      make(map[string]*AuthorAgg),
		Head:         reader.Head(),
		TotalCommits: int64(reader.Total()),
	}

	batchSize := e.cfg.BatchSize
	if batchSize < 1 {
		batchSize = 500
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lastActivity atomic.Int64
	var stalled atomic.Bool
	lastActivity.Store(time.Now().UnixNano())
	if e.cfg.BatchTimeout > 0 {
		go e.watchdog(watchCtx, cancel, &lastActivity, &stalled)
	}

	var (
		commitSeq    int64
		processed    int64
		batchCommits []models.Commit
		batchChanges []models.Change
	)
	recentCutoff := time.Now().AddDate(0, 0, -30)

	flush := func() error {
		if len(batchCommits) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return models.WrapError(models.ErrCancelled, err, "extraction cancelled")
		}
		if err := e.store.WriteCommitBatch(batchCommits, batchChanges); err != nil {
			return err
		}
		processed += int64(len(batchCommits))
		batchCommits = batchCommits[:0]
		batchChanges = batchChanges[:0]
		lastActivity.Store(time.Now().UnixNano())
		if onProgress != nil {
			onProgress(processed, result.TotalCommits)
		}
		return nil
	}

	err := reader.ForEach(watchCtx, func(rec *models.CommitRecord) error {
		commitSeq++
		commit := models.Commit{
			ID:            commitSeq,
			Hash:          rec.Hash,
			AuthorName:    rec.AuthorName,
			AuthorEmail:   rec.AuthorEmail,
			AuthorTime:    rec.AuthorTime,
			CommitterTime: rec.CommitterTime,
			Message:       rec.Message,
			IsMerge:       rec.IsMerge(),
			ParentCount:   len(rec.Parents),
		}

		changes := e.resolveChanges(rec, commitSeq)
		commit.Size = len(changes)
		batchCommits = append(batchCommits, commit)
		batchChanges = append(batchChanges, changes...)

		e.accumulate(rec, changes, recentCutoff, result)

		if len(batchCommits) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		// A watchdog trip surfaces through the cancelled read context; the
		// run must fail, not report a user cancellation.
		if stalled.Load() {
			return nil, models.WrapError(models.ErrVCSReadFailed, err,
				"history read made no progress for %s", e.cfg.BatchTimeout)
		}
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if err := e.persistIdentity(result); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"commits": processed,
		"files":   len(result.Files),
	}).Info("extraction complete")
	return result, nil
}

// resolveChanges maps change atoms to stable file ids, keeping at most one
// change per resolved file per commit.
func (e *Extractor) resolveChanges(rec *models.CommitRecord, commitID int64) []models.Change {
	seen := make(map[int64]int) // file id -> index into out
	out := make([]models.Change, 0, len(rec.Changes))

	for _, atom := range rec.Changes {
		if !e.filter.Match(atom.Path) {
			continue
		}
		var fileID int64
		switch atom.Kind {
		case models.ChangeAdd:
			fileID = e.resolver.Add(atom.Path, rec.Hash)
		case models.ChangeRename, models.ChangeCopy:
			fileID = e.resolver.Rename(atom.OldPath, atom.Path, rec.Hash)
		case models.ChangeDelete:
			id, ok := e.resolver.Delete(atom.Path, rec.Hash)
			if !ok {
				continue
			}
			fileID = id
		default:
			id, ok := e.resolver.Resolve(atom.Path)
			if !ok {
				// Modify of an unseen path (bounded history): treat as add.
				id = e.resolver.Add(atom.Path, rec.Hash)
			}
			fileID = id
		}

		if idx, dup := seen[fileID]; dup {
			out[idx].LinesAdded += atom.LinesAdded
			out[idx].LinesDeleted += atom.LinesDeleted
			continue
		}
		seen[fileID] = len(out)
		out = append(out, models.Change{
			CommitID:     commitID,
			FileID:       fileID,
			Kind:         atom.Kind,
			LinesAdded:   atom.LinesAdded,
			LinesDeleted: atom.LinesDeleted,
			PriorPath:    atom.OldPath,
		})
	}
	return out
}

func (e *Extractor) accumulate(rec *models.CommitRecord, changes []models.Change, recentCutoff time.Time, result *Result) {
	author := result.Authors[rec.AuthorEmail]
	if author == nil {
		author = &AuthorAgg{Name: rec.AuthorName, Files: make(map[int64]bool), First: rec.AuthorTime}
		result.Authors[rec.AuthorEmail] = author
	}
	author.Commits++
	if rec.AuthorTime.After(author.Last) {
		author.Last = rec.AuthorTime
	}
	if rec.AuthorTime.Before(author.First) {
		author.First = rec.AuthorTime
	}

	for _, ch := range changes {
		agg := result.Files[ch.FileID]
		if agg == nil {
			agg = &FileAgg{First: rec.AuthorTime, Authors: make(map[string]bool)}
			result.Files[ch.FileID] = agg
		}
		agg.Commits++
		agg.LinesAdded += ch.LinesAdded
		agg.LinesDeleted += ch.LinesDeleted
		agg.Authors[rec.AuthorEmail] = true
		if rec.AuthorTime.Before(agg.First) {
			agg.First = rec.AuthorTime
		}
		if rec.AuthorTime.After(agg.Last) {
			agg.Last = rec.AuthorTime
		}
		if rec.AuthorTime.After(recentCutoff) {
			agg.RecentCommits++
		}

		author.Files[ch.FileID] = true
		author.LinesAdded += ch.LinesAdded
		author.LinesDeleted += ch.LinesDeleted
	}
}

// persistIdentity writes the entity set and the lineage sequence. A dead
// file whose last path was taken over by a rename keeps its identity under
// a disambiguated name.
func (e *Extractor) persistIdentity(result *Result) error {
	records := e.resolver.Records()

	lastPath := make(map[int64]string)
	firstCommit := make(map[int64]string)
	for _, r := range records {
		if _, ok := firstCommit[r.FileID]; !ok {
			firstCommit[r.FileID] = r.StartCommit
		}
		lastPath[r.FileID] = r.Path
	}

	// Live files claim their names first; dead files whose last path was
	// taken over (rename onto a deleted path) get a disambiguated name so
	// (qualified_name, kind) stays unique.
	nameTaken := make(map[string]bool, len(lastPath))
	for id, p := range lastPath {
		if e.resolver.Live(id) {
			nameTaken[p] = true
		}
	}
	entities := make([]models.Entity, 0, len(lastPath))
	for id, p := range lastPath {
		name := p
		if !e.resolver.Live(id) {
			if nameTaken[name] {
				start := firstCommit[id]
				if len(start) > 8 {
					start = start[:8]
				}
				name = fmt.Sprintf("%s@%s", p, start)
			}
			nameTaken[name] = true
		}
		entities = append(entities, models.Entity{
			ID:            id,
			Kind:          models.EntityFile,
			QualifiedName: name,
			AtHead:        e.resolver.Live(id),
		})
	}

	if err := e.store.ReplaceEntities(entities); err != nil {
		return err
	}
	return e.store.ReplaceLineage(records)
}

func (e *Extractor) watchdog(ctx context.Context, cancel context.CancelFunc, lastActivity *atomic.Int64, stalled *atomic.Bool) {
	ticker := time.NewTicker(e.cfg.BatchTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle > e.cfg.BatchTimeout {
				e.log.WithField("idle", idle).Error("history read stalled, aborting run")
				stalled.Store(true)
				cancel()
				return
			}
		}
	}
}
