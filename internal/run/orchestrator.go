// Package run drives the analysis pipeline through its stages, tracks run
// lifecycle state and broadcasts progress.
package run

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/entanglehq/entangle/internal/aggregate"
	"github.com/entanglehq/entangle/internal/changeset"
	"github.com/entanglehq/entangle/internal/cluster"
	"github.com/entanglehq/entangle/internal/extract"
	"github.com/entanglehq/entangle/internal/metrics"
	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/internal/vcs"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

const (
	heartbeatInterval = 15 * time.Second
	// StaleRunAge is the heartbeat age past which an inherited run is
	// considered orphaned by a dead process.
	StaleRunAge = 2 * time.Minute
)

// Orchestrator starts, cancels and observes analysis runs. One orchestrator
// serves one store; per-repo exclusion is enforced by the run table.
type Orchestrator struct {
	store  *store.Store
	opener vcs.Opener
	cfg    *config.Config
	log    *logrus.Logger
	hub    *Hub

	mu     sync.Mutex
	active map[string]context.CancelFunc

	wg  conc.WaitGroup
	now func() time.Time
}

// NewOrchestrator creates an orchestrator and fails any runs left behind by
// a previous process.
func NewOrchestrator(st *store.Store, opener vcs.Opener, cfg *config.Config, log *logrus.Logger) (*Orchestrator, error) {
	if log == nil {
		log = logrus.New()
	}
	recovered, err := st.RecoverStaleRuns(StaleRunAge)
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		log.WithField("runs", recovered).Warn("failed stale runs from a previous process")
	}
	return &Orchestrator{
		store:  st,
		opener: opener,
		cfg:    cfg,
		log:    log,
		hub:    NewHub(),
		active: make(map[string]context.CancelFunc),
		now:    time.Now,
	}, nil
}

// Hub exposes the progress broadcast hub.
func (o *Orchestrator) Hub() *Hub {
	return o.hub
}

// Start registers a run for the repository and launches the pipeline in the
// background. A second start while a run is active fails with ANALYSIS_BUSY.
func (o *Orchestrator) Start(ctx context.Context, repoPath string) (string, error) {
	run := &models.Run{
		ID:        uuid.NewString(),
		Repo:      repoPath,
		ConfigID:  o.cfg.Hash(),
		State:     models.RunPending,
		Stage:     models.StageExtracting,
		Heartbeat: o.now().UTC(),
	}
	if err := o.store.CreateRun(run); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.active[run.ID] = cancel
	o.mu.Unlock()

	o.wg.Go(func() {
		defer func() {
			o.mu.Lock()
			delete(o.active, run.ID)
			o.mu.Unlock()
			cancel()
		}()
		o.execute(runCtx, run.ID, repoPath)
	})
	return run.ID, nil
}

// Cancel requests cancellation of an active run. The run reaches the
// cancelled state once the pipeline observes the signal; already-terminal
// runs are left untouched.
func (o *Orchestrator) Cancel(runID string) error {
	if _, err := o.store.GetRun(runID); err != nil {
		return err
	}
	o.mu.Lock()
	cancel, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Wait blocks until all launched runs finished. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// tracker carries the live counters the heartbeat and progress events read.
type tracker struct {
	mu        sync.Mutex
	stage     models.Stage
	processed int64
	total     int64
	started   time.Time
}

func (t *tracker) set(stage models.Stage, processed, total int64) {
	t.mu.Lock()
	t.stage = stage
	t.processed = processed
	t.total = total
	t.mu.Unlock()
}

func (t *tracker) snapshot() (models.Stage, int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage, t.processed, t.total
}

func (o *Orchestrator) execute(ctx context.Context, runID, repoPath string) {
	log := o.log.WithField("run", runID)
	trk := &tracker{stage: models.StageExtracting, started: o.now()}

	if err := o.store.UpdateRunState(runID, models.RunRunning, ""); err != nil {
		log.WithError(err).Error("mark run running")
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb conc.WaitGroup
	hb.Go(func() { o.heartbeat(hbCtx, runID, trk) })

	err := o.pipeline(ctx, runID, repoPath, trk)
	stopHeartbeat()
	hb.Wait()

	stage, processed, total := trk.snapshot()
	ev := models.ProgressEvent{
		RunID:     runID,
		Stage:     stage,
		Processed: processed,
		Total:     total,
	}
	switch {
	case err == nil:
		ev.State = models.RunCompleted
		ev.Stage = models.StageDone
		o.store.UpdateRunProgress(runID, models.StageDone, processed, total)
		o.store.UpdateRunState(runID, models.RunCompleted, "")
		log.Info("run completed")
	case models.IsCode(err, models.ErrCancelled):
		ev.State = models.RunCancelled
		ev.ErrorCode = models.ErrCancelled
		ev.Message = "run cancelled"
		o.store.UpdateRunState(runID, models.RunCancelled, "cancelled")
		log.Info("run cancelled")
	default:
		ev.State = models.RunFailed
		ev.ErrorCode = models.CodeOf(err)
		ev.Message = err.Error()
		o.store.UpdateRunState(runID, models.RunFailed, err.Error())
		log.WithError(err).Error("run failed")
	}
	o.hub.Publish(ev)
}

// pipeline runs the stages in order. Any error aborts; previously committed
// batches are cleaned up by the next run's truncation.
func (o *Orchestrator) pipeline(ctx context.Context, runID, repoPath string, trk *tracker) error {
	publish := func() {
		stage, processed, total := trk.snapshot()
		elapsed := o.now().Sub(trk.started).Seconds()
		ev := models.ProgressEvent{
			RunID:     runID,
			Stage:     stage,
			Processed: processed,
			Total:     total,
			State:     models.RunRunning,
		}
		if elapsed > 0 && processed > 0 {
			ev.Rate = float64(processed) / elapsed
			if total > processed {
				ev.ETASeconds = float64(total-processed) / ev.Rate
			}
		}
		o.hub.Publish(ev)
	}
	advance := func(stage models.Stage) error {
		if err := ctx.Err(); err != nil {
			return models.WrapError(models.ErrCancelled, err, "run cancelled")
		}
		_, processed, total := trk.snapshot()
		trk.set(stage, processed, total)
		if err := o.store.UpdateRunProgress(runID, stage, processed, total); err != nil {
			return err
		}
		publish()
		return nil
	}

	// Only the raw history rows are cleared up front. Entities, edges and
	// derived views each swap atomically at their own stage, so a cancelled
	// or failed run leaves the previous completed state readable.
	if err := o.store.TruncateHistory(); err != nil {
		return err
	}

	// Stage 1: history extraction.
	if err := advance(models.StageExtracting); err != nil {
		return err
	}
	reader, err := o.opener.Open(repoPath, vcs.Options{
		Since:           o.cfg.Since,
		Until:           o.cfg.Until,
		Ref:             o.cfg.Ref,
		IncludeAllRefs:  o.cfg.IncludeAllRefs,
		RenameThreshold: o.cfg.RenameThreshold,
		MergeUnion:      o.cfg.MergeHandling == config.MergeInclude,
	})
	if err != nil {
		return err
	}
	defer reader.Close()

	extractor := extract.New(o.store, o.cfg, o.log)
	extracted, err := extractor.Run(ctx, reader, func(processed, total int64) {
		trk.set(models.StageExtracting, processed, total)
		o.store.UpdateRunProgress(runID, models.StageExtracting, processed, total)
		publish()
	})
	if err != nil {
		return err
	}

	// Stage 2: changeset grouping feeds stage 3 directly; the builder only
	// materialises assignments here.
	if err := advance(models.StageChangesetting); err != nil {
		return err
	}
	builder, err := changeset.NewBuilder(o.cfg, o.now())
	if err != nil {
		return err
	}
	commits, err := o.store.ListCommits()
	if err != nil {
		return err
	}
	revisions := make(map[int64]int, len(extracted.Files))
	for id, agg := range extracted.Files {
		revisions[id] = agg.Commits
	}

	// Stage 3: pair aggregation over the columnar change stream.
	if err := advance(models.StageAggregating); err != nil {
		return err
	}
	aggregated, err := aggregate.New(o.cfg, o.log).Run(ctx, builder, commits, revisions,
		func(fn func(store.ChangeRow) error) error {
			return o.store.Sidecar().ScanChanges(o.cfg.Since, o.cfg.Until, fn)
		})
	if err != nil {
		return err
	}
	if err := o.store.ReplaceEdges(runID, aggregated.Edges, aggregated.TopK); err != nil {
		return err
	}

	// Stage 4: derived metrics.
	if err := advance(models.StageDeriving); err != nil {
		return err
	}
	if err := metrics.New(o.store, o.cfg, o.log).Run(extracted); err != nil {
		return err
	}

	// Stage 5: clustering, when enabled.
	if o.cfg.Clustering.Enabled {
		if err := advance(models.StageClustering); err != nil {
			return err
		}
		if _, err := cluster.NewEngine(o.store, o.cfg, o.log).Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) heartbeat(ctx context.Context, runID string, trk *tracker) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stage, processed, total := trk.snapshot()
			if err := o.store.UpdateRunProgress(runID, stage, processed, total); err != nil {
				o.log.WithError(err).WithField("run", runID).Warn("heartbeat update failed")
			}
		}
	}
}
