// Package metrics composes per-file, per-folder and per-author summaries
// and the risk score from stored facts.
package metrics

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/entanglehq/entangle/internal/extract"
	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

// Risk weights; only this one formula is defined.
const (
	weightCommits  = 0.4
	weightCoupling = 0.3
	weightChurn    = 0.2
	weightAuthors  = 0.1
)

// Deriver computes the derived views from extraction aggregates and the
// freshly written edge set.
type Deriver struct {
	store *store.Store
	cfg   *config.Config
	log   *logrus.Logger
}

// New creates a deriver.
func New(st *store.Store, cfg *config.Config, log *logrus.Logger) *Deriver {
	if log == nil {
		log = logrus.New()
	}
	return &Deriver{store: st, cfg: cfg, log: log}
}

// Run materialises file, folder and author stats.
func (d *Deriver) Run(extracted *extract.Result) error {
	paths, err := d.store.PathsByID()
	if err != nil {
		return err
	}
	edges, err := d.store.ListEdges(0)
	if err != nil {
		return err
	}

	maxCoupling := make(map[int64]float64)
	coupledCount := make(map[int64]int)
	for _, e := range edges {
		for _, id := range [2]int64{e.SrcFileID, e.DstFileID} {
			coupledCount[id]++
			if e.WeightedJaccard > maxCoupling[id] {
				maxCoupling[id] = e.WeightedJaccard
			}
		}
	}

	stats := d.fileStats(extracted, paths, maxCoupling, coupledCount)
	d.scoreRisk(stats)
	d.markHotspots(stats)

	if err := d.store.ReplaceFileStats(stats); err != nil {
		return err
	}
	if err := d.store.ReplaceFolderStats(d.folderStats(stats, edges, paths)); err != nil {
		return err
	}
	return d.store.ReplaceAuthorStats(authorStats(extracted))
}

func (d *Deriver) fileStats(extracted *extract.Result, paths map[int64]string,
	maxCoupling map[int64]float64, coupledCount map[int64]int) []models.FileStats {

	out := make([]models.FileStats, 0, len(extracted.Files))
	for id, agg := range extracted.Files {
		weeks := agg.Last.Sub(agg.First).Hours() / (24 * 7)
		if weeks < 1 {
			weeks = 1
		}
		out = append(out, models.FileStats{
			FileID:            id,
			Path:              paths[id],
			TotalCommits:      agg.Commits,
			AuthorsCount:      len(agg.Authors),
			FirstCommitDate:   agg.First,
			LastCommitDate:    agg.Last,
			LinesAdded:        agg.LinesAdded,
			LinesDeleted:      agg.LinesDeleted,
			MaxCoupling:       maxCoupling[id],
			CoupledFilesCount: coupledCount[id],
			CommitsLast30Days: agg.RecentCommits,
			ChurnRate:         float64(agg.LinesAdded+agg.LinesDeleted) / weeks,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

// scoreRisk applies the risk formula with min-max normalisation over the
// current snapshot.
func (d *Deriver) scoreRisk(stats []models.FileStats) {
	if len(stats) == 0 {
		return
	}
	commits := make([]float64, len(stats))
	coupling := make([]float64, len(stats))
	churn := make([]float64, len(stats))
	busFactor := make([]float64, len(stats))
	for i, st := range stats {
		commits[i] = float64(st.TotalCommits)
		coupling[i] = st.MaxCoupling
		churn[i] = st.ChurnRate
		busFactor[i] = max(0, 3-float64(st.AuthorsCount))
	}

	normCommits := minMax(commits)
	normCoupling := minMax(coupling)
	normChurn := minMax(churn)
	normBus := minMax(busFactor)

	for i := range stats {
		stats[i].RiskScore = weightCommits*normCommits[i] +
			weightCoupling*normCoupling[i] +
			weightChurn*normChurn[i] +
			weightAuthors*normBus[i]
	}
}

func minMax(values []float64) []float64 {
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(values))
	if hi == lo {
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

// markHotspots applies the configured selector: top_p marks files whose
// risk reaches the p-quantile, top_n marks the n most-committed files.
func (d *Deriver) markHotspots(stats []models.FileStats) {
	if len(stats) == 0 {
		return
	}
	p, n, err := config.ParseHotspotSelector(d.cfg.HotspotSelector)
	if err != nil {
		p = 0.95
	}

	if n > 0 {
		byCommits := make([]int, len(stats))
		for i := range stats {
			byCommits[i] = i
		}
		sort.Slice(byCommits, func(a, b int) bool {
			return stats[byCommits[a]].TotalCommits > stats[byCommits[b]].TotalCommits
		})
		if n > len(byCommits) {
			n = len(byCommits)
		}
		for _, idx := range byCommits[:n] {
			stats[idx].IsHotspot = true
		}
		return
	}

	risks := make([]float64, len(stats))
	for i, st := range stats {
		risks[i] = st.RiskScore
	}
	sort.Float64s(risks)
	threshold := stat.Quantile(p, stat.Empirical, risks, nil)
	for i := range stats {
		if stats[i].RiskScore > threshold {
			stats[i].IsHotspot = true
		}
	}
}

// folderStats rolls file stats up into every ancestor folder. Internal
// coupling counts edges with both endpoints inside the folder, external
// those with exactly one.
func (d *Deriver) folderStats(stats []models.FileStats, edges []models.Edge,
	paths map[int64]string) []models.FolderStats {

	type agg struct {
		files   int
		commits int
		churn   int
		authorN int
		intl    int
		extl    int
	}
	folders := make(map[string]*agg)

	get := func(dir string) *agg {
		a := folders[dir]
		if a == nil {
			a = &agg{}
			folders[dir] = a
		}
		return a
	}

	for i := range stats {
		st := &stats[i]
		for _, dir := range ancestors(st.Path) {
			a := get(dir)
			a.files++
			a.commits += st.TotalCommits
			a.churn += st.LinesAdded + st.LinesDeleted
			// Per-file author sets are not kept after extraction, so the
			// folder count is a lower bound: the largest child count.
			if st.AuthorsCount > a.authorN {
				a.authorN = st.AuthorsCount
			}
		}
	}

	for _, e := range edges {
		srcDirs := ancestors(paths[e.SrcFileID])
		dstDirs := ancestors(paths[e.DstFileID])
		inSrc := make(map[string]bool, len(srcDirs))
		for _, dirs := range srcDirs {
			inSrc[dirs] = true
		}
		seen := make(map[string]bool)
		for _, dir := range dstDirs {
			seen[dir] = true
			if inSrc[dir] {
				get(dir).intl++
			} else {
				get(dir).extl++
			}
		}
		for _, dir := range srcDirs {
			if !seen[dir] {
				get(dir).extl++
			}
		}
	}

	out := make([]models.FolderStats, 0, len(folders))
	for dir, a := range folders {
		fs := models.FolderStats{
			Path:             dir,
			FileCount:        a.files,
			TotalCommits:     a.commits,
			TotalChurn:       a.churn,
			AuthorsCount:     a.authorN,
			InternalCoupling: a.intl,
			ExternalCoupling: a.extl,
		}
		if total := a.intl + a.extl; total > 0 {
			fs.Cohesion = float64(a.intl) / float64(total)
		}
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ancestors lists every folder containing path, nearest first.
func ancestors(path string) []string {
	var out []string
	for {
		idx := strings.LastIndexByte(path, '/')
		if idx < 0 {
			return out
		}
		path = path[:idx]
		out = append(out, path)
	}
}

func authorStats(extracted *extract.Result) []models.AuthorStats {
	out := make([]models.AuthorStats, 0, len(extracted.Authors))
	for email, agg := range extracted.Authors {
		out = append(out, models.AuthorStats{
			Author:       agg.Name,
			Email:        email,
			Commits:      agg.Commits,
			LinesAdded:   agg.LinesAdded,
			LinesDeleted: agg.LinesDeleted,
			FilesTouched: len(agg.Files),
			FirstCommit:  agg.First,
			LastCommit:   agg.Last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Commits > out[j].Commits })
	return out
}
