package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/entanglehq/entangle/internal/progress"
	"github.com/entanglehq/entangle/internal/query"
	"github.com/entanglehq/entangle/internal/run"
	"github.com/entanglehq/entangle/internal/store"
	"github.com/entanglehq/entangle/internal/vcs"
	"github.com/entanglehq/entangle/pkg/config"
	"github.com/entanglehq/entangle/pkg/models"
)

var (
	version = "dev"
	commit  = "none"    //nolint:unused // set via ldflags at build time
	date    = "unknown" //nolint:unused // set via ldflags at build time
)

func main() {
	app := &cli.App{
		Name:    "entangle",
		Usage:   "Logical coupling analysis over version-control history",
		Version: version,
		Description: `Entangle mines a repository's commit history for files that change
together, and turns that into coupling graphs, hotspot rankings,
per-file risk scores and change-coupled file clusters.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (TOML, YAML, or JSON)",
				EnvVars: []string{"ENTANGLE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Store directory (defaults to <repo>/.entangle)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Emit JSON instead of tables",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			analyzeCmd(),
			runsCmd(),
			cancelCmd(),
			filesCmd(),
			fileCmd(),
			hotspotsCmd(),
			couplingCmd(),
			impactCmd(),
			graphCmd(),
			componentsCmd(),
			authorsCmd(),
			clustersCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if c.Bool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

// repoArg returns the repository path argument, defaulting to the working
// directory.
func repoArg(c *cli.Context) string {
	if c.Args().Len() > 0 {
		return c.Args().First()
	}
	return "."
}

func storeDir(c *cli.Context, repo string) string {
	if dir := c.String("store"); dir != "" {
		return dir
	}
	return filepath.Join(repo, ".entangle")
}

// openService opens the store and wraps it in a query service.
func openService(c *cli.Context, repo string) (*query.Service, *store.Store, error) {
	log := newLogger(c)
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(storeDir(c, repo), log)
	if err != nil {
		return nil, nil, err
	}
	return query.NewService(st, cfg, log), st, nil
}

func emitJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func analyzeCmd() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Aliases:   []string{"a"},
		Usage:     "Run the full analysis pipeline over a repository",
		ArgsUsage: "[repo]",
		Action:    runAnalyzeCmd,
	}
}

func runAnalyzeCmd(c *cli.Context) error {
	repo, err := filepath.Abs(repoArg(c))
	if err != nil {
		return err
	}
	log := newLogger(c)
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	st, err := store.Open(storeDir(c, repo), log)
	if err != nil {
		return err
	}
	defer st.Close()

	payload, _ := json.Marshal(cfg)
	if err := st.SaveConfig(&store.ConfigRecord{
		ID:        cfg.Hash(),
		Repo:      repo,
		Name:      "cli",
		Payload:   string(payload),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	orch, err := run.NewOrchestrator(st, vcs.NewGitOpener(), cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := orch.Start(ctx, repo)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "run %s started\n", runID)

	events, unsubscribe := orch.Hub().Subscribe(runID)
	defer unsubscribe()

	bar := progress.NewTracker("extracting")

	var final models.ProgressEvent
	interrupt := ctx.Done()
	for {
		select {
		case <-interrupt:
			// Interrupt requests cancellation; the pipeline winds down
			// and delivers a terminal event.
			orch.Cancel(runID)
			interrupt = nil
		case ev, ok := <-events:
			if !ok {
				goto done
			}
			bar.Observe(ev)
			if ev.Terminal() {
				final = ev
			}
		}
	}
done:
	bar.Finish()
	orch.Wait()

	switch final.State {
	case models.RunCompleted:
		color.Green("run %s completed (%d commits)", runID, final.Processed)
		return nil
	case models.RunCancelled:
		color.Yellow("run %s cancelled", runID)
		return nil
	default:
		return fmt.Errorf("run %s failed: %s", runID, final.Message)
	}
}

func runsCmd() *cli.Command {
	return &cli.Command{
		Name:      "runs",
		Usage:     "List analysis runs for a repository",
		ArgsUsage: "[repo]",
		Action: func(c *cli.Context) error {
			repo, err := filepath.Abs(repoArg(c))
			if err != nil {
				return err
			}
			svc, st, err := openService(c, repo)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := svc.Runs(repo)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return emitJSON(runs)
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID, string(r.State), string(r.Stage),
					fmt.Sprintf("%d/%d", r.ProcessedCommits, r.TotalCommits),
					r.Heartbeat.Format(time.RFC3339),
				})
			}
			return renderTable([]string{"Run", "State", "Stage", "Commits", "Heartbeat"}, rows)
		},
	}
}

func cancelCmd() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel an active run",
		ArgsUsage: "<run-id> [repo]",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("run id required")
			}
			runID := c.Args().First()
			repo := "."
			if c.Args().Len() > 1 {
				repo = c.Args().Get(1)
			}
			repo, err := filepath.Abs(repo)
			if err != nil {
				return err
			}
			log := newLogger(c)
			st, err := store.Open(storeDir(c, repo), log)
			if err != nil {
				return err
			}
			defer st.Close()

			// Cross-process cancel: the owning process's heartbeat loop
			// has no channel here, so the run is failed over directly via
			// the state machine.
			run, err := st.GetRun(runID)
			if err != nil {
				return err
			}
			if run.State.Terminal() {
				fmt.Printf("run %s already %s\n", runID, run.State)
				return nil
			}
			if err := st.UpdateRunState(runID, models.RunCancelled, "cancelled"); err != nil {
				return err
			}
			color.Yellow("run %s cancelled", runID)
			return nil
		},
	}
}

func filesCmd() *cli.Command {
	return &cli.Command{
		Name:      "files",
		Usage:     "List analysed files",
		ArgsUsage: "[repo]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "match", Usage: "Path substring filter"},
			&cli.BoolFlag{Name: "at-head", Usage: "Only files present at head"},
			&cli.Float64Flag{Name: "min-risk", Usage: "Minimum risk score"},
			&cli.Float64Flag{Name: "min-coupling", Usage: "Minimum max-coupling"},
			&cli.IntFlag{Name: "limit", Value: 50},
			&cli.IntFlag{Name: "offset"},
		},
		Action: func(c *cli.Context) error {
			svc, st, err := openService(c, repoArg(c))
			if err != nil {
				return err
			}
			defer st.Close()

			files, err := svc.ListFiles(models.FileFilter{
				Substring:   c.String("match"),
				AtHeadOnly:  c.Bool("at-head"),
				MinRisk:     c.Float64("min-risk"),
				MinCoupling: c.Float64("min-coupling"),
				Limit:       c.Int("limit"),
				Offset:      c.Int("offset"),
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return emitJSON(files)
			}
			rows := make([][]string, 0, len(files))
			for _, f := range files {
				rows = append(rows, []string{
					f.Path,
					fmt.Sprint(f.TotalCommits),
					fmt.Sprint(f.AuthorsCount),
					fmt.Sprintf("%.3f", f.RiskScore),
					fmt.Sprintf("%.3f", f.MaxCoupling),
					boolMark(f.IsHotspot),
				})
			}
			return renderTable([]string{"Path", "Commits", "Authors", "Risk", "Coupling", "Hotspot"}, rows)
		},
	}
}

func fileCmd() *cli.Command {
	return &cli.Command{
		Name:      "file",
		Usage:     "Show one file's stats and lineage",
		ArgsUsage: "<path> [repo]",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("file path required")
			}
			path := c.Args().First()
			repo := "."
			if c.Args().Len() > 1 {
				repo = c.Args().Get(1)
			}
			svc, st, err := openService(c, repo)
			if err != nil {
				return err
			}
			defer st.Close()

			details, err := svc.FileDetails(path)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return emitJSON(details)
			}
			s := details.Stats
			fmt.Printf("%s\n", s.Path)
			fmt.Printf("  commits:        %d (%d in last 30 days)\n", s.TotalCommits, s.CommitsLast30Days)
			fmt.Printf("  authors:        %d\n", s.AuthorsCount)
			fmt.Printf("  churn:          +%d/-%d (%.1f lines/week)\n", s.LinesAdded, s.LinesDeleted, s.ChurnRate)
			fmt.Printf("  coupling:       %.3f max over %d files\n", s.MaxCoupling, s.CoupledFilesCount)
			fmt.Printf("  risk:           %.3f hotspot=%v\n", s.RiskScore, s.IsHotspot)
			fmt.Printf("  active:         %s .. %s\n",
				s.FirstCommitDate.Format("2006-01-02"), s.LastCommitDate.Format("2006-01-02"))
			if len(details.Lineage) > 1 {
				fmt.Println("  lineage:")
				for _, l := range details.Lineage {
					fmt.Printf("    %s (from %.8s)\n", l.Path, l.StartCommit)
				}
			}
			return nil
		},
	}
}

func hotspotsCmd() *cli.Command {
	return &cli.Command{
		Name:      "hotspots",
		Usage:     "Rank hotspot files",
		ArgsUsage: "[repo]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sort", Value: "risk", Usage: "Sort by risk or commits"},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			svc, st, err := openService(c, repoArg(c))
			if err != nil {
				return err
			}
			defer st.Close()

			hotspots, err := svc.Hotspots(models.HotspotOptions{
				SortBy: c.String("sort"),
				Limit:  c.Int("limit"),
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return emitJSON(hotspots)
			}
			rows := make([][]string, 0, len(hotspots))
			for _, f := range hotspots {
				rows = append(rows, []string{
					f.Path,
					fmt.Sprintf("%.3f", f.RiskScore),
					fmt.Sprint(f.TotalCommits),
					fmt.Sprintf("%.1f", f.ChurnRate),
				})
			}
			return renderTable([]string{"Path", "Risk", "Commits", "Churn/wk"}, rows)
		},
	}
}

func couplingCmd() *cli.Command {
	return &cli.Command{
		Name:      "coupling",
		Usage:     "Show files coupled to a file",
		ArgsUsage: "<path> [repo]",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "min-weight", Usage: "Minimum weighted jaccard"},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			return coupledFilesAction(c, func(svc *query.Service, path string, opts models.CouplingOptions) ([]models.CoupledFile, error) {
				return svc.Coupling(path, opts)
			})
		},
	}
}

func impactCmd() *cli.Command {
	return &cli.Command{
		Name:      "impact",
		Usage:     "Show files likely to co-change with a file",
		ArgsUsage: "<path> [repo]",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "min-weight", Usage: "Minimum weighted jaccard"},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			return coupledFilesAction(c, func(svc *query.Service, path string, opts models.CouplingOptions) ([]models.CoupledFile, error) {
				return svc.Impact(path, opts)
			})
		},
	}
}

func coupledFilesAction(c *cli.Context,
	fetch func(*query.Service, string, models.CouplingOptions) ([]models.CoupledFile, error)) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("file path required")
	}
	path := c.Args().First()
	repo := "."
	if c.Args().Len() > 1 {
		repo = c.Args().Get(1)
	}
	svc, st, err := openService(c, repo)
	if err != nil {
		return err
	}
	defer st.Close()

	coupled, err := fetch(svc, path, models.CouplingOptions{
		MinWeight: c.Float64("min-weight"),
		Limit:     c.Int("limit"),
	})
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return emitJSON(coupled)
	}
	rows := make([][]string, 0, len(coupled))
	for _, cf := range coupled {
		rows = append(rows, []string{
			cf.Path,
			fmt.Sprint(cf.PairCount),
			fmt.Sprintf("%.3f", cf.Jaccard),
			fmt.Sprintf("%.3f", cf.WeightedJaccard),
			fmt.Sprintf("%.2f", cf.PGivenQuery),
		})
	}
	return renderTable([]string{"Path", "Pairs", "Jaccard", "Weighted", "P(other|this)"}, rows)
}

func graphCmd() *cli.Command {
	return &cli.Command{
		Name:      "graph",
		Usage:     "Dump the coupling graph under a path prefix",
		ArgsUsage: "<root-path> [repo]",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "min-weight", Usage: "Minimum weighted jaccard"},
			&cli.IntFlag{Name: "limit", Value: 200, Usage: "Maximum edges"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("root path required")
			}
			root := c.Args().First()
			repo := "."
			if c.Args().Len() > 1 {
				repo = c.Args().Get(1)
			}
			svc, st, err := openService(c, repo)
			if err != nil {
				return err
			}
			defer st.Close()

			graph, err := svc.CouplingGraph(root, models.CouplingOptions{
				MinWeight: c.Float64("min-weight"),
				Limit:     c.Int("limit"),
			})
			if err != nil {
				return err
			}
			return emitJSON(graph)
		},
	}
}

func componentsCmd() *cli.Command {
	return &cli.Command{
		Name:      "components",
		Usage:     "Folder-level coupling roll-up",
		ArgsUsage: "[component-prefix] [repo]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "depth", Value: 2, Usage: "Path depth defining a component"},
		},
		Action: func(c *cli.Context) error {
			component := ""
			repo := "."
			if c.Args().Len() > 0 {
				component = c.Args().First()
			}
			if c.Args().Len() > 1 {
				repo = c.Args().Get(1)
			}
			svc, st, err := openService(c, repo)
			if err != nil {
				return err
			}
			defer st.Close()

			coupling, err := svc.ComponentCoupling(component, c.Int("depth"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return emitJSON(coupling)
			}
			rows := make([][]string, 0, len(coupling))
			for _, cc := range coupling {
				rows = append(rows, []string{
					cc.Component, cc.OtherComponent,
					fmt.Sprint(cc.PairCount),
					fmt.Sprintf("%.3f", cc.AvgJaccard),
				})
			}
			return renderTable([]string{"Component", "Other", "Pairs", "Avg Jaccard"}, rows)
		},
	}
}

func authorsCmd() *cli.Command {
	return &cli.Command{
		Name:      "authors",
		Usage:     "Per-author activity summary",
		ArgsUsage: "[repo]",
		Action: func(c *cli.Context) error {
			svc, st, err := openService(c, repoArg(c))
			if err != nil {
				return err
			}
			defer st.Close()

			authors, err := svc.AuthorStats()
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return emitJSON(authors)
			}
			rows := make([][]string, 0, len(authors))
			for _, a := range authors {
				rows = append(rows, []string{
					a.Author, a.Email,
					fmt.Sprint(a.Commits),
					fmt.Sprint(a.FilesTouched),
					fmt.Sprintf("+%d/-%d", a.LinesAdded, a.LinesDeleted),
				})
			}
			return renderTable([]string{"Author", "Email", "Commits", "Files", "Lines"}, rows)
		},
	}
}

func clustersCmd() *cli.Command {
	return &cli.Command{
		Name:  "clusters",
		Usage: "Inspect change-coupled file clusters",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "List cluster snapshots",
				ArgsUsage: "[repo]",
				Action: func(c *cli.Context) error {
					svc, st, err := openService(c, repoArg(c))
					if err != nil {
						return err
					}
					defer st.Close()

					snaps, err := svc.Snapshots()
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return emitJSON(snaps)
					}
					rows := make([][]string, 0, len(snaps))
					for _, s := range snaps {
						rows = append(rows, []string{
							s.ID, s.Algorithm,
							fmt.Sprintf("%.2f", s.EdgeFilter),
							s.CreatedAt.Format(time.RFC3339),
						})
					}
					return renderTable([]string{"Snapshot", "Algorithm", "Edge Filter", "Created"}, rows)
				},
			},
			{
				Name:      "show",
				Usage:     "Show one snapshot's clusters",
				ArgsUsage: "<snapshot-id> [repo]",
				Action: func(c *cli.Context) error {
					if c.Args().Len() < 1 {
						return fmt.Errorf("snapshot id required")
					}
					id := c.Args().First()
					repo := "."
					if c.Args().Len() > 1 {
						repo = c.Args().Get(1)
					}
					svc, st, err := openService(c, repo)
					if err != nil {
						return err
					}
					defer st.Close()

					view, err := svc.ClusterSnapshot(id)
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return emitJSON(view)
					}
					rows := make([][]string, 0, len(view.Metrics))
					for _, m := range view.Metrics {
						rows = append(rows, []string{
							fmt.Sprint(m.ClusterID),
							fmt.Sprint(m.Size),
							fmt.Sprintf("%.3f", m.AvgCoupling),
							fmt.Sprint(m.InternalChurn),
							m.TopFiles,
						})
					}
					return renderTable([]string{"Cluster", "Size", "Avg Coupling", "Churn", "Top Files"}, rows)
				},
			},
			{
				Name:      "compare",
				Usage:     "Compare two snapshots",
				ArgsUsage: "<base-id> <other-id> [repo]",
				Action: func(c *cli.Context) error {
					if c.Args().Len() < 2 {
						return fmt.Errorf("two snapshot ids required")
					}
					base, other := c.Args().Get(0), c.Args().Get(1)
					repo := "."
					if c.Args().Len() > 2 {
						repo = c.Args().Get(2)
					}
					svc, st, err := openService(c, repo)
					if err != nil {
						return err
					}
					defer st.Close()

					cmp, err := svc.CompareSnapshots(base, other)
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return emitJSON(cmp)
					}
					rows := make([][]string, 0, len(cmp.Matches))
					for _, m := range cmp.Matches {
						rows = append(rows, []string{
							clusterLabel(m.BaseCluster),
							clusterLabel(m.OtherCluster),
							fmt.Sprint(m.Overlap),
							fmt.Sprintf("%.3f", m.Jaccard),
							string(m.Class),
						})
					}
					return renderTable([]string{"Base", "Other", "Overlap", "Jaccard", "Class"}, rows)
				},
			},
		},
	}
}

func clusterLabel(id int) string {
	if id < 0 {
		return "-"
	}
	return fmt.Sprint(id)
}

func boolMark(b bool) string {
	if b {
		return "*"
	}
	return ""
}
