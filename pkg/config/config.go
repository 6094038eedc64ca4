package config

import (
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/zeebo/blake3"

	"github.com/entanglehq/entangle/pkg/models"
)

// MergeHandling controls the treatment of commits with two or more parents.
type MergeHandling string

const (
	MergeNone        MergeHandling = "none"
	MergeFirstParent MergeHandling = "first_parent"
	MergeInclude     MergeHandling = "include"
)

// ChangesetMode selects the commit grouping policy.
type ChangesetMode string

const (
	ByCommit     ChangesetMode = "by_commit"
	ByAuthorTime ChangesetMode = "by_author_time"
	ByTicketID   ChangesetMode = "by_ticket_id"
)

// Config is the immutable per-run configuration snapshot. Changing the
// active configuration never modifies historical run records.
type Config struct {
	Since           *time.Time    `koanf:"since"`
	Until           *time.Time    `koanf:"until"`
	Ref             string        `koanf:"ref"`
	IncludeAllRefs  bool          `koanf:"include_all_refs"`
	MergeHandling   MergeHandling `koanf:"merge_handling"`
	ChangesetMode   ChangesetMode `koanf:"changeset_mode"`
	AuthorWindow    int           `koanf:"author_time_window_hours"`
	TicketPattern   string        `koanf:"ticket_id_pattern"`
	MaxChangeset    int           `koanf:"max_changeset_size"`
	MaxLogical      int           `koanf:"max_logical_changeset_size"`
	MinRevisions    int           `koanf:"min_revisions"`
	MinCooccurrence int           `koanf:"min_cooccurrence"`
	WindowDays      int           `koanf:"window_days"`
	DecayHalfLife   float64       `koanf:"decay_half_life_days"`
	TopKEdges       int           `koanf:"topk_edges_per_file"`
	RenameThreshold int           `koanf:"rename_threshold"`
	IncludePaths    []string      `koanf:"include_paths"`
	ExcludePaths    []string      `koanf:"exclude_paths"`
	IncludeExts     []string      `koanf:"include_extensions"`
	ExcludeExts     []string      `koanf:"exclude_extensions"`
	HotspotSelector string        `koanf:"hotspot_selector"`
	BatchSize       int           `koanf:"batch_size"`
	SpillBudget     int64         `koanf:"spill_budget_bytes"`
	BatchTimeout    time.Duration `koanf:"batch_timeout"`
	Clustering      Clustering    `koanf:"clustering"`
}

// Clustering embeds the clustering algorithm selection and its
// algorithm-specific parameters.
type Clustering struct {
	Enabled       bool         `koanf:"enabled"`
	Algorithm     string       `koanf:"algorithm"` // louvain, hierarchical, dbscan
	MinEdgeWeight float64      `koanf:"min_edge_weight"`
	FolderPrefix  string       `koanf:"folder_prefix"`
	Louvain       Louvain      `koanf:"louvain"`
	Hierarchical  Hierarchical `koanf:"hierarchical"`
	DBSCAN        DBSCAN       `koanf:"dbscan"`
}

// Louvain parameters.
type Louvain struct {
	Resolution    float64 `koanf:"resolution"`
	MaxIterations int     `koanf:"max_iterations"`
}

// Hierarchical agglomerative clustering parameters. Cut by either
// NClusters or DistanceThreshold.
type Hierarchical struct {
	Linkage           string  `koanf:"linkage"` // average, complete, single, ward
	NClusters         int     `koanf:"n_clusters"`
	DistanceThreshold float64 `koanf:"distance_threshold"`
}

// DBSCAN parameters over the coupling distance 1 - weighted_jaccard.
type DBSCAN struct {
	Eps        float64 `koanf:"eps"`
	MinSamples int     `koanf:"min_samples"`
}

// Default returns a config with the documented defaults.
func Default() *Config {
	return &Config{
		MergeHandling:   MergeNone,
		ChangesetMode:   ByCommit,
		AuthorWindow:    24,
		MaxChangeset:    50,
		MaxLogical:      100,
		MinRevisions:    5,
		MinCooccurrence: 5,
		TopKEdges:       50,
		RenameThreshold: 60,
		HotspotSelector: "top_p:0.95",
		BatchSize:       500,
		SpillBudget:     1 << 30,
		BatchTimeout:    5 * time.Minute,
		Clustering: Clustering{
			Enabled:       true,
			Algorithm:     "louvain",
			MinEdgeWeight: 0.1,
			Louvain:       Louvain{Resolution: 1.0, MaxIterations: 100},
			Hierarchical:  Hierarchical{Linkage: "average"},
			DBSCAN:        DBSCAN{Eps: 0.5, MinSamples: 3},
		},
	}
}

// Load reads a configuration file (yaml, toml or json by extension) over
// the defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = kyaml.Parser()
	case ".toml":
		parser = ktoml.Parser()
	case ".json":
		parser = kjson.Parser()
	default:
		return nil, models.NewError(models.ErrConfigInvalid, "unsupported config format: %s", path)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, models.WrapError(models.ErrConfigInvalid, err, "load config %s", path)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, models.WrapError(models.ErrConfigInvalid, err, "unmarshal config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements. All violations are
// reported at once in the error's detail bag, keyed by field.
func (c *Config) Validate() error {
	fields := make(map[string]any)

	switch c.MergeHandling {
	case MergeNone, MergeFirstParent, MergeInclude:
	default:
		fields["merge_handling"] = "must be none, first_parent or include"
	}

	switch c.ChangesetMode {
	case ByCommit, ByAuthorTime:
	case ByTicketID:
		if c.TicketPattern == "" {
			fields["ticket_id_pattern"] = "required when changeset_mode is by_ticket_id"
		} else if _, err := regexp.Compile(c.TicketPattern); err != nil {
			fields["ticket_id_pattern"] = err.Error()
		}
	default:
		fields["changeset_mode"] = "must be by_commit, by_author_time or by_ticket_id"
	}

	if c.AuthorWindow <= 0 {
		fields["author_time_window_hours"] = "must be > 0"
	}
	if c.MaxChangeset < 2 {
		fields["max_changeset_size"] = "must be >= 2"
	}
	if c.MaxLogical < 2 {
		fields["max_logical_changeset_size"] = "must be >= 2"
	}
	if c.MinRevisions < 1 {
		fields["min_revisions"] = "must be >= 1"
	}
	if c.MinCooccurrence < 1 {
		fields["min_cooccurrence"] = "must be >= 1"
	}
	if c.WindowDays < 0 {
		fields["window_days"] = "must be > 0 or unset"
	}
	if c.DecayHalfLife < 0 {
		fields["decay_half_life_days"] = "must be > 0 or unset"
	}
	if c.TopKEdges < 1 {
		fields["topk_edges_per_file"] = "must be >= 1"
	}
	if c.RenameThreshold < 0 || c.RenameThreshold > 100 {
		fields["rename_threshold"] = "must be in 0..100"
	}
	if c.Since != nil && c.Until != nil && c.Until.Before(*c.Since) {
		fields["until"] = "must not precede since"
	}
	if _, _, err := ParseHotspotSelector(c.HotspotSelector); err != nil {
		fields["hotspot_selector"] = err.Error()
	}
	if err := c.Clustering.validate(); err != nil {
		fields["clustering"] = err.Error()
	}

	if len(fields) > 0 {
		err := models.NewError(models.ErrConfigInvalid, "configuration validation failed")
		for k, v := range fields {
			err.WithDetail(k, v)
		}
		return err
	}
	return nil
}

func (cl *Clustering) validate() error {
	switch cl.Algorithm {
	case "louvain":
		if cl.Louvain.Resolution <= 0 {
			return models.NewError(models.ErrConfigInvalid, "louvain.resolution must be > 0")
		}
	case "hierarchical":
		switch cl.Hierarchical.Linkage {
		case "average", "complete", "single", "ward":
		default:
			return models.NewError(models.ErrConfigInvalid, "hierarchical.linkage must be average, complete, single or ward")
		}
		if cl.Hierarchical.NClusters == 0 && cl.Hierarchical.DistanceThreshold == 0 {
			return models.NewError(models.ErrConfigInvalid, "hierarchical requires n_clusters or distance_threshold")
		}
	case "dbscan":
		if cl.DBSCAN.Eps <= 0 || cl.DBSCAN.Eps > 1 {
			return models.NewError(models.ErrConfigInvalid, "dbscan.eps must be in (0, 1]")
		}
		if cl.DBSCAN.MinSamples < 1 {
			return models.NewError(models.ErrConfigInvalid, "dbscan.min_samples must be >= 1")
		}
	default:
		return models.NewError(models.ErrConfigInvalid, "algorithm must be louvain, hierarchical or dbscan")
	}
	if cl.MinEdgeWeight < 0 || cl.MinEdgeWeight > 1 {
		return models.NewError(models.ErrConfigInvalid, "min_edge_weight must be in [0, 1]")
	}
	return nil
}

// ParseHotspotSelector parses "top_p:<0..1>" or "top_n:<int>" selectors.
// Returns (p, 0) or (0, n).
func ParseHotspotSelector(sel string) (float64, int, error) {
	if p, ok := strings.CutPrefix(sel, "top_p:"); ok {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v <= 0 || v > 1 {
			return 0, 0, models.NewError(models.ErrConfigInvalid, "top_p must be in (0, 1]")
		}
		return v, 0, nil
	}
	if n, ok := strings.CutPrefix(sel, "top_n:"); ok {
		v, err := strconv.Atoi(n)
		if err != nil || v < 1 {
			return 0, 0, models.NewError(models.ErrConfigInvalid, "top_n must be >= 1")
		}
		return 0, v, nil
	}
	return 0, 0, models.NewError(models.ErrConfigInvalid, "selector must be top_p:<p> or top_n:<n>")
}

// Hash returns a stable BLAKE3 hex digest of the configuration, used as
// the persisted config snapshot id.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
