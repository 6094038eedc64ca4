package extract

import (
	"path"
	"strings"

	"github.com/entanglehq/entangle/pkg/config"
)

// PathFilter decides which changed paths participate in the analysis.
// Globs match against the full path and against the basename, the same
// way the repository scanner treats exclusion patterns.
type PathFilter struct {
	includeGlobs []string
	excludeGlobs []string
	includeExts  map[string]bool
	excludeExts  map[string]bool
}

// NewPathFilter builds a filter from the config's path and extension lists.
func NewPathFilter(cfg *config.Config) *PathFilter {
	f := &PathFilter{
		includeGlobs: cfg.IncludePaths,
		excludeGlobs: cfg.ExcludePaths,
	}
	if len(cfg.IncludeExts) > 0 {
		f.includeExts = make(map[string]bool, len(cfg.IncludeExts))
		for _, e := range cfg.IncludeExts {
			f.includeExts[normalizeExt(e)] = true
		}
	}
	if len(cfg.ExcludeExts) > 0 {
		f.excludeExts = make(map[string]bool, len(cfg.ExcludeExts))
		for _, e := range cfg.ExcludeExts {
			f.excludeExts[normalizeExt(e)] = true
		}
	}
	return f
}

// Match reports whether p participates in the analysis.
func (f *PathFilter) Match(p string) bool {
	ext := normalizeExt(path.Ext(p))
	if f.excludeExts != nil && f.excludeExts[ext] {
		return false
	}
	if f.includeExts != nil && !f.includeExts[ext] {
		return false
	}
	for _, g := range f.excludeGlobs {
		if globMatch(g, p) {
			return false
		}
	}
	if len(f.includeGlobs) == 0 {
		return true
	}
	for _, g := range f.includeGlobs {
		if globMatch(g, p) {
			return true
		}
	}
	return false
}

func globMatch(pattern, p string) bool {
	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	if ok, _ := path.Match(pattern, path.Base(p)); ok {
		return true
	}
	// Directory prefix patterns like "vendor/".
	if strings.HasSuffix(pattern, "/") && strings.HasPrefix(p, pattern) {
		return true
	}
	return false
}

func normalizeExt(e string) string {
	return strings.ToLower(strings.TrimPrefix(e, "."))
}
