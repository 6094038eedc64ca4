package vcs

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/entanglehq/entangle/pkg/models"
)

const defaultRenameThreshold = 60

// GitOpener opens git repositories using go-git.
type GitOpener struct{}

// NewGitOpener creates a new GitOpener.
func NewGitOpener() *GitOpener {
	return &GitOpener{}
}

// Open resolves the requested refs, enumerates the reachable commits and
// returns a reader that decodes them oldest-first. Commit enumeration is
// eager (hashes only); diffs are computed lazily during ForEach.
func (o *GitOpener) Open(path string, opts Options) (Reader, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, models.WrapError(models.ErrRepoNotFound, err, "open %s", path)
		}
		return nil, models.WrapError(models.ErrVCSReadFailed, err, "open %s", path)
	}

	heads, headHash, err := resolveHeads(repo, opts)
	if err != nil {
		return nil, err
	}

	commits, err := collectCommits(repo, heads, opts)
	if err != nil {
		return nil, err
	}

	threshold := opts.RenameThreshold
	if threshold <= 0 {
		threshold = defaultRenameThreshold
	}

	return &gitReader{
		repo:       repo,
		commits:    commits,
		head:       headHash.String(),
		threshold:  threshold,
		mergeUnion: opts.MergeUnion,
	}, nil
}

func resolveHeads(repo *git.Repository, opts Options) ([]plumbing.Hash, plumbing.Hash, error) {
	var headHash plumbing.Hash
	if opts.Ref != "" {
		h, err := repo.ResolveRevision(plumbing.Revision(opts.Ref))
		if err != nil {
			return nil, plumbing.ZeroHash, models.WrapError(models.ErrVCSReadFailed, err, "resolve ref %q", opts.Ref)
		}
		headHash = *h
	} else {
		ref, err := repo.Head()
		if err != nil {
			return nil, plumbing.ZeroHash, models.WrapError(models.ErrVCSReadFailed, err, "resolve head")
		}
		headHash = ref.Hash()
	}

	heads := []plumbing.Hash{headHash}
	if opts.IncludeAllRefs {
		refs, err := repo.References()
		if err != nil {
			return nil, plumbing.ZeroHash, models.WrapError(models.ErrVCSReadFailed, err, "list references")
		}
		seen := map[plumbing.Hash]bool{headHash: true}
		_ = refs.ForEach(func(ref *plumbing.Reference) error {
			if ref.Type() != plumbing.HashReference {
				return nil
			}
			if !seen[ref.Hash()] {
				seen[ref.Hash()] = true
				heads = append(heads, ref.Hash())
			}
			return nil
		})
	}
	return heads, headHash, nil
}

// collectCommits walks the ancestry of every head and topologically sorts
// the result so parents precede children. Ties break on committer time,
// then hash, keeping the order stable across runs.
func collectCommits(repo *git.Repository, heads []plumbing.Hash, opts Options) ([]*object.Commit, error) {
	byHash := make(map[plumbing.Hash]*object.Commit)
	stack := append([]plumbing.Hash(nil), heads...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := byHash[h]; ok {
			continue
		}
		c, err := repo.CommitObject(h)
		if err != nil {
			return nil, models.WrapError(models.ErrVCSReadFailed, err, "read commit %s", h)
		}
		byHash[h] = c
		stack = append(stack, c.ParentHashes...)
	}

	// Kahn's algorithm over the collected set.
	indegree := make(map[plumbing.Hash]int, len(byHash))
	children := make(map[plumbing.Hash][]plumbing.Hash, len(byHash))
	for h, c := range byHash {
		for _, p := range c.ParentHashes {
			if _, ok := byHash[p]; ok {
				indegree[h]++
				children[p] = append(children[p], h)
			}
		}
	}

	ready := make([]*object.Commit, 0, len(byHash))
	for h, c := range byHash {
		if indegree[h] == 0 {
			ready = append(ready, c)
		}
	}

	less := func(a, b *object.Commit) bool {
		if !a.Committer.When.Equal(b.Committer.When) {
			return a.Committer.When.Before(b.Committer.When)
		}
		return strings.Compare(a.Hash.String(), b.Hash.String()) < 0
	}

	sorted := make([]*object.Commit, 0, len(byHash))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		c := ready[0]
		ready = ready[1:]
		sorted = append(sorted, c)
		for _, childHash := range children[c.Hash] {
			indegree[childHash]--
			if indegree[childHash] == 0 {
				ready = append(ready, byHash[childHash])
			}
		}
	}

	// Time bounds filter after ordering so ancestry stays intact.
	if opts.Since != nil || opts.Until != nil {
		filtered := sorted[:0]
		for _, c := range sorted {
			when := c.Committer.When
			if opts.Since != nil && when.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && when.After(*opts.Until) {
				continue
			}
			filtered = append(filtered, c)
		}
		sorted = filtered
	}
	return sorted, nil
}

// gitReader decodes collected commits into records.
type gitReader struct {
	repo       *git.Repository
	commits    []*object.Commit
	head       string
	threshold  int
	mergeUnion bool
}

func (r *gitReader) Total() int {
	return len(r.commits)
}

func (r *gitReader) Head() string {
	return r.head
}

func (r *gitReader) Close() error {
	return nil
}

func (r *gitReader) ForEach(ctx context.Context, fn func(*models.CommitRecord) error) error {
	for _, c := range r.commits {
		select {
		case <-ctx.Done():
			return models.WrapError(models.ErrCancelled, ctx.Err(), "history read interrupted")
		default:
		}

		record, err := r.decode(ctx, c)
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

// decode diffs the commit against its first parent (or the empty tree for
// root commits) with rename detection and fills line deltas per change.
// With merge union enabled, a merge is diffed against every parent and
// the per-parent change sets are unioned by destination path.
func (r *gitReader) decode(ctx context.Context, c *object.Commit) (*models.CommitRecord, error) {
	record := &models.CommitRecord{
		Hash:          c.Hash.String(),
		AuthorName:    strings.TrimSpace(c.Author.Name),
		AuthorEmail:   strings.ToLower(strings.TrimSpace(c.Author.Email)),
		AuthorTime:    c.Author.When.UTC(),
		CommitterTime: c.Committer.When.UTC(),
		Message:       c.Message,
	}
	for _, p := range c.ParentHashes {
		record.Parents = append(record.Parents, p.String())
	}

	toTree, err := c.Tree()
	if err != nil {
		return nil, models.WrapError(models.ErrVCSReadFailed, err, "tree of %s", c.Hash)
	}

	parents := 1
	if r.mergeUnion && c.NumParents() > 1 {
		parents = c.NumParents()
	}

	seen := make(map[string]bool)
	for i := 0; i < parents; i++ {
		var fromTree *object.Tree
		if c.NumParents() > 0 {
			parent, err := c.Parent(i)
			if err != nil {
				return nil, models.WrapError(models.ErrVCSReadFailed, err, "parent of %s", c.Hash)
			}
			fromTree, err = parent.Tree()
			if err != nil {
				return nil, models.WrapError(models.ErrVCSReadFailed, err, "parent tree of %s", c.Hash)
			}
		}

		changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, &object.DiffTreeOptions{
			DetectRenames: true,
			RenameScore:   uint(r.threshold),
		})
		if err != nil {
			return nil, models.WrapError(models.ErrVCSReadFailed, err, "diff %s", c.Hash)
		}

		for _, change := range changes {
			atom, ok := decodeChange(change)
			if !ok {
				continue
			}
			if seen[atom.Path] {
				continue
			}
			seen[atom.Path] = true
			record.Changes = append(record.Changes, atom)
		}
	}
	return record, nil
}

func decodeChange(change *object.Change) (models.ChangeAtom, bool) {
	from := change.From.Name
	to := change.To.Name

	var atom models.ChangeAtom
	switch {
	case from == "" && to != "":
		atom.Kind = models.ChangeAdd
		atom.Path = to
	case from != "" && to == "":
		atom.Kind = models.ChangeDelete
		atom.Path = from
	case from != to:
		atom.Kind = models.ChangeRename
		atom.Path = to
		atom.OldPath = from
	default:
		atom.Kind = models.ChangeModify
		atom.Path = to
	}

	atom.StatsReliable = true
	patch, err := change.Patch()
	if err != nil {
		atom.StatsReliable = false
		return atom, true
	}
	for _, fp := range patch.FilePatches() {
		if fp.IsBinary() {
			atom.StatsReliable = false
			continue
		}
		for _, chunk := range fp.Chunks() {
			lines := strings.Count(chunk.Content(), "\n")
			switch chunk.Type() {
			case diff.Add:
				atom.LinesAdded += lines
			case diff.Delete:
				atom.LinesDeleted += lines
			}
		}
	}
	return atom, true
}
