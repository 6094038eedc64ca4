package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/entanglehq/entangle/pkg/models"
)

func initGitRepo(t *testing.T, path string) *git.Repository {
	t.Helper()

	repo, err := git.PlainInit(path, false)
	if err != nil {
		t.Fatalf("Failed to init git repo: %v", err)
	}
	return repo
}

func writeFileAndCommit(t *testing.T, repo *git.Repository, repoPath, filename, content, message string, when time.Time) plumbing.Hash {
	t.Helper()

	filePath := filepath.Join(repoPath, filename)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", filename, err)
	}

	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}
	if _, err := w.Add(filename); err != nil {
		t.Fatalf("Failed to add file %s: %v", filename, err)
	}

	hash, err := w.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test Author",
			Email: "test@example.com",
			When:  when,
		},
	})
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	return hash
}

func readAll(t *testing.T, r Reader) []*models.CommitRecord {
	t.Helper()

	var records []*models.CommitRecord
	err := r.ForEach(context.Background(), func(rec *models.CommitRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	return records
}

func TestOpenMissingRepo(t *testing.T) {
	_, err := NewGitOpener().Open(t.TempDir(), Options{})
	if err == nil {
		t.Fatal("expected an error for a directory without a repository")
	}
	if !models.IsCode(err, models.ErrRepoNotFound) {
		t.Errorf("error code = %v, want %v", models.CodeOf(err), models.ErrRepoNotFound)
	}
}

func TestReaderYieldsParentsFirst(t *testing.T) {
	repoPath := t.TempDir()
	repo := initGitRepo(t, repoPath)

	base := time.Now().Add(-3 * time.Hour)
	h1 := writeFileAndCommit(t, repo, repoPath, "a.go", "package a\n", "first", base)
	h2 := writeFileAndCommit(t, repo, repoPath, "a.go", "package a\n\nvar X = 1\n", "second", base.Add(time.Hour))
	h3 := writeFileAndCommit(t, repo, repoPath, "b.go", "package a\n", "third", base.Add(2*time.Hour))

	reader, err := NewGitOpener().Open(repoPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()

	if reader.Total() != 3 {
		t.Errorf("Total() = %d, want 3", reader.Total())
	}
	if reader.Head() != h3.String() {
		t.Errorf("Head() = %s, want %s", reader.Head(), h3)
	}

	records := readAll(t, reader)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for i, want := range []plumbing.Hash{h1, h2, h3} {
		if records[i].Hash != want.String() {
			t.Errorf("record %d = %s, want %s", i, records[i].Hash, want)
		}
	}
	if len(records[0].Parents) != 0 {
		t.Error("root commit should have no parents")
	}
	if len(records[1].Parents) != 1 || records[1].Parents[0] != h1.String() {
		t.Error("second commit should have the root as parent")
	}
}

func TestReaderDecodesLineDeltas(t *testing.T) {
	repoPath := t.TempDir()
	repo := initGitRepo(t, repoPath)

	base := time.Now().Add(-2 * time.Hour)
	writeFileAndCommit(t, repo, repoPath, "a.go", "line1\nline2\n", "add", base)
	writeFileAndCommit(t, repo, repoPath, "a.go", "line1\nchanged\nline3\n", "modify", base.Add(time.Hour))

	reader, err := NewGitOpener().Open(repoPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()
	records := readAll(t, reader)

	add := records[0].Changes[0]
	if add.Kind != models.ChangeAdd || add.Path != "a.go" {
		t.Errorf("first change = %+v, want add of a.go", add)
	}
	if add.LinesAdded != 2 || add.LinesDeleted != 0 {
		t.Errorf("add deltas = +%d/-%d, want +2/-0", add.LinesAdded, add.LinesDeleted)
	}
	if !add.StatsReliable {
		t.Error("text content should have reliable stats")
	}

	mod := records[1].Changes[0]
	if mod.Kind != models.ChangeModify {
		t.Errorf("second change kind = %v, want modify", mod.Kind)
	}
	if mod.LinesAdded != 2 || mod.LinesDeleted != 1 {
		t.Errorf("modify deltas = +%d/-%d, want +2/-1", mod.LinesAdded, mod.LinesDeleted)
	}
}

func TestReaderDetectsRenames(t *testing.T) {
	repoPath := t.TempDir()
	repo := initGitRepo(t, repoPath)

	content := "package a\n\nfunc A() int { return 1 }\n\nfunc B() int { return 2 }\n"
	base := time.Now().Add(-2 * time.Hour)
	writeFileAndCommit(t, repo, repoPath, "old.go", content, "add", base)

	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}
	if _, err := w.Remove("old.go"); err != nil {
		t.Fatalf("Failed to remove old.go: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, "new.go"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write new.go: %v", err)
	}
	if _, err := w.Add("new.go"); err != nil {
		t.Fatalf("Failed to add new.go: %v", err)
	}
	if _, err := w.Commit("rename", &git.CommitOptions{
		Author: &object.Signature{Name: "Test Author", Email: "test@example.com", When: base.Add(time.Hour)},
	}); err != nil {
		t.Fatalf("Failed to commit rename: %v", err)
	}

	reader, err := NewGitOpener().Open(repoPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()
	records := readAll(t, reader)

	if len(records[1].Changes) != 1 {
		t.Fatalf("rename commit changes = %d, want 1", len(records[1].Changes))
	}
	ch := records[1].Changes[0]
	if ch.Kind != models.ChangeRename {
		t.Errorf("kind = %v, want rename", ch.Kind)
	}
	if ch.Path != "new.go" || ch.OldPath != "old.go" {
		t.Errorf("paths = %s <- %s, want new.go <- old.go", ch.Path, ch.OldPath)
	}
}

func TestReaderMarksMergeCommits(t *testing.T) {
	repoPath := t.TempDir()
	repo := initGitRepo(t, repoPath)

	base := time.Now().Add(-3 * time.Hour)
	h1 := writeFileAndCommit(t, repo, repoPath, "a.go", "package a\n", "first", base)
	h2 := writeFileAndCommit(t, repo, repoPath, "b.go", "package a\n", "second", base.Add(time.Hour))

	// A synthetic two-parent commit stands in for a real merge.
	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, "c.go"), []byte("package a\n"), 0644); err != nil {
		t.Fatalf("Failed to write c.go: %v", err)
	}
	if _, err := w.Add("c.go"); err != nil {
		t.Fatalf("Failed to add c.go: %v", err)
	}
	h3, err := w.Commit("merge", &git.CommitOptions{
		Author:  &object.Signature{Name: "Test Author", Email: "test@example.com", When: base.Add(2 * time.Hour)},
		Parents: []plumbing.Hash{h2, h1},
	})
	if err != nil {
		t.Fatalf("Failed to commit merge: %v", err)
	}

	reader, err := NewGitOpener().Open(repoPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()
	records := readAll(t, reader)

	last := records[len(records)-1]
	if last.Hash != h3.String() {
		t.Fatalf("last record = %s, want the merge %s", last.Hash, h3)
	}
	if !last.IsMerge() || len(last.Parents) != 2 {
		t.Errorf("IsMerge() = %v with %d parents, want true with 2", last.IsMerge(), len(last.Parents))
	}
}

func TestReaderMergeUnionDiffsAllParents(t *testing.T) {
	repoPath := t.TempDir()
	repo := initGitRepo(t, repoPath)

	base := time.Now().Add(-3 * time.Hour)
	h1 := writeFileAndCommit(t, repo, repoPath, "a.go", "package a\n", "first", base)
	h2 := writeFileAndCommit(t, repo, repoPath, "b.go", "package a\n", "second", base.Add(time.Hour))

	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, "c.go"), []byte("package a\n"), 0644); err != nil {
		t.Fatalf("Failed to write c.go: %v", err)
	}
	if _, err := w.Add("c.go"); err != nil {
		t.Fatalf("Failed to add c.go: %v", err)
	}
	if _, err := w.Commit("merge", &git.CommitOptions{
		Author:  &object.Signature{Name: "Test Author", Email: "test@example.com", When: base.Add(2 * time.Hour)},
		Parents: []plumbing.Hash{h2, h1},
	}); err != nil {
		t.Fatalf("Failed to commit merge: %v", err)
	}

	// First-parent diff sees only c.go.
	reader, err := NewGitOpener().Open(repoPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	records := readAll(t, reader)
	reader.Close()

	merge := records[len(records)-1]
	if len(merge.Changes) != 1 || merge.Changes[0].Path != "c.go" {
		t.Fatalf("first-parent changes = %+v, want only c.go", merge.Changes)
	}

	// The union against both parents picks up b.go as well: against h1
	// the merge also introduces it.
	reader, err = NewGitOpener().Open(repoPath, Options{MergeUnion: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()
	records = readAll(t, reader)

	merge = records[len(records)-1]
	paths := make(map[string]bool, len(merge.Changes))
	for _, ch := range merge.Changes {
		paths[ch.Path] = true
	}
	if len(paths) != 2 || !paths["b.go"] || !paths["c.go"] {
		t.Errorf("union changes = %v, want b.go and c.go", paths)
	}
}

func TestReaderTimeBounds(t *testing.T) {
	repoPath := t.TempDir()
	repo := initGitRepo(t, repoPath)

	old := time.Now().Add(-100 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	writeFileAndCommit(t, repo, repoPath, "a.go", "package a\n", "old", old)
	h2 := writeFileAndCommit(t, repo, repoPath, "b.go", "package a\n", "recent", recent)

	since := time.Now().Add(-2 * time.Hour)
	reader, err := NewGitOpener().Open(repoPath, Options{Since: &since})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()

	records := readAll(t, reader)
	if len(records) != 1 || records[0].Hash != h2.String() {
		t.Fatalf("records = %d, want only the recent commit", len(records))
	}
}

func TestReaderCancellation(t *testing.T) {
	repoPath := t.TempDir()
	repo := initGitRepo(t, repoPath)
	writeFileAndCommit(t, repo, repoPath, "a.go", "package a\n", "first", time.Now().Add(-time.Hour))

	reader, err := NewGitOpener().Open(repoPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = reader.ForEach(ctx, func(*models.CommitRecord) error {
		t.Fatal("no record should be delivered after cancellation")
		return nil
	})
	if !models.IsCode(err, models.ErrCancelled) {
		t.Errorf("error code = %v, want %v", models.CodeOf(err), models.ErrCancelled)
	}
}
