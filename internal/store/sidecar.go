package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/entanglehq/entangle/pkg/models"
)

// CommitRow is the columnar shape of a commit.
type CommitRow struct {
	ID          int64  `parquet:"id"`
	Hash        string `parquet:"hash"`
	AuthorName  string `parquet:"author_name"`
	AuthorEmail string `parquet:"author_email"`
	AuthorTime  int64  `parquet:"author_time"` // unix seconds
	IsMerge     bool   `parquet:"is_merge"`
	ParentCount int32  `parquet:"parent_count"`
	Size        int32  `parquet:"size"`
}

// ChangeRow is the columnar shape of a change.
type ChangeRow struct {
	CommitID     int64  `parquet:"commit_id"`
	FileID       int64  `parquet:"file_id"`
	Kind         string `parquet:"kind"`
	LinesAdded   int32  `parquet:"lines_added"`
	LinesDeleted int32  `parquet:"lines_deleted"`
	AuthorTime   int64  `parquet:"author_time"` // denormalised for pushdown
}

type segment struct {
	Commits string `json:"commits"`
	Changes string `json:"changes"`
	MinTime int64  `json:"min_time"`
	MaxTime int64  `json:"max_time"`
	Rows    int    `json:"rows"`
}

type manifest struct {
	Segments []segment `json:"segments"`
}

// Sidecar stores bulk commit and change rows as parquet segments, one
// segment pair per extraction batch. Each segment carries its author-time
// range in the manifest so scans skip segments outside the predicate.
type Sidecar struct {
	dir string
	mu  sync.Mutex
	man manifest
}

// OpenSidecar opens the columnar sidecar directory, loading the manifest
// if present.
func OpenSidecar(dir string) (*Sidecar, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, models.WrapError(models.ErrStoreWriteFailed, err, "create sidecar directory")
	}
	sc := &Sidecar{dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err == nil {
		if err := json.Unmarshal(data, &sc.man); err != nil {
			return nil, models.WrapError(models.ErrStoreReadFailed, err, "parse sidecar manifest")
		}
	}
	return sc, nil
}

// Reset removes all segments and the manifest.
func (sc *Sidecar) Reset() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	entries, err := os.ReadDir(sc.dir)
	if err != nil {
		return models.WrapError(models.ErrStoreWriteFailed, err, "list sidecar")
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(sc.dir, e.Name())); err != nil {
			return models.WrapError(models.ErrStoreWriteFailed, err, "remove %s", e.Name())
		}
	}
	sc.man = manifest{}
	return nil
}

// AppendBatch writes one segment pair for an extraction batch and records
// it in the manifest. Rows within a batch share a contiguous time range
// because extraction runs in DAG order.
func (sc *Sidecar) AppendBatch(commits []CommitRow, changes []ChangeRow) error {
	if len(commits) == 0 {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	n := len(sc.man.Segments)
	seg := segment{
		Commits: fmt.Sprintf("commits-%06d.parquet", n),
		Changes: fmt.Sprintf("changes-%06d.parquet", n),
		MinTime: commits[0].AuthorTime,
		MaxTime: commits[0].AuthorTime,
		Rows:    len(changes),
	}
	for _, c := range commits {
		if c.AuthorTime < seg.MinTime {
			seg.MinTime = c.AuthorTime
		}
		if c.AuthorTime > seg.MaxTime {
			seg.MaxTime = c.AuthorTime
		}
	}

	if err := writeParquet(filepath.Join(sc.dir, seg.Commits), commits); err != nil {
		return err
	}
	if err := writeParquet(filepath.Join(sc.dir, seg.Changes), changes); err != nil {
		return err
	}

	sc.man.Segments = append(sc.man.Segments, seg)
	return sc.flushManifest()
}

func writeParquet[T any](path string, rows []T) error {
	f, err := os.Create(path)
	if err != nil {
		return models.WrapError(models.ErrStoreWriteFailed, err, "create %s", path)
	}
	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return models.WrapError(models.ErrStoreWriteFailed, err, "write %s", path)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return models.WrapError(models.ErrStoreWriteFailed, err, "close %s", path)
	}
	return f.Close()
}

func (sc *Sidecar) flushManifest() error {
	data, err := json.MarshalIndent(&sc.man, "", "  ")
	if err != nil {
		return models.WrapError(models.ErrStoreWriteFailed, err, "encode manifest")
	}
	tmp := filepath.Join(sc.dir, "manifest.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return models.WrapError(models.ErrStoreWriteFailed, err, "write manifest")
	}
	if err := os.Rename(tmp, filepath.Join(sc.dir, "manifest.json")); err != nil {
		return models.WrapError(models.ErrStoreWriteFailed, err, "replace manifest")
	}
	return nil
}

// ScanChanges streams change rows whose commit author time falls within
// [since, until], oldest segment first. Segments entirely outside the
// bounds are skipped without being opened.
func (sc *Sidecar) ScanChanges(since, until *time.Time, fn func(ChangeRow) error) error {
	sc.mu.Lock()
	segments := append([]segment(nil), sc.man.Segments...)
	sc.mu.Unlock()

	var lo, hi int64 = 0, 1<<63 - 1
	if since != nil {
		lo = since.Unix()
	}
	if until != nil {
		hi = until.Unix()
	}

	for _, seg := range segments {
		if seg.MaxTime < lo || seg.MinTime > hi {
			continue
		}
		if err := scanParquet(filepath.Join(sc.dir, seg.Changes), func(row ChangeRow) error {
			if row.AuthorTime < lo || row.AuthorTime > hi {
				return nil
			}
			return fn(row)
		}); err != nil {
			return err
		}
	}
	return nil
}

func scanParquet(path string, fn func(ChangeRow) error) error {
	f, err := os.Open(path)
	if err != nil {
		return models.WrapError(models.ErrStoreReadFailed, err, "open %s", path)
	}
	defer f.Close()

	r := parquet.NewGenericReader[ChangeRow](f)
	defer r.Close()

	buf := make([]ChangeRow, 1024)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			if cbErr := fn(buf[i]); cbErr != nil {
				return cbErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return models.WrapError(models.ErrStoreReadFailed, err, "read %s", path)
		}
	}
}
