package aggregate

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/entanglehq/entangle/pkg/models"
)

const (
	spillShards    = 16
	spillEntrySize = 20 // key uint64 + count uint32 + weighted float64
)

type pairStat struct {
	count    uint32
	weighted float64
}

// accumulator counts unordered file pairs. When the in-memory footprint
// exceeds the budget, the map is partitioned by pair hash into shard run
// files (lz4-compressed) and cleared; runs are merged shard by shard at
// drain time. Correctness is unchanged by spilling, only latency.
type accumulator struct {
	mem        map[uint64]pairStat
	maxEntries int
	dir        string
	runs       map[int]int // shard -> run file count
	spilled    bool
}

func newAccumulator(dir string, budgetBytes int64) *accumulator {
	maxEntries := int(budgetBytes / 48) // map entry plus bookkeeping overhead
	if maxEntries < 1024 {
		maxEntries = 1024
	}
	return &accumulator{
		mem:        make(map[uint64]pairStat),
		maxEntries: maxEntries,
		dir:        dir,
		runs:       make(map[int]int),
	}
}

func pairKey(a, b uint32) uint64 {
	if a > b {
		a, b = b, a
	}
	return uint64(a)<<32 | uint64(b)
}

func splitKey(key uint64) (uint32, uint32) {
	return uint32(key >> 32), uint32(key)
}

func shardOf(key uint64) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return int(xxhash.Sum64(buf[:]) % spillShards)
}

func (a *accumulator) add(key uint64, weight float64) error {
	st := a.mem[key]
	st.count++
	st.weighted += weight
	a.mem[key] = st
	if len(a.mem) > a.maxEntries {
		return a.spill()
	}
	return nil
}

func (a *accumulator) spill() error {
	byShard := make(map[int][]uint64, spillShards)
	for key := range a.mem {
		s := shardOf(key)
		byShard[s] = append(byShard[s], key)
	}
	for s, keys := range byShard {
		run := a.runs[s]
		path := filepath.Join(a.dir, fmt.Sprintf("pairs-%02d-%06d.lz4", s, run))
		if err := a.writeRun(path, keys); err != nil {
			return err
		}
		a.runs[s] = run + 1
	}
	a.mem = make(map[uint64]pairStat)
	a.spilled = true
	return nil
}

func (a *accumulator) writeRun(path string, keys []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return models.WrapError(models.ErrStoreWriteFailed, err, "create spill run")
	}
	zw := lz4.NewWriter(f)
	var buf [spillEntrySize]byte
	for _, key := range keys {
		st := a.mem[key]
		binary.LittleEndian.PutUint64(buf[0:8], key)
		binary.LittleEndian.PutUint32(buf[8:12], st.count)
		binary.LittleEndian.PutUint64(buf[12:20], uint64frombits(st.weighted))
		if _, err := zw.Write(buf[:]); err != nil {
			f.Close()
			return models.WrapError(models.ErrStoreWriteFailed, err, "write spill run")
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return models.WrapError(models.ErrStoreWriteFailed, err, "close spill run")
	}
	return f.Close()
}

// drain invokes fn once per distinct pair with its merged totals, then
// removes all run files.
func (a *accumulator) drain(fn func(key uint64, count int, weighted float64)) error {
	if !a.spilled {
		for key, st := range a.mem {
			fn(key, int(st.count), st.weighted)
		}
		return nil
	}

	// Final in-memory residue participates in the merge per shard.
	residue := make(map[int]map[uint64]pairStat, spillShards)
	for key, st := range a.mem {
		s := shardOf(key)
		if residue[s] == nil {
			residue[s] = make(map[uint64]pairStat)
		}
		residue[s][key] = st
	}

	for s := 0; s < spillShards; s++ {
		merged := residue[s]
		if merged == nil {
			merged = make(map[uint64]pairStat)
		}
		for run := 0; run < a.runs[s]; run++ {
			path := filepath.Join(a.dir, fmt.Sprintf("pairs-%02d-%06d.lz4", s, run))
			if err := readRun(path, func(key uint64, st pairStat) {
				cur := merged[key]
				cur.count += st.count
				cur.weighted += st.weighted
				merged[key] = cur
			}); err != nil {
				return err
			}
			os.Remove(path)
		}
		for key, st := range merged {
			fn(key, int(st.count), st.weighted)
		}
	}
	return nil
}

func readRun(path string, fn func(key uint64, st pairStat)) error {
	f, err := os.Open(path)
	if err != nil {
		return models.WrapError(models.ErrStoreReadFailed, err, "open spill run")
	}
	defer f.Close()

	zr := lz4.NewReader(f)
	var buf [spillEntrySize]byte
	for {
		if _, err := io.ReadFull(zr, buf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return models.WrapError(models.ErrStoreReadFailed, err, "read spill run")
		}
		fn(binary.LittleEndian.Uint64(buf[0:8]), pairStat{
			count:    binary.LittleEndian.Uint32(buf[8:12]),
			weighted: float64frombits(binary.LittleEndian.Uint64(buf[12:20])),
		})
	}
}
