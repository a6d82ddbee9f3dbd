// Package extsort sorts flattened rows using bounded memory.
//
// Rows are buffered in memory until their estimated size exceeds the memory
// budget. The buffer is then sorted and spilled to a temporary run file. On
// Finish, the runs and the remaining in-memory rows are merged. If nothing
// was spilled, the buffer is sorted once and served directly.
//
// The order is coord.Key order: start ascending, end descending, then kind,
// feature ordinal and sub-feature index. Since the order is total, the output
// does not depend on the number of spills.
//
// Example:
//
//	s := extsort.NewSorter(primarySchema, subSchema, extsort.Options{})
//	defer s.Close()
//	for _, row := range rows {
//	  if err := s.Add(row); err != nil { ... }
//	}
//	if err := s.Finish(); err != nil { ... }
//	for s.Scan() {
//	  use s.Row()
//	}
//	if err := s.Err(); err != nil { ... }
package extsort

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/tracks/flatten"
	"v.io/x/lib/vlog"
)

const (
	// DefaultMemoryBudget is the default value of Options.MemoryBudget.
	DefaultMemoryBudget = 256 << 20
	// DefaultParallelism is the default value of Options.Parallelism.
	DefaultParallelism = 2
)

// rowOverhead approximates the in-memory cost of a row beyond its encoded
// size: the Row header, the value slice and interface boxes.
const rowOverhead = 64

// Options controls the sorter.
type Options struct {
	// MemoryBudget is the estimated number of bytes of rows kept in memory
	// before a run is spilled.  If <= 0, DefaultMemoryBudget is used.  Max
	// memory consumption grows linearly with Parallelism, since each
	// background spill holds one buffer.
	MemoryBudget int64

	// TmpDir is the directory under which the temp directory for runs is
	// created. "" means the system default, usually /tmp.
	TmpDir string

	// NoCompressTmpFiles, if false (default), compresses runs using snappy.
	NoCompressTmpFiles bool

	// Parallelism limits the number of background spills. If <= 0,
	// DefaultParallelism is used.
	Parallelism int

	// MinFreeBytes is the free space that must remain on the temp
	// filesystem after a spill.  A spill that would leave less fails.
	MinFreeBytes int64
}

// DefaultOptions holds the default sorter options.
var DefaultOptions = Options{
	MemoryBudget: DefaultMemoryBudget,
	Parallelism:  DefaultParallelism,
}

type spillBatch struct {
	seq  int
	rows []flatten.Row
	size int64
}

// Sorter sorts rows of one track.  Add and Finish must be called from one
// goroutine.  Close must be called on every path, typically via defer; it
// removes all temp files.
type Sorter struct {
	schemas [flatten.NumKinds]*flatten.Schema
	options Options
	pool    *blockPool
	err     errors.Once

	buf      []flatten.Row
	bufBytes int64
	numRows  int64
	finished bool
	closed   bool

	// Background spilling.
	spillCh   chan spillBatch
	wg        sync.WaitGroup
	bgStopped bool
	mu        sync.Mutex
	tmpDir    string         // created on the first spill, guarded by mu.
	runs      map[int]string // run seq -> path, guarded by mu.
	numSpills int

	// Draining.
	sorted  []flatten.Row // no-spill fast path.
	pos     int
	merger  *merger
	readers []*runReader
	row     flatten.Row
}

// NewSorter creates a sorter for rows with the given schemas.  Add rejects
// rows whose column count differs from their kind's schema.
func NewSorter(primary, sub *flatten.Schema, options Options) *Sorter {
	if options.MemoryBudget <= 0 {
		options.MemoryBudget = DefaultMemoryBudget
	}
	if options.Parallelism <= 0 {
		options.Parallelism = DefaultParallelism
	}
	vlog.VI(1).Infof("New Sorter: %+v", options)
	s := &Sorter{
		schemas: [flatten.NumKinds]*flatten.Schema{primary, sub},
		options: options,
		pool:    newBlockPool(),
		spillCh: make(chan spillBatch, options.Parallelism),
		runs:    map[int]string{},
	}
	for i := 0; i < options.Parallelism; i++ {
		s.wg.Add(1)
		go func() {
			for batch := range s.spillCh {
				s.spill(batch)
			}
			s.wg.Done()
		}()
	}
	return s
}

// Add adds a row. The sorter takes ownership of the row's values.  Errors
// are sticky: once a spill fails, every later call returns the error.
func (s *Sorter) Add(r flatten.Row) error {
	if s.finished || s.closed {
		return errors.E(errors.Precondition, "extsort: Add after Finish")
	}
	if kind := r.Kind(); kind >= flatten.NumKinds {
		return errors.E(errors.Invalid, fmt.Sprintf("extsort: invalid row kind %d", kind))
	}
	if err := s.schemas[r.Kind()].Validate(r); err != nil {
		return err
	}
	if err := s.err.Err(); err != nil {
		return err
	}
	s.buf = append(s.buf, r)
	s.bufBytes += int64(flatten.EncodedSize(r)) + rowOverhead
	s.numRows++
	if s.bufBytes > s.options.MemoryBudget {
		s.startSpill()
	}
	return s.err.Err()
}

func (s *Sorter) startSpill() {
	batch := spillBatch{seq: s.numSpills, rows: s.buf, size: s.bufBytes}
	s.numSpills++
	s.buf = nil
	s.bufBytes = 0
	s.spillCh <- batch
}

func sortRows(rows []flatten.Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.LT(rows[j].Key) })
}

// spill sorts a batch and writes it to a run file.  Runs in a background
// goroutine.
func (s *Sorter) spill(batch spillBatch) {
	if s.err.Err() != nil {
		return
	}
	dir, err := s.ensureTmpDir()
	if err != nil {
		s.err.Set(err)
		return
	}
	if err := checkFreeSpace(dir, batch.size+s.options.MinFreeBytes); err != nil {
		s.err.Set(err)
		return
	}
	vlog.VI(1).Infof("Spilling run %d: %d rows, %d bytes", batch.seq, len(batch.rows), batch.size)
	sortRows(batch.rows)
	path := filepath.Join(dir, fmt.Sprintf("run-%06d", batch.seq))
	s.mu.Lock()
	s.runs[batch.seq] = path
	s.mu.Unlock()
	ctx := vcontext.Background()
	w := newRunWriter(ctx, path, !s.options.NoCompressTmpFiles, s.pool, &s.err)
	for _, r := range batch.rows {
		w.add(r)
	}
	w.finish(ctx)
}

func (s *Sorter) ensureTmpDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tmpDir == "" {
		dir, err := ioutil.TempDir(s.options.TmpDir, "extsort")
		if err != nil {
			return "", errors.E(err, "extsort: create temp dir")
		}
		s.tmpDir = dir
	}
	return s.tmpDir, nil
}

func (s *Sorter) stopBackground() {
	if !s.bgStopped {
		s.bgStopped = true
		close(s.spillCh)
		s.wg.Wait()
	}
}

// Finish declares that no more rows will be added, and prepares for
// draining.  It must be called exactly once, before Scan.
func (s *Sorter) Finish() error {
	if s.finished || s.closed {
		return errors.E(errors.Precondition, "extsort: Finish called twice")
	}
	s.finished = true
	s.stopBackground()
	if err := s.err.Err(); err != nil {
		return err
	}
	sortRows(s.buf)
	if s.numSpills == 0 {
		s.sorted = s.buf
		s.buf = nil
		vlog.VI(1).Infof("Sorted %d rows in memory", len(s.sorted))
		return nil
	}
	ctx := vcontext.Background()
	inputs := make([]cursor, 0, s.numSpills+1)
	for seq := 0; seq < s.numSpills; seq++ {
		r, err := openRunReader(ctx, s.runs[seq], s.pool)
		if err != nil {
			s.err.Set(err)
			return err
		}
		s.readers = append(s.readers, r)
		inputs = append(inputs, r)
	}
	inputs = append(inputs, &memRun{rows: s.buf})
	s.buf = nil
	s.merger = newMerger(inputs)
	log.Debug.Printf("extsort: merging %d runs and %d in-memory rows", s.numSpills, len(inputs[len(inputs)-1].(*memRun).rows))
	return s.merger.err
}

// Scan advances to the next row in sort order. It returns false at the end
// or on error.
func (s *Sorter) Scan() bool {
	if !s.finished || s.closed || s.err.Err() != nil {
		return false
	}
	if s.merger == nil {
		if s.pos >= len(s.sorted) {
			return false
		}
		s.row = s.sorted[s.pos]
		s.pos++
		return true
	}
	if !s.merger.scan() {
		s.err.Set(s.merger.err)
		return false
	}
	s.row = s.merger.row
	return true
}

// Row returns the current row.
//
// REQUIRES: Scan returned true.
func (s *Sorter) Row() flatten.Row { return s.row }

// Err returns the first error encountered.
func (s *Sorter) Err() error { return s.err.Err() }

// NumSpills returns the number of runs spilled so far.
func (s *Sorter) NumSpills() int { return s.numSpills }

// NumRows returns the number of rows added.
func (s *Sorter) NumRows() int64 { return s.numRows }

// Close releases all resources and removes the temp files.  It is safe to
// call Close more than once and on any path.
func (s *Sorter) Close() error {
	if s.closed {
		return s.err.Err()
	}
	s.closed = true
	s.stopBackground()
	ctx := vcontext.Background()
	for _, r := range s.readers {
		if err := r.close(ctx); err != nil {
			log.Error.Printf("extsort: close %s: %v", r.path, err)
		}
	}
	s.readers = nil
	s.merger = nil
	s.buf, s.sorted = nil, nil
	s.mu.Lock()
	dir := s.tmpDir
	s.mu.Unlock()
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			log.Error.Printf("extsort: failed to remove temp dir %s: %v", dir, err)
			s.err.Set(err)
		}
	}
	return s.err.Err()
}

// TmpDir returns the directory holding the runs, or "" if nothing was
// spilled yet.
func (s *Sorter) TmpDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tmpDir
}
