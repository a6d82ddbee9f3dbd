// Package trackio stores the sorted rows of a track as byte-bounded chunks,
// plus a manifest that lets clients find the chunks overlapping a region.
//
// A track directory contains
//
//	trackData.json       the Manifest
//	lf-<id>.json[.ext]   chunk payloads
//
// A chunk payload is a JSON array of rows; each row is an array whose first
// element is the row kind (0 = primary feature, 1 = sub-feature) followed by
// the column values in header order.  A payload is compressed as a whole if
// the track uses a codec.
package trackio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/tracks/encoding/codec"
	"github.com/grailbio/tracks/flatten"
	"github.com/grailbio/tracks/interval"
	"v.io/x/lib/vlog"
)

const (
	// DefaultChunkBytes is the default value of Opts.ChunkBytes.
	DefaultChunkBytes = 50000
	// DefaultCompressionMultiplier is the default value of
	// Opts.CompressionMultiplier.  It approximates the compression ratio of
	// row payloads, so that compressed chunks are about ChunkBytes on disk.
	DefaultCompressionMultiplier = 4
	// DefaultCodec is the default value of Opts.Codec.
	DefaultCodec = "gzip"
)

// Opts controls the Writer.
type Opts struct {
	// Label and Ref are recorded in the manifest.
	Label string
	Ref   string
	// ChunkBytes bounds the uncompressed size of a chunk payload.  A chunk
	// exceeds it only if it holds a single row that does.  If <= 0,
	// DefaultChunkBytes is used.
	ChunkBytes int
	// CompressionMultiplier scales ChunkBytes when Compress is set.  If <= 0,
	// DefaultCompressionMultiplier is used.
	CompressionMultiplier int
	// Compress enables payload compression with Codec.
	Compress bool
	// Codec names the compression codec.  If "", DefaultCodec is used.
	Codec string
	// HistogramBinSize is the width of the finest histogram bins. If <= 0, it
	// is derived from RefLength.
	HistogramBinSize int64
	// RefLength is the length of the reference sequence, or 0 if unknown.
	RefLength int64
}

// DefaultOpts holds the default writer options.
var DefaultOpts = Opts{
	ChunkBytes:            DefaultChunkBytes,
	CompressionMultiplier: DefaultCompressionMultiplier,
	Codec:                 DefaultCodec,
}

// ChunkPath returns the file name of chunk "id".
func ChunkPath(id int, c codec.Codec) string {
	return fmt.Sprintf("lf-%d.json%s", id, c.Ext())
}

// Budget returns the effective chunk size bound.
func (o Opts) Budget() int {
	if o.Compress {
		return o.ChunkBytes * o.CompressionMultiplier
	}
	return o.ChunkBytes
}

// Writer partitions a sorted row stream into chunks.  Thread compatible.
//
// Example:
//
//	w, err := trackio.NewWriter(dir, primary, sub, opts)
//	for each row, in sort order {
//	  if err := w.Add(ctx, row); err != nil { ... }
//	}
//	manifest, err := w.Close(ctx)
//
// A chunk file appears under its final name only once it is completely
// written, and it is listed in the manifest only after that.  The manifest is
// written last, by Close.  On any error the directory must be discarded.
type Writer struct {
	dir    string
	opts   Opts
	budget int
	codec  codec.Codec
	m      Manifest
	err    errors.Once

	extents []interval.Extent
	hist    histogramBuilder
	closed  bool

	// The open chunk.
	payload  []byte
	rows     int
	features int
	start    int64
	end      int64

	lastKey *flatten.Row
	scratch []byte
}

// NewWriter creates a writer that stores chunks in "dir", which must exist.
func NewWriter(dir string, primary, sub *flatten.Schema, opts Opts) (*Writer, error) {
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = DefaultChunkBytes
	}
	if opts.CompressionMultiplier <= 0 {
		opts.CompressionMultiplier = DefaultCompressionMultiplier
	}
	if opts.Codec == "" {
		opts.Codec = DefaultCodec
	}
	if !opts.Compress {
		opts.Codec = codec.None
	}
	c, err := codec.Lookup(opts.Codec)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		dir:    dir,
		opts:   opts,
		budget: opts.Budget(),
		codec:  c,
		hist:   histogramBuilder{binSize: histogramBinSize(opts.HistogramBinSize, opts.RefLength)},
		m: Manifest{
			Version:    FormatVersion,
			Label:      opts.Label,
			Ref:        opts.Ref,
			Headers:    Headers{Primary: primary, Sub: sub},
			Codec:      c.Name(),
			ChunkBytes: opts.Budget(),
			Chunks:     []Chunk{},
		},
	}
	vlog.VI(1).Infof("%s/%s: new track writer in %s, budget %d, codec %s", opts.Label, opts.Ref, dir, w.budget, c.Name())
	return w, nil
}

// Add appends a row.  Rows must arrive in strictly increasing key order;
// anything else is an errors.Invalid error.
func (w *Writer) Add(ctx context.Context, r flatten.Row) error {
	if w.closed {
		return errors.E(errors.Precondition, "trackio: Add after Close")
	}
	if err := w.err.Err(); err != nil {
		return err
	}
	if w.lastKey != nil && !w.lastKey.Key.LT(r.Key) {
		err := errors.E(errors.Invalid, fmt.Sprintf("trackio: row %v out of order after %v", r.Key, w.lastKey.Key))
		w.err.Set(err)
		return err
	}
	if err := w.m.Headers.schema(r.Kind()).Validate(r); err != nil {
		w.err.Set(err)
		return err
	}
	w.lastKey = &r

	w.scratch = flatten.AppendRowJSON(w.scratch[:0], r)
	if w.rows > 0 && len(w.payload)+1+len(w.scratch)+1 > w.budget {
		w.seal(ctx)
		if err := w.err.Err(); err != nil {
			return err
		}
	}
	if w.rows == 0 {
		w.payload = append(w.payload[:0], '[')
		w.start = r.Start()
		w.end = r.End()
	} else {
		w.payload = append(w.payload, ',')
	}
	w.payload = append(w.payload, w.scratch...)
	w.rows++
	if r.End() > w.end {
		w.end = r.End()
	}
	if r.Kind() == flatten.Primary {
		w.features++
		w.m.FeatureCount++
		w.hist.add(r.Start())
	}
	w.m.RowCount++
	return nil
}

func (h Headers) schema(kind flatten.Kind) *flatten.Schema {
	if kind == flatten.Primary {
		return h.Primary
	}
	return h.Sub
}

// seal writes the open chunk and records it.
func (w *Writer) seal(ctx context.Context) {
	if w.rows == 0 {
		return
	}
	w.payload = append(w.payload, ']')
	id := len(w.m.Chunks)
	chunk := Chunk{
		ID:       id,
		Start:    w.start,
		End:      w.end,
		Path:     ChunkPath(id, w.codec),
		Rows:     w.rows,
		Features: w.features,
		Bytes:    len(w.payload),
	}
	stored, err := w.codec.Encode(nil, w.payload)
	if err != nil {
		w.err.Set(errors.E(err, "trackio: compress chunk", chunk.Path))
		return
	}
	chunk.StoredBytes = len(stored)
	h := seahash.New()
	h.Write(stored) // nolint: errcheck
	chunk.Checksum = fmt.Sprintf("%016x", h.Sum64())
	if err := writeChunkFile(ctx, w.dir, chunk.Path, stored); err != nil {
		w.err.Set(err)
		return
	}
	vlog.VI(1).Infof("%s/%s: sealed chunk %d [%d,%d): %d rows, %d bytes", w.opts.Label, w.opts.Ref,
		id, chunk.Start, chunk.End, chunk.Rows, chunk.Bytes)
	w.m.Chunks = append(w.m.Chunks, chunk)
	w.extents = append(w.extents, interval.Extent{ID: id, Start: chunk.Start, End: chunk.End})
	if id == 0 || chunk.Start < w.m.Start {
		w.m.Start = chunk.Start
	}
	if chunk.End > w.m.End {
		w.m.End = chunk.End
	}
	w.rows, w.features = 0, 0
	w.payload = w.payload[:0]
}

// writeChunkFile writes "data" under a temporary name and renames it into
// place, so that a chunk file is either complete or absent.
func writeChunkFile(ctx context.Context, dir, name string, data []byte) (err error) {
	path := filepath.Join(dir, name)
	tmpPath := filepath.Join(dir, "."+name+".tmp")
	out, err := file.Create(ctx, tmpPath)
	if err != nil {
		return err
	}
	if _, err = out.Writer(ctx).Write(data); err != nil {
		_ = out.Close(ctx)
		_ = file.Remove(ctx, tmpPath)
		return errors.E(err, "trackio: write", path)
	}
	if err = out.Close(ctx); err != nil {
		_ = file.Remove(ctx, tmpPath)
		return errors.E(err, "trackio: close", path)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.E(err, "trackio: rename", path)
	}
	return nil
}

// Close seals the last chunk, builds the chunk index and writes the
// manifest.  It returns the manifest, or the first error encountered.
func (w *Writer) Close(ctx context.Context) (*Manifest, error) {
	if w.closed {
		return nil, errors.E(errors.Precondition, "trackio: Close called twice")
	}
	w.closed = true
	if err := w.err.Err(); err != nil {
		return nil, err
	}
	w.seal(ctx)
	if err := w.err.Err(); err != nil {
		return nil, err
	}
	w.m.Index = interval.Build(w.extents)
	w.m.Histograms = w.hist.levels()
	w.m.Digest = computeDigest(w.m.Chunks)
	if err := writeManifest(ctx, w.dir, &w.m); err != nil {
		return nil, err
	}
	m := w.m
	return &m, nil
}

// NumChunks returns the number of chunks sealed so far.
func (w *Writer) NumChunks() int { return len(w.m.Chunks) }
