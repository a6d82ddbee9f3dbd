package extsort

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/tracks/flatten"
	"v.io/x/lib/vlog"
)

// A run file is a recordio file. Each recordio block holds a sequence of
// rows, optionally snappy compressed:
//
//	size uvarint        // size of the encoded row
//	row  [size]byte     // flatten.AppendRow encoding
//
// Each block is approx. runBlockSize bytes long, pre-compression.  The
// recordio trailer is a runTrailer.
const runBlockSize = 1 << 20

// runMagic identifies run files.
const runMagic = uint64(0x9c61d4e2a7a0b315)

// runTrailer is stored in the recordio trailer of a run file.
type runTrailer struct {
	NumRows uint64
	Snappy  bool
}

const runTrailerSize = 17

func (t runTrailer) marshal() []byte {
	b := make([]byte, runTrailerSize)
	binary.LittleEndian.PutUint64(b[0:8], runMagic)
	binary.LittleEndian.PutUint64(b[8:16], t.NumRows)
	if t.Snappy {
		b[16] = 1
	}
	return b
}

func unmarshalRunTrailer(b []byte) (runTrailer, error) {
	if len(b) != runTrailerSize || binary.LittleEndian.Uint64(b[0:8]) != runMagic {
		return runTrailer{}, errors.E(errors.Integrity, fmt.Sprintf("bad run trailer (%d bytes)", len(b)))
	}
	return runTrailer{NumRows: binary.LittleEndian.Uint64(b[8:16]), Snappy: b[16] != 0}, nil
}

// blockPool recycles run block buffers.
type blockPool struct {
	sync.Pool
}

func newBlockPool() *blockPool {
	return &blockPool{sync.Pool{New: func() interface{} { return []byte(nil) }}}
}

func (p *blockPool) getBuf() []byte {
	b := p.Get().([]byte)
	if cap(b) < runBlockSize {
		return make([]byte, 0, runBlockSize)
	}
	return b[:0]
}

func (p *blockPool) putBuf(b []byte) { p.Put(b) } // nolint: staticcheck

// runWriter writes a sorted run.  Errors are reported through "err".
type runWriter struct {
	path    string
	out     file.File
	rio     recordio.Writer
	pool    *blockPool
	err     *errors.Once
	trailer runTrailer
	cur     []byte
	lastKey *flatten.Row
}

func newRunWriter(ctx context.Context, path string, compress bool, pool *blockPool, errReporter *errors.Once) *runWriter {
	w := &runWriter{
		path:    path,
		pool:    pool,
		err:     errReporter,
		trailer: runTrailer{Snappy: compress},
	}
	var err error
	if w.out, err = file.Create(ctx, path); err != nil {
		w.err.Set(err)
		return w
	}
	w.rio = recordio.NewWriter(w.out.Writer(ctx), recordio.WriterOpts{
		Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
			return v.([]byte), nil
		},
		Index: func(loc recordio.ItemLocation, v interface{}) error {
			w.pool.putBuf(v.([]byte))
			return nil
		},
	})
	w.rio.AddHeader(recordio.KeyTrailer, true)
	w.cur = w.pool.getBuf()
	return w
}

// add appends a row. Rows must be added in sort order.
func (w *runWriter) add(r flatten.Row) {
	if w.rio == nil {
		return
	}
	if w.lastKey != nil && r.Key.LT(w.lastKey.Key) {
		vlog.Fatalf("%s: key %v decreased, last %v", w.path, r.Key, w.lastKey.Key)
	}
	w.lastKey = &r
	var hdr [binary.MaxVarintLen64]byte
	size := flatten.EncodedSize(r)
	n := binary.PutUvarint(hdr[:], uint64(size))
	if len(w.cur) > 0 && len(w.cur)+n+size > runBlockSize {
		w.flush()
	}
	w.cur = append(w.cur, hdr[:n]...)
	w.cur = flatten.AppendRow(w.cur, r)
	w.trailer.NumRows++
}

func (w *runWriter) flush() {
	if len(w.cur) == 0 {
		return
	}
	b := w.cur
	w.cur = w.pool.getBuf()
	if w.trailer.Snappy {
		dst := w.pool.getBuf()
		if n := snappy.MaxEncodedLen(len(b)); cap(dst) < n {
			dst = make([]byte, n)
		}
		out := snappy.Encode(dst[:cap(dst)], b)
		w.pool.putBuf(b)
		b = out
	}
	w.rio.Append(b)
	w.rio.Flush()
}

// finish flushes pending rows, writes the trailer and closes the file.
func (w *runWriter) finish(ctx context.Context) {
	if w.rio == nil {
		return
	}
	w.flush()
	w.pool.putBuf(w.cur)
	w.cur = nil
	w.rio.Wait()
	w.rio.SetTrailer(w.trailer.marshal())
	w.err.Set(w.rio.Finish())
	w.err.Set(w.out.Close(ctx))
	vlog.VI(1).Infof("%s: wrote %d rows", w.path, w.trailer.NumRows)
}

// runReader reads a run file sequentially.  It implements cursor.
type runReader struct {
	path    string
	in      file.File
	rio     recordio.Scanner
	trailer runTrailer
	pool    *blockPool
	buf     []byte
	rest    []byte
	row     flatten.Row
	nRows   uint64
	started bool
	err     error
}

func openRunReader(ctx context.Context, path string, pool *blockPool) (*runReader, error) {
	r := &runReader{path: path, pool: pool}
	var err error
	if r.in, err = file.Open(ctx, path); err != nil {
		return nil, err
	}
	r.rio = recordio.NewScanner(r.in.Reader(ctx), recordio.ScannerOpts{})
	if h := r.rio.Header(); !h.HasTrailer() {
		err = errors.E(errors.Integrity, fmt.Sprintf("%s: run file has no trailer", path))
	} else {
		r.trailer, err = unmarshalRunTrailer(r.rio.Trailer())
	}
	if err != nil {
		_ = r.rio.Finish()
		_ = r.in.Close(ctx)
		return nil, errors.E(err, path)
	}
	return r, nil
}

func (r *runReader) fail(err error) bool {
	if r.err == nil {
		r.err = errors.E(errors.Integrity, r.path, err)
	}
	return false
}

func (r *runReader) scan() bool {
	if r.err != nil {
		return false
	}
	for len(r.rest) == 0 {
		if !r.rio.Scan() {
			if err := r.rio.Err(); err != nil {
				return r.fail(err)
			}
			if r.nRows != r.trailer.NumRows {
				return r.fail(fmt.Errorf("read %d rows, trailer says %d", r.nRows, r.trailer.NumRows))
			}
			return false
		}
		data := r.rio.Get().([]byte)
		if r.trailer.Snappy {
			if r.buf == nil {
				r.buf = r.pool.getBuf()
			}
			var err error
			if r.buf, err = snappy.Decode(r.buf[:cap(r.buf)], data); err != nil {
				return r.fail(err)
			}
			r.rest = r.buf
		} else {
			r.rest = data
		}
	}
	size, n := binary.Uvarint(r.rest)
	if n <= 0 || uint64(len(r.rest)-n) < size {
		return r.fail(fmt.Errorf("truncated row"))
	}
	row, _, err := flatten.DecodeRow(r.rest[n : n+int(size)])
	if err != nil {
		return r.fail(err)
	}
	r.rest = r.rest[n+int(size):]
	if r.started && row.Key.LT(r.row.Key) {
		return r.fail(fmt.Errorf("key %v decreased, last %v", row.Key, r.row.Key))
	}
	r.started = true
	r.row = row
	r.nRows++
	return true
}

func (r *runReader) current() flatten.Row { return r.row }

func (r *runReader) error() error { return r.err }

func (r *runReader) close(ctx context.Context) error {
	if r.buf != nil {
		r.pool.putBuf(r.buf)
		r.buf = nil
	}
	err := r.rio.Finish()
	if cerr := r.in.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
