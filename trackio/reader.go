package trackio

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/tracks/coord"
	"github.com/grailbio/tracks/encoding/codec"
	"github.com/grailbio/tracks/flatten"
)

// Reader reads a track directory written by Writer.  Thread safe.
type Reader struct {
	dir      string
	manifest *Manifest
	codec    codec.Codec
	schemas  [flatten.NumKinds]*flatten.Schema
}

// Open reads the manifest in "dir".
func Open(ctx context.Context, dir string) (*Reader, error) {
	m, err := ReadManifest(ctx, dir)
	if err != nil {
		return nil, err
	}
	c, err := codec.Lookup(m.Codec)
	if err != nil {
		return nil, errors.E(filepath.Join(dir, ManifestName), err)
	}
	return &Reader{dir: dir, manifest: m, codec: c, schemas: m.Schemas()}, nil
}

// Manifest returns the track manifest.
func (r *Reader) Manifest() *Manifest { return r.manifest }

// Chunk reads, verifies and decodes chunk "id".
func (r *Reader) Chunk(ctx context.Context, id int) (rows []flatten.Row, err error) {
	if id < 0 || id >= len(r.manifest.Chunks) {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("trackio: chunk %d", id))
	}
	c := r.manifest.Chunks[id]
	path := filepath.Join(r.dir, c.Path)
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	stored, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(err, "trackio: read", path)
	}
	h := seahash.New()
	h.Write(stored) // nolint: errcheck
	if sum := fmt.Sprintf("%016x", h.Sum64()); sum != c.Checksum {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("trackio: %s: checksum %s, manifest says %s", path, sum, c.Checksum))
	}
	payload, err := r.codec.Decode(nil, stored)
	if err != nil {
		return nil, errors.E(errors.Integrity, path, err)
	}
	if rows, err = flatten.DecodeRowsJSON(payload, r.schemas); err != nil {
		return nil, errors.E(path, err)
	}
	if len(rows) != c.Rows {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("trackio: %s: %d rows, manifest says %d", path, len(rows), c.Rows))
	}
	return rows, nil
}

// Query calls fn for every row overlapping [start, end), in sort order.
// Iteration stops early if fn returns false.
func (r *Reader) Query(ctx context.Context, start, end int64, fn func(flatten.Row) bool) error {
	ids := r.manifest.Index.Query(start, end)
	for _, id := range ids {
		rows, err := r.Chunk(ctx, id)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !coord.Overlaps(row.Start(), row.End(), start, end) {
				continue
			}
			if !fn(row) {
				return nil
			}
		}
	}
	return nil
}

// Rows calls fn for every row in the track, in sort order.
func (r *Reader) Rows(ctx context.Context, fn func(flatten.Row) bool) error {
	for id := range r.manifest.Chunks {
		rows, err := r.Chunk(ctx, id)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !fn(row) {
				return nil
			}
		}
	}
	return nil
}
