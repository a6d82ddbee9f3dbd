package trackio

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/tracks/flatten"
	"github.com/grailbio/tracks/interval"
	"github.com/minio/highwayhash"
)

// FormatVersion is the value of Manifest.Version written by this package.
const FormatVersion = 1

// ManifestName is the name of the manifest file in a track directory.
const ManifestName = "trackData.json"

// digestKey keys the highwayhash track digest.
var digestKey = []byte("tracks/trackio: chunk directory.")

// Headers holds the schemas of both row kinds.
type Headers struct {
	Primary *flatten.Schema `json:"primary"`
	Sub     *flatten.Schema `json:"sub"`
}

// Chunk describes one sealed chunk.
type Chunk struct {
	ID int `json:"id"`
	// Start and End bound the rows stored in the chunk: Start is the start of
	// the first row, End the largest end of any row.
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	// Path is the chunk file name, relative to the track directory.
	Path     string `json:"path"`
	Rows     int    `json:"rows"`
	Features int    `json:"features"`
	// Bytes is the uncompressed payload size; StoredBytes the file size.
	Bytes       int `json:"bytes"`
	StoredBytes int `json:"storedBytes"`
	// Checksum is the hex seahash of the stored bytes.
	Checksum string `json:"checksum"`
}

// Manifest describes a finished track on one reference sequence.
type Manifest struct {
	Version      int              `json:"formatVersion"`
	Label        string           `json:"label"`
	Ref          string           `json:"ref"`
	FeatureCount int64            `json:"featureCount"`
	RowCount     int64            `json:"rowCount"`
	Start        int64            `json:"start"`
	End          int64            `json:"end"`
	Headers      Headers          `json:"headers"`
	Codec        string           `json:"codec"`
	ChunkBytes   int              `json:"chunkBytes"`
	Chunks       []Chunk          `json:"chunks"`
	Index        *interval.NCList `json:"nclist"`
	Histograms   []Histogram      `json:"histograms,omitempty"`
	Digest       string           `json:"digest"`
}

// Schemas returns the headers indexed by flatten.Kind.
func (m *Manifest) Schemas() [flatten.NumKinds]*flatten.Schema {
	return [flatten.NumKinds]*flatten.Schema{m.Headers.Primary, m.Headers.Sub}
}

// computeDigest hashes the chunk directory.
func computeDigest(chunks []Chunk) string {
	h, err := highwayhash.New64(digestKey)
	if err != nil {
		panic(err)
	}
	var buf [8]byte
	put := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:]) // nolint: errcheck
	}
	for _, c := range chunks {
		put(int64(c.ID))
		put(c.Start)
		put(c.End)
		put(int64(c.Rows))
		h.Write([]byte(c.Checksum)) // nolint: errcheck
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Validate checks the manifest for internal consistency.
func (m *Manifest) Validate() error {
	if m.Version != FormatVersion {
		return errors.E(errors.Invalid, fmt.Sprintf("trackio: format version %d, want %d", m.Version, FormatVersion))
	}
	if m.Headers.Primary == nil || m.Headers.Sub == nil || m.Index == nil {
		return errors.E(errors.Integrity, "trackio: manifest lacks headers or index")
	}
	for i, c := range m.Chunks {
		if c.ID != i {
			return errors.E(errors.Integrity, fmt.Sprintf("trackio: chunk %d has id %d", i, c.ID))
		}
		if i > 0 && c.Start < m.Chunks[i-1].Start {
			return errors.E(errors.Integrity, fmt.Sprintf("trackio: chunk %d starts before chunk %d", i, i-1))
		}
	}
	if d := computeDigest(m.Chunks); d != m.Digest {
		return errors.E(errors.Integrity, fmt.Sprintf("trackio: digest %s, manifest says %s", d, m.Digest))
	}
	return nil
}

// ReadManifest reads and validates the manifest in "dir".
func ReadManifest(ctx context.Context, dir string) (m *Manifest, err error) {
	path := filepath.Join(dir, ManifestName)
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	data, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return nil, err
	}
	m = &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.E(errors.Integrity, path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.E(path, err)
	}
	return m, nil
}

func writeManifest(ctx context.Context, dir string, m *Manifest) (err error) {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	out, err := file.Create(ctx, filepath.Join(dir, ManifestName))
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	_, err = out.Writer(ctx).Write(data)
	return err
}
