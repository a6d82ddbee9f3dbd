package trackio_test

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/tracks/coord"
	"github.com/grailbio/tracks/feature"
	"github.com/grailbio/tracks/flatten"
	"github.com/grailbio/tracks/trackio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchemas() (*flatten.Schema, *flatten.Schema) {
	return flatten.NewSchema(flatten.Primary, []string{"Note"}, nil),
		flatten.NewSchema(flatten.Sub, nil, nil)
}

// makeRows flattens the given [start,end) features, each with one exon
// sub-feature covering its first half, and returns the rows in sort order.
func makeRows(t *testing.T, spans [][2]int64) []flatten.Row {
	primary, sub := testSchemas()
	fl := flatten.New("chr1", primary, sub)
	var rows []flatten.Row
	for i, s := range spans {
		exon := &feature.Feature{Ref: "chr1", Start: s[0], End: s[0] + (s[1]-s[0]+1)/2, Type: "exon",
			Phase: feature.NoPhase}
		f := &feature.Feature{Ref: "chr1", Start: s[0], End: s[1], Type: "gene", Phase: feature.NoPhase,
			Strand:      feature.Forward,
			Attributes:  map[string][]string{"Name": {fmt.Sprintf("g%d", i)}, "Note": {"n"}},
			Subfeatures: []*feature.Feature{exon}}
		out, err := fl.Flatten(f)
		require.NoError(t, err)
		rows = append(rows, out.Primary)
		rows = append(rows, out.Subs...)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.LT(rows[j].Key) })
	return rows
}

func randomSpans(r *rand.Rand, n int) [][2]int64 {
	spans := make([][2]int64, n)
	for i := range spans {
		start := r.Int63n(100000)
		spans[i] = [2]int64{start, start + 1 + r.Int63n(2000)}
	}
	return spans
}

func writeTrack(t *testing.T, dir string, rows []flatten.Row, opts trackio.Opts) *trackio.Manifest {
	ctx := vcontext.Background()
	primary, sub := testSchemas()
	w, err := trackio.NewWriter(dir, primary, sub, opts)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, w.Add(ctx, r))
	}
	m, err := w.Close(ctx)
	require.NoError(t, err)
	return m
}

func readAll(t *testing.T, dir string) []flatten.Row {
	ctx := vcontext.Background()
	r, err := trackio.Open(ctx, dir)
	require.NoError(t, err)
	var rows []flatten.Row
	require.NoError(t, r.Rows(ctx, func(row flatten.Row) bool {
		rows = append(rows, row)
		return true
	}))
	return rows
}

func keys(rows []flatten.Row) []coord.Key {
	var out []coord.Key
	for _, r := range rows {
		out = append(out, r.Key)
	}
	return out
}

func TestSingleChunk(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	rows := makeRows(t, [][2]int64{{100, 200}, {150, 300}, {400, 500}})
	m := writeTrack(t, dir, rows, trackio.DefaultOpts)
	require.Len(t, m.Chunks, 1)
	expect.EQ(t, m.FeatureCount, int64(3))
	expect.EQ(t, m.RowCount, int64(6))
	expect.EQ(t, m.Start, int64(100))
	expect.EQ(t, m.End, int64(500))
	expect.EQ(t, m.Chunks[0].Path, "lf-0.json")
	expect.EQ(t, m.Codec, "none")
	expect.EQ(t, m.Index.Query(0, 1000), []int{0})

	r, err := trackio.Open(ctx, dir)
	require.NoError(t, err)
	var got []int64
	require.NoError(t, r.Query(ctx, 250, 450, func(row flatten.Row) bool {
		if row.Kind() == flatten.Primary {
			got = append(got, row.Start())
		}
		return true
	}))
	expect.EQ(t, got, []int64{150, 400})
	assert.Equal(t, keys(rows), keys(readAll(t, dir)))
}

func TestChunkSizeBound(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	rows := makeRows(t, randomSpans(rand.New(rand.NewSource(0)), 500))
	opts := trackio.DefaultOpts
	opts.ChunkBytes = 2000
	m := writeTrack(t, dir, rows, opts)
	require.True(t, len(m.Chunks) > 10, "chunks: %d", len(m.Chunks))

	var total int
	for i, c := range m.Chunks {
		assert.True(t, c.Bytes <= opts.ChunkBytes, "chunk %d: %d bytes", i, c.Bytes)
		data, err := ioutil.ReadFile(filepath.Join(dir, c.Path))
		require.NoError(t, err)
		expect.EQ(t, len(data), c.Bytes)
		expect.EQ(t, len(data), c.StoredBytes)
		total += c.Rows
	}
	// Every row is stored exactly once, in sort order.
	expect.EQ(t, total, len(rows))
	assert.Equal(t, keys(rows), keys(readAll(t, dir)))
}

func TestOversizedRow(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	rows := makeRows(t, [][2]int64{{10, 20}, {30, 40}, {50, 60}})
	// Row 2 is the primary row of the second feature.
	require.Equal(t, flatten.Primary, rows[2].Kind())
	rows[2].Values[len(rows[2].Values)-1] = strings.Repeat("x", 5000)
	opts := trackio.DefaultOpts
	opts.ChunkBytes = 1000
	m := writeTrack(t, dir, rows, opts)

	var big int
	for _, c := range m.Chunks {
		if c.Bytes > opts.ChunkBytes {
			big++
			expect.EQ(t, c.Rows, 1)
		}
	}
	expect.EQ(t, big, 1)
	expect.EQ(t, len(readAll(t, dir)), len(rows))
}

func TestQueryMatchesScan(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	rnd := rand.New(rand.NewSource(1))
	rows := makeRows(t, randomSpans(rnd, 300))
	opts := trackio.DefaultOpts
	opts.ChunkBytes = 1500
	writeTrack(t, dir, rows, opts)

	r, err := trackio.Open(ctx, dir)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		start := rnd.Int63n(105000)
		end := start + rnd.Int63n(5000)
		var want []coord.Key
		for _, row := range rows {
			if coord.Overlaps(row.Start(), row.End(), start, end) {
				want = append(want, row.Key)
			}
		}
		var got []coord.Key
		require.NoError(t, r.Query(ctx, start, end, func(row flatten.Row) bool {
			got = append(got, row.Key)
			return true
		}))
		require.Equal(t, want, got, "query [%d,%d)", start, end)
	}
}

func TestCompressedTrack(t *testing.T) {
	rows := makeRows(t, randomSpans(rand.New(rand.NewSource(2)), 400))
	for _, name := range []string{"gzip", "snappy", "lz4", "zstd"} {
		t.Run(name, func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t, "", "")
			defer cleanup()
			opts := trackio.DefaultOpts
			opts.Compress = true
			opts.Codec = name
			opts.ChunkBytes = 1000
			m := writeTrack(t, dir, rows, opts)
			expect.EQ(t, m.Codec, name)
			expect.EQ(t, m.ChunkBytes, 1000*trackio.DefaultCompressionMultiplier)
			var raw, stored int
			for _, c := range m.Chunks {
				assert.True(t, c.Bytes <= m.ChunkBytes)
				assert.NotEqual(t, filepath.Ext(c.Path), ".json")
				raw += c.Bytes
				stored += c.StoredBytes
			}
			assert.True(t, stored < raw/2, "stored %d, raw %d", stored, raw)
			assert.Equal(t, keys(rows), keys(readAll(t, dir)))
		})
	}
}

func TestManifestReload(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	rows := makeRows(t, randomSpans(rand.New(rand.NewSource(3)), 100))
	opts := trackio.DefaultOpts
	opts.Label = "genes"
	opts.Ref = "chr1"
	opts.ChunkBytes = 3000
	opts.RefLength = 2000000000
	m := writeTrack(t, dir, rows, opts)

	m2, err := trackio.ReadManifest(ctx, dir)
	require.NoError(t, err)
	expect.EQ(t, m2.Label, "genes")
	expect.EQ(t, m2.Chunks, m.Chunks)
	expect.EQ(t, m2.Digest, m.Digest)
	expect.EQ(t, m2.Index.Extents(), m.Index.Extents())
	expect.EQ(t, m2.Headers.Primary.Attributes, m.Headers.Primary.Attributes)

	// A 2 Gbp reference needs 100 kbp bins to stay under the bin limit.
	require.Len(t, m2.Histograms, 3)
	expect.EQ(t, m2.Histograms[0].BasesPerBin, int64(100000))
	expect.EQ(t, m2.Histograms[1].BasesPerBin, int64(1000000))
	var n int64
	for _, c := range m2.Histograms[0].Counts {
		n += c
	}
	expect.EQ(t, n, m2.FeatureCount)
}

func TestOutOfOrder(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	rows := makeRows(t, [][2]int64{{10, 20}, {30, 40}})
	primary, sub := testSchemas()
	w, err := trackio.NewWriter(dir, primary, sub, trackio.DefaultOpts)
	require.NoError(t, err)
	require.NoError(t, w.Add(ctx, rows[2]))
	err = w.Add(ctx, rows[0])
	expect.True(t, errors.Is(errors.Invalid, err))
	// The error is sticky.
	err = w.Add(ctx, rows[3])
	expect.True(t, errors.Is(errors.Invalid, err))
	_, err = w.Close(ctx)
	expect.True(t, errors.Is(errors.Invalid, err))
	_, err = os.Stat(filepath.Join(dir, trackio.ManifestName))
	expect.True(t, os.IsNotExist(err))
}

func TestCorruptChunk(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	rows := makeRows(t, [][2]int64{{10, 20}, {30, 40}})
	m := writeTrack(t, dir, rows, trackio.DefaultOpts)
	path := filepath.Join(dir, m.Chunks[0].Path)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, ioutil.WriteFile(path, data, 0644))

	r, err := trackio.Open(ctx, dir)
	require.NoError(t, err)
	err = r.Query(ctx, 0, 100, func(flatten.Row) bool { return true })
	expect.True(t, errors.Is(errors.Integrity, err))
}

func TestTamperedManifest(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	rows := makeRows(t, [][2]int64{{10, 20}, {30, 40}})
	m := writeTrack(t, dir, rows, trackio.DefaultOpts)
	m.Chunks[0].Rows++
	assert.Error(t, m.Validate())
	m.Chunks[0].Rows--
	m.Version = 99
	expect.True(t, errors.Is(errors.Invalid, m.Validate()))
}

func primaryStarts(t *testing.T, r *trackio.Reader, start, end int64) []int64 {
	var got []int64
	require.NoError(t, r.Query(vcontext.Background(), start, end, func(row flatten.Row) bool {
		if row.Kind() == flatten.Primary {
			got = append(got, row.Start())
		}
		return true
	}))
	return got
}

func TestZeroLengthRows(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	rows := makeRows(t, [][2]int64{{100, 120}, {150, 150}, {200, 220}})
	opts := trackio.DefaultOpts
	opts.ChunkBytes = 10
	m := writeTrack(t, dir, rows, opts)
	require.True(t, len(m.Chunks) >= 3, "chunks: %d", len(m.Chunks))

	var scanned []int64
	for _, row := range readAll(t, dir) {
		if row.Kind() == flatten.Primary {
			scanned = append(scanned, row.Start())
		}
	}
	expect.EQ(t, scanned, []int64{100, 150, 200})

	r, err := trackio.Open(ctx, dir)
	require.NoError(t, err)
	expect.EQ(t, primaryStarts(t, r, 0, 300), []int64{100, 150, 200})
	expect.EQ(t, primaryStarts(t, r, 140, 160), []int64{150})
	expect.EQ(t, len(primaryStarts(t, r, 150, 160)), 0)
	expect.EQ(t, len(primaryStarts(t, r, 130, 150)), 0)
}

func TestHistogramFarCoordinate(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	rows := makeRows(t, [][2]int64{{100, 200}, {1e11, 1e11 + 100}})
	m := writeTrack(t, dir, rows, trackio.DefaultOpts)
	require.Len(t, m.Histograms, 3)
	fine := m.Histograms[0]
	expect.EQ(t, fine.BasesPerBin, int64(10000000))
	require.Len(t, fine.Counts, 10001)
	expect.EQ(t, fine.Counts[0], int64(1))
	expect.EQ(t, fine.Counts[10000], int64(1))
	expect.EQ(t, m.Histograms[1].BasesPerBin, int64(100000000))
}
