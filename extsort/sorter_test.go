package extsort

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/tracks/flatten"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testPrimary = flatten.NewSchema(flatten.Primary, []string{"Alias", "gene_biotype", "Dbxref"}, flatten.DefaultArrayAttributes)
	testSub     = flatten.NewSchema(flatten.Sub, nil, nil)
)

func primaryRow(t testing.TB, ordinal, start, end int64) flatten.Row {
	values := make([]interface{}, testPrimary.Len())
	values[flatten.ColStart] = start
	values[flatten.ColEnd] = end
	values[flatten.ColStrand] = int64(1)
	values[flatten.ColType] = "gene"
	values[flatten.ColName] = fmt.Sprintf("g%d", ordinal)
	values[flatten.ColFeature] = ordinal
	values[flatten.NumCore(flatten.Primary)] = []string{"x", fmt.Sprint(ordinal)}
	r, err := flatten.NewRow(flatten.Primary, values)
	require.NoError(t, err)
	return r
}

func subRow(t testing.TB, parent, index, start, end int64) flatten.Row {
	values := make([]interface{}, testSub.Len())
	values[flatten.ColStart] = start
	values[flatten.ColEnd] = end
	values[flatten.ColType] = "exon"
	values[flatten.ColScore] = 0.5
	values[flatten.ColParent] = parent
	values[flatten.ColIndex] = index
	values[flatten.ColParentIndex] = int64(-1)
	r, err := flatten.NewRow(flatten.Sub, values)
	require.NoError(t, err)
	return r
}

// randomRows generates n rows with many duplicate starts and ends.
func randomRows(t testing.TB, n int, seed int64) []flatten.Row {
	r := rand.New(rand.NewSource(seed))
	var rows []flatten.Row
	for ordinal := int64(0); len(rows) < n; ordinal++ {
		start := r.Int63n(5000)
		end := start + r.Int63n(300)
		rows = append(rows, primaryRow(t, ordinal, start, end))
		for i := int64(0); i < r.Int63n(4) && len(rows) < n; i++ {
			s := start + r.Int63n(end-start+1)
			rows = append(rows, subRow(t, ordinal, i, s, s+r.Int63n(end-s+1)))
		}
	}
	r.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	return rows
}

func sortAll(t *testing.T, rows []flatten.Row, opts Options) ([]flatten.Row, int) {
	s := NewSorter(testPrimary, testSub, opts)
	defer func() { require.NoError(t, s.Close()) }()
	for _, r := range rows {
		require.NoError(t, s.Add(r))
	}
	require.NoError(t, s.Finish())
	var out []flatten.Row
	for s.Scan() {
		out = append(out, s.Row())
	}
	require.NoError(t, s.Err())
	expect.EQ(t, s.NumRows(), int64(len(rows)))
	return out, s.NumSpills()
}

func checkOrder(t *testing.T, rows []flatten.Row) {
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		require.True(t, prev.Start() <= cur.Start(), "row %d: %v %v", i, prev.Key, cur.Key)
		if prev.Start() == cur.Start() {
			require.True(t, prev.End() >= cur.End(), "row %d: %v %v", i, prev.Key, cur.Key)
		}
		require.True(t, prev.Key.LT(cur.Key))
	}
}

func totalSize(rows []flatten.Row) int64 {
	var n int64
	for _, r := range rows {
		n += int64(flatten.EncodedSize(r)) + rowOverhead
	}
	return n
}

func TestSortInMemory(t *testing.T) {
	rows := []flatten.Row{
		primaryRow(t, 0, 100, 200),
		primaryRow(t, 1, 150, 170),
		primaryRow(t, 2, 100, 300),
	}
	out, spills := sortAll(t, rows, Options{})
	expect.EQ(t, spills, 0)
	require.Len(t, out, 3)
	expect.EQ(t, out[0].Key.Feature, uint64(2))
	expect.EQ(t, out[1].Key.Feature, uint64(0))
	expect.EQ(t, out[2].Key.Feature, uint64(1))

	out, _ = sortAll(t, nil, Options{})
	expect.EQ(t, len(out), 0)
}

func TestSortTwoSpills(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)

	rows := randomRows(t, 10000, 0)
	want, spills := sortAll(t, rows, Options{MemoryBudget: 1 << 40})
	expect.EQ(t, spills, 0)
	checkOrder(t, want)
	require.Len(t, want, 10000)

	budget := totalSize(rows)*2/5 + 1
	got, spills := sortAll(t, rows, Options{MemoryBudget: budget, TmpDir: tmpDir})
	expect.EQ(t, spills, 2)
	require.Equal(t, len(want), len(got))
	for i := range want {
		require.Equal(t, want[i], got[i], "row %d", i)
	}
}

func TestSortManySpills(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)

	rows := randomRows(t, 3000, 1)
	want, _ := sortAll(t, rows, Options{})
	for _, opts := range []Options{
		{MemoryBudget: 2000, Parallelism: 1},
		{MemoryBudget: 4096, Parallelism: 4},
		{MemoryBudget: 50000, NoCompressTmpFiles: true},
	} {
		opts.TmpDir = tmpDir
		got, spills := sortAll(t, rows, opts)
		assert.True(t, spills > 2, "opts %+v: %d spills", opts, spills)
		require.Equal(t, want, got, "opts %+v", opts)
	}
	// Every run was removed.
	entries, err := filepath.Glob(filepath.Join(tmpDir, "*"))
	require.NoError(t, err)
	expect.EQ(t, len(entries), 0)
}

func TestCloseRemovesRuns(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)

	s := NewSorter(testPrimary, testSub, Options{MemoryBudget: 1000, TmpDir: tmpDir})
	for _, r := range randomRows(t, 500, 2) {
		require.NoError(t, s.Add(r))
	}
	// Close without Finish, as on an error path.
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	expect.True(t, s.NumSpills() > 0)
	_, err := os.Stat(s.TmpDir())
	expect.True(t, os.IsNotExist(err))

	// Close while draining.
	s = NewSorter(testPrimary, testSub, Options{MemoryBudget: 1000, TmpDir: tmpDir})
	for _, r := range randomRows(t, 500, 3) {
		require.NoError(t, s.Add(r))
	}
	require.NoError(t, s.Finish())
	require.True(t, s.Scan())
	require.NoError(t, s.Close())
	expect.False(t, s.Scan())
	_, err = os.Stat(s.TmpDir())
	expect.True(t, os.IsNotExist(err))
}

func TestSortErrors(t *testing.T) {
	s := NewSorter(testPrimary, testSub, Options{})
	defer s.Close() // nolint: errcheck

	bad := primaryRow(t, 0, 1, 2)
	bad.Values = bad.Values[:5]
	err := s.Add(bad)
	expect.True(t, errors.Is(errors.Invalid, err), err)

	// A sub-feature row has fewer columns than a primary row.
	sub := subRow(t, 0, 0, 1, 2)
	sub.Key.Kind = uint8(flatten.Primary)
	expect.True(t, errors.Is(errors.Invalid, s.Add(sub)))

	require.NoError(t, s.Finish())
	expect.True(t, errors.Is(errors.Precondition, s.Add(primaryRow(t, 1, 1, 2))))
	expect.True(t, errors.Is(errors.Precondition, s.Finish()))
}

func TestCorruptRun(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpDir)
	ctx := vcontext.Background()
	pool := newBlockPool()

	for _, compress := range []bool{false, true} {
		path := filepath.Join(tmpDir, fmt.Sprintf("run-%v", compress))
		var e errors.Once
		w := newRunWriter(ctx, path, compress, pool, &e)
		for i := int64(0); i < 10; i++ {
			w.add(primaryRow(t, i, i, i+5))
		}
		w.trailer.NumRows++
		w.finish(ctx)
		require.NoError(t, e.Err())

		r, err := openRunReader(ctx, path, pool)
		require.NoError(t, err)
		n := 0
		for r.scan() {
			n++
		}
		expect.EQ(t, n, 10)
		expect.True(t, errors.Is(errors.Integrity, r.error()), r.error())
		require.NoError(t, r.close(ctx))
	}

	path := filepath.Join(tmpDir, "garbage")
	require.NoError(t, os.WriteFile(path, []byte("not a recordio file"), 0644))
	_, err := openRunReader(ctx, path, pool)
	assert.Error(t, err)
}
