package registry_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/tracks/feature"
	"github.com/grailbio/tracks/flatten"
	"github.com/grailbio/tracks/registry"
	"github.com/grailbio/tracks/trackio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTrack writes a one-feature track into h.Dir.
func writeTrack(ctx context.Context, t *testing.T, h *registry.Handle, start int64) *trackio.Manifest {
	primary := flatten.NewSchema(flatten.Primary, nil, nil)
	sub := flatten.NewSchema(flatten.Sub, nil, nil)
	opts := trackio.DefaultOpts
	opts.Label, opts.Ref = h.Label, h.Ref
	w, err := trackio.NewWriter(h.Dir, primary, sub, opts)
	require.NoError(t, err)
	out, err := flatten.New(h.Ref, primary, sub).Flatten(&feature.Feature{
		Ref: h.Ref, Start: start, End: start + 10, Type: "gene", Phase: feature.NoPhase})
	require.NoError(t, err)
	require.NoError(t, w.Add(ctx, out.Primary))
	m, err := w.Close(ctx)
	require.NoError(t, err)
	return m
}

func stagingEntries(t *testing.T, root string) []os.FileInfo {
	infos, err := ioutil.ReadDir(filepath.Join(root, ".staging"))
	require.NoError(t, err)
	return infos
}

func TestRegister(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	r, err := registry.New(root)
	require.NoError(t, err)
	list, err := r.TrackList(ctx)
	require.NoError(t, err)
	expect.EQ(t, len(list.Tracks), 0)

	for _, ref := range []string{"chr2", "chr1"} {
		h, err := r.Allocate(ctx, ref, "genes")
		require.NoError(t, err)
		m := writeTrack(ctx, t, h, 100)
		require.NoError(t, r.Register(ctx, h, m, registry.TrackEntry{
			Key:   "Genes",
			Style: map[string]interface{}{"className": "feature"},
		}))
		// Discard after Register is a no-op.
		require.NoError(t, r.Discard(h))
	}

	list, err = r.TrackList(ctx)
	require.NoError(t, err)
	require.Len(t, list.Tracks, 1)
	e := list.Tracks[0]
	expect.EQ(t, e.Label, "genes")
	expect.EQ(t, e.Key, "Genes")
	expect.EQ(t, e.Refs, []string{"chr1", "chr2"})
	expect.EQ(t, e.URLTemplate, "tracks/genes/{refseq}/trackData.json")
	expect.EQ(t, e.Style["className"], "feature")

	m, err := trackio.ReadManifest(ctx, r.TrackDir("genes", "chr1"))
	require.NoError(t, err)
	expect.EQ(t, m.FeatureCount, int64(1))
	expect.EQ(t, len(stagingEntries(t, root)), 0)
}

func TestReplace(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	r, err := registry.New(root)
	require.NoError(t, err)

	for _, start := range []int64{100, 500} {
		h, err := r.Allocate(ctx, "chr1", "genes")
		require.NoError(t, err)
		require.NoError(t, r.Register(ctx, h, writeTrack(ctx, t, h, start), registry.TrackEntry{}))
	}
	m, err := trackio.ReadManifest(ctx, r.TrackDir("genes", "chr1"))
	require.NoError(t, err)
	expect.EQ(t, m.Start, int64(500))
	expect.EQ(t, len(stagingEntries(t, root)), 0)
	list, err := r.TrackList(ctx)
	require.NoError(t, err)
	expect.EQ(t, list.Tracks[0].Refs, []string{"chr1"})
}

func TestIncompleteTrack(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	r, err := registry.New(root)
	require.NoError(t, err)

	h, err := r.Allocate(ctx, "chr1", "genes")
	require.NoError(t, err)
	m := writeTrack(ctx, t, h, 100)
	require.NoError(t, os.Remove(filepath.Join(h.Dir, trackio.ManifestName)))
	assert.Error(t, r.Register(ctx, h, m, registry.TrackEntry{}))

	require.NoError(t, r.Discard(h))
	expect.EQ(t, len(stagingEntries(t, root)), 0)
	_, err = os.Stat(r.TrackDir("genes", "chr1"))
	expect.True(t, os.IsNotExist(err))
	list, err := r.TrackList(ctx)
	require.NoError(t, err)
	expect.EQ(t, len(list.Tracks), 0)
}

func TestRegisterMismatch(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	r, err := registry.New(root)
	require.NoError(t, err)

	h, err := r.Allocate(ctx, "chr1", "genes")
	require.NoError(t, err)
	m := writeTrack(ctx, t, h, 100)
	m.Ref = "chr2"
	expect.True(t, errors.Is(errors.Invalid, r.Register(ctx, h, m, registry.TrackEntry{})))

	_, err = r.Allocate(ctx, "chr1", "../escape")
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestRefSeqs(t *testing.T) {
	root, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	r, err := registry.New(root)
	require.NoError(t, err)

	refs := []feature.RefSeq{{Name: "chr1", Length: 1000}, {Name: "chr2", Length: 500}}
	require.NoError(t, r.WriteRefSeqs(ctx, refs))
	got, err := r.RefSeqs(ctx)
	require.NoError(t, err)
	expect.EQ(t, got, refs)
}
