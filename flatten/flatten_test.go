package flatten_test

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/tracks/coord"
	"github.com/grailbio/tracks/feature"
	"github.com/grailbio/tracks/flatten"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlattener() *flatten.Flattener {
	arrays := flatten.DefaultArrayAttributes
	return flatten.New("chr1",
		flatten.NewSchema(flatten.Primary, []string{"Alias", "biotype", "Name"}, arrays),
		flatten.NewSchema(flatten.Sub, []string{"Note"}, arrays))
}

func testGene() *feature.Feature {
	score := 2.5
	exon1 := &feature.Feature{Ref: "chr1", Start: 100, End: 150, Strand: feature.Forward, Type: "exon",
		Phase: feature.NoPhase, Attributes: map[string][]string{"Note": {"a", "b"}}}
	cds := &feature.Feature{Ref: "chr1", Start: 120, End: 150, Strand: feature.Forward, Type: "CDS", Phase: 2}
	exon2 := &feature.Feature{Ref: "chr1", Start: 180, End: 200, Strand: feature.Forward, Type: "exon",
		Phase: feature.NoPhase}
	tx := &feature.Feature{Ref: "chr1", Start: 100, End: 200, Strand: feature.Forward, Type: "mRNA",
		Phase: feature.NoPhase, Attributes: map[string][]string{"ID": {"tx1"}},
		Subfeatures: []*feature.Feature{exon1, cds, exon2}}
	return &feature.Feature{
		Ref: "chr1", Start: 100, End: 200, Strand: feature.Forward, Type: "gene", Source: "test",
		Score: &score, Phase: feature.NoPhase,
		Attributes: map[string][]string{
			"Name":    {"ABC1"},
			"ID":      {"gene1"},
			"Alias":   {"abc", "ABC1"},
			"biotype": {"protein_coding"},
		},
		Subfeatures: []*feature.Feature{tx},
	}
}

func TestSchema(t *testing.T) {
	s := flatten.NewSchema(flatten.Primary, []string{"Alias", "biotype", "Name", "biotype"}, flatten.DefaultArrayAttributes)
	expect.EQ(t, s.Attributes, []string{"Start", "End", "Strand", "Type", "Source", "Score", "Phase", "Name", "ID",
		"Feature", "Alias", "biotype"})
	expect.EQ(t, s.IsArrayAttr, map[string]bool{"Alias": true})
	expect.EQ(t, s.Index("biotype"), 11)
	expect.EQ(t, s.Index("nope"), -1)

	sub := flatten.NewSchema(flatten.Sub, nil, nil)
	expect.EQ(t, sub.Len(), flatten.NumCore(flatten.Sub))
	expect.EQ(t, sub.Attributes[flatten.ColParentIndex], "ParentIndex")
}

func TestFlatten(t *testing.T) {
	fl := newFlattener()
	out, err := fl.Flatten(testGene())
	require.NoError(t, err)

	p := out.Primary
	expect.EQ(t, p.Kind(), flatten.Primary)
	expect.EQ(t, p.Key, coord.Key{Start: 100, End: 200, Kind: 0, Feature: 0})
	require.NoError(t, fl.Schema(flatten.Primary).Validate(p))
	expect.EQ(t, p.Values[flatten.ColScore], 2.5)
	expect.EQ(t, p.Values[flatten.ColName], "ABC1")
	expect.EQ(t, p.Values[flatten.ColPhase], nil)
	expect.EQ(t, p.Values[10], []string{"abc", "ABC1"})
	expect.EQ(t, p.Values[11], "protein_coding")

	// Sub-features of sub-features land in the same row set.
	require.Len(t, out.Subs, 4)
	for i, r := range out.Subs {
		require.NoError(t, fl.Schema(flatten.Sub).Validate(r))
		expect.EQ(t, r.Key.Index, int32(i))
		expect.EQ(t, r.Key.Feature, uint64(0))
	}
	expect.EQ(t, out.Subs[0].Values[flatten.ColParentIndex], int64(-1))
	expect.EQ(t, out.Subs[2].Values[flatten.ColParentIndex], int64(0))
	expect.EQ(t, out.Subs[2].Values[flatten.ColPhase], int64(2))
	expect.EQ(t, out.Subs[1].Values[flatten.NumCore(flatten.Sub)], []string{"a", "b"})

	require.NotNil(t, out.Name)
	expect.EQ(t, *out.Name, flatten.NameRecord{
		Names: []string{"ABC1", "gene1", "abc"}, Ref: "chr1", Start: 100, End: 200, Feature: 0, Type: "gene"})

	// Ordinals increase per call.
	out, err = fl.Flatten(&feature.Feature{Ref: "chr1", Start: 5, End: 6, Phase: feature.NoPhase})
	require.NoError(t, err)
	expect.EQ(t, out.Primary.Key.Feature, uint64(1))
	expect.Nil(t, out.Name)
}

func TestRoundTrip(t *testing.T) {
	fl := newFlattener()
	orig := testGene()
	out, err := fl.Flatten(orig)
	require.NoError(t, err)

	// Shuffle the sub-feature rows, as sorting would.
	subs := []flatten.Row{out.Subs[3], out.Subs[1], out.Subs[0], out.Subs[2]}
	got, err := fl.Assemble(out.Primary, subs)
	require.NoError(t, err)
	expect.EQ(t, got, orig)

	// Through both encodings.
	schemas := [flatten.NumKinds]*flatten.Schema{fl.Schema(flatten.Primary), fl.Schema(flatten.Sub)}
	decode := func(r flatten.Row) flatten.Row {
		b := flatten.AppendRow(nil, r)
		expect.EQ(t, len(b), flatten.EncodedSize(r))
		r2, n, err := flatten.DecodeRow(b)
		require.NoError(t, err)
		expect.EQ(t, n, len(b))
		r3, err := flatten.UnmarshalRowJSON(flatten.MarshalRowJSON(r2), schemas)
		require.NoError(t, err)
		return r3
	}
	primary := decode(out.Primary)
	expect.EQ(t, primary, out.Primary)
	for i := range subs {
		subs[i] = decode(subs[i])
	}
	got, err = fl.Assemble(primary, subs)
	require.NoError(t, err)
	expect.EQ(t, got, orig)
}

func TestMissingCoordinate(t *testing.T) {
	fl := newFlattener()
	feats := []*feature.Feature{
		{Ref: "chr1", Start: 10, End: 20, Phase: feature.NoPhase},
		{Ref: "chr1", Start: 30, End: 40, Phase: feature.NoPhase},
		{Ref: "chr1", Start: 50, End: coord.InvalidPos, Phase: feature.NoPhase},
		{Ref: "chr1", Start: 60, End: 70, Phase: feature.NoPhase},
		{Ref: "chr1", Start: 80, End: 90, Phase: feature.NoPhase},
	}
	var rows []flatten.Row
	var errs []error
	for _, f := range feats {
		out, err := fl.Flatten(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rows = append(rows, out.Primary)
	}
	expect.EQ(t, len(rows), 4)
	require.Len(t, errs, 1)
	fe, ok := errs[0].(*flatten.FeatureError)
	require.True(t, ok)
	expect.EQ(t, fe.Ordinal, uint64(2))
	expect.True(t, errors.Is(errors.Invalid, fe.Err))
	assert.Contains(t, fe.Error(), "missing end")

	// A bad sub-feature rejects the whole feature.
	_, err := fl.Flatten(&feature.Feature{Ref: "chr1", Start: 1, End: 9, Phase: feature.NoPhase,
		Subfeatures: []*feature.Feature{{Start: 5, End: 2}}})
	assert.Error(t, err)
}

func TestParentCycle(t *testing.T) {
	fl := newFlattener()
	g := &feature.Feature{Ref: "chr1", Start: 0, End: 100, Type: "gene", Phase: feature.NoPhase}
	a := &feature.Feature{Ref: "chr1", Start: 10, End: 50, Type: "mRNA", Phase: feature.NoPhase}
	b := &feature.Feature{Ref: "chr1", Start: 20, End: 30, Type: "exon", Phase: feature.NoPhase}
	g.Subfeatures = []*feature.Feature{a}
	a.Subfeatures = []*feature.Feature{b}
	b.Subfeatures = []*feature.Feature{a}
	_, err := fl.Flatten(g)
	require.Error(t, err)
	fe, ok := err.(*flatten.FeatureError)
	require.True(t, ok)
	expect.True(t, errors.Is(errors.Invalid, fe.Err))
	assert.Contains(t, fe.Error(), "own ancestor")

	// An exon shared by two transcripts is not a cycle.
	exon := &feature.Feature{Ref: "chr1", Start: 20, End: 30, Type: "exon", Phase: feature.NoPhase}
	tx1 := &feature.Feature{Ref: "chr1", Start: 10, End: 50, Type: "mRNA", Phase: feature.NoPhase,
		Subfeatures: []*feature.Feature{exon}}
	tx2 := &feature.Feature{Ref: "chr1", Start: 15, End: 60, Type: "mRNA", Phase: feature.NoPhase,
		Subfeatures: []*feature.Feature{exon}}
	gene := &feature.Feature{Ref: "chr1", Start: 0, End: 100, Type: "gene", Phase: feature.NoPhase,
		Subfeatures: []*feature.Feature{tx1, tx2}}
	out, err := fl.Flatten(gene)
	require.NoError(t, err)
	expect.EQ(t, len(out.Subs), 4)

	// The cycle consumed an ordinal; later features are unaffected.
	expect.EQ(t, out.Primary.Key.Feature, uint64(1))
}

func TestRowErrors(t *testing.T) {
	_, err := flatten.NewRow(flatten.Primary, []interface{}{int64(1)})
	assert.Error(t, err)
	_, err = flatten.NewRow(flatten.Sub, []interface{}{int64(1), "x"})
	assert.Error(t, err)

	s := flatten.NewSchema(flatten.Primary, nil, nil)
	assert.Error(t, s.Validate(flatten.Row{Values: make([]interface{}, 3)}))

	_, _, err = flatten.DecodeRow([]byte{0, 5, 1})
	expect.True(t, errors.Is(errors.Integrity, err))
	_, err = flatten.UnmarshalRowJSON([]byte(`[7,1,2]`), [2]*flatten.Schema{s, s})
	expect.True(t, errors.Is(errors.Integrity, err))
}
