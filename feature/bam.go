package feature

import (
	"context"
	"io"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

const (
	// BAMType is the type of features made from BAM records.
	BAMType = "match"
	// BAMSubfeatureType is the type of the aligned blocks of a record.
	BAMSubfeatureType = "match_part"
)

// BAMSource reports mapped BAM records as features.  Each run of
// reference-consuming, aligned CIGAR operations (M, =, X) becomes a
// sub-feature; deletions and skips split blocks.  Unmapped, secondary and
// supplementary records are ignored.
type BAMSource struct {
	Path string
}

// Refs implements RefLister.
func (s *BAMSource) Refs(ctx context.Context) ([]string, error) {
	f, err := file.Open(ctx, s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	r, err := bam.NewReader(f.Reader(ctx), 1)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", s.Path)
	}
	defer r.Close() // nolint: errcheck
	var refs []string
	for _, ref := range r.Header().Refs() {
		refs = append(refs, ref.Name())
	}
	return refs, nil
}

// Features implements Source.
func (s *BAMSource) Features(ctx context.Context, ref string, types []string) Iterator {
	if !NewTypeFilter(types).Accept(BAMType) {
		return NewSliceIterator(nil)
	}
	f, err := file.Open(ctx, s.Path)
	if err != nil {
		return NewErrorIterator(err)
	}
	r, err := bam.NewReader(f.Reader(ctx), 1)
	if err != nil {
		_ = f.Close(ctx)
		return NewErrorIterator(errors.Wrapf(err, "%s", s.Path))
	}
	return &bamIterator{ctx: ctx, path: s.Path, ref: ref, f: f, r: r}
}

type bamIterator struct {
	ctx  context.Context
	path string
	ref  string
	f    file.File
	r    *bam.Reader
	cur  *Feature
	err  error
}

func (i *bamIterator) Scan() bool {
	for i.err == nil {
		rec, err := i.r.Read()
		if err != nil {
			if err != io.EOF {
				i.err = errors.Wrapf(err, "%s", i.path)
			}
			return false
		}
		if rec.Ref == nil || rec.Ref.Name() != i.ref ||
			rec.Flags&(sam.Unmapped|sam.Secondary|sam.Supplementary) != 0 {
			continue
		}
		i.cur = bamFeature(rec)
		return true
	}
	return false
}

func (i *bamIterator) Feature() *Feature { return i.cur }
func (i *bamIterator) Err() error        { return i.err }

func (i *bamIterator) Close() error {
	if err := i.r.Close(); err != nil && i.err == nil {
		i.err = err
	}
	if err := i.f.Close(i.ctx); err != nil && i.err == nil {
		i.err = err
	}
	return i.err
}

func bamFeature(rec *sam.Record) *Feature {
	strand := Forward
	if rec.Strand() < 0 {
		strand = Reverse
	}
	score := float64(rec.MapQ)
	f := &Feature{
		Ref:    rec.Ref.Name(),
		Start:  int64(rec.Pos),
		End:    int64(rec.End()),
		Strand: strand,
		Type:   BAMType,
		Score:  &score,
		Phase:  NoPhase,
	}
	f.AddAttr(AttrName, rec.Name)
	f.AddAttr("mapq", strconv.Itoa(int(rec.MapQ)))
	f.AddAttr("cigar", rec.Cigar.String())

	pos := f.Start
	blockStart := int64(-1)
	flush := func() {
		if blockStart >= 0 && pos > blockStart {
			f.Subfeatures = append(f.Subfeatures, &Feature{
				Ref: f.Ref, Start: blockStart, End: pos, Strand: strand,
				Type: BAMSubfeatureType, Phase: NoPhase,
			})
		}
		blockStart = -1
	}
	for _, co := range rec.Cigar {
		n := int64(co.Len())
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			if blockStart < 0 {
				blockStart = pos
			}
			pos += n
		case sam.CigarDeletion, sam.CigarSkipped:
			flush()
			pos += n
		}
	}
	flush()
	return f
}
