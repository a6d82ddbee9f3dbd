package feature

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/tracks/coord"
	"github.com/pkg/errors"
)

// DefaultBEDType is the feature type given to BED records when
// BEDSource.Type is empty.
const DefaultBEDType = "region"

// BEDSubfeatureType is the type of the sub-features made from BED12 blocks.
const BEDSubfeatureType = "exon"

// BEDSource reads features from a BED3..BED12 file, optionally gzipped.
//
// A start or end column that does not parse as an integer yields a feature
// whose coordinate is coord.InvalidPos; the flattener reports and skips such
// features.  Other syntax errors abort the iteration.
type BEDSource struct {
	Path string
	// Type is assigned to every feature.  Defaults to DefaultBEDType.
	Type string
}

// Refs implements RefLister.
func (s *BEDSource) Refs(ctx context.Context) ([]string, error) {
	var refs []string
	seen := map[string]bool{}
	err := s.scan(ctx, "", func(f *Feature) {
		if !seen[f.Ref] {
			seen[f.Ref] = true
			refs = append(refs, f.Ref)
		}
	})
	return refs, err
}

// Features implements Source.
func (s *BEDSource) Features(ctx context.Context, ref string, types []string) Iterator {
	if !NewTypeFilter(types).Accept(s.featureType()) {
		return NewSliceIterator(nil)
	}
	var feats []*Feature
	if err := s.scan(ctx, ref, func(f *Feature) { feats = append(feats, f) }); err != nil {
		return NewErrorIterator(err)
	}
	return NewSliceIterator(feats)
}

func (s *BEDSource) featureType() string {
	if s.Type == "" {
		return DefaultBEDType
	}
	return s.Type
}

// scan calls fn for every record on "ref", or on every record if ref is "".
func (s *BEDSource) scan(ctx context.Context, ref string, fn func(f *Feature)) (err error) {
	in, err := openInput(ctx, s.Path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 || line[0] == '#' ||
			bytes.HasPrefix(line, []byte("track")) || bytes.HasPrefix(line, []byte("browser")) {
			continue
		}
		cols := strings.Split(strings.TrimRight(string(line), "\r"), "\t")
		if ref != "" && cols[0] != ref {
			continue
		}
		f, err := parseBEDLine(cols, s.featureType())
		if err != nil {
			return errors.Wrapf(err, "%s:%d", s.Path, lineIdx)
		}
		fn(f)
	}
	return scanner.Err()
}

func parseBEDPos(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return coord.InvalidPos
	}
	return v
}

func parseBEDLine(cols []string, typ string) (*Feature, error) {
	if len(cols) < 3 {
		return nil, fmt.Errorf("expected at least 3 columns, found %d", len(cols))
	}
	f := &Feature{
		Ref:   cols[0],
		Start: parseBEDPos(cols[1]),
		End:   parseBEDPos(cols[2]),
		Type:  typ,
		Phase: NoPhase,
	}
	if len(cols) > 3 && cols[3] != "" && cols[3] != "." {
		f.AddAttr(AttrName, cols[3])
	}
	if len(cols) > 4 && cols[4] != "" && cols[4] != "." {
		score, err := strconv.ParseFloat(cols[4], 64)
		if err != nil {
			return nil, errors.Wrap(err, "score")
		}
		f.Score = &score
	}
	if len(cols) > 5 {
		f.Strand = ParseStrand(cols[5])
	}
	if len(cols) > 7 {
		f.AddAttr("thickStart", cols[6])
		f.AddAttr("thickEnd", cols[7])
	}
	if len(cols) > 8 && cols[8] != "0" && cols[8] != "" {
		f.AddAttr("itemRgb", cols[8])
	}
	if len(cols) > 11 {
		if f.Start == coord.InvalidPos {
			return f, nil
		}
		subs, err := parseBEDBlocks(f, cols[9], cols[10], cols[11])
		if err != nil {
			return nil, err
		}
		f.Subfeatures = subs
	}
	return f, nil
}

func splitBEDList(s string) []string {
	s = strings.TrimSuffix(s, ",")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseBEDBlocks(f *Feature, countCol, sizesCol, startsCol string) ([]*Feature, error) {
	n, err := strconv.Atoi(countCol)
	if err != nil {
		return nil, errors.Wrap(err, "blockCount")
	}
	sizes, starts := splitBEDList(sizesCol), splitBEDList(startsCol)
	if len(sizes) != n || len(starts) != n {
		return nil, fmt.Errorf("blockCount %d disagrees with %d sizes and %d starts", n, len(sizes), len(starts))
	}
	subs := make([]*Feature, n)
	for i := range subs {
		size, err := strconv.ParseInt(sizes[i], 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "blockSizes")
		}
		off, err := strconv.ParseInt(starts[i], 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "blockStarts")
		}
		subs[i] = &Feature{
			Ref:    f.Ref,
			Start:  f.Start + off,
			End:    f.Start + off + size,
			Strand: f.Strand,
			Type:   BEDSubfeatureType,
			Phase:  NoPhase,
		}
	}
	return subs, nil
}
