package feature

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/grailbio/base/tsv"
	"github.com/grailbio/tracks/coord"
	"github.com/pkg/errors"
)

// GFFSource reads features from a GFF3 file, optionally gzipped.  Features
// are linked into hierarchies through their ID and Parent attributes. A
// child with several parents is attached to each of them. A child whose
// parent is missing is reported as a top-level feature.
//
// A start or end column that is "." or not a positive integer yields a
// feature whose coordinate is coord.InvalidPos; the flattener reports and
// skips such features.  Other syntax errors abort the iteration.
//
// The file is re-read for every reference sequence; only the features of one
// reference are held in memory at a time.
type GFFSource struct {
	Path string
}

// gffRow is one feature line of a GFF3 file.  Coordinates stay strings so
// that a missing one can be reported per feature.
type gffRow struct {
	SeqID      string
	Source     string
	Type       string
	Start      string
	End        string
	Score      string
	Strand     string
	Phase      string
	Attributes string
}

// Refs implements RefLister.
func (s *GFFSource) Refs(ctx context.Context) ([]string, error) {
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
func (s *GFFSource) Features(ctx context.Context, ref string, types []string) Iterator {
	var feats []*Feature
	if err := s.scan(ctx, ref, func(f *Feature) { feats = append(feats, f) }); err != nil {
		return NewErrorIterator(err)
	}
	filter := NewTypeFilter(types)
	var top []*Feature
	for _, f := range linkGFF(feats) {
		if filter.Accept(f.Type) {
			top = append(top, f)
		}
	}
	return NewSliceIterator(top)
}

// scan calls fn for every feature on "ref", or on every feature if ref is "".
func (s *GFFSource) scan(ctx context.Context, ref string, fn func(f *Feature)) (err error) {
	in, err := openInput(ctx, s.Path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	r := tsv.NewReader(&fastaCutoff{r: bufio.NewReader(in)})
	r.Comment = '#'
	r.LazyQuotes = true
	r.FieldsPerRecord = 9
	for {
		var row gffRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "%s", s.Path)
		}
		if ref != "" && row.SeqID != ref {
			continue
		}
		f, err := parseGFFRow(&row)
		if err != nil {
			line, _ := r.Reader.FieldPos(0)
			return errors.Wrapf(err, "%s:%d", s.Path, line)
		}
		fn(f)
	}
}

// parseGFFPos converts a one-based coordinate to a zero-based one.
func parseGFFPos(s string, offset int64) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 1 {
		return coord.InvalidPos
	}
	return v - offset
}

func parseGFFRow(row *gffRow) (*Feature, error) {
	f := &Feature{
		Ref:    row.SeqID,
		Start:  parseGFFPos(row.Start, 1),
		End:    parseGFFPos(row.End, 0),
		Strand: ParseStrand(row.Strand),
		Type:   row.Type,
		Phase:  NoPhase,
	}
	if row.Source != "." {
		f.Source = row.Source
	}
	if row.Score != "." && row.Score != "" {
		score, err := strconv.ParseFloat(row.Score, 64)
		if err != nil {
			return nil, errors.Wrap(err, "score")
		}
		f.Score = &score
	}
	switch row.Phase {
	case ".", "":
	case "0", "1", "2":
		f.Phase = int(row.Phase[0] - '0')
	default:
		return nil, fmt.Errorf("invalid phase %q", row.Phase)
	}
	if err := parseGFFAttributes(f, row.Attributes); err != nil {
		return nil, err
	}
	return f, nil
}

// parseGFFAttributes parses the "tag=value,value;tag=value" column.  Tags and
// values are percent-decoded after splitting, so escaped separators survive.
func parseGFFAttributes(f *Feature, col string) error {
	if col == "." {
		return nil
	}
	for _, pair := range strings.Split(col, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		i := strings.IndexByte(pair, '=')
		if i <= 0 {
			return fmt.Errorf("attribute %q is not of the form tag=value", pair)
		}
		tag := gffUnescape(pair[:i])
		for _, v := range strings.Split(pair[i+1:], ",") {
			f.AddAttr(tag, gffUnescape(v))
		}
	}
	return nil
}

func gffUnescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}

// linkGFF attaches every feature carrying a Parent attribute to the features
// with that ID, and returns the remaining top-level features in input order.
// Parent cycles are left in place; the flattener rejects them.
func linkGFF(feats []*Feature) []*Feature {
	byID := make(map[string]*Feature)
	for _, f := range feats {
		if id := f.Attr(AttrID); id != "" {
			if _, ok := byID[id]; !ok {
				byID[id] = f
			}
		}
	}
	var top []*Feature
	for _, f := range feats {
		attached := false
		for _, pid := range f.Attributes["Parent"] {
			if p, ok := byID[pid]; ok && p != f {
				p.Subfeatures = append(p.Subfeatures, f)
				attached = true
			}
		}
		if !attached {
			top = append(top, f)
		}
	}
	return top
}

// fastaCutoff passes its input through up to an embedded "##FASTA" section.
type fastaCutoff struct {
	r    *bufio.Reader
	buf  []byte
	done bool
}

var fastaDirective = []byte("##FASTA")

func (d *fastaCutoff) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		if d.done {
			return 0, io.EOF
		}
		line, err := d.r.ReadBytes('\n')
		if bytes.HasPrefix(line, fastaDirective) {
			d.done = true
		} else {
			d.buf = line
		}
		if err == io.EOF {
			d.done = true
		} else if err != nil {
			return 0, err
		}
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}
