package main

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"github.com/biogo/biogo/io/featio/gff"
	"github.com/biogo/biogo/seq"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/tracks/coord"
	"github.com/grailbio/tracks/flatten"
	"github.com/grailbio/tracks/registry"
	"github.com/grailbio/tracks/trackio"
)

type queryFlags struct {
	data, label string
	subs        bool
	gff         bool
}

// rowPrinter prints query results.
type rowPrinter interface {
	print(ref string, row flatten.Row) error
	flush() error
}

func runQuery(ctx context.Context, flags queryFlags, region string, out io.Writer) error {
	iv, err := coord.ParseRegion(region)
	if err != nil {
		return err
	}
	reg, err := registry.New(flags.data)
	if err != nil {
		return err
	}
	r, err := trackio.Open(ctx, reg.TrackDir(flags.label, iv.Ref))
	if err != nil {
		return err
	}
	var p rowPrinter
	if flags.gff {
		p = newGFFPrinter(out, flags.label)
	} else if p, err = newTSVPrinter(out); err != nil {
		return err
	}
	var werr error
	err = r.Query(ctx, iv.Start, iv.End, func(row flatten.Row) bool {
		if row.Kind() != flatten.Primary && !flags.subs {
			return true
		}
		werr = p.print(iv.Ref, row)
		return werr == nil
	})
	if err == nil {
		err = werr
	}
	if err == nil {
		err = p.flush()
	}
	return err
}

type tsvPrinter struct {
	w *tsv.Writer
}

func newTSVPrinter(out io.Writer) (*tsvPrinter, error) {
	w := tsv.NewWriter(out)
	w.WriteString("#ref\tkind\tstart\tend\tstrand\ttype\tname\tid")
	return &tsvPrinter{w: w}, w.EndLine()
}

func (p *tsvPrinter) print(ref string, row flatten.Row) error {
	p.w.WriteString(ref)
	p.w.WriteString(row.Kind().String())
	p.w.WriteString(strconv.FormatInt(row.Start(), 10))
	p.w.WriteString(strconv.FormatInt(row.End(), 10))
	p.w.WriteString(strandString(row.Values[flatten.ColStrand]))
	for _, col := range []int{flatten.ColType, flatten.ColName, flatten.ColID} {
		p.w.WriteString(valueString(row.Values[col]))
	}
	return p.w.EndLine()
}

func (p *tsvPrinter) flush() error { return p.w.Flush() }

// gffPrinter writes GFF2 lines.  GFF cannot represent empty intervals, so
// zero-length rows are omitted.
type gffPrinter struct {
	buf   *bufio.Writer
	w     *gff.Writer
	label string
}

func newGFFPrinter(out io.Writer, label string) *gffPrinter {
	buf := bufio.NewWriter(out)
	return &gffPrinter{buf: buf, w: gff.NewWriter(buf, 60, true), label: label}
}

func (p *gffPrinter) print(ref string, row flatten.Row) error {
	if row.Start() >= row.End() {
		return nil
	}
	f := &gff.Feature{
		SeqName:    ref,
		Source:     valueString(row.Values[flatten.ColSource]),
		Feature:    valueString(row.Values[flatten.ColType]),
		FeatStart:  int(row.Start()),
		FeatEnd:    int(row.End()),
		FeatStrand: seq.None,
		FeatFrame:  gff.NoFrame,
	}
	if f.Source == "." {
		f.Source = p.label
	}
	if s, ok := row.Values[flatten.ColStrand].(int64); ok {
		f.FeatStrand = seq.Strand(s)
	}
	if score, ok := row.Values[flatten.ColScore].(float64); ok {
		f.FeatScore = &score
	}
	if phase, ok := row.Values[flatten.ColPhase].(int64); ok && phase >= 0 && phase <= 2 {
		f.FeatFrame = gff.Frame(phase)
	}
	for _, a := range []struct {
		tag string
		col int
	}{{"Name", flatten.ColName}, {"ID", flatten.ColID}} {
		if v, ok := row.Values[a.col].(string); ok {
			f.FeatAttributes = append(f.FeatAttributes, gff.Attribute{Tag: a.tag, Value: strconv.Quote(v)})
		}
	}
	_, err := p.w.Write(f)
	return err
}

func (p *gffPrinter) flush() error { return p.buf.Flush() }

func strandString(v interface{}) string {
	switch s, _ := v.(int64); {
	case s > 0:
		return "+"
	case s < 0:
		return "-"
	}
	return "."
}

func valueString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "."
}
