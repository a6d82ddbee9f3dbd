package feature

import (
	"context"
	"io"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/pkg/errors"
)

// RefSeq describes one reference sequence.
type RefSeq struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

// faiRow is one line of a samtools FASTA index.
type faiRow struct {
	Name      string
	Length    int64
	Offset    int64
	LineBases int64
	LineWidth int64
}

// ReadFastaIndex reads the reference sequence names and lengths from a
// samtools .fai file.
func ReadFastaIndex(ctx context.Context, path string) (refs []RefSeq, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.Comment = '#'
	for {
		var row faiRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, "%s", path)
		}
		refs = append(refs, RefSeq{Name: row.Name, Length: row.Length})
	}
	return refs, nil
}
