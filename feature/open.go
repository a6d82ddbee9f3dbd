package feature

import (
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/klauspost/compress/gzip"
)

// inputFile is an opened, possibly decompressed, input.
type inputFile struct {
	f  file.File
	gz *gzip.Reader
	io.Reader
}

// openInput opens "path" for reading.  Gzipped inputs (by extension) are
// transparently decompressed.
func openInput(ctx context.Context, path string) (*inputFile, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	in := &inputFile{f: f, Reader: f.Reader(ctx)}
	if fileio.DetermineType(path) == fileio.Gzip || strings.HasSuffix(path, ".gz") {
		if in.gz, err = gzip.NewReader(in.Reader); err != nil {
			_ = f.Close(ctx)
			return nil, err
		}
		in.Reader = in.gz
	}
	return in, nil
}

func (in *inputFile) Close(ctx context.Context) error {
	var err error
	if in.gz != nil {
		err = in.gz.Close()
	}
	if cerr := in.f.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
