// Package codec provides the compression transforms applied to chunk
// payloads.  A codec compresses a whole payload at once; chunks are small, so
// there is no streaming interface.
package codec

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"sort"
	"sync"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is a reversible byte transform.  Implementations are thread safe.
type Codec interface {
	// Name identifies the codec in manifests and configuration.
	Name() string
	// Ext is the file name suffix of compressed chunks, e.g. ".gz".
	Ext() string
	// Encode appends the compressed form of src to dst.
	Encode(dst, src []byte) ([]byte, error)
	// Decode appends the decompressed form of src to dst.
	Decode(dst, src []byte) ([]byte, error)
}

// None is the identity codec.
const None = "none"

var (
	mu       sync.RWMutex
	registry = map[string]Codec{}
)

// Register makes a codec available through Lookup.  It panics if the name is
// taken.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[c.Name()]; ok {
		panic(fmt.Sprintf("codec %s registered twice", c.Name()))
	}
	registry[c.Name()] = c
}

// Lookup finds a codec by name.  "" is the same as None.
func Lookup(name string) (Codec, error) {
	if name == "" {
		name = None
	}
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("codec %q not found", name))
	}
	return c, nil
}

// Names lists the registered codecs, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(noneCodec{})
	Register(gzipCodec{})
	Register(snappyCodec{})
	Register(lz4Codec{})
	Register(newZstdCodec())
}

type noneCodec struct{}

func (noneCodec) Name() string { return None }
func (noneCodec) Ext() string  { return "" }

func (noneCodec) Encode(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }
func (noneCodec) Decode(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }

// gzipCodec produces files that browsers can inflate natively.
type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }
func (gzipCodec) Ext() string  { return ".gz" }

func (gzipCodec) Encode(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w := gzip.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(dst, src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return append(dst, data...), nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }
func (snappyCodec) Ext() string  { return ".sz" }

func (snappyCodec) Encode(dst, src []byte) ([]byte, error) {
	return append(dst, snappy.Encode(nil, src)...), nil
}

func (snappyCodec) Decode(dst, src []byte) ([]byte, error) {
	data, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, err
	}
	return append(dst, data...), nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }
func (lz4Codec) Ext() string  { return ".lz4" }

func (lz4Codec) Encode(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(dst, src []byte) ([]byte, error) {
	data, err := ioutil.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, err
	}
	return append(dst, data...), nil
}

// zstdCodec shares one encoder and one decoder; their EncodeAll and
// DecodeAll methods are safe for concurrent use.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() zstdCodec {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return zstdCodec{enc: enc, dec: dec}
}

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) Ext() string  { return ".zst" }

func (c zstdCodec) Encode(dst, src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dst), nil
}

func (c zstdCodec) Decode(dst, src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, dst)
}
