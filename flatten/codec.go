package flatten

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// Value tags of the binary row encoding.
const (
	tagNil byte = iota
	tagInt
	tagFloat
	tagString
	tagStrings
)

// AppendRow appends the binary encoding of "r" to "dst".  The layout is
//
//	kind:byte ncols:uvarint (tag:byte value)*
//
// where ints are varints, floats are little-endian 64 bit, and strings and
// string lists are uvarint-length prefixed.
func AppendRow(dst []byte, r Row) []byte {
	b := byteBuffer(dst)
	b.PutUint8(r.Key.Kind)
	b.PutUvarint64(uint64(len(r.Values)))
	for _, v := range r.Values {
		switch v := v.(type) {
		case nil:
			b.PutUint8(tagNil)
		case int64:
			b.PutUint8(tagInt)
			b.PutVarint64(v)
		case float64:
			b.PutUint8(tagFloat)
			b.PutFloat64(v)
		case string:
			b.PutUint8(tagString)
			b.PutUvarint64(uint64(len(v)))
			b.PutString(v)
		case []string:
			b.PutUint8(tagStrings)
			b.PutUvarint64(uint64(len(v)))
			for _, s := range v {
				b.PutUvarint64(uint64(len(s)))
				b.PutString(s)
			}
		default:
			panic(fmt.Sprintf("flatten.AppendRow: unsupported value %v (%T)", v, v))
		}
	}
	return []byte(b)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func varintLen(v int64) int {
	ux := uint64(v) << 1
	if v < 0 {
		ux = ^ux
	}
	return uvarintLen(ux)
}

// EncodedSize returns len(AppendRow(nil, r)).
func EncodedSize(r Row) int {
	n := 1 + uvarintLen(uint64(len(r.Values)))
	for _, v := range r.Values {
		n++
		switch v := v.(type) {
		case int64:
			n += varintLen(v)
		case float64:
			n += 8
		case string:
			n += uvarintLen(uint64(len(v))) + len(v)
		case []string:
			n += uvarintLen(uint64(len(v)))
			for _, s := range v {
				n += uvarintLen(uint64(len(s))) + len(s)
			}
		}
	}
	return n
}

// DecodeRow decodes one row from the start of "data". It returns the row and
// the number of bytes consumed.  Strings are copied out of "data".
func DecodeRow(data []byte) (r Row, n int, err error) {
	b := byteBuffer(data)
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Integrity, fmt.Sprintf("flatten.DecodeRow: %v", e))
		}
	}()
	kind := Kind(b.Uint8())
	ncols := b.Uvarint64()
	if ncols > uint64(len(b)) {
		return r, 0, errors.E(errors.Integrity, fmt.Sprintf("flatten.DecodeRow: bad column count %d", ncols))
	}
	values := make([]interface{}, ncols)
	for i := range values {
		switch tag := b.Uint8(); tag {
		case tagNil:
		case tagInt:
			values[i] = b.Varint64()
		case tagFloat:
			values[i] = b.Float64()
		case tagString:
			values[i] = string(b.RawBytes(int(b.Uvarint64())))
		case tagStrings:
			ss := make([]string, b.Uvarint64())
			for j := range ss {
				ss[j] = string(b.RawBytes(int(b.Uvarint64())))
			}
			values[i] = ss
		default:
			return r, 0, errors.E(errors.Integrity, fmt.Sprintf("flatten.DecodeRow: bad value tag %d", tag))
		}
	}
	if r, err = NewRow(kind, values); err != nil {
		return r, 0, errors.E(errors.Integrity, err)
	}
	return r, len(data) - len(b), nil
}

// byteBuffer is a wrapper around the standard varint encoder and decoder.
// Reader methods panic on underflow; DecodeRow converts the panic into an
// error.
type byteBuffer []byte

func (b *byteBuffer) Uint8() uint8 {
	value := (*b)[0]
	*b = (*b)[1:]
	return value
}

func (b *byteBuffer) Float64() float64 {
	value := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return math.Float64frombits(value)
}

func (b *byteBuffer) Varint64() int64 {
	value, n := binary.Varint(*b)
	if n <= 0 {
		panic("varint underflow")
	}
	*b = (*b)[n:]
	return value
}

func (b *byteBuffer) Uvarint64() uint64 {
	value, n := binary.Uvarint(*b)
	if n <= 0 {
		panic("uvarint underflow")
	}
	*b = (*b)[n:]
	return value
}

func (b *byteBuffer) RawBytes(n int) []byte {
	value := (*b)[:n]
	*b = (*b)[n:]
	return value
}

func (b *byteBuffer) PutUint8(value uint8) {
	*b = append(*b, value)
}

func (b *byteBuffer) PutString(data string) {
	*b = append(*b, data...)
}

func (b *byteBuffer) PutFloat64(value float64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(value))
	*b = append(*b, tmp[:]...)
}

func (b *byteBuffer) PutVarint64(value int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], value)
	*b = append(*b, tmp[:n]...)
}

func (b *byteBuffer) PutUvarint64(value uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], value)
	*b = append(*b, tmp[:n]...)
}
