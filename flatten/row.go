package flatten

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracks/coord"
)

// Row is one flattened feature or sub-feature.  Key caches the sort key,
// which is derived from the values.
type Row struct {
	Key    coord.Key
	Values []interface{}
}

// Kind returns the row kind.
func (r Row) Kind() Kind { return Kind(r.Key.Kind) }

// Start returns the start coordinate.
func (r Row) Start() int64 { return r.Key.Start }

// End returns the end coordinate.
func (r Row) End() int64 { return r.Key.End }

// NewRow creates a row from column values, deriving its sort key.  The
// coordinate and ordinal columns must hold int64 values.
func NewRow(kind Kind, values []interface{}) (Row, error) {
	r := Row{Values: values}
	r.Key.Kind = uint8(kind)
	var err error
	get := func(col int) int64 {
		if err != nil {
			return 0
		}
		if col >= len(values) {
			err = errors.E(errors.Invalid, fmt.Sprintf("%v row has only %d columns", kind, len(values)))
			return 0
		}
		v, ok := values[col].(int64)
		if !ok {
			err = errors.E(errors.Invalid, fmt.Sprintf("%v row column %d: expect int64, found %T", kind, col, values[col]))
		}
		return v
	}
	r.Key.Start = get(ColStart)
	r.Key.End = get(ColEnd)
	switch kind {
	case Primary:
		r.Key.Feature = uint64(get(ColFeature))
	case Sub:
		r.Key.Feature = uint64(get(ColParent))
		r.Key.Index = int32(get(ColIndex))
	default:
		return r, errors.E(errors.Invalid, fmt.Sprintf("invalid row kind %d", kind))
	}
	return r, err
}

func (r Row) String() string {
	return fmt.Sprintf("%v%v", r.Kind(), r.Values)
}
