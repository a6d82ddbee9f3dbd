package flatten

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/grailbio/base/errors"
)

// AppendRowJSON appends the client-facing encoding of "r", a JSON array
// [kind, value...], to dst.  The length of the result is what chunk size
// budgets are measured in.
func AppendRowJSON(dst []byte, r Row) []byte {
	dst = append(dst, '[')
	dst = strconv.AppendUint(dst, uint64(r.Key.Kind), 10)
	for _, v := range r.Values {
		dst = append(dst, ',')
		dst = appendValueJSON(dst, v)
	}
	return append(dst, ']')
}

// MarshalRowJSON returns AppendRowJSON(nil, r).
func MarshalRowJSON(r Row) []byte {
	return AppendRowJSON(nil, r)
}

func appendStringJSON(dst []byte, s string) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return append(dst, data...)
}

func appendValueJSON(dst []byte, v interface{}) []byte {
	switch v := v.(type) {
	case nil:
		return append(dst, "null"...)
	case int64:
		return strconv.AppendInt(dst, v, 10)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return append(dst, "null"...)
		}
		return strconv.AppendFloat(dst, v, 'g', -1, 64)
	case string:
		return appendStringJSON(dst, v)
	case []string:
		dst = append(dst, '[')
		for i, s := range v {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendStringJSON(dst, s)
		}
		return append(dst, ']')
	}
	panic(fmt.Sprintf("flatten: unsupported value %v (%T)", v, v))
}

// DecodeValue converts a value decoded by encoding/json (with UseNumber) back
// into the type stored in column "col".
func (s *Schema) DecodeValue(col int, v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if col == ColScore {
			return v.Float64()
		}
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		return v.Float64()
	case float64:
		if col == ColScore {
			return v, nil
		}
		return int64(v), nil
	case string:
		return v, nil
	case []interface{}:
		ss := make([]string, len(v))
		for i, e := range v {
			str, ok := e.(string)
			if !ok {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("column %s: list element %v is not a string", s.Attributes[col], e))
			}
			ss[i] = str
		}
		return ss, nil
	}
	return nil, errors.E(errors.Integrity, fmt.Sprintf("column %s: unexpected value %v (%T)", s.Attributes[col], v, v))
}

// UnmarshalRowJSON decodes a row produced by AppendRowJSON.  "schemas" is
// indexed by Kind.
func UnmarshalRowJSON(data []byte, schemas [NumKinds]*Schema) (Row, error) {
	var raw []interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Row{}, errors.E(errors.Integrity, err)
	}
	return decodeRawRow(raw, schemas)
}

// DecodeRowsJSON decodes a JSON array of rows, such as a chunk payload.
func DecodeRowsJSON(data []byte, schemas [NumKinds]*Schema) ([]Row, error) {
	var raws [][]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raws); err != nil {
		return nil, errors.E(errors.Integrity, err)
	}
	rows := make([]Row, len(raws))
	for i, raw := range raws {
		var err error
		if rows[i], err = decodeRawRow(raw, schemas); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func decodeRawRow(raw []interface{}, schemas [NumKinds]*Schema) (Row, error) {
	if len(raw) == 0 {
		return Row{}, errors.E(errors.Integrity, "empty row")
	}
	k, ok := raw[0].(json.Number)
	if !ok {
		return Row{}, errors.E(errors.Integrity, fmt.Sprintf("bad row kind %v", raw[0]))
	}
	ki, err := k.Int64()
	if err != nil || ki < 0 || ki >= NumKinds {
		return Row{}, errors.E(errors.Integrity, fmt.Sprintf("bad row kind %v", raw[0]))
	}
	kind := Kind(ki)
	schema := schemas[kind]
	values := raw[1:]
	if len(values) != schema.Len() {
		return Row{}, errors.E(errors.Integrity,
			fmt.Sprintf("%v row has %d columns, schema has %d", kind, len(values), schema.Len()))
	}
	for col, v := range values {
		if values[col], err = schema.DecodeValue(col, v); err != nil {
			return Row{}, err
		}
	}
	return NewRow(kind, values)
}
