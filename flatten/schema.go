// Package flatten converts hierarchical features into fixed-shape rows.
//
// Each track has two schemas, one for primary feature rows and one for
// sub-feature rows. A schema is an ordered list of column names plus the set
// of columns that hold multi-valued attributes. Every row of a kind has
// exactly as many values as its schema has columns.
//
// A column value is one of nil, int64, float64, string or []string.
package flatten

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Kind distinguishes primary feature rows from sub-feature rows.
type Kind uint8

const (
	// Primary rows describe top-level features.
	Primary Kind = 0
	// Sub rows describe the (recursively flattened) sub-features of a primary
	// feature.
	Sub Kind = 1
	// NumKinds is the number of row kinds.
	NumKinds = 2
)

func (k Kind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Sub:
		return "sub"
	}
	return fmt.Sprintf("kind%d", uint8(k))
}

// Columns shared by both kinds.
const (
	ColStart = iota
	ColEnd
	ColStrand
	ColType
	ColSource
	ColScore
	ColPhase
	ColName
	ColID
	numCommonCols
)

// ColFeature is the feature ordinal of a primary row.
const ColFeature = numCommonCols

// Sub-feature columns.
const (
	// ColParent is the ordinal of the primary feature owning the row.
	ColParent = numCommonCols + iota
	// ColIndex is the position of the row in the flattened sub-feature set.
	ColIndex
	// ColParentIndex is the ColIndex of the row's own parent sub-feature, or -1
	// if the row is a direct child of the primary feature.
	ColParentIndex
)

var (
	commonCols  = []string{"Start", "End", "Strand", "Type", "Source", "Score", "Phase", "Name", "ID"}
	primaryCols = []string{"Feature"}
	subCols     = []string{"Parent", "Index", "ParentIndex"}
)

// DefaultArrayAttributes lists the GFF3 attributes that may carry multiple
// values.
var DefaultArrayAttributes = []string{"Alias", "Dbxref", "Ontology_term", "Note"}

// Schema describes the columns of one row kind.
type Schema struct {
	// Attributes lists column names in row order.
	Attributes []string `json:"attributes"`
	// IsArrayAttr is the set of columns whose values are []string.
	IsArrayAttr map[string]bool `json:"isArrayAttr,omitempty"`
}

// NewSchema creates the schema for the given kind. The core columns come
// first, followed by the "extra" attribute columns in the given order.
// Extras that duplicate a core column or an earlier extra are dropped. An
// extra listed in "arrays" is multi-valued.
func NewSchema(kind Kind, extra, arrays []string) *Schema {
	s := &Schema{Attributes: append([]string(nil), commonCols...)}
	if kind == Primary {
		s.Attributes = append(s.Attributes, primaryCols...)
	} else {
		s.Attributes = append(s.Attributes, subCols...)
	}
	isArray := map[string]bool{}
	for _, a := range arrays {
		isArray[a] = true
	}
	for _, name := range extra {
		if s.Index(name) >= 0 {
			continue
		}
		s.Attributes = append(s.Attributes, name)
		if isArray[name] {
			if s.IsArrayAttr == nil {
				s.IsArrayAttr = map[string]bool{}
			}
			s.IsArrayAttr[name] = true
		}
	}
	return s
}

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.Attributes) }

// Index returns the column index of the named attribute, or -1.
func (s *Schema) Index(name string) int {
	for i, a := range s.Attributes {
		if a == name {
			return i
		}
	}
	return -1
}

// NumCore returns the number of core columns of a kind.
func NumCore(kind Kind) int {
	if kind == Primary {
		return len(commonCols) + len(primaryCols)
	}
	return len(commonCols) + len(subCols)
}

// Validate checks that "r" has exactly one value per column.
func (s *Schema) Validate(r Row) error {
	if len(r.Values) != len(s.Attributes) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("%v row %v has %d columns, schema has %d", r.Kind(), r.Key, len(r.Values), len(s.Attributes)))
	}
	return nil
}
