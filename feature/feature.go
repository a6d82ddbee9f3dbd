package feature

import (
	"fmt"

	"github.com/grailbio/tracks/coord"
)

// Strand of a feature.
type Strand int8

const (
	// Reverse strand ('-').
	Reverse Strand = -1
	// NoStrand means the strand is unknown or irrelevant ('.').
	NoStrand Strand = 0
	// Forward strand ('+').
	Forward Strand = 1
)

// NoPhase is the value of Feature.Phase for features that don't carry one.
const NoPhase = -1

// Standard attribute names.
const (
	AttrName  = "Name"
	AttrID    = "ID"
	AttrAlias = "Alias"
)

// Feature is one annotation, e.g., a gene, an alignment, or a variant.
// Features are immutable once produced by a Source.
type Feature struct {
	// Ref is the name of the reference sequence.
	Ref string
	// Start and End define the zero-based half-open interval.  Either may be
	// coord.InvalidPos if the input lacked it.
	Start, End int64
	Strand     Strand
	// Type is the feature type, e.g., "gene", "mRNA", "exon".
	Type string
	// Source is the program or database that produced the feature.
	Source string
	// Score is nil if the feature has no score.
	Score *float64
	// Phase is 0, 1, 2 for CDS features, NoPhase otherwise.
	Phase int
	// Attributes maps an attribute name to one or more values.
	Attributes map[string][]string
	// Subfeatures lists the child features, in input order.
	Subfeatures []*Feature
}

// Attr returns the first value of the named attribute, or "" if absent.
func (f *Feature) Attr(name string) string {
	if v := f.Attributes[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Name returns the Name attribute, falling back to ID.
func (f *Feature) Name() string {
	if n := f.Attr(AttrName); n != "" {
		return n
	}
	return f.Attr(AttrID)
}

// Interval returns the feature's coordinates.
func (f *Feature) Interval() coord.Interval {
	return coord.Interval{Ref: f.Ref, Start: f.Start, End: f.End}
}

// AddAttr appends values to the named attribute.
func (f *Feature) AddAttr(name string, values ...string) {
	if f.Attributes == nil {
		f.Attributes = map[string][]string{}
	}
	f.Attributes[name] = append(f.Attributes[name], values...)
}

func (f *Feature) String() string {
	name := f.Name()
	if name == "" {
		name = "-"
	}
	return fmt.Sprintf("%s %s:%d-%d(%s)", f.Type, f.Ref, f.Start, f.End, name)
}

// ParseStrand parses "+", "-", "." and friends.
func ParseStrand(s string) Strand {
	switch s {
	case "+", "1", "+1":
		return Forward
	case "-", "-1":
		return Reverse
	default:
		return NoStrand
	}
}
