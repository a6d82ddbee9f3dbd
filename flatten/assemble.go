package flatten

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracks/feature"
)

// Assemble rebuilds a feature from its primary row and its sub-feature rows.
// The sub-feature rows may be in any order.  Values of columns absent from
// the schemas are lost by Flatten and are therefore absent here too.
func (f *Flattener) Assemble(primary Row, subs []Row) (*feature.Feature, error) {
	if primary.Kind() != Primary {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("assemble: %v is not a primary row", primary))
	}
	top := rowFeature(f.ref, primary, f.primary, NumCore(Primary))
	sorted := append([]Row(nil), subs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Index < sorted[j].Key.Index })
	built := make([]*feature.Feature, len(sorted))
	for i, r := range sorted {
		if r.Kind() != Sub || r.Key.Feature != primary.Key.Feature || int(r.Key.Index) != i {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("assemble: unexpected sub-feature row %v for feature %d", r, primary.Key.Feature))
		}
		built[i] = rowFeature(f.ref, r, f.sub, NumCore(Sub))
		parent := top
		if pi, _ := r.Values[ColParentIndex].(int64); pi >= 0 {
			if pi >= int64(i) {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("assemble: row %v precedes its parent", r))
			}
			parent = built[pi]
		}
		parent.Subfeatures = append(parent.Subfeatures, built[i])
	}
	return top, nil
}

func rowFeature(ref string, r Row, schema *Schema, nCore int) *feature.Feature {
	v := r.Values
	feat := &feature.Feature{
		Ref:   ref,
		Start: r.Start(),
		End:   r.End(),
		Phase: feature.NoPhase,
	}
	if s, ok := v[ColStrand].(int64); ok {
		feat.Strand = feature.Strand(s)
	}
	feat.Type, _ = v[ColType].(string)
	feat.Source, _ = v[ColSource].(string)
	if s, ok := v[ColScore].(float64); ok {
		feat.Score = &s
	}
	if p, ok := v[ColPhase].(int64); ok {
		feat.Phase = int(p)
	}
	if s, ok := v[ColName].(string); ok {
		feat.AddAttr(feature.AttrName, s)
	}
	if s, ok := v[ColID].(string); ok {
		feat.AddAttr(feature.AttrID, s)
	}
	for col := nCore; col < len(v) && col < schema.Len(); col++ {
		switch val := v[col].(type) {
		case string:
			feat.AddAttr(schema.Attributes[col], val)
		case []string:
			feat.AddAttr(schema.Attributes[col], val...)
		}
	}
	return feat
}
