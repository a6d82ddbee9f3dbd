package flatten

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tracks/coord"
	"github.com/grailbio/tracks/feature"
)

// NameRecord makes a primary feature findable by name.
type NameRecord struct {
	// Names lists the feature's Name, ID and aliases, without duplicates.
	Names []string
	Ref   string
	Start int64
	End   int64
	// Feature is the feature ordinal, as stored in the primary row.
	Feature uint64
	Type    string
}

// Flattened is the result of flattening one feature.
type Flattened struct {
	Primary Row
	Subs    []Row
	// Name is nil if the feature carries neither a Name nor an ID.
	Name *NameRecord
}

// FeatureError reports a feature that could not be flattened.  The feature
// should be skipped; other features are unaffected.
type FeatureError struct {
	Ref     string
	Ordinal uint64
	Feature string
	Err     error
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("%s: feature #%d (%s): %v", e.Ref, e.Ordinal, e.Feature, e.Err)
}

// Flattener converts the features of one (reference, track) pair into rows.
// Thread compatible.
type Flattener struct {
	ref     string
	primary *Schema
	sub     *Schema
	next    uint64
}

// New creates a Flattener for features on "ref".
func New(ref string, primary, sub *Schema) *Flattener {
	return &Flattener{ref: ref, primary: primary, sub: sub}
}

// Schema returns the schema of the given row kind.
func (f *Flattener) Schema(kind Kind) *Schema {
	if kind == Primary {
		return f.primary
	}
	return f.sub
}

// Ref returns the reference sequence name.
func (f *Flattener) Ref() string { return f.ref }

// Flatten converts "feat" into one primary row and one row per sub-feature,
// at any depth.  Each call consumes one feature ordinal, even on error, so
// ordinals identify input positions.
//
// The error, if any, is a *FeatureError.
func (f *Flattener) Flatten(feat *feature.Feature) (Flattened, error) {
	ordinal := f.next
	f.next++
	var out Flattened
	if err := checkCoords(feat); err != nil {
		return out, &FeatureError{Ref: f.ref, Ordinal: ordinal, Feature: feat.String(), Err: err}
	}
	values := make([]interface{}, f.primary.Len())
	fillCommon(values, feat)
	values[ColFeature] = int64(ordinal)
	fillExtras(values, f.primary, NumCore(Primary), feat)
	out.Primary = Row{
		Key:    coord.Key{Start: feat.Start, End: feat.End, Kind: uint8(Primary), Feature: ordinal},
		Values: values,
	}

	// onPath holds the ancestors of the sub-feature being visited.  A
	// sub-feature may appear under several parents, but never under itself.
	onPath := map[*feature.Feature]bool{feat: true}
	var walk func(parent *feature.Feature, parentIndex int64) error
	walk = func(parent *feature.Feature, parentIndex int64) error {
		for _, sf := range parent.Subfeatures {
			if onPath[sf] {
				return fmt.Errorf("sub-feature %s is its own ancestor", sf)
			}
			if err := checkCoords(sf); err != nil {
				return fmt.Errorf("sub-feature %s: %v", sf, err)
			}
			index := int64(len(out.Subs))
			values := make([]interface{}, f.sub.Len())
			fillCommon(values, sf)
			values[ColParent] = int64(ordinal)
			values[ColIndex] = index
			values[ColParentIndex] = parentIndex
			fillExtras(values, f.sub, NumCore(Sub), sf)
			out.Subs = append(out.Subs, Row{
				Key: coord.Key{
					Start: sf.Start, End: sf.End, Kind: uint8(Sub),
					Feature: ordinal, Index: int32(index),
				},
				Values: values,
			})
			onPath[sf] = true
			err := walk(sf, index)
			delete(onPath, sf)
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(feat, -1); err != nil {
		return Flattened{}, &FeatureError{Ref: f.ref, Ordinal: ordinal, Feature: feat.String(),
			Err: errors.E(errors.Invalid, err)}
	}
	out.Name = nameRecord(f.ref, ordinal, feat)
	return out, nil
}

func checkCoords(feat *feature.Feature) error {
	switch {
	case feat.Start == coord.InvalidPos:
		return errors.E(errors.Invalid, "missing start coordinate")
	case feat.End == coord.InvalidPos:
		return errors.E(errors.Invalid, "missing end coordinate")
	case feat.Start < 0 || feat.End < feat.Start:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid interval [%d,%d)", feat.Start, feat.End))
	}
	return nil
}

func optString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func fillCommon(values []interface{}, feat *feature.Feature) {
	values[ColStart] = feat.Start
	values[ColEnd] = feat.End
	values[ColStrand] = int64(feat.Strand)
	values[ColType] = optString(feat.Type)
	values[ColSource] = optString(feat.Source)
	if feat.Score != nil {
		values[ColScore] = *feat.Score
	}
	if feat.Phase != feature.NoPhase {
		values[ColPhase] = int64(feat.Phase)
	}
	values[ColName] = optString(feat.Attr(feature.AttrName))
	values[ColID] = optString(feat.Attr(feature.AttrID))
}

func fillExtras(values []interface{}, schema *Schema, nCore int, feat *feature.Feature) {
	for col := nCore; col < schema.Len(); col++ {
		name := schema.Attributes[col]
		attr, ok := feat.Attributes[name]
		if !ok || len(attr) == 0 {
			continue
		}
		if schema.IsArrayAttr[name] {
			values[col] = append([]string(nil), attr...)
		} else {
			values[col] = attr[0]
		}
	}
}

func nameRecord(ref string, ordinal uint64, feat *feature.Feature) *NameRecord {
	var names []string
	seen := map[string]bool{}
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	add(feat.Attr(feature.AttrName))
	add(feat.Attr(feature.AttrID))
	if len(names) == 0 {
		return nil
	}
	for _, a := range feat.Attributes[feature.AttrAlias] {
		add(a)
	}
	return &NameRecord{
		Names:   names,
		Ref:     ref,
		Start:   feat.Start,
		End:     feat.End,
		Feature: ordinal,
		Type:    feat.Type,
	}
}
