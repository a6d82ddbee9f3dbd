package feature

import (
	"context"
)

// Source produces features for a reference sequence.  Thread safe: distinct
// calls to Features may run concurrently, each producing its own Iterator.
type Source interface {
	// Features returns the primary features on "ref" whose Type is in
	// "types". An empty "types" accepts every feature. The iterator is
	// single-pass.
	Features(ctx context.Context, ref string, types []string) Iterator
}

// RefLister is implemented by sources that can enumerate the reference
// sequences they mention.
type RefLister interface {
	// Refs lists reference sequence names in order of first appearance.
	Refs(ctx context.Context) ([]string, error)
}

// Iterator iterates over features. Thread compatible.
type Iterator interface {
	// Scan advances to the next feature. It returns false at the end of the
	// stream or on error; the error can be retrieved by calling Err().
	Scan() bool

	// Feature returns the current feature. This must be called only after a
	// call to Scan() returns true.
	Feature() *Feature

	// Err returns the error encountered during iteration, or nil. io.EOF is
	// translated to nil.
	Err() error

	// Close must be called exactly once. It returns the value of Err().
	Close() error
}

// TypeFilter is a set of accepted feature types.  A nil or empty filter
// accepts everything.
type TypeFilter map[string]bool

// NewTypeFilter creates a filter from a list of types.
func NewTypeFilter(types []string) TypeFilter {
	if len(types) == 0 {
		return nil
	}
	m := make(TypeFilter, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// Accept returns true if features of type "t" pass the filter.
func (f TypeFilter) Accept(t string) bool {
	return len(f) == 0 || f[t]
}

type errorIterator struct {
	err error
}

func (i *errorIterator) Scan() bool        { return false }
func (i *errorIterator) Feature() *Feature { panic("shall not be called") }
func (i *errorIterator) Err() error        { return i.err }
func (i *errorIterator) Close() error      { return i.err }

// NewErrorIterator creates an Iterator that yields no feature and returns "err"
// in Err and Close.
func NewErrorIterator(err error) Iterator {
	return &errorIterator{err: err}
}

// sliceIterator yields features from a slice.
type sliceIterator struct {
	feats []*Feature
	cur   *Feature
	err   error
}

// NewSliceIterator creates an Iterator over "feats".
func NewSliceIterator(feats []*Feature) Iterator {
	return &sliceIterator{feats: feats}
}

func (i *sliceIterator) Scan() bool {
	if len(i.feats) == 0 {
		i.cur = nil
		return false
	}
	i.cur, i.feats = i.feats[0], i.feats[1:]
	return true
}

func (i *sliceIterator) Feature() *Feature { return i.cur }
func (i *sliceIterator) Err() error        { return i.err }
func (i *sliceIterator) Close() error      { return i.err }

// MemSource is a Source backed by an in-memory slice of features.
type MemSource struct {
	Feats []*Feature
}

// Features implements Source.
func (s *MemSource) Features(ctx context.Context, ref string, types []string) Iterator {
	filter := NewTypeFilter(types)
	var feats []*Feature
	for _, f := range s.Feats {
		if f.Ref == ref && filter.Accept(f.Type) {
			feats = append(feats, f)
		}
	}
	return NewSliceIterator(feats)
}

// Refs implements RefLister.
func (s *MemSource) Refs(ctx context.Context) ([]string, error) {
	var refs []string
	seen := map[string]bool{}
	for _, f := range s.Feats {
		if !seen[f.Ref] {
			seen[f.Ref] = true
			refs = append(refs, f.Ref)
		}
	}
	return refs, nil
}
