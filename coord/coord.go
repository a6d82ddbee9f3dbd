// Package coord defines genomic intervals and the row sort order used
// throughout the track indexer.
package coord

// This file adds comparison methods to Interval and Key.

import (
	"fmt"
	"math"
)

const (
	// InfinityPos is 1+ the largest possible position.
	InfinityPos = math.MaxInt64

	// InvalidPos marks a coordinate that was absent from the input.  We use -2
	// instead of -1 because some formats use -1 for "unplaced".
	InvalidPos = int64(-2)
)

// Interval is a half-open range [Start, End) on one reference sequence.
type Interval struct {
	Ref   string `json:"ref,omitempty"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// Valid returns true iff both coordinates are present and Start <= End.
func (r Interval) Valid() bool {
	return r.Start != InvalidPos && r.End != InvalidPos && r.Start >= 0 && r.Start <= r.End
}

// Len returns End-Start.
func (r Interval) Len() int64 { return r.End - r.Start }

// Intersects returns true iff (r ∩ r1) != ∅.  Reference names are not
// compared.
func (r Interval) Intersects(r1 Interval) bool {
	return Overlaps(r.Start, r.End, r1.Start, r1.End)
}

// ContainsRange returns true iff (a ∩ r) = a.
func (r Interval) ContainsRange(a Interval) bool {
	return r.Start <= a.Start && a.End <= r.End
}

// Union returns the smallest interval covering both r and r1.
func (r Interval) Union(r1 Interval) Interval {
	u := r
	if r1.Start < u.Start {
		u.Start = r1.Start
	}
	if r1.End > u.End {
		u.End = r1.End
	}
	return u
}

func (r Interval) String() string {
	if r.Ref == "" {
		return fmt.Sprintf("[%d,%d)", r.Start, r.End)
	}
	return fmt.Sprintf("%s:[%d,%d)", r.Ref, r.Start, r.End)
}

// Overlaps checks whether [start0,end0) and [start1,end1) share at least one
// position.
func Overlaps(start0, end0, start1, end1 int64) bool {
	return start0 < end1 && start1 < end0
}

// Key is the sort key of a row.  Rows are ordered by increasing start, then
// by decreasing end, so the longest of the rows starting at a position comes
// first.  The remaining fields only disambiguate rows that are otherwise
// equal, so that the order is total and every sort of the same rows yields
// the same sequence.
type Key struct {
	Start int64
	End   int64
	// Kind is 0 for a primary feature row, 1 for a sub-feature row.
	Kind uint8
	// Feature is the ordinal of the owning primary feature.
	Feature uint64
	// Index is the position of a sub-feature row within its feature. Zero for
	// primary rows.
	Index int32
}

// Compare returns (negative int, 0, positive int) if (k<k1, k=k1, k>k1)
// respectively.
func (k Key) Compare(k1 Key) int {
	switch {
	case k.Start < k1.Start:
		return -1
	case k.Start > k1.Start:
		return 1
	case k.End > k1.End:
		return -1
	case k.End < k1.End:
		return 1
	case k.Kind != k1.Kind:
		return int(k.Kind) - int(k1.Kind)
	case k.Feature < k1.Feature:
		return -1
	case k.Feature > k1.Feature:
		return 1
	}
	return int(k.Index - k1.Index)
}

// LT returns true iff k < k1.
func (k Key) LT(k1 Key) bool {
	return k.Compare(k1) < 0
}

// LE returns true iff k <= k1.
func (k Key) LE(k1 Key) bool {
	return k.Compare(k1) <= 0
}

func (k Key) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d,%d)", k.Start, k.End, k.Kind, k.Feature, k.Index)
}
