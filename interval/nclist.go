package interval

import (
	"sort"
)

// Extent is a half-open interval [Start, End) tagged with an identifier,
// e.g. a chunk id.
type Extent struct {
	ID    int   `json:"id"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Overlaps returns true iff e shares at least one position with
// [start, end).  An empty extent [p, p) overlaps the ranges with
// start < p < end, as in coord.Overlaps.
func (e Extent) Overlaps(start, end int64) bool {
	return e.Start < end && start < e.End
}

// Node is an element of a nested containment list.  Sub lists the extents
// contained in the node's extent.
type Node struct {
	Extent
	Sub []Node `json:"sub,omitempty"`
}

// NCList is a nested containment list (Alekseyenko & Lee, 2007).  Each list
// holds extents none of which contains another, so within a list both starts
// and ends are increasing.  An extent contained in another is stored in the
// container's sublist.  The zero value is an empty list.
//
// NCList is immutable after Build and safe for concurrent queries. It
// marshals to JSON as nested node lists.
type NCList struct {
	Nodes []Node `json:"nodes"`
	N     int    `json:"n"`
}

// Build creates a nested containment list.  Extents are sorted by increasing
// start, then decreasing end; extents produced in that order are not
// reordered.
func Build(extents []Extent) *NCList {
	sorted := append([]Extent(nil), extents...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	// Nodes are built bottom up: a node is complete once an extent that it
	// does not contain arrives.
	type pending struct {
		ext Extent
		sub []Node
	}
	var (
		top   []Node
		stack []pending
	)
	pop := func() {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := Node{Extent: p.ext, Sub: p.sub}
		if len(stack) == 0 {
			top = append(top, n)
		} else {
			parent := &stack[len(stack)-1]
			parent.sub = append(parent.sub, n)
		}
	}
	for _, e := range sorted {
		// Since starts are non-decreasing, e is contained in the stack top iff
		// it ends no later.
		for len(stack) > 0 && stack[len(stack)-1].ext.End < e.End {
			pop()
		}
		stack = append(stack, pending{ext: e})
	}
	for len(stack) > 0 {
		pop()
	}
	return &NCList{Nodes: top, N: len(extents)}
}

// Len returns the number of extents.
func (l *NCList) Len() int { return l.N }

// Overlapping calls fn for every extent that overlaps [start, end), in
// preorder: a container is reported before the extents it contains, and
// siblings in increasing order.  Iteration stops if fn returns false.
func (l *NCList) Overlapping(start, end int64, fn func(e Extent) bool) {
	if start >= end {
		return
	}
	overlapping(l.Nodes, start, end, fn)
}

func overlapping(nodes []Node, start, end int64, fn func(e Extent) bool) bool {
	// Ends are increasing within a list, so skip the nodes ending at or
	// before "start".
	i := sort.Search(len(nodes), func(i int) bool { return nodes[i].End > start })
	for ; i < len(nodes) && nodes[i].Start < end; i++ {
		n := &nodes[i]
		if !fn(n.Extent) {
			return false
		}
		if len(n.Sub) > 0 && !overlapping(n.Sub, start, end, fn) {
			return false
		}
	}
	return true
}

// Query returns the IDs of the extents overlapping [start, end), sorted
// in increasing order.
func (l *NCList) Query(start, end int64) []int {
	var ids []int
	l.Overlapping(start, end, func(e Extent) bool {
		ids = append(ids, e.ID)
		return true
	})
	sort.Ints(ids)
	return ids
}

// Extents returns all extents, sorted by increasing start, then decreasing
// end.
func (l *NCList) Extents() []Extent {
	var out []Extent
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			out = append(out, n.Extent)
			walk(n.Sub)
		}
	}
	walk(l.Nodes)
	return out
}
