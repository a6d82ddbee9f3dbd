// Package interval indexes the extents of track chunks for range queries.
//
// Chunks are written in sort order, so their starts are non-decreasing, but
// their ends are not monotone: one long feature may stretch a chunk past many
// of its successors.  A nested containment list keeps queries logarithmic in
// the number of chunks plus linear in the output.
package interval
