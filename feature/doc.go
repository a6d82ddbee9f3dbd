/*
Package feature defines the genomic annotation features consumed by the track
indexer, and the sources that produce them.

A Source streams the features of one reference sequence, optionally restricted
to a set of feature types.  Implementations exist for in-memory slices, GFF3,
BED and BAM files.  A Feature may carry nested sub-features of the same shape
(transcripts, exons, CDS, alignment blocks).

Coordinates are zero-based and half-open.  A coordinate absent from the input
is represented by coord.InvalidPos; such features are rejected downstream, one
at a time, without failing the rest of the stream.
*/
package feature
