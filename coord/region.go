package coord

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRegion parses a region string of one of the forms
//
//	[ref]:[1-based first pos]-[last pos]
//	[ref]:[1-based pos]
//	[ref]
//
// returning a zero-based half-open interval.  The interval [0, InfinityPos)
// is returned if there is no positional restriction.  Commas in numbers are
// ignored, so "chr1:1,000-2,000" works.
func ParseRegion(region string) (result Interval, err error) {
	if len(region) == 0 {
		err = fmt.Errorf("coord.ParseRegion: empty region string")
		return
	}
	colonPos := strings.LastIndexByte(region, ':')
	if colonPos == -1 {
		return Interval{Ref: region, Start: 0, End: InfinityPos}, nil
	}
	if colonPos == 0 {
		err = fmt.Errorf("coord.ParseRegion: empty reference name in %q", region)
		return
	}
	result.Ref = region[:colonPos]
	rangeStr := strings.Replace(region[colonPos+1:], ",", "", -1)
	dashPos := strings.IndexByte(rangeStr, '-')
	if dashPos == -1 {
		var pos1 int64
		if pos1, err = strconv.ParseInt(rangeStr, 10, 64); err != nil {
			return
		}
		if pos1 <= 0 {
			err = fmt.Errorf("coord.ParseRegion: position %v in region string out of range", rangeStr)
			return
		}
		result.Start = pos1 - 1
		result.End = pos1
		return
	}
	var start1, end int64
	if start1, err = strconv.ParseInt(rangeStr[:dashPos], 10, 64); err != nil {
		return
	}
	if start1 <= 0 {
		err = fmt.Errorf("coord.ParseRegion: position %v in region string out of range", rangeStr[:dashPos])
		return
	}
	if end, err = strconv.ParseInt(rangeStr[dashPos+1:], 10, 64); err != nil {
		return
	}
	if end < start1 {
		err = fmt.Errorf("coord.ParseRegion: invalid range string %v", rangeStr)
		return
	}
	result.Start = start1 - 1
	result.End = end
	return
}
