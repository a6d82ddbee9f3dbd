package trackio

const (
	// DefaultHistogramBinSize is the default width of the finest histogram
	// bins, in bases.
	DefaultHistogramBinSize = 10000
	// maxHistogramBins caps the number of finest bins.  The bin size derived
	// from the reference length respects it; a feature beyond the last bin
	// widens the bins instead.
	maxHistogramBins = 100000
	// numHistogramLevels is the number of histogram levels. Each level's bins
	// are 10x wider than the previous level's.
	numHistogramLevels = 3
)

// Histogram counts primary feature starts in fixed-width bins.
type Histogram struct {
	BasesPerBin int64   `json:"basesPerBin"`
	Counts      []int64 `json:"counts"`
	Max         int64   `json:"max"`
	Mean        float64 `json:"mean"`
}

// histogramBinSize picks the width of the finest bins.
func histogramBinSize(configured, refLength int64) int64 {
	if configured > 0 {
		return configured
	}
	size := int64(DefaultHistogramBinSize)
	for refLength > 0 && refLength/size > maxHistogramBins {
		size *= 10
	}
	return size
}

type histogramBuilder struct {
	binSize int64
	counts  []int64
}

func (h *histogramBuilder) add(start int64) {
	bin := start / h.binSize
	for bin >= maxHistogramBins {
		h.coarsen()
		bin = start / h.binSize
	}
	if n := int(bin) + 1; n > len(h.counts) {
		h.counts = append(h.counts, make([]int64, n-len(h.counts))...)
	}
	h.counts[bin]++
}

// coarsen merges every ten bins into one.
func (h *histogramBuilder) coarsen() {
	coarse := make([]int64, (len(h.counts)+9)/10)
	for i, c := range h.counts {
		coarse[i/10] += c
	}
	h.counts, h.binSize = coarse, h.binSize*10
}

// levels returns the finest histogram followed by successively coarser ones.
func (h *histogramBuilder) levels() []Histogram {
	if len(h.counts) == 0 {
		return nil
	}
	var out []Histogram
	counts, binSize := h.counts, h.binSize
	for level := 0; level < numHistogramLevels; level++ {
		hist := Histogram{BasesPerBin: binSize, Counts: counts}
		var total int64
		for _, c := range counts {
			total += c
			if c > hist.Max {
				hist.Max = c
			}
		}
		hist.Mean = float64(total) / float64(len(counts))
		out = append(out, hist)

		coarse := make([]int64, (len(counts)+9)/10)
		for i, c := range counts {
			coarse[i/10] += c
		}
		counts, binSize = coarse, binSize*10
	}
	return out
}
