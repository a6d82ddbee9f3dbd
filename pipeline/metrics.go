package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the work done by units, labelled by track.
type Metrics struct {
	Features    *prometheus.CounterVec
	Skipped     *prometheus.CounterVec
	Rows        *prometheus.CounterVec
	Chunks      *prometheus.CounterVec
	Spills      *prometheus.CounterVec
	Units       *prometheus.CounterVec
	UnitSeconds *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with "reg", if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracks",
			Name:      name,
			Help:      help,
		}, labels)
	}
	m := &Metrics{
		Features: counter("features_total", "Features indexed", "track"),
		Skipped:  counter("skipped_features_total", "Features skipped because of input errors", "track"),
		Rows:     counter("rows_total", "Rows written to chunks", "track"),
		Chunks:   counter("chunks_total", "Chunks written", "track"),
		Spills:   counter("sort_spills_total", "Sorted runs spilled to disk", "track"),
		Units:    counter("units_total", "Units processed, by outcome: succeeded, partial or failed", "track", "outcome"),
		UnitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tracks",
			Name:      "unit_duration_seconds",
			Help:      "Wall time to index one (reference, track) unit",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"track"}),
	}
	if reg != nil {
		reg.MustRegister(m.Features, m.Skipped, m.Rows, m.Chunks, m.Spills, m.Units, m.UnitSeconds)
	}
	return m
}

func (m *Metrics) observe(r *Result, err error, seconds float64) {
	if m == nil {
		return
	}
	label := r.Track
	m.Skipped.WithLabelValues(label).Add(float64(r.Skipped))
	m.Spills.WithLabelValues(label).Add(float64(r.Spills))
	m.UnitSeconds.WithLabelValues(label).Observe(seconds)
	if err != nil && !r.Published {
		m.Units.WithLabelValues(label, "failed").Inc()
		return
	}
	m.Features.WithLabelValues(label).Add(float64(r.Features))
	m.Rows.WithLabelValues(label).Add(float64(r.Rows))
	m.Chunks.WithLabelValues(label).Add(float64(r.Chunks))
	if err != nil {
		m.Units.WithLabelValues(label, "partial").Inc()
		return
	}
	m.Units.WithLabelValues(label, "succeeded").Inc()
}
