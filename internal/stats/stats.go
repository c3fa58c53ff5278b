// Package stats summarizes closed sample sets into per-group latency reports.
package stats

import (
	"math"
	"slices"
	"time"

	"github.com/malbeclabs/linkbench/internal/sampler"
)

// Method names the percentile estimator in report metadata.
const Method = "linear_interpolation"

type Report struct {
	Channel     sampler.Channel     `json:"channel"`
	Symbol      string              `json:"symbol"`
	Measurement sampler.Measurement `json:"measurement,omitempty"`
	Method      string              `json:"method"`

	Count     int     `json:"count"`
	Dropped   int     `json:"dropped"`
	Discarded int     `json:"discarded"`
	LossRate  float64 `json:"loss_rate"` // dropped / (count + dropped)

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// NoData is set when the group recorded no samples. Stats is nil then.
	NoData bool   `json:"no_data"`
	Stats  *Stats `json:"stats,omitempty"`

	// Error is the terminal error that stopped the group early.
	Error string `json:"error,omitempty"`
}

// Stats holds the latency distribution of a group, in nanoseconds.
type Stats struct {
	MinNS    float64 `json:"min_ns"`
	P50NS    float64 `json:"p50_ns"`
	P95NS    float64 `json:"p95_ns"`
	P99NS    float64 `json:"p99_ns"`
	MaxNS    float64 `json:"max_ns"`
	MeanNS   float64 `json:"mean_ns"`
	StdDevNS float64 `json:"stddev_ns"` // population
	JitterNS float64 `json:"jitter_ns"` // mean(|Δlatency|) in arrival order

	// Throughput is samples per second over the group window.
	Throughput float64 `json:"throughput"`
}

// Summarize computes one report per group of a closed sample set, in the
// set's group order.
func Summarize(set *sampler.SampleSet) []Report {
	groups := set.Groups()
	reports := make([]Report, 0, len(groups))
	for _, g := range groups {
		reports = append(reports, SummarizeGroup(g))
	}
	return reports
}

// SummarizeGroup computes the report of a single group.
func SummarizeGroup(g *sampler.Group) Report {
	r := Report{
		Channel:     g.Key.Channel,
		Symbol:      g.Key.Symbol,
		Measurement: g.Measurement,
		Method:      Method,
		Count:       len(g.Samples),
		Dropped:     g.Dropped,
		Discarded:   g.Discarded,
		WindowStart: g.WindowStart,
		WindowEnd:   g.WindowEnd,
	}
	if g.Err != nil {
		r.Error = g.Err.Error()
	}
	if total := r.Count + r.Dropped; total > 0 {
		r.LossRate = float64(r.Dropped) / float64(total)
	}
	if r.Count == 0 {
		r.NoData = true
		return r
	}

	ordered := make([]float64, len(g.Samples))
	for i, s := range g.Samples {
		ordered[i] = float64(s.LatencyNS)
	}
	st := Compute(ordered)
	if window := g.Window(); window > 0 {
		st.Throughput = float64(r.Count) / window.Seconds()
	}
	r.Stats = &st
	return r
}

// Compute returns the distribution of latencies given in arrival order. It
// must be called with at least one value.
func Compute(ordered []float64) Stats {
	sorted := slices.Clone(ordered)
	slices.Sort(sorted)

	// Mean/variance with Welford's algorithm (population)
	var mean, m2 float64
	for i, v := range sorted {
		delta := v - mean
		mean += delta / float64(i+1)
		m2 += delta * (v - mean)
	}
	variance := m2 / float64(len(sorted))
	if variance < 0 {
		variance = 0
	}

	var jitter float64
	if len(ordered) > 1 {
		var sum float64
		for i := 1; i < len(ordered); i++ {
			sum += math.Abs(ordered[i] - ordered[i-1])
		}
		jitter = sum / float64(len(ordered)-1)
	}

	return Stats{
		MinNS:    sorted[0],
		P50NS:    Percentile(sorted, 0.50),
		P95NS:    Percentile(sorted, 0.95),
		P99NS:    Percentile(sorted, 0.99),
		MaxNS:    sorted[len(sorted)-1],
		MeanNS:   mean,
		StdDevNS: math.Sqrt(variance),
		JitterNS: jitter,
	}
}

// Percentile returns the p-quantile (0 <= p <= 1) of sorted by linear
// interpolation between the closest order statistics, h = (n-1)p.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return math.NaN()
	case n == 1 || p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[n-1]
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
