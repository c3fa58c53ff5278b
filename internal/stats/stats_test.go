package stats_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func near(t *testing.T, got, want, tol float64) { assert.InDelta(t, want, got, tol) }

func groupOf(t *testing.T, key sampler.GroupKey, start time.Time, window time.Duration, latencies ...time.Duration) *sampler.Group {
	t.Helper()
	g := sampler.NewGroup(key, sampler.MeasurementRoundTrip)
	g.WindowStart = start
	g.WindowEnd = start.Add(window)
	for i, l := range latencies {
		sent := start.Add(time.Duration(i) * time.Millisecond)
		s, err := sampler.NewSample(key.Symbol, key.Channel, sampler.MeasurementRoundTrip, uint64(i+1), sent, sent.Add(l))
		require.NoError(t, err)
		require.NoError(t, g.Append(s))
	}
	return g
}

func closedSet(t *testing.T, groups ...*sampler.Group) *sampler.SampleSet {
	t.Helper()
	start := time.Unix(1_700_000_000, 0)
	set := sampler.NewSampleSet(start)
	for _, g := range groups {
		require.NoError(t, set.Merge(g))
	}
	set.Close(start.Add(time.Minute))
	return set
}

func TestStats_Percentile_LinearInterpolation(t *testing.T) {
	t.Parallel()

	sorted := []float64{1, 2, 3, 4, 5}
	near(t, stats.Percentile(sorted, 0.50), 3, 0)
	near(t, stats.Percentile(sorted, 0.95), 4.8, 1e-9)
	near(t, stats.Percentile(sorted, 0.99), 4.96, 1e-9)
	near(t, stats.Percentile(sorted, 0), 1, 0)
	near(t, stats.Percentile(sorted, 1), 5, 0)

	near(t, stats.Percentile([]float64{10, 20}, 0.5), 15, 0)
	near(t, stats.Percentile([]float64{7}, 0.99), 7, 0)
	assert.True(t, math.IsNaN(stats.Percentile(nil, 0.5)))
}

func TestStats_Summarize_OneToFiveMilliseconds(t *testing.T) {
	t.Parallel()

	key := sampler.GroupKey{Channel: sampler.ChannelReqRep, Symbol: "BTC"}
	start := time.Unix(1_700_000_000, 0)
	g := groupOf(t, key, start, 2*time.Second,
		3*time.Millisecond, 1*time.Millisecond, 5*time.Millisecond, 2*time.Millisecond, 4*time.Millisecond)
	g.Dropped = 1

	reports := stats.Summarize(closedSet(t, g))
	require.Len(t, reports, 1)
	r := reports[0]

	assert.Equal(t, stats.Method, r.Method)
	assert.Equal(t, sampler.MeasurementRoundTrip, r.Measurement)
	assert.Equal(t, 5, r.Count)
	assert.False(t, r.NoData)
	near(t, r.LossRate, 1.0/6.0, 1e-12)
	require.NotNil(t, r.Stats)

	ms := float64(time.Millisecond)
	near(t, r.Stats.MinNS, 1*ms, 0)
	near(t, r.Stats.P50NS, 3*ms, 0)
	near(t, r.Stats.P95NS, 4.8*ms, 1e-6)
	near(t, r.Stats.P99NS, 4.96*ms, 1e-6)
	near(t, r.Stats.MaxNS, 5*ms, 0)
	near(t, r.Stats.MeanNS, 3*ms, 1e-6)
	near(t, r.Stats.StdDevNS, math.Sqrt2*ms, 1e-3)
	// |1-3| + |5-1| + |2-5| + |4-2| = 11 over 4 deltas.
	near(t, r.Stats.JitterNS, 2.75*ms, 1e-6)
	near(t, r.Stats.Throughput, 2.5, 1e-12)
}

func TestStats_Summarize_EmptyGroupIsNoData(t *testing.T) {
	t.Parallel()

	key := sampler.GroupKey{Channel: sampler.ChannelPubSub, Symbol: "IDLE"}
	g := sampler.NewGroup(key, "")
	g.Dropped = 3
	g.Err = errors.New("unauthorized")

	reports := stats.Summarize(closedSet(t, g))
	require.Len(t, reports, 1)
	r := reports[0]

	assert.True(t, r.NoData)
	assert.Nil(t, r.Stats)
	assert.Zero(t, r.Count)
	near(t, r.LossRate, 1, 0)
	assert.Equal(t, "unauthorized", r.Error)
}

func TestStats_Summarize_ZeroWindowHasNoThroughput(t *testing.T) {
	t.Parallel()

	key := sampler.GroupKey{Channel: sampler.ChannelReqRep, Symbol: "BTC"}
	g := groupOf(t, key, time.Unix(1_700_000_000, 0), 0, time.Millisecond)

	r := stats.SummarizeGroup(g)
	require.NotNil(t, r.Stats)
	assert.Zero(t, r.Stats.Throughput)
	assert.False(t, math.IsInf(r.Stats.Throughput, 0))
}

func TestStats_Summarize_PercentilesAreOrdered(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for n := 1; n <= 200; n += 7 {
		ordered := make([]float64, n)
		for i := range ordered {
			ordered[i] = float64(rng.IntN(50_000_000))
		}
		st := stats.Compute(ordered)
		require.LessOrEqual(t, st.MinNS, st.P50NS, "n=%d", n)
		require.LessOrEqual(t, st.P50NS, st.P95NS, "n=%d", n)
		require.LessOrEqual(t, st.P95NS, st.P99NS, "n=%d", n)
		require.LessOrEqual(t, st.P99NS, st.MaxNS, "n=%d", n)
		require.GreaterOrEqual(t, st.MinNS, 0.0)
		require.GreaterOrEqual(t, st.JitterNS, 0.0)
	}
}

func TestStats_Summarize_Deterministic(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	build := func() *sampler.SampleSet {
		return closedSet(t,
			groupOf(t, sampler.GroupKey{Channel: sampler.ChannelReqRep, Symbol: "ETH"}, start, time.Second, 4*time.Millisecond, 9*time.Millisecond),
			groupOf(t, sampler.GroupKey{Channel: sampler.ChannelReqRep, Symbol: "BTC"}, start, time.Second, 2*time.Millisecond, 7*time.Millisecond, time.Millisecond),
			groupOf(t, sampler.GroupKey{Channel: sampler.ChannelPubSub, Symbol: "BTC"}, start, time.Second),
		)
	}

	first := stats.Summarize(build())
	second := stats.Summarize(build())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("reports differ between identical runs (-first +second):\n%s", diff)
	}

	require.Len(t, first, 3)
	assert.Equal(t, sampler.ChannelPubSub, first[0].Channel)
	assert.Equal(t, "BTC", first[1].Symbol)
	assert.Equal(t, "ETH", first[2].Symbol)
}
