package report_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/malbeclabs/linkbench/internal/report"
	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/stats"
	"github.com/stretchr/testify/require"
)

var start = time.Unix(1_700_000_000, 0).UTC()

func testSet(t *testing.T) *sampler.SampleSet {
	t.Helper()
	set := sampler.NewSampleSet(start)

	btc := sampler.NewGroup(sampler.GroupKey{Channel: sampler.ChannelReqRep, Symbol: "BTC"}, sampler.MeasurementRoundTrip)
	btc.WindowStart = start
	btc.WindowEnd = start.Add(time.Second)
	for i := 1; i <= 5; i++ {
		sent := start.Add(time.Duration(i) * 10 * time.Millisecond)
		s, err := sampler.NewSample("BTC", sampler.ChannelReqRep, sampler.MeasurementRoundTrip, uint64(i), sent, sent.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, btc.Append(s))
	}
	require.NoError(t, set.Merge(btc))

	idle := sampler.NewGroup(sampler.GroupKey{Channel: sampler.ChannelPubSub, Symbol: "ETH"}, "")
	idle.Err = errors.New("unauthorized")
	require.NoError(t, set.Merge(idle))

	set.Close(start.Add(2 * time.Second))
	return set
}

func testRun(t *testing.T) report.Run {
	set := testSet(t)
	return report.Run{
		Version:   "v0.0.0-test",
		StartedAt: set.StartedAt,
		EndedAt:   set.EndedAt,
		Outcome:   report.OutcomeOK,
		Config:    map[string]any{"min_samples": 5},
		Reports:   stats.Summarize(set),
		Samples:   set,
	}
}

func TestReport_Emit_WritesAllOutputs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	paths := report.Paths{
		Record:  filepath.Join(dir, "record.json"),
		Summary: filepath.Join(dir, "summary.txt"),
		Samples: filepath.Join(dir, "samples.csv"),
	}

	rec, summary, err := report.Emit(testRun(t), paths)
	require.NoError(t, err)

	require.Equal(t, report.RecordVersion, rec.RecordVersion)
	require.Equal(t, stats.Method, rec.Method)
	require.Equal(t, (2 * time.Second).Nanoseconds(), rec.DurationNS)
	require.Len(t, rec.Groups, 2)
	require.Contains(t, rec.Groups, "REQ_REP/BTC")
	require.Contains(t, rec.Groups, "PUB_SUB/ETH")
	require.True(t, rec.Groups["PUB_SUB/ETH"].NoData)

	data, err := os.ReadFile(paths.Record)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "ok", decoded["outcome"])
	require.Equal(t, "linear_interpolation", decoded["method"])
	groups := decoded["groups"].(map[string]any)
	btc := groups["REQ_REP/BTC"].(map[string]any)
	require.Equal(t, "round_trip", btc["measurement"])
	require.EqualValues(t, 5, btc["count"])
	require.EqualValues(t, 3e6, btc["stats"].(map[string]any)["p50_ns"])
	eth := groups["PUB_SUB/ETH"].(map[string]any)
	require.Equal(t, true, eth["no_data"])
	require.NotContains(t, eth, "stats")
	require.Equal(t, "unauthorized", eth["error"])

	written, err := os.ReadFile(paths.Summary)
	require.NoError(t, err)
	require.Equal(t, summary, string(written))

	f, err := os.Open(paths.Samples)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6)
	require.Equal(t, "latency_ns", rows[0][6])
	require.Equal(t, []string{"REQ_REP", "BTC", "round_trip", "1"}, rows[1][:4])
	require.Equal(t, "1000000", rows[1][6])

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestReport_Emit_SkipsEmptyPaths(t *testing.T) {
	t.Parallel()

	rec, summary, err := report.Emit(testRun(t), report.Paths{})
	require.NoError(t, err)
	require.NotEmpty(t, summary)
	require.Len(t, rec.Groups, 2)
}

func TestReport_Emit_OverwritesExistingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "record.json")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))

	_, _, err := report.Emit(testRun(t), report.Paths{Record: path})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, json.Valid(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestReport_Emit_MissingDirectoryFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing", "record.json")
	rec, summary, err := report.Emit(testRun(t), report.Paths{Record: path})
	require.Error(t, err)
	require.NotEmpty(t, summary)
	require.Len(t, rec.Groups, 2)
}

func TestReport_Summary(t *testing.T) {
	t.Parallel()

	run := testRun(t)
	run.Outcome = report.OutcomeOK
	run.Interrupted = true
	summary := report.Summary(run)

	require.Contains(t, summary, "Outcome: ok (interrupted)")
	require.Contains(t, summary, "linear_interpolation")
	require.Contains(t, summary, "BTC")
	require.Contains(t, summary, "3.000") // P50 in ms
	require.Contains(t, summary, "no data")
	require.Contains(t, summary, "error: unauthorized")

	// Groups sort by channel, then symbol.
	require.Less(t, strings.Index(summary, "PUB_SUB"), strings.Index(summary, "REQ_REP"))
}

type fakeWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (f *fakeWriteAPI) WritePoint(_ context.Context, points ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func TestReport_InfluxSink_Write(t *testing.T) {
	t.Parallel()

	log := log.With("test", t.Name())
	api := &fakeWriteAPI{}
	sink := report.NewInfluxSink(log, api)

	rec := report.NewRecord(testRun(t))
	require.NoError(t, sink.Write(context.Background(), rec))
	require.Len(t, api.points, 2)

	var lines bytes.Buffer
	for _, p := range api.points {
		require.Equal(t, report.InfluxMeasurement, p.Name())
		lines.WriteString(write.PointToLineProtocol(p, time.Nanosecond))
	}
	out := lines.String()
	require.Contains(t, out, "symbol=BTC")
	require.Contains(t, out, "measurement_kind=round_trip")
	require.Contains(t, out, "p50_ns=")
	require.Contains(t, out, "no_data=true")

	api.err = errors.New("boom")
	require.Error(t, sink.Write(context.Background(), rec))
}

func TestReport_InfluxConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, report.InfluxConfig{}.Validate())
	require.False(t, report.InfluxConfig{}.Enabled())
	require.Error(t, report.InfluxConfig{URL: "http://localhost:8086"}.Validate())
	require.Error(t, report.InfluxConfig{URL: "http://localhost:8086", Org: "o", Bucket: "b"}.Validate())
	require.NoError(t, report.InfluxConfig{URL: "http://localhost:8086", Org: "o", Bucket: "b", Token: "t"}.Validate())
}
