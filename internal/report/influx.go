package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/stats"
)

// InfluxMeasurement is the measurement name of the per-group points.
const InfluxMeasurement = "linkbench_group_report"

type InfluxConfig struct {
	URL    string `yaml:"url" json:"url"`
	Org    string `yaml:"org" json:"org"`
	Bucket string `yaml:"bucket" json:"bucket"`

	// Token is read from the environment only.
	Token string `yaml:"-" json:"-"`
}

func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

func (c InfluxConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Org == "" || c.Bucket == "" {
		return errors.New("influx org and bucket are required when url is set")
	}
	if c.Token == "" {
		return errors.New("INFLUX_TOKEN is required when influx url is set")
	}
	return nil
}

// PointWriter is the subset of the influx blocking write API the sink uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes one point per group report.
type InfluxSink struct {
	log    *slog.Logger
	writer PointWriter
}

func NewInfluxSink(log *slog.Logger, writer PointWriter) *InfluxSink {
	return &InfluxSink{log: log, writer: writer}
}

// DialInflux returns a sink backed by a real influx client, and a func that
// closes the client.
func DialInflux(log *slog.Logger, cfg InfluxConfig) (*InfluxSink, func()) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return NewInfluxSink(log, client.WriteAPIBlocking(cfg.Org, cfg.Bucket)), client.Close
}

func (s *InfluxSink) Write(ctx context.Context, rec Record) error {
	points := make([]*write.Point, 0, len(rec.Groups))
	for _, r := range rec.Groups {
		points = append(points, reportPoint(rec, r))
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeInfluxWrite).Inc()
		return fmt.Errorf("failed to write influx points: %w", err)
	}
	s.log.Debug("Wrote group reports to influx", "points", len(points))
	return nil
}

func reportPoint(rec Record, r stats.Report) *write.Point {
	tags := map[string]string{
		"channel": string(r.Channel),
		"symbol":  r.Symbol,
		"outcome": string(rec.Outcome),
	}
	if r.Measurement != "" {
		tags["measurement_kind"] = string(r.Measurement)
	}
	fields := map[string]any{
		"count":     int64(r.Count),
		"dropped":   int64(r.Dropped),
		"discarded": int64(r.Discarded),
		"loss_rate": r.LossRate,
		"no_data":   r.NoData,
	}
	if r.Stats != nil {
		fields["min_ns"] = r.Stats.MinNS
		fields["p50_ns"] = r.Stats.P50NS
		fields["p95_ns"] = r.Stats.P95NS
		fields["p99_ns"] = r.Stats.P99NS
		fields["max_ns"] = r.Stats.MaxNS
		fields["mean_ns"] = r.Stats.MeanNS
		fields["jitter_ns"] = r.Stats.JitterNS
		fields["throughput"] = r.Stats.Throughput
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	ts := r.WindowEnd
	if ts.IsZero() {
		ts = rec.EndedAt
	}
	return write.NewPoint(InfluxMeasurement, tags, fields, ts)
}
