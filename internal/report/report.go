// Package report renders run results as a structured JSON record and a
// human-readable summary, and writes them to caller-given paths.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/stats"
)

// RecordVersion is bumped on incompatible changes to the record layout.
const RecordVersion = 1

type Outcome string

const (
	// OutcomeOK is a completed run with at least one sample.
	OutcomeOK Outcome = "ok"
	// OutcomeNoData is a completed run in which no group recorded a sample.
	OutcomeNoData Outcome = "no_data"
)

// Run is everything the emitter needs to describe a finished run.
type Run struct {
	Version     string
	StartedAt   time.Time
	EndedAt     time.Time
	Outcome     Outcome
	Interrupted bool

	// Config is the sanitized effective configuration. It must not carry secrets.
	Config any

	Reports []stats.Report

	// Samples is only read for the raw sample export.
	Samples *sampler.SampleSet
}

// Record is the structured JSON output of a run. Groups are keyed by
// "CHANNEL/SYMBOL".
type Record struct {
	RecordVersion int                     `json:"record_version"`
	Version       string                  `json:"version,omitempty"`
	StartedAt     time.Time               `json:"started_at"`
	EndedAt       time.Time               `json:"ended_at"`
	DurationNS    int64                   `json:"duration_ns"`
	Method        string                  `json:"method"`
	Outcome       Outcome                 `json:"outcome"`
	Interrupted   bool                    `json:"interrupted"`
	Config        any                     `json:"config,omitempty"`
	Groups        map[string]stats.Report `json:"groups"`
}

// Paths are the output locations. An empty path skips that output.
type Paths struct {
	Record  string
	Summary string
	Samples string
}

// NewRecord builds the structured record of run.
func NewRecord(run Run) Record {
	groups := make(map[string]stats.Report, len(run.Reports))
	for _, r := range run.Reports {
		groups[sampler.GroupKey{Channel: r.Channel, Symbol: r.Symbol}.String()] = r
	}
	return Record{
		RecordVersion: RecordVersion,
		Version:       run.Version,
		StartedAt:     run.StartedAt,
		EndedAt:       run.EndedAt,
		DurationNS:    run.EndedAt.Sub(run.StartedAt).Nanoseconds(),
		Method:        stats.Method,
		Outcome:       run.Outcome,
		Interrupted:   run.Interrupted,
		Config:        run.Config,
		Groups:        groups,
	}
}

// Emit renders run and writes the record, the summary and, when requested,
// the raw samples. It returns the record and the summary text even when a
// write fails.
func Emit(run Run, paths Paths) (Record, string, error) {
	rec := NewRecord(run)
	summary := Summary(run)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return rec, summary, fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	if paths.Record != "" {
		if err := writeFileAtomic(paths.Record, data); err != nil {
			return rec, summary, fmt.Errorf("failed to write record: %w", err)
		}
	}
	if paths.Summary != "" {
		if err := writeFileAtomic(paths.Summary, []byte(summary)); err != nil {
			return rec, summary, fmt.Errorf("failed to write summary: %w", err)
		}
	}
	if paths.Samples != "" && run.Samples != nil {
		var buf bytes.Buffer
		if err := WriteSamplesCSV(&buf, run.Samples); err != nil {
			return rec, summary, err
		}
		if err := writeFileAtomic(paths.Samples, buf.Bytes()); err != nil {
			return rec, summary, fmt.Errorf("failed to write samples: %w", err)
		}
	}
	return rec, summary, nil
}
