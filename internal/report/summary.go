package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/linkbench/internal/sampler"
	"github.com/malbeclabs/linkbench/internal/stats"
	"github.com/olekukonko/tablewriter"
)

// Summary renders run as a text table. Latencies are in milliseconds.
func Summary(run Run) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Outcome: %s", run.Outcome)
	if run.Interrupted {
		buf.WriteString(" (interrupted)")
	}
	buf.WriteString("\n")
	fmt.Fprintf(&buf, "Window: %s to %s (%s)\n",
		run.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		run.EndedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&buf, "Percentiles: %s\n", stats.Method)
	buf.WriteString("* Latencies are in milliseconds (ms)\n")

	table := tablewriter.NewWriter(&buf)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeader([]string{
		"Channel", "Symbol", "Measurement",
		"Count\n(#)",
		"Min", "P50", "P95", "P99", "Max",
		"Mean", "Jitter",
		"Throughput\n(msg/s)",
		"Dropped\n(#)", "Discarded\n(#)", "Loss\n(%)",
		"Note",
	})

	for _, r := range run.Reports {
		row := []string{
			string(r.Channel), r.Symbol, measurementOrDash(r.Measurement),
			fmt.Sprintf("%d", r.Count),
		}
		if r.Stats == nil {
			row = append(row, "-", "-", "-", "-", "-", "-", "-", "-")
		} else {
			s := r.Stats
			row = append(row,
				ms(s.MinNS), ms(s.P50NS), ms(s.P95NS), ms(s.P99NS), ms(s.MaxNS),
				ms(s.MeanNS), ms(s.JitterNS),
				fmt.Sprintf("%.1f", s.Throughput),
			)
		}
		row = append(row,
			fmt.Sprintf("%d", r.Dropped),
			fmt.Sprintf("%d", r.Discarded),
			fmt.Sprintf("%.1f", r.LossRate*100),
			note(r),
		)
		table.Append(row)
	}
	table.Render()
	return buf.String()
}

func ms(ns float64) string {
	return fmt.Sprintf("%.3f", ns/1e6)
}

func measurementOrDash(m sampler.Measurement) string {
	if m == "" {
		return "-"
	}
	return string(m)
}

func note(r stats.Report) string {
	var notes []string
	if r.NoData {
		notes = append(notes, "no data")
	}
	if r.Measurement == sampler.MeasurementOneWay {
		notes = append(notes, "assumes synced clocks")
	}
	if r.Error != "" {
		notes = append(notes, "error: "+r.Error)
	}
	return strings.Join(notes, "; ")
}
