package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/malbeclabs/linkbench/internal/sampler"
)

var samplesHeader = []string{"channel", "symbol", "measurement", "seq", "sent_at_ns", "received_at_ns", "latency_ns"}

// WriteSamplesCSV writes every recorded sample of set, group by group in
// arrival order.
func WriteSamplesCSV(w io.Writer, set *sampler.SampleSet) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(samplesHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, g := range set.Groups() {
		for _, s := range g.Samples {
			row := []string{
				string(s.Channel),
				s.Symbol,
				string(s.Measurement),
				strconv.FormatUint(s.Seq, 10),
				strconv.FormatInt(s.SentAt.UnixNano(), 10),
				strconv.FormatInt(s.ReceivedAt.UnixNano(), 10),
				strconv.FormatInt(s.LatencyNS, 10),
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row for %s seq %d: %w", g.Key, s.Seq, err)
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}
