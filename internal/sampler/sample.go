package sampler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNegativeLatency is returned when a sample would have a negative latency.
	ErrNegativeLatency = errors.New("negative latency")

	// ErrClosed is returned when appending to a group of a closed sample set.
	ErrClosed = errors.New("sample set closed")
)

// Channel is the messaging pattern a sample was taken on.
type Channel string

const (
	ChannelReqRep Channel = "REQ_REP"
	ChannelPubSub Channel = "PUB_SUB"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))) {
	case ChannelReqRep:
		return ChannelReqRep, nil
	case ChannelPubSub:
		return ChannelPubSub, nil
	default:
		return "", fmt.Errorf("unknown channel %q (expected %q or %q)", s, ChannelReqRep, ChannelPubSub)
	}
}

// Measurement is what a sample's latency describes.
type Measurement string

const (
	// MeasurementRoundTrip is request write to matching reply read, on the
	// local monotonic clock.
	MeasurementRoundTrip Measurement = "round_trip"

	// MeasurementOneWay is publisher timestamp to local arrival. It is only
	// meaningful when both clocks are synchronized.
	MeasurementOneWay Measurement = "one_way"

	// MeasurementInterArrival is the interval between consecutive arrivals
	// of the same symbol.
	MeasurementInterArrival Measurement = "inter_arrival"
)

// Sample is a single latency observation.
type Sample struct {
	Symbol      string
	Channel     Channel
	Measurement Measurement
	Seq         uint64
	SentAt      time.Time
	ReceivedAt  time.Time
	LatencyNS   int64
}

// NewSample builds a sample from a pair of timestamps. When both carry
// monotonic clock readings the latency is immune to wall clock steps.
func NewSample(symbol string, channel Channel, measurement Measurement, seq uint64, sentAt, receivedAt time.Time) (Sample, error) {
	latency := receivedAt.Sub(sentAt)
	if latency < 0 {
		return Sample{}, fmt.Errorf("%w: %s for %s seq %d", ErrNegativeLatency, latency, symbol, seq)
	}
	return Sample{
		Symbol:      symbol,
		Channel:     channel,
		Measurement: measurement,
		Seq:         seq,
		SentAt:      sentAt,
		ReceivedAt:  receivedAt,
		LatencyNS:   latency.Nanoseconds(),
	}, nil
}

func (s Sample) Latency() time.Duration {
	return time.Duration(s.LatencyNS)
}
