package sampler

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// GroupKey identifies the samples of one symbol on one channel.
type GroupKey struct {
	Channel Channel
	Symbol  string
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s/%s", k.Channel, k.Symbol)
}

func compareKeys(a, b GroupKey) int {
	if c := cmp.Compare(a.Channel, b.Channel); c != 0 {
		return c
	}
	return cmp.Compare(a.Symbol, b.Symbol)
}

// Group is the sample buffer of one (channel, symbol) pair. While collecting
// it is owned by exactly one task, so appends take no lock. It becomes
// read-only when its SampleSet is closed.
type Group struct {
	Key         GroupKey
	Measurement Measurement
	Samples     []Sample

	// Dropped counts attempts abandoned after the retry budget was spent.
	Dropped int
	// Discarded counts messages that failed integrity checks.
	Discarded int
	// Attempts counts transport operations, retries included.
	Attempts int

	WindowStart time.Time
	WindowEnd   time.Time

	// Err is the terminal error that stopped collection early, if any.
	Err error

	sealed bool
}

func NewGroup(key GroupKey, measurement Measurement) *Group {
	return &Group{Key: key, Measurement: measurement}
}

// Append records s. Samples must match the group key and measurement.
func (g *Group) Append(s Sample) error {
	if g.sealed {
		return ErrClosed
	}
	if s.Channel != g.Key.Channel || s.Symbol != g.Key.Symbol {
		return fmt.Errorf("sample for %s/%s appended to group %s", s.Channel, s.Symbol, g.Key)
	}
	if g.Measurement == "" {
		g.Measurement = s.Measurement
	}
	if s.Measurement != g.Measurement {
		return fmt.Errorf("%s sample appended to %s group %s", s.Measurement, g.Measurement, g.Key)
	}
	g.Samples = append(g.Samples, s)
	return nil
}

func (g *Group) Len() int {
	return len(g.Samples)
}

// Window returns the elapsed collection window of the group.
func (g *Group) Window() time.Duration {
	if g.WindowStart.IsZero() || g.WindowEnd.IsZero() {
		return 0
	}
	return g.WindowEnd.Sub(g.WindowStart)
}

// SampleSet holds the groups collected by one run.
type SampleSet struct {
	StartedAt time.Time
	EndedAt   time.Time

	groups map[GroupKey]*Group
	closed bool
}

func NewSampleSet(startedAt time.Time) *SampleSet {
	return &SampleSet{
		StartedAt: startedAt,
		groups:    make(map[GroupKey]*Group),
	}
}

// Merge adds a finished group buffer to the set.
func (s *SampleSet) Merge(g *Group) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.groups[g.Key]; ok {
		return fmt.Errorf("duplicate group %s", g.Key)
	}
	s.groups[g.Key] = g
	return nil
}

// Close seals the set and every group in it.
func (s *SampleSet) Close(endedAt time.Time) {
	if s.closed {
		return
	}
	s.closed = true
	s.EndedAt = endedAt
	for _, g := range s.groups {
		g.sealed = true
	}
}

func (s *SampleSet) Closed() bool {
	return s.closed
}

// Groups returns the groups ordered by channel then symbol.
func (s *SampleSet) Groups() []*Group {
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	slices.SortFunc(groups, func(a, b *Group) int { return compareKeys(a.Key, b.Key) })
	return groups
}

func (s *SampleSet) Group(key GroupKey) (*Group, bool) {
	g, ok := s.groups[key]
	return g, ok
}

// TotalSamples returns the number of samples across all groups.
func (s *SampleSet) TotalSamples() int {
	n := 0
	for _, g := range s.groups {
		n += len(g.Samples)
	}
	return n
}
