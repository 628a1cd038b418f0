package envelope

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source hands out sequence numbers and microsecond clocks for envelopes
// built by one process. Routers and agents each own one and pass it to
// every constructor they call.
type Source struct {
	seq   atomic.Uint64
	start time.Time
	now   func() time.Time
}

// NewSource creates a Source starting at sequence 1 and uptime zero.
func NewSource() *Source {
	return NewSourceWithClock(time.Now)
}

// NewSourceWithClock creates a Source reading time from now.
func NewSourceWithClock(now func() time.Time) *Source {
	if now == nil {
		now = time.Now
	}
	return &Source{start: now(), now: now}
}

// Next returns the next sequence number. Sequences are strictly increasing.
func (s *Source) Next() uint64 {
	return s.seq.Add(1)
}

// Timestamp returns microseconds since the Unix epoch.
func (s *Source) Timestamp() uint64 {
	return uint64(s.now().UnixMicro())
}

// Uptime returns microseconds elapsed since the Source was created.
func (s *Source) Uptime() uint64 {
	d := s.now().Sub(s.start)
	if d < 0 {
		return 0
	}
	return uint64(d.Microseconds())
}

var (
	defaultSource     *Source
	defaultSourceOnce sync.Once
)

// DefaultSource returns the lazily created Source used when a constructor
// is not given one.
func DefaultSource() *Source {
	defaultSourceOnce.Do(func() {
		defaultSource = NewSource()
	})
	return defaultSource
}
