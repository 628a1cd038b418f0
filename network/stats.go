package network

import (
	"sort"
	"sync"
)

// Router counter names.
const (
	CounterPoll           = "poll"
	CounterPollTimeout    = "poll_timeout"
	CounterPollError      = "poll_error"
	CounterReceived       = "received"
	CounterParseError     = "parse_error"
	CounterNoop           = "noop"
	CounterRoutedPeer     = "routed_peer"
	CounterMissed         = "missed"
	CounterSendError      = "send_error"
	CounterInvariant      = "invariant"
	CounterBytesForwarded = "bytes_forwarded"
	CounterPeerLearned    = "peer_learned"
	CounterPeerExpired    = "peer_expired"
	CounterRuleExpired    = "rule_expired"
)

// Stats is a set of named counters reset on every flush.
type Stats struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{counters: make(map[string]int64)}
}

// Incr adds one to name.
func (s *Stats) Incr(name string) {
	s.Add(name, 1)
}

// Add adds n to name.
func (s *Stats) Add(name string, n int64) {
	s.mu.Lock()
	s.counters[name] += n
	s.mu.Unlock()
}

// Get returns the current value of name.
func (s *Stats) Get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Reset returns every counter seen so far, including ones still at zero,
// and zeroes them.
func (s *Stats) Reset() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.counters))
	for name, v := range s.counters {
		out[name] = v
		s.counters[name] = 0
	}
	return out
}

// Snapshot returns a copy of the counters without resetting them.
func (s *Stats) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.counters))
	for name, v := range s.counters {
		out[name] = v
	}
	return out
}

func sortedNames(m map[string]int64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
