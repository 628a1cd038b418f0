package agent

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Common errors for outbox operations
var (
	ErrOutboxFull     = errors.New("agent: outbox is full")
	ErrAlreadyPending = errors.New("agent: sequence already pending")
)

// Pending is one message awaiting acknowledgement.
type Pending struct {
	Sequence      uint64
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string

	acked chan struct{}
}

// Acked is closed when the acknowledgement arrives.
func (p *Pending) Acked() <-chan struct{} {
	return p.acked
}

// Outbox tracks reliable sends by envelope sequence number.
type Outbox struct {
	items   map[uint64]*Pending
	maxSize int
	mu      sync.RWMutex
}

// NewOutbox creates an outbox holding at most maxSize pending messages.
func NewOutbox(maxSize int) *Outbox {
	return &Outbox{
		items:   make(map[uint64]*Pending),
		maxSize: maxSize,
	}
}

// Add registers seq as awaiting an ack.
func (o *Outbox) Add(seq uint64, now time.Time) (*Pending, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.items[seq]; exists {
		return nil, ErrAlreadyPending
	}
	if o.maxSize > 0 && len(o.items) >= o.maxSize {
		return nil, ErrOutboxFull
	}

	p := &Pending{Sequence: seq, QueuedAt: now, acked: make(chan struct{})}
	o.items[seq] = p
	return p, nil
}

// MarkAttempt records a transmission of seq.
func (o *Outbox) MarkAttempt(seq uint64, at time.Time, lastErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.items[seq]
	if !ok {
		return
	}
	p.Attempts++
	p.LastAttemptAt = at
	p.LastError = ""
	if lastErr != nil {
		p.LastError = lastErr.Error()
	}
}

// Resolve marks seq acknowledged and removes it. Returns false if seq was
// not pending.
func (o *Outbox) Resolve(seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.items[seq]
	if !ok {
		return false
	}
	delete(o.items, seq)
	close(p.acked)
	return true
}

// Remove drops seq without signalling an ack.
func (o *Outbox) Remove(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, seq)
}

// Len returns the number of pending messages.
func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns copies of the pending entries ordered by sequence.
func (o *Outbox) List() []Pending {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Pending, 0, len(o.items))
	for _, p := range o.items {
		out = append(out, Pending{
			Sequence:      p.Sequence,
			Attempts:      p.Attempts,
			QueuedAt:      p.QueuedAt,
			LastAttemptAt: p.LastAttemptAt,
			LastError:     p.LastError,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out
}
