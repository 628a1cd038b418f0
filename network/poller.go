package network

import (
	"context"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Event is one read result from a polled socket.
type Event struct {
	Src Handle
	Msg zmq4.Msg
	Err error
}

// Poller waits for readiness across many sockets. zmq4 has no native poll,
// so each socket gets a reader goroutine feeding a shared channel; callers
// consume events from a single goroutine.
type Poller struct {
	events  chan Event
	backoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller buffering up to buffer unread events. backoff
// is the pause a reader takes after a receive error.
func NewPoller(buffer int, backoff time.Duration) *Poller {
	if buffer <= 0 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		events:  make(chan Event, buffer),
		backoff: backoff,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add starts reading from s, tagging events with h.
func (p *Poller) Add(h Handle, s Socket) {
	p.wg.Add(1)
	go p.readLoop(h, s)
}

func (p *Poller) readLoop(h Handle, s Socket) {
	defer p.wg.Done()

	for {
		msg, err := s.Recv()
		if p.ctx.Err() != nil {
			return
		}

		select {
		case p.events <- Event{Src: h, Msg: msg, Err: err}:
		case <-p.ctx.Done():
			return
		}

		if err != nil {
			select {
			case <-time.After(p.backoff):
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Poll blocks up to timeout for the first event, then returns it along with
// any others already queued, at most max in total. A nil result means the
// wait timed out.
func (p *Poller) Poll(timeout time.Duration, max int) []Event {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []Event
	select {
	case ev := <-p.events:
		out = append(out, ev)
	case <-timer.C:
		return nil
	case <-p.ctx.Done():
		return nil
	}

	for len(out) < max {
		select {
		case ev := <-p.events:
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// Close stops delivering events. Readers blocked in Recv exit once their
// socket is closed; Wait blocks until they have.
func (p *Poller) Close() {
	p.cancel()
}

// Wait blocks until every reader goroutine has exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}
