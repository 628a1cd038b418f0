// Package agent is the sending side of the fabric: a client that emits
// messages to a router over a DEALER socket, keeps its reply path alive
// with no-op messages, and delivers messages that need an acknowledgement.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/hierafabric/envelope"
	"github.com/VanDung-dev/hierafabric/message"
	"github.com/VanDung-dev/hierafabric/network"
)

// ErrAckTimeout is returned by SendReliable when every attempt went
// unacknowledged.
var ErrAckTimeout = errors.New("agent: no acknowledgement received")

// Options configure a Client.
type Options struct {
	HMACKey []byte
	// MaxAttempts bounds transmissions per reliable send.
	MaxAttempts int
	// AckTimeout is how long each attempt waits for its ack.
	AckTimeout time.Duration
	Backoff    BackoffConfig
	OutboxSize int

	Source *envelope.Source
	Logger *zerolog.Logger
	Now    func() time.Time
}

// DefaultOptions returns the standard client options.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		AckTimeout:  2 * time.Second,
		Backoff:     DefaultBackoff(),
		OutboxSize:  1024,
	}
}

// Client sends messages as one agent. It is safe for concurrent use; Serve
// must run for SendReliable to observe acknowledgements.
type Client struct {
	id     string
	sock   network.Socket
	opts   Options
	src    *envelope.Source
	log    zerolog.Logger
	outbox *Outbox

	sendMu sync.Mutex
	rngMu  sync.Mutex
	rng    *rand.Rand
}

// NewClient wraps a connected socket as agent id.
func NewClient(id string, sock network.Socket, opts Options) (*Client, error) {
	canon, err := envelope.CanonicalUUID(id)
	if err != nil {
		return nil, fmt.Errorf("agent id: %w", err)
	}
	if sock == nil {
		return nil, fmt.Errorf("%w: socket is required", envelope.ErrValidation)
	}

	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = def.AckTimeout
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = def.Backoff
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = def.OutboxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	src := opts.Source
	if src == nil {
		src = envelope.NewSourceWithClock(opts.Now)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Client{
		id:     canon,
		sock:   sock,
		opts:   opts,
		src:    src,
		log:    logger.With().Str("component", "agent").Str("agent_id", canon).Logger(),
		outbox: NewOutbox(opts.OutboxSize),
		rng:    rand.New(rand.NewSource(opts.Now().UnixNano())),
	}, nil
}

// Dial opens a DEALER socket identified by id and connects it to endpoint.
func Dial(ctx context.Context, id, endpoint string, opts Options) (*Client, error) {
	canon, err := envelope.CanonicalUUID(id)
	if err != nil {
		return nil, fmt.Errorf("agent id: %w", err)
	}
	sock := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(canon)))
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: dial %s: %v", network.ErrTransport, endpoint, err)
	}
	return NewClient(canon, sock, opts)
}

// ID returns the agent UUID.
func (c *Client) ID() string {
	return c.id
}

// Source returns the sequence source used for this agent's envelopes.
func (c *Client) Source() *envelope.Source {
	return c.src
}

// Outbox returns the reliable-send outbox.
func (c *Client) Outbox() *Outbox {
	return c.outbox
}

// Close closes the underlying socket. A running Serve returns.
func (c *Client) Close() error {
	return c.sock.Close()
}

// Emit signs and sends msg once.
func (c *Client) Emit(msg *message.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return msg.Send(c.sock, message.SendOptions{HMACKey: c.opts.HMACKey})
}

// Noop refreshes this agent's entry in the router's peer cache.
func (c *Client) Noop() error {
	msg, err := message.NewNoop(c.id, c.src)
	if err != nil {
		return err
	}
	return c.Emit(msg)
}

// Stat emits a metric message.
func (c *Client) Stat(k message.Kind, stat message.Stat) error {
	msg, err := message.NewStat(c.id, k, stat, c.src)
	if err != nil {
		return err
	}
	return c.Emit(msg)
}

// SendReliable sends msg with the ack flag set and retransmits with backoff
// until its acknowledgement arrives or MaxAttempts is exhausted.
func (c *Client) SendReliable(ctx context.Context, msg *message.Message) error {
	msg.Envelope.Ack = 1
	seq := msg.Envelope.Sequence

	pending, err := c.outbox.Add(seq, c.opts.Now())
	if err != nil {
		return err
	}
	defer c.outbox.Remove(seq)

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			msg.Envelope.IncrResend()
			if err := c.wait(ctx, pending, c.nextDelay(attempt-1)); err != nil {
				return err
			}
			if acked(pending) {
				return nil
			}
		}

		err := c.Emit(msg)
		c.outbox.MarkAttempt(seq, c.opts.Now(), err)
		if err != nil {
			c.log.Warn().Err(err).Uint64("sequence", seq).Int("attempt", attempt).Msg("reliable send failed")
			continue
		}

		timer := time.NewTimer(c.opts.AckTimeout)
		select {
		case <-pending.Acked():
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			c.log.Debug().Uint64("sequence", seq).Int("attempt", attempt).Msg("ack timed out")
		}
	}
	return fmt.Errorf("%w: sequence %d after %d attempts", ErrAckTimeout, seq, c.opts.MaxAttempts)
}

func acked(p *Pending) bool {
	select {
	case <-p.Acked():
		return true
	default:
		return false
	}
}

func (c *Client) wait(ctx context.Context, p *Pending, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.Acked():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) nextDelay(retry int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.opts.Backoff.Delay(retry, c.rng)
}

// Handler processes one inbound message. Acks are consumed by the client
// and never reach the handler.
type Handler func(*message.Message) error

// Serve receives until the socket fails or ctx is done. Messages asking for
// an acknowledgement are acked before handler runs. Close the client to
// unblock a pending receive after cancelling ctx.
func (c *Client) Serve(ctx context.Context, handler Handler) error {
	for {
		zm, err := c.sock.Recv()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("%w: recv: %v", network.ErrTransport, err)
		}
		c.handle(zm, handler)
	}
}

func (c *Client) handle(zm zmq4.Msg, handler Handler) {
	msg, err := message.FromZMQ(zm)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping unparseable message")
		return
	}
	if len(c.opts.HMACKey) > 0 && !msg.Verify(c.opts.HMACKey) {
		c.log.Warn().Str("from", msg.Envelope.From).Uint64("sequence", msg.Envelope.Sequence).Msg("dropping message with bad hmac")
		return
	}

	if msg.Kind == message.KindAck {
		orig, err := msg.AckedEnvelope()
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed ack")
			return
		}
		if orig.From != c.id || !c.outbox.Resolve(orig.Sequence) {
			c.log.Debug().Uint64("sequence", orig.Sequence).Msg("ack for unknown message")
		}
		return
	}

	if msg.Envelope.AckRequested() {
		ack, err := message.NewAck(msg.Envelope, c.src)
		if err == nil {
			err = c.Emit(ack)
		}
		if err != nil {
			c.log.Warn().Err(err).Uint64("sequence", msg.Envelope.Sequence).Msg("failed to ack message")
		}
	}

	if handler == nil {
		return
	}
	if err := handler(msg); err != nil {
		c.log.Warn().Err(err).Str("type", msg.Kind.String()).Msg("handler failed")
	}
}
