// Package message couples an envelope with its payload and the leading
// transport frames needed to route a reply, and owns how that set is written
// to and read from a ZeroMQ socket.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"github.com/VanDung-dev/hierafabric/envelope"
)

// Common errors for message operations
var (
	ErrUnknownKind  = fmt.Errorf("%w: unknown message kind", envelope.ErrValidation)
	ErrShortMessage = errors.New("message: fewer than two frames")
	ErrConsumed     = errors.New("message: frames consumed by a final send")
	ErrTransport    = errors.New("message: transport failure")
)

// Sender is the part of a zmq4.Socket used to transmit messages.
type Sender interface {
	SendMulti(msg zmq4.Msg) error
}

// Message is one envelope, its payload and any leading transport frames.
type Message struct {
	Envelope *envelope.Envelope
	Kind     Kind
	Payload  []byte
	// Frames are routing frames that precede the envelope on the wire,
	// such as the peer identity added by a ROUTER socket.
	Frames [][]byte

	consumed bool
}

// Options are the inputs to New. Supply either Envelope, or From plus one of
// Route and To. Supply either Data or Raw; error messages may omit both.
type Options struct {
	Envelope *envelope.Envelope

	From  string
	To    string
	Route string
	Kind  Kind
	Ack   bool

	// Data is encoded as JSON.
	Data any
	// Raw is used as the payload verbatim.
	Raw []byte

	Frames [][]byte
	Source *envelope.Source
}

// New builds a message, applying the fixed policy of its kind.
func New(opts Options) (*Message, error) {
	hasAddr := opts.From != "" || opts.To != "" || opts.Route != ""
	switch {
	case opts.Envelope != nil && hasAddr:
		return nil, fmt.Errorf("%w: envelope and addresses are mutually exclusive", envelope.ErrValidation)
	case opts.Envelope == nil && !hasAddr:
		return nil, fmt.Errorf("%w: envelope or from/to is required", envelope.ErrValidation)
	case opts.Data != nil && opts.Raw != nil:
		return nil, fmt.Errorf("%w: data and raw payload are mutually exclusive", envelope.ErrValidation)
	}

	env := opts.Envelope
	kind := opts.Kind
	if env != nil {
		k, err := resolveKind(env)
		if err != nil {
			return nil, err
		}
		if kind != 0 && kind != k {
			return nil, fmt.Errorf("%w: kind %s does not match envelope type %s", envelope.ErrValidation, kind, k)
		}
		kind = k
		env = env.Clone()
	} else {
		var err error
		env, kind, err = buildEnvelope(opts)
		if err != nil {
			return nil, err
		}
	}

	pol := catalogue[kind]
	if opts.Data == nil && opts.Raw == nil && !pol.errorWrap {
		return nil, fmt.Errorf("%w: data or raw payload is required", envelope.ErrValidation)
	}
	if pol.fromEnvelopeOnly && opts.Envelope == nil {
		return nil, fmt.Errorf("%w: %s messages are built from a prior envelope", envelope.ErrValidation, kind)
	}
	if pol.forceAck {
		env.Ack = 1
	}

	payload, err := encodePayload(pol, opts.Data, opts.Raw)
	if err != nil {
		return nil, err
	}

	return &Message{
		Envelope: env,
		Kind:     kind,
		Payload:  payload,
		Frames:   cloneFrames(opts.Frames),
	}, nil
}

func buildEnvelope(opts Options) (*envelope.Envelope, Kind, error) {
	if opts.From == "" {
		return nil, 0, fmt.Errorf("%w: from is required", envelope.ErrValidation)
	}
	if (opts.To == "") == (opts.Route == "") {
		return nil, 0, fmt.Errorf("%w: exactly one of route and to is required", envelope.ErrValidation)
	}

	kind := opts.Kind
	to := opts.To
	if opts.Route != "" {
		rk, ok := KindForRoute(opts.Route)
		if !ok {
			return nil, 0, fmt.Errorf("%w: route %q", ErrUnknownKind, opts.Route)
		}
		if kind == 0 {
			kind = rk
		}
		to = rk.Route()
	} else if kind == 0 {
		rk, ok := KindForRoute(opts.To)
		if !ok {
			return nil, 0, fmt.Errorf("%w: type is required for to %q", envelope.ErrValidation, opts.To)
		}
		kind = rk
	}
	if !kind.Valid() {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	if catalogue[kind].explicitTo && opts.To == "" {
		return nil, 0, fmt.Errorf("%w: %s requires an explicit to", envelope.ErrValidation, kind)
	}

	env, err := envelope.New(envelope.Options{
		TypeID: uint8(kind),
		To:     to,
		From:   opts.From,
		Ack:    opts.Ack,
		Source: opts.Source,
	})
	if err != nil {
		return nil, 0, err
	}
	return env, kind, nil
}

func encodePayload(pol policy, data any, raw []byte) ([]byte, error) {
	if pol.errorWrap {
		if raw != nil {
			return encodeError(raw)
		}
		return encodeError(data)
	}
	if raw != nil {
		return append([]byte(nil), raw...), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal payload: %v", envelope.ErrValidation, err)
	}
	return b, nil
}

// SendOptions control a single transmission.
type SendOptions struct {
	// HMACKey signs the payload before the envelope is packed.
	HMACKey []byte
	// Final hands the leading frames to the transport without copying.
	// The message cannot be sent again afterwards.
	Final bool
}

// Send writes Frames, the packed envelope and the payload as one multi-part
// message.
func (m *Message) Send(s Sender, opts SendOptions) error {
	if m.consumed {
		return ErrConsumed
	}

	m.Envelope.UpdateHMAC(opts.HMACKey, m.Payload)
	packed, err := m.Envelope.Pack()
	if err != nil {
		return err
	}

	var frames [][]byte
	if opts.Final {
		frames = m.Frames
		m.Frames = nil
		m.consumed = true
	} else {
		frames = cloneFrames(m.Frames)
	}
	frames = append(frames, packed, m.Payload)

	if err := s.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Receive rebuilds a message from a received frame set. The last two frames
// are the envelope and the payload; any earlier frames are kept for replies.
func Receive(frames [][]byte) (*Message, error) {
	n := len(frames)
	if n < 2 {
		return nil, ErrShortMessage
	}
	env, err := envelope.Parse(frames[n-2])
	if err != nil {
		return nil, err
	}
	kind, err := resolveKind(env)
	if err != nil {
		return nil, err
	}
	return &Message{
		Envelope: env,
		Kind:     kind,
		Payload:  frames[n-1],
		Frames:   frames[:n-2:n-2],
	}, nil
}

// FromZMQ is Receive for a message read from a zmq4 socket.
func FromZMQ(msg zmq4.Msg) (*Message, error) {
	if err := msg.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return Receive(msg.Frames)
}

// Decode unmarshals a JSON payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Verify checks the envelope signature against the payload.
func (m *Message) Verify(key []byte) bool {
	return m.Envelope.VerifyHMAC(key, m.Payload)
}

func cloneFrames(frames [][]byte) [][]byte {
	if len(frames) == 0 {
		return nil
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}
