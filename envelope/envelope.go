package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Version is the wire version written by this package.
const Version uint16 = 1

const (
	// HeaderSize is the packed size of an envelope with an empty trace.
	HeaderSize = 93
	// HMACSize is the raw size of the signature field.
	HMACSize = sha256.Size
)

// Field offsets within the fixed header.
const (
	offVersion   = 0
	offType      = 2
	offTo        = 3
	offFrom      = 19
	offAck       = 35
	offResend    = 36
	offSequence  = 37
	offTimestamp = 45
	offUptime    = 53
	offHMAC      = 61
)

var (
	// ErrValidation marks bad constructor input: missing or malformed
	// addresses, unknown message kinds and similar caller mistakes.
	ErrValidation = errors.New("envelope: validation failed")
	// ErrShortEnvelope is returned by Parse for blobs below HeaderSize.
	ErrShortEnvelope = errors.New("envelope: short envelope")
)

// Envelope is the routing header carried in front of every payload.
type Envelope struct {
	Version   uint16
	TypeID    uint8
	To        string
	From      string
	Ack       uint8
	Resend    uint8
	Sequence  uint64
	Timestamp uint64
	Uptime    uint64
	HMAC      string
	Routers   []string
}

// Options are the inputs to New.
type Options struct {
	TypeID    uint8
	To        string
	From      string
	Ack       bool
	Resend    uint8
	Sequence  uint64
	Timestamp uint64
	Uptime    uint64
	Routers   []string
	// Source supplies Sequence, Timestamp and Uptime when they are zero.
	// DefaultSource is used when nil.
	Source *Source
}

// New builds a validated envelope.
func New(opts Options) (*Envelope, error) {
	if opts.To == "" {
		return nil, fmt.Errorf("%w: to is required", ErrValidation)
	}
	if opts.From == "" {
		return nil, fmt.Errorf("%w: from is required", ErrValidation)
	}
	if opts.TypeID == 0 {
		return nil, fmt.Errorf("%w: type is required", ErrValidation)
	}
	to, err := CanonicalUUID(opts.To)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	from, err := CanonicalUUID(opts.From)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}

	src := opts.Source
	if src == nil {
		src = DefaultSource()
	}

	e := &Envelope{
		Version:   Version,
		TypeID:    opts.TypeID,
		To:        to,
		From:      from,
		Resend:    opts.Resend,
		Sequence:  opts.Sequence,
		Timestamp: opts.Timestamp,
		Uptime:    opts.Uptime,
	}
	if opts.Ack {
		e.Ack = 1
	}
	if e.Sequence == 0 {
		e.Sequence = src.Next()
	}
	if e.Timestamp == 0 {
		e.Timestamp = src.Timestamp()
	}
	if e.Uptime == 0 {
		e.Uptime = src.Uptime()
	}
	for _, r := range opts.Routers {
		id, err := CanonicalUUID(r)
		if err != nil {
			return nil, fmt.Errorf("routers: %w", err)
		}
		e.Routers = append(e.Routers, id)
	}
	return e, nil
}

// Size returns the packed length of e.
func (e *Envelope) Size() int {
	return HeaderSize + UUIDSize*len(e.Routers)
}

// Pack serializes e in wire order. All integers are big-endian.
func (e *Envelope) Pack() ([]byte, error) {
	buf := make([]byte, e.Size())
	binary.BigEndian.PutUint16(buf[offVersion:], e.Version)
	buf[offType] = e.TypeID
	if err := uuidToWire(buf[offTo:offTo+UUIDSize], e.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if err := uuidToWire(buf[offFrom:offFrom+UUIDSize], e.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	buf[offAck] = e.Ack
	buf[offResend] = e.Resend
	binary.BigEndian.PutUint64(buf[offSequence:], e.Sequence)
	binary.BigEndian.PutUint64(buf[offTimestamp:], e.Timestamp)
	binary.BigEndian.PutUint64(buf[offUptime:], e.Uptime)
	if e.HMAC != "" {
		sig, err := hex.DecodeString(e.HMAC)
		if err != nil || len(sig) != HMACSize {
			return nil, fmt.Errorf("%w: malformed hmac", ErrValidation)
		}
		copy(buf[offHMAC:offHMAC+HMACSize], sig)
	}
	off := HeaderSize
	for i, r := range e.Routers {
		if err := uuidToWire(buf[off:off+UUIDSize], r); err != nil {
			return nil, fmt.Errorf("routers[%d]: %w", i, err)
		}
		off += UUIDSize
	}
	return buf, nil
}

// Parse decodes a packed envelope. A trailing trace segment that is not a
// whole number of UUIDs is ignored.
func Parse(b []byte) (*Envelope, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (min: %d)", ErrShortEnvelope, len(b), HeaderSize)
	}
	e := &Envelope{
		Version:   binary.BigEndian.Uint16(b[offVersion:]),
		TypeID:    b[offType],
		To:        wireToUUID(b[offTo : offTo+UUIDSize]),
		From:      wireToUUID(b[offFrom : offFrom+UUIDSize]),
		Ack:       b[offAck],
		Resend:    b[offResend],
		Sequence:  binary.BigEndian.Uint64(b[offSequence:]),
		Timestamp: binary.BigEndian.Uint64(b[offTimestamp:]),
		Uptime:    binary.BigEndian.Uint64(b[offUptime:]),
	}

	sig := b[offHMAC : offHMAC+HMACSize]
	if !allZero(sig) {
		e.HMAC = hex.EncodeToString(sig)
	}

	trace := b[HeaderSize:]
	if len(trace)%UUIDSize != 0 {
		return e, nil
	}
	for off := 0; off < len(trace); off += UUIDSize {
		id := wireToUUID(trace[off : off+UUIDSize])
		if len(id) != 36 {
			continue
		}
		e.Routers = append(e.Routers, id)
	}
	return e, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// UpdateHMAC signs data with secret, stores the hex digest and returns it.
func (e *Envelope) UpdateHMAC(secret, data []byte) string {
	e.HMAC = Sign(secret, data)
	return e.HMAC
}

// VerifyHMAC reports whether the stored digest matches data under secret.
func (e *Envelope) VerifyHMAC(secret, data []byte) bool {
	got, err := hex.DecodeString(e.HMAC)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the lowercase hex HMAC-SHA256 of data keyed by secret.
func Sign(secret, data []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// AddRouter appends id to the trace.
func (e *Envelope) AddRouter(id string) {
	e.Routers = append(e.Routers, strings.ToLower(id))
}

// TrimTrace keeps only the most recent n trace entries. n <= 0 keeps all.
func (e *Envelope) TrimTrace(n int) {
	if n <= 0 || len(e.Routers) <= n {
		return
	}
	e.Routers = append([]string(nil), e.Routers[len(e.Routers)-n:]...)
}

// IncrResend bumps the retransmit counter, saturating at 255.
func (e *Envelope) IncrResend() {
	if e.Resend < 0xff {
		e.Resend++
	}
}

// AckRequested reports whether the sender asked for an acknowledgement.
func (e *Envelope) AckRequested() bool {
	return e.Ack > 0
}

// ToAck returns an envelope of the given type addressed back to the sender
// of e, originating from e's recipient.
func (e *Envelope) ToAck(typeID uint8, src *Source) *Envelope {
	if src == nil {
		src = DefaultSource()
	}
	return &Envelope{
		Version:   Version,
		TypeID:    typeID,
		To:        e.From,
		From:      e.To,
		Sequence:  src.Next(),
		Timestamp: src.Timestamp(),
		Uptime:    src.Uptime(),
	}
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Routers = append([]string(nil), e.Routers...)
	return &c
}

// LastRouter returns the most recent trace entry, or "" for an empty trace.
func (e *Envelope) LastRouter() string {
	if len(e.Routers) == 0 {
		return ""
	}
	return e.Routers[len(e.Routers)-1]
}
