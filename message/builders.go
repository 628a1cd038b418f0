package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/VanDung-dev/hierafabric/envelope"
)

// Error classifications stored in an error payload.
const (
	ErrorClassMessage    = "message"
	ErrorClassException  = "exception"
	ErrorClassStructured = "structured"
	ErrorClassRaw        = "raw"
	ErrorClassUndefined  = "undefined"
)

// ErrorPayload is the decoded body of an error message. Data is left
// uninterpreted.
type ErrorPayload struct {
	Class string
	Data  []byte
}

type errorDoc struct {
	Error string `json:"error"`
	Data  string `json:"data"`
}

func encodeError(v any) ([]byte, error) {
	var (
		class string
		data  []byte
	)
	switch t := v.(type) {
	case nil:
		class = ErrorClassUndefined
	case string:
		class, data = ErrorClassMessage, []byte(t)
	case error:
		class, data = ErrorClassException, []byte(t.Error())
	case []byte:
		class, data = ErrorClassRaw, t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal error data: %v", envelope.ErrValidation, err)
		}
		class, data = ErrorClassStructured, b
	}
	return json.Marshal(errorDoc{Error: class, Data: base64.StdEncoding.EncodeToString(data)})
}

// ErrorPayload decodes an error message body.
func (m *Message) ErrorPayload() (ErrorPayload, error) {
	if m.Kind != KindError {
		return ErrorPayload{}, fmt.Errorf("%w: %s is not an error message", envelope.ErrValidation, m.Kind)
	}
	var doc errorDoc
	if err := json.Unmarshal(m.Payload, &doc); err != nil {
		return ErrorPayload{}, fmt.Errorf("failed to decode error payload: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(doc.Data)
	if err != nil {
		return ErrorPayload{}, fmt.Errorf("failed to decode error data: %w", err)
	}
	return ErrorPayload{Class: doc.Error, Data: data}, nil
}

// NewError builds an error message from from to to. An empty to addresses
// the error route. v is classified by shape: string, error, []byte, nil, or
// anything JSON-encodable.
func NewError(from, to string, v any, src *envelope.Source) (*Message, error) {
	opts := Options{From: from, To: to, Kind: KindError, Data: v, Source: src}
	if to == "" {
		opts.Route = RouteError
	}
	return New(opts)
}

// NewAck builds the acknowledgement for orig. The payload is orig's packed
// envelope so the receiver can match it to its outstanding request.
func NewAck(orig *envelope.Envelope, src *envelope.Source) (*Message, error) {
	packed, err := orig.Pack()
	if err != nil {
		return nil, err
	}
	return &Message{
		Envelope: orig.ToAck(uint8(KindAck), src),
		Kind:     KindAck,
		Payload:  packed,
	}, nil
}

// AckedEnvelope returns the envelope an ack message acknowledges.
func (m *Message) AckedEnvelope() (*envelope.Envelope, error) {
	if m.Kind != KindAck {
		return nil, fmt.Errorf("%w: %s is not an ack", envelope.ErrValidation, m.Kind)
	}
	return envelope.Parse(m.Payload)
}

// NewNoop builds the content-free message agents send to refresh a router's
// peer cache.
func NewNoop(from string, src *envelope.Source) (*Message, error) {
	return New(Options{From: from, Route: RouteNoop, Raw: []byte{}, Source: src})
}

// Stat is the payload of counter, gauge and mark messages.
type Stat struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// NewStat builds a metric message of kind k.
func NewStat(from string, k Kind, stat Stat, src *envelope.Source) (*Message, error) {
	if !k.IsMetric() {
		return nil, fmt.Errorf("%w: %s is not a metric kind", envelope.ErrValidation, k)
	}
	if stat.Name == "" {
		return nil, fmt.Errorf("%w: stat name is required", envelope.ErrValidation)
	}
	return New(Options{From: from, Route: k.Route(), Kind: k, Data: stat, Source: src})
}
