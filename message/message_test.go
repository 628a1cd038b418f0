package message

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-zeromq/zmq4"

	"github.com/VanDung-dev/hierafabric/envelope"
)

const (
	agentA = "6f1c2b7e-3d4a-4b8e-9c1d-2a3b4c5d6e7f"
	agentB = "0a9b8c7d-6e5f-4a3b-8c2d-1e0f9a8b7c6d"
)

type recordingSender struct {
	sent []zmq4.Msg
	err  error
}

func (s *recordingSender) SendMulti(msg zmq4.Msg) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestNewByRoute(t *testing.T) {
	msg, err := New(Options{From: agentA, Route: "heartbeat", Data: map[string]int{"load": 1}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if msg.Kind != KindHeartbeat {
		t.Errorf("Expected kind heartbeat, got %s", msg.Kind)
	}
	if msg.Envelope.To != RouteHeartbeat {
		t.Errorf("Expected to %s, got %s", RouteHeartbeat, msg.Envelope.To)
	}
	if msg.Envelope.TypeID != uint8(KindHeartbeat) {
		t.Errorf("Expected type id %d, got %d", KindHeartbeat, msg.Envelope.TypeID)
	}
	if string(msg.Payload) != `{"load":1}` {
		t.Errorf("Unexpected payload %s", msg.Payload)
	}
}

func TestNewValidation(t *testing.T) {
	env, _ := envelope.New(envelope.Options{TypeID: uint8(KindLog), To: RouteLog, From: agentA})

	tests := []struct {
		name string
		opts Options
	}{
		{"no address", Options{Raw: []byte("x")}},
		{"envelope and address", Options{Envelope: env, From: agentA, Raw: []byte("x")}},
		{"no payload", Options{From: agentA, Route: "log"}},
		{"both payloads", Options{From: agentA, Route: "log", Raw: []byte("x"), Data: 1}},
		{"route and to", Options{From: agentA, Route: "log", To: agentB, Raw: []byte("x")}},
		{"missing from", Options{To: agentB, Kind: KindLog, Raw: []byte("x")}},
		{"unknown route", Options{From: agentA, Route: "bogus", Raw: []byte("x")}},
		{"to without type", Options{From: agentA, To: agentB, Raw: []byte("x")}},
		{"unknown kind", Options{From: agentA, To: agentB, Kind: Kind(200), Raw: []byte("x")}},
		{"plugin exec via route", Options{From: agentA, Route: RouteData, Kind: KindPluginExec, Raw: []byte("x")}},
		{"plugin exec bad to", Options{From: agentA, To: "agent-b", Kind: KindPluginExec, Raw: []byte("x")}},
		{"ack through New", Options{From: agentA, To: agentB, Kind: KindAck, Raw: []byte("x")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if !errors.Is(err, envelope.ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestEventForcesAck(t *testing.T) {
	msg, err := New(Options{From: agentA, Route: "event", Data: map[string]string{"state": "up"}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !msg.Envelope.AckRequested() {
		t.Error("Event messages must request an ack")
	}

	hb, _ := New(Options{From: agentA, Route: "heartbeat", Raw: []byte("{}")})
	if hb.Envelope.AckRequested() {
		t.Error("Heartbeat should not request an ack by default")
	}
}

func TestPluginExecExplicitAddresses(t *testing.T) {
	msg, err := New(Options{From: agentA, To: agentB, Kind: KindPluginExec, Data: map[string]string{"plugin": "disk"}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if msg.Envelope.To != agentB || msg.Envelope.From != agentA {
		t.Errorf("Unexpected addresses %s -> %s", msg.Envelope.From, msg.Envelope.To)
	}
}

func TestSendAppendsEnvelopeAndPayload(t *testing.T) {
	msg, err := New(Options{
		From:   agentA,
		Route:  "log",
		Raw:    []byte("disk full"),
		Frames: [][]byte{[]byte("identity")},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s := &recordingSender{}
	key := []byte("k")
	if err := msg.Send(s, SendOptions{HMACKey: key}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := msg.Send(s, SendOptions{HMACKey: key}); err != nil {
		t.Fatalf("Second send failed: %v", err)
	}
	if len(s.sent) != 2 {
		t.Fatalf("Expected 2 sends, got %d", len(s.sent))
	}

	frames := s.sent[0].Frames
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	if string(frames[0]) != "identity" {
		t.Errorf("Expected leading identity frame, got %q", frames[0])
	}
	if len(frames[1]) != envelope.HeaderSize {
		t.Errorf("Expected %d byte envelope, got %d", envelope.HeaderSize, len(frames[1]))
	}
	if string(frames[2]) != "disk full" {
		t.Errorf("Unexpected payload frame %q", frames[2])
	}

	got, err := Receive(frames)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !got.Verify(key) {
		t.Error("Expected signature over payload to verify")
	}
	if len(got.Envelope.HMAC) != 64 {
		t.Errorf("Expected 64 char hmac, got %d", len(got.Envelope.HMAC))
	}
}

func TestSendFinalConsumesFrames(t *testing.T) {
	msg, _ := New(Options{
		From:   agentA,
		Route:  "log",
		Raw:    []byte("x"),
		Frames: [][]byte{[]byte("id")},
	})
	s := &recordingSender{}

	if err := msg.Send(s, SendOptions{Final: true}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Frames != nil {
		t.Error("Final send should release frames")
	}
	if err := msg.Send(s, SendOptions{}); !errors.Is(err, ErrConsumed) {
		t.Errorf("Expected ErrConsumed, got %v", err)
	}
}

func TestSendTransportError(t *testing.T) {
	msg, _ := New(Options{From: agentA, Route: "log", Raw: []byte("x")})
	err := msg.Send(&recordingSender{err: errors.New("closed")}, SendOptions{})
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Expected ErrTransport, got %v", err)
	}
}

func TestReceive(t *testing.T) {
	env, _ := envelope.New(envelope.Options{TypeID: uint8(KindEvent), To: RouteEvent, From: agentA})
	packed, _ := env.Pack()

	msg, err := Receive([][]byte{[]byte("peer"), packed, []byte(`{"a":1}`)})
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Kind != KindEvent {
		t.Errorf("Expected event, got %s", msg.Kind)
	}
	if len(msg.Frames) != 1 || string(msg.Frames[0]) != "peer" {
		t.Errorf("Expected leading frame retained, got %q", msg.Frames)
	}
	var body map[string]int
	if err := msg.Decode(&body); err != nil || body["a"] != 1 {
		t.Errorf("Decode failed: %v %v", body, err)
	}

	if _, err := Receive([][]byte{packed}); !errors.Is(err, ErrShortMessage) {
		t.Errorf("Expected ErrShortMessage, got %v", err)
	}
}

func TestSendFinalLeavesReceivedFramesIntact(t *testing.T) {
	orig, err := New(Options{From: agentA, To: agentB, Kind: KindData, Raw: []byte("original")})
	if err != nil {
		t.Fatal(err)
	}
	packed, err := orig.Envelope.Pack()
	if err != nil {
		t.Fatal(err)
	}
	frames := [][]byte{[]byte("identity"), packed, orig.Payload}

	msg, err := Receive(frames)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	msg.Payload = []byte("replaced")

	var s recordingSender
	if err := msg.Send(&s, SendOptions{HMACKey: []byte("k"), Final: true}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if !bytes.Equal(frames[1], packed) {
		t.Error("Expected caller's envelope frame to be unchanged")
	}
	if got := string(frames[2]); got != "original" {
		t.Errorf("Expected caller's payload frame unchanged, got %q", got)
	}
	sent := s.sent[0].Frames
	if len(sent) != 3 || string(sent[0]) != "identity" || string(sent[2]) != "replaced" {
		t.Errorf("Unexpected sent frames %q", sent)
	}
}

func TestReceiveResolvesLegacyRoute(t *testing.T) {
	legacy := &envelope.Envelope{Version: 1, To: RouteGauge, From: agentA}
	packed, _ := legacy.Pack()
	msg, err := Receive([][]byte{packed, []byte("{}")})
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Kind != KindGauge {
		t.Errorf("Expected gauge from route alias, got %s", msg.Kind)
	}

	reply := &envelope.Envelope{Version: 1, To: agentA, From: RouteRegister}
	packed, _ = reply.Pack()
	msg, err = Receive([][]byte{packed, []byte("{}")})
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Kind != KindRegister {
		t.Errorf("Expected register from reply route, got %s", msg.Kind)
	}
}

func TestReceiveUnknownKind(t *testing.T) {
	e := &envelope.Envelope{Version: 1, TypeID: 250, To: agentB, From: agentA}
	packed, _ := e.Pack()
	_, err := Receive([][]byte{packed, nil})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
	if !errors.Is(err, envelope.ErrValidation) {
		t.Errorf("Expected unknown kind to be a validation error, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		in    any
		class string
		data  string
	}{
		{"string", "boom", ErrorClassMessage, "boom"},
		{"error", errors.New("failed"), ErrorClassException, "failed"},
		{"bytes", []byte{0x00, 0xff}, ErrorClassRaw, "\x00\xff"},
		{"nil", nil, ErrorClassUndefined, ""},
		{"map", map[string]int{"code": 3}, ErrorClassStructured, `{"code":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewError(agentA, "", tt.in, nil)
			if err != nil {
				t.Fatalf("NewError failed: %v", err)
			}
			if msg.Envelope.To != RouteError {
				t.Errorf("Expected error route, got %s", msg.Envelope.To)
			}

			var doc map[string]string
			if err := json.Unmarshal(msg.Payload, &doc); err != nil {
				t.Fatalf("Payload is not JSON: %v", err)
			}
			if doc["data"] != base64.StdEncoding.EncodeToString([]byte(tt.data)) {
				t.Errorf("Expected base64 data, got %q", doc["data"])
			}

			p, err := msg.ErrorPayload()
			if err != nil {
				t.Fatalf("ErrorPayload failed: %v", err)
			}
			if p.Class != tt.class {
				t.Errorf("Expected class %s, got %s", tt.class, p.Class)
			}
			if !bytes.Equal(p.Data, []byte(tt.data)) {
				t.Errorf("Expected data %q, got %q", tt.data, p.Data)
			}
		})
	}
}

func TestNewAck(t *testing.T) {
	src := envelope.NewSource()
	event, _ := New(Options{From: agentA, Route: "event", Raw: []byte("{}"), Source: src})

	ack, err := NewAck(event.Envelope, src)
	if err != nil {
		t.Fatalf("NewAck failed: %v", err)
	}
	if ack.Kind != KindAck || ack.Envelope.TypeID != uint8(KindAck) {
		t.Errorf("Expected ack kind, got %s/%d", ack.Kind, ack.Envelope.TypeID)
	}
	if ack.Envelope.To != agentA || ack.Envelope.From != RouteEvent {
		t.Errorf("Expected ack %s -> %s, got %s -> %s", RouteEvent, agentA, ack.Envelope.From, ack.Envelope.To)
	}

	acked, err := ack.AckedEnvelope()
	if err != nil {
		t.Fatalf("AckedEnvelope failed: %v", err)
	}
	if acked.Sequence != event.Envelope.Sequence {
		t.Errorf("Expected acked sequence %d, got %d", event.Envelope.Sequence, acked.Sequence)
	}
}

func TestNewStat(t *testing.T) {
	msg, err := NewStat(agentA, KindCounter, Stat{Name: "requests", Value: 3}, nil)
	if err != nil {
		t.Fatalf("NewStat failed: %v", err)
	}
	if msg.Envelope.To != RouteCounter {
		t.Errorf("Expected counter route, got %s", msg.Envelope.To)
	}
	var s Stat
	if err := msg.Decode(&s); err != nil || s.Name != "requests" || s.Value != 3 {
		t.Errorf("Unexpected stat %+v (%v)", s, err)
	}

	if _, err := NewStat(agentA, KindLog, Stat{Name: "x"}, nil); !errors.Is(err, envelope.ErrValidation) {
		t.Errorf("Expected ErrValidation for non-metric kind, got %v", err)
	}
}

func TestNoop(t *testing.T) {
	msg, err := NewNoop(agentA, nil)
	if err != nil {
		t.Fatalf("NewNoop failed: %v", err)
	}
	if msg.Kind != KindNoop || len(msg.Payload) != 0 {
		t.Errorf("Expected empty noop, got %s %q", msg.Kind, msg.Payload)
	}
}

func TestParseKind(t *testing.T) {
	for name, want := range map[string]Kind{"event": KindEvent, "METRIC": KindGauge, "plugin_exec": KindPluginExec} {
		got, err := ParseKind(name)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %s, %v", name, got, err)
		}
	}
	if _, err := ParseKind("nope"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
}
