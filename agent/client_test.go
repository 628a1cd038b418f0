package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/VanDung-dev/hierafabric/envelope"
	"github.com/VanDung-dev/hierafabric/message"
)

const (
	agentA  = "6f1c2b7e-3d4a-4b8e-9c1d-2a3b4c5d6e7f"
	service = "0a9b8c7d-6e5f-4a3b-8c2d-1e0f9a8b7c6d"
)

type fakeDealer struct {
	in     chan zmq4.Msg
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	sent   []zmq4.Msg
	onSend func(zmq4.Msg)
}

func newFakeDealer() *fakeDealer {
	return &fakeDealer{in: make(chan zmq4.Msg, 16), closed: make(chan struct{})}
}

func (d *fakeDealer) SendMulti(msg zmq4.Msg) error {
	d.mu.Lock()
	d.sent = append(d.sent, msg)
	hook := d.onSend
	d.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (d *fakeDealer) Recv() (zmq4.Msg, error) {
	select {
	case msg := <-d.in:
		return msg, nil
	case <-d.closed:
		return zmq4.Msg{}, errors.New("closed")
	}
}

func (d *fakeDealer) Type() zmq4.SocketType { return zmq4.Dealer }

func (d *fakeDealer) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDealer) sentMsgs() []zmq4.Msg {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]zmq4.Msg(nil), d.sent...)
}

func newTestClient(t *testing.T, sock *fakeDealer, opts Options) *Client {
	t.Helper()
	c, err := NewClient(agentA, sock, opts)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("agent-a", newFakeDealer(), Options{}); !errors.Is(err, envelope.ErrValidation) {
		t.Errorf("Expected validation error for bad id, got %v", err)
	}
	if _, err := NewClient(agentA, nil, Options{}); !errors.Is(err, envelope.ErrValidation) {
		t.Errorf("Expected validation error for nil socket, got %v", err)
	}
}

func TestNoop(t *testing.T) {
	sock := newFakeDealer()
	c := newTestClient(t, sock, Options{})

	if err := c.Noop(); err != nil {
		t.Fatalf("Noop failed: %v", err)
	}
	sent := sock.sentMsgs()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(sent))
	}
	msg, err := message.FromZMQ(sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != message.KindNoop || msg.Envelope.From != agentA {
		t.Errorf("Unexpected noop %s from %s", msg.Kind, msg.Envelope.From)
	}
}

func TestStatSigned(t *testing.T) {
	key := []byte("k")
	sock := newFakeDealer()
	c := newTestClient(t, sock, Options{HMACKey: key})

	if err := c.Stat(message.KindGauge, message.Stat{Name: "load", Value: 0.5}); err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	msg, err := message.FromZMQ(sock.sentMsgs()[0])
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Verify(key) {
		t.Error("Expected emitted stat to verify")
	}
}

// ackEcho acks every reliable message the client sends, as a service would.
func ackEcho(t *testing.T, sock *fakeDealer, dropFirst int) {
	var mu sync.Mutex
	seen := 0
	sock.onSend = func(zm zmq4.Msg) {
		msg, err := message.FromZMQ(zm)
		if err != nil || !msg.Envelope.AckRequested() {
			return
		}
		mu.Lock()
		seen++
		drop := seen <= dropFirst
		mu.Unlock()
		if drop {
			return
		}
		ack, err := message.NewAck(msg.Envelope, nil)
		if err != nil {
			t.Errorf("NewAck failed: %v", err)
			return
		}
		packed, err := ack.Envelope.Pack()
		if err != nil {
			t.Errorf("Pack failed: %v", err)
			return
		}
		sock.in <- zmq4.NewMsgFrom(packed, ack.Payload)
	}
}

func TestSendReliableAcked(t *testing.T) {
	sock := newFakeDealer()
	c := newTestClient(t, sock, Options{AckTimeout: time.Second})
	ackEcho(t, sock, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Serve(ctx, nil) }()

	msg, err := message.New(message.Options{From: agentA, Route: "event", Data: map[string]string{"name": "deploy"}, Source: c.Source()})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendReliable(ctx, msg); err != nil {
		t.Fatalf("SendReliable failed: %v", err)
	}
	if got := len(sock.sentMsgs()); got != 1 {
		t.Errorf("Expected a single transmission, got %d", got)
	}
	if c.Outbox().Len() != 0 {
		t.Errorf("Expected empty outbox, got %d", c.Outbox().Len())
	}
}

func TestSendReliableRetries(t *testing.T) {
	sock := newFakeDealer()
	c := newTestClient(t, sock, Options{
		AckTimeout: 20 * time.Millisecond,
		Backoff:    BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
	})
	ackEcho(t, sock, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Serve(ctx, nil) }()

	msg, err := message.New(message.Options{From: agentA, Route: "log", Raw: []byte("line"), Source: c.Source()})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendReliable(ctx, msg); err != nil {
		t.Fatalf("SendReliable failed: %v", err)
	}

	sent := sock.sentMsgs()
	if len(sent) != 3 {
		t.Fatalf("Expected 3 transmissions, got %d", len(sent))
	}
	last, err := message.FromZMQ(sent[2])
	if err != nil {
		t.Fatal(err)
	}
	if last.Envelope.Resend != 2 {
		t.Errorf("Expected resend count 2, got %d", last.Envelope.Resend)
	}
}

func TestSendReliableTimeout(t *testing.T) {
	sock := newFakeDealer()
	c := newTestClient(t, sock, Options{
		MaxAttempts: 2,
		AckTimeout:  5 * time.Millisecond,
		Backoff:     BackoffConfig{InitialDelay: time.Millisecond},
	})

	msg, err := message.New(message.Options{From: agentA, Route: "log", Raw: []byte("line"), Source: c.Source()})
	if err != nil {
		t.Fatal(err)
	}
	err = c.SendReliable(context.Background(), msg)
	if !errors.Is(err, ErrAckTimeout) {
		t.Errorf("Expected ErrAckTimeout, got %v", err)
	}
	if len(sock.sentMsgs()) != 2 {
		t.Errorf("Expected 2 attempts, got %d", len(sock.sentMsgs()))
	}
}

func TestServeAcksAndHandles(t *testing.T) {
	sock := newFakeDealer()
	c := newTestClient(t, sock, Options{})

	cmd, err := message.New(message.Options{From: service, To: agentA, Kind: message.KindPluginExec, Ack: true, Data: map[string]string{"plugin": "disk"}})
	if err != nil {
		t.Fatal(err)
	}
	packed, err := cmd.Envelope.Pack()
	if err != nil {
		t.Fatal(err)
	}
	sock.in <- zmq4.NewMsgFrom(packed, cmd.Payload)

	handled := make(chan *message.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = c.Serve(ctx, func(m *message.Message) error {
			handled <- m
			return nil
		})
	}()

	select {
	case m := <-handled:
		if m.Kind != message.KindPluginExec {
			t.Errorf("Expected plugin_exec, got %s", m.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for handler")
	}

	sent := sock.sentMsgs()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 ack sent, got %d", len(sent))
	}
	ack, err := message.FromZMQ(sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if ack.Kind != message.KindAck || ack.Envelope.To != service || ack.Envelope.From != agentA {
		t.Errorf("Unexpected ack %s to=%s from=%s", ack.Kind, ack.Envelope.To, ack.Envelope.From)
	}
}

func TestServeReturnsOnClose(t *testing.T) {
	sock := newFakeDealer()
	c := newTestClient(t, sock, Options{})

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), nil) }()
	_ = c.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected transport error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
