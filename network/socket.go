// Package network provides the ZeroMQ-based message router for the fabric.
//
// This package implements:
//   - Router: static rule dispatch, peer learning and the poll loop
//   - Poller: readiness across many zmq4 sockets with a bounded wait
//   - PeerCache: runtime-learned reply paths to connected agents
//   - OpenSocket: socket construction from declarative specs
package network

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-zeromq/zmq4"
)

// Common errors for router operations
var (
	ErrTransport   = errors.New("network: transport failure")
	ErrUnroutable  = errors.New("network: unroutable message")
	ErrInvariant   = errors.New("network: invariant violation")
	ErrRunning     = errors.New("network: router already running")
	ErrUnknownType = errors.New("network: unknown socket type")
)

// Socket is the subset of zmq4.Socket the router depends on.
type Socket interface {
	SendMulti(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Type() zmq4.SocketType
	Close() error
}

// Handle identifies a socket registered with a Router. Handles are assigned
// in registration order and never reused.
type Handle int

// NoHandle is the zero-value sentinel for an absent socket.
const NoHandle Handle = -1

type endpoint struct {
	handle Handle
	name   string
	sock   Socket
	source bool
}

// replyCapable reports whether the socket prefixes inbound messages with the
// peer identity needed to route a reply back.
func (e *endpoint) replyCapable() bool {
	return e.sock.Type() == zmq4.Router
}

// broadcast reports whether closing the socket may drop queued messages.
func (e *endpoint) broadcast() bool {
	t := e.sock.Type()
	return t == zmq4.Pub || t == zmq4.XPub
}

// SocketSpec describes a socket to open.
type SocketSpec struct {
	Name      string
	Type      string
	Bind      []string
	Connect   []string
	Identity  string
	Subscribe []string
}

// OpenSocket creates a zmq4 socket of spec.Type, binds and connects it.
func OpenSocket(ctx context.Context, spec SocketSpec) (zmq4.Socket, error) {
	var opts []zmq4.Option
	if spec.Identity != "" {
		opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(spec.Identity)))
	}

	var sock zmq4.Socket
	switch strings.ToLower(spec.Type) {
	case "router":
		sock = zmq4.NewRouter(ctx, opts...)
	case "dealer":
		sock = zmq4.NewDealer(ctx, opts...)
	case "pub":
		sock = zmq4.NewPub(ctx, opts...)
	case "sub":
		sock = zmq4.NewSub(ctx, opts...)
	case "push":
		sock = zmq4.NewPush(ctx, opts...)
	case "pull":
		sock = zmq4.NewPull(ctx, opts...)
	case "xpub":
		sock = zmq4.NewXPub(ctx, opts...)
	case "xsub":
		sock = zmq4.NewXSub(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, spec.Type)
	}

	for _, ep := range spec.Bind {
		if err := sock.Listen(ep); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("failed to bind %s to %s: %w", spec.Name, ep, err)
		}
	}
	for _, ep := range spec.Connect {
		if err := sock.Dial(ep); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("failed to connect %s to %s: %w", spec.Name, ep, err)
		}
	}
	if sock.Type() == zmq4.Sub {
		topics := spec.Subscribe
		if len(topics) == 0 {
			topics = []string{""}
		}
		for _, topic := range topics {
			if err := sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
				_ = sock.Close()
				return nil, fmt.Errorf("failed to subscribe %s: %w", spec.Name, err)
			}
		}
	}
	return sock, nil
}
