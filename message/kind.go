package message

import (
	"fmt"
	"strings"

	"github.com/VanDung-dev/hierafabric/envelope"
)

// Kind is the message type carried in the envelope's type_id field.
type Kind uint8

// Closed catalogue of message kinds. Values are wire type ids and must not
// be renumbered.
const (
	KindCounter    Kind = 1
	KindGauge      Kind = 2
	KindMark       Kind = 3
	KindHeartbeat  Kind = 4
	KindLog        Kind = 5
	KindRegister   Kind = 6
	KindData       Kind = 7
	KindPluginExec Kind = 8
	KindEvent      Kind = 9
	KindAck        Kind = 10
	KindError      Kind = 11
	KindNoop       Kind = 12
)

// Well-known route addresses. Agents address a kind by sending to its route
// UUID; receivers resolve the alias back into a kind for legacy senders
// that leave type_id unset.
const (
	RouteCounter   = "5c1e0a3e-7b1f-4d8a-9e0b-0000000000c1"
	RouteGauge     = "5c1e0a3e-7b1f-4d8a-9e0b-0000000000c2"
	RouteMark      = "5c1e0a3e-7b1f-4d8a-9e0b-0000000000c3"
	RouteHeartbeat = "5c1e0a3e-7b1f-4d8a-9e0b-0000000000b1"
	RouteLog       = "5c1e0a3e-7b1f-4d8a-9e0b-0000000000a1"
	RouteRegister  = "5c1e0a3e-7b1f-4d8a-9e0b-0000000000d1"
	RouteData      = "5c1e0a3e-7b1f-4d8a-9e0b-0000000000d2"
	RouteEvent     = "5c1e0a3e-7b1f-4d8a-9e0b-0000000000e1"
	RouteError     = "5c1e0a3e-7b1f-4d8a-9e0b-0000000000e2"
	RouteNoop      = "5c1e0a3e-7b1f-4d8a-9e0b-000000000000"
)

// policy is the fixed construction behaviour of a kind.
type policy struct {
	name string
	// route is the default destination; "" means callers must name To.
	route string
	// forceAck sets the ack flag regardless of caller input.
	forceAck bool
	// explicitTo rejects route aliases; To and From must both be UUIDs.
	explicitTo bool
	// fromEnvelopeOnly kinds cannot be built through New.
	fromEnvelopeOnly bool
	// errorWrap encodes the payload as an error document.
	errorWrap bool
}

var catalogue = map[Kind]policy{
	KindCounter:    {name: "counter", route: RouteCounter},
	KindGauge:      {name: "gauge", route: RouteGauge},
	KindMark:       {name: "mark", route: RouteMark},
	KindHeartbeat:  {name: "heartbeat", route: RouteHeartbeat},
	KindLog:        {name: "log", route: RouteLog},
	KindRegister:   {name: "register", route: RouteRegister},
	KindData:       {name: "data", route: RouteData},
	KindPluginExec: {name: "plugin_exec", explicitTo: true},
	KindEvent:      {name: "event", route: RouteEvent, forceAck: true},
	KindAck:        {name: "ack", fromEnvelopeOnly: true},
	KindError:      {name: "error", route: RouteError, errorWrap: true},
	KindNoop:       {name: "noop", route: RouteNoop},
}

var (
	byName  = map[string]Kind{}
	byRoute = map[string]Kind{}
)

func init() {
	for k, p := range catalogue {
		byName[p.name] = k
		if p.route != "" {
			byRoute[p.route] = k
		}
	}
	// Accepted spellings from older agents.
	byName["metric"] = KindGauge
	byName["stat"] = KindGauge
	byName["raw"] = KindData
	byName["registration"] = KindRegister
}

// String returns the kind's catalogue name.
func (k Kind) String() string {
	if p, ok := catalogue[k]; ok {
		return p.name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is in the catalogue.
func (k Kind) Valid() bool {
	_, ok := catalogue[k]
	return ok
}

// IsMetric reports whether k is one of the stat kinds.
func (k Kind) IsMetric() bool {
	return k == KindCounter || k == KindGauge || k == KindMark
}

// Route returns the default route UUID of k, or "" when k has none.
func (k Kind) Route() string {
	return catalogue[k].route
}

// ParseKind resolves a catalogue name (case-insensitive).
func ParseKind(name string) (Kind, error) {
	k, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

// LookupKind resolves a wire type id.
func LookupKind(id uint8) (Kind, bool) {
	k := Kind(id)
	return k, k.Valid()
}

// KindForRoute resolves a route UUID or route name alias.
func KindForRoute(route string) (Kind, bool) {
	if id, err := envelope.CanonicalUUID(route); err == nil {
		k, ok := byRoute[id]
		return k, ok
	}
	k, ok := byName[strings.ToLower(strings.TrimSpace(route))]
	if !ok || catalogue[k].route == "" {
		return 0, false
	}
	return k, true
}

// resolveKind finds the kind of a received envelope: type id first, then
// the route alias of To, then the route alias of From for replies sent by
// a service back to an agent.
func resolveKind(e *envelope.Envelope) (Kind, error) {
	if k, ok := LookupKind(e.TypeID); ok {
		return k, nil
	}
	if k, ok := byRoute[e.To]; ok {
		return k, nil
	}
	if k, ok := byRoute[e.From]; ok {
		return k, nil
	}
	return 0, fmt.Errorf("%w: type id %d", ErrUnknownKind, e.TypeID)
}
