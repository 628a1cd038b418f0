package network

import (
	"fmt"
	"time"

	"github.com/VanDung-dev/hierafabric/envelope"
	"github.com/VanDung-dev/hierafabric/message"
)

// Tier is one of the fixed predicate shapes a rule can take. Tiers are
// evaluated in declaration order and every matching tier forwards.
type Tier int

const (
	TierType Tier = iota
	TierTo
	TierFrom
	TierToFromType
	TierToFrom
	tierCount
	tierInvalid Tier = -1
)

var tierCounters = [tierCount]string{
	TierType:       "routed_type",
	TierTo:         "routed_to",
	TierFrom:       "routed_from",
	TierToFromType: "routed_to_from_type",
	TierToFrom:     "routed_to_from",
}

// Counter returns the stats counter incremented when a rule of this tier
// matches.
func (t Tier) Counter() string {
	if t < 0 || t >= tierCount {
		return "routed_unknown"
	}
	return tierCounters[t]
}

// Rule is a routing predicate. Unset fields are unconstrained.
type Rule struct {
	Kind message.Kind
	To   string
	From string
	// Expires marks a rule that is dropped after the peer TTL passes
	// without a match. Rules are permanent otherwise.
	Expires bool
}

// Tier classifies the rule's shape.
func (r Rule) Tier() Tier {
	hasType, hasTo, hasFrom := r.Kind != 0, r.To != "", r.From != ""
	switch {
	case hasType && !hasTo && !hasFrom:
		return TierType
	case hasTo && !hasFrom && !hasType:
		return TierTo
	case hasFrom && !hasTo && !hasType:
		return TierFrom
	case hasTo && hasFrom && hasType:
		return TierToFromType
	case hasTo && hasFrom:
		return TierToFrom
	}
	return tierInvalid
}

// normalize canonicalizes addresses and checks the shape.
func (r Rule) normalize() (Rule, error) {
	if r.Kind == 0 && r.To == "" && r.From == "" {
		return r, fmt.Errorf("%w: rule needs at least one of type, to, from", envelope.ErrValidation)
	}
	if r.Kind != 0 && !r.Kind.Valid() {
		return r, fmt.Errorf("%w: %d", message.ErrUnknownKind, uint8(r.Kind))
	}
	var err error
	if r.To != "" {
		if r.To, err = envelope.CanonicalUUID(r.To); err != nil {
			return r, fmt.Errorf("rule to: %w", err)
		}
	}
	if r.From != "" {
		if r.From, err = envelope.CanonicalUUID(r.From); err != nil {
			return r, fmt.Errorf("rule from: %w", err)
		}
	}
	if r.Tier() == tierInvalid {
		return r, fmt.Errorf("%w: type may only be combined with both to and from", envelope.ErrValidation)
	}
	return r, nil
}

func (r Rule) matches(e *envelope.Envelope) bool {
	if r.Kind != 0 && uint8(r.Kind) != e.TypeID {
		return false
	}
	if r.To != "" && r.To != e.To {
		return false
	}
	if r.From != "" && r.From != e.From {
		return false
	}
	return true
}

type route struct {
	Rule
	dest      Handle
	lastMatch time.Time
}

// ruleSet holds the rules of one source socket bucketed by tier.
type ruleSet [tierCount][]*route

func (s *ruleSet) add(rt *route) {
	t := rt.Tier()
	s[t] = append(s[t], rt)
}

func (s *ruleSet) len() int {
	n := 0
	for _, tier := range s {
		n += len(tier)
	}
	return n
}

// expire drops expiring rules whose last match predates cutoff.
func (s *ruleSet) expire(cutoff time.Time) int {
	removed := 0
	for t, tier := range s {
		kept := tier[:0]
		for _, rt := range tier {
			if rt.Expires && rt.lastMatch.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, rt)
		}
		s[t] = kept
	}
	return removed
}
