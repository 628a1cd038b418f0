package network

import (
	"time"
)

// PeerRoute is the learned transport path back to one agent.
type PeerRoute struct {
	Dest     Handle
	Frames   [][]byte
	LastSeen time.Time
}

// PeerCache maps agent UUIDs to the socket and leading frames that reach
// them. It is owned by the router's poll loop and is not safe for
// concurrent use.
type PeerCache struct {
	peers map[string]*PeerRoute
}

// NewPeerCache creates an empty cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{peers: make(map[string]*PeerRoute)}
}

// Learn records or refreshes the route to id. Returns true if id was not
// cached before.
func (c *PeerCache) Learn(id string, dest Handle, frames [][]byte, now time.Time) bool {
	route, ok := c.peers[id]
	if !ok {
		c.peers[id] = &PeerRoute{Dest: dest, Frames: frames, LastSeen: now}
		return true
	}
	route.Dest = dest
	route.Frames = frames
	route.LastSeen = now
	return false
}

// Lookup returns the route to id.
func (c *PeerCache) Lookup(id string) (*PeerRoute, bool) {
	route, ok := c.peers[id]
	return route, ok
}

// Forget removes id.
func (c *PeerCache) Forget(id string) {
	delete(c.peers, id)
}

// Sweep removes peers not seen since cutoff and returns how many were removed.
func (c *PeerCache) Sweep(cutoff time.Time) int {
	removed := 0
	for id, route := range c.peers {
		if route.LastSeen.Before(cutoff) {
			delete(c.peers, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached peers.
func (c *PeerCache) Len() int {
	return len(c.peers)
}

// IDs returns the cached peer UUIDs in no particular order.
func (c *PeerCache) IDs() []string {
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}
