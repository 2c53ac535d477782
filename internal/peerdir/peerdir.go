// Package peerdir maps peer names to network addresses and back, the way
// the UDP client needs to resolve an inbound datagram's source address to
// the peer name it belongs to, or a peer name to the address to send to.
//
// Grounded on original_source/net.py's PeerIndex: one name can own several
// addresses (a peer that reconnects from a new port/NAT mapping keeps its
// older addresses around until reassigned), newest first.
package peerdir

import (
	"math"
	"net"
)

// Peer describes one remote participant.
type Peer struct {
	Name  string
	Addrs []net.Addr // newest first

	// MinDiff/MaxDiff bracket the estimated clock offset of this peer
	// relative to the local clock, maintained by the transport layer's
	// ping/pong handling. Used only for optional tempo gossip. A newly
	// created Peer starts with the widest possible bracket (-Inf, +Inf)
	// so the first real measurement narrows it instead of being clamped
	// against an arbitrary zero value.
	MinDiff float64
	MaxDiff float64
}

// Index is a bidirectional name<->address mapping. Not safe for
// concurrent use; the transport layer's read loop is the sole mutator.
type Index struct {
	peers   map[string]*Peer
	addrmap map[string]string // addr.String() -> name
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		peers:   make(map[string]*Peer),
		addrmap: make(map[string]string),
	}
}

// SetAssoc associates addr with name. A no-op if already associated; if
// addr previously belonged to a different peer, it is moved.
func (ix *Index) SetAssoc(name string, addr net.Addr) {
	key := addr.String()
	if oldName, ok := ix.addrmap[key]; ok {
		if oldName == name {
			return
		}
		ix.removeAddr(oldName, key)
	}

	ix.addrmap[key] = name
	p, ok := ix.peers[name]
	if !ok {
		p = &Peer{Name: name, MinDiff: math.Inf(-1), MaxDiff: math.Inf(1)}
		ix.peers[name] = p
	}
	p.Addrs = append([]net.Addr{addr}, p.Addrs...)
}

// removeAddr drops addr (by string key) from name's address list.
func (ix *Index) removeAddr(name, key string) {
	p, ok := ix.peers[name]
	if !ok {
		return
	}
	out := p.Addrs[:0]
	for _, a := range p.Addrs {
		if a.String() != key {
			out = append(out, a)
		}
	}
	p.Addrs = out
}

// GetAddr returns the primary (most recently associated) address for name,
// or nil if the peer is unknown or has no addresses (logically absent).
func (ix *Index) GetAddr(name string) net.Addr {
	p, ok := ix.peers[name]
	if !ok || len(p.Addrs) == 0 {
		return nil
	}
	return p.Addrs[0]
}

// GetName returns the peer name associated with addr, and whether one was
// found.
func (ix *Index) GetName(addr net.Addr) (string, bool) {
	name, ok := ix.addrmap[addr.String()]
	return name, ok
}

// Get returns the Peer record for name, creating it (with no addresses) if
// it doesn't yet exist — used when seeding clock-offset state ahead of an
// address association.
func (ix *Index) Get(name string) *Peer {
	p, ok := ix.peers[name]
	if !ok {
		p = &Peer{Name: name, MinDiff: math.Inf(-1), MaxDiff: math.Inf(1)}
		ix.peers[name] = p
	}
	return p
}

// Peers returns every known peer, in no particular order.
func (ix *Index) Peers() []*Peer {
	out := make([]*Peer, 0, len(ix.peers))
	for _, p := range ix.peers {
		out = append(out, p)
	}
	return out
}
