// Package relay implements the stateless UDP rendezvous directory:
// enter/ping/leave, with a 5 s staleness sweep evicting entries whose
// last ping is older than 15 s.
//
// Grounded directly on original_source/relay.py's CLIENTS dict and
// handle_msg/list_clients, restructured as an explicit object (per
// spec.md's Design Notes on eliminating global state) the way the
// teacher structures its own stateful server components.
package relay

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"opusjam/internal/telemetry"
	"opusjam/internal/wire"
)

const (
	pruneInterval = 5 * time.Second
	staleTimeout  = 15 * time.Second
)

type entry struct {
	name     string
	addr     *net.UDPAddr
	lastPing time.Time
}

// Relay holds the in-memory client directory. All persistence is
// explicitly out of scope: state is lost on restart.
type Relay struct {
	mu      sync.Mutex
	clients map[string]*entry
	started time.Time
	tel     *telemetry.Registry
}

// New returns an empty Relay. tel receives enter/leave/prune-eviction
// telemetry.
func New(tel *telemetry.Registry) *Relay {
	return &Relay{clients: make(map[string]*entry), started: time.Now(), tel: tel}
}

// listClientsLocked returns every currently known client. It does not
// prune; stale entries are evicted only by pruneStale. Caller must hold mu.
func (r *Relay) listClientsLocked() []wire.ClientInfo {
	out := make([]wire.ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, wire.ClientInfo{Name: c.name, Addr: c.addr.String()})
	}
	return out
}

// HandleMessage applies one inbound control message from addr and
// returns the reply to send back (from/seq are filled in by the
// caller), or ok=false if the message type is unrecognized and no reply
// should be sent.
func (r *Relay) HandleMessage(body wire.Control, addr *net.UDPAddr) (wire.Control, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch body.Type {
	case "enter":
		r.clients[addr.String()] = &entry{name: body.From, addr: addr, lastPing: time.Now()}
		r.tel.Count("enter")
		r.tel.Meter("clients", float64(len(r.clients)))
		return wire.Control{YouAre: addr.String(), Clients: r.listClientsLocked()}, true
	case "ping":
		if c, ok := r.clients[addr.String()]; ok {
			c.lastPing = time.Now()
		}
		return wire.Control{Type: "pong", Clients: r.listClientsLocked()}, true
	case "leave":
		delete(r.clients, addr.String())
		r.tel.Count("leave")
		return wire.Control{}, true
	default:
		return wire.Control{}, false
	}
}

// pruneStale evicts clients whose last ping is older than staleTimeout.
func (r *Relay) pruneStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for addr, c := range r.clients {
		if now.Sub(c.lastPing) > staleTimeout {
			delete(r.clients, addr)
			r.tel.Count("pruned")
		}
	}
}

// ClientCount returns the number of currently tracked clients.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Uptime returns the duration since the Relay was constructed.
func (r *Relay) Uptime() time.Duration {
	return time.Since(r.started)
}

// Serve binds conn's read loop: for every JSON datagram, applies
// HandleMessage and writes the reply with from:"host" and the request's
// echoed seq (when present). Malformed datagrams are dropped silently.
// Runs until ctx is canceled.
func (r *Relay) Serve(ctx context.Context, conn *net.UDPConn) error {
	go r.pruneLoop(ctx)

	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("[relay] read: %v", err)
				continue
			}
		}

		if !wire.IsControl(buf[:n]) {
			continue // MalformedDatagram: drop silently
		}
		body, err := wire.Unmarshal(buf[:n])
		if err != nil {
			continue
		}

		reply, ok := r.HandleMessage(body, addr)
		if !ok {
			continue
		}
		reply.From = "host"
		if body.Seq != 0 {
			reply.Seq = body.Seq
		}
		data, err := wire.Marshal(reply)
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP(data, addr); err != nil {
			log.Printf("[relay] write to %s: %v", addr, err)
		}
	}
}

func (r *Relay) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pruneStale()
		}
	}
}
