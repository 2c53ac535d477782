// Package transport implements the UDP client that multiplexes the JSON
// control plane and the binary audio plane on a single socket: a read
// loop, a 1 Hz ping loop, RPC-with-retry, broadcast fan-out (plus a
// lossy test-harness broadcast path), and peer-to-peer clock-offset
// estimation.
//
// Grounded on original_source/net.py's Client (read_loop/ping_loop/rpc/
// multisend/receive_ping/receive_pong) and restructured into goroutines
// and channels the way the teacher structures Transport's background
// loops in client/transport.go (goroutines stopped by closing a shared
// stop channel, an atomic sequence counter, log.Printf("[transport] ...")
// logging).
package transport

import (
	"errors"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"opusjam/internal/framer"
	"opusjam/internal/peerdir"
	"opusjam/internal/telemetry"
	"opusjam/internal/wire"
)

// ErrRPCTimeout is returned by RPC when no matching response arrives
// within the retry window.
var ErrRPCTimeout = errors.New("transport: rpc timeout")

const (
	rpcTimeout       = 10 * time.Second
	rpcRetryInterval = 1 * time.Second
	pingInterval     = 1 * time.Second
	maxDatagramBytes = 1024
)

// RawHandler receives one demultiplexed audio record, already resolved
// to its sender's peer name.
type RawHandler func(peerName string, seq uint32, payload []byte)

// Client owns the UDP socket and all control/audio-plane bookkeeping for
// one local participant.
type Client struct {
	Name       string
	InstanceID uuid.UUID

	tel *telemetry.Registry

	conn *net.UDPConn
	seq  atomic.Uint32

	dirMu sync.Mutex
	dir   *peerdir.Index

	knownMu sync.Mutex
	known   []wire.ClientInfo

	framer *framer.Framer

	rawMu  sync.RWMutex
	rawFn  RawHandler

	rpcMu    sync.Mutex
	rpcCalls []*rpcCall

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	chaosMu   sync.Mutex
	chaosHeap delayHeap
	chaosRng  *rand.Rand
	sticky    bool
	chaosWake chan struct{}

	tempoMu sync.Mutex
	tempo   *wire.Tempo

	stop chan struct{}
	wg   sync.WaitGroup
}

// rpcCall tracks one in-flight RPC: the set of sequence numbers it has
// sent under (any of which a matching reply satisfies) and the channel
// the first matching reply is delivered on.
type rpcCall struct {
	mu   sync.Mutex
	seqs map[uint32]bool
	resp chan wire.Control
}

func (c *rpcCall) addSeq(seq uint32) {
	c.mu.Lock()
	c.seqs[seq] = true
	c.mu.Unlock()
}

func (c *rpcCall) matches(seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqs[seq]
}

// New binds a UDP socket to an ephemeral port and registers hostAddr as
// the relay's address under the name "host". tel receives this Client's
// RPC-timeout/malformed-datagram/rate-limit-drop telemetry.
func New(name string, hostAddr *net.UDPAddr, tel *telemetry.Registry) (*Client, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}
	c := &Client{
		Name:       name,
		InstanceID: uuid.New(),
		tel:        tel,
		conn:       conn,
		dir:        peerdir.New(),
		framer:     framer.New(),
		limiters:   make(map[string]*rate.Limiter),
		chaosRng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		chaosWake:  make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	c.dir.SetAssoc("host", hostAddr)
	return c, nil
}

// Start launches the read loop, ping loop, and chaos-drain loop.
func (c *Client) Start() {
	c.wg.Add(3)
	go c.readLoop()
	go c.pingLoop()
	go c.chaosDrainLoop()
}

// Close stops all background loops and the socket.
func (c *Client) Close() error {
	close(c.stop)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// SetRawHandler registers the single callback invoked for each
// demultiplexed audio record.
func (c *Client) SetRawHandler(fn RawHandler) {
	c.rawMu.Lock()
	c.rawFn = fn
	c.rawMu.Unlock()
}

// SetKnownPeers replaces the locally cached peer roster, as advertised
// by the relay in an enter/pong reply.
func (c *Client) SetKnownPeers(peers []wire.ClientInfo) {
	c.knownMu.Lock()
	c.known = peers
	c.knownMu.Unlock()
}

// KnownPeers returns the cached peer roster.
func (c *Client) KnownPeers() []wire.ClientInfo {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()
	out := make([]wire.ClientInfo, len(c.known))
	copy(out, c.known)
	return out
}

// SetTempo adopts t as the locally known tempo when none is held yet or
// when t.Seq is at least the held tempo's Seq (an equal Seq replaces the
// held tempo) — last-writer-wins arbitration by seq. Every subsequent
// ping piggybacks it.
func (c *Client) SetTempo(t wire.Tempo) {
	c.tempoMu.Lock()
	defer c.tempoMu.Unlock()
	if c.tempo == nil || t.Seq >= c.tempo.Seq {
		tc := t
		c.tempo = &tc
	}
}

// Tempo returns the currently known tempo, or ok=false if none has been
// set or gossiped yet.
func (c *Client) Tempo() (wire.Tempo, bool) {
	c.tempoMu.Lock()
	defer c.tempoMu.Unlock()
	if c.tempo == nil {
		return wire.Tempo{}, false
	}
	return *c.tempo, true
}

func (c *Client) currentTempo() *wire.Tempo {
	c.tempoMu.Lock()
	defer c.tempoMu.Unlock()
	if c.tempo == nil {
		return nil
	}
	tc := *c.tempo
	return &tc
}

func (c *Client) nextSeq() uint32 { return c.seq.Add(1) }

// resolveAddr returns name's known address, or nil if unknown.
func (c *Client) resolveAddr(name string) net.Addr {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()
	return c.dir.GetAddr(name)
}

func (c *Client) sendControl(msg wire.Control, addr net.Addr) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		var e error
		udpAddr, e = net.ResolveUDPAddr("udp", addr.String())
		if e != nil {
			return e
		}
	}
	_, err = c.conn.WriteToUDP(data, udpAddr)
	return err
}

// RPC sends msg to dst, retransmitting with a fresh sequence number
// every second until a reply bearing one of those sequence numbers
// arrives, or rpcTimeout elapses.
func (c *Client) RPC(msg wire.Control, dst string) (wire.Control, error) {
	call := &rpcCall{seqs: make(map[uint32]bool), resp: make(chan wire.Control, 1)}
	c.rpcMu.Lock()
	c.rpcCalls = append(c.rpcCalls, call)
	c.rpcMu.Unlock()
	defer c.dropRPCCall(call)

	stopSend := make(chan struct{})
	defer close(stopSend)
	go c.multisend(msg, dst, call, stopSend)

	select {
	case resp := <-call.resp:
		return resp, nil
	case <-time.After(rpcTimeout):
		c.tel.Count("rpc_timeout")
		return wire.Control{}, ErrRPCTimeout
	}
}

func (c *Client) dropRPCCall(target *rpcCall) {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()
	out := c.rpcCalls[:0]
	for _, call := range c.rpcCalls {
		if call != target {
			out = append(out, call)
		}
	}
	c.rpcCalls = out
}

func (c *Client) multisend(msg wire.Control, dst string, call *rpcCall, stop chan struct{}) {
	msg.From = c.Name
	send := func() {
		addr := c.resolveAddr(dst)
		if addr == nil {
			return
		}
		seq := c.nextSeq()
		call.addSeq(seq)
		msg.Seq = seq
		if err := c.sendControl(msg, addr); err != nil {
			log.Printf("[transport] multisend %s to %s: %v", msg.Type, dst, err)
		}
	}
	send()
	ticker := time.NewTicker(rpcRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			send()
		}
	}
}

// Broadcast fans a frame of encoded audio, wrapped with the broadcast
// framer's redundancy, out to every known peer except self.
func (c *Client) Broadcast(data []byte) {
	payload := c.framer.PrepareBroadcast(data)
	for _, peer := range c.KnownPeers() {
		if peer.Name == c.Name {
			continue
		}
		addr := c.resolveAddr(peer.Name)
		if addr == nil {
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		if _, err := c.conn.WriteToUDP(payload, udpAddr); err != nil {
			log.Printf("[transport] broadcast to %s: %v", peer.Name, err)
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, maxDatagramBytes)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
				log.Printf("[transport] read: %v", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.handleDatagram(data, addr)
	}
}

func (c *Client) handleDatagram(data []byte, addr *net.UDPAddr) {
	if !wire.IsControl(data) {
		c.handleAudio(data, addr)
		return
	}

	if !c.limiterFor(addr.String()).Allow() {
		c.tel.Count("rate_limited")
		return // malformed/abusive flood from this source; drop silently
	}

	payload, err := wire.Unmarshal(data)
	if err != nil {
		c.tel.Count("malformed_datagram")
		return // MalformedDatagram: drop silently
	}

	c.dirMu.Lock()
	var peerName string
	if payload.From != "" {
		c.dir.SetAssoc(payload.From, addr)
		peerName = payload.From
	} else {
		peerName, _ = c.dir.GetName(addr)
	}
	c.dirMu.Unlock()

	switch payload.Type {
	case "ping":
		c.receivePing(payload, addr)
		return
	case "pong":
		c.receivePong(payload, peerName)
		return
	}

	if payload.Seq == 0 {
		return
	}
	c.rpcMu.Lock()
	calls := append([]*rpcCall(nil), c.rpcCalls...)
	c.rpcMu.Unlock()
	for _, call := range calls {
		if call.matches(payload.Seq) {
			select {
			case call.resp <- payload:
			default:
			}
			return
		}
	}
}

func (c *Client) handleAudio(data []byte, addr *net.UDPAddr) {
	c.dirMu.Lock()
	peerName, ok := c.dir.GetName(addr)
	c.dirMu.Unlock()
	if !ok {
		return // audio from an address we haven't associated yet
	}

	c.rawMu.RLock()
	fn := c.rawFn
	c.rawMu.RUnlock()
	if fn == nil {
		return
	}
	for _, rec := range framer.Demux(data) {
		fn(peerName, rec.Seq, rec.Payload)
	}
}

func (c *Client) limiterFor(addr string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	lim, ok := c.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(20), 40)
		c.limiters[addr] = lim
	}
	return lim
}

// offsetTime is the local clock reading embedded in outgoing ping/pong
// messages — a hook point for a future NTP-style local correction; today
// it is simply the local wall clock.
func offsetTime() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.pingAll()
		}
	}
}

func (c *Client) pingAll() {
	targets := append([]wire.ClientInfo{{Name: "host"}}, c.KnownPeers()...)
	for _, peer := range targets {
		if peer.Name == c.Name {
			continue
		}
		addr := c.resolveAddr(peer.Name)
		if addr == nil {
			if peer.Addr == "" {
				continue
			}
			resolved, err := net.ResolveUDPAddr("udp", peer.Addr)
			if err != nil {
				continue
			}
			addr = resolved
			log.Printf("[transport] trying to reach %s", peer.Name)
		}
		msg := wire.Control{
			Type:  "ping",
			From:  c.Name,
			Seq:   c.nextSeq(),
			Time:  offsetTime(),
			Tempo: c.currentTempo(),
		}
		if err := c.sendControl(msg, addr); err != nil {
			log.Printf("[transport] ping %s: %v", peer.Name, err)
		}
	}
}

func (c *Client) receivePing(payload wire.Control, addr *net.UDPAddr) {
	if payload.Tempo != nil {
		c.SetTempo(*payload.Tempo)
	}
	reply := wire.Control{
		Type:     "pong",
		From:     c.Name,
		Seq:      payload.Seq,
		PingTime: payload.Time,
		Time:     offsetTime(),
		Tempo:    c.currentTempo(),
	}
	if err := c.sendControl(reply, addr); err != nil {
		log.Printf("[transport] pong to %s: %v", addr, err)
	}
}

// receivePong handles both shapes of pong: the relay's (carries a
// refreshed client roster, no timestamps) and a peer's (carries the
// echoed ping time and its own reply time, feeding clock-offset
// estimation).
//
// maxdiff is computed as min(maxdiff, pong_time-ping_time): spec.md §9
// flags the source's min(mindiff, ...) as almost certainly a typo, so
// this implementation uses maxdiff on both sides of the update.
func (c *Client) receivePong(payload wire.Control, peerName string) {
	if payload.Tempo != nil {
		c.SetTempo(*payload.Tempo)
	}
	if payload.Clients != nil {
		c.SetKnownPeers(payload.Clients)
		return
	}
	if peerName == "" || peerName == "host" {
		return
	}
	now := offsetTime()
	c.dirMu.Lock()
	peer := c.dir.Get(peerName)
	peer.MinDiff = maxFloat(peer.MinDiff, payload.Time-now)
	peer.MaxDiff = minFloat(peer.MaxDiff, payload.Time-payload.PingTime)
	c.dirMu.Unlock()
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
