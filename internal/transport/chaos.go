package transport

import (
	"container/heap"
	"log"
	"math/rand"
	"net"
	"time"
)

// BroadcastUnreliably is the test-harness broadcast path: it prepares the
// same redundant payload as Broadcast, then schedules each peer's
// datagram through a simulated lossy link instead of sending it
// synchronously — random delay, probabilistic sticky loss, occasional
// duplication. Grounded on spec.md §4.4's chaos model; nothing in
// original_source implements this (it is a test-only addition), so the
// delay/loss/duplicate shape follows the spec directly.
func (c *Client) BroadcastUnreliably(data []byte) {
	payload := c.framer.PrepareBroadcast(data)
	for _, peer := range c.KnownPeers() {
		if peer.Name == c.Name {
			continue
		}
		addr := c.resolveAddr(peer.Name)
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		c.scheduleChaos(udpAddr, payload)
	}
}

func (c *Client) scheduleChaos(addr *net.UDPAddr, data []byte) {
	c.chaosMu.Lock()
	defer c.chaosMu.Unlock()

	if c.chaosDrop() {
		return
	}

	delay := expDelay(c.chaosRng, 25*time.Millisecond)
	heap.Push(&c.chaosHeap, delayedSend{fireAt: time.Now().Add(delay), addr: addr, data: data})

	if c.chaosRng.Float64() < 0.01 {
		dupDelay := expDelay(c.chaosRng, 10*time.Millisecond)
		heap.Push(&c.chaosHeap, delayedSend{fireAt: time.Now().Add(dupDelay), addr: addr, data: data})
	}

	c.signalChaosWake()
}

// chaosDrop decides whether this send is lost. The decision is sticky
// 25% of the time (repeats the previous call's outcome) and re-rolled
// 75% of the time against a flat 5% loss rate. Caller holds chaosMu.
func (c *Client) chaosDrop() bool {
	if c.chaosRng.Float64() < 0.75 {
		c.sticky = c.chaosRng.Float64() < 0.05
	}
	return c.sticky
}

// expDelay draws from an exponential distribution with the given mean.
func expDelay(rng *rand.Rand, mean time.Duration) time.Duration {
	return time.Duration(rng.ExpFloat64() * float64(mean))
}

func (c *Client) signalChaosWake() {
	select {
	case c.chaosWake <- struct{}{}:
	default:
	}
}

// chaosDrainLoop sends each scheduled datagram once its fireAt time
// arrives.
func (c *Client) chaosDrainLoop() {
	defer c.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		c.chaosMu.Lock()
		var wait time.Duration
		if c.chaosHeap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(c.chaosHeap[0].fireAt)
			if wait < 0 {
				wait = 0
			}
		}
		c.chaosMu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-c.stop:
			return
		case <-c.chaosWake:
			continue
		case <-timer.C:
			c.drainReady()
		}
	}
}

func (c *Client) drainReady() {
	now := time.Now()
	for {
		c.chaosMu.Lock()
		if c.chaosHeap.Len() == 0 || c.chaosHeap[0].fireAt.After(now) {
			c.chaosMu.Unlock()
			return
		}
		item := heap.Pop(&c.chaosHeap).(delayedSend)
		c.chaosMu.Unlock()

		if _, err := c.conn.WriteToUDP(item.data, item.addr); err != nil {
			log.Printf("[transport] chaos send to %s: %v", item.addr, err)
		}
	}
}

// delayedSend is one scheduled chaos-path datagram.
type delayedSend struct {
	fireAt time.Time
	addr   *net.UDPAddr
	data   []byte
}

// delayHeap is a container/heap.Interface min-heap ordered by fireAt.
type delayHeap []delayedSend

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(delayedSend)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
