// Package channel implements the per-remote-peer adaptive jitter buffer:
// sequence-aware deduplication, priority-ordered reassembly, adaptive
// target-buffer depth driven by exponentially weighted "ready" estimators,
// a dedicated decoder goroutine that pre-decodes the next frame, and
// packet-loss concealment with crossfade through the codec's built-in
// extrapolation.
//
// Grounded line-for-line on original_source/player.py's Channel class,
// restructured the way the teacher structures concurrent state (explicit
// mutexes instead of relying on CPython's GIL, atomics for the fields
// touched by more than one goroutine without a natural lock).
package channel

import (
	"container/heap"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"opusjam/internal/codec"
	"opusjam/internal/dedup"
	"opusjam/internal/telemetry"
)

// decodedFrame is the single pre-decoded frame waiting for the audio
// callback to consume.
type decodedFrame struct {
	Seq     uint32
	Samples []int16
}

// defaultReadyFloor/defaultReadyNextCeil are the grow/shrink thresholds
// used when a caller doesn't override them (config.ReadyRateFloor/
// ReadyNextRateCeil of 0).
const (
	defaultReadyFloor    = 0.9
	defaultReadyNextCeil = 0.95
)

// Channel owns all per-remote-peer jitter-buffer state. Enqueue is called
// from the network read loop; GetAudio is called from the hard-real-time
// audio callback; the decoder goroutine runs independently of both.
type Channel struct {
	decoder codec.Decoder
	tel     *telemetry.Registry

	// readyFloor/readyNextCeil are the adjustBuffer grow/shrink
	// thresholds — overridable per internal/config's jitter-buffer
	// overrides, defaulting to defaultReadyFloor/defaultReadyNextCeil.
	readyFloor    float64
	readyNextCeil float64

	dedup *dedup.Filter // touched only by Enqueue (network thread)

	heapMu sync.Mutex
	heap   packetHeap

	// lastPlayed is -1 while uninitialized (cold start). Read without a
	// lock from Enqueue, dequeue and the hot pull path; written lock-free
	// by shouldPlay and by GetAudio's concealment advance, and under
	// rateMu by adjustBuffer, so this must be atomic rather than a plain
	// field.
	lastPlayed atomic.Int64

	decodedMu sync.Mutex // guards decoded; maps to spec.md's wake_lock
	decoded   *decodedFrame

	decoderLock sync.Mutex // serializes decode vs. concealment, per spec.md
	lastMissing bool       // guarded by decoderLock

	wake chan struct{} // size-1 wake signal; maps to spec.md's wake_event
	stop chan struct{}
	wg   sync.WaitGroup

	rateMu        sync.Mutex // guards the three EWMAs below (read from two goroutines)
	acceptRate    float64
	readyRate     float64
	readyNextRate float64

	lastPacketTime atomic.Int64 // UnixNano; read by the mixer's idle check
}

// New returns a Channel with its decoder goroutine already running. Call
// Close to stop it. tel receives this Channel's ready-rate/missing-frame/
// buffer-adjustment telemetry. readyFloor/readyNextCeil override the
// adjustBuffer grow/shrink thresholds; pass 0 for either to use the
// default (0.9/0.95).
func New(decoder codec.Decoder, tel *telemetry.Registry, readyFloor, readyNextCeil float64) *Channel {
	if readyFloor == 0 {
		readyFloor = defaultReadyFloor
	}
	if readyNextCeil == 0 {
		readyNextCeil = defaultReadyNextCeil
	}
	c := &Channel{
		decoder:       decoder,
		tel:           tel,
		readyFloor:    readyFloor,
		readyNextCeil: readyNextCeil,
		dedup:         dedup.New(),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		readyRate:     1.0,
		readyNextRate: 0.0,
		acceptRate:    1.0,
	}
	c.lastPlayed.Store(-1)
	c.lastPacketTime.Store(time.Now().UnixNano())
	c.wg.Add(1)
	go c.runDecoder()
	return c
}

// Close stops the decoder goroutine. The Channel must not be used
// afterward.
func (c *Channel) Close() {
	close(c.stop)
	c.wg.Wait()
}

// signalWake sets the wake event without blocking if it's already set.
func (c *Channel) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Enqueue is called from the network read loop for each packet addressed
// to this Channel's remote peer.
func (c *Channel) Enqueue(seq uint32, data []byte) {
	c.lastPacketTime.Store(time.Now().UnixNano())

	if !c.dedup.Receive(seq) {
		return
	}

	c.rateMu.Lock()
	c.acceptRate *= 0.995
	c.rateMu.Unlock()

	lastPlayed := c.lastPlayed.Load()
	if lastPlayed < 0 || int64(seq) > lastPlayed {
		c.heapMu.Lock()
		heap.Push(&c.heap, Packet{Seq: seq, Data: data})
		c.heapMu.Unlock()

		c.rateMu.Lock()
		c.acceptRate += 0.005
		c.rateMu.Unlock()

		c.signalWake()
	}
}

// LastPacketTime returns the wall-clock time of the most recent Enqueue
// call (stamped before the dedup check, so duplicates count too), or of
// the Channel's construction if nothing has arrived yet. Used by the mixer
// to prune idle channels.
func (c *Channel) LastPacketTime() time.Time {
	return time.Unix(0, c.lastPacketTime.Load())
}

// dequeue applies the dequeue policy from spec.md §4.5: cold-start pops
// unconditionally; otherwise stale heads are discarded, and the next
// in-order packet is popped only if it is exactly last_played+1.
//
// This guards the heap[0] peek the original Python leaves unguarded after
// a pop (open question in spec.md §9): every peek here checks Len() > 0
// first.
func (c *Channel) dequeue() (Packet, bool) {
	c.rateMu.Lock()
	c.readyNextRate *= 0.995
	c.rateMu.Unlock()

	lastPlayed := c.lastPlayed.Load()

	c.heapMu.Lock()
	defer c.heapMu.Unlock()

	if lastPlayed < 0 {
		if c.heap.Len() == 0 {
			return Packet{}, false
		}
		return heap.Pop(&c.heap).(Packet), true
	}

	for c.heap.Len() > 0 && int64(c.heap[0].Seq) <= lastPlayed {
		heap.Pop(&c.heap)
	}
	if c.heap.Len() == 0 {
		return Packet{}, false
	}
	if int64(c.heap[0].Seq) != lastPlayed+1 {
		return Packet{}, false // gap pending; concealment will fire in the pull path
	}

	popped := heap.Pop(&c.heap).(Packet)
	if c.heap.Len() > 0 && c.heap[0].Seq == popped.Seq+1 {
		c.rateMu.Lock()
		c.readyNextRate += 0.005
		c.rateMu.Unlock()
	}
	return popped, true
}

// runDecoder is the per-Channel decoder goroutine. It decodes strictly in
// ascending sequence order with no gaps, filling exactly one concealment
// call per missing frame.
func (c *Channel) runDecoder() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		}

		c.decodedMu.Lock()
		already := c.decoded != nil
		c.decodedMu.Unlock()
		if already {
			continue // audio callback hasn't drained it yet
		}

		packet, ok := c.dequeue()
		if !ok {
			continue // nothing ready; go back to sleep
		}

		c.decoderLock.Lock()
		lastPlayed := c.lastPlayed.Load()
		if lastPlayed >= 0 && int64(packet.Seq) <= lastPlayed {
			// The callback already advanced past this frame.
			c.decoderLock.Unlock()
			continue
		}

		var samples []int16
		var err error
		if c.lastMissing {
			one, e1 := c.decoder.Decode(nil)
			two, e2 := c.decoder.Decode(packet.Data)
			if e1 != nil {
				err = e1
			} else if e2 != nil {
				err = e2
			} else {
				samples = codec.Crossfade(one, two)
			}
			c.lastMissing = false
		} else {
			samples, err = c.decoder.Decode(packet.Data)
		}
		if err != nil {
			log.Printf("[channel] decode seq %d: %v", packet.Seq, err)
			c.decoderLock.Unlock()
			continue
		}

		c.decodedMu.Lock()
		c.decoded = &decodedFrame{Seq: packet.Seq, Samples: samples}
		c.decoderLock.Unlock()
		c.decodedMu.Unlock()
	}
}

// readDecoded atomically takes whatever is in decoded (possibly nil) and
// wakes the decoder goroutine to let it know the slot is free.
func (c *Channel) readDecoded() *decodedFrame {
	c.decodedMu.Lock()
	d := c.decoded
	c.decoded = nil
	c.decodedMu.Unlock()
	c.signalWake()
	return d
}

// shouldPlay reports whether frame is the next playable frame, and if so
// advances last_played to it — mirroring original_source/player.py's
// should_play, which folds the check and the advance into one call.
func (c *Channel) shouldPlay(frame *decodedFrame) bool {
	if frame == nil {
		return false
	}
	lastPlayed := c.lastPlayed.Load()
	if lastPlayed >= 0 && int64(frame.Seq) != lastPlayed+1 {
		return false
	}
	c.lastPlayed.Store(int64(frame.Seq))
	return true
}

// GetAudio returns exactly codec.FrameSamples samples for the current
// 5 ms playback tick: a real decoded frame if one is ready, a freshly
// concealed frame if a gap is pending, or silence before the first frame
// ever arrives. Called from the audio callback; must never block on I/O.
func (c *Channel) GetAudio() []int16 {
	c.rateMu.Lock()
	c.readyRate *= 0.995
	c.rateMu.Unlock()
	c.tel.Meter("ready", c.ReadyRate())

	frame := c.readDecoded()
	if c.shouldPlay(frame) {
		c.bumpReady()
		c.adjustBuffer()
		return frame.Samples
	}

	// Serialize against an in-flight decode of a possibly stale frame.
	c.decoderLock.Lock()
	c.decodedMu.Lock()
	fresh := c.decoded
	c.decodedMu.Unlock()
	if c.shouldPlay(fresh) {
		c.decoderLock.Unlock()
		frame = c.readDecoded()
		c.bumpReady()
		c.adjustBuffer()
		return frame.Samples
	}

	lastPlayed := c.lastPlayed.Load()
	if lastPlayed >= 0 {
		samples, err := c.decoder.Decode(nil)
		if err != nil {
			log.Printf("[channel] conceal: %v", err)
			samples = codec.Silence()
		}
		c.lastMissing = true
		c.decoderLock.Unlock()
		c.lastPlayed.Store(lastPlayed + 1)
		c.tel.Count("missing")
		c.adjustBuffer()
		return samples
	}

	c.decoderLock.Unlock()
	return codec.Silence()
}

func (c *Channel) bumpReady() {
	c.rateMu.Lock()
	c.readyRate += 0.005
	c.rateMu.Unlock()
}

// adjustBuffer is the adaptive-depth heart of the jitter buffer: a single
// frame shift nudged by the two ready-rate EWMAs. See spec.md §4.5 and
// DESIGN.md for the grow/shrink rationale.
func (c *Channel) adjustBuffer() {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	switch {
	case c.readyRate < c.readyFloor:
		c.lastPlayed.Add(-1)
		c.readyNextRate = c.readyRate
		c.readyRate = 1.0
		c.tel.Count("<<=")
	case c.readyNextRate > c.readyNextCeil:
		c.lastPlayed.Add(1)
		c.readyRate = c.readyNextRate
		c.readyNextRate = 0.0
		c.tel.Count("=>>")
	}
}

// ReadyRate returns the current ready-rate EWMA, for telemetry and tests.
func (c *Channel) ReadyRate() float64 {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	return c.readyRate
}

// ReadyNextRate returns the current ready-next-rate EWMA, for telemetry
// and tests.
func (c *Channel) ReadyNextRate() float64 {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	return c.readyNextRate
}

// AcceptRate returns the current accept-rate EWMA, for telemetry.
func (c *Channel) AcceptRate() float64 {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	return c.acceptRate
}

// LastPlayed returns the sequence number of the last emitted frame, and
// whether the channel has played anything yet.
func (c *Channel) LastPlayed() (seq uint32, initialized bool) {
	v := c.lastPlayed.Load()
	if v < 0 {
		return 0, false
	}
	return uint32(v), true
}
