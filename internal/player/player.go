// Package player implements the audio-callback-driven mixer: one Channel
// per remote peer, pulled and mixed on every output-device callback.
//
// Grounded on original_source/player.py's Player (copy-on-write channel
// map, 5 s idle cutoff, element-wise mean mix) and the teacher's
// playbackLoop in client/audio.go (fixed-period pull from a per-sender
// jitter buffer, silence fallback).
package player

import (
	"sync"
	"time"

	"opusjam/internal/channel"
	"opusjam/internal/codec"
	"opusjam/internal/telemetry"
)

const idleCutoff = 5 * time.Second

// Player hosts every active remote peer's Channel and produces one mixed
// frame per output-device callback.
type Player struct {
	mu         sync.Mutex
	channels   map[string]*channel.Channel
	newDecoder func() (codec.Decoder, error)

	tel           *telemetry.Registry
	readyFloor    float64
	readyNextCeil float64
}

// New returns an empty Player backed by real Opus decoders. tel receives
// every spawned Channel's telemetry; readyFloor/readyNextCeil override
// each Channel's adjustBuffer thresholds (0 for either uses the Channel
// default).
func New(tel *telemetry.Registry, readyFloor, readyNextCeil float64) *Player {
	return &Player{
		channels:      make(map[string]*channel.Channel),
		newDecoder:    codec.NewDecoder,
		tel:           tel,
		readyFloor:    readyFloor,
		readyNextCeil: readyNextCeil,
	}
}

// NewWithDecoderFactory is New, but with the decoder constructor injected
// — used by tests to substitute a fake Decoder without touching Opus.
func NewWithDecoderFactory(newDecoder func() (codec.Decoder, error), tel *telemetry.Registry, readyFloor, readyNextCeil float64) *Player {
	return &Player{
		channels:      make(map[string]*channel.Channel),
		newDecoder:    newDecoder,
		tel:           tel,
		readyFloor:    readyFloor,
		readyNextCeil: readyNextCeil,
	}
}

// Put enqueues a demultiplexed audio record for peerName, creating its
// Channel (and decoder) on first arrival. Safe to call concurrently with
// Callback.
func (p *Player) Put(peerName string, seq uint32, data []byte) {
	ch := p.channelFor(peerName)
	if ch == nil {
		return
	}
	ch.Enqueue(seq, data)
}

// channelFor returns the existing Channel for peerName, or creates one
// under a copy-on-write map replace so Callback's reads stay lock-light.
func (p *Player) channelFor(peerName string) *channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.channels[peerName]; ok {
		return ch
	}

	dec, err := p.newDecoder()
	if err != nil {
		return nil // CodecError on setup: no channel for this peer this session
	}
	ch := channel.New(dec, p.tel, p.readyFloor, p.readyNextCeil)

	next := make(map[string]*channel.Channel, len(p.channels)+1)
	for name, existing := range p.channels {
		next[name] = existing
	}
	next[peerName] = ch
	p.channels = next
	return ch
}

// snapshot returns the current channel map without holding the lock
// during the pull/mix below — copy-on-write means this read is safe even
// while channelFor installs a new map concurrently.
func (p *Player) snapshot() map[string]*channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels
}

// Callback is invoked once per 5 ms audio-device period. It pulls one
// frame from every channel active within the last 5 s, mixes them, and
// always returns exactly codec.FrameSamples samples.
func (p *Player) Callback() []int16 {
	now := time.Now()
	var frames [][]int16
	for _, ch := range p.snapshot() {
		if now.Sub(ch.LastPacketTime()) >= idleCutoff {
			continue
		}
		frames = append(frames, ch.GetAudio())
	}
	return mix(frames)
}

// mix returns the element-wise mean of frames, saturating-cast back to
// int16. A single frame is returned unchanged; no frames yields silence.
func mix(frames [][]int16) []int16 {
	if len(frames) == 0 {
		return codec.Silence()
	}
	if len(frames) == 1 {
		return frames[0]
	}
	out := make([]int16, codec.FrameSamples)
	for i := 0; i < codec.FrameSamples; i++ {
		var sum int64
		for _, f := range frames {
			if i < len(f) {
				sum += int64(f[i])
			}
		}
		out[i] = saturate16(sum / int64(len(frames)))
	}
	return out
}

func saturate16(v int64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}

// Close stops every channel's decoder goroutine. Used on shutdown only;
// idle channels are otherwise kept alive (silent) rather than pruned, per
// spec.md's pruning policy (skipped from the mix, not destroyed).
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.channels {
		ch.Close()
	}
}
