// Package recorder implements the capture-side half of the pipeline:
// each 120-sample input-device callback is encoded to Opus and fanned
// out synchronously to every registered listener (normally the
// transport's Broadcast/BroadcastUnreliably).
//
// Grounded on original_source/recorder.py's Recorder (encode-then-notify
// on every callback) and the teacher's captureLoop in client/audio.go
// (reused encode buffer, running flag sampled per iteration, log.Printf
// on codec failure rather than propagating).
package recorder

import (
	"log"
	"sync"

	"opusjam/internal/codec"
)

// Listener receives one encoded frame per input callback.
type Listener func(data []byte)

// Recorder owns the encoder and the registered listener set.
type Recorder struct {
	encoder codec.Encoder

	mu        sync.RWMutex
	listeners []Listener

	mutedMu sync.Mutex
	muted   bool
}

// New returns a Recorder backed by a real Opus encoder.
func New() (*Recorder, error) {
	enc, err := codec.NewEncoder()
	if err != nil {
		return nil, err
	}
	return &Recorder{encoder: enc}, nil
}

// NewWithEncoder is New, but with the encoder injected — used by tests.
func NewWithEncoder(enc codec.Encoder) *Recorder {
	return &Recorder{encoder: enc}
}

// AddListener registers fn to receive every future encoded frame.
func (r *Recorder) AddListener(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// SetMuted suppresses publishing without stopping capture: while muted,
// Callback returns before encoding, so captured frames reach neither the
// encoder nor any listener.
func (r *Recorder) SetMuted(muted bool) {
	r.mutedMu.Lock()
	r.muted = muted
	r.mutedMu.Unlock()
}

func (r *Recorder) isMuted() bool {
	r.mutedMu.Lock()
	defer r.mutedMu.Unlock()
	return r.muted
}

// Callback is invoked once per input-device period with exactly
// codec.FrameSamples samples. It encodes and publishes synchronously,
// matching the teacher's captureLoop: never spawns goroutines per frame,
// logs and skips on a codec failure rather than propagating it.
func (r *Recorder) Callback(pcm []int16) {
	if len(pcm) != codec.FrameSamples {
		log.Printf("[recorder] incorrect input frame count %d", len(pcm))
		return
	}
	if r.isMuted() {
		return
	}

	data, err := r.encoder.Encode(pcm)
	if err != nil {
		log.Printf("[recorder] encode: %v", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.listeners {
		fn(data)
	}
}
