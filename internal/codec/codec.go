// Package codec wraps the Opus block codec as an opaque encoder/decoder
// operating on 5 ms / 120-sample mono frames at 24 kHz, 16-bit signed PCM
// — exactly the external-collaborator interface spec.md treats the codec
// as. Everything about Opus's internal extrapolation math is out of
// scope; this package only shapes the calls the jitter buffer needs,
// grounded on the teacher's opusEncoder/opusDecoder abstraction in
// client/audio.go.
package codec

import "gopkg.in/hraban/opus.v2"

const (
	// SampleRate is fixed by the wire format: 24 kHz mono.
	SampleRate = 24000
	// Channels is fixed at mono.
	Channels = 1
	// FrameSamples is the fixed decoded frame size: 120 samples (5 ms at
	// SampleRate).
	FrameSamples = 120
	// maxPacketBytes bounds an encoded frame; generous relative to the
	// ~40-160 B spec.md expects in practice.
	maxPacketBytes = 512
)

// Encoder abstracts Opus encoding for testability.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	SetBitrate(bps int) error
	SetPacketLossPerc(pct int) error
}

// Decoder abstracts Opus decoding for testability. Decode(nil) must
// produce a packet-loss-concealment frame — Opus's built-in extrapolation
// from internal decoder state — rather than an error.
type Decoder interface {
	Decode(data []byte) ([]int16, error)
}

type encoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewEncoder returns an Encoder configured for voice at 24 kHz mono, with
// in-band FEC and a conservative initial loss estimate — mirroring the
// teacher's Start() setup in client/audio.go.
func NewEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	enc.SetBitrate(32000)
	enc.SetInBandFEC(true)
	enc.SetPacketLossPerc(5)
	return &encoder{enc: enc, buf: make([]byte, maxPacketBytes)}, nil
}

func (e *encoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

func (e *encoder) SetBitrate(bps int) error { return e.enc.SetBitrate(bps) }

func (e *encoder) SetPacketLossPerc(pct int) error { return e.enc.SetPacketLossPerc(pct) }

type decoder struct {
	dec *opus.Decoder
}

// NewDecoder returns a Decoder configured for 24 kHz mono. Decoder state
// is stateful: calls must be driven in strict ascending sequence order,
// including concealment calls for missing frames — see internal/channel.
func NewDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, err
	}
	return &decoder{dec: dec}, nil
}

// Decode decodes data into exactly FrameSamples samples. A nil/empty data
// slice invokes Opus's packet-loss concealment path, which extrapolates a
// plausible frame from the decoder's internal state instead of failing.
func (d *decoder) Decode(data []byte) ([]int16, error) {
	pcm := make([]int16, FrameSamples)
	if len(data) == 0 {
		if err := d.dec.DecodePLC(pcm); err != nil {
			return nil, err
		}
		return pcm, nil
	}
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		return nil, err
	}
	return pcm[:n], nil
}

// Crossfade linearly blends two 120-sample frames, fading from one to two
// across the frame — used to smooth the transition from a concealed frame
// to the next real one. Both inputs and the output are FrameSamples long;
// shorter inputs are treated as silence beyond their length.
func Crossfade(one, two []int16) []int16 {
	out := make([]int16, FrameSamples)
	for i := 0; i < FrameSamples; i++ {
		var a, b int32
		if i < len(one) {
			a = int32(one[i])
		}
		if i < len(two) {
			b = int32(two[i])
		}
		weight := float64(i) / float64(FrameSamples-1)
		out[i] = int16(a + int32(weight*float64(b-a)))
	}
	return out
}

// Silence returns a FrameSamples-long frame of zeroed PCM.
func Silence() []int16 {
	return make([]int16, FrameSamples)
}
