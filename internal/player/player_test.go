package player

import (
	"testing"
	"time"

	"opusjam/internal/codec"
	"opusjam/internal/telemetry"
)

// constDecoder decodes any non-empty payload to a frame of the given
// constant value, and an all-zero frame for concealment calls.
type constDecoder struct{ value int16 }

func (d constDecoder) Decode(data []byte) ([]int16, error) {
	out := make([]int16, codec.FrameSamples)
	if len(data) == 0 {
		return out, nil
	}
	for i := range out {
		out[i] = d.value
	}
	return out, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func newTestPlayer(value int16) *Player {
	return NewWithDecoderFactory(func() (codec.Decoder, error) {
		return constDecoder{value: value}, nil
	}, telemetry.New(), 0, 0)
}

func TestCallbackReturnsSilenceWithNoChannels(t *testing.T) {
	p := newTestPlayer(100)
	frame := p.Callback()
	for i, v := range frame {
		if v != 0 {
			t.Fatalf("sample %d not silent: %d", i, v)
		}
	}
}

func TestSingleChannelPassesThroughUnmixed(t *testing.T) {
	p := newTestPlayer(500)
	p.Put("alice", 1, []byte{1})

	waitFor(t, func() bool {
		frame := p.Callback()
		return frame[0] == 500
	})
}

func TestTwoChannelsMixToElementwiseMean(t *testing.T) {
	frames := [][]int16{
		{1000, 1000},
		{-1000, -1000},
	}
	out := mix(frames)
	if out[0] != 0 || out[1] != 0 {
		t.Fatalf("expected mean of 1000 and -1000 to be 0, got %v", out)
	}
}

func TestMixSaturatesOnOverflow(t *testing.T) {
	frames := [][]int16{
		{32767},
		{32767},
		{32767},
	}
	out := mix(frames)
	if out[0] != 32767 {
		t.Fatalf("expected saturated mean of identical max values to stay at max, got %d", out[0])
	}
}

func TestFreshChannelIsNotIdle(t *testing.T) {
	p := newTestPlayer(777)
	p.Put("alice", 1, []byte{1})
	waitFor(t, func() bool {
		_, ok := p.channels["alice"]
		return ok
	})

	ch := p.channels["alice"]
	// A channel that has just received a packet is inside idleCutoff, so
	// Callback's idle check keeps it in the mix.
	if time.Since(ch.LastPacketTime()) >= idleCutoff {
		t.Fatalf("freshly created channel should not already be idle")
	}
}
