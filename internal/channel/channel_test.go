package channel

import (
	"sync"
	"testing"
	"time"

	"opusjam/internal/telemetry"
)

// fakeDecoder decodes by echoing the first byte of data as the first
// sample (zero elsewhere), and returns an all-(-1) frame for a
// concealment call (nil data) so tests can distinguish real decodes from
// concealment without needing a real Opus stream.
type fakeDecoder struct {
	mu      sync.Mutex
	decoded []uint32 // sequence-coded payloads seen, in call order
}

func (d *fakeDecoder) Decode(data []byte) ([]int16, error) {
	out := make([]int16, 120)
	if len(data) == 0 {
		for i := range out {
			out[i] = -1
		}
		return out, nil
	}
	seq := uint32(data[0])
	d.mu.Lock()
	d.decoded = append(d.decoded, seq)
	d.mu.Unlock()
	out[0] = int16(seq)
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

// decodedReady reports whether the decoder goroutine has published seq
// into the pre-decoded slot, ready for the next GetAudio to take.
func decodedReady(c *Channel, seq uint32) bool {
	c.decodedMu.Lock()
	defer c.decodedMu.Unlock()
	return c.decoded != nil && c.decoded.Seq == seq
}

func TestLosslessInOrderDelivery(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec, telemetry.New(), 0, 0)
	defer c.Close()

	for seq := uint32(1); seq <= 20; seq++ {
		c.Enqueue(seq, []byte{byte(seq)})
	}

	for seq := uint32(1); seq <= 20; seq++ {
		waitFor(t, func() bool { return decodedReady(c, seq) })
		samples := c.GetAudio()
		if len(samples) != 120 {
			t.Fatalf("expected 120 samples, got %d", len(samples))
		}
	}
}

func TestDuplicateStormDecodesOnce(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec, telemetry.New(), 0, 0)
	defer c.Close()

	for i := 0; i < 50; i++ {
		c.Enqueue(1, []byte{1})
	}
	waitFor(t, func() bool { return decodedReady(c, 1) })
	c.GetAudio()

	dec.mu.Lock()
	count := len(dec.decoded)
	dec.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 decode for a duplicate storm, got %d", count)
	}
}

func TestReorderedPairPlaysInSequenceOrder(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec, telemetry.New(), 0, 0)
	defer c.Close()

	c.Enqueue(2, []byte{2})
	c.Enqueue(1, []byte{1})

	waitFor(t, func() bool { return decodedReady(c, 1) })
	first := c.GetAudio()
	if first[0] != 1 {
		t.Fatalf("expected seq 1 to play first despite arriving second, got sample %d", first[0])
	}

	waitFor(t, func() bool { return decodedReady(c, 2) })
	second := c.GetAudio()
	if second[0] != 2 {
		t.Fatalf("expected seq 2 to play second, got sample %d", second[0])
	}
}

func TestGetAudioBeforeAnyPacketReturnsSilence(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec, telemetry.New(), 0, 0)
	defer c.Close()

	samples := c.GetAudio()
	for i, v := range samples {
		if v != 0 {
			t.Fatalf("sample %d not silent on cold start: %d", i, v)
		}
	}
}

func TestMissingFrameConcealsAndAdvances(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec, telemetry.New(), 0, 0)
	defer c.Close()

	c.Enqueue(1, []byte{1})
	waitFor(t, func() bool { return decodedReady(c, 1) })
	c.GetAudio()

	// Seq 2 never arrives; a GetAudio call must conceal and advance
	// last_played to 2 rather than stalling.
	before, _ := c.LastPlayed()
	_ = c.GetAudio()
	after, _ := c.LastPlayed()
	if after != before+1 {
		t.Fatalf("expected last_played to advance by 1 on concealment, %d -> %d", before, after)
	}
}

func TestAdjustBufferGrowsOnLowReadyRate(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec, telemetry.New(), 0, 0)
	defer c.Close()

	c.lastPlayed.Store(10) // initialized, so LastPlayed reports the shift
	c.rateMu.Lock()
	c.readyRate = 0.5
	c.rateMu.Unlock()

	before, _ := c.LastPlayed()
	c.adjustBuffer()
	after, _ := c.LastPlayed()

	if after != before-1 {
		t.Fatalf("expected last_played to retreat by 1 when ready_rate < 0.9, %d -> %d", before, after)
	}
	if got := c.ReadyRate(); got != 1.0 {
		t.Fatalf("expected ready_rate reset to 1.0, got %v", got)
	}
}

func TestAdjustBufferShrinksOnHighReadyNextRate(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec, telemetry.New(), 0, 0)
	defer c.Close()

	c.lastPlayed.Store(10) // initialized, so LastPlayed reports the shift
	c.rateMu.Lock()
	c.readyRate = 1.0 // above the grow threshold so only shrink can fire
	c.readyNextRate = 0.98
	c.rateMu.Unlock()

	before, _ := c.LastPlayed()
	c.adjustBuffer()
	after, _ := c.LastPlayed()

	if after != before+1 {
		t.Fatalf("expected last_played to advance by 1 when ready_next_rate > 0.95, %d -> %d", before, after)
	}
	if got := c.ReadyNextRate(); got != 0.0 {
		t.Fatalf("expected ready_next_rate reset to 0, got %v", got)
	}
}

func TestAdjustBufferNoOpInSteadyState(t *testing.T) {
	dec := &fakeDecoder{}
	c := New(dec, telemetry.New(), 0, 0)
	defer c.Close()

	c.rateMu.Lock()
	c.readyRate = 0.95
	c.readyNextRate = 0.5
	c.rateMu.Unlock()

	before, _ := c.LastPlayed()
	c.adjustBuffer()
	after, _ := c.LastPlayed()

	if after != before {
		t.Fatalf("expected no shift in steady state, %d -> %d", before, after)
	}
}
