package codec

import "testing"

func TestSilenceIsFrameSamplesLong(t *testing.T) {
	s := Silence()
	if len(s) != FrameSamples {
		t.Fatalf("expected %d samples, got %d", FrameSamples, len(s))
	}
	for i, v := range s {
		if v != 0 {
			t.Fatalf("sample %d not silent: %d", i, v)
		}
	}
}

func TestCrossfadeEndpoints(t *testing.T) {
	one := make([]int16, FrameSamples)
	two := make([]int16, FrameSamples)
	for i := range one {
		one[i] = 1000
		two[i] = -1000
	}
	out := Crossfade(one, two)
	if len(out) != FrameSamples {
		t.Fatalf("expected %d samples, got %d", FrameSamples, len(out))
	}
	if out[0] != 1000 {
		t.Fatalf("first sample should equal `one`, got %d", out[0])
	}
	if out[FrameSamples-1] != -1000 {
		t.Fatalf("last sample should equal `two`, got %d", out[FrameSamples-1])
	}
	// Monotonic descent from 1000 to -1000.
	for i := 1; i < FrameSamples; i++ {
		if out[i] > out[i-1] {
			t.Fatalf("crossfade not monotonic at %d: %d -> %d", i, out[i-1], out[i])
		}
	}
}

func TestCrossfadeShorterInputsTreatedAsSilence(t *testing.T) {
	one := []int16{500}
	two := []int16{}
	out := Crossfade(one, two)
	if len(out) != FrameSamples {
		t.Fatalf("expected %d samples, got %d", FrameSamples, len(out))
	}
	if out[1] != 0 {
		t.Fatalf("sample beyond `one`'s length should be treated as silence, got %d", out[1])
	}
}
