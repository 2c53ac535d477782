package recorder

import (
	"errors"
	"testing"

	"opusjam/internal/codec"
)

type fakeEncoder struct {
	calls int
	err   error
}

func (e *fakeEncoder) Encode(pcm []int16) ([]byte, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []byte{byte(len(pcm))}, nil
}
func (e *fakeEncoder) SetBitrate(int) error         { return nil }
func (e *fakeEncoder) SetPacketLossPerc(int) error { return nil }

func TestCallbackPublishesToAllListeners(t *testing.T) {
	enc := &fakeEncoder{}
	r := NewWithEncoder(enc)

	var got1, got2 []byte
	r.AddListener(func(data []byte) { got1 = data })
	r.AddListener(func(data []byte) { got2 = data })

	r.Callback(make([]int16, codec.FrameSamples))

	if got1 == nil || got2 == nil {
		t.Fatalf("expected both listeners to receive the frame, got %v %v", got1, got2)
	}
	if enc.calls != 1 {
		t.Fatalf("expected exactly one encode call, got %d", enc.calls)
	}
}

func TestCallbackSkipsWrongFrameSize(t *testing.T) {
	enc := &fakeEncoder{}
	r := NewWithEncoder(enc)
	called := false
	r.AddListener(func(data []byte) { called = true })

	r.Callback(make([]int16, codec.FrameSamples-1))

	if called || enc.calls != 0 {
		t.Fatalf("expected callback to skip encoding on a malformed frame count")
	}
}

func TestCallbackSkipsOnEncodeError(t *testing.T) {
	enc := &fakeEncoder{err: errors.New("boom")}
	r := NewWithEncoder(enc)
	called := false
	r.AddListener(func(data []byte) { called = true })

	r.Callback(make([]int16, codec.FrameSamples))

	if called {
		t.Fatalf("expected no publish on encode error")
	}
}

func TestMutedSuppressesPublish(t *testing.T) {
	enc := &fakeEncoder{}
	r := NewWithEncoder(enc)
	called := false
	r.AddListener(func(data []byte) { called = true })

	r.SetMuted(true)
	r.Callback(make([]int16, codec.FrameSamples))

	if called || enc.calls != 0 {
		t.Fatalf("expected muted recorder to skip both encode and publish")
	}
}
