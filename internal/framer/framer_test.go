package framer

import (
	"bytes"
	"testing"
)

func TestPrepareBroadcastSeqMonotonic(t *testing.T) {
	f := New()
	var last uint32
	for i := 0; i < 5; i++ {
		f.PrepareBroadcast([]byte("x"))
		if f.seq <= last && i > 0 {
			t.Fatalf("seq did not increase: %d -> %d", last, f.seq)
		}
		last = f.seq
	}
}

func TestPrepareBroadcastCapsAtThreeRecords(t *testing.T) {
	f := New()
	for i := 0; i < 10; i++ {
		f.PrepareBroadcast([]byte{byte(i)})
	}
	if len(f.recents) != maxRecords {
		t.Fatalf("expected %d recent records, got %d", maxRecords, len(f.recents))
	}
	// Newest-first, strictly decreasing.
	for i := 1; i < len(f.recents); i++ {
		if f.recents[i-1].Seq <= f.recents[i].Seq {
			t.Fatalf("records not strictly decreasing at %d", i)
		}
	}
}

func TestDemuxRoundTrip(t *testing.T) {
	f := New()
	datagram := f.PrepareBroadcast([]byte("frame-a"))
	records := Demux(datagram)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Seq != 1 || !bytes.Equal(records[0].Payload, []byte("frame-a")) {
		t.Fatalf("unexpected record: %+v", records[0])
	}

	datagram = f.PrepareBroadcast([]byte("frame-b"))
	records = Demux(datagram)
	if len(records) != 2 {
		t.Fatalf("expected 2 records after second send, got %d", len(records))
	}
	if records[0].Seq != 2 || !bytes.Equal(records[0].Payload, []byte("frame-b")) {
		t.Fatalf("newest record should be first: %+v", records[0])
	}
	if records[1].Seq != 1 || !bytes.Equal(records[1].Payload, []byte("frame-a")) {
		t.Fatalf("previous frame should follow: %+v", records[1])
	}
}

func TestDemuxTruncatedDatagramStopsCleanly(t *testing.T) {
	f := New()
	datagram := f.PrepareBroadcast([]byte("full-frame"))
	truncated := datagram[:len(datagram)-3]
	// Must not panic; the malformed trailing record is simply dropped.
	records := Demux(truncated)
	_ = records
}

func TestDemuxEmptyDatagram(t *testing.T) {
	if got := Demux(nil); got != nil {
		t.Fatalf("expected nil records for empty datagram, got %v", got)
	}
}
