// Package framer packs and unpacks the binary broadcast datagram: a small
// sliding window of the most recent encoded frames, bundled together so a
// single lost datagram is recoverable from either neighbor.
package framer

import "encoding/binary"

// maxRecords is the number of most-recent frames bundled into each
// outgoing datagram. Cost is ~3x bandwidth for ~100 bytes of redundancy
// overhead per frame, in exchange for recovering from one, and often two,
// consecutive datagram losses.
const maxRecords = 3

// Record is one (seq, payload) pair carried on the wire.
type Record struct {
	Seq     uint32
	Payload []byte
}

// Framer accumulates outgoing frames and prepares redundant broadcast
// payloads. Not safe for concurrent use without external locking.
type Framer struct {
	seq     uint32 // pre-increment counter; first PrepareBroadcast call yields seq 1
	recents []Record // newest first, capped at maxRecords
}

// New returns a ready-to-use Framer. The first call to PrepareBroadcast
// yields seq 1.
func New() *Framer {
	return &Framer{}
}

// PrepareBroadcast increments the broadcast sequence, prepends (seq, data)
// to the recent-frames deque, trims it to maxRecords, and returns the
// concatenated wire payload: seq(u32 BE) || size(u32 BE) || bytes, repeated
// newest-first.
func (f *Framer) PrepareBroadcast(data []byte) []byte {
	f.seq++

	payload := make([]byte, len(data))
	copy(payload, data)

	f.recents = append([]Record{{Seq: f.seq, Payload: payload}}, f.recents...)
	if len(f.recents) > maxRecords {
		f.recents = f.recents[:maxRecords]
	}

	return encodeRecords(f.recents)
}

// encodeRecords concatenates records into the wire format, newest-first
// order preserved from the input slice.
func encodeRecords(records []Record) []byte {
	size := 0
	for _, r := range records {
		size += 8 + len(r.Payload)
	}
	out := make([]byte, 0, size)
	for _, r := range records {
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], r.Seq)
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(r.Payload)))
		out = append(out, hdr[:]...)
		out = append(out, r.Payload...)
	}
	return out
}

// Demux scans a broadcast datagram into its constituent records, stopping
// cleanly (dropping only the malformed remainder) if the datagram is
// truncated or corrupt.
func Demux(datagram []byte) []Record {
	var records []Record
	for len(datagram) >= 8 {
		seq := binary.BigEndian.Uint32(datagram[0:4])
		size := binary.BigEndian.Uint32(datagram[4:8])
		datagram = datagram[8:]
		if uint64(size) > uint64(len(datagram)) {
			break // malformed: declared size exceeds remaining bytes
		}
		records = append(records, Record{Seq: seq, Payload: datagram[:size]})
		datagram = datagram[size:]
	}
	return records
}
