package channel

// Packet is one enqueued, not-yet-decoded unit: a sequence number paired
// with its still-encoded payload.
type Packet struct {
	Seq  uint32
	Data []byte
}

// packetHeap is a container/heap.Interface min-heap ordered by Seq,
// grounded on the teacher pack's common packetHeap idiom (see
// other_examples' Zokiio-ovc jitter_buffer.go) rather than a hand-rolled
// binary heap.
type packetHeap []Packet

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].Seq < h[j].Seq }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x interface{}) { *h = append(*h, x.(Packet)) }
func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
