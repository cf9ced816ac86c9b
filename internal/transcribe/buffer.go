package transcribe

// ringBuffer holds audio chunks captured while the upstream link is down,
// bounded by a byte cap. When the cap would be exceeded the oldest chunks are
// evicted first: recent audio is prioritized for replay, not all audio.
//
// Not safe for concurrent use; the Client serializes access.
type ringBuffer struct {
	capBytes int
	size     int
	chunks   [][]byte
}

func newRingBuffer(capBytes int) *ringBuffer {
	return &ringBuffer{capBytes: capBytes}
}

// append stores a copy of chunk, evicting the oldest chunks until it fits. A
// single chunk larger than the whole cap is truncated to its newest capBytes
// bytes.
func (b *ringBuffer) append(chunk []byte) {
	if b.capBytes <= 0 || len(chunk) == 0 {
		return
	}
	if len(chunk) > b.capBytes {
		chunk = chunk[len(chunk)-b.capBytes:]
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	for b.size+len(cp) > b.capBytes && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
	b.chunks = append(b.chunks, cp)
	b.size += len(cp)
}

// drain returns all buffered chunks in arrival order and clears the buffer.
func (b *ringBuffer) drain() [][]byte {
	out := b.chunks
	b.chunks = nil
	b.size = 0
	return out
}

// clear discards all buffered chunks.
func (b *ringBuffer) clear() {
	b.chunks = nil
	b.size = 0
}

// bytes returns the current buffered byte count.
func (b *ringBuffer) bytes() int {
	return b.size
}
