// internal/ble/protocol/chunk.go
package protocol

// ChunkPacket splits a wire packet into pieces of at most size bytes, one per
// TX characteristic. Returns nil for an empty packet.
func ChunkPacket(pkt []byte, size int) [][]byte {
	if len(pkt) == 0 || size <= 0 {
		return nil
	}
	var chunks [][]byte
	for len(pkt) > 0 {
		n := min(size, len(pkt))
		chunks = append(chunks, pkt[:n])
		pkt = pkt[n:]
	}
	return chunks
}

// Assembler collects notification chunks until a whole packet (as declared by
// its leading length byte) has arrived.
type Assembler struct {
	buf  []byte
	want int
}

// Add appends a chunk and reports whether the packet is complete.
func (a *Assembler) Add(chunk []byte) bool {
	if len(a.buf) == 0 && len(chunk) > 0 {
		a.want = int(chunk[0])
	}
	a.buf = append(a.buf, chunk...)
	return a.Complete()
}

// Complete reports whether the declared length has been received.
func (a *Assembler) Complete() bool {
	return len(a.buf) > 0 && a.want >= HeaderSize && len(a.buf) >= a.want
}

// Invalid reports whether the first chunk declared an impossible length.
func (a *Assembler) Invalid() bool {
	return len(a.buf) > 0 && a.want < HeaderSize
}

// Bytes returns the collected bytes.
func (a *Assembler) Bytes() []byte {
	return a.buf
}
