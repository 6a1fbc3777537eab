package wire

import "github.com/banshee-data/trackbox/internal/monitoring"

// Assembler reassembles a byte stream into validated frames. The
// transport may deliver bytes in arbitrary chunk sizes; Feed buffers
// whatever arrives and emits every complete frame found so far.
// Assembler is not safe for concurrent use; the pipeline owns it.
type Assembler struct {
	buf []byte
	// running counters surfaced by Stats
	frames  uint64
	dropped uint64
}

// AssemblerStats reports cumulative counters since the assembler was
// created.
type AssemblerStats struct {
	Frames          uint64 // frames emitted
	ChecksumDropped uint64 // sync candidates dropped on checksum failure
}

// Feed appends chunk to the internal buffer and returns every complete,
// checksum-valid frame now available, in stream order. It never blocks
// and never fails: malformed data is skipped and scanning resumes, so a
// corrupt frame costs only itself.
func (a *Assembler) Feed(chunk []byte) []Frame {
	a.buf = append(a.buf, chunk...)

	var frames []Frame
	pos := 0
	for {
		// hunt for the sync pair
		for pos+1 < len(a.buf) && !(a.buf[pos] == Sync1 && a.buf[pos+1] == Sync2) {
			pos++
		}
		if pos+HeaderLen > len(a.buf) {
			// not enough buffered to read a length field
			break
		}

		payloadLen := int(a.buf[pos+4]) | int(a.buf[pos+5])<<8
		total := HeaderLen + payloadLen + ChecksumLen
		if pos+total > len(a.buf) {
			// incomplete frame; wait for more bytes
			break
		}

		body := a.buf[pos+2 : pos+HeaderLen+payloadLen]
		ckA, ckB := Checksum(body)
		if ckA != a.buf[pos+total-2] || ckB != a.buf[pos+total-1] {
			// Bad checksum: skip only the sync pair. The "frame" may
			// have been a false sync match inside unrelated payload
			// bytes, so the rest of the candidate must stay scannable.
			a.dropped++
			monitoring.Logf("wire: dropped frame candidate at class=0x%02X id=0x%02X (checksum mismatch)", a.buf[pos+2], a.buf[pos+3])
			pos += 2
			continue
		}

		payload := make([]byte, payloadLen)
		copy(payload, a.buf[pos+HeaderLen:pos+HeaderLen+payloadLen])
		frames = append(frames, Frame{
			Class:   a.buf[pos+2],
			ID:      a.buf[pos+3],
			Payload: payload,
		})
		a.frames++
		pos += total
	}

	// drop everything before the scan position but keep a partial sync
	// match at the tail
	if pos > 0 {
		a.buf = append(a.buf[:0], a.buf[pos:]...)
	}
	return frames
}

// Pending returns the number of buffered bytes not yet part of an
// emitted frame.
func (a *Assembler) Pending() int { return len(a.buf) }

// Stats returns cumulative assembler counters.
func (a *Assembler) Stats() AssemblerStats {
	return AssemblerStats{Frames: a.frames, ChecksumDropped: a.dropped}
}
