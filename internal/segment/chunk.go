package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Chunks carry segments over message-oriented transports such as SRT live
// mode, where each socket write is delivered whole or not at all. Every
// chunk names its segment and byte range, so a lost message costs only the
// segment it belonged to and the receiver picks up again at the next
// segment's first chunk.
//
// Chunk layout (big-endian):
//
//	magic   [4]byte  "TRKC"
//	seq     uint64   sequence of the segment being carried
//	offset  uint32   position of the payload within the segment
//	total   uint32   full segment length
//	payload [...]byte
const (
	ChunkHeaderSize = 20
	// MaxChunkSize is the largest SRT live-mode message.
	MaxChunkSize     = 1316
	ChunkPayloadSize = MaxChunkSize - ChunkHeaderSize
)

var chunkMagic = [4]byte{'T', 'R', 'K', 'C'}

// ErrMalformedChunk is returned by ParseChunk for a message that is not a
// valid chunk.
var ErrMalformedChunk = errors.New("segment: malformed chunk")

// Chunk is one parsed transport message.
type Chunk struct {
	Seq     uint64
	Offset  uint32
	Total   uint32
	Payload []byte
}

// WriteChunks splits seg into chunks and writes each with its own Write
// call. seq is the sequence carried in every chunk header.
func WriteChunks(w io.Writer, seq uint64, seg []byte) error {
	if len(seg) == 0 {
		return ErrEmptySegment
	}
	if len(seg) > MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(seg))
	}
	msg := make([]byte, 0, MaxChunkSize)
	for off := 0; off < len(seg); off += ChunkPayloadSize {
		end := min(off+ChunkPayloadSize, len(seg))
		msg = append(msg[:0], chunkMagic[:]...)
		msg = binary.BigEndian.AppendUint64(msg, seq)
		msg = binary.BigEndian.AppendUint32(msg, uint32(off))
		msg = binary.BigEndian.AppendUint32(msg, uint32(len(seg)))
		msg = append(msg, seg[off:end]...)
		n, err := w.Write(msg)
		if err != nil {
			return err
		}
		if n < len(msg) {
			return io.ErrShortWrite
		}
	}
	return nil
}

// ParseChunk validates one message. The returned payload aliases msg.
func ParseChunk(msg []byte) (Chunk, error) {
	var c Chunk
	if len(msg) < ChunkHeaderSize {
		return c, fmt.Errorf("%w: %d bytes is shorter than the %d-byte header", ErrMalformedChunk, len(msg), ChunkHeaderSize)
	}
	if [4]byte(msg[:4]) != chunkMagic {
		return c, fmt.Errorf("%w: bad magic %q", ErrMalformedChunk, msg[:4])
	}
	c.Seq = binary.BigEndian.Uint64(msg[4:12])
	c.Offset = binary.BigEndian.Uint32(msg[12:16])
	c.Total = binary.BigEndian.Uint32(msg[16:20])
	c.Payload = msg[ChunkHeaderSize:]

	switch {
	case c.Total == 0 || c.Total > MaxSize:
		return c, fmt.Errorf("%w: segment length %d", ErrMalformedChunk, c.Total)
	case len(c.Payload) == 0:
		return c, fmt.Errorf("%w: empty payload", ErrMalformedChunk)
	case uint64(c.Offset)+uint64(len(c.Payload)) > uint64(c.Total):
		return c, fmt.Errorf("%w: bytes %d..%d outside segment of %d", ErrMalformedChunk,
			c.Offset, uint64(c.Offset)+uint64(len(c.Payload)), c.Total)
	}
	return c, nil
}

// Reassembler rebuilds segments from chunks delivered in order. It holds
// at most one partial segment; any chunk that does not continue it
// abandons the partial segment.
type Reassembler struct {
	buf    []byte
	seq    uint64
	total  uint32
	active bool

	// last sequence reported lost, so its remaining chunks are not
	// reported again
	lost    uint64
	hasLost bool
}

// Add consumes one chunk. It returns the segment bytes when c completes a
// segment, and the number of segments abandoned because one of their
// chunks never arrived. Each abandoned segment is counted once.
func (r *Reassembler) Add(c Chunk) (seg []byte, lost int) {
	if r.active && (c.Seq != r.seq || c.Total != r.total || int(c.Offset) != len(r.buf)) {
		lost += r.markLost(r.seq)
		r.active = false
	}
	if !r.active {
		if c.Offset != 0 {
			// Middle of a segment whose first chunk was lost.
			return nil, lost + r.markLost(c.Seq)
		}
		r.buf = make([]byte, 0, c.Total)
		r.seq, r.total, r.active = c.Seq, c.Total, true
	}

	r.buf = append(r.buf, c.Payload...)
	if len(r.buf) < int(r.total) {
		return nil, lost
	}
	seg = r.buf
	r.buf, r.active = nil, false
	return seg, lost
}

// Pending reports whether a segment is partially assembled.
func (r *Reassembler) Pending() bool {
	return r.active
}

func (r *Reassembler) markLost(seq uint64) int {
	if r.hasLost && r.lost == seq {
		return 0
	}
	r.lost, r.hasLost = seq, true
	return 1
}
