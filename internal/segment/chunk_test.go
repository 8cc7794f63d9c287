package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// messages records each Write as one message.
type messages [][]byte

func (m *messages) Write(p []byte) (int, error) {
	*m = append(*m, append([]byte(nil), p...))
	return len(p), nil
}

func chunksOf(t *testing.T, seq uint64, seg []byte) [][]byte {
	t.Helper()
	var m messages
	if err := WriteChunks(&m, seq, seg); err != nil {
		t.Fatalf("WriteChunks: %v", err)
	}
	return m
}

func TestWriteChunksSizes(t *testing.T) {
	t.Parallel()
	seg := bytes.Repeat([]byte{7}, 3000)
	msgs := chunksOf(t, 5, seg)

	want := []int{MaxChunkSize, MaxChunkSize, ChunkHeaderSize + 3000 - 2*ChunkPayloadSize}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, msg := range msgs {
		if len(msg) != want[i] {
			t.Errorf("message %d: %d bytes, want %d", i, len(msg), want[i])
		}
		c, err := ParseChunk(msg)
		if err != nil {
			t.Fatalf("ParseChunk(%d): %v", i, err)
		}
		if c.Seq != 5 || c.Total != 3000 || c.Offset != uint32(i*ChunkPayloadSize) {
			t.Errorf("message %d: got seq %d offset %d total %d", i, c.Seq, c.Offset, c.Total)
		}
	}
}

func TestParseChunkRejects(t *testing.T) {
	t.Parallel()
	valid := chunksOf(t, 1, []byte("hello"))[0]
	withTotal := func(total uint32) []byte {
		msg := append([]byte(nil), valid...)
		binary.BigEndian.PutUint32(msg[16:20], total)
		return msg
	}

	tests := []struct {
		name string
		msg  []byte
	}{
		{name: "short", msg: valid[:ChunkHeaderSize-1]},
		{name: "bad magic", msg: append([]byte("TRKL"), valid[4:]...)},
		{name: "empty payload", msg: valid[:ChunkHeaderSize]},
		{name: "zero total", msg: withTotal(0)},
		{name: "past end", msg: withTotal(3)},
		{name: "total too large", msg: withTotal(MaxSize + 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseChunk(tt.msg); !errors.Is(err, ErrMalformedChunk) {
				t.Fatalf("got %v, want ErrMalformedChunk", err)
			}
		})
	}
}

func TestReassembler(t *testing.T) {
	t.Parallel()
	a := bytes.Repeat([]byte{1}, 3000)
	b := bytes.Repeat([]byte{2}, 2000)
	c := []byte("small")

	ma, mb, mc := chunksOf(t, 0, a), chunksOf(t, 1, b), chunksOf(t, 2, c)

	tests := []struct {
		name     string
		msgs     [][]byte
		want     [][]byte
		wantLost int
	}{
		{
			name: "in order",
			msgs: concat(ma, mb, mc),
			want: [][]byte{a, b, c},
		},
		{
			name:     "lost middle chunk",
			msgs:     concat([][]byte{ma[0], ma[2]}, mb, mc),
			want:     [][]byte{b, c},
			wantLost: 1,
		},
		{
			name:     "lost last chunk",
			msgs:     concat(ma[:2], mb, mc),
			want:     [][]byte{b, c},
			wantLost: 1,
		},
		{
			name:     "lost first chunk",
			msgs:     concat(ma[1:], mb, mc),
			want:     [][]byte{b, c},
			wantLost: 1,
		},
		{
			name:     "two segments lost",
			msgs:     concat(ma[:1], mb[1:], mc),
			want:     [][]byte{c},
			wantLost: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var r Reassembler
			var got [][]byte
			var lost int
			for _, msg := range tt.msgs {
				ch, err := ParseChunk(msg)
				if err != nil {
					t.Fatal(err)
				}
				seg, n := r.Add(ch)
				lost += n
				if seg != nil {
					got = append(got, seg)
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d segments, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("segment %d differs", i)
				}
			}
			if lost != tt.wantLost {
				t.Errorf("lost = %d, want %d", lost, tt.wantLost)
			}
			if r.Pending() {
				t.Error("reassembler still holds a partial segment")
			}
		})
	}
}

func concat(groups ...[][]byte) [][]byte {
	var out [][]byte
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
