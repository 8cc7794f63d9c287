package segment

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFramed writes seg to w prefixed with its uint32 big-endian length,
// as a single Write call.
func WriteFramed(w io.Writer, seg []byte) error {
	if len(seg) > MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(seg))
	}
	buf := make([]byte, 0, 4+len(seg))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(seg)))
	buf = append(buf, seg...)
	_, err := w.Write(buf)
	return err
}

// ReadFramed reads one length-prefixed segment from r. It returns io.EOF
// only when r ends cleanly between segments.
func ReadFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxSize {
		return nil, fmt.Errorf("%w: framed length %d", ErrTooLarge, n)
	}
	seg := make([]byte, n)
	if _, err := io.ReadFull(r, seg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read framed segment: %w", err)
	}
	return seg, nil
}
