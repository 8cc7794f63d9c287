package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/zsiec/trickle/media"
)

// Wire layout constants.
const (
	Version    byte = 1
	HeaderSize      = 22 // magic(4) version(1) kind(1) sequence(8) frame_count(4) body_len(4)

	// MaxSize bounds a single encoded segment.
	MaxSize = 64 << 20

	// recordFixedSize is the fixed-width prefix of a frame record:
	// kind(1) timestamp(8) tb_num(4) tb_den(4) side_data_present(1) payload_len(4).
	recordFixedSize = 22

	// maxSideDataDepth bounds nested side-data input frames.
	maxSideDataDepth = 4
)

var magic = [4]byte{'T', 'R', 'K', 'L'}

// Kind classifies a whole segment.
type Kind uint8

// Segment kinds. Video and audio match media.KindVideo and media.KindAudio.
const (
	KindVideo Kind = 1
	KindAudio Kind = 2
	KindMixed Kind = 3
	KindEOS   Kind = 4
)

// String returns the lower-case kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindMixed:
		return "mixed"
	case KindEOS:
		return "eos"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Header is the fixed-size prefix of every segment.
type Header struct {
	Seq        uint64
	Kind       Kind
	FrameCount uint32
	BodyLen    uint32
}

// Segment is a decoded segment.
type Segment struct {
	Seq    uint64
	Kind   Kind
	Frames []media.InputFrame
}

// IsEOS reports whether the segment is the end-of-stream marker.
func (s *Segment) IsEOS() bool {
	return s.Kind == KindEOS
}

// KindOf derives the segment kind for a set of frames.
func KindOf(frames []media.InputFrame) Kind {
	var video, audio bool
	for _, f := range frames {
		switch f.Kind() {
		case media.KindVideo:
			video = true
		case media.KindAudio:
			audio = true
		}
	}
	switch {
	case video && audio:
		return KindMixed
	case audio:
		return KindAudio
	case video:
		return KindVideo
	default:
		return KindEOS
	}
}

// Encode serializes frames as segment seq. The output is deterministic:
// encoding the same frames with the same sequence always yields
// byte-identical data.
func Encode(seq uint64, frames []media.InputFrame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrEmptySegment
	}

	body := make([]byte, 0, 256*len(frames))
	var err error
	for i, f := range frames {
		body, err = appendRecord(body, f, 0)
		if err != nil {
			return nil, fmt.Errorf("segment: encode frame %d: %w", i, err)
		}
	}
	if HeaderSize+len(body) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, HeaderSize+len(body))
	}

	buf := make([]byte, 0, HeaderSize+len(body))
	buf = appendHeader(buf, Header{
		Seq:        seq,
		Kind:       KindOf(frames),
		FrameCount: uint32(len(frames)),
		BodyLen:    uint32(len(body)),
	})
	return append(buf, body...), nil
}

// EndOfStream returns the end-of-stream marker for sequence seq.
func EndOfStream(seq uint64) []byte {
	return appendHeader(make([]byte, 0, HeaderSize), Header{Seq: seq, Kind: KindEOS})
}

func appendHeader(buf []byte, h Header) []byte {
	buf = append(buf, magic[:]...)
	buf = append(buf, Version, byte(h.Kind))
	buf = binary.BigEndian.AppendUint64(buf, h.Seq)
	buf = binary.BigEndian.AppendUint32(buf, h.FrameCount)
	buf = binary.BigEndian.AppendUint32(buf, h.BodyLen)
	return buf
}

func appendRecord(buf []byte, f media.InputFrame, depth int) ([]byte, error) {
	if f == nil {
		return nil, media.ErrNilFrame
	}
	if depth > maxSideDataDepth {
		return nil, fmt.Errorf("side data nested deeper than %d", maxSideDataDepth)
	}

	var payload []byte
	switch v := f.(type) {
	case *media.VideoFrame:
		payload = appendTensor(nil, v.Tensor())
	case *media.AudioFrame:
		payload = quicvarint.Append(nil, uint64(v.SampleRate()))
		payload = appendTensor(payload, v.Samples())
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedFrameKind, f)
	}

	tb := f.TimeBase()
	sd, hasSide := f.SideData()

	buf = append(buf, byte(f.Kind()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(f.Timestamp()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(tb.Num))
	buf = binary.BigEndian.AppendUint32(buf, uint32(tb.Den))
	buf = append(buf, boolByte(hasSide))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	if hasSide {
		buf = append(buf, boolByte(sd.Skipped), boolByte(sd.Input != nil))
		if sd.Input != nil {
			var err error
			buf, err = appendRecord(buf, sd.Input, depth+1)
			if err != nil {
				return nil, fmt.Errorf("side data input: %w", err)
			}
		}
	}

	logs := f.LogTimestamps()
	keys := make([]string, 0, len(logs))
	for k := range logs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	buf = quicvarint.Append(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendVarIntBytes(buf, []byte(k))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(logs[k]))
	}
	return buf, nil
}

func appendTensor(buf []byte, t media.Tensor) []byte {
	shape := t.Shape()
	buf = quicvarint.Append(buf, uint64(len(shape)))
	for _, d := range shape {
		buf = quicvarint.Append(buf, uint64(d))
	}
	for i := 0; i < t.Len(); i++ {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(t.At(i)))
	}
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// PeekHeader parses and validates only the segment header.
func PeekHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, malformed("header", "%d bytes is shorter than the %d-byte header", len(data), HeaderSize)
	}
	if [4]byte(data[0:4]) != magic {
		return h, malformed("magic", "got %x", data[0:4])
	}
	if data[4] != Version {
		return h, malformed("version", "got %d, want %d", data[4], Version)
	}
	h.Kind = Kind(data[5])
	if h.Kind < KindVideo || h.Kind > KindEOS {
		return h, malformed("kind", "got %d", data[5])
	}
	h.Seq = binary.BigEndian.Uint64(data[6:14])
	h.FrameCount = binary.BigEndian.Uint32(data[14:18])
	h.BodyLen = binary.BigEndian.Uint32(data[18:22])

	if int64(h.BodyLen) != int64(len(data)-HeaderSize) {
		return h, malformed("body_len", "header declares %d bytes, segment carries %d", h.BodyLen, len(data)-HeaderSize)
	}
	if h.Kind == KindEOS && h.FrameCount != 0 {
		return h, malformed("frame_count", "end-of-stream marker declares %d frames", h.FrameCount)
	}
	return h, nil
}

// Decode parses a complete segment. On error no frames are returned.
func Decode(data []byte) (*Segment, error) {
	h, err := PeekHeader(data)
	if err != nil {
		return nil, err
	}

	r := newBufReader(data[HeaderSize:])
	// Each record needs at least its fixed prefix plus an empty log block.
	capHint := min(int(h.FrameCount), r.remaining()/(recordFixedSize+1))
	frames := make([]media.InputFrame, 0, capHint)
	for i := uint32(0); i < h.FrameCount; i++ {
		f, err := readRecord(r, 0)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Field = fmt.Sprintf("frame[%d].%s", i, de.Field)
			}
			return nil, err
		}
		frames = append(frames, f)
	}
	if r.remaining() != 0 {
		return nil, malformed("body", "%d trailing bytes after %d frames", r.remaining(), h.FrameCount)
	}
	if h.Kind != KindEOS && KindOf(frames) != h.Kind {
		return nil, malformed("kind", "header says %s, frames are %s", h.Kind, KindOf(frames))
	}

	return &Segment{Seq: h.Seq, Kind: h.Kind, Frames: frames}, nil
}

func readRecord(r *bufReader, depth int) (media.InputFrame, error) {
	if depth > maxSideDataDepth {
		return nil, malformed("side_data", "nested deeper than %d", maxSideDataDepth)
	}
	if r.remaining() < recordFixedSize {
		return nil, truncated("record", recordFixedSize, r.remaining())
	}

	kindTag, _ := r.readByte()
	tsRaw, _ := r.readUint64()
	num, _ := r.readUint32()
	den, _ := r.readUint32()
	sidePresent, _ := r.readByte()
	payloadLen, _ := r.readUint32()

	kind := media.Kind(kindTag)
	if kind != media.KindVideo && kind != media.KindAudio {
		return nil, &DecodeError{Field: "kind_tag", Err: fmt.Errorf("%w: %d", ErrUnsupportedFrameKind, kindTag)}
	}
	if sidePresent > 1 {
		return nil, malformed("side_data_present", "got %d", sidePresent)
	}
	payload, err := r.readN(int(payloadLen))
	if err != nil {
		return nil, truncated("payload", int(payloadLen), r.remaining())
	}

	ts := int64(tsRaw)
	tb := media.TimeBase{Num: int32(num), Den: int32(den)}

	var side *media.SideData
	if sidePresent == 1 {
		sd, err := readSideData(r, depth)
		if err != nil {
			return nil, err
		}
		side = &sd
	}

	logs, err := readLogBlock(r)
	if err != nil {
		return nil, err
	}

	return buildFrame(kind, payload, ts, tb, side, logs)
}

func readSideData(r *bufReader, depth int) (media.SideData, error) {
	var sd media.SideData
	flags, err := r.readN(2)
	if err != nil {
		return sd, truncated("side_data", 2, r.remaining())
	}
	if flags[0] > 1 || flags[1] > 1 {
		return sd, malformed("side_data", "flags %x", flags)
	}
	sd.Skipped = flags[0] == 1
	if flags[1] == 1 {
		in, err := readRecord(r, depth+1)
		if err != nil {
			return sd, err
		}
		sd.Input = in
	}
	return sd, nil
}

func readLogBlock(r *bufReader) (map[string]float64, error) {
	count, err := r.readVarint()
	if err != nil {
		return nil, truncated("log_count", 1, r.remaining())
	}
	// Every entry needs at least a length byte and 8 value bytes.
	if count > uint64(r.remaining()/9) {
		return nil, truncated("log_timestamps", int(min(count, math.MaxInt32/9))*9, r.remaining())
	}
	logs := make(map[string]float64, count)
	for i := uint64(0); i < count; i++ {
		key, err := r.readVarIntBytes()
		if err != nil {
			return nil, truncated("log_key", 1, r.remaining())
		}
		bits, err := r.readUint64()
		if err != nil {
			return nil, truncated("log_value", 8, r.remaining())
		}
		logs[string(key)] = math.Float64frombits(bits)
	}
	return logs, nil
}

func buildFrame(kind media.Kind, payload []byte, ts int64, tb media.TimeBase, side *media.SideData, logs map[string]float64) (media.InputFrame, error) {
	p := newBufReader(payload)
	switch kind {
	case media.KindVideo:
		tensor, err := readTensor(p)
		if err != nil {
			return nil, err
		}
		f, err := media.NewVideoFrame(tensor, ts, tb)
		if err != nil {
			return nil, malformed("video", "%v", err)
		}
		if len(logs) > 0 {
			f = f.WithLogTimestamps(logs)
		}
		if side != nil {
			if f, err = f.WithSideData(*side); err != nil {
				return nil, malformed("side_data", "%v", err)
			}
		}
		return f, nil

	default:
		rate, err := p.readVarint()
		if err != nil || rate == 0 || rate > math.MaxInt32 {
			return nil, malformed("sample_rate", "invalid sample rate")
		}
		tensor, err := readTensor(p)
		if err != nil {
			return nil, err
		}
		f, err := media.NewAudioFrame(tensor, ts, tb, int(rate))
		if err != nil {
			return nil, malformed("audio", "%v", err)
		}
		if len(logs) > 0 {
			f = f.WithLogTimestamps(logs)
		}
		if side != nil {
			if f, err = f.WithSideData(*side); err != nil {
				return nil, malformed("side_data", "%v", err)
			}
		}
		return f, nil
	}
}

func readTensor(p *bufReader) (media.Tensor, error) {
	rank, err := p.readVarint()
	if err != nil || rank == 0 || rank > 8 {
		return media.Tensor{}, malformed("tensor_rank", "invalid rank")
	}
	shape := make([]int, rank)
	n := uint64(1)
	for i := range shape {
		d, err := p.readVarint()
		if err != nil || d > math.MaxInt32 {
			return media.Tensor{}, malformed("tensor_shape", "invalid dimension %d", i)
		}
		shape[i] = int(d)
		n *= d
		if n > math.MaxInt32 {
			return media.Tensor{}, malformed("tensor_shape", "%v is too large", shape[:i+1])
		}
	}
	if n*4 != uint64(p.remaining()) {
		return media.Tensor{}, malformed("tensor_data", "shape %v needs %d bytes, payload has %d", shape, n*4, p.remaining())
	}
	data := make([]float32, n)
	raw, _ := p.readN(int(n * 4))
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	t, err := media.NewTensor(shape, data)
	if err != nil {
		return media.Tensor{}, malformed("tensor", "%v", err)
	}
	return t, nil
}
