package trickle

import "context"

// OutgoingSegment is one encoded segment handed to a SegmentSender.
type OutgoingSegment struct {
	Seq  uint64
	Data []byte
	// RequestID labels the segment with the request of its first output.
	// Empty for the end-of-stream marker of an idle publisher.
	RequestID string
	EOS       bool
}

// SegmentSender delivers encoded segments to a remote endpoint. SendSegment
// must be safe to call again with the same segment after a failure; the
// remote side detects the duplicate by sequence number.
type SegmentSender interface {
	SendSegment(ctx context.Context, ep Endpoint, seg OutgoingSegment) error
}

// SegmentFetcher retrieves the encoded segment with sequence seq.
//
// Implementations return ErrSegmentPending when the segment does not exist
// yet and a *GoneError when it no longer does.
type SegmentFetcher interface {
	FetchSegment(ctx context.Context, ep Endpoint, seq uint64) ([]byte, error)
}
