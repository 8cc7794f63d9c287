package trickle

import (
	"context"
	"sync"
	"testing"

	"github.com/zsiec/trickle/internal/segment"
	"github.com/zsiec/trickle/media"
)

var tb30 = media.TimeBase{Num: 1, Den: 30}

func videoFrame(t *testing.T, ts int64) *media.VideoFrame {
	t.Helper()
	tensor, err := media.NewTensor([]int{1, 2, 2}, []float32{float32(ts), 1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	f, err := media.NewVideoFrame(tensor, ts, tb30)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func videoOutput(t *testing.T, ts int64, rid string) *media.VideoOutput {
	t.Helper()
	out, err := media.NewVideoOutput(videoFrame(t, ts), rid)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func audioFrame(t *testing.T, ts int64) *media.AudioFrame {
	t.Helper()
	tensor, err := media.NewTensor([]int{4}, []float32{0.1, 0.2, 0.3, 0.4})
	if err != nil {
		t.Fatal(err)
	}
	f, err := media.NewAudioFrame(tensor, ts, media.TimeBase{Num: 1, Den: 48000}, 48000)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func encode(t *testing.T, seq uint64, frames ...media.InputFrame) []byte {
	t.Helper()
	data, err := segment.Encode(seq, frames)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// fakeSender records every successful send. fail, when set, is consulted
// before each attempt.
type fakeSender struct {
	mu       sync.Mutex
	sent     []OutgoingSegment
	attempts int
	fail     func(attempt int, seg OutgoingSegment) error
}

func (f *fakeSender) SendSegment(ctx context.Context, _ Endpoint, seg OutgoingSegment) error {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(attempt, seg); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, seg)
	return nil
}

func (f *fakeSender) segments() []OutgoingSegment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OutgoingSegment(nil), f.sent...)
}

// fakeFetcher serves segments from a script keyed by sequence number.
type fakeFetcher struct {
	mu       sync.Mutex
	requests []uint64
	fetch    func(ctx context.Context, call int, seq uint64) ([]byte, error)
}

func (f *fakeFetcher) FetchSegment(ctx context.Context, _ Endpoint, seq uint64) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, seq)
	call := len(f.requests)
	f.mu.Unlock()
	return f.fetch(ctx, call, seq)
}

func (f *fakeFetcher) requested() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.requests...)
}

// segmentsFetcher serves a fixed list of encoded segments, indexed by
// sequence, and blocks for anything past the end.
func segmentsFetcher(segs ...[]byte) *fakeFetcher {
	return &fakeFetcher{fetch: func(ctx context.Context, _ int, seq uint64) ([]byte, error) {
		if seq < uint64(len(segs)) {
			return segs[seq], nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}
