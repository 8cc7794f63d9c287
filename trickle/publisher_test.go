package trickle

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/zsiec/trickle/internal/segment"
	"github.com/zsiec/trickle/media"
)

var fastBackoff = Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}

func newTestPublisher(t *testing.T, sender SegmentSender, cfg PublisherConfig) *Publisher {
	t.Helper()
	cfg.Endpoint = Endpoint{URL: "http://example.invalid/test"}
	cfg.Sender = sender
	if cfg.RetryBackoff == (Backoff{}) {
		cfg.RetryBackoff = fastBackoff
	}
	p, err := NewPublisher(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func decodeAll(t *testing.T, segs []OutgoingSegment) []*segment.Segment {
	t.Helper()
	out := make([]*segment.Segment, len(segs))
	for i, s := range segs {
		seg, err := segment.Decode(s.Data)
		if err != nil {
			t.Fatalf("segment %d: %v", i, err)
		}
		out[i] = seg
	}
	return out
}

func TestPublisherRotatesByFrameCount(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	p := newTestPublisher(t, sender, PublisherConfig{SegmentTargetFrames: 4})

	ctx := context.Background()
	for ts := int64(0); ts < 10; ts++ {
		if err := p.Publish(ctx, videoOutput(t, ts, "rid")); err != nil {
			t.Fatalf("Publish(%d): %v", ts, err)
		}
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	segs := decodeAll(t, sender.segments())
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 3 data + 1 end of stream", len(segs))
	}
	wantCounts := []int{4, 4, 2}
	var next int64
	for i, want := range wantCounts {
		if segs[i].Seq != uint64(i) {
			t.Errorf("segment %d: seq %d", i, segs[i].Seq)
		}
		if len(segs[i].Frames) != want {
			t.Errorf("segment %d: got %d frames, want %d", i, len(segs[i].Frames), want)
		}
		for _, f := range segs[i].Frames {
			if f.Timestamp() != next {
				t.Errorf("segment %d: timestamp %d, want %d", i, f.Timestamp(), next)
			}
			next++
		}
	}
	if !segs[3].IsEOS() || segs[3].Seq != 3 {
		t.Errorf("last segment: kind %s seq %d, want eos seq 3", segs[3].Kind, segs[3].Seq)
	}
	if p.State() != PublisherClosed {
		t.Errorf("state: got %s, want closed", p.State())
	}
	st := p.Stats()
	if st.SegmentsSent != 3 || st.FramesSent != 10 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestPublisherRotatesByDuration(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	p := newTestPublisher(t, sender, PublisherConfig{
		SegmentTargetFrames:   100,
		SegmentTargetDuration: 90 * time.Millisecond,
	})

	ctx := context.Background()
	for ts := int64(0); ts < 10; ts++ {
		if err := p.Publish(ctx, videoOutput(t, ts, "rid")); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	// At 1/30s per tick a segment passes 90ms once it covers 3 ticks.
	segs := decodeAll(t, sender.segments())
	var got []int
	for _, s := range segs[:len(segs)-1] {
		got = append(got, len(s.Frames))
	}
	want := []int{4, 4, 2}
	if len(got) != len(want) {
		t.Fatalf("frame counts: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame counts: got %v, want %v", got, want)
		}
	}
}

func TestPublisherAudioOutputSpillsAcrossSegments(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	p := newTestPublisher(t, sender, PublisherConfig{SegmentTargetFrames: 2})

	out, err := media.NewAudioOutput([]*media.AudioFrame{audioFrame(t, 0), audioFrame(t, 4), audioFrame(t, 8)}, "audio-rid")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := p.Publish(ctx, out); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	raw := sender.segments()
	segs := decodeAll(t, raw)
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 2 data + 1 end of stream", len(segs))
	}
	if len(segs[0].Frames) != 2 || len(segs[1].Frames) != 1 {
		t.Errorf("frame counts: %d, %d", len(segs[0].Frames), len(segs[1].Frames))
	}
	if segs[0].Kind != segment.KindAudio {
		t.Errorf("kind: got %s, want audio", segs[0].Kind)
	}
	for i := range 2 {
		if raw[i].RequestID != "audio-rid" {
			t.Errorf("segment %d request id: got %q", i, raw[i].RequestID)
		}
	}
}

func TestPublisherLabelsSegmentWithFirstRequestID(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	p := newTestPublisher(t, sender, PublisherConfig{SegmentTargetFrames: 2})

	ctx := context.Background()
	for i, rid := range []string{"a", "b", "c", "d"} {
		if err := p.Publish(ctx, videoOutput(t, int64(i), rid)); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	segs := sender.segments()
	if segs[0].RequestID != "a" || segs[1].RequestID != "c" {
		t.Errorf("request ids: got %q, %q, want a, c", segs[0].RequestID, segs[1].RequestID)
	}
}

func TestPublishAfterStop(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	p := newTestPublisher(t, sender, PublisherConfig{})
	ctx := context.Background()

	if err := p.Publish(ctx, videoOutput(t, 0, "rid")); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(ctx, videoOutput(t, 1, "rid")); !errors.Is(err, ErrPublisherClosed) {
		t.Fatalf("Publish after Stop: got %v, want ErrPublisherClosed", err)
	}
	// Stop is idempotent.
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	segs := decodeAll(t, sender.segments())
	if len(segs) != 2 || len(segs[0].Frames) != 1 || !segs[1].IsEOS() {
		t.Fatalf("the frame enqueued before Stop must be flushed before the marker, got %d segments", len(segs))
	}
}

func TestStopIdlePublisherSendsEndOfStream(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	p := newTestPublisher(t, sender, PublisherConfig{})
	if p.State() != PublisherIdle {
		t.Fatalf("state: got %s, want idle", p.State())
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	segs := decodeAll(t, sender.segments())
	if len(segs) != 1 || !segs[0].IsEOS() || segs[0].Seq != 0 {
		t.Fatalf("want a single end-of-stream marker with seq 0, got %d segments", len(segs))
	}
	if p.State() != PublisherClosed {
		t.Errorf("state: got %s, want closed", p.State())
	}
}

func TestPublisherRetriesIdenticalBytes(t *testing.T) {
	t.Parallel()
	var seen [][]byte
	sender := &fakeSender{fail: func(attempt int, seg OutgoingSegment) error {
		if seg.EOS {
			return nil
		}
		seen = append(seen, seg.Data)
		if attempt <= 2 {
			return errors.New("connection reset")
		}
		return nil
	}}
	p := newTestPublisher(t, sender, PublisherConfig{SegmentTargetFrames: 1})

	ctx := context.Background()
	if err := p.Publish(ctx, videoOutput(t, 0, "rid")); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("attempts: got %d, want 3", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if string(seen[i]) != string(seen[0]) {
			t.Fatal("retried segment differs from the first attempt")
		}
	}
	if got := p.Stats().Retries; got != 2 {
		t.Errorf("retries: got %d, want 2", got)
	}
}

func TestPublisherClosesAfterRetryBudget(t *testing.T) {
	t.Parallel()
	sendErr := errors.New("connection refused")
	sender := &fakeSender{fail: func(int, OutgoingSegment) error { return sendErr }}
	p := newTestPublisher(t, sender, PublisherConfig{SegmentTargetFrames: 1, MaxRetries: 2})

	ctx := context.Background()
	if err := p.Publish(ctx, videoOutput(t, 0, "rid")); err != nil {
		t.Fatal(err)
	}

	err := p.Stop(ctx)
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("Stop: got %v, want *SendError", err)
	}
	if se.Seq != 0 || se.Attempts != 3 || !errors.Is(se, sendErr) {
		t.Errorf("send error: %+v", se)
	}
	if p.State() != PublisherClosed {
		t.Errorf("state: got %s, want closed", p.State())
	}

	err = p.Publish(ctx, videoOutput(t, 1, "rid"))
	if !errors.Is(err, ErrPublisherClosed) || !errors.Is(err, sendErr) {
		t.Fatalf("Publish after failure: got %v", err)
	}
}

func TestPublisherDoesNotRetryRejection(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{fail: func(int, OutgoingSegment) error {
		return &StatusError{Method: http.MethodPost, URL: "u", Code: http.StatusConflict}
	}}
	p := newTestPublisher(t, sender, PublisherConfig{SegmentTargetFrames: 1})

	ctx := context.Background()
	if err := p.Publish(ctx, videoOutput(t, 0, "rid")); err != nil {
		t.Fatal(err)
	}
	var se *SendError
	if err := p.Stop(ctx); !errors.As(err, &se) || se.Attempts != 1 {
		t.Fatalf("Stop: got %v, want a single attempt", err)
	}
}

func TestPublishBlocksWhenQueueFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	sender := &fakeSender{fail: func(_ int, seg OutgoingSegment) error {
		if !seg.EOS {
			<-release
		}
		return nil
	}}
	p := newTestPublisher(t, sender, PublisherConfig{SegmentTargetFrames: 1, QueueDepth: 1})

	ctx := context.Background()
	// The first output is taken by the flush loop, which then blocks in
	// SendSegment; the second fills the queue.
	for ts := range int64(2) {
		if err := p.Publish(ctx, videoOutput(t, ts, "rid")); err != nil {
			t.Fatal(err)
		}
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := p.Publish(short, videoOutput(t, 2, "rid")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish on a full queue: got %v, want context.DeadlineExceeded", err)
	}

	close(release)
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if got := p.Stats().FramesSent; got != 2 {
		t.Errorf("frames sent: got %d, want 2", got)
	}
}

func TestStopConcurrentWithPublish(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	p := newTestPublisher(t, sender, PublisherConfig{SegmentTargetFrames: 3, QueueDepth: 2})

	ctx := context.Background()
	accepted := make(chan int, 100)
	go func() {
		defer close(accepted)
		for ts := int64(0); ts < 100; ts++ {
			if err := p.Publish(ctx, videoOutput(t, ts, "rid")); err != nil {
				if !errors.Is(err, ErrPublisherClosed) {
					t.Errorf("Publish: %v", err)
				}
				return
			}
			accepted <- int(ts)
		}
	}()

	time.Sleep(2 * time.Millisecond)
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	var n int
	for range accepted {
		n++
	}

	var frames int
	segs := decodeAll(t, sender.segments())
	for _, s := range segs {
		frames += len(s.Frames)
	}
	if frames != n {
		t.Fatalf("accepted %d outputs but sent %d frames", n, frames)
	}
	if !segs[len(segs)-1].IsEOS() {
		t.Error("last segment is not the end-of-stream marker")
	}
}
