package trickle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/zsiec/trickle/internal/segment"
)

type endpointRecorder struct {
	mu  sync.Mutex
	eps []Endpoint
}

func (r *endpointRecorder) record(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eps = append(r.eps, ep)
}

func (r *endpointRecorder) all() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Endpoint(nil), r.eps...)
}

type recordingFetcher struct {
	endpointRecorder
	segs [][]byte
}

func (f *recordingFetcher) FetchSegment(ctx context.Context, ep Endpoint, seq uint64) ([]byte, error) {
	f.record(ep)
	if seq < uint64(len(f.segs)) {
		return f.segs[seq], nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingSender struct {
	endpointRecorder
	fakeSender
}

func (s *recordingSender) SendSegment(ctx context.Context, ep Endpoint, seg OutgoingSegment) error {
	s.record(ep)
	return s.fakeSender.SendSegment(ctx, ep, seg)
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	fetcher := &recordingFetcher{segs: [][]byte{
		encode(t, 0, videoFrame(t, 0), videoFrame(t, 1)),
		segment.EndOfStream(1),
	}}
	sender := &recordingSender{}

	c, err := NewClient(ClientConfig{
		Subscribe:  Endpoint{URL: "http://example.invalid/in", Token: "secret"},
		Publish:    Endpoint{URL: "http://example.invalid/out", Token: "secret"},
		Subscriber: SubscriberConfig{Fetcher: fetcher},
		Publisher:  PublisherConfig{Sender: sender, SegmentTargetFrames: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(c.SessionID()); err != nil {
		t.Fatalf("default session id %q is not a UUID: %v", c.SessionID(), err)
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for {
		f, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Publish(ctx, videoOutput(t, f.Timestamp(), "rid")); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	segs := decodeAll(t, sender.segments())
	if len(segs) != 2 || len(segs[0].Frames) != 2 || !segs[1].IsEOS() {
		t.Fatalf("published %d segments", len(segs))
	}

	for _, ep := range append(fetcher.all(), sender.all()...) {
		if ep.Session != c.SessionID() {
			t.Errorf("endpoint %s: session %q, want %q", ep.URL, ep.Session, c.SessionID())
		}
		if ep.Token != "secret" {
			t.Errorf("endpoint %s: token %q", ep.URL, ep.Token)
		}
	}
}

func TestClientKeepsExplicitSession(t *testing.T) {
	t.Parallel()
	c, err := NewClient(ClientConfig{
		SessionID:  "session-1",
		Subscribe:  Endpoint{URL: "http://example.invalid/in"},
		Publish:    Endpoint{URL: "http://example.invalid/out"},
		Subscriber: SubscriberConfig{Fetcher: segmentsFetcher()},
		Publisher:  PublisherConfig{Sender: &fakeSender{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.SessionID() != "session-1" {
		t.Errorf("session: got %q", c.SessionID())
	}
}

func TestSimpleClientDefaults(t *testing.T) {
	t.Parallel()
	c, err := NewSimpleClient("http://example.invalid/in", "http://example.invalid/out")
	if err != nil {
		t.Fatal(err)
	}
	sub := c.Subscriber().cfg
	if sub.ReadAhead != 8 || sub.MaxAttempts != 3 {
		t.Errorf("subscriber: read-ahead %d, attempts %d", sub.ReadAhead, sub.MaxAttempts)
	}
	if sub.Backoff.Initial != simpleBackoffInitial || sub.Backoff.Max != simpleBackoffMax {
		t.Errorf("backoff: %+v", sub.Backoff)
	}
	if got := c.Publisher().cfg.SegmentTargetFrames; got != 8 {
		t.Errorf("segment frames: got %d, want 8", got)
	}
	if _, ok := c.Publisher().cfg.Sender.(*HTTPTransport); !ok {
		t.Errorf("sender: got %T, want *HTTPTransport", c.Publisher().cfg.Sender)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := Backoff{Initial: 100, Max: 350, Multiplier: 2}
	want := []int64{100, 200, 350, 350}
	for i, w := range want {
		if got := int64(b.Delay(i + 1)); got != w {
			t.Errorf("attempt %d: got %d, want %d", i+1, got, w)
		}
	}
}
