package trickle_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zsiec/trickle/internal/distribution"
	"github.com/zsiec/trickle/internal/stream"
	"github.com/zsiec/trickle/media"
	"github.com/zsiec/trickle/trickle"
)

func startServer(t *testing.T, window int) string {
	t.Helper()
	srv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:        ":0",
		Streams:     stream.NewManager(nil, window, nil),
		PollTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func publishFrames(ep trickle.Endpoint, n int) error {
	pub, err := trickle.NewPublisher(trickle.PublisherConfig{Endpoint: ep, SegmentTargetFrames: 4})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range n {
		tensor, err := media.NewTensor([]int{1, 2, 2}, []float32{float32(i), 1, 2, 3})
		if err != nil {
			return err
		}
		f, err := media.NewVideoFrame(tensor, int64(i), media.TimeBase{Num: 1, Den: 30})
		if err != nil {
			return err
		}
		out, err := media.NewVideoOutput(f, "e2e")
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, out); err != nil {
			return err
		}
	}
	return pub.Stop(ctx)
}

func collect(t *testing.T, sub *trickle.Subscriber, ep trickle.Endpoint) []int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sub.Subscribe(ctx, ep); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	var got []int64
	for f, err := range sub.All(ctx) {
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, f.Timestamp())
	}
	return got
}

func TestEndToEndHTTP(t *testing.T) {
	t.Parallel()

	ep := trickle.Endpoint{URL: startServer(t, 16) + "/cam1"}

	sub, err := trickle.NewSubscriber(trickle.SubscriberConfig{})
	if err != nil {
		t.Fatal(err)
	}
	// The subscriber long-polls before anything is published.
	published := make(chan error, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		published <- publishFrames(ep, 10)
	}()

	got := collect(t, sub, ep)
	if err := <-published; err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("received %d frames, want 10", len(got))
	}
	for i, ts := range got {
		if ts != int64(i) {
			t.Fatalf("frame %d has ts %d", i, ts)
		}
	}
	if st := sub.Stats(); st.SegmentsReceived != 3 {
		t.Errorf("SegmentsReceived: got %d, want 3", st.SegmentsReceived)
	}
}

func TestEndToEndSkipsEvicted(t *testing.T) {
	t.Parallel()

	// Segments 0..2 carry 4, 4 and 2 frames and 3 is the end marker. A
	// window of 2 keeps only 2 and 3.
	ep := trickle.Endpoint{URL: startServer(t, 2) + "/cam1"}
	if err := publishFrames(ep, 10); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub, err := trickle.NewSubscriber(trickle.SubscriberConfig{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, sub, ep)
	if len(got) != 2 || got[0] != 8 || got[1] != 9 {
		t.Fatalf("received %v, want [8 9]", got)
	}
	if st := sub.Stats(); st.SegmentsSkipped != 2 {
		t.Errorf("SegmentsSkipped: got %d, want 2", st.SegmentsSkipped)
	}
}
