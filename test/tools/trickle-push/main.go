// trickle-push publishes a synthetic video stream for exercising a trickle
// server. Frames are a moving gradient paced in real time.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/zsiec/trickle/internal/segment"
	"github.com/zsiec/trickle/media"
	"github.com/zsiec/trickle/trickle"
)

func main() {
	urlFlag := flag.String("url", "http://127.0.0.1:8080/demo", "Publish URL (http, https or srt)")
	outFlag := flag.String("out", "", "Write framed segments to this file instead of publishing")
	tokenFlag := flag.String("token", "", "Bearer token")
	fpsFlag := flag.Int("fps", 30, "Frames per second")
	perSegFlag := flag.Int("frames", 30, "Frames per segment")
	widthFlag := flag.Int("width", 64, "Frame width")
	heightFlag := flag.Int("height", 36, "Frame height")
	durationFlag := flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	flag.Parse()

	if *fpsFlag <= 0 || *widthFlag <= 0 || *heightFlag <= 0 {
		fmt.Fprintf(os.Stderr, "fps, width and height must be positive\n")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if *durationFlag > 0 {
		ctx, cancel = context.WithTimeout(ctx, *durationFlag)
		defer cancel()
	}

	sender, closeSender, err := senderFor(*urlFlag, *outFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer closeSender()

	pub, err := trickle.NewPublisher(trickle.PublisherConfig{
		Endpoint:            trickle.Endpoint{URL: *urlFlag, Token: *tokenFlag},
		Sender:              sender,
		SegmentTargetFrames: *perSegFlag,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Pushing %dx%d @ %d fps to %s\n", *widthFlag, *heightFlag, *fpsFlag, *urlFlag)
	sent, pushErr := push(ctx, pub, *fpsFlag, *widthFlag, *heightFlag)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := pub.Stop(stopCtx); err != nil && pushErr == nil {
		pushErr = err
	}
	st := pub.Stats()
	fmt.Printf("Sent %d frames in %d segments (%d retries)\n", sent, st.SegmentsSent, st.Retries)
	if pushErr != nil {
		fmt.Fprintf(os.Stderr, "push failed: %v\n", pushErr)
		os.Exit(1)
	}
}

// senderFor picks the transport for the publish URL. With out set, segments
// go to a local file instead.
func senderFor(rawURL, out string) (trickle.SegmentSender, func(), error) {
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return nil, nil, err
		}
		return &fileSender{w: f}, func() { f.Close() }, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		t := trickle.NewHTTPTransport(nil)
		return t, func() { t.Close() }, nil
	case "srt":
		s := trickle.NewSRTSender(slog.Default())
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// fileSender appends each segment to w with a length prefix.
type fileSender struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *fileSender) SendSegment(_ context.Context, _ trickle.Endpoint, seg trickle.OutgoingSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return segment.WriteFramed(s.w, seg.Data)
}

// push publishes frames until ctx ends, pacing against the start time so
// the rate stays steady over long runs.
func push(ctx context.Context, pub *trickle.Publisher, fps, width, height int) (int, error) {
	tb := media.TimeBase{Num: 1, Den: int32(fps)}
	start := time.Now()
	lastLog := start
	const logInterval = 10 * time.Second

	for i := 0; ; i++ {
		frame, err := syntheticFrame(int64(i), tb, width, height)
		if err != nil {
			return i, err
		}
		out, err := media.NewVideoOutput(frame, "trickle-push")
		if err != nil {
			return i, err
		}
		if err := pub.Publish(ctx, out); err != nil {
			if ctx.Err() != nil {
				return i, nil
			}
			return i, err
		}

		due := start.Add(tb.Duration(int64(i + 1)))
		select {
		case <-ctx.Done():
			return i + 1, nil
		case <-time.After(time.Until(due)):
		}

		if time.Since(lastLog) >= logInterval {
			st := pub.Stats()
			fmt.Printf("frames=%d segments=%d retries=%d elapsed=%s\n",
				i+1, st.SegmentsSent, st.Retries, time.Since(start).Truncate(time.Second))
			lastLog = time.Now()
		}
	}
}

// syntheticFrame draws a diagonal gradient shifted by ts, as a
// 3 x height x width tensor in [0, 1].
func syntheticFrame(ts int64, tb media.TimeBase, width, height int) (*media.VideoFrame, error) {
	data := make([]float32, 3*width*height)
	plane := width * height
	for y := range height {
		for x := range width {
			v := float32((x+y+int(ts))%(width+height)) / float32(width+height)
			i := y*width + x
			data[i] = v
			data[plane+i] = 1 - v
			data[2*plane+i] = 0.5
		}
	}
	tensor, err := media.NewTensor([]int{3, height, width}, data)
	if err != nil {
		return nil, err
	}
	return media.NewVideoFrame(tensor, ts, tb)
}
