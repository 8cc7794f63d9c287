package trickle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/trickle/internal/segment"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const srtDialTimeout = 10 * time.Second

// SRTSender pushes segments to a segment server over SRT. The endpoint URL
// has the form "srt://host:port/channel"; the channel is sent as stream id
// "live/channel", followed by "?session=..." when the endpoint has a
// session. Each segment is split into chunks of one SRT message
// each, every chunk naming its segment and byte range, on one connection
// that is redialed after any write failure.
//
// SRT carries no per-segment acknowledgement, so a nil error means the
// segment was handed to the SRT socket.
type SRTSender struct {
	log *slog.Logger

	mu   sync.Mutex
	conn *srtgo.Conn
	addr string
}

var _ SegmentSender = (*SRTSender)(nil)

// NewSRTSender creates a sender. If log is nil, slog.Default() is used.
func NewSRTSender(log *slog.Logger) *SRTSender {
	if log == nil {
		log = slog.Default()
	}
	return &SRTSender{log: log.With("component", "srt-sender")}
}

// parseSRTEndpoint splits an srt:// URL into a dial address and stream id.
// A non-empty session is carried in the stream id so the server can tell a
// redial from a different publisher.
func parseSRTEndpoint(raw, session string) (addr, streamID string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("trickle: parse SRT endpoint: %w", err)
	}
	if u.Scheme != "srt" || u.Host == "" {
		return "", "", fmt.Errorf("trickle: SRT endpoint must look like srt://host:port/channel, got %q", raw)
	}
	channel := strings.Trim(u.Path, "/")
	if channel == "" {
		return "", "", fmt.Errorf("trickle: SRT endpoint %q has no channel", raw)
	}
	streamID = "live/" + channel
	if session != "" {
		streamID += "?" + url.Values{"session": {session}}.Encode()
	}
	return u.Host, streamID, nil
}

// SendSegment writes the chunks of one segment. The end-of-stream marker closes
// the connection after it is written.
func (s *SRTSender) SendSegment(ctx context.Context, ep Endpoint, seg OutgoingSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connect(ctx, ep)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = segment.WriteChunks(conn, seg.Seq, seg.Data)
	if !stop() {
		err = errors.Join(ctx.Err(), err)
	}
	if err != nil {
		s.reset()
		return fmt.Errorf("trickle: SRT write segment %d: %w", seg.Seq, err)
	}

	if seg.EOS {
		s.log.Info("end of stream sent", "addr", s.addr, "seq", seg.Seq)
		s.reset()
	}
	return nil
}

// Close closes the current connection, if any.
func (s *SRTSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *SRTSender) reset() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *SRTSender) connect(ctx context.Context, ep Endpoint) (*srtgo.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	addr, streamID, err := parseSRTEndpoint(ep.URL, ep.Session)
	if err != nil {
		return nil, err
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	ch := make(chan srtDialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- srtDialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("trickle: SRT dial %s: %w", addr, res.err)
		}
		s.log.Info("connected", "addr", addr, "stream_id", streamID)
		s.conn, s.addr = res.conn, addr
		return res.conn, nil
	case <-timer.C:
		go closeLateDial(ch)
		return nil, fmt.Errorf("trickle: SRT dial %s timed out after %s", addr, srtDialTimeout)
	case <-ctx.Done():
		go closeLateDial(ch)
		return nil, ctx.Err()
	}
}

type srtDialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLateDial waits for an abandoned dial and closes the connection it
// produced, if any.
func closeLateDial(ch <-chan srtDialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
