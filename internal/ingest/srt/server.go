package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/trickle/internal/ingest"
	"github.com/zsiec/trickle/internal/segment"
	"github.com/zsiec/trickle/internal/stream"
	"github.com/zsiec/trickle/metrics"
)

// srtReadBufferSize is the read buffer for SRT socket reads. It is larger
// than any valid chunk so an oversized message is rejected whole.
const srtReadBufferSize = segment.MaxChunkSize * 2

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Server accepts incoming SRT publish connections and stores the segments
// they carry.
type Server struct {
	log      *slog.Logger
	addr     string
	streams  *stream.Manager
	registry *ingest.Registry
	metrics  *metrics.Metrics
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, streams *stream.Manager, registry *ingest.Registry, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		streams:  streams,
		registry: registry,
		metrics:  m,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		key, _ := parseStreamID(req.StreamID)
		if _, busy := s.registry.Get(key); busy {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key, session := parseStreamID(conn.StreamID())
		s.log.Info("publish", "channel", key, "remote", conn.RemoteAddr(), "session", session)

		go s.handleConnection(ctx, conn, key, session)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key, session string) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, ok := s.registry.Register(key, "srt")
	if !ok {
		s.log.Warn("channel already has a publisher, closing", "channel", key, "remote", conn.RemoteAddr())
		return
	}
	defer s.registry.Unregister(c)
	c.SetRemoteAddr(conn.RemoteAddr().String())

	if session == "" {
		session = c.ID
	}
	ch, _ := s.streams.GetOrCreate(key)
	err := s.receive(ctx, conn, c, ch, session)
	if err != nil && ctx.Err() == nil {
		s.log.Debug("receive ended", "channel", key, "error", err)
	}

	stats := c.Stats()
	s.log.Info("connection closed", "channel", key,
		"bytes", stats.BytesReceived, "segments", stats.SegmentsStored,
		"rejected", stats.SegmentsRejected, "uptime_ms", stats.UptimeMs)
}

// receive stores the segments carried by chunk messages from r into ch,
// as publisher session, until the stream ends. Each Read of r must return
// exactly one message. A clean end, either EOF between segments or the
// end-of-stream marker, returns nil.
func (s *Server) receive(ctx context.Context, r io.Reader, c *ingest.Conn, ch *stream.Channel, session string) error {
	buf := make([]byte, srtReadBufferSize)
	drops := &dropLogger{log: s.log.With("channel", c.Key), every: dropLogInterval}
	var asm segment.Reassembler

	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if n > 0 {
			done, perr := s.handleMessage(buf[:n], &asm, drops, c, ch, session)
			if perr != nil || done {
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if asm.Pending() {
					return fmt.Errorf("stream ended inside a segment: %w", io.ErrUnexpectedEOF)
				}
				return nil
			}
			return err
		}
		if n == 0 {
			return io.ErrNoProgress
		}
	}
	return ctx.Err()
}

// handleMessage feeds one message to the reassembler and stores the
// segment it completes. done reports that the end-of-stream marker was
// stored.
func (s *Server) handleMessage(msg []byte, asm *segment.Reassembler, drops *dropLogger, c *ingest.Conn, ch *stream.Channel, session string) (done bool, err error) {
	chunk, err := segment.ParseChunk(msg)
	if err != nil {
		c.RecordRejected(len(msg))
		drops.Warn("dropping malformed message", "bytes", len(msg), "error", err)
		return false, nil
	}
	data, lost := asm.Add(chunk)
	for range lost {
		c.RecordRejected(0)
		drops.Warn("dropping incomplete segment", "error", "chunk missing")
	}
	if data == nil {
		return false, nil
	}

	seg, err := segment.Decode(data)
	if err != nil {
		c.RecordRejected(len(data))
		drops.Warn("dropping malformed segment", "seq", chunk.Seq, "bytes", len(data), "error", err)
		return false, nil
	}
	if seg.Seq != chunk.Seq {
		c.RecordRejected(len(data))
		drops.Warn("dropping malformed segment", "seq", chunk.Seq, "bytes", len(data),
			"error", fmt.Sprintf("segment header carries sequence %d", seg.Seq))
		return false, nil
	}

	res, err := ch.Put(seg.Seq, data, seg.IsEOS(), session)
	switch {
	case errors.Is(err, stream.ErrClosed):
		return false, err
	case err != nil:
		c.RecordRejected(len(data))
		drops.Warn("segment rejected", "seq", seg.Seq, "error", err)
		return false, nil
	}
	c.RecordSegment(seg.Seq, len(data))
	if res == stream.Stored {
		s.metrics.RecordSegmentStored("srt")
	}
	return seg.IsEOS(), nil
}

// dropLogInterval bounds how often one connection logs dropped input.
const dropLogInterval = time.Second

// dropLogger logs at most one warning per interval. Warnings in between
// are counted and reported with the next one that is logged.
type dropLogger struct {
	log        *slog.Logger
	every      time.Duration
	last       time.Time
	suppressed int
}

func (d *dropLogger) Warn(msg string, args ...any) {
	now := time.Now()
	if !d.last.IsZero() && now.Sub(d.last) < d.every {
		d.suppressed++
		return
	}
	if d.suppressed > 0 {
		args = append(args, "suppressed", d.suppressed)
		d.suppressed = 0
	}
	d.last = now
	d.log.Warn(msg, args...)
}

// parseStreamID splits an SRT stream id of the form
// "live/channel?session=id" into the channel key and publisher session.
func parseStreamID(streamID string) (key, session string) {
	path, query, _ := strings.Cut(streamID, "?")
	if q, err := url.ParseQuery(query); err == nil {
		session = q.Get("session")
	}
	return extractStreamKey(path), session
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
