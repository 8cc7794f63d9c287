// Package distribution serves trickle channels over HTTP/1.1 and HTTP/3:
// publishers POST segments, subscribers long-poll GET them by sequence.
package distribution

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/trickle/internal/certs"
	"github.com/zsiec/trickle/internal/ingest"
	"github.com/zsiec/trickle/internal/segment"
	"github.com/zsiec/trickle/internal/stream"
	"github.com/zsiec/trickle/metrics"
	"github.com/zsiec/trickle/trickle"
)

// Server defaults.
const (
	DefaultPollTimeout = 5 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// ServerConfig holds the listen addresses, TLS material and dependencies
// of a Server.
type ServerConfig struct {
	// Addr is the TCP address for HTTP/1.1.
	Addr string
	// H3Addr, when set, is the UDP address for HTTP/3. Cert is required
	// with it.
	H3Addr string
	Cert   *certs.CertInfo

	Streams *stream.Manager

	// Token, when set, is the bearer token required on segment routes.
	Token string

	// PollTimeout bounds how long a GET waits for a segment that has not
	// been published yet.
	PollTimeout time.Duration

	Metrics *metrics.Metrics
	// Gatherer, when set, is exposed at /metrics.
	Gatherer prometheus.Gatherer
	// Ingest, when set, lists streaming publisher connections at /api/ingest.
	Ingest *ingest.Registry

	Log *slog.Logger
}

// Server is the trickle segment server.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer validates config and returns a Server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Streams == nil {
		return nil, errors.New("distribution: Streams is required")
	}
	if config.Addr == "" && config.H3Addr == "" {
		return nil, errors.New("distribution: Addr or H3Addr is required")
	}
	if config.H3Addr != "" && config.Cert == nil {
		return nil, errors.New("distribution: Cert is required for HTTP/3")
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	s := &Server{
		config: config,
		log:    config.Log.With("component", "distribution"),
	}
	if config.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:      config.H3Addr,
			TLSConfig: config.Cert.ServerConfig(),
			QUICConfig: &quic.Config{
				MaxIdleTimeout:  30 * time.Second,
				KeepAlivePeriod: 10 * time.Second,
			},
		}
	}
	return s, nil
}

// Handler returns the routes shared by the HTTP/1.1 and HTTP/3 listeners.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /{channel}/{seq}", "segment", s.authorize(s.handlePostSegment))
	s.handle(mux, "GET /{channel}/{seq}", "segment", s.authorize(s.handleGetSegment))
	s.handle(mux, "DELETE /{channel}", "channel", s.authorize(s.handleDeleteChannel))
	s.handle(mux, "GET /api/channels", "channels", s.handleListChannels)
	if s.config.Ingest != nil {
		s.handle(mux, "GET /api/ingest", "ingest", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.config.Ingest.List())
		})
	}
	s.handle(mux, "GET /healthz", "healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.config.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.config.Gatherer))
	}
	return corsMiddleware(s.altSvcMiddleware(mux))
}

// handle registers h under pattern and counts its responses by route.
func (s *Server) handle(mux *http.ServeMux, pattern, route string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		s.config.Metrics.RecordHTTPRequest(r.Method, route, sw.code)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	if s.config.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.config.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", trickle.HeaderSeq+", "+trickle.HeaderLatest+", "+trickle.HeaderDuplicate)
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener on HTTP/1.1 responses.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	if s.h3 == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("setting Alt-Svc header", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func parseSeq(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid sequence %q", r.PathValue("seq")))
		return 0, false
	}
	return seq, true
}

func transportName(r *http.Request) string {
	if r.ProtoMajor == 3 {
		return "http3"
	}
	return "http"
}

func (s *Server) handlePostSegment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("channel")
	seq, ok := parseSeq(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, segment.MaxSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	if len(data) > segment.MaxSize {
		writeError(w, http.StatusRequestEntityTooLarge, "segment too large")
		return
	}
	hdr, err := segment.PeekHeader(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hdr.Seq != seq {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("segment header carries sequence %d, path says %d", hdr.Seq, seq))
		return
	}

	session := r.Header.Get(trickle.HeaderSession)
	ch, _ := s.config.Streams.GetOrCreate(name)
	res, err := ch.Put(seq, data, hdr.Kind == segment.KindEOS, session)
	switch {
	case errors.Is(err, stream.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, stream.ErrStale):
		w.Header().Set(trickle.HeaderLatest, strconv.FormatUint(ch.Info().Oldest, 10))
		writeError(w, http.StatusGone, err.Error())
		return
	case errors.Is(err, stream.ErrClosed):
		writeError(w, http.StatusNotFound, "channel closed")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res != stream.Stored {
		w.Header().Set(trickle.HeaderDuplicate, "1")
	} else {
		s.config.Metrics.RecordSegmentStored(transportName(r))
	}
	s.log.Debug("segment received", "channel", name, "seq", seq, "kind", hdr.Kind, "bytes", len(data), "result", res,
		"session", session, "request_id", r.Header.Get(trickle.HeaderRequestID))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("channel")
	seq, ok := parseSeq(w, r)
	if !ok {
		return
	}

	// Subscribers may connect before the publisher; the channel is created
	// on first reference from either side.
	ch, _ := s.config.Streams.GetOrCreate(name)

	ctx, cancel := context.WithTimeout(r.Context(), s.config.PollTimeout)
	defer cancel()
	data, err := ch.Get(ctx, seq)

	var gone *stream.GoneError
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set(trickle.HeaderSeq, strconv.FormatUint(seq, 10))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			s.log.Debug("writing segment", "channel", name, "seq", seq, "error", err)
			return
		}
		s.config.Metrics.RecordSegmentServed()
	case errors.As(err, &gone):
		w.Header().Set(trickle.HeaderLatest, strconv.FormatUint(gone.Oldest, 10))
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, stream.ErrClosed):
		writeError(w, http.StatusNotFound, "channel closed")
	case r.Context().Err() != nil:
		// client went away
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "segment not yet available")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("channel")
	if !s.config.Streams.Remove(name) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Streams.List())
}

// Start runs the configured listeners and blocks until ctx is cancelled
// or one of them fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	g, gctx := errgroup.WithContext(ctx)

	var h1 *http.Server
	if s.config.Addr != "" {
		h1 = &http.Server{
			Addr:              s.config.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			s.log.Info("HTTP server listening", "addr", s.config.Addr)
			if err := h1.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("distribution: http: %w", err)
			}
			return nil
		})
	}
	if s.h3 != nil {
		s.h3.Handler = handler
		g.Go(func() error {
			s.log.Info("HTTP/3 server listening", "addr", s.config.H3Addr)
			err := s.h3.ListenAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("distribution: http3: %w", err)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		// Wake long-polling readers so Shutdown does not wait them out.
		s.config.Streams.Close()
		var errs []error
		if h1 != nil {
			errs = append(errs, h1.Shutdown(shutdownCtx))
		}
		if s.h3 != nil {
			errs = append(errs, s.h3.Close())
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	if ctx.Err() != nil && err == nil {
		s.log.Info("segment server stopped")
	}
	return err
}
