package trickle

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/trickle/internal/segment"
)

// HTTP headers of the trickle segment protocol.
const (
	HeaderSession   = "Trickle-Session"
	HeaderRequestID = "Trickle-Request-Id"
	HeaderSeq       = "Trickle-Seq"
	HeaderLatest    = "Trickle-Latest"
	HeaderDuplicate = "Trickle-Duplicate"

	contentType = "application/octet-stream"
)

// HTTPTransport sends and fetches segments against a trickle segment
// server. Segment seq of channel URL u lives at u + "/" + seq.
type HTTPTransport struct {
	client *http.Client
	h3     *http3.Transport
}

var (
	_ SegmentSender  = (*HTTPTransport)(nil)
	_ SegmentFetcher = (*HTTPTransport)(nil)
)

// NewHTTPTransport returns a transport using client, or a fresh
// http.Client when client is nil. Per-request deadlines come from the
// caller's context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// NewHTTP3Transport returns a transport speaking HTTP/3 over QUIC.
func NewHTTP3Transport(tlsConf *tls.Config) *HTTPTransport {
	h3 := &http3.Transport{
		TLSClientConfig: tlsConf,
		QUICConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
	}
	return &HTTPTransport{client: &http.Client{Transport: h3}, h3: h3}
}

// Close releases idle connections, including QUIC connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	if t.h3 != nil {
		return t.h3.Close()
	}
	return nil
}

func segmentURL(base string, seq uint64) string {
	return strings.TrimSuffix(base, "/") + "/" + strconv.FormatUint(seq, 10)
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, url string, ep Endpoint, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("trickle: build request: %w", err)
	}
	if ep.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ep.Token)
	}
	if ep.Session != "" {
		req.Header.Set(HeaderSession, ep.Session)
	}
	return req, nil
}

// SendSegment POSTs the segment. A response flagged as a duplicate counts
// as success.
func (t *HTTPTransport) SendSegment(ctx context.Context, ep Endpoint, seg OutgoingSegment) error {
	url := segmentURL(ep.URL, seg.Seq)
	req, err := t.newRequest(ctx, http.MethodPost, url, ep, seg.Data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if seg.RequestID != "" {
		req.Header.Set(HeaderRequestID, seg.RequestID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return statusError(req, resp)
}

// FetchSegment GETs segment seq. The server long-polls until the segment
// arrives; an expired poll is reported as ErrSegmentPending.
func (t *HTTPTransport) FetchSegment(ctx context.Context, ep Endpoint, seq uint64) ([]byte, error) {
	url := segmentURL(ep.URL, seq)
	req, err := t.newRequest(ctx, http.MethodGet, url, ep, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, segment.MaxSize+1))
		if err != nil {
			return nil, fmt.Errorf("trickle: read segment %d: %w", seq, err)
		}
		if len(data) > segment.MaxSize {
			return nil, fmt.Errorf("trickle: segment %d: %w", seq, segment.ErrTooLarge)
		}
		return data, nil
	case http.StatusRequestTimeout:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrSegmentPending
	case http.StatusGone:
		_, _ = io.Copy(io.Discard, resp.Body)
		latest, err := strconv.ParseUint(resp.Header.Get(HeaderLatest), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("trickle: segment %d gone without a valid %s header", seq, HeaderLatest)
		}
		return nil, &GoneError{Seq: seq, Latest: latest}
	default:
		return nil, statusError(req, resp)
	}
}

func statusError(req *http.Request, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Method: req.Method,
		URL:    req.URL.String(),
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}
