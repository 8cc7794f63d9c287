package trickle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransportSend(t *testing.T) {
	t.Parallel()
	var got struct {
		path, auth, session, rid, ctype string
		body                            []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.session = r.Header.Get(HeaderSession)
		got.rid = r.Header.Get(HeaderRequestID)
		got.ctype = r.Header.Get("Content-Type")
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	ep := Endpoint{URL: srv.URL + "/cam1/", Token: "tok", Session: "s1"}
	err := tr.SendSegment(context.Background(), ep, OutgoingSegment{Seq: 7, Data: []byte("abc"), RequestID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.path != "/cam1/7" {
		t.Errorf("path: got %q", got.path)
	}
	if got.auth != "Bearer tok" || got.session != "s1" || got.rid != "r1" {
		t.Errorf("headers: auth %q session %q request id %q", got.auth, got.session, got.rid)
	}
	if got.ctype != "application/octet-stream" || string(got.body) != "abc" {
		t.Errorf("body: %q (%s)", got.body, got.ctype)
	}
}

func TestHTTPTransportSendRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "conflicting segment", http.StatusConflict)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	err := tr.SendSegment(context.Background(), Endpoint{URL: srv.URL + "/c"}, OutgoingSegment{Seq: 0, Data: []byte{1}})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want *StatusError", err)
	}
	if se.Code != http.StatusConflict || se.Temporary() || retryable(err) {
		t.Errorf("status error: %+v", se)
	}
}

func TestHTTPTransportFetchStatuses(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/c/0":
			w.Write([]byte("segment"))
		case "/c/1":
			w.WriteHeader(http.StatusRequestTimeout)
		case "/c/2":
			w.Header().Set(HeaderLatest, "9")
			w.WriteHeader(http.StatusGone)
		case "/c/3":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	ep := Endpoint{URL: srv.URL + "/c"}
	ctx := context.Background()

	data, err := tr.FetchSegment(ctx, ep, 0)
	if err != nil || string(data) != "segment" {
		t.Errorf("seq 0: got %q, %v", data, err)
	}
	if _, err := tr.FetchSegment(ctx, ep, 1); !errors.Is(err, ErrSegmentPending) {
		t.Errorf("seq 1: got %v, want ErrSegmentPending", err)
	}
	var gone *GoneError
	if _, err := tr.FetchSegment(ctx, ep, 2); !errors.As(err, &gone) || gone.Latest != 9 {
		t.Errorf("seq 2: got %v, want GoneError{Latest: 9}", err)
	}
	if _, err := tr.FetchSegment(ctx, ep, 3); err == nil || errors.As(err, &gone) {
		t.Errorf("seq 3 without header: got %v", err)
	}
	var se *StatusError
	if _, err := tr.FetchSegment(ctx, ep, 4); !errors.As(err, &se) || !se.Temporary() {
		t.Errorf("seq 4: got %v, want a temporary StatusError", err)
	}
}

func TestParseSRTEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url      string
		session  string
		addr     string
		streamID string
		wantErr  bool
	}{
		{url: "srt://127.0.0.1:6000/cam1", addr: "127.0.0.1:6000", streamID: "live/cam1"},
		{url: "srt://host:6000/cam1", session: "pub 1", addr: "host:6000", streamID: "live/cam1?session=pub+1"},
		{url: "srt://host:6000/studio/cam1/", addr: "host:6000", streamID: "live/studio/cam1"},
		{url: "http://host:6000/cam1", wantErr: true},
		{url: "srt://host:6000", wantErr: true},
		{url: "srt:///cam1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			addr, sid, err := parseSRTEndpoint(tt.url, tt.session)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q %q", addr, sid)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if addr != tt.addr || sid != tt.streamID {
				t.Errorf("got %q %q, want %q %q", addr, sid, tt.addr, tt.streamID)
			}
		})
	}
}
