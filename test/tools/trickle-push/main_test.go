package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/zsiec/trickle/internal/segment"
	"github.com/zsiec/trickle/media"
	"github.com/zsiec/trickle/trickle"
)

func TestSyntheticFrame(t *testing.T) {
	t.Parallel()

	tb := media.TimeBase{Num: 1, Den: 30}
	f, err := syntheticFrame(5, tb, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	if f.Channels() != 3 || f.Height() != 4 || f.Width() != 8 {
		t.Fatalf("shape: got %dx%dx%d", f.Channels(), f.Height(), f.Width())
	}
	if f.Timestamp() != 5 || f.TimeBase() != tb {
		t.Errorf("timing: got %d @ %s", f.Timestamp(), f.TimeBase())
	}
	for i, v := range f.Tensor().Data() {
		if v < 0 || v > 1 {
			t.Fatalf("value %d out of range: %g", i, v)
		}
	}
}

func TestSenderFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8080/demo", false},
		{"https://example.com/demo", false},
		{"srt://localhost:6000/demo", false},
		{"ftp://localhost/demo", true},
	}
	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			t.Parallel()
			s, closeFn, err := senderFor(tc.url, "")
			if (err != nil) != tc.wantErr {
				t.Fatalf("senderFor(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
			if err == nil {
				if s == nil {
					t.Fatal("nil sender")
				}
				closeFn()
			}
		})
	}
}

func TestFileSender(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := &fileSender{w: &buf}
	for seq := range uint64(3) {
		seg := trickle.OutgoingSegment{Seq: seq, Data: segment.EndOfStream(seq)}
		if err := s.SendSegment(context.Background(), trickle.Endpoint{}, seg); err != nil {
			t.Fatal(err)
		}
	}
	for seq := range uint64(3) {
		data, err := segment.ReadFramed(&buf)
		if err != nil {
			t.Fatalf("ReadFramed: %v", err)
		}
		h, err := segment.PeekHeader(data)
		if err != nil || h.Seq != seq {
			t.Fatalf("segment %d: header %+v, err %v", seq, h, err)
		}
	}
}
