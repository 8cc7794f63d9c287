package ingest

import (
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c, ok := r.Register("cam1", "srt")
	if !ok {
		t.Fatal("Register returned false for a free key")
	}
	if c.Key != "cam1" || c.Transport != "srt" {
		t.Fatalf("got %q/%q", c.Key, c.Transport)
	}

	got, ok := r.Get("cam1")
	if !ok || got != c {
		t.Fatal("Get returned a different connection")
	}
}

func TestRegistryRejectsSecondPublisher(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("cam1", "srt")
	if c, ok := r.Register("cam1", "srt"); ok || c != nil {
		t.Fatal("second Register for the same key should fail")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first, _ := r.Register("cam1", "srt")
	r.Unregister(first)
	if _, ok := r.Get("cam1"); ok {
		t.Fatal("connection still found after Unregister")
	}

	// A stale Unregister must not evict the key's new holder.
	second, _ := r.Register("cam1", "srt")
	r.Unregister(first)
	if got, ok := r.Get("cam1"); !ok || got != second {
		t.Fatal("stale Unregister removed the new connection")
	}
	if first.ID == "" || first.ID == second.ID {
		t.Errorf("connection IDs %q and %q should be distinct and non-empty", first.ID, second.ID)
	}
}

func TestConnStats(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c, _ := r.Register("cam1", "srt")
	c.SetRemoteAddr("10.0.0.1:5000")
	c.RecordSegment(0, 100)
	c.RecordSegment(1, 50)
	c.RecordRejected(7)

	st := c.Stats()
	if st.BytesReceived != 157 {
		t.Errorf("BytesReceived: got %d, want 157", st.BytesReceived)
	}
	if st.SegmentsStored != 2 || st.SegmentsRejected != 1 || st.LastSeq != 1 {
		t.Errorf("segments: %+v", st)
	}
	if st.RemoteAddr != "10.0.0.1:5000" {
		t.Errorf("RemoteAddr: got %q", st.RemoteAddr)
	}
	if st.ConnectedAt == 0 {
		t.Error("ConnectedAt should be set")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, k := range []string{"b", "c", "a"} {
		r.Register(k, "srt")
	}
	list := r.List()
	if len(list) != 3 || list[0].Key != "a" || list[1].Key != "b" || list[2].Key != "c" {
		t.Fatalf("List: %+v", list)
	}
}
