// Package ingest tracks the publisher connections that push segments into
// the server over a streaming transport, one per channel.
package ingest

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stats captures connection-level counters for one publisher, exposed by
// the server's ingest listing for monitoring source health.
type Stats struct {
	ID               string `json:"id"`
	Key              string `json:"key"`
	Transport        string `json:"transport"`
	BytesReceived    int64  `json:"bytesReceived"`
	SegmentsStored   int64  `json:"segmentsStored"`
	SegmentsRejected int64  `json:"segmentsRejected"`
	LastSeq          uint64 `json:"lastSeq"`
	ConnectedAt      int64  `json:"connectedAt"`
	UptimeMs         int64  `json:"uptimeMs"`
	RemoteAddr       string `json:"remoteAddr"`
}

// Conn is an active publisher connection. ID is unique per connection and
// serves as the publisher session when storing its segments.
type Conn struct {
	ID        string
	Key       string
	Transport string
	StartedAt time.Time

	bytesReceived    atomic.Int64
	segmentsStored   atomic.Int64
	segmentsRejected atomic.Int64
	lastSeq          atomic.Uint64
	remoteAddr       atomic.Value
}

// RecordSegment counts a stored segment of n bytes.
func (c *Conn) RecordSegment(seq uint64, n int) {
	c.bytesReceived.Add(int64(n))
	c.segmentsStored.Add(1)
	c.lastSeq.Store(seq)
}

// RecordRejected counts a segment that could not be stored.
func (c *Conn) RecordRejected(n int) {
	c.bytesReceived.Add(int64(n))
	c.segmentsRejected.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (c *Conn) SetRemoteAddr(addr string) {
	c.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	addr, _ := c.remoteAddr.Load().(string)
	return Stats{
		ID:               c.ID,
		Key:              c.Key,
		Transport:        c.Transport,
		BytesReceived:    c.bytesReceived.Load(),
		SegmentsStored:   c.segmentsStored.Load(),
		SegmentsRejected: c.segmentsRejected.Load(),
		LastSeq:          c.lastSeq.Load(),
		ConnectedAt:      c.StartedAt.UnixMilli(),
		UptimeMs:         time.Since(c.StartedAt).Milliseconds(),
		RemoteAddr:       addr,
	}
}

// Registry tracks active publisher connections by channel key.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register claims key for a new connection. It returns false when another
// publisher already holds the key.
func (r *Registry) Register(key, transport string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[key]; ok {
		return nil, false
	}
	c := &Conn{ID: uuid.NewString(), Key: key, Transport: transport, StartedAt: time.Now()}
	r.conns[key] = c
	return c, true
}

// Unregister releases key if it is still held by c.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.Key] == c {
		delete(r.conns, c.Key)
	}
}

// Get returns the connection holding key.
func (r *Registry) Get(key string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[key]
	return c, ok
}

// List returns stats for every active connection, sorted by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Stats())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Stats) int { return strings.Compare(a.Key, b.Key) })
	return out
}
