// Package stream keeps the per-channel segment windows that the HTTP and
// SRT ingest paths write into and subscribers read from.
package stream

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/zsiec/trickle/metrics"
)

// Manager owns all channels by name.
type Manager struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	window  int

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewManager creates an empty manager. window <= 0 selects
// DefaultWindowSize; a nil log uses slog.Default().
func NewManager(log *slog.Logger, window int, m *metrics.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = DefaultWindowSize
	}
	return &Manager{
		log:      log.With("component", "stream-manager"),
		metrics:  m,
		window:   window,
		channels: make(map[string]*Channel),
	}
}

// WindowSize returns the per-channel retention.
func (m *Manager) WindowSize() int { return m.window }

// GetOrCreate returns the named channel, creating it on first use. The
// second result reports whether it was created.
func (m *Manager) GetOrCreate(name string) (*Channel, bool) {
	m.mu.RLock()
	c, ok := m.channels[name]
	m.mu.RUnlock()
	if ok {
		return c, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.channels[name]; ok {
		return c, false
	}
	c = newChannel(name, m.window, m.log, m.metrics)
	m.channels[name] = c
	m.metrics.SetActiveChannels(len(m.channels))
	m.log.Info("channel created", "channel", name)
	return c, true
}

// Get returns the named channel if it exists.
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	return c, ok
}

// Remove closes and forgets a channel. It reports whether it existed.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	c, ok := m.channels[name]
	if ok {
		delete(m.channels, name)
		m.metrics.SetActiveChannels(len(m.channels))
	}
	m.mu.Unlock()

	if ok {
		c.Close()
		m.log.Info("channel removed", "channel", name)
	}
	return ok
}

// List returns a snapshot of every channel, sorted by name.
func (m *Manager) List() []ChannelInfo {
	m.mu.RLock()
	infos := make([]ChannelInfo, 0, len(m.channels))
	for _, c := range m.channels {
		infos = append(infos, c.Info())
	}
	m.mu.RUnlock()

	slices.SortFunc(infos, func(a, b ChannelInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos
}

// Close removes every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]*Channel)
	m.metrics.SetActiveChannels(0)
	m.mu.Unlock()

	for _, c := range channels {
		c.Close()
	}
}
