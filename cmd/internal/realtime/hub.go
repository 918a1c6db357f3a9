package realtime

import (
	"log/slog"
	"sync"
)

// Hub tracks open streams per user so vault mutations can trigger an
// immediate push instead of waiting for the next period boundary.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	streams map[string]map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, streams: make(map[string]map[string]*Client)}
}

// Join registers c under its user.
func (h *Hub) Join(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.streams[c.UserID]
	if !ok {
		m = make(map[string]*Client)
		h.streams[c.UserID] = m
	}
	m[c.StreamID] = c
}

// Leave removes c. Unknown clients are ignored.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.streams[c.UserID]
	delete(m, c.StreamID)
	if len(m) == 0 {
		delete(h.streams, c.UserID)
	}
}

// Notify nudges every open stream of the given users. Safe on a nil Hub.
func (h *Hub) Notify(userIDs ...string) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uid := range userIDs {
		for _, c := range h.streams[uid] {
			c.Nudge()
		}
	}
}

// Streams returns the number of open streams for userID.
func (h *Hub) Streams(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[userID])
}

// CloseAll ends every open stream with a going-away close. Used on server
// shutdown, since hijacked connections outlive http.Server.Shutdown.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.streams {
		for _, c := range m {
			c.Close()
			n++
		}
	}
	return n
}
