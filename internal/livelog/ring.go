// Package livelog keeps a bounded in-memory feed of recent traffic and
// streams it to dashboard clients over websockets.
package livelog

import (
	"sync"
	"time"
)

// ringCapacity bounds the feed; old entries fall off the tail.
const ringCapacity = 50

// Entry is one request as shown in the live traffic feed.
type Entry struct {
	Time         string  `json:"time"`
	Method       string  `json:"method"`
	Path         string  `json:"path"`
	StatusCode   int     `json:"status_code"`
	LatencyMs    float64 `json:"latency_ms"`
	Mode         string  `json:"type"`
	HasDrift     bool    `json:"has_drift"`
	HealthStatus string  `json:"health_status"`
	HealthScore  float64 `json:"health_score"`
}

// Stamp fills the entry's wall-clock time field.
func (e *Entry) Stamp(now time.Time) {
	e.Time = now.Format("15:04:05")
}

// Ring is a newest-first bounded list of entries.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRing creates an empty ring.
func NewRing() *Ring {
	return &Ring{}
}

// Push inserts an entry at the head, evicting the oldest past capacity.
func (r *Ring) Push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append([]Entry{e}, r.entries...)
	if len(r.entries) > ringCapacity {
		r.entries = r.entries[:ringCapacity]
	}
}

// Snapshot copies the current entries, newest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports the current entry count.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
