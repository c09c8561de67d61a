// Package learning moves traffic observations from the hot request path
// into the persisted endpoint model.
//
// The proxy appends observations to a Buffer without blocking; a Worker
// drains it on a fixed interval and folds each observation into the
// stored behavior: latency and error-rate moving averages, the status
// code distribution, and the request and response schemas.
package learning

import (
	"log/slog"
	"sync"
)

// Observation is one completed request as seen by the proxy.
type Observation struct {
	Method      string
	Path        string
	PathPattern string
	TargetURL   string
	StatusCode  int
	LatencyMs   float64

	// Decoded JSON bodies, nil when absent or not structured.
	RequestBody  any
	ResponseBody any

	// Synthetic marks an observation the proxy fabricated itself, such as
	// the 502 recorded when the upstream was unreachable. Synthetic
	// observations update the error model but never the schemas.
	Synthetic bool

	// SchemaOnly observations feed contract-drift detection without
	// touching the statistical model. The proxy enqueues these for
	// forwarded traffic while behavior learning is paused.
	SchemaOnly bool
}

// Buffer is a mutex-guarded staging area between the request path and the
// worker. Add never blocks on I/O.
type Buffer struct {
	mu        sync.Mutex
	items     []Observation
	warnAbove int
	log       *slog.Logger
}

// NewBuffer creates a Buffer that logs a warning when the backlog grows
// past ten batches.
func NewBuffer(batchSize int, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &Buffer{
		warnAbove: batchSize * 10,
		log:       log,
	}
}

// Add stages one observation.
func (b *Buffer) Add(obs Observation) {
	b.mu.Lock()
	b.items = append(b.items, obs)
	n := len(b.items)
	b.mu.Unlock()

	if n > b.warnAbove {
		b.log.Warn("learning buffer backlog growing",
			slog.Int("buffered", n),
			slog.Int("threshold", b.warnAbove),
		)
	}
}

// Swap takes the staged observations and resets the buffer.
func (b *Buffer) Swap() []Observation {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

// Len reports the current backlog size.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
