// Package recorder implements a non-blocking, batched health sample writer.
//
// Samples are written to an internal buffered channel and flushed to the
// store in batches by a background goroutine, so recording never blocks
// the proxy hot path. If the channel fills up (> 10 000 samples), new
// samples are dropped and counted in Dropped.
package recorder

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apitruth/mock-platform/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Recorder drains health samples into the store in the background.
type Recorder struct {
	ch        chan store.HealthSample
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	store *store.Store
	log   *slog.Logger
}

// New starts the background flusher.
func New(st *store.Store, log *slog.Logger) (*Recorder, error) {
	if st == nil {
		return nil, fmt.Errorf("recorder: store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Recorder{
		ch:    make(chan store.HealthSample, channelBuffer),
		done:  make(chan struct{}),
		store: st,
		log:   log,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record stages one sample. Never blocks; samples are dropped when the
// channel is full.
func (r *Recorder) Record(sample store.HealthSample) {
	select {
	case r.ch <- sample:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped reports how many samples were discarded due to backpressure.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close flushes the remaining samples and stops the flusher.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.HealthSample, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, s := range batch {
			if err := r.store.InsertHealthSample(s); err != nil {
				r.log.Warn("health sample insert failed",
					slog.Int64("endpoint_id", s.EndpointID),
					slog.String("error", err.Error()),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case sample := <-r.ch:
			batch = append(batch, sample)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case sample := <-r.ch:
					batch = append(batch, sample)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
