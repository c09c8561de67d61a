package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/apitruth/mock-platform/internal/schema"
	"github.com/apitruth/mock-platform/internal/store"
)

const (
	// ewmaAlpha weighs one new observation against the learned average.
	ewmaAlpha = 0.1

	// DefaultInterval is how often the worker drains the buffer.
	DefaultInterval = 5 * time.Second
)

// Observer receives learning pipeline telemetry. Implemented by the
// metrics registry; nil disables reporting.
type Observer interface {
	RecordLearningObservation(ok bool)
	RecordDriftAlert(pattern, severity string)
	SetBufferDepth(n int)
}

// Worker drains the buffer and updates the stored endpoint model. One
// worker runs per process.
type Worker struct {
	store     *store.Store
	schemas   *schema.Registry
	buffer    *Buffer
	batchSize int
	interval  time.Duration
	log       *slog.Logger
	obs       Observer

	poke chan struct{}
}

// NewWorker wires a worker to its store, schema registry, and buffer.
// batchSize is the backlog level that triggers a drain between ticks.
func NewWorker(st *store.Store, schemas *schema.Registry, buf *Buffer, batchSize int, interval time.Duration, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if batchSize < 1 {
		batchSize = 1
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		store:     st,
		schemas:   schemas,
		buffer:    buf,
		batchSize: batchSize,
		interval:  interval,
		log:       log,
		poke:      make(chan struct{}, 1),
	}
}

// SetObserver attaches pipeline telemetry. Call before Run.
func (w *Worker) SetObserver(obs Observer) {
	w.obs = obs
}

// Poke nudges the worker to drain before the next tick. Never blocks.
func (w *Worker) Poke() {
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

// Run processes the buffer until ctx is cancelled, then drains whatever
// is still staged so no observation is lost on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case <-ticker.C:
			if w.buffer.Len() >= w.batchSize {
				w.drain()
			}
		case <-w.poke:
			w.drain()
		}
	}
}

func (w *Worker) drain() {
	batch := w.buffer.Swap()
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	failed := 0
	for _, obs := range batch {
		err := w.processOne(obs)
		if w.obs != nil {
			w.obs.RecordLearningObservation(err == nil)
		}
		if err != nil {
			failed++
			w.log.Error("learning update failed",
				slog.String("method", obs.Method),
				slog.String("pattern", obs.PathPattern),
				slog.String("error", err.Error()),
			)
		}
	}
	if w.obs != nil {
		w.obs.SetBufferDepth(w.buffer.Len())
	}
	w.log.Debug("learning batch processed",
		slog.Int("observations", len(batch)),
		slog.Int("failed", failed),
		slog.Duration("took", time.Since(start)),
	)
}

// processOne folds a single observation into the endpoint's stored model.
// Each observation is its own unit of work; a failure skips the item and
// the batch continues.
func (w *Worker) processOne(obs Observation) error {
	ep, err := w.store.GetOrCreateEndpoint(obs.Method, obs.PathPattern, obs.TargetURL)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	b, err := w.store.Behavior(ep.ID)
	if err != nil {
		return fmt.Errorf("load behavior: %w", err)
	}

	// Schema-only observations update the contract model and nothing
	// else: latency, error rate, distribution, and sample count stay put.
	if obs.SchemaOnly {
		if obs.ResponseBody != nil && obs.StatusCode < 300 {
			w.learnResponse(ep.ID, obs, &b)
		}
		if obs.RequestBody != nil {
			b.RequestSchema = schema.Learn(b.RequestSchema, obs.RequestBody)
		}
		if err := w.store.UpdateBehavior(b); err != nil {
			return fmt.Errorf("save behavior: %w", err)
		}
		return nil
	}

	first := b.SampleCount == 0
	isError := obs.StatusCode >= 400

	// The stored defaults (400ms mean, 100ms std) are placeholders, not
	// observations. The first real sample replaces them outright; after
	// that the moving average takes over.
	if first {
		b.LatencyMean = obs.LatencyMs
		if isError {
			b.ErrorRate = 1
		} else {
			b.ErrorRate = 0
		}
	} else {
		b.LatencyMean = (1-ewmaAlpha)*b.LatencyMean + ewmaAlpha*obs.LatencyMs
		dev := obs.LatencyMs - b.LatencyMean
		b.LatencyStd = (1-ewmaAlpha)*b.LatencyStd + ewmaAlpha*abs(dev)

		errObs := 0.0
		if isError {
			errObs = 1
		}
		b.ErrorRate = (1-ewmaAlpha)*b.ErrorRate + ewmaAlpha*errObs
	}

	b.StatusDist = updateDistribution(b.StatusDist, obs.StatusCode, first)

	if !obs.Synthetic {
		if obs.ResponseBody != nil && obs.StatusCode < 300 {
			w.learnResponse(ep.ID, obs, &b)
		}
		if obs.RequestBody != nil {
			b.RequestSchema = schema.Learn(b.RequestSchema, obs.RequestBody)
		}
	}

	b.SampleCount++
	if err := w.store.UpdateBehavior(b); err != nil {
		return fmt.Errorf("save behavior: %w", err)
	}
	return nil
}

// learnResponse folds the response body into the pattern's schema and
// raises a drift alert when the comparison finds severe changes.
func (w *Worker) learnResponse(endpointID int64, obs Observation, b *store.Behavior) {
	key := obs.Method + " " + obs.PathPattern
	changes := w.schemas.LearnAndCompare(key, obs.ResponseBody)
	b.ResponseSchema = w.schemas.Get(key)

	if !schema.HasSevere(changes) {
		return
	}
	sum := schema.Summarize(changes)
	if w.obs != nil {
		severity := "warning"
		if sum.Breaking > 0 {
			severity = "breaking"
		}
		w.obs.RecordDriftAlert(obs.PathPattern, severity)
	}
	if err := w.store.UpsertDriftAlert(endpointID, float64(sum.Score), sum.Text, changes); err != nil {
		w.log.Error("drift alert save failed",
			slog.String("pattern", obs.PathPattern),
			slog.String("error", err.Error()),
		)
		return
	}
	w.log.Warn("contract drift detected",
		slog.String("method", obs.Method),
		slog.String("pattern", obs.PathPattern),
		slog.Int("breaking", sum.Breaking),
		slog.Int("warnings", sum.Warnings),
		slog.Int("score", sum.Score),
	)
}

// updateDistribution decays every bucket, credits the observed status
// code, and renormalizes so the weights stay a probability distribution.
func updateDistribution(dist map[string]float64, statusCode int, first bool) map[string]float64 {
	key := strconv.Itoa(statusCode)
	if first || len(dist) == 0 {
		return map[string]float64{key: 1}
	}
	for k := range dist {
		dist[k] *= 1 - ewmaAlpha
	}
	dist[key] += ewmaAlpha

	sum := 0.0
	for _, v := range dist {
		sum += v
	}
	if sum > 0 {
		for k := range dist {
			dist[k] /= sum
		}
	}
	return dist
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
