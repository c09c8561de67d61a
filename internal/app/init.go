package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/apitruth/mock-platform/internal/detector"
	"github.com/apitruth/mock-platform/internal/health"
	"github.com/apitruth/mock-platform/internal/learning"
	"github.com/apitruth/mock-platform/internal/livelog"
	"github.com/apitruth/mock-platform/internal/metrics"
	"github.com/apitruth/mock-platform/internal/proxy"
	"github.com/apitruth/mock-platform/internal/recorder"
	"github.com/apitruth/mock-platform/internal/schema"
	"github.com/apitruth/mock-platform/internal/store"
)

// initStore opens the SQLite database that holds endpoint models, drift
// alerts, and health history.
func (a *App) initStore(_ context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	st, err := store.Open(a.cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	a.st = st
	a.log.Info("store opened", slog.String("path", a.cfg.DatabasePath()))

	return nil
}

// initIntelligence builds the in-memory model layer: the latency anomaly
// detector and schema registry (both persisted to the data dir across
// restarts) and the health monitor.
func (a *App) initIntelligence(_ context.Context) error {
	a.det = detector.New(a.cfg.DetectorStatePath(), a.log)
	a.schemas = schema.NewRegistry(a.cfg.SchemaRegistryPath(), a.log)
	a.monitor = health.NewMonitor()
	return nil
}

// initServices creates the metrics registry, the learning pipeline, the
// async health sample recorder, and the live log hub.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.buffer = learning.NewBuffer(a.cfg.LearningBufferSize, a.log)
	a.worker = learning.NewWorker(a.st, a.schemas, a.buffer,
		a.cfg.LearningBufferSize, learning.DefaultInterval, a.log)
	a.worker.SetObserver(a.prom)

	rec, err := recorder.New(a.st, a.log)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	a.rec = rec

	a.hub = livelog.NewHub(livelog.NewRing(), a.log)

	return nil
}

// initGateway wires the dispatcher to every subsystem and builds the
// fasthttp server with the admin control plane mounted.
func (a *App) initGateway(_ context.Context) error {
	a.gw = &proxy.Gateway{
		State:     proxy.NewState(a.cfg),
		Store:     a.st,
		Buffer:    a.buffer,
		Worker:    a.worker,
		Detector:  a.det,
		Health:    a.monitor,
		Hub:       a.hub,
		Forwarder: proxy.NewForwarder(a.cfg.UpstreamTimeout),
		Breaker: proxy.NewCircuitBreakerWithConfig(proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		}),
		Metrics:  a.prom,
		Recorder: a.rec,
		Log:      a.log,
	}

	a.srv = a.gw.NewServer(a.cfg.CORSOrigins, a.cfg.UpstreamTimeout)

	return nil
}
