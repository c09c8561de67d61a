// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore        — SQLite-backed endpoint models
//  2. initIntelligence — latency detector, schema registry, health monitor
//  3. initServices     — metrics, learning pipeline, health recorder, live log
//  4. initGateway      — dispatcher + admin control plane
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/apitruth/mock-platform/internal/config"
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

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st      *store.Store
	det     *detector.Detector
	schemas *schema.Registry
	monitor *health.Monitor

	prom   *metrics.Registry
	buffer *learning.Buffer
	worker *learning.Worker
	rec    *recorder.Recorder
	hub    *livelog.Hub

	gw  *proxy.Gateway
	srv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"intelligence", a.initIntelligence},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the learning worker, then blocks until
// ctx is cancelled or one of them fails. It closes the app gracefully
// when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	mode, learningOn, profile, target := a.gw.State.Snapshot()
	a.log.Info("starting mock platform",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("mode", mode),
		slog.Bool("learning", learningOn),
		slog.String("profile", profile),
		slog.String("target", target),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	// The learning worker drains its buffer on cancellation before returning.
	g.Go(func() error {
		return a.worker.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.rec != nil {
		if err := a.rec.Close(); err != nil {
			a.log.Error("recorder close error", slog.String("error", err.Error()))
		}
		a.rec = nil
	}
	if a.det != nil {
		a.det.Flush()
		a.det = nil
	}
	if a.schemas != nil {
		a.schemas.Flush()
		a.schemas = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}
