package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/apitruth/mock-platform/internal/config"
	"github.com/apitruth/mock-platform/internal/detector"
	"github.com/apitruth/mock-platform/internal/health"
	"github.com/apitruth/mock-platform/internal/learning"
	"github.com/apitruth/mock-platform/internal/livelog"
	"github.com/apitruth/mock-platform/internal/metrics"
	"github.com/apitruth/mock-platform/internal/recorder"
	"github.com/apitruth/mock-platform/internal/schema"
	"github.com/apitruth/mock-platform/internal/store"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "platform.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rec, err := recorder.New(st, nil)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	t.Cleanup(func() { rec.Close() })

	buf := learning.NewBuffer(1, nil)
	return &Gateway{
		State: NewState(&config.Config{
			Mode:            config.ModeProxy,
			LearningEnabled: true,
			Profile:         "normal",
		}),
		Store:     st,
		Buffer:    buf,
		Worker:    learning.NewWorker(st, schema.NewRegistry("", nil), buf, 1, time.Hour, nil),
		Detector:  detector.New("", nil),
		Health:    health.NewMonitor(),
		Hub:       livelog.NewHub(livelog.NewRing(), nil),
		Forwarder: NewForwarder(2 * time.Second),
		Breaker:   NewCircuitBreaker(),
		Metrics:   metrics.New(),
		Recorder:  rec,
		Log:       slog.Default(),
	}
}

// seedFastEndpoint creates an endpoint whose simulated latency is near
// zero so mock responses return immediately.
func seedFastEndpoint(t *testing.T, g *Gateway, method, pattern string) store.Endpoint {
	t.Helper()
	ep, err := g.Store.GetOrCreateEndpoint(method, pattern, "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	b, err := g.Store.Behavior(ep.ID)
	if err != nil {
		t.Fatalf("behavior: %v", err)
	}
	b.LatencyMean = 10
	b.LatencyStd = 0
	b.SampleCount = 1
	if err := g.Store.UpdateBehavior(b); err != nil {
		t.Fatalf("update behavior: %v", err)
	}
	return ep
}

func requestCtx(method, uri string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	return ctx
}

func TestDispatch_AdminFallthroughIs404(t *testing.T) {
	g := newTestGateway(t)

	ctx := requestCtx("GET", "/admin/no-such-route")
	g.Dispatch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("status = %d, want 404", ctx.Response.StatusCode())
	}
}

func TestDispatch_ProxyWithoutTargetIs503(t *testing.T) {
	g := newTestGateway(t)

	ctx := requestCtx("GET", "/users/1")
	g.Dispatch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", ctx.Response.StatusCode())
	}
}

func TestDispatch_MockModeWithoutTargetIs503(t *testing.T) {
	g := newTestGateway(t)
	g.State.SetMode(config.ModeMock)

	ctx := requestCtx("GET", "/users/1")
	g.Dispatch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: no target means no model to serve", ctx.Response.StatusCode())
	}
}

func TestDispatch_MockMode(t *testing.T) {
	g := newTestGateway(t)
	g.State.SetMode(config.ModeMock)
	g.State.SetTargetURL("http://127.0.0.1:1")
	seedFastEndpoint(t, g, "GET", "/users/{id}")

	ctx := requestCtx("GET", "/users/42")
	g.Dispatch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	var body map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["endpoint"] != "/users/{id}" {
		t.Errorf("body = %v, want default mock for /users/{id}", body)
	}
	if g.Hub.Ring().Len() != 1 {
		t.Errorf("live log entries = %d, want 1", g.Hub.Ring().Len())
	}
}

func TestDispatch_HeaderOverrideMocksInProxyMode(t *testing.T) {
	g := newTestGateway(t)
	// Target is set but must never be contacted.
	g.State.SetTargetURL("http://127.0.0.1:1")
	seedFastEndpoint(t, g, "GET", "/users/{id}")

	ctx := requestCtx("GET", "/users/7")
	ctx.Request.Header.Set("X-Mock-Enabled", "true")
	g.Dispatch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200 from the learned model", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("content type = %s", ctx.Response.Header.ContentType())
	}
}

func TestDispatch_FailoverWhenUpstreamUnreachable(t *testing.T) {
	g := newTestGateway(t)
	// Port 1 refuses connections, which classifies as a network error.
	g.State.SetTargetURL("http://127.0.0.1:1")
	seedFastEndpoint(t, g, "GET", "/orders/{id}")

	ctx := requestCtx("GET", "/orders/9")
	g.Dispatch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want mock failover 200", ctx.Response.StatusCode())
	}
	var body map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	meta, ok := body["_meta"].(map[string]any)
	if !ok || meta["source"] != "mock_failover" {
		t.Errorf("body missing failover marker: %v", body)
	}

	// The outage leaves a synthetic 502 observation for the model.
	batch := g.Buffer.Swap()
	found := false
	for _, obs := range batch {
		if obs.Synthetic && obs.StatusCode == fasthttp.StatusBadGateway {
			found = true
		}
	}
	if !found {
		t.Errorf("buffer %v missing the synthetic 502 observation", batch)
	}
}

func TestDispatch_OpenBreakerSkipsUpstream(t *testing.T) {
	g := newTestGateway(t)
	g.State.SetTargetURL("http://127.0.0.1:1")
	seedFastEndpoint(t, g, "GET", "/users/{id}")

	for i := 0; i < cbDefaultErrorThreshold; i++ {
		g.Breaker.RecordFailure()
	}

	start := time.Now()
	ctx := requestCtx("GET", "/users/3")
	g.Dispatch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want mock failover 200", ctx.Response.StatusCode())
	}
	// No dial attempt: only the simulated latency (~10ms) is spent.
	if took := time.Since(start); took > time.Second {
		t.Errorf("dispatch took %v with an open breaker", took)
	}
}

func TestDispatch_LearningDisabledKeepsBufferEmpty(t *testing.T) {
	g := newTestGateway(t)
	g.State.SetMode(config.ModeMock)
	g.State.SetTargetURL("http://127.0.0.1:1")
	g.State.SetLearning(false)
	seedFastEndpoint(t, g, "GET", "/users/{id}")

	ctx := requestCtx("GET", "/users/5")
	g.Dispatch(ctx)

	if n := g.Buffer.Len(); n != 0 {
		t.Errorf("buffer length = %d, want 0", n)
	}
}

func TestDispatch_LearningPausedStillWatchesContract(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 1, "name": "Ada"}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t)
	g.State.SetTargetURL(upstream.URL)
	g.State.SetLearning(false)
	seedFastEndpoint(t, g, "GET", "/users/{id}")

	ctx := requestCtx("GET", "/users/8")
	g.Dispatch(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200 from upstream", ctx.Response.StatusCode())
	}
	batch := g.Buffer.Swap()
	if len(batch) != 1 {
		t.Fatalf("buffer = %d observations, want 1 schema-only", len(batch))
	}
	obs := batch[0]
	if !obs.SchemaOnly {
		t.Error("observation not marked schema-only with learning paused")
	}
	if obs.ResponseBody == nil {
		t.Error("schema-only observation dropped the response body")
	}
}

func TestDispatch_MockTrafficSkipsBaselines(t *testing.T) {
	g := newTestGateway(t)
	g.State.SetMode(config.ModeMock)
	g.State.SetTargetURL("http://127.0.0.1:1")
	ep := seedFastEndpoint(t, g, "GET", "/users/{id}")

	for i := 0; i < 5; i++ {
		ctx := requestCtx("GET", "/users/42")
		g.Dispatch(ctx)
	}

	// Synthesized latencies come from the learned model; feeding them back
	// would let the platform grade its own homework.
	if s := g.Detector.Stats("/users/{id}"); s.Count != 0 {
		t.Errorf("detector saw %d mock samples, want 0", s.Count)
	}
	if n := len(g.Health.AllEndpointHealth()); n != 0 {
		t.Errorf("health evaluated %d endpoints from mock traffic, want 0", n)
	}
	g.Recorder.Close()
	samples, err := g.Store.RecentHealthSamples(ep.ID, 10)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("persisted %d health samples from mock traffic, want 0", len(samples))
	}
	if g.Hub.Ring().Len() != 5 {
		t.Errorf("live log entries = %d, want 5", g.Hub.Ring().Len())
	}
}
