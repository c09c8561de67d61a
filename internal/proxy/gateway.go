package proxy

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/apitruth/mock-platform/internal/detector"
	"github.com/apitruth/mock-platform/internal/health"
	"github.com/apitruth/mock-platform/internal/learning"
	"github.com/apitruth/mock-platform/internal/livelog"
	"github.com/apitruth/mock-platform/internal/metrics"
	"github.com/apitruth/mock-platform/internal/normalize"
	"github.com/apitruth/mock-platform/internal/recorder"
	"github.com/apitruth/mock-platform/internal/store"
	"github.com/apitruth/mock-platform/pkg/apierr"
)

// Serving modes as shown in the live log.
const (
	servedProxied  = "proxied"
	servedMocked   = "mocked"
	servedFailover = "failover"
)

// Gateway is the request-plane dispatcher. Every non-admin request flows
// through Dispatch: admin guard, normalization, mode decision, then
// either upstream forwarding with learning fan-out or mock synthesis.
type Gateway struct {
	State     *State
	Store     *store.Store
	Buffer    *learning.Buffer
	Worker    *learning.Worker
	Detector  *detector.Detector
	Health    *health.Monitor
	Hub       *livelog.Hub
	Forwarder *Forwarder
	Breaker   *CircuitBreaker
	Metrics   *metrics.Registry
	Recorder  *recorder.Recorder
	Log       *slog.Logger
}

// Dispatch handles one request on the transparent surface.
func (g *Gateway) Dispatch(ctx *fasthttp.RequestCtx) {
	g.Metrics.IncInFlight()
	defer g.Metrics.DecInFlight()

	path := string(ctx.Path())
	method := string(ctx.Method())

	// The admin prefix belongs to the control plane; anything that fell
	// through to the dispatcher does not exist.
	if strings.HasPrefix(path, "/admin/") || path == "/admin" {
		apierr.WriteNotFound(ctx, "unknown admin route")
		return
	}
	if method == fasthttp.MethodOptions {
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	}

	pattern := normalize.Path(path)
	mode, learningOn, profileName, target := g.State.Snapshot()

	// Without a target there is no endpoint model to serve from, in any
	// mode. Rejecting here keeps the override below from masking a
	// misconfigured platform.
	if target == "" {
		apierr.WriteNoTarget(ctx)
		return
	}

	// Per-request override beats the global mode.
	switch strings.ToLower(string(ctx.Request.Header.Peek("X-Mock-Enabled"))) {
	case "true":
		mode = "mock"
	case "false":
		mode = "proxy"
	}

	ep, err := g.Store.GetOrCreateEndpoint(method, pattern, target)
	if err != nil {
		g.Log.Error("endpoint lookup failed",
			slog.String("method", method),
			slog.String("pattern", pattern),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"endpoint model unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	behavior, err := g.Store.Behavior(ep.ID)
	if err != nil {
		g.Log.Error("behavior load failed",
			slog.Int64("endpoint_id", ep.ID),
			slog.String("error", err.Error()),
		)
		behavior = store.Behavior{
			EndpointID:  ep.ID,
			LatencyMean: store.DefaultLatencyMean,
			LatencyStd:  store.DefaultLatencyStd,
		}
	}

	requestBody := decodeJSON(ctx.Request.Body())

	if mode == "mock" {
		g.serveMock(ctx, ep, behavior, profileName, requestBody, servedMocked)
		return
	}
	g.serveProxy(ctx, ep, behavior, profileName, learningOn, requestBody)
}

// serveProxy forwards to the upstream, falling over to the learned model
// when the upstream is unreachable.
func (g *Gateway) serveProxy(ctx *fasthttp.RequestCtx, ep store.Endpoint, behavior store.Behavior, profileName string, learningOn bool, requestBody any) {
	if !g.Breaker.Allow() {
		g.Log.Warn("circuit open, serving from learned model",
			slog.String("pattern", ep.PathPattern),
		)
		g.recordFailover(ep, learningOn)
		g.serveMock(ctx, ep, behavior, profileName, requestBody, servedFailover)
		return
	}

	start := time.Now()
	status, respBody, err := g.Forwarder.Forward(ctx, g.State.TargetURL())
	took := time.Since(start)
	latencyMs := float64(took.Milliseconds())

	if err != nil {
		g.Breaker.RecordFailure()
		g.Metrics.SetCircuitBreaker(int64(g.Breaker.State()))

		if isNetworkError(err) {
			g.Metrics.ObserveUpstreamAttempt("network_error", took)
			g.Log.Warn("upstream unreachable, failing over to mock",
				slog.String("pattern", ep.PathPattern),
				slog.String("error", err.Error()),
			)
			ctx.Response.Reset()
			g.recordFailover(ep, learningOn)
			g.serveMock(ctx, ep, behavior, profileName, requestBody, servedFailover)
			return
		}

		g.Metrics.ObserveUpstreamAttempt("error", took)
		g.Log.Error("upstream request failed",
			slog.String("pattern", ep.PathPattern),
			slog.String("error", err.Error()),
		)
		ctx.Response.Reset()
		apierr.WriteBadGateway(ctx, "upstream returned an unreadable response")
		return
	}

	g.Breaker.RecordSuccess()
	g.Metrics.SetCircuitBreaker(int64(g.Breaker.State()))
	g.Metrics.ObserveUpstreamAttempt("ok", took)

	responseBody := decodeJSON(respBody)
	switch {
	case learningOn:
		g.Buffer.Add(learning.Observation{
			Method:       ep.Method,
			Path:         string(ctx.Path()),
			PathPattern:  ep.PathPattern,
			TargetURL:    g.State.TargetURL(),
			StatusCode:   status,
			LatencyMs:    latencyMs,
			RequestBody:  requestBody,
			ResponseBody: responseBody,
		})
		g.Metrics.SetBufferDepth(g.Buffer.Len())
	case requestBody != nil || responseBody != nil:
		// Behavior learning is paused, but the contract watch never is:
		// a schema-only observation keeps drift detection live without
		// moving the statistical model.
		g.Buffer.Add(learning.Observation{
			Method:       ep.Method,
			Path:         string(ctx.Path()),
			PathPattern:  ep.PathPattern,
			TargetURL:    g.State.TargetURL(),
			StatusCode:   status,
			RequestBody:  requestBody,
			ResponseBody: responseBody,
			SchemaOnly:   true,
		})
		g.Metrics.SetBufferDepth(g.Buffer.Len())
	}

	g.observe(ep, behavior, status, latencyMs, len(respBody), servedProxied, took)
}

// serveMock synthesizes a response from the learned model. served labels
// the live log entry: plain mock mode or upstream failover.
func (g *Gateway) serveMock(ctx *fasthttp.RequestCtx, ep store.Endpoint, behavior store.Behavior, profileName string, requestBody any, served string) {
	chaos, err := g.Store.Chaos(ep.ID)
	if err != nil {
		chaos = store.Chaos{EndpointID: ep.ID}
	}

	resp := synthesize(mockInput{
		Method:      ep.Method,
		Pattern:     ep.PathPattern,
		Behavior:    behavior,
		Chaos:       chaos,
		Profile:     ProfileByName(profileName),
		HeaderChaos: headerChaos(ctx),
		RequestBody: requestBody,
		Failover:    served == servedFailover,
	})

	start := time.Now()
	sleepMs(ctx, resp.LatencyMs)

	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetContentType(resp.ContentType)
	ctx.SetBody(resp.Body)

	reason := "mode"
	switch {
	case served == servedFailover:
		reason = "failover"
	case resp.ChaosError:
		reason = "chaos"
	}
	g.Metrics.RecordMockResponse(ep.PathPattern, reason)

	g.publishMock(ep, resp.StatusCode, resp.LatencyMs, served, time.Since(start))
}

// publishMock records a synthesized response in the live log and the
// request metrics. Synthesized latencies and statuses come from the
// learned model, so they never feed back into the detector, the health
// windows, or the sample history; only forwarded traffic trains those.
func (g *Gateway) publishMock(ep store.Endpoint, status int, latencyMs float64, served string, took time.Duration) {
	hasDrift, err := g.Store.ActiveDrift(ep.ID)
	if err != nil {
		hasDrift = false
	}
	res := g.Health.EndpointHealth(ep.ID)
	global := g.Health.GlobalHealth()

	g.Metrics.ObserveRequest(ep.PathPattern, served, status, took)
	g.Metrics.SetSubscribers(g.Hub.Subscribers())

	g.Hub.Publish(livelog.Entry{
		Method:       ep.Method,
		Path:         ep.PathPattern,
		StatusCode:   status,
		LatencyMs:    latencyMs,
		Mode:         served,
		HasDrift:     hasDrift,
		HealthStatus: res.Status,
		HealthScore:  res.HealthScore,
	}, nil, global)
}

// recordFailover enqueues the synthetic 502 observation that keeps the
// error model honest about the outage, and nudges the worker.
func (g *Gateway) recordFailover(ep store.Endpoint, learningOn bool) {
	g.Metrics.RecordFailover(ep.PathPattern)
	if !learningOn {
		return
	}
	g.Buffer.Add(learning.Observation{
		Method:      ep.Method,
		PathPattern: ep.PathPattern,
		TargetURL:   g.State.TargetURL(),
		StatusCode:  fasthttp.StatusBadGateway,
		Synthetic:   true,
	})
	g.Metrics.SetBufferDepth(g.Buffer.Len())
	g.Worker.Poke()
}

// observe runs the per-request intelligence fan-out: detector update,
// health evaluation, async sample persistence, metrics, and the live log
// broadcast.
func (g *Gateway) observe(ep store.Endpoint, behavior store.Behavior, status int, latencyMs float64, respSize int, served string, took time.Duration) {
	g.Detector.Update(ep.PathPattern, latencyMs)
	anomalous := g.Detector.IsAnomaly(ep.PathPattern, latencyMs)
	if anomalous {
		g.Metrics.RecordLatencyAnomaly(ep.PathPattern)
	}

	hasDrift, err := g.Store.ActiveDrift(ep.ID)
	if err != nil {
		hasDrift = false
	}

	res := g.Health.Evaluate(health.Request{
		EndpointID:     ep.ID,
		PathPattern:    ep.PathPattern,
		LatencyMs:      latencyMs,
		StatusCode:     status,
		ResponseSize:   respSize,
		LatencyMean:    behavior.LatencyMean,
		LatencyStd:     behavior.LatencyStd,
		ErrorRate:      behavior.ErrorRate,
		HasActiveDrift: hasDrift,
	})
	global := g.Health.GlobalHealth()

	g.Recorder.Record(store.HealthSample{
		EndpointID:     ep.ID,
		LatencyMs:      latencyMs,
		StatusCode:     status,
		ResponseSize:   respSize,
		IsError:        status >= 400,
		LatencyAnomaly: res.LatencyAnomaly || anomalous,
		ErrorSpike:     res.ErrorSpike,
		SizeAnomaly:    res.SizeAnomaly,
		HealthScore:    res.HealthScore,
		AnomalyReasons: anomalyReasons(res),
	})

	g.Metrics.ObserveRequest(ep.PathPattern, served, status, took)
	g.Metrics.SetEndpointHealth(ep.PathPattern, res.HealthScore)
	g.Metrics.SetGlobalHealth(global.Score)
	g.Metrics.SetSubscribers(g.Hub.Subscribers())

	var alert any
	if len(res.Anomalies) > 0 {
		alert = res
	}
	g.Hub.Publish(livelog.Entry{
		Method:       ep.Method,
		Path:         ep.PathPattern,
		StatusCode:   status,
		LatencyMs:    latencyMs,
		Mode:         served,
		HasDrift:     hasDrift,
		HealthStatus: res.Status,
		HealthScore:  res.HealthScore,
	}, alert, global)
}

func anomalyReasons(res health.Result) []string {
	var out []string
	for _, a := range res.Anomalies {
		out = append(out, a.Type)
	}
	return out
}

// headerChaos parses the X-Chaos-Level override, returning -1 when absent
// or unparseable.
func headerChaos(ctx *fasthttp.RequestCtx) int {
	raw := string(ctx.Request.Header.Peek("X-Chaos-Level"))
	if raw == "" {
		return -1
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

// sleepMs simulates latency, aborting early if the client goes away.
func sleepMs(ctx *fasthttp.RequestCtx, ms float64) {
	if ms <= 0 {
		return
	}
	d := time.Duration(ms) * time.Millisecond
	// A ctx without an owning connection (Init'd by hand) cannot provide
	// a Done channel.
	if ctx.Conn() == nil {
		time.Sleep(d)
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// decodeJSON returns the parsed body when it is structured JSON (object
// or array), nil otherwise.
func decodeJSON(body []byte) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil
	}
	return v
}
