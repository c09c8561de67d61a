package learning

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/apitruth/mock-platform/internal/schema"
	"github.com/apitruth/mock-platform/internal/store"
)

func newTestWorker(t *testing.T) (*Worker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "platform.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := schema.NewRegistry("", nil)
	buf := NewBuffer(1, nil)
	return NewWorker(st, reg, buf, 1, time.Second, nil), st
}

func observation(latency float64, status int) Observation {
	return Observation{
		Method:      "GET",
		Path:        "/users/42",
		PathPattern: "/users/{id}",
		StatusCode:  status,
		LatencyMs:   latency,
	}
}

func body(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("bad test body: %v", err)
	}
	return v
}

func behaviorFor(t *testing.T, st *store.Store, method, pattern string) store.Behavior {
	t.Helper()
	ep, err := st.GetOrCreateEndpoint(method, pattern, "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	b, err := st.Behavior(ep.ID)
	if err != nil {
		t.Fatalf("behavior: %v", err)
	}
	return b
}

func TestFirstObservationReplacesDefaults(t *testing.T) {
	w, st := newTestWorker(t)

	if err := w.processOne(observation(150, 200)); err != nil {
		t.Fatalf("process: %v", err)
	}

	b := behaviorFor(t, st, "GET", "/users/{id}")
	if b.LatencyMean != 150 {
		t.Errorf("mean = %v, want exactly 150 (defaults replaced, not blended)", b.LatencyMean)
	}
	if b.ErrorRate != 0 {
		t.Errorf("error rate = %v, want 0", b.ErrorRate)
	}
	if b.SampleCount != 1 {
		t.Errorf("sample count = %d, want 1", b.SampleCount)
	}
	if b.StatusDist["200"] != 1.0 {
		t.Errorf("status dist = %v, want all weight on 200", b.StatusDist)
	}
}

func TestLatencyMovingAverageConverges(t *testing.T) {
	w, st := newTestWorker(t)

	for i := 0; i < 100; i++ {
		if err := w.processOne(observation(200, 200)); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	b := behaviorFor(t, st, "GET", "/users/{id}")
	if math.Abs(b.LatencyMean-200) > 1e-6 {
		t.Errorf("mean = %v, want 200", b.LatencyMean)
	}
	if b.LatencyStd > 1 {
		t.Errorf("std = %v, want near 0 for constant latency", b.LatencyStd)
	}
}

func TestErrorRateCountsClientErrors(t *testing.T) {
	w, st := newTestWorker(t)

	w.processOne(observation(100, 200))
	for i := 0; i < 50; i++ {
		w.processOne(observation(100, 404))
	}
	b := behaviorFor(t, st, "GET", "/users/{id}")
	if b.ErrorRate < 0.9 {
		t.Errorf("error rate = %v, want near 1 after sustained 404s", b.ErrorRate)
	}
}

func TestStatusDistributionStaysNormalized(t *testing.T) {
	w, st := newTestWorker(t)

	statuses := []int{200, 200, 200, 404, 500, 200, 201}
	for _, code := range statuses {
		w.processOne(observation(100, code))
	}
	b := behaviorFor(t, st, "GET", "/users/{id}")

	sum := 0.0
	for _, v := range b.StatusDist {
		sum += v
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("distribution sums to %v, want 1", sum)
	}
	if b.StatusDist["200"] <= b.StatusDist["500"] {
		t.Errorf("dominant status not dominant: %v", b.StatusDist)
	}
	for _, code := range []string{"200", "201", "404", "500"} {
		if _, ok := b.StatusDist[code]; !ok {
			t.Errorf("status %s missing from distribution %v", code, b.StatusDist)
		}
	}
}

func TestResponseSchemaLearnedOnSuccess(t *testing.T) {
	w, st := newTestWorker(t)

	obs := observation(100, 200)
	obs.ResponseBody = body(t, `{"id": 1, "name": "Ada"}`)
	if err := w.processOne(obs); err != nil {
		t.Fatalf("process: %v", err)
	}

	b := behaviorFor(t, st, "GET", "/users/{id}")
	if b.ResponseSchema == nil || b.ResponseSchema.Children["name"] == nil {
		t.Errorf("response schema = %+v", b.ResponseSchema)
	}
}

func TestErrorResponsesDoNotPolluteSchema(t *testing.T) {
	w, st := newTestWorker(t)

	obs := observation(100, 500)
	obs.ResponseBody = body(t, `{"error": "boom"}`)
	w.processOne(obs)

	b := behaviorFor(t, st, "GET", "/users/{id}")
	if b.ResponseSchema != nil {
		t.Errorf("schema learned from a 500 response: %+v", b.ResponseSchema)
	}
}

func TestDriftAlertOnFieldRemoval(t *testing.T) {
	w, st := newTestWorker(t)

	obs := observation(100, 200)
	obs.ResponseBody = body(t, `{"user": {"id": 1, "avatar": "http://x/a.png"}}`)
	w.processOne(obs)

	obs.ResponseBody = body(t, `{"user": {"id": 2}}`)
	w.processOne(obs)

	ep, _ := st.GetOrCreateEndpoint("GET", "/users/{id}", "")
	alerts, err := st.ListDriftAlerts(ep.ID, false)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Score != 10 {
		t.Errorf("score = %v, want 10 for one breaking change", a.Score)
	}
	found := false
	for _, c := range a.Details {
		if c.ChangeType == schema.ChangeFieldRemoved && c.Path == "$.user.avatar" {
			found = true
		}
	}
	if !found {
		t.Errorf("field_removed at $.user.avatar not in details: %+v", a.Details)
	}
}

func TestNewFieldIsNotAnAlert(t *testing.T) {
	w, st := newTestWorker(t)

	obs := observation(100, 200)
	obs.ResponseBody = body(t, `{"id": 1}`)
	w.processOne(obs)
	obs.ResponseBody = body(t, `{"id": 2, "nickname": "ada"}`)
	w.processOne(obs)

	ep, _ := st.GetOrCreateEndpoint("GET", "/users/{id}", "")
	alerts, _ := st.ListDriftAlerts(ep.ID, false)
	if len(alerts) != 0 {
		t.Errorf("additive change raised an alert: %+v", alerts)
	}
}

func TestRequestSchemaLearned(t *testing.T) {
	w, st := newTestWorker(t)

	obs := Observation{
		Method:      "POST",
		Path:        "/orders",
		PathPattern: "/orders",
		StatusCode:  201,
		LatencyMs:   120,
		RequestBody: body(t, `{"sku": "A-100", "qty": 2}`),
	}
	w.processOne(obs)

	b := behaviorFor(t, st, "POST", "/orders")
	if b.RequestSchema == nil || b.RequestSchema.Children["sku"] == nil {
		t.Errorf("request schema = %+v", b.RequestSchema)
	}
}

func TestSchemaOnlyObservationLeavesStatsUntouched(t *testing.T) {
	w, st := newTestWorker(t)

	obs := observation(100, 200)
	obs.ResponseBody = body(t, `{"user": {"id": 1, "avatar": "http://x/a.png"}}`)
	w.processOne(obs)

	next := observation(9999, 200)
	next.SchemaOnly = true
	next.ResponseBody = body(t, `{"user": {"id": 2}}`)
	w.processOne(next)

	b := behaviorFor(t, st, "GET", "/users/{id}")
	if b.SampleCount != 1 {
		t.Errorf("sample count = %d, want 1 (schema-only must not count)", b.SampleCount)
	}
	if b.LatencyMean != 100 {
		t.Errorf("mean = %v, want 100 untouched by the schema-only item", b.LatencyMean)
	}

	// The contract watch still ran: the removed field raised an alert.
	ep, _ := st.GetOrCreateEndpoint("GET", "/users/{id}", "")
	alerts, err := st.ListDriftAlerts(ep.ID, false)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 from the schema-only observation", len(alerts))
	}
}

func TestSyntheticObservationSkipsSchemas(t *testing.T) {
	w, st := newTestWorker(t)

	obs := observation(0, 502)
	obs.Synthetic = true
	obs.ResponseBody = body(t, `{"error": "upstream unreachable"}`)
	w.processOne(obs)

	b := behaviorFor(t, st, "GET", "/users/{id}")
	if b.ResponseSchema != nil {
		t.Error("synthetic observation leaked into the response schema")
	}
	if b.ErrorRate != 1 {
		t.Errorf("error rate = %v, want 1 after synthetic 502", b.ErrorRate)
	}
	if b.StatusDist["502"] != 1.0 {
		t.Errorf("status dist = %v", b.StatusDist)
	}
}

func TestItemFailureDoesNotAbortBatch(t *testing.T) {
	w, st := newTestWorker(t)

	// An observation with no pattern still resolves to an endpoint row, so
	// force a failure by closing the store out from under the worker.
	good := observation(100, 200)
	w.buffer.Add(good)
	st.Close()
	w.buffer.Add(observation(100, 200))

	// Must not panic; errors are logged per item.
	w.drain()
}

func TestRunDrainsOnShutdown(t *testing.T) {
	w, st := newTestWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.buffer.Add(observation(150, 200))
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	b := behaviorFor(t, st, "GET", "/users/{id}")
	if b.SampleCount != 1 {
		t.Errorf("sample count = %d, want 1 (final batch drained on shutdown)", b.SampleCount)
	}
}

func TestPokeTriggersImmediateDrain(t *testing.T) {
	w, st := newTestWorker(t)
	w.interval = time.Hour // ticks never fire during the test

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.buffer.Add(observation(150, 200))
	w.Poke()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if behaviorFor(t, st, "GET", "/users/{id}").SampleCount == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("poke did not trigger a drain")
}

func TestBufferSwap(t *testing.T) {
	buf := NewBuffer(1, nil)
	buf.Add(observation(100, 200))
	buf.Add(observation(110, 200))

	if buf.Len() != 2 {
		t.Errorf("len = %d, want 2", buf.Len())
	}
	items := buf.Swap()
	if len(items) != 2 {
		t.Errorf("swapped = %d, want 2", len(items))
	}
	if buf.Len() != 0 {
		t.Errorf("len after swap = %d, want 0", buf.Len())
	}
}
