package proxy

import (
	"encoding/json"
	"math/rand/v2"

	"github.com/apitruth/mock-platform/internal/schema"
	"github.com/apitruth/mock-platform/internal/store"
)

// maxErrorProbability caps injected errors so a fully-chaotic endpoint
// still lets some traffic through.
const maxErrorProbability = 0.9

// MockResponse is one synthesized response. LatencyMs is how long the
// caller should sleep before writing it; the generator itself never
// blocks, which keeps it testable.
type MockResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	LatencyMs   float64

	// ChaosError marks a response produced by error injection rather than
	// the learned status distribution.
	ChaosError bool
}

// mockInput carries everything one synthesis needs.
type mockInput struct {
	Method      string
	Pattern     string
	Behavior    store.Behavior
	Chaos       store.Chaos
	Profile     Profile
	HeaderChaos int // -1 when the X-Chaos-Level header is absent
	RequestBody any
	Failover    bool
}

// effectiveChaos is the maximum of the per-endpoint setting (when
// active), the profile's floor, and the per-request header override,
// clamped to [0,100].
func effectiveChaos(in mockInput) int {
	chaos := 0
	if in.Chaos.Active && in.Chaos.Level > chaos {
		chaos = in.Chaos.Level
	}
	if in.Profile.GlobalChaos > chaos {
		chaos = in.Profile.GlobalChaos
	}
	if in.HeaderChaos > chaos {
		chaos = in.HeaderChaos
	}
	if chaos < 0 {
		chaos = 0
	}
	if chaos > 100 {
		chaos = 100
	}
	return chaos
}

// synthesize builds a response from the learned model. The behavior's
// latency statistics drive the simulated delay, the status distribution
// drives the status, and the learned schema drives the body.
func synthesize(in mockInput) MockResponse {
	chaos := effectiveChaos(in)

	latency := rand.NormFloat64()*in.Behavior.LatencyStd + in.Behavior.LatencyMean
	if latency < 10 {
		latency = 10
	}
	latency += float64(chaos) * 10
	latency += profileLatencyBoost(in.Profile, in.Method)

	if in.Profile.CorruptBody {
		return MockResponse{
			StatusCode:  200,
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte(corruptedBody),
			LatencyMs:   latency,
		}
	}

	errorProb := in.Behavior.ErrorRate + float64(chaos)/100
	if errorProb > maxErrorProbability {
		errorProb = maxErrorProbability
	}
	if rand.Float64() < errorProb {
		body, _ := json.Marshal(map[string]any{
			"error":     "simulated internal error",
			"simulated": true,
		})
		// Injected failures surface instantly, the way a crashed handler
		// does, instead of waiting out the simulated latency.
		return MockResponse{
			StatusCode:  500,
			ContentType: "application/json",
			Body:        body,
			ChaosError:  true,
		}
	}

	status := weightedStatus(in.Behavior.StatusDist)

	reqMap, _ := in.RequestBody.(map[string]any)
	generated := schema.Generate(in.Behavior.ResponseSchema, reqMap)
	if generated == nil {
		generated = map[string]any{
			"message":  "mock response",
			"endpoint": in.Pattern,
			"method":   in.Method,
		}
	}
	if in.Failover {
		if m, ok := generated.(map[string]any); ok {
			m["_meta"] = map[string]any{
				"source": "mock_failover",
				"reason": "upstream unreachable",
			}
		}
	}

	body, err := json.Marshal(generated)
	if err != nil {
		body = []byte(`{"message":"mock response"}`)
	}
	return MockResponse{
		StatusCode:  status,
		ContentType: "application/json",
		Body:        body,
		LatencyMs:   latency,
	}
}

// weightedStatus samples a status code from the learned distribution.
// An empty distribution means 200.
func weightedStatus(dist map[string]float64) int {
	if len(dist) == 0 {
		return 200
	}
	total := 0.0
	for _, w := range dist {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return 200
	}
	r := rand.Float64() * total
	for code, w := range dist {
		if w <= 0 {
			continue
		}
		r -= w
		if r <= 0 {
			if n := parseStatus(code); n != 0 {
				return n
			}
			return 200
		}
	}
	return 200
}

func parseStatus(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	if n < 100 || n > 599 {
		return 0
	}
	return n
}
