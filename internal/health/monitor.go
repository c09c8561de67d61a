// Package health scores endpoints against their learned baselines.
//
// Four independent signals feed each evaluation: latency anomaly, error
// spike, response-size drift, and active contract drift. Each signal
// deducts a fixed penalty from a 100-point score; the global platform
// score blends the per-endpoint average with the single worst endpoint.
package health

import (
	"fmt"
	"math"
	"sync"
)

const (
	latencySigmaThreshold = 2.0
	errorSpikeFactor      = 3.0
	sizeChangeFactor      = 3.0
	windowSize            = 50
	minObservations       = 5

	latencyPenalty    = 15.0
	errorSpikePenalty = 25.0
	sizePenalty       = 10.0
	driftPenalty      = 20.0

	highSeverityMultiplier = 1.5
)

// Status thresholds.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

func statusFor(score float64) string {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 50:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// Anomaly describes one triggered signal.
type Anomaly struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Request carries everything one evaluation needs.
type Request struct {
	EndpointID   int64
	PathPattern  string
	LatencyMs    float64
	StatusCode   int
	ResponseSize int

	// Learned baselines from the behavior model. Zero values mean "not
	// learned yet"; the monitor falls back to its sliding window.
	LatencyMean float64
	LatencyStd  float64
	ErrorRate   float64

	// HasActiveDrift is true when an unresolved drift alert exists.
	HasActiveDrift bool
}

// Result is one health assessment.
type Result struct {
	EndpointID     int64     `json:"endpoint_id"`
	PathPattern    string    `json:"path_pattern"`
	HealthScore    float64   `json:"health_score"`
	Status         string    `json:"status"`
	Anomalies      []Anomaly `json:"anomalies"`
	LatencyAnomaly bool      `json:"latency_anomaly"`
	ErrorSpike     bool      `json:"error_spike"`
	SizeAnomaly    bool      `json:"size_anomaly"`
	HasDrift       bool      `json:"has_drift"`
	Observations   int       `json:"observations"`
}

// Global is the aggregated platform health.
type Global struct {
	Score              float64  `json:"score"`
	Status             string   `json:"status"`
	AnomalyCount       int      `json:"anomaly_count"`
	EndpointsMonitored int      `json:"endpoints_monitored"`
	CriticalEndpoints  []string `json:"critical_endpoints"`
	DegradedEndpoints  []string `json:"degraded_endpoints"`
}

type observation struct {
	latencyMs    float64
	isError      bool
	responseSize int
}

// Monitor keeps per-endpoint sliding windows and cached results behind a
// single mutex.
type Monitor struct {
	mu          sync.Mutex
	windows     map[int64][]observation
	sizeWindows map[int64][]int
	cache       map[int64]Result
	global      Global
}

// NewMonitor creates an empty Monitor reporting full health.
func NewMonitor() *Monitor {
	return &Monitor{
		windows:     make(map[int64][]observation),
		sizeWindows: make(map[int64][]int),
		cache:       make(map[int64]Result),
		global:      Global{Score: 100, Status: StatusHealthy},
	}
}

// Evaluate scores one request against the endpoint's baselines, updates
// the cached endpoint and global health, and returns the assessment.
func (m *Monitor) Evaluate(req Request) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	isError := req.StatusCode >= 400

	window := append(m.windows[req.EndpointID], observation{
		latencyMs:    req.LatencyMs,
		isError:      isError,
		responseSize: req.ResponseSize,
	})
	if len(window) > windowSize {
		window = window[1:]
	}
	m.windows[req.EndpointID] = window

	sizeWindow := m.sizeWindows[req.EndpointID]
	if req.ResponseSize > 0 {
		sizeWindow = append(sizeWindow, req.ResponseSize)
		if len(sizeWindow) > windowSize {
			sizeWindow = sizeWindow[1:]
		}
		m.sizeWindows[req.EndpointID] = sizeWindow
	}

	res := Result{
		EndpointID:   req.EndpointID,
		PathPattern:  req.PathPattern,
		HasDrift:     req.HasActiveDrift,
		Observations: len(window),
	}

	latencyHigh := m.checkLatency(req, window, &res)
	errorHigh := m.checkErrorSpike(req, window, &res)
	m.checkSize(req, sizeWindow, &res)

	score := 100.0
	if res.LatencyAnomaly {
		mult := 1.0
		if latencyHigh {
			mult = highSeverityMultiplier
		}
		score -= latencyPenalty * mult
	}
	if res.ErrorSpike {
		mult := 1.0
		if errorHigh {
			mult = highSeverityMultiplier
		}
		score -= errorSpikePenalty * mult
	}
	if res.SizeAnomaly {
		score -= sizePenalty
	}
	if req.HasActiveDrift {
		score -= driftPenalty
	}
	res.HealthScore = math.Max(0, math.Min(100, score))
	res.Status = statusFor(res.HealthScore)

	m.cache[req.EndpointID] = res
	m.refreshGlobal()
	return res
}

// checkLatency flags latency above mean + 2 sigma against the learned
// baseline, or against window statistics when no baseline is learned yet.
// Returns whether the anomaly counts as high severity.
func (m *Monitor) checkLatency(req Request, window []observation, res *Result) bool {
	high := false
	switch {
	case req.LatencyMean > 0 && req.LatencyStd > 0:
		threshold := req.LatencyMean + latencySigmaThreshold*req.LatencyStd
		if req.LatencyMs > threshold {
			res.LatencyAnomaly = true
			overshoot := (req.LatencyMs - req.LatencyMean) / req.LatencyStd
			high = overshoot > 4
			sev := "medium"
			if high {
				sev = "high"
			}
			res.Anomalies = append(res.Anomalies, Anomaly{
				Type:     "latency_spike",
				Severity: sev,
				Message:  fmt.Sprintf("latency %.0fms is %.1f sigma above the baseline mean of %.0fms", req.LatencyMs, overshoot, req.LatencyMean),
			})
		}
	case len(window) >= minObservations:
		prior := window[:len(window)-1]
		mean, std := meanStd(prior)
		if std > 0 && req.LatencyMs > mean+latencySigmaThreshold*std {
			res.LatencyAnomaly = true
			res.Anomalies = append(res.Anomalies, Anomaly{
				Type:     "latency_spike",
				Severity: "medium",
				Message:  fmt.Sprintf("latency %.0fms is above the recent average of %.0fms", req.LatencyMs, mean),
			})
		}
	}
	// Small windows have noisy baselines; never escalate to high severity.
	if len(window) < 10 {
		high = false
		for i := range res.Anomalies {
			if res.Anomalies[i].Type == "latency_spike" {
				res.Anomalies[i].Severity = "medium"
			}
		}
	}
	return high
}

// checkErrorSpike flags a recent error rate above 3x the learned baseline
// (floored at 1%) when at least two recent errors exist.
func (m *Monitor) checkErrorSpike(req Request, window []observation, res *Result) bool {
	if len(window) < minObservations {
		return false
	}
	recentErrors := 0
	for _, o := range window {
		if o.isError {
			recentErrors++
		}
	}
	recentRate := float64(recentErrors) / float64(len(window))
	baseline := math.Max(req.ErrorRate, 0.01)

	if recentRate > baseline*errorSpikeFactor && recentErrors >= 2 {
		res.ErrorSpike = true
		spikeFactor := recentRate / baseline
		high := spikeFactor > 5
		sev := "medium"
		if high {
			sev = "high"
		}
		res.Anomalies = append(res.Anomalies, Anomaly{
			Type:     "error_spike",
			Severity: sev,
			Message:  fmt.Sprintf("error rate %.0f%% is %.1fx the baseline of %.0f%%", recentRate*100, spikeFactor, req.ErrorRate*100),
		})
		return high
	}
	return false
}

// checkSize flags responses more than 3x larger or 3x smaller than the
// rolling average.
func (m *Monitor) checkSize(req Request, sizeWindow []int, res *Result) {
	if len(sizeWindow) < minObservations || req.ResponseSize <= 0 {
		return
	}
	prior := sizeWindow[:len(sizeWindow)-1]
	sum := 0
	for _, s := range prior {
		sum += s
	}
	avg := float64(sum) / float64(len(prior))
	if avg <= 0 {
		return
	}
	ratio := float64(req.ResponseSize) / avg
	if ratio > sizeChangeFactor || ratio < 1/sizeChangeFactor {
		res.SizeAnomaly = true
		direction := "larger"
		if ratio < 1 {
			direction = "smaller"
		}
		sev := "medium"
		if ratio >= 5 {
			sev = "high"
		}
		res.Anomalies = append(res.Anomalies, Anomaly{
			Type:     "size_anomaly",
			Severity: sev,
			Message:  fmt.Sprintf("response size %d bytes is %.1fx %s than the recent average of %.0f bytes", req.ResponseSize, ratio, direction, avg),
		})
	}
}

// EndpointHealth returns the latest cached result for an endpoint, or a
// fully-healthy default when it has never been evaluated.
func (m *Monitor) EndpointHealth(endpointID int64) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.cache[endpointID]; ok {
		return res
	}
	return Result{
		EndpointID:  endpointID,
		HealthScore: 100,
		Status:      StatusHealthy,
	}
}

// AllEndpointHealth returns every cached result.
func (m *Monitor) AllEndpointHealth() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, 0, len(m.cache))
	for _, res := range m.cache {
		out = append(out, res)
	}
	return out
}

// GlobalHealth returns the aggregated platform health.
func (m *Monitor) GlobalHealth() Global {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global
}

// refreshGlobal recomputes the platform score: 0.7 x mean + 0.3 x min.
// Caller holds the mutex.
func (m *Monitor) refreshGlobal() {
	if len(m.cache) == 0 {
		m.global = Global{Score: 100, Status: StatusHealthy}
		return
	}
	sum := 0.0
	minScore := 100.0
	anomalies := 0
	var critical, degraded []string
	for _, res := range m.cache {
		sum += res.HealthScore
		if res.HealthScore < minScore {
			minScore = res.HealthScore
		}
		if res.LatencyAnomaly || res.ErrorSpike || res.SizeAnomaly {
			anomalies++
		}
		switch res.Status {
		case StatusCritical:
			critical = append(critical, res.PathPattern)
		case StatusDegraded:
			degraded = append(degraded, res.PathPattern)
		}
	}
	score := sum/float64(len(m.cache))*0.7 + minScore*0.3
	m.global = Global{
		Score:              score,
		Status:             statusFor(score),
		AnomalyCount:       anomalies,
		EndpointsMonitored: len(m.cache),
		CriticalEndpoints:  critical,
		DegradedEndpoints:  degraded,
	}
}

func meanStd(obs []observation) (float64, float64) {
	if len(obs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, o := range obs {
		sum += o.latencyMs
	}
	mean := sum / float64(len(obs))
	if len(obs) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, o := range obs {
		d := o.latencyMs - mean
		variance += d * d
	}
	variance /= float64(len(obs) - 1)
	return mean, math.Sqrt(variance)
}
