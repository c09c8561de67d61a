// Package detector keeps per-endpoint online latency statistics and flags
// anomalous observations.
//
// Statistics use Welford's algorithm with exponential decay, so the
// baseline adapts when an endpoint's true latency shifts over time. State
// is persisted to a small JSON document and reloaded on start, which keeps
// learned baselines across restarts.
package detector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
)

const (
	// MinLearningSamples is the warm-up threshold. Below it IsAnomaly is
	// always false, so new endpoints never produce false positives.
	MinLearningSamples = 5

	// anomalyZThreshold flags a latency whose z-score exceeds it.
	anomalyZThreshold = 3.0

	// decayFactor down-weights old observations on every update.
	decayFactor = 0.98
)

// Stats is the Welford state for one endpoint.
type Stats struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	M2       float64 `json:"m2"`
	Std      float64 `json:"std"`
	EffCount float64 `json:"eff_count"`
}

// Mode reports whether the endpoint is still warming up.
func (s Stats) Mode() string {
	if s.Count >= MinLearningSamples {
		return "active"
	}
	return "learning"
}

// Detail is the full anomaly verdict for one observation.
type Detail struct {
	IsAnomaly   bool    `json:"is_anomaly"`
	ZScore      float64 `json:"z_score"`
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Count       int     `json:"count"`
	HealthScore float64 `json:"health_score"`
	Message     string  `json:"message"`
}

// Detector tracks latency baselines for every endpoint pattern. A single
// mutex guards the table for both updates and reads.
type Detector struct {
	mu          sync.Mutex
	endpoints   map[string]*Stats
	persistPath string
	log         *slog.Logger
}

// New creates a Detector. persistPath may be empty to disable persistence.
// Existing state is loaded eagerly; load errors are logged and the detector
// starts empty.
func New(persistPath string, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	d := &Detector{
		endpoints:   make(map[string]*Stats),
		persistPath: persistPath,
		log:         log,
	}
	if persistPath != "" {
		if err := d.load(); err != nil && !os.IsNotExist(err) {
			log.Warn("detector state load failed",
				slog.String("path", persistPath),
				slog.String("error", err.Error()),
			)
		}
	}
	return d
}

// Update records one latency observation (milliseconds) for an endpoint
// and returns the updated stats.
func (d *Detector) Update(endpoint string, latency float64) Stats {
	d.mu.Lock()
	s, ok := d.endpoints[endpoint]
	if !ok {
		s = &Stats{}
		d.endpoints[endpoint] = s
	}

	if s.Count > 0 {
		s.M2 *= decayFactor
		s.EffCount = s.EffCount*decayFactor + 1
	} else {
		s.EffCount = float64(s.Count + 1)
	}
	s.Count++

	n := s.EffCount
	if s.Count <= 1 {
		n = float64(s.Count)
	}

	delta := latency - s.Mean
	s.Mean += delta / n
	delta2 := latency - s.Mean
	s.M2 += delta * delta2

	if n >= 2 {
		s.Std = math.Sqrt(math.Max(0, s.M2/(n-1)))
	} else {
		s.Std = 0
	}

	out := *s
	d.mu.Unlock()

	d.persist()
	return out
}

// ZScore computes |latency-mean|/std against the endpoint's baseline.
// Returns 0 for unknown endpoints. A zero-variance baseline yields +Inf for
// any deviating sample: five identical latencies make even a single outlier
// stand out.
func (d *Detector) ZScore(endpoint string, latency float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zScoreLocked(endpoint, latency)
}

func (d *Detector) zScoreLocked(endpoint string, latency float64) float64 {
	s, ok := d.endpoints[endpoint]
	if !ok {
		return 0
	}
	dev := math.Abs(latency - s.Mean)
	if s.Std <= 0 {
		if dev == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return dev / s.Std
}

// IsAnomaly reports whether latency is anomalous for this endpoint. Always
// false during warm-up (fewer than MinLearningSamples observations).
func (d *Detector) IsAnomaly(endpoint string, latency float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.endpoints[endpoint]
	if !ok || s.Count < MinLearningSamples {
		return false
	}
	return d.zScoreLocked(endpoint, latency) > anomalyZThreshold
}

// HealthScore maps one observation to a 0..100 score, piecewise linear on
// the z-score: 100 within 1 sigma, sliding to 0 past roughly 10 sigma.
// Warm-up always scores 100.
func (d *Detector) HealthScore(endpoint string, latency float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.endpoints[endpoint]
	if !ok || s.Count < MinLearningSamples {
		return 100
	}
	z := d.zScoreLocked(endpoint, latency)
	switch {
	case z <= 1:
		return 100
	case z <= 2:
		return 100 - (z-1)*10
	case z <= 3:
		return 90 - (z-2)*30
	case z <= 5:
		return 60 - (z-3)*20
	default:
		return math.Max(0, 20-(z-5)*4)
	}
}

// Detail combines the anomaly flag, z-score, and per-request health score
// into one verdict for the given observation.
func (d *Detector) Detail(endpoint string, latency float64) Detail {
	d.mu.Lock()
	s, ok := d.endpoints[endpoint]
	if !ok || s.Count < MinLearningSamples {
		count := 0
		if ok {
			count = s.Count
		}
		d.mu.Unlock()
		return Detail{
			ZScore:      0,
			Count:       count,
			HealthScore: 100,
			Message:     fmt.Sprintf("learning mode (%d/%d samples collected)", count, MinLearningSamples),
		}
	}
	stats := *s
	d.mu.Unlock()

	z := d.ZScore(endpoint, latency)
	return Detail{
		IsAnomaly:   d.IsAnomaly(endpoint, latency),
		ZScore:      z,
		Mean:        stats.Mean,
		Std:         stats.Std,
		Count:       stats.Count,
		HealthScore: d.HealthScore(endpoint, latency),
		Message:     fmt.Sprintf("z=%.2f against baseline %.1fms", z, stats.Mean),
	}
}

// Stats returns the Welford state for one endpoint. The zero value is
// returned for unknown endpoints.
func (d *Detector) Stats(endpoint string) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.endpoints[endpoint]; ok {
		return *s
	}
	return Stats{}
}

// AllStats snapshots the state for every tracked endpoint.
func (d *Detector) AllStats() map[string]Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Stats, len(d.endpoints))
	for ep, s := range d.endpoints {
		out[ep] = *s
	}
	return out
}

// Reset clears the state for one endpoint.
func (d *Detector) Reset(endpoint string) {
	d.mu.Lock()
	delete(d.endpoints, endpoint)
	d.mu.Unlock()
	d.persist()
}

// ResetAll clears every endpoint.
func (d *Detector) ResetAll() {
	d.mu.Lock()
	d.endpoints = make(map[string]*Stats)
	d.mu.Unlock()
	d.persist()
}

// Flush forces an immediate save. Call on shutdown.
func (d *Detector) Flush() {
	d.persist()
}

// persist writes the table via temp file + rename so a crash mid-write
// never corrupts the state document. Errors are logged and swallowed: a
// failed save must not abort request handling.
func (d *Detector) persist() {
	if d.persistPath == "" {
		return
	}
	d.mu.Lock()
	data, err := json.Marshal(d.endpoints)
	d.mu.Unlock()
	if err != nil {
		d.log.Warn("detector state marshal failed", slog.String("error", err.Error()))
		return
	}

	dir := filepath.Dir(d.persistPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.Warn("detector state save failed", slog.String("error", err.Error()))
		return
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(d.persistPath)+".tmp")
	if err != nil {
		d.log.Warn("detector state save failed", slog.String("error", err.Error()))
		return
	}
	if _, err := tmp.Write(data); err == nil {
		err = tmp.Close()
		if err == nil {
			err = os.Rename(tmp.Name(), d.persistPath)
		}
	} else {
		tmp.Close()
	}
	if err != nil {
		os.Remove(tmp.Name())
		d.log.Warn("detector state save failed",
			slog.String("path", d.persistPath),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Detector) load() error {
	data, err := os.ReadFile(d.persistPath)
	if err != nil {
		return err
	}
	endpoints := make(map[string]*Stats)
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return fmt.Errorf("decode %s: %w", d.persistPath, err)
	}
	for _, s := range endpoints {
		if s.EffCount == 0 {
			s.EffCount = float64(s.Count)
		}
	}
	d.mu.Lock()
	d.endpoints = endpoints
	d.mu.Unlock()
	return nil
}
