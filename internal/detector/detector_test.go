package detector

import (
	"math"
	"path/filepath"
	"testing"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	return New("", nil)
}

func TestUpdateFirstObservation(t *testing.T) {
	d := newTestDetector(t)
	s := d.Update("/users/{id}", 150)
	if s.Count != 1 {
		t.Errorf("count = %d, want 1", s.Count)
	}
	if s.Mean != 150 {
		t.Errorf("mean = %v, want 150", s.Mean)
	}
	if s.Std != 0 {
		t.Errorf("std = %v, want 0", s.Std)
	}
}

func TestUpdateConvergesOnStableLatency(t *testing.T) {
	d := newTestDetector(t)
	for i := 0; i < 50; i++ {
		d.Update("/items", 200)
	}
	s := d.Stats("/items")
	if math.Abs(s.Mean-200) > 1e-9 {
		t.Errorf("mean = %v, want 200", s.Mean)
	}
	if s.Std != 0 {
		t.Errorf("std = %v, want 0 for constant input", s.Std)
	}
	if s.EffCount >= float64(s.Count) {
		t.Errorf("eff_count = %v, want < count %d under decay", s.EffCount, s.Count)
	}
}

func TestWarmupNeverFlagsAnomalies(t *testing.T) {
	d := newTestDetector(t)
	for i := 0; i < MinLearningSamples-1; i++ {
		d.Update("/slow", 200)
		if d.IsAnomaly("/slow", 100000) {
			t.Fatalf("anomaly flagged during warm-up after %d samples", i+1)
		}
	}
}

func TestWarmupThenDetect(t *testing.T) {
	d := newTestDetector(t)

	// Four identical samples, then an outlier: still warming up.
	for i := 0; i < 4; i++ {
		d.Update("/orders", 200)
	}
	if d.IsAnomaly("/orders", 2000) {
		t.Error("anomaly flagged with only 4 samples")
	}

	// One more sample completes warm-up; now the outlier is anomalous.
	d.Update("/orders", 200)
	if !d.IsAnomaly("/orders", 2000) {
		t.Error("outlier not flagged after warm-up")
	}
	if d.IsAnomaly("/orders", 200) {
		t.Error("baseline latency flagged as anomalous")
	}
}

func TestZScore(t *testing.T) {
	d := newTestDetector(t)
	// Alternate values so variance is non-zero.
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			d.Update("/mixed", 100)
		} else {
			d.Update("/mixed", 120)
		}
	}
	s := d.Stats("/mixed")
	if s.Std <= 0 {
		t.Fatalf("std = %v, want > 0", s.Std)
	}
	z := d.ZScore("/mixed", s.Mean+2*s.Std)
	if math.Abs(z-2) > 0.01 {
		t.Errorf("z = %v, want ~2", z)
	}
	if got := d.ZScore("/unknown", 100); got != 0 {
		t.Errorf("z for unknown endpoint = %v, want 0", got)
	}
}

func TestHealthScorePiecewise(t *testing.T) {
	d := newTestDetector(t)
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			d.Update("/p", 100)
		} else {
			d.Update("/p", 120)
		}
	}
	s := d.Stats("/p")

	tests := []struct {
		name    string
		latency float64
		wantMin float64
		wantMax float64
	}{
		{"within 1 sigma", s.Mean, 100, 100},
		{"at 1.5 sigma", s.Mean + 1.5*s.Std, 90, 100},
		{"at 2.5 sigma", s.Mean + 2.5*s.Std, 60, 90},
		{"at 4 sigma", s.Mean + 4*s.Std, 20, 60},
		{"far out", s.Mean + 50*s.Std, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.HealthScore("/p", tt.latency)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("score = %v, want in [%v, %v]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestHealthScoreDuringWarmup(t *testing.T) {
	d := newTestDetector(t)
	d.Update("/new", 100)
	if got := d.HealthScore("/new", 99999); got != 100 {
		t.Errorf("warm-up score = %v, want 100", got)
	}
}

func TestDecayAdaptsToShiftedBaseline(t *testing.T) {
	d := newTestDetector(t)
	for i := 0; i < 100; i++ {
		d.Update("/shift", 100)
	}
	oldMean := d.Stats("/shift").Mean
	for i := 0; i < 200; i++ {
		d.Update("/shift", 500)
	}
	newMean := d.Stats("/shift").Mean
	if newMean <= oldMean+300 {
		t.Errorf("mean did not adapt to shifted baseline: %v -> %v", oldMean, newMean)
	}
}

func TestResetAndResetAll(t *testing.T) {
	d := newTestDetector(t)
	d.Update("/a", 100)
	d.Update("/b", 100)

	d.Reset("/a")
	if d.Stats("/a").Count != 0 {
		t.Error("reset endpoint still has state")
	}
	if d.Stats("/b").Count != 1 {
		t.Error("reset cleared an unrelated endpoint")
	}

	d.ResetAll()
	if len(d.AllStats()) != 0 {
		t.Error("reset all left endpoints behind")
	}
}

func TestDetail(t *testing.T) {
	d := newTestDetector(t)
	det := d.Detail("/fresh", 100)
	if det.IsAnomaly || det.HealthScore != 100 {
		t.Errorf("fresh endpoint detail = %+v, want learning mode", det)
	}

	for i := 0; i < 10; i++ {
		d.Update("/warm", 100+float64(i%2)*20)
	}
	det = d.Detail("/warm", 110)
	if det.Count != 10 {
		t.Errorf("count = %d, want 10", det.Count)
	}
	if det.Mean <= 0 || det.HealthScore <= 0 {
		t.Errorf("detail not populated: %+v", det)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detector.json")

	d := New(path, nil)
	for i := 0; i < 10; i++ {
		d.Update("/users/{id}", 150)
	}
	d.Flush()

	reloaded := New(path, nil)
	s := reloaded.Stats("/users/{id}")
	if s.Count != 10 {
		t.Errorf("reloaded count = %d, want 10", s.Count)
	}
	if math.Abs(s.Mean-150) > 1e-9 {
		t.Errorf("reloaded mean = %v, want 150", s.Mean)
	}
	// The reloaded baseline keeps detecting.
	if !reloaded.IsAnomaly("/users/{id}", 5000) {
		t.Error("reloaded detector lost its baseline")
	}
}
