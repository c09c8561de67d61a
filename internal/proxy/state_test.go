package proxy

import (
	"testing"

	"github.com/apitruth/mock-platform/internal/config"
)

func newTestState() *State {
	return NewState(&config.Config{
		Mode:            config.ModeProxy,
		LearningEnabled: true,
		Profile:         "normal",
	})
}

func TestState_ModeValidation(t *testing.T) {
	s := newTestState()

	if !s.SetMode(config.ModeMock) {
		t.Error("mock should be accepted")
	}
	if s.Mode() != config.ModeMock {
		t.Errorf("mode = %q, want mock", s.Mode())
	}
	if s.SetMode("replay") {
		t.Error("unknown mode should be rejected")
	}
	if s.Mode() != config.ModeMock {
		t.Error("rejected mode must not change state")
	}
}

func TestState_ProfileValidation(t *testing.T) {
	s := newTestState()

	for _, name := range []string{"friday_afternoon", "db_bottleneck", "zombie_api", "normal"} {
		if !s.SetProfile(name) {
			t.Errorf("profile %q should be accepted", name)
		}
		if s.Profile() != name {
			t.Errorf("profile = %q, want %q", s.Profile(), name)
		}
	}
	if s.SetProfile("monday_morning") {
		t.Error("unknown profile should be rejected")
	}
}

func TestState_TargetURL(t *testing.T) {
	s := newTestState()

	if !s.SetTargetURL("https://api.example.com/") {
		t.Error("valid target rejected")
	}
	if got := s.TargetURL(); got != "https://api.example.com" {
		t.Errorf("trailing slash not trimmed: %q", got)
	}
	for _, bad := range []string{"", "ftp://x", "api.example.com"} {
		if s.SetTargetURL(bad) {
			t.Errorf("target %q should be rejected", bad)
		}
	}
}

func TestState_Snapshot(t *testing.T) {
	s := newTestState()
	s.SetMode(config.ModeMock)
	s.SetLearning(false)
	s.SetProfile("zombie_api")
	s.SetTargetURL("http://localhost:3000")

	mode, learning, profile, target := s.Snapshot()
	if mode != config.ModeMock || learning || profile != "zombie_api" || target != "http://localhost:3000" {
		t.Errorf("snapshot = (%q, %v, %q, %q)", mode, learning, profile, target)
	}
}
