// Package proxy implements the request plane: the transparent forwarding
// dispatcher, the mock generator, failover, and the admin control plane.
package proxy

import (
	"strings"
	"sync"

	"github.com/apitruth/mock-platform/internal/config"
)

// State is the mutable platform state shared by the dispatcher and the
// control plane. One mutex guards all four fields.
type State struct {
	mu        sync.Mutex
	mode      string
	learning  bool
	profile   string
	targetURL string
}

// NewState seeds the platform state from configuration.
func NewState(cfg *config.Config) *State {
	return &State{
		mode:      cfg.Mode,
		learning:  cfg.LearningEnabled,
		profile:   cfg.Profile,
		targetURL: cfg.TargetURL,
	}
}

// Mode returns the current platform mode (proxy or mock).
func (s *State) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches the platform mode. Invalid values are ignored and
// reported false.
func (s *State) SetMode(mode string) bool {
	if mode != config.ModeProxy && mode != config.ModeMock {
		return false
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return true
}

// LearningEnabled reports whether observed traffic updates the model.
func (s *State) LearningEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.learning
}

// SetLearning toggles learning.
func (s *State) SetLearning(enabled bool) {
	s.mu.Lock()
	s.learning = enabled
	s.mu.Unlock()
}

// Profile returns the active chaos profile name.
func (s *State) Profile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// SetProfile activates a chaos profile. Unknown names are rejected.
func (s *State) SetProfile(name string) bool {
	if _, ok := chaosProfiles[name]; !ok {
		return false
	}
	s.mu.Lock()
	s.profile = name
	s.mu.Unlock()
	return true
}

// TargetURL returns the upstream base URL, empty when unset.
func (s *State) TargetURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetURL
}

// SetTargetURL updates the upstream base URL. Must be http(s)://.
func (s *State) SetTargetURL(raw string) bool {
	url := strings.TrimRight(strings.TrimSpace(raw), "/")
	if !config.ValidTargetURL(url) {
		return false
	}
	s.mu.Lock()
	s.targetURL = url
	s.mu.Unlock()
	return true
}

// Snapshot returns all four fields consistently.
func (s *State) Snapshot() (mode string, learning bool, profile, targetURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.learning, s.profile, s.targetURL
}
