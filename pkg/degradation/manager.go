// Package degradation sheds non-critical daemon features as backpressure
// rises, and restores them once pressure has been gone long enough.
// It is fed by backpressure.Manager's level-change callback and is
// queried wherever a feature is optional: diagnostic verbosity, the
// detailed stats shown on /debug/sessions, and reaper batch tuning.
package degradation

import (
	"sync"
	"time"

	"codetracer-core/pkg/backpressure"

	"github.com/sirupsen/logrus"
)

// Feature is a non-critical capability that can be switched off under load.
type Feature string

const (
	FeatureVerboseLogging    Feature = "verbose_logging"
	FeatureMetricsDetailed   Feature = "metrics_detailed"
	FeatureBatchOptimization Feature = "batch_optimization"
)

var allFeatures = []Feature{FeatureVerboseLogging, FeatureMetricsDetailed, FeatureBatchOptimization}

// FeatureState is the current on/off state of one feature.
type FeatureState struct {
	Enabled    bool               `json:"enabled"`
	DegradedAt time.Time          `json:"degraded_at,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Level      backpressure.Level `json:"level"`
}

// Config configures which features degrade at which backpressure level.
type Config struct {
	DegradeAtLow      []Feature `yaml:"degrade_at_low"`
	DegradeAtMedium   []Feature `yaml:"degrade_at_medium"`
	DegradeAtHigh     []Feature `yaml:"degrade_at_high"`
	DegradeAtCritical []Feature `yaml:"degrade_at_critical"`

	// GracePeriod delays degradation after a level change, so a brief
	// spike doesn't flap a feature off and back on.
	GracePeriod time.Duration `yaml:"grace_period"`
	// RestoreDelay delays re-enabling features after a level drop.
	RestoreDelay time.Duration `yaml:"restore_delay"`
	// MinDegradedTime is the minimum time a feature stays degraded.
	MinDegradedTime time.Duration `yaml:"min_degraded_time"`
}

func (c *Config) applyDefaults() {
	if c.GracePeriod == 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.RestoreDelay == 0 {
		c.RestoreDelay = 60 * time.Second
	}
	if c.MinDegradedTime == 0 {
		c.MinDegradedTime = 30 * time.Second
	}
}

// tiersAtOrBelow returns the feature lists that apply at or below
// level, accumulated from LevelLow up.
func (c *Config) tiersAtOrBelow(level backpressure.Level) []Feature {
	var out []Feature
	if level >= backpressure.LevelLow {
		out = append(out, c.DegradeAtLow...)
	}
	if level >= backpressure.LevelMedium {
		out = append(out, c.DegradeAtMedium...)
	}
	if level >= backpressure.LevelHigh {
		out = append(out, c.DegradeAtHigh...)
	}
	if level >= backpressure.LevelCritical {
		out = append(out, c.DegradeAtCritical...)
	}
	return out
}

// Manager toggles non-critical features off and back on as backpressure
// level changes, so the daemon sheds load gracefully instead of failing.
type Manager struct {
	config Config
	log    *logrus.Logger

	featuresMu sync.RWMutex
	features   map[Feature]*FeatureState

	mu           sync.RWMutex
	currentLevel backpressure.Level
	levelChanged time.Time
	onToggle     func(feature Feature, enabled bool, reason string)
}

// NewManager creates a degradation manager with every feature enabled.
func NewManager(config Config, log *logrus.Logger) *Manager {
	config.applyDefaults()

	features := make(map[Feature]*FeatureState, len(allFeatures))
	for _, f := range allFeatures {
		features[f] = &FeatureState{Enabled: true, Level: backpressure.LevelNone}
	}

	return &Manager{config: config, log: log, features: features, currentLevel: backpressure.LevelNone}
}

// UpdateLevel records a new backpressure level and applies its degradations.
func (m *Manager) UpdateLevel(newLevel backpressure.Level) {
	m.mu.Lock()
	if newLevel == m.currentLevel {
		m.mu.Unlock()
		return
	}
	oldLevel := m.currentLevel
	m.currentLevel = newLevel
	m.levelChanged = time.Now()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"from": oldLevel.String(), "to": newLevel.String()}).
		Info("backpressure level changed, evaluating feature degradation")

	if newLevel == backpressure.LevelNone {
		m.restoreAll()
		return
	}
	m.degradeForLevel(newLevel)
	if newLevel < oldLevel {
		go func() {
			time.Sleep(m.config.RestoreDelay)
			m.restoreEligible()
		}()
	}
}

func (m *Manager) degradeForLevel(level backpressure.Level) {
	m.mu.RLock()
	wait := m.config.GracePeriod - time.Since(m.levelChanged)
	m.mu.RUnlock()
	if wait > 0 {
		time.AfterFunc(wait, func() {
			m.mu.RLock()
			current := m.currentLevel
			m.mu.RUnlock()
			if current == level {
				m.degradeForLevel(level)
			}
		})
		return
	}
	for _, feature := range m.config.tiersAtOrBelow(level) {
		m.setFeature(feature, false, level, "system_overload")
	}
}

// restoreEligible re-enables any feature degraded for at least
// MinDegradedTime that the current level no longer requires off.
func (m *Manager) restoreEligible() {
	m.mu.RLock()
	level := m.currentLevel
	m.mu.RUnlock()
	stillDegraded := make(map[Feature]bool)
	for _, f := range m.config.tiersAtOrBelow(level) {
		stillDegraded[f] = true
	}

	m.featuresMu.Lock()
	defer m.featuresMu.Unlock()
	now := time.Now()
	for feature, state := range m.features {
		if !state.Enabled && now.Sub(state.DegradedAt) >= m.config.MinDegradedTime && !stillDegraded[feature] {
			m.enableLocked(feature, "system_recovered")
		}
	}
}

func (m *Manager) restoreAll() {
	m.featuresMu.Lock()
	defer m.featuresMu.Unlock()
	for feature := range m.features {
		m.enableLocked(feature, "system_recovered")
	}
}

func (m *Manager) setFeature(feature Feature, enabled bool, level backpressure.Level, reason string) {
	m.featuresMu.Lock()
	defer m.featuresMu.Unlock()
	state, ok := m.features[feature]
	if !ok || state.Enabled == enabled {
		return
	}
	state.Enabled = enabled
	state.DegradedAt = time.Now()
	state.Reason = reason
	state.Level = level
	m.log.WithFields(logrus.Fields{"feature": string(feature), "level": level.String(), "reason": reason}).
		Warn("feature degraded")
	if m.onToggle != nil {
		m.onToggle(feature, enabled, reason)
	}
}

// enableLocked re-enables one feature; caller holds featuresMu.
func (m *Manager) enableLocked(feature Feature, reason string) {
	state, ok := m.features[feature]
	if !ok || state.Enabled {
		return
	}
	state.Enabled = true
	state.DegradedAt = time.Time{}
	state.Reason = ""
	state.Level = backpressure.LevelNone
	m.log.WithField("feature", string(feature)).Info("feature restored")
	if m.onToggle != nil {
		m.onToggle(feature, true, reason)
	}
}

// IsFeatureEnabled reports whether feature is currently enabled. An
// unknown feature is treated as enabled (fail open).
func (m *Manager) IsFeatureEnabled(feature Feature) bool {
	m.featuresMu.RLock()
	defer m.featuresMu.RUnlock()
	state, ok := m.features[feature]
	return !ok || state.Enabled
}

// SetFeatureToggleCallback registers a callback fired on every toggle.
func (m *Manager) SetFeatureToggleCallback(fn func(feature Feature, enabled bool, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToggle = fn
}

// GetStats returns a snapshot of the degradation manager's state.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	level, changed := m.currentLevel, m.levelChanged
	m.mu.RUnlock()

	m.featuresMu.RLock()
	defer m.featuresMu.RUnlock()
	degraded, enabled := 0, 0
	snapshot := make(map[Feature]FeatureState, len(m.features))
	for feature, state := range m.features {
		snapshot[feature] = *state
		if state.Enabled {
			enabled++
		} else {
			degraded++
		}
	}

	return map[string]interface{}{
		"current_level":     level.String(),
		"level_changed":     changed,
		"enabled_features":  enabled,
		"degraded_features": degraded,
		"features":          snapshot,
	}
}
