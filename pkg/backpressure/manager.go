// Package backpressure scores the daemon's resource pressure (session
// table occupancy today, more signals as they're wired) and drives a
// discrete severity level that the dispatcher uses to reject new
// sessions and the degradation manager uses to shed non-critical
// features, before either becomes an emergency.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is one of the backpressure severity levels, increasing in
// severity from LevelNone to LevelCritical.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config configures threshold/timing/reduction behavior per level.
type Config struct {
	LowThreshold      float64 `yaml:"low_threshold"`
	MediumThreshold   float64 `yaml:"medium_threshold"`
	HighThreshold     float64 `yaml:"high_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	CheckInterval time.Duration `yaml:"check_interval"`
	StabilizeTime time.Duration `yaml:"stabilize_time"`
	CooldownTime  time.Duration `yaml:"cooldown_time"`

	LowReduction      float64 `yaml:"low_reduction"`
	MediumReduction   float64 `yaml:"medium_reduction"`
	HighReduction     float64 `yaml:"high_reduction"`
	CriticalReduction float64 `yaml:"critical_reduction"`
}

func (c *Config) applyDefaults() {
	if c.LowThreshold == 0 {
		c.LowThreshold = 0.6
	}
	if c.MediumThreshold == 0 {
		c.MediumThreshold = 0.75
	}
	if c.HighThreshold == 0 {
		c.HighThreshold = 0.9
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = 0.95
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.StabilizeTime == 0 {
		c.StabilizeTime = 30 * time.Second
	}
	if c.CooldownTime == 0 {
		c.CooldownTime = 10 * time.Second
	}
	if c.LowReduction == 0 {
		c.LowReduction = 0.9
	}
	if c.MediumReduction == 0 {
		c.MediumReduction = 0.7
	}
	if c.HighReduction == 0 {
		c.HighReduction = 0.5
	}
	if c.CriticalReduction == 0 {
		c.CriticalReduction = 0.2
	}
}

// Metrics feeds the backpressure score computation. Only
// QueueUtilization (session table occupancy) is populated today; the
// rest are scored as zero until a CPU/memory/IO sampler is wired in.
type Metrics struct {
	QueueUtilization  float64
	MemoryUtilization float64
	CPUUtilization    float64
	IOUtilization     float64
	ErrorRate         float64
}

// score weights the sampled utilizations into one 0..1 pressure value.
func (m Metrics) score() float64 {
	return m.QueueUtilization*0.3 +
		m.MemoryUtilization*0.25 +
		m.CPUUtilization*0.2 +
		m.IOUtilization*0.15 +
		m.ErrorRate*0.1
}

// Manager tracks backpressure level from sampled metrics and notifies
// a registered callback when the level changes.
type Manager struct {
	config Config
	log    *logrus.Logger

	mu             sync.RWMutex
	level          Level
	factor         float64
	metrics        Metrics
	lastChange     time.Time
	lastCheck      time.Time
	stabilizeUntil time.Time
	onLevelChange  func(from, to Level, factor float64)
}

// NewManager creates a backpressure manager starting at LevelNone.
func NewManager(config Config, log *logrus.Logger) *Manager {
	config.applyDefaults()
	return &Manager{config: config, log: log, level: LevelNone, factor: 1.0}
}

// SetLevelChangeCallback registers the function invoked on every level
// transition; the degradation manager uses this to shed features.
func (m *Manager) SetLevelChangeCallback(fn func(from, to Level, factor float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// UpdateMetrics records a fresh metrics sample and re-evaluates level.
func (m *Manager) UpdateMetrics(metrics Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
	m.lastCheck = time.Now()
	m.evaluate()
}

// evaluate recomputes the level from the latest metrics, honoring the
// cooldown between changes and the stabilization window after one.
func (m *Manager) evaluate() {
	next := levelForScore(m.config, m.metrics.score())

	if time.Since(m.lastChange) < m.config.CooldownTime {
		return
	}
	if time.Now().Before(m.stabilizeUntil) && next != m.level {
		return
	}
	if next != m.level {
		m.transition(next)
	}
}

func levelForScore(cfg Config, score float64) Level {
	switch {
	case score >= cfg.CriticalThreshold:
		return LevelCritical
	case score >= cfg.HighThreshold:
		return LevelHigh
	case score >= cfg.MediumThreshold:
		return LevelMedium
	case score >= cfg.LowThreshold:
		return LevelLow
	default:
		return LevelNone
	}
}

func reductionFor(cfg Config, level Level) float64 {
	switch level {
	case LevelLow:
		return cfg.LowReduction
	case LevelMedium:
		return cfg.MediumReduction
	case LevelHigh:
		return cfg.HighReduction
	case LevelCritical:
		return cfg.CriticalReduction
	default:
		return 1.0
	}
}

// transition applies a level change and fires the callback; caller
// holds m.mu.
func (m *Manager) transition(next Level) {
	prev := m.level
	m.level = next
	m.factor = reductionFor(m.config, next)
	m.lastChange = time.Now()
	m.stabilizeUntil = m.lastChange.Add(m.config.StabilizeTime)

	m.log.WithFields(logrus.Fields{
		"from": prev.String(), "to": next.String(), "factor": m.factor,
		"queue_util": m.metrics.QueueUtilization,
	}).Info("backpressure level changed")

	if m.onLevelChange != nil {
		m.onLevelChange(prev, next, m.factor)
	}
}

// ShouldReject reports whether new sessions should be turned away
// outright (level at or above critical).
func (m *Manager) ShouldReject() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level >= LevelCritical
}

// Level returns the current backpressure level.
func (m *Manager) Level() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Start runs the periodic re-evaluation loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()
	m.log.Info("backpressure manager started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info("backpressure manager stopped")
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			if time.Since(m.lastCheck) > m.config.CheckInterval {
				m.evaluate()
			}
			m.mu.Unlock()
		}
	}
}
