// Package ratelimit enforces a per-client request budget on the
// daemon's DAP-framed connections. Each clientConn owns one
// AdaptiveRateLimiter; its token bucket rejects bursts outright while
// its background loop nudges the allowed rate down when request
// handling is running slow and back up once it recovers, so one noisy
// client can't starve the others sharing a backend.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures one client's token bucket and its latency-driven
// adaptation.
type Config struct {
	Enabled bool `yaml:"enabled"`

	InitialRPS float64 `yaml:"initial_rps"`
	MinRPS     float64 `yaml:"min_rps"`
	MaxRPS     float64 `yaml:"max_rps"`

	InitialBurst int `yaml:"initial_burst"`
	MinBurst     int `yaml:"min_burst"`
	MaxBurst     int `yaml:"max_burst"`

	// LatencyTargetMS is the request latency the adaptation loop aims for.
	LatencyTargetMS int `yaml:"latency_target_ms"`
	// LatencyTolerance is the fraction above target before RPS is reduced.
	LatencyTolerance float64 `yaml:"latency_tolerance"`

	AdaptationInterval time.Duration `yaml:"adaptation_interval"`
	LatencyWindowSize  int           `yaml:"latency_window_size"`

	// AdaptationFactor is the fractional RPS change applied per adaptation.
	AdaptationFactor float64 `yaml:"adaptation_factor"`
	// SmoothingFactor exponentially smooths successive RPS adaptations.
	SmoothingFactor float64 `yaml:"smoothing_factor"`
}

func (c *Config) applyDefaults() {
	if c.InitialRPS == 0 {
		c.InitialRPS = 10
	}
	if c.MinRPS == 0 {
		c.MinRPS = 1
	}
	if c.MaxRPS == 0 {
		c.MaxRPS = 1000
	}
	if c.InitialBurst == 0 {
		c.InitialBurst = int(c.InitialRPS * 2)
	}
	if c.MinBurst == 0 {
		c.MinBurst = 1
	}
	if c.MaxBurst == 0 {
		c.MaxBurst = int(c.MaxRPS * 2)
	}
	if c.LatencyTargetMS == 0 {
		c.LatencyTargetMS = 500
	}
	if c.LatencyTolerance == 0 {
		c.LatencyTolerance = 0.2
	}
	if c.AdaptationInterval == 0 {
		c.AdaptationInterval = 30 * time.Second
	}
	if c.LatencyWindowSize == 0 {
		c.LatencyWindowSize = 100
	}
	if c.AdaptationFactor == 0 {
		c.AdaptationFactor = 0.1
	}
	if c.SmoothingFactor == 0 {
		c.SmoothingFactor = 0.8
	}
}

// Stats is a snapshot of one client's rate limiter activity.
type Stats struct {
	TotalRequests    int64     `json:"total_requests"`
	AllowedRequests  int64     `json:"allowed_requests"`
	BlockedRequests  int64     `json:"blocked_requests"`
	CurrentRPS       float64   `json:"current_rps"`
	CurrentBurst     int       `json:"current_burst"`
	AverageLatencyMS float64   `json:"average_latency_ms"`
	AdaptationCount  int64     `json:"adaptation_count"`
	LastAdaptation   time.Time `json:"last_adaptation"`
}

// latencyWindow is a ring buffer of recent request-handling latencies.
type latencyWindow struct {
	samples []time.Duration
	index   int
	mu      sync.Mutex
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (lw *latencyWindow) add(latency time.Duration) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.samples[lw.index] = latency
	lw.index = (lw.index + 1) % len(lw.samples)
}

func (lw *latencyWindow) average() time.Duration {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	var total time.Duration
	count := 0
	for _, s := range lw.samples {
		if s > 0 {
			total += s
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// AdaptiveRateLimiter is a token-bucket limiter whose rate target is
// nudged by the latency of the requests it gates.
type AdaptiveRateLimiter struct {
	config Config
	log    *logrus.Logger

	mu           sync.Mutex
	currentRPS   float64
	currentBurst int
	tokens       float64
	lastRefill   time.Time
	latency      *latencyWindow
	stats        Stats

	stopOnce sync.Once
	stop     chan struct{}
}

// NewAdaptiveRateLimiter creates a per-client limiter with defaults
// filled in and starts its background adaptation loop.
func NewAdaptiveRateLimiter(config Config, log *logrus.Logger) *AdaptiveRateLimiter {
	config.applyDefaults()

	rl := &AdaptiveRateLimiter{
		config:       config,
		log:          log,
		currentRPS:   config.InitialRPS,
		currentBurst: config.InitialBurst,
		tokens:       float64(config.InitialBurst),
		lastRefill:   time.Now(),
		latency:      newLatencyWindow(config.LatencyWindowSize),
		stop:         make(chan struct{}),
	}

	go rl.adaptLoop()
	return rl
}

// Allow reports whether one request may proceed, consuming one token.
func (rl *AdaptiveRateLimiter) Allow() bool {
	if !rl.config.Enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.stats.TotalRequests++

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	rl.tokens = math.Min(rl.tokens+elapsed*rl.currentRPS, float64(rl.currentBurst))

	if rl.tokens < 1 {
		rl.stats.BlockedRequests++
		return false
	}
	rl.tokens--
	rl.stats.AllowedRequests++
	return true
}

// RecordLatency feeds one request's handling time into the adaptation
// window. handleClient calls this after every dispatched message so
// the adaptation loop reacts to how this client's requests actually
// perform, not just how many arrive.
func (rl *AdaptiveRateLimiter) RecordLatency(latency time.Duration) {
	if !rl.config.Enabled {
		return
	}
	rl.latency.add(latency)
}

func (rl *AdaptiveRateLimiter) adaptLoop() {
	ticker := time.NewTicker(rl.config.AdaptationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.adapt()
		}
	}
}

// adapt adjusts the allowed RPS and burst toward the configured
// latency target, smoothing successive changes so the rate doesn't
// oscillate on a single noisy sample.
func (rl *AdaptiveRateLimiter) adapt() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	avg := rl.latency.average()
	if avg == 0 {
		return
	}

	target := time.Duration(rl.config.LatencyTargetMS) * time.Millisecond
	highWater := float64(target) * (1 + rl.config.LatencyTolerance)

	var proposed float64
	var changed bool
	switch {
	case float64(avg) > highWater:
		proposed = rl.currentRPS * (1 - rl.config.AdaptationFactor)
		changed = true
		rl.log.WithFields(logrus.Fields{"avg_latency_ms": avg.Milliseconds(), "old_rps": rl.currentRPS, "new_rps": proposed}).
			Debug("client request latency high, reducing rate limit")
	case float64(avg) < float64(target)*0.8:
		proposed = rl.currentRPS * (1 + rl.config.AdaptationFactor)
		changed = true
		rl.log.WithFields(logrus.Fields{"avg_latency_ms": avg.Milliseconds(), "old_rps": rl.currentRPS, "new_rps": proposed}).
			Debug("client request latency low, increasing rate limit")
	}
	if !changed {
		rl.stats.AverageLatencyMS = float64(avg.Milliseconds())
		return
	}

	proposed = math.Max(proposed, rl.config.MinRPS)
	proposed = math.Min(proposed, rl.config.MaxRPS)
	if rl.stats.AdaptationCount > 0 {
		proposed = rl.currentRPS*rl.config.SmoothingFactor + proposed*(1-rl.config.SmoothingFactor)
	}

	burstRatio := float64(rl.currentBurst) / rl.currentRPS
	newBurst := int(proposed * burstRatio)
	newBurst = int(math.Max(float64(newBurst), float64(rl.config.MinBurst)))
	newBurst = int(math.Min(float64(newBurst), float64(rl.config.MaxBurst)))

	rl.currentRPS = proposed
	rl.currentBurst = newBurst
	rl.stats.AdaptationCount++
	rl.stats.LastAdaptation = time.Now()
	rl.stats.AverageLatencyMS = float64(avg.Milliseconds())
}

// GetStats returns a snapshot of this client's rate limiter activity.
func (rl *AdaptiveRateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	stats := rl.stats
	stats.CurrentRPS = rl.currentRPS
	stats.CurrentBurst = rl.currentBurst
	return stats
}

// Stop halts the adaptation loop. Called when the owning client
// connection closes, so each connection's limiter goroutine doesn't
// outlive it.
func (rl *AdaptiveRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
