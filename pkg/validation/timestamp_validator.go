// Package validation checks timestamps reported by backend subprocesses
// and trace metadata against believable bounds, clamping or rejecting
// ones that drift too far from the daemon's own clock.
package validation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"codetracer-core/pkg/dlq"

	"github.com/sirupsen/logrus"
)

// TimestampValidator validates and, depending on configuration, repairs
// out-of-range timestamps (a trace's recorded creation time, a
// handshake's reported init time).
type TimestampValidator struct {
	config Config
	logger *logrus.Logger
	dlq    *dlq.DeadLetterQueue

	stats Stats
	mutex sync.RWMutex
}

// Config configures timestamp validation.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// MaxPastAgeSeconds bounds how far in the past a timestamp may be.
	MaxPastAgeSeconds int `yaml:"max_past_age_seconds"`

	// MaxFutureAgeSeconds bounds how far in the future a timestamp may be.
	MaxFutureAgeSeconds int `yaml:"max_future_age_seconds"`

	ClampEnabled bool `yaml:"clamp_enabled"`

	// ClampDLQ records clamped timestamps to the dead letter queue.
	ClampDLQ bool `yaml:"clamp_dlq"`

	// InvalidAction is one of "clamp", "reject", "warn".
	InvalidAction string `yaml:"invalid_action"`

	DefaultTimezone string   `yaml:"default_timezone"`
	AcceptedFormats []string `yaml:"accepted_formats"`
}

// Stats is a snapshot of validator activity.
type Stats struct {
	TotalValidated     int64 `json:"total_validated"`
	ValidTimestamps    int64 `json:"valid_timestamps"`
	InvalidTimestamps  int64 `json:"invalid_timestamps"`
	ClampedTimestamps  int64 `json:"clamped_timestamps"`
	RejectedTimestamps int64 `json:"rejected_timestamps"`
	FutureTimestamps   int64 `json:"future_timestamps"`
	PastTimestamps     int64 `json:"past_timestamps"`
}

// ValidationResult is the outcome of validating one timestamp.
type ValidationResult struct {
	Valid         bool      `json:"valid"`
	OriginalTime  time.Time `json:"original_time"`
	ValidatedTime time.Time `json:"validated_time"`
	Action        string    `json:"action"` // "valid", "clamped", "rejected", "warned"
	Reason        string    `json:"reason"`
	Severity      string    `json:"severity"` // "info", "warning", "error"
}

// NewTimestampValidator creates a validator with defaults filled in.
func NewTimestampValidator(config Config, logger *logrus.Logger, dlq *dlq.DeadLetterQueue) *TimestampValidator {
	if config.MaxPastAgeSeconds == 0 {
		config.MaxPastAgeSeconds = 21600 // 6 hours
	}
	if config.MaxFutureAgeSeconds == 0 {
		config.MaxFutureAgeSeconds = 60 // 1 minute
	}
	if config.InvalidAction == "" {
		config.InvalidAction = "clamp"
	}
	if config.DefaultTimezone == "" {
		config.DefaultTimezone = "UTC"
	}
	if len(config.AcceptedFormats) == 0 {
		config.AcceptedFormats = []string{
			time.RFC3339,
			time.RFC3339Nano,
			"2006-01-02T15:04:05.000Z",
			"2006-01-02T15:04:05Z",
			"2006-01-02 15:04:05",
		}
	}

	return &TimestampValidator{
		config: config,
		logger: logger,
		dlq:    dlq,
	}
}

// ValidateTimestamp checks ts, labeled by source (e.g. "trace_metadata",
// "handshake_init_time") for logging and DLQ context.
func (tv *TimestampValidator) ValidateTimestamp(source string, ts time.Time) *ValidationResult {
	if !tv.config.Enabled {
		return &ValidationResult{Valid: true, OriginalTime: ts, ValidatedTime: ts, Action: "valid", Reason: "validation_disabled", Severity: "info"}
	}

	tv.mutex.Lock()
	tv.stats.TotalValidated++
	tv.mutex.Unlock()

	now := time.Now()
	result := &ValidationResult{OriginalTime: ts, ValidatedTime: ts, Valid: true, Action: "valid", Severity: "info"}

	maxFuture := now.Add(time.Duration(tv.config.MaxFutureAgeSeconds) * time.Second)
	if ts.After(maxFuture) {
		tv.mutex.Lock()
		tv.stats.InvalidTimestamps++
		tv.stats.FutureTimestamps++
		tv.mutex.Unlock()

		result.Valid = false
		result.Reason = "timestamp_too_far_future"
		result.Severity = "warning"

		tv.logger.WithFields(logrus.Fields{
			"source":             source,
			"original_timestamp": ts,
			"current_time":       now,
			"drift_seconds":      ts.Sub(now).Seconds(),
		}).Warn("Timestamp too far in future")

		return tv.handleInvalidTimestamp(source, result, now)
	}

	maxPast := now.Add(-time.Duration(tv.config.MaxPastAgeSeconds) * time.Second)
	if ts.Before(maxPast) {
		tv.mutex.Lock()
		tv.stats.InvalidTimestamps++
		tv.stats.PastTimestamps++
		tv.mutex.Unlock()

		result.Valid = false
		result.Reason = "timestamp_too_old"
		result.Severity = "warning"

		tv.logger.WithFields(logrus.Fields{
			"source":             source,
			"original_timestamp": ts,
			"current_time":       now,
			"drift_seconds":      now.Sub(ts).Seconds(),
		}).Warn("Timestamp too old")

		return tv.handleInvalidTimestamp(source, result, now)
	}

	tv.mutex.Lock()
	tv.stats.ValidTimestamps++
	tv.mutex.Unlock()

	return result
}

// handleInvalidTimestamp applies the configured action to a timestamp
// that failed bounds checking.
func (tv *TimestampValidator) handleInvalidTimestamp(source string, result *ValidationResult, now time.Time) *ValidationResult {
	switch tv.config.InvalidAction {
	case "clamp":
		if tv.config.ClampEnabled {
			result.ValidatedTime = now
			result.Action = "clamped"
			result.Valid = true

			tv.mutex.Lock()
			tv.stats.ClampedTimestamps++
			tv.mutex.Unlock()

			tv.logger.WithFields(logrus.Fields{
				"source":        source,
				"original_time": result.OriginalTime,
				"clamped_time":  now,
			}).Debug("Timestamp clamped to current time")

			if tv.config.ClampDLQ && tv.dlq != nil {
				payload, _ := json.Marshal(map[string]interface{}{
					"source":              source,
					"original_timestamp":  result.OriginalTime.Format(time.RFC3339),
					"clamped_timestamp":   now.Format(time.RFC3339),
				})
				context := map[string]string{
					"validation_action": "clamped",
					"reason":            result.Reason,
				}
				tv.dlq.AddEntry(payload, "timestamp_clamped", "timestamp_validation", "timestamp_validator", 0, context)
			}
		} else {
			result.Action = "rejected"
			result.Valid = false
			tv.mutex.Lock()
			tv.stats.RejectedTimestamps++
			tv.mutex.Unlock()
		}

	case "reject":
		result.Action = "rejected"
		result.Valid = false
		result.Severity = "error"

		tv.mutex.Lock()
		tv.stats.RejectedTimestamps++
		tv.mutex.Unlock()

		tv.logger.WithFields(logrus.Fields{
			"source":    source,
			"timestamp": result.OriginalTime,
			"reason":    result.Reason,
		}).Error("Timestamp rejected")

	case "warn":
		result.Action = "warned"
		result.Valid = true
		result.Severity = "warning"

		tv.logger.WithFields(logrus.Fields{
			"source":    source,
			"timestamp": result.OriginalTime,
			"reason":    result.Reason,
		}).Warn("Invalid timestamp detected but allowed")

	default:
		result.ValidatedTime = now
		result.Action = "clamped"
		result.Valid = true

		tv.mutex.Lock()
		tv.stats.ClampedTimestamps++
		tv.mutex.Unlock()
	}

	return result
}

// ParseTimestamp tries each configured format in turn, then retries
// against the default timezone for formats with no zone component.
func (tv *TimestampValidator) ParseTimestamp(timestampStr string) (time.Time, error) {
	for _, format := range tv.config.AcceptedFormats {
		if parsed, err := time.Parse(format, timestampStr); err == nil {
			return parsed, nil
		}
	}

	location, err := time.LoadLocation(tv.config.DefaultTimezone)
	if err == nil {
		for _, format := range tv.config.AcceptedFormats {
			if parsed, err := time.ParseInLocation(format, timestampStr, location); err == nil {
				return parsed, nil
			}
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp %q with any configured format", timestampStr)
}

// ValidateAndParseTimestamp parses then validates a timestamp string.
func (tv *TimestampValidator) ValidateAndParseTimestamp(source, timestampStr string) *ValidationResult {
	parsed, err := tv.ParseTimestamp(timestampStr)
	if err != nil {
		tv.mutex.Lock()
		tv.stats.TotalValidated++
		tv.stats.InvalidTimestamps++
		tv.stats.RejectedTimestamps++
		tv.mutex.Unlock()

		return &ValidationResult{
			Valid:         false,
			OriginalTime:  time.Time{},
			ValidatedTime: time.Now(),
			Action:        "rejected",
			Reason:        "unparseable_timestamp",
			Severity:      "error",
		}
	}

	return tv.ValidateTimestamp(source, parsed)
}

// IsTimestampInWindow reports whether ts is within the acceptable window.
func (tv *TimestampValidator) IsTimestampInWindow(timestamp time.Time) bool {
	if !tv.config.Enabled {
		return true
	}

	now := time.Now()
	maxFuture := now.Add(time.Duration(tv.config.MaxFutureAgeSeconds) * time.Second)
	maxPast := now.Add(-time.Duration(tv.config.MaxPastAgeSeconds) * time.Second)

	return timestamp.After(maxPast) && timestamp.Before(maxFuture)
}

// GetStats returns a snapshot of validator activity.
func (tv *TimestampValidator) GetStats() Stats {
	tv.mutex.RLock()
	defer tv.mutex.RUnlock()
	return tv.stats
}

// GetInfo returns configuration plus a computed valid-rate percentage.
func (tv *TimestampValidator) GetInfo() map[string]interface{} {
	stats := tv.GetStats()

	validRate := float64(0)
	if stats.TotalValidated > 0 {
		validRate = float64(stats.ValidTimestamps) / float64(stats.TotalValidated) * 100
	}

	return map[string]interface{}{
		"enabled":                tv.config.Enabled,
		"max_past_age_seconds":   tv.config.MaxPastAgeSeconds,
		"max_future_age_seconds": tv.config.MaxFutureAgeSeconds,
		"clamp_enabled":          tv.config.ClampEnabled,
		"clamp_dlq":              tv.config.ClampDLQ,
		"invalid_action":         tv.config.InvalidAction,
		"default_timezone":       tv.config.DefaultTimezone,
		"accepted_formats":       tv.config.AcceptedFormats,
		"total_validated":        stats.TotalValidated,
		"valid_timestamps":       stats.ValidTimestamps,
		"invalid_timestamps":     stats.InvalidTimestamps,
		"clamped_timestamps":     stats.ClampedTimestamps,
		"rejected_timestamps":    stats.RejectedTimestamps,
		"future_timestamps":      stats.FutureTimestamps,
		"past_timestamps":        stats.PastTimestamps,
		"valid_rate_percent":     validRate,
	}
}

// ResetStats clears accumulated counters.
func (tv *TimestampValidator) ResetStats() {
	tv.mutex.Lock()
	defer tv.mutex.Unlock()

	tv.stats = Stats{}
	tv.logger.Info("Timestamp validator stats reset")
}
