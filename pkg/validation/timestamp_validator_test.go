package validation

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(action string) *TimestampValidator {
	return NewTimestampValidator(Config{
		Enabled:             true,
		MaxPastAgeSeconds:   3600,
		MaxFutureAgeSeconds: 60,
		ClampEnabled:        true,
		InvalidAction:       action,
	}, logrus.New(), nil)
}

func TestTimestampValidator_ValidTimestamp(t *testing.T) {
	v := newTestValidator("clamp")
	result := v.ValidateTimestamp("trace_metadata", time.Now())
	assert.True(t, result.Valid)
	assert.Equal(t, "valid", result.Action)
}

func TestTimestampValidator_ClampsFutureTimestamp(t *testing.T) {
	v := newTestValidator("clamp")
	future := time.Now().Add(time.Hour)
	result := v.ValidateTimestamp("handshake_init_time", future)
	assert.True(t, result.Valid)
	assert.Equal(t, "clamped", result.Action)
	assert.WithinDuration(t, time.Now(), result.ValidatedTime, time.Second)
}

func TestTimestampValidator_RejectsOldTimestamp(t *testing.T) {
	v := newTestValidator("reject")
	old := time.Now().Add(-2 * time.Hour)
	result := v.ValidateTimestamp("trace_metadata", old)
	assert.False(t, result.Valid)
	assert.Equal(t, "rejected", result.Action)
}

func TestTimestampValidator_WarnAllowsInvalid(t *testing.T) {
	v := newTestValidator("warn")
	old := time.Now().Add(-2 * time.Hour)
	result := v.ValidateTimestamp("trace_metadata", old)
	assert.True(t, result.Valid)
	assert.Equal(t, "warned", result.Action)
}

func TestTimestampValidator_ParseTimestamp(t *testing.T) {
	v := newTestValidator("clamp")
	parsed, err := v.ParseTimestamp("2026-01-02T15:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, parsed.Year())
}

func TestTimestampValidator_ParseTimestamp_Unparseable(t *testing.T) {
	v := newTestValidator("clamp")
	_, err := v.ParseTimestamp("not-a-timestamp")
	assert.Error(t, err)
}

func TestTimestampValidator_IsTimestampInWindow(t *testing.T) {
	v := newTestValidator("clamp")
	assert.True(t, v.IsTimestampInWindow(time.Now()))
	assert.False(t, v.IsTimestampInWindow(time.Now().Add(-2*time.Hour)))
}

func TestTimestampValidator_ResetStats(t *testing.T) {
	v := newTestValidator("clamp")
	v.ValidateTimestamp("trace_metadata", time.Now())
	assert.Equal(t, int64(1), v.GetStats().TotalValidated)

	v.ResetStats()
	assert.Equal(t, int64(0), v.GetStats().TotalValidated)
}
