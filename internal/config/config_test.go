package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("", Flags{})
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, cfg.TTL)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Contains(t, cfg.SocketPath, filepath.Join("codetracer", "daemon.sock"))
}

func TestLoad_ConfigFilePrecedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.conf")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nmax_sessions = 4\ndefault_ttl = 60\n"), 0o600))

	cfg, err := Load(path, Flags{})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxSessions)
	assert.Equal(t, 60*time.Second, cfg.TTL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.conf")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions = 4\n"), 0o600))
	t.Setenv(envMaxSessions, "7")

	cfg, err := Load(path, Flags{})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxSessions)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envMaxSessions, "7")
	n := 3
	cfg, err := Load("", Flags{MaxSessions: &n})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxSessions)
}

func TestValidate_RejectsZeroMaxSessions(t *testing.T) {
	cfg := defaults()
	cfg.MaxSessions = 0
	err := Validate(cfg)
	assert.Error(t, err)
}

func TestLoad_MissingConfigFileFails(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.conf"), Flags{})
	assert.Error(t, err)
}

func TestLoad_TuningConfigKey(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	tuningPath := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(tuningPath, []byte(
		// time.Duration has no yaml.Unmarshaler; yaml.v2 decodes it from
		// a plain integer of nanoseconds (or from a Go duration string).
		"circuit_breaker:\n  max_failures: 9\n  reset_timeout: 45000000000\n"+
			"backpressure:\n  low_threshold: 0.5\n"), 0o600))

	confPath := filepath.Join(dir, "daemon.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("tuning_config = "+tuningPath+"\n"), 0o600))

	cfg, err := Load(confPath, Flags{})
	require.NoError(t, err)
	assert.EqualValues(t, 9, cfg.Tuning.CircuitBreaker.MaxFailures)
	assert.Equal(t, 45*time.Second, cfg.Tuning.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 0.5, cfg.Tuning.Backpressure.LowThreshold)
}

func TestLoadTuning_MissingFile(t *testing.T) {
	_, err := LoadTuning(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{envTTL, envMaxSessions, envSocket, envLogFile, envConfigFile, envScriptShell} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}
