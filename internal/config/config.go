// Package config loads daemon configuration from, in increasing order of
// precedence: built-in defaults, the plain-text config file, environment
// variables, and CLI flags.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"codetracer-core/pkg/errors"
)

// Config is the daemon's resolved configuration.
type Config struct {
	// TTL is the idle-session time-to-live. TTL == 0 evicts sessions on
	// the reaper's first tick.
	TTL time.Duration

	// MaxSessions bounds the session pool (must be > 0).
	MaxSessions int

	// SocketPath is the daemon's framed-DAP endpoint.
	SocketPath string

	// PidFile tracks the daemon process for `daemon stop`/`daemon status`.
	PidFile string

	// LogFile, when set, redirects logrus output away from stderr.
	LogFile string

	// LogLevel / LogFormat control logrus's level and formatter.
	LogLevel  string
	LogFormat string

	// ScriptTimeout bounds ct/exec-script (default 30s).
	ScriptTimeout time.Duration

	// ScriptShell overrides the interpreter ct/exec-script invokes.
	ScriptShell []string

	// MetricsAddr, when non-empty, serves Prometheus (/metrics), /health
	// and the /debug/sessions introspection endpoint.
	MetricsAddr string

	// HandshakeStepTimeout bounds each phase of the DAP init handshake.
	HandshakeStepTimeout time.Duration

	// TmpDir is the root under which SocketPath/PidFile default paths are
	// computed ("<tmp>/codetracer/..."), overridable for tests.
	TmpDir string

	// Tuning holds the dispatcher's nested circuit-breaker/backpressure
	// sub-documents, loaded from the YAML file named by the config
	// file's tuning_config key (zero value if unset; NewManager/New
	// apply their own defaults for zero fields).
	Tuning TuningConfig
}

const (
	envTTL         = "CODETRACER_DAEMON_TTL"
	envMaxSessions = "CODETRACER_MAX_SESSIONS"
	envSocket      = "CODETRACER_DAEMON_SOCKET"
	envLogFile     = "CODETRACER_DAEMON_LOG"
	envConfigFile  = "CODETRACER_DAEMON_CONFIG"
	envScriptShell = "CODETRACER_SCRIPT_SHELL"
)

func defaults() *Config {
	tmp := os.TempDir()
	return &Config{
		TTL:                  300 * time.Second,
		MaxSessions:           10,
		SocketPath:            filepath.Join(tmp, "codetracer", "daemon.sock"),
		PidFile:               filepath.Join(tmp, "codetracer", "daemon.pid"),
		LogLevel:              "info",
		LogFormat:             "text",
		ScriptTimeout:         30 * time.Second,
		ScriptShell:           []string{"/bin/sh", "-c"},
		MetricsAddr:           "",
		HandshakeStepTimeout:  5 * time.Second,
		TmpDir:                tmp,
	}
}

// Flags holds the CLI flag overrides `daemon start` accepts, ranked above
// environment variables.
type Flags struct {
	TTL         *time.Duration
	MaxSessions *int
	Socket      *string
	LogFile     *string
}

// Load resolves configuration: defaults, then the config file (path from
// flags/env/default), then environment overrides, then CLI flags.
func Load(configFileFlag string, flags Flags) (*Config, error) {
	cfg := defaults()

	configFile := configFileFlag
	if configFile == "" {
		configFile = os.Getenv(envConfigFile)
	}
	if configFile != "" {
		if err := applyConfigFile(cfg, configFile); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.ConfigError("load", fmt.Sprintf("config file not found: %s", configFile)).Wrap(err)
			}
			return nil, errors.ConfigError("load", "failed to parse config file").Wrap(err)
		}
	}

	applyEnvironmentOverrides(cfg)
	applyFlags(cfg, flags)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyConfigFile parses `KEY = VALUE` lines, `#` comments, whitespace
// trimmed. Unknown keys are ignored; invalid values are ignored rather
// than failing the whole load.
func applyConfigFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		applyConfigKey(cfg, key, value)
	}
	return scanner.Err()
}

func applyConfigKey(cfg *Config, key, value string) {
	switch key {
	case "default_ttl":
		if d, err := time.ParseDuration(value); err == nil {
			cfg.TTL = d
		} else if secs, err := strconv.Atoi(value); err == nil {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	case "max_sessions":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.MaxSessions = n
		}
	case "socket_path":
		if value != "" {
			cfg.SocketPath = value
		}
	case "log_file":
		cfg.LogFile = value
	case "tuning_config":
		if value == "" {
			return
		}
		tc, err := LoadTuning(value)
		if err != nil {
			return
		}
		cfg.Tuning = tc
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv(envTTL); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv(envMaxSessions); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv(envSocket); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv(envLogFile); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv(envScriptShell); v != "" {
		cfg.ScriptShell = strings.Fields(v)
	}
}

func applyFlags(cfg *Config, flags Flags) {
	if flags.TTL != nil {
		cfg.TTL = *flags.TTL
	}
	if flags.MaxSessions != nil && *flags.MaxSessions > 0 {
		cfg.MaxSessions = *flags.MaxSessions
	}
	if flags.Socket != nil && *flags.Socket != "" {
		cfg.SocketPath = *flags.Socket
	}
	if flags.LogFile != nil && *flags.LogFile != "" {
		cfg.LogFile = *flags.LogFile
	}
}

// Validate enforces the daemon's configuration invariants.
func Validate(cfg *Config) error {
	if cfg.MaxSessions <= 0 {
		return errors.ConfigError("validate", "max_sessions must be > 0")
	}
	if cfg.TTL < 0 {
		return errors.ConfigError("validate", "default_ttl must not be negative")
	}
	if cfg.SocketPath == "" {
		return errors.ConfigError("validate", "socket_path must not be empty")
	}
	if len(cfg.ScriptShell) == 0 {
		return errors.ConfigError("validate", "script shell must not be empty")
	}
	return nil
}
