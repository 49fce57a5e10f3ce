package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"codetracer-core/pkg/backpressure"
	"codetracer-core/pkg/circuit_breaker"
	"codetracer-core/pkg/errors"
)

// TuningConfig holds the nested sub-documents the plain `KEY = VALUE`
// config file can't express: per-subsystem struct configs for the
// dispatcher's circuit breaker and backpressure manager. Loaded from a
// separate YAML file referenced by the config file's `tuning_config`
// key, the way the teacher keeps these as yaml-tagged structs decoded
// independently of its own `KEY = VALUE` reader.
type TuningConfig struct {
	CircuitBreaker circuit_breaker.Config `yaml:"circuit_breaker"`
	Backpressure   backpressure.Config    `yaml:"backpressure"`
}

// LoadTuning parses a YAML tuning file at path. A missing file is not an
// error at the call site (applyConfigKey only calls this when the key is
// present); callers needing graceful degradation should check os.IsNotExist.
func LoadTuning(path string) (TuningConfig, error) {
	var tc TuningConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return tc, err
	}
	if err := yaml.Unmarshal(raw, &tc); err != nil {
		return tc, errors.ConfigError("load-tuning", "failed to parse tuning config: "+err.Error())
	}
	return tc, nil
}
