// Package config loads the YAML listener-port configuration (§6) and
// carries the reflect-based defaulting helpers the rest of the repo's
// options structs use, via reflection over struct tags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration shape from §6: two listener
// ports, defaulting to 1080/1081.
type Config struct {
	SOCKS5Port int `yaml:"socks5_port" default:"1080"`
	HTTPPort   int `yaml:"http_port" default:"1081"`
}

// Load reads path as YAML. A missing file or a parse error is not
// fatal (§7 "configuration parse error — log and fall back to
// defaults"); warn is called with a human-readable message in that
// case and Load still returns usable defaults.
func Load(path string, warn func(format string, args ...any)) Config {
	if warn == nil {
		warn = func(string, ...any) {}
	}

	cfg := Config{}

	data, err := os.ReadFile(path)
	switch {
	case err != nil:
		warn("config: %s not found, using defaults: %v", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			warn("config: failed to parse %s, using defaults: %v", path, err)
			cfg = Config{}
		}
	}

	if err := setDefaults(&cfg); err != nil {
		warn("config: %v", err)
	}
	return cfg
}

// applyOptionDefaults fills default-tagged zero fields on any options
// struct, then enforces validate:"required" tags, returning the first
// violation.
func applyOptionDefaults(v any) error {
	if err := setDefaults(v); err != nil {
		return err
	}
	if err := requireFields(v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ApplyDefaults exports the same default/required-field behavior for
// options structs outside this package. No other package in this
// repository calls it; only this package's tests do.
func ApplyDefaults(v any) error {
	return applyOptionDefaults(v)
}
