// Package config loads the simulator's YAML configuration: the machine to
// power on, the memory manager's heap placement, and logging.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"mazmm/firmware"
	"mazmm/memory"
)

// Log configures diagnostics.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the top-level configuration document.
type Config struct {
	Machine firmware.Options `yaml:"machine"`
	Memory  memory.Config    `yaml:"memory"`
	Log     Log              `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Machine: firmware.DefaultOptions(),
		Memory:  memory.DefaultConfig(),
		Log:     Log{Level: "info"},
	}
}

// Load reads and validates the file at path. Keys missing from the file
// keep their default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Machine.Validate(); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
