// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/iostore/lib/iostore"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Environment variable names.
const (
	// PathVariable names the config file when --config is not given.
	PathVariable = "BUREAU_IOSTORE_CONFIG"

	// SettingPrefix prefixes per-setting overrides of the dispatcher
	// section: BUREAU_IOSTORE_READ_BUFFER_SIZE sets read_buffer_size.
	SettingPrefix = "BUREAU_IOSTORE_"
)

// Config is the configuration of a bureau-iostore process.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	// Dispatcher holds the engine tuning settings.
	Dispatcher iostore.Config `yaml:"dispatcher"`

	// Paths configures file locations.
	Paths PathsConfig `yaml:"paths"`

	// Keys lists encryption keys registered before any mount.
	Keys []KeyConfig `yaml:"keys"`

	// Mounts lists containers mounted at startup, in addition to any
	// named on the command line.
	Mounts []MountConfig `yaml:"mounts"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Per-environment overrides, applied after the base config is
	// loaded when Environment matches.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Dispatcher *DispatcherOverrides `yaml:"dispatcher,omitempty"`
	Paths      *PathsConfig         `yaml:"paths,omitempty"`
	Metrics    *MetricsConfig       `yaml:"metrics,omitempty"`
}

// DispatcherOverrides mirrors iostore.Config with optional fields, so
// an override can set a value to false or zero.
type DispatcherOverrides struct {
	ReadBufferSize                  *uint64        `yaml:"read_buffer_size"`
	BufferMemory                    *uint64        `yaml:"buffer_memory"`
	CacheMemory                     *uint64        `yaml:"cache_memory"`
	DecompressionWorkers            *int           `yaml:"decompression_workers"`
	MaxConsecutiveDecodeJobs        *int           `yaml:"max_consecutive_decode_jobs"`
	TaskWorkers                     *int           `yaml:"task_workers"`
	SortRequestsByOffset            *bool          `yaml:"sort_requests_by_offset"`
	MaintainSortingOnPriorityChange *bool          `yaml:"maintain_sorting_on_priority_change"`
	MaxForwardSeek                  *uint64        `yaml:"max_forward_seek"`
	LatencyCircuitBreaker           *time.Duration `yaml:"latency_circuit_breaker"`
	ReadRetries                     *int           `yaml:"read_retries"`
	ReadRetryDelay                  *time.Duration `yaml:"read_retry_delay"`
	Multithreaded                   *bool          `yaml:"multithreaded"`
	ForceSynchronousDecode          *bool          `yaml:"force_synchronous_decode"`
}

// apply copies every set field onto config.
func (o *DispatcherOverrides) apply(config *iostore.Config) {
	setIf(&config.ReadBufferSize, o.ReadBufferSize)
	setIf(&config.BufferMemory, o.BufferMemory)
	setIf(&config.CacheMemory, o.CacheMemory)
	setIf(&config.DecompressionWorkers, o.DecompressionWorkers)
	setIf(&config.MaxConsecutiveDecodeJobs, o.MaxConsecutiveDecodeJobs)
	setIf(&config.TaskWorkers, o.TaskWorkers)
	setIf(&config.SortRequestsByOffset, o.SortRequestsByOffset)
	setIf(&config.MaintainSortingOnPriorityChange, o.MaintainSortingOnPriorityChange)
	setIf(&config.MaxForwardSeek, o.MaxForwardSeek)
	setIf(&config.LatencyCircuitBreaker, o.LatencyCircuitBreaker)
	setIf(&config.ReadRetries, o.ReadRetries)
	setIf(&config.ReadRetryDelay, o.ReadRetryDelay)
	setIf(&config.Multithreaded, o.Multithreaded)
	setIf(&config.ForceSynchronousDecode, o.ForceSynchronousDecode)
}

func setIf[T any](target *T, value *T) {
	if value != nil {
		*target = *value
	}
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for containers and keys.
	Root string `yaml:"root"`

	// Identity is an age identity file used to unseal key files that
	// were sealed with lib/sealed.
	Identity string `yaml:"identity"`
}

// KeyConfig names one encryption key.
type KeyConfig struct {
	// ID matches the key id recorded in a container's table of
	// contents.
	ID string `yaml:"id"`

	// File holds the raw, hex or age-sealed key.
	File string `yaml:"file"`
}

// MountConfig describes one container mount.
type MountConfig struct {
	// TOC is the path of the container's table of contents.
	TOC string `yaml:"toc"`

	// Order is the mount precedence. Higher orders shadow lower ones.
	Order int32 `yaml:"order"`

	// KeyID names the key for an encrypted container.
	KeyID string `yaml:"key_id"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address is the listen address for /metrics. Empty disables it.
	Address string `yaml:"address"`
}

// Default returns the default configuration. The dispatcher section
// is iostore.DefaultConfig.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Dispatcher:  iostore.DefaultConfig(),
		Paths: PathsConfig{
			Root: filepath.Join(homeDir, ".cache", "bureau", "iostore"),
		},
	}
}

// Load loads configuration from the file named by BUREAU_IOSTORE_CONFIG.
// It fails if the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv(PathVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your iostore.yaml config file, or use --config flag", PathVariable)
	}
	return LoadFile(configPath)
}

// Resolve loads the file at path, or the file named by
// BUREAU_IOSTORE_CONFIG when path is empty. With neither, it returns
// the defaults with environment settings applied.
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(PathVariable)
	}
	if path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from a specific file path.
//
// Values are layered in order: defaults, the file, the override
// section for the file's environment, ${VAR} expansion in paths, and
// finally BUREAU_IOSTORE_* settings from the process environment. The
// result is validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.finish(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) finish() error {
	c.applyEnvironmentOverrides()
	c.expandVariables()
	if err := c.applySettings(os.Environ()); err != nil {
		return err
	}
	return c.Validate()
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Dispatcher != nil {
		overrides.Dispatcher.apply(&c.Dispatcher)
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Identity != "" {
			c.Paths.Identity = overrides.Paths.Identity
		}
	}

	if overrides.Metrics != nil && overrides.Metrics.Address != "" {
		c.Metrics.Address = overrides.Metrics.Address
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BUREAU_IOSTORE_ROOT": c.Paths.Root,
		"HOME":                os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["BUREAU_IOSTORE_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Identity = expandVars(c.Paths.Identity, vars)
	for index := range c.Keys {
		c.Keys[index].File = expandVars(c.Keys[index].File, vars)
	}
	for index := range c.Mounts {
		c.Mounts[index].TOC = expandVars(c.Mounts[index].TOC, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// reservedVariables share SettingPrefix but are not dispatcher settings.
var reservedVariables = []string{PathVariable, "BUREAU_IOSTORE_ROOT"}

// applySettings applies BUREAU_IOSTORE_<SETTING>=value entries from
// environ to the dispatcher section. The setting name is the YAML key
// in upper case, and the value is parsed as YAML, so durations and
// booleans are written the same way as in the file. Unknown settings
// are errors.
func (c *Config) applySettings(environ []string) error {
	var errs []error
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, SettingPrefix) || slices.Contains(reservedVariables, name) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, SettingPrefix))

		document, err := yaml.Marshal(map[string]*yaml.Node{
			key: {Kind: yaml.ScalarNode, Value: value},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		decoder := yaml.NewDecoder(bytes.NewReader(document))
		decoder.KnownFields(true)
		if err := decoder.Decode(&c.Dispatcher); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if err := c.Dispatcher.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}

	keyIDs := make(map[string]bool, len(c.Keys))
	for index, key := range c.Keys {
		if key.ID == "" {
			errs = append(errs, fmt.Errorf("keys[%d].id is required", index))
		} else if keyIDs[key.ID] {
			errs = append(errs, fmt.Errorf("keys[%d]: duplicate key id %q", index, key.ID))
		}
		keyIDs[key.ID] = true
		if key.File == "" {
			errs = append(errs, fmt.Errorf("keys[%d].file is required", index))
		}
	}

	for index, mount := range c.Mounts {
		if mount.TOC == "" {
			errs = append(errs, fmt.Errorf("mounts[%d].toc is required", index))
		}
		if mount.KeyID != "" && !keyIDs[mount.KeyID] {
			errs = append(errs, fmt.Errorf("mounts[%d]: unknown key id %q", index, mount.KeyID))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ResolvePath returns path unchanged when absolute and joined onto
// Paths.Root otherwise.
func (c *Config) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Paths.Root, path)
}
