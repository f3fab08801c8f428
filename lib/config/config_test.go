// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/iostore/lib/iostore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "iostore.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Dispatcher != iostore.DefaultConfig() {
		t.Errorf("dispatcher = %+v, want iostore.DefaultConfig()", cfg.Dispatcher)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults failed: %v", err)
	}
}

func TestLoad_RequiresConfigVariable(t *testing.T) {
	t.Setenv(PathVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when BUREAU_IOSTORE_CONFIG not set, got nil")
	}

	expectedMsg := "BUREAU_IOSTORE_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithConfigVariable(t *testing.T) {
	configPath := writeConfig(t, `
environment: production
paths:
  root: /test/root
`)
	t.Setenv(PathVariable, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Production {
		t.Errorf("expected environment=production, got %s", cfg.Environment)
	}
	if cfg.Paths.Root != "/test/root" {
		t.Errorf("expected root=/test/root, got %s", cfg.Paths.Root)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: development

paths:
  root: /custom/root
  identity: ${BUREAU_IOSTORE_ROOT}/identity.txt

dispatcher:
  read_buffer_size: 65536
  buffer_memory: 1048576
  sort_requests_by_offset: false
  latency_circuit_breaker: 250ms
  read_retries: 5

keys:
  - id: release
    file: keys/release.key

mounts:
  - toc: ${BUREAU_IOSTORE_ROOT}/base.iotoc
  - toc: /patches/patch.iotoc
    order: 10
    key_id: release

metrics:
  address: 127.0.0.1:9100
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Dispatcher.ReadBufferSize != 65536 {
		t.Errorf("read_buffer_size = %d, want 65536", cfg.Dispatcher.ReadBufferSize)
	}
	if cfg.Dispatcher.BufferMemory != 1048576 {
		t.Errorf("buffer_memory = %d, want 1048576", cfg.Dispatcher.BufferMemory)
	}
	if cfg.Dispatcher.SortRequestsByOffset {
		t.Error("expected sort_requests_by_offset=false")
	}
	if cfg.Dispatcher.LatencyCircuitBreaker != 250*time.Millisecond {
		t.Errorf("latency_circuit_breaker = %v, want 250ms", cfg.Dispatcher.LatencyCircuitBreaker)
	}
	if cfg.Dispatcher.ReadRetries != 5 {
		t.Errorf("read_retries = %d, want 5", cfg.Dispatcher.ReadRetries)
	}
	// Unset keys keep their defaults.
	if cfg.Dispatcher.DecompressionWorkers != iostore.DefaultConfig().DecompressionWorkers {
		t.Errorf("decompression_workers = %d, want default %d",
			cfg.Dispatcher.DecompressionWorkers, iostore.DefaultConfig().DecompressionWorkers)
	}

	if cfg.Paths.Identity != "/custom/root/identity.txt" {
		t.Errorf("identity = %s, want /custom/root/identity.txt", cfg.Paths.Identity)
	}
	if len(cfg.Mounts) != 2 {
		t.Fatalf("len(mounts) = %d, want 2", len(cfg.Mounts))
	}
	if cfg.Mounts[0].TOC != "/custom/root/base.iotoc" {
		t.Errorf("mounts[0].toc = %s, want /custom/root/base.iotoc", cfg.Mounts[0].TOC)
	}
	if cfg.Mounts[1].Order != 10 || cfg.Mounts[1].KeyID != "release" {
		t.Errorf("mounts[1] = %+v, want order 10 with key release", cfg.Mounts[1])
	}
	if got := cfg.ResolvePath(cfg.Keys[0].File); got != "/custom/root/keys/release.key" {
		t.Errorf("ResolvePath(key file) = %s, want /custom/root/keys/release.key", got)
	}
	if cfg.Metrics.Address != "127.0.0.1:9100" {
		t.Errorf("metrics.address = %s, want 127.0.0.1:9100", cfg.Metrics.Address)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	configPath := writeConfig(t, `
dispatcher:
  read_bufer_size: 65536
`)

	_, err := LoadFile(configPath)
	if err == nil {
		t.Fatal("expected error for misspelled key, got nil")
	}
	if !strings.Contains(err.Error(), "read_bufer_size") {
		t.Errorf("error %q does not name the unknown key", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: production

paths:
  root: /default/root

dispatcher:
  multithreaded: true
  force_synchronous_decode: true
  read_retries: 1

production:
  paths:
    root: /prod/root
  dispatcher:
    force_synchronous_decode: false
    max_forward_seek: 8388608

development:
  dispatcher:
    read_retries: 9
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.Root != "/prod/root" {
		t.Errorf("expected root=/prod/root, got %s", cfg.Paths.Root)
	}
	if cfg.Dispatcher.ForceSynchronousDecode {
		t.Error("expected force_synchronous_decode=false from production override")
	}
	if cfg.Dispatcher.MaxForwardSeek != 8388608 {
		t.Errorf("max_forward_seek = %d, want 8388608", cfg.Dispatcher.MaxForwardSeek)
	}
	// Keys absent from the override section keep the base value.
	if !cfg.Dispatcher.Multithreaded {
		t.Error("expected multithreaded=true to survive the override")
	}
	// The development section does not apply in production.
	if cfg.Dispatcher.ReadRetries != 1 {
		t.Errorf("read_retries = %d, want 1", cfg.Dispatcher.ReadRetries)
	}
}

func TestDevelopmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: development

dispatcher:
  cache_memory: 4096
  latency_circuit_breaker: 5s

metrics:
  address: 127.0.0.1:9000

development:
  dispatcher:
    cache_memory: 0
    latency_circuit_breaker: 250ms
  metrics:
    address: 127.0.0.1:9100
  paths:
    identity: /dev/identity.txt
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Dispatcher.CacheMemory != 0 {
		t.Errorf("cache_memory = %d, want 0 from development override", cfg.Dispatcher.CacheMemory)
	}
	if cfg.Dispatcher.LatencyCircuitBreaker != 250*time.Millisecond {
		t.Errorf("latency_circuit_breaker = %v, want 250ms", cfg.Dispatcher.LatencyCircuitBreaker)
	}
	if cfg.Metrics.Address != "127.0.0.1:9100" {
		t.Errorf("metrics address = %q, want 127.0.0.1:9100", cfg.Metrics.Address)
	}
	if cfg.Paths.Identity != "/dev/identity.txt" {
		t.Errorf("identity = %q, want /dev/identity.txt", cfg.Paths.Identity)
	}
}

func TestOverrideSectionRejectsUnknownKeys(t *testing.T) {
	configPath := writeConfig(t, `
environment: production
production:
  dispatcher:
    read_retrys: 3
`)

	_, err := LoadFile(configPath)
	if err == nil {
		t.Fatal("LoadFile should reject an unknown key in an override section")
	}
	if !strings.Contains(err.Error(), "read_retrys") {
		t.Errorf("error %q does not name the unknown key", err)
	}
}

func TestSettingsFromEnvironment(t *testing.T) {
	configPath := writeConfig(t, `
dispatcher:
  read_retries: 1
  cache_memory: 1024
`)
	t.Setenv("BUREAU_IOSTORE_READ_RETRIES", "7")
	t.Setenv("BUREAU_IOSTORE_LATENCY_CIRCUIT_BREAKER", "2s")
	t.Setenv("BUREAU_IOSTORE_SORT_REQUESTS_BY_OFFSET", "false")

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Dispatcher.ReadRetries != 7 {
		t.Errorf("read_retries = %d, want 7 from environment", cfg.Dispatcher.ReadRetries)
	}
	if cfg.Dispatcher.LatencyCircuitBreaker != 2*time.Second {
		t.Errorf("latency_circuit_breaker = %v, want 2s from environment", cfg.Dispatcher.LatencyCircuitBreaker)
	}
	if cfg.Dispatcher.SortRequestsByOffset {
		t.Error("expected sort_requests_by_offset=false from environment")
	}
	if cfg.Dispatcher.CacheMemory != 1024 {
		t.Errorf("cache_memory = %d, want 1024 from file", cfg.Dispatcher.CacheMemory)
	}
}

func TestApplySettingsErrors(t *testing.T) {
	cfg := Default()
	err := cfg.applySettings([]string{
		"BUREAU_IOSTORE_NO_SUCH_SETTING=1",
		"BUREAU_IOSTORE_READ_RETRIES=many",
		"BUREAU_IOSTORE_CONFIG=/ignored.yaml",
		"BUREAU_IOSTORE_ROOT=/ignored",
		"UNRELATED=1",
	})
	if err == nil {
		t.Fatal("expected error for bad settings, got nil")
	}
	for _, name := range []string{"BUREAU_IOSTORE_NO_SUCH_SETTING", "BUREAU_IOSTORE_READ_RETRIES"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not mention %s", err, name)
		}
	}
	if strings.Contains(err.Error(), "BUREAU_IOSTORE_CONFIG") {
		t.Errorf("error %q mentions the reserved config variable", err)
	}
}

func TestResolveWithoutFile(t *testing.T) {
	t.Setenv(PathVariable, "")
	t.Setenv("BUREAU_IOSTORE_TASK_WORKERS", "3")

	cfg, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.Dispatcher.TaskWorkers != 3 {
		t.Errorf("task_workers = %d, want 3", cfg.Dispatcher.TaskWorkers)
	}
}

func TestResolvePrefersFlagOverVariable(t *testing.T) {
	flagPath := writeConfig(t, "paths:\n  root: /from/flag\n")
	variablePath := writeConfig(t, "paths:\n  root: /from/variable\n")
	t.Setenv(PathVariable, variablePath)

	cfg, err := Resolve(flagPath)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.Paths.Root != "/from/flag" {
		t.Errorf("root = %s, want /from/flag", cfg.Paths.Root)
	}

	cfg, err = Resolve("")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.Paths.Root != "/from/variable" {
		t.Errorf("root = %s, want /from/variable", cfg.Paths.Root)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/containers",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/containers",
		},
		{
			input:    "${MISSING_IOSTORE_TEST_VAR:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.Environment = "staging"
			},
			wantErr: "invalid environment",
		},
		{
			name: "invalid dispatcher",
			modify: func(c *Config) {
				c.Dispatcher.ReadBufferSize = 100
			},
			wantErr: "dispatcher: read_buffer_size",
		},
		{
			name: "key without id",
			modify: func(c *Config) {
				c.Keys = []KeyConfig{{File: "a.key"}}
			},
			wantErr: "keys[0].id is required",
		},
		{
			name: "duplicate key id",
			modify: func(c *Config) {
				c.Keys = []KeyConfig{{ID: "a", File: "a.key"}, {ID: "a", File: "b.key"}}
			},
			wantErr: "duplicate key id",
		},
		{
			name: "mount without toc",
			modify: func(c *Config) {
				c.Mounts = []MountConfig{{Order: 1}}
			},
			wantErr: "mounts[0].toc is required",
		},
		{
			name: "mount with unknown key",
			modify: func(c *Config) {
				c.Mounts = []MountConfig{{TOC: "a.iotoc", KeyID: "missing"}}
			},
			wantErr: "unknown key id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	cfg := Default()
	cfg.Paths.Root = "/data"

	for input, want := range map[string]string{
		"":                "",
		"/abs/file.iotoc": "/abs/file.iotoc",
		"rel/file.iotoc":  "/data/rel/file.iotoc",
	} {
		if got := cfg.ResolvePath(input); got != want {
			t.Errorf("ResolvePath(%q) = %q, want %q", input, got, want)
		}
	}
}
