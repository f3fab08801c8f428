// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/bureau-foundation/iostore/lib/container"
)

// Config holds the dispatcher's tuning settings. Load it from YAML
// with lib/config, or start from DefaultConfig.
type Config struct {
	// ReadBufferSize is the size of one disk read and of one pooled
	// buffer. Must be a multiple of container.BlockAlignment.
	ReadBufferSize uint64 `yaml:"read_buffer_size"`

	// BufferMemory is the total size of the buffer pool. The pool
	// holds BufferMemory / ReadBufferSize buffers.
	BufferMemory uint64 `yaml:"buffer_memory"`

	// CacheMemory is the size of the raw block cache. Zero disables
	// the cache.
	CacheMemory uint64 `yaml:"cache_memory"`

	// DecompressionWorkers bounds the number of encoded blocks being
	// decoded at once.
	DecompressionWorkers int `yaml:"decompression_workers"`

	// MaxConsecutiveDecodeJobs is the number of blocks one decode
	// task handles before yielding.
	MaxConsecutiveDecodeJobs int `yaml:"max_consecutive_decode_jobs"`

	// TaskWorkers sizes the dispatcher's own TaskPool when no
	// Scheduler is supplied.
	TaskWorkers int `yaml:"task_workers"`

	// SortRequestsByOffset selects the offset-ordered read queue.
	// Otherwise reads are served by priority, then arrival.
	SortRequestsByOffset bool `yaml:"sort_requests_by_offset"`

	// MaintainSortingOnPriorityChange keeps reading forward from the
	// last offset even when the highest queued priority changed.
	MaintainSortingOnPriorityChange bool `yaml:"maintain_sorting_on_priority_change"`

	// MaxForwardSeek is the largest forward seek the offset-ordered
	// queue takes before falling back to the oldest read. Zero means
	// unbounded.
	MaxForwardSeek uint64 `yaml:"max_forward_seek"`

	// LatencyCircuitBreaker is the age at which the oldest queued
	// read is served ahead of the offset order. Zero disables it.
	LatencyCircuitBreaker time.Duration `yaml:"latency_circuit_breaker"`

	// ReadRetries is the number of times a failed disk read is
	// retried before its block is failed.
	ReadRetries int `yaml:"read_retries"`

	// ReadRetryDelay is the wait before the first retry of a failed
	// disk read. It doubles for each further retry. Zero retries at
	// once.
	ReadRetryDelay time.Duration `yaml:"read_retry_delay"`

	// Multithreaded starts the dispatcher loop and read service
	// goroutines. When false the caller drives work with Tick.
	Multithreaded bool `yaml:"multithreaded"`

	// ForceSynchronousDecode decodes every block inline on the
	// dispatcher loop.
	ForceSynchronousDecode bool `yaml:"force_synchronous_decode"`
}

// DefaultConfig returns the settings the dispatcher uses when none
// are given.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:           256 << 10,
		BufferMemory:             8 << 20,
		CacheMemory:              16 << 20,
		DecompressionWorkers:     4,
		MaxConsecutiveDecodeJobs: 4,
		TaskWorkers:              runtime.GOMAXPROCS(0),
		SortRequestsByOffset:     true,
		ReadRetries:              3,
		ReadRetryDelay:           10 * time.Millisecond,
		Multithreaded:            true,
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.ReadBufferSize == 0 {
		errs = append(errs, errors.New("read_buffer_size must be positive"))
	} else if c.ReadBufferSize%container.BlockAlignment != 0 {
		errs = append(errs, fmt.Errorf("read_buffer_size %d is not a multiple of %d",
			c.ReadBufferSize, container.BlockAlignment))
	}
	if c.BufferMemory < c.ReadBufferSize {
		errs = append(errs, fmt.Errorf("buffer_memory %d is smaller than read_buffer_size %d",
			c.BufferMemory, c.ReadBufferSize))
	}
	if c.DecompressionWorkers < 1 {
		errs = append(errs, fmt.Errorf("decompression_workers must be at least 1, got %d", c.DecompressionWorkers))
	}
	if c.MaxConsecutiveDecodeJobs < 1 {
		errs = append(errs, fmt.Errorf("max_consecutive_decode_jobs must be at least 1, got %d", c.MaxConsecutiveDecodeJobs))
	}
	if c.TaskWorkers < 1 {
		errs = append(errs, fmt.Errorf("task_workers must be at least 1, got %d", c.TaskWorkers))
	}
	if c.ReadRetries < 0 {
		errs = append(errs, fmt.Errorf("read_retries must not be negative, got %d", c.ReadRetries))
	}
	if c.ReadRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("read_retry_delay must not be negative, got %v", c.ReadRetryDelay))
	}
	if c.LatencyCircuitBreaker < 0 {
		errs = append(errs, fmt.Errorf("latency_circuit_breaker must not be negative, got %v", c.LatencyCircuitBreaker))
	}
	return errors.Join(errs...)
}
