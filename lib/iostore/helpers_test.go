// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/secret"
	"github.com/bureau-foundation/iostore/lib/testutil"
)

// testConfig is small enough that blocks span raw blocks and the pool
// runs out under load.
func testConfig() Config {
	return Config{
		ReadBufferSize:           1024,
		BufferMemory:             16 * 1024,
		CacheMemory:              0,
		DecompressionWorkers:     2,
		MaxConsecutiveDecodeJobs: 2,
		TaskWorkers:              2,
		SortRequestsByOffset:     true,
		ReadRetries:              1,
		Multithreaded:            true,
	}
}

func newTestDispatcher(t *testing.T, config Config) *Dispatcher {
	t.Helper()
	return newTestDispatcherWithOptions(t, Options{Config: config})
}

func newTestDispatcherWithOptions(t *testing.T, options Options) *Dispatcher {
	t.Helper()
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func mount(t *testing.T, d *Dispatcher, tocPath string, order int32, keyID string) *container.Header {
	t.Helper()
	header, err := d.Mount(tocPath, order, keyID)
	if err != nil {
		t.Fatalf("Mount(%s) failed: %v", tocPath, err)
	}
	return header
}

func chunkID(index uint16) container.ChunkID {
	return container.NewChunkID(0x1234, index, container.ChunkTypeData)
}

// wait waits for a request, driving the dispatcher first when it is
// single-threaded.
func wait(t *testing.T, d *Dispatcher, request *Request) ([]byte, error) {
	t.Helper()
	if !d.config.Multithreaded {
		d.RunUntilIdle()
		if !request.finished.Load() {
			t.Fatalf("request for %s still pending after RunUntilIdle", request.ChunkID)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, err := request.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("timed out waiting for %s", request.ChunkID)
	}
	return data, err
}

func requireData(t *testing.T, d *Dispatcher, request *Request, want []byte) {
	t.Helper()
	data, err := wait(t, d, request)
	if err != nil {
		t.Fatalf("read of %s [%d+%d] failed: %v", request.ChunkID, request.Offset, request.Size, err)
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("read of %s [%d+%d] returned %d bytes that differ from the source (want %d bytes)",
			request.ChunkID, request.Offset, request.Size, len(data), len(want))
	}
}

// requireIdle checks that every tracker object and buffer has been
// released.
func requireIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	stats := d.Stats()
	if stats.LiveRequests != 0 || stats.LiveEncodedBlocks != 0 || stats.LiveRawBlocks != 0 {
		t.Errorf("live objects after completion: requests=%d encoded=%d raw=%d",
			stats.LiveRequests, stats.LiveEncodedBlocks, stats.LiveRawBlocks)
	}
	if stats.BuffersFree != stats.BuffersCapacity {
		t.Errorf("buffers free = %d, want %d", stats.BuffersFree, stats.BuffersCapacity)
	}
}

func testKey(t *testing.T, fill byte) []byte {
	t.Helper()
	return bytes.Repeat([]byte{fill}, container.KeySize)
}

func registerKey(t *testing.T, d *Dispatcher, keyID string, key []byte) {
	t.Helper()
	buffer, err := secret.NewFromBytes(bytes.Clone(key))
	if err != nil {
		t.Fatalf("secret.NewFromBytes failed: %v", err)
	}
	if err := d.RegisterKey(keyID, buffer); err != nil {
		t.Fatalf("RegisterKey failed: %v", err)
	}
}

// logLines is an io.Writer for slog handlers that hands each record
// to the test. Records that find the channel full are dropped.
type logLines chan string

func (l logLines) Write(p []byte) (int, error) {
	select {
	case l <- string(p):
	default:
	}
	return len(p), nil
}

func requireLogLine(t *testing.T, lines logLines, message string) {
	t.Helper()
	for {
		line := testutil.RequireReceive(t, lines, 5*time.Second, "log line %q", message)
		if strings.Contains(line, message) {
			return
		}
	}
}
