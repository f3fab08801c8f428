// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	source := testutil.RandomData(30, 2500)
	tocPath, _ := testutil.WriteContainer(t, "metrics", container.WriterOptions{
		CompressionBlockSize: 1024,
	}, testutil.Chunk{ID: chunkID(1), Data: source})

	registry := prometheus.NewRegistry()
	d := newTestDispatcherWithOptions(t, Options{Config: testConfig(), Registerer: registry})
	if d.Gatherer() != registry {
		t.Fatal("Gatherer is not the supplied registry")
	}
	mount(t, d, tocPath, 0, "")
	requireData(t, d, d.Read(ReadRequest{ChunkID: chunkID(1)})[0], source)

	if got := promtestutil.ToFloat64(d.metrics.requestsCompleted); got != 1 {
		t.Errorf("requests_completed_total = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(d.metrics.diskReads); got != 3 {
		t.Errorf("disk_reads_total = %v, want 3", got)
	}
	if got := promtestutil.ToFloat64(d.metrics.bytesScattered); got != 2500 {
		t.Errorf("scattered_bytes_total = %v, want 2500", got)
	}
	if got := promtestutil.ToFloat64(d.metrics.mountedContainers); got != 1 {
		t.Errorf("mounted_containers = %v, want 1", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "bureau_iostore_disk_reads_total" {
			found = true
		}
	}
	if !found {
		t.Error("bureau_iostore_disk_reads_total not gathered")
	}

	// A second dispatcher cannot share the registry.
	if _, err := New(Options{Config: testConfig(), Registerer: registry}); err == nil {
		t.Error("second New on the same registry succeeded")
	}
}

func TestStatsCountFailures(t *testing.T) {
	d := newTestDispatcher(t, testConfig())
	request := d.Read(ReadRequest{ChunkID: chunkID(5)})[0]
	if _, err := wait(t, d, request); err == nil {
		t.Fatal("read of a missing chunk succeeded")
	}
	stats := d.Stats()
	if stats.RequestsSubmitted != 1 || stats.RequestsFailed != 1 || stats.RequestsCompleted != 0 {
		t.Errorf("stats = %+v, want one submitted and one failed", stats)
	}
	if got := promtestutil.ToFloat64(d.metrics.requestsFailed.WithLabelValues(causeNotFound)); got != 1 {
		t.Errorf("not_found failures = %v, want 1", got)
	}
}
