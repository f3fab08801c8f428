// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source of the I/O dispatcher.
//
// The dispatcher reads the time to age queued block reads (the latency
// circuit breaker), to stamp request latencies, and to pace the
// unmount wait. Each of those goes through a [Clock] so tests can hold
// time still and move it explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	queue := newReadQueue(config, fake)
//	// ... push reads ...
//	fake.Advance(50 * time.Millisecond) // the oldest read is now late
//
// Goroutines that sleep on a fake clock register a waiter first; call
// [FakeClock.WaitForWaiters] before Advance so the sleep cannot miss
// the advance.
package clock
