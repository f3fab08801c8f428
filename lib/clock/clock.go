// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is an injectable source of time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for at least d.
	Sleep(d time.Duration)

	// NewTicker delivers the time on Ticker.C every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks. C has capacity 1; ticks that find
// it full are dropped.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Since returns the time elapsed on c since start.
func Since(c Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}
