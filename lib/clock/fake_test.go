// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowMovesOnlyOnAdvance(t *testing.T) {
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	fake.Advance(3 * time.Second)
	if got := Since(fake, epoch); got != 3*time.Second {
		t.Errorf("Since(epoch) = %v, want 3s", got)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	fake := Fake(epoch)
	channel := fake.After(10 * time.Millisecond)

	fake.Advance(9 * time.Millisecond)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Millisecond)
	select {
	case got := <-channel:
		if want := epoch.Add(10 * time.Millisecond); !got.Equal(want) {
			t.Errorf("After delivered %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if fake.Pending() != 0 {
		t.Errorf("Pending() = %d after firing, want 0", fake.Pending())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(epoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not deliver immediately")
	}
	if fake.Pending() != 0 {
		t.Errorf("After(0) registered a waiter")
	}
}

func TestFakeSleepWakesAfterAdvance(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		fake.Sleep(time.Second)
		close(done)
	}()

	fake.WaitForWaiters(1)
	fake.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeTicker(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)

	fake.Advance(time.Second)
	<-ticker.C
	// Spanning three intervals delivers a single buffered tick.
	fake.Advance(3 * time.Second)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("ticker delivered more than one buffered tick")
	default:
	}

	ticker.Stop()
	fake.Advance(time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
	if fake.Pending() != 0 {
		t.Errorf("Pending() = %d after Stop, want 0", fake.Pending())
	}
}

func TestNewTickerPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewTicker(0) did not panic")
		}
	}()
	Fake(epoch).NewTicker(0)
}
