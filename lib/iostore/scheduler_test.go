// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/testutil"
)

// stalledScheduler accepts tasks and never runs them, like a pool
// whose workers are all stuck on other work.
type stalledScheduler struct {
	mu       sync.Mutex
	handlers []func()
	busy     atomic.Bool
	launched chan *Task
}

func (s *stalledScheduler) Launch(fn func()) *Task {
	task := newTask(fn)
	s.launched <- task
	return task
}

func (s *stalledScheduler) Oversubscribed() bool { return s.busy.Load() }

func (s *stalledScheduler) OnOversubscribed(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *stalledScheduler) saturate() {
	s.busy.Store(true)
	s.mu.Lock()
	handlers := s.handlers
	s.mu.Unlock()
	for _, handler := range handlers {
		handler()
	}
}

func TestDispatcherRunsStalledDecodeItself(t *testing.T) {
	source := testutil.TextData(20_000)
	tocPath, _ := testutil.WriteContainer(t, "stalled", container.WriterOptions{
		Compression: container.CompressionZstd,
	}, testutil.Chunk{ID: chunkID(1), Data: source})

	scheduler := &stalledScheduler{launched: make(chan *Task, 16)}
	d := newTestDispatcherWithOptions(t, Options{Config: testConfig(), Scheduler: scheduler})
	mount(t, d, tocPath, 0, "")

	request := d.Read(ReadRequest{ChunkID: chunkID(1)})[0]
	task := testutil.RequireReceive(t, scheduler.launched, 5*time.Second, "decode task launch")
	select {
	case <-request.Done():
		t.Fatal("request completed while its decode task was stalled")
	case <-time.After(20 * time.Millisecond):
	}

	scheduler.saturate()
	requireData(t, d, request, source)
	if !task.Finished() {
		t.Error("stalled task was not run")
	}
	requireIdle(t, d)
}

func TestSynchronousDecodeSkipsScheduler(t *testing.T) {
	source := testutil.TextData(20_000)
	tocPath, _ := testutil.WriteContainer(t, "inline", container.WriterOptions{
		Compression: container.CompressionZstd,
	}, testutil.Chunk{ID: chunkID(1), Data: source})

	scheduler := &stalledScheduler{launched: make(chan *Task, 16)}
	config := testConfig()
	config.ForceSynchronousDecode = true
	d := newTestDispatcherWithOptions(t, Options{Config: config, Scheduler: scheduler})
	mount(t, d, tocPath, 0, "")

	requireData(t, d, d.Read(ReadRequest{ChunkID: chunkID(1)})[0], source)
	if len(scheduler.launched) != 0 {
		t.Errorf("%d decode tasks launched with synchronous decode forced", len(scheduler.launched))
	}
}
