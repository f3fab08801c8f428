// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"sync"
	"sync/atomic"
)

// Scheduler runs decode work off the dispatcher loop.
type Scheduler interface {
	// Launch schedules fn and returns its task. fn runs exactly once,
	// on a worker or inline through Task.TryRunNow.
	Launch(fn func()) *Task

	// Oversubscribed reports whether every worker is busy. The
	// dispatcher then decodes inline rather than queue more work.
	Oversubscribed() bool

	// OnOversubscribed registers fn to be called whenever a launch
	// finds every worker busy.
	OnOversubscribed(fn func())
}

const (
	taskPending int32 = iota
	taskRunning
	taskDone
)

// Task is one unit of scheduled work.
type Task struct {
	fn    func()
	state atomic.Int32
	done  chan struct{}
}

func newTask(fn func()) *Task {
	return &Task{fn: fn, done: make(chan struct{})}
}

// TryRunNow runs the task on the calling goroutine if no worker has
// claimed it. It reports whether it ran the task.
func (t *Task) TryRunNow() bool {
	return t.run()
}

func (t *Task) run() bool {
	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		return false
	}
	defer func() {
		t.state.Store(taskDone)
		close(t.done)
	}()
	t.fn()
	return true
}

// Done returns a channel closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Finished reports whether the task has run to completion.
func (t *Task) Finished() bool { return t.state.Load() == taskDone }

// Wait blocks until the task has finished.
func (t *Task) Wait() { <-t.done }

// TaskPool is a fixed-size worker pool implementing Scheduler.
type TaskPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*Task
	workers  int
	busy     int
	closed   bool
	handlers []func()
	wg       sync.WaitGroup
}

// NewTaskPool starts workers goroutines.
func NewTaskPool(workers int) *TaskPool {
	if workers < 1 {
		workers = 1
	}
	pool := &TaskPool{workers: workers}
	pool.cond = sync.NewCond(&pool.mu)
	pool.wg.Add(workers)
	for range workers {
		go pool.work()
	}
	return pool
}

func (p *TaskPool) work() {
	defer p.wg.Done()
	p.mu.Lock()
	for {
		for len(p.pending) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.busy++
		p.mu.Unlock()

		task.run()

		p.mu.Lock()
		p.busy--
	}
}

// Launch queues fn. Launching on a closed pool runs fn inline.
func (p *TaskPool) Launch(fn func()) *Task {
	task := newTask(fn)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		task.run()
		return task
	}
	p.pending = append(p.pending, task)
	oversubscribed := p.busy >= p.workers
	var handlers []func()
	if oversubscribed {
		handlers = p.handlers
	}
	p.cond.Signal()
	p.mu.Unlock()
	for _, handler := range handlers {
		handler()
	}
	return task
}

func (p *TaskPool) Oversubscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy >= p.workers
}

func (p *TaskPool) OnOversubscribed(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, fn)
}

// Close runs every queued task and stops the workers.
func (p *TaskPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
