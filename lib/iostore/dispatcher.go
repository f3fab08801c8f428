// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/iostore/lib/clock"
	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/secret"
)

// Options configures a Dispatcher. Zero fields select defaults.
type Options struct {
	// Config holds the tuning settings. The zero Config selects
	// DefaultConfig.
	Config Config

	Clock  clock.Clock
	Logger *slog.Logger

	// Scheduler runs decode work. When nil the dispatcher starts a
	// TaskPool of Config.TaskWorkers workers and closes it on Close.
	Scheduler Scheduler

	// Registerer receives the dispatcher's metrics. When nil they are
	// registered with a registry private to the dispatcher, available
	// from Gatherer.
	Registerer prometheus.Registerer
}

// Dispatcher serves chunk reads from mounted containers. All methods
// are safe for concurrent use.
type Dispatcher struct {
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics
	gatherer prometheus.Gatherer

	pool  *BufferPool
	cache *blockCache
	queue *readQueue

	scheduler Scheduler
	ownedPool *TaskPool
	slots     *semaphore.Weighted

	readersMu  sync.RWMutex
	containers []*mountedContainer

	keysMu sync.Mutex
	keys   map[string]*secret.Buffer

	nextFile     atomic.Uint32
	nextInstance atomic.Uint32

	inboxMu sync.Mutex
	inbox   []command

	tickMu sync.Mutex

	// processMu serializes passes of the dispatcher loop, whether
	// driven by run or by Tick.
	processMu sync.Mutex
	tracker   *tracker
	tasks     []*Task
	ready     []*encodedBlock

	completedMu sync.Mutex
	completed   []*rawBlock

	decodedMu sync.Mutex
	decoded   []*encodedBlock

	activeDecodes atomic.Int32
	scratch       sync.Pool

	liveRequests atomic.Int64
	liveEncoded  atomic.Int64
	liveRaw      atomic.Int64

	signatureMu       sync.Mutex
	signatureHandlers []func(SignatureError)

	wake        chan struct{}
	serviceWake chan struct{}

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type commandKind uint8

const (
	commandSubmit commandKind = iota
	commandCancel
	commandPriority
)

type command struct {
	kind     commandKind
	requests []*Request
	priority int32
}

// New creates a dispatcher and, in multithreaded mode, starts its
// goroutines.
func New(options Options) (*Dispatcher, error) {
	config := options.Config
	if config == (Config{}) {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	d := &Dispatcher{
		config:      config,
		clock:       options.Clock,
		logger:      options.Logger,
		metrics:     newMetrics(),
		scheduler:   options.Scheduler,
		slots:       semaphore.NewWeighted(int64(config.DecompressionWorkers)),
		keys:        make(map[string]*secret.Buffer),
		wake:        make(chan struct{}, 1),
		serviceWake: make(chan struct{}, 1),
	}

	registerer := options.Registerer
	if registerer == nil {
		registry := prometheus.NewRegistry()
		registerer = registry
		d.gatherer = registry
	} else if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		d.gatherer = gatherer
	}
	if err := d.metrics.register(registerer); err != nil {
		return nil, fmt.Errorf("registering dispatcher metrics: %w", err)
	}

	pool, err := NewBufferPool(config.BufferMemory, config.ReadBufferSize)
	if err != nil {
		return nil, err
	}
	pool.onFree = d.notifyService
	pool.gauge = func(inUse int) { d.metrics.buffersInUse.Set(float64(inUse)) }
	d.pool = pool
	d.cache = newBlockCache(config.CacheMemory, config.ReadBufferSize, d.metrics)
	d.queue = newReadQueue(config, d.clock, d.metrics)
	d.tracker = &tracker{
		encoded:        make(map[BlockKey]*encodedBlock),
		raw:            make(map[BlockKey]*rawBlock),
		requests:       make(map[*resolvedRequest]struct{}),
		readBufferSize: config.ReadBufferSize,
		queue:          d.queue,
		pool:           pool,
		metrics:        d.metrics,
		liveRequests:   &d.liveRequests,
		liveEncoded:    &d.liveEncoded,
		liveRaw:        &d.liveRaw,
	}

	if config.Multithreaded {
		if d.scheduler == nil {
			d.ownedPool = NewTaskPool(config.TaskWorkers)
			d.scheduler = d.ownedPool
		}
		d.scheduler.OnOversubscribed(d.notify)

		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.wg.Add(2)
		go d.run(ctx)
		go d.serve(ctx)
	}
	return d, nil
}

// Gatherer returns the registry holding the dispatcher's metrics, or
// nil when Options.Registerer was not a Gatherer.
func (d *Dispatcher) Gatherer() prometheus.Gatherer { return d.gatherer }

// Read submits a batch of reads and returns immediately. The batch is
// resolved as a unit, so reads of the same blocks in one batch share
// disk reads and decodes.
func (d *Dispatcher) Read(reads ...ReadRequest) []*Request {
	now := d.clock.Now()
	requests := make([]*Request, len(reads))
	for i, read := range reads {
		requests[i] = newRequest(read, now)
	}
	d.metrics.requestsSubmitted.Add(float64(len(requests)))
	if d.closed.Load() {
		for _, request := range requests {
			d.failUnresolved(request, ErrClosed, causeClosed)
		}
		return requests
	}
	d.post(command{kind: commandSubmit, requests: requests})
	return requests
}

// ReadChunk reads a whole chunk and waits for the result.
func (d *Dispatcher) ReadChunk(ctx context.Context, id container.ChunkID) ([]byte, error) {
	return d.ReadAndWait(ctx, ReadRequest{ChunkID: id})
}

// ReadAndWait submits one read and waits for it. In single-threaded
// mode it drives the dispatcher itself. If ctx ends first the request
// is cancelled.
func (d *Dispatcher) ReadAndWait(ctx context.Context, read ReadRequest) ([]byte, error) {
	request := d.Read(read)[0]
	if !d.config.Multithreaded {
		d.RunUntilIdle()
	}
	data, err := request.Wait(ctx)
	if ctx.Err() != nil {
		d.Cancel(request)
	}
	return data, err
}

// Cancel withdraws a request. Reads already in progress cannot be
// stopped: a request whose reads have all started still completes,
// with its data if every part of it was read. Once any part of it is
// withdrawn the request completes with ErrCancelled.
func (d *Dispatcher) Cancel(request *Request) {
	if request.finished.Load() {
		return
	}
	d.post(command{kind: commandCancel, requests: []*Request{request}})
}

// UpdatePriority raises the priority of a request's reads that have
// not started. Lowering priority has no effect.
func (d *Dispatcher) UpdatePriority(request *Request, priority int32) {
	if request.finished.Load() {
		return
	}
	d.post(command{kind: commandPriority, requests: []*Request{request}, priority: priority})
}

// OnSignatureError registers a handler called for every block that
// fails signature verification. Handlers run on the goroutine that
// verified the block and must not block.
func (d *Dispatcher) OnSignatureError(handler func(SignatureError)) {
	d.signatureMu.Lock()
	defer d.signatureMu.Unlock()
	d.signatureHandlers = append(d.signatureHandlers, handler)
}

func (d *Dispatcher) reportSignatureError(event SignatureError) {
	d.metrics.signatureErrors.Inc()
	d.logger.Warn("block signature mismatch",
		"container", event.ContainerName,
		"block", event.BlockIndex,
		"expected", event.Expected.String(),
		"actual", event.Actual.String(),
	)
	d.signatureMu.Lock()
	handlers := d.signatureHandlers
	d.signatureMu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

// Stats returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	stats := d.metrics.snapshot()
	stats.BuffersFree = d.pool.FreeCount()
	stats.BuffersCapacity = d.pool.Capacity()
	stats.CachedBlocks = d.cache.Len()
	stats.LiveRequests = d.liveRequests.Load()
	stats.LiveEncodedBlocks = d.liveEncoded.Load()
	stats.LiveRawBlocks = d.liveRaw.Load()
	return stats
}

// Close stops the dispatcher. Requests still in flight complete with
// ErrClosed, every container is unmounted and registered keys are
// closed.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
		d.wg.Wait()
	}

	d.processMu.Lock()
	for _, task := range d.tasks {
		if !task.TryRunNow() {
			task.Wait()
		}
	}
	d.tasks = nil
	d.inboxMu.Lock()
	inbox := d.inbox
	d.inbox = nil
	d.inboxMu.Unlock()
	for _, cmd := range inbox {
		if cmd.kind == commandSubmit {
			for _, request := range cmd.requests {
				d.failUnresolved(request, ErrClosed, causeClosed)
			}
		}
	}
	for r := range d.tracker.requests {
		if !r.cancelled {
			r.cancelled = true
			d.failUnresolved(r.request, ErrClosed, causeClosed)
		}
	}
	d.processMu.Unlock()

	d.readersMu.Lock()
	containers := d.containers
	d.containers = nil
	d.readersMu.Unlock()
	for _, mount := range containers {
		d.unmount(mount)
		mount.closeKey()
	}

	if d.ownedPool != nil {
		d.ownedPool.Close()
	}
	d.keysMu.Lock()
	for id, key := range d.keys {
		key.Close()
		delete(d.keys, id)
	}
	d.keysMu.Unlock()
	return d.pool.Close()
}

// post appends a command to the inbox and wakes the loop. Once Close
// has started, submitted requests fail with ErrClosed instead.
func (d *Dispatcher) post(cmd command) {
	d.inboxMu.Lock()
	if d.closed.Load() {
		d.inboxMu.Unlock()
		if cmd.kind == commandSubmit {
			for _, request := range cmd.requests {
				d.failUnresolved(request, ErrClosed, causeClosed)
			}
		}
		return
	}
	d.inbox = append(d.inbox, cmd)
	d.inboxMu.Unlock()
	d.notify()
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) notifyService() {
	select {
	case d.serviceWake <- struct{}{}:
	default:
	}
}

// run is the dispatcher loop.
func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		d.process()
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
	}
}

// Tick runs one pass of the dispatcher on the calling goroutine: it
// resolves submitted requests, performs every disk read the buffer
// pool allows and processes finished reads and decodes. It reports
// whether the pass made progress. Tick is how single-threaded
// dispatchers do their work.
func (d *Dispatcher) Tick() bool {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()
	progress := d.process()
	if d.serviceReads(nil) {
		progress = true
	}
	if d.process() {
		progress = true
	}
	return progress
}

// RunUntilIdle calls Tick until a pass makes no progress.
func (d *Dispatcher) RunUntilIdle() {
	for d.Tick() {
	}
}

// process handles everything the loop has been woken for. It reports
// whether any work was done.
func (d *Dispatcher) process() bool {
	d.processMu.Lock()
	defer d.processMu.Unlock()
	progress := false

	d.inboxMu.Lock()
	inbox := d.inbox
	d.inbox = nil
	d.inboxMu.Unlock()
	for _, cmd := range inbox {
		progress = true
		switch cmd.kind {
		case commandSubmit:
			d.resolve(cmd.requests)
		case commandCancel:
			d.cancelRequest(cmd.requests[0])
		case commandPriority:
			if r := cmd.requests[0].resolved; r != nil {
				d.tracker.updatePriority(r, cmd.priority)
			}
		}
	}

	d.completedMu.Lock()
	completed := d.completed
	d.completed = nil
	d.completedMu.Unlock()
	for _, raw := range completed {
		progress = true
		d.ready = d.tracker.completeRaw(raw, d.ready)
	}

	d.decodedMu.Lock()
	decoded := d.decoded
	d.decoded = nil
	d.decodedMu.Unlock()
	for _, block := range decoded {
		progress = true
		d.finalize(block)
	}

	for len(d.tasks) > 0 && d.tasks[0].Finished() {
		d.tasks[0] = nil
		d.tasks = d.tasks[1:]
	}
	if d.activeDecodes.Load() == 0 && len(d.tasks) > 0 && d.scheduler.Oversubscribed() {
		// Every worker is busy with something else; run the oldest
		// decode task here so the pipeline keeps moving.
		// A task a worker has already claimed stays listed until it
		// finishes so Close still waits for it.
		if d.tasks[0].TryRunNow() {
			progress = true
			d.tasks[0] = nil
			d.tasks = d.tasks[1:]
			d.notify()
		}
	}

	if d.decodeReady() {
		progress = true
	}
	return progress
}

// resolve turns a submitted batch into tracked requests.
func (d *Dispatcher) resolve(requests []*Request) {
	d.readersMu.RLock()
	defer d.readersMu.RUnlock()
	for _, request := range requests {
		mount, location, ok := d.resolveLocked(request.ChunkID)
		if !ok {
			d.failUnresolved(request, fmt.Errorf("chunk %s: %w", request.ChunkID, ErrNotFound), causeNotFound)
			continue
		}
		if request.Offset > location.Length {
			d.failUnresolved(request, fmt.Errorf("chunk %s: offset %d past length %d: %w",
				request.ChunkID, request.Offset, location.Length, ErrInvalidRange), causeInvalidRange)
			continue
		}
		size := location.Length - request.Offset
		if request.Size != 0 {
			size = min(request.Size, size)
		}
		if request.Destination != nil && uint64(len(request.Destination)) < size {
			d.failUnresolved(request, fmt.Errorf("chunk %s: destination holds %d bytes, read needs %d: %w",
				request.ChunkID, len(request.Destination), size, ErrInvalidRange), causeInvalidRange)
			continue
		}
		if size == 0 {
			result := request.Destination
			if result == nil {
				result = []byte{}
			}
			d.succeed(request, result[:0])
			continue
		}

		r := &resolvedRequest{
			request:   request,
			container: mount,
			offset:    location.Offset + request.Offset,
			size:      size,
			priority:  request.Priority,
		}
		if request.Destination != nil {
			r.buffer = request.Destination[:size]
		}
		request.resolved = r
		d.tracker.readBlocks(r)
	}
	d.notifyService()
}

func (d *Dispatcher) cancelRequest(request *Request) {
	r := request.resolved
	if r == nil || request.finished.Load() {
		return
	}
	if d.tracker.cancel(r) {
		r.cancelled = true
		d.tracker.release(r)
		d.failUnresolved(request, ErrCancelled, causeCancelled)
	}
	d.notifyService()
}

// Metrics are recorded before delivery so a caller woken by the
// request sees them.

func (d *Dispatcher) succeed(request *Request, result []byte) {
	if !request.claim() {
		return
	}
	d.metrics.requestsCompleted.Inc()
	d.metrics.requestBytes.Add(float64(len(result)))
	d.metrics.requestLatency.Observe(clock.Since(d.clock, request.submittedAt).Seconds())
	request.deliver(result, nil)
}

func (d *Dispatcher) failUnresolved(request *Request, err error, cause string) {
	d.failWithResult(request, nil, err, cause)
}

func (d *Dispatcher) failWithResult(request *Request, result []byte, err error, cause string) {
	if !request.claim() {
		return
	}
	d.metrics.requestsFailed.WithLabelValues(cause).Inc()
	d.metrics.requestLatency.Observe(clock.Since(d.clock, request.submittedAt).Seconds())
	request.deliver(result, err)
}
