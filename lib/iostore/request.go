// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/iostore/lib/container"
)

// ReadRequest describes one logical chunk read.
type ReadRequest struct {
	ChunkID container.ChunkID

	// Offset and Size select a range of the chunk. Size zero reads to
	// the end of the chunk.
	Offset uint64
	Size   uint64

	// Priority orders disk reads; higher is served first.
	Priority int32

	// Destination receives the data when non-nil and must hold the
	// resolved size. Otherwise the dispatcher allocates the result.
	Destination []byte

	// Callback, if set, is called once after the request completes.
	// It usually runs on the dispatcher loop, but a request failed by
	// Close runs it on the goroutine calling Close, and a Read after
	// Close runs it on the caller of Read. It must not block.
	Callback func(*Request)
}

// Request is a submitted ReadRequest.
type Request struct {
	ReadRequest

	done   chan struct{}
	result []byte
	err    error

	// Owned by the dispatcher loop.
	resolved    *resolvedRequest
	submittedAt time.Time

	finished atomic.Bool
}

func newRequest(read ReadRequest, now time.Time) *Request {
	return &Request{ReadRequest: read, done: make(chan struct{}), submittedAt: now}
}

// Done returns a channel closed when the request has completed.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request completes or ctx is done. Returning
// because of ctx does not cancel the request.
func (r *Request) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the data read. Valid once Done is closed; data from
// a block whose signature did not verify is still delivered along
// with a SignatureError.
func (r *Request) Result() []byte {
	select {
	case <-r.done:
		return r.result
	default:
		return nil
	}
}

// Err returns the request's error, or nil if it succeeded or has not
// completed.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// claim marks the request finished. Only the caller that claims a
// request may deliver it.
func (r *Request) claim() bool {
	return r.finished.CompareAndSwap(false, true)
}

// deliver publishes the outcome of a claimed request and runs its
// callback.
func (r *Request) deliver(result []byte, err error) {
	r.result = result
	r.err = err
	close(r.done)
	if r.Callback != nil {
		r.Callback(r)
	}
}
