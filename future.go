// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Future is the pending result of an AsyncCall. It completes exactly once,
// with the response, a timeout, or ErrClosed.
type Future struct {
	client *Client
	id     uint64
	method string
	start  time.Time
	ctx    context.Context
	span   trace.Span
	timer  *time.Timer
	done   chan struct{}

	// Set before done is closed.
	payload []byte
	err     error
}

func failedFuture(c *Client, method string, err error) *Future {
	f := &Future{client: c, method: method, done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// ID returns the request id, or zero if the request was never sent.
func (f *Future) ID() uint64 {
	return f.id
}

func (f *Future) Method() string {
	return f.method
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the result is available without blocking.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the call completes. If ctx ends first the call is
// abandoned and its eventual response discarded.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		if g := f.client.take(f.id); g != nil {
			f.client.recheck.Store(true)
			f.client.complete(g, nil, contextError(f.method, ctx.Err()))
		}
		<-f.done
	}
	return f.payload, f.err
}

// Result waits without a context; the call's own deadline still applies.
func (f *Future) Result() ([]byte, error) {
	return f.Wait(context.Background())
}

// Await waits for f and decodes its result into an R with the client's
// codec.
func Await[R any](ctx context.Context, f *Future) (R, error) {
	var reply R
	payload, err := f.Wait(ctx)
	if err != nil {
		return reply, err
	}
	if err := decodeInto(f.client.codec, payload, &reply); err != nil {
		return reply, &Error{Code: StatusSerializationError, Method: f.method, Message: fmt.Sprintf("decode reply: %v", err)}
	}
	return reply, nil
}
