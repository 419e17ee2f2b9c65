// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/luxfi/shmrpc/internal/logger"
	"github.com/luxfi/shmrpc/queue"
)

// Caller is the transport-agnostic call surface. Application code that
// only makes calls should depend on it rather than on *Client.
type Caller interface {
	// Call makes a synchronous RPC call
	Call(ctx context.Context, method string, args, reply interface{}) error

	// CallRaw makes a call with raw bytes
	CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error)

	// Notify sends a one-way message (no response expected)
	Notify(ctx context.Context, method string, args interface{}) error

	// Close releases the caller
	Close() error
}

var _ Caller = (*Client)(nil)

// Client issues calls on one channel. It attaches lazily: constructing a
// client never fails because the server is not up yet, and every call
// keeps retrying the attach until its own deadline.
//
// If the server restarts, calls on the old segments time out; the first
// call after such a timeout notices the replaced segments and attaches to
// the new ones.
//
// A Client is safe for concurrent use. It is the only producer of the
// request queue and the only consumer of the response queue, so at most
// one Client may be attached to a channel at a time.
type Client struct {
	name    string
	cfg     Config
	codec   Codec
	tr      transport
	owned   bool
	metrics *clientMetrics
	tracer  trace.Tracer

	connMu     sync.Mutex
	ch         *Channel
	stopReader context.CancelFunc
	readerDone chan struct{}
	// recheck is set when a call times out; the next call then verifies
	// that the server has not been restarted under a new segment.
	recheck atomic.Bool

	// sendMu serializes producers of the request queue.
	sendMu sync.Mutex
	closed atomic.Bool

	pendingMu sync.Mutex
	pending   map[uint64]*Future

	nextID atomic.Uint64
}

// NewClient returns a client for channel. No segment is touched until the
// first call or WaitForConnection.
func NewClient(channel string, opts ...Option) (*Client, error) {
	cfg := newConfig(opts)
	if err := ValidateChannelName(channel); err != nil {
		return nil, err
	}
	tr, err := lookupTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	c := newClient(channel, cfg)
	c.tr, c.owned = tr, true
	return c, nil
}

// NewChannelClient issues calls on a channel opened by the caller, who
// keeps ownership of it.
func NewChannelClient(ch *Channel, opts ...Option) *Client {
	c := newClient(ch.Name(), newConfig(opts))
	c.connMu.Lock()
	c.attached(ch)
	c.connMu.Unlock()
	return c
}

func newClient(name string, cfg Config) *Client {
	c := &Client{
		name:    name,
		cfg:     cfg,
		codec:   cfg.Codec,
		metrics: newClientMetrics(meterFor(&cfg)),
		tracer:  tracerFor(&cfg),
		pending: make(map[uint64]*Future),
	}
	// Ids start from a random epoch so that a restarted client does not
	// reuse the ids of responses still sitting in the queue.
	c.nextID.Store(uint64(rand.Uint32()) << 32)
	return c
}

// Name returns the channel name.
func (c *Client) Name() string {
	return c.name
}

// Connected reports whether the client has attached to the channel.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.ch != nil
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// WaitForConnection attaches to the channel and completes one heartbeat
// round trip with the server. Without a ctx deadline it gives up after
// the configured default timeout.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ctx, cancel := context.WithDeadline(ctx, c.deadline(ctx))
	defer cancel()
	_, err := c.start(ctx, KindHeartbeat, "", nil).Wait(ctx)
	return err
}

// Call makes a synchronous RPC call
func (c *Client) Call(ctx context.Context, method string, args, reply interface{}) error {
	var payload []byte
	if args != nil {
		var err error
		if payload, err = c.codec.Encode(args); err != nil {
			return &Error{Code: StatusSerializationError, Method: method, Message: fmt.Sprintf("encode args: %v", err)}
		}
	}

	resp, err := c.CallRaw(ctx, method, payload)
	if err != nil {
		return err
	}

	if reply != nil && len(resp) > 0 {
		if err := c.codec.Decode(resp, reply); err != nil {
			return &Error{Code: StatusSerializationError, Method: method, Message: fmt.Sprintf("decode reply: %v", err)}
		}
	}
	return nil
}

// CallRaw makes a call with raw bytes
func (c *Client) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return c.AsyncCallRaw(ctx, method, payload).Wait(ctx)
}

// AsyncCall encodes args, sends the request and returns without waiting
// for the response. The call's deadline is taken from ctx when it has one.
func (c *Client) AsyncCall(ctx context.Context, method string, args interface{}) *Future {
	var payload []byte
	if args != nil {
		var err error
		if payload, err = c.codec.Encode(args); err != nil {
			return failedFuture(c, method,
				&Error{Code: StatusSerializationError, Method: method, Message: fmt.Sprintf("encode args: %v", err)})
		}
	}
	return c.AsyncCallRaw(ctx, method, payload)
}

// AsyncCallRaw is AsyncCall with a pre-encoded payload. It blocks only
// while the channel is not attached yet or the request queue is full.
func (c *Client) AsyncCallRaw(ctx context.Context, method string, payload []byte) *Future {
	if method == "" {
		return failedFuture(c, method, Errorf(StatusInvalidArgs, "empty method name"))
	}
	return c.start(ctx, KindRequest, method, payload)
}

// Notify sends a one-way message (no response expected)
func (c *Client) Notify(ctx context.Context, method string, args interface{}) error {
	var payload []byte
	if args != nil {
		var err error
		if payload, err = c.codec.Encode(args); err != nil {
			return &Error{Code: StatusSerializationError, Method: method, Message: fmt.Sprintf("encode args: %v", err)}
		}
	}
	env, err := c.envelope(KindNotify, method, payload)
	if err != nil {
		return err
	}
	deadline := c.deadline(ctx)
	ch, err := c.connectUntil(ctx, deadline)
	if err != nil {
		return err
	}
	env.RequestID = c.nextID.Add(1)
	return c.enqueue(ctx, ch, env, deadline, nil)
}

// Close fails every pending call with ErrClosed and detaches from the
// channel. The segments are left for the server to remove.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	// Wait out a producer that is mid-enqueue.
	c.sendMu.Lock()
	c.sendMu.Unlock()

	c.connMu.Lock()
	ch, stop, readerDone := c.ch, c.stopReader, c.readerDone
	c.connMu.Unlock()
	if stop != nil {
		stop()
		<-readerDone
	}

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*Future)
	c.pendingMu.Unlock()
	for _, f := range pending {
		f.timer.Stop()
		c.complete(f, nil, ErrClosed)
	}

	if ch != nil && c.owned {
		return ch.Close()
	}
	return nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.cfg.DefaultTimeout)
}

func (c *Client) envelope(kind Kind, method string, payload []byte) (*RequestEnvelope, error) {
	if len(method) > MaxMethodLen {
		return nil, sizeError(method, "method name", len(method), MaxMethodLen)
	}
	packed, flags := pack(payload, c.cfg.CompressThreshold)
	if len(packed) > MaxPayloadSize {
		return nil, sizeError(method, "payload", len(packed), MaxPayloadSize)
	}
	return &RequestEnvelope{Kind: kind, Method: method, Flags: flags, Payload: packed}, nil
}

// start sends one request and returns its future. Every failure is
// reported through the future.
func (c *Client) start(ctx context.Context, kind Kind, method string, payload []byte) *Future {
	deadline := c.deadline(ctx)
	f := &Future{
		client: c,
		method: method,
		start:  time.Now(),
		done:   make(chan struct{}),
	}
	f.ctx, f.span = c.tracer.Start(ctx, "shmrpc.client/"+metricMethod(method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrSystem, keyMethod.String(method), keyChannel.String(c.name)),
	)
	c.metrics.begin(f.ctx, method)

	if c.closed.Load() {
		c.complete(f, nil, ErrClosed)
		return f
	}
	env, err := c.envelope(kind, method, payload)
	if err != nil {
		c.complete(f, nil, err)
		return f
	}
	ch, err := c.connectUntil(ctx, deadline)
	if err != nil {
		c.complete(f, nil, err)
		return f
	}

	f.id = c.nextID.Add(1)
	env.RequestID = f.id
	c.register(f, deadline)
	if err := c.enqueue(ctx, ch, env, deadline, f.done); err != nil {
		if g := c.take(f.id); g != nil {
			c.complete(g, nil, err)
		}
	}
	return f
}

// enqueue copies env into the request queue, retrying while it is full.
// It gives up at the deadline or once done is closed by the timeout path.
func (c *Client) enqueue(ctx context.Context, ch *Channel, env *RequestEnvelope, deadline time.Time, done <-chan struct{}) error {
	var fillErr error
	fill := func(slot *Slot) {
		if fillErr = env.MarshalSlot(slot); fillErr != nil {
			// A zero slot is rejected as malformed and never answered.
			*slot = Slot{}
		}
	}
	var b *backoff
	for {
		c.sendMu.Lock()
		if c.closed.Load() {
			c.sendMu.Unlock()
			return ErrClosed
		}
		ok := ch.req.EnqueueFunc(fill)
		c.sendMu.Unlock()
		if ok {
			return fillErr
		}

		select {
		case <-done:
			return nil
		default:
		}
		if b == nil {
			b = newBackoff(&c.cfg)
		}
		if !b.waitUntil(ctx, deadline) {
			if err := ctx.Err(); err != nil {
				return contextError(env.Method, err)
			}
			return timeoutError(env.Method)
		}
	}
}

func (c *Client) register(f *Future, deadline time.Time) {
	id := f.id
	c.pendingMu.Lock()
	c.pending[id] = f
	f.timer = time.AfterFunc(time.Until(deadline), func() { c.expire(id) })
	c.pendingMu.Unlock()
}

// take removes id from the pending table. Whoever takes an entry owns its
// completion; everyone else gets nil.
func (c *Client) take(id uint64) *Future {
	c.pendingMu.Lock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return nil
	}
	f.timer.Stop()
	return f
}

func (c *Client) expire(id uint64) {
	if f := c.take(id); f != nil {
		c.recheck.Store(true)
		logger.Debug("client %s: call %d (%s) timed out", c.name, id, f.method)
		c.complete(f, nil, timeoutError(f.method))
	}
}

func (c *Client) complete(f *Future, payload []byte, err error) {
	f.payload, f.err = payload, err
	c.metrics.end(f.ctx, f.method, f.start, err)
	if err != nil {
		f.span.SetStatus(otelcodes.Error, err.Error())
	}
	f.span.End()
	close(f.done)
}

func (c *Client) connect() (*Channel, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.ch != nil {
		if !c.owned || !c.recheck.Swap(false) || !c.ch.Stale() {
			return c.ch, nil
		}
		logger.Info("client %s: channel segments were replaced, attaching again", c.name)
		c.detach()
	}
	ch, err := c.tr.dial(c.name, &c.cfg)
	if err != nil {
		return nil, err
	}
	c.attached(ch)
	logger.Info("client attached to channel %s", c.name)
	return ch, nil
}

// attached records ch and starts the response reader. connMu must be held.
func (c *Client) attached(ch *Channel) {
	ctx, cancel := context.WithCancel(context.Background())
	c.ch = ch
	c.stopReader = cancel
	c.readerDone = make(chan struct{})
	go c.readLoop(ctx, ch, c.readerDone)
}

// detach stops the reader and unmaps the current channel. Calls still
// pending on it end through their timers. connMu must be held.
func (c *Client) detach() {
	c.stopReader()
	<-c.readerDone

	// No producer may be inside the old mapping while it is unmapped.
	c.sendMu.Lock()
	if err := c.ch.Close(); err != nil {
		logger.Warn("client %s: detach: %v", c.name, err)
	}
	c.sendMu.Unlock()

	c.ch, c.stopReader, c.readerDone = nil, nil, nil
}

// connectUntil retries the attach while the server has not published the
// channel yet.
func (c *Client) connectUntil(ctx context.Context, deadline time.Time) (*Channel, error) {
	var b *backoff
	for {
		ch, err := c.connect()
		if err == nil {
			return ch, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		if !queue.IsNotReady(err) {
			return nil, &Error{Code: StatusConnectionError, Message: "attach failed", Err: err}
		}
		if b == nil {
			b = newBackoff(&c.cfg)
		}
		if !b.waitUntil(ctx, deadline) {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, contextError("", ctxErr)
			}
			return nil, &Error{Code: StatusConnectionError, Message: "server not available", Err: err}
		}
	}
}

// readLoop is the single consumer of the response queue.
func (c *Client) readLoop(ctx context.Context, ch *Channel, done chan struct{}) {
	defer close(done)
	idle := newBackoff(&c.cfg)
	for ctx.Err() == nil {
		var (
			resp      ResponseEnvelope
			decodeErr error
		)
		if !ch.rsp.DequeueFunc(func(slot *Slot) { decodeErr = resp.UnmarshalSlot(slot) }) {
			idle.wait(ctx)
			continue
		}
		idle.reset()

		if decodeErr != nil {
			logger.Warn("client %s: malformed response %d: %v", c.name, resp.RequestID, decodeErr)
			if f := c.take(resp.RequestID); f != nil {
				c.complete(f, nil, &Error{Code: StatusSerializationError, Method: f.method, Message: decodeErr.Error()})
			}
			continue
		}
		c.deliver(resp)
	}
}

func (c *Client) deliver(resp ResponseEnvelope) {
	f := c.take(resp.RequestID)
	if f == nil {
		c.metrics.late.Add(context.Background(), 1, metric.WithAttributes(attrSystem))
		logger.Debug("client %s: discarding response %d: call already ended", c.name, resp.RequestID)
		return
	}
	if resp.Status != StatusOK {
		c.complete(f, nil, decodeErrorPayload(resp.Status, f.method, resp.Payload))
		return
	}
	payload, err := unpack(resp.Payload, resp.Flags)
	if err != nil {
		c.complete(f, nil, &Error{Code: StatusSerializationError, Method: f.method, Message: err.Error()})
		return
	}
	c.complete(f, payload, nil)
}

// contextError reports a call abandoned because ctx ended.
func contextError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(method)
	}
	return fmt.Errorf("shmrpc: %s: %w", metricMethod(method), err)
}

// Invoke calls method and decodes the result into an R.
func Invoke[R any](ctx context.Context, c *Client, method string, args interface{}) (R, error) {
	return Await[R](ctx, c.AsyncCall(ctx, method, args))
}
