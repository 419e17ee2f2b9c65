// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/luxfi/shmrpc/internal/logger"
)

// Server consumes the request queue of one channel and answers on its
// response queue.
type Server struct {
	name     string
	cfg      Config
	ch       *Channel
	tr       transport
	owned    bool
	registry *Registry
	codec    Codec
	metrics  *serverMetrics
	tracer   trace.Tracer

	// respMu makes this process the single producer of the response queue
	// when handlers run on several workers.
	respMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewServer creates the channel's segments and returns a server for it.
// Handlers may be bound before or after the server starts.
func NewServer(channel string, opts ...Option) (*Server, error) {
	cfg := newConfig(opts)
	tr, err := lookupTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	ch, err := tr.listen(channel, &cfg)
	if err != nil {
		return nil, err
	}
	s := newServer(ch, cfg)
	s.tr, s.owned = tr, true
	return s, nil
}

// NewChannelServer serves a channel opened by the caller, who keeps
// ownership of it: Close stops the server but leaves ch mapped.
func NewChannelServer(ch *Channel, opts ...Option) *Server {
	return newServer(ch, newConfig(opts))
}

func newServer(ch *Channel, cfg Config) *Server {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Server{
		name:     ch.Name(),
		cfg:      cfg,
		ch:       ch,
		registry: registry,
		codec:    cfg.Codec,
		metrics:  newServerMetrics(meterFor(&cfg)),
		tracer:   tracerFor(&cfg),
	}
}

// Name returns the channel name.
func (s *Server) Name() string {
	return s.name
}

func (s *Server) Channel() *Channel {
	return s.ch
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Bind registers a raw handler. The last binding of a name wins.
func (s *Server) Bind(method string, h Handler) error {
	return s.registry.Bind(method, h)
}

// Running reports whether Run or Start is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Run serves requests until ctx is cancelled or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	ctx, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	s.serve(ctx, done)
	return nil
}

// Start runs the server in the background.
func (s *Server) Start() error {
	ctx, done, err := s.begin(context.Background())
	if err != nil {
		return err
	}
	go s.serve(ctx, done)
	return nil
}

// Stop ends Run or Start and waits until in-flight handlers return.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the server. If the server created its channel, Close unmaps
// it and, unless WithUnlinkOnClose(false) was given, removes the segments.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	if !s.owned {
		return nil
	}
	if s.tr.release != nil {
		s.tr.release(s.name, s.ch)
	}
	err := s.ch.Close()
	if s.cfg.UnlinkOnClose {
		err = errors.Join(err, s.ch.Unlink())
	}
	logger.Info("server %s closed", s.name)
	return err
}

func (s *Server) begin(parent context.Context) (context.Context, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	if s.done != nil {
		return nil, nil, ErrServerRunning
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel, s.done = cancel, make(chan struct{})
	return ctx, s.done, nil
}

func (s *Server) serve(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.cancel()
		s.cancel, s.done = nil, nil
		s.mu.Unlock()
		close(done)
	}()

	logger.Info("server %s running with %d workers", s.name, s.cfg.Workers)

	var (
		work chan RequestEnvelope
		wg   sync.WaitGroup
	)
	if s.cfg.Workers > 1 {
		work = make(chan RequestEnvelope, s.cfg.Workers)
		for i := 0; i < s.cfg.Workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for req := range work {
					s.handle(ctx, req)
				}
			}()
		}
	}

	idle := newBackoff(&s.cfg)
	for ctx.Err() == nil {
		var (
			req       RequestEnvelope
			decodeErr error
		)
		if !s.ch.req.DequeueFunc(func(slot *Slot) { decodeErr = req.UnmarshalSlot(slot) }) {
			idle.wait(ctx)
			continue
		}
		idle.reset()

		if decodeErr != nil {
			s.rejectMalformed(ctx, req, decodeErr)
			continue
		}
		if work == nil {
			s.handle(ctx, req)
			continue
		}
		select {
		case work <- req:
		case <-ctx.Done():
		}
	}

	if work != nil {
		close(work)
		wg.Wait()
	}
	logger.Info("server %s stopped", s.name)
}

func (s *Server) handle(ctx context.Context, req RequestEnvelope) {
	if req.Kind == KindHeartbeat {
		s.respond(ctx, "", ResponseEnvelope{Kind: KindHeartbeat, RequestID: req.RequestID})
		return
	}

	start := time.Now()
	var (
		out  []byte
		rerr *Error
	)
	payload, err := unpack(req.Payload, req.Flags)
	if err != nil {
		rerr = &Error{Code: StatusSerializationError, Method: req.Method, Message: err.Error()}
	} else {
		out, rerr = s.invoke(ctx, req.Method, payload)
	}

	code := StatusOK
	if rerr != nil {
		code = rerr.Code
	}
	s.metrics.handled(ctx, req.Method, start, code)

	if req.Kind == KindNotify {
		if rerr != nil {
			logger.Debug("notification %q failed: %v", req.Method, rerr)
		}
		return
	}

	resp := ResponseEnvelope{RequestID: req.RequestID}
	if rerr != nil {
		resp.Status = rerr.Code
		resp.Payload = encodeErrorPayload(req.RequestID, rerr)
	} else {
		resp.Payload, resp.Flags = pack(out, s.cfg.CompressThreshold)
	}
	s.respond(ctx, req.Method, resp)
}

// invoke runs the handler for method, converting panics into
// StatusUnknown.
func (s *Server) invoke(ctx context.Context, method string, payload []byte) (out []byte, rerr *Error) {
	h, ok := s.registry.Lookup(method)
	if !ok {
		return nil, &Error{Code: StatusMethodNotFound, Method: method, Message: fmt.Sprintf("no handler bound for %q", method)}
	}

	ctx, span := s.tracer.Start(ctx, "shmrpc.server/"+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrSystem, keyMethod.String(method), keyChannel.String(s.name)),
	)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("handler %q panicked: %v", method, p)
			out, rerr = nil, &Error{Code: StatusUnknown, Method: method, Message: fmt.Sprintf("handler panic: %v", p)}
		}
		if rerr != nil {
			span.SetStatus(otelcodes.Error, rerr.Error())
		}
		span.End()
	}()

	res, err := h(ctx, payload)
	if err != nil {
		return nil, handlerError(method, err)
	}
	return res, nil
}

// respond enqueues resp, retrying while the response queue is full for up
// to ResponseTimeout.
func (s *Server) respond(ctx context.Context, method string, resp ResponseEnvelope) {
	if len(resp.Payload) > MaxPayloadSize {
		e := sizeError(method, "response payload", len(resp.Payload), MaxPayloadSize)
		if resp.Status != StatusOK {
			// Keep the handler's code; only its message is lost.
			e = &Error{Code: resp.Status, Method: method}
		}
		resp = ResponseEnvelope{RequestID: resp.RequestID, Status: e.Code, Payload: encodeErrorPayload(resp.RequestID, e)}
	}
	var fillErr error
	fill := func(slot *Slot) {
		if fillErr = resp.MarshalSlot(slot); fillErr != nil {
			// A zero slot is rejected as malformed and carries no id.
			*slot = Slot{}
		}
	}

	s.respMu.Lock()
	defer s.respMu.Unlock()

	if !s.ch.rsp.EnqueueFunc(fill) {
		deadline := time.Now().Add(s.cfg.ResponseTimeout)
		b := newBackoff(&s.cfg)
		for !s.ch.rsp.EnqueueFunc(fill) {
			if !b.waitUntil(ctx, deadline) {
				s.metrics.dropped.Add(context.Background(), 1,
					metric.WithAttributes(attrSystem, keyMethod.String(metricMethod(method))))
				logger.Error("server %s: dropping response %d for %q: response queue full", s.name, resp.RequestID, method)
				return
			}
		}
	}
	if fillErr != nil {
		logger.Error("server %s: response %d for %q not encoded: %v", s.name, resp.RequestID, method, fillErr)
	}
}

func (s *Server) rejectMalformed(ctx context.Context, req RequestEnvelope, err error) {
	s.metrics.malformed.Add(ctx, 1, metric.WithAttributes(attrSystem))
	logger.Warn("server %s: malformed request %d: %v", s.name, req.RequestID, err)
	if req.RequestID == 0 || req.Kind == KindNotify {
		return
	}
	e := &Error{Code: StatusSerializationError, Method: req.Method, Message: err.Error()}
	s.respond(ctx, req.Method, ResponseEnvelope{
		RequestID: req.RequestID,
		Status:    e.Code,
		Payload:   encodeErrorPayload(req.RequestID, e),
	})
}
