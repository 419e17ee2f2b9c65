// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"context"
	"sort"
	"sync"

	"github.com/luxfi/shmrpc/internal/logger"
)

// Handler handles raw byte RPC calls
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps method names to handlers. It is safe for concurrent use
// and may be shared by several servers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Bind registers h under method. Binding a name again replaces the
// previous handler.
func (r *Registry) Bind(method string, h Handler) error {
	if method == "" {
		return Errorf(StatusInvalidArgs, "empty method name")
	}
	if len(method) > MaxMethodLen {
		return sizeError(method, "method name", len(method), MaxMethodLen)
	}
	if h == nil {
		return &Error{Code: StatusInvalidArgs, Method: method, Message: "nil handler"}
	}

	r.mu.Lock()
	_, replaced := r.handlers[method]
	r.handlers[method] = h
	r.mu.Unlock()

	if replaced {
		logger.Info("handler for %q replaced", method)
	}
	return nil
}

// Unbind removes method. It reports whether a handler was bound.
func (r *Registry) Unbind(method string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[method]
	delete(r.handlers, method)
	return ok
}

func (r *Registry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the bound names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BindFunc binds a typed handler on s. Arguments and results go through
// the server's codec; undecodable arguments fail with StatusInvalidArgs.
func BindFunc[A, R any](s *Server, method string, fn func(ctx context.Context, args A) (R, error)) error {
	codec := s.codec
	return s.Bind(method, func(ctx context.Context, payload []byte) ([]byte, error) {
		var args A
		if err := decodeInto(codec, payload, &args); err != nil {
			return nil, &Error{Code: StatusInvalidArgs, Method: method, Message: err.Error()}
		}
		reply, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		out, err := codec.Encode(reply)
		if err != nil {
			return nil, &Error{Code: StatusSerializationError, Method: method, Message: err.Error()}
		}
		return out, nil
	})
}
