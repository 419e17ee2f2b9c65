// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"context"
)

// Dial returns a client for channel once the server answers a heartbeat.
// Use NewClient to connect lazily instead.
func Dial(ctx context.Context, channel string, opts ...Option) (*Client, error) {
	c, err := NewClient(channel, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForConnection(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Listen creates the channel and starts serving it in the background.
// Handlers bound on the returned server take effect immediately.
func Listen(channel string, opts ...Option) (*Server, error) {
	s, err := NewServer(channel, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
