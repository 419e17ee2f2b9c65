// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/luxfi/shmrpc/internal/logger"
	"github.com/luxfi/shmrpc/queue"
	"github.com/luxfi/shmrpc/ring"
	"github.com/luxfi/shmrpc/shm"
)

const (
	segmentPrefix = "/shmrpc_"

	// MaxChannelNameLen leaves room for the prefix and suffix inside
	// shm.MaxNameLen.
	MaxChannelNameLen = shm.MaxNameLen - len(segmentPrefix) - len("_req")
)

// RequestSegmentName is the segment carrying requests for channel name.
func RequestSegmentName(name string) string {
	return segmentPrefix + name + "_req"
}

// ResponseSegmentName is the segment carrying responses for channel name.
func ResponseSegmentName(name string) string {
	return segmentPrefix + name + "_rsp"
}

// ValidateChannelName rejects names that cannot be embedded in a segment
// name.
func ValidateChannelName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidChannelName)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains '/' or NUL", ErrInvalidChannelName, name)
	case len(name) > MaxChannelNameLen:
		return fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidChannelName, name, MaxChannelNameLen)
	}
	return nil
}

// Channel pairs the request and response queues of one channel name. The
// server side enqueues responses and dequeues requests; the client side
// does the opposite.
type Channel struct {
	name  string
	local bool
	role  queue.Role
	req   *queue.Queue[Slot]
	rsp   *queue.Queue[Slot]
}

// OpenServerChannel creates both segments of a channel. Unless disabled
// with WithRemoveStale(false), segments left behind by a previous server
// are unlinked first.
func OpenServerChannel(name string, opts ...Option) (*Channel, error) {
	cfg := newConfig(opts)
	return openServerChannel(name, &cfg)
}

// OpenClientChannel attaches to both segments of a channel. Until the
// server has published them the error satisfies queue.IsNotReady.
func OpenClientChannel(name string, opts ...Option) (*Channel, error) {
	cfg := newConfig(opts)
	return openClientChannel(name, &cfg)
}

func openServerChannel(name string, cfg *Config) (*Channel, error) {
	if err := ValidateChannelName(name); err != nil {
		return nil, err
	}
	reqName, rspName := RequestSegmentName(name), ResponseSegmentName(name)
	if cfg.RemoveStale {
		for _, seg := range []string{reqName, rspName} {
			if shm.Exists(seg) {
				logger.Info("removing stale segment %s", seg)
				if err := shm.Unlink(seg); err != nil {
					return nil, err
				}
			}
		}
	}

	tag := queue.WithLayoutTag(slotLayoutTag)
	req, err := queue.Create[Slot](reqName, cfg.RequestQueueSize, tag)
	if err != nil {
		return nil, fmt.Errorf("shmrpc: channel %s: %w", name, err)
	}
	rsp, err := queue.Create[Slot](rspName, cfg.ResponseQueueSize, tag)
	if err != nil {
		req.Close()
		req.Unlink()
		return nil, fmt.Errorf("shmrpc: channel %s: %w", name, err)
	}
	logger.Info("channel %s created: request=%d response=%d slots", name, cfg.RequestQueueSize, cfg.ResponseQueueSize)
	return &Channel{name: name, role: queue.RoleCreator, req: req, rsp: rsp}, nil
}

func openClientChannel(name string, cfg *Config) (*Channel, error) {
	if err := ValidateChannelName(name); err != nil {
		return nil, err
	}
	tag := queue.WithLayoutTag(slotLayoutTag)
	req, err := queue.Attach[Slot](RequestSegmentName(name), cfg.RequestQueueSize, tag)
	if err != nil {
		return nil, fmt.Errorf("shmrpc: channel %s: %w", name, err)
	}
	rsp, err := queue.Attach[Slot](ResponseSegmentName(name), cfg.ResponseQueueSize, tag)
	if err != nil {
		req.Close()
		return nil, fmt.Errorf("shmrpc: channel %s: %w", name, err)
	}
	return &Channel{name: name, role: queue.RoleAttacher, req: req, rsp: rsp}, nil
}

// NewLocalChannel builds a channel on the heap for a client and server in
// the same process.
func NewLocalChannel(name string, requestSize, responseSize uint64) (*Channel, error) {
	req, err := queue.NewLocal[Slot](name+"_req", requestSize)
	if err != nil {
		return nil, err
	}
	rsp, err := queue.NewLocal[Slot](name+"_rsp", responseSize)
	if err != nil {
		return nil, err
	}
	return &Channel{name: name, local: true, role: queue.RoleCreator, req: req, rsp: rsp}, nil
}

func (c *Channel) Name() string {
	return c.name
}

// Local reports whether the queues live on the heap.
func (c *Channel) Local() bool {
	return c.local
}

func (c *Channel) Role() queue.Role {
	return c.role
}

// State snapshots both queues.
func (c *Channel) State() (request, response ring.State) {
	return c.req.State(), c.rsp.State()
}

// Stale reports whether a server has removed or replaced either segment
// since this channel attached to it.
func (c *Channel) Stale() bool {
	if c.local {
		return false
	}
	return c.req.Stale() || c.rsp.Stale()
}

// Close unmaps both queues. Heap channels are left to the garbage
// collector since both ends hold the same queues.
func (c *Channel) Close() error {
	if c.local {
		return nil
	}
	return errors.Join(c.req.Close(), c.rsp.Close())
}

// Unlink removes both segment names.
func (c *Channel) Unlink() error {
	if c.local {
		return nil
	}
	return errors.Join(
		shm.Unlink(RequestSegmentName(c.name)),
		shm.Unlink(ResponseSegmentName(c.name)),
	)
}
