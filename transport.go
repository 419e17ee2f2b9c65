// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/shmrpc/shm"
)

// Transport types
const (
	TransportShm   = "shm"   // named shared-memory segments, default
	TransportLocal = "local" // heap queues shared inside one process
)

// DefaultTransport is the default transport type
const DefaultTransport = TransportShm

type openFunc func(name string, cfg *Config) (*Channel, error)

type transport struct {
	listen  openFunc
	dial    openFunc
	release func(name string, ch *Channel)
}

var transports = map[string]transport{
	TransportShm:   {listen: openServerChannel, dial: openClientChannel},
	TransportLocal: {listen: listenLocal, dial: dialLocal, release: releaseLocal},
}

func lookupTransport(name string) (transport, error) {
	t, ok := transports[name]
	if !ok {
		return transport{}, fmt.Errorf("unknown transport: %s", name)
	}
	return t, nil
}

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := transports[name]
	return ok
}

// The local transport keeps a process-wide namespace of heap channels
// that mirrors the shared-memory namespace, so that servers and clients in
// one process find each other by channel name.
var (
	localMu       sync.Mutex
	localChannels = map[string]*Channel{}
)

func listenLocal(name string, cfg *Config) (*Channel, error) {
	if err := ValidateChannelName(name); err != nil {
		return nil, err
	}
	localMu.Lock()
	defer localMu.Unlock()
	if _, ok := localChannels[name]; ok && !cfg.RemoveStale {
		return nil, fmt.Errorf("shmrpc: local channel %s: %w", name, shm.ErrExists)
	}
	ch, err := NewLocalChannel(name, cfg.RequestQueueSize, cfg.ResponseQueueSize)
	if err != nil {
		return nil, err
	}
	localChannels[name] = ch
	return ch, nil
}

func dialLocal(name string, cfg *Config) (*Channel, error) {
	localMu.Lock()
	defer localMu.Unlock()
	ch, ok := localChannels[name]
	if !ok {
		return nil, fmt.Errorf("shmrpc: local channel %s: %w", name, shm.ErrNotFound)
	}
	if ch.req.Capacity() != cfg.RequestQueueSize || ch.rsp.Capacity() != cfg.ResponseQueueSize {
		return nil, fmt.Errorf("shmrpc: local channel %s: %w", name, shm.ErrSizeMismatch)
	}
	return ch, nil
}

func releaseLocal(name string, ch *Channel) {
	localMu.Lock()
	defer localMu.Unlock()
	if localChannels[name] == ch {
		delete(localChannels, name)
	}
}
