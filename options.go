// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Defaults
const (
	DefaultQueueSize       = 1024
	DefaultTimeout         = 5 * time.Second
	DefaultResponseTimeout = time.Second
	DefaultIdleSpin        = 64
	DefaultIdleSleep       = 100 * time.Microsecond
	DefaultMaxIdleSleep    = time.Millisecond
)

// Config is shared by clients and servers. Both ends of a channel must
// agree on the queue sizes and the transport.
type Config struct {
	Transport         string
	RequestQueueSize  uint64
	ResponseQueueSize uint64

	// DefaultTimeout bounds calls whose context has no deadline.
	DefaultTimeout time.Duration
	// ResponseTimeout bounds how long the server retries a full response
	// queue before dropping the response.
	ResponseTimeout time.Duration

	// Pollers spin IdleSpin times, then sleep from IdleSleep doubling up
	// to MaxIdleSleep.
	IdleSpin     int
	IdleSleep    time.Duration
	MaxIdleSleep time.Duration

	Workers           int
	RemoveStale       bool
	UnlinkOnClose     bool
	CompressThreshold int

	Codec          Codec
	Registry       *Registry
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		Transport:         DefaultTransport,
		RequestQueueSize:  DefaultQueueSize,
		ResponseQueueSize: DefaultQueueSize,
		DefaultTimeout:    DefaultTimeout,
		ResponseTimeout:   DefaultResponseTimeout,
		IdleSpin:          DefaultIdleSpin,
		IdleSleep:         DefaultIdleSleep,
		MaxIdleSleep:      DefaultMaxIdleSleep,
		Workers:           1,
		RemoveStale:       true,
		UnlinkOnClose:     true,
		Codec:             defaultCodec,
	}
}

// Option configures a client, server or channel
type Option func(*Config)

func newConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Codec == nil {
		cfg.Codec = defaultCodec
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxIdleSleep < cfg.IdleSleep {
		cfg.MaxIdleSleep = cfg.IdleSleep
	}
	return cfg
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) Option {
	return func(c *Config) { c.Transport = t }
}

// WithQueueSizes sets the request and response queue capacities in slots.
// Both must be powers of two.
func WithQueueSizes(request, response uint64) Option {
	return func(c *Config) {
		c.RequestQueueSize = request
		c.ResponseQueueSize = response
	}
}

// WithTimeout sets the deadline applied to calls without one
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.DefaultTimeout = d }
}

// WithResponseTimeout sets how long the server waits for room in the
// response queue.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Config) { c.ResponseTimeout = d }
}

// WithIdleBackoff tunes the empty-queue polling loop.
func WithIdleBackoff(spin int, sleep, maxSleep time.Duration) Option {
	return func(c *Config) {
		c.IdleSpin = spin
		c.IdleSleep = sleep
		c.MaxIdleSleep = maxSleep
	}
}

// WithWorkers runs handlers on n goroutines. With n == 1 handlers run on
// the polling goroutine and requests complete in arrival order.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithRemoveStale controls whether a server unlinks leftover segments of
// its channel before creating them.
func WithRemoveStale(remove bool) Option {
	return func(c *Config) { c.RemoveStale = remove }
}

// WithUnlinkOnClose controls whether Server.Close removes the segments.
func WithUnlinkOnClose(unlink bool) Option {
	return func(c *Config) { c.UnlinkOnClose = unlink }
}

// WithCompression zstd-compresses payloads of at least threshold bytes.
func WithCompression(threshold int) Option {
	return func(c *Config) { c.CompressThreshold = threshold }
}

// WithCodec sets a custom codec
func WithCodec(codec Codec) Option {
	return func(c *Config) { c.Codec = codec }
}

// WithRegistry serves handlers from r instead of a fresh registry.
func WithRegistry(r *Registry) Option {
	return func(c *Config) { c.Registry = r }
}

// WithMeterProvider sets the provider for call metrics. The global
// provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) { c.MeterProvider = mp }
}

// WithTracerProvider sets the provider for call spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) { c.TracerProvider = tp }
}
