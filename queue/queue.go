// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package queue places a ring.Ring inside a named shared-memory segment.
//
// Two processes agree on a queue by name: the creator sizes the segment and
// formats the ring header, the attacher maps the same name and checks that
// the header matches the capacity and element type it expects. There is no
// other handshake. An attacher that finds nothing yet should retry; see
// IsNotReady.
package queue

import (
	"errors"
	"fmt"

	"github.com/luxfi/shmrpc/internal/logger"
	"github.com/luxfi/shmrpc/ring"
	"github.com/luxfi/shmrpc/shm"
)

// Role records how this process obtained the queue.
type Role int

const (
	RoleNone Role = iota
	RoleCreator
	RoleAttacher
)

func (r Role) String() string {
	switch r {
	case RoleCreator:
		return "creator"
	case RoleAttacher:
		return "attacher"
	default:
		return "none"
	}
}

var ErrInitialized = errors.New("queue: already initialized")

// IsNotReady reports whether an Init failure only means the creator has not
// published the segment yet.
func IsNotReady(err error) bool {
	return shm.IsNotReady(err)
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	tag string
}

// WithLayoutTag overrides the tag hashed into the ring header. Both sides
// must use the same tag; it defaults to the Go type name of T.
func WithLayoutTag(tag string) Option {
	return func(o *options) { o.tag = tag }
}

// Queue is one direction of a channel. Exactly one goroutine may enqueue
// and exactly one may dequeue; nothing checks this at runtime.
type Queue[T any] struct {
	opts   options
	name   string
	role   Role
	shared bool
	seg    *shm.Segment
	ring   *ring.Ring[T]
}

// New returns an uninitialized queue.
func New[T any](opts ...Option) *Queue[T] {
	q := &Queue[T]{}
	for _, opt := range opts {
		opt(&q.opts)
	}
	return q
}

// Create creates and formats a shared queue.
func Create[T any](name string, capacity uint64, opts ...Option) (*Queue[T], error) {
	q := New[T](opts...)
	if err := q.Init(name, capacity, true, true); err != nil {
		return nil, err
	}
	return q, nil
}

// Attach maps a shared queue formatted by another process.
func Attach[T any](name string, capacity uint64, opts ...Option) (*Queue[T], error) {
	q := New[T](opts...)
	if err := q.Init(name, capacity, true, false); err != nil {
		return nil, err
	}
	return q, nil
}

// NewLocal returns a heap-backed queue for use within one process.
func NewLocal[T any](name string, capacity uint64, opts ...Option) (*Queue[T], error) {
	q := New[T](opts...)
	if err := q.Init(name, capacity, false, true); err != nil {
		return nil, err
	}
	return q, nil
}

// Init sets the queue up. Without shared memory the ring lives on the heap
// and the name is informational. With shared memory a creator makes the
// segment and formats it, while an attacher maps an existing one and
// validates its layout. A nil error is success.
func (q *Queue[T]) Init(name string, capacity uint64, useSharedMemory, isCreator bool) error {
	if q.role != RoleNone {
		return fmt.Errorf("%w: %s", ErrInitialized, q.name)
	}
	if !ring.IsPowerOfTwo(capacity) || capacity > ring.MaxCapacity {
		return fmt.Errorf("queue: %s: %w", name, ring.ErrCapacity)
	}

	if !useSharedMemory {
		r, err := ring.New[T](capacity)
		if err != nil {
			return fmt.Errorf("queue: %s: %w", name, err)
		}
		q.name, q.ring, q.role = name, r, RoleCreator
		return nil
	}

	if err := shm.ValidateName(name); err != nil {
		return err
	}
	if isCreator {
		return q.create(name, capacity)
	}
	return q.attach(name, capacity)
}

func (q *Queue[T]) create(name string, capacity uint64) error {
	size := ring.RegionSize[T](capacity)
	seg, err := shm.Create(name, size)
	if err != nil {
		return err
	}
	r, err := ring.Format[T](seg.Bytes(), capacity, q.opts.tag)
	if err != nil {
		seg.Close()
		shm.Unlink(name)
		return fmt.Errorf("queue: format %s: %w", name, err)
	}
	q.name, q.seg, q.ring, q.shared, q.role = name, seg, r, true, RoleCreator
	logger.Debug("queue %s created: capacity=%d bytes=%d", name, capacity, size)
	return nil
}

func (q *Queue[T]) attach(name string, capacity uint64) error {
	seg, err := shm.Attach(name)
	if err != nil {
		return err
	}
	size := ring.RegionSize[T](capacity)
	if seg.Size() != size {
		seg.Close()
		return fmt.Errorf("queue: attach %s: %w: segment has %d bytes, expected %d",
			name, shm.ErrSizeMismatch, seg.Size(), size)
	}

	r, err := ring.Open[T](seg.Bytes(), capacity, q.opts.tag)
	if err != nil {
		seg.Close()
		if errors.Is(err, ring.ErrNotReady) {
			return fmt.Errorf("queue: attach %s: %w: %w", name, shm.ErrNotReady, err)
		}
		return fmt.Errorf("queue: attach %s: %w: %w", name, shm.ErrSizeMismatch, err)
	}
	q.name, q.seg, q.ring, q.shared, q.role = name, seg, r, true, RoleAttacher
	logger.Debug("queue %s attached: capacity=%d", name, capacity)
	return nil
}

// Name returns the name passed to Init.
func (q *Queue[T]) Name() string {
	return q.name
}

// Role returns RoleNone until Init succeeds.
func (q *Queue[T]) Role() Role {
	return q.role
}

// Shared reports whether the queue lives in shared memory.
func (q *Queue[T]) Shared() bool {
	return q.shared
}

// Enqueue returns false when the queue is full or not initialized.
func (q *Queue[T]) Enqueue(v T) bool {
	if q.ring == nil {
		return false
	}
	return q.ring.Enqueue(v)
}

// EnqueueFunc fills the next slot in place.
func (q *Queue[T]) EnqueueFunc(fill func(slot *T)) bool {
	if q.ring == nil {
		return false
	}
	return q.ring.EnqueueFunc(fill)
}

// Dequeue returns false when the queue is empty or not initialized.
func (q *Queue[T]) Dequeue() (T, bool) {
	if q.ring == nil {
		var zero T
		return zero, false
	}
	return q.ring.Dequeue()
}

// DequeueFunc reads the oldest slot in place.
func (q *Queue[T]) DequeueFunc(read func(slot *T)) bool {
	if q.ring == nil {
		return false
	}
	return q.ring.DequeueFunc(read)
}

// DequeueLatest returns the newest value and drops older ones.
func (q *Queue[T]) DequeueLatest() (T, bool) {
	if q.ring == nil {
		var zero T
		return zero, false
	}
	return q.ring.DequeueLatest()
}

func (q *Queue[T]) Len() uint64 {
	if q.ring == nil {
		return 0
	}
	return q.ring.Len()
}

func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

func (q *Queue[T]) Capacity() uint64 {
	if q.ring == nil {
		return 0
	}
	return q.ring.Capacity()
}

// State returns the ring counters, or a zero State before Init.
func (q *Queue[T]) State() ring.State {
	if q.ring == nil {
		return ring.State{}
	}
	return q.ring.State()
}

// Close releases the process-local mapping. The segment itself stays in
// place for the peer; removing it is Unlink's job. No other goroutine may
// be using the queue when Close is called.
func (q *Queue[T]) Close() error {
	q.ring = nil
	q.role = RoleNone
	if q.seg == nil {
		return nil
	}
	seg := q.seg
	q.seg = nil
	return seg.Close()
}

// Stale reports whether the segment name now refers to a different segment
// than the one mapped, or to none. Local queues are never stale.
func (q *Queue[T]) Stale() bool {
	if q.seg == nil {
		return false
	}
	return q.seg.Stale()
}

// Unlink removes the segment name from the system. It is a separate step
// from Close so that a peer never tears down state the other side still
// uses by accident.
func (q *Queue[T]) Unlink() error {
	if !q.shared {
		return nil
	}
	return shm.Unlink(q.name)
}
