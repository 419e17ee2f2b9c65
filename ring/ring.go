// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ring implements a bounded single-producer/single-consumer ring
// of fixed-size slots that lives entirely inside a caller-supplied memory
// region. The region holds no Go pointers, so it can be a shared-memory
// mapping seen by two processes.
//
// Region layout (host byte order):
//
//	0x00  magic        u64  "SPSCRNG1", stored last by the creator
//	0x08  version      u32
//	0x0C  elemSize     u32
//	0x10  capacity     u64  slot count, power of two
//	0x18  fingerprint  u64  layout hash (tag, elemSize, version)
//	0x40  writeSeq     u64  producer only
//	0x80  readSeq      u64  consumer only
//	0xC0  slots        capacity * elemSize bytes
//
// The producer fills a slot and then stores writeSeq; the consumer loads
// writeSeq before reading the slot, and the same pairing applies to
// readSeq in the other direction. Using one Ring from two producers or two
// consumers is not supported.
package ring

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"
)

const (
	// Magic marks a published header ("SPSCRNG1" little-endian).
	Magic uint64 = 0x31474E5243535053

	// Version is bumped whenever the header or slot layout changes.
	Version uint32 = 1

	// HeaderSize is the number of bytes in front of the first slot.
	HeaderSize = 192

	// MaxCapacity bounds the slot count so region sizes cannot overflow.
	MaxCapacity = 1 << 30

	offMagic       = 0x00
	offVersion     = 0x08
	offElemSize    = 0x0C
	offCapacity    = 0x10
	offFingerprint = 0x18
	offWriteSeq    = 0x40
	offReadSeq     = 0x80
)

var (
	ErrCapacity       = errors.New("ring: capacity must be a power of two in [1, MaxCapacity]")
	ErrElemSize       = errors.New("ring: element type has zero size")
	ErrPointerType    = errors.New("ring: element type must not contain pointers")
	ErrRegionTooSmall = errors.New("ring: region too small for layout")
	ErrMisaligned     = errors.New("ring: region is not 8-byte aligned")
	ErrNotReady       = errors.New("ring: header not published yet")
	ErrLayoutMismatch = errors.New("ring: layout mismatch")
)

// State is a snapshot of the ring counters for diagnostics.
type State struct {
	Capacity uint64
	WriteSeq uint64
	ReadSeq  uint64
	Len      uint64
}

// Ring is a view over a formatted region. A Ring value keeps producer and
// consumer caches, so each side should own its own Ring when the region is
// shared between processes.
type Ring[T any] struct {
	mem      []byte
	writeSeq *uint64
	readSeq  *uint64
	slots    []T
	mask     uint64
	capacity uint64

	cachedRead  uint64 // producer side
	_           [56]byte
	cachedWrite uint64 // consumer side
}

// IsPowerOfTwo returns true if n is a power of two
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// RegionSize returns the number of bytes a ring of capacity slots of T needs.
func RegionSize[T any](capacity uint64) int {
	var zero T
	return HeaderSize + int(capacity)*int(unsafe.Sizeof(zero))
}

// DefaultTag is the layout tag used when the caller passes an empty one.
func DefaultTag[T any]() string {
	return reflect.TypeFor[T]().String()
}

// New allocates a process-local region and formats it.
func New[T any](capacity uint64) (*Ring[T], error) {
	if err := checkCapacity(capacity); err != nil {
		return nil, err
	}
	size := RegionSize[T](capacity)
	// Back the region with uint64 words so the counters are aligned.
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return Format[T](mem, capacity, "")
}

// Format initializes mem as an empty ring and publishes its header. It is
// called once, by whoever created the region.
func Format[T any](mem []byte, capacity uint64, tag string) (*Ring[T], error) {
	r, err := bind[T](mem, capacity)
	if err != nil {
		return nil, err
	}
	if tag == "" {
		tag = DefaultTag[T]()
	}

	clear(mem[:RegionSize[T](capacity)])
	*r.u32(offVersion) = Version
	*r.u32(offElemSize) = r.elemSize()
	*r.u64(offCapacity) = capacity
	*r.u64(offFingerprint) = Fingerprint(tag, r.elemSize())
	atomic.StoreUint64(r.writeSeq, 0)
	atomic.StoreUint64(r.readSeq, 0)

	// Attachers treat a zero magic as "not ready", so it goes last.
	atomic.StoreUint64(r.u64(offMagic), Magic)
	r.syncCaches()
	return r, nil
}

// Open validates an already formatted region against the caller's
// expected capacity, element size and tag.
func Open[T any](mem []byte, capacity uint64, tag string) (*Ring[T], error) {
	r, err := bind[T](mem, capacity)
	if err != nil {
		return nil, err
	}
	if tag == "" {
		tag = DefaultTag[T]()
	}

	magic := atomic.LoadUint64(r.u64(offMagic))
	if magic == 0 {
		return nil, ErrNotReady
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrLayoutMismatch, magic)
	}
	if v := *r.u32(offVersion); v != Version {
		return nil, fmt.Errorf("%w: version %d, expected %d", ErrLayoutMismatch, v, Version)
	}
	if es := *r.u32(offElemSize); es != r.elemSize() {
		return nil, fmt.Errorf("%w: element size %d, expected %d", ErrLayoutMismatch, es, r.elemSize())
	}
	if c := *r.u64(offCapacity); c != capacity {
		return nil, fmt.Errorf("%w: capacity %d, expected %d", ErrLayoutMismatch, c, capacity)
	}
	if fp := *r.u64(offFingerprint); fp != Fingerprint(tag, r.elemSize()) {
		return nil, fmt.Errorf("%w: fingerprint %#x does not match tag %q", ErrLayoutMismatch, fp, tag)
	}
	r.syncCaches()
	return r, nil
}

func bind[T any](mem []byte, capacity uint64) (*Ring[T], error) {
	if err := checkCapacity(capacity); err != nil {
		return nil, err
	}
	var zero T
	if unsafe.Sizeof(zero) == 0 {
		return nil, ErrElemSize
	}
	if hasPointers(reflect.TypeFor[T]()) {
		return nil, fmt.Errorf("%w: %s", ErrPointerType, reflect.TypeFor[T]())
	}
	need := RegionSize[T](capacity)
	if len(mem) < need {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrRegionTooSmall, len(mem), need)
	}
	base := unsafe.Pointer(&mem[0])
	if uintptr(base)%8 != 0 {
		return nil, ErrMisaligned
	}

	r := &Ring[T]{
		mem:      mem,
		mask:     capacity - 1,
		capacity: capacity,
	}
	r.writeSeq = r.u64(offWriteSeq)
	r.readSeq = r.u64(offReadSeq)
	r.slots = unsafe.Slice((*T)(unsafe.Add(base, HeaderSize)), capacity)
	return r, nil
}

func checkCapacity(capacity uint64) error {
	if !IsPowerOfTwo(capacity) || capacity > MaxCapacity {
		return fmt.Errorf("%w: got %d", ErrCapacity, capacity)
	}
	return nil
}

func (r *Ring[T]) u64(off uintptr) *uint64 {
	return (*uint64)(unsafe.Add(unsafe.Pointer(&r.mem[0]), off))
}

func (r *Ring[T]) u32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Add(unsafe.Pointer(&r.mem[0]), off))
}

func (r *Ring[T]) elemSize() uint32 {
	var zero T
	return uint32(unsafe.Sizeof(zero))
}

func (r *Ring[T]) syncCaches() {
	r.cachedRead = atomic.LoadUint64(r.readSeq)
	r.cachedWrite = atomic.LoadUint64(r.writeSeq)
}

// Capacity returns the slot count.
func (r *Ring[T]) Capacity() uint64 {
	return r.capacity
}

// Enqueue copies v into the next free slot. It returns false without
// blocking when the ring is full.
func (r *Ring[T]) Enqueue(v T) bool {
	return r.EnqueueFunc(func(slot *T) { *slot = v })
}

// EnqueueFunc lets the producer fill the next free slot in place. fill must
// not retain the pointer.
func (r *Ring[T]) EnqueueFunc(fill func(slot *T)) bool {
	w := atomic.LoadUint64(r.writeSeq)
	if w-r.cachedRead >= r.capacity {
		// Looks full from the cached value; refresh before giving up.
		r.cachedRead = atomic.LoadUint64(r.readSeq)
		if w-r.cachedRead >= r.capacity {
			return false
		}
	}
	fill(&r.slots[w&r.mask])
	atomic.StoreUint64(r.writeSeq, w+1)
	return true
}

// Dequeue removes the oldest value.
func (r *Ring[T]) Dequeue() (T, bool) {
	var v T
	ok := r.DequeueFunc(func(slot *T) { v = *slot })
	return v, ok
}

// DequeueFunc hands the oldest slot to read and then releases it. read must
// not retain the pointer.
func (r *Ring[T]) DequeueFunc(read func(slot *T)) bool {
	rd := atomic.LoadUint64(r.readSeq)
	if rd == r.cachedWrite {
		r.cachedWrite = atomic.LoadUint64(r.writeSeq)
		if rd == r.cachedWrite {
			return false
		}
	}
	read(&r.slots[rd&r.mask])
	atomic.StoreUint64(r.readSeq, rd+1)
	return true
}

// DequeueLatest returns the newest value and discards everything older.
// Skipped entries are lost; this is meant for consumers that only track
// current state.
func (r *Ring[T]) DequeueLatest() (T, bool) {
	var v T
	rd := atomic.LoadUint64(r.readSeq)
	w := atomic.LoadUint64(r.writeSeq)
	r.cachedWrite = w
	if rd == w {
		return v, false
	}
	v = r.slots[(w-1)&r.mask]
	atomic.StoreUint64(r.readSeq, w)
	return v, true
}

// Len returns the number of buffered values. It is exact only when called
// from the producer or the consumer while the other side is idle.
func (r *Ring[T]) Len() uint64 {
	rd := atomic.LoadUint64(r.readSeq)
	w := atomic.LoadUint64(r.writeSeq)
	if n := w - rd; n <= r.capacity {
		return n
	}
	return r.capacity
}

// Empty reports whether no values are buffered.
func (r *Ring[T]) Empty() bool {
	return r.Len() == 0
}

// State returns a snapshot of the ring counters.
func (r *Ring[T]) State() State {
	rd := atomic.LoadUint64(r.readSeq)
	w := atomic.LoadUint64(r.writeSeq)
	return State{
		Capacity: r.capacity,
		WriteSeq: w,
		ReadSeq:  rd,
		Len:      w - rd,
	}
}

// hasPointers reports whether values of t hold anything the garbage
// collector would have to trace. Such values cannot live in foreign memory.
func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
