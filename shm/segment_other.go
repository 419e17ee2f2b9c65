//go:build !unix

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shm

// A port to another OS substitutes its named shared-memory API here.

func Create(name string, size int) (*Segment, error) {
	return nil, ErrUnsupported
}

func CreateMode(name string, size int, perm uint32) (*Segment, error) {
	return nil, ErrUnsupported
}

func Attach(name string) (*Segment, error) {
	return nil, ErrUnsupported
}

func Unlink(name string) error {
	return ErrUnsupported
}

func Exists(name string) bool {
	return false
}

func (s *Segment) Stale() bool {
	return false
}

func unmap(mem []byte) error {
	return nil
}
