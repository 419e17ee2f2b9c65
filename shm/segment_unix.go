//go:build unix

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shm

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Create makes a new segment of size bytes and maps it. It fails with
// ErrExists if the name is taken; callers that own the name may Unlink it
// first. The new region is zero-filled.
func Create(name string, size int) (*Segment, error) {
	return CreateMode(name, size, DefaultPerm)
}

// CreateMode is Create with explicit permission bits.
func CreateMode(name string, size int, perm uint32) (*Segment, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: cannot create %s with %d bytes", ErrSizeMismatch, name, size)
	}

	path := Path(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, perm)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("shm: create %s: %w: %w", name, ErrExists, err)
		}
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}
	defer unix.Close(fd)

	// Ensure the name does not outlive a failed create.
	cleanup := func() {
		unix.Unlink(path)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: resize %s to %d bytes: %w", name, size, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{
		name:    name,
		path:    path,
		mem:     mem,
		created: true,
		dev:     uint64(st.Dev),
		ino:     uint64(st.Ino),
	}, nil
}

// Attach maps an existing segment read/write. A missing segment yields
// ErrNotFound; one that exists but has not been sized by its creator yet
// yields ErrNotReady.
func Attach(name string) (*Segment, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	path := Path(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("shm: attach %s: %w: %w", name, ErrNotFound, err)
		}
		return nil, fmt.Errorf("shm: attach %s: %w", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}
	if st.Size == 0 {
		return nil, fmt.Errorf("shm: attach %s: %w", name, ErrNotReady)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{
		name: name,
		path: path,
		mem:  mem,
		dev:  uint64(st.Dev),
		ino:  uint64(st.Ino),
	}, nil
}

// Stale reports whether the name no longer refers to this mapping: it was
// unlinked, or unlinked and created again by another process.
func (s *Segment) Stale() bool {
	var st unix.Stat_t
	if err := unix.Stat(s.path, &st); err != nil {
		return errors.Is(err, unix.ENOENT)
	}
	return uint64(st.Dev) != s.dev || uint64(st.Ino) != s.ino
}

// Unlink removes the name. Existing mappings stay valid; new attachments
// fail. Unlinking a missing segment is not an error.
func Unlink(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := unix.Unlink(Path(name)); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("shm: unlink %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a segment with this name is present.
func Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	_, err := os.Stat(Path(name))
	return err == nil
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
