// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package shm manages named shared-memory segments. A segment is created
// once by its owner, attached by any number of peers, and survives until
// it is explicitly unlinked; each process-local mapping is released with
// Close independently of the segment itself.
//
// Names follow POSIX shm_open conventions: a leading '/' and no other '/'.
// On Unix systems a segment is a file in the shm directory (/dev/shm, or
// the temp directory when that does not exist).
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MaxNameLen is the longest accepted segment name, including the '/'.
const MaxNameLen = 255

// DefaultPerm is the mode used for newly created segments.
const DefaultPerm = 0o600

var (
	ErrInvalidName  = errors.New("shm: invalid segment name")
	ErrNotFound     = errors.New("shm: segment not found")
	ErrExists       = errors.New("shm: segment already exists")
	ErrNotReady     = errors.New("shm: segment not sized yet")
	ErrSizeMismatch = errors.New("shm: size mismatch")
	ErrUnsupported  = errors.New("shm: shared memory not supported on this platform")
)

// IsNotReady reports whether err means the peer has not published the
// segment yet, which callers should treat as "retry later".
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotReady)
}

// ValidateName checks name against the POSIX naming rules.
func ValidateName(name string) error {
	switch {
	case len(name) < 2 || name[0] != '/':
		return fmt.Errorf("%w: %q must start with '/'", ErrInvalidName, name)
	case name == "/." || name == "/..":
		return fmt.Errorf("%w: %q names a directory", ErrInvalidName, name)
	case strings.ContainsRune(name[1:], '/'):
		return fmt.Errorf("%w: %q contains '/' after the prefix", ErrInvalidName, name)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidName, name, MaxNameLen)
	}
	return nil
}

// Segment is a process-local mapping of a named segment.
type Segment struct {
	name    string
	path    string
	mem     []byte
	created bool

	// Identity of the backing file, used to detect a replaced name.
	dev, ino uint64
}

// Name returns the segment name as passed to Create or Attach.
func (s *Segment) Name() string {
	return s.name
}

// Path returns the backing file path.
func (s *Segment) Path() string {
	return s.path
}

// Bytes returns the mapped region. The slice is valid until Close.
func (s *Segment) Bytes() []byte {
	return s.mem
}

// Size returns the mapped size in bytes.
func (s *Segment) Size() int {
	return len(s.mem)
}

// Created reports whether this process created the segment.
func (s *Segment) Created() bool {
	return s.created
}

// Close unmaps the region. It does not unlink the segment; peers keep
// their mappings and new attachments still succeed.
func (s *Segment) Close() error {
	if s.mem == nil {
		return nil
	}
	mem := s.mem
	s.mem = nil
	if err := unmap(mem); err != nil {
		return fmt.Errorf("shm: unmap %s: %w", s.name, err)
	}
	return nil
}

var (
	dirOnce sync.Once
	dir     string
)

// Dir returns the directory that holds segment files.
func Dir() string {
	dirOnce.Do(func() {
		if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
			dir = "/dev/shm"
			return
		}
		dir = os.TempDir()
	})
	return dir
}

// Path maps a segment name to its backing file.
func Path(name string) string {
	return filepath.Join(Dir(), strings.TrimPrefix(name, "/"))
}
