// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

// DeviceMemory is device memory that supports the transfer primitives.
// Buffer implements it.
type DeviceMemory interface {
	// Fill enqueues a byte fill of the whole memory on s.
	Fill(s *Stream, value byte) error

	// CopyFrom enqueues a copy from src into the memory on s.
	CopyFrom(s *Stream, src Viewer) error

	// CopyTo enqueues a copy of the memory into dst on s.
	CopyTo(s *Stream, dst Viewer) error

	// Close releases the memory.
	Close() error
}

var _ DeviceMemory = (*Buffer)(nil)
