// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"bytes"
	"testing"

	"github.com/gogpu/interop/driver/software"
)

// newTestAccelerator returns an accelerator over a fresh software device.
func newTestAccelerator(t *testing.T) (*Accelerator, *software.Device) {
	t.Helper()
	dev := software.New()
	a, err := NewAccelerator(dev)
	if err != nil {
		t.Fatalf("NewAccelerator() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, dev
}

func newTestStream(t *testing.T, a *Accelerator) *Stream {
	t.Helper()
	s, err := a.NewStream()
	if err != nil {
		t.Fatalf("NewStream() error = %v", err)
	}
	return s
}

// newTestBuffer creates a buffer that is closed when the test ends.
func newTestBuffer(t *testing.T, a *Accelerator, dev *software.Device, w, h int, opts ...BufferOption) *Buffer {
	t.Helper()
	b, err := NewBuffer(a, dev, w, h, opts...)
	if err != nil {
		t.Fatalf("NewBuffer(%d, %d) error = %v", w, h, err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// readBack copies v to host memory and waits for it.
func readBack(t *testing.T, s *Stream, v Viewer) []byte {
	t.Helper()
	out := make([]byte, v.RawView().Len())
	if err := Copy(s, v, HostView(out)); err != nil {
		t.Fatalf("Copy(readback) error = %v", err)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	return out
}

func allBytes(b []byte, want byte) bool {
	return bytes.Count(b, []byte{want}) == len(b)
}
