// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"fmt"

	"github.com/gogpu/interop/driver"
)

// Fill enqueues a byte fill of dst on s. dst must be memory of the
// stream's accelerator.
func Fill(s *Stream, value byte, dst Viewer) error {
	if s == nil {
		return fmt.Errorf("%w: nil stream", ErrInvalidStream)
	}
	if err := s.accel.checkStream(s); err != nil {
		return err
	}
	v := dst.RawView()
	if !v.Valid() {
		return fmt.Errorf("%w: fill target", ErrViewExpired)
	}
	if own := s.accel.Domain(); v.domain != own {
		return fmt.Errorf("%w: cannot fill %s memory from a %s stream", ErrUnsupportedDomain, v.domain, own)
	}
	if err := s.accel.checkOwner(v, "fill target"); err != nil {
		return err
	}
	if v.length == 0 {
		return nil
	}
	if err := deviceError("memset", s.accel.drv.Memset(s.native, v.ptr, value, v.length)); err != nil {
		return err
	}
	Logger().Debug("interop: fill", "bytes", v.length, "value", value)
	return nil
}

// Copy enqueues a copy from src to dst on s. Each endpoint must be host
// memory or memory of the stream's accelerator, and both must have the
// same length. A failed Copy writes nothing.
func Copy(s *Stream, src, dst Viewer) error {
	if s == nil {
		return fmt.Errorf("%w: nil stream", ErrInvalidStream)
	}
	if err := s.accel.checkStream(s); err != nil {
		return err
	}
	sv, dv := src.RawView(), dst.RawView()
	if !sv.Valid() {
		return fmt.Errorf("%w: copy source", ErrViewExpired)
	}
	if !dv.Valid() {
		return fmt.Errorf("%w: copy target", ErrViewExpired)
	}
	own := s.accel.Domain()
	if err := checkCopyDomain(own, sv.domain, "source"); err != nil {
		return err
	}
	if err := checkCopyDomain(own, dv.domain, "target"); err != nil {
		return err
	}
	if err := s.accel.checkOwner(sv, "copy source"); err != nil {
		return err
	}
	if err := s.accel.checkOwner(dv, "copy target"); err != nil {
		return err
	}
	if sv.length != dv.length {
		return fmt.Errorf("%w: source is %d bytes, target is %d bytes", ErrLengthMismatch, sv.length, dv.length)
	}
	if sv.length == 0 {
		return nil
	}
	if err := deviceError("memcpy", s.accel.drv.MemcpyAsync(s.native, dv.endpoint(), sv.endpoint(), sv.length)); err != nil {
		return err
	}
	Logger().Debug("interop: copy", "bytes", sv.length, "from", sv.domain.String(), "to", dv.domain.String())
	return nil
}

func checkCopyDomain(own, d driver.Domain, side string) error {
	switch d {
	case driver.DomainHost, own:
		return nil
	case driver.DomainOpenCL:
		return fmt.Errorf("%w: copy %s is OpenCL memory", ErrUnsupportedDomain, side)
	default:
		return fmt.Errorf("%w: copy %s is %s memory, stream is %s", ErrUnsupportedDomain, side, d, own)
	}
}

// checkOwner rejects a mapped view of another accelerator. Same-domain
// accelerators hand out overlapping addresses, so the domain alone does
// not identify the memory.
func (a *Accelerator) checkOwner(v View, side string) error {
	if v.owner != nil && v.owner != a {
		return fmt.Errorf("%w: %s was mapped on another accelerator", ErrUnsupportedDomain, side)
	}
	return nil
}
