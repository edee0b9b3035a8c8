// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"errors"
	"fmt"

	"github.com/gogpu/interop/driver"
)

// Map hands the resource to the compute pipeline and returns a view of it.
// The view is valid until the next Unmap.
//
// Mapping again on the same stream returns the live view, or fails with
// ErrResourceBusy when strict mapping is on. Mapping on another stream
// while mapped fails with ErrResourceBusy.
func (r *Registration) Map(s *Stream) (View, error) {
	if err := r.accel.checkStream(s); err != nil {
		return View{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return View{}, fmt.Errorf("%w: %s is not registered", ErrRegistration, r.alloc)
	}
	if r.state == MappedToCompute {
		if r.stream != s {
			return View{}, fmt.Errorf("%w: %s is mapped on another stream", ErrResourceBusy, r.alloc)
		}
		if r.strict {
			return View{}, fmt.Errorf("%w: %s is already mapped", ErrResourceBusy, r.alloc)
		}
		return r.view, nil
	}

	drv := r.accel.drv
	if err := deviceError("map", drv.MapResources(r.res, s.native)); err != nil {
		return View{}, err
	}
	ptr, n, st := drv.MappedPointer(r.res)
	if !st.OK() || ptr == 0 {
		if st.OK() {
			st = driver.StatusInvalidValue
		}
		return View{}, errors.Join(&DeviceError{Op: "pointer", Status: st}, r.undoMap(s))
	}
	if want := r.alloc.ByteLength(); n != want {
		return View{}, errors.Join(&LayoutError{Want: want, Got: n}, r.undoMap(s))
	}

	r.lease = &lease{}
	r.view = View{
		domain:   drv.Domain(),
		ptr:      ptr,
		length:   n,
		width:    r.alloc.Width,
		height:   r.alloc.Height,
		elemSize: r.alloc.ElementSize(),
		format:   r.alloc.Format,
		lease:    r.lease,
		owner:    r.accel,
	}
	r.state = MappedToCompute
	r.stream = s
	s.mapped.Add(1)
	Logger().Debug("interop: mapped", "alloc", r.alloc.String(), "bytes", n)
	return r.view, nil
}

// undoMap returns the resource to graphics after a failed Map.
// Must be called with r.mu held.
func (r *Registration) undoMap(s *Stream) error {
	return deviceError("unmap", r.accel.drv.UnmapResources(r.res, s.native))
}

// Unmap returns the resource to the display pipeline, revokes the current
// view and refreshes the presented image. s must be the stream used by Map.
// Unmap of an unmapped resource is a no-op.
func (r *Registration) Unmap(s *Stream) error {
	if err := r.accel.checkStream(s); err != nil {
		return err
	}

	r.mu.Lock()
	if r.state == Unmapped {
		r.mu.Unlock()
		return nil
	}
	if r.stream != s {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s was mapped on a different stream", ErrInvalidStream, r.alloc)
	}
	if err := deviceError("unmap", r.accel.drv.UnmapResources(r.res, s.native)); err != nil {
		r.mu.Unlock()
		return err
	}
	r.lease.revoke()
	r.lease = nil
	r.view = View{}
	r.state = Unmapped
	r.stream = nil
	s.mapped.Add(-1)
	hook := r.onUnmap
	r.mu.Unlock()

	Logger().Debug("interop: unmapped", "alloc", r.alloc.String())
	if hook != nil {
		if err := hook(); err != nil {
			return fmt.Errorf("interop: refresh display after unmap: %w", err)
		}
	}
	return nil
}
