// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/interop/driver"
)

// lease ties views to one mapped interval. Unmap revokes it.
type lease struct {
	revoked atomic.Bool
}

func (l *lease) revoke() {
	if l != nil {
		l.revoked.Store(true)
	}
}

// View is a non-owning, dimensioned view of memory in one domain.
//
// Views of mapped interop memory expire on Unmap; transfers reject an
// expired view with ErrViewExpired. They also belong to the accelerator
// that mapped them, and transfers on another accelerator's stream fail
// with ErrUnsupportedDomain. Host and device views created with HostView,
// HostSlice and DeviceView do not expire and have no owner.
//
// The zero View is invalid.
type View struct {
	domain   driver.Domain
	ptr      driver.DevicePtr
	host     []byte
	length   int64
	width    int
	height   int
	elemSize int
	format   gputypes.TextureFormat
	lease    *lease
	owner    *Accelerator
}

// Viewer is implemented by every view type accepted by Fill and Copy.
type Viewer interface {
	RawView() View
}

// RawView returns v.
func (v View) RawView() View { return v }

// Domain returns the memory domain the view addresses.
func (v View) Domain() driver.Domain { return v.domain }

// Ptr returns the device address. Zero for host views.
func (v View) Ptr() driver.DevicePtr { return v.ptr }

// Host returns the host bytes of a host view, nil otherwise.
func (v View) Host() []byte { return v.host }

// Len returns the length in bytes.
func (v View) Len() int64 { return v.length }

// Width returns the width in elements.
func (v View) Width() int { return v.width }

// Height returns the height in rows.
func (v View) Height() int { return v.height }

// ElementSize returns the element size in bytes.
func (v View) ElementSize() int { return v.elemSize }

// Format returns the element format, or TextureFormatUndefined for raw memory.
func (v View) Format() gputypes.TextureFormat { return v.format }

// Valid reports whether the view addresses memory and has not expired.
func (v View) Valid() bool {
	if v.domain == driver.DomainUnknown {
		return false
	}
	return v.lease == nil || !v.lease.revoked.Load()
}

// Slice returns the n-byte sub-view starting at byte offset off. The
// result is one row of raw bytes and shares the parent's lease.
func (v View) Slice(off, n int64) (View, error) {
	if off < 0 || n < 0 || off+n > v.length {
		return View{}, fmt.Errorf("%w: slice [%d:%d] of %d-byte view", ErrLengthMismatch, off, off+n, v.length)
	}
	s := View{
		domain:   v.domain,
		length:   n,
		width:    int(n),
		height:   1,
		elemSize: 1,
		lease:    v.lease,
		owner:    v.owner,
	}
	if v.host != nil {
		s.host = v.host[off : off+n]
	} else {
		s.ptr = v.ptr + driver.DevicePtr(off)
	}
	return s, nil
}

func (v View) endpoint() driver.Endpoint {
	return driver.Endpoint{Domain: v.domain, Ptr: v.ptr, Host: v.host}
}

// HostView returns a view of host bytes.
func HostView(b []byte) View {
	return View{
		domain:   driver.DomainHost,
		host:     b,
		length:   int64(len(b)),
		width:    len(b),
		height:   1,
		elemSize: 1,
	}
}

// HostSlice returns a view of a host slice of numeric elements.
func HostSlice[T Element](s []T) View {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(s) == 0 {
		v := HostView(nil)
		v.elemSize = size
		return v
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*size)
	return View{
		domain:   driver.DomainHost,
		host:     b,
		length:   int64(len(b)),
		width:    len(s),
		height:   1,
		elemSize: size,
	}
}

// DeviceView returns a raw view of n bytes at ptr in domain. It is meant
// for memory the caller manages outside of interop registrations.
func DeviceView(domain driver.Domain, ptr driver.DevicePtr, n int64) View {
	return View{
		domain:   domain,
		ptr:      ptr,
		length:   n,
		width:    int(n),
		height:   1,
		elemSize: 1,
	}
}

// Element is the set of element types a typed view can hold.
type Element interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

// View2D is a typed, two-dimensional view with elements of type T.
type View2D[T Element] struct {
	View
}

// As2D types v with element type T. The size of T must equal the view's
// element size.
func As2D[T Element](v View) (View2D[T], error) {
	var zero T
	if size := int(unsafe.Sizeof(zero)); size != v.elemSize {
		return View2D[T]{}, fmt.Errorf("%w: %T is %d bytes, view elements are %d bytes", ErrLayoutMismatch, zero, size, v.elemSize)
	}
	return View2D[T]{View: v}, nil
}

// Stride returns the row pitch in bytes.
func (v View2D[T]) Stride() int64 {
	return int64(v.width) * int64(v.elemSize)
}

// Offset returns the byte offset of element (x, y).
func (v View2D[T]) Offset(x, y int) int64 {
	return int64(y)*v.Stride() + int64(x)*int64(v.elemSize)
}

// Row returns row y as a raw view.
func (v View2D[T]) Row(y int) (View, error) {
	if y < 0 || y >= v.height {
		return View{}, fmt.Errorf("%w: row %d of %d", ErrLengthMismatch, y, v.height)
	}
	return v.Slice(v.Offset(0, y), v.Stride())
}
