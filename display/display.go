// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package display defines the graphics-side collaborator of an interop buffer.
//
// A [Display] owns graphics allocations (pixel buffers) and the sampled images
// that present them. The interop layer asks a Display to allocate memory,
// registers that memory with a compute driver, and hands it back to the
// Display for release once the registration is gone. A Display must never
// touch an allocation while the interop layer reports it as mapped to compute.
package display

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

// Common display errors.
var (
	// ErrInvalidDimensions is returned when width or height is not positive.
	ErrInvalidDimensions = errors.New("display: invalid dimensions")

	// ErrUnsupportedFormat is returned for element formats without a fixed texel size.
	ErrUnsupportedFormat = errors.New("display: unsupported element format")

	// ErrUnknownAllocation is returned when an allocation was not created by this display.
	ErrUnknownAllocation = errors.New("display: unknown allocation")

	// ErrReleased is returned when operating on a released allocation or image.
	ErrReleased = errors.New("display: resource has been released")

	// ErrBusy is returned when the display pipeline touches memory owned by compute.
	ErrBusy = errors.New("display: allocation is mapped to compute")

	// ErrStillRegistered is returned when releasing an allocation that a compute
	// driver still holds a registration for.
	ErrStillRegistered = errors.New("display: allocation is still registered with a compute driver")
)

// AllocationID identifies a graphics allocation. IDs are unique for the
// lifetime of the process, across all displays.
type AllocationID uint64

var allocationIDs atomic.Uint64

// NextAllocationID returns a fresh process-wide allocation ID.
// Display implementations call it once per Allocate.
func NextAllocationID() AllocationID {
	return AllocationID(allocationIDs.Add(1))
}

// Kind tells whether an allocation is a linear buffer or an image.
type Kind uint8

const (
	// KindBuffer is a linear pixel buffer (a pixel-unpack buffer in GL terms).
	KindBuffer Kind = iota

	// KindImage is an image/texture allocation.
	KindImage
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "Buffer"
	case KindImage:
		return "Image"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// TextureUnit is the texture unit an image is bound to for sampling.
type TextureUnit uint32

// Descriptor describes an allocation to create.
type Descriptor struct {
	// Label is an optional debug name.
	Label string

	// Width and Height are the dimensions in elements.
	Width, Height int

	// Format is the element format. It determines the element size.
	Format gputypes.TextureFormat

	// Kind selects buffer or image memory.
	Kind Kind
}

// Validate checks the descriptor dimensions and format.
func (d Descriptor) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: width=%d, height=%d", ErrInvalidDimensions, d.Width, d.Height)
	}
	if BytesPerElement(d.Format) == 0 {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, d.Format)
	}
	return nil
}

// Allocation is a graphics-owned memory region. It is a value type: the
// display keeps the backing memory, the allocation only names it.
type Allocation struct {
	// ID is the process-wide identifier of the allocation.
	ID AllocationID

	// Owner is the Name of the display that created the allocation.
	Owner string

	// Native is the backend's own name for the memory (a GL buffer name,
	// for example). Zero when the backend has none.
	Native uint64

	Kind          Kind
	Width, Height int
	Format        gputypes.TextureFormat
	Label         string
}

// Valid reports whether the allocation names real, non-empty memory.
func (a Allocation) Valid() bool {
	return a.ID != 0 && a.ByteLength() > 0
}

// ElementSize returns the size of one element in bytes.
func (a Allocation) ElementSize() int {
	return BytesPerElement(a.Format)
}

// ByteLength returns width*height*elementSize.
func (a Allocation) ByteLength() int64 {
	if a.Width <= 0 || a.Height <= 0 {
		return 0
	}
	return int64(a.Width) * int64(a.Height) * int64(a.ElementSize())
}

// String returns a short description used in logs and errors.
func (a Allocation) String() string {
	return fmt.Sprintf("%s#%d(%dx%d %v)", a.Kind, a.ID, a.Width, a.Height, a.Format)
}

// Display is the graphics pipeline collaborator.
type Display interface {
	// Name identifies the display; it is stored in Allocation.Owner.
	Name() string

	// Allocate creates graphics memory sized by the descriptor.
	Allocate(desc Descriptor) (Allocation, error)

	// NewImage creates the sampled image that presents an allocation.
	NewImage(alloc Allocation) (Image, error)

	// Release frees an allocation. It fails with ErrStillRegistered while a
	// compute driver holds a registration for it.
	Release(alloc Allocation) error
}

// Image is the presentation object of an allocation: a sampled texture whose
// contents are refreshed from the allocation.
type Image interface {
	// Allocation returns the allocation the image presents.
	Allocation() Allocation

	// Update refreshes the sampled image from the allocation's current contents.
	Update() error

	// Bind makes the image the active texture on unit.
	Bind(unit TextureUnit) error

	// Release frees the image. The allocation is not affected.
	Release() error
}
