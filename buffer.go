// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
)

// Buffer is a display allocation shared with an accelerator. The display
// pipeline presents it through an image while Unmapped; the compute
// pipeline writes it through a View while mapped.
//
// A Buffer must be released with Close.
type Buffer struct {
	accel *Accelerator
	disp  display.Display
	alloc display.Allocation
	image display.Image
	reg   *Registration
	unit  display.TextureUnit
	label string

	mu      sync.Mutex
	closed  bool
	cleanup runtime.Cleanup

	// Teardown progress, guarded by closeMu.
	closeMu       sync.Mutex
	imageReleased bool
	allocReleased bool
}

// NewBuffer allocates a width x height buffer and its image on disp and
// registers the buffer with accel. If a step fails, the pieces acquired so
// far are released in reverse order.
func NewBuffer(accel *Accelerator, disp display.Display, width, height int, opts ...BufferOption) (*Buffer, error) {
	o := defaultBufferOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if accel == nil {
		return nil, ErrNoDriver
	}
	if disp == nil {
		return nil, errors.New("interop: nil display")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", display.ErrInvalidDimensions, width, height)
	}

	alloc, err := disp.Allocate(display.Descriptor{
		Label:  o.label,
		Width:  width,
		Height: height,
		Format: o.format,
		Kind:   display.KindBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("interop: allocate display buffer: %w", err)
	}
	img, err := disp.NewImage(alloc)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("interop: create display image: %w", err), disp.Release(alloc))
	}
	reg, err := Register(accel, alloc, o.flags)
	if err != nil {
		return nil, errors.Join(err, img.Release(), disp.Release(alloc))
	}
	reg.strict = o.strict
	reg.onUnmap = img.Update

	label := o.label
	if label == "" {
		label = alloc.String()
	}
	b := &Buffer{
		accel: accel,
		disp:  disp,
		alloc: alloc,
		image: img,
		reg:   reg,
		unit:  o.unit,
		label: label,
	}
	b.cleanup = runtime.AddCleanup(b, func(label string) {
		Logger().Warn("interop: buffer garbage collected without Close", "buffer", label)
	}, label)

	Logger().Info("interop: buffer created", "buffer", label, "width", width, "height", height,
		"format", fmt.Sprint(o.format), "flags", o.flags.String())
	return b, nil
}

// MapCompute maps the buffer for compute on s and returns its view.
func (b *Buffer) MapCompute(s *Stream) (View, error) {
	if err := b.checkOpen(); err != nil {
		return View{}, err
	}
	return b.reg.Map(s)
}

// UnmapCompute returns the buffer to the display pipeline and refreshes
// its image. s must be the stream passed to MapCompute.
func (b *Buffer) UnmapCompute(s *Stream) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.reg.Unmap(s)
}

// MapAs maps b on s and returns a view typed with element type T. The size
// of T must equal the buffer's element size; otherwise nothing is mapped.
func MapAs[T Element](b *Buffer, s *Stream) (View2D[T], error) {
	var zero T
	if size := int(unsafe.Sizeof(zero)); size != b.alloc.ElementSize() {
		return View2D[T]{}, fmt.Errorf("%w: %T is %d bytes, buffer elements are %d bytes", ErrLayoutMismatch, zero, size, b.alloc.ElementSize())
	}
	v, err := b.MapCompute(s)
	if err != nil {
		return View2D[T]{}, err
	}
	return View2D[T]{View: v}, nil
}

// BindForDisplay binds the buffer's image to unit. It fails with
// ErrResourceBusy while the buffer is mapped to compute.
func (b *Buffer) BindForDisplay(unit display.TextureUnit) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if b.reg.State() == MappedToCompute {
		return fmt.Errorf("%w: buffer %s is mapped to compute", ErrResourceBusy, b.label)
	}
	return b.image.Bind(unit)
}

// Fill enqueues a byte fill of the mapped buffer on s.
func (b *Buffer) Fill(s *Stream, value byte) error {
	v, err := b.mappedView()
	if err != nil {
		return err
	}
	return Fill(s, value, v)
}

// CopyFrom enqueues a copy of src into the mapped buffer on s.
func (b *Buffer) CopyFrom(s *Stream, src Viewer) error {
	v, err := b.mappedView()
	if err != nil {
		return err
	}
	return Copy(s, src, v)
}

// CopyTo enqueues a copy of the mapped buffer into dst on s.
func (b *Buffer) CopyTo(s *Stream, dst Viewer) error {
	v, err := b.mappedView()
	if err != nil {
		return err
	}
	return Copy(s, v, dst)
}

func (b *Buffer) mappedView() (View, error) {
	if err := b.checkOpen(); err != nil {
		return View{}, err
	}
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()
	if b.reg.state != MappedToCompute {
		return View{}, fmt.Errorf("%w: buffer %s is owned by the display pipeline", ErrResourceBusy, b.label)
	}
	return b.reg.view, nil
}

// Close unmaps the buffer if needed, unregisters it, and releases its image
// and allocation, in that order. Every pending step runs; their errors are
// joined. A failed Close can be called again: steps that already succeeded
// are skipped. Close after a complete teardown returns nil.
func (b *Buffer) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	b.mu.Lock()
	first := !b.closed
	b.closed = true
	b.mu.Unlock()
	if first {
		b.cleanup.Stop()
	}
	if !b.reg.Registered() && b.imageReleased && b.allocReleased {
		return nil
	}

	var errs []error
	if s := b.reg.MappedStream(); s != nil {
		if err := b.reg.Unmap(s); err != nil {
			errs = append(errs, fmt.Errorf("unmap: %w", err))
		}
	}
	if b.reg.Registered() {
		if err := b.reg.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("unregister: %w", err))
		}
	}
	if !b.imageReleased {
		if err := b.image.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release image: %w", err))
		} else {
			b.imageReleased = true
			// A later Unmap has no image to refresh.
			b.reg.mu.Lock()
			b.reg.onUnmap = nil
			b.reg.mu.Unlock()
		}
	}
	if !b.allocReleased {
		if err := b.disp.Release(b.alloc); err != nil {
			errs = append(errs, fmt.Errorf("release allocation: %w", err))
		} else {
			b.allocReleased = true
		}
	}

	if err := errors.Join(errs...); err != nil {
		Logger().Warn("interop: buffer teardown incomplete", "buffer", b.label, "err", err)
		return fmt.Errorf("interop: close buffer %s: %w", b.label, err)
	}
	Logger().Info("interop: buffer closed", "buffer", b.label)
	return nil
}

func (b *Buffer) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: buffer %s", ErrClosed, b.label)
	}
	return nil
}

// State returns the current mapping state.
func (b *Buffer) State() MappingState { return b.reg.State() }

// Size returns the dimensions in elements.
func (b *Buffer) Size() (width, height int) { return b.alloc.Width, b.alloc.Height }

// Len returns the size in bytes.
func (b *Buffer) Len() int64 { return b.alloc.ByteLength() }

// Format returns the element format.
func (b *Buffer) Format() gputypes.TextureFormat { return b.alloc.Format }

// Flags returns the registration access policy.
func (b *Buffer) Flags() driver.MapFlags { return b.reg.Flags() }

// Allocation returns the display allocation.
func (b *Buffer) Allocation() display.Allocation { return b.alloc }

// Image returns the image presenting the buffer.
func (b *Buffer) Image() display.Image { return b.image }

// Registration returns the buffer's registration.
func (b *Buffer) Registration() *Registration { return b.reg }

// TextureUnit returns the unit set with WithTextureUnit.
func (b *Buffer) TextureUnit() display.TextureUnit { return b.unit }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }
