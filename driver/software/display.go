// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package software

import (
	"fmt"

	"github.com/gogpu/interop/display"
)

// Allocate creates a graphics allocation backed by zeroed host memory.
func (d *Device) Allocate(desc display.Descriptor) (display.Allocation, error) {
	if err := desc.Validate(); err != nil {
		return display.Allocation{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpAllocate); !st.OK() {
		return display.Allocation{}, fmt.Errorf("software: allocate: %s", st)
	}

	alloc := display.Allocation{
		ID:     display.NextAllocationID(),
		Owner:  d.name,
		Kind:   desc.Kind,
		Width:  desc.Width,
		Height: desc.Height,
		Format: desc.Format,
		Label:  desc.Label,
	}
	alloc.Native = uint64(alloc.ID)
	d.allocs[alloc.ID] = &allocation{alloc: alloc, mem: make([]byte, alloc.ByteLength())}
	d.log().Debug("software: allocated", "alloc", alloc.String(), "bytes", alloc.ByteLength())
	return alloc, nil
}

// Release frees a graphics allocation. It fails while the allocation is
// still registered with the compute side.
func (d *Device) Release(alloc display.Allocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, OpRelease)
	a, err := d.lookup(alloc)
	if err != nil {
		return err
	}
	if a.res != nil {
		return fmt.Errorf("%w: %s", display.ErrStillRegistered, alloc)
	}
	a.released = true
	a.mem = nil
	delete(d.allocs, alloc.ID)
	return nil
}

// Contents returns a copy of an allocation's memory as the graphics side
// sees it. It fails with display.ErrBusy while the compute side holds it.
func (d *Device) Contents(alloc display.Allocation) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookup(alloc)
	if err != nil {
		return nil, err
	}
	if a.res != nil && a.res.mapped {
		return nil, display.ErrBusy
	}
	out := make([]byte, len(a.mem))
	copy(out, a.mem)
	return out, nil
}

// NewImage creates a displayable image whose source is alloc.
func (d *Device) NewImage(alloc display.Allocation) (display.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpImageNew); !st.OK() {
		return nil, fmt.Errorf("software: new image: %s", st)
	}
	a, err := d.lookup(alloc)
	if err != nil {
		return nil, err
	}
	return &Image{dev: d, src: a, pixels: make([]byte, len(a.mem))}, nil
}

func (d *Device) lookup(alloc display.Allocation) (*allocation, error) {
	if d.closed {
		return nil, fmt.Errorf("software: device closed")
	}
	a, ok := d.allocs[alloc.ID]
	if !ok || alloc.Owner != d.name {
		return nil, fmt.Errorf("%w: %s", display.ErrUnknownAllocation, alloc)
	}
	if a.released {
		return nil, display.ErrReleased
	}
	return a, nil
}

// Image is a texture whose pixels are refreshed from an allocation.
type Image struct {
	dev      *Device
	src      *allocation
	pixels   []byte
	updates  int
	unit     display.TextureUnit
	bound    bool
	released bool
}

// Allocation returns the source allocation.
func (img *Image) Allocation() display.Allocation { return img.src.alloc }

// Update copies the source allocation into the image.
func (img *Image) Update() error {
	d := img.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := img.usable(OpImageUpdate); err != nil {
		return err
	}
	copy(img.pixels, img.src.mem)
	img.updates++
	return nil
}

// Bind attaches the image to a texture unit for drawing.
func (img *Image) Bind(unit display.TextureUnit) error {
	d := img.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := img.usable(OpImageBind); err != nil {
		return err
	}
	img.unit = unit
	img.bound = true
	return nil
}

// Release frees the image. The source allocation is unaffected.
func (img *Image) Release() error {
	d := img.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, OpImageRelease)
	if img.released {
		return display.ErrReleased
	}
	img.released = true
	img.pixels = nil
	img.bound = false
	return nil
}

// Pixels returns a copy of the image contents as last updated.
func (img *Image) Pixels() []byte {
	img.dev.mu.Lock()
	defer img.dev.mu.Unlock()
	out := make([]byte, len(img.pixels))
	copy(out, img.pixels)
	return out
}

// Updates reports how many times Update succeeded.
func (img *Image) Updates() int {
	img.dev.mu.Lock()
	defer img.dev.mu.Unlock()
	return img.updates
}

// Unit reports the texture unit the image is bound to, if any.
func (img *Image) Unit() (display.TextureUnit, bool) {
	img.dev.mu.Lock()
	defer img.dev.mu.Unlock()
	return img.unit, img.bound
}

// usable must be called with the device mutex held.
func (img *Image) usable(op Op) error {
	if st := img.dev.call(op); !st.OK() {
		return fmt.Errorf("software: %s: %s", op, st)
	}
	if img.released || img.src.released {
		return display.ErrReleased
	}
	if r := img.src.res; r != nil && r.mapped {
		return display.ErrBusy
	}
	return nil
}
