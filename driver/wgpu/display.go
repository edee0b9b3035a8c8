// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
)

// rowPitchAlignment is the bytes-per-row granularity of buffer-to-texture
// copies. Rows of other widths are uploaded through the queue instead.
const rowPitchAlignment = 256

// Allocate creates a storage buffer sized for the descriptor.
func (d *Device) Allocate(desc display.Descriptor) (display.Allocation, error) {
	if err := desc.Validate(); err != nil {
		return display.Allocation{}, err
	}
	alloc := display.Allocation{
		ID:     display.NextAllocationID(),
		Owner:  driver.NameWGPU,
		Kind:   desc.Kind,
		Width:  desc.Width,
		Height: desc.Height,
		Format: desc.Format,
		Label:  desc.Label,
	}
	alloc.Native = uint64(alloc.ID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return display.Allocation{}, fmt.Errorf("wgpu: device closed")
	}
	label := desc.Label
	if label == "" {
		label = alloc.String()
	}
	buf, size, err := createBuffer(d.device, label, uint64(alloc.ByteLength()),
		gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
	if err != nil {
		return display.Allocation{}, err
	}
	d.allocs[alloc.ID] = &allocation{alloc: alloc, buf: buf, size: size}
	d.log().Debug("wgpu: allocated", "alloc", alloc.String(), "bytes", size)
	return alloc, nil
}

// Release destroys an allocation's buffer. It fails while the allocation is
// still registered with the compute side.
func (d *Device) Release(alloc display.Allocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookup(alloc)
	if err != nil {
		return err
	}
	if a.res != nil {
		return fmt.Errorf("%w: %s", display.ErrStillRegistered, alloc)
	}
	d.device.DestroyBuffer(a.buf)
	a.buf = nil
	a.released = true
	delete(d.allocs, alloc.ID)
	return nil
}

// Contents reads an allocation back to the host. It fails with
// display.ErrBusy while the compute side holds the allocation.
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
	out, err := d.readRange(a.buf, 0, uint64(alloc.ByteLength()))
	if err != nil {
		return nil, fmt.Errorf("wgpu: contents of %s: %w", alloc, err)
	}
	return out, nil
}

// NewImage creates the sampled texture that presents alloc.
func (d *Device) NewImage(alloc display.Allocation) (display.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookup(alloc)
	if err != nil {
		return nil, err
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label: alloc.Label,
		Size: hal.Extent3D{
			Width:              uint32(alloc.Width),  //nolint:gosec // validated positive
			Height:             uint32(alloc.Height), //nolint:gosec // validated positive
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        alloc.Format,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create texture for %s: %w", alloc, err)
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         alloc.Label,
		Format:        alloc.Format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return nil, fmt.Errorf("wgpu: create texture view for %s: %w", alloc, err)
	}
	return &Image{dev: d, src: a, tex: tex, view: view}, nil
}

func (d *Device) lookup(alloc display.Allocation) (*allocation, error) {
	if d.closed {
		return nil, fmt.Errorf("wgpu: device closed")
	}
	a, ok := d.allocs[alloc.ID]
	if !ok || alloc.Owner != driver.NameWGPU {
		return nil, fmt.Errorf("%w: %s", display.ErrUnknownAllocation, alloc)
	}
	if a.released {
		return nil, display.ErrReleased
	}
	return a, nil
}

// Image is a sampled texture refreshed from an allocation's buffer.
type Image struct {
	dev  *Device
	src  *allocation
	tex  hal.Texture
	view hal.TextureView

	updates  int
	unit     display.TextureUnit
	bound    bool
	released bool
}

// Allocation returns the source allocation.
func (img *Image) Allocation() display.Allocation { return img.src.alloc }

// Texture returns the texture and the view a render pass samples.
func (img *Image) Texture() (hal.Texture, hal.TextureView) { return img.tex, img.view }

// Update copies the allocation's buffer into the texture.
func (img *Image) Update() error {
	d := img.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := img.usable(); err != nil {
		return err
	}
	alloc := img.src.alloc
	w, h := uint32(alloc.Width), uint32(alloc.Height) //nolint:gosec // validated positive
	rowBytes := w * uint32(alloc.ElementSize())        //nolint:gosec // element size is at most 16
	extent := hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}
	layout := hal.ImageDataLayout{Offset: 0, BytesPerRow: rowBytes, RowsPerImage: h}

	if rowBytes%rowPitchAlignment == 0 {
		err := d.submit("interop_present", func(enc hal.CommandEncoder) {
			enc.CopyBufferToTexture(img.src.buf, img.tex, []hal.BufferTextureCopy{{
				BufferLayout: layout,
				TextureBase:  hal.ImageCopyTexture{Texture: img.tex, MipLevel: 0},
				Size:         extent,
			}})
		})
		if err != nil {
			return fmt.Errorf("wgpu: update image: %w", err)
		}
	} else {
		pixels, err := d.readRange(img.src.buf, 0, uint64(alloc.ByteLength()))
		if err != nil {
			return fmt.Errorf("wgpu: update image: %w", err)
		}
		d.queue.WriteTexture(
			&hal.ImageCopyTexture{Texture: img.tex, MipLevel: 0},
			pixels, &layout, &extent,
		)
	}
	img.updates++
	return nil
}

// Bind records unit as the texture unit the image is drawn from.
func (img *Image) Bind(unit display.TextureUnit) error {
	d := img.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := img.usable(); err != nil {
		return err
	}
	img.unit = unit
	img.bound = true
	return nil
}

// Release destroys the texture. The source allocation is unaffected.
func (img *Image) Release() error {
	d := img.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if img.released {
		return display.ErrReleased
	}
	img.released = true
	img.bound = false
	if !d.closed {
		d.device.DestroyTextureView(img.view)
		d.device.DestroyTexture(img.tex)
	}
	img.view = nil
	img.tex = nil
	return nil
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
func (img *Image) usable() error {
	if img.dev.closed {
		return fmt.Errorf("wgpu: device closed")
	}
	if img.released || img.src.released {
		return display.ErrReleased
	}
	if r := img.src.res; r != nil && r.mapped {
		return display.ErrBusy
	}
	return nil
}
