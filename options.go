// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
)

// BufferOption configures a Buffer during creation.
//
// Example:
//
//	buf, err := interop.NewBuffer(accel, disp, 1920, 1080,
//	    interop.WithMapFlags(driver.MapFlagsWriteDiscard),
//	    interop.WithLabel("frame"))
type BufferOption func(*bufferOptions)

type bufferOptions struct {
	flags  driver.MapFlags
	format gputypes.TextureFormat
	label  string
	strict bool
	unit   display.TextureUnit
}

func defaultBufferOptions() bufferOptions {
	return bufferOptions{
		flags:  driver.MapFlagsNone,
		format: display.DefaultFormat,
	}
}

// WithMapFlags sets the access policy of the registration. Default is
// driver.MapFlagsNone.
func WithMapFlags(flags driver.MapFlags) BufferOption {
	return func(o *bufferOptions) {
		o.flags = flags
	}
}

// WithFormat sets the element format. Default is display.DefaultFormat
// (one float32 per element).
func WithFormat(format gputypes.TextureFormat) BufferOption {
	return func(o *bufferOptions) {
		o.format = format
	}
}

// WithLabel sets a debug label used for the allocation and in logs.
func WithLabel(label string) BufferOption {
	return func(o *bufferOptions) {
		o.label = label
	}
}

// WithStrictMapping makes a second MapCompute on the same stream fail with
// ErrResourceBusy instead of returning the live view.
func WithStrictMapping() BufferOption {
	return func(o *bufferOptions) {
		o.strict = true
	}
}

// WithTextureUnit sets the texture unit Loop binds the buffer's image to.
func WithTextureUnit(unit display.TextureUnit) BufferOption {
	return func(o *bufferOptions) {
		o.unit = unit
	}
}

// AcceleratorOption configures an Accelerator during creation.
type AcceleratorOption func(*acceleratorOptions)

type acceleratorOptions struct {
	label string
}

// WithAcceleratorLabel sets the accelerator's debug label.
func WithAcceleratorLabel(label string) AcceleratorOption {
	return func(o *acceleratorOptions) {
		o.label = label
	}
}
