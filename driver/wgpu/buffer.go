// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package wgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// copyAlignment is the offset and size granularity of buffer copies and
// queue writes.
const copyAlignment uint64 = 4

var errEmptyBuffer = errors.New("wgpu: buffer size is 0")

func alignDown(v uint64) uint64 { return v &^ (copyAlignment - 1) }

func alignUp(v uint64) uint64 { return (v + copyAlignment - 1) &^ (copyAlignment - 1) }

func aligned(off, n uint64) bool { return off%copyAlignment == 0 && n%copyAlignment == 0 }

// createBuffer creates a buffer whose size is rounded up to the copy
// alignment. It returns the buffer and its actual size.
func createBuffer(device hal.Device, label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, uint64, error) {
	if size == 0 {
		return nil, 0, errEmptyBuffer
	}
	size = alignUp(size)
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("wgpu: create buffer %q: %w", label, err)
	}
	return buf, size, nil
}

// createStaging creates a readback buffer.
func createStaging(device hal.Device, size uint64) (hal.Buffer, uint64, error) {
	return createBuffer(device, "interop_staging", size,
		gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
}

// submit records one command buffer with record, submits it and waits for
// completion.
func (d *Device) submit(label string, record func(enc hal.CommandEncoder)) error {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	record(encoder)
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return fmt.Errorf("end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	ok, err := d.device.Wait(fence, 1, fenceTimeout)
	if err != nil {
		return fmt.Errorf("wait for GPU: %w", err)
	}
	if !ok {
		return fmt.Errorf("GPU timeout after %v", fenceTimeout)
	}
	return nil
}

// readRange copies n bytes at off of buf back to the host.
func (d *Device) readRange(buf hal.Buffer, off, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	start := alignDown(off)
	end := alignUp(off + n)
	staging, size, err := createStaging(d.device, end-start)
	if err != nil {
		return nil, err
	}
	defer d.device.DestroyBuffer(staging)

	err = d.submit("interop_readback", func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(buf, staging, []hal.BufferCopy{
			{SrcOffset: start, DstOffset: 0, Size: size},
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, out); err != nil {
		return nil, fmt.Errorf("readback: %w", err)
	}
	return out[off-start : off-start+n], nil
}

// writeRange writes data at off of buf. Unaligned ranges are widened to the
// copy alignment by reading back the bytes around them first.
func (d *Device) writeRange(buf hal.Buffer, off uint64, data []byte) error {
	n := uint64(len(data))
	if n == 0 {
		return nil
	}
	if aligned(off, n) {
		d.queue.WriteBuffer(buf, off, data)
		return nil
	}
	start := alignDown(off)
	end := alignUp(off + n)
	window, err := d.readRange(buf, start, end-start)
	if err != nil {
		return err
	}
	copy(window[off-start:], data)
	d.queue.WriteBuffer(buf, start, window)
	return nil
}
