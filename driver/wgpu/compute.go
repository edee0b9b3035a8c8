// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package wgpu

import (
	"bytes"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/interop/driver"
	"github.com/gogpu/interop/kernel"
)

// span is a resolved device range.
type span struct {
	buf hal.Buffer
	off uint64
	n   uint64
}

// Memset queues a fill of n bytes at dst on s.
func (d *Device) Memset(s driver.Stream, dst driver.DevicePtr, value byte, n int64) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.StatusNotInitialized
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	to, st := d.resolve(dst, n, true)
	if !st.OK() {
		return st
	}
	q.Push(func() driver.Status {
		if err := d.writeRange(to.buf, to.off, bytes.Repeat([]byte{value}, int(to.n))); err != nil {
			d.log().Warn("wgpu: memset failed", "err", err)
			return driver.StatusUnknown
		}
		return driver.StatusSuccess
	})
	return driver.StatusSuccess
}

// MemcpyAsync queues a copy of n bytes from src to dst on s. Endpoints are
// host slices or addresses on this device.
func (d *Device) MemcpyAsync(s driver.Stream, dst, src driver.Endpoint, n int64) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.StatusNotInitialized
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	if n < 0 {
		return driver.StatusInvalidValue
	}
	op, st := d.copyOp(dst, src, n)
	if !st.OK() {
		return st
	}
	q.Push(func() driver.Status {
		if err := op(); err != nil {
			d.log().Warn("wgpu: memcpy failed", "err", err)
			return driver.StatusUnknown
		}
		return driver.StatusSuccess
	})
	return driver.StatusSuccess
}

// copyOp validates both endpoints and returns the deferred copy.
func (d *Device) copyOp(dst, src driver.Endpoint, n int64) (func() error, driver.Status) {
	for _, e := range []driver.Endpoint{dst, src} {
		switch e.Domain {
		case driver.DomainHost:
			if int64(len(e.Host)) < n {
				return nil, driver.StatusInvalidValue
			}
		case driver.DomainWGPU:
		default:
			return nil, driver.StatusNotSupported
		}
	}
	hostDst, hostSrc := dst.Domain == driver.DomainHost, src.Domain == driver.DomainHost
	if hostDst && hostSrc {
		return func() error {
			copy(dst.Host[:n], src.Host[:n])
			return nil
		}, driver.StatusSuccess
	}

	var to, from span
	var st driver.Status
	if !hostDst {
		if to, st = d.resolve(dst.Ptr, n, true); !st.OK() {
			return nil, st
		}
	}
	if !hostSrc {
		if from, st = d.resolve(src.Ptr, n, false); !st.OK() {
			return nil, st
		}
	}

	switch {
	case hostSrc:
		return func() error {
			return d.writeRange(to.buf, to.off, src.Host[:n])
		}, driver.StatusSuccess
	case hostDst:
		return func() error {
			data, err := d.readRange(from.buf, from.off, from.n)
			if err != nil {
				return err
			}
			copy(dst.Host[:n], data)
			return nil
		}, driver.StatusSuccess
	default:
		return func() error {
			if n == 0 {
				return nil
			}
			if aligned(from.off, from.n) && aligned(to.off, to.n) {
				return d.submit("interop_memcpy", func(enc hal.CommandEncoder) {
					enc.CopyBufferToBuffer(from.buf, to.buf, []hal.BufferCopy{
						{SrcOffset: from.off, DstOffset: to.off, Size: from.n},
					})
				})
			}
			data, err := d.readRange(from.buf, from.off, from.n)
			if err != nil {
				return err
			}
			return d.writeRange(to.buf, to.off, data)
		}, driver.StatusSuccess
	}
}

// resolve translates [ptr, ptr+n) into a buffer range. Memory of a
// registration is addressable only while it is mapped.
// Must be called with d.mu held.
func (d *Device) resolve(ptr driver.DevicePtr, n int64, write bool) (span, driver.Status) {
	r, off, st := d.space.Resolve(ptr, n)
	if !st.OK() {
		return span{}, st
	}
	res := r.Value.res
	if !res.mapped {
		return span{}, driver.StatusIllegalAddress
	}
	if write && res.flags == driver.MapFlagsReadOnly {
		return span{}, driver.StatusNotPermitted
	}
	return span{buf: r.Value.buf, off: uint64(off), n: uint64(n)}, driver.StatusSuccess
}

// pipeline is the compiled form of a kernel program.
type pipeline struct {
	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	compute    hal.ComputePipeline
}

func (p *pipeline) destroy(device hal.Device) {
	if p.compute != nil {
		device.DestroyComputePipeline(p.compute)
	}
	if p.pipeLayout != nil {
		device.DestroyPipelineLayout(p.pipeLayout)
	}
	if p.bindLayout != nil {
		device.DestroyBindGroupLayout(p.bindLayout)
	}
	if p.shader != nil {
		device.DestroyShaderModule(p.shader)
	}
}

// pipelineFor compiles p on first use. Must be called with d.mu held.
func (d *Device) pipelineFor(p *kernel.Program) (*pipeline, error) {
	if pl, ok := d.pipelines[p]; ok {
		return pl, nil
	}
	spirv, err := p.SPIRV()
	if err != nil {
		return nil, err
	}
	pl := &pipeline{}
	pl.shader, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  p.Name,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("compile %s shader: %w", p.Name, err)
	}
	pl.bindLayout, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: p.Name + "_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		pl.destroy(d.device)
		return nil, fmt.Errorf("create %s bind group layout: %w", p.Name, err)
	}
	pl.pipeLayout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            p.Name + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{pl.bindLayout},
	})
	if err != nil {
		pl.destroy(d.device)
		return nil, fmt.Errorf("create %s pipeline layout: %w", p.Name, err)
	}
	pl.compute, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   p.Name,
		Layout:  pl.pipeLayout,
		Compute: hal.ComputeState{Module: pl.shader, EntryPoint: p.EntryPoint},
	})
	if err != nil {
		pl.destroy(d.device)
		return nil, fmt.Errorf("create %s pipeline: %w", p.Name, err)
	}
	d.pipelines[p] = pl
	return pl, nil
}

// Launch queues a dispatch of p over the n bytes at dst.
func (d *Device) Launch(s driver.Stream, p *kernel.Program, dst driver.DevicePtr, n int64, params kernel.Params) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.StatusNotInitialized
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	if p == nil {
		return driver.StatusNotSupported
	}
	to, st := d.resolve(dst, n, true)
	if !st.OK() {
		return st
	}
	if !aligned(to.off, to.n) {
		return driver.StatusInvalidValue
	}
	pl, err := d.pipelineFor(p)
	if err != nil {
		d.log().Warn("wgpu: kernel unavailable", "kernel", p.Name, "err", err)
		return driver.StatusNotSupported
	}
	q.Push(func() driver.Status {
		if err := d.dispatch(pl, p, to, params); err != nil {
			d.log().Warn("wgpu: launch failed", "kernel", p.Name, "err", err)
			return driver.StatusUnknown
		}
		return driver.StatusSuccess
	})
	return driver.StatusSuccess
}

// dispatch runs one kernel invocation and waits for it.
func (d *Device) dispatch(pl *pipeline, p *kernel.Program, dst span, params kernel.Params) error {
	uniform := params.Bytes()
	ubuf, usize, err := createBuffer(d.device, p.Name+"_params", uint64(len(uniform)),
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	defer d.device.DestroyBuffer(ubuf)
	d.queue.WriteBuffer(ubuf, 0, uniform)

	bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  p.Name + "_bind_group",
		Layout: pl.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: ubuf.NativeHandle(), Offset: 0, Size: usize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: dst.buf.NativeHandle(), Offset: dst.off, Size: dst.n}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	defer d.device.DestroyBindGroup(bg)

	gx, gy := p.Workgroups(params.Width, params.Height)
	return d.submit(p.Name, func(enc hal.CommandEncoder) {
		pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: p.Name})
		pass.SetPipeline(pl.compute)
		pass.SetBindGroup(0, bg, nil)
		pass.Dispatch(gx, gy, 1)
		pass.End()
	})
}
