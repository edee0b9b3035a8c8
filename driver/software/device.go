// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package software provides a device that emulates a compute runtime and a
// display pipeline sharing one pool of memory, entirely in host RAM.
//
// The Device implements both driver.Driver and display.Display, the way a
// real GPU exposes the same physical memory through a compute API and a
// graphics API. Stream-ordered work is queued per stream and executed on
// Synchronize (or when the stream's resources are unmapped), so tests see
// the same ordering rules as on hardware.
//
// Importing the package registers the "software" driver:
//
//	import _ "github.com/gogpu/interop/driver/software"
package software

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
	"github.com/gogpu/interop/internal/vmem"
	"github.com/gogpu/interop/kernel"
)

func init() {
	driver.Register(driver.NameSoftware, func() (driver.Driver, error) {
		return New(), nil
	})
}

// Op names a device call for fault injection and call tracing.
type Op string

// Device operations.
const (
	OpRegister     Op = "register"
	OpUnregister   Op = "unregister"
	OpMap          Op = "map"
	OpUnmap        Op = "unmap"
	OpPointer      Op = "pointer"
	OpMemset       Op = "memset"
	OpMemcpy       Op = "memcpy"
	OpSynchronize  Op = "synchronize"
	OpNewStream    Op = "stream.new"
	OpLaunch       Op = "launch"
	OpAllocate     Op = "allocate"
	OpRelease      Op = "release"
	OpImageNew     Op = "image.new"
	OpImageUpdate  Op = "image.update"
	OpImageBind    Op = "image.bind"
	OpImageRelease Op = "image.release"

	// OpExecute fails the next queued operation when it runs, not when it
	// is enqueued. It is not recorded in the call trace.
	OpExecute Op = "execute"
)

// Option configures a Device.
type Option func(*Device)

// WithName sets the device name. Allocations carry it as their Owner, and
// Register rejects allocations owned by a differently named display.
func WithName(name string) Option {
	return func(d *Device) {
		d.name = name
	}
}

// Device is a host-memory compute runtime and display pipeline.
//
// Device is safe for concurrent use; all state is guarded by one mutex.
type Device struct {
	mu sync.Mutex

	name   string
	logger atomic.Pointer[slog.Logger]

	allocs    map[display.AllocationID]*allocation
	resources map[driver.Resource]*resource
	space     *vmem.Space[*memory]
	streams   map[driver.Stream]*vmem.Queue

	nextResource driver.Resource
	nextStream   driver.Stream

	faults map[Op]driver.Status
	skew   int64
	calls  []Op
	closed bool
}

type allocation struct {
	alloc    display.Allocation
	mem      []byte
	res      *resource // non-nil while registered
	released bool
}

type resource struct {
	handle driver.Resource
	alloc  *allocation
	flags  driver.MapFlags
	region *vmem.Region[*memory]
	mapped bool
	stream driver.Stream
}

// memory backs one region of the address space. Memory of a resource is
// addressable only while the resource is mapped.
type memory struct {
	bytes []byte
	res   *resource
}

var (
	_ driver.Driver   = (*Device)(nil)
	_ display.Display = (*Device)(nil)
	_ kernel.Launcher = (*Device)(nil)
)

// New creates a software device.
func New(opts ...Option) *Device {
	d := &Device{
		name:      driver.NameSoftware,
		allocs:    make(map[display.AllocationID]*allocation),
		resources: make(map[driver.Resource]*resource),
		space:     vmem.NewSpace[*memory](vmem.DefaultBase),
		streams:   make(map[driver.Stream]*vmem.Queue),
		faults:    make(map[Op]driver.Status),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger.Store(slog.New(discardHandler{}))
	return d
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Domain returns driver.DomainSoftware.
func (d *Device) Domain() driver.Domain { return driver.DomainSoftware }

// SetLogger sets the logger used for device diagnostics. Nil disables logging.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(discardHandler{})
	}
	d.logger.Store(l)
}

// FailNext makes the next call of op return status instead of running.
func (d *Device) FailNext(op Op, status driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = status
}

// SkewMappedLength adds delta to the byte length MappedPointer reports,
// simulating a driver whose layout disagrees with the allocation.
func (d *Device) SkewMappedLength(delta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.skew = delta
}

// Calls returns the sequence of device calls made so far.
func (d *Device) Calls() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Op, len(d.calls))
	copy(out, d.calls)
	return out
}

// ResetCalls clears the call trace.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = d.calls[:0]
}

// Registered returns the number of live registrations.
func (d *Device) Registered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.resources)
}

// Close releases the device. Live registrations are reported as leaks.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	for _, q := range d.streams {
		q.Drain()
	}
	if n := len(d.resources); n > 0 {
		d.log().Warn("software: device closed with live registrations", "count", n)
	}
	d.closed = true
	d.allocs = nil
	d.resources = nil
	d.space.Reset()
	d.streams = nil
	return nil
}

// call records op and returns the injected fault for it, if any.
// Must be called with d.mu held.
func (d *Device) call(op Op) driver.Status {
	d.calls = append(d.calls, op)
	if st, ok := d.faults[op]; ok {
		delete(d.faults, op)
		return st
	}
	if d.closed {
		return driver.StatusNotInitialized
	}
	return driver.StatusSuccess
}

// run executes a queued operation, or returns the injected OpExecute
// fault instead. Must be called with d.mu held.
func (d *Device) run(op func()) driver.Status {
	if st, ok := d.faults[OpExecute]; ok {
		delete(d.faults, OpExecute)
		return st
	}
	op()
	return driver.StatusSuccess
}

func (d *Device) log() *slog.Logger { return d.logger.Load() }

// NewStream creates an ordered work queue.
func (d *Device) NewStream() (driver.Stream, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpNewStream); !st.OK() {
		return 0, st
	}
	d.nextStream++
	d.streams[d.nextStream] = &vmem.Queue{}
	return d.nextStream, driver.StatusSuccess
}

// DestroyStream completes pending work and releases the stream.
func (d *Device) DestroyStream(s driver.Stream) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.StatusNotInitialized
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	q.Drain()
	delete(d.streams, s)
	return driver.StatusSuccess
}

// Synchronize executes all work queued on s.
func (d *Device) Synchronize(s driver.Stream) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpSynchronize); !st.OK() {
		return st
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	return q.Drain()
}

// Register binds a graphics allocation of this device to the compute side.
func (d *Device) Register(alloc display.Allocation, flags driver.MapFlags) (driver.Resource, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpRegister); !st.OK() {
		return 0, st
	}
	if !flags.Valid() {
		return 0, driver.StatusInvalidValue
	}
	if alloc.Owner != d.name {
		return 0, driver.StatusNotSupported
	}
	a, ok := d.allocs[alloc.ID]
	if !ok || a.released {
		return 0, driver.StatusInvalidHandle
	}
	if a.res != nil {
		return 0, driver.StatusAlreadyAcquired
	}

	d.nextResource++
	r := &resource{handle: d.nextResource, alloc: a, flags: flags}
	r.region = d.space.Reserve(int64(len(a.mem)), &memory{bytes: a.mem, res: r})
	a.res = r
	d.resources[r.handle] = r
	d.log().Debug("software: registered", "alloc", a.alloc.String(), "resource", r.handle, "flags", flags.String())
	return r.handle, driver.StatusSuccess
}

// Unregister releases a registration. The resource must be unmapped.
func (d *Device) Unregister(res driver.Resource) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpUnregister); !st.OK() {
		return st
	}
	r, ok := d.resources[res]
	if !ok {
		return driver.StatusInvalidHandle
	}
	if r.mapped {
		return driver.StatusAlreadyMapped
	}
	d.space.Release(r.region)
	r.alloc.res = nil
	delete(d.resources, res)
	return driver.StatusSuccess
}

// MapResources grants compute access to res.
func (d *Device) MapResources(res driver.Resource, s driver.Stream) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpMap); !st.OK() {
		return st
	}
	r, ok := d.resources[res]
	if !ok {
		return driver.StatusInvalidHandle
	}
	if _, ok := d.streams[s]; !ok {
		return driver.StatusInvalidHandle
	}
	if r.mapped {
		return driver.StatusAlreadyMapped
	}
	r.mapped = true
	r.stream = s
	return driver.StatusSuccess
}

// UnmapResources completes the work queued on s and returns res to the
// graphics side.
func (d *Device) UnmapResources(res driver.Resource, s driver.Stream) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpUnmap); !st.OK() {
		return st
	}
	r, ok := d.resources[res]
	if !ok {
		return driver.StatusInvalidHandle
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	if !r.mapped {
		return driver.StatusNotMapped
	}
	// Work enqueued before the unmap must land before graphics sees the memory.
	// A failed drain leaves the resource mapped; the queue is empty, so the
	// unmap can be retried.
	if st := q.Drain(); !st.OK() {
		d.log().Warn("software: queued work failed at unmap", "resource", res, "status", st.String())
		return driver.StatusUnmapFailed
	}
	r.mapped = false
	r.stream = 0
	return driver.StatusSuccess
}

// MappedPointer returns the address and length of a mapped resource.
func (d *Device) MappedPointer(res driver.Resource) (driver.DevicePtr, int64, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpPointer); !st.OK() {
		return 0, 0, st
	}
	r, ok := d.resources[res]
	if !ok {
		return 0, 0, driver.StatusInvalidHandle
	}
	if !r.mapped {
		return 0, 0, driver.StatusNotMapped
	}
	return r.region.Base, r.region.Size + d.skew, driver.StatusSuccess
}

// Memset queues a byte fill of n bytes at dst on s.
func (d *Device) Memset(s driver.Stream, dst driver.DevicePtr, value byte, n int64) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpMemset); !st.OK() {
		return st
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	if n < 0 {
		return driver.StatusInvalidValue
	}
	mem, st := d.resolve(dst, n, true)
	if !st.OK() {
		return st
	}
	q.Push(func() driver.Status {
		return d.run(func() {
			for i := range mem {
				mem[i] = value
			}
		})
	})
	return driver.StatusSuccess
}

// MemcpyAsync queues a copy of n bytes from src to dst on s.
// Endpoints are either host slices or addresses on this device.
func (d *Device) MemcpyAsync(s driver.Stream, dst, src driver.Endpoint, n int64) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpMemcpy); !st.OK() {
		return st
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	if n < 0 {
		return driver.StatusInvalidValue
	}
	to, st := d.endpoint(dst, n, true)
	if !st.OK() {
		return st
	}
	from, st := d.endpoint(src, n, false)
	if !st.OK() {
		return st
	}
	q.Push(func() driver.Status {
		return d.run(func() { copy(to, from) })
	})
	return driver.StatusSuccess
}

// Launch queues a kernel's reference implementation over the n bytes at dst.
func (d *Device) Launch(s driver.Stream, p *kernel.Program, dst driver.DevicePtr, n int64, params kernel.Params) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.call(OpLaunch); !st.OK() {
		return st
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	if p == nil || p.Reference == nil {
		return driver.StatusNotSupported
	}
	mem, st := d.resolve(dst, n, true)
	if !st.OK() {
		return st
	}
	q.Push(func() driver.Status {
		return d.run(func() { p.Reference(mem, params) })
	})
	return driver.StatusSuccess
}

// Malloc allocates n bytes of plain device memory that is not shared with
// the display side.
func (d *Device) Malloc(n int64) (driver.DevicePtr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("software: invalid allocation size %d", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("software: device closed")
	}
	r := d.space.Reserve(n, &memory{bytes: make([]byte, n)})
	return r.Base, nil
}

// Free releases memory returned by Malloc.
func (d *Device) Free(ptr driver.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.space.At(ptr); ok && r.Value.res == nil {
		d.space.Release(r)
		return nil
	}
	return fmt.Errorf("software: free of unknown address %#x", uintptr(ptr))
}

// resolve translates [ptr, ptr+n) into host memory.
func (d *Device) resolve(ptr driver.DevicePtr, n int64, write bool) ([]byte, driver.Status) {
	r, off, st := d.space.Resolve(ptr, n)
	if !st.OK() {
		return nil, st
	}
	if res := r.Value.res; res != nil {
		if !res.mapped {
			return nil, driver.StatusIllegalAddress
		}
		if write && res.flags == driver.MapFlagsReadOnly {
			return nil, driver.StatusNotPermitted
		}
	}
	return r.Value.bytes[off : off+n], driver.StatusSuccess
}

func (d *Device) endpoint(e driver.Endpoint, n int64, write bool) ([]byte, driver.Status) {
	switch e.Domain {
	case driver.DomainHost:
		if int64(len(e.Host)) < n {
			return nil, driver.StatusInvalidValue
		}
		return e.Host[:n], driver.StatusSuccess
	case driver.DomainSoftware:
		return d.resolve(e.Ptr, n, write)
	default:
		return nil, driver.StatusNotSupported
	}
}

// discardHandler is a slog.Handler that drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
