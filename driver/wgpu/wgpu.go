// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

// Package wgpu implements the interop driver and display on a gogpu/wgpu
// HAL device.
//
// Every display allocation is a storage buffer that compute writes into,
// paired with a sampled texture the graphics side draws from. Device
// addresses handed to compute are synthetic: the driver resolves them back
// to (buffer, offset) pairs and records copies, fills and kernel dispatches
// as command buffers. Stream work is queued per stream and submitted on
// Synchronize or when the stream's resources are unmapped.
//
// Importing the package registers the "wgpu" driver, which opens a Vulkan
// device:
//
//	import _ "github.com/gogpu/interop/driver/wgpu"
//
// Applications that already own a device share it with [FromProvider].
package wgpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan" // registers the Vulkan backend

	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
	"github.com/gogpu/interop/internal/vmem"
	"github.com/gogpu/interop/kernel"
)

func init() {
	driver.Register(driver.NameWGPU, func() (driver.Driver, error) {
		d, err := Open()
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// fenceTimeout bounds every wait for submitted work.
const fenceTimeout = 5 * time.Second

// Errors returned when a device cannot be created or shared.
var (
	ErrNoBackend  = errors.New("wgpu: vulkan backend not available")
	ErrNoAdapter  = errors.New("wgpu: no GPU adapters found")
	ErrNoProvider = errors.New("wgpu: provider does not expose HAL types")
)

// Device is a gogpu/wgpu device serving as both compute runtime and display.
//
// Device is safe for concurrent use. Bookkeeping is guarded by one mutex,
// which is also held while stream work is submitted.
type Device struct {
	mu sync.Mutex

	logger atomic.Pointer[slog.Logger]

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	adapter  string
	external bool // shared device; Close leaves it alive

	allocs    map[display.AllocationID]*allocation
	resources map[driver.Resource]*resource
	space     *vmem.Space[*memory]
	streams   map[driver.Stream]*vmem.Queue
	pipelines map[*kernel.Program]*pipeline

	nextResource driver.Resource
	nextStream   driver.Stream
	closed       bool
}

type allocation struct {
	alloc    display.Allocation
	buf      hal.Buffer
	size     uint64 // aligned buffer size
	res      *resource
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

// memory is the buffer behind one region of the address space.
type memory struct {
	buf hal.Buffer
	res *resource
}

var (
	_ driver.Driver   = (*Device)(nil)
	_ display.Display = (*Device)(nil)
	_ kernel.Launcher = (*Device)(nil)
)

// Open creates a Vulkan instance and opens the first discrete or integrated
// GPU, falling back to the first adapter reported.
func Open() (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: %w", driver.ErrNotAvailable, ErrNoBackend)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: %w", driver.ErrNotAvailable, ErrNoAdapter)
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}
	d := NewFromHAL(openDev.Device, openDev.Queue)
	d.instance = instance
	d.adapter = selected.Info.Name
	d.external = false
	return d, nil
}

// NewFromHAL wraps an existing device and queue. The caller keeps ownership:
// Close releases the driver's resources but not the device.
func NewFromHAL(device hal.Device, queue hal.Queue) *Device {
	d := &Device{
		device:    device,
		queue:     queue,
		external:  true,
		allocs:    make(map[display.AllocationID]*allocation),
		resources: make(map[driver.Resource]*resource),
		space:     vmem.NewSpace[*memory](vmem.DefaultBase),
		streams:   make(map[driver.Stream]*vmem.Queue),
		pipelines: make(map[*kernel.Program]*pipeline),
	}
	d.logger.Store(slog.New(discardHandler{}))
	return d
}

// FromProvider shares the device of an application's gpucontext provider.
// The provider must also implement HalDevice() any and HalQueue() any
// returning hal.Device and hal.Queue.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := any(provider).(halProvider)
	if !ok {
		return nil, ErrNoProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("wgpu: provider HalQueue is not hal.Queue")
	}
	return NewFromHAL(device, queue), nil
}

// Name returns "wgpu".
func (d *Device) Name() string { return driver.NameWGPU }

// Domain returns driver.DomainWGPU.
func (d *Device) Domain() driver.Domain { return driver.DomainWGPU }

// Adapter returns the name of the opened adapter, or "" for a shared device.
func (d *Device) Adapter() string { return d.adapter }

// HAL returns the underlying device and queue.
func (d *Device) HAL() (hal.Device, hal.Queue) { return d.device, d.queue }

// SetLogger sets the logger used for device diagnostics. Nil disables logging.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(discardHandler{})
	}
	d.logger.Store(l)
}

func (d *Device) log() *slog.Logger { return d.logger.Load() }

// Registered returns the number of live registrations.
func (d *Device) Registered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.resources)
}

// Close flushes pending stream work and destroys every buffer and pipeline
// the driver created. An owned device and instance are destroyed too.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	var errs []error
	for s, q := range d.streams {
		if st := q.Drain(); !st.OK() {
			errs = append(errs, fmt.Errorf("wgpu: stream %d: %w", s, st.Err()))
		}
	}
	if n := len(d.resources); n > 0 {
		d.log().Warn("wgpu: device closed with live registrations", "count", n)
	}
	for _, a := range d.allocs {
		d.device.DestroyBuffer(a.buf)
	}
	for _, p := range d.pipelines {
		p.destroy(d.device)
	}
	d.allocs = nil
	d.resources = nil
	d.streams = nil
	d.pipelines = nil
	d.space.Reset()
	d.closed = true

	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.queue = nil
	d.instance = nil
	return errors.Join(errs...)
}

// NewStream creates an ordered work queue.
func (d *Device) NewStream() (driver.Stream, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, driver.StatusNotInitialized
	}
	d.nextStream++
	d.streams[d.nextStream] = &vmem.Queue{}
	return d.nextStream, driver.StatusSuccess
}

// DestroyStream submits pending work and releases the stream.
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
	st := q.Drain()
	delete(d.streams, s)
	return st
}

// Synchronize submits the work queued on s and waits for it.
func (d *Device) Synchronize(s driver.Stream) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.StatusNotInitialized
	}
	q, ok := d.streams[s]
	if !ok {
		return driver.StatusInvalidHandle
	}
	return q.Drain()
}

// Register binds one of this device's allocations to the compute side.
func (d *Device) Register(alloc display.Allocation, flags driver.MapFlags) (driver.Resource, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, driver.StatusNotInitialized
	}
	if !flags.Valid() {
		return 0, driver.StatusInvalidValue
	}
	if alloc.Owner != driver.NameWGPU {
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
	r.region = d.space.Reserve(alloc.ByteLength(), &memory{buf: a.buf, res: r})
	a.res = r
	d.resources[r.handle] = r
	d.log().Debug("wgpu: registered", "alloc", alloc.String(), "resource", r.handle, "flags", flags.String())
	return r.handle, driver.StatusSuccess
}

// Unregister releases a registration. The resource must be unmapped.
func (d *Device) Unregister(res driver.Resource) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.StatusNotInitialized
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
	if d.closed {
		return driver.StatusNotInitialized
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

// UnmapResources submits the work queued on s and returns res to the
// graphics side.
func (d *Device) UnmapResources(res driver.Resource, s driver.Stream) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return driver.StatusNotInitialized
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
	// A failed drain leaves the resource mapped; the queue is empty, so the
	// unmap can be retried.
	if st := q.Drain(); !st.OK() {
		d.log().Warn("wgpu: queued work failed at unmap", "resource", res, "status", st.String())
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
	if d.closed {
		return 0, 0, driver.StatusNotInitialized
	}
	r, ok := d.resources[res]
	if !ok {
		return 0, 0, driver.StatusInvalidHandle
	}
	if !r.mapped {
		return 0, 0, driver.StatusNotMapped
	}
	return r.region.Base, r.region.Size, driver.StatusSuccess
}

// discardHandler is a slog.Handler that drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
