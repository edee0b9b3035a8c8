// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package software

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
	"github.com/gogpu/interop/kernel"
)

// newRegistered creates a device with one registered w x h R32Float allocation.
func newRegistered(t *testing.T, w, h int, flags driver.MapFlags) (*Device, display.Allocation, driver.Resource) {
	t.Helper()
	d := New()
	t.Cleanup(func() { _ = d.Close() })
	alloc, err := d.Allocate(display.Descriptor{Width: w, Height: h, Format: gputypes.TextureFormatR32Float})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	res, st := d.Register(alloc, flags)
	if !st.OK() {
		t.Fatalf("Register() = %s", st)
	}
	return d, alloc, res
}

func newStream(t *testing.T, d *Device) driver.Stream {
	t.Helper()
	s, st := d.NewStream()
	if !st.OK() {
		t.Fatalf("NewStream() = %s", st)
	}
	return s
}

func TestRegisteredDriver(t *testing.T) {
	if !driver.IsRegistered(driver.NameSoftware) {
		t.Fatal("software driver not registered")
	}
	drv, err := driver.Open(driver.NameSoftware)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer drv.Close()
	if drv.Domain() != driver.DomainSoftware {
		t.Errorf("Domain() = %v, want Software", drv.Domain())
	}
}

func TestRegister(t *testing.T) {
	d := New()
	defer d.Close()
	alloc, err := d.Allocate(display.Descriptor{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	if _, st := d.Register(alloc, driver.MapFlags(9)); st != driver.StatusInvalidValue {
		t.Errorf("Register(bad flags) = %s, want InvalidValue", st)
	}
	if _, st := d.Register(display.Allocation{ID: 99999, Owner: d.Name()}, driver.MapFlagsNone); st != driver.StatusInvalidHandle {
		t.Errorf("Register(unknown) = %s, want InvalidHandle", st)
	}

	other := New(WithName("other"))
	defer other.Close()
	foreign, err := other.Allocate(display.Descriptor{Width: 1, Height: 1, Format: gputypes.TextureFormatR8Unorm})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, st := d.Register(foreign, driver.MapFlagsNone); st != driver.StatusNotSupported {
		t.Errorf("Register(foreign) = %s, want NotSupported", st)
	}

	res, st := d.Register(alloc, driver.MapFlagsNone)
	if !st.OK() {
		t.Fatalf("Register() = %s", st)
	}
	if _, st := d.Register(alloc, driver.MapFlagsNone); st != driver.StatusAlreadyAcquired {
		t.Errorf("Register(again) = %s, want AlreadyAcquired", st)
	}
	if got := d.Registered(); got != 1 {
		t.Errorf("Registered() = %d, want 1", got)
	}
	if st := d.Unregister(res); !st.OK() {
		t.Errorf("Unregister() = %s", st)
	}
	if st := d.Unregister(res); st != driver.StatusInvalidHandle {
		t.Errorf("Unregister(again) = %s, want InvalidHandle", st)
	}
}

func TestMapUnmap(t *testing.T) {
	d, alloc, res := newRegistered(t, 8, 8, driver.MapFlagsNone)
	s := newStream(t, d)

	if _, _, st := d.MappedPointer(res); st != driver.StatusNotMapped {
		t.Errorf("MappedPointer(unmapped) = %s, want NotMapped", st)
	}
	if st := d.UnmapResources(res, s); st != driver.StatusNotMapped {
		t.Errorf("UnmapResources(unmapped) = %s, want NotMapped", st)
	}
	if st := d.MapResources(res, s); !st.OK() {
		t.Fatalf("MapResources() = %s", st)
	}
	if st := d.MapResources(res, s); st != driver.StatusAlreadyMapped {
		t.Errorf("MapResources(again) = %s, want AlreadyMapped", st)
	}
	ptr, n, st := d.MappedPointer(res)
	if !st.OK() || ptr == 0 {
		t.Fatalf("MappedPointer() = (%#x, %d, %s)", uintptr(ptr), n, st)
	}
	if n != alloc.ByteLength() {
		t.Errorf("mapped length = %d, want %d", n, alloc.ByteLength())
	}
	if st := d.Unregister(res); st != driver.StatusAlreadyMapped {
		t.Errorf("Unregister(mapped) = %s, want AlreadyMapped", st)
	}
	if _, err := d.Contents(alloc); !errors.Is(err, display.ErrBusy) {
		t.Errorf("Contents(mapped) error = %v, want ErrBusy", err)
	}
	if st := d.UnmapResources(res, s); !st.OK() {
		t.Errorf("UnmapResources() = %s", st)
	}
	// Memory is no longer addressable once unmapped.
	if st := d.Memset(s, ptr, 1, 4); st != driver.StatusIllegalAddress {
		t.Errorf("Memset(unmapped) = %s, want IllegalAddress", st)
	}
}

func TestUnmapQueuedFailure(t *testing.T) {
	d, alloc, res := newRegistered(t, 4, 1, driver.MapFlagsNone)
	s := newStream(t, d)
	if st := d.MapResources(res, s); !st.OK() {
		t.Fatalf("MapResources() = %s", st)
	}
	ptr, _, _ := d.MappedPointer(res)
	if st := d.Memset(s, ptr, 0x7f, 8); !st.OK() {
		t.Fatalf("Memset() = %s", st)
	}
	if st := d.Memset(s, ptr+8, 0x7f, 8); !st.OK() {
		t.Fatalf("Memset() = %s", st)
	}
	d.FailNext(OpExecute, driver.StatusIllegalAddress)

	if st := d.UnmapResources(res, s); st != driver.StatusUnmapFailed {
		t.Fatalf("UnmapResources() = %s, want UnmapFailed", st)
	}
	if _, _, st := d.MappedPointer(res); !st.OK() {
		t.Errorf("MappedPointer() after failed unmap = %s, want still mapped", st)
	}
	if st := d.UnmapResources(res, s); !st.OK() {
		t.Fatalf("UnmapResources(retry) = %s", st)
	}
	got, err := d.Contents(alloc)
	if err != nil {
		t.Fatalf("Contents() error = %v", err)
	}
	// The failed fill wrote nothing; the one after it still ran.
	want := append(bytes.Repeat([]byte{0}, 8), bytes.Repeat([]byte{0x7f}, 8)...)
	if !bytes.Equal(got, want) {
		t.Errorf("Contents() = %x, want %x", got, want)
	}
	if st := d.Unregister(res); !st.OK() {
		t.Errorf("Unregister() = %s", st)
	}
}

func TestStreamOrdering(t *testing.T) {
	d, alloc, res := newRegistered(t, 4, 1, driver.MapFlagsNone)
	s := newStream(t, d)
	if st := d.MapResources(res, s); !st.OK() {
		t.Fatalf("MapResources() = %s", st)
	}
	ptr, n, _ := d.MappedPointer(res)

	if st := d.Memset(s, ptr, 0xAB, n); !st.OK() {
		t.Fatalf("Memset() = %s", st)
	}
	host := make([]byte, n)
	src := driver.Endpoint{Domain: driver.DomainSoftware, Ptr: ptr}
	dst := driver.Endpoint{Domain: driver.DomainHost, Host: host}
	if st := d.MemcpyAsync(s, dst, src, n); !st.OK() {
		t.Fatalf("MemcpyAsync() = %s", st)
	}
	if host[0] != 0 {
		t.Error("copy ran before Synchronize")
	}
	if st := d.Synchronize(s); !st.OK() {
		t.Fatalf("Synchronize() = %s", st)
	}
	if !bytes.Equal(host, bytes.Repeat([]byte{0xAB}, int(n))) {
		t.Errorf("host = %x, want all 0xab", host)
	}

	// Unmap completes pending work before graphics can read.
	if st := d.Memset(s, ptr, 0x11, n); !st.OK() {
		t.Fatalf("Memset() = %s", st)
	}
	if st := d.UnmapResources(res, s); !st.OK() {
		t.Fatalf("UnmapResources() = %s", st)
	}
	got, err := d.Contents(alloc)
	if err != nil {
		t.Fatalf("Contents() error = %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x11}, int(n))) {
		t.Errorf("Contents() = %x, want all 0x11", got)
	}
}

func TestReadOnlyRegistration(t *testing.T) {
	d, _, res := newRegistered(t, 2, 2, driver.MapFlagsReadOnly)
	s := newStream(t, d)
	if st := d.MapResources(res, s); !st.OK() {
		t.Fatalf("MapResources() = %s", st)
	}
	ptr, n, _ := d.MappedPointer(res)
	if st := d.Memset(s, ptr, 0, n); st != driver.StatusNotPermitted {
		t.Errorf("Memset(read-only) = %s, want NotPermitted", st)
	}
	host := make([]byte, n)
	src := driver.Endpoint{Domain: driver.DomainSoftware, Ptr: ptr}
	if st := d.MemcpyAsync(s, driver.Endpoint{Domain: driver.DomainHost, Host: host}, src, n); !st.OK() {
		t.Errorf("MemcpyAsync(read) = %s", st)
	}
}

func TestMemcpyEndpoints(t *testing.T) {
	d, _, res := newRegistered(t, 2, 2, driver.MapFlagsNone)
	s := newStream(t, d)
	_ = d.MapResources(res, s)
	ptr, n, _ := d.MappedPointer(res)
	dev := driver.Endpoint{Domain: driver.DomainSoftware, Ptr: ptr}

	tests := []struct {
		name string
		dst  driver.Endpoint
		src  driver.Endpoint
		want driver.Status
	}{
		{"short host", dev, driver.Endpoint{Domain: driver.DomainHost, Host: make([]byte, 1)}, driver.StatusInvalidValue},
		{"foreign domain", dev, driver.Endpoint{Domain: driver.DomainCUDA, Ptr: 0x1000}, driver.StatusNotSupported},
		{"out of range", driver.Endpoint{Domain: driver.DomainSoftware, Ptr: ptr + 8}, driver.Endpoint{Domain: driver.DomainHost, Host: make([]byte, n)}, driver.StatusIllegalAddress},
		{"wild pointer", driver.Endpoint{Domain: driver.DomainSoftware, Ptr: 0x10}, driver.Endpoint{Domain: driver.DomainHost, Host: make([]byte, n)}, driver.StatusIllegalAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if st := d.MemcpyAsync(s, tt.dst, tt.src, n); st != tt.want {
				t.Errorf("MemcpyAsync() = %s, want %s", st, tt.want)
			}
		})
	}
	if st := d.MemcpyAsync(s, dev, dev, -1); st != driver.StatusInvalidValue {
		t.Errorf("MemcpyAsync(n=-1) = %s, want InvalidValue", st)
	}
	if st := d.Memset(driver.Stream(777), ptr, 0, n); st != driver.StatusInvalidHandle {
		t.Errorf("Memset(bad stream) = %s, want InvalidHandle", st)
	}
}

func TestMallocFree(t *testing.T) {
	d := New()
	defer d.Close()
	s := newStream(t, d)

	a, err := d.Malloc(100)
	if err != nil {
		t.Fatalf("Malloc() error = %v", err)
	}
	b, err := d.Malloc(100)
	if err != nil {
		t.Fatalf("Malloc() error = %v", err)
	}
	if b <= a+100 {
		t.Errorf("regions overlap or touch: a=%#x b=%#x", uintptr(a), uintptr(b))
	}
	if st := d.MemcpyAsync(s, driver.Endpoint{Domain: driver.DomainSoftware, Ptr: b},
		driver.Endpoint{Domain: driver.DomainSoftware, Ptr: a}, 100); !st.OK() {
		t.Errorf("MemcpyAsync(device to device) = %s", st)
	}
	if err := d.Free(a); err != nil {
		t.Errorf("Free() error = %v", err)
	}
	if err := d.Free(a); err == nil {
		t.Error("Free(twice) error = nil")
	}
	if _, err := d.Malloc(0); err == nil {
		t.Error("Malloc(0) error = nil")
	}
}

func TestFaultInjection(t *testing.T) {
	d, _, res := newRegistered(t, 2, 2, driver.MapFlagsNone)
	s := newStream(t, d)

	d.FailNext(OpMap, driver.StatusMapFailed)
	if st := d.MapResources(res, s); st != driver.StatusMapFailed {
		t.Errorf("MapResources() = %s, want MapFailed", st)
	}
	if st := d.MapResources(res, s); !st.OK() {
		t.Errorf("MapResources() after one-shot fault = %s", st)
	}

	d.SkewMappedLength(-4)
	_, n, _ := d.MappedPointer(res)
	if n != 12 {
		t.Errorf("skewed length = %d, want 12", n)
	}

	calls := d.Calls()
	want := []Op{OpAllocate, OpRegister, OpNewStream, OpMap, OpMap, OpPointer}
	if len(calls) != len(want) {
		t.Fatalf("Calls() = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Calls()[%d] = %s, want %s", i, calls[i], want[i])
		}
	}
	d.ResetCalls()
	if len(d.Calls()) != 0 {
		t.Error("ResetCalls() left entries")
	}
}

func TestImage(t *testing.T) {
	d, alloc, res := newRegistered(t, 2, 1, driver.MapFlagsNone)
	s := newStream(t, d)
	img, err := d.NewImage(alloc)
	if err != nil {
		t.Fatalf("NewImage() error = %v", err)
	}
	sw := img.(*Image)

	_ = d.MapResources(res, s)
	if err := img.Update(); !errors.Is(err, display.ErrBusy) {
		t.Errorf("Update(mapped) error = %v, want ErrBusy", err)
	}
	if err := img.Bind(0); !errors.Is(err, display.ErrBusy) {
		t.Errorf("Bind(mapped) error = %v, want ErrBusy", err)
	}
	ptr, n, _ := d.MappedPointer(res)
	_ = d.Memset(s, ptr, 0x7F, n)
	_ = d.UnmapResources(res, s)

	if err := img.Update(); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := img.Bind(3); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if unit, ok := sw.Unit(); !ok || unit != 3 {
		t.Errorf("Unit() = (%d, %v), want (3, true)", unit, ok)
	}
	if !bytes.Equal(sw.Pixels(), bytes.Repeat([]byte{0x7F}, 8)) {
		t.Errorf("Pixels() = %x", sw.Pixels())
	}
	if sw.Updates() != 1 {
		t.Errorf("Updates() = %d, want 1", sw.Updates())
	}
	if err := img.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if err := img.Release(); !errors.Is(err, display.ErrReleased) {
		t.Errorf("Release(twice) error = %v, want ErrReleased", err)
	}
}

func TestReleaseAllocation(t *testing.T) {
	d, alloc, res := newRegistered(t, 2, 2, driver.MapFlagsNone)
	if err := d.Release(alloc); !errors.Is(err, display.ErrStillRegistered) {
		t.Errorf("Release(registered) error = %v, want ErrStillRegistered", err)
	}
	_ = d.Unregister(res)
	if err := d.Release(alloc); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if err := d.Release(alloc); !errors.Is(err, display.ErrUnknownAllocation) {
		t.Errorf("Release(twice) error = %v, want ErrUnknownAllocation", err)
	}
	if _, err := d.Allocate(display.Descriptor{Width: 0, Height: 1, Format: gputypes.TextureFormatR32Float}); !errors.Is(err, display.ErrInvalidDimensions) {
		t.Errorf("Allocate(0x1) error = %v, want ErrInvalidDimensions", err)
	}
}

func TestLaunch(t *testing.T) {
	d, alloc, res := newRegistered(t, 4, 4, driver.MapFlagsNone)
	s := newStream(t, d)
	_ = d.MapResources(res, s)
	ptr, n, _ := d.MappedPointer(res)

	params := kernel.Params{Width: 4, Height: 4, Format: gputypes.TextureFormatR32Float}
	if st := d.Launch(s, kernel.Gradient, ptr, n, params); !st.OK() {
		t.Fatalf("Launch() = %s", st)
	}
	if st := d.Launch(s, &kernel.Program{Name: "gpu-only"}, ptr, n, params); st != driver.StatusNotSupported {
		t.Errorf("Launch(no reference) = %s, want NotSupported", st)
	}
	_ = d.UnmapResources(res, s)

	got, _ := d.Contents(alloc)
	want := make([]byte, n)
	kernel.Gradient.Reference(want, params)
	if !bytes.Equal(got, want) {
		t.Error("launched gradient differs from reference")
	}
}

func TestClosedDevice(t *testing.T) {
	d := New()
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close(twice) error = %v", err)
	}
	if _, st := d.NewStream(); st != driver.StatusNotInitialized {
		t.Errorf("NewStream(closed) = %s, want NotInitialized", st)
	}
}
