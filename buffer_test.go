// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
	"github.com/gogpu/interop/driver/software"
)

func TestWriteDiscardScenario(t *testing.T) {
	a, dev := newTestAccelerator(t)
	s := newTestStream(t, a)
	b := newTestBuffer(t, a, dev, 64, 64,
		WithFormat(gputypes.TextureFormatRGBA8Unorm),
		WithMapFlags(driver.MapFlagsWriteDiscard))

	// Leave stale content behind so the zero fill is observable.
	v, err := b.MapCompute(s)
	if err != nil {
		t.Fatalf("MapCompute() error = %v", err)
	}
	_ = Fill(s, 0xAA, v)
	_ = b.UnmapCompute(s)

	v, err = b.MapCompute(s)
	if err != nil {
		t.Fatalf("MapCompute() error = %v", err)
	}
	if v.Len() != 64*64*4 {
		t.Fatalf("view length = %d, want %d", v.Len(), 64*64*4)
	}
	if err := Fill(s, 0, v); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if err := b.UnmapCompute(s); err != nil {
		t.Fatalf("UnmapCompute() error = %v", err)
	}
	if err := b.BindForDisplay(0); err != nil {
		t.Fatalf("BindForDisplay() error = %v", err)
	}

	got, err := dev.Contents(b.Allocation())
	if err != nil {
		t.Fatalf("Contents() error = %v", err)
	}
	if len(got) != 64*64*4 || !allBytes(got, 0) {
		t.Error("display content is not all zero")
	}
	img := b.Image().(*software.Image)
	if !allBytes(img.Pixels(), 0) {
		t.Error("presented image is not all zero")
	}
	if unit, ok := img.Unit(); !ok || unit != 0 {
		t.Errorf("image Unit() = (%d, %v), want (0, true)", unit, ok)
	}
}

func TestBindForDisplayWhileMapped(t *testing.T) {
	a, dev := newTestAccelerator(t)
	s := newTestStream(t, a)
	b := newTestBuffer(t, a, dev, 4, 4)

	if _, err := b.MapCompute(s); err != nil {
		t.Fatalf("MapCompute() error = %v", err)
	}
	if err := b.BindForDisplay(1); !errors.Is(err, ErrResourceBusy) {
		t.Errorf("BindForDisplay(mapped) error = %v, want ErrResourceBusy", err)
	}
	_ = b.UnmapCompute(s)
	if err := b.BindForDisplay(1); err != nil {
		t.Errorf("BindForDisplay() error = %v", err)
	}
}

func TestNewBufferDefaults(t *testing.T) {
	a, dev := newTestAccelerator(t)
	b := newTestBuffer(t, a, dev, 800, 600, WithLabel("frame"), WithTextureUnit(3))

	if w, h := b.Size(); w != 800 || h != 600 {
		t.Errorf("Size() = (%d, %d), want (800, 600)", w, h)
	}
	if b.Format() != display.DefaultFormat {
		t.Errorf("Format() = %v, want %v", b.Format(), display.DefaultFormat)
	}
	if b.Flags() != driver.MapFlagsNone {
		t.Errorf("Flags() = %v, want None", b.Flags())
	}
	if b.State() != Unmapped {
		t.Errorf("State() = %v, want Unmapped", b.State())
	}
	if b.Label() != "frame" || b.Allocation().Label != "frame" {
		t.Errorf("Label() = %q, allocation label %q", b.Label(), b.Allocation().Label)
	}
	if b.TextureUnit() != 3 {
		t.Errorf("TextureUnit() = %d, want 3", b.TextureUnit())
	}
	if b.Registration() == nil || !IsRegistered(b.Allocation()) {
		t.Error("buffer is not registered")
	}
}

func TestNewBufferInvalid(t *testing.T) {
	a, dev := newTestAccelerator(t)

	if _, err := NewBuffer(a, dev, 0, 10); !errors.Is(err, display.ErrInvalidDimensions) {
		t.Errorf("NewBuffer(0x10) error = %v, want ErrInvalidDimensions", err)
	}
	if _, err := NewBuffer(a, dev, 10, 10, WithFormat(gputypes.TextureFormatUndefined)); !errors.Is(err, display.ErrUnsupportedFormat) {
		t.Errorf("NewBuffer(undefined format) error = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := NewBuffer(nil, dev, 1, 1); !errors.Is(err, ErrNoDriver) {
		t.Errorf("NewBuffer(nil accelerator) error = %v, want ErrNoDriver", err)
	}
	if _, err := NewBuffer(a, nil, 1, 1); err == nil {
		t.Error("NewBuffer(nil display) error = nil")
	}
	if _, err := NewBuffer(a, dev, 1, 1, WithMapFlags(driver.MapFlags(5))); !errors.Is(err, ErrRegistration) {
		t.Errorf("NewBuffer(bad flags) error = %v, want ErrRegistration", err)
	}
}

func TestNewBufferPartialFailure(t *testing.T) {
	a, dev := newTestAccelerator(t)

	dev.FailNext(software.OpRegister, driver.StatusOutOfMemory)
	dev.ResetCalls()
	if _, err := NewBuffer(a, dev, 8, 8); !errors.Is(err, ErrRegistration) {
		t.Fatalf("NewBuffer() error = %v, want ErrRegistration", err)
	}
	want := []software.Op{software.OpAllocate, software.OpImageNew, software.OpRegister, software.OpImageRelease, software.OpRelease}
	assertCalls(t, dev.Calls(), want)

	dev.FailNext(software.OpImageNew, driver.StatusOutOfMemory)
	dev.ResetCalls()
	if _, err := NewBuffer(a, dev, 8, 8); err == nil {
		t.Fatal("NewBuffer() error = nil, want image failure")
	}
	assertCalls(t, dev.Calls(), []software.Op{software.OpAllocate, software.OpImageNew, software.OpRelease})
	if dev.Registered() != 0 {
		t.Errorf("device holds %d registrations, want 0", dev.Registered())
	}
}

func TestCloseSequence(t *testing.T) {
	a, dev := newTestAccelerator(t)
	s := newTestStream(t, a)
	b, err := NewBuffer(a, dev, 4, 4)
	if err != nil {
		t.Fatalf("NewBuffer() error = %v", err)
	}
	alloc := b.Allocation()
	if _, err := b.MapCompute(s); err != nil {
		t.Fatalf("MapCompute() error = %v", err)
	}

	dev.ResetCalls()
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	assertCalls(t, dev.Calls(), []software.Op{
		software.OpUnmap, software.OpImageUpdate, software.OpUnregister, software.OpImageRelease, software.OpRelease,
	})
	if IsRegistered(alloc) {
		t.Error("allocation still registered after Close")
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close() twice error = %v", err)
	}
	if _, err := b.MapCompute(s); !errors.Is(err, ErrClosed) {
		t.Errorf("MapCompute(closed) error = %v, want ErrClosed", err)
	}
	if err := b.BindForDisplay(0); !errors.Is(err, ErrClosed) {
		t.Errorf("BindForDisplay(closed) error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Stream.Close() after buffer Close error = %v", err)
	}
}

func TestCloseRunsEveryStep(t *testing.T) {
	a, dev := newTestAccelerator(t)
	b, err := NewBuffer(a, dev, 4, 4)
	if err != nil {
		t.Fatalf("NewBuffer() error = %v", err)
	}

	dev.FailNext(software.OpUnregister, driver.StatusInvalidContext)
	dev.ResetCalls()
	err = b.Close()
	if !errors.Is(err, ErrDeviceOperation) {
		t.Errorf("Close() error = %v, want ErrDeviceOperation", err)
	}
	if !errors.Is(err, display.ErrStillRegistered) {
		t.Errorf("Close() error = %v, want ErrStillRegistered from the allocation release", err)
	}
	assertCalls(t, dev.Calls(), []software.Op{software.OpUnregister, software.OpImageRelease, software.OpRelease})

	if !IsRegistered(b.Allocation()) {
		t.Fatal("registration released by a failed Close")
	}

	// A second Close finishes the teardown, skipping the image release.
	dev.ResetCalls()
	if err := b.Close(); err != nil {
		t.Fatalf("Close(retry) error = %v", err)
	}
	assertCalls(t, dev.Calls(), []software.Op{software.OpUnregister, software.OpRelease})
	if IsRegistered(b.Allocation()) || dev.Registered() != 0 {
		t.Error("allocation still registered after retried Close")
	}

	dev.ResetCalls()
	if err := b.Close(); err != nil {
		t.Errorf("Close(done) error = %v", err)
	}
	if calls := dev.Calls(); len(calls) != 0 {
		t.Errorf("Close(done) calls = %v, want none", calls)
	}
}

func TestCloseRetriesFailedUnmap(t *testing.T) {
	a, dev := newTestAccelerator(t)
	s := newTestStream(t, a)
	b, err := NewBuffer(a, dev, 4, 4)
	if err != nil {
		t.Fatalf("NewBuffer() error = %v", err)
	}
	if _, err := b.MapCompute(s); err != nil {
		t.Fatalf("MapCompute() error = %v", err)
	}

	dev.FailNext(software.OpUnmap, driver.StatusUnmapFailed)
	if err := b.Close(); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("Close() error = %v, want ErrResourceBusy from the unregister", err)
	}
	if !IsRegistered(b.Allocation()) || b.State() != MappedToCompute {
		t.Fatalf("after failed Close: registered = %v, state = %v", IsRegistered(b.Allocation()), b.State())
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close(retry) error = %v", err)
	}
	if IsRegistered(b.Allocation()) || dev.Registered() != 0 {
		t.Error("allocation still registered after retried Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Stream.Close() error = %v", err)
	}
}

func assertCalls(t *testing.T, got, want []software.Op) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}
