// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/interop/driver"
	"github.com/gogpu/interop/driver/software"
)

func TestNewAccelerator(t *testing.T) {
	if _, err := NewAccelerator(nil); !errors.Is(err, ErrNoDriver) {
		t.Errorf("NewAccelerator(nil) error = %v, want ErrNoDriver", err)
	}

	a, _ := newTestAccelerator(t)
	if a.Domain() != driver.DomainSoftware {
		t.Errorf("Domain() = %v, want Software", a.Domain())
	}
	if !strings.HasPrefix(a.Label(), "software-") {
		t.Errorf("Label() = %q, want software-<id>", a.Label())
	}
	if a.Driver() == nil || a.ID() == 0 {
		t.Error("accessors returned zero values")
	}

	named, err := NewAccelerator(software.New(), WithAcceleratorLabel("main"))
	if err != nil {
		t.Fatalf("NewAccelerator() error = %v", err)
	}
	defer named.Close()
	if named.Label() != "main" {
		t.Errorf("Label() = %q, want main", named.Label())
	}
	if named.ID() == a.ID() {
		t.Error("accelerators share an ID")
	}
}

func TestOpenAccelerator(t *testing.T) {
	a, err := OpenAccelerator(driver.NameSoftware)
	if err != nil {
		t.Fatalf("OpenAccelerator(software) error = %v", err)
	}
	defer a.Close()
	if a.Driver().Name() != driver.NameSoftware {
		t.Errorf("driver = %q, want software", a.Driver().Name())
	}

	if _, err := OpenAccelerator("no-such-driver"); !errors.Is(err, driver.ErrNotAvailable) {
		t.Errorf("OpenAccelerator(unknown) error = %v, want ErrNotAvailable", err)
	}

	d, err := OpenAccelerator("")
	if err != nil {
		t.Fatalf("OpenAccelerator(default) error = %v", err)
	}
	_ = d.Close()
}

func TestAcceleratorClose(t *testing.T) {
	dev := software.New()
	a, err := NewAccelerator(dev)
	if err != nil {
		t.Fatalf("NewAccelerator() error = %v", err)
	}
	s := newTestStream(t, a)

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close() twice error = %v", err)
	}
	if _, err := a.NewStream(); !errors.Is(err, ErrClosed) {
		t.Errorf("NewStream(closed) error = %v, want ErrClosed", err)
	}
	if err := s.Synchronize(); !errors.Is(err, ErrInvalidStream) {
		t.Errorf("Synchronize(stream of closed accelerator) error = %v, want ErrInvalidStream", err)
	}
}

func TestStreamSynchronize(t *testing.T) {
	a, dev := newTestAccelerator(t)
	s := newTestStream(t, a)
	if s.Accelerator() != a || s.Native() == 0 {
		t.Error("stream accessors mismatch")
	}

	if err := s.Synchronize(); err != nil {
		t.Errorf("Synchronize() error = %v", err)
	}
	if err := s.SynchronizeContext(context.Background()); err != nil {
		t.Errorf("SynchronizeContext() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SynchronizeContext(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("SynchronizeContext(canceled) error = %v, want context.Canceled", err)
	}

	dev.FailNext(software.OpSynchronize, driver.StatusIllegalAddress)
	var de *DeviceError
	if err := s.Synchronize(); !errors.As(err, &de) || de.Op != "synchronize" {
		t.Errorf("Synchronize() error = %v, want DeviceError{synchronize}", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() twice error = %v", err)
	}
}

func TestNewStreamDriverFailure(t *testing.T) {
	a, dev := newTestAccelerator(t)
	dev.FailNext(software.OpNewStream, driver.StatusOutOfMemory)
	if _, err := a.NewStream(); !errors.Is(err, ErrDeviceOperation) {
		t.Errorf("NewStream() error = %v, want ErrDeviceOperation", err)
	}
}
