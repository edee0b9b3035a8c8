// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"errors"
	"fmt"

	"github.com/gogpu/interop/driver"
)

// Error categories. Every error returned by this package matches one of
// them with errors.Is.
var (
	// ErrRegistration is returned when an allocation cannot be registered or
	// unregistered: invalid allocation, incompatible backend, already
	// registered, or already unregistered.
	ErrRegistration = errors.New("interop: registration error")

	// ErrInvalidStream is returned for a nil or closed stream, a stream of
	// another accelerator, or an unmap on a stream other than the mapping one.
	ErrInvalidStream = errors.New("interop: invalid stream")

	// ErrResourceBusy is returned when an operation conflicts with the
	// current mapping state.
	ErrResourceBusy = errors.New("interop: resource busy")

	// ErrUnsupportedDomain is returned when a transfer involves memory the
	// stream's accelerator cannot address.
	ErrUnsupportedDomain = errors.New("interop: unsupported memory domain")

	// ErrDeviceOperation is matched by every *DeviceError.
	ErrDeviceOperation = errors.New("interop: device operation failed")

	// ErrLayoutMismatch is returned when mapped memory does not have the
	// layout of the allocation.
	ErrLayoutMismatch = errors.New("interop: layout mismatch")

	// ErrLengthMismatch is returned when copy endpoints differ in length.
	ErrLengthMismatch = errors.New("interop: length mismatch")

	// ErrViewExpired is returned when a view is used after its resource
	// was unmapped.
	ErrViewExpired = errors.New("interop: view expired")

	// ErrClosed is returned when using a closed accelerator or buffer.
	ErrClosed = errors.New("interop: use of closed resource")

	// ErrNoDriver is returned when an accelerator is created without a driver.
	ErrNoDriver = errors.New("interop: no driver")
)

// DeviceError reports a failed driver call.
type DeviceError struct {
	// Op is the driver call that failed, e.g. "map" or "memcpy".
	Op string

	// Status is the native status returned by the driver.
	Status driver.Status
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("interop: %s failed: %s (status %d)", e.Op, e.Status, int32(e.Status))
}

// Is reports whether target is ErrDeviceOperation.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceOperation
}

// Unwrap returns the native status as a driver.StatusError.
func (e *DeviceError) Unwrap() error {
	return e.Status.Err()
}

// deviceError returns nil for a successful status.
func deviceError(op string, st driver.Status) error {
	if st.OK() {
		return nil
	}
	return &DeviceError{Op: op, Status: st}
}

// LayoutError reports a mapped byte length that differs from
// width*height*elementSize.
type LayoutError struct {
	Want, Got int64
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("interop: mapped %d bytes, allocation needs %d", e.Got, e.Want)
}

// Is reports whether target is ErrLayoutMismatch.
func (e *LayoutError) Is(target error) bool {
	return target == ErrLayoutMismatch
}
