// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package driver defines the native-call boundary between the interop layer
// and a compute runtime.
//
// Every call returns a [Status] instead of an error, mirroring the native
// runtimes this boundary wraps. The interop package converts non-success
// statuses into its own error taxonomy; implementations never panic on bad
// input and never retry.
//
// Implementations register themselves by name (see [Register]):
//
//	import _ "github.com/gogpu/interop/driver/software" // host-memory driver
//	import _ "github.com/gogpu/interop/driver/wgpu"   // gogpu/wgpu driver
package driver

import (
	"fmt"

	"github.com/gogpu/interop/display"
)

// Status is a native status code. The numeric values follow the CUDA driver
// API so the cgo driver can pass results through unchanged.
type Status int32

// Status codes.
const (
	StatusSuccess                Status = 0
	StatusInvalidValue           Status = 1
	StatusOutOfMemory            Status = 2
	StatusNotInitialized         Status = 3
	StatusInvalidContext         Status = 201
	StatusMapFailed              Status = 205
	StatusUnmapFailed            Status = 206
	StatusAlreadyMapped          Status = 208
	StatusAlreadyAcquired        Status = 210
	StatusNotMapped              Status = 211
	StatusInvalidGraphicsContext Status = 219
	StatusInvalidHandle          Status = 400
	StatusIllegalAddress         Status = 700
	StatusNotPermitted           Status = 800
	StatusNotSupported           Status = 801
	StatusUnknown                Status = 999
)

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool { return s == StatusSuccess }

// Err returns nil for StatusSuccess and an error carrying s otherwise.
// The error compares equal to s with errors.Is on a StatusError.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return StatusError(s)
}

// StatusError is a non-success Status used as an error.
type StatusError Status

func (e StatusError) Error() string {
	return "driver: " + Status(e).String()
}

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusInvalidValue:
		return "InvalidValue"
	case StatusOutOfMemory:
		return "OutOfMemory"
	case StatusNotInitialized:
		return "NotInitialized"
	case StatusInvalidContext:
		return "InvalidContext"
	case StatusMapFailed:
		return "MapFailed"
	case StatusUnmapFailed:
		return "UnmapFailed"
	case StatusAlreadyMapped:
		return "AlreadyMapped"
	case StatusAlreadyAcquired:
		return "AlreadyAcquired"
	case StatusNotMapped:
		return "NotMapped"
	case StatusInvalidGraphicsContext:
		return "InvalidGraphicsContext"
	case StatusInvalidHandle:
		return "InvalidHandle"
	case StatusIllegalAddress:
		return "IllegalAddress"
	case StatusNotPermitted:
		return "NotPermitted"
	case StatusNotSupported:
		return "NotSupported"
	case StatusUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Domain is the memory domain an address belongs to.
type Domain uint8

const (
	// DomainUnknown is the zero value; no driver reports it.
	DomainUnknown Domain = iota

	// DomainHost is ordinary host memory.
	DomainHost

	// DomainSoftware is device memory emulated in host RAM.
	DomainSoftware

	// DomainWGPU is memory owned by a gogpu/wgpu device.
	DomainWGPU

	// DomainCUDA is CUDA device memory.
	DomainCUDA

	// DomainOpenCL is OpenCL device memory. No driver in this module serves
	// it, and transfers reject it as source or destination.
	DomainOpenCL
)

// String returns the string representation of Domain.
func (d Domain) String() string {
	switch d {
	case DomainUnknown:
		return "Unknown"
	case DomainHost:
		return "Host"
	case DomainSoftware:
		return "Software"
	case DomainWGPU:
		return "WebGPU"
	case DomainCUDA:
		return "CUDA"
	case DomainOpenCL:
		return "OpenCL"
	default:
		return fmt.Sprintf("Domain(%d)", int(d))
	}
}

// MapFlags is the access policy declared when registering an allocation.
type MapFlags uint32

const (
	// MapFlagsNone lets compute both read and write the memory.
	MapFlagsNone MapFlags = 0

	// MapFlagsReadOnly declares that compute only reads the memory.
	MapFlagsReadOnly MapFlags = 1

	// MapFlagsWriteDiscard declares that compute overwrites the whole region,
	// so prior contents may be discarded on map.
	MapFlagsWriteDiscard MapFlags = 2
)

// Valid reports whether f is one of the defined policies.
func (f MapFlags) Valid() bool {
	return f <= MapFlagsWriteDiscard
}

// String returns the string representation of MapFlags.
func (f MapFlags) String() string {
	switch f {
	case MapFlagsNone:
		return "None"
	case MapFlagsReadOnly:
		return "ReadOnly"
	case MapFlagsWriteDiscard:
		return "WriteDiscard"
	default:
		return fmt.Sprintf("MapFlags(%d)", uint32(f))
	}
}

// DevicePtr is an address in a driver's device address space.
type DevicePtr uintptr

// Resource is the opaque native handle of a registered allocation.
type Resource uint64

// Stream is the opaque native handle of an ordered work queue.
type Stream uint64

// Endpoint is one side of a memory copy. Host endpoints carry a slice,
// device endpoints carry an address.
type Endpoint struct {
	Domain Domain
	Ptr    DevicePtr
	Host   []byte
}

// Driver is the compute runtime boundary.
//
// Stream-ordered calls (Memset, MemcpyAsync, MapResources, UnmapResources)
// may complete asynchronously; their effects are visible to the host only
// after Synchronize on the same stream.
type Driver interface {
	// Name returns the driver identifier (e.g. "software", "wgpu").
	Name() string

	// Domain returns the memory domain of the driver's device pointers.
	Domain() Domain

	// NewStream creates an ordered work queue.
	NewStream() (Stream, Status)

	// DestroyStream releases a stream created by NewStream.
	DestroyStream(s Stream) Status

	// Synchronize blocks until all work enqueued on s has completed.
	Synchronize(s Stream) Status

	// Register binds a graphics allocation to the compute runtime.
	Register(alloc display.Allocation, flags MapFlags) (Resource, Status)

	// Unregister releases a registration. The resource must be unmapped.
	Unregister(res Resource) Status

	// MapResources grants compute exclusive access to res, ordered on s.
	MapResources(res Resource, s Stream) Status

	// UnmapResources returns res to the graphics runtime, ordered on s.
	UnmapResources(res Resource, s Stream) Status

	// MappedPointer returns the device address and byte length of a mapped resource.
	MappedPointer(res Resource) (DevicePtr, int64, Status)

	// Memset sets n bytes starting at dst to value, ordered on s.
	Memset(s Stream, dst DevicePtr, value byte, n int64) Status

	// MemcpyAsync copies n bytes from src to dst, ordered on s.
	MemcpyAsync(s Stream, dst, src Endpoint, n int64) Status

	// Close releases the driver. Outstanding registrations are a leak.
	Close() error
}
