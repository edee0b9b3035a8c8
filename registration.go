// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"fmt"
	"sync"

	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
)

// registered maps every live registration by allocation, across all
// accelerators, so an allocation is never registered twice.
var (
	registryMu sync.Mutex
	registered = make(map[display.AllocationID]*Registration)
)

// Registration binds one graphics allocation to one accelerator.
// It starts Unmapped and must be released with Unregister.
type Registration struct {
	accel *Accelerator
	alloc display.Allocation
	flags driver.MapFlags

	mu       sync.Mutex
	res      driver.Resource
	state    MappingState
	stream   *Stream
	view     View
	lease    *lease
	strict   bool
	released bool

	// onUnmap runs after every successful Unmap, outside the lock.
	onUnmap func() error
}

// Register binds alloc to accel with the given access policy.
//
// It fails with ErrRegistration when alloc is invalid, when the driver
// rejects it, or when alloc is already registered with any accelerator.
func Register(accel *Accelerator, alloc display.Allocation, flags driver.MapFlags) (*Registration, error) {
	if accel == nil {
		return nil, fmt.Errorf("%w: nil accelerator", ErrRegistration)
	}
	if accel.isClosed() {
		return nil, fmt.Errorf("%w: %w", ErrRegistration, ErrClosed)
	}
	if !flags.Valid() {
		return nil, fmt.Errorf("%w: invalid map flags %d", ErrRegistration, uint32(flags))
	}
	if !alloc.Valid() {
		return nil, fmt.Errorf("%w: invalid allocation %s", ErrRegistration, alloc)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if prev, ok := registered[alloc.ID]; ok {
		return nil, fmt.Errorf("%w: %s is already registered with accelerator %s", ErrRegistration, alloc, prev.accel.label)
	}
	res, st := accel.drv.Register(alloc, flags)
	if err := deviceError("register", st); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRegistration, alloc, err)
	}

	r := &Registration{accel: accel, alloc: alloc, flags: flags, res: res}
	registered[alloc.ID] = r
	accel.trackRegistration(1)
	Logger().Debug("interop: registered", "alloc", alloc.String(), "accelerator", accel.label, "flags", flags.String())
	return r, nil
}

// Unregister releases the registration. It fails with ErrResourceBusy while
// mapped and with ErrRegistration when called again.
func (r *Registration) Unregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return fmt.Errorf("%w: %s is not registered", ErrRegistration, r.alloc)
	}
	if r.state == MappedToCompute {
		return fmt.Errorf("%w: cannot unregister mapped %s", ErrResourceBusy, r.alloc)
	}
	if err := deviceError("unregister", r.accel.drv.Unregister(r.res)); err != nil {
		return err
	}
	r.released = true

	registryMu.Lock()
	delete(registered, r.alloc.ID)
	registryMu.Unlock()
	r.accel.trackRegistration(-1)
	Logger().Debug("interop: unregistered", "alloc", r.alloc.String())
	return nil
}

// SetStrictMapping makes Map fail with ErrResourceBusy when the resource
// is already mapped, instead of returning the live view.
func (r *Registration) SetStrictMapping(strict bool) {
	r.mu.Lock()
	r.strict = strict
	r.mu.Unlock()
}

// Accelerator returns the accelerator the allocation is registered with.
func (r *Registration) Accelerator() *Accelerator { return r.accel }

// Allocation returns the registered allocation.
func (r *Registration) Allocation() display.Allocation { return r.alloc }

// Flags returns the access policy.
func (r *Registration) Flags() driver.MapFlags { return r.flags }

// Resource returns the native resource handle.
func (r *Registration) Resource() driver.Resource { return r.res }

// State returns the current mapping state.
func (r *Registration) State() MappingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Registered reports whether Unregister has not yet succeeded.
func (r *Registration) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.released
}

// MappedStream returns the stream the resource is mapped on, or nil.
func (r *Registration) MappedStream() *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// IsRegistered reports whether alloc currently has a registration.
func IsRegistered(alloc display.Allocation) bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	_, ok := registered[alloc.ID]
	return ok
}
