// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Driver names used by the implementations in this module.
const (
	// NameSoftware is the host-memory driver (driver/software).
	NameSoftware = "software"
	// NameWGPU is the gogpu/wgpu driver (driver/wgpu).
	NameWGPU = "wgpu"
	// NameCUDA is the native CUDA/OpenGL driver (driver/cuda, cuda build tag).
	NameCUDA = "cuda"
)

// ErrNotAvailable is returned when a requested driver is not registered or
// cannot be opened on this machine.
var ErrNotAvailable = errors.New("driver: not available")

// Factory opens a new driver instance.
type Factory func() (Driver, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for Default (first driver that opens wins).
	priority = []string{NameCUDA, NameWGPU, NameSoftware}
)

// Register registers a driver factory under name.
// This is typically called from init() functions in driver packages.
// A factory registered under an existing name replaces it.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a driver from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the sorted names of registered drivers.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a driver with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Open opens the driver registered under name.
func Open(name string) (Driver, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrNotAvailable, name)
	}
	d, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAvailable, name, err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAvailable, name)
	}
	return d, nil
}

// Default opens the best available driver.
// Priority order: cuda > wgpu > software, then any other registered driver.
func Default() (Driver, error) {
	registryMu.RLock()
	ordered := make([]string, 0, len(factories))
	ordered = append(ordered, priority...)
	var rest []string
	for name := range factories {
		if !contains(priority, name) {
			rest = append(rest, name)
		}
	}
	registryMu.RUnlock()
	sort.Strings(rest)
	ordered = append(ordered, rest...)

	var errs []error
	for _, name := range ordered {
		if !IsRegistered(name) {
			continue
		}
		d, err := Open(name)
		if err == nil {
			return d, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no drivers registered", ErrNotAvailable)
	}
	return nil, errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
