// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import "fmt"

// MappingState tells which domain owns a registered allocation.
type MappingState uint8

const (
	// Unmapped means the display pipeline owns the memory.
	Unmapped MappingState = iota

	// MappedToCompute means the compute pipeline owns the memory and a
	// device pointer is valid.
	MappedToCompute
)

// String returns the string representation of MappingState.
func (s MappingState) String() string {
	switch s {
	case Unmapped:
		return "Unmapped"
	case MappedToCompute:
		return "MappedToCompute"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}
