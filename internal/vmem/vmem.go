// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package vmem provides the bookkeeping shared by drivers that expose
// memory through synthetic device addresses: an address space of regions
// and per-stream operation queues.
package vmem

import (
	"github.com/gogpu/interop/driver"
)

// DefaultBase is the first address handed out by a Space.
const DefaultBase = driver.DevicePtr(0x1000_0000)

// Regions are aligned and separated by a guard gap so that an access
// running off the end of one region never lands in the next.
const (
	regionAlign = 64 << 10
	regionGuard = 64 << 10
)

// Region is a span of device addresses carrying a driver value.
type Region[T any] struct {
	Base  driver.DevicePtr
	Size  int64
	Value T
}

// Contains reports whether [ptr, ptr+n) lies inside r.
func (r *Region[T]) Contains(ptr driver.DevicePtr, n int64) bool {
	if ptr < r.Base || n < 0 {
		return false
	}
	return int64(ptr-r.Base)+n <= r.Size
}

// Space is an address space. It is not safe for concurrent use; drivers
// guard it with their own lock.
type Space[T any] struct {
	next    driver.DevicePtr
	regions []*Region[T]
}

// NewSpace returns an empty address space starting at base.
func NewSpace[T any](base driver.DevicePtr) *Space[T] {
	return &Space[T]{next: base}
}

// Reserve allocates a region of size bytes. Addresses are never reused.
func (s *Space[T]) Reserve(size int64, v T) *Region[T] {
	r := &Region[T]{Base: s.next, Size: size, Value: v}
	span := (size + regionAlign - 1) &^ (regionAlign - 1)
	s.next += driver.DevicePtr(span + regionGuard)
	s.regions = append(s.regions, r)
	return r
}

// Release removes r. It reports false if r is not in the space.
func (s *Space[T]) Release(r *Region[T]) bool {
	for i, cur := range s.regions {
		if cur == r {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return true
		}
	}
	return false
}

// At returns the region starting exactly at base.
func (s *Space[T]) At(base driver.DevicePtr) (*Region[T], bool) {
	for _, r := range s.regions {
		if r.Base == base {
			return r, true
		}
	}
	return nil, false
}

// Resolve finds the region holding [ptr, ptr+n) and returns it with the
// offset of ptr. Addresses outside every region, or ranges crossing a
// region end, yield StatusIllegalAddress.
func (s *Space[T]) Resolve(ptr driver.DevicePtr, n int64) (*Region[T], int64, driver.Status) {
	if n < 0 {
		return nil, 0, driver.StatusInvalidValue
	}
	for _, r := range s.regions {
		if ptr < r.Base || ptr >= r.Base+driver.DevicePtr(r.Size) {
			continue
		}
		if !r.Contains(ptr, n) {
			return nil, 0, driver.StatusIllegalAddress
		}
		return r, int64(ptr - r.Base), driver.StatusSuccess
	}
	return nil, 0, driver.StatusIllegalAddress
}

// Len returns the number of live regions.
func (s *Space[T]) Len() int { return len(s.regions) }

// Reset drops every region.
func (s *Space[T]) Reset() { s.regions = nil }

// Queue is the ordered work of one stream.
type Queue struct {
	ops []func() driver.Status
}

// Push appends op.
func (q *Queue) Push(op func() driver.Status) {
	q.ops = append(q.ops, op)
}

// Len returns the number of pending operations.
func (q *Queue) Len() int { return len(q.ops) }

// Drain runs the pending operations in order and clears the queue. Every
// operation runs; the first failure is returned.
func (q *Queue) Drain() driver.Status {
	st := driver.StatusSuccess
	for _, op := range q.ops {
		if s := op(); !s.OK() && st.OK() {
			st = s
		}
	}
	clear(q.ops)
	q.ops = q.ops[:0]
	return st
}
