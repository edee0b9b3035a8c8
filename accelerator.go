// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/interop/driver"
)

var (
	accelMu  sync.RWMutex
	accels   = make(map[*Accelerator]struct{})
	accelIDs atomic.Uint64
)

// Accelerator is a compute device opened through a driver. It owns the
// driver and every stream created from it.
type Accelerator struct {
	id    uint64
	label string
	drv   driver.Driver

	mu      sync.Mutex
	streams map[*Stream]struct{}
	regs    int
	closed  bool
}

// NewAccelerator wraps drv. The accelerator takes ownership of drv and
// closes it in Close.
func NewAccelerator(drv driver.Driver, opts ...AcceleratorOption) (*Accelerator, error) {
	if drv == nil {
		return nil, ErrNoDriver
	}
	o := acceleratorOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	a := &Accelerator{
		id:      accelIDs.Add(1),
		label:   o.label,
		drv:     drv,
		streams: make(map[*Stream]struct{}),
	}
	if a.label == "" {
		a.label = fmt.Sprintf("%s-%d", drv.Name(), a.id)
	}

	accelMu.Lock()
	accels[a] = struct{}{}
	accelMu.Unlock()
	propagateLogger(drv, Logger())

	Logger().Info("interop: accelerator opened", "accelerator", a.label, "driver", drv.Name(), "domain", drv.Domain().String())
	return a, nil
}

// OpenAccelerator opens the named driver from the driver registry, or the
// default driver when name is empty.
func OpenAccelerator(name string, opts ...AcceleratorOption) (*Accelerator, error) {
	var (
		drv driver.Driver
		err error
	)
	if name == "" {
		drv, err = driver.Default()
	} else {
		drv, err = driver.Open(name)
	}
	if err != nil {
		return nil, err
	}
	return NewAccelerator(drv, opts...)
}

// ID returns the process-unique accelerator ID.
func (a *Accelerator) ID() uint64 { return a.id }

// Label returns the debug label.
func (a *Accelerator) Label() string { return a.label }

// Driver returns the underlying driver.
func (a *Accelerator) Driver() driver.Driver { return a.drv }

// Domain returns the memory domain of the accelerator's device pointers.
func (a *Accelerator) Domain() driver.Domain { return a.drv.Domain() }

// NewStream creates an ordered work queue on the accelerator.
func (a *Accelerator) NewStream() (*Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("%w: accelerator %s", ErrClosed, a.label)
	}
	native, st := a.drv.NewStream()
	if err := deviceError("stream.create", st); err != nil {
		return nil, err
	}
	s := &Stream{accel: a, native: native}
	a.streams[s] = struct{}{}
	return s, nil
}

// Close destroys the remaining streams and closes the driver. Close is
// idempotent.
func (a *Accelerator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	streams := make([]*Stream, 0, len(a.streams))
	for s := range a.streams {
		streams = append(streams, s)
	}
	regs := a.regs
	a.mu.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if regs > 0 {
		Logger().Warn("interop: accelerator closed with live registrations", "accelerator", a.label, "count", regs)
	}
	if err := a.drv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("interop: close driver %s: %w", a.drv.Name(), err))
	}

	accelMu.Lock()
	delete(accels, a)
	accelMu.Unlock()

	Logger().Info("interop: accelerator closed", "accelerator", a.label)
	return errors.Join(errs...)
}

func (a *Accelerator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Accelerator) trackRegistration(delta int) {
	a.mu.Lock()
	a.regs += delta
	a.mu.Unlock()
}

// checkStream returns ErrInvalidStream unless s is an open stream of a.
func (a *Accelerator) checkStream(s *Stream) error {
	if s == nil {
		return fmt.Errorf("%w: nil stream", ErrInvalidStream)
	}
	if s.accel != a {
		return fmt.Errorf("%w: stream belongs to accelerator %s, not %s", ErrInvalidStream, s.accel.label, a.label)
	}
	if s.isClosed() {
		return fmt.Errorf("%w: stream is closed", ErrInvalidStream)
	}
	return nil
}

// Stream is an ordered queue of device work. Operations enqueued on one
// stream run in submission order; the host waits only in Synchronize.
type Stream struct {
	accel  *Accelerator
	native driver.Stream

	// mapped counts registrations currently mapped on this stream.
	mapped atomic.Int32

	mu     sync.Mutex
	closed bool
}

// Accelerator returns the accelerator the stream belongs to.
func (s *Stream) Accelerator() *Accelerator { return s.accel }

// Native returns the driver's stream handle.
func (s *Stream) Native() driver.Stream { return s.native }

// Synchronize blocks until all work enqueued on s has completed.
func (s *Stream) Synchronize() error {
	if err := s.accel.checkStream(s); err != nil {
		return err
	}
	return deviceError("synchronize", s.accel.drv.Synchronize(s.native))
}

// SynchronizeContext is Synchronize with a wait budget. It returns ctx.Err()
// if ctx ends first; the enqueued work keeps running and a later
// Synchronize still waits for it.
func (s *Stream) SynchronizeContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- s.Synchronize()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close completes pending work and destroys the stream. It fails with
// ErrResourceBusy while a registration is mapped on s.
func (s *Stream) Close() error {
	if n := s.mapped.Load(); n > 0 {
		return fmt.Errorf("%w: %d resource(s) still mapped on stream", ErrResourceBusy, n)
	}
	if err := s.destroy(); err != nil {
		return err
	}
	s.accel.mu.Lock()
	delete(s.accel.streams, s)
	s.accel.mu.Unlock()
	return nil
}

func (s *Stream) destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return deviceError("stream.destroy", s.accel.drv.DestroyStream(s.native))
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
