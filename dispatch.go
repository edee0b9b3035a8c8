// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"errors"
	"fmt"

	"github.com/gogpu/interop/kernel"
)

// Dispatch enqueues program p over dst on s. The kernel sees dst's width,
// height and format, plus frame. The accelerator's driver must implement
// kernel.Launcher.
func Dispatch(s *Stream, p *kernel.Program, dst Viewer, frame uint32) error {
	if s == nil {
		return fmt.Errorf("%w: nil stream", ErrInvalidStream)
	}
	if err := s.accel.checkStream(s); err != nil {
		return err
	}
	v := dst.RawView()
	if !v.Valid() {
		return fmt.Errorf("%w: kernel target", ErrViewExpired)
	}
	if own := s.accel.Domain(); v.domain != own {
		return fmt.Errorf("%w: cannot launch on %s memory from a %s stream", ErrUnsupportedDomain, v.domain, own)
	}
	if err := s.accel.checkOwner(v, "kernel target"); err != nil {
		return err
	}
	l, ok := s.accel.drv.(kernel.Launcher)
	if !ok {
		return fmt.Errorf("interop: driver %s cannot launch kernels: %w", s.accel.drv.Name(), errors.ErrUnsupported)
	}
	params := kernel.Params{Width: v.width, Height: v.height, Format: v.format, Frame: frame}
	if err := p.Check(params, v.length); err != nil {
		return err
	}
	if err := deviceError("launch", l.Launch(s.native, p, v.ptr, v.length, params)); err != nil {
		return err
	}
	Logger().Debug("interop: launch", "kernel", p.Name, "width", v.width, "height", v.height, "frame", frame)
	return nil
}
