// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package interop

import (
	"context"
	"errors"
	"fmt"
)

// FrameFunc enqueues one frame of compute work against v on s.
type FrameFunc func(frame int, s *Stream, v View) error

// Loop drives frames frames of the compute/display cycle on b: map, run
// fn, unmap, wait for the stream, bind the image for display. A frames
// value of zero or less runs until ctx ends.
//
// The buffer is unmapped after every frame even when fn fails.
func Loop(ctx context.Context, b *Buffer, s *Stream, frames int, fn FrameFunc) error {
	for frame := 0; frames <= 0 || frame < frames; frame++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := b.MapCompute(s)
		if err != nil {
			return fmt.Errorf("interop: frame %d: %w", frame, err)
		}
		ferr := fn(frame, s, v)
		if err := errors.Join(ferr, b.UnmapCompute(s)); err != nil {
			return fmt.Errorf("interop: frame %d: %w", frame, err)
		}
		if err := s.SynchronizeContext(ctx); err != nil {
			return fmt.Errorf("interop: frame %d: %w", frame, err)
		}
		if err := b.BindForDisplay(b.unit); err != nil {
			return fmt.Errorf("interop: frame %d: %w", frame, err)
		}
	}
	return nil
}
