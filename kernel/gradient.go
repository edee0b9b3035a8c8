// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package kernel

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/gputypes"
)

// Gradient fills an R32Float image with a diagonal ramp in [0, 1) whose
// phase advances by 1/256 per frame.
var Gradient = &Program{
	Name:          "gradient",
	Source:        gradientWGSL,
	EntryPoint:    "main",
	WorkgroupSize: [2]uint32{16, 16},
	Formats:       []gputypes.TextureFormat{gputypes.TextureFormatR32Float},
	Reference:     gradientReference,
}

// GradientValue returns the gradient value at (x, y).
func GradientValue(x, y int, p Params) float32 {
	u := float32(x) / float32(p.Width)
	v := float32(y) / float32(p.Height)
	phase := float32(p.Frame%256) / 256
	f := 0.5*(u+v) + phase
	return f - float32(math.Floor(float64(f)))
}

func gradientReference(dst []byte, p Params) {
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			off := (y*p.Width + x) * 4
			if off+4 > len(dst) {
				return
			}
			binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(GradientValue(x, y, p)))
		}
	}
}
