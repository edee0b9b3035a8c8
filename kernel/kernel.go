// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package kernel holds the compute programs that run against mapped interop
// memory.
//
// A Program carries its WGSL source, compiled to SPIR-V on demand with naga
// for GPU drivers, and a CPU reference used by the software driver and by
// tests. Drivers that can run programs implement [Launcher].
package kernel

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"

	"github.com/gogpu/interop/driver"
)

// ErrUnsupportedFormat is returned when a program cannot write the target format.
var ErrUnsupportedFormat = errors.New("kernel: unsupported target format")

//go:embed shaders/gradient.wgsl
var gradientWGSL string

// Params are the per-launch uniforms shared by every program.
type Params struct {
	Width  int
	Height int
	Format gputypes.TextureFormat
	Frame  uint32
}

// Bytes returns the uniform block layout: width, height, frame, padding,
// each a little-endian u32.
func (p Params) Bytes() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], uint32(p.Width))
	binary.LittleEndian.PutUint32(b[4:], uint32(p.Height))
	binary.LittleEndian.PutUint32(b[8:], p.Frame)
	return b
}

// Program is a compute kernel writing one output element per invocation.
type Program struct {
	// Name is a debug label.
	Name string

	// Source is the WGSL source. Binding 0 is the Params uniform, binding 1
	// the output storage buffer.
	Source string

	// EntryPoint is the compute entry point, usually "main".
	EntryPoint string

	// WorkgroupSize must match the @workgroup_size in Source.
	WorkgroupSize [2]uint32

	// Formats lists the element formats the program can write.
	Formats []gputypes.TextureFormat

	// Reference is the CPU implementation. It must produce the same output
	// as the WGSL kernel for the same Params.
	Reference func(dst []byte, p Params)

	once  sync.Once
	spirv []uint32
	err   error
}

// SPIRV compiles Source once and returns the SPIR-V words.
func (p *Program) SPIRV() ([]uint32, error) {
	p.once.Do(func() {
		p.spirv, p.err = CompileSPIRV(p.Source)
	})
	return p.spirv, p.err
}

// Supports reports whether the program can write format.
func (p *Program) Supports(format gputypes.TextureFormat) bool {
	for _, f := range p.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Workgroups returns the dispatch size covering a width x height grid.
func (p *Program) Workgroups(width, height int) (x, y uint32) {
	wx, wy := p.WorkgroupSize[0], p.WorkgroupSize[1]
	if wx == 0 {
		wx = 1
	}
	if wy == 0 {
		wy = 1
	}
	return (uint32(width) + wx - 1) / wx, (uint32(height) + wy - 1) / wy
}

// Check validates params against the program and the target size in bytes.
func (p *Program) Check(params Params, n int64) error {
	if !p.Supports(params.Format) {
		return fmt.Errorf("%w: %s cannot write %v", ErrUnsupportedFormat, p.Name, params.Format)
	}
	if params.Width <= 0 || params.Height <= 0 {
		return fmt.Errorf("kernel: %s: invalid grid %dx%d", p.Name, params.Width, params.Height)
	}
	if want := int64(params.Width) * int64(params.Height) * 4; n < want {
		return fmt.Errorf("kernel: %s: target holds %d bytes, need %d", p.Name, n, want)
	}
	return nil
}

// CompileSPIRV compiles WGSL source to SPIR-V words.
func CompileSPIRV(wgslSource string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("kernel: failed to compile shader: %w", err)
	}

	// SPIR-V is little-endian 32-bit words
	spirvCode := make([]uint32, len(spirvBytes)/4)
	for i := range spirvCode {
		spirvCode[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return spirvCode, nil
}

// Launcher is implemented by drivers that can run programs on a stream.
// dst is a device address of n bytes owned by the driver.
type Launcher interface {
	Launch(s driver.Stream, p *Program, dst driver.DevicePtr, n int64, params Params) driver.Status
}
