// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package interop shares one block of GPU memory between a compute
// pipeline and a display pipeline without copying it.
//
// # Overview
//
// The display pipeline owns a pixel buffer and presents it through an image.
// A [Registration] binds that buffer to a compute [Accelerator]. Mapping the
// registration on a [Stream] hands the memory to compute and yields a
// [View] holding the device pointer; unmapping hands it back and refreshes
// the image. The pointer is valid only between the two calls.
//
// [Buffer] wraps the whole lifecycle:
//
//	accel, err := interop.OpenAccelerator("software")
//	if err != nil {
//	    return err
//	}
//	defer accel.Close()
//
//	buf, err := interop.NewBuffer(accel, disp, 800, 600)
//	if err != nil {
//	    return err
//	}
//	defer buf.Close()
//
//	s, _ := accel.NewStream()
//	view, _ := buf.MapCompute(s)
//	_ = interop.Fill(s, 0, view)
//	_ = buf.UnmapCompute(s)
//	_ = buf.BindForDisplay(0)
//
// # Transfers
//
// [Fill] and [Copy] are enqueued on a stream and complete in submission
// order. Fill targets memory of the stream's accelerator; Copy also accepts
// host memory on either side. Memory of other accelerators, and OpenCL
// memory in particular, is rejected with [ErrUnsupportedDomain].
//
// # Drivers
//
// The compute runtime sits behind [driver.Driver]. Drivers register with
// the driver package when imported:
//
//	import _ "github.com/gogpu/interop/driver/software" // host memory, always available
//	import _ "github.com/gogpu/interop/driver/wgpu"     // gogpu/wgpu (Vulkan)
//	import _ "github.com/gogpu/interop/driver/cuda"     // CUDA + OpenGL (cuda build tag)
//
// # Errors
//
// Every error matches one of the Err* categories with errors.Is. Driver
// failures are [*DeviceError] values carrying the failed call and its
// native status.
package interop
