// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package cuda implements the interop driver on the CUDA driver API, with
// OpenGL pixel-unpack buffers and textures as the display side.
//
// The native implementation is compiled with the cuda build tag and cgo:
//
//	go build -tags cuda ./...
//
// It links against libcuda and libGL and expects the CUDA toolkit headers
// under /usr/local/cuda or /opt/cuda. Every display call issues OpenGL
// commands, so the caller must keep an OpenGL context current on the
// calling thread (runtime.LockOSThread) for the lifetime of the device.
//
// Without the tag the package still registers the "cuda" driver, whose
// factory fails, so driver.Default falls through to the next driver.
package cuda

import "errors"

// ErrUnavailable is returned when CUDA cannot be initialised.
var ErrUnavailable = errors.New("cuda: not available")
