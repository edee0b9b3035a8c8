// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build cuda && cgo

package cuda

/*
#cgo CFLAGS: -I/opt/cuda/include -I/usr/local/cuda/include
#cgo LDFLAGS: -L/opt/cuda/lib64 -L/usr/local/cuda/lib64 -lcuda -lGL

#define GL_GLEXT_PROTOTYPES
#include <GL/gl.h>
#include <GL/glext.h>
#include <cuda.h>
#include <cudaGL.h>
#include <stdlib.h>

// The driver API exports versioned symbols behind macros, which cgo cannot
// call directly.

static CUresult interopInit(CUcontext* ctx, char* name, int nameLen) {
    CUresult r = cuInit(0);
    if (r != CUDA_SUCCESS) return r;
    CUdevice dev;
    r = cuDeviceGet(&dev, 0);
    if (r != CUDA_SUCCESS) return r;
    r = cuDeviceGetName(name, nameLen, dev);
    if (r != CUDA_SUCCESS) return r;
    return cuCtxCreate(ctx, 0, dev);
}

static CUresult interopCtxDestroy(CUcontext ctx) { return cuCtxDestroy(ctx); }

static CUresult interopStreamCreate(CUstream* s) { return cuStreamCreate(s, CU_STREAM_NON_BLOCKING); }
static CUresult interopStreamDestroy(CUstream s) { return cuStreamDestroy(s); }
static CUresult interopStreamSync(CUstream s) { return cuStreamSynchronize(s); }

static CUresult interopRegister(CUgraphicsResource* res, GLuint pbo, unsigned int flags) {
    return cuGraphicsGLRegisterBuffer(res, pbo, flags);
}
static CUresult interopUnregister(CUgraphicsResource res) { return cuGraphicsUnregisterResource(res); }
static CUresult interopMap(CUgraphicsResource res, CUstream s) { return cuGraphicsMapResources(1, &res, s); }
static CUresult interopUnmap(CUgraphicsResource res, CUstream s) { return cuGraphicsUnmapResources(1, &res, s); }
static CUresult interopPointer(CUgraphicsResource res, CUdeviceptr* ptr, size_t* size) {
    return cuGraphicsResourceGetMappedPointer(ptr, size, res);
}

static CUresult interopMemset(CUdeviceptr dst, unsigned char v, size_t n, CUstream s) {
    return cuMemsetD8Async(dst, v, n, s);
}
static CUresult interopCopyDtoD(CUdeviceptr dst, CUdeviceptr src, size_t n, CUstream s) {
    return cuMemcpyDtoDAsync(dst, src, n, s);
}
static CUresult interopCopyHtoD(CUdeviceptr dst, const void* src, size_t n) { return cuMemcpyHtoD(dst, src, n); }
static CUresult interopCopyDtoH(void* dst, CUdeviceptr src, size_t n) { return cuMemcpyDtoH(dst, src, n); }

static GLuint interopBufferCreate(size_t size) {
    GLuint pbo = 0;
    glGenBuffers(1, &pbo);
    glBindBuffer(GL_PIXEL_UNPACK_BUFFER, pbo);
    glBufferData(GL_PIXEL_UNPACK_BUFFER, size, NULL, GL_DYNAMIC_DRAW);
    glBindBuffer(GL_PIXEL_UNPACK_BUFFER, 0);
    return pbo;
}
static void interopBufferDelete(GLuint pbo) { glDeleteBuffers(1, &pbo); }

static GLuint interopTextureCreate(int w, int h, GLint internal, GLenum format, GLenum type) {
    GLuint tex = 0;
    glGenTextures(1, &tex);
    glBindTexture(GL_TEXTURE_2D, tex);
    glTexParameteri(GL_TEXTURE_2D, GL_TEXTURE_MIN_FILTER, GL_NEAREST);
    glTexParameteri(GL_TEXTURE_2D, GL_TEXTURE_MAG_FILTER, GL_NEAREST);
    glTexImage2D(GL_TEXTURE_2D, 0, internal, w, h, 0, format, type, NULL);
    glBindTexture(GL_TEXTURE_2D, 0);
    return tex;
}
static void interopTextureDelete(GLuint tex) { glDeleteTextures(1, &tex); }

// Re-specify the texture from the pixel-unpack buffer.
static void interopTextureUpdate(GLuint tex, GLuint pbo, int w, int h, GLenum format, GLenum type) {
    glBindBuffer(GL_PIXEL_UNPACK_BUFFER, pbo);
    glBindTexture(GL_TEXTURE_2D, tex);
    glPixelStorei(GL_UNPACK_ALIGNMENT, 1);
    glTexSubImage2D(GL_TEXTURE_2D, 0, 0, 0, w, h, format, type, NULL);
    glBindTexture(GL_TEXTURE_2D, 0);
    glBindBuffer(GL_PIXEL_UNPACK_BUFFER, 0);
}
static void interopTextureBind(GLuint tex, unsigned int unit) {
    glActiveTexture(GL_TEXTURE0 + unit);
    glBindTexture(GL_TEXTURE_2D, tex);
}
static GLenum interopGLError(void) { return glGetError(); }
*/
import "C"

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
	"github.com/gogpu/interop/kernel"
)

func init() {
	driver.Register(driver.NameCUDA, func() (driver.Driver, error) {
		d, err := Open()
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

// Device is a CUDA context sharing OpenGL buffers with compute.
//
// Device is safe for concurrent use, but every method must run on the
// thread that holds the OpenGL context.
type Device struct {
	mu     sync.Mutex
	logger atomic.Pointer[slog.Logger]

	ctx  C.CUcontext
	name string

	allocs    map[display.AllocationID]*allocation
	resources map[driver.Resource]*resource
	streams   map[driver.Stream]C.CUstream

	nextResource driver.Resource
	nextStream   driver.Stream
	closed       bool
}

type allocation struct {
	alloc    display.Allocation
	pbo      C.GLuint
	res      *resource
	released bool
}

type resource struct {
	handle driver.Resource
	native C.CUgraphicsResource
	alloc  *allocation
	flags  driver.MapFlags
	mapped bool
}

var (
	_ driver.Driver   = (*Device)(nil)
	_ display.Display = (*Device)(nil)
	_ kernel.Launcher = (*Device)(nil)
)

// Open creates a CUDA context on device 0.
func Open() (*Device, error) {
	var ctx C.CUcontext
	name := make([]byte, 256)
	if st := status(C.interopInit(&ctx, (*C.char)(unsafe.Pointer(&name[0])), C.int(len(name)))); !st.OK() {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, st.Err())
	}
	d := &Device{
		ctx:       ctx,
		name:      C.GoString((*C.char)(unsafe.Pointer(&name[0]))),
		allocs:    make(map[display.AllocationID]*allocation),
		resources: make(map[driver.Resource]*resource),
		streams:   make(map[driver.Stream]C.CUstream),
	}
	d.logger.Store(slog.New(discardHandler{}))
	return d, nil
}

func status(r C.CUresult) driver.Status { return driver.Status(r) }

// Name returns "cuda".
func (d *Device) Name() string { return driver.NameCUDA }

// Domain returns driver.DomainCUDA.
func (d *Device) Domain() driver.Domain { return driver.DomainCUDA }

// DeviceName returns the name of the CUDA device.
func (d *Device) DeviceName() string { return d.name }

// SetLogger sets the logger used for device diagnostics. Nil disables logging.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(discardHandler{})
	}
	d.logger.Store(l)
}

func (d *Device) log() *slog.Logger { return d.logger.Load() }

// Close destroys the streams and the context. Allocations are left to the
// OpenGL context that owns them.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	if n := len(d.resources); n > 0 {
		d.log().Warn("cuda: device closed with live registrations", "count", n)
	}
	for _, s := range d.streams {
		C.interopStreamSync(s)
		C.interopStreamDestroy(s)
	}
	d.streams = nil
	d.resources = nil
	d.closed = true
	return status(C.interopCtxDestroy(d.ctx)).Err()
}

// NewStream creates a non-blocking CUDA stream.
func (d *Device) NewStream() (driver.Stream, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, driver.StatusNotInitialized
	}
	var s C.CUstream
	if st := status(C.interopStreamCreate(&s)); !st.OK() {
		return 0, st
	}
	d.nextStream++
	d.streams[d.nextStream] = s
	return d.nextStream, driver.StatusSuccess
}

// DestroyStream releases s.
func (d *Device) DestroyStream(s driver.Stream) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, st := d.stream(s)
	if !st.OK() {
		return st
	}
	delete(d.streams, s)
	return status(C.interopStreamDestroy(cs))
}

// Synchronize blocks until the work on s completes.
func (d *Device) Synchronize(s driver.Stream) driver.Status {
	d.mu.Lock()
	cs, st := d.stream(s)
	d.mu.Unlock()
	if !st.OK() {
		return st
	}
	return status(C.interopStreamSync(cs))
}

// stream must be called with d.mu held.
func (d *Device) stream(s driver.Stream) (C.CUstream, driver.Status) {
	if d.closed {
		return nil, driver.StatusNotInitialized
	}
	cs, ok := d.streams[s]
	if !ok {
		return nil, driver.StatusInvalidHandle
	}
	return cs, driver.StatusSuccess
}

// Register registers the allocation's pixel buffer with CUDA. MapFlags
// values equal the CU_GRAPHICS_REGISTER_FLAGS constants.
func (d *Device) Register(alloc display.Allocation, flags driver.MapFlags) (driver.Resource, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, driver.StatusNotInitialized
	}
	if !flags.Valid() {
		return 0, driver.StatusInvalidValue
	}
	if alloc.Owner != driver.NameCUDA {
		return 0, driver.StatusNotSupported
	}
	a, ok := d.allocs[alloc.ID]
	if !ok || a.released {
		return 0, driver.StatusInvalidHandle
	}
	if a.res != nil {
		return 0, driver.StatusAlreadyAcquired
	}
	var native C.CUgraphicsResource
	if st := status(C.interopRegister(&native, a.pbo, C.uint(flags))); !st.OK() {
		return 0, st
	}
	d.nextResource++
	r := &resource{handle: d.nextResource, native: native, alloc: a, flags: flags}
	a.res = r
	d.resources[r.handle] = r
	d.log().Debug("cuda: registered", "alloc", alloc.String(), "pbo", uint32(a.pbo), "flags", flags.String())
	return r.handle, driver.StatusSuccess
}

// Unregister releases a registration.
func (d *Device) Unregister(res driver.Resource) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.resources[res]
	if !ok {
		return driver.StatusInvalidHandle
	}
	if r.mapped {
		return driver.StatusAlreadyMapped
	}
	if st := status(C.interopUnregister(r.native)); !st.OK() {
		return st
	}
	r.alloc.res = nil
	delete(d.resources, res)
	return driver.StatusSuccess
}

// MapResources maps res for compute on s.
func (d *Device) MapResources(res driver.Resource, s driver.Stream) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.resources[res]
	if !ok {
		return driver.StatusInvalidHandle
	}
	cs, st := d.stream(s)
	if !st.OK() {
		return st
	}
	if st := status(C.interopMap(r.native, cs)); !st.OK() {
		return st
	}
	r.mapped = true
	return driver.StatusSuccess
}

// UnmapResources returns res to OpenGL, ordered after the work on s.
func (d *Device) UnmapResources(res driver.Resource, s driver.Stream) driver.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.resources[res]
	if !ok {
		return driver.StatusInvalidHandle
	}
	cs, st := d.stream(s)
	if !st.OK() {
		return st
	}
	if st := status(C.interopUnmap(r.native, cs)); !st.OK() {
		return st
	}
	r.mapped = false
	return driver.StatusSuccess
}

// MappedPointer returns the device address of a mapped resource.
func (d *Device) MappedPointer(res driver.Resource) (driver.DevicePtr, int64, driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.resources[res]
	if !ok {
		return 0, 0, driver.StatusInvalidHandle
	}
	var ptr C.CUdeviceptr
	var size C.size_t
	if st := status(C.interopPointer(r.native, &ptr, &size)); !st.OK() {
		return 0, 0, st
	}
	return driver.DevicePtr(ptr), int64(size), driver.StatusSuccess
}

// Memset queues a byte fill on s.
func (d *Device) Memset(s driver.Stream, dst driver.DevicePtr, value byte, n int64) driver.Status {
	d.mu.Lock()
	cs, st := d.stream(s)
	d.mu.Unlock()
	if !st.OK() {
		return st
	}
	if n < 0 {
		return driver.StatusInvalidValue
	}
	return status(C.interopMemset(C.CUdeviceptr(dst), C.uchar(value), C.size_t(n), cs))
}

// MemcpyAsync copies n bytes between device memory and host slices.
// Device-to-device copies are queued on s. Host memory belongs to the Go
// heap and cannot be retained by an asynchronous copy, so copies touching
// the host wait for s and then run synchronously.
func (d *Device) MemcpyAsync(s driver.Stream, dst, src driver.Endpoint, n int64) driver.Status {
	d.mu.Lock()
	cs, st := d.stream(s)
	d.mu.Unlock()
	if !st.OK() {
		return st
	}
	if n < 0 {
		return driver.StatusInvalidValue
	}
	for _, e := range []driver.Endpoint{dst, src} {
		switch e.Domain {
		case driver.DomainHost:
			if int64(len(e.Host)) < n {
				return driver.StatusInvalidValue
			}
		case driver.DomainCUDA:
		default:
			return driver.StatusNotSupported
		}
	}
	if n == 0 {
		return driver.StatusSuccess
	}

	hostDst, hostSrc := dst.Domain == driver.DomainHost, src.Domain == driver.DomainHost
	if !hostDst && !hostSrc {
		return status(C.interopCopyDtoD(C.CUdeviceptr(dst.Ptr), C.CUdeviceptr(src.Ptr), C.size_t(n), cs))
	}
	if st := status(C.interopStreamSync(cs)); !st.OK() {
		return st
	}
	switch {
	case hostDst && hostSrc:
		copy(dst.Host[:n], src.Host[:n])
		return driver.StatusSuccess
	case hostSrc:
		return status(C.interopCopyHtoD(C.CUdeviceptr(dst.Ptr), unsafe.Pointer(&src.Host[0]), C.size_t(n)))
	default:
		return status(C.interopCopyDtoH(unsafe.Pointer(&dst.Host[0]), C.CUdeviceptr(src.Ptr), C.size_t(n)))
	}
}

// Launch runs the program's host implementation over the device range:
// the range is read back, transformed and written again. No PTX is
// shipped for the WGSL kernels.
func (d *Device) Launch(s driver.Stream, p *kernel.Program, dst driver.DevicePtr, n int64, params kernel.Params) driver.Status {
	if p == nil || p.Reference == nil {
		return driver.StatusNotSupported
	}
	if n <= 0 {
		return driver.StatusInvalidValue
	}
	host := make([]byte, n)
	in := driver.Endpoint{Domain: driver.DomainHost, Host: host}
	dev := driver.Endpoint{Domain: driver.DomainCUDA, Ptr: dst}
	if st := d.MemcpyAsync(s, in, dev, n); !st.OK() {
		return st
	}
	p.Reference(host, params)
	return d.MemcpyAsync(s, dev, in, n)
}

// glFormat returns the internal format, pixel format and type of f.
func glFormat(f gputypes.TextureFormat) (C.GLint, C.GLenum, C.GLenum, bool) {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return C.GL_R8, C.GL_RED, C.GL_UNSIGNED_BYTE, true
	case gputypes.TextureFormatRGBA8Unorm:
		return C.GL_RGBA8, C.GL_RGBA, C.GL_UNSIGNED_BYTE, true
	case gputypes.TextureFormatBGRA8Unorm:
		return C.GL_RGBA8, C.GL_BGRA, C.GL_UNSIGNED_BYTE, true
	case gputypes.TextureFormatR32Float:
		return C.GL_R32F, C.GL_RED, C.GL_FLOAT, true
	case gputypes.TextureFormatRG32Float:
		return C.GL_RG32F, C.GL_RG, C.GL_FLOAT, true
	case gputypes.TextureFormatRGBA32Float:
		return C.GL_RGBA32F, C.GL_RGBA, C.GL_FLOAT, true
	default:
		return 0, 0, 0, false
	}
}

// Allocate creates an OpenGL pixel-unpack buffer sized for desc.
func (d *Device) Allocate(desc display.Descriptor) (display.Allocation, error) {
	if err := desc.Validate(); err != nil {
		return display.Allocation{}, err
	}
	alloc := display.Allocation{
		ID:     display.NextAllocationID(),
		Owner:  driver.NameCUDA,
		Kind:   desc.Kind,
		Width:  desc.Width,
		Height: desc.Height,
		Format: desc.Format,
		Label:  desc.Label,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return display.Allocation{}, fmt.Errorf("cuda: device closed")
	}
	pbo := C.interopBufferCreate(C.size_t(alloc.ByteLength()))
	if pbo == 0 {
		return display.Allocation{}, fmt.Errorf("cuda: glGenBuffers failed (GL error %#x)", uint32(C.interopGLError()))
	}
	alloc.Native = uint64(pbo)
	d.allocs[alloc.ID] = &allocation{alloc: alloc, pbo: pbo}
	return alloc, nil
}

// Release deletes the pixel buffer.
func (d *Device) Release(alloc display.Allocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookup(alloc)
	if err != nil {
		return err
	}
	if a.res != nil {
		return fmt.Errorf("%w: %s", display.ErrStillRegistered, alloc)
	}
	C.interopBufferDelete(a.pbo)
	a.released = true
	delete(d.allocs, alloc.ID)
	return nil
}

// NewImage creates the texture that presents alloc.
func (d *Device) NewImage(alloc display.Allocation) (display.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lookup(alloc)
	if err != nil {
		return nil, err
	}
	internal, format, typ, ok := glFormat(alloc.Format)
	if !ok {
		return nil, fmt.Errorf("%w: %v", display.ErrUnsupportedFormat, alloc.Format)
	}
	tex := C.interopTextureCreate(C.int(alloc.Width), C.int(alloc.Height), internal, format, typ)
	if tex == 0 {
		return nil, fmt.Errorf("cuda: glGenTextures failed (GL error %#x)", uint32(C.interopGLError()))
	}
	return &Image{dev: d, src: a, tex: tex, format: format, typ: typ}, nil
}

func (d *Device) lookup(alloc display.Allocation) (*allocation, error) {
	if d.closed {
		return nil, fmt.Errorf("cuda: device closed")
	}
	a, ok := d.allocs[alloc.ID]
	if !ok || alloc.Owner != driver.NameCUDA {
		return nil, fmt.Errorf("%w: %s", display.ErrUnknownAllocation, alloc)
	}
	if a.released {
		return nil, display.ErrReleased
	}
	return a, nil
}

// Image is an OpenGL texture re-specified from a pixel-unpack buffer.
type Image struct {
	dev      *Device
	src      *allocation
	tex      C.GLuint
	format   C.GLenum
	typ      C.GLenum
	released bool
}

// Allocation returns the source allocation.
func (img *Image) Allocation() display.Allocation { return img.src.alloc }

// Texture returns the OpenGL texture name.
func (img *Image) Texture() uint32 { return uint32(img.tex) }

// Update copies the pixel buffer into the texture.
func (img *Image) Update() error {
	img.dev.mu.Lock()
	defer img.dev.mu.Unlock()
	if err := img.usable(); err != nil {
		return err
	}
	a := img.src.alloc
	C.interopTextureUpdate(img.tex, img.src.pbo, C.int(a.Width), C.int(a.Height), img.format, img.typ)
	if e := C.interopGLError(); e != C.GL_NO_ERROR {
		return fmt.Errorf("cuda: texture update: GL error %#x", uint32(e))
	}
	return nil
}

// Bind activates the texture on unit.
func (img *Image) Bind(unit display.TextureUnit) error {
	img.dev.mu.Lock()
	defer img.dev.mu.Unlock()
	if err := img.usable(); err != nil {
		return err
	}
	C.interopTextureBind(img.tex, C.uint(unit))
	return nil
}

// Release deletes the texture.
func (img *Image) Release() error {
	img.dev.mu.Lock()
	defer img.dev.mu.Unlock()
	if img.released {
		return display.ErrReleased
	}
	C.interopTextureDelete(img.tex)
	img.released = true
	return nil
}

// usable must be called with the device mutex held.
func (img *Image) usable() error {
	if img.released || img.src.released {
		return display.ErrReleased
	}
	if r := img.src.res; r != nil && r.mapped {
		return display.ErrBusy
	}
	return nil
}

// discardHandler is a slog.Handler that drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
