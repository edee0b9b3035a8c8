// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Command interopdemo runs the compute/display loop headless: a gradient
// kernel writes into a shared buffer each frame, the buffer is presented,
// and the last frame is saved as a PNG.
//
// Usage:
//
//	interopdemo -driver software -width 800 -height 600 -frames 60 -output frame.png
//
// The INTEROP_DRIVER environment variable overrides the default driver.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"

	"golang.org/x/image/draw"

	"github.com/gogpu/interop"
	"github.com/gogpu/interop/display"
	"github.com/gogpu/interop/driver"
	"github.com/gogpu/interop/kernel"

	_ "github.com/gogpu/interop/driver/cuda"
	_ "github.com/gogpu/interop/driver/software"
	_ "github.com/gogpu/interop/driver/wgpu"
)

func main() {
	var (
		drvName = flag.String("driver", os.Getenv("INTEROP_DRIVER"), "driver name (empty selects the best available)")
		width   = flag.Int("width", 800, "buffer width")
		height  = flag.Int("height", 600, "buffer height")
		frames  = flag.Int("frames", 60, "frames to run (0 runs until interrupted)")
		scale   = flag.Int("scale", 0, "width of the saved image (0 keeps the buffer width)")
		output  = flag.String("output", "interop.png", "output file")
		verbose = flag.Bool("v", false, "log interop activity")
	)
	flag.Parse()

	if *verbose {
		interop.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *drvName, *width, *height, *frames, *scale, *output); err != nil {
		log.Fatalf("interopdemo: %v", err)
	}
}

func run(ctx context.Context, drvName string, width, height, frames, scale int, output string) (err error) {
	accel, err := interop.OpenAccelerator(drvName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := accel.Close(); err == nil {
			err = cerr
		}
	}()

	disp, ok := accel.Driver().(display.Display)
	if !ok {
		return fmt.Errorf("driver %s has no display side", accel.Driver().Name())
	}
	buf, err := interop.NewBuffer(accel, disp, width, height,
		interop.WithLabel("interopdemo"),
		interop.WithMapFlags(driver.MapFlagsWriteDiscard))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := buf.Close(); err == nil {
			err = cerr
		}
	}()

	s, err := accel.NewStream()
	if err != nil {
		return err
	}
	defer s.Close()

	err = interop.Loop(ctx, buf, s, frames, func(frame int, s *interop.Stream, v interop.View) error {
		return interop.Dispatch(s, kernel.Gradient, v, uint32(frame)) //nolint:gosec // frame count fits uint32
	})
	if err != nil && ctx.Err() == nil {
		return err
	}

	pixels, err := snapshot(buf, s)
	if err != nil {
		return err
	}
	img := grayImage(pixels, width, height)
	if scale > 0 && scale != width {
		h := max(1, height*scale/width)
		dst := image.NewGray(image.Rect(0, 0, scale, h))
		draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = dst
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Printf("Frame saved to %s (%dx%d, driver %s)\n", output, img.Bounds().Dx(), img.Bounds().Dy(), accel.Driver().Name())
	return nil
}

// snapshot copies the buffer's current contents to the host.
func snapshot(b *interop.Buffer, s *interop.Stream) ([]byte, error) {
	host := make([]byte, b.Len())
	if _, err := b.MapCompute(s); err != nil {
		return nil, err
	}
	if err := b.CopyTo(s, interop.HostView(host)); err != nil {
		_ = b.UnmapCompute(s)
		return nil, err
	}
	if err := s.Synchronize(); err != nil {
		_ = b.UnmapCompute(s)
		return nil, err
	}
	return host, b.UnmapCompute(s)
}

// grayImage converts R32Float elements in [0, 1] to 8-bit gray.
func grayImage(pixels []byte, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range width * height {
		v := math.Float32frombits(binary.LittleEndian.Uint32(pixels[i*4:]))
		img.Pix[i] = uint8(min(max(v, 0), 1) * 255)
	}
	return img
}
