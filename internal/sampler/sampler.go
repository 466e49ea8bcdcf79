// Package sampler decimates the capture stream and shrinks sampled frames
// before detection. Boxes found on a shrunken frame are mapped back to the
// original frame's coordinates with ScaleBox.
package sampler

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"sync/atomic"

	"github.com/andresmejia3/facegate/internal/types"
	"golang.org/x/image/draw"
)

// Sampler passes one frame in every Skip frames to the detector.
type Sampler struct {
	skip  int64
	scale float64
	count atomic.Int64
}

// New creates a sampler. skip < 1 is treated as 1 and scale outside (0, 1]
// as 1 (no downscale).
func New(skip int, scale float64) *Sampler {
	if skip < 1 {
		skip = 1
	}
	if scale <= 0 || scale > 1 || math.IsNaN(scale) {
		scale = 1
	}
	return &Sampler{skip: int64(skip), scale: scale}
}

// ShouldProcess advances the frame counter and reports whether this frame is
// one of every skip-th frames (skip, 2*skip, ...).
func (s *Sampler) ShouldProcess() bool {
	return s.count.Add(1)%s.skip == 0
}

// Count is the number of frames seen so far.
func (s *Sampler) Count() int64 { return s.count.Load() }

// Scale is the downscale factor applied before detection.
func (s *Sampler) Scale() float64 { return s.scale }

// Downscale resizes img by the sampler's scale factor with bilinear
// interpolation. A scale of 1 returns img unchanged.
func (s *Sampler) Downscale(img image.Image) image.Image {
	if s.scale == 1 {
		return img
	}
	b := img.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*s.scale)))
	h := max(1, int(math.Round(float64(b.Dy())*s.scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// ScaleBox maps a box found on a downscaled frame back to the original frame
// by the inverse factor.
func (s *Sampler) ScaleBox(b types.Box) types.Box {
	if s.scale == 1 {
		return b
	}
	inv := 1 / s.scale
	up := func(v int) int { return int(math.Round(float64(v) * inv)) }
	return types.Box{
		Top:    up(b.Top),
		Right:  up(b.Right),
		Bottom: up(b.Bottom),
		Left:   up(b.Left),
	}
}

// Prepare decodes a captured frame and returns both the full-resolution image
// and the JPEG bytes of its downscaled copy for the detector.
func (s *Sampler) Prepare(frame []byte) (image.Image, []byte, error) {
	full, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if s.scale == 1 {
		return full, frame, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, s.Downscale(full), &jpeg.Options{Quality: 90}); err != nil {
		return nil, nil, fmt.Errorf("failed to encode scaled frame: %w", err)
	}
	return full, buf.Bytes(), nil
}
