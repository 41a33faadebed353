package preprocessing

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Augmenter applies a random affine transform (rotation, shift, zoom and
// horizontal flip) to CHW images. Points that map outside the source take the
// value of the nearest edge pixel.
type Augmenter struct {
	RotationRange  float64 // degrees, uniform in [-r, r]
	WidthShift     float64 // fraction of width, uniform in [-s, s]
	HeightShift    float64 // fraction of height
	ZoomRange      float64 // scale uniform in [1-z, 1+z], independently per axis
	HorizontalFlip bool    // flip with probability 0.5
}

// DefaultAugmenter returns the augmentation used for training
func DefaultAugmenter() Augmenter {
	return Augmenter{
		RotationRange:  20,
		WidthShift:     0.2,
		HeightShift:    0.2,
		ZoomRange:      0.2,
		HorizontalFlip: true,
	}
}

// Validate checks the ranges
func (a Augmenter) Validate() error {
	if a.RotationRange < 0 || a.RotationRange > 180 {
		return errors.Errorf("rotation range %g outside [0, 180]", a.RotationRange)
	}
	if a.WidthShift < 0 || a.WidthShift >= 1 || a.HeightShift < 0 || a.HeightShift >= 1 {
		return errors.Errorf("shift ranges (%g, %g) outside [0, 1)", a.WidthShift, a.HeightShift)
	}
	if a.ZoomRange < 0 || a.ZoomRange >= 1 {
		return errors.Errorf("zoom range %g outside [0, 1)", a.ZoomRange)
	}
	return nil
}

// IsIdentity reports whether the augmenter never changes an image
func (a Augmenter) IsIdentity() bool {
	return a.RotationRange == 0 && a.WidthShift == 0 && a.HeightShift == 0 &&
		a.ZoomRange == 0 && !a.HorizontalFlip
}

type affine struct {
	// src = m * (dst - center) + center + shift
	m00, m01, m10, m11 float64
	tx, ty             float64
}

func (a Augmenter) sample(width, height int, rng *rand.Rand) affine {
	uniform := func(r float64) float64 {
		if r == 0 {
			return 0
		}
		return (rng.Float64()*2 - 1) * r
	}

	theta := uniform(a.RotationRange) * math.Pi / 180
	tx := uniform(a.WidthShift) * float64(width)
	ty := uniform(a.HeightShift) * float64(height)
	zx, zy := 1.0, 1.0
	if a.ZoomRange > 0 {
		zx = 1 + uniform(a.ZoomRange)
		zy = 1 + uniform(a.ZoomRange)
	}
	flip := 1.0
	if a.HorizontalFlip && rng.Intn(2) == 1 {
		flip = -1
	}

	cos, sin := math.Cos(theta), math.Sin(theta)
	// rotation * zoom * flip
	return affine{
		m00: cos * zx * flip, m01: -sin * zy,
		m10: sin * zx * flip, m11: cos * zy,
		tx: tx, ty: ty,
	}
}

// Apply returns an augmented copy of img. The transform is drawn from rng, so
// the caller controls reproducibility.
func (a Augmenter) Apply(img *ProcessedImage, rng *rand.Rand) *ProcessedImage {
	if a.IsIdentity() {
		return img
	}

	w, h := img.Width, img.Height
	t := a.sample(w, h, rng)
	cx, cy := float64(w-1)/2, float64(h-1)/2
	plane := w * h

	out := make([]float32, len(img.Data))
	for y := 0; y < h; y++ {
		dy := float64(y) - cy
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			sx := t.m00*dx + t.m01*dy + cx + t.tx
			sy := t.m10*dx + t.m11*dy + cy + t.ty

			x0, y0, x1, y1, fx, fy := bilinearTaps(sx, sy, w, h)
			idx := y*w + x
			for c := 0; c < img.Channels; c++ {
				src := img.Data[c*plane : (c+1)*plane]
				top := src[y0*w+x0]*(1-fx) + src[y0*w+x1]*fx
				bottom := src[y1*w+x0]*(1-fx) + src[y1*w+x1]*fx
				out[c*plane+idx] = top*(1-fy) + bottom*fy
			}
		}
	}

	return &ProcessedImage{Data: out, Width: w, Height: h, Channels: img.Channels}
}

// bilinearTaps clamps a source coordinate to the image and returns the four
// neighbor indices and interpolation weights
func bilinearTaps(sx, sy float64, w, h int) (x0, y0, x1, y1 int, fx, fy float32) {
	sx = math.Max(0, math.Min(sx, float64(w-1)))
	sy = math.Max(0, math.Min(sy, float64(h-1)))
	x0, y0 = int(sx), int(sy)
	x1, y1 = x0+1, y0+1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	return x0, y0, x1, y1, float32(sx - float64(x0)), float32(sy - float64(y0))
}
