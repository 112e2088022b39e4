package htj2k

import (
	"fmt"
	"math"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
)

// MaxBitDepth is the deepest sample precision the codec accepts.
const MaxBitDepth = 16

// Image is a planar sample buffer. Every component has Width*Height
// samples in row-major order.
type Image struct {
	Width, Height int
	Components    int
	BitDepth      int
	Signed        bool
	Data          [][]int32
}

// NewImage allocates a zeroed image.
func NewImage(width, height, components, bitDepth int, signed bool) *Image {
	img := &Image{Width: width, Height: height, Components: components, BitDepth: bitDepth, Signed: signed}
	img.Data = make([][]int32, components)
	for c := range img.Data {
		img.Data[c] = make([]int32, width*height)
	}
	return img
}

// Range returns the smallest and largest representable sample.
func (img *Image) Range() (lo, hi int32) {
	if img.Signed {
		return -(1 << (img.BitDepth - 1)), 1<<(img.BitDepth-1) - 1
	}
	return 0, 1<<img.BitDepth - 1
}

// Validate checks dimensions and that every sample fits BitDepth.
func (img *Image) Validate() error {
	if img.Width < 1 || img.Height < 1 {
		return fmt.Errorf("%w: image %dx%d", ErrInvalidConfig, img.Width, img.Height)
	}
	if img.Components < 1 || img.Components > 16384 || len(img.Data) != img.Components {
		return fmt.Errorf("%w: %d components with %d planes", ErrInvalidConfig, img.Components, len(img.Data))
	}
	if img.BitDepth < 1 || img.BitDepth > MaxBitDepth {
		return fmt.Errorf("%w: bit depth %d", ErrInvalidConfig, img.BitDepth)
	}
	lo, hi := img.Range()
	for c, plane := range img.Data {
		if len(plane) != img.Width*img.Height {
			return fmt.Errorf("%w: component %d has %d samples", ErrInvalidConfig, c, len(plane))
		}
		for i, v := range plane {
			if v < lo || v > hi {
				return fmt.Errorf("%w: component %d sample %d is %d outside [%d,%d]", ErrInvalidConfig, c, i, v, lo, hi)
			}
		}
	}
	return nil
}

// RawSize is the uncompressed size in bytes, one or two bytes per sample.
func (img *Image) RawSize() int {
	return img.Width * img.Height * img.Components * ((img.BitDepth + 7) / 8)
}

// ResolutionSize returns the image size once the finest reduce levels are
// discarded.
func ResolutionSize(width, height, reduce int) (int, int) {
	return dwt.LevelSize(width, height, reduce)
}

// MSE returns the mean squared error between two images of equal shape.
func MSE(a, b *Image) (float64, error) {
	if a.Width != b.Width || a.Height != b.Height || a.Components != b.Components {
		return 0, fmt.Errorf("%w: comparing %dx%dx%d with %dx%dx%d", ErrInvalidConfig,
			a.Width, a.Height, a.Components, b.Width, b.Height, b.Components)
	}
	var sum float64
	for c := range a.Data {
		for i, v := range a.Data[c] {
			d := float64(v - b.Data[c][i])
			sum += d * d
		}
	}
	return sum / float64(a.Width*a.Height*a.Components), nil
}

// PSNR converts a mean squared error into decibels for the given depth.
func PSNR(mse float64, bitDepth int) float64 {
	if mse == 0 {
		return math.Inf(1)
	}
	peak := float64(int(1)<<bitDepth - 1)
	return 10 * math.Log10(peak*peak/mse)
}
