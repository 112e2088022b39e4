// Package dwt implements the JPEG 2000 discrete wavelet transforms used by
// the HTJ2K codec: the 5/3 reversible integer lifting transform and the
// 9/7 irreversible floating point transform (ITU-T T.800 Annex F).
//
// Both transforms work in place on a row-major buffer and leave the
// decomposition in Mallat layout: after each level the low-pass samples of
// the current region occupy its top-left quadrant. Signals are assumed to
// start at an even coordinate, which the codec guarantees by aligning
// tiles to 2^levels.
package dwt

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrInvalidLevels is returned when more decomposition levels are requested
// than the region dimensions support.
var ErrInvalidLevels = errors.New("invalid decomposition levels")

// MaxDecompLevels is the codestream limit for decomposition levels.
const MaxDecompLevels = 32

// Kernel selects the wavelet filter. Values match the COD transform byte.
type Kernel byte

const (
	Irreversible97 Kernel = 0 // 9/7 irreversible (lossy)
	Reversible53   Kernel = 1 // 5/3 reversible (lossless capable)
)

// String returns the kernel name
func (k Kernel) String() string {
	switch k {
	case Irreversible97:
		return "9/7"
	case Reversible53:
		return "5/3"
	default:
		return "unknown"
	}
}

// Reversible reports whether the kernel supports exact reconstruction.
func (k Kernel) Reversible() bool {
	return k == Reversible53
}

// Band identifies a subband orientation
type Band int

const (
	BandLL Band = 0 // Low-Low (approximation)
	BandHL Band = 1 // horizontal high-pass, vertical low-pass
	BandLH Band = 2 // horizontal low-pass, vertical high-pass
	BandHH Band = 3 // High-High (diagonal detail)
)

// String returns the band name
func (b Band) String() string {
	switch b {
	case BandLL:
		return "LL"
	case BandHL:
		return "HL"
	case BandLH:
		return "LH"
	case BandHH:
		return "HH"
	default:
		return "Unknown"
	}
}

// Gain is the log2 nominal dynamic range gain of the band (T.800 Table E.1).
func (b Band) Gain() int {
	switch b {
	case BandHL, BandLH:
		return 1
	case BandHH:
		return 2
	default:
		return 0
	}
}

// MaxLevels returns the deepest decomposition a w x h region supports: every
// level must split a dimension that is longer than one sample.
func MaxLevels(w, h int) int {
	n := min(w, h)
	if n <= 1 {
		return 0
	}
	return min(bits.Len(uint(n-1)), MaxDecompLevels)
}

// CheckLevels validates a level count against region dimensions.
func CheckLevels(w, h, levels int) error {
	if levels < 0 || levels > MaxDecompLevels {
		return fmt.Errorf("%w: %d outside 0..%d", ErrInvalidLevels, levels, MaxDecompLevels)
	}
	if m := MaxLevels(w, h); levels > m {
		return fmt.Errorf("%w: %d levels requested, %dx%d supports %d", ErrInvalidLevels, levels, w, h, m)
	}
	return nil
}

// Rect is a half-open rectangle [X0,X1) x [Y0,Y1)
type Rect struct {
	X0, Y0 int
	X1, Y1 int
}

// Dx returns the width
func (r Rect) Dx() int { return r.X1 - r.X0 }

// Dy returns the height
func (r Rect) Dy() int { return r.Y1 - r.Y0 }

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.X1 <= r.X0 || r.Y1 <= r.Y0 }

// LevelSize returns the low-pass region size after d levels of
// decomposition of a w x h region.
func LevelSize(w, h, d int) (int, int) {
	for i := 0; i < d; i++ {
		w = (w + 1) >> 1
		h = (h + 1) >> 1
	}
	return w, h
}

// BandRect returns where a band lives in the Mallat layout of a w x h buffer
// decomposed `levels` times. level counts from 1 (finest) to levels;
// BandLL is only valid at level == levels.
func BandRect(w, h, level int, b Band) Rect {
	pw, ph := LevelSize(w, h, level-1)
	lw, lh := (pw+1)>>1, (ph+1)>>1
	switch b {
	case BandLL:
		return Rect{0, 0, lw, lh}
	case BandHL:
		return Rect{lw, 0, pw, lh}
	case BandLH:
		return Rect{0, lh, lw, ph}
	case BandHH:
		return Rect{lw, lh, pw, ph}
	}
	return Rect{}
}

// mirror maps an index outside [0,n) back inside using whole-sample
// symmetric extension.
func mirror(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	if i < 0 {
		i = -i
	}
	i %= period
	if i >= n {
		i = period - i
	}
	return i
}
