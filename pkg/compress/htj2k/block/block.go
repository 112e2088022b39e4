// Package block implements the HT block coder: a cleanup pass made of MEL,
// VLC and MagSgn streams, followed by optional SigProp and MagRef
// refinement passes on the next bit-plane.
package block

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrCorrupt reports a segment the decoder could not interpret.
	ErrCorrupt = errors.New("corrupt code-block")
	// ErrMagnitude reports coefficients too large for the coder.
	ErrMagnitude = errors.New("coefficient magnitude out of range")
	// ErrDimensions reports an unsupported code-block shape.
	ErrDimensions = errors.New("invalid code-block dimensions")
)

const (
	// MaxSamples bounds the area of one code-block.
	MaxSamples = 4096
	// MaxPlane is the highest bit-plane a coefficient may occupy.
	MaxPlane = 28
)

// PassKind identifies a coding pass.
type PassKind uint8

const (
	Cleanup PassKind = iota
	SigProp
	MagRef
)

func (k PassKind) String() string {
	switch k {
	case Cleanup:
		return "cleanup"
	case SigProp:
		return "sigprop"
	case MagRef:
		return "magref"
	}
	return fmt.Sprintf("PassKind(%d)", uint8(k))
}

// Pass is one truncation point of a Set.
type Pass struct {
	Kind PassKind
	// Bytes is the cumulative size of the Set's data up to and including
	// this pass.
	Bytes int
	// Dist is the squared error left after this pass, in coefficient units.
	Dist float64
}

// Set is a block coded with its cleanup pass on Plane, plus up to two
// refinement passes on Plane-1.
type Set struct {
	Plane   int
	Cleanup []byte
	// Refine holds the SigProp bytes followed by the MagRef bytes.
	Refine []byte
	SigLen int
	Passes []Pass
}

// Segment returns the bytes needed to decode the first n passes.
func (s *Set) Segment(n int) (cleanup, refine []byte) {
	switch {
	case n <= 0:
		return nil, nil
	case n == 1:
		return s.Cleanup, nil
	case n == 2:
		return s.Cleanup, s.Refine[:s.SigLen]
	}
	return s.Cleanup, s.Refine
}

// Coded is the result of Encode.
type Coded struct {
	Width, Height int
	// TopPlane is the highest bit-plane holding a one, or -1 for an
	// all-zero block.
	TopPlane int
	// Dist0 is the squared error when nothing of the block is decoded.
	Dist0 float64
	// Sets are ordered from TopPlane down to the lowest plane requested.
	Sets []Set
}

// Empty reports whether the block produced nothing to code.
func (c *Coded) Empty() bool {
	return c.TopPlane < 0 || len(c.Sets) == 0
}

// SetFor returns the set whose cleanup pass codes plane p.
func (c *Coded) SetFor(p int) *Set {
	for i := range c.Sets {
		if c.Sets[i].Plane == p {
			return &c.Sets[i]
		}
	}
	return nil
}

// Options control Encode.
type Options struct {
	// MinPlane is the lowest cleanup plane produced.
	MinPlane int
	// AllPlanes produces a set for every plane from TopPlane to MinPlane,
	// instead of only MinPlane.
	AllPlanes bool
	// Refine adds SigProp and MagRef passes to sets above plane 0.
	Refine bool
}

func checkShape(w, h, n int) error {
	if w < 1 || h < 1 || w*h > MaxSamples {
		return fmt.Errorf("%w: %dx%d", ErrDimensions, w, h)
	}
	if n != w*h {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrDimensions, n, w, h)
	}
	return nil
}

func half(b int) uint32 {
	if b <= 0 {
		return 0
	}
	return 1 << (b - 1)
}

func sq(v float64) float64 { return v * v }

// Encode codes a w x h block of signed coefficients given in raster order.
func Encode(coeffs []int32, w, h int, opts Options) (*Coded, error) {
	if err := checkShape(w, h, len(coeffs)); err != nil {
		return nil, err
	}
	abs := make([]uint32, len(coeffs))
	sign := make([]uint8, len(coeffs))
	var peak uint32
	c := &Coded{Width: w, Height: h}
	for i, v := range coeffs {
		if v < 0 {
			abs[i] = uint32(-int64(v))
			sign[i] = 1
		} else {
			abs[i] = uint32(v)
		}
		peak |= abs[i]
		c.Dist0 += sq(float64(abs[i]))
	}
	c.TopPlane = bits.Len32(peak) - 1
	if c.TopPlane > MaxPlane {
		return nil, fmt.Errorf("%w: bit-plane %d", ErrMagnitude, c.TopPlane)
	}
	if c.TopPlane < 0 || opts.MinPlane > c.TopPlane {
		return c, nil
	}
	lo := max(opts.MinPlane, 0)
	hi := lo
	if opts.AllPlanes {
		hi = c.TopPlane
	}
	for p := hi; p >= lo; p-- {
		s, err := encodeSet(abs, sign, w, h, p, opts.Refine)
		if err != nil {
			return nil, err
		}
		c.Sets = append(c.Sets, *s)
	}
	return c, nil
}

func encodeSet(abs []uint32, sign []uint8, w, h, p int, refine bool) (*Set, error) {
	mu := make([]uint32, len(abs))
	cupSig := make([]bool, len(abs))
	var dist float64
	for i, a := range abs {
		mu[i] = a >> p
		cupSig[i] = mu[i] > 0
		var r uint32
		if cupSig[i] {
			r = mu[i]<<p + half(p)
		}
		dist += sq(float64(a) - float64(r))
	}
	cup, err := encodeCleanup(mu, sign, w, h)
	if err != nil {
		return nil, err
	}
	s := &Set{Plane: p, Cleanup: cup}
	s.Passes = append(s.Passes, Pass{Kind: Cleanup, Bytes: len(cup), Dist: dist})
	if !refine || p == 0 {
		return s, nil
	}

	spp, fresh := encodeSigProp(abs, sign, cupSig, w, h, p)
	for i, a := range abs {
		if fresh[i] {
			r := uint32(1)<<(p-1) + half(p-1)
			dist += sq(float64(a)-float64(r)) - sq(float64(a))
		}
	}
	s.SigLen = len(spp)
	s.Passes = append(s.Passes, Pass{Kind: SigProp, Bytes: len(cup) + len(spp), Dist: dist})

	mrp := encodeMagRef(abs, cupSig, w, h, p)
	for i, a := range abs {
		if cupSig[i] {
			old := mu[i]<<p + half(p)
			m := a >> (p - 1)
			r := m<<(p-1) + half(p-1)
			dist += sq(float64(a)-float64(r)) - sq(float64(a)-float64(old))
		}
	}
	s.Refine = append(spp, mrp...)
	s.Passes = append(s.Passes, Pass{Kind: MagRef, Bytes: len(cup) + len(s.Refine), Dist: dist})
	return s, nil
}

// Decode reconstructs a block from a cleanup segment coding plane p and a
// refinement segment holding passes-1 refinement passes. Values are
// returned in half-step units: a magnitude known down to bit-plane b is
// reported as 2*m + 2^b, the midpoint of its uncertainty interval, so
// callers halve it for integer output or scale it for dequantization.
func Decode(cleanup, refine []byte, w, h, p, passes int) ([]int32, error) {
	if err := checkShape(w, h, w*h); err != nil {
		return nil, err
	}
	if p < 0 || p > MaxPlane {
		return nil, fmt.Errorf("%w: cleanup plane %d", ErrCorrupt, p)
	}
	if passes < 1 || passes > 3 || (p == 0 && passes > 1) {
		return nil, fmt.Errorf("%w: %d passes on plane %d", ErrCorrupt, passes, p)
	}
	mu, sign, err := decodeCleanup(cleanup, w, h)
	if err != nil {
		return nil, err
	}
	out := make([]int32, w*h)
	cupSig := make([]bool, w*h)
	for i, m := range mu {
		cupSig[i] = m > 0
	}

	var fresh []bool
	var freshSign []uint8
	if passes >= 2 {
		var over bool
		fresh, freshSign, over = decodeSigProp(refine, cupSig, w, h)
		if over {
			return nil, fmt.Errorf("%w: sigprop pass ran past its segment", ErrCorrupt)
		}
	}
	var ref []uint8
	if passes == 3 {
		var over bool
		ref, over = decodeMagRef(refine, cupSig, w, h)
		if over {
			return nil, fmt.Errorf("%w: magref pass ran past its segment", ErrCorrupt)
		}
	}

	for i := range out {
		var v uint32
		s := sign[i]
		switch {
		case cupSig[i] && ref != nil:
			m := mu[i]<<1 | uint32(ref[i])
			v = m<<p + 1<<(p-1)
		case cupSig[i]:
			v = mu[i]<<(p+1) + 1<<p
		case fresh != nil && fresh[i]:
			v = 1<<p + 1<<(p-1)
			s = freshSign[i]
		default:
			continue
		}
		if s == 1 {
			out[i] = -int32(v)
		} else {
			out[i] = int32(v)
		}
	}
	return out, nil
}
