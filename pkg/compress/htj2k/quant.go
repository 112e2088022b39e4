package htj2k

import (
	"fmt"
	"math"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
)

// maxGuardBits is the largest value the 3-bit QCD field holds.
const maxGuardBits = 7

// subband is one entry of the QCD band order: LL, then HL, LH, HH from the
// coarsest level down.
type subband struct {
	level  int
	orient dwt.Band
}

func subbands(levels int) []subband {
	out := []subband{{level: levels, orient: dwt.BandLL}}
	for d := levels; d >= 1; d-- {
		out = append(out, subband{d, dwt.BandHL}, subband{d, dwt.BandLH}, subband{d, dwt.BandHH})
	}
	return out
}

// buildQuant returns the quantization for a component of the given
// precision. Reversible coding signals exponents only; irreversible coding
// derives every band's step from qstep so each band contributes the same
// error per coefficient once weighted by its synthesis energy.
func buildQuant(cfg *Config, precision int) codestream.QCD {
	bands := subbands(cfg.Levels)
	q := codestream.QCD{GuardBits: cfg.GuardBits, Exponents: make([]int, len(bands))}
	if cfg.Kernel.Reversible() {
		q.Style = codestream.QuantNone
		for i, b := range bands {
			q.Exponents[i] = precision + b.orient.Gain()
		}
		return q
	}
	q.Style = codestream.QuantExpounded
	q.Mantissas = make([]int, len(bands))
	for i, b := range bands {
		delta := cfg.QStep * math.Ldexp(1, precision) / math.Sqrt(dwt.EnergyGain(cfg.Kernel, b.level, b.orient))
		q.Exponents[i], q.Mantissas[i] = stepExponent(delta, precision+b.orient.Gain())
	}
	return q
}

// stepExponent expresses delta as 2^(rb-eps) * (1 + mu/2^11).
func stepExponent(delta float64, rb int) (eps, mu int) {
	x := delta / math.Ldexp(1, rb)
	eps = -int(math.Floor(math.Log2(x)))
	mu = int(math.Round((math.Ldexp(x, eps) - 1) * 2048))
	if mu >= 2048 {
		eps--
		mu = 0
	}
	switch {
	case eps < 0:
		return 0, 2047
	case eps > 31:
		return 31, 0
	}
	return eps, max(mu, 0)
}

// fitGuardBits raises the guard bits until every band's Mb covers the
// magnitude planes it needs. need maps QCD band index to the number of
// magnitude bits of its largest coefficient.
func fitGuardBits(q *codestream.QCD, levels int, need []int) error {
	g := q.GuardBits
	for i, n := range need {
		eps, _ := q.Step(i, levels)
		g = max(g, n-eps+1)
	}
	if g > maxGuardBits {
		return fmt.Errorf("%w: coefficients need %d guard bits", ErrInvalidConfig, g)
	}
	q.GuardBits = g
	return nil
}

// quantize maps a wavelet coefficient to its dead-zone quantization index.
func quantize(v, step float64) int32 {
	m := math.Floor(math.Abs(v) / step)
	if v < 0 {
		return -int32(m)
	}
	return int32(m)
}

// dequantize maps a half-step block value back to a coefficient.
func dequantize(v int32, step float64) float64 {
	return float64(v) * step / 2
}

// halve maps a half-step block value to an integer coefficient, truncating
// the magnitude.
func halve(v int32) int32 {
	if v < 0 {
		return -((-v) >> 1)
	}
	return v >> 1
}
