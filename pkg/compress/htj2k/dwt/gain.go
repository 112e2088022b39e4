package dwt

// EnergyGain returns the squared L2 norm of the synthesis basis function of
// band b at the given level (1 = finest). For BandLL, level is the number of
// decomposition levels. A level of 0 means no transform and has gain 1.
//
// The result converts coefficient-domain squared error into sample-domain
// squared error, which is what rate control minimizes.
func EnergyGain(k Kernel, level int, b Band) float64 {
	if level <= 0 {
		return 1
	}
	horizHigh := b == BandHL || b == BandHH
	vertHigh := b == BandLH || b == BandHH
	return gain1D(k, level, horizHigh) * gain1D(k, level, vertHigh)
}

func gain1D(k Kernel, level int, high bool) float64 {
	n := 1 << (level + 5)
	x := make([]float64, n)
	// after `level` levels the band occupies [lo, hi) of the 1D Mallat layout
	lo, hi := 0, n>>level
	if high {
		lo, hi = n>>level, n>>(level-1)
	}
	x[(lo+hi)/2] = 1

	unlift := unlift97
	if k == Reversible53 {
		unlift = unlift53f
	}
	buf := make([]float64, n)
	for l := level - 1; l >= 0; l-- {
		m := n >> l
		interleave(x[:m], buf[:m])
		unlift(buf[:m])
		copy(x[:m], buf[:m])
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}
