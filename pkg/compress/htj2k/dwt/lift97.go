package dwt

// 9/7 lifting coefficients (T.800 Table F.4).
const (
	alpha97 = -1.586134342059924
	beta97  = -0.052980118572961
	gamma97 = 0.882911075530934
	delta97 = 0.443506852043971
	k97     = 1.230174104914001
)

// Forward97 applies `levels` of the irreversible 9/7 transform in place.
func Forward97(data []float64, w, h, levels int) error {
	if err := CheckLevels(w, h, levels); err != nil {
		return err
	}
	forwardFloat(data, w, h, levels, lift97)
	return nil
}

// Inverse97 undoes Forward97 up to floating point rounding.
func Inverse97(data []float64, w, h, levels int) error {
	if err := CheckLevels(w, h, levels); err != nil {
		return err
	}
	inverseFloat(data, w, h, levels, unlift97)
	return nil
}

func forwardFloat(data []float64, w, h, levels int, lift func([]float64)) {
	buf := make([]float64, max(w, h))
	tmp := make([]float64, max(w, h))
	lw, lh := w, h
	for l := 0; l < levels; l++ {
		for y := 0; y < lh; y++ {
			row := data[y*w : y*w+lw]
			copy(buf, row)
			lift(buf[:lw])
			deinterleave(buf[:lw], row)
		}
		for x := 0; x < lw; x++ {
			for y := 0; y < lh; y++ {
				buf[y] = data[y*w+x]
			}
			lift(buf[:lh])
			deinterleave(buf[:lh], tmp[:lh])
			for y := 0; y < lh; y++ {
				data[y*w+x] = tmp[y]
			}
		}
		lw, lh = (lw+1)>>1, (lh+1)>>1
	}
}

func inverseFloat(data []float64, w, h, levels int, unlift func([]float64)) {
	buf := make([]float64, max(w, h))
	tmp := make([]float64, max(w, h))
	for l := levels - 1; l >= 0; l-- {
		lw, lh := LevelSize(w, h, l)
		for x := 0; x < lw; x++ {
			for y := 0; y < lh; y++ {
				tmp[y] = data[y*w+x]
			}
			interleave(tmp[:lh], buf[:lh])
			unlift(buf[:lh])
			for y := 0; y < lh; y++ {
				data[y*w+x] = buf[y]
			}
		}
		for y := 0; y < lh; y++ {
			row := data[y*w : y*w+lw]
			interleave(row, buf[:lw])
			unlift(buf[:lw])
			copy(row, buf[:lw])
		}
	}
}

// liftStep adds c*(left+right) to every sample of the given parity.
func liftStep(x []float64, parity int, c float64) {
	n := len(x)
	for i := parity; i < n; i += 2 {
		x[i] += c * (x[mirror(i-1, n)] + x[mirror(i+1, n)])
	}
}

func lift97(x []float64) {
	n := len(x)
	if n < 2 {
		return
	}
	liftStep(x, 1, alpha97)
	liftStep(x, 0, beta97)
	liftStep(x, 1, gamma97)
	liftStep(x, 0, delta97)
	for i := 0; i < n; i++ {
		if i&1 == 0 {
			x[i] /= k97
		} else {
			x[i] *= k97
		}
	}
}

func unlift97(x []float64) {
	n := len(x)
	if n < 2 {
		return
	}
	for i := 0; i < n; i++ {
		if i&1 == 0 {
			x[i] *= k97
		} else {
			x[i] /= k97
		}
	}
	liftStep(x, 0, -delta97)
	liftStep(x, 1, -gamma97)
	liftStep(x, 0, -beta97)
	liftStep(x, 1, -alpha97)
}

// linear 5/3 (no rounding), used for synthesis gain estimates.
func lift53f(x []float64) {
	if len(x) < 2 {
		return
	}
	liftStep(x, 1, -0.5)
	liftStep(x, 0, 0.25)
}

func unlift53f(x []float64) {
	if len(x) < 2 {
		return
	}
	liftStep(x, 0, -0.25)
	liftStep(x, 1, 0.5)
}
