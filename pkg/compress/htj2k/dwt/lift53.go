package dwt

// Forward53 applies `levels` of the reversible 5/3 transform to a w x h
// row-major buffer in place.
func Forward53(data []int32, w, h, levels int) error {
	if err := CheckLevels(w, h, levels); err != nil {
		return err
	}
	buf := make([]int32, max(w, h))
	lw, lh := w, h
	for l := 0; l < levels; l++ {
		// rows
		for y := 0; y < lh; y++ {
			row := data[y*w : y*w+lw]
			copy(buf, row)
			lift53(buf[:lw])
			deinterleave(buf[:lw], row)
		}
		// columns
		col := make([]int32, lh)
		for x := 0; x < lw; x++ {
			for y := 0; y < lh; y++ {
				buf[y] = data[y*w+x]
			}
			lift53(buf[:lh])
			deinterleave(buf[:lh], col)
			for y := 0; y < lh; y++ {
				data[y*w+x] = col[y]
			}
		}
		lw, lh = (lw+1)>>1, (lh+1)>>1
	}
	return nil
}

// Inverse53 undoes Forward53 exactly.
func Inverse53(data []int32, w, h, levels int) error {
	if err := CheckLevels(w, h, levels); err != nil {
		return err
	}
	buf := make([]int32, max(w, h))
	for l := levels - 1; l >= 0; l-- {
		lw, lh := LevelSize(w, h, l)
		col := make([]int32, lh)
		for x := 0; x < lw; x++ {
			for y := 0; y < lh; y++ {
				col[y] = data[y*w+x]
			}
			interleave(col, buf[:lh])
			unlift53(buf[:lh])
			for y := 0; y < lh; y++ {
				data[y*w+x] = buf[y]
			}
		}
		for y := 0; y < lh; y++ {
			row := data[y*w : y*w+lw]
			interleave(row, buf[:lw])
			unlift53(buf[:lw])
			copy(row, buf[:lw])
		}
	}
	return nil
}

// lift53 runs the predict and update steps on an interleaved signal.
func lift53(x []int32) {
	n := len(x)
	if n < 2 {
		return
	}
	for i := 1; i < n; i += 2 {
		x[i] -= (x[i-1] + x[mirror(i+1, n)]) >> 1
	}
	for i := 0; i < n; i += 2 {
		x[i] += (x[mirror(i-1, n)] + x[mirror(i+1, n)] + 2) >> 2
	}
}

func unlift53(x []int32) {
	n := len(x)
	if n < 2 {
		return
	}
	for i := 0; i < n; i += 2 {
		x[i] -= (x[mirror(i-1, n)] + x[mirror(i+1, n)] + 2) >> 2
	}
	for i := 1; i < n; i += 2 {
		x[i] += (x[i-1] + x[mirror(i+1, n)]) >> 1
	}
}

// deinterleave writes even samples then odd samples of src into dst.
func deinterleave[T int32 | float64](src, dst []T) {
	half := (len(src) + 1) >> 1
	for i := range src {
		if i&1 == 0 {
			dst[i>>1] = src[i]
		} else {
			dst[half+i>>1] = src[i]
		}
	}
}

// interleave is the inverse of deinterleave.
func interleave[T int32 | float64](src, dst []T) {
	half := (len(src) + 1) >> 1
	for i := range dst[:len(src)] {
		if i&1 == 0 {
			dst[i] = src[i>>1]
		} else {
			dst[i] = src[half+i>>1]
		}
	}
}
