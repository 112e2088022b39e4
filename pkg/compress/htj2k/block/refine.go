package block

// Refinement passes operate on bit-plane p-1 once the cleanup pass coded
// plane p. Samples are visited in stripes of four rows, column by column.

func forEachStripe(w, h int, fn func(x, y int)) {
	for y0 := 0; y0 < h; y0 += 4 {
		y1 := min(y0+4, h)
		for x := 0; x < w; x++ {
			for y := y0; y < y1; y++ {
				fn(x, y)
			}
		}
	}
}

// hasSigNeighbour reports whether any of the 8 neighbours is significant.
func hasSigNeighbour(sig []bool, w, h, x, y int) bool {
	for dy := -1; dy <= 1; dy++ {
		yy := y + dy
		if yy < 0 || yy >= h {
			continue
		}
		for dx := -1; dx <= 1; dx++ {
			xx := x + dx
			if (dx == 0 && dy == 0) || xx < 0 || xx >= w {
				continue
			}
			if sig[yy*w+xx] {
				return true
			}
		}
	}
	return false
}

// encodeSigProp codes bit p-1 for insignificant samples next to a
// significant one, plus the sign of each sample that becomes significant.
// It returns the coded bytes and the samples it made significant.
func encodeSigProp(abs []uint32, sign []uint8, cupSig []bool, w, h, p int) ([]byte, []bool) {
	sig := make([]bool, len(cupSig))
	copy(sig, cupSig)
	fresh := make([]bool, len(cupSig))
	bw := newFwdWriter()
	forEachStripe(w, h, func(x, y int) {
		i := y*w + x
		if cupSig[i] || !hasSigNeighbour(sig, w, h, x, y) {
			return
		}
		bit := (abs[i] >> (p - 1)) & 1
		bw.put(bit, 1)
		if bit == 1 {
			bw.put(uint32(sign[i]), 1)
			sig[i] = true
			fresh[i] = true
		}
	})
	return bw.bytes(), fresh
}

func decodeSigProp(data []byte, cupSig []bool, w, h int) (fresh []bool, sign []uint8, overrun bool) {
	sig := make([]bool, len(cupSig))
	copy(sig, cupSig)
	fresh = make([]bool, len(cupSig))
	sign = make([]uint8, len(cupSig))
	r := newFwdReader(data)
	forEachStripe(w, h, func(x, y int) {
		i := y*w + x
		if cupSig[i] || !hasSigNeighbour(sig, w, h, x, y) {
			return
		}
		if r.fetch(1) == 1 {
			sign[i] = uint8(r.fetch(1))
			sig[i] = true
			fresh[i] = true
		}
	})
	return fresh, sign, r.overrun()
}

// encodeMagRef codes bit p-1 of every sample the cleanup pass found
// significant.
func encodeMagRef(abs []uint32, cupSig []bool, w, h, p int) []byte {
	bw := newBwdWriter()
	forEachStripe(w, h, func(x, y int) {
		i := y*w + x
		if cupSig[i] {
			bw.put((abs[i]>>(p-1))&1, 1)
		}
	})
	return bw.reversed()
}

func decodeMagRef(data []byte, cupSig []bool, w, h int) (bitsOut []uint8, overrun bool) {
	bitsOut = make([]uint8, len(cupSig))
	r := newBwdReader(data, 0)
	forEachStripe(w, h, func(x, y int) {
		i := y*w + x
		if cupSig[i] {
			bitsOut[i] = uint8(r.fetch(1))
		}
	})
	return bitsOut, r.overrun()
}
