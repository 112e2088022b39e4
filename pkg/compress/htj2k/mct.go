package htj2k

// Multi-component transforms (ITU-T T.800 Annex G). Both work in place on
// the first three component planes of a tile.

// forwardRCT applies the reversible colour transform (RGB -> YCbCr).
func forwardRCT(r, g, b []int32) {
	for i := range r {
		ri, gi, bi := r[i], g[i], b[i]
		r[i] = (ri + 2*gi + bi) >> 2 // Y = floor((R + 2G + B) / 4)
		g[i] = bi - gi                // Cb = B - G
		b[i] = ri - gi                // Cr = R - G
	}
}

// inverseRCT undoes forwardRCT exactly.
func inverseRCT(y, cb, cr []int32) {
	for i := range y {
		yi, cbi, cri := y[i], cb[i], cr[i]
		g := yi - ((cbi + cri) >> 2) // G = Y - floor((Cb + Cr) / 4)
		y[i] = cri + g               // R
		cb[i] = g                    // G
		cr[i] = cbi + g              // B
	}
}

// forwardICT applies the irreversible colour transform.
func forwardICT(r, g, b []float64) {
	for i := range r {
		ri, gi, bi := r[i], g[i], b[i]
		r[i] = 0.299*ri + 0.587*gi + 0.114*bi
		g[i] = -0.168736*ri - 0.331264*gi + 0.5*bi
		b[i] = 0.5*ri - 0.418688*gi - 0.081312*bi
	}
}

// inverseICT undoes forwardICT up to rounding.
func inverseICT(y, cb, cr []float64) {
	for i := range y {
		yi, cbi, cri := y[i], cb[i], cr[i]
		y[i] = yi + 1.402*cri
		cb[i] = yi - 0.344136*cbi - 0.714136*cri
		cr[i] = yi + 1.772*cbi
	}
}
