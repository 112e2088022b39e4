package block

import (
	"math/bits"
	"sort"
)

// The quad VLC maps (context, rho, u_off) to a prefix codeword. Two
// codebooks exist: one for the first quad row, whose context only sees the
// left neighbours, and one for the remaining rows. Codewords are at most
// vlcMaxLen bits and are read LSB first from the backward stream.
//
// When u_off is set a codeword also carries the EMB patterns e_k and e_1.
// A sample in e_k has its top MagSgn bit (position U_q-1) left out of the
// stream and the decoder restores it from e_1.
const vlcMaxLen = 7

// vlcSource is one codebook row laid out as {c_q, rho, u_off, e_k, e_1,
// cwd, cwd_len}.
type vlcSource struct {
	cq, rho, uoff, ek, e1, cwd, len uint8
}

// firstRowCtx0 is context 0 of the first quad row codebook. Every quad in
// it is MEL significant, so rho is never zero.
var firstRowCtx0 = []vlcSource{
	{0, 0x1, 0x0, 0x0, 0x0, 0x06, 4},
	{0, 0x1, 0x1, 0x1, 0x1, 0x3F, 7},
	{0, 0x2, 0x0, 0x0, 0x0, 0x00, 3},
	{0, 0x2, 0x1, 0x2, 0x2, 0x7F, 7},
	{0, 0x3, 0x0, 0x0, 0x0, 0x11, 5},
	{0, 0x3, 0x1, 0x2, 0x2, 0x5F, 7},
	{0, 0x3, 0x1, 0x3, 0x1, 0x1F, 7},
	{0, 0x4, 0x0, 0x0, 0x0, 0x02, 3},
	{0, 0x4, 0x1, 0x4, 0x4, 0x13, 6},
	{0, 0x5, 0x0, 0x0, 0x0, 0x0E, 5},
	{0, 0x5, 0x1, 0x4, 0x4, 0x23, 6},
	{0, 0x5, 0x1, 0x5, 0x1, 0x0F, 7},
	{0, 0x6, 0x0, 0x0, 0x0, 0x03, 6},
	{0, 0x6, 0x1, 0x0, 0x0, 0x6F, 7},
	{0, 0x7, 0x0, 0x0, 0x0, 0x2F, 7},
	{0, 0x7, 0x1, 0x2, 0x2, 0x4F, 7},
	{0, 0x7, 0x1, 0x2, 0x0, 0x0D, 6},
	{0, 0x8, 0x0, 0x0, 0x0, 0x04, 3},
	{0, 0x8, 0x1, 0x8, 0x8, 0x3D, 6},
	{0, 0x9, 0x0, 0x0, 0x0, 0x1D, 6},
	{0, 0x9, 0x1, 0x0, 0x0, 0x2D, 6},
	{0, 0xA, 0x0, 0x0, 0x0, 0x01, 5},
	{0, 0xA, 0x1, 0x8, 0x8, 0x35, 6},
	{0, 0xA, 0x1, 0xA, 0x2, 0x77, 7},
	{0, 0xB, 0x0, 0x0, 0x0, 0x37, 7},
	{0, 0xB, 0x1, 0x1, 0x1, 0x57, 7},
	{0, 0xB, 0x1, 0x1, 0x0, 0x09, 6},
	{0, 0xC, 0x0, 0x0, 0x0, 0x1E, 5},
	{0, 0xC, 0x1, 0xC, 0xC, 0x17, 7},
	{0, 0xC, 0x1, 0xC, 0x4, 0x15, 6},
	{0, 0xC, 0x1, 0xC, 0x8, 0x25, 6},
	{0, 0xD, 0x0, 0x0, 0x0, 0x67, 7},
	{0, 0xD, 0x1, 0x1, 0x1, 0x27, 7},
	{0, 0xD, 0x1, 0x5, 0x4, 0x47, 7},
	{0, 0xD, 0x1, 0xD, 0x8, 0x07, 7},
	{0, 0xE, 0x0, 0x0, 0x0, 0x7B, 7},
	{0, 0xE, 0x1, 0x2, 0x2, 0x4B, 7},
	{0, 0xE, 0x1, 0xA, 0x8, 0x05, 6},
	{0, 0xE, 0x1, 0xE, 0x4, 0x3B, 7},
	{0, 0xF, 0x0, 0x0, 0x0, 0x5B, 7},
	{0, 0xF, 0x1, 0x9, 0x9, 0x1B, 7},
	{0, 0xF, 0x1, 0xB, 0xA, 0x6B, 7},
	{0, 0xF, 0x1, 0xF, 0xC, 0x2B, 7},
	{0, 0xF, 0x1, 0xF, 0x8, 0x39, 6},
	{0, 0xF, 0x1, 0xE, 0x6, 0x73, 7},
	{0, 0xF, 0x1, 0xE, 0x2, 0x19, 6},
	{0, 0xF, 0x1, 0xF, 0x5, 0x0B, 7},
	{0, 0xF, 0x1, 0xF, 0x4, 0x29, 6},
	{0, 0xF, 0x1, 0xF, 0x1, 0x33, 7},
}

// vlcCode is what the encoder emits for a (context, rho, emb) triple.
type vlcCode struct {
	cwd, len uint8
	ek, e1   uint8
}

type vlcEntry struct {
	rho, uoff uint8
	ek, e1    uint8
	len       uint8
}

type vlcTable struct {
	// enc is indexed by context, rho and the pattern of samples whose
	// exponent reaches U_q; an emb of zero selects the u_off=0 codeword.
	enc [8][16][16]vlcCode
	dec [8][1 << vlcMaxLen]vlcEntry
}

var vlcTables = [2]*vlcTable{
	buildVLCTable(append(append([]vlcSource(nil), firstRowCtx0...), rankedSource(0, 1)...)),
	buildVLCTable(rankedSource(1, 0)),
}

// Codeword lengths handed out in rank order.
var vlcLengths = []int{3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 5, 5, 5, 5, 6, 6, 6, 6, 6, 6, 6, 6, 7, 7, 7, 7, 7, 7, 7, 7, 7}

type vlcSymbol struct {
	rho, uoff int
	score     int
}

// rankSymbols orders the (rho, u_off) alphabet of one context from most to
// least probable. The expected significance count grows with the number of
// significant neighbours in the context; u_off is expected when several
// samples of the quad are significant.
func rankSymbols(table, ctx int) []vlcSymbol {
	neigh := bits.OnesCount(uint(ctx))
	target := min(4, neigh+1+table*(ctx>>2&1))
	var syms []vlcSymbol
	for rho := 0; rho < 16; rho++ {
		if rho == 0 && ctx == 0 {
			continue
		}
		for uoff := 0; uoff < 2; uoff++ {
			if rho == 0 && uoff == 1 {
				continue
			}
			pc := bits.OnesCount(uint(rho))
			score := 4 * absInt(pc-target)
			if rho == 0 {
				score = 4*target - 2
			}
			if (pc >= 2) != (uoff == 1) {
				score += 3
			}
			syms = append(syms, vlcSymbol{rho: rho, uoff: uoff, score: score})
		}
	}
	sort.SliceStable(syms, func(i, j int) bool {
		if syms[i].score != syms[j].score {
			return syms[i].score < syms[j].score
		}
		if syms[i].rho != syms[j].rho {
			return syms[i].rho < syms[j].rho
		}
		return syms[i].uoff < syms[j].uoff
	})
	return syms
}

// rankedSource fills contexts from..7 of a codebook with canonical codes
// over the ranked alphabet. These rows carry no EMB patterns.
func rankedSource(table, from int) []vlcSource {
	var src []vlcSource
	for ctx := from; ctx < 8; ctx++ {
		code, prev := 0, vlcLengths[0]
		for i, s := range rankSymbols(table, ctx) {
			l := vlcLengths[i]
			if i > 0 {
				code = (code + 1) << (l - prev)
			}
			prev = l
			// canonical codes are MSB first; the stream is read LSB first
			cwd := bits.Reverse8(uint8(code)) >> (8 - l)
			src = append(src, vlcSource{cq: uint8(ctx), rho: uint8(s.rho), uoff: uint8(s.uoff), cwd: cwd, len: uint8(l)})
		}
	}
	return src
}

// buildVLCTable expands codebook rows into the decoder lookup, indexed by
// the next vlcMaxLen stream bits, and the encoder lookup. For u_off=1 the
// encoder picks the row whose e_1 agrees with emb on e_k, preferring the
// row that leaves out the most bits.
func buildVLCTable(src []vlcSource) *vlcTable {
	t := &vlcTable{}
	for _, s := range src {
		for idx := int(s.cwd); idx < 1<<vlcMaxLen; idx += 1 << s.len {
			t.dec[s.cq][idx] = vlcEntry{rho: s.rho, uoff: s.uoff, ek: s.ek, e1: s.e1, len: s.len}
		}
	}
	for ctx := 0; ctx < 8; ctx++ {
		for rho := 0; rho < 16; rho++ {
			for emb := 0; emb < 16; emb++ {
				if emb&^rho != 0 {
					continue
				}
				best, most := -1, -1
				for i, s := range src {
					if int(s.cq) != ctx || int(s.rho) != rho {
						continue
					}
					if emb == 0 {
						if s.uoff == 0 {
							best = i
							break
						}
						continue
					}
					if s.uoff == 1 && uint8(emb)&s.ek == s.e1 {
						if n := bits.OnesCount8(s.ek); n >= most {
							best, most = i, n
						}
					}
				}
				if best >= 0 {
					s := src[best]
					t.enc[ctx][rho][emb] = vlcCode{cwd: s.cwd, len: s.len, ek: s.ek, e1: s.e1}
				}
			}
		}
	}
	return t
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// putU writes the unary/binary code for an exponent offset u >= 1.
func putU(w *bwdWriter, u int) {
	switch {
	case u == 1:
		w.put(1, 1)
	case u == 2:
		w.put(2, 2)
	case u <= 4:
		w.put(4, 3)
		w.put(uint32(u-3), 1)
	default:
		w.put(0, 3)
		w.put(uint32(u-5), 5)
	}
}

func getU(r *bwdReader) int {
	if r.fetch(1) == 1 {
		return 1
	}
	if r.fetch(1) == 1 {
		return 2
	}
	if r.fetch(1) == 1 {
		return 3 + int(r.fetch(1))
	}
	return 5 + int(r.fetch(5))
}

// maxU is the largest offset putU can express.
const maxU = 36
