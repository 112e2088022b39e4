package block

import (
	"fmt"
	"math/bits"
)

// maxScup is the largest MEL+VLC length the 12-bit Scup field can carry.
const maxScup = 4079

// sampleExp is the exponent E of a magnitude: the number of bits needed
// for 2*mu-1, or zero when insignificant.
func sampleExp(mu uint32) int {
	if mu == 0 {
		return 0
	}
	return bits.Len32(2*mu - 1)
}

// quad sample n sits at column 2qx+(n>>1), row 2qy+(n&1).
func quadXY(qx, qy, n int) (int, int) {
	return 2*qx + n>>1, 2*qy + n&1
}

// plane is the quad-level view shared by the cleanup encoder and decoder.
type plane struct {
	w, h int
	mag  []uint32
	sig  []bool
}

func (p *plane) sigAt(x, y int) int {
	if x < 0 || y < 0 || x >= p.w || y >= p.h {
		return 0
	}
	if p.sig[y*p.w+x] {
		return 1
	}
	return 0
}

func (p *plane) expAt(x, y int) int {
	if x < 0 || y < 0 || x >= p.w || y >= p.h {
		return 0
	}
	return sampleExp(p.mag[y*p.w+x])
}

func (p *plane) context(qx, qy int) int {
	x, y := 2*qx, 2*qy
	if qy == 0 {
		return p.sigAt(x-1, y) | p.sigAt(x-1, y+1)<<1 | (p.sigAt(x-2, y)|p.sigAt(x-2, y+1))<<2
	}
	return (p.sigAt(x-1, y-1) | p.sigAt(x, y-1)) |
		(p.sigAt(x-1, y)|p.sigAt(x-1, y+1))<<1 |
		(p.sigAt(x+1, y-1)|p.sigAt(x+2, y-1))<<2
}

// kappa predicts the quad exponent bound from the row above.
func (p *plane) kappa(qx, qy int, rho uint8) int {
	if qy == 0 || bits.OnesCount8(rho) < 2 {
		return 1
	}
	x, y := 2*qx, 2*qy-1
	emax := max(p.expAt(x-1, y), p.expAt(x, y), p.expAt(x+1, y), p.expAt(x+2, y))
	return max(1, emax-1)
}

// validRho masks the quad samples that fall inside the block.
func (p *plane) validRho(qx, qy int) uint8 {
	var m uint8
	for n := 0; n < 4; n++ {
		x, y := quadXY(qx, qy, n)
		if x < p.w && y < p.h {
			m |= 1 << n
		}
	}
	return m
}

type quad struct {
	rho    uint8
	ctx    int
	u      int
	uoff   bool
	big    int   // U, the MagSgn bit count per significant sample
	ek, e1 uint8 // EMB patterns of the chosen codeword
}

// encodeCleanup codes the magnitudes mu (already shifted down to the
// cleanup plane) and their signs into one cleanup segment.
func encodeCleanup(mu []uint32, sign []uint8, w, h int) ([]byte, error) {
	p := &plane{w: w, h: h, mag: mu, sig: make([]bool, w*h)}
	for i, m := range mu {
		p.sig[i] = m > 0
	}
	ms := newFwdWriter()
	mel := newMELEncoder()
	vlc := newVLCWriter()
	qw, qh := (w+1)/2, (h+1)/2

	for qy := 0; qy < qh; qy++ {
		tbl := vlcTables[min(qy, 1)]
		for qx := 0; qx < qw; qx += 2 {
			var qs [2]quad
			n := min(2, qw-qx)
			for i := 0; i < n; i++ {
				q := &qs[i]
				emax := 0
				for s := 0; s < 4; s++ {
					x, y := quadXY(qx+i, qy, s)
					if x < w && y < h && mu[y*w+x] > 0 {
						q.rho |= 1 << s
						emax = max(emax, sampleExp(mu[y*w+x]))
					}
				}
				q.ctx = p.context(qx+i, qy)
				if q.ctx == 0 {
					mel.encode(q.rho != 0)
				}
				if q.rho == 0 {
					// only a MEL-coded context may skip the codeword
					if q.ctx != 0 {
						c := tbl.enc[q.ctx][0][0]
						vlc.put(uint32(c.cwd), int(c.len))
					}
					continue
				}
				k := p.kappa(qx+i, qy, q.rho)
				q.big = max(k, emax)
				q.u = q.big - k
				q.uoff = q.u > 0
				if q.u > maxU {
					return nil, fmt.Errorf("%w: exponent offset %d", ErrMagnitude, q.u)
				}
				var emb uint8
				if q.uoff {
					for s := 0; s < 4; s++ {
						x, y := quadXY(qx+i, qy, s)
						if q.rho&(1<<s) != 0 && sampleExp(mu[y*w+x]) == q.big {
							emb |= 1 << s
						}
					}
				}
				c := tbl.enc[q.ctx][q.rho][emb]
				if c.len == 0 {
					return nil, fmt.Errorf("%w: no codeword for context %d rho %#x emb %#x", ErrMagnitude, q.ctx, q.rho, emb)
				}
				vlc.put(uint32(c.cwd), int(c.len))
				q.ek, q.e1 = c.ek, c.e1
			}

			if qy == 0 && n == 2 && qs[0].uoff && qs[1].uoff {
				both := qs[0].u > 2 && qs[1].u > 2
				mel.encode(both)
				switch {
				case both:
					putU(vlc, qs[0].u-2)
					putU(vlc, qs[1].u-2)
				case qs[0].u > 2:
					putU(vlc, qs[0].u)
					vlc.put(uint32(qs[1].u-1), 1)
				default:
					putU(vlc, qs[0].u)
					putU(vlc, qs[1].u)
				}
			} else {
				for i := 0; i < n; i++ {
					if qs[i].uoff {
						putU(vlc, qs[i].u)
					}
				}
			}

			for i := 0; i < n; i++ {
				q := &qs[i]
				for s := 0; s < 4; s++ {
					if q.rho&(1<<s) == 0 {
						continue
					}
					x, y := quadXY(qx+i, qy, s)
					idx := y*w + x
					v := 2*(mu[idx]-1) + uint32(sign[idx])
					m := q.big - int(q.ek>>s&1)
					ms.put(v&(1<<m-1), m)
				}
			}
		}
	}

	magsgn := ms.bytes()
	melBytes := mel.bytes()
	vlcBytes := vlc.reversed()
	scup := len(melBytes) + len(vlcBytes)
	if scup > maxScup {
		return nil, fmt.Errorf("%w: MEL and VLC need %d bytes", ErrMagnitude, scup)
	}
	seg := make([]byte, 0, len(magsgn)+scup)
	seg = append(seg, magsgn...)
	seg = append(seg, melBytes...)
	seg = append(seg, vlcBytes...)
	n := len(seg)
	seg[n-1] = byte(scup >> 4)
	seg[n-2] = seg[n-2]&0xF0 | byte(scup&0xF)
	return seg, nil
}

// decodeCleanup recovers mu and signs from a cleanup segment.
func decodeCleanup(seg []byte, w, h int) ([]uint32, []uint8, error) {
	n := len(seg)
	if n < 2 {
		return nil, nil, fmt.Errorf("%w: cleanup segment of %d bytes", ErrCorrupt, n)
	}
	scup := int(seg[n-1])<<4 | int(seg[n-2]&0xF)
	if scup < 2 || scup > n || scup > maxScup {
		return nil, nil, fmt.Errorf("%w: Scup %d outside segment of %d bytes", ErrCorrupt, scup, n)
	}
	ms := newFwdReader(seg[:n-scup])
	mel := newMELDecoder(seg[n-scup:])
	vlc := newVLCReader(seg, scup)

	mu := make([]uint32, w*h)
	sign := make([]uint8, w*h)
	p := &plane{w: w, h: h, mag: mu, sig: make([]bool, w*h)}
	qw, qh := (w+1)/2, (h+1)/2

	for qy := 0; qy < qh; qy++ {
		tbl := vlcTables[min(qy, 1)]
		for qx := 0; qx < qw; qx += 2 {
			var qs [2]quad
			n := min(2, qw-qx)
			for i := 0; i < n; i++ {
				q := &qs[i]
				q.ctx = p.context(qx+i, qy)
				if q.ctx == 0 && !mel.decode() {
					continue
				}
				e := tbl.dec[q.ctx][vlc.peek(vlcMaxLen)]
				if e.len == 0 {
					return nil, nil, fmt.Errorf("%w: invalid VLC codeword", ErrCorrupt)
				}
				vlc.advance(int(e.len))
				q.rho, q.uoff = e.rho, e.uoff == 1
				q.ek, q.e1 = e.ek, e.e1
				if q.rho&^p.validRho(qx+i, qy) != 0 {
					return nil, nil, fmt.Errorf("%w: significance outside block at quad (%d,%d)", ErrCorrupt, qx+i, qy)
				}
				for s := 0; s < 4; s++ {
					if q.rho&(1<<s) != 0 {
						x, y := quadXY(qx+i, qy, s)
						p.sig[y*w+x] = true
					}
				}
			}

			if qy == 0 && n == 2 && qs[0].uoff && qs[1].uoff {
				if mel.decode() {
					qs[0].u = getU(vlc) + 2
					qs[1].u = getU(vlc) + 2
				} else {
					qs[0].u = getU(vlc)
					if qs[0].u > 2 {
						qs[1].u = int(vlc.fetch(1)) + 1
					} else {
						qs[1].u = getU(vlc)
					}
				}
			} else {
				for i := 0; i < n; i++ {
					if qs[i].uoff {
						qs[i].u = getU(vlc)
					}
				}
			}

			for i := 0; i < n; i++ {
				q := &qs[i]
				if q.rho == 0 {
					continue
				}
				q.big = p.kappa(qx+i, qy, q.rho) + q.u
				if q.big > 31 {
					return nil, nil, fmt.Errorf("%w: %d magnitude bits", ErrCorrupt, q.big)
				}
				for s := 0; s < 4; s++ {
					if q.rho&(1<<s) == 0 {
						continue
					}
					x, y := quadXY(qx+i, qy, s)
					m := q.big - int(q.ek>>s&1)
					v := ms.fetch(m) | uint32(q.e1>>s&1)<<m
					mu[y*w+x] = v>>1 + 1
					sign[y*w+x] = uint8(v & 1)
				}
			}
		}
	}
	if ms.overrun() || vlc.overrun() || mel.over {
		return nil, nil, fmt.Errorf("%w: cleanup pass ran past its segment", ErrCorrupt)
	}
	return mu, sign, nil
}
