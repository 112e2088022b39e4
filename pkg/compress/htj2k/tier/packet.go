// Package tier implements tier-2 coding: packet headers with their tag
// trees, progression orders, tile-part division and rate allocation.
package tier

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrHeader reports a packet header that is inconsistent.
	ErrHeader = errors.New("invalid packet header")
)

const (
	initialLblock = 3
	// maxZeroBitplanes bounds the zero bit-plane tag tree walk when reading.
	maxZeroBitplanes = 64
	// MaxPasses is the largest pass count a header codeword can express.
	MaxPasses = 164
)

// BandGrid is the code-block grid of one band inside one precinct.
type BandGrid struct {
	W, H int
}

type blockState struct {
	included   bool
	firstLayer int
	lblock     int
	passes     int
	cleanup    int
	zbp        int
}

type bandState struct {
	grid  BandGrid
	incl  *TagTree
	zbp   *TagTree
	block []blockState
}

// Precinct carries the header coding state of one precinct across layers.
// The same type serves the encoder and the decoder.
type Precinct struct {
	bands []*bandState
}

// NewPrecinct creates the state for a precinct holding the given bands.
func NewPrecinct(grids []BandGrid) *Precinct {
	p := &Precinct{}
	for _, g := range grids {
		n := max(g.W, 0) * max(g.H, 0)
		b := &bandState{grid: g, incl: NewTagTree(g.W, g.H), zbp: NewTagTree(g.W, g.H), block: make([]blockState, n)}
		for i := range b.block {
			b.block[i] = blockState{firstLayer: -1, lblock: initialLblock}
		}
		p.bands = append(p.bands, b)
	}
	return p
}

// Bands returns the number of bands.
func (p *Precinct) Bands() int {
	return len(p.bands)
}

// Blocks returns the number of code-blocks in a band.
func (p *Precinct) Blocks(band int) int {
	return len(p.bands[band].block)
}

// SetBlock records, for encoding, the layer in which a block first
// contributes (negative for never), its zero bit-plane count and the number
// of passes in its cleanup segment.
func (p *Precinct) SetBlock(band, idx, firstLayer, zeroBitplanes, cleanupPasses int) {
	b := p.bands[band]
	st := &b.block[idx]
	st.firstLayer = firstLayer
	st.zbp = zeroBitplanes
	st.cleanup = cleanupPasses
	if firstLayer >= 0 {
		b.incl.SetValue(idx, firstLayer)
		b.zbp.SetValue(idx, zeroBitplanes)
	}
}

// ZeroBitplanes returns the zero bit-plane count of a block, known once the
// block has been included.
func (p *Precinct) ZeroBitplanes(band, idx int) int {
	return p.bands[band].block[idx].zbp
}

// CleanupPasses returns the number of passes in a block's cleanup segment.
func (p *Precinct) CleanupPasses(band, idx int) int {
	return p.bands[band].block[idx].cleanup
}

// Contribution is what one block adds to one packet: the number of new
// passes and the byte length of each codeword segment they touch.
type Contribution struct {
	Passes  int
	Lengths []int
}

// SegmentPasses splits count passes starting after pass `before` into
// codeword segments. The cleanup segment ends after `cleanup` passes.
func SegmentPasses(before, count, cleanup int) []int {
	if count <= 0 {
		return nil
	}
	end := before + count
	if before >= cleanup {
		return []int{count}
	}
	if end <= cleanup {
		return []int{count}
	}
	return []int{cleanup - before, end - cleanup}
}

func floorLog2(n int) int {
	return bits.Len(uint(n)) - 1
}

func writePasses(w *BitWriter, n int) {
	switch {
	case n == 1:
		w.WriteBit(0)
	case n == 2:
		w.WriteBits(2, 2)
	case n <= 5:
		w.WriteBits(3, 2)
		w.WriteBits(uint32(n-3), 2)
	case n <= 36:
		w.WriteBits(0xF, 4)
		w.WriteBits(uint32(n-6), 5)
	default:
		w.WriteBits(0x1FF, 9)
		w.WriteBits(uint32(n-37), 7)
	}
}

func readPasses(r *BitReader) (int, error) {
	bit, err := r.ReadBit()
	if err != nil || bit == 0 {
		return 1, err
	}
	if bit, err = r.ReadBit(); err != nil || bit == 0 {
		return 2, err
	}
	v, err := r.ReadBits(2)
	if err != nil || v < 3 {
		return 3 + int(v), err
	}
	if v, err = r.ReadBits(5); err != nil || v < 31 {
		return 6 + int(v), err
	}
	v, err = r.ReadBits(7)
	return 37 + int(v), err
}

// EncodeHeader writes the packet header for one layer. contrib is indexed
// by band then by code-block in raster order within the precinct band.
func (p *Precinct) EncodeHeader(layer int, contrib [][]Contribution) ([]byte, error) {
	w := NewBitWriter()
	empty := true
	for bi := range p.bands {
		for _, c := range contrib[bi] {
			if c.Passes > 0 {
				empty = false
			}
		}
	}
	if empty {
		w.WriteBit(0)
		return w.Bytes(), nil
	}
	w.WriteBit(1)
	for bi, b := range p.bands {
		for i := range b.block {
			st := &b.block[i]
			c := contrib[bi][i]
			if !st.included {
				b.incl.Encode(w, i, layer+1)
				if st.firstLayer != layer {
					if c.Passes > 0 {
						return nil, fmt.Errorf("%w: block %d contributes before its first layer", ErrHeader, i)
					}
					continue
				}
				b.zbp.Encode(w, i, st.zbp+1)
				st.included = true
				if c.Passes < st.cleanup {
					return nil, fmt.Errorf("%w: first contribution of block %d lacks its cleanup pass", ErrHeader, i)
				}
			} else {
				if c.Passes == 0 {
					w.WriteBit(0)
					continue
				}
				w.WriteBit(1)
			}
			if c.Passes > MaxPasses {
				return nil, fmt.Errorf("%w: %d passes", ErrHeader, c.Passes)
			}
			writePasses(w, c.Passes)
			segs := SegmentPasses(st.passes, c.Passes, st.cleanup)
			if len(segs) != len(c.Lengths) {
				return nil, fmt.Errorf("%w: %d segments for %d lengths", ErrHeader, len(segs), len(c.Lengths))
			}
			inc := 0
			for s, np := range segs {
				need := bits.Len(uint(c.Lengths[s])) - (st.lblock + floorLog2(np))
				inc = max(inc, need)
			}
			for k := 0; k < inc; k++ {
				w.WriteBit(1)
			}
			w.WriteBit(0)
			st.lblock += inc
			for s, np := range segs {
				w.WriteBits(uint32(c.Lengths[s]), st.lblock+floorLog2(np))
			}
			st.passes += c.Passes
		}
	}
	return w.Bytes(), nil
}

// DecodeHeader reads the packet header for one layer. The returned slice is
// indexed like EncodeHeader's input.
func (p *Precinct) DecodeHeader(r *BitReader, layer int) ([][]Contribution, error) {
	out := make([][]Contribution, len(p.bands))
	for bi, b := range p.bands {
		out[bi] = make([]Contribution, len(b.block))
	}
	bit, err := r.ReadBit()
	if err != nil || bit == 0 {
		return out, err
	}
	for bi, b := range p.bands {
		for i := range b.block {
			st := &b.block[i]
			first := false
			if !st.included {
				ok, err := b.incl.Decode(r, i, layer+1)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				t := 1
				for {
					known, err := b.zbp.Decode(r, i, t)
					if err != nil {
						return nil, err
					}
					if known {
						break
					}
					if t++; t > maxZeroBitplanes {
						return nil, fmt.Errorf("%w: zero bit-plane count above %d", ErrHeader, maxZeroBitplanes)
					}
				}
				st.zbp = b.zbp.Value(i)
				st.included = true
				st.firstLayer = layer
				first = true
			} else {
				bit, err := r.ReadBit()
				if err != nil {
					return nil, err
				}
				if bit == 0 {
					continue
				}
			}
			n, err := readPasses(r)
			if err != nil {
				return nil, err
			}
			if first {
				st.cleanup = 3*((n-1)/3) + 1
			}
			if st.passes+n > st.cleanup+2 {
				return nil, fmt.Errorf("%w: block %d holds %d passes after a %d-pass cleanup", ErrHeader, i, st.passes+n, st.cleanup)
			}
			inc := 0
			for {
				bit, err := r.ReadBit()
				if err != nil {
					return nil, err
				}
				if bit == 0 {
					break
				}
				if inc++; st.lblock+inc > 32 {
					return nil, fmt.Errorf("%w: Lblock above 32", ErrHeader)
				}
			}
			st.lblock += inc
			segs := SegmentPasses(st.passes, n, st.cleanup)
			c := Contribution{Passes: n, Lengths: make([]int, len(segs))}
			for s, np := range segs {
				nb := st.lblock + floorLog2(np)
				if nb > 32 {
					return nil, fmt.Errorf("%w: %d-bit segment length", ErrHeader, nb)
				}
				v, err := r.ReadBits(nb)
				if err != nil {
					return nil, err
				}
				c.Lengths[s] = int(v)
			}
			st.passes += n
			out[bi][i] = c
		}
	}
	return out, nil
}

// Packet markers.
var (
	sopMarker = []byte{0xFF, 0x91}
	ephMarker = []byte{0xFF, 0x92}
)

// AppendSOP appends a start-of-packet marker segment carrying seq.
func AppendSOP(dst []byte, seq int) []byte {
	return append(dst, 0xFF, 0x91, 0x00, 0x04, byte(seq>>8), byte(seq))
}

// AppendEPH appends the end-of-packet-header marker.
func AppendEPH(dst []byte) []byte {
	return append(dst, ephMarker...)
}

// SkipSOP returns pos advanced past a start-of-packet segment if one
// starts there.
func SkipSOP(data []byte, pos int) int {
	if pos+6 <= len(data) && data[pos] == sopMarker[0] && data[pos+1] == sopMarker[1] {
		return pos + 6
	}
	return pos
}

// SkipEPH returns pos advanced past an end-of-packet-header marker if one
// starts there.
func SkipEPH(data []byte, pos int) int {
	if pos+2 <= len(data) && data[pos] == ephMarker[0] && data[pos+1] == ephMarker[1] {
		return pos + 2
	}
	return pos
}
