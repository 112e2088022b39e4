package htj2k

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/block"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
)

// blockData collects the segments of one code-block across packets.
type blockData struct {
	cleanup, refine []byte
	passes          int // signalled passes received
	ncleanup        int // signalled passes in the cleanup segment
	zbp             int
	offset          int // codestream offset of the first cleanup byte
}

type decoder struct {
	cs     *codestream.Codestream
	lay    *layout
	opts   DecodeOptions
	layers int
	blocks []blockData
	values [][]int32 // per block, half-step units
}

// Decode decompresses an HTJ2K codestream.
func Decode(ctx context.Context, data []byte, opts DecodeOptions) (*Image, error) {
	cs, err := codestream.Parse(data)
	if err != nil {
		return nil, err
	}
	d, err := newDecoder(cs, opts)
	if err != nil {
		return nil, err
	}
	if err := d.readPackets(); err != nil {
		return nil, err
	}
	if err := d.decodeBlocks(ctx); err != nil {
		return nil, err
	}
	return d.reconstruct(ctx)
}

// segmentOffset returns the offset of the first marker segment m, or 0.
func segmentOffset(cs *codestream.Codestream, m uint16) int {
	for _, s := range cs.Segments {
		if s.Marker == m {
			return s.Offset
		}
	}
	return 0
}

// checkSupported rejects codestreams outside what the decoder handles.
func checkSupported(cs *codestream.Codestream) error {
	siz := &cs.SIZ
	if siz.XOsiz != 0 || siz.YOsiz != 0 || siz.XTOsiz != 0 || siz.YTOsiz != 0 {
		return fmt.Errorf("%w: image or tile offset", ErrUnsupported)
	}
	if len(siz.Components) == 0 {
		return codestream.Corrupt(segmentOffset(cs, codestream.MarkerSIZ), "no components")
	}
	c0 := siz.Components[0]
	for i, c := range siz.Components {
		if c.XRsiz != 1 || c.YRsiz != 1 {
			return fmt.Errorf("%w: component %d is subsampled", ErrUnsupported, i)
		}
		if c.Precision != c0.Precision || c.Signed != c0.Signed {
			return fmt.Errorf("%w: component %d precision differs", ErrUnsupported, i)
		}
	}
	if c0.Precision > MaxBitDepth {
		return fmt.Errorf("%w: %d-bit samples", ErrUnsupported, c0.Precision)
	}
	if cs.COD.Layers < 1 {
		return codestream.Corrupt(segmentOffset(cs, codestream.MarkerCOD), "zero quality layers")
	}
	if cs.COD.MCT != 0 {
		if len(siz.Components) < 3 {
			return codestream.Corrupt(segmentOffset(cs, codestream.MarkerCOD), "colour transform with %d components", len(siz.Components))
		}
		rev := cs.CodingFor(0).Reversible()
		if cs.CodingFor(1).Reversible() != rev || cs.CodingFor(2).Reversible() != rev {
			return fmt.Errorf("%w: colour transform over mixed wavelet kernels", ErrUnsupported)
		}
	}
	return nil
}

func newDecoder(cs *codestream.Codestream, opts DecodeOptions) (*decoder, error) {
	if err := checkSupported(cs); err != nil {
		return nil, err
	}
	lay, err := newLayout(&cs.SIZ, cs.CodingFor)
	if errors.Is(err, ErrInvalidConfig) {
		return nil, codestream.Corrupt(segmentOffset(cs, codestream.MarkerCOD), "%v", err)
	}
	if err != nil {
		return nil, err
	}
	if err := lay.applyQuant(cs.QuantFor); err != nil {
		return nil, codestream.Corrupt(segmentOffset(cs, codestream.MarkerQCD), "%v", err)
	}
	for _, tc := range lay.comps {
		if opts.Reduce < 0 || opts.Reduce > tc.levels {
			return nil, fmt.Errorf("%w: reduce %d with %d levels", ErrInvalidLevels, opts.Reduce, tc.levels)
		}
	}
	d := &decoder{cs: cs, lay: lay, opts: opts, layers: cs.COD.Layers}
	if opts.Layers > 0 {
		d.layers = min(opts.Layers, d.layers)
	}
	d.blocks = make([]blockData, len(lay.blocks))
	d.values = make([][]int32, len(lay.blocks))
	return d, nil
}

func (d *decoder) readPackets() error {
	states := d.lay.newPrecinctState()
	for t := range d.lay.tiles {
		err := walkPackets(d.cs, d.lay, states, t, func(data []byte, pk *packet) error {
			if pk.id.Layer >= d.layers {
				return nil
			}
			pos := pk.body
			for b, idx := range d.lay.precs[pk.prec].blocks {
				for k, bi := range idx {
					c := pk.contrib[b][k]
					if c.Passes == 0 {
						continue
					}
					bd := &d.blocks[bi]
					if bd.passes == 0 {
						bd.ncleanup = states[pk.prec].CleanupPasses(b, k)
						bd.zbp = states[pk.prec].ZeroBitplanes(b, k)
						bd.offset = absolute(pk, pos)
					}
					for s, n := range c.Lengths {
						if s == 0 && bd.passes < bd.ncleanup {
							bd.cleanup = append(bd.cleanup, data[pos:pos+n]...)
						} else {
							bd.refine = append(bd.refine, data[pos:pos+n]...)
						}
						pos += n
					}
					bd.passes += c.Passes
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func absolute(pk *packet, pos int) int {
	return codestream.Absolute(pk.spans, pos)
}

// kept reports whether block bi belongs to a resolution that is decoded.
func (d *decoder) kept(bi int) bool {
	res := d.lay.ress[d.lay.bands[d.lay.blocks[bi].band].res]
	return res.r <= d.lay.comps[res.comp].levels-d.opts.Reduce
}

func (d *decoder) decodeBlocks(ctx context.Context) error {
	err := parallel(ctx, d.opts.Workers, len(d.blocks), func(i int) error {
		bd := &d.blocks[i]
		if bd.passes == 0 || !d.kept(i) {
			return nil
		}
		b := d.lay.bands[d.lay.blocks[i].band]
		p := b.mb - 1 - bd.zbp - (bd.ncleanup-1)/3
		if p < 0 || p > block.MaxPlane {
			return codestream.Corrupt(bd.offset, "code-block %d cleanup plane %d", i, p)
		}
		w, h := d.lay.blockSize(i)
		vals, err := block.Decode(bd.cleanup, bd.refine, w, h, p, 1+bd.passes-bd.ncleanup)
		if err != nil {
			return codestream.Corrupt(bd.offset, "code-block %d: %v", i, err)
		}
		d.values[i] = vals
		return nil
	})
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "blocks decoded",
		slog.Int("blocks", len(d.blocks)),
		slog.Int("layers", d.layers),
		slog.Int("reduce", d.opts.Reduce))
	return nil
}

// eachBlock calls fn for every block of tile-component tc in resolutions
// 0..maxRes.
func (d *decoder) eachBlock(tc, maxRes int, fn func(bi int, b *bandRec)) {
	comp := d.lay.comps[tc]
	for r := 0; r <= maxRes; r++ {
		res := d.lay.ress[comp.res0+r]
		for p := res.prec0; p < res.prec0+res.pw*res.ph; p++ {
			for _, idx := range d.lay.precs[p].blocks {
				for _, bi := range idx {
					fn(bi, &d.lay.bands[d.lay.blocks[bi].band])
				}
			}
		}
	}
}

func (d *decoder) reconstruct(ctx context.Context) (*Image, error) {
	siz := &d.cs.SIZ
	c0 := siz.Components[0]
	w, h := ResolutionSize(int(siz.XSiz), int(siz.YSiz), d.opts.Reduce)
	img := NewImage(w, h, len(siz.Components), c0.Precision, c0.Signed)
	err := parallel(ctx, d.opts.Workers, len(d.lay.tiles), func(t int) error {
		return d.reconstructTile(t, img)
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (d *decoder) reconstructTile(t int, img *Image) error {
	tile := d.lay.tiles[t]
	nc := img.Components
	ints := make([][]int32, nc)
	floats := make([][]float64, nc)
	var w, h int
	for c := 0; c < nc; c++ {
		tc := tile.comp0 + c
		comp := d.lay.comps[tc]
		levels := comp.levels - d.opts.Reduce
		w, h = dwt.LevelSize(comp.w, comp.h, d.opts.Reduce)
		if comp.coding.Reversible() {
			buf := make([]int32, w*h)
			d.eachBlock(tc, levels, func(bi int, _ *bandRec) {
				d.place(bi, w, func(o int, v int32) { buf[o] = halve(v) })
			})
			if err := dwt.Inverse53(buf, w, h, levels); err != nil {
				return err
			}
			ints[c] = buf
			continue
		}
		buf := make([]float64, w*h)
		d.eachBlock(tc, levels, func(bi int, b *bandRec) {
			d.place(bi, w, func(o int, v int32) { buf[o] = dequantize(v, b.step) })
		})
		if err := dwt.Inverse97(buf, w, h, levels); err != nil {
			return err
		}
		floats[c] = buf
	}
	if d.cs.COD.MCT != 0 {
		if ints[0] != nil {
			inverseRCT(ints[0], ints[1], ints[2])
		} else {
			inverseICT(floats[0], floats[1], floats[2])
		}
	}

	var shift int32
	if !img.Signed {
		shift = 1 << (img.BitDepth - 1)
	}
	lo, hi := img.Range()
	ox, oy := tile.x0>>d.opts.Reduce, tile.y0>>d.opts.Reduce
	for c := 0; c < nc; c++ {
		dst := img.Data[c]
		for y := 0; y < h; y++ {
			row := dst[(oy+y)*img.Width+ox:]
			for x := 0; x < w; x++ {
				var v int32
				if ints[c] != nil {
					v = ints[c][y*w+x]
				} else {
					v = int32(math.Round(floats[c][y*w+x]))
				}
				row[x] = min(max(v+shift, lo), hi)
			}
		}
	}
	return nil
}

// place hands every decoded value of block bi to set, with its offset in
// a tile-component buffer of the given stride.
func (d *decoder) place(bi, stride int, set func(o int, v int32)) {
	vals := d.values[bi]
	if vals == nil {
		return
	}
	bw, bh := d.lay.blockSize(bi)
	off := d.lay.bufferOffset(bi, stride)
	for y := 0; y < bh; y++ {
		for x := 0; x < bw; x++ {
			set(off+y*stride+x, vals[y*bw+x])
		}
	}
}
