package htj2k

import (
	"fmt"
	"math"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
)

// The code-stream hierarchy is held in flat slices. Each record points at
// its parent by index and at its first child by offset, so a block is
// addressed by (tile, component, resolution, band, precinct, block)
// without a pointer-linked tree.

type tileRec struct {
	x0, y0, x1, y1 int
	comp0          int // first tile-component
}

type compRec struct {
	tile, comp int
	w, h       int
	levels     int
	coding     *codestream.Coding
	res0       int // first resolution; levels+1 follow
}

type resRec struct {
	comp           int // tile-component
	r              int
	x0, y0, x1, y1 int // resolution grid
	ppx, ppy       int
	px0, py0       int // first precinct column and row
	pw, ph         int // precinct grid size
	band0, nbands  int
	prec0          int
}

type bandRec struct {
	res            int
	orient         dwt.Band
	level          int
	qidx           int // index into QCD exponents
	x0, y0, x1, y1 int // band grid
	buf            dwt.Rect
	xcb, ycb       int // code-block exponents after precinct clamping
	mb             int // magnitude bit-planes
	step           float64
}

type precRec struct {
	res    int
	x, y   int // reference grid position used by position-driven orders
	grids  []tier.BandGrid
	blocks [][]int // per band, block indices in raster order
}

type blockRec struct {
	band, prec     int
	x0, y0, x1, y1 int // band grid
}

type layout struct {
	siz    *codestream.SIZ
	tiles  []tileRec
	comps  []compRec
	ress   []resRec
	bands  []bandRec
	precs  []precRec
	blocks []blockRec
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// newLayout builds the hierarchy of every tile. coding returns the coding
// style of a component.
func newLayout(siz *codestream.SIZ, coding func(c int) *codestream.Coding) (*layout, error) {
	l := &layout{siz: siz}
	for t := 0; t < siz.NumTiles(); t++ {
		x0, y0, x1, y1 := siz.TileRect(t)
		l.tiles = append(l.tiles, tileRec{x0: x0, y0: y0, x1: x1, y1: y1, comp0: len(l.comps)})
		for c := range siz.Components {
			cd := coding(c)
			if err := l.addComponent(t, c, cd); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

func (l *layout) addComponent(t, c int, cd *codestream.Coding) error {
	tile := l.tiles[t]
	w, h := tile.x1-tile.x0, tile.y1-tile.y0
	levels := cd.Levels
	if err := dwt.CheckLevels(w, h, levels); err != nil {
		return fmt.Errorf("tile %d: %w", t, err)
	}
	align := 1 << levels
	if tile.x0%align != 0 || tile.y0%align != 0 {
		return fmt.Errorf("%w: tile %d origin (%d,%d) is not aligned to %d", ErrUnsupported, t, tile.x0, tile.y0, align)
	}
	tc := len(l.comps)
	l.comps = append(l.comps, compRec{tile: t, comp: c, w: w, h: h, levels: levels, coding: cd, res0: len(l.ress)})

	for r := 0; r <= levels; r++ {
		scale := 1 << (levels - r)
		ppx, ppy := cd.PrecinctExp(r)
		if r > 0 && (ppx == 0 || ppy == 0) {
			return fmt.Errorf("%w: zero precinct exponent at resolution %d", ErrInvalidConfig, r)
		}
		res := resRec{
			comp: tc, r: r,
			x0: ceilDiv(tile.x0, scale), y0: ceilDiv(tile.y0, scale),
			x1: ceilDiv(tile.x1, scale), y1: ceilDiv(tile.y1, scale),
			ppx: ppx, ppy: ppy,
			band0: len(l.bands),
		}
		if res.x1 > res.x0 && res.y1 > res.y0 {
			res.px0, res.py0 = res.x0>>ppx, res.y0>>ppy
			res.pw = ceilDiv(res.x1, 1<<ppx) - res.px0
			res.ph = ceilDiv(res.y1, 1<<ppy) - res.py0
		}
		ri := len(l.ress)
		orients := []dwt.Band{dwt.BandHL, dwt.BandLH, dwt.BandHH}
		level := levels - r + 1
		if r == 0 {
			orients = []dwt.Band{dwt.BandLL}
			level = levels
		}
		for _, o := range orients {
			l.bands = append(l.bands, newBand(ri, r, o, level, levels, tile, w, h, cd))
		}
		res.nbands = len(orients)
		res.prec0 = len(l.precs)
		l.ress = append(l.ress, res)
		l.addPrecincts(ri, tile, levels)
	}
	return nil
}

func newBand(ri, r int, o dwt.Band, level, levels int, tile tileRec, w, h int, cd *codestream.Coding) bandRec {
	b := bandRec{res: ri, orient: o, level: level}
	if o == dwt.BandLL {
		b.buf = dwt.Rect{X1: w, Y1: h}
		if level > 0 {
			b.buf = dwt.BandRect(w, h, level, o)
		}
	} else {
		b.buf = dwt.BandRect(w, h, level, o)
		b.qidx = 1 + 3*(levels-level) + int(o) - 1
	}
	b.x0, b.y0 = tile.x0>>level, tile.y0>>level
	b.x1, b.y1 = b.x0+b.buf.Dx(), b.y0+b.buf.Dy()
	ppx, ppy := cd.PrecinctExp(r)
	if r > 0 {
		ppx, ppy = ppx-1, ppy-1
	}
	b.xcb = min(cd.BlockWidthExp, ppx)
	b.ycb = min(cd.BlockHeightExp, ppy)
	return b
}

func (l *layout) addPrecincts(ri int, tile tileRec, levels int) {
	res := l.ress[ri]
	shift := levels - res.r
	for py := res.py0; py < res.py0+res.ph; py++ {
		for px := res.px0; px < res.px0+res.pw; px++ {
			pi := len(l.precs)
			p := precRec{
				res: ri,
				x:   max(tile.x0, (px<<res.ppx)<<shift),
				y:   max(tile.y0, (py<<res.ppy)<<shift),
			}
			for bi := res.band0; bi < res.band0+res.nbands; bi++ {
				grid, idx := l.addBlocks(bi, pi, px, py)
				p.grids = append(p.grids, grid)
				p.blocks = append(p.blocks, idx)
			}
			l.precs = append(l.precs, p)
		}
	}
}

// addBlocks creates the code-blocks of band bi inside precinct (px, py).
func (l *layout) addBlocks(bi, pi, px, py int) (tier.BandGrid, []int) {
	b := l.bands[bi]
	res := l.ress[b.res]
	bppx, bppy := res.ppx, res.ppy
	if res.r > 0 {
		bppx, bppy = bppx-1, bppy-1
	}
	x0, x1 := max(b.x0, px<<bppx), min(b.x1, (px+1)<<bppx)
	y0, y1 := max(b.y0, py<<bppy), min(b.y1, (py+1)<<bppy)
	if x1 <= x0 || y1 <= y0 {
		return tier.BandGrid{}, nil
	}
	cx0, cx1 := x0>>b.xcb, ceilDiv(x1, 1<<b.xcb)
	cy0, cy1 := y0>>b.ycb, ceilDiv(y1, 1<<b.ycb)
	var idx []int
	for cy := cy0; cy < cy1; cy++ {
		for cx := cx0; cx < cx1; cx++ {
			idx = append(idx, len(l.blocks))
			l.blocks = append(l.blocks, blockRec{
				band: bi, prec: pi,
				x0: max(x0, cx<<b.xcb), x1: min(x1, (cx+1)<<b.xcb),
				y0: max(y0, cy<<b.ycb), y1: min(y1, (cy+1)<<b.ycb),
			})
		}
	}
	return tier.BandGrid{W: cx1 - cx0, H: cy1 - cy0}, idx
}

// applyQuant derives Mb and the step size of every band from the
// quantization in force for its component.
func (l *layout) applyQuant(quant func(c int) *codestream.QCD) error {
	for i := range l.bands {
		b := &l.bands[i]
		tc := l.comps[l.ress[b.res].comp]
		q := quant(tc.comp)
		if q.Style != codestream.QuantDerived && b.qidx >= len(q.Exponents) {
			return fmt.Errorf("quantization lists %d bands, band %d needed", len(q.Exponents), b.qidx)
		}
		eps, mu := q.Step(b.qidx, tc.levels)
		b.mb = q.GuardBits + eps - 1
		b.step = 1
		if !tc.coding.Reversible() {
			rb := l.siz.Components[tc.comp].Precision + b.orient.Gain()
			b.step = math.Ldexp(1+float64(mu)/2048, rb-eps)
		}
	}
	return nil
}

func (l *layout) blockSize(bi int) (int, int) {
	b := l.blocks[bi]
	return b.x1 - b.x0, b.y1 - b.y0
}

// bufferOffset returns where a block's top-left sample lives in a
// tile-component buffer with the given stride.
func (l *layout) bufferOffset(bi, stride int) int {
	blk := l.blocks[bi]
	b := l.bands[blk.band]
	return (b.buf.Y0+blk.y0-b.y0)*stride + b.buf.X0 + blk.x0 - b.x0
}

// packets lists every packet of tile t for the given number of layers.
func (l *layout) packets(t, layers int) []tier.PacketID {
	var out []tier.PacketID
	tile := l.tiles[t]
	for c := range l.siz.Components {
		tc := l.comps[tile.comp0+c]
		for r := 0; r <= tc.levels; r++ {
			res := l.ress[tc.res0+r]
			for p := 0; p < res.pw*res.ph; p++ {
				pr := l.precs[res.prec0+p]
				for ly := 0; ly < layers; ly++ {
					out = append(out, tier.PacketID{Layer: ly, Res: r, Comp: c, Precinct: p, X: pr.x, Y: pr.y})
				}
			}
		}
	}
	return out
}

// precinct returns the precinct index a packet refers to.
func (l *layout) precinct(t int, id tier.PacketID) int {
	tc := l.comps[l.tiles[t].comp0+id.Comp]
	return l.ress[tc.res0+id.Res].prec0 + id.Precinct
}

// newPrecinctState creates header coding state for every precinct.
func (l *layout) newPrecinctState() []*tier.Precinct {
	out := make([]*tier.Precinct, len(l.precs))
	for i, p := range l.precs {
		out[i] = tier.NewPrecinct(p.grids)
	}
	return out
}
