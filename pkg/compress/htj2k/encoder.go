// Package htj2k encodes and decodes HTJ2K (ITU-T T.814 | ISO/IEC 15444-15)
// codestreams: JPEG 2000 with the high-throughput block coder.
//
// Encoding runs as a sequence of steps held by an Encoder: the colour and
// wavelet transforms, block coding, rate allocation with packet assembly
// and finally serialization. Encode runs them all.
package htj2k

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/bits"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/block"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
)

type encState int

const (
	stateIdle encState = iota
	stateTransformed
	stateCoded
	stateAssembled
	stateSerialized
)

func (s encState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateTransformed:
		return "transform applied"
	case stateCoded:
		return "blocks coded"
	case stateAssembled:
		return "packets assembled"
	case stateSerialized:
		return "serialized"
	}
	return fmt.Sprintf("encState(%d)", int(s))
}

// maxRateRounds bounds how often allocation is repeated when packet
// headers push the codestream past its byte target.
const maxRateRounds = 4

// Encoder holds one encode in progress. Steps must run in order:
// Transform, CodeBlocks, Assemble, Serialize.
type Encoder struct {
	cfg   Config
	img   *Image
	state encState

	hdr mainHeader
	siz codestream.SIZ
	cap codestream.CAP
	cod codestream.COD
	qcd codestream.QCD
	lay *layout

	coeffs [][]int32 // per tile-component, Mallat layout
	coded  []*block.Coded
	parts  []tilePart
	size   int
}

// NewEncoder validates cfg against img and lays out the codestream.
func NewEncoder(img *Image, cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{cfg: cfg, img: img}
	tw, th := cfg.TileWidth, cfg.TileHeight
	if tw == 0 {
		tw, th = img.Width, img.Height
	}
	e.siz = codestream.SIZ{
		Rsiz:  codestream.RsizCAP,
		XSiz:  uint32(img.Width),
		YSiz:  uint32(img.Height),
		XTsiz: uint32(tw),
		YTsiz: uint32(th),
	}
	for c := 0; c < img.Components; c++ {
		e.siz.Components = append(e.siz.Components, codestream.Component{
			Precision: img.BitDepth, Signed: img.Signed, XRsiz: 1, YRsiz: 1,
		})
	}
	if e.siz.NumTiles() > 65535 {
		return nil, fmt.Errorf("%w: %d tiles", ErrInvalidConfig, e.siz.NumTiles())
	}
	var scod uint8
	if cfg.SOP {
		scod |= codestream.CodingStyleSOP
	}
	if cfg.EPH {
		scod |= codestream.CodingStyleEPH
	}
	e.cod = codestream.COD{
		Scod:        scod,
		Progression: cfg.Progression,
		Layers:      cfg.Rate.Layers,
		Coding: codestream.Coding{
			Levels:         cfg.Levels,
			BlockWidthExp:  log2(cfg.BlockWidth),
			BlockHeightExp: log2(cfg.BlockHeight),
			BlockStyle:     codestream.BlockStyleHT,
			Transform:      uint8(cfg.Kernel),
			Precincts:      cfg.precinctExps(),
		},
	}
	if cfg.MCT && img.Components >= 3 {
		e.cod.MCT = 1
	}
	e.qcd = buildQuant(&cfg, img.BitDepth)
	e.cap = codestream.CAP{Pcap: codestream.PcapPart15}
	e.hdr = mainHeader{siz: &e.siz, cap: &e.cap, cod: &e.cod, qcd: &e.qcd}
	if cfg.Comment != "" {
		e.hdr.com = []codestream.COM{{Registration: 1, Data: []byte(cfg.Comment)}}
	}

	lay, err := newLayout(&e.siz, func(int) *codestream.Coding { return &e.cod.Coding })
	if err != nil {
		return nil, err
	}
	if err := lay.applyQuant(func(int) *codestream.QCD { return &e.qcd }); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	e.lay = lay
	return e, nil
}

func (e *Encoder) step(want, next encState) error {
	if e.state != want {
		return fmt.Errorf("%w: %s needs state %q, encoder is %q", ErrSequence, next, want, e.state)
	}
	return nil
}

// Transform applies the colour transform, the wavelet transform and
// quantization to every tile.
func (e *Encoder) Transform(ctx context.Context) error {
	if err := e.step(stateIdle, stateTransformed); err != nil {
		return err
	}
	e.coeffs = make([][]int32, len(e.lay.comps))
	err := parallel(ctx, e.cfg.Workers, len(e.lay.tiles), e.transformTile)
	if err != nil {
		return err
	}

	need := make([]int, len(e.qcd.Exponents))
	for _, b := range e.lay.bands {
		tc := e.lay.comps[e.lay.ress[b.res].comp]
		buf := e.coeffs[e.lay.ress[b.res].comp]
		var peak uint32
		for y := b.buf.Y0; y < b.buf.Y1; y++ {
			for _, v := range buf[y*tc.w+b.buf.X0 : y*tc.w+b.buf.X1] {
				if v < 0 {
					v = -v
				}
				peak |= uint32(v)
			}
		}
		need[b.qidx] = max(need[b.qidx], bits.Len32(peak))
	}
	if err := fitGuardBits(&e.qcd, e.cfg.Levels, need); err != nil {
		return err
	}
	if err := e.lay.applyQuant(func(int) *codestream.QCD { return &e.qcd }); err != nil {
		return err
	}
	e.cap.Ccap = []uint16{ccap15(e.cfg.Kernel.Reversible(), e.lay.bands)}
	slog.DebugContext(ctx, "transform applied",
		slog.Int("tiles", len(e.lay.tiles)),
		slog.Int("guard_bits", e.qcd.GuardBits))
	e.state = stateTransformed
	return nil
}

// ccap15 builds the Part 15 capability word: the reversibility flag and
// the MAGB field bounding the magnitude bit-planes in use.
func ccap15(reversible bool, bands []bandRec) uint16 {
	mb := 0
	for _, b := range bands {
		mb = max(mb, b.mb)
	}
	var magb int
	switch {
	case mb <= 8:
		magb = 0
	case mb < 28:
		magb = mb - 8
	case mb <= 48:
		magb = 13 + (mb >> 2)
	default:
		magb = 31
	}
	v := uint16(magb)
	if reversible {
		v |= codestream.Ccap15Reversible
	}
	return v
}

func (e *Encoder) transformTile(t int) error {
	tile := e.lay.tiles[t]
	w, h := tile.x1-tile.x0, tile.y1-tile.y0
	nc := e.img.Components
	shift := int32(0)
	if !e.img.Signed {
		shift = 1 << (e.img.BitDepth - 1)
	}
	planes := make([][]int32, nc)
	for c := range planes {
		p := make([]int32, w*h)
		src := e.img.Data[c]
		for y := 0; y < h; y++ {
			row := src[(tile.y0+y)*e.img.Width+tile.x0:]
			for x := 0; x < w; x++ {
				p[y*w+x] = row[x] - shift
			}
		}
		planes[c] = p
	}
	mct := e.cod.MCT == 1

	if e.cfg.Kernel.Reversible() {
		if mct {
			forwardRCT(planes[0], planes[1], planes[2])
		}
		for c := range planes {
			if err := dwt.Forward53(planes[c], w, h, e.cfg.Levels); err != nil {
				return err
			}
			e.coeffs[tile.comp0+c] = planes[c]
		}
		return nil
	}

	fl := make([][]float64, nc)
	for c := range planes {
		fl[c] = make([]float64, w*h)
		for i, v := range planes[c] {
			fl[c][i] = float64(v)
		}
	}
	if mct {
		forwardICT(fl[0], fl[1], fl[2])
	}
	for c := range fl {
		if err := dwt.Forward97(fl[c], w, h, e.cfg.Levels); err != nil {
			return err
		}
		tc := tile.comp0 + c
		q := planes[c]
		for _, b := range e.componentBands(tc) {
			band := e.lay.bands[b]
			for y := band.buf.Y0; y < band.buf.Y1; y++ {
				for x := band.buf.X0; x < band.buf.X1; x++ {
					q[y*w+x] = quantize(fl[c][y*w+x], band.step)
				}
			}
		}
		e.coeffs[tc] = q
	}
	return nil
}

// componentBands returns the band indices of tile-component tc.
func (e *Encoder) componentBands(tc int) []int {
	c := e.lay.comps[tc]
	var out []int
	for r := 0; r <= c.levels; r++ {
		res := e.lay.ress[c.res0+r]
		for b := 0; b < res.nbands; b++ {
			out = append(out, res.band0+b)
		}
	}
	return out
}

// CodeBlocks runs the HT block coder over every code-block.
func (e *Encoder) CodeBlocks(ctx context.Context) error {
	if err := e.step(stateTransformed, stateCoded); err != nil {
		return err
	}
	opts := block.Options{}
	if e.cfg.Rate.Ratio > 0 {
		opts = block.Options{AllPlanes: true, Refine: true}
	}
	e.coded = make([]*block.Coded, len(e.lay.blocks))
	err := parallel(ctx, e.cfg.Workers, len(e.lay.blocks), func(i int) error {
		w, h := e.lay.blockSize(i)
		blk := e.lay.blocks[i]
		tc := e.lay.comps[e.lay.ress[e.lay.bands[blk.band].res].comp]
		buf := e.coeffs[e.lay.ress[e.lay.bands[blk.band].res].comp]
		off := e.lay.bufferOffset(i, tc.w)
		coeffs := make([]int32, 0, w*h)
		for y := 0; y < h; y++ {
			coeffs = append(coeffs, buf[off+y*tc.w:off+y*tc.w+w]...)
		}
		c, err := block.Encode(coeffs, w, h, opts)
		if err != nil {
			return fmt.Errorf("code-block %d: %w", i, err)
		}
		e.coded[i] = c
		return nil
	})
	if err != nil {
		return err
	}
	empty := 0
	for _, c := range e.coded {
		if c.Empty() {
			empty++
		}
	}
	slog.DebugContext(ctx, "blocks coded",
		slog.Int("blocks", len(e.coded)),
		slog.Int("empty", empty))
	e.coeffs = nil
	e.state = stateCoded
	return nil
}

// weight converts a block's coefficient-domain squared error into image
// domain squared error.
func (e *Encoder) weight(bi int) float64 {
	b := e.lay.bands[e.lay.blocks[bi].band]
	return dwt.EnergyGain(e.cfg.Kernel, b.level, b.orient) * b.step * b.step
}

func (e *Encoder) rdBlocks() []tier.Block {
	out := make([]tier.Block, len(e.coded))
	for i, c := range e.coded {
		w := e.weight(i)
		out[i].Dist0 = c.Dist0 * w
		if c.Empty() {
			continue
		}
		for _, s := range c.Sets {
			opt := tier.Option{Plane: s.Plane}
			for _, p := range s.Passes {
				opt.Bytes = append(opt.Bytes, p.Bytes)
				opt.Dist = append(opt.Dist, p.Dist*w)
			}
			out[i].Options = append(out[i].Options, opt)
		}
	}
	return out
}

// Assemble allocates passes to quality layers and builds every packet
// and tile-part.
func (e *Encoder) Assemble() error {
	if err := e.step(stateCoded, stateAssembled); err != nil {
		return err
	}
	blocks := e.rdBlocks()
	layers := e.cfg.Rate.Layers
	order := make([][]tier.PacketID, len(e.lay.tiles))
	starts := make([][]int, len(e.lay.tiles))
	numParts := 0
	for t := range e.lay.tiles {
		order[t] = e.lay.packets(t, layers)
		tier.Order(e.cfg.Progression, order[t])
		starts[t] = tier.SplitTileParts(e.cfg.TileParts, order[t])
		numParts += len(starts[t])
	}
	fixed, err := e.hdr.size(e.cfg.TLM, numParts)
	if err != nil {
		return err
	}
	fixed += numParts*(codestream.SOTSize+codestream.SODSize) + 2

	target, budget := 0, 0
	if e.cfg.Rate.Ratio > 0 {
		target = int(float64(e.img.RawSize()) / e.cfg.Rate.Ratio)
		packets := 0
		for _, o := range order {
			packets += len(o)
		}
		perPacket := 1
		if e.cfg.SOP {
			perPacket += 6
		}
		if e.cfg.EPH {
			perPacket += 2
		}
		budget = target - fixed - packets*perPacket - len(blocks)
		if budget <= 0 {
			return fmt.Errorf("%w: %d bytes requested, headers alone need %d", ErrRateUnachievable, target, target-budget)
		}
	}

	for round := 0; ; round++ {
		choices, err := tier.Allocate(blocks, layers, budget)
		if err != nil {
			return err
		}
		parts, err := e.packetize(choices, order, starts)
		if err != nil {
			return err
		}
		size := fixed
		for _, p := range parts {
			size += len(p.data)
		}
		e.parts, e.size = parts, size
		if target == 0 || size <= target || round == maxRateRounds-1 {
			break
		}
		budget -= size - target
		if budget <= 0 {
			return fmt.Errorf("%w: %d bytes requested", ErrRateUnachievable, target)
		}
	}
	slog.Debug("packets assembled",
		slog.Int("tile_parts", len(e.parts)),
		slog.Int("bytes", e.size),
		slog.Int("target", target))
	e.state = stateAssembled
	return nil
}

// blockPlan is a block's allocation expressed in codestream terms.
type blockPlan struct {
	set     *block.Set
	cleanup int   // passes signalled for the cleanup segment
	passes  []int // coded passes included after each layer
}

// signalled converts coded passes to the pass count a header carries. The
// cleanup pass of plane p is preceded by placeholder passes for every
// plane between the block's top plane and p.
func (bp *blockPlan) signalled(n int) int {
	if n == 0 {
		return 0
	}
	return bp.cleanup + n - 1
}

func refineLen(s *block.Set, n int) int {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return s.SigLen
	}
	return len(s.Refine)
}

// contribution returns what the block adds to layer l and its body bytes.
func (bp *blockPlan) contribution(l int) (tier.Contribution, []byte) {
	prev := 0
	if l > 0 {
		prev = bp.passes[l-1]
	}
	cur := bp.passes[l]
	if cur == prev {
		return tier.Contribution{}, nil
	}
	c := tier.Contribution{Passes: bp.signalled(cur) - bp.signalled(prev)}
	s := bp.set
	if prev == 0 {
		c.Lengths = append(c.Lengths, len(s.Cleanup))
		body := append([]byte(nil), s.Cleanup...)
		if cur > 1 {
			c.Lengths = append(c.Lengths, refineLen(s, cur))
			body = append(body, s.Refine[:refineLen(s, cur)]...)
		}
		return c, body
	}
	c.Lengths = append(c.Lengths, refineLen(s, cur)-refineLen(s, prev))
	return c, s.Refine[refineLen(s, prev):refineLen(s, cur)]
}

func (e *Encoder) plan(choices []tier.Choice) []blockPlan {
	plans := make([]blockPlan, len(e.coded))
	for i, ch := range choices {
		c := e.coded[i]
		if ch.Option < 0 || ch.FirstLayer() < 0 {
			continue
		}
		s := &c.Sets[ch.Option]
		plans[i] = blockPlan{set: s, cleanup: 3*(c.TopPlane-s.Plane) + 1, passes: ch.Passes}
	}
	return plans
}

type tilePart struct {
	tile, part, numParts int
	data                 []byte
}

func (e *Encoder) packetize(choices []tier.Choice, order [][]tier.PacketID, starts [][]int) ([]tilePart, error) {
	plans := e.plan(choices)
	states := e.lay.newPrecinctState()
	for pi, p := range e.lay.precs {
		for b, idx := range p.blocks {
			for k, bi := range idx {
				bp := plans[bi]
				if bp.set == nil {
					states[pi].SetBlock(b, k, -1, 0, 0)
					continue
				}
				zbp := e.lay.bands[e.lay.blocks[bi].band].mb - 1 - e.coded[bi].TopPlane
				if zbp < 0 {
					return nil, fmt.Errorf("%w: block %d exceeds its magnitude bit-planes", ErrInvalidConfig, bi)
				}
				first := 0
				for bp.passes[first] == 0 {
					first++
				}
				states[pi].SetBlock(b, k, first, zbp, bp.cleanup)
			}
		}
	}

	var parts []tilePart
	for t := range e.lay.tiles {
		var packets [][]byte
		for seq, id := range order[t] {
			pi := e.lay.precinct(t, id)
			prec := e.lay.precs[pi]
			contrib := make([][]tier.Contribution, len(prec.blocks))
			var body []byte
			for b, idx := range prec.blocks {
				contrib[b] = make([]tier.Contribution, len(idx))
				for k, bi := range idx {
					if plans[bi].set == nil {
						continue
					}
					c, data := plans[bi].contribution(id.Layer)
					contrib[b][k] = c
					body = append(body, data...)
				}
			}
			head, err := states[pi].EncodeHeader(id.Layer, contrib)
			if err != nil {
				return nil, fmt.Errorf("tile %d packet %d: %w", t, seq, err)
			}
			var pkt []byte
			if e.cfg.SOP {
				pkt = tier.AppendSOP(pkt, seq&0xFFFF)
			}
			pkt = append(pkt, head...)
			if e.cfg.EPH {
				pkt = tier.AppendEPH(pkt)
			}
			packets = append(packets, append(pkt, body...))
		}
		st := starts[t]
		for p, s := range st {
			end := len(packets)
			if p+1 < len(st) {
				end = st[p+1]
			}
			tp := tilePart{tile: t, part: p, numParts: len(st)}
			for _, pkt := range packets[s:end] {
				tp.data = append(tp.data, pkt...)
			}
			parts = append(parts, tp)
		}
	}
	return parts, nil
}

// Serialize writes the codestream.
func (e *Encoder) Serialize(w io.Writer) error {
	if err := e.step(stateAssembled, stateSerialized); err != nil {
		return err
	}
	if err := writeCodestream(w, &e.hdr, e.cfg.TLM, e.parts); err != nil {
		return err
	}
	e.state = stateSerialized
	return nil
}

// Size is the number of bytes Serialize writes, known once Assemble ran.
func (e *Encoder) Size() int {
	return e.size
}

// Encode compresses img into an HTJ2K codestream.
func Encode(ctx context.Context, img *Image, cfg Config) ([]byte, error) {
	e, err := NewEncoder(img, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Transform(ctx); err != nil {
		return nil, err
	}
	if err := e.CodeBlocks(ctx); err != nil {
		return nil, err
	}
	if err := e.Assemble(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(e.Size())
	if err := e.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
