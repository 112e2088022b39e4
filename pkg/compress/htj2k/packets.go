package htj2k

import (
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
)

// packet is one packet located inside a tile's concatenated data.
type packet struct {
	id      tier.PacketID
	prec    int
	contrib [][]tier.Contribution
	start   int // first byte, SOP included
	body    int // first body byte
	end     int
	spans   []codestream.Span
}

// walkPackets reads the packet headers of tile t in progression order and
// hands each packet to visit. states carries precinct header state and
// must be shared by every call for the same codestream.
func walkPackets(cs *codestream.Codestream, lay *layout, states []*tier.Precinct, t int, visit func(data []byte, pk *packet) error) error {
	data, spans := cs.TileData(t)
	ids := lay.packets(t, cs.COD.Layers)
	tier.Order(cs.COD.Progression, ids)
	pos := 0
	for _, id := range ids {
		pk := &packet{id: id, prec: lay.precinct(t, id), start: pos, spans: spans}
		if cs.COD.SOP() {
			pos = tier.SkipSOP(data, pos)
		}
		r := tier.NewBitReader(data, pos)
		contrib, err := states[pk.prec].DecodeHeader(r, id.Layer)
		if err != nil {
			return codestream.Corrupt(codestream.Absolute(spans, r.Pos()), "tile %d packet header: %v", t, err)
		}
		if pos, err = r.Align(); err != nil {
			return codestream.Corrupt(codestream.Absolute(spans, r.Pos()), "tile %d packet header: %v", t, err)
		}
		if cs.COD.EPH() {
			pos = tier.SkipEPH(data, pos)
		}
		pk.contrib, pk.body = contrib, pos
		for _, band := range contrib {
			for _, c := range band {
				for _, n := range c.Lengths {
					pos += n
				}
			}
		}
		if pos > len(data) {
			return codestream.Corrupt(codestream.Absolute(spans, len(data)), "tile %d packet body needs %d bytes past the tile data", t, pos-len(data))
		}
		pk.end = pos
		if err := visit(data, pk); err != nil {
			return err
		}
	}
	return nil
}
