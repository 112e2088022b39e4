package htj2k

import (
	"bytes"
	"fmt"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
)

// TruncateLayers rewrites a codestream so it holds only quality layers
// 0..k-1. Packet headers of a layer depend only on earlier layers, so the
// kept packets are copied unchanged; tile-parts left without packets are
// dropped unless a tile would have none.
func TruncateLayers(data []byte, k int) ([]byte, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: keep %d layers", ErrInvalidConfig, k)
	}
	cs, err := codestream.Parse(data)
	if err != nil {
		return nil, err
	}
	if k >= cs.COD.Layers {
		return bytes.Clone(data), nil
	}
	if err := checkSupported(cs); err != nil {
		return nil, err
	}
	lay, err := newLayout(&cs.SIZ, cs.CodingFor)
	if err != nil {
		return nil, err
	}

	// kept packet bytes per original tile-part
	kept := make([][]byte, len(cs.TileParts))
	states := lay.newPrecinctState()
	for t := range lay.tiles {
		err := walkPackets(cs, lay, states, t, func(tileData []byte, pk *packet) error {
			if pk.id.Layer >= k {
				return nil
			}
			i := owner(cs, t, pk.spans, pk.start)
			kept[i] = append(kept[i], tileData[pk.start:pk.end]...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var parts []tilePart
	count := make(map[int]int)
	for i, tp := range cs.TileParts {
		if len(kept[i]) == 0 && count[tp.Tile] > 0 {
			continue
		}
		if len(kept[i]) == 0 && hasLaterData(cs, kept, i) {
			continue
		}
		parts = append(parts, tilePart{tile: tp.Tile, part: count[tp.Tile], data: kept[i]})
		count[tp.Tile]++
	}
	for i := range parts {
		parts[i].numParts = count[parts[i].tile]
	}

	cod := cs.COD
	cod.Layers = k
	h := &mainHeader{siz: &cs.SIZ, cap: cs.CAP, cod: &cod, coc: cs.COC, qcd: &cs.QCD, qcc: cs.QCC, com: cs.Comments}
	var buf bytes.Buffer
	if err := writeCodestream(&buf, h, len(cs.TLM) > 0, parts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// owner returns the tile-part index holding byte pos of tile t's data.
func owner(cs *codestream.Codestream, t int, spans []codestream.Span, pos int) int {
	n := len(spans) - 1
	for s, sp := range spans {
		if pos < sp.Start+sp.Length {
			n = s
			break
		}
	}
	for i, tp := range cs.TileParts {
		if tp.Tile != t {
			continue
		}
		if n == 0 {
			return i
		}
		n--
	}
	return 0
}

// hasLaterData reports whether a later tile-part of the same tile keeps
// packets.
func hasLaterData(cs *codestream.Codestream, kept [][]byte, i int) bool {
	t := cs.TileParts[i].Tile
	for j := i + 1; j < len(cs.TileParts); j++ {
		if cs.TileParts[j].Tile == t && len(kept[j]) > 0 {
			return true
		}
	}
	return false
}
