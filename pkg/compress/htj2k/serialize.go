package htj2k

import (
	"io"
	"slices"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
)

// mainHeader is everything written between SOC and the first SOT, other
// than TLM.
type mainHeader struct {
	siz *codestream.SIZ
	cap *codestream.CAP
	cod *codestream.COD
	coc map[int]*codestream.COC
	qcd *codestream.QCD
	qcc map[int]*codestream.QCD
	com []codestream.COM
}

func (h *mainHeader) write(cw *codestream.Writer, tlm []codestream.TLMEntry) error {
	n := len(h.siz.Components)
	if err := cw.WriteSOC(); err != nil {
		return err
	}
	if err := cw.WriteSIZ(h.siz); err != nil {
		return err
	}
	if h.cap != nil {
		if err := cw.WriteCAP(h.cap); err != nil {
			return err
		}
	}
	if err := cw.WriteCOD(h.cod); err != nil {
		return err
	}
	for _, c := range sortedKeys(h.coc) {
		if err := cw.WriteCOC(h.coc[c], n); err != nil {
			return err
		}
	}
	if err := cw.WriteQCD(h.qcd); err != nil {
		return err
	}
	for _, c := range sortedKeys(h.qcc) {
		if err := cw.WriteQCC(&codestream.QCC{Component: c, QCD: *h.qcc[c]}, n); err != nil {
			return err
		}
	}
	for i := range h.com {
		if err := cw.WriteCOM(&h.com[i]); err != nil {
			return err
		}
	}
	if len(tlm) > 0 {
		return cw.WriteTLM(tlm)
	}
	return nil
}

// size returns the bytes write emits, with TLM entries for parts
// tile-parts when tlm is set.
func (h *mainHeader) size(tlm bool, parts int) (int, error) {
	cw := codestream.NewWriter(io.Discard)
	if err := h.write(cw, nil); err != nil {
		return 0, err
	}
	n := int(cw.Count())
	if tlm {
		n += codestream.TLMSize(parts)
	}
	return n, nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// writeCodestream writes a main header, the tile-parts in order and EOC.
func writeCodestream(w io.Writer, h *mainHeader, tlm bool, parts []tilePart) error {
	cw := codestream.NewWriter(w)
	var entries []codestream.TLMEntry
	if tlm {
		for _, p := range parts {
			entries = append(entries, codestream.TLMEntry{Tile: p.tile, Length: p.length()})
		}
	}
	if err := h.write(cw, entries); err != nil {
		return err
	}
	for _, p := range parts {
		sot := &codestream.SOT{Tile: p.tile, Length: p.length(), Part: p.part, NumParts: p.numParts}
		if err := cw.WriteSOT(sot); err != nil {
			return err
		}
		if err := cw.WriteSOD(); err != nil {
			return err
		}
		if err := cw.WriteBytes(p.data); err != nil {
			return err
		}
	}
	if err := cw.WriteEOC(); err != nil {
		return err
	}
	return cw.Flush()
}

// length is Psot: SOT through the last data byte.
func (p *tilePart) length() uint32 {
	return uint32(codestream.SOTSize + codestream.SODSize + len(p.data))
}
