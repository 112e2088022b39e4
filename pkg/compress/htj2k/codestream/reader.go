package codestream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
)

// Common errors
var (
	// ErrCorruptStream is matched by every CorruptStreamError.
	ErrCorruptStream = errors.New("corrupt codestream")
	// ErrUnsupported reports valid syntax this implementation does not decode.
	ErrUnsupported = errors.New("unsupported codestream feature")
)

// CorruptStreamError locates a malformed byte in a codestream.
type CorruptStreamError struct {
	Offset int
	Reason string
}

func (e *CorruptStreamError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", ErrCorruptStream, e.Offset, e.Reason)
}

func (e *CorruptStreamError) Unwrap() error {
	return ErrCorruptStream
}

// Corrupt builds a CorruptStreamError.
func Corrupt(offset int, format string, args ...any) error {
	return &CorruptStreamError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// Segment records one marker seen while parsing.
type Segment struct {
	Marker uint16
	Offset int
	Length int // Lmar, zero for delimiting markers
}

// TilePart locates one tile-part inside the codestream.
type TilePart struct {
	SOT
	Offset     int // of the SOT marker
	DataOffset int // first byte after SOD
	DataLength int
}

// Codestream is a parsed codestream. Packet data is referenced, not copied.
type Codestream struct {
	SIZ       SIZ
	CAP       *CAP
	COD       COD
	COC       map[int]*COC
	QCD       QCD
	QCC       map[int]*QCD
	Comments  []COM
	TLM       []TLMEntry
	TileParts []TilePart
	Segments  []Segment
	Data      []byte
}

// CodingFor returns the coding style in force for component c.
func (cs *Codestream) CodingFor(c int) *Coding {
	if coc, ok := cs.COC[c]; ok {
		return &coc.Coding
	}
	return &cs.COD.Coding
}

// QuantFor returns the quantization in force for component c.
func (cs *Codestream) QuantFor(c int) *QCD {
	if q, ok := cs.QCC[c]; ok {
		return q
	}
	return &cs.QCD
}

// TileData returns the packet data of tile t, concatenated over its
// tile-parts, and the absolute offset of every byte run it was built from.
func (cs *Codestream) TileData(t int) ([]byte, []Span) {
	var data []byte
	var spans []Span
	for _, tp := range cs.TileParts {
		if tp.Tile != t {
			continue
		}
		spans = append(spans, Span{Start: len(data), Offset: tp.DataOffset, Length: tp.DataLength})
		data = append(data, cs.Data[tp.DataOffset:tp.DataOffset+tp.DataLength]...)
	}
	return data, spans
}

// Span maps a run of concatenated tile data back to the codestream.
type Span struct {
	Start  int // in the concatenated data
	Offset int // in the codestream
	Length int
}

// Absolute converts a position in concatenated tile data to a codestream
// offset.
func Absolute(spans []Span, pos int) int {
	for _, s := range spans {
		if pos < s.Start+s.Length {
			return s.Offset + pos - s.Start
		}
	}
	if n := len(spans); n > 0 {
		last := spans[n-1]
		return last.Offset + last.Length
	}
	return 0
}

type parser struct {
	data []byte
	pos  int
}

func (p *parser) u16(at int) (int, error) {
	if at+2 > len(p.data) {
		return 0, Corrupt(at, "truncated field")
	}
	return int(binary.BigEndian.Uint16(p.data[at:])), nil
}

// Parse reads the main header and locates every tile-part. A tile-part
// whose Psot runs past the data is clamped to the data.
func Parse(data []byte) (*Codestream, error) {
	cs := &Codestream{Data: data, COC: map[int]*COC{}, QCC: map[int]*QCD{}}
	p := &parser{data: data}
	m, err := p.u16(0)
	if err != nil {
		return nil, err
	}
	if m != MarkerSOC {
		return nil, Corrupt(0, "expected SOC, found 0x%04X", m)
	}
	cs.Segments = append(cs.Segments, Segment{Marker: MarkerSOC})
	p.pos = 2

	var haveSIZ, haveCOD, haveQCD bool
	for {
		at := p.pos
		m, err := p.u16(at)
		if err != nil {
			return nil, err
		}
		if m == MarkerSOT {
			break
		}
		if m>>8 != 0xFF {
			return nil, Corrupt(at, "expected a marker, found 0x%04X", m)
		}
		length, err := p.u16(at + 2)
		if err != nil {
			return nil, err
		}
		if length < 2 || at+2+length > len(data) {
			return nil, Corrupt(at+2, "marker %s length %d exceeds data", MarkerName(uint16(m)), length)
		}
		seg := data[at+4 : at+2+length]
		cs.Segments = append(cs.Segments, Segment{Marker: uint16(m), Offset: at, Length: length})
		p.pos = at + 2 + length

		if !haveSIZ && m != MarkerSIZ {
			return nil, Corrupt(at, "SIZ must follow SOC, found %s", MarkerName(uint16(m)))
		}
		switch m {
		case MarkerSIZ:
			if err := parseSIZ(seg, at, &cs.SIZ); err != nil {
				return nil, err
			}
			haveSIZ = true
		case MarkerCAP:
			c, err := parseCAP(seg, at)
			if err != nil {
				return nil, err
			}
			cs.CAP = c
		case MarkerCOD:
			if err := parseCOD(seg, at, &cs.COD); err != nil {
				return nil, err
			}
			haveCOD = true
		case MarkerCOC:
			coc, err := parseCOC(seg, at, len(cs.SIZ.Components))
			if err != nil {
				return nil, err
			}
			cs.COC[coc.Component] = coc
		case MarkerQCD:
			if err := parseQuant(seg, at, &cs.QCD); err != nil {
				return nil, err
			}
			haveQCD = true
		case MarkerQCC:
			comp, rest, err := componentIndex(seg, at, len(cs.SIZ.Components))
			if err != nil {
				return nil, err
			}
			q := &QCD{}
			if err := parseQuant(rest, at, q); err != nil {
				return nil, err
			}
			cs.QCC[comp] = q
		case MarkerCOM:
			if len(seg) < 2 {
				return nil, Corrupt(at, "short COM")
			}
			cs.Comments = append(cs.Comments, COM{Registration: binary.BigEndian.Uint16(seg), Data: seg[2:]})
		case MarkerTLM:
			entries, err := parseTLM(seg, at)
			if err != nil {
				return nil, err
			}
			cs.TLM = append(cs.TLM, entries...)
		case MarkerPOC, MarkerPPM, MarkerRGN:
			return nil, fmt.Errorf("%w: %s marker", ErrUnsupported, MarkerName(uint16(m)))
		default:
			slog.Debug("skipping marker", slog.String("marker", MarkerName(uint16(m))), slog.Int("offset", at))
		}
	}
	if !haveCOD || !haveQCD {
		return nil, Corrupt(p.pos, "main header lacks COD or QCD")
	}
	for c := range cs.COC {
		if c >= len(cs.SIZ.Components) {
			return nil, Corrupt(p.pos, "COC for component %d of %d", c, len(cs.SIZ.Components))
		}
	}
	if err := cs.parseTileParts(p); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *Codestream) parseTileParts(p *parser) error {
	data := p.data
	numTiles := cs.SIZ.NumTiles()
	for {
		at := p.pos
		if at+2 > len(data) {
			slog.Debug("codestream ends without EOC", slog.Int("offset", at))
			return nil
		}
		m, _ := p.u16(at)
		if m == MarkerEOC {
			cs.Segments = append(cs.Segments, Segment{Marker: MarkerEOC, Offset: at})
			return nil
		}
		if m != MarkerSOT {
			return Corrupt(at, "expected SOT, found 0x%04X", m)
		}
		if at+SOTSize > len(data) {
			return Corrupt(at, "truncated SOT")
		}
		lsot, _ := p.u16(at + 2)
		if lsot != 10 {
			return Corrupt(at+2, "SOT length %d", lsot)
		}
		tp := TilePart{Offset: at}
		tp.Tile = int(binary.BigEndian.Uint16(data[at+4:]))
		tp.Length = binary.BigEndian.Uint32(data[at+6:])
		tp.Part = int(data[at+10])
		tp.NumParts = int(data[at+11])
		if tp.Tile >= numTiles {
			return Corrupt(at+4, "tile index %d of %d", tp.Tile, numTiles)
		}
		cs.Segments = append(cs.Segments, Segment{Marker: MarkerSOT, Offset: at, Length: 10})

		end := len(data)
		if tp.Length != 0 {
			if tp.Length < SOTSize+SODSize {
				return Corrupt(at+6, "Psot %d too small", tp.Length)
			}
			if want := at + int(tp.Length); want <= len(data) {
				end = want
			} else {
				slog.Debug("clamping tile-part length", slog.Int("tile", tp.Tile), slog.Int("psot", int(tp.Length)), slog.Int("available", len(data)-at))
			}
		} else if end >= at+2 && end-2 >= 0 && binary.BigEndian.Uint16(data[end-2:]) == MarkerEOC {
			end -= 2
		}

		pos := at + SOTSize
		for {
			if pos+2 > end {
				return Corrupt(pos, "tile-part header without SOD")
			}
			mm := int(binary.BigEndian.Uint16(data[pos:]))
			if mm == MarkerSOD {
				cs.Segments = append(cs.Segments, Segment{Marker: MarkerSOD, Offset: pos})
				pos += 2
				break
			}
			l, err := p.u16(pos + 2)
			if err != nil {
				return err
			}
			if l < 2 || pos+2+l > end {
				return Corrupt(pos+2, "marker %s length %d exceeds tile-part", MarkerName(uint16(mm)), l)
			}
			cs.Segments = append(cs.Segments, Segment{Marker: uint16(mm), Offset: pos, Length: l})
			switch mm {
			case MarkerCOD, MarkerCOC, MarkerQCD, MarkerQCC, MarkerPOC, MarkerPPT, MarkerRGN:
				return fmt.Errorf("%w: %s in tile-part header", ErrUnsupported, MarkerName(uint16(mm)))
			}
			pos += 2 + l
		}
		tp.DataOffset = pos
		tp.DataLength = end - pos
		cs.TileParts = append(cs.TileParts, tp)
		p.pos = end
	}
}

func parseSIZ(seg []byte, at int, siz *SIZ) error {
	if len(seg) < 36 {
		return Corrupt(at, "SIZ too short")
	}
	siz.Rsiz = binary.BigEndian.Uint16(seg[0:])
	siz.XSiz = binary.BigEndian.Uint32(seg[2:])
	siz.YSiz = binary.BigEndian.Uint32(seg[6:])
	siz.XOsiz = binary.BigEndian.Uint32(seg[10:])
	siz.YOsiz = binary.BigEndian.Uint32(seg[14:])
	siz.XTsiz = binary.BigEndian.Uint32(seg[18:])
	siz.YTsiz = binary.BigEndian.Uint32(seg[22:])
	siz.XTOsiz = binary.BigEndian.Uint32(seg[26:])
	siz.YTOsiz = binary.BigEndian.Uint32(seg[30:])
	numComps := int(binary.BigEndian.Uint16(seg[34:]))
	if numComps < 1 || len(seg) < 36+3*numComps {
		return Corrupt(at, "SIZ declares %d components", numComps)
	}
	if siz.XSiz <= siz.XOsiz || siz.YSiz <= siz.YOsiz || siz.XTsiz == 0 || siz.YTsiz == 0 {
		return Corrupt(at, "empty image or tile grid")
	}
	if siz.XTOsiz > siz.XOsiz || siz.YTOsiz > siz.YOsiz || siz.XTOsiz+siz.XTsiz <= siz.XOsiz || siz.YTOsiz+siz.YTsiz <= siz.YOsiz {
		return Corrupt(at, "tile grid does not cover the image origin")
	}
	siz.Components = make([]Component, numComps)
	for i := range siz.Components {
		b := seg[36+3*i:]
		siz.Components[i] = Component{
			Signed:    b[0]&0x80 != 0,
			Precision: int(b[0]&0x7F) + 1,
			XRsiz:     int(b[1]),
			YRsiz:     int(b[2]),
		}
		if siz.Components[i].XRsiz == 0 || siz.Components[i].YRsiz == 0 {
			return Corrupt(at, "component %d has zero subsampling", i)
		}
	}
	return nil
}

func parseCAP(seg []byte, at int) (*CAP, error) {
	if len(seg) < 4 || (len(seg)-4)%2 != 0 {
		return nil, Corrupt(at, "CAP length %d", len(seg)+2)
	}
	c := &CAP{Pcap: binary.BigEndian.Uint32(seg)}
	for i := 4; i+2 <= len(seg); i += 2 {
		c.Ccap = append(c.Ccap, binary.BigEndian.Uint16(seg[i:]))
	}
	return c, nil
}

func parseCoding(seg []byte, at int, precincts bool, cd *Coding) error {
	if len(seg) < 5 {
		return Corrupt(at, "coding style too short")
	}
	cd.Levels = int(seg[0])
	cd.BlockWidthExp = int(seg[1]&0xF) + 2
	cd.BlockHeightExp = int(seg[2]&0xF) + 2
	cd.BlockStyle = seg[3]
	cd.Transform = seg[4]
	if cd.Levels > 32 {
		return Corrupt(at, "%d decomposition levels", cd.Levels)
	}
	if cd.BlockWidthExp+cd.BlockHeightExp > 12 {
		return Corrupt(at, "code-block %dx%d", 1<<cd.BlockWidthExp, 1<<cd.BlockHeightExp)
	}
	if cd.Transform > TransformReversible53 {
		return fmt.Errorf("%w: wavelet transform %d", ErrUnsupported, cd.Transform)
	}
	if cd.BlockStyle&BlockStyleHT == 0 {
		return fmt.Errorf("%w: code-block style 0x%02X without HT", ErrUnsupported, cd.BlockStyle)
	}
	if precincts {
		if len(seg) < 5+cd.Levels+1 {
			return Corrupt(at, "missing precinct sizes")
		}
		cd.Precincts = append([]uint8(nil), seg[5:5+cd.Levels+1]...)
		for r, v := range cd.Precincts {
			if r > 0 && (v&0xF == 0 || v>>4 == 0) {
				return Corrupt(at, "precinct exponent 0 at resolution %d", r)
			}
		}
	}
	return nil
}

func parseCOD(seg []byte, at int, cod *COD) error {
	if len(seg) < 10 {
		return Corrupt(at, "COD too short")
	}
	cod.Scod = seg[0]
	cod.Progression = tier.Progression(seg[1])
	cod.Layers = int(binary.BigEndian.Uint16(seg[2:]))
	cod.MCT = seg[4]
	if cod.Progression > tier.CPRL {
		return Corrupt(at, "progression order %d", seg[1])
	}
	if cod.Layers == 0 {
		return Corrupt(at, "zero quality layers")
	}
	return parseCoding(seg[5:], at, cod.Scod&CodingStylePrecincts != 0, &cod.Coding)
}

func componentIndex(seg []byte, at, numComps int) (int, []byte, error) {
	if numComps > 256 {
		if len(seg) < 2 {
			return 0, nil, Corrupt(at, "short component index")
		}
		c := int(binary.BigEndian.Uint16(seg))
		if c >= numComps {
			return 0, nil, Corrupt(at, "component %d of %d", c, numComps)
		}
		return c, seg[2:], nil
	}
	if len(seg) < 1 || int(seg[0]) >= numComps {
		return 0, nil, Corrupt(at, "bad component index")
	}
	return int(seg[0]), seg[1:], nil
}

func parseCOC(seg []byte, at, numComps int) (*COC, error) {
	c, rest, err := componentIndex(seg, at, numComps)
	if err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, Corrupt(at, "COC too short")
	}
	coc := &COC{Component: c, Scoc: rest[0]}
	if err := parseCoding(rest[1:], at, coc.Scoc&CodingStylePrecincts != 0, &coc.Coding); err != nil {
		return nil, err
	}
	return coc, nil
}

func parseQuant(seg []byte, at int, q *QCD) error {
	if len(seg) < 1 {
		return Corrupt(at, "quantization segment too short")
	}
	q.Style = seg[0] & 0x1F
	q.GuardBits = int(seg[0] >> 5)
	rest := seg[1:]
	switch q.Style {
	case QuantNone:
		for _, b := range rest {
			q.Exponents = append(q.Exponents, int(b>>3))
		}
	case QuantDerived, QuantExpounded:
		if len(rest)%2 != 0 {
			return Corrupt(at, "odd quantization step bytes")
		}
		for i := 0; i+2 <= len(rest); i += 2 {
			v := int(binary.BigEndian.Uint16(rest[i:]))
			q.Exponents = append(q.Exponents, v>>11)
			q.Mantissas = append(q.Mantissas, v&0x7FF)
		}
	default:
		return Corrupt(at, "quantization style %d", q.Style)
	}
	if len(q.Exponents) == 0 {
		return Corrupt(at, "no quantization steps")
	}
	return nil
}

func parseTLM(seg []byte, at int) ([]TLMEntry, error) {
	if len(seg) < 2 {
		return nil, Corrupt(at, "TLM too short")
	}
	st := int(seg[1]>>4) & 0x3
	sp := int(seg[1]>>6) & 0x1
	tsize := st
	psize := 2 + 2*sp
	rec := tsize + psize
	body := seg[2:]
	if st == 3 || len(body)%rec != 0 {
		return nil, Corrupt(at, "TLM record size")
	}
	var out []TLMEntry
	for i := 0; i+rec <= len(body); i += rec {
		var e TLMEntry
		switch tsize {
		case 1:
			e.Tile = int(body[i])
		case 2:
			e.Tile = int(binary.BigEndian.Uint16(body[i:]))
		default:
			e.Tile = len(out)
		}
		if psize == 4 {
			e.Length = binary.BigEndian.Uint32(body[i+tsize:])
		} else {
			e.Length = uint32(binary.BigEndian.Uint16(body[i+tsize:]))
		}
		out = append(out, e)
	}
	return out, nil
}

// TilePartOffsets returns the offset of every SOT marker followed by the
// offset of EOC, or of the end of data when EOC is missing. Consecutive
// differences are the tile-part sizes.
func TilePartOffsets(data []byte) ([]int, error) {
	cs, err := Parse(data)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(cs.TileParts)+1)
	for _, tp := range cs.TileParts {
		out = append(out, tp.Offset)
	}
	end := len(data)
	if n := len(cs.Segments); n > 0 && cs.Segments[n-1].Marker == MarkerEOC {
		end = cs.Segments[n-1].Offset
	}
	return append(out, end), nil
}
