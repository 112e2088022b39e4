// Package codestream reads and writes the JPEG 2000 codestream syntax used
// by HTJ2K (ITU-T T.814 | ISO/IEC 15444-15): marker segments, tile-parts and
// their lengths.
package codestream

import (
	"fmt"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
)

// Marker codes (ITU-T T.800 Table A.1, T.814 A.2)
const (
	// Delimiting markers
	MarkerSOC = 0xFF4F // Start of codestream
	MarkerSOT = 0xFF90 // Start of tile-part
	MarkerSOD = 0xFF93 // Start of data
	MarkerEOC = 0xFFD9 // End of codestream

	// Fixed information markers
	MarkerSIZ = 0xFF51 // Image and tile size
	MarkerCAP = 0xFF50 // Extended capabilities

	// Functional markers
	MarkerCOD = 0xFF52 // Coding style default
	MarkerCOC = 0xFF53 // Coding style component
	MarkerRGN = 0xFF5E // Region of interest
	MarkerQCD = 0xFF5C // Quantization default
	MarkerQCC = 0xFF5D // Quantization component
	MarkerPOC = 0xFF5F // Progression order change

	// Pointer markers
	MarkerTLM = 0xFF55 // Tile-part lengths
	MarkerPLM = 0xFF57 // Packet length, main header
	MarkerPLT = 0xFF58 // Packet length, tile-part header
	MarkerPPM = 0xFF60 // Packed packet headers, main header
	MarkerPPT = 0xFF61 // Packed packet headers, tile-part header

	// In-bitstream markers
	MarkerSOP = 0xFF91 // Start of packet
	MarkerEPH = 0xFF92 // End of packet header

	// Informational markers
	MarkerCRG = 0xFF63 // Component registration
	MarkerCOM = 0xFF64 // Comment
)

var markerNames = map[uint16]string{
	MarkerSOC: "SOC", MarkerSOT: "SOT", MarkerSOD: "SOD", MarkerEOC: "EOC",
	MarkerSIZ: "SIZ", MarkerCAP: "CAP", MarkerCOD: "COD", MarkerCOC: "COC",
	MarkerRGN: "RGN", MarkerQCD: "QCD", MarkerQCC: "QCC", MarkerPOC: "POC",
	MarkerTLM: "TLM", MarkerPLM: "PLM", MarkerPLT: "PLT", MarkerPPM: "PPM",
	MarkerPPT: "PPT", MarkerSOP: "SOP", MarkerEPH: "EPH", MarkerCRG: "CRG",
	MarkerCOM: "COM",
}

// MarkerName returns the mnemonic of a marker code.
func MarkerName(m uint16) string {
	if n, ok := markerNames[m]; ok {
		return n
	}
	return fmt.Sprintf("0x%04X", m)
}

// Capability bits
const (
	// RsizCAP signals that a CAP marker segment is present.
	RsizCAP = 0x4000
	// PcapPart15 is the Pcap bit announcing Part 15 (HT) capabilities.
	PcapPart15 = 0x00020000
	// Ccap15Reversible marks a codestream whose transforms are all reversible.
	Ccap15Reversible = 0x0020
)

// Coding style flags (ITU-T T.800 Table A.13)
const (
	CodingStylePrecincts = 0x01 // User defined precinct sizes
	CodingStyleSOP       = 0x02 // SOP marker segments may be used
	CodingStyleEPH       = 0x04 // EPH marker segments used
)

// BlockStyleHT is the code-block style bit selecting the HT block coder.
const BlockStyleHT = 0x40

// Wavelet transform identifiers in SPcod.
const (
	TransformIrreversible97 = 0
	TransformReversible53   = 1
)

// Quantization styles in Sqcd.
const (
	QuantNone      = 0
	QuantDerived   = 1
	QuantExpounded = 2
)

// Component holds per-component SIZ fields.
type Component struct {
	Precision int  // Bit depth (1-38)
	Signed    bool // True if signed samples
	XRsiz     int  // Horizontal sample separation
	YRsiz     int  // Vertical sample separation
}

// SIZ holds image and tile size parameters (ITU-T T.800 A.5.1)
type SIZ struct {
	Rsiz       uint16
	XSiz       uint32 // Reference grid width
	YSiz       uint32 // Reference grid height
	XOsiz      uint32
	YOsiz      uint32
	XTsiz      uint32 // Tile width
	YTsiz      uint32 // Tile height
	XTOsiz     uint32
	YTOsiz     uint32
	Components []Component
}

// NumXTiles returns the number of tiles horizontally
func (s *SIZ) NumXTiles() int {
	return int((s.XSiz - s.XTOsiz + s.XTsiz - 1) / s.XTsiz)
}

// NumYTiles returns the number of tiles vertically
func (s *SIZ) NumYTiles() int {
	return int((s.YSiz - s.YTOsiz + s.YTsiz - 1) / s.YTsiz)
}

// NumTiles returns the total number of tiles
func (s *SIZ) NumTiles() int {
	return s.NumXTiles() * s.NumYTiles()
}

// TileRect returns the image area covered by tile t.
func (s *SIZ) TileRect(t int) (x0, y0, x1, y1 int) {
	nx := s.NumXTiles()
	p, q := t%nx, t/nx
	x0 = max(int(s.XTOsiz)+p*int(s.XTsiz), int(s.XOsiz))
	y0 = max(int(s.YTOsiz)+q*int(s.YTsiz), int(s.YOsiz))
	x1 = min(int(s.XTOsiz)+(p+1)*int(s.XTsiz), int(s.XSiz))
	y1 = min(int(s.YTOsiz)+(q+1)*int(s.YTsiz), int(s.YSiz))
	return x0, y0, x1, y1
}

// CAP holds the extended capabilities of a Part 15 codestream.
type CAP struct {
	Pcap uint32
	Ccap []uint16
}

// Coding holds the SPcod/SPcoc fields shared by COD and COC.
type Coding struct {
	Levels         int
	BlockWidthExp  int // xcb, code-block width is 1<<xcb
	BlockHeightExp int
	BlockStyle     uint8
	Transform      uint8
	// Precincts holds PPy<<4|PPx per resolution, coarsest first. Nil means
	// maximal precincts.
	Precincts []uint8
}

// PrecinctExp returns the precinct exponents of resolution r.
func (c *Coding) PrecinctExp(r int) (ppx, ppy int) {
	if len(c.Precincts) == 0 {
		return 15, 15
	}
	v := c.Precincts[min(r, len(c.Precincts)-1)]
	return int(v & 0xF), int(v >> 4)
}

// Reversible reports whether the 5/3 transform is selected.
func (c *Coding) Reversible() bool {
	return c.Transform == TransformReversible53
}

// COD holds coding style default parameters (ITU-T T.800 A.6.1)
type COD struct {
	Scod        uint8
	Progression tier.Progression
	Layers      int
	MCT         uint8
	Coding
}

// SOP reports whether packets may start with SOP marker segments.
func (c *COD) SOP() bool { return c.Scod&CodingStyleSOP != 0 }

// EPH reports whether packet headers end with EPH markers.
func (c *COD) EPH() bool { return c.Scod&CodingStyleEPH != 0 }

// COC overrides the coding style of one component.
type COC struct {
	Component int
	Scoc      uint8
	Coding
}

// QCD holds quantization parameters (ITU-T T.800 A.6.4). Exponents and
// Mantissas are ordered LL first, then HL, LH, HH from the coarsest level.
type QCD struct {
	Style     uint8
	GuardBits int
	Exponents []int
	Mantissas []int
}

// Step returns the exponent and mantissa of band index i. Derived
// quantization scales the LL values by the band's level.
func (q *QCD) Step(i, levels int) (eps, mu int) {
	if q.Style == QuantDerived {
		if len(q.Exponents) == 0 {
			return 0, 0
		}
		lvl := levels
		if i > 0 {
			lvl = levels - (i-1)/3
		}
		if len(q.Mantissas) > 0 {
			mu = q.Mantissas[0]
		}
		return q.Exponents[0] - levels + lvl, mu
	}
	if i >= len(q.Exponents) {
		return 0, 0
	}
	if i < len(q.Mantissas) {
		mu = q.Mantissas[i]
	}
	return q.Exponents[i], mu
}

// QCC overrides the quantization of one component.
type QCC struct {
	Component int
	QCD
}

// SOT is the tile-part header (ITU-T T.800 A.4.2)
type SOT struct {
	Tile     int
	Length   uint32 // Psot, from the SOT marker to the end of the tile-part
	Part     int
	NumParts int
}

// TLMEntry is one tile-part length record.
type TLMEntry struct {
	Tile   int
	Length uint32
}

// COM is a comment marker segment.
type COM struct {
	Registration uint16 // 0 binary, 1 Latin-1 text
	Data         []byte
}
