package codestream

import (
	"io"
)

// Segment lengths of fixed-size marker segments, marker included.
const (
	SOTSize = 12
	SODSize = 2
)

// Writer writes codestream marker segments
type Writer struct {
	w *ByteWriter
}

// NewWriter creates a new codestream writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: NewByteWriter(w)}
}

// WriteSOC writes the Start of Codestream marker
func (c *Writer) WriteSOC() error {
	return c.w.WriteUint16(MarkerSOC)
}

// WriteSIZ writes the SIZ marker segment
func (c *Writer) WriteSIZ(siz *SIZ) error {
	c.w.WriteUint16(MarkerSIZ)
	// Length: 38 + 3*numComponents
	c.w.WriteUint16(uint16(38 + 3*len(siz.Components)))
	c.w.WriteUint16(siz.Rsiz)
	c.w.WriteUint32(siz.XSiz)
	c.w.WriteUint32(siz.YSiz)
	c.w.WriteUint32(siz.XOsiz)
	c.w.WriteUint32(siz.YOsiz)
	c.w.WriteUint32(siz.XTsiz)
	c.w.WriteUint32(siz.YTsiz)
	c.w.WriteUint32(siz.XTOsiz)
	c.w.WriteUint32(siz.YTOsiz)
	c.w.WriteUint16(uint16(len(siz.Components)))
	for _, comp := range siz.Components {
		ssiz := byte(comp.Precision - 1)
		if comp.Signed {
			ssiz |= 0x80
		}
		c.w.WriteByte(ssiz)
		c.w.WriteByte(byte(max(comp.XRsiz, 1)))
		c.w.WriteByte(byte(max(comp.YRsiz, 1)))
	}
	return c.w.Err()
}

// WriteCAP writes the extended capabilities marker segment
func (c *Writer) WriteCAP(cp *CAP) error {
	c.w.WriteUint16(MarkerCAP)
	c.w.WriteUint16(uint16(6 + 2*len(cp.Ccap)))
	c.w.WriteUint32(cp.Pcap)
	for _, v := range cp.Ccap {
		c.w.WriteUint16(v)
	}
	return c.w.Err()
}

func (c *Writer) writeCoding(cd *Coding) {
	c.w.WriteByte(byte(cd.Levels))
	c.w.WriteByte(byte(cd.BlockWidthExp - 2))
	c.w.WriteByte(byte(cd.BlockHeightExp - 2))
	c.w.WriteByte(cd.BlockStyle)
	c.w.WriteByte(cd.Transform)
	c.w.WriteBytes(cd.Precincts)
}

// WriteCOD writes the COD marker segment
func (c *Writer) WriteCOD(cod *COD) error {
	scod := cod.Scod &^ CodingStylePrecincts
	if len(cod.Precincts) > 0 {
		scod |= CodingStylePrecincts
	}
	c.w.WriteUint16(MarkerCOD)
	c.w.WriteUint16(uint16(12 + len(cod.Precincts)))
	c.w.WriteByte(scod)
	c.w.WriteByte(byte(cod.Progression))
	c.w.WriteUint16(uint16(cod.Layers))
	c.w.WriteByte(cod.MCT)
	c.writeCoding(&cod.Coding)
	return c.w.Err()
}

// WriteCOC writes a COC marker segment. Component indices use one byte
// when numComps is below 257.
func (c *Writer) WriteCOC(coc *COC, numComps int) error {
	wide := numComps > 256
	n := 9 + len(coc.Precincts)
	if wide {
		n++
	}
	scoc := byte(0)
	if len(coc.Precincts) > 0 {
		scoc = CodingStylePrecincts
	}
	c.w.WriteUint16(MarkerCOC)
	c.w.WriteUint16(uint16(n))
	if wide {
		c.w.WriteUint16(uint16(coc.Component))
	} else {
		c.w.WriteByte(byte(coc.Component))
	}
	c.w.WriteByte(scoc)
	c.writeCoding(&coc.Coding)
	return c.w.Err()
}

func (c *Writer) writeQuant(q *QCD) {
	c.w.WriteByte(byte(q.GuardBits<<5) | q.Style&0x1F)
	for i, e := range q.Exponents {
		if q.Style == QuantNone {
			c.w.WriteByte(byte(e << 3))
			continue
		}
		mu := 0
		if i < len(q.Mantissas) {
			mu = q.Mantissas[i]
		}
		c.w.WriteUint16(uint16(e<<11 | mu&0x7FF))
	}
}

func quantLen(q *QCD) int {
	if q.Style == QuantNone {
		return len(q.Exponents)
	}
	return 2 * len(q.Exponents)
}

// WriteQCD writes the QCD marker segment
func (c *Writer) WriteQCD(qcd *QCD) error {
	c.w.WriteUint16(MarkerQCD)
	c.w.WriteUint16(uint16(3 + quantLen(qcd)))
	c.writeQuant(qcd)
	return c.w.Err()
}

// WriteQCC writes a QCC marker segment
func (c *Writer) WriteQCC(qcc *QCC, numComps int) error {
	wide := numComps > 256
	n := 4 + quantLen(&qcc.QCD)
	if wide {
		n++
	}
	c.w.WriteUint16(MarkerQCC)
	c.w.WriteUint16(uint16(n))
	if wide {
		c.w.WriteUint16(uint16(qcc.Component))
	} else {
		c.w.WriteByte(byte(qcc.Component))
	}
	c.writeQuant(&qcc.QCD)
	return c.w.Err()
}

// WriteCOM writes a comment marker segment
func (c *Writer) WriteCOM(com *COM) error {
	c.w.WriteUint16(MarkerCOM)
	c.w.WriteUint16(uint16(4 + len(com.Data)))
	c.w.WriteUint16(com.Registration)
	c.w.WriteBytes(com.Data)
	return c.w.Err()
}

// maxTLMEntries fits one TLM segment with 16-bit tile indices and 32-bit
// lengths.
const maxTLMEntries = (0xFFFF - 4) / 6

// WriteTLM writes tile-part length marker segments, splitting them when
// one segment cannot hold every entry.
func (c *Writer) WriteTLM(entries []TLMEntry) error {
	for z := 0; len(entries) > 0; z++ {
		n := min(len(entries), maxTLMEntries)
		c.w.WriteUint16(MarkerTLM)
		c.w.WriteUint16(uint16(4 + 6*n))
		c.w.WriteByte(byte(z))
		c.w.WriteByte(0x60) // ST=2 (16-bit Ttlm), SP=1 (32-bit Ptlm)
		for _, e := range entries[:n] {
			c.w.WriteUint16(uint16(e.Tile))
			c.w.WriteUint32(e.Length)
		}
		entries = entries[n:]
	}
	return c.w.Err()
}

// TLMSize returns the bytes WriteTLM emits for n entries.
func TLMSize(n int) int {
	size := 0
	for n > 0 {
		k := min(n, maxTLMEntries)
		size += 6 + 6*k
		n -= k
	}
	return size
}

// WriteSOT writes a tile-part header
func (c *Writer) WriteSOT(sot *SOT) error {
	c.w.WriteUint16(MarkerSOT)
	c.w.WriteUint16(10) // Fixed length
	c.w.WriteUint16(uint16(sot.Tile))
	c.w.WriteUint32(sot.Length)
	c.w.WriteByte(byte(sot.Part))
	return c.w.WriteByte(byte(sot.NumParts))
}

// WriteSOD writes the Start of Data marker
func (c *Writer) WriteSOD() error {
	return c.w.WriteUint16(MarkerSOD)
}

// WriteEOC writes the End of Codestream marker
func (c *Writer) WriteEOC() error {
	return c.w.WriteUint16(MarkerEOC)
}

// WriteBytes writes raw bytes
func (c *Writer) WriteBytes(data []byte) error {
	return c.w.WriteBytes(data)
}

// Count returns the bytes written so far.
func (c *Writer) Count() int64 {
	return c.w.Count()
}

// Flush flushes the underlying buffer
func (c *Writer) Flush() error {
	return c.w.Flush()
}
