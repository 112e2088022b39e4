package codestream

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStream struct {
	siz  SIZ
	cod  COD
	qcd  QCD
	data [][]byte // one tile-part each, all tile 0
}

func buildStream(t *testing.T, ts testStream) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteSOC())
	require.NoError(t, w.WriteSIZ(&ts.siz))
	require.NoError(t, w.WriteCAP(&CAP{Pcap: PcapPart15, Ccap: []uint16{Ccap15Reversible}}))
	require.NoError(t, w.WriteCOD(&ts.cod))
	require.NoError(t, w.WriteQCD(&ts.qcd))
	require.NoError(t, w.WriteQCC(&QCC{Component: 1, QCD: QCD{Style: QuantNone, GuardBits: 2, Exponents: []int{9}}}, len(ts.siz.Components)))
	require.NoError(t, w.WriteCOM(&COM{Registration: 1, Data: []byte("hello")}))
	var tlm []TLMEntry
	for _, d := range ts.data {
		tlm = append(tlm, TLMEntry{Tile: 0, Length: uint32(SOTSize + SODSize + len(d))})
	}
	require.NoError(t, w.WriteTLM(tlm))
	for i, d := range ts.data {
		require.NoError(t, w.WriteSOT(&SOT{Tile: 0, Length: tlm[i].Length, Part: i, NumParts: len(ts.data)}))
		require.NoError(t, w.WriteSOD())
		require.NoError(t, w.WriteBytes(d))
	}
	require.NoError(t, w.WriteEOC())
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func defaultStream() testStream {
	return testStream{
		siz: SIZ{
			Rsiz: RsizCAP, XSiz: 100, YSiz: 60, XTsiz: 100, YTsiz: 60,
			Components: []Component{{Precision: 12, XRsiz: 1, YRsiz: 1}, {Precision: 12, Signed: true, XRsiz: 1, YRsiz: 1}},
		},
		cod: COD{
			Scod: CodingStyleSOP | CodingStyleEPH, Progression: tier.RPCL, Layers: 3, MCT: 0,
			Coding: Coding{Levels: 2, BlockWidthExp: 6, BlockHeightExp: 6, BlockStyle: BlockStyleHT,
				Transform: TransformIrreversible97, Precincts: []uint8{0x55, 0x66, 0x77}},
		},
		qcd: QCD{Style: QuantExpounded, GuardBits: 1,
			Exponents: []int{13, 13, 13, 14, 12, 12, 13}, Mantissas: []int{100, 200, 300, 400, 500, 600, 2047}},
		data: [][]byte{{1, 2, 3}, {4, 5}},
	}
}

func TestWriteParse_RoundTrip(t *testing.T) {
	ts := defaultStream()
	data := buildStream(t, ts)

	cs, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, ts.siz, cs.SIZ)
	assert.Equal(t, ts.cod.Progression, cs.COD.Progression)
	assert.Equal(t, 3, cs.COD.Layers)
	assert.True(t, cs.COD.SOP())
	assert.True(t, cs.COD.EPH())
	assert.Equal(t, ts.cod.Coding, cs.COD.Coding)
	assert.Equal(t, ts.qcd, cs.QCD)
	require.NotNil(t, cs.CAP)
	assert.Equal(t, uint32(PcapPart15), cs.CAP.Pcap)
	assert.Equal(t, []int{9}, cs.QuantFor(1).Exponents)
	assert.Equal(t, &cs.QCD, cs.QuantFor(0))
	assert.Equal(t, &cs.COD.Coding, cs.CodingFor(1))
	require.Len(t, cs.Comments, 1)
	assert.Equal(t, "hello", string(cs.Comments[0].Data))
	require.Len(t, cs.TLM, 2)
	assert.Equal(t, uint32(SOTSize+SODSize+3), cs.TLM[0].Length)

	require.Len(t, cs.TileParts, 2)
	assert.Equal(t, 1, cs.TileParts[1].Part)
	assert.Equal(t, 2, cs.TileParts[1].NumParts)
	tile, spans := cs.TileData(0)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, tile)
	assert.Equal(t, cs.TileParts[0].DataOffset, Absolute(spans, 0))
	assert.Equal(t, cs.TileParts[1].DataOffset+1, Absolute(spans, 4))

	var names []string
	for _, s := range cs.Segments {
		names = append(names, MarkerName(s.Marker))
	}
	assert.Equal(t, []string{"SOC", "SIZ", "CAP", "COD", "QCD", "QCC", "COM", "TLM", "SOT", "SOD", "SOT", "SOD", "EOC"}, names)
}

func TestParse_Corrupt(t *testing.T) {
	good := buildStream(t, defaultStream())
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		offset int
	}{
		{"no SOC", func(b []byte) []byte { b[1] = 0x00; return b }, 0},
		{"truncated header", func(b []byte) []byte { return b[:20] }, 4},
		{"SIZ length overruns", func(b []byte) []byte { binary.BigEndian.PutUint16(b[4:], 0xFFF0); return b }, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), good...))
			_, err := Parse(b)
			require.ErrorIs(t, err, ErrCorruptStream)
			var ce *CorruptStreamError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.offset, ce.Offset)
		})
	}
}

func TestParse_ClampsPsot(t *testing.T) {
	good := buildStream(t, defaultStream())
	cut := good[:len(good)-3] // drop EOC and the last data byte
	cs, err := Parse(cut)
	require.NoError(t, err)
	require.Len(t, cs.TileParts, 2)
	assert.Equal(t, 1, cs.TileParts[1].DataLength)
}

func TestParse_Unsupported(t *testing.T) {
	ts := defaultStream()
	ts.cod.BlockStyle = 0
	_, err := Parse(buildStream(t, ts))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestQCD_Step(t *testing.T) {
	q := QCD{Style: QuantDerived, Exponents: []int{10}, Mantissas: []int{77}}
	eps, mu := q.Step(0, 3)
	assert.Equal(t, 10, eps)
	assert.Equal(t, 77, mu)
	eps, _ = q.Step(1, 3) // HL at level 3
	assert.Equal(t, 10, eps)
	eps, _ = q.Step(9, 3) // HH at level 1
	assert.Equal(t, 8, eps)

	e := QCD{Style: QuantNone, Exponents: []int{8, 9}}
	eps, mu = e.Step(1, 1)
	assert.Equal(t, 9, eps)
	assert.Equal(t, 0, mu)
}

func TestTLMSize(t *testing.T) {
	assert.Equal(t, 0, TLMSize(0))
	assert.Equal(t, 12, TLMSize(1))
	var buf bytes.Buffer
	w := NewWriter(&buf)
	entries := make([]TLMEntry, maxTLMEntries+5)
	require.NoError(t, w.WriteTLM(entries))
	require.NoError(t, w.Flush())
	assert.Equal(t, TLMSize(len(entries)), buf.Len())
}

func TestSIZ_Tiles(t *testing.T) {
	s := SIZ{XSiz: 100, YSiz: 50, XTsiz: 64, YTsiz: 32}
	assert.Equal(t, 4, s.NumTiles())
	x0, y0, x1, y1 := s.TileRect(3)
	assert.Equal(t, []int{64, 32, 100, 50}, []int{x0, y0, x1, y1})
}

func TestPrecinctExp(t *testing.T) {
	c := Coding{}
	ppx, ppy := c.PrecinctExp(3)
	assert.Equal(t, 15, ppx)
	assert.Equal(t, 15, ppy)
	c.Precincts = []uint8{0x43, 0x65}
	ppx, ppy = c.PrecinctExp(4)
	assert.Equal(t, 5, ppx)
	assert.Equal(t, 6, ppy)
}

func TestTilePartOffsets(t *testing.T) {
	data := buildStream(t, defaultStream())
	cs, err := Parse(data)
	require.NoError(t, err)

	offsets, err := TilePartOffsets(data)
	require.NoError(t, err)
	require.Len(t, offsets, 3)
	assert.Equal(t, cs.TileParts[0].Offset, offsets[0])
	assert.Equal(t, cs.TileParts[1].Offset, offsets[1])
	assert.Equal(t, len(data)-2, offsets[2])
	for i := range cs.TLM {
		assert.Equal(t, int(cs.TLM[i].Length), offsets[i+1]-offsets[i])
	}
}
