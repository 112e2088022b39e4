package tier

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitWriter_Stuffing(t *testing.T) {
	w := NewBitWriter()
	for i := 0; i < 8; i++ {
		w.WriteBit(1)
	}
	w.WriteBits(0x7F, 7)
	w.WriteBits(0x5, 3)
	got := w.Bytes()
	require.Equal(t, []byte{0xFF, 0x7F, 0xA0}, got)

	r := NewBitReader(got, 0)
	v, err := r.ReadBits(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFF), v)
	v, err = r.ReadBits(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7F), v)
	v, err = r.ReadBits(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x5), v)
	pos, err := r.Align()
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
}

func TestBitWriter_TrailingFF(t *testing.T) {
	w := NewBitWriter()
	w.WriteBits(0xFF, 8)
	got := w.Bytes()
	assert.Equal(t, []byte{0xFF, 0x00}, got)

	r := NewBitReader(got, 0)
	_, err := r.ReadBits(8)
	require.NoError(t, err)
	pos, err := r.Align()
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
}

func TestBitReader_Overrun(t *testing.T) {
	r := NewBitReader([]byte{0x80}, 0)
	_, err := r.ReadBits(9)
	assert.ErrorIs(t, err, ErrHeaderOverrun)
}

func TestTagTree_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	tests := []struct {
		name string
		w, h int
	}{
		{"single", 1, 1},
		{"row", 5, 1},
		{"square", 4, 4},
		{"ragged", 7, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := tt.w * tt.h
			vals := make([]int, n)
			enc := NewTagTree(tt.w, tt.h)
			for i := range vals {
				vals[i] = rng.IntN(6)
				enc.SetValue(i, vals[i])
			}
			w := NewBitWriter()
			for i := range vals {
				enc.Encode(w, i, vals[i]+1)
			}
			data := w.Bytes()

			dec := NewTagTree(tt.w, tt.h)
			r := NewBitReader(data, 0)
			for i := range vals {
				th := 1
				for {
					ok, err := dec.Decode(r, i, th)
					require.NoError(t, err)
					if ok {
						break
					}
					th++
				}
				assert.Equal(t, vals[i], dec.Value(i), "leaf %d", i)
			}
		})
	}
}

func TestTagTree_Inclusion(t *testing.T) {
	// leaf values are first layers; each layer asks "included yet?"
	layers := []int{0, 2, 1, 2, 3, 0}
	enc := NewTagTree(3, 2)
	for i, l := range layers {
		enc.SetValue(i, l)
	}
	w := NewBitWriter()
	for l := 0; l < 4; l++ {
		for i, first := range layers {
			if first < l {
				continue
			}
			enc.Encode(w, i, l+1)
		}
	}
	dec := NewTagTree(3, 2)
	r := NewBitReader(w.Bytes(), 0)
	for l := 0; l < 4; l++ {
		for i, first := range layers {
			if first < l {
				continue
			}
			ok, err := dec.Decode(r, i, l+1)
			require.NoError(t, err)
			assert.Equal(t, first == l, ok, "leaf %d layer %d", i, l)
		}
	}
}

func TestPassesCodeword(t *testing.T) {
	w := NewBitWriter()
	for n := 1; n <= MaxPasses; n++ {
		writePasses(w, n)
	}
	r := NewBitReader(w.Bytes(), 0)
	for n := 1; n <= MaxPasses; n++ {
		got, err := readPasses(r)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestSegmentPasses(t *testing.T) {
	tests := []struct {
		name                   string
		before, count, cleanup int
		want                   []int
	}{
		{"cleanup only", 0, 1, 1, []int{1}},
		{"cleanup and sigprop", 0, 2, 1, []int{1, 1}},
		{"placeholders", 0, 7, 7, []int{7}},
		{"placeholders and both refinements", 0, 9, 7, []int{7, 2}},
		{"later refinement", 1, 2, 1, []int{2}},
		{"nothing", 1, 0, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SegmentPasses(tt.before, tt.count, tt.cleanup))
		})
	}
}

func TestPrecinct_HeaderRoundTrip(t *testing.T) {
	grids := []BandGrid{{2, 2}, {3, 1}, {0, 0}}
	type blk struct {
		first, zbp, cleanup int
		passes              []int // cumulative per layer
		lengths             [][]int
	}
	spec := [][]blk{
		{
			{first: 0, zbp: 3, cleanup: 1, passes: []int{1, 3, 3}, lengths: [][]int{{120}, {40}, nil}},
			{first: 1, zbp: 0, cleanup: 4, passes: []int{0, 5, 6}, lengths: [][]int{nil, {3000, 2}, {70}}},
			{first: -1, passes: []int{0, 0, 0}},
			{first: 2, zbp: 12, cleanup: 1, passes: []int{0, 0, 1}, lengths: [][]int{nil, nil, {1}}},
		},
		{
			{first: 0, zbp: 1, cleanup: 7, passes: []int{9, 9, 9}, lengths: [][]int{{65000, 0}, nil, nil}},
			{first: -1, passes: []int{0, 0, 0}},
			{first: 1, zbp: 5, cleanup: 1, passes: []int{0, 1, 2}, lengths: [][]int{nil, {9}, {4}}},
		},
		{},
	}
	enc := NewPrecinct(grids)
	for b, blocks := range spec {
		for i, s := range blocks {
			enc.SetBlock(b, i, s.first, s.zbp, s.cleanup)
		}
	}
	var headers [][]byte
	for l := 0; l < 3; l++ {
		contrib := make([][]Contribution, len(spec))
		for b, blocks := range spec {
			contrib[b] = make([]Contribution, len(blocks))
			for i, s := range blocks {
				prev := 0
				if l > 0 {
					prev = s.passes[l-1]
				}
				if n := s.passes[l] - prev; n > 0 {
					contrib[b][i] = Contribution{Passes: n, Lengths: s.lengths[l]}
				}
			}
		}
		h, err := enc.EncodeHeader(l, contrib)
		require.NoError(t, err)
		headers = append(headers, h)
	}

	dec := NewPrecinct(grids)
	for l, h := range headers {
		r := NewBitReader(h, 0)
		got, err := dec.DecodeHeader(r, l)
		require.NoError(t, err)
		pos, err := r.Align()
		require.NoError(t, err)
		assert.Equal(t, len(h), pos, "layer %d header length", l)
		for b, blocks := range spec {
			for i, s := range blocks {
				prev := 0
				if l > 0 {
					prev = s.passes[l-1]
				}
				n := s.passes[l] - prev
				assert.Equal(t, n, got[b][i].Passes, "layer %d band %d block %d", l, b, i)
				if n > 0 {
					assert.Equal(t, s.lengths[l], got[b][i].Lengths)
				}
			}
		}
	}
	for b, blocks := range spec {
		for i, s := range blocks {
			if s.first < 0 {
				continue
			}
			assert.Equal(t, s.zbp, dec.ZeroBitplanes(b, i))
			assert.Equal(t, s.cleanup, dec.CleanupPasses(b, i))
		}
	}
}

func TestPrecinct_EmptyPacket(t *testing.T) {
	p := NewPrecinct([]BandGrid{{1, 1}})
	p.SetBlock(0, 0, 1, 0, 1)
	h, err := p.EncodeHeader(0, [][]Contribution{{{}}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, h)

	_, err = p.EncodeHeader(1, [][]Contribution{{{Passes: 1, Lengths: []int{4}}}})
	require.NoError(t, err)
}

func TestPrecinct_Errors(t *testing.T) {
	p := NewPrecinct([]BandGrid{{1, 1}})
	p.SetBlock(0, 0, 1, 0, 4)
	_, err := p.EncodeHeader(0, [][]Contribution{{{Passes: 1, Lengths: []int{4}}}})
	assert.ErrorIs(t, err, ErrHeader)

	_, err = p.EncodeHeader(1, [][]Contribution{{{Passes: 2, Lengths: []int{4}}}})
	assert.ErrorIs(t, err, ErrHeader)

	d := NewPrecinct([]BandGrid{{1, 1}})
	_, err = d.DecodeHeader(NewBitReader([]byte{0xC0}, 0), 0)
	assert.ErrorIs(t, err, ErrHeaderOverrun)
}

func TestMarkers(t *testing.T) {
	b := AppendSOP(nil, 0x1234)
	assert.Equal(t, []byte{0xFF, 0x91, 0, 4, 0x12, 0x34}, b)
	b = AppendEPH(b)
	assert.Equal(t, 6, SkipSOP(b, 0))
	assert.Equal(t, 8, SkipEPH(b, 6))
	assert.Equal(t, 3, SkipSOP(b, 3))
	assert.Equal(t, 0, SkipEPH(b, 0))
}
