package htj2k

import (
	"math"
	"testing"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout_BlocksCoverBands(t *testing.T) {
	tests := []struct {
		name string
		img  *Image
		mod  func(*Config)
	}{
		{"single tile", NewImage(77, 45, 1, 8, false), func(c *Config) { c.Levels = 3 }},
		{"tiles and precincts", NewImage(100, 70, 3, 8, false), func(c *Config) {
			c.Levels, c.TileWidth, c.TileHeight = 2, 32, 32
			c.BlockWidth, c.BlockHeight = 8, 4
			c.Precincts = []Size{{4, 4}, {8, 8}, {16, 16}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			e, err := NewEncoder(tt.img, cfg)
			require.NoError(t, err)
			lay := e.lay

			area := make([]int, len(lay.bands))
			for bi, blk := range lay.blocks {
				b := lay.bands[blk.band]
				assert.GreaterOrEqual(t, blk.x0, b.x0, "block %d", bi)
				assert.GreaterOrEqual(t, blk.y0, b.y0, "block %d", bi)
				assert.LessOrEqual(t, blk.x1, b.x1, "block %d", bi)
				assert.LessOrEqual(t, blk.y1, b.y1, "block %d", bi)
				w, h := lay.blockSize(bi)
				assert.LessOrEqual(t, w, cfg.BlockWidth)
				assert.LessOrEqual(t, h, cfg.BlockHeight)
				area[blk.band] += w * h
			}
			for i, b := range lay.bands {
				assert.Equal(t, (b.x1-b.x0)*(b.y1-b.y0), area[i], "band %d", i)
				assert.Equal(t, b.x1-b.x0, b.buf.X1-b.buf.X0, "band %d", i)
				assert.Equal(t, b.y1-b.y0, b.buf.Y1-b.buf.Y0, "band %d", i)
			}

			seen := make(map[int]bool)
			for p, prec := range lay.precs {
				for _, idx := range prec.blocks {
					for _, bi := range idx {
						assert.False(t, seen[bi])
						assert.Equal(t, p, lay.blocks[bi].prec)
						seen[bi] = true
					}
				}
			}
			assert.Len(t, seen, len(lay.blocks))
		})
	}
}

func TestStepExponent(t *testing.T) {
	for _, delta := range []float64{0.01, 0.5, 1, 1.7, 3.99, 12.25, 300} {
		for _, rb := range []int{8, 9, 12, 17} {
			eps, mu := stepExponent(delta, rb)
			require.GreaterOrEqual(t, eps, 0)
			require.Less(t, mu, 2048)
			got := math.Ldexp(1+float64(mu)/2048, rb-eps)
			assert.InEpsilon(t, delta, got, 1.0/2048, "delta %g rb %d", delta, rb)
		}
	}
}

func TestFitGuardBits(t *testing.T) {
	q := codestream.QCD{Style: codestream.QuantNone, GuardBits: 1, Exponents: []int{8, 9, 9, 10}}
	require.NoError(t, fitGuardBits(&q, 1, []int{8, 9, 9, 10}))
	assert.Equal(t, 1, q.GuardBits)

	require.NoError(t, fitGuardBits(&q, 1, []int{8, 12, 9, 10}))
	assert.Equal(t, 4, q.GuardBits)

	err := fitGuardBits(&q, 1, []int{20, 9, 9, 10})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		v, step float64
		want    int32
	}{
		{0, 1, 0},
		{0.99, 1, 0},
		{-0.99, 1, 0},
		{2.5, 1, 2},
		{-2.5, 1, -2},
		{10, 0.25, 40},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quantize(tt.v, tt.step))
	}
	assert.Equal(t, int32(3), halve(7))
	assert.Equal(t, int32(-3), halve(-7))
	assert.InDelta(t, 2.5, dequantize(5, 1), 1e-12)
}

func TestSubbands(t *testing.T) {
	bands := subbands(2)
	require.Len(t, bands, 7)
	assert.Equal(t, subband{2, dwt.BandLL}, bands[0])
	assert.Equal(t, subband{2, dwt.BandHL}, bands[1])
	assert.Equal(t, subband{1, dwt.BandHH}, bands[6])
}
