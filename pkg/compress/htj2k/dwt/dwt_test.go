package dwt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPlane(w, h int, seed int64, lo, hi int32) []int32 {
	r := rand.New(rand.NewSource(seed))
	data := make([]int32, w*h)
	for i := range data {
		data[i] = lo + r.Int31n(hi-lo+1)
	}
	return data
}

func TestMaxLevels(t *testing.T) {
	tests := []struct {
		w, h int
		want int
	}{
		{1, 1, 0},
		{2, 2, 1},
		{3, 7, 2},
		{4, 4, 2},
		{5, 100, 3},
		{512, 512, 9},
		{513, 1024, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaxLevels(tt.w, tt.h), "%dx%d", tt.w, tt.h)
	}
}

func TestCheckLevels(t *testing.T) {
	assert.NoError(t, CheckLevels(1, 1, 0))
	assert.ErrorIs(t, CheckLevels(1, 1, 1), ErrInvalidLevels)
	assert.ErrorIs(t, CheckLevels(16, 16, 5), ErrInvalidLevels)
	assert.NoError(t, CheckLevels(16, 16, 4))
	assert.ErrorIs(t, CheckLevels(16, 16, -1), ErrInvalidLevels)
}

func TestForward53_Inverse53_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		levels int
	}{
		{"single sample", 1, 1, 0},
		{"2x2 one level", 2, 2, 1},
		{"odd dims", 13, 7, 2},
		{"wide", 64, 3, 2},
		{"square five levels", 64, 64, 5},
		{"ragged", 37, 29, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := randomPlane(tt.w, tt.h, 7, -32768, 32767)
			orig := append([]int32(nil), data...)
			require.NoError(t, Forward53(data, tt.w, tt.h, tt.levels))
			require.NoError(t, Inverse53(data, tt.w, tt.h, tt.levels))
			assert.Equal(t, orig, data)
		})
	}
}

func TestForward53_ConstantHasZeroDetail(t *testing.T) {
	w, h := 8, 8
	data := make([]int32, w*h)
	for i := range data {
		data[i] = 100
	}
	require.NoError(t, Forward53(data, w, h, 1))
	for _, b := range []Band{BandHL, BandLH, BandHH} {
		r := BandRect(w, h, 1, b)
		for y := r.Y0; y < r.Y1; y++ {
			for x := r.X0; x < r.X1; x++ {
				assert.Equal(t, int32(0), data[y*w+x], "%s at %d,%d", b, x, y)
			}
		}
	}
	assert.Equal(t, int32(100), data[0])
}

func TestForward97_Inverse97_RoundTrip(t *testing.T) {
	w, h := 33, 20
	src := randomPlane(w, h, 3, 0, 4095)
	data := make([]float64, len(src))
	for i, v := range src {
		data[i] = float64(v)
	}
	require.NoError(t, Forward97(data, w, h, 3))
	require.NoError(t, Inverse97(data, w, h, 3))
	for i, v := range src {
		assert.InDelta(t, float64(v), data[i], 1e-6)
	}
}

func TestForward97_DCGain(t *testing.T) {
	w, h := 16, 16
	data := make([]float64, w*h)
	for i := range data {
		data[i] = 50
	}
	require.NoError(t, Forward97(data, w, h, 2))
	assert.InDelta(t, 50, data[0], 1e-9)
	r := BandRect(w, h, 1, BandHH)
	assert.InDelta(t, 0, data[r.Y0*w+r.X0], 1e-9)
}

func TestBandRect(t *testing.T) {
	w, h := 13, 7
	assert.Equal(t, Rect{0, 0, 7, 4}, BandRect(w, h, 1, BandLL))
	assert.Equal(t, Rect{7, 0, 13, 4}, BandRect(w, h, 1, BandHL))
	assert.Equal(t, Rect{0, 4, 7, 7}, BandRect(w, h, 1, BandLH))
	assert.Equal(t, Rect{7, 4, 13, 7}, BandRect(w, h, 1, BandHH))
	assert.Equal(t, Rect{4, 0, 7, 2}, BandRect(w, h, 2, BandHL))
	assert.Equal(t, Rect{0, 0, 4, 2}, BandRect(w, h, 2, BandLL))
}

func TestEnergyGain(t *testing.T) {
	assert.Equal(t, 1.0, EnergyGain(Reversible53, 0, BandLL))
	for _, k := range []Kernel{Reversible53, Irreversible97} {
		for l := 1; l <= 4; l++ {
			hh := EnergyGain(k, l, BandHH)
			hl := EnergyGain(k, l, BandHL)
			lh := EnergyGain(k, l, BandLH)
			assert.Greater(t, hh, 0.0)
			assert.InDelta(t, hl, lh, 1e-9, "HL and LH are symmetric")
			assert.False(t, math.IsNaN(hh))
		}
		// coarser low-pass bases carry more energy
		assert.Greater(t, EnergyGain(k, 3, BandLL), EnergyGain(k, 2, BandLL))
	}
}

func TestKernel_String(t *testing.T) {
	assert.Equal(t, "5/3", Reversible53.String())
	assert.Equal(t, "9/7", Irreversible97.String())
	assert.True(t, Reversible53.Reversible())
	assert.False(t, Irreversible97.Reversible())
}
