package htj2k

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage fills an image with a smooth pattern plus a little noise.
func testImage(w, h, comps, depth int, signed bool, seed uint32) *Image {
	img := NewImage(w, h, comps, depth, signed)
	lo, hi := img.Range()
	span := float64(hi - lo)
	s := seed
	for c := range img.Data {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				s = s*1664525 + 1013904223
				noise := float64(s>>24)/255 - 0.5
				v := 0.5 + 0.3*math.Sin(float64(x+7*c)/9)*math.Cos(float64(y)/13) + 0.05*noise
				img.Data[c][y*w+x] = lo + int32(v*span)
			}
		}
	}
	return img
}

func roundTrip(t *testing.T, img *Image, cfg Config, opts DecodeOptions) (*Image, []byte) {
	t.Helper()
	data, err := Encode(context.Background(), img, cfg)
	require.NoError(t, err)
	out, err := Decode(context.Background(), data, opts)
	require.NoError(t, err)
	return out, data
}

func TestEncodeDecode_Lossless(t *testing.T) {
	tests := []struct {
		name string
		img  *Image
		cfg  func(*Config)
	}{
		{"gray8 default", testImage(64, 64, 1, 8, false, 1), func(c *Config) {}},
		{"signed16 small blocks", testImage(37, 23, 1, 16, true, 2), func(c *Config) {
			c.Levels, c.BlockWidth, c.BlockHeight = 3, 16, 8
		}},
		{"rgb8 with RCT", testImage(50, 40, 3, 8, false, 3), func(c *Config) { c.Levels = 4 }},
		{"rgb8 without RCT", testImage(20, 20, 3, 8, false, 4), func(c *Config) { c.Levels, c.MCT = 2, false }},
		{"tiled", testImage(100, 70, 1, 10, false, 5), func(c *Config) {
			c.Levels, c.TileWidth, c.TileHeight = 2, 32, 32
		}},
		{"precincts", testImage(64, 64, 1, 8, false, 6), func(c *Config) {
			c.Levels, c.BlockWidth, c.BlockHeight = 3, 8, 8
			c.Precincts = []Size{{8, 8}, {16, 16}}
		}},
		{"no transform", testImage(19, 11, 1, 12, false, 7), func(c *Config) { c.Levels = 0 }},
		{"layers with markers", testImage(32, 32, 3, 8, false, 8), func(c *Config) {
			c.Levels, c.Rate.Layers = 2, 3
			c.SOP, c.EPH, c.TLM = true, true, true
			c.TileParts = tier.DivideBoth
		}},
		{"one bit", testImage(16, 16, 1, 1, false, 9), func(c *Config) { c.Levels = 2 }},
		{"comment", testImage(8, 8, 1, 8, false, 10), func(c *Config) { c.Levels, c.Comment = 1, "htj2k test" }},
	}
	for _, prog := range []tier.Progression{tier.LRCP, tier.RLCP, tier.RPCL, tier.PCRL, tier.CPRL} {
		tests = append(tests, struct {
			name string
			img  *Image
			cfg  func(*Config)
		}{"progression " + prog.String(), testImage(48, 40, 3, 8, false, 11), func(c *Config) {
			c.Levels, c.Progression, c.Rate.Layers = 3, prog, 2
			c.Precincts = []Size{{16, 16}}
			c.BlockWidth, c.BlockHeight = 8, 8
		}})
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.cfg(&cfg)
			out, data := roundTrip(t, tt.img, cfg, DecodeOptions{})
			assert.Equal(t, tt.img, out)
			assert.Equal(t, []byte{0xFF, 0x4F, 0xFF, 0x51}, data[:4])
			assert.Equal(t, []byte{0xFF, 0xD9}, data[len(data)-2:])
		})
	}
}

func TestEncodeDecode_Irreversible(t *testing.T) {
	tests := []struct {
		name string
		img  *Image
		min  float64 // PSNR floor in dB
	}{
		{"gray8", testImage(64, 64, 1, 8, false, 20), 40},
		{"rgb8 ICT", testImage(40, 40, 3, 8, false, 21), 38},
		{"gray12 signed", testImage(33, 47, 1, 12, true, 22), 55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Kernel = dwt.Irreversible97
			cfg.Rate = RateSpec{Layers: 1}
			cfg.Levels = 3
			out, _ := roundTrip(t, tt.img, cfg, DecodeOptions{})
			mse, err := MSE(tt.img, out)
			require.NoError(t, err)
			assert.Greater(t, PSNR(mse, tt.img.BitDepth), tt.min)
		})
	}
}

func TestEncode_Ratio(t *testing.T) {
	for _, kernel := range []dwt.Kernel{dwt.Irreversible97, dwt.Reversible53} {
		t.Run(kernel.String(), func(t *testing.T) {
			img := testImage(128, 96, 1, 8, false, 30)
			cfg := DefaultConfig()
			cfg.Kernel = kernel
			cfg.Rate = RateSpec{Ratio: 10, Layers: 1}
			out, data := roundTrip(t, img, cfg, DecodeOptions{})
			target := img.RawSize() / 10
			assert.LessOrEqual(t, len(data), target+target/20)
			mse, err := MSE(img, out)
			require.NoError(t, err)
			assert.Greater(t, PSNR(mse, 8), 20.0)
		})
	}
}

func TestEncode_RateUnachievable(t *testing.T) {
	img := testImage(16, 16, 1, 8, false, 31)
	cfg := DefaultConfig()
	cfg.Kernel = dwt.Irreversible97
	cfg.Rate = RateSpec{Ratio: 1000, Layers: 1}
	cfg.Levels = 2
	_, err := Encode(context.Background(), img, cfg)
	require.ErrorIs(t, err, ErrRateUnachievable)
}

func TestDecode_LayerPrefix(t *testing.T) {
	img := testImage(96, 96, 1, 8, false, 40)
	cfg := DefaultConfig()
	cfg.Kernel = dwt.Irreversible97
	cfg.Rate = RateSpec{Ratio: 6, Layers: 4}
	cfg.BlockWidth, cfg.BlockHeight = 16, 16
	data, err := Encode(context.Background(), img, cfg)
	require.NoError(t, err)

	full, err := Decode(context.Background(), data, DecodeOptions{})
	require.NoError(t, err)

	prev := math.Inf(1)
	for k := 1; k <= 4; k++ {
		out, err := Decode(context.Background(), data, DecodeOptions{Layers: k})
		require.NoError(t, err)
		mse, err := MSE(img, out)
		require.NoError(t, err)
		assert.LessOrEqual(t, mse, prev*1.01+1e-9, "layer %d", k)
		prev = mse

		cut, err := TruncateLayers(data, k)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(cut), len(data))
		fromCut, err := Decode(context.Background(), cut, DecodeOptions{})
		require.NoError(t, err)
		assert.Equal(t, out, fromCut, "truncated to %d layers", k)
	}
	last, err := Decode(context.Background(), data, DecodeOptions{Layers: 4})
	require.NoError(t, err)
	assert.Equal(t, full, last)

	_, err = TruncateLayers(data, 0)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEncode_ParallelMatchesSequential(t *testing.T) {
	configs := map[string]func(*Config){
		"lossless": func(c *Config) {},
		"ratio": func(c *Config) {
			c.Kernel = dwt.Irreversible97
			c.Rate = RateSpec{Ratio: 8, Layers: 3}
		},
		"tiled": func(c *Config) { c.TileWidth, c.TileHeight = 64, 64 },
	}
	img := testImage(160, 128, 3, 8, false, 50)
	for name, mod := range configs {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BlockWidth, cfg.BlockHeight = 32, 32
			mod(&cfg)
			cfg.Workers = 1
			seq, err := Encode(context.Background(), img, cfg)
			require.NoError(t, err)
			cfg.Workers = 8
			par, err := Encode(context.Background(), img, cfg)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(seq, par))
		})
	}
}

func TestEncodeDecode_OnePixel(t *testing.T) {
	img := NewImage(1, 1, 1, 8, false)
	img.Data[0][0] = 201
	cfg := DefaultConfig()
	cfg.Progression = tier.RPCL
	cfg.Levels = 0
	out, _ := roundTrip(t, img, cfg, DecodeOptions{})
	assert.Equal(t, img, out)

	cfg.Levels = 5
	_, err := Encode(context.Background(), img, cfg)
	require.ErrorIs(t, err, ErrInvalidLevels)
}

func TestDecode_TruncatedHeader(t *testing.T) {
	img := testImage(32, 32, 1, 8, false, 60)
	data, err := Encode(context.Background(), img, DefaultConfig())
	require.NoError(t, err)
	cs, err := codestream.Parse(data)
	require.NoError(t, err)
	headerEnd := cs.TileParts[0].Offset

	for _, n := range []int{1, 3, 30, headerEnd - 1} {
		_, err := Decode(context.Background(), data[:n], DecodeOptions{})
		require.ErrorIs(t, err, ErrCorruptStream, "cut at %d", n)
		var ce *CorruptStreamError
		require.ErrorAs(t, err, &ce)
		assert.Less(t, ce.Offset, headerEnd, "cut at %d", n)
	}
}

func TestDecode_TruncatedPackets(t *testing.T) {
	img := testImage(64, 64, 1, 8, false, 61)
	data, err := Encode(context.Background(), img, DefaultConfig())
	require.NoError(t, err)
	cs, err := codestream.Parse(data)
	require.NoError(t, err)

	_, err = Decode(context.Background(), data[:len(data)-12], DecodeOptions{})
	require.ErrorIs(t, err, ErrCorruptStream)
	var ce *CorruptStreamError
	require.ErrorAs(t, err, &ce)
	assert.GreaterOrEqual(t, ce.Offset, cs.TileParts[0].DataOffset)
	assert.LessOrEqual(t, ce.Offset, len(data)-12)
}

func TestRoundTrip_SparseSquare(t *testing.T) {
	// sparse subbands put zero quads next to significant ones
	img := NewImage(64, 64, 1, 8, false)
	for y := 20; y < 44; y++ {
		for x := 20; x < 44; x++ {
			img.Data[0][y*64+x] = 200
		}
	}
	for _, levels := range []int{2, 5} {
		cfg := DefaultConfig()
		cfg.Levels = levels
		out, _ := roundTrip(t, img, cfg, DecodeOptions{})
		assert.Equal(t, img.Data, out.Data, "levels %d", levels)
	}
}

func TestDecode_TruncatedPacketHeader(t *testing.T) {
	img := testImage(64, 64, 1, 8, false, 62)
	data, err := Encode(context.Background(), img, DefaultConfig())
	require.NoError(t, err)
	cs, err := codestream.Parse(data)
	require.NoError(t, err)
	start := cs.TileParts[0].DataOffset

	for _, n := range []int{start + 1, start + 2} {
		_, err := Decode(context.Background(), data[:n], DecodeOptions{})
		require.ErrorIs(t, err, ErrCorruptStream, "cut at %d", n)
		var ce *CorruptStreamError
		require.ErrorAs(t, err, &ce)
		assert.GreaterOrEqual(t, ce.Offset, start, "cut at %d", n)
		assert.LessOrEqual(t, ce.Offset, n, "cut at %d", n)
	}
}

func TestEncoder_Sequence(t *testing.T) {
	ctx := context.Background()
	e, err := NewEncoder(testImage(16, 16, 1, 8, false, 70), DefaultConfig())
	require.ErrorIs(t, err, ErrInvalidLevels)
	require.Nil(t, e)

	cfg := DefaultConfig()
	cfg.Levels = 2
	e, err = NewEncoder(testImage(16, 16, 1, 8, false, 70), cfg)
	require.NoError(t, err)
	require.ErrorIs(t, e.CodeBlocks(ctx), ErrSequence)
	require.ErrorIs(t, e.Assemble(), ErrSequence)
	require.ErrorIs(t, e.Serialize(&bytes.Buffer{}), ErrSequence)

	require.NoError(t, e.Transform(ctx))
	require.ErrorIs(t, e.Transform(ctx), ErrSequence)
	require.ErrorIs(t, e.Assemble(), ErrSequence)
	require.NoError(t, e.CodeBlocks(ctx))
	require.ErrorIs(t, e.Serialize(&bytes.Buffer{}), ErrSequence)
	require.NoError(t, e.Assemble())

	var buf bytes.Buffer
	require.NoError(t, e.Serialize(&buf))
	assert.Equal(t, e.Size(), buf.Len())
	require.ErrorIs(t, e.Serialize(&buf), ErrSequence)
}

func TestEncode_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Encode(ctx, testImage(64, 64, 1, 8, false, 80), DefaultConfig())
	require.ErrorIs(t, err, context.Canceled)

	data, err := Encode(context.Background(), testImage(64, 64, 1, 8, false, 80), DefaultConfig())
	require.NoError(t, err)
	_, err = Decode(ctx, data, DecodeOptions{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDecode_Reduce(t *testing.T) {
	img := testImage(64, 48, 1, 8, false, 90)
	cfg := DefaultConfig()
	cfg.Levels = 3
	data, err := Encode(context.Background(), img, cfg)
	require.NoError(t, err)

	for reduce := 0; reduce <= 3; reduce++ {
		out, err := Decode(context.Background(), data, DecodeOptions{Reduce: reduce})
		require.NoError(t, err)
		w, h := ResolutionSize(64, 48, reduce)
		assert.Equal(t, w, out.Width)
		assert.Equal(t, h, out.Height)

		// a lossless reduced decode is the clamped LL band of the forward transform
		ll := make([]int32, len(img.Data[0]))
		for i, v := range img.Data[0] {
			ll[i] = v - 128
		}
		require.NoError(t, dwt.Forward53(ll, 64, 48, reduce))
		lw, lh := dwt.LevelSize(64, 48, reduce)
		require.Equal(t, w, lw)
		require.Equal(t, h, lh)
		mismatches := 0
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				want := min(max(ll[y*64+x]+128, 0), 255)
				if out.Data[0][y*w+x] != want {
					mismatches++
				}
			}
		}
		assert.Zero(t, mismatches, "reduce %d", reduce)
	}

	_, err = Decode(context.Background(), data, DecodeOptions{Reduce: 4})
	require.ErrorIs(t, err, ErrInvalidLevels)
}

func TestEncode_TilePartsAndTLM(t *testing.T) {
	img := testImage(64, 64, 3, 8, false, 100)
	cfg := DefaultConfig()
	cfg.Levels = 2
	cfg.TileWidth, cfg.TileHeight = 32, 32
	cfg.TileParts = tier.DivideResolution
	cfg.TLM = true
	out, data := roundTrip(t, img, cfg, DecodeOptions{})
	assert.Equal(t, img, out)

	cs, err := codestream.Parse(data)
	require.NoError(t, err)
	require.Len(t, cs.TileParts, 4*3)
	require.Len(t, cs.TLM, len(cs.TileParts))
	for i, tp := range cs.TileParts {
		assert.Equal(t, i/3, tp.Tile)
		assert.Equal(t, i%3, tp.Part)
		assert.Equal(t, 3, tp.NumParts)
		assert.Equal(t, tp.Length, cs.TLM[i].Length)
	}
	offsets, err := codestream.TilePartOffsets(data)
	require.NoError(t, err)
	for i, tp := range cs.TileParts {
		assert.Equal(t, int(tp.Length), offsets[i+1]-offsets[i])
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want error
	}{
		{"default", func(c *Config) {}, nil},
		{"lossless 9/7", func(c *Config) { c.Kernel = dwt.Irreversible97 }, ErrRateUnachievable},
		{"lossless with ratio", func(c *Config) { c.Rate.Ratio = 4 }, ErrRateUnachievable},
		{"no layers", func(c *Config) { c.Rate.Layers = 0 }, ErrInvalidConfig},
		{"too many levels", func(c *Config) { c.Levels = 33 }, ErrInvalidLevels},
		{"block not power of two", func(c *Config) { c.BlockWidth = 48 }, ErrInvalidConfig},
		{"block too large", func(c *Config) { c.BlockWidth, c.BlockHeight = 128, 64 }, ErrInvalidConfig},
		{"block too small", func(c *Config) { c.BlockHeight = 2 }, ErrInvalidConfig},
		{"precinct", func(c *Config) { c.Precincts = []Size{{24, 32}} }, ErrInvalidConfig},
		{"tile misaligned", func(c *Config) { c.TileWidth, c.TileHeight = 48, 48 }, ErrInvalidConfig},
		{"tile half set", func(c *Config) { c.TileWidth = 64 }, ErrInvalidConfig},
		{"qstep", func(c *Config) {
			c.Kernel, c.Rate.Lossless, c.QStep = dwt.Irreversible97, false, 0
		}, ErrInvalidConfig},
		{"guard bits", func(c *Config) { c.GuardBits = 8 }, ErrInvalidConfig},
		{"workers", func(c *Config) { c.Workers = -1 }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			err := cfg.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestImage_Validate(t *testing.T) {
	img := testImage(4, 4, 1, 8, false, 110)
	require.NoError(t, img.Validate())

	img.Data[0][3] = 256
	require.ErrorIs(t, img.Validate(), ErrInvalidConfig)

	deep := NewImage(4, 4, 1, 32, false)
	require.ErrorIs(t, deep.Validate(), ErrInvalidConfig)

	short := NewImage(4, 4, 2, 8, false)
	short.Data = short.Data[:1]
	require.ErrorIs(t, short.Validate(), ErrInvalidConfig)
}

func TestResolutionSize(t *testing.T) {
	tests := []struct {
		w, h, reduce int
		ww, wh       int
	}{
		{512, 512, 0, 512, 512},
		{512, 512, 1, 256, 256},
		{513, 300, 2, 129, 75},
		{1, 1, 3, 1, 1},
	}
	for _, tt := range tests {
		w, h := ResolutionSize(tt.w, tt.h, tt.reduce)
		assert.Equal(t, tt.ww, w)
		assert.Equal(t, tt.wh, h)
	}
}
