package htj2k

import (
	"fmt"
	"math/bits"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/block"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
)

// RateSpec selects how many bytes the codestream may use.
type RateSpec struct {
	// Lossless keeps every coefficient bit. It requires the 5/3 kernel.
	Lossless bool
	// Ratio is the target of raw size over codestream size. Zero codes
	// every block at quantizer precision.
	Ratio float64
	// Layers is the number of quality layers.
	Layers int
}

// Size is a width and height in samples.
type Size struct {
	W, H int
}

// Config holds encoding parameters. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	Kernel      dwt.Kernel
	Progression tier.Progression
	Rate        RateSpec
	Levels      int // decomposition levels
	BlockWidth  int // nominal code-block width, power of two 4..64
	BlockHeight int
	// Precincts lists precinct sizes per resolution, coarsest first. The
	// last entry repeats for finer resolutions. Empty means maximal
	// precincts.
	Precincts  []Size
	TileWidth  int // 0 uses one tile for the whole image
	TileHeight int
	TileParts  tier.Division
	TLM        bool // write tile-part length markers
	SOP        bool // start each packet with an SOP marker segment
	EPH        bool // end each packet header with an EPH marker
	MCT        bool // colour transform on the first three components
	QStep      float64
	GuardBits  int
	Workers    int // 0 uses GOMAXPROCS
	Comment    string
}

// DefaultConfig returns a lossless 5/3 RPCL configuration.
func DefaultConfig() Config {
	return Config{
		Kernel:      dwt.Reversible53,
		Progression: tier.RPCL,
		Rate:        RateSpec{Lossless: true, Layers: 1},
		Levels:      5,
		BlockWidth:  64,
		BlockHeight: 64,
		MCT:         true,
		QStep:       0.0039,
		GuardBits:   2,
	}
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func log2(n int) int {
	return bits.Len(uint(n)) - 1
}

// Validate checks the configuration without looking at an image.
func (c *Config) Validate() error {
	if c.Kernel != dwt.Reversible53 && c.Kernel != dwt.Irreversible97 {
		return fmt.Errorf("%w: kernel %d", ErrInvalidConfig, c.Kernel)
	}
	if c.Progression > tier.CPRL {
		return fmt.Errorf("%w: progression %d", ErrInvalidConfig, c.Progression)
	}
	if c.Rate.Lossless && !c.Kernel.Reversible() {
		return fmt.Errorf("%w: lossless coding needs the 5/3 kernel", ErrRateUnachievable)
	}
	if c.Rate.Lossless && c.Rate.Ratio != 0 {
		return fmt.Errorf("%w: lossless coding with a %.2f ratio", ErrRateUnachievable, c.Rate.Ratio)
	}
	if c.Rate.Ratio < 0 {
		return fmt.Errorf("%w: negative ratio %.2f", ErrRateUnachievable, c.Rate.Ratio)
	}
	if c.Rate.Layers < 1 || c.Rate.Layers > 0xFFFF {
		return fmt.Errorf("%w: %d layers", ErrInvalidConfig, c.Rate.Layers)
	}
	if c.Levels < 0 || c.Levels > dwt.MaxDecompLevels {
		return fmt.Errorf("%w: %d levels", ErrInvalidLevels, c.Levels)
	}
	if !isPow2(c.BlockWidth) || !isPow2(c.BlockHeight) ||
		c.BlockWidth < 4 || c.BlockHeight < 4 ||
		c.BlockWidth*c.BlockHeight > block.MaxSamples {
		return fmt.Errorf("%w: code-block %dx%d", ErrInvalidConfig, c.BlockWidth, c.BlockHeight)
	}
	for r, p := range c.Precincts {
		if !isPow2(p.W) || !isPow2(p.H) || p.W > 1<<15 || p.H > 1<<15 {
			return fmt.Errorf("%w: precinct %dx%d", ErrInvalidConfig, p.W, p.H)
		}
		if r > 0 && (p.W < 2 || p.H < 2) {
			return fmt.Errorf("%w: precinct %dx%d at resolution %d", ErrInvalidConfig, p.W, p.H, r)
		}
	}
	if c.TileWidth < 0 || c.TileHeight < 0 || (c.TileWidth == 0) != (c.TileHeight == 0) {
		return fmt.Errorf("%w: tile %dx%d", ErrInvalidConfig, c.TileWidth, c.TileHeight)
	}
	align := 1 << c.Levels
	if c.TileWidth%align != 0 || c.TileHeight%align != 0 {
		return fmt.Errorf("%w: tile %dx%d is not a multiple of %d", ErrInvalidConfig, c.TileWidth, c.TileHeight, align)
	}
	if c.TileParts > tier.DivideBoth {
		return fmt.Errorf("%w: tile-part division %d", ErrInvalidConfig, c.TileParts)
	}
	if !c.Kernel.Reversible() && !(c.QStep > 0) {
		return fmt.Errorf("%w: quantization step %g", ErrInvalidConfig, c.QStep)
	}
	if c.GuardBits < 0 || c.GuardBits > 7 {
		return fmt.Errorf("%w: %d guard bits", ErrInvalidConfig, c.GuardBits)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: %d workers", ErrInvalidConfig, c.Workers)
	}
	return nil
}

// precinctExps converts the precinct sizes into PPy<<4|PPx bytes for
// resolutions 0..levels.
func (c *Config) precinctExps() []uint8 {
	if len(c.Precincts) == 0 {
		return nil
	}
	out := make([]uint8, c.Levels+1)
	for r := range out {
		p := c.Precincts[min(r, len(c.Precincts)-1)]
		out[r] = uint8(log2(p.H)<<4 | log2(p.W))
	}
	return out
}

// DecodeOptions control Decode.
type DecodeOptions struct {
	// Layers limits decoding to the first Layers quality layers. Zero
	// decodes all of them.
	Layers int
	// Reduce discards the finest Reduce resolution levels.
	Reduce  int
	Workers int
}
