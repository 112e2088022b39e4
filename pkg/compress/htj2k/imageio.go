package htj2k

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
)

// ErrUnsupportedImage is returned by EncodeImage for images it cannot
// convert.
var ErrUnsupportedImage = errors.New("unsupported image type")

// FromImage converts a standard library image into planar samples. Gray
// images keep one component; everything else becomes 8-bit RGB, or 16-bit
// RGB for 64-bit colour types.
func FromImage(m image.Image) (*Image, error) {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, ErrUnsupportedImage
	}
	switch src := m.(type) {
	case *image.Gray:
		img := NewImage(w, h, 1, 8, false)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Data[0][y*w+x] = int32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return img, nil
	case *image.Gray16:
		img := NewImage(w, h, 1, 16, false)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Data[0][y*w+x] = int32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return img, nil
	case *image.RGBA64, *image.NRGBA64:
		img := NewImage(w, h, 3, 16, false)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.RGBA64Model.Convert(m.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA64)
				i := y*w + x
				img.Data[0][i], img.Data[1][i], img.Data[2][i] = int32(c.R), int32(c.G), int32(c.B)
			}
		}
		return img, nil
	}
	img := NewImage(w, h, 3, 8, false)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(m.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			img.Data[0][i], img.Data[1][i], img.Data[2][i] = int32(c.R), int32(c.G), int32(c.B)
		}
	}
	return img, nil
}

// ToImage converts decoded samples into a standard library image. Signed
// samples are offset to unsigned and depths other than 8 and 16 are
// rescaled.
func (img *Image) ToImage() image.Image {
	r := image.Rect(0, 0, img.Width, img.Height)
	deep := img.BitDepth > 8
	sample := func(c, i int) uint32 {
		v := img.Data[c][i]
		if img.Signed {
			v += 1 << (img.BitDepth - 1)
		}
		if deep {
			return uint32(v) << (16 - img.BitDepth)
		}
		return uint32(v) << (8 - img.BitDepth)
	}
	if img.Components < 3 {
		if deep {
			out := image.NewGray16(r)
			for i := range img.Data[0] {
				out.Pix[2*i] = uint8(sample(0, i) >> 8)
				out.Pix[2*i+1] = uint8(sample(0, i))
			}
			return out
		}
		out := image.NewGray(r)
		for i := range img.Data[0] {
			out.Pix[i] = uint8(sample(0, i))
		}
		return out
	}
	if deep {
		out := image.NewRGBA64(r)
		for i := range img.Data[0] {
			for c := 0; c < 3; c++ {
				v := sample(c, i)
				out.Pix[8*i+2*c] = uint8(v >> 8)
				out.Pix[8*i+2*c+1] = uint8(v)
			}
			out.Pix[8*i+6], out.Pix[8*i+7] = 0xFF, 0xFF
		}
		return out
	}
	out := image.NewRGBA(r)
	for i := range img.Data[0] {
		for c := 0; c < 3; c++ {
			out.Pix[4*i+c] = uint8(sample(c, i))
		}
		out.Pix[4*i+3] = 0xFF
	}
	return out
}

// EncodeImage writes m as an HTJ2K codestream. A nil cfg uses
// DefaultConfig with the decomposition levels clamped to the image size.
func EncodeImage(w io.Writer, m image.Image, cfg *Config) error {
	img, err := FromImage(m)
	if err != nil {
		return err
	}
	var c Config
	if cfg != nil {
		c = *cfg
	} else {
		c = DefaultConfig()
		c.Levels = min(c.Levels, dwt.MaxLevels(img.Width, img.Height))
	}
	data, err := Encode(context.Background(), img, c)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// DecodeImage reads an HTJ2K codestream into a standard library image.
func DecodeImage(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	img, err := Decode(context.Background(), data, DecodeOptions{})
	if err != nil {
		return nil, err
	}
	return img.ToImage(), nil
}

// DecodeConfig returns the image size and colour model without decoding
// packets.
func DecodeConfig(r io.Reader) (image.Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return image.Config{}, err
	}
	cs, err := codestream.Parse(data)
	if err != nil {
		return image.Config{}, err
	}
	if len(cs.SIZ.Components) == 0 {
		return image.Config{}, codestream.Corrupt(0, "no components")
	}
	deep := cs.SIZ.Components[0].Precision > 8
	model := color.GrayModel
	switch {
	case len(cs.SIZ.Components) >= 3 && deep:
		model = color.RGBA64Model
	case len(cs.SIZ.Components) >= 3:
		model = color.RGBAModel
	case deep:
		model = color.Gray16Model
	}
	return image.Config{
		Width:      int(cs.SIZ.XSiz - cs.SIZ.XOsiz),
		Height:     int(cs.SIZ.YSiz - cs.SIZ.YOsiz),
		ColorModel: model,
	}, nil
}

// Register format with image package
func init() {
	image.RegisterFormat("htj2k", "\xff\x4f\xff\x51", DecodeImage, DecodeConfig)
}
