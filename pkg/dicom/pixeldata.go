package dicom

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
	"github.com/jpfielding/htj2k.go/pkg/dicom/tag"
	"github.com/jpfielding/htj2k.go/pkg/dicom/transfer"
	"github.com/jpfielding/htj2k.go/pkg/dicom/vr"
	"github.com/jpfielding/htj2k.go/pkg/util"
)

// Photometric interpretations the adapter reads and writes.
const (
	Monochrome2 = "MONOCHROME2"
	RGB         = "RGB"
	YBRRCT      = "YBR_RCT"
	YBRICT      = "YBR_ICT"
)

// PixelBuffer is one frame of native pixel data: interleaved samples,
// little-endian when 16 bits are allocated.
type PixelBuffer struct {
	Rows, Columns   int
	SamplesPerPixel int
	BitsAllocated   int
	BitsStored      int
	Signed          bool
	Photometric     string
	Data            []byte
}

// FrameSize returns the bytes one frame occupies.
func (pb *PixelBuffer) FrameSize() int {
	return pb.Rows * pb.Columns * pb.SamplesPerPixel * pb.BitsAllocated / 8
}

func (pb *PixelBuffer) setSample(i, s int, v int32) {
	k := i*pb.SamplesPerPixel + s
	raw := uint32(v) & (1<<pb.BitsAllocated - 1)
	if pb.BitsAllocated == 8 {
		pb.Data[k] = uint8(raw)
		return
	}
	binary.LittleEndian.PutUint16(pb.Data[2*k:], uint16(raw))
}

// Intent is what a caller asks of a frame encode.
type Intent struct {
	Lossless    bool
	Progression tier.Progression
	Ratio       float64 // lossy target, zero codes at QStep precision
	Layers      int
	Levels      int // clamped to what the frame allows
	BlockSize   int
	QStep       float64
	// Strict rejects samples outside Bits Stored; otherwise they are
	// clipped.
	Strict    bool
	TileParts tier.Division
	TLM       bool
	Workers   int
}

// DefaultIntent is lossless RPCL with 32x32 code-blocks.
func DefaultIntent() Intent {
	return Intent{
		Lossless:    true,
		Progression: tier.RPCL,
		Layers:      1,
		Levels:      5,
		BlockSize:   32,
		QStep:       0.0039,
		Strict:      true,
	}
}

// Config returns the codec configuration for a w x h frame.
func (in *Intent) Config(w, h, samples int) htj2k.Config {
	cfg := htj2k.DefaultConfig()
	cfg.Progression = in.Progression
	cfg.Levels = min(max(in.Levels, 0), dwt.MaxLevels(w, h))
	if in.BlockSize > 0 {
		cfg.BlockWidth, cfg.BlockHeight = in.BlockSize, in.BlockSize
	}
	cfg.Rate = htj2k.RateSpec{Lossless: in.Lossless, Layers: max(in.Layers, 1)}
	if !in.Lossless {
		cfg.Kernel = dwt.Irreversible97
		cfg.Rate.Ratio = in.Ratio
	}
	if in.QStep > 0 {
		cfg.QStep = in.QStep
	}
	cfg.MCT = samples >= 3
	cfg.TileParts = in.TileParts
	cfg.TLM = in.TLM
	cfg.Workers = in.Workers
	return cfg
}

// toImage converts a pixel buffer into codec samples, applying the strict
// or clipping range policy.
func toImage(pb *PixelBuffer, strict bool) (*htj2k.Image, error) {
	if err := ValidatePixelFormat(pb.BitsAllocated, pb.BitsStored, pb.Signed); err != nil {
		return nil, err
	}
	if pb.Rows <= 0 || pb.Columns <= 0 || pb.SamplesPerPixel <= 0 {
		return nil, fmt.Errorf("%w: %dx%d with %d samples", ErrInvalidPixelData, pb.Columns, pb.Rows, pb.SamplesPerPixel)
	}
	if len(pb.Data) < pb.FrameSize() {
		return nil, fmt.Errorf("%w: %d bytes for a %d byte frame", ErrInvalidPixelData, len(pb.Data), pb.FrameSize())
	}
	img := htj2k.NewImage(pb.Columns, pb.Rows, pb.SamplesPerPixel, pb.BitsStored, pb.Signed)
	lo, hi := img.Range()
	n := pb.Rows * pb.Columns
	for i := 0; i < n; i++ {
		for s := 0; s < pb.SamplesPerPixel; s++ {
			var v int32
			if pb.BitsAllocated == 8 {
				v = int32(pb.Data[i*pb.SamplesPerPixel+s])
				if pb.Signed {
					v = int32(int8(v))
				}
			} else {
				v = int32(binary.LittleEndian.Uint16(pb.Data[2*(i*pb.SamplesPerPixel+s):]))
				if pb.Signed {
					v = int32(int16(v))
				}
			}
			if v < lo || v > hi {
				if strict {
					return nil, fmt.Errorf("%w: %d at pixel %d for %d bits stored", ErrSampleRange, v, i, pb.BitsStored)
				}
				v = min(max(v, lo), hi)
			}
			img.Data[s][i] = v
		}
	}
	return img, nil
}

// fromImage converts decoded samples into a pixel buffer.
func fromImage(img *htj2k.Image) *PixelBuffer {
	pb := &PixelBuffer{
		Rows:            img.Height,
		Columns:         img.Width,
		SamplesPerPixel: img.Components,
		BitsAllocated:   8,
		BitsStored:      img.BitDepth,
		Signed:          img.Signed,
		Photometric:     Monochrome2,
	}
	if img.BitDepth > 8 {
		pb.BitsAllocated = 16
	}
	if img.Components >= 3 {
		pb.Photometric = RGB
	}
	pb.Data = make([]byte, pb.FrameSize())
	for i := 0; i < img.Width*img.Height; i++ {
		for s := 0; s < img.Components; s++ {
			pb.setSample(i, s, img.Data[s][i])
		}
	}
	return pb
}

// EncodeFrame compresses one frame for the transfer syntax that matches
// intent.
func EncodeFrame(ctx context.Context, pb PixelBuffer, intent Intent) (CompressedFrame, error) {
	img, err := toImage(&pb, intent.Strict)
	if err != nil {
		return CompressedFrame{}, err
	}
	cfg := intent.Config(img.Width, img.Height, img.Components)
	start := time.Now()
	data, err := htj2k.Encode(ctx, img, cfg)
	if err != nil {
		return CompressedFrame{}, err
	}
	frame := CompressedFrame{
		Codestream:     data,
		Lossless:       intent.Lossless,
		Progression:    cfg.Progression,
		TransferSyntax: SelectTransferSyntax(intent.Lossless, cfg.Progression).UID(),
		BitsStored:     pb.BitsStored,
		MCT:            cfg.MCT,
		Ratio:          float64(pb.FrameSize()) / float64(len(data)),
	}
	slog.DebugContext(ctx, "frame encoded",
		slog.String("transfer_syntax", string(frame.TransferSyntax)),
		slog.Int("bytes", len(data)),
		slog.Float64("ratio", frame.Ratio),
		slog.Duration("elapsed", time.Since(start)))
	return frame, nil
}

// decodeFrame decodes a codestream held under uid.
func decodeFrame(ctx context.Context, frame CompressedFrame, uid transfer.Syntax) (*PixelBuffer, error) {
	choice, err := ChoiceFor(uid)
	if err != nil {
		return nil, err
	}
	if err := admits(choice, frame.Lossless, frame.Progression); err != nil {
		return nil, err
	}
	img, err := htj2k.Decode(ctx, frame.Codestream, htj2k.DecodeOptions{})
	if err != nil {
		return nil, err
	}
	return fromImage(img), nil
}

// DecodeFrame decodes a Pixel Data element stored under uid.
func DecodeFrame(ctx context.Context, element []byte, uid transfer.Syntax) (PixelBuffer, error) {
	if err := CheckTransferSyntax(uid); err != nil {
		return PixelBuffer{}, err
	}
	frame, err := Unwrap(element)
	if err != nil {
		return PixelBuffer{}, err
	}
	pb, err := decodeFrame(ctx, frame, uid)
	if err != nil {
		return PixelBuffer{}, err
	}
	return *pb, nil
}

// ReadPixelData returns the first frame of ds as native samples together
// with the transfer syntax it was stored under. HTJ2K frames are decoded.
func ReadPixelData(ctx context.Context, ds *Dataset) (PixelBuffer, transfer.Syntax, error) {
	ts := GetTransferSyntax(ds)
	pd, err := ds.GetPixelData()
	if err != nil {
		return PixelBuffer{}, ts, err
	}
	if ts.IsEncapsulated() != pd.Encapsulated {
		return PixelBuffer{}, ts, fmt.Errorf("%w: encapsulation does not match %s", ErrInvalidPixelData, ts.Name())
	}
	if pd.Encapsulated {
		if err := CheckTransferSyntax(ts); err != nil {
			return PixelBuffer{}, ts, err
		}
		data, err := joinFragments(pd)
		if err != nil {
			return PixelBuffer{}, ts, err
		}
		frame, err := Inspect(data)
		if err != nil {
			return PixelBuffer{}, ts, err
		}
		pb, err := decodeFrame(ctx, frame, ts)
		if err != nil {
			return PixelBuffer{}, ts, err
		}
		return *pb, ts, nil
	}

	pb := PixelBuffer{
		Rows:            GetRows(ds),
		Columns:         GetColumns(ds),
		SamplesPerPixel: GetSamplesPerPixel(ds),
		BitsAllocated:   GetBitsAllocated(ds),
		BitsStored:      GetBitsStored(ds),
		Signed:          GetPixelRepresentation(ds) == 1,
		Photometric:     GetPhotometricInterpretation(ds),
	}
	if err := ValidatePixelFormat(pb.BitsAllocated, pb.BitsStored, pb.Signed); err != nil {
		return PixelBuffer{}, ts, err
	}
	size := pb.FrameSize()
	if size == 0 || len(pd.Native) < size {
		return PixelBuffer{}, ts, fmt.Errorf("%w: %d bytes for a %d byte frame", ErrInvalidPixelData, len(pd.Native), size)
	}
	pb.Data = pd.Native[:size]
	if pb.SamplesPerPixel > 1 && GetPlanarConfiguration(ds) == 1 {
		pb.Data = interleave(pb.Data, pb.SamplesPerPixel, pb.BitsAllocated/8)
	}
	return pb, ts, nil
}

// interleave converts colour-by-plane samples to colour-by-pixel.
func interleave(planar []byte, samples, width int) []byte {
	out := make([]byte, len(planar))
	n := len(planar) / (samples * width)
	for s := 0; s < samples; s++ {
		for i := 0; i < n; i++ {
			copy(out[(i*samples+s)*width:], planar[(s*n+i)*width:(s*n+i+1)*width])
		}
	}
	return out
}

// WritePixelData stores element as the encapsulated pixel data of ds under
// uid and updates the attributes that depend on it. Lossy frames mark the
// dataset as lossy and receive a new SOP Instance UID derived from the old
// one.
func WritePixelData(ds *Dataset, element []byte, uid transfer.Syntax) error {
	choice, err := ChoiceFor(uid)
	if err != nil {
		return err
	}
	pd, err := parseElement(element)
	if err != nil {
		return err
	}
	data, err := joinFragments(pd)
	if err != nil {
		return err
	}
	frame, err := Inspect(data)
	if err != nil {
		return err
	}
	if err := admits(choice, frame.Lossless, frame.Progression); err != nil {
		return err
	}

	ds.Set(tag.PixelData, vr.OB, pd)
	ds.Set(tag.TransferSyntaxUID, vr.UI, string(uid))
	ds.Set(tag.PlanarConfiguration, vr.US, uint16(0))
	if frame.MCT && GetSamplesPerPixel(ds) >= 3 {
		photometric := YBRRCT
		if !frame.Lossless {
			photometric = YBRICT
		}
		ds.Set(tag.PhotometricInterpretation, vr.CS, photometric)
	}
	if !frame.Lossless {
		ds.Set(tag.LossyImageCompression, vr.CS, "01")
		ds.Set(tag.LossyImageCompressionMethod, vr.CS, "ISO_15444_15")
		old := GetSOPInstanceUID(ds)
		next := util.NewUID()
		if old != "" {
			next = util.DerivedUID([]string{old, string(uid)})
		}
		ds.Set(tag.SOPInstanceUID, vr.UI, next)
		ds.Set(tag.MediaStorageSOPInstanceUID, vr.UI, next)
	}
	return nil
}

// WriteNativePixelData stores pb as native pixel data in Explicit VR
// Little Endian and updates the image pixel attributes.
func WriteNativePixelData(ds *Dataset, pb PixelBuffer) error {
	if err := ValidatePixelFormat(pb.BitsAllocated, pb.BitsStored, pb.Signed); err != nil {
		return err
	}
	v := vr.OW
	if pb.BitsAllocated == 8 {
		v = vr.OB
	}
	photometric := pb.Photometric
	if photometric == YBRRCT || photometric == YBRICT || photometric == "" {
		photometric = Monochrome2
		if pb.SamplesPerPixel >= 3 {
			photometric = RGB
		}
	}
	var rep uint16
	if pb.Signed {
		rep = 1
	}
	ds.Set(tag.PixelData, v, &PixelData{Native: pb.Data[:pb.FrameSize()]})
	ds.Set(tag.TransferSyntaxUID, vr.UI, string(transfer.ExplicitVRLittleEndian))
	ds.Set(tag.Rows, vr.US, uint16(pb.Rows))
	ds.Set(tag.Columns, vr.US, uint16(pb.Columns))
	ds.Set(tag.SamplesPerPixel, vr.US, uint16(pb.SamplesPerPixel))
	ds.Set(tag.BitsAllocated, vr.US, uint16(pb.BitsAllocated))
	ds.Set(tag.BitsStored, vr.US, uint16(pb.BitsStored))
	ds.Set(tag.HighBit, vr.US, uint16(pb.BitsStored-1))
	ds.Set(tag.PixelRepresentation, vr.US, rep)
	ds.Set(tag.PhotometricInterpretation, vr.CS, photometric)
	if pb.SamplesPerPixel > 1 {
		ds.Set(tag.PlanarConfiguration, vr.US, uint16(0))
	}
	return nil
}
