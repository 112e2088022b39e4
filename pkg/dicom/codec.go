package dicom

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
	"github.com/jpfielding/htj2k.go/pkg/dicom/transfer"
)

// Codec defines the interface for DICOM pixel data compression
type Codec interface {
	// Encode compresses an image to the writer
	Encode(w io.Writer, img image.Image) error
	// Decode decompresses data to an image; width and height are checked
	// against the codestream
	Decode(data []byte, width, height int) (image.Image, error)
	// Name returns the codec identifier (e.g., "htj2k-lossless")
	Name() string
	// TransferSyntaxUID returns the DICOM transfer syntax for this codec
	TransferSyntaxUID() string
}

// htj2kCodec encodes with a fixed intent under one transfer syntax.
type htj2kCodec struct {
	name   string
	choice TransferSyntaxChoice
	intent Intent
}

func (c *htj2kCodec) Encode(w io.Writer, img image.Image) error {
	src, err := htj2k.FromImage(img)
	if err != nil {
		return err
	}
	data, err := htj2k.Encode(context.Background(), src, c.intent.Config(src.Width, src.Height, src.Components))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (c *htj2kCodec) Decode(data []byte, width, height int) (image.Image, error) {
	frame, err := Inspect(data)
	if err != nil {
		return nil, err
	}
	if err := admits(c.choice, frame.Lossless, frame.Progression); err != nil {
		return nil, err
	}
	m, err := htj2k.DecodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if b := m.Bounds(); (width > 0 && b.Dx() != width) || (height > 0 && b.Dy() != height) {
		return nil, fmt.Errorf("%w: decoded %dx%d, expected %dx%d", ErrInvalidPixelData, b.Dx(), b.Dy(), width, height)
	}
	return m, nil
}

func (c *htj2kCodec) Name() string {
	return c.name
}

func (c *htj2kCodec) TransferSyntaxUID() string {
	return string(c.choice.UID())
}

func newCodec(name string, choice TransferSyntaxChoice) *htj2kCodec {
	in := DefaultIntent()
	switch choice {
	case LosslessOnly:
		in.Progression = tier.LRCP
	case Lossy:
		in.Lossless = false
		in.Ratio = 10
	}
	return &htj2kCodec{name: name, choice: choice, intent: in}
}

// Predefined codec instances for convenience
var (
	CodecHTJ2KLossless     Codec = newCodec("htj2k-lossless", LosslessOnly)
	CodecHTJ2KLosslessRPCL Codec = newCodec("htj2k-rpcl", LosslessRPCL)
	CodecHTJ2K             Codec = newCodec("htj2k", Lossy)
)

// codecsByName maps codec names to implementations
var codecsByName = map[string]Codec{
	"htj2k-lossless": CodecHTJ2KLossless,
	"htj2k-rpcl":     CodecHTJ2KLosslessRPCL,
	"htj2k":          CodecHTJ2K,
	"htj2k-lossy":    CodecHTJ2K, // alias
}

// codecsByTS maps transfer syntax UIDs to implementations
var codecsByTS = map[string]Codec{
	string(transfer.HTJ2KLossless):     CodecHTJ2KLossless,
	string(transfer.HTJ2KLosslessRPCL): CodecHTJ2KLosslessRPCL,
	string(transfer.HTJ2K):             CodecHTJ2K,
}

// CodecByName returns a codec by name, or nil if not found
func CodecByName(name string) Codec {
	return codecsByName[name]
}

// CodecByTransferSyntax returns a codec for a transfer syntax, or nil if not found
func CodecByTransferSyntax(ts string) Codec {
	return codecsByTS[ts]
}
