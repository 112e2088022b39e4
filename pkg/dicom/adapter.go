package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
	"github.com/jpfielding/htj2k.go/pkg/dicom/tag"
	"github.com/jpfielding/htj2k.go/pkg/dicom/transfer"
	"github.com/jpfielding/htj2k.go/pkg/dicom/vr"
)

// TransferSyntaxChoice names one of the HTJ2K transfer syntaxes.
type TransferSyntaxChoice uint8

const (
	LosslessOnly TransferSyntaxChoice = iota // 1.2.840.10008.1.2.4.201
	LosslessRPCL                             // 1.2.840.10008.1.2.4.202
	Lossy                                    // 1.2.840.10008.1.2.4.203
)

// UID returns the transfer syntax UID of the choice.
func (c TransferSyntaxChoice) UID() transfer.Syntax {
	switch c {
	case LosslessOnly:
		return transfer.HTJ2KLossless
	case LosslessRPCL:
		return transfer.HTJ2KLosslessRPCL
	}
	return transfer.HTJ2K
}

func (c TransferSyntaxChoice) String() string {
	return c.UID().Name()
}

// ChoiceFor maps an HTJ2K transfer syntax UID back to its choice.
func ChoiceFor(uid transfer.Syntax) (TransferSyntaxChoice, error) {
	switch uid {
	case transfer.HTJ2KLossless:
		return LosslessOnly, nil
	case transfer.HTJ2KLosslessRPCL:
		return LosslessRPCL, nil
	case transfer.HTJ2K:
		return Lossy, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedTransferSyntax, uid.Name())
}

// SelectTransferSyntax picks the transfer syntax for a caller's intent.
func SelectTransferSyntax(lossless bool, progression tier.Progression) TransferSyntaxChoice {
	switch {
	case lossless && progression == tier.RPCL:
		return LosslessRPCL
	case lossless:
		return LosslessOnly
	}
	return Lossy
}

// ValidatePixelFormat accepts 8 or 16 bits allocated with 1..allocated bits
// stored.
func ValidatePixelFormat(bitsAllocated, bitsStored int, signed bool) error {
	if bitsAllocated != 8 && bitsAllocated != 16 {
		return fmt.Errorf("%w: %d bits allocated", ErrUnsupportedBitDepth, bitsAllocated)
	}
	if bitsStored < 1 || bitsStored > bitsAllocated {
		return fmt.Errorf("%w: %d bits stored in %d", ErrUnsupportedBitDepth, bitsStored, bitsAllocated)
	}
	if signed && bitsStored < 2 {
		return fmt.Errorf("%w: signed %d-bit samples", ErrUnsupportedBitDepth, bitsStored)
	}
	return nil
}

// CheckTransferSyntax accepts only the HTJ2K transfer syntaxes.
func CheckTransferSyntax(uid transfer.Syntax) error {
	if !uid.IsHTJ2K() {
		return fmt.Errorf("%w: %s", ErrUnsupportedTransferSyntax, uid.Name())
	}
	return nil
}

// CompressedFrame is one codestream together with what the container needs
// to know about it.
type CompressedFrame struct {
	Codestream     []byte
	Lossless       bool
	Progression    tier.Progression
	TransferSyntax transfer.Syntax
	BitsStored     int
	MCT            bool    // first three components carry a colour transform
	Ratio          float64 // raw over compressed size, zero when unknown
}

// Inspect reads the main header of a codestream and fills the frame
// fields that depend on it. Lossless means every component uses the
// reversible kernel.
func Inspect(data []byte) (CompressedFrame, error) {
	cs, err := codestream.Parse(data)
	if err != nil {
		return CompressedFrame{}, err
	}
	f := CompressedFrame{
		Codestream:  data,
		Lossless:    true,
		Progression: cs.COD.Progression,
		MCT:         cs.COD.MCT != 0,
	}
	for c, comp := range cs.SIZ.Components {
		f.Lossless = f.Lossless && cs.CodingFor(c).Reversible()
		f.BitsStored = max(f.BitsStored, comp.Precision)
	}
	f.TransferSyntax = SelectTransferSyntax(f.Lossless, f.Progression).UID()
	return f, nil
}

// admits reports why a frame cannot be carried under choice, or nil.
func admits(choice TransferSyntaxChoice, lossless bool, progression tier.Progression) error {
	if choice == Lossy {
		return nil
	}
	if !lossless {
		return fmt.Errorf("%w: lossy codestream under %s", ErrTransferSyntaxMismatch, choice.UID())
	}
	if choice == LosslessRPCL && progression != tier.RPCL {
		return fmt.Errorf("%w: %s progression under %s", ErrTransferSyntaxMismatch, progression, choice.UID())
	}
	return nil
}

// Wrap returns the complete Pixel Data element (7FE0,0010) carrying frame:
// OB with undefined length, an empty Basic Offset Table, one fragment padded
// to even length and the Sequence Delimitation Item.
func Wrap(frame CompressedFrame, choice TransferSyntaxChoice) ([]byte, error) {
	hdr, err := Inspect(frame.Codestream)
	if err != nil {
		return nil, err
	}
	if frame.Lossless && !hdr.Lossless {
		return nil, fmt.Errorf("%w: frame marked lossless uses the irreversible kernel", ErrTransferSyntaxMismatch)
	}
	if err := admits(choice, frame.Lossless, hdr.Progression); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(frame.Codestream) + 32)
	if err := writeElement(&buf, &Element{
		Tag:   tag.PixelData,
		VR:    vr.OB,
		Value: &PixelData{Encapsulated: true, Fragments: [][]byte{frame.Codestream}},
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parseElement reads an encapsulated Pixel Data element produced by Wrap or
// found in a file.
func parseElement(element []byte) (*PixelData, error) {
	if len(element) < 12 {
		return nil, fmt.Errorf("%w: %d byte element", ErrInvalidPixelData, len(element))
	}
	t := tag.New(binary.LittleEndian.Uint16(element), binary.LittleEndian.Uint16(element[2:]))
	if t != tag.PixelData {
		return nil, fmt.Errorf("%w: element %v", ErrInvalidPixelData, t)
	}
	if v := vr.VR(element[4:6]); v != vr.OB && v != vr.OW {
		return nil, fmt.Errorf("%w: VR %s", ErrInvalidPixelData, v)
	}
	if binary.LittleEndian.Uint32(element[8:]) != undefinedLength {
		return nil, fmt.Errorf("%w: pixel data is not encapsulated", ErrInvalidPixelData)
	}
	pd, err := NewReader(bytes.NewReader(element[12:])).readEncapsulatedPixelData()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPixelData, err)
	}
	return pd, nil
}

// joinFragments rejoins the fragments of a single-frame value and drops
// the pad byte that follows an EOC marker.
func joinFragments(pd *PixelData) ([]byte, error) {
	if len(pd.Fragments) == 0 {
		return nil, fmt.Errorf("%w: no fragments", ErrInvalidPixelData)
	}
	data := bytes.Join(pd.Fragments, nil)
	if n := len(data); n >= 3 && data[n-1] == 0 && data[n-3] == 0xFF && data[n-2] == 0xD9 {
		data = data[:n-1]
	}
	return data, nil
}

// Codestream returns the single codestream held by encapsulated pixel data.
func (pd *PixelData) Codestream() ([]byte, error) {
	if !pd.Encapsulated {
		return nil, fmt.Errorf("%w: pixel data is not encapsulated", ErrInvalidPixelData)
	}
	return joinFragments(pd)
}

// Unwrap parses a Pixel Data element, rejoins its fragments and reads the
// codestream header.
func Unwrap(element []byte) (CompressedFrame, error) {
	pd, err := parseElement(element)
	if err != nil {
		return CompressedFrame{}, err
	}
	data, err := joinFragments(pd)
	if err != nil {
		return CompressedFrame{}, err
	}
	return Inspect(data)
}
