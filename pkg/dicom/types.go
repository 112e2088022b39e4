// Package dicom frames HTJ2K codestreams as DICOM pixel data.
//
// It carries a minimal Part 10 reader and writer, enough to move pixel
// data between native and encapsulated form under the three HTJ2K transfer
// syntaxes:
//   - 1.2.840.10008.1.2.4.201 lossless only
//   - 1.2.840.10008.1.2.4.202 lossless with RPCL progression
//   - 1.2.840.10008.1.2.4.203 lossy capable
//
// Basic usage:
//
//	ds, err := dicom.ReadFile("/path/to/image.dcm")
//	if err != nil {
//		log.Fatal(err)
//	}
//	pb, _, err := dicom.ReadPixelData(ctx, ds)
//	frame, err := dicom.EncodeFrame(ctx, pb, dicom.DefaultIntent())
//	element, err := dicom.Wrap(frame, dicom.LosslessRPCL)
//	err = dicom.WritePixelData(ds, element, frame.TransferSyntax)
package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/jpfielding/htj2k.go/pkg/dicom/tag"
	"github.com/jpfielding/htj2k.go/pkg/dicom/transfer"
	"github.com/jpfielding/htj2k.go/pkg/dicom/vr"
)

// Dataset represents a complete DICOM dataset
type Dataset struct {
	Elements map[Tag]*Element
}

// Element represents a single DICOM element
type Element struct {
	Tag   Tag
	VR    vr.VR
	Value any // string, uint16, []uint16, uint32, []byte, *PixelData or *Sequence
}

// Tag alias to avoid duplication
type Tag = tag.Tag

// PixelData is the value of (7FE0,0010), native or encapsulated.
type PixelData struct {
	Encapsulated bool
	Offsets      []uint32 // Basic Offset Table
	Fragments    [][]byte // encapsulated items after the offset table
	Native       []byte   // little-endian samples of every frame
}

// Sequence holds an undefined-length sequence verbatim, closing delimiter
// included. Implicit is set when the items were read from an implicit VR
// dataset.
type Sequence struct {
	Raw      []byte
	Implicit bool
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{Elements: make(map[Tag]*Element)}
}

// Set stores value under t with the given VR, replacing any element there.
func (ds *Dataset) Set(t Tag, v vr.VR, value any) {
	ds.Elements[t] = &Element{Tag: t, VR: v, Value: value}
}

// Delete removes t if present.
func (ds *Dataset) Delete(t Tag) {
	delete(ds.Elements, t)
}

// FindElement returns an element by tag
func (ds *Dataset) FindElement(group, element uint16) (*Element, bool) {
	elem, ok := ds.Elements[Tag{Group: group, Element: element}]
	return elem, ok
}

// GetString returns a string value from an element
func (elem *Element) GetString() (string, bool) {
	if s, ok := elem.Value.(string); ok {
		return s, true
	}
	return "", false
}

// GetInt returns an int value from an element
func (elem *Element) GetInt() (int, bool) {
	switch v := elem.Value.(type) {
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case int:
		return v, true
	case []uint16:
		if len(v) > 0 {
			return int(v[0]), true
		}
	case string:
		var i int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &i); err == nil {
			return i, true
		}
	case []byte:
		if len(v) == 2 {
			return int(binary.LittleEndian.Uint16(v)), true
		}
		if len(v) == 4 {
			return int(binary.LittleEndian.Uint32(v)), true
		}
	}
	return 0, false
}

// GetPixelData returns pixel data from an element
func (elem *Element) GetPixelData() (*PixelData, bool) {
	if pd, ok := elem.Value.(*PixelData); ok {
		return pd, true
	}
	return nil, false
}

func getInt(ds *Dataset, t Tag, def int) int {
	if elem, ok := ds.Elements[t]; ok {
		if v, ok := elem.GetInt(); ok {
			return v
		}
	}
	return def
}

func getString(ds *Dataset, t Tag) string {
	if elem, ok := ds.Elements[t]; ok {
		if s, ok := elem.GetString(); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// GetTransferSyntax returns the transfer syntax from the dataset
func GetTransferSyntax(ds *Dataset) transfer.Syntax {
	if s := getString(ds, tag.TransferSyntaxUID); s != "" {
		return transfer.FromUID(s)
	}
	return transfer.ExplicitVRLittleEndian
}

// GetRows returns the number of rows in the image
func GetRows(ds *Dataset) int {
	return getInt(ds, tag.Rows, 0)
}

// GetColumns returns the number of columns in the image
func GetColumns(ds *Dataset) int {
	return getInt(ds, tag.Columns, 0)
}

// GetNumberOfFrames returns the number of frames, 1 when absent
func GetNumberOfFrames(ds *Dataset) int {
	return getInt(ds, tag.NumberOfFrames, 1)
}

// GetSamplesPerPixel returns the samples per pixel, 1 when absent
func GetSamplesPerPixel(ds *Dataset) int {
	return getInt(ds, tag.SamplesPerPixel, 1)
}

// GetBitsAllocated returns the bits allocated per sample
func GetBitsAllocated(ds *Dataset) int {
	return getInt(ds, tag.BitsAllocated, 16)
}

// GetBitsStored returns the bits stored per sample, defaulting to bits
// allocated
func GetBitsStored(ds *Dataset) int {
	return getInt(ds, tag.BitsStored, GetBitsAllocated(ds))
}

// GetPixelRepresentation returns 0 for unsigned, 1 for signed
func GetPixelRepresentation(ds *Dataset) int {
	return getInt(ds, tag.PixelRepresentation, 0)
}

// GetPlanarConfiguration returns 0 for interleaved samples, 1 for planes
func GetPlanarConfiguration(ds *Dataset) int {
	return getInt(ds, tag.PlanarConfiguration, 0)
}

// GetPhotometricInterpretation returns the photometric interpretation
func GetPhotometricInterpretation(ds *Dataset) string {
	return getString(ds, tag.PhotometricInterpretation)
}

// GetSOPInstanceUID returns the SOP Instance UID
func GetSOPInstanceUID(ds *Dataset) string {
	return getString(ds, tag.SOPInstanceUID)
}

// GetPixelData returns the pixel data value of the dataset.
func (ds *Dataset) GetPixelData() (*PixelData, error) {
	elem, ok := ds.Elements[tag.PixelData]
	if !ok {
		return nil, ErrMissingPixelData
	}
	if pd, ok := elem.GetPixelData(); ok {
		return pd, nil
	}
	if b, ok := elem.Value.([]byte); ok {
		return &PixelData{Native: b}, nil
	}
	return nil, fmt.Errorf("%w: pixel data holds %T", ErrInvalidPixelData, elem.Value)
}
