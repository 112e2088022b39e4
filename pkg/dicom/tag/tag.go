// Package tag defines the DICOM tags the pixel-data adapter touches.
package tag

import (
	"encoding/json"
	"fmt"
)

// Tag represents a DICOM tag with Group and Element
type Tag struct {
	Group   uint16
	Element uint16
}

// New creates a new Tag
func New(group, element uint16) Tag {
	return Tag{Group: group, Element: element}
}

// Less orders tags by group, then element, as they appear in a dataset.
func (t Tag) Less(other Tag) bool {
	if t.Group != other.Group {
		return t.Group < other.Group
	}
	return t.Element < other.Element
}

// IsFileMeta returns true if this tag is in the File Meta Information group
func (t Tag) IsFileMeta() bool {
	return t.Group == 0x0002
}

// String returns a string representation of the Tag (GGGG,EEEE)
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// MarshalJSON returns a JSON representation of the Tag
func (t Tag) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// File Meta Information (Group 0002)
var (
	FileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	FileMetaInformationVersion     = Tag{0x0002, 0x0001}
	MediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	MediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TransferSyntaxUID              = Tag{0x0002, 0x0010}
	ImplementationClassUID         = Tag{0x0002, 0x0012}
	ImplementationVersionName      = Tag{0x0002, 0x0013}
)

// SOP Common Module
var (
	SOPClassUID    = Tag{0x0008, 0x0016}
	SOPInstanceUID = Tag{0x0008, 0x0018}
)

// General Image Module, lossy compression attributes
var (
	LossyImageCompression       = Tag{0x0028, 0x2110}
	LossyImageCompressionRatio  = Tag{0x0028, 0x2112}
	LossyImageCompressionMethod = Tag{0x0028, 0x2114}
)

// Image Pixel Module (Group 0028)
var (
	SamplesPerPixel           = Tag{0x0028, 0x0002}
	PhotometricInterpretation = Tag{0x0028, 0x0004}
	PlanarConfiguration       = Tag{0x0028, 0x0006}
	NumberOfFrames            = Tag{0x0028, 0x0008}
	Rows                      = Tag{0x0028, 0x0010}
	Columns                   = Tag{0x0028, 0x0011}
	BitsAllocated             = Tag{0x0028, 0x0100}
	BitsStored                = Tag{0x0028, 0x0101}
	HighBit                   = Tag{0x0028, 0x0102}
	PixelRepresentation       = Tag{0x0028, 0x0103}
	PixelData                 = Tag{0x7FE0, 0x0010}
)

// Items and delimiters of encapsulated values and sequences
var (
	Item                 = Tag{0xFFFE, 0xE000}
	ItemDelimitation     = Tag{0xFFFE, 0xE00D}
	SequenceDelimitation = Tag{0xFFFE, 0xE0DD}
)
