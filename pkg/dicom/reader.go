package dicom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jpfielding/htj2k.go/pkg/dicom/tag"
	"github.com/jpfielding/htj2k.go/pkg/dicom/transfer"
	"github.com/jpfielding/htj2k.go/pkg/dicom/vr"
)

const undefinedLength = 0xFFFFFFFF

// Reader reads DICOM Part 10 files
type Reader struct {
	r              io.Reader
	transferSyntax transfer.Syntax
	explicitVR     bool
}

// NewReader creates a new DICOM reader
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, explicitVR: true}
}

// Parse reads a complete DICOM file
func Parse(r io.Reader) (*Dataset, error) {
	return NewReader(r).ReadDataset()
}

// ReadFile reads a DICOM file from disk
func ReadFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ReadBuffer(data)
}

// ReadBuffer reads a DICOM file from a byte slice
func ReadBuffer(data []byte) (*Dataset, error) {
	return Parse(bytes.NewReader(data))
}

// ReadDataset reads the complete dataset
func (r *Reader) ReadDataset() (*Dataset, error) {
	ds := NewDataset()

	preamble := make([]byte, 128)
	if _, err := io.ReadFull(r.r, preamble); err != nil {
		return nil, fmt.Errorf("failed to read preamble: %w", err)
	}
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r.r, magic); err != nil {
		return nil, fmt.Errorf("failed to read DICM magic: %w", err)
	}
	if string(magic) != "DICM" {
		return nil, errors.New("invalid DICOM file: missing DICM magic")
	}

	// group 0002 is always explicit VR little endian
	inMeta := true
	for {
		t, err := r.readTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tag: %w", err)
		}
		if inMeta && !t.IsFileMeta() {
			inMeta = false
			// without file meta the default syntax applies
			ts := transfer.ImplicitVRLittleEndian
			if _, ok := ds.Elements[tag.TransferSyntaxUID]; ok {
				ts = GetTransferSyntax(ds)
			}
			if err := r.useTransferSyntax(ts); err != nil {
				return nil, err
			}
		}
		elem, err := r.readElementWithTag(t)
		if err != nil {
			return nil, fmt.Errorf("failed to read element %v: %w", t, err)
		}
		ds.Elements[elem.Tag] = elem
	}
	return ds, nil
}

func (r *Reader) useTransferSyntax(ts transfer.Syntax) error {
	if !ts.IsLittleEndian() || ts == transfer.DeflatedExplicitVR {
		return fmt.Errorf("%w: %s", ErrUnsupportedTransferSyntax, ts.Name())
	}
	r.transferSyntax = ts
	r.explicitVR = ts.IsExplicitVR()
	return nil
}

// readElementWithTag reads a DICOM element after the tag has been read
func (r *Reader) readElementWithTag(t Tag) (*Element, error) {
	v, vl, err := r.readHeader(t)
	if err != nil {
		return nil, err
	}
	value, err := r.readValue(t, v, vl)
	if err != nil {
		return nil, err
	}
	return &Element{Tag: t, VR: v, Value: value}, nil
}

// readHeader reads the VR (explicit only) and value length.
func (r *Reader) readHeader(t Tag) (vr.VR, uint32, error) {
	if !r.explicitVR {
		var vl uint32
		if err := binary.Read(r.r, binary.LittleEndian, &vl); err != nil {
			return "", 0, err
		}
		return vr.ForTag(t.Group, t.Element), vl, nil
	}
	var vrBytes [2]byte
	if _, err := io.ReadFull(r.r, vrBytes[:]); err != nil {
		return "", 0, err
	}
	v := vr.VR(vrBytes[:])
	if v.IsLongLength() {
		var hdr [6]byte
		if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
			return "", 0, err
		}
		return v, binary.LittleEndian.Uint32(hdr[2:]), nil
	}
	var vl16 uint16
	if err := binary.Read(r.r, binary.LittleEndian, &vl16); err != nil {
		return "", 0, err
	}
	return v, uint32(vl16), nil
}

// readTag reads a DICOM tag
func (r *Reader) readTag() (Tag, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Tag{}, fmt.Errorf("truncated tag: %w", err)
		}
		return Tag{}, err
	}
	return tag.New(binary.LittleEndian.Uint16(b[:]), binary.LittleEndian.Uint16(b[2:])), nil
}

// readValue reads the value based on VR and VL
func (r *Reader) readValue(t Tag, v vr.VR, vl uint32) (any, error) {
	if vl == undefinedLength {
		if t == tag.PixelData {
			return r.readEncapsulatedPixelData()
		}
		return r.readUndefinedLengthSequence()
	}
	data := make([]byte, vl)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, err
	}
	if t == tag.PixelData {
		return &PixelData{Native: data}, nil
	}
	return parseValue(v, data), nil
}

// readUndefinedLengthSequence keeps the raw bytes of a sequence up to and
// including its Sequence Delimitation Item (FFFE,E0DD).
func (r *Reader) readUndefinedLengthSequence() (*Sequence, error) {
	var raw bytes.Buffer
	src := r.r
	r.r = io.TeeReader(src, &raw)
	defer func() { r.r = src }()
	if err := r.skipUndefinedLength(); err != nil {
		return nil, err
	}
	return &Sequence{Raw: raw.Bytes(), Implicit: !r.explicitVR}, nil
}

func (r *Reader) skipUndefinedLength() error {
	for {
		itemTag, err := r.readTag()
		if err != nil {
			return fmt.Errorf("reading sequence item tag: %w", err)
		}
		if itemTag.Group == 0xFFFE {
			var length uint32
			if err := binary.Read(r.r, binary.LittleEndian, &length); err != nil {
				return fmt.Errorf("reading delimiter length: %w", err)
			}
			switch itemTag {
			case tag.SequenceDelimitation:
				return nil
			case tag.Item:
				if length != undefinedLength && length > 0 {
					if _, err := io.CopyN(io.Discard, r.r, int64(length)); err != nil {
						return fmt.Errorf("skipping item data: %w", err)
					}
				}
			}
			continue
		}
		_, vl, err := r.readHeader(itemTag)
		if err != nil {
			return fmt.Errorf("reading nested element %v: %w", itemTag, err)
		}
		if vl == undefinedLength {
			if err := r.skipUndefinedLength(); err != nil {
				return err
			}
			continue
		}
		if _, err := io.CopyN(io.Discard, r.r, int64(vl)); err != nil {
			return fmt.Errorf("skipping element value: %w", err)
		}
	}
}

// readEncapsulatedPixelData reads the offset table and fragments of
// encapsulated pixel data.
func (r *Reader) readEncapsulatedPixelData() (*PixelData, error) {
	pd := &PixelData{Encapsulated: true}
	first := true
	for {
		itemTag, err := r.readTag()
		if err != nil {
			return nil, err
		}
		var length uint32
		if err := binary.Read(r.r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		if itemTag == tag.SequenceDelimitation {
			break
		}
		if itemTag != tag.Item {
			return nil, fmt.Errorf("%w: expected item tag, got %v", ErrInvalidPixelData, itemTag)
		}
		if length == undefinedLength {
			return nil, fmt.Errorf("%w: undefined length fragment", ErrInvalidPixelData)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r.r, data); err != nil {
			return nil, err
		}
		if first {
			first = false
			if length%4 != 0 {
				return nil, fmt.Errorf("%w: offset table of %d bytes", ErrInvalidPixelData, length)
			}
			for i := 0; i < len(data); i += 4 {
				pd.Offsets = append(pd.Offsets, binary.LittleEndian.Uint32(data[i:]))
			}
			continue
		}
		pd.Fragments = append(pd.Fragments, data)
	}
	if first {
		return nil, fmt.Errorf("%w: missing offset table item", ErrInvalidPixelData)
	}
	return pd, nil
}

// parseValue converts raw bytes to typed value based on VR
func parseValue(v vr.VR, data []byte) any {
	switch {
	case v.IsString() && v != vr.UT && v != vr.UR && v != vr.UC:
		s := string(data)
		for len(s) > 0 && (s[len(s)-1] == 0 || s[len(s)-1] == ' ') {
			s = s[:len(s)-1]
		}
		return s
	case v == vr.US:
		if len(data) == 2 {
			return binary.LittleEndian.Uint16(data)
		}
		values := make([]uint16, len(data)/2)
		for i := range values {
			values[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
		return values
	case v == vr.UL:
		if len(data) == 4 {
			return binary.LittleEndian.Uint32(data)
		}
	}
	return data
}
