package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/jpfielding/htj2k.go/pkg/dicom/tag"
	"github.com/jpfielding/htj2k.go/pkg/dicom/vr"
)

// WriteFile writes a dataset to a DICOM file
func WriteFile(path string, ds *Dataset) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Write(f, ds)
}

// Write writes a dataset as a Part 10 file using Explicit VR Little Endian
// for both the file meta group and the dataset. The meta group length is
// recomputed.
func Write(w io.Writer, ds *Dataset) (int64, error) {
	cw := &CountingWriter{Writer: w}
	if _, err := cw.Write(make([]byte, 128)); err != nil {
		return cw.Count.Load(), err
	}
	if _, err := cw.Write([]byte("DICM")); err != nil {
		return cw.Count.Load(), err
	}

	var meta, body []*Element
	for _, elem := range ds.Elements {
		switch {
		case elem.Tag == tag.FileMetaInformationGroupLength:
		case elem.Tag.IsFileMeta():
			meta = append(meta, elem)
		default:
			body = append(body, elem)
		}
	}
	var mb bytes.Buffer
	if err := writeElements(&mb, meta); err != nil {
		return cw.Count.Load(), err
	}
	if mb.Len() > 0 {
		groupLen := &Element{Tag: tag.FileMetaInformationGroupLength, VR: vr.UL, Value: uint32(mb.Len())}
		if err := writeElements(cw, []*Element{groupLen}); err != nil {
			return cw.Count.Load(), err
		}
		if _, err := cw.Write(mb.Bytes()); err != nil {
			return cw.Count.Load(), err
		}
	}
	err := writeElements(cw, body)
	return cw.Count.Load(), err
}

func writeElements(w io.Writer, elements []*Element) error {
	slices.SortFunc(elements, func(a, b *Element) int {
		switch {
		case a.Tag.Less(b.Tag):
			return -1
		case b.Tag.Less(a.Tag):
			return 1
		}
		return 0
	})
	for _, elem := range elements {
		if err := writeElement(w, elem); err != nil {
			return fmt.Errorf("failed to write element %v: %w", elem.Tag, err)
		}
	}
	return nil
}

func writeElement(w io.Writer, elem *Element) error {
	v := elem.VR
	if len(v) != 2 {
		slog.Warn("Invalid VR length, defaulting to UN", "vr", v, "tag", elem.Tag)
		v = vr.UN
	}
	if seq, ok := elem.Value.(*Sequence); ok && seq.Implicit {
		slog.Warn("dropping implicit VR sequence", "tag", elem.Tag)
		return nil
	}
	val, undefined, err := encodeValue(elem.Value, v)
	if err != nil {
		return err
	}
	hdr := make([]byte, 0, 12)
	hdr = binary.LittleEndian.AppendUint16(hdr, elem.Tag.Group)
	hdr = binary.LittleEndian.AppendUint16(hdr, elem.Tag.Element)
	hdr = append(hdr, string(v)...)
	switch {
	case v.IsLongLength():
		length := uint32(len(val))
		if undefined {
			length = undefinedLength
		}
		hdr = append(hdr, 0, 0)
		hdr = binary.LittleEndian.AppendUint32(hdr, length)
	case undefined:
		return fmt.Errorf("undefined length not supported for Short VR %s", v)
	case len(val) > 0xFFFF:
		return fmt.Errorf("%d byte value too long for VR %s", len(val), v)
	default:
		hdr = binary.LittleEndian.AppendUint16(hdr, uint16(len(val)))
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(val)
	return err
}

// encodeValue returns encoded bytes and whether the element uses
// undefined length.
func encodeValue(value any, v vr.VR) ([]byte, bool, error) {
	switch val := value.(type) {
	case nil:
		return nil, false, nil
	case *PixelData:
		if val.Encapsulated {
			return encodeEncapsulated(val), true, nil
		}
		return pad(val.Native, 0), false, nil
	case *Sequence:
		return val.Raw, true, nil
	case string:
		return pad([]byte(val), v.Padding()), false, nil
	case []string:
		return pad([]byte(strings.Join(val, `\`)), v.Padding()), false, nil
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, val), false, nil
	case []uint16:
		b := make([]byte, 0, 2*len(val))
		for _, u := range val {
			b = binary.LittleEndian.AppendUint16(b, u)
		}
		return b, false, nil
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, val), false, nil
	case int:
		switch v {
		case vr.UL, vr.SL:
			return binary.LittleEndian.AppendUint32(nil, uint32(val)), false, nil
		case vr.IS:
			return pad([]byte(fmt.Sprint(val)), ' '), false, nil
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(val)), false, nil
	case []byte:
		return pad(val, v.Padding()), false, nil
	}
	return nil, false, fmt.Errorf("unsupported value type %T for VR %s", value, v)
}

// pad returns b extended to even length.
func pad(b []byte, with byte) []byte {
	if len(b)%2 == 0 {
		return b
	}
	return append(slices.Clip(b), with)
}

// encodeEncapsulated writes the offset table item, one item per fragment
// and the Sequence Delimitation Item.
func encodeEncapsulated(pd *PixelData) []byte {
	var buf bytes.Buffer
	item := func(data []byte) {
		buf.Write([]byte{0xFE, 0xFF, 0x00, 0xE0})
		binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
		buf.Write(data)
	}
	bot := make([]byte, 0, 4*len(pd.Offsets))
	for _, off := range pd.Offsets {
		bot = binary.LittleEndian.AppendUint32(bot, off)
	}
	item(bot)
	for _, f := range pd.Fragments {
		item(pad(f, 0))
	}
	buf.Write([]byte{0xFE, 0xFF, 0xDD, 0xE0, 0x00, 0x00, 0x00, 0x00})
	return buf.Bytes()
}

type CountingWriter struct {
	Count  atomic.Int64
	Writer io.Writer
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.Writer.Write(p)
	c.Count.Add(int64(n))
	return n, err
}
