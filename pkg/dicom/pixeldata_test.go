package dicom

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
	"github.com/jpfielding/htj2k.go/pkg/dicom/tag"
	"github.com/jpfielding/htj2k.go/pkg/dicom/transfer"
	"github.com/jpfielding/htj2k.go/pkg/dicom/vr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame_Lossless(t *testing.T) {
	tests := []struct {
		name string
		pb   PixelBuffer
		prog tier.Progression
		uid  transfer.Syntax
	}{
		{"mono8 RPCL", gradient(40, 30, 1, 8, false), tier.RPCL, transfer.HTJ2KLosslessRPCL},
		{"mono12 signed", gradient(33, 17, 1, 12, true), tier.RPCL, transfer.HTJ2KLosslessRPCL},
		{"mono16 LRCP", gradient(20, 20, 1, 16, false), tier.LRCP, transfer.HTJ2KLossless},
		{"mono16 signed", gradient(16, 24, 1, 16, true), tier.CPRL, transfer.HTJ2KLossless},
		{"rgb8", gradient(24, 24, 3, 8, false), tier.RPCL, transfer.HTJ2KLosslessRPCL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			in := DefaultIntent()
			in.Progression = tt.prog
			frame, err := EncodeFrame(ctx, tt.pb, in)
			require.NoError(t, err)
			assert.Equal(t, tt.uid, frame.TransferSyntax)
			assert.True(t, frame.Lossless)
			assert.Greater(t, frame.Ratio, 0.0)

			choice, err := ChoiceFor(frame.TransferSyntax)
			require.NoError(t, err)
			element, err := Wrap(frame, choice)
			require.NoError(t, err)

			out, err := DecodeFrame(ctx, element, frame.TransferSyntax)
			require.NoError(t, err)
			assert.Equal(t, tt.pb.Data, out.Data)
			assert.Equal(t, tt.pb.Rows, out.Rows)
			assert.Equal(t, tt.pb.Columns, out.Columns)
			assert.Equal(t, tt.pb.BitsAllocated, out.BitsAllocated)
			assert.Equal(t, tt.pb.BitsStored, out.BitsStored)
			assert.Equal(t, tt.pb.Signed, out.Signed)
			assert.Equal(t, tt.pb.Photometric, out.Photometric)
		})
	}
}

func TestEncodeDecodeFrame_Lossy(t *testing.T) {
	ctx := context.Background()
	pb := gradient(64, 64, 1, 8, false)
	in := DefaultIntent()
	in.Lossless = false
	in.Ratio = 4
	frame, err := EncodeFrame(ctx, pb, in)
	require.NoError(t, err)
	assert.Equal(t, transfer.HTJ2K, frame.TransferSyntax)
	assert.False(t, frame.Lossless)
	assert.GreaterOrEqual(t, frame.Ratio, 3.5)

	element, err := Wrap(frame, Lossy)
	require.NoError(t, err)
	_, err = DecodeFrame(ctx, element, transfer.HTJ2KLossless)
	require.ErrorIs(t, err, ErrTransferSyntaxMismatch)

	out, err := DecodeFrame(ctx, element, transfer.HTJ2K)
	require.NoError(t, err)
	require.Len(t, out.Data, len(pb.Data))

	_, err = DecodeFrame(ctx, element, transfer.JPEG2000)
	require.ErrorIs(t, err, ErrUnsupportedTransferSyntax)
}

func TestEncodeFrame_RangePolicy(t *testing.T) {
	pb := gradient(8, 8, 1, 10, false)
	// 0x0400 sets bit 10, outside 10 bits stored
	binary.LittleEndian.PutUint16(pb.Data[6:], 0x0400)

	in := DefaultIntent()
	_, err := EncodeFrame(context.Background(), pb, in)
	require.ErrorIs(t, err, ErrSampleRange)

	in.Strict = false
	frame, err := EncodeFrame(context.Background(), pb, in)
	require.NoError(t, err)
	element, err := Wrap(frame, LosslessRPCL)
	require.NoError(t, err)
	out, err := DecodeFrame(context.Background(), element, transfer.HTJ2KLosslessRPCL)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x03FF), binary.LittleEndian.Uint16(out.Data[6:]))
	assert.Equal(t, pb.Data[8:], out.Data[8:])
}

func TestEncodeFrame_BitDepth(t *testing.T) {
	pb := gradient(8, 8, 1, 8, false)
	pb.BitsAllocated, pb.BitsStored = 32, 32
	_, err := EncodeFrame(context.Background(), pb, DefaultIntent())
	require.ErrorIs(t, err, ErrUnsupportedBitDepth)
}

func newTestDataset(pb PixelBuffer) *Dataset {
	ds := NewDataset()
	ds.Set(tag.MediaStorageSOPClassUID, vr.UI, "1.2.840.10008.5.1.4.1.1.7")
	ds.Set(tag.MediaStorageSOPInstanceUID, vr.UI, "1.2.3.4")
	ds.Set(tag.ImplementationClassUID, vr.UI, "1.2.826.0.1.3680043.8.498.1")
	ds.Set(tag.SOPClassUID, vr.UI, "1.2.840.10008.5.1.4.1.1.7")
	ds.Set(tag.SOPInstanceUID, vr.UI, "1.2.3.4")
	if err := WriteNativePixelData(ds, pb); err != nil {
		panic(err)
	}
	return ds
}

func TestReadWritePixelData_File(t *testing.T) {
	ctx := context.Background()
	src := gradient(32, 16, 3, 8, false)
	ds := newTestDataset(src)

	path := filepath.Join(t.TempDir(), "native.dcm")
	_, err := WriteFile(path, ds)
	require.NoError(t, err)
	ds, err = ReadFile(path)
	require.NoError(t, err)

	pb, ts, err := ReadPixelData(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, transfer.ExplicitVRLittleEndian, ts)
	assert.Equal(t, src.Data, pb.Data)

	frame, err := EncodeFrame(ctx, pb, DefaultIntent())
	require.NoError(t, err)
	element, err := Wrap(frame, LosslessRPCL)
	require.NoError(t, err)
	require.NoError(t, WritePixelData(ds, element, frame.TransferSyntax))
	assert.Equal(t, YBRRCT, GetPhotometricInterpretation(ds))
	assert.Equal(t, "1.2.3.4", GetSOPInstanceUID(ds))

	var buf bytes.Buffer
	_, err = Write(&buf, ds)
	require.NoError(t, err)
	back, err := ReadBuffer(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, transfer.HTJ2KLosslessRPCL, GetTransferSyntax(back))

	pb, ts, err = ReadPixelData(ctx, back)
	require.NoError(t, err)
	assert.Equal(t, transfer.HTJ2KLosslessRPCL, ts)
	assert.Equal(t, src.Data, pb.Data)
	assert.Equal(t, RGB, pb.Photometric)

	// and back to native
	require.NoError(t, WriteNativePixelData(back, pb))
	assert.Equal(t, RGB, GetPhotometricInterpretation(back))
	assert.Equal(t, transfer.ExplicitVRLittleEndian, GetTransferSyntax(back))
}

func TestWritePixelData_Lossy(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(gradient(64, 64, 1, 8, false))
	pb, _, err := ReadPixelData(ctx, ds)
	require.NoError(t, err)

	in := DefaultIntent()
	in.Lossless = false
	in.Ratio = 5
	frame, err := EncodeFrame(ctx, pb, in)
	require.NoError(t, err)
	element, err := Wrap(frame, Lossy)
	require.NoError(t, err)

	require.ErrorIs(t, WritePixelData(ds, element, transfer.HTJ2KLossless), ErrTransferSyntaxMismatch)
	require.ErrorIs(t, WritePixelData(ds, element, transfer.JPEG2000), ErrUnsupportedTransferSyntax)

	require.NoError(t, WritePixelData(ds, element, transfer.HTJ2K))
	uid := GetSOPInstanceUID(ds)
	assert.NotEqual(t, "1.2.3.4", uid)
	assert.Regexp(t, `^2\.25\.\d+$`, uid)
	elem, ok := ds.Elements[tag.MediaStorageSOPInstanceUID]
	require.True(t, ok)
	assert.Equal(t, uid, elem.Value)
	lossy, ok := ds.Elements[tag.LossyImageCompression]
	require.True(t, ok)
	assert.Equal(t, "01", lossy.Value)
}

func TestReadPixelData_Unsupported(t *testing.T) {
	ds := newTestDataset(gradient(8, 8, 1, 8, false))
	ds.Set(tag.TransferSyntaxUID, vr.UI, string(transfer.JPEG2000Lossless))
	ds.Set(tag.PixelData, vr.OB, &PixelData{Encapsulated: true, Fragments: [][]byte{{0xFF, 0x4F}}})
	_, _, err := ReadPixelData(context.Background(), ds)
	require.ErrorIs(t, err, ErrUnsupportedTransferSyntax)

	ds.Delete(tag.PixelData)
	_, _, err = ReadPixelData(context.Background(), ds)
	require.ErrorIs(t, err, ErrMissingPixelData)
}

func TestReadPixelData_Planar(t *testing.T) {
	src := gradient(4, 2, 3, 8, false)
	planar := make([]byte, len(src.Data))
	for i := 0; i < 8; i++ {
		for s := 0; s < 3; s++ {
			planar[s*8+i] = src.Data[i*3+s]
		}
	}
	ds := newTestDataset(src)
	ds.Set(tag.PixelData, vr.OB, &PixelData{Native: planar})
	ds.Set(tag.PlanarConfiguration, vr.US, uint16(1))
	pb, _, err := ReadPixelData(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, src.Data, pb.Data)
}

func TestParse_ImplicitVR(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	// file meta, explicit VR
	ts := string(transfer.ImplicitVRLittleEndian) + "\x00"
	buf.Write([]byte{0x02, 0x00, 0x10, 0x00, 'U', 'I'})
	binary.Write(&buf, binary.LittleEndian, uint16(len(ts)))
	buf.WriteString(ts)
	implicit := func(group, element uint16, value []byte) {
		binary.Write(&buf, binary.LittleEndian, group)
		binary.Write(&buf, binary.LittleEndian, element)
		binary.Write(&buf, binary.LittleEndian, uint32(len(value)))
		buf.Write(value)
	}
	us := func(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }
	implicit(0x0028, 0x0002, us(1))
	implicit(0x0028, 0x0004, []byte("MONOCHROME2 "))
	implicit(0x0028, 0x0010, us(2))
	implicit(0x0028, 0x0011, us(2))
	implicit(0x0028, 0x0100, us(8))
	implicit(0x0028, 0x0101, us(8))
	implicit(0x0028, 0x0103, us(0))
	implicit(0x7FE0, 0x0010, []byte{1, 2, 3, 4})

	ds, err := ReadBuffer(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, transfer.ImplicitVRLittleEndian, GetTransferSyntax(ds))
	assert.Equal(t, 2, GetRows(ds))
	assert.Equal(t, Monochrome2, GetPhotometricInterpretation(ds))
	pb, _, err := ReadPixelData(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, pb.Data)
}

func TestParse_KeepsSequences(t *testing.T) {
	ds := newTestDataset(gradient(4, 4, 1, 8, false))
	// one empty item of undefined length, then the sequence delimiter
	raw := []byte{
		0xFE, 0xFF, 0x00, 0xE0, 0xFF, 0xFF, 0xFF, 0xFF,
		0x08, 0x00, 0x60, 0x00, 'C', 'S', 0x02, 0x00, 'O', 'T',
		0xFE, 0xFF, 0x0D, 0xE0, 0, 0, 0, 0,
		0xFE, 0xFF, 0xDD, 0xE0, 0, 0, 0, 0,
	}
	seqTag := tag.New(0x0008, 0x1115)
	ds.Set(seqTag, vr.SQ, &Sequence{Raw: raw})

	var buf bytes.Buffer
	_, err := Write(&buf, ds)
	require.NoError(t, err)
	back, err := ReadBuffer(buf.Bytes())
	require.NoError(t, err)
	elem, ok := back.Elements[seqTag]
	require.True(t, ok)
	seq, ok := elem.Value.(*Sequence)
	require.True(t, ok)
	assert.Equal(t, raw, seq.Raw)
	assert.False(t, seq.Implicit)
}
