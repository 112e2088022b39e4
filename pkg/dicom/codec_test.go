package dicom

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/jpfielding/htj2k.go/pkg/dicom/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRegistry(t *testing.T) {
	tests := []struct {
		name string
		ts   transfer.Syntax
	}{
		{"htj2k-lossless", transfer.HTJ2KLossless},
		{"htj2k-rpcl", transfer.HTJ2KLosslessRPCL},
		{"htj2k", transfer.HTJ2K},
		{"htj2k-lossy", transfer.HTJ2K},
	}
	for _, tt := range tests {
		c := CodecByName(tt.name)
		require.NotNil(t, c, tt.name)
		assert.Equal(t, string(tt.ts), c.TransferSyntaxUID())
		assert.Same(t, c, CodecByTransferSyntax(string(tt.ts)))
	}
	assert.Nil(t, CodecByName("jpeg-ls"))
	assert.Nil(t, CodecByTransferSyntax(string(transfer.JPEG2000)))
}

func TestCodec_RoundTrip(t *testing.T) {
	const w, h = 96, 80
	src := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src.SetGray16(x, y, color.Gray16{Y: uint16((x*600 + y*300) % 65536)})
		}
	}
	for _, c := range []Codec{CodecHTJ2KLossless, CodecHTJ2KLosslessRPCL} {
		t.Run(c.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, c.Encode(&buf, src))
			m, err := c.Decode(buf.Bytes(), w, h)
			require.NoError(t, err)
			got, ok := m.(*image.Gray16)
			require.True(t, ok, "%T", m)
			assert.Equal(t, src.Pix, got.Pix)

			_, err = c.Decode(buf.Bytes(), w+1, h)
			require.ErrorIs(t, err, ErrInvalidPixelData)
		})
	}

	var buf bytes.Buffer
	require.NoError(t, CodecHTJ2K.Encode(&buf, src))
	_, err := CodecHTJ2KLossless.Decode(buf.Bytes(), 0, 0)
	require.ErrorIs(t, err, ErrTransferSyntaxMismatch)
	m, err := CodecHTJ2K.Decode(buf.Bytes(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), m.Bounds())
}
