package tier

import (
	"errors"
	"fmt"
)

// ErrHeaderOverrun signals a packet header that extends past its data.
var ErrHeaderOverrun = errors.New("packet header overruns data")

// BitWriter writes packet header bits MSB first. After a 0xFF byte the next
// byte carries only 7 bits so that no marker code can appear.
type BitWriter struct {
	buf  []byte
	cur  byte
	left int
}

// NewBitWriter creates an empty header writer.
func NewBitWriter() *BitWriter {
	return &BitWriter{left: 8}
}

// WriteBit writes a single bit
func (b *BitWriter) WriteBit(bit int) {
	b.left--
	b.cur |= byte(bit&1) << b.left
	if b.left == 0 {
		b.buf = append(b.buf, b.cur)
		b.left = 8
		if b.cur == 0xFF {
			b.left = 7
		}
		b.cur = 0
	}
}

// WriteBits writes the low n bits of val, MSB first
func (b *BitWriter) WriteBits(val uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		b.WriteBit(int(val>>i) & 1)
	}
}

// Bytes pads the final byte with zeros and returns the header. A header
// ending in 0xFF is followed by a zero byte.
func (b *BitWriter) Bytes() []byte {
	full := 8
	if n := len(b.buf); n > 0 && b.buf[n-1] == 0xFF {
		full = 7
	}
	if b.left < full {
		b.buf = append(b.buf, b.cur)
		b.left = full
		b.cur = 0
	}
	if n := len(b.buf); n > 0 && b.buf[n-1] == 0xFF {
		b.buf = append(b.buf, 0)
	}
	return b.buf
}

// BitReader mirrors BitWriter over an in-memory packet stream.
type BitReader struct {
	data   []byte
	pos    int
	cur    byte
	left   int
	lastFF bool
}

// NewBitReader reads header bits from data starting at offset pos.
func NewBitReader(data []byte, pos int) *BitReader {
	return &BitReader{data: data, pos: pos}
}

// ReadBit reads a single bit
func (b *BitReader) ReadBit() (int, error) {
	if b.left == 0 {
		if b.pos >= len(b.data) {
			return 0, fmt.Errorf("%w at byte %d", ErrHeaderOverrun, b.pos)
		}
		b.cur = b.data[b.pos]
		b.pos++
		b.left = 8
		if b.lastFF {
			b.left = 7
		}
		b.lastFF = b.cur == 0xFF
	}
	b.left--
	return int(b.cur>>b.left) & 1, nil
}

// ReadBits reads n bits MSB first
func (b *BitReader) ReadBits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		bit, err := b.ReadBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | uint32(bit)
	}
	return v, nil
}

// Align discards the rest of the current byte, plus the zero byte that
// follows a trailing 0xFF, and returns the offset of the packet body.
func (b *BitReader) Align() (int, error) {
	b.left = 0
	if b.lastFF {
		if b.pos >= len(b.data) {
			return 0, fmt.Errorf("%w at byte %d", ErrHeaderOverrun, b.pos)
		}
		b.pos++
		b.lastFF = false
	}
	return b.pos, nil
}

// Pos is the offset of the next unread byte.
func (b *BitReader) Pos() int {
	return b.pos
}
