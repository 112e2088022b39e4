package codestream

import (
	"bufio"
	"io"
)

// ByteWriter writes big-endian fields through a buffer and keeps the first
// error, so marker segments can be written without checking every field.
type ByteWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

// NewByteWriter creates a new byte writer
func NewByteWriter(w io.Writer) *ByteWriter {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	return &ByteWriter{w: bw}
}

// WriteByte writes a single byte
func (b *ByteWriter) WriteByte(c byte) error {
	if b.err == nil {
		b.err = b.w.WriteByte(c)
		b.n++
	}
	return b.err
}

// WriteUint16 writes a big-endian uint16
func (b *ByteWriter) WriteUint16(v uint16) error {
	b.WriteByte(byte(v >> 8))
	return b.WriteByte(byte(v))
}

// WriteUint32 writes a big-endian uint32
func (b *ByteWriter) WriteUint32(v uint32) error {
	for i := 24; i >= 0; i -= 8 {
		b.WriteByte(byte(v >> i))
	}
	return b.err
}

// WriteBytes writes multiple bytes
func (b *ByteWriter) WriteBytes(data []byte) error {
	if b.err == nil {
		var n int
		n, b.err = b.w.Write(data)
		b.n += int64(n)
	}
	return b.err
}

// Count returns the number of bytes written so far.
func (b *ByteWriter) Count() int64 {
	return b.n
}

// Err returns the first write error.
func (b *ByteWriter) Err() error {
	return b.err
}

// Flush flushes the buffer
func (b *ByteWriter) Flush() error {
	if b.err != nil {
		return b.err
	}
	return b.w.Flush()
}
