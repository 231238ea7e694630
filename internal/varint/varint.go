// Package varint reads and writes the 7-bit continuation varints used in
// tile bodies. Signed values use zigzag encoding.
package varint

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a varint's continuation bit runs past the
// end of the buffer.
var ErrTruncated = errors.New("truncated varint")

// ErrOverflow is returned for varints longer than 64 bits.
var ErrOverflow = errors.New("varint overflows 64 bits")

// Decoder reads consecutive varints from buf starting at a position.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a decoder positioned at pos.
func NewDecoder(buf []byte, pos int) *Decoder {
	return &Decoder{buf: buf, pos: pos}
}

// Pos returns the current read position.
func (d *Decoder) Pos() int {
	return d.pos
}

// Uint reads an unsigned varint.
func (d *Decoder) Uint() (uint64, error) {
	if d.pos < 0 || d.pos >= len(d.buf) {
		return 0, fmt.Errorf("%w at %d", ErrTruncated, d.pos)
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, fmt.Errorf("%w at %d", ErrTruncated, d.pos)
	case n < 0:
		return 0, fmt.Errorf("%w at %d", ErrOverflow, d.pos)
	}
	d.pos += n
	return v, nil
}

// Int reads a zigzag-encoded signed varint.
func (d *Decoder) Int() (int64, error) {
	u, err := d.Uint()
	if err != nil {
		return 0, err
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

// Bytes reads n raw bytes.
func (d *Decoder) Bytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("%w: %d bytes at %d", ErrTruncated, n, d.pos)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// AppendUint appends an unsigned varint.
func AppendUint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// AppendInt appends a zigzag-encoded signed varint.
func AppendInt(buf []byte, v int64) []byte {
	return binary.AppendVarint(buf, v)
}
