package varint

import (
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, -64, 64, 300, -300, 1 << 31, -(1 << 31), 1<<62 - 1}

	var buf []byte
	for _, v := range values {
		buf = AppendInt(buf, v)
	}
	buf = AppendUint(buf, 1<<40)

	d := NewDecoder(buf, 0)
	for _, want := range values {
		got, err := d.Int()
		if err != nil {
			t.Fatalf("Int: %v", err)
		}
		if got != want {
			t.Errorf("Int = %d, want %d", got, want)
		}
	}
	u, err := d.Uint()
	if err != nil || u != 1<<40 {
		t.Errorf("Uint = %d, %v; want %d", u, err, uint64(1<<40))
	}
	if d.Pos() != len(buf) {
		t.Errorf("Pos = %d, want %d", d.Pos(), len(buf))
	}
}

func TestTruncated(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		pos  int
	}{
		{"continuation past end", []byte{0x80, 0x80}, 0},
		{"empty", nil, 0},
		{"position past end", []byte{0x01}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(tt.buf, tt.pos).Uint()
			if !errors.Is(err, ErrTruncated) {
				t.Errorf("expected ErrTruncated, got %v", err)
			}
		})
	}
}

func TestBytesTruncated(t *testing.T) {
	d := NewDecoder([]byte{1, 2, 3}, 1)
	if _, err := d.Bytes(3); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
	b, err := d.Bytes(2)
	if err != nil || len(b) != 2 || b[0] != 2 {
		t.Errorf("Bytes(2) = %v, %v", b, err)
	}
}
