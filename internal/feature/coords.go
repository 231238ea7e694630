package feature

import "github.com/wegman-software/golt/internal/varint"

// EncodeCoords writes a coordinate count followed by the first point as
// absolute values and every further point as a delta from its predecessor.
func EncodeCoords(coords []Coord) []byte {
	buf := make([]byte, 0, 1+len(coords)*4)
	buf = varint.AppendUint(buf, uint64(len(coords)))
	var prevX, prevY int64
	for _, c := range coords {
		x, y := int64(c.X), int64(c.Y)
		buf = varint.AppendInt(buf, x-prevX)
		buf = varint.AppendInt(buf, y-prevY)
		prevX, prevY = x, y
	}
	return buf
}

// MeasureCoords returns the byte length of the coordinate block starting
// at pos without expanding it.
func MeasureCoords(buf []byte, pos int) (int, error) {
	d := varint.NewDecoder(buf, pos)
	count, err := d.Uint()
	if err != nil {
		return 0, err
	}
	for ; count > 0; count-- {
		if _, err := d.Uint(); err != nil {
			return 0, err
		}
		if _, err := d.Uint(); err != nil {
			return 0, err
		}
	}
	return d.Pos() - pos, nil
}

// DecodeCoords expands a block written by EncodeCoords.
func DecodeCoords(encoded []byte) ([]Coord, error) {
	d := varint.NewDecoder(encoded, 0)
	count, err := d.Uint()
	if err != nil {
		return nil, err
	}
	coords := make([]Coord, 0, count)
	var x, y int64
	for i := uint64(0); i < count; i++ {
		dx, err := d.Int()
		if err != nil {
			return nil, err
		}
		dy, err := d.Int()
		if err != nil {
			return nil, err
		}
		x += dx
		y += dy
		coords = append(coords, Coord{X: int32(x), Y: int32(y)})
	}
	return coords, nil
}
