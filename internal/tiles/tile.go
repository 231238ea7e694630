package tiles

import (
	"fmt"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/mercator"
)

const (
	// Zoom is the level of the tile partition.
	Zoom = 12
	// GridWidth is the number of columns (and rows) at Zoom.
	GridWidth = 1 << Zoom
)

// ID is a flattened tile coordinate: row*GridWidth + column.
type ID int32

// PurgatoryTile is the pseudo-tile holding features without placement.
// Its TIP is Purgatory.
const PurgatoryTile ID = -1

// Tile is a grid cell at Zoom.
type Tile struct {
	Row    int
	Column int
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", Zoom, t.Column, t.Row)
}

// ID flattens the tile coordinate.
func (t Tile) ID() ID {
	return ID(t.Row*GridWidth + t.Column)
}

// Tile expands a tile id into its row and column.
func (id ID) Tile() Tile {
	return Tile{Row: int(id) / GridWidth, Column: int(id) % GridWidth}
}

func (id ID) Valid() bool {
	return id >= 0 && id < GridWidth*GridWidth
}

// TIP returns the tile index pointer of the tile.
func (id ID) TIP() TIP {
	return TIP(id) + 1
}

func (id ID) String() string {
	if id == PurgatoryTile {
		return "purgatory"
	}
	return id.Tile().String()
}

// TIP is a tile index pointer. Real tiles have TIP = id+1; TIP 0 is the
// purgatory that holds features without tile placement.
type TIP int32

const (
	// NoTIP marks a feature that does not exist.
	NoTIP TIP = -1
	// Purgatory holds features that exist without a tile.
	Purgatory TIP = 0
)

// Tile returns the tile a TIP refers to.
func (t TIP) Tile() (ID, bool) {
	if t <= Purgatory {
		return 0, false
	}
	return ID(t - 1), true
}

// Delta returns the offset from t to other.
func (t TIP) Delta(other TIP) int32 {
	return int32(other - t)
}

// Apply resolves a delta relative to t.
func (t TIP) Apply(delta int32) TIP {
	return t + TIP(delta)
}

// ForCoord returns the tile containing a Mercator point.
func ForCoord(c feature.Coord) ID {
	return Tile{
		Row:    mercator.RowFromY(c.Y, Zoom),
		Column: mercator.ColumnFromX(c.X, Zoom),
	}.ID()
}

// Range is a rectangular block of tiles.
type Range struct {
	MinRow, MaxRow       int
	MinColumn, MaxColumn int
}

// RangeOf returns the tiles covered by a bounding box.
// Note: rows increase southward, so the northern edge gives MinRow.
func RangeOf(b feature.Bounds) Range {
	return Range{
		MinRow:    mercator.RowFromY(b.MaxY, Zoom),
		MaxRow:    mercator.RowFromY(b.MinY, Zoom),
		MinColumn: mercator.ColumnFromX(b.MinX, Zoom),
		MaxColumn: mercator.ColumnFromX(b.MaxX, Zoom),
	}
}

// Count returns the number of tiles in the range.
func (r Range) Count() int {
	return (r.MaxRow - r.MinRow + 1) * (r.MaxColumn - r.MinColumn + 1)
}

// IDs returns all tile ids in the range in ascending order.
func (r Range) IDs() []ID {
	ids := make([]ID, 0, r.Count())
	for row := r.MinRow; row <= r.MaxRow; row++ {
		for col := r.MinColumn; col <= r.MaxColumn; col++ {
			ids = append(ids, Tile{Row: row, Column: col}.ID())
		}
	}
	return ids
}

// Contains reports whether the range includes tile.
func (r Range) Contains(id ID) bool {
	t := id.Tile()
	return t.Row >= r.MinRow && t.Row <= r.MaxRow &&
		t.Column >= r.MinColumn && t.Column <= r.MaxColumn
}

// Owner returns the north-west tile of the range. A feature spanning
// several tiles is located through its owner tile.
func (r Range) Owner() ID {
	return Tile{Row: r.MinRow, Column: r.MinColumn}.ID()
}
