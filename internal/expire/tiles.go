// Package expire tracks the map tiles, across a range of zoom levels,
// whose content is stale after a changeset has been applied.
package expire

import (
	"fmt"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/mercator"
)

// MaxZoom is the deepest zoom a tracker accepts.
const MaxZoom = 20

// Tile represents a map tile at a specific zoom level
type Tile struct {
	Z int // Zoom level
	X int // X coordinate (column)
	Y int // Y coordinate (row)
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Less orders tiles by zoom, then column, then row.
func (t Tile) Less(o Tile) bool {
	if t.Z != o.Z {
		return t.Z < o.Z
	}
	if t.X != o.X {
		return t.X < o.X
	}
	return t.Y < o.Y
}

// TileRange is an inclusive block of tiles at one zoom.
type TileRange struct {
	Z          int
	MinX, MaxX int
	MinY, MaxY int
}

// RangeOf returns the tiles at zoom covered by Mercator bounds. Rows grow
// southward while y grows northward, so MaxY gives the smallest row.
func RangeOf(b feature.Bounds, zoom int) TileRange {
	return TileRange{
		Z:    zoom,
		MinX: mercator.ColumnFromX(b.MinX, zoom),
		MaxX: mercator.ColumnFromX(b.MaxX, zoom),
		MinY: mercator.RowFromY(b.MaxY, zoom),
		MaxY: mercator.RowFromY(b.MinY, zoom),
	}
}

// TileCount returns the number of tiles in the range
func (r TileRange) TileCount() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Tiles returns all tiles in the range
func (r TileRange) Tiles() []Tile {
	tiles := make([]Tile, 0, r.TileCount())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, Tile{Z: r.Z, X: x, Y: y})
		}
	}
	return tiles
}

// AffectedTiles returns every tile touched by b from minZoom to maxZoom.
func AffectedTiles(b feature.Bounds, minZoom, maxZoom int) []Tile {
	if b.MinX > b.MaxX || b.MinY > b.MaxY {
		return nil
	}
	var tiles []Tile
	for z := minZoom; z <= maxZoom; z++ {
		tiles = append(tiles, RangeOf(b, z).Tiles()...)
	}
	return tiles
}
