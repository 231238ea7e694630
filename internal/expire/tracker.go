package expire

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/logger"
)

// Tracker collects expired tiles. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	tiles   map[Tile]struct{}
	minZoom int
	maxZoom int
}

// NewTracker creates a tracker for zoom levels minZoom through maxZoom.
func NewTracker(minZoom, maxZoom int) (*Tracker, error) {
	if minZoom < 0 || maxZoom > MaxZoom || minZoom > maxZoom {
		return nil, fmt.Errorf("invalid expire zoom range %d-%d (allowed 0-%d)", minZoom, maxZoom, MaxZoom)
	}
	return &Tracker{
		tiles:   make(map[Tile]struct{}),
		minZoom: minZoom,
		maxZoom: maxZoom,
	}, nil
}

// ExpirePoint marks the tiles containing a point.
func (t *Tracker) ExpirePoint(c feature.Coord) {
	t.ExpireBounds(feature.Bounds{MinX: c.X, MinY: c.Y, MaxX: c.X, MaxY: c.Y})
}

// ExpireBounds marks every tile intersecting b.
func (t *Tracker) ExpireBounds(b feature.Bounds) {
	tiles := AffectedTiles(b, t.minZoom, t.maxZoom)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tile := range tiles {
		t.tiles[tile] = struct{}{}
	}
}

// Count returns the number of unique expired tiles
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// CountByZoom returns the count of tiles at each zoom level
func (t *Tracker) CountByZoom() map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[int]int)
	for tile := range t.tiles {
		counts[tile.Z]++
	}
	return counts
}

// Tiles returns the expired tiles ordered by zoom, column and row.
func (t *Tracker) Tiles() []Tile {
	t.mu.Lock()
	tiles := make([]Tile, 0, len(t.tiles))
	for tile := range t.tiles {
		tiles = append(tiles, tile)
	}
	t.mu.Unlock()

	sort.Slice(tiles, func(i, j int) bool { return tiles[i].Less(tiles[j]) })
	return tiles
}

// WriteToFile writes expired tiles to a file in z/x/y format, one per
// line. With appendTo set, an existing file is extended.
func (t *Tracker) WriteToFile(filename string, appendTo bool) error {
	log := logger.Get()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(filename, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open expire file: %w", err)
	}
	defer f.Close()

	tiles := t.Tiles()
	w := bufio.NewWriter(f)
	for _, tile := range tiles {
		fmt.Fprintln(w, tile.String())
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write expire file: %w", err)
	}

	// Log summary by zoom level
	counts := t.CountByZoom()
	zooms := make([]int, 0, len(counts))
	for z := range counts {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	fields := []zap.Field{zap.String("file", filename)}
	for _, z := range zooms {
		fields = append(fields, zap.Int(fmt.Sprintf("z%d", z), counts[z]))
	}
	fields = append(fields, zap.Int("total", len(tiles)))
	log.Info("Wrote expire tiles", fields...)
	return nil
}
