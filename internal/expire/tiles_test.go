package expire

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/mercator"
)

func coord(lat, lon float64) feature.Coord {
	return feature.Coord{X: mercator.XFromLon(lon), Y: mercator.YFromLat(lat)}
}

func point(lat, lon float64) feature.Bounds {
	c := coord(lat, lon)
	return feature.Bounds{MinX: c.X, MinY: c.Y, MaxX: c.X, MaxY: c.Y}
}

func TestRangeOfPoint(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		zoom     int
		wantX    int
		wantY    int
	}{
		{"London at zoom 10", 51.5074, -0.1278, 10, 511, 340},
		{"Monaco at zoom 12", 43.7384, 7.4246, 12, 2132, 1493},
		{"New York at zoom 10", 40.7128, -74.0060, 10, 301, 385},
		{"Origin at zoom 0", 0, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := RangeOf(point(tt.lat, tt.lon), tt.zoom)
			if r.TileCount() != 1 || r.MinX != tt.wantX || r.MinY != tt.wantY {
				t.Errorf("RangeOf(%f, %f, %d) = %+v, want (%d, %d)",
					tt.lat, tt.lon, tt.zoom, r, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestRangeOfBounds(t *testing.T) {
	// Monaco
	b := point(43.724, 7.409)
	b.Expand(point(43.752, 7.440))

	r := RangeOf(b, 14)
	if r.Z != 14 {
		t.Errorf("expected zoom 14, got %d", r.Z)
	}
	if r.TileCount() < 2 || r.TileCount() > 100 {
		t.Errorf("unexpected tile count %d", r.TileCount())
	}
	if r.MinY > r.MaxY || r.MinX > r.MaxX {
		t.Errorf("inverted range %+v", r)
	}
	if len(r.Tiles()) != r.TileCount() {
		t.Errorf("Tiles() returned %d tiles, want %d", len(r.Tiles()), r.TileCount())
	}
}

func TestAffectedTiles(t *testing.T) {
	tiles := AffectedTiles(point(43.7384, 7.4246), 10, 12)
	if len(tiles) != 3 {
		t.Fatalf("expected 3 tiles (one per zoom), got %d", len(tiles))
	}
	for i, tile := range tiles {
		if tile.Z != 10+i {
			t.Errorf("tile %d at zoom %d, want %d", i, tile.Z, 10+i)
		}
	}
	if AffectedTiles(feature.Bounds{MinX: 1, MaxX: 0}, 0, 5) != nil {
		t.Error("empty bounds should expire nothing")
	}
}

func TestTileString(t *testing.T) {
	tile := Tile{Z: 12, X: 2144, Y: 1501}
	if tile.String() != "12/2144/1501" {
		t.Errorf("expected 12/2144/1501, got %s", tile.String())
	}
}

func TestTracker(t *testing.T) {
	if _, err := NewTracker(5, 4); err == nil {
		t.Error("NewTracker(5, 4) should fail")
	}
	if _, err := NewTracker(0, MaxZoom+1); err == nil {
		t.Error("NewTracker beyond MaxZoom should fail")
	}

	tr, err := NewTracker(11, 12)
	if err != nil {
		t.Fatal(err)
	}
	tr.ExpirePoint(coord(43.7384, 7.4246))
	tr.ExpirePoint(coord(43.7384, 7.4246))
	if tr.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", tr.Count())
	}
	if c := tr.CountByZoom(); c[11] != 1 || c[12] != 1 {
		t.Errorf("CountByZoom() = %v", c)
	}

	path := filepath.Join(t.TempDir(), "expire.list")
	if err := tr.WriteToFile(path, false); err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}
	if err := tr.WriteToFile(path, true); err != nil {
		t.Fatalf("WriteToFile append: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	want := []string{"11/1066/746", "12/2132/1493", "11/1066/746", "12/2132/1493"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Errorf("expire file = %q, want %q", lines, want)
	}
}
