package updater

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/paulmach/osm"

	"github.com/wegman-software/golt/internal/build"
	"github.com/wegman-software/golt/internal/expire"
	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/locindex"
	"github.com/wegman-software/golt/internal/osc"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/tileset"
)

var (
	homeTile = tiles.ForCoord(build.Coord(10, 0.01))
	eastTile = tiles.ForCoord(build.Coord(10, 0.1))
)

func tag(k, v string) osm.Tags { return osm.Tags{{Key: k, Value: v}} }

// fixture builds a small store:
//
//	node 1 cafe, node 3 stop, node 4 orphan, nodes 5/6 share a location
//	way 100 [1 2 3] crosses into the east tile
//	way 101 [5 6 2], way 102 [999] has no geometry
//	relation 200 lists way 100 and node 1, relation 201 is empty
func fixture(t *testing.T) (*Updater, *tileset.Store, locindex.Index) {
	t.Helper()
	ds := build.NewDataset()
	for _, obj := range []osm.Object{
		&osm.Node{ID: 1, Lat: 10, Lon: 0.01, Tags: tag("amenity", "cafe")},
		&osm.Node{ID: 2, Lat: 10, Lon: 0.02},
		&osm.Node{ID: 3, Lat: 10, Lon: 0.1, Tags: tag("highway", "stop")},
		&osm.Node{ID: 4, Lat: 10, Lon: 0.03},
		&osm.Node{ID: 5, Lat: 10, Lon: 0.04},
		&osm.Node{ID: 6, Lat: 10, Lon: 0.04},
		&osm.Way{ID: 100, Nodes: osm.WayNodes{{ID: 1}, {ID: 2}, {ID: 3}}, Tags: tag("highway", "residential")},
		&osm.Way{ID: 101, Nodes: osm.WayNodes{{ID: 5}, {ID: 6}, {ID: 2}}, Tags: tag("barrier", "fence")},
		&osm.Way{ID: 102, Nodes: osm.WayNodes{{ID: 999}}},
		&osm.Relation{ID: 200, Tags: tag("type", "route"), Members: osm.Members{
			{Type: osm.TypeWay, Ref: 100, Role: "outer"},
			{Type: osm.TypeNode, Ref: 1, Role: "label"},
		}},
		&osm.Relation{ID: 201, Tags: tag("type", "multipolygon")},
	} {
		ds.Add(obj)
	}

	dir := t.TempDir()
	store, err := tileset.Open(filepath.Join(dir, "tiles"))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := locindex.OpenBolt(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	if _, err := build.NewBuilder(store, idx, nil, 2).Build(context.Background(), ds); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return New(store, idx, nil, 2), store, idx
}

func apply(t *testing.T, u *Updater, changes ...osc.Change) *Result {
	t.Helper()
	cs := osc.NewChangeset()
	for _, c := range changes {
		cs.Add(c)
	}
	res, err := u.Apply(context.Background(), cs)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return res
}

func lookup(t *testing.T, store *tileset.Store, tile tiles.ID, typ feature.Type, id int64) *feature.Feature {
	t.Helper()
	buf, err := store.Load(tile)
	if err != nil {
		t.Fatal(err)
	}
	r, err := tiles.NewReader(buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	f, err := r.Lookup(typ, id)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func nodeIDs(f *feature.Feature) []int64 {
	var ids []int64
	for _, ref := range f.Way().Nodes {
		ids = append(ids, ref.ID)
	}
	return ids
}

func TestApplyRetag(t *testing.T) {
	u, store, idx := fixture(t)
	res := apply(t, u, osc.Change{Action: osc.ActionModify, Object: &osm.Node{ID: 4, Version: 2, Lat: 10, Lon: 0.03, Tags: tag("amenity", "bench")}})
	if res.Stats.Modified == 0 || res.Written != 1 {
		t.Errorf("result = %+v", res)
	}

	f := lookup(t, store, homeTile, feature.Node, 4)
	if f == nil || len(f.Tags) != 1 || f.Tags[0].Value != "bench" {
		t.Fatalf("node/4 = %+v", f)
	}
	n, err := idx.Node(context.Background(), 4)
	if err != nil || n == nil || n.Loc.TIP != homeTile.TIP() {
		t.Errorf("node/4 record = %+v, %v", n, err)
	}
}

func TestApplyImplicitNodeDeletion(t *testing.T) {
	u, store, idx := fixture(t)
	ctx := context.Background()
	res := apply(t, u, osc.Change{Action: osc.ActionModify, Object: &osm.Node{ID: 3, Version: 2, Lat: 10, Lon: 0.1}})
	if res.Stats.Implicit != 1 {
		t.Errorf("implicit deletes = %d, want 1", res.Stats.Implicit)
	}

	if f := lookup(t, store, eastTile, feature.Node, 3); f != nil {
		t.Errorf("node/3 still stored in east tile: %s", f)
	}
	if f := lookup(t, store, homeTile, feature.Node, 3); f != nil {
		t.Errorf("foreign stub for node/3 left in home tile")
	}
	for _, tile := range []tiles.ID{homeTile, eastTile} {
		w := lookup(t, store, tile, feature.Way, 100)
		if w == nil {
			t.Fatalf("way/100 missing from %s", tile)
		}
		if got := nodeIDs(w); !slices.Equal(got, []int64{1}) {
			t.Errorf("way/100 in %s has feature nodes %v, want [1]", tile, got)
		}
	}

	n, err := idx.Node(ctx, 3)
	if err != nil || n == nil {
		t.Fatalf("node/3 record = %v, %v", n, err)
	}
	if n.Loc.IsFeature() {
		t.Errorf("node/3 still located at %+v", n.Loc)
	}
	if ways, _ := idx.WaysForNode(ctx, 3); !slices.Equal(ways, []int64{100}) {
		t.Errorf("WaysForNode(3) = %v", ways)
	}
}

func TestApplyDeleteRelation(t *testing.T) {
	u, store, idx := fixture(t)
	ctx := context.Background()
	res := apply(t, u, osc.Change{Action: osc.ActionDelete, Object: &osm.Relation{ID: 200, Version: 2}})
	if res.Stats.Deleted != 1 || res.Stats.Implicit != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}

	for _, tile := range []tiles.ID{homeTile, eastTile} {
		if f := lookup(t, store, tile, feature.Relation, 200); f != nil {
			t.Errorf("relation/200 still in %s", tile)
		}
		w := lookup(t, store, tile, feature.Way, 100)
		if w == nil || w.IsRelationMember() || len(w.Relations) != 0 {
			t.Errorf("way/100 in %s keeps parents: %+v", tile, w)
		}
	}
	if n := lookup(t, store, homeTile, feature.Node, 1); n == nil || n.IsRelationMember() {
		t.Errorf("node/1 = %+v", n)
	}

	if r, _ := idx.Relation(ctx, 200); r != nil {
		t.Errorf("relation/200 record survives: %+v", r)
	}
	if rels, _ := idx.RelationsForMember(ctx, feature.Way, 100); len(rels) != 0 {
		t.Errorf("RelationsForMember(way/100) = %v", rels)
	}
}

func TestApplyMoveAcrossTiles(t *testing.T) {
	u, store, idx := fixture(t)
	apply(t, u, osc.Change{Action: osc.ActionModify, Object: &osm.Node{ID: 4, Version: 2, Lat: 10, Lon: 0.12}})

	if f := lookup(t, store, homeTile, feature.Node, 4); f != nil {
		t.Error("node/4 left behind in home tile")
	}
	f := lookup(t, store, eastTile, feature.Node, 4)
	if f == nil || f.IsForeign() {
		t.Fatalf("node/4 in east tile = %+v", f)
	}
	n, _ := idx.Node(context.Background(), 4)
	if n == nil || n.Loc.TIP != eastTile.TIP() || n.Coord != build.Coord(10, 0.12) {
		t.Errorf("node/4 record = %+v", n)
	}
}

func TestApplyExpire(t *testing.T) {
	u, _, _ := fixture(t)
	tr, err := expire.NewTracker(0, tiles.Zoom)
	if err != nil {
		t.Fatal(err)
	}
	u.Expire = tr
	apply(t, u, osc.Change{Action: osc.ActionModify, Object: &osm.Node{ID: 4, Version: 2, Lat: 10, Lon: 0.12}})

	home, east := homeTile.Tile(), eastTile.Tile()
	want := map[expire.Tile]bool{
		{Z: tiles.Zoom, X: home.Column, Y: home.Row}: true,
		{Z: tiles.Zoom, X: east.Column, Y: east.Row}: true,
	}
	found := 0
	for _, tile := range tr.Tiles() {
		if want[tile] {
			found++
		}
	}
	if found != len(want) {
		t.Errorf("expired tiles %v lack the old or new tile of node/4", tr.Tiles())
	}
	if c := tr.CountByZoom(); c[0] != 1 {
		t.Errorf("CountByZoom() = %v, want one tile at zoom 0", c)
	}
}

func TestApplyCreateWay(t *testing.T) {
	u, store, idx := fixture(t)
	ctx := context.Background()
	apply(t, u,
		osc.Change{Action: osc.ActionCreate, Object: &osm.Node{ID: 7, Version: 1, Lat: 10.001, Lon: 0.011}},
		osc.Change{Action: osc.ActionCreate, Object: &osm.Node{ID: 8, Version: 1, Lat: 10.002, Lon: 0.012}},
		osc.Change{Action: osc.ActionCreate, Object: &osm.Way{ID: 103, Version: 1,
			Nodes: osm.WayNodes{{ID: 7}, {ID: 8}, {ID: 1}}, Tags: tag("highway", "footway")}},
	)

	w := lookup(t, store, homeTile, feature.Way, 103)
	if w == nil {
		t.Fatal("way/103 not stored")
	}
	if got := nodeIDs(w); !slices.Equal(got, []int64{1}) {
		t.Errorf("way/103 feature nodes = %v, want [1]", got)
	}
	for _, id := range []int64{7, 8} {
		if f := lookup(t, store, homeTile, feature.Node, id); f != nil {
			t.Errorf("plain way node/%d stored as feature", id)
		}
		n, err := idx.Node(ctx, id)
		if err != nil || n == nil || n.Loc.IsFeature() {
			t.Errorf("node/%d record = %+v, %v", id, n, err)
		}
	}
	if ways, _ := idx.WaysForNode(ctx, 1); !slices.Equal(ways, []int64{100, 103}) {
		t.Errorf("WaysForNode(1) = %v", ways)
	}
	if wr, _ := idx.Way(ctx, 103); wr == nil || wr.Loc.TIP != homeTile.TIP() {
		t.Errorf("way/103 record = %+v", wr)
	}
}

func TestApplyPurgatoryExit(t *testing.T) {
	u, store, idx := fixture(t)
	ctx := context.Background()
	apply(t, u, osc.Change{Action: osc.ActionModify, Object: &osm.Way{ID: 102, Version: 2,
		Nodes: osm.WayNodes{{ID: 4}, {ID: 5}}}})

	if f := lookup(t, store, tiles.PurgatoryTile, feature.Way, 102); f != nil {
		t.Error("way/102 still in purgatory")
	}
	if f := lookup(t, store, tiles.PurgatoryTile, feature.Relation, 201); f == nil {
		t.Error("relation/201 lost from purgatory")
	}
	w := lookup(t, store, homeTile, feature.Way, 102)
	if w == nil {
		t.Fatal("way/102 not placed")
	}
	// Node 4 is no longer an orphan and has nothing else keeping it.
	if got := nodeIDs(w); !slices.Equal(got, []int64{5}) {
		t.Errorf("way/102 feature nodes = %v, want [5]", got)
	}
	if f := lookup(t, store, homeTile, feature.Node, 4); f != nil {
		t.Error("node/4 should be implicitly deleted")
	}
	if wr, _ := idx.Way(ctx, 102); wr == nil || wr.Loc.TIP != homeTile.TIP() {
		t.Errorf("way/102 record = %+v", wr)
	}
}

func TestApplySharedPartnerMovesAway(t *testing.T) {
	moveSix := osc.Change{Action: osc.ActionModify, Object: &osm.Node{ID: 6, Version: 2, Lat: 10, Lon: 0.05}}
	tests := []struct {
		name    string
		changes []osc.Change
	}{
		{"partner only", []osc.Change{moveSix}},
		{"both in changeset", []osc.Change{
			{Action: osc.ActionModify, Object: &osm.Node{ID: 5, Version: 2, Lat: 10, Lon: 0.04}},
			moveSix,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, store, idx := fixture(t)
			res := apply(t, u, tt.changes...)
			if res.Stats.Implicit != 2 {
				t.Errorf("implicit deletes = %d, want 2", res.Stats.Implicit)
			}
			for _, id := range []int64{5, 6} {
				if f := lookup(t, store, homeTile, feature.Node, id); f != nil {
					t.Errorf("node/%d still a feature: shared=%v", id, f.Flags.Has(feature.SharedLocation))
				}
				n, err := idx.Node(context.Background(), id)
				if err != nil || n == nil || n.Loc.IsFeature() {
					t.Errorf("node/%d record = %+v, %v", id, n, err)
				}
			}
			w := lookup(t, store, homeTile, feature.Way, 101)
			if w == nil {
				t.Fatal("way/101 missing")
			}
			if got := nodeIDs(w); len(got) != 0 {
				t.Errorf("way/101 feature nodes = %v, want none", got)
			}
		})
	}
}

func TestApplyMoveOntoExistingNode(t *testing.T) {
	u, store, idx := fixture(t)
	ctx := context.Background()
	res := apply(t, u, osc.Change{Action: osc.ActionModify, Object: &osm.Node{ID: 3, Version: 2, Lat: 10, Lon: 0.02, Tags: tag("highway", "stop")}})
	if res.Stats.New != 1 || res.Stats.Implicit != 0 {
		t.Errorf("stats = %+v, want node/2 new and no implicit deletes", res.Stats)
	}

	for _, id := range []int64{2, 3} {
		f := lookup(t, store, homeTile, feature.Node, id)
		if f == nil {
			t.Fatalf("node/%d not stored in home tile", id)
		}
		if !f.Flags.Has(feature.SharedLocation) {
			t.Errorf("node/%d lacks SharedLocation", id)
		}
	}
	n, err := idx.Node(ctx, 2)
	if err != nil || n == nil || n.Loc.TIP != homeTile.TIP() {
		t.Errorf("node/2 record = %+v, %v", n, err)
	}
	if got, _ := idx.NodesAt(ctx, build.Coord(10, 0.02)); !slices.Equal(got, []int64{2, 3}) {
		t.Errorf("NodesAt = %v, want [2 3]", got)
	}

	tests := []struct {
		way  int64
		want []int64
	}{
		{100, []int64{1, 2, 3}},
		{101, []int64{5, 6, 2}},
	}
	for _, tt := range tests {
		w := lookup(t, store, homeTile, feature.Way, tt.way)
		if w == nil {
			t.Fatalf("way/%d missing", tt.way)
		}
		if got := nodeIDs(w); !slices.Equal(got, tt.want) {
			t.Errorf("way/%d feature nodes = %v, want %v", tt.way, got, tt.want)
		}
	}
	if res.Removed != 1 {
		t.Errorf("removed %d tiles, want the emptied east tile", res.Removed)
	}
}
