package build

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/paulmach/osm"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/locindex"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/tileset"
)

var (
	homeTile = tiles.ForCoord(Coord(10, 0.01))
	eastTile = tiles.ForCoord(Coord(10, 0.1))
)

func sampleDataset() *Dataset {
	tag := func(k, v string) osm.Tags { return osm.Tags{{Key: k, Value: v}} }
	ds := NewDataset()
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
			{Type: osm.TypeRelation, Ref: 200},
		}},
		&osm.Relation{ID: 201, Tags: tag("type", "multipolygon")},
	} {
		ds.Add(obj)
	}
	return ds
}

func TestLayoutClassification(t *testing.T) {
	if eastTile.Tile().Column != homeTile.Tile().Column+1 || eastTile.Tile().Row != homeTile.Tile().Row {
		t.Fatalf("fixture tiles %s and %s are not neighbours", homeTile, eastTile)
	}
	l := NewLayout(sampleDataset())

	tests := []struct {
		id   int64
		want bool
	}{
		{1, true},  // tagged
		{2, false}, // plain way node
		{3, true},  // tagged
		{4, true},  // orphan
		{5, true},  // shares location with 6
		{6, true},
		{999, false},
	}
	for _, tt := range tests {
		if got := l.IsFeatureNode(tt.id); got != tt.want {
			t.Errorf("IsFeatureNode(%d) = %v, want %v", tt.id, got, tt.want)
		}
	}

	want := []tiles.ID{tiles.PurgatoryTile, homeTile, eastTile}
	if got := l.TileIDs(); !slices.Equal(got, want) {
		t.Errorf("TileIDs() = %v, want %v", got, want)
	}
	if owner, _ := l.Owner(feature.Way, 100); owner != homeTile {
		t.Errorf("way/100 owner = %s, want %s", owner, homeTile)
	}
	if owner, _ := l.Owner(feature.Relation, 201); owner != tiles.PurgatoryTile {
		t.Errorf("relation/201 owner = %s, want purgatory", owner)
	}
	if _, ok := l.Owner(feature.Node, 2); ok {
		t.Error("node/2 should have no owner")
	}
}

func byID(fs []*feature.Feature) map[string]*feature.Feature {
	m := make(map[string]*feature.Feature, len(fs))
	for _, f := range fs {
		m[f.String()] = f
	}
	return m
}

func TestLayoutFeatures(t *testing.T) {
	l := NewLayout(sampleDataset())

	home := byID(l.Features(homeTile))
	for _, name := range []string{"node/1", "node/3", "node/4", "node/5", "node/6", "way/100", "way/101", "relation/200"} {
		if home[name] == nil {
			t.Errorf("home tile lacks %s", name)
		}
	}
	if home["node/2"] != nil {
		t.Error("node/2 is not a feature")
	}

	stub := home["node/3"]
	if !stub.IsForeign() || stub.TipDelta != 1 {
		t.Errorf("node/3 in home tile: foreign=%v delta=%d", stub.IsForeign(), stub.TipDelta)
	}
	if !home["node/1"].Flags.Has(feature.WayNode) || !home["node/1"].IsRelationMember() {
		t.Errorf("node/1 flags %#x", home["node/1"].Flags)
	}
	if !home["node/5"].Flags.Has(feature.SharedLocation) || home["node/4"].Flags.Has(feature.SharedLocation) {
		t.Error("shared location flags wrong")
	}

	way := home["way/100"]
	wantNodes := []feature.NodeRef{{ID: 1}, {ID: 3, TipDelta: 1}}
	if !slices.Equal(way.Way().Nodes, wantNodes) {
		t.Errorf("way/100 nodes = %v, want %v", way.Way().Nodes, wantNodes)
	}
	if len(way.Relations) != 1 || way.Relations[0] != (feature.ParentRef{RelationID: 200, Role: "outer"}) {
		t.Errorf("way/100 parents = %+v", way.Relations)
	}

	rel := home["relation/200"]
	if rel.Relation().IsSuperRelation(200) {
		t.Error("a self-reference does not make a super-relation")
	}
	if rel.IsRelationMember() {
		t.Error("relation/200 lists itself but is no member of another relation")
	}

	east := byID(l.Features(eastTile))
	if f := east["node/1"]; f == nil || !f.IsForeign() || f.TipDelta != -1 {
		t.Errorf("node/1 in east tile = %+v", f)
	}
	if f := east["way/100"]; f == nil || f.IsForeign() {
		t.Error("way/100 should be stored locally in the east tile")
	}

	purgatory := byID(l.Features(tiles.PurgatoryTile))
	if len(purgatory) != 2 || purgatory["way/102"] == nil || purgatory["relation/201"] == nil {
		t.Errorf("purgatory = %v", purgatory)
	}
	if !purgatory["relation/201"].Flags.Has(feature.Area) {
		t.Error("multipolygon relation should carry the area flag")
	}
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := tileset.Open(filepath.Join(dir, "tiles"))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := locindex.OpenBolt(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	stats, err := NewBuilder(store, idx, nil, 2).Build(ctx, sampleDataset())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if stats.Tiles != 2 || stats.Purgatory != 2 || stats.FeatureNodes != 5 || stats.Bytes == 0 {
		t.Errorf("stats = %+v", stats)
	}

	stored, err := store.Tiles()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(stored, []tiles.ID{tiles.PurgatoryTile, homeTile, eastTile}) {
		t.Errorf("stored tiles = %v", stored)
	}

	w, err := idx.Way(ctx, 100)
	if err != nil || w == nil {
		t.Fatalf("Way(100) = %v, %v", w, err)
	}
	if w.Loc.TIP != homeTile.TIP() || !slices.Equal(w.Nodes, []int64{1, 2, 3}) {
		t.Errorf("way/100 record = %+v", *w)
	}
	m, err := store.Map(homeTile)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	r, err := tiles.NewReader(m.Bytes(), nil)
	if err != nil {
		t.Fatal(err)
	}
	f, err := r.ReadStub(int(w.Loc.Ptr))
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != 100 || f.Type() != feature.Way {
		t.Errorf("stub at way/100 location is %s", f)
	}

	if n, _ := idx.Node(ctx, 2); n == nil || n.Loc.IsFeature() {
		t.Errorf("node/2 record = %+v", n)
	}
	if n, _ := idx.Node(ctx, 3); n == nil || n.Loc.TIP != eastTile.TIP() {
		t.Errorf("node/3 record = %+v", n)
	}
	if r, _ := idx.Relation(ctx, 201); r == nil || r.Loc.TIP != tiles.Purgatory {
		t.Errorf("relation/201 record = %+v", r)
	}
	if ways, _ := idx.WaysForNode(ctx, 2); !slices.Equal(ways, []int64{100, 101}) {
		t.Errorf("WaysForNode(2) = %v", ways)
	}
}

func buildSample(t *testing.T) (*tileset.Store, *locindex.BoltIndex) {
	t.Helper()
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
	if _, err := NewBuilder(store, idx, nil, 1).Build(context.Background(), sampleDataset()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return store, idx
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	store, idx := buildSample(t)

	v, err := Verify(ctx, store, idx, nil, 2)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Tiles != 3 || v.Failed != 0 || v.Foreign == 0 {
		t.Fatalf("verification = %+v", v)
	}

	w, err := idx.Way(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	moved := w.Loc
	moved.Ptr += 8
	if err := idx.SetLocations(ctx, []locindex.Placement{{Type: feature.Way, ID: 100, Loc: moved}}); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(eastTile); err != nil {
		t.Fatal(err)
	}

	v, err = Verify(ctx, store, idx, nil, 1)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Failed < 2 || len(v.Problems) != v.Failed {
		t.Errorf("verification = %+v, want the moved way and the missing owner", v)
	}
}

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6">
  <node id="1" lat="10" lon="0.01" version="1"><tag k="amenity" v="cafe"/></node>
  <node id="2" lat="10" lon="0.02" version="1"/>
  <way id="100" version="1">
    <nd ref="1"/><nd ref="2"/>
    <tag k="highway" v="residential"/>
  </way>
  <relation id="200" version="1">
    <member type="way" ref="100" role="outer"/>
    <tag k="type" v="route"/>
  </relation>
</osm>`

func TestRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.osm")
	if err := os.WriteFile(path, []byte(sampleXML), 0o644); err != nil {
		t.Fatal(err)
	}
	ds, err := Read(context.Background(), path, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(ds.Nodes) != 2 || len(ds.Ways) != 1 || len(ds.Relations) != 1 {
		t.Fatalf("dataset has %d nodes, %d ways, %d relations", len(ds.Nodes), len(ds.Ways), len(ds.Relations))
	}
	if !slices.Equal(ds.Ways[100].Nodes, []int64{1, 2}) {
		t.Errorf("way nodes = %v", ds.Ways[100].Nodes)
	}
	if m := ds.Relations[200].Members; len(m) != 1 || m[0].Type != feature.Way || m[0].Role != "outer" {
		t.Errorf("relation members = %+v", m)
	}

	if _, err := Read(context.Background(), filepath.Join(t.TempDir(), "missing.osm.pbf"), 1); err == nil {
		t.Error("Read of a missing file should fail")
	}
}
