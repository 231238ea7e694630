package osc

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/osm"
)

const oscData = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="test">
  <create>
    <node id="1" lat="43.7384" lon="7.4246" version="1" changeset="123" timestamp="2024-01-15T12:00:00Z" user="testuser" uid="1">
      <tag k="name" v="Test Node"/>
      <tag k="amenity" v="cafe"/>
    </node>
    <way id="100" version="1" changeset="124">
      <nd ref="1"/>
      <nd ref="2"/>
      <nd ref="3"/>
      <tag k="highway" v="primary"/>
    </way>
  </create>
  <modify>
    <node id="2" lat="43.7390" lon="7.4250" version="2">
      <tag k="name" v="Modified Node"/>
    </node>
    <relation id="200" version="2">
      <member type="way" ref="100" role="outer"/>
      <member type="way" ref="101" role="inner"/>
      <tag k="type" v="multipolygon"/>
    </relation>
  </modify>
  <delete>
    <node id="999" version="4"/>
    <way id="998" version="2"/>
  </delete>
</osmChange>`

func parseAll(t *testing.T, data string) ([]Change, Stats) {
	t.Helper()
	parser := NewParser()
	changes, errChan := parser.ParseReader(context.Background(), strings.NewReader(data))

	var all []Change
	for change := range changes {
		all = append(all, change)
	}
	if err := <-errChan; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return all, parser.Stats()
}

func TestParseOSC(t *testing.T) {
	all, stats := parseAll(t, oscData)

	want := Stats{NodesCreated: 1, NodesModified: 1, NodesDeleted: 1, WaysCreated: 1, WaysDeleted: 1, RelationsModified: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 changes, got %d", len(all))
	}

	first := all[0]
	if first.Action != ActionCreate || first.Type() != osm.TypeNode {
		t.Errorf("first change = %s", first)
	}
	node, ok := first.Object.(*osm.Node)
	if !ok {
		t.Fatalf("first object is %T", first.Object)
	}
	if node.ID != 1 || node.Tags.Find("name") != "Test Node" {
		t.Errorf("node = %d %v", node.ID, node.Tags)
	}
	if node.Lat != 43.7384 || node.Lon != 7.4246 {
		t.Errorf("node at %f,%f", node.Lat, node.Lon)
	}

	way := all[1].Object.(*osm.Way)
	if way.ID != 100 || len(way.Nodes) != 3 || way.Nodes[2].ID != 3 {
		t.Errorf("way = %d nodes %v", way.ID, way.Nodes)
	}

	rel := all[3].Object.(*osm.Relation)
	if all[3].Action != ActionModify || rel.ID != 200 || len(rel.Members) != 2 {
		t.Fatalf("relation change = %s members %v", all[3], rel.Members)
	}
	if m := rel.Members[1]; m.Type != osm.TypeWay || m.Ref != 101 || m.Role != "inner" {
		t.Errorf("member = %+v", m)
	}

	if !all[4].Deleted() || all[4].ID() != 999 || all[4].Version() != 4 {
		t.Errorf("delete change = %s v%d", all[4], all[4].Version())
	}
}

func TestElementOutsideAction(t *testing.T) {
	parser := NewParser()
	changes, errChan := parser.ParseReader(context.Background(),
		strings.NewReader(`<osmChange><node id="1" lat="0" lon="0"/></osmChange>`))
	for range changes {
	}
	if err := <-errChan; err == nil {
		t.Error("expected error for node outside an action block")
	}
}

func TestChangesetKeepsLatestVersion(t *testing.T) {
	cs := NewChangeset()
	cs.Add(Change{Action: ActionModify, Object: &osm.Node{ID: 5, Version: 3}})
	cs.Add(Change{Action: ActionModify, Object: &osm.Node{ID: 5, Version: 2}})
	if c, _ := cs.Node(5); c.Version() != 3 {
		t.Errorf("kept version %d, want 3", c.Version())
	}
	cs.Add(Change{Action: ActionDelete, Object: &osm.Node{ID: 5, Version: 4}})
	if c, _ := cs.Node(5); !c.Deleted() {
		t.Error("delete with a higher version should win")
	}
	cs.Add(Change{Action: ActionCreate, Object: &osm.Way{ID: 5, Version: 1}})
	if cs.Len() != 2 {
		t.Errorf("Len() = %d, want 2", cs.Len())
	}
	if _, ok := cs.Relation(5); ok {
		t.Error("unexpected relation/5")
	}
}

func TestReadFilesGzip(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "a.osc")
	if err := os.WriteFile(plain, []byte(oscData), 0644); err != nil {
		t.Fatal(err)
	}

	later := `<osmChange><modify><node id="2" lat="1" lon="2" version="3"/></modify></osmChange>`
	zipped := filepath.Join(dir, "b.osc.gz")
	f, err := os.Create(zipped)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(f)
	zw.Write([]byte(later))
	zw.Close()
	f.Close()

	cs, stats, err := ReadFiles(context.Background(), plain, zipped)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total() != 7 {
		t.Errorf("total = %d, want 7", stats.Total())
	}
	c, ok := cs.Node(2)
	if !ok || c.Version() != 3 {
		t.Fatalf("node/2 = %v, %v", c, ok)
	}
	if n := c.Object.(*osm.Node); len(n.Tags) != 0 || n.Lat != 1 {
		t.Errorf("node/2 = %+v", n)
	}
}
