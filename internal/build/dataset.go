// Package build turns an OSM extract into a tile set and its location
// index.
package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/mercator"
)

// Node is a node in Mercator space.
type Node struct {
	ID    int64
	Coord feature.Coord
	Tags  feature.Tags
}

// Way is a way with its full node list.
type Way struct {
	ID    int64
	Nodes []int64
	Tags  feature.Tags
}

// Relation is a relation with its member list.
type Relation struct {
	ID      int64
	Members []feature.Member
	Tags    feature.Tags
}

// Dataset holds an extract in memory.
type Dataset struct {
	Nodes     map[int64]*Node
	Ways      map[int64]*Way
	Relations map[int64]*Relation
}

// NewDataset creates an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{
		Nodes:     make(map[int64]*Node),
		Ways:      make(map[int64]*Way),
		Relations: make(map[int64]*Relation),
	}
}

// Add converts an osm element and stores it, replacing any element of the
// same type and id. Other object kinds are ignored.
func (d *Dataset) Add(obj osm.Object) {
	switch o := obj.(type) {
	case *osm.Node:
		d.Nodes[int64(o.ID)] = &Node{ID: int64(o.ID), Coord: Coord(o.Lat, o.Lon), Tags: Tags(o.Tags)}
	case *osm.Way:
		d.Ways[int64(o.ID)] = &Way{ID: int64(o.ID), Nodes: NodeIDs(o.Nodes), Tags: Tags(o.Tags)}
	case *osm.Relation:
		d.Relations[int64(o.ID)] = &Relation{ID: int64(o.ID), Members: Members(o.Members), Tags: Tags(o.Tags)}
	}
}

// Open starts scanning an extract. Files ending in .osm are read as OSM
// XML, everything else as PBF decoded by procs goroutines.
func Open(ctx context.Context, path string, procs int) (osm.Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open extract: %w", err)
	}
	if strings.HasSuffix(path, ".osm") {
		return &fileScanner{Scanner: osmxml.New(ctx, f), f: f}, nil
	}
	return &fileScanner{Scanner: osmpbf.New(ctx, f, procs), f: f}, nil
}

// fileScanner closes the underlying file with the scanner.
type fileScanner struct {
	osm.Scanner
	f *os.File
}

func (s *fileScanner) Err() error {
	if err := s.Scanner.Err(); err != io.EOF {
		return err
	}
	return nil
}

func (s *fileScanner) Close() error {
	err := s.Scanner.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Load drains a scanner into a dataset.
func Load(sc osm.Scanner) (*Dataset, error) {
	d := NewDataset()
	for sc.Scan() {
		d.Add(sc.Object())
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return d, nil
}

// Read loads an extract file.
func Read(ctx context.Context, path string, procs int) (*Dataset, error) {
	sc, err := Open(ctx, path, procs)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	d, err := Load(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	logger.Named("build").Info("Loaded extract",
		zap.String("file", path),
		zap.Int("nodes", len(d.Nodes)),
		zap.Int("ways", len(d.Ways)),
		zap.Int("relations", len(d.Relations)))
	return d, nil
}

// Coord converts WGS84 degrees to Mercator space.
func Coord(lat, lon float64) feature.Coord {
	return feature.Coord{X: mercator.XFromLon(lon), Y: mercator.YFromLat(lat)}
}

// Tags converts osm tags to the canonical key-sorted form.
func Tags(in osm.Tags) feature.Tags {
	if len(in) == 0 {
		return nil
	}
	out := make(feature.Tags, len(in))
	for i, t := range in {
		out[i] = feature.Tag{Key: t.Key, Value: t.Value}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// NodeIDs returns a way's node ids.
func NodeIDs(in osm.WayNodes) []int64 {
	out := make([]int64, len(in))
	for i, n := range in {
		out[i] = int64(n.ID)
	}
	return out
}

// Members converts relation members. Members of unknown type are dropped.
func Members(in osm.Members) []feature.Member {
	out := make([]feature.Member, 0, len(in))
	for _, m := range in {
		t, err := feature.ParseType(string(m.Type))
		if err != nil {
			continue
		}
		out = append(out, feature.Member{Type: t, ID: m.Ref, Role: m.Role})
	}
	return out
}
