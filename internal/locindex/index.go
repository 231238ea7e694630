// Package locindex is the side table kept next to a tile set. It records,
// for every node, way and relation, the data the tiles do not hold
// (node coordinates, full way node lists, relation member lists) and where
// the feature's stub lives, so a changeset can be diffed against the store
// and applied without rescanning the source file.
package locindex

import (
	"context"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/tiles"
)

// Location is the owner tile and stub offset of a stored feature.
type Location struct {
	TIP tiles.TIP
	Ptr int32
}

// NoLocation marks an element that is not stored as a feature, such as an
// untagged way node.
var NoLocation = Location{TIP: tiles.NoTIP}

// IsFeature reports whether the location refers to a stored feature.
func (l Location) IsFeature() bool {
	return l.TIP != tiles.NoTIP
}

// NodeRecord is a node's coordinate and location.
type NodeRecord struct {
	ID    int64
	Coord feature.Coord
	Loc   Location
}

// WayRecord is a way's ordered node list and location.
type WayRecord struct {
	ID    int64
	Nodes []int64
	Loc   Location
}

// Member is a relation member without tile information.
type Member struct {
	Type feature.Type
	ID   int64
	Role string
}

// RelationRecord is a relation's member list and location.
type RelationRecord struct {
	ID      int64
	Members []Member
	Loc     Location
}

// Placement assigns a location to a feature.
type Placement struct {
	Type feature.Type
	ID   int64
	Loc  Location
}

// Index is implemented by the bolt and PostgreSQL backends. Lookups of
// missing elements return nil records and no error.
type Index interface {
	PutNodes(ctx context.Context, nodes []NodeRecord) error
	PutWays(ctx context.Context, ways []WayRecord) error
	PutRelations(ctx context.Context, rels []RelationRecord) error
	SetLocations(ctx context.Context, placements []Placement) error

	Node(ctx context.Context, id int64) (*NodeRecord, error)
	Way(ctx context.Context, id int64) (*WayRecord, error)
	Relation(ctx context.Context, id int64) (*RelationRecord, error)

	// WaysForNode returns the ids of the ways that contain a node.
	WaysForNode(ctx context.Context, nodeID int64) ([]int64, error)
	// NodesAt returns the ids of the nodes located exactly at c.
	NodesAt(ctx context.Context, c feature.Coord) ([]int64, error)
	// RelationsForMember returns the ids of the relations that list a
	// feature among their members.
	RelationsForMember(ctx context.Context, t feature.Type, id int64) ([]int64, error)

	Delete(ctx context.Context, t feature.Type, id int64) error
	Close() error
}

// Locate returns the location of any feature type.
func Locate(ctx context.Context, idx Index, t feature.Type, id int64) (Location, error) {
	switch t {
	case feature.Node:
		n, err := idx.Node(ctx, id)
		if err != nil || n == nil {
			return NoLocation, err
		}
		return n.Loc, nil
	case feature.Way:
		w, err := idx.Way(ctx, id)
		if err != nil || w == nil {
			return NoLocation, err
		}
		return w.Loc, nil
	default:
		r, err := idx.Relation(ctx, id)
		if err != nil || r == nil {
			return NoLocation, err
		}
		return r.Loc, nil
	}
}
