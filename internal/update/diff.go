package update

import (
	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/tiles"
)

// Snapshot is the state of one feature on one side of a changeset.
type Snapshot struct {
	Type    feature.Type
	ID      int64
	Version int
	Tags    feature.Tags
	// Coord is a node's position.
	Coord feature.Coord
	// NodeIDs and Coords describe a way; they run in parallel.
	NodeIDs []int64
	Coords  []feature.Coord
	// FeatureNodes are the way's nodes that are features themselves, in
	// way order. They make up the way's node table in the tile.
	FeatureNodes []int64
	Members []feature.Member
	// Bounds of a relation, derived from its members by the caller.
	Bounds feature.Bounds

	RelationMember bool
	// SharedLocation marks a node whose x/y coincides with another
	// retained node.
	SharedLocation bool
	// Pinned keeps an untagged node as a feature for reasons outside
	// tags and memberships, such as an orphan that belongs to no way.
	Pinned bool
	// Unlocated marks a relation none of whose members has a location.
	Unlocated bool
}

// IsFeature reports whether the snapshot is stored as a feature. Ways and
// relations always are; a node only while something retains it.
func (s *Snapshot) IsFeature() bool {
	if s.Type != feature.Node {
		return true
	}
	return len(s.Tags) > 0 || s.RelationMember || s.SharedLocation || s.Pinned
}

// BoundsOf returns the snapshot's bounding box.
func (s *Snapshot) BoundsOf() feature.Bounds {
	switch s.Type {
	case feature.Node:
		return feature.Bounds{MinX: s.Coord.X, MinY: s.Coord.Y, MaxX: s.Coord.X, MaxY: s.Coord.Y}
	case feature.Way:
		return feature.BoundsOf(s.Coords)
	}
	return s.Bounds
}

// Placed reports whether the snapshot has a tile placement. Ways without
// geometry and relations without located members live in purgatory.
func (s *Snapshot) Placed() bool {
	switch s.Type {
	case feature.Way:
		return len(s.Coords) > 0
	case feature.Relation:
		return len(s.Members) > 0 && !s.Unlocated
	}
	return true
}

// TileRange returns the tiles covered by the snapshot, or nil.
func (s *Snapshot) TileRange() *tiles.Range {
	if !s.Placed() {
		return nil
	}
	r := tiles.RangeOf(s.BoundsOf())
	return &r
}

// Past is a snapshot together with where the store holds it.
type Past struct {
	Snapshot
	TIP tiles.TIP
	Ptr int
}

// Future is a snapshot after the changeset. Deleted marks an explicit
// deletion; only ID, Type and RelationMember are consulted then.
type Future struct {
	Snapshot
	Deleted bool
}

// Differ computes change records from past/future pairs. It holds no state
// and may be shared between goroutines.
type Differ struct{}

// Diff compares the past and future versions of one feature. Either side
// may be nil (new feature, or feature untouched by the changeset). A nil
// record with a nil error means there is nothing to track, which happens
// when a node is neither a feature before nor after the changeset.
//
// Nodes are deleted implicitly when they lose feature status: a node that
// was a feature and, in the future, has no tags, is no relation member,
// shares no location and is not pinned gets Delete without an explicit
// deletion. Any one retention condition overrides implicit deletion.
//
// The returned record is always the one computed; a taxonomy violation is
// reported through the error alongside it.
func (Differ) Diff(past *Past, future *Future) (*CFeature, error) {
	var ref *Snapshot
	switch {
	case past != nil:
		ref = &past.Snapshot
	case future != nil:
		ref = &future.Snapshot
	default:
		return nil, nil
	}

	c := &CFeature{ID: ref.ID, Type: ref.Type, tip: tiles.NoTIP}
	pastFeature := past != nil && past.IsFeature()
	if pastFeature {
		c.tip, c.ptr = past.TIP, past.Ptr
		c.past = past.TileRange()
	}

	if future == nil {
		if !pastFeature {
			return nil, nil
		}
		return c, nil
	}

	if future.Deleted {
		if !pastFeature {
			return nil, nil
		}
		c.Change = &Change{Flags: Delete, Version: future.Version}
		if future.RelationMember {
			c.Change.Flags |= FutureRelationMember
		}
		return c, Validate(c)
	}

	if !future.IsFeature() {
		if !pastFeature {
			return nil, nil
		}
		// Implicit deletion; only nodes can lose feature status.
		c.Change = &Change{Flags: Delete, Version: future.Version}
		if !future.Tags.Equal(past.Tags) {
			c.Change.Flags |= ChangedTags
		}
		return c, Validate(c)
	}

	ch := &Change{
		Version: future.Version,
		Tags:    future.Tags,
		Coord:   future.Coord,
		NodeIDs: future.NodeIDs,
		Coords:  future.Coords,
		Members: future.Members,
		Bounds:  future.BoundsOf(),
		Tiles:   future.TileRange(),
	}
	if future.SharedLocation && future.Type == feature.Node {
		ch.Flags |= SharedFutureLocation
	}
	if future.RelationMember {
		ch.Flags |= FutureRelationMember
	}

	if !pastFeature {
		ch.Flags |= ChangedTags | ChangedBBox | ChangedTiles
		switch future.Type {
		case feature.Node:
			ch.Flags |= ChangedGeometry
		case feature.Way:
			ch.Flags |= ChangedGeometry | ChangedNodeIDs
		case feature.Relation:
			ch.Flags |= ChangedMembers
		}
		c.Change = ch
		return c, Validate(c)
	}

	ch.Flags |= diffFlags(&past.Snapshot, &future.Snapshot)
	if !hasEdits(ch.Flags) && past.RelationMember == future.RelationMember &&
		past.SharedLocation == future.SharedLocation {
		return c, nil
	}
	if !hasEdits(ch.Flags) {
		// Only a membership or location marker moved; the feature itself
		// was not edited.
		ch.Version = 0
	}
	c.Change = ch
	return c, Validate(c)
}

const editFlags = ChangedTags | ChangedGeometry | ChangedNodeIDs | ChangedMembers |
	ChangedBBox | ChangedTiles | Delete

func hasEdits(f ChangeFlags) bool {
	return f&editFlags != 0
}

func diffFlags(past, future *Snapshot) ChangeFlags {
	var f ChangeFlags
	if !past.Tags.Equal(future.Tags) {
		f |= ChangedTags
	}
	switch future.Type {
	case feature.Node:
		if past.Coord != future.Coord {
			f |= ChangedGeometry
		}
	case feature.Way:
		if !equalIDs(past.NodeIDs, future.NodeIDs) || !equalIDs(past.FeatureNodes, future.FeatureNodes) {
			f |= ChangedNodeIDs | ChangedGeometry
		}
		if !equalCoords(past.Coords, future.Coords) {
			f |= ChangedGeometry
		}
	case feature.Relation:
		if !equalMembers(past.Members, future.Members) {
			f |= ChangedMembers
		}
	}
	if past.BoundsOf() != future.BoundsOf() {
		f |= ChangedBBox
	}
	pr, fr := past.TileRange(), future.TileRange()
	if (pr == nil) != (fr == nil) || (pr != nil && *pr != *fr) {
		f |= ChangedTiles
	}
	return f
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalCoords(a, b []feature.Coord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// equalMembers ignores tip deltas, which depend on the tile being built.
func equalMembers(a, b []feature.Member) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || a[i].ID != b[i].ID || a[i].Role != b[i].Role {
			return false
		}
	}
	return true
}
