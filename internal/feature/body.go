package feature

import (
	"fmt"
	"sort"
)

// Feature is a node, way or relation. The shared stub fields live on the
// Feature itself; type-specific data lives in Body, which is one of
// *NodeBody, *WayBody or *RelationBody. Body may be nil for a stub whose
// body has not been read yet, or for a foreign feature.
type Feature struct {
	ID    int64
	Flags Flags
	// Bounds holds the node position in MinX/MinY for nodes.
	Bounds    Bounds
	Tags      Tags
	Relations []ParentRef
	// TipDelta is the offset to the owning tile for foreign features.
	TipDelta int32
	// Ptr is the offset of the stub in the tile it was read from.
	Ptr  int
	Body Body
}

// Body is the closed set of type-specific feature payloads.
type Body interface {
	featureType() Type
}

// NodeBody carries nothing beyond the stub today; a node's coordinates
// are part of its stub.
type NodeBody struct{}

// WayBody holds the way's geometry and its feature nodes.
type WayBody struct {
	// Encoded holds the delta/varint coordinate block verbatim; Coords
	// materializes it on demand.
	Encoded []byte
	decoded []Coord
	Nodes   []NodeRef
}

// RelationBody holds the ordered member list.
type RelationBody struct {
	Members []Member
}

func (*NodeBody) featureType() Type     { return Node }
func (*WayBody) featureType() Type      { return Way }
func (*RelationBody) featureType() Type { return Relation }

// NewNode creates a local node feature.
func NewNode(id int64, c Coord, tags Tags) *Feature {
	return &Feature{
		ID:     id,
		Flags:  Flags(0).WithType(Node),
		Bounds: Bounds{MinX: c.X, MinY: c.Y, MaxX: c.X, MaxY: c.Y},
		Tags:   tags,
		Body:   &NodeBody{},
	}
}

// NewWay creates a local way feature from its coordinates and feature nodes.
func NewWay(id int64, coords []Coord, nodes []NodeRef, tags Tags) *Feature {
	f := &Feature{
		ID:     id,
		Flags:  Flags(0).WithType(Way),
		Bounds: BoundsOf(coords),
		Tags:   tags,
		Body:   &WayBody{decoded: coords, Nodes: nodes},
	}
	if len(nodes) > 0 {
		f.Flags |= WayNode
	}
	return f
}

// NewRelation creates a local relation feature. Its bounds must be set by
// the caller once member geometry is known.
func NewRelation(id int64, members []Member, tags Tags) *Feature {
	return &Feature{
		ID:    id,
		Flags: Flags(0).WithType(Relation),
		Tags:  tags,
		Body:  &RelationBody{Members: members},
	}
}

// NewWayBody wraps an encoded coordinate block.
func NewWayBody(encoded []byte, nodes []NodeRef) *WayBody {
	return &WayBody{Encoded: encoded, Nodes: nodes}
}

// Coords returns the way's coordinates, decoding them on first use.
func (b *WayBody) Coords() ([]Coord, error) {
	if b.decoded == nil && b.Encoded != nil {
		coords, err := DecodeCoords(b.Encoded)
		if err != nil {
			return nil, err
		}
		b.decoded = coords
	}
	return b.decoded, nil
}

// SetCoords replaces the geometry; the encoded block is dropped.
func (b *WayBody) SetCoords(coords []Coord) {
	b.decoded = coords
	b.Encoded = nil
}

// IsSuperRelation reports whether any member is a relation other than the
// relation itself.
func (b *RelationBody) IsSuperRelation(selfID int64) bool {
	for _, m := range b.Members {
		if m.Type == Relation && m.ID != selfID {
			return true
		}
	}
	return false
}

// Type returns the feature's type.
func (f *Feature) Type() Type {
	return f.Flags.Type()
}

func (f *Feature) IsForeign() bool {
	return f.Flags.Has(Foreign)
}

func (f *Feature) IsRelationMember() bool {
	return f.Flags.Has(RelationMember)
}

// Coord returns a node's position.
func (f *Feature) Coord() Coord {
	return Coord{X: f.Bounds.MinX, Y: f.Bounds.MinY}
}

// Way returns the way body, or nil.
func (f *Feature) Way() *WayBody {
	b, _ := f.Body.(*WayBody)
	return b
}

// Relation returns the relation body, or nil.
func (f *Feature) Relation() *RelationBody {
	b, _ := f.Body.(*RelationBody)
	return b
}

// Validate checks that the body variant agrees with the type bits.
func (f *Feature) Validate() error {
	if f.Body != nil && f.Body.featureType() != f.Type() {
		return fmt.Errorf("%s carries a %s body", f, f.Body.featureType())
	}
	return nil
}

func (f *Feature) String() string {
	return fmt.Sprintf("%s/%d", f.Type(), f.ID)
}

// Compare orders features by id, then by type code.
func Compare(a, b *Feature) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	ta, tb := a.Type(), b.Type()
	switch {
	case ta < tb:
		return -1
	case ta > tb:
		return 1
	}
	return 0
}

// Sort orders features canonically.
func Sort(features []*Feature) {
	sort.SliceStable(features, func(i, j int) bool {
		return Compare(features[i], features[j]) < 0
	})
}
