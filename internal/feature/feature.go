// Package feature defines the in-memory model of the features stored in
// tiles: nodes, ways and relations, their flags, tags and canonical order.
package feature

import (
	"fmt"
	"sort"
	"strings"
)

// Type is the 2-bit feature type code.
type Type uint8

const (
	Node     Type = 0
	Way      Type = 1
	Relation Type = 2
)

func (t Type) String() string {
	switch t {
	case Node:
		return "node"
	case Way:
		return "way"
	case Relation:
		return "relation"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType parses "node"/"way"/"relation" and their one-letter forms.
func ParseType(s string) (Type, error) {
	switch s {
	case "node", "n", "N":
		return Node, nil
	case "way", "w", "W":
		return Way, nil
	case "relation", "r", "R":
		return Relation, nil
	}
	return 0, fmt.Errorf("unknown feature type %q", s)
}

// Flags is the feature flags word. The low byte is stored in the tile
// header word; higher bits exist in memory only.
type Flags uint32

const (
	// Foreign means only the stub lives in this tile.
	Foreign Flags = 1 << 0
	Area    Flags = 1 << 1
	// RelationMember means the feature belongs to at least one relation.
	RelationMember Flags = 1 << 2
	// WayNode marks a way that carries a way-node table, or a node that
	// appears in such a table.
	WayNode Flags = 1 << 5
	// SharedLocation marks a node whose x/y coincides with another node.
	SharedLocation Flags = 1 << 6

	TypeShift       = 3
	typeMask  Flags = 3 << TypeShift
)

// Type extracts the type bits.
func (f Flags) Type() Type {
	return Type((f & typeMask) >> TypeShift)
}

// WithType returns f with its type bits replaced.
func (f Flags) WithType(t Type) Flags {
	return f&^typeMask | Flags(t)<<TypeShift
}

func (f Flags) Has(bits Flags) bool {
	return f&bits != 0
}

// Coord is a point in 32-bit Mercator integer space.
type Coord struct {
	X, Y int32
}

// Bounds is an axis-aligned box in Mercator space.
type Bounds struct {
	MinX, MinY, MaxX, MaxY int32
}

// BoundsOf returns the smallest box containing all coords.
func BoundsOf(coords []Coord) Bounds {
	if len(coords) == 0 {
		return Bounds{}
	}
	b := Bounds{MinX: coords[0].X, MinY: coords[0].Y, MaxX: coords[0].X, MaxY: coords[0].Y}
	for _, c := range coords[1:] {
		b.ExpandPoint(c)
	}
	return b
}

// ExpandPoint grows the box to include c.
func (b *Bounds) ExpandPoint(c Coord) {
	if c.X < b.MinX {
		b.MinX = c.X
	}
	if c.X > b.MaxX {
		b.MaxX = c.X
	}
	if c.Y < b.MinY {
		b.MinY = c.Y
	}
	if c.Y > b.MaxY {
		b.MaxY = c.Y
	}
}

// Expand grows the box to include other.
func (b *Bounds) Expand(other Bounds) {
	b.ExpandPoint(Coord{other.MinX, other.MinY})
	b.ExpandPoint(Coord{other.MaxX, other.MaxY})
}

// Tag is a single key/value pair.
type Tag struct {
	Key   string
	Value string
}

// Tags is an ordered tag list. NewTags yields the canonical (key-sorted)
// form used for deduplication.
type Tags []Tag

// NewTags builds a canonical tag list from a map.
func NewTags(m map[string]string) Tags {
	if len(m) == 0 {
		return nil
	}
	tags := make(Tags, 0, len(m))
	for k, v := range m {
		tags = append(tags, Tag{Key: k, Value: v})
	}
	tags.Sort()
	return tags
}

// Sort orders the tags by key.
func (t Tags) Sort() {
	sort.Slice(t, func(i, j int) bool { return t[i].Key < t[j].Key })
}

// Get returns the value of key.
func (t Tags) Get(key string) (string, bool) {
	for _, tag := range t {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// Equal reports whether both lists hold the same pairs in the same order.
func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}
	for i := range t {
		if t[i] != other[i] {
			return false
		}
	}
	return true
}

func (t Tags) String() string {
	parts := make([]string, len(t))
	for i, tag := range t {
		parts[i] = tag.Key + "=" + tag.Value
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParentRef is an entry of a feature's relation table: a relation the
// feature belongs to, the role it plays there, and the TIP delta of the
// tile that holds the relation.
type ParentRef struct {
	RelationID int64
	Role       string
	TipDelta   int32
}

// Member is one entry of a relation's member list.
type Member struct {
	Type     Type
	ID       int64
	Role     string
	TipDelta int32
}

// NodeRef references a feature node of a way, together with the TIP delta
// of the tile that owns the node (0 if it is local).
type NodeRef struct {
	ID       int64
	TipDelta int32
}
