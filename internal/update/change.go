// Package update computes how a changeset affects a tile store: which
// features change and in what way, which tiles must be rewritten, and the
// future feature list of each rewritten tile.
package update

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/tiles"
)

// ChangeFlags describes what differs between a feature's past and future
// versions. "Past" means before the changeset is applied, "future" after.
type ChangeFlags uint32

const (
	ChangedTags ChangeFlags = 1 << 0
	// ChangedGeometry applies to a node's x/y or a way's coordinates, never
	// to relations.
	ChangedGeometry ChangeFlags = 1 << 1
	// ChangedNodeIDs always comes with ChangedGeometry.
	ChangedNodeIDs ChangeFlags = 1 << 2
	ChangedMembers ChangeFlags = 1 << 3
	ChangedBBox    ChangeFlags = 1 << 4
	// ChangedTiles means the feature moves into or out of at least one tile.
	ChangedTiles ChangeFlags = 1 << 5
	Delete       ChangeFlags = 1 << 6

	// SharedFutureLocation marks a node whose future x/y coincides with
	// another node's.
	SharedFutureLocation ChangeFlags = 1 << 8
	// FutureRelationMember marks a feature that will belong to at least
	// one relation.
	FutureRelationMember ChangeFlags = 1 << 9
)

var flagNames = []struct {
	flag ChangeFlags
	name string
}{
	{ChangedTags, "tags"},
	{ChangedGeometry, "geometry"},
	{ChangedNodeIDs, "node-ids"},
	{ChangedMembers, "members"},
	{ChangedBBox, "bbox"},
	{ChangedTiles, "tiles"},
	{Delete, "delete"},
	{SharedFutureLocation, "shared-location"},
	{FutureRelationMember, "relation-member"},
}

func (f ChangeFlags) Has(bits ChangeFlags) bool {
	return f&bits == bits
}

func (f ChangeFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ErrTaxonomyViolation is returned for change records whose flags
// contradict each other or the feature type.
var ErrTaxonomyViolation = errors.New("change taxonomy violation")

// Change carries the future state of a changed feature. The flags say which
// aspects differ from the past; the remaining fields always hold the full
// future state so that a tile the feature moves into can be rebuilt from
// the change alone.
type Change struct {
	Flags ChangeFlags
	// Version is the explicit version of the edit, or 0 if the feature only
	// changes as a consequence of other edits.
	Version int
	Tags    feature.Tags
	Coord   feature.Coord
	NodeIDs []int64
	Coords  []feature.Coord
	Members []feature.Member
	Bounds  feature.Bounds
	// Tiles is the future tile range, or nil if the feature will have no
	// tile placement.
	Tiles *tiles.Range
}

// State is the lifecycle of a feature across one changeset.
type State int

const (
	Unchanged State = iota
	Modified
	Deleted
	New
)

func (s State) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case New:
		return "new"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CFeature wraps a feature's past location and its change, if any.
type CFeature struct {
	ID   int64
	Type feature.Type
	// tip is the TIP of a tile holding the past version, NoTIP if the
	// feature did not exist and Purgatory if it had no tile placement.
	tip tiles.TIP
	// ptr is the stub offset of the past version in that tile.
	ptr int
	// past is the tile range of the past version, nil if it had none.
	past *tiles.Range

	Change *Change
}

// NewCFeature creates a record for a feature that existed at tip/ptr.
func NewCFeature(t feature.Type, id int64, tip tiles.TIP, ptr int) *CFeature {
	return &CFeature{ID: id, Type: t, tip: tip, ptr: ptr}
}

// PastLocation returns the TIP and stub offset of the past version.
func (c *CFeature) PastLocation() (tiles.TIP, int) {
	return c.tip, c.ptr
}

// Exists reports whether the feature existed before the changeset.
func (c *CFeature) Exists() bool {
	return c.tip != tiles.NoTIP
}

func (c *CFeature) InPurgatory() bool {
	return c.tip == tiles.Purgatory
}

// State classifies the record.
func (c *CFeature) State() State {
	switch {
	case c.Change == nil:
		return Unchanged
	case c.Change.Flags.Has(Delete):
		return Deleted
	case !c.Exists():
		return New
	}
	return Modified
}

// PastTiles returns the tiles the past version occupied. A feature in
// purgatory occupies tiles.PurgatoryTile.
func (c *CFeature) PastTiles() []tiles.ID {
	if c.past == nil {
		if c.InPurgatory() {
			return []tiles.ID{tiles.PurgatoryTile}
		}
		return nil
	}
	return c.past.IDs()
}

// AffectedTiles returns the sorted tiles that must be rewritten for this
// record: every past tile, plus every future tile unless it is deleted.
func (c *CFeature) AffectedTiles() []tiles.ID {
	if c.Change == nil {
		return nil
	}
	ids := c.PastTiles()
	if !c.Change.Flags.Has(Delete) {
		if c.Change.Tiles != nil {
			ids = append(ids, c.Change.Tiles.IDs()...)
		} else {
			ids = append(ids, tiles.PurgatoryTile)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// InFuture reports whether the feature will occupy tile.
func (c *CFeature) InFuture(tile tiles.ID) bool {
	if c.Change == nil {
		if tile == tiles.PurgatoryTile {
			return c.InPurgatory()
		}
		return c.past != nil && c.past.Contains(tile)
	}
	if c.Change.Flags.Has(Delete) {
		return false
	}
	if c.Change.Tiles == nil {
		return tile == tiles.PurgatoryTile
	}
	return tile != tiles.PurgatoryTile && c.Change.Tiles.Contains(tile)
}

func (c *CFeature) String() string {
	s := fmt.Sprintf("%s/%d", c.Type, c.ID)
	if c.Change != nil {
		s += " [" + c.Change.Flags.String() + "]"
	}
	return s
}

// Validate checks the flag taxonomy of a record. Violations are reported,
// never repaired.
func Validate(c *CFeature) error {
	if c.Change == nil {
		return nil
	}
	f := c.Change.Flags
	fail := func(reason string) error {
		return fmt.Errorf("%w: %s: %s", ErrTaxonomyViolation, c, reason)
	}
	if f.Has(ChangedNodeIDs) && !f.Has(ChangedGeometry) {
		return fail("node ids changed without geometry")
	}
	if f.Has(Delete) && f.Has(FutureRelationMember) {
		return fail("deleted while still a relation member")
	}
	if f.Has(ChangedNodeIDs) && c.Type != feature.Way {
		return fail("node ids on a " + c.Type.String())
	}
	if f.Has(ChangedMembers) && c.Type != feature.Relation {
		return fail("members on a " + c.Type.String())
	}
	if f.Has(ChangedGeometry) && c.Type == feature.Relation {
		return fail("geometry on a relation")
	}
	if f.Has(SharedFutureLocation) && c.Type != feature.Node {
		return fail("shared location on a " + c.Type.String())
	}
	return nil
}
