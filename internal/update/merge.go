package update

import (
	"fmt"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/tiles"
)

// Locator resolves the future owning tile of a feature. It reports false
// for features that will not exist as features, such as untagged way
// nodes.
type Locator interface {
	Locate(t feature.Type, id int64) (tiles.TIP, bool)
}

type key struct {
	t  feature.Type
	id int64
}

// MergeTile applies the records affecting tile to the tile's past features
// and returns its future features in canonical order. Features without a
// record are carried over unmodified.
func MergeTile(tile tiles.ID, past []*feature.Feature, changes []*CFeature, loc Locator) ([]*feature.Feature, error) {
	byKey := make(map[key]*CFeature, len(changes))
	for _, c := range changes {
		if err := Validate(c); err != nil {
			return nil, err
		}
		byKey[key{c.Type, c.ID}] = c
	}

	out := make([]*feature.Feature, 0, len(past)+len(changes))
	present := make(map[key]*feature.Feature, len(past)+len(changes))
	keep := func(f *feature.Feature) {
		out = append(out, f)
		present[key{f.Type(), f.ID}] = f
	}

	for _, f := range past {
		c, ok := byKey[key{f.Type(), f.ID}]
		if !ok || c.Change == nil {
			keep(f)
			continue
		}
		if !c.InFuture(tile) {
			continue
		}
		if f.IsForeign() {
			g := *f
			g.Bounds = c.Change.Bounds
			keep(&g)
			continue
		}
		g, err := apply(tile, f, c, loc)
		if err != nil {
			return nil, err
		}
		keep(g)
	}

	for _, c := range changes {
		k := key{c.Type, c.ID}
		if _, ok := present[k]; ok || !c.InFuture(tile) {
			continue
		}
		f, err := create(tile, c, loc)
		if err != nil {
			return nil, err
		}
		keep(f)
	}

	linkRelations(tile, out, present, changes)
	if err := addNodeStubs(tile, &out, present, byKey); err != nil {
		return nil, err
	}
	out = pruneForeignNodes(out)
	feature.MarkWayNodes(out)
	feature.Sort(out)
	return out, nil
}

// apply returns a copy of a local feature with the change applied.
func apply(tile tiles.ID, f *feature.Feature, c *CFeature, loc Locator) (*feature.Feature, error) {
	ch := c.Change
	g := *f
	g.Tags = ch.Tags
	g.Bounds = ch.Bounds
	if ch.Flags.Has(SharedFutureLocation) {
		g.Flags |= feature.SharedLocation
	} else {
		g.Flags &^= feature.SharedLocation
	}
	if !ch.Flags.Has(FutureRelationMember) {
		g.Relations = nil
		g.Flags &^= feature.RelationMember
	}

	switch c.Type {
	case feature.Way:
		wb := f.Way()
		if wb == nil {
			return nil, fmt.Errorf("%s has no body to update", f)
		}
		body := *wb
		if loc != nil && len(ch.NodeIDs) > 0 {
			body.Nodes = wayNodes(tile, ch, loc)
		}
		if ch.Flags.Has(ChangedGeometry) {
			body.SetCoords(ch.Coords)
		}
		nodes := body.Nodes
		g.Body = &body
		g.Flags &^= feature.WayNode
		if len(nodes) > 0 {
			g.Flags |= feature.WayNode
		}
		g.Flags = withArea(g.Flags, feature.IsAreaWay(feature.IsClosed(ch.NodeIDs), ch.Tags))
	case feature.Relation:
		// Member tip deltas go stale when members move, so the list is
		// rebuilt whenever their locations are known.
		if ch.Flags.Has(ChangedMembers) || (loc != nil && len(ch.Members) > 0) {
			g.Body = &feature.RelationBody{Members: members(tile, ch.Members, loc)}
		}
		g.Flags = withArea(g.Flags, feature.IsAreaRelation(ch.Tags))
	}
	return &g, nil
}

// create builds a feature that enters the tile, either because it is new
// or because it moved here.
func create(tile tiles.ID, c *CFeature, loc Locator) (*feature.Feature, error) {
	ch := c.Change
	var f *feature.Feature
	switch c.Type {
	case feature.Node:
		f = feature.NewNode(c.ID, ch.Coord, ch.Tags)
		if ch.Flags.Has(SharedFutureLocation) {
			f.Flags |= feature.SharedLocation
		}
	case feature.Way:
		if len(ch.Coords) == 0 && tile != tiles.PurgatoryTile {
			return nil, fmt.Errorf("%s enters tile %s without geometry", c, tile)
		}
		f = feature.NewWay(c.ID, ch.Coords, wayNodes(tile, ch, loc), ch.Tags)
		f.Flags = withArea(f.Flags, feature.IsAreaWay(feature.IsClosed(ch.NodeIDs), ch.Tags))
	case feature.Relation:
		f = feature.NewRelation(c.ID, members(tile, ch.Members, loc), ch.Tags)
		f.Bounds = ch.Bounds
		f.Flags = withArea(f.Flags, feature.IsAreaRelation(ch.Tags))
	default:
		return nil, fmt.Errorf("%s: unknown type", c)
	}
	return f, nil
}

func withArea(f feature.Flags, area bool) feature.Flags {
	if area {
		return f | feature.Area
	}
	return f &^ feature.Area
}

// wayNodes selects the way's nodes that are features and records where
// each one lives relative to tile.
func wayNodes(tile tiles.ID, ch *Change, loc Locator) []feature.NodeRef {
	if loc == nil {
		return nil
	}
	var refs []feature.NodeRef
	for _, id := range ch.NodeIDs {
		tip, ok := loc.Locate(feature.Node, id)
		if !ok {
			continue
		}
		refs = append(refs, feature.NodeRef{ID: id, TipDelta: tile.TIP().Delta(tip)})
	}
	return refs
}

func members(tile tiles.ID, in []feature.Member, loc Locator) []feature.Member {
	out := make([]feature.Member, len(in))
	for i, m := range in {
		m.TipDelta = 0
		if loc != nil {
			if tip, ok := loc.Locate(m.Type, m.ID); ok {
				m.TipDelta = tile.TIP().Delta(tip)
			}
		}
		out[i] = m
	}
	return out
}

// linkRelations keeps the parent tables of the tile's features in step
// with the changed relations: members gain a reference, features dropped
// from a relation lose theirs.
func linkRelations(tile tiles.ID, out []*feature.Feature, present map[key]*feature.Feature, changes []*CFeature) {
	for _, c := range changes {
		if c.Type != feature.Relation || c.Change == nil {
			continue
		}
		ch := c.Change
		if ch.Flags&(Delete|ChangedMembers|ChangedTiles) == 0 {
			continue
		}
		roles := make(map[key]string)
		if !ch.Flags.Has(Delete) {
			for _, m := range ch.Members {
				if _, ok := roles[key{m.Type, m.ID}]; !ok {
					roles[key{m.Type, m.ID}] = m.Role
				}
			}
		}
		for i, f := range out {
			if f.IsForeign() {
				continue
			}
			k := key{f.Type(), f.ID}
			role, member := roles[k]
			if k.t == feature.Relation && k.id == c.ID {
				member = false
			}
			if !member && !hasParent(f.Relations, c.ID) {
				continue
			}
			// Features carried over from the past tile are shared with the
			// caller, so edit a copy.
			g := *f
			g.Relations = withoutParent(f.Relations, c.ID)
			if member {
				var tipDelta int32
				switch {
				case ch.Tiles == nil:
					if tile != tiles.PurgatoryTile {
						tipDelta = tile.TIP().Delta(tiles.Purgatory)
					}
				case !ch.Tiles.Contains(tile):
					tipDelta = tile.TIP().Delta(ch.Tiles.Owner().TIP())
				}
				g.Relations = append(g.Relations, feature.ParentRef{RelationID: c.ID, Role: role, TipDelta: tipDelta})
			}
			if len(g.Relations) > 0 {
				g.Flags |= feature.RelationMember
			} else {
				g.Flags &^= feature.RelationMember
			}
			out[i] = &g
			present[k] = &g
		}
	}
}

func hasParent(refs []feature.ParentRef, relID int64) bool {
	for _, r := range refs {
		if r.RelationID == relID {
			return true
		}
	}
	return false
}

func withoutParent(refs []feature.ParentRef, relID int64) []feature.ParentRef {
	var out []feature.ParentRef
	for _, r := range refs {
		if r.RelationID != relID {
			out = append(out, r)
		}
	}
	return out
}

// addNodeStubs makes sure every feature node referenced from a way has a
// stub in the tile; nodes owned elsewhere get a foreign stub positioned
// from the way's own geometry. References to nodes deleted by the
// changeset are dropped from ways that were not themselves changed.
func addNodeStubs(tile tiles.ID, out *[]*feature.Feature, present map[key]*feature.Feature, byKey map[key]*CFeature) error {
	n := len(*out)
	for i := 0; i < n; i++ {
		f := (*out)[i]
		wb := f.Way()
		if wb == nil || f.IsForeign() || len(wb.Nodes) == 0 {
			continue
		}
		var ch *Change
		if c, ok := byKey[key{feature.Way, f.ID}]; ok {
			ch = c.Change
		}

		refs := wb.Nodes[:0:0]
		for _, ref := range wb.Nodes {
			if c, ok := byKey[key{feature.Node, ref.ID}]; ok && c.State() == Deleted {
				continue
			}
			refs = append(refs, ref)
		}
		if len(refs) != len(wb.Nodes) {
			g, body := *f, *wb
			body.Nodes = refs
			g.Body = &body
			if len(refs) == 0 {
				g.Flags &^= feature.WayNode
			}
			f = &g
			(*out)[i] = f
			present[key{feature.Way, f.ID}] = f
		}

		for _, ref := range refs {
			k := key{feature.Node, ref.ID}
			if _, ok := present[k]; ok {
				continue
			}
			if ref.TipDelta == 0 {
				return fmt.Errorf("%s: local node/%d missing from tile %s", f, ref.ID, tile)
			}
			pos, ok := nodePosition(ch, ref.ID)
			if !ok {
				return fmt.Errorf("%s: no position for foreign node/%d", f, ref.ID)
			}
			stub := &feature.Feature{
				ID:       ref.ID,
				Flags:    feature.Foreign.WithType(feature.Node),
				Bounds:   feature.Bounds{MinX: pos.X, MinY: pos.Y, MaxX: pos.X, MaxY: pos.Y},
				TipDelta: ref.TipDelta,
			}
			*out = append(*out, stub)
			present[k] = stub
		}
	}
	return nil
}

func nodePosition(ch *Change, id int64) (feature.Coord, bool) {
	if ch == nil || len(ch.NodeIDs) != len(ch.Coords) {
		return feature.Coord{}, false
	}
	for i, n := range ch.NodeIDs {
		if n == id {
			return ch.Coords[i], true
		}
	}
	return feature.Coord{}, false
}

// pruneForeignNodes drops foreign node stubs no local way refers to.
func pruneForeignNodes(fs []*feature.Feature) []*feature.Feature {
	used := make(map[int64]bool)
	for _, f := range fs {
		if wb := f.Way(); wb != nil && !f.IsForeign() {
			for _, ref := range wb.Nodes {
				used[ref.ID] = true
			}
		}
	}
	out := fs[:0]
	for _, f := range fs {
		if f.IsForeign() && f.Type() == feature.Node && !used[f.ID] {
			continue
		}
		out = append(out, f)
	}
	return out
}
