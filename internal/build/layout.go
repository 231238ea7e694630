package build

import (
	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/tiles"
)

type key struct {
	t  feature.Type
	id int64
}

type parent struct {
	relID int64
	role  string
}

// placement is where a feature is stored. A nil rng means purgatory.
type placement struct {
	bounds feature.Bounds
	rng    *tiles.Range
}

func (p *placement) owner() tiles.ID {
	if p.rng == nil {
		return tiles.PurgatoryTile
	}
	return p.rng.Owner()
}

// contains reports whether the feature is stored locally in tile.
func (p *placement) contains(tile tiles.ID) bool {
	if p.rng == nil {
		return tile == tiles.PurgatoryTile
	}
	return tile != tiles.PurgatoryTile && p.rng.Contains(tile)
}

// Layout classifies the elements of a dataset and assigns the features to
// tiles.
type Layout struct {
	ds *Dataset

	wayCount map[int64]int32
	parents  map[key][]parent
	shared   map[feature.Coord]int32

	placed map[key]*placement
	// Tiles maps each tile to the features stored locally in it.
	Tiles map[tiles.ID][]key
}

// NewLayout classifies ds. A node is a feature if it has tags, belongs to
// a relation, shares its location with another node or belongs to no way.
// Ways and relations always are; those without geometry go to purgatory.
func NewLayout(ds *Dataset) *Layout {
	l := &Layout{
		ds:       ds,
		wayCount: make(map[int64]int32),
		parents:  make(map[key][]parent),
		shared:   make(map[feature.Coord]int32),
		placed:   make(map[key]*placement),
		Tiles:    make(map[tiles.ID][]key),
	}

	for _, w := range ds.Ways {
		seen := make(map[int64]bool, len(w.Nodes))
		for _, n := range w.Nodes {
			if !seen[n] {
				seen[n] = true
				l.wayCount[n]++
			}
		}
	}
	for _, r := range ds.Relations {
		seen := make(map[key]bool, len(r.Members))
		for _, m := range r.Members {
			k := key{m.Type, m.ID}
			if seen[k] || (m.Type == feature.Relation && m.ID == r.ID) {
				continue
			}
			seen[k] = true
			l.parents[k] = append(l.parents[k], parent{relID: r.ID, role: m.Role})
		}
	}
	for _, n := range ds.Nodes {
		l.shared[n.Coord]++
	}

	for _, n := range ds.Nodes {
		if l.IsFeatureNode(n.ID) {
			b := feature.Bounds{MinX: n.Coord.X, MinY: n.Coord.Y, MaxX: n.Coord.X, MaxY: n.Coord.Y}
			l.place(key{feature.Node, n.ID}, &placement{bounds: b, rng: rangeOf(b)})
		}
	}
	for _, w := range ds.Ways {
		coords := l.wayCoords(w)
		p := &placement{}
		if len(coords) > 0 {
			p.bounds = feature.BoundsOf(coords)
			p.rng = rangeOf(p.bounds)
		}
		l.place(key{feature.Way, w.ID}, p)
	}
	visiting := make(map[int64]bool)
	for _, r := range ds.Relations {
		l.placeRelation(r, visiting)
	}
	return l
}

func rangeOf(b feature.Bounds) *tiles.Range {
	r := tiles.RangeOf(b)
	return &r
}

func (l *Layout) place(k key, p *placement) {
	l.placed[k] = p
	if p.rng == nil {
		l.Tiles[tiles.PurgatoryTile] = append(l.Tiles[tiles.PurgatoryTile], k)
		return
	}
	for _, id := range p.rng.IDs() {
		l.Tiles[id] = append(l.Tiles[id], k)
	}
}

// placeRelation places a relation after its members. Relations caught in
// a membership cycle contribute no bounds to each other.
func (l *Layout) placeRelation(r *Relation, visiting map[int64]bool) *placement {
	k := key{feature.Relation, r.ID}
	if p, ok := l.placed[k]; ok {
		return p
	}
	if visiting[r.ID] {
		return nil
	}
	visiting[r.ID] = true
	defer delete(visiting, r.ID)

	p := &placement{}
	var bounds feature.Bounds
	found := false
	expand := func(b feature.Bounds) {
		if !found {
			bounds, found = b, true
		} else {
			bounds.Expand(b)
		}
	}
	for _, m := range r.Members {
		switch m.Type {
		case feature.Node:
			if n, ok := l.ds.Nodes[m.ID]; ok {
				expand(feature.Bounds{MinX: n.Coord.X, MinY: n.Coord.Y, MaxX: n.Coord.X, MaxY: n.Coord.Y})
			}
		case feature.Way:
			if wp := l.placed[key{feature.Way, m.ID}]; wp != nil && wp.rng != nil {
				expand(wp.bounds)
			}
		case feature.Relation:
			child, ok := l.ds.Relations[m.ID]
			if !ok || m.ID == r.ID {
				continue
			}
			if cp := l.placeRelation(child, visiting); cp != nil && cp.rng != nil {
				expand(cp.bounds)
			}
		}
	}
	if found {
		p.bounds = bounds
		p.rng = rangeOf(bounds)
	}
	l.place(k, p)
	return p
}

func (l *Layout) wayCoords(w *Way) []feature.Coord {
	coords := make([]feature.Coord, 0, len(w.Nodes))
	for _, id := range w.Nodes {
		if n, ok := l.ds.Nodes[id]; ok {
			coords = append(coords, n.Coord)
		}
	}
	return coords
}

// IsFeatureNode reports whether a node is stored as a feature.
func (l *Layout) IsFeatureNode(id int64) bool {
	n, ok := l.ds.Nodes[id]
	if !ok {
		return false
	}
	return len(n.Tags) > 0 || len(l.parents[key{feature.Node, id}]) > 0 ||
		l.shared[n.Coord] > 1 || l.wayCount[id] == 0
}

// Owner returns the tile that locates a feature, and false for elements
// that are not features.
func (l *Layout) Owner(t feature.Type, id int64) (tiles.ID, bool) {
	p, ok := l.placed[key{t, id}]
	if !ok {
		return 0, false
	}
	return p.owner(), true
}

// TileIDs returns the tiles holding at least one feature, purgatory first.
func (l *Layout) TileIDs() []tiles.ID {
	set := tiles.NewSet()
	for id := range l.Tiles {
		set.Add(id)
	}
	return set.IDs()
}

// Features builds the local features of tile plus foreign stubs for the
// way nodes owned by other tiles, in canonical order.
func (l *Layout) Features(tile tiles.ID) []*feature.Feature {
	keys := l.Tiles[tile]
	out := make([]*feature.Feature, 0, len(keys))
	local := make(map[key]bool, len(keys))
	for _, k := range keys {
		local[k] = true
	}

	foreign := make(map[int64]bool)
	for _, k := range keys {
		f := l.feature(tile, k)
		out = append(out, f)
		wb := f.Way()
		if wb == nil {
			continue
		}
		for _, ref := range wb.Nodes {
			if local[key{feature.Node, ref.ID}] || foreign[ref.ID] {
				continue
			}
			foreign[ref.ID] = true
			n := l.ds.Nodes[ref.ID]
			stub := feature.NewNode(n.ID, n.Coord, nil)
			stub.Body = nil
			stub.Flags |= feature.Foreign
			stub.TipDelta = ref.TipDelta
			out = append(out, stub)
		}
	}
	feature.MarkWayNodes(out)
	feature.Sort(out)
	return out
}

func (l *Layout) tipDelta(tile tiles.ID, t feature.Type, id int64) int32 {
	owner, ok := l.Owner(t, id)
	if !ok {
		return 0
	}
	return tile.TIP().Delta(owner.TIP())
}

func (l *Layout) feature(tile tiles.ID, k key) *feature.Feature {
	p := l.placed[k]
	var f *feature.Feature
	switch k.t {
	case feature.Node:
		n := l.ds.Nodes[k.id]
		f = feature.NewNode(n.ID, n.Coord, n.Tags)
		if l.shared[n.Coord] > 1 {
			f.Flags |= feature.SharedLocation
		}
	case feature.Way:
		w := l.ds.Ways[k.id]
		var refs []feature.NodeRef
		for _, id := range w.Nodes {
			if l.IsFeatureNode(id) {
				refs = append(refs, feature.NodeRef{ID: id, TipDelta: l.tipDelta(tile, feature.Node, id)})
			}
		}
		f = feature.NewWay(w.ID, l.wayCoords(w), refs, w.Tags)
		if feature.IsAreaWay(feature.IsClosed(w.Nodes), w.Tags) {
			f.Flags |= feature.Area
		}
	case feature.Relation:
		r := l.ds.Relations[k.id]
		members := make([]feature.Member, len(r.Members))
		for i, m := range r.Members {
			m.TipDelta = l.tipDelta(tile, m.Type, m.ID)
			members[i] = m
		}
		f = feature.NewRelation(r.ID, members, r.Tags)
		f.Bounds = p.bounds
		if feature.IsAreaRelation(r.Tags) {
			f.Flags |= feature.Area
		}
	}

	for _, par := range l.parents[k] {
		var tipDelta int32
		if rp := l.placed[key{feature.Relation, par.relID}]; rp != nil && !rp.contains(tile) {
			tipDelta = tile.TIP().Delta(rp.owner().TIP())
		}
		f.Relations = append(f.Relations, feature.ParentRef{RelationID: par.relID, Role: par.role, TipDelta: tipDelta})
	}
	if len(f.Relations) > 0 {
		f.Flags |= feature.RelationMember
	}
	return f
}
