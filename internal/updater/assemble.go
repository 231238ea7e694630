package updater

import (
	"context"
	"fmt"
	"sort"

	"github.com/paulmach/osm"

	"github.com/wegman-software/golt/internal/build"
	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/locindex"
	"github.com/wegman-software/golt/internal/osc"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/tileset"
	"github.com/wegman-software/golt/internal/update"
)

type key struct {
	t  feature.Type
	id int64
}

// assembler derives the past and future state of every feature a
// changeset touches, directly or through the ways and relations that
// refer to changed elements. It is used from a single goroutine.
type assembler struct {
	ctx   context.Context
	idx   locindex.Index
	store *tileset.Store
	dict  tiles.Strings
	cs    *osc.Changeset

	readers map[tiles.ID]*tiles.Reader
	nodes   map[int64]*locindex.NodeRecord
	ways    map[int64]*locindex.WayRecord
	rels    map[int64]*locindex.RelationRecord

	// Elements of the changeset that refer to a node or member.
	csWaysByNode map[int64][]int64
	csRelsByKey  map[key][]int64

	affectedNodes map[int64]bool
	affectedWays  map[int64]bool
	affectedRels  map[int64]bool

	nodeFutures map[int64]*update.Future
	wayFutures  map[int64]*update.Future
	relFutures  map[int64]*update.Future
	relVisiting map[int64]bool
}

func newAssembler(ctx context.Context, idx locindex.Index, store *tileset.Store, dict tiles.Strings, cs *osc.Changeset) *assembler {
	a := &assembler{
		ctx:           ctx,
		idx:           idx,
		store:         store,
		dict:          dict,
		cs:            cs,
		readers:       make(map[tiles.ID]*tiles.Reader),
		nodes:         make(map[int64]*locindex.NodeRecord),
		ways:          make(map[int64]*locindex.WayRecord),
		rels:          make(map[int64]*locindex.RelationRecord),
		csWaysByNode:  make(map[int64][]int64),
		csRelsByKey:   make(map[key][]int64),
		affectedNodes: make(map[int64]bool),
		affectedWays:  make(map[int64]bool),
		affectedRels:  make(map[int64]bool),
		nodeFutures:   make(map[int64]*update.Future),
		wayFutures:    make(map[int64]*update.Future),
		relFutures:    make(map[int64]*update.Future),
		relVisiting:   make(map[int64]bool),
	}
	for id, c := range cs.Ways {
		if c.Deleted() {
			continue
		}
		seen := make(map[int64]bool)
		for _, n := range c.Object.(*osm.Way).Nodes {
			if !seen[int64(n.ID)] {
				seen[int64(n.ID)] = true
				a.csWaysByNode[int64(n.ID)] = append(a.csWaysByNode[int64(n.ID)], id)
			}
		}
	}
	for id, c := range cs.Relations {
		if c.Deleted() {
			continue
		}
		seen := make(map[key]bool)
		for _, m := range build.Members(c.Object.(*osm.Relation).Members) {
			k := key{m.Type, m.ID}
			if seen[k] || (m.Type == feature.Relation && m.ID == id) {
				continue
			}
			seen[k] = true
			a.csRelsByKey[k] = append(a.csRelsByKey[k], id)
		}
	}
	return a
}

func (a *assembler) node(id int64) (*locindex.NodeRecord, error) {
	if n, ok := a.nodes[id]; ok {
		return n, nil
	}
	n, err := a.idx.Node(a.ctx, id)
	if err != nil {
		return nil, err
	}
	a.nodes[id] = n
	return n, nil
}

func (a *assembler) way(id int64) (*locindex.WayRecord, error) {
	if w, ok := a.ways[id]; ok {
		return w, nil
	}
	w, err := a.idx.Way(a.ctx, id)
	if err != nil {
		return nil, err
	}
	a.ways[id] = w
	return w, nil
}

func (a *assembler) relation(id int64) (*locindex.RelationRecord, error) {
	if r, ok := a.rels[id]; ok {
		return r, nil
	}
	r, err := a.idx.Relation(a.ctx, id)
	if err != nil {
		return nil, err
	}
	a.rels[id] = r
	return r, nil
}

func tileOf(tip tiles.TIP) tiles.ID {
	if id, ok := tip.Tile(); ok {
		return id
	}
	return tiles.PurgatoryTile
}

// stub reads a stored feature from the tile its location names.
func (a *assembler) stub(loc locindex.Location, t feature.Type, id int64) (*feature.Feature, error) {
	tile := tileOf(loc.TIP)
	r, ok := a.readers[tile]
	if !ok {
		buf, err := a.store.Load(tile)
		if err != nil {
			return nil, err
		}
		if r, err = tiles.NewReader(buf, a.dict); err != nil {
			return nil, fmt.Errorf("tile %s: %w", tile, err)
		}
		a.readers[tile] = r
	}
	f, err := r.Lookup(t, id)
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", tile, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%s/%d is indexed in tile %s but not stored there", t, id, tile)
	}
	return f, nil
}

func without(ids []int64, drop func(int64) bool) []int64 {
	var out []int64
	for _, id := range ids {
		if !drop(id) {
			out = append(out, id)
		}
	}
	return out
}

func (a *assembler) inChangeset(t feature.Type, id int64) bool {
	switch t {
	case feature.Node:
		_, ok := a.cs.Nodes[id]
		return ok
	case feature.Way:
		_, ok := a.cs.Ways[id]
		return ok
	}
	_, ok := a.cs.Relations[id]
	return ok
}

// futureWays returns the ways that will contain a node.
func (a *assembler) futureWays(node int64) ([]int64, error) {
	past, err := a.idx.WaysForNode(a.ctx, node)
	if err != nil {
		return nil, err
	}
	ids := without(past, func(w int64) bool { return a.inChangeset(feature.Way, w) })
	return append(ids, a.csWaysByNode[node]...), nil
}

func (a *assembler) pastParents(t feature.Type, id int64) ([]int64, error) {
	past, err := a.idx.RelationsForMember(a.ctx, t, id)
	if err != nil {
		return nil, err
	}
	return without(past, func(r int64) bool { return t == feature.Relation && r == id }), nil
}

// futureParents returns the relations that will list a feature.
func (a *assembler) futureParents(t feature.Type, id int64) ([]int64, error) {
	past, err := a.pastParents(t, id)
	if err != nil {
		return nil, err
	}
	ids := without(past, func(r int64) bool { return a.inChangeset(feature.Relation, r) })
	return append(ids, a.csRelsByKey[key{t, id}]...), nil
}

func (a *assembler) collect() error {
	for id := range a.cs.Nodes {
		a.affectedNodes[id] = true
	}
	for id, c := range a.cs.Ways {
		a.affectedWays[id] = true
		// Nodes joining or leaving a way may change feature status.
		if w, err := a.way(id); err != nil {
			return err
		} else if w != nil {
			for _, n := range w.Nodes {
				a.affectedNodes[n] = true
			}
		}
		if !c.Deleted() {
			for _, n := range c.Object.(*osm.Way).Nodes {
				a.affectedNodes[int64(n.ID)] = true
			}
		}
	}
	for id, c := range a.cs.Relations {
		a.affectedRels[id] = true
		// Members joining or leaving change their membership flag.
		var members []locindex.Member
		if r, err := a.relation(id); err != nil {
			return err
		} else if r != nil {
			members = append(members, r.Members...)
		}
		if !c.Deleted() {
			members = append(members, build.IndexMembers(build.Members(c.Object.(*osm.Relation).Members))...)
		}
		for _, m := range members {
			switch m.Type {
			case feature.Node:
				a.affectedNodes[m.ID] = true
			case feature.Way:
				a.affectedWays[m.ID] = true
			}
		}
	}

	if err := a.collectCoincident(); err != nil {
		return err
	}

	// Relations whose members change may change their bounds.
	queue := make([]key, 0, len(a.affectedNodes)+len(a.affectedWays)+len(a.affectedRels))
	for id := range a.affectedNodes {
		queue = append(queue, key{feature.Node, id})
	}
	for id := range a.affectedWays {
		queue = append(queue, key{feature.Way, id})
	}
	for id := range a.affectedRels {
		queue = append(queue, key{feature.Relation, id})
	}
	for len(queue) > 0 {
		k := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		parents, err := a.pastParents(k.t, k.id)
		if err != nil {
			return err
		}
		for _, r := range parents {
			if !a.affectedRels[r] {
				a.affectedRels[r] = true
				queue = append(queue, key{feature.Relation, r})
			}
		}
	}
	return nil
}

// collectCoincident adds the nodes stored at the past or future location
// of an affected node, since they may gain or lose SharedLocation, and the
// ways of every affected node, whose node tables follow feature status.
func (a *assembler) collectCoincident() error {
	coords := make(map[feature.Coord]bool)
	for id := range a.affectedNodes {
		rec, err := a.node(id)
		if err != nil {
			return err
		}
		if rec != nil {
			coords[rec.Coord] = true
		}
		c, ok, err := a.futureCoord(id)
		if err != nil {
			return err
		}
		if ok {
			coords[c] = true
		}
	}
	for c := range coords {
		ids, err := a.idx.NodesAt(a.ctx, c)
		if err != nil {
			return err
		}
		for _, id := range ids {
			a.affectedNodes[id] = true
		}
	}
	for id := range a.affectedNodes {
		ways, err := a.idx.WaysForNode(a.ctx, id)
		if err != nil {
			return err
		}
		for _, w := range ways {
			a.affectedWays[w] = true
		}
	}
	return nil
}

func (a *assembler) pastNode(id int64) (*update.Past, error) {
	rec, err := a.node(id)
	if err != nil || rec == nil {
		return nil, err
	}
	p := &update.Past{
		Snapshot: update.Snapshot{Type: feature.Node, ID: id, Coord: rec.Coord},
		TIP:      rec.Loc.TIP,
		Ptr:      int(rec.Loc.Ptr),
	}
	if !rec.Loc.IsFeature() {
		return p, nil
	}
	f, err := a.stub(rec.Loc, feature.Node, id)
	if err != nil {
		return nil, err
	}
	p.Tags = f.Tags
	p.RelationMember = f.IsRelationMember()
	p.SharedLocation = f.Flags.Has(feature.SharedLocation)
	p.Pinned = len(p.Tags) == 0 && !p.RelationMember && !p.SharedLocation
	return p, nil
}

// futureCoord returns where a node will be, and false if it will not
// exist.
func (a *assembler) futureCoord(id int64) (feature.Coord, bool, error) {
	if c, ok := a.cs.Node(id); ok {
		if c.Deleted() {
			return feature.Coord{}, false, nil
		}
		n := c.Object.(*osm.Node)
		return build.Coord(n.Lat, n.Lon), true, nil
	}
	rec, err := a.node(id)
	if err != nil || rec == nil {
		return feature.Coord{}, false, err
	}
	return rec.Coord, true, nil
}

// futureNodes computes the future of every affected node. Every node
// that will sit at the future location of an affected node is affected
// itself, so counting among them finds all shared locations.
func (a *assembler) futureNodes(pasts map[int64]*update.Past) error {
	coords := make(map[feature.Coord]int)
	for id := range a.affectedNodes {
		if c, ok, err := a.futureCoord(id); err != nil {
			return err
		} else if ok {
			coords[c]++
		}
	}

	for id := range a.affectedNodes {
		past := pasts[id]
		c, inCS := a.cs.Node(id)
		if past == nil && !inCS {
			continue
		}
		parents, err := a.futureParents(feature.Node, id)
		if err != nil {
			return err
		}
		f := &update.Future{Snapshot: update.Snapshot{Type: feature.Node, ID: id}}
		f.RelationMember = len(parents) > 0
		if inCS {
			f.Version = c.Version()
		}
		if inCS && c.Deleted() {
			f.Deleted = true
			a.nodeFutures[id] = f
			continue
		}

		if inCS {
			n := c.Object.(*osm.Node)
			f.Coord = build.Coord(n.Lat, n.Lon)
			f.Tags = build.Tags(n.Tags)
		} else {
			f.Coord = past.Coord
			f.Tags = past.Tags
		}
		ways, err := a.futureWays(id)
		if err != nil {
			return err
		}
		f.Pinned = len(ways) == 0
		f.SharedLocation = coords[f.Coord] > 1
		a.nodeFutures[id] = f
	}
	return nil
}

// futureIsFeature reports whether a node will be stored as a feature.
func (a *assembler) futureIsFeature(id int64) (bool, error) {
	if f, ok := a.nodeFutures[id]; ok {
		return !f.Deleted && f.IsFeature(), nil
	}
	rec, err := a.node(id)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.Loc.IsFeature(), nil
}

func (a *assembler) pastWay(id int64) (*update.Past, error) {
	rec, err := a.way(id)
	if err != nil || rec == nil {
		return nil, err
	}
	p := &update.Past{
		Snapshot: update.Snapshot{Type: feature.Way, ID: id},
		TIP:      rec.Loc.TIP,
		Ptr:      int(rec.Loc.Ptr),
	}
	for _, n := range rec.Nodes {
		nr, err := a.node(n)
		if err != nil {
			return nil, err
		}
		if nr == nil {
			continue
		}
		p.NodeIDs = append(p.NodeIDs, n)
		p.Coords = append(p.Coords, nr.Coord)
		if nr.Loc.IsFeature() {
			p.FeatureNodes = append(p.FeatureNodes, n)
		}
	}
	f, err := a.stub(rec.Loc, feature.Way, id)
	if err != nil {
		return nil, err
	}
	p.Tags = f.Tags
	p.RelationMember = f.IsRelationMember()
	return p, nil
}

func (a *assembler) futureWay(id int64, past *update.Past) (*update.Future, error) {
	c, inCS := a.cs.Way(id)
	if past == nil && !inCS {
		return nil, nil
	}
	parents, err := a.futureParents(feature.Way, id)
	if err != nil {
		return nil, err
	}
	f := &update.Future{Snapshot: update.Snapshot{Type: feature.Way, ID: id}}
	f.RelationMember = len(parents) > 0
	if inCS {
		f.Version = c.Version()
	}
	if inCS && c.Deleted() {
		f.Deleted = true
		return f, nil
	}

	var nodes []int64
	if inCS {
		w := c.Object.(*osm.Way)
		nodes = build.NodeIDs(w.Nodes)
		f.Tags = build.Tags(w.Tags)
	} else {
		rec, err := a.way(id)
		if err != nil {
			return nil, err
		}
		nodes = rec.Nodes
		f.Tags = past.Tags
	}
	for _, n := range nodes {
		coord, ok, err := a.futureCoord(n)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		f.NodeIDs = append(f.NodeIDs, n)
		f.Coords = append(f.Coords, coord)
		isFeature, err := a.futureIsFeature(n)
		if err != nil {
			return nil, err
		}
		if isFeature {
			f.FeatureNodes = append(f.FeatureNodes, n)
		}
	}
	return f, nil
}

func (a *assembler) pastRelation(id int64) (*update.Past, error) {
	rec, err := a.relation(id)
	if err != nil || rec == nil {
		return nil, err
	}
	p := &update.Past{
		Snapshot: update.Snapshot{Type: feature.Relation, ID: id, Members: toMembers(rec.Members)},
		TIP:      rec.Loc.TIP,
		Ptr:      int(rec.Loc.Ptr),
	}
	f, err := a.stub(rec.Loc, feature.Relation, id)
	if err != nil {
		return nil, err
	}
	p.Tags = f.Tags
	p.RelationMember = f.IsRelationMember()
	p.Bounds = f.Bounds
	p.Unlocated = rec.Loc.TIP == tiles.Purgatory
	return p, nil
}

func toMembers(in []locindex.Member) []feature.Member {
	out := make([]feature.Member, len(in))
	for i, m := range in {
		out[i] = feature.Member{Type: m.Type, ID: m.ID, Role: m.Role}
	}
	return out
}

// storedBounds returns the bounds of an unaffected feature from its stub.
func (a *assembler) storedBounds(t feature.Type, id int64) (feature.Bounds, bool, error) {
	loc, err := locindex.Locate(a.ctx, a.idx, t, id)
	if err != nil || !loc.IsFeature() || loc.TIP == tiles.Purgatory {
		return feature.Bounds{}, false, err
	}
	f, err := a.stub(loc, t, id)
	if err != nil {
		return feature.Bounds{}, false, err
	}
	return f.Bounds, true, nil
}

// memberBounds returns the future bounds of a relation member.
func (a *assembler) memberBounds(m feature.Member) (feature.Bounds, bool, error) {
	switch m.Type {
	case feature.Node:
		c, ok, err := a.futureCoord(m.ID)
		return feature.Bounds{MinX: c.X, MinY: c.Y, MaxX: c.X, MaxY: c.Y}, ok, err
	case feature.Way:
		if a.affectedWays[m.ID] {
			f := a.wayFutures[m.ID]
			if f == nil || f.Deleted || !f.Placed() {
				return feature.Bounds{}, false, nil
			}
			return f.BoundsOf(), true, nil
		}
	case feature.Relation:
		if a.affectedRels[m.ID] {
			f, err := a.futureRelation(m.ID)
			if err != nil || f == nil || f.Deleted || !f.Placed() {
				return feature.Bounds{}, false, err
			}
			return f.Bounds, true, nil
		}
	}
	return a.storedBounds(m.Type, m.ID)
}

// futureRelation computes a relation's future, resolving member relations
// first. Members caught in a cycle contribute no bounds.
func (a *assembler) futureRelation(id int64) (*update.Future, error) {
	if f, ok := a.relFutures[id]; ok {
		return f, nil
	}
	if a.relVisiting[id] {
		return nil, nil
	}
	a.relVisiting[id] = true
	defer delete(a.relVisiting, id)

	rec, err := a.relation(id)
	if err != nil {
		return nil, err
	}
	c, inCS := a.cs.Relation(id)
	if rec == nil && !inCS {
		return nil, nil
	}
	parents, err := a.futureParents(feature.Relation, id)
	if err != nil {
		return nil, err
	}
	f := &update.Future{Snapshot: update.Snapshot{Type: feature.Relation, ID: id}}
	f.RelationMember = len(parents) > 0
	if inCS {
		f.Version = c.Version()
	}
	if inCS && c.Deleted() {
		f.Deleted = true
		a.relFutures[id] = f
		return f, nil
	}

	if inCS {
		r := c.Object.(*osm.Relation)
		f.Members = build.Members(r.Members)
		f.Tags = build.Tags(r.Tags)
	} else {
		f.Members = toMembers(rec.Members)
		stub, err := a.stub(rec.Loc, feature.Relation, id)
		if err != nil {
			return nil, err
		}
		f.Tags = stub.Tags
	}

	found := false
	for _, m := range f.Members {
		if m.Type == feature.Relation && m.ID == id {
			continue
		}
		b, ok, err := a.memberBounds(m)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !found {
			f.Bounds, found = b, true
		} else {
			f.Bounds.Expand(b)
		}
	}
	f.Unlocated = !found
	a.relFutures[id] = f
	return f, nil
}

func sortedIDs(m map[int64]bool) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Pairs returns the past/future pair of every affected feature.
func (a *assembler) Pairs() ([]update.Pair, error) {
	if err := a.collect(); err != nil {
		return nil, err
	}

	var pairs []update.Pair
	nodePasts := make(map[int64]*update.Past)
	for _, id := range sortedIDs(a.affectedNodes) {
		p, err := a.pastNode(id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			nodePasts[id] = p
		}
	}
	if err := a.futureNodes(nodePasts); err != nil {
		return nil, err
	}
	for _, id := range sortedIDs(a.affectedNodes) {
		past, future := nodePasts[id], a.nodeFutures[id]
		if past == nil && future == nil {
			continue
		}
		pairs = append(pairs, update.Pair{Past: past, Future: future})
	}

	for _, id := range sortedIDs(a.affectedWays) {
		past, err := a.pastWay(id)
		if err != nil {
			return nil, err
		}
		future, err := a.futureWay(id, past)
		if err != nil {
			return nil, err
		}
		if past == nil && future == nil {
			continue
		}
		a.wayFutures[id] = future
		pairs = append(pairs, update.Pair{Past: past, Future: future})
	}

	for _, id := range sortedIDs(a.affectedRels) {
		past, err := a.pastRelation(id)
		if err != nil {
			return nil, err
		}
		future, err := a.futureRelation(id)
		if err != nil {
			return nil, err
		}
		if past == nil && future == nil {
			continue
		}
		pairs = append(pairs, update.Pair{Past: past, Future: future})
	}
	return pairs, nil
}
