// Package updater applies OSM change files to a tile set and keeps its
// location index in step.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/build"
	"github.com/wegman-software/golt/internal/expire"
	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/locindex"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/osc"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/tileset"
	"github.com/wegman-software/golt/internal/update"
)

// Result summarizes one applied changeset.
type Result struct {
	Stats update.Stats
	// Tiles lists every rewritten or removed tile.
	Tiles    []tiles.ID
	Written  int
	Removed  int
	Duration time.Duration
}

// Updater applies changesets to a tile store.
type Updater struct {
	Store   *tileset.Store
	Index   locindex.Index
	Dict    tiles.Strings
	Workers int
	// Expire, when set, receives the past and future bounds of every
	// changed feature.
	Expire *expire.Tracker
	log    *zap.Logger
}

// New creates an updater. Workers below 1 are treated as 1.
func New(store *tileset.Store, idx locindex.Index, dict tiles.Strings, workers int) *Updater {
	if workers < 1 {
		workers = 1
	}
	return &Updater{Store: store, Index: idx, Dict: dict, Workers: workers, log: logger.Named("update")}
}

// Apply diffs cs against the store, rewrites every affected tile and then
// updates the index. Tiles are written before the index, so an interrupted
// run leaves tiles ahead of the index; rerunning the same changeset is not
// supported.
func (u *Updater) Apply(ctx context.Context, cs *osc.Changeset) (*Result, error) {
	start := time.Now()
	a := newAssembler(ctx, u.Index, u.Store, u.Dict, cs)
	pairs, err := a.Pairs()
	if err != nil {
		return nil, fmt.Errorf("failed to read past state: %w", err)
	}
	u.log.Debug("Assembled changeset",
		zap.Int("changes", cs.Len()),
		zap.Int("nodes", len(a.affectedNodes)),
		zap.Int("ways", len(a.affectedWays)),
		zap.Int("relations", len(a.affectedRels)))

	plan, err := update.NewPlanner(u.Workers).Plan(ctx, pairs)
	if err != nil {
		return nil, err
	}
	if u.Expire != nil {
		expirePairs(u.Expire, plan, pairs)
	}
	loc, err := newLocator(ctx, u.Index, plan)
	if err != nil {
		return nil, err
	}

	res := &Result{Stats: plan.Stats, Tiles: plan.Tiles}
	var mu sync.Mutex
	var placements []locindex.Placement
	err = update.ApplyPlan(ctx, plan, u.Workers, func(ctx context.Context, tile tiles.ID, changes []*update.CFeature) error {
		placed, removed, err := u.rewrite(tile, changes, loc)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		placements = append(placements, placed...)
		if removed {
			res.Removed++
		} else {
			res.Written++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := u.updateIndex(ctx, a, placements); err != nil {
		return nil, fmt.Errorf("failed to update index: %w", err)
	}
	res.Duration = time.Since(start)
	u.log.Info("Changeset applied",
		zap.Int64("modified", res.Stats.Modified),
		zap.Int64("new", res.Stats.New),
		zap.Int64("deleted", res.Stats.Deleted),
		zap.Int64("implicit_deletes", res.Stats.Implicit),
		zap.Int("tiles_written", res.Written),
		zap.Int("tiles_removed", res.Removed),
		zap.Duration("duration", res.Duration.Round(time.Millisecond)))
	return res, nil
}

// expirePairs marks the old and new extent of every feature the plan
// changes.
func expirePairs(tr *expire.Tracker, plan *update.Plan, pairs []update.Pair) {
	changed := make(map[key]bool)
	for _, c := range plan.Features {
		if c.State() != update.Unchanged {
			changed[key{c.Type, c.ID}] = true
		}
	}
	for _, p := range pairs {
		if p.Past != nil && changed[key{p.Past.Type, p.Past.ID}] {
			if b, ok := snapshotBounds(&p.Past.Snapshot); ok {
				tr.ExpireBounds(b)
			}
		}
		if p.Future != nil && !p.Future.Deleted && changed[key{p.Future.Type, p.Future.ID}] {
			if b, ok := snapshotBounds(&p.Future.Snapshot); ok {
				tr.ExpireBounds(b)
			}
		}
	}
}

func snapshotBounds(s *update.Snapshot) (feature.Bounds, bool) {
	switch s.Type {
	case feature.Node:
		return feature.Bounds{MinX: s.Coord.X, MinY: s.Coord.Y, MaxX: s.Coord.X, MaxY: s.Coord.Y}, true
	case feature.Way:
		if len(s.Coords) == 0 {
			return feature.Bounds{}, false
		}
		return feature.BoundsOf(s.Coords), true
	}
	return s.Bounds, !s.Unlocated
}

// rewrite merges the changes into one tile and stores the result. A tile
// left without features is removed.
func (u *Updater) rewrite(tile tiles.ID, changes []*update.CFeature, loc update.Locator) ([]locindex.Placement, bool, error) {
	var past []*feature.Feature
	buf, err := u.Store.Load(tile)
	switch {
	case errors.Is(err, tileset.ErrNoTile):
	case err != nil:
		return nil, false, err
	default:
		r, err := tiles.NewReader(buf, u.Dict)
		if err != nil {
			return nil, false, err
		}
		if past, err = r.Features(); err != nil {
			return nil, false, err
		}
	}

	future, err := update.MergeTile(tile, past, changes, loc)
	if err != nil {
		return nil, false, err
	}
	if len(future) == 0 {
		return nil, true, u.Store.Remove(tile)
	}

	b := tiles.NewBuilder(tile, u.Dict)
	for _, f := range future {
		if err := b.Add(f); err != nil {
			return nil, false, err
		}
	}
	out, err := b.Build()
	if err != nil {
		return nil, false, err
	}
	if err := u.Store.Write(tile, out); err != nil {
		return nil, false, err
	}
	placed, err := build.OwnedPlacements(tile, out, u.Dict)
	return placed, false, err
}

// updateIndex records the changeset's elements, clears the location of
// nodes that stopped being features and points every feature of a
// rewritten tile at its new stub.
func (u *Updater) updateIndex(ctx context.Context, a *assembler, placements []locindex.Placement) error {
	cs := a.cs
	pastLoc := func(t feature.Type, id int64, future bool) (locindex.Location, error) {
		if !future {
			return locindex.NoLocation, nil
		}
		return locindex.Locate(ctx, u.Index, t, id)
	}

	var nodes []locindex.NodeRecord
	for id := range a.affectedNodes {
		f := a.nodeFutures[id]
		c, inCS := cs.Node(id)
		if inCS && c.Deleted() {
			if err := u.Index.Delete(ctx, feature.Node, id); err != nil {
				return err
			}
			continue
		}
		if f == nil {
			continue
		}
		rec, err := a.node(id)
		if err != nil {
			return err
		}
		if !inCS && (rec == nil || rec.Loc.IsFeature() == f.IsFeature()) {
			continue
		}
		l, err := pastLoc(feature.Node, id, f.IsFeature())
		if err != nil {
			return err
		}
		nodes = append(nodes, locindex.NodeRecord{ID: id, Coord: f.Coord, Loc: l})
	}

	var ways []locindex.WayRecord
	for id, c := range cs.Ways {
		if c.Deleted() {
			if err := u.Index.Delete(ctx, feature.Way, id); err != nil {
				return err
			}
			continue
		}
		l, err := pastLoc(feature.Way, id, true)
		if err != nil {
			return err
		}
		ways = append(ways, locindex.WayRecord{ID: id, Nodes: build.NodeIDs(c.Object.(*osm.Way).Nodes), Loc: l})
	}

	var rels []locindex.RelationRecord
	for id, c := range cs.Relations {
		if c.Deleted() {
			if err := u.Index.Delete(ctx, feature.Relation, id); err != nil {
				return err
			}
			continue
		}
		l, err := pastLoc(feature.Relation, id, true)
		if err != nil {
			return err
		}
		members := build.IndexMembers(build.Members(c.Object.(*osm.Relation).Members))
		rels = append(rels, locindex.RelationRecord{ID: id, Members: members, Loc: l})
	}

	if err := u.Index.PutNodes(ctx, nodes); err != nil {
		return err
	}
	if err := u.Index.PutWays(ctx, ways); err != nil {
		return err
	}
	if err := u.Index.PutRelations(ctx, rels); err != nil {
		return err
	}
	return u.Index.SetLocations(ctx, placements)
}
