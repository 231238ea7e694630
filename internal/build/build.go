package build

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/locindex"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/tileset"
)

// indexBatch is the number of records written to the index per call.
const indexBatch = 10000

// Stats summarizes a build.
type Stats struct {
	Nodes        int
	FeatureNodes int
	Ways         int
	Relations    int
	Tiles        int
	Purgatory    int
	Bytes        int64
}

// Builder writes a dataset as tiles and records every element in the
// location index.
type Builder struct {
	Store   *tileset.Store
	Index   locindex.Index
	Dict    tiles.Strings
	Workers int
	log     *zap.Logger
}

// NewBuilder creates a builder. Workers below 1 are treated as 1.
func NewBuilder(store *tileset.Store, idx locindex.Index, dict tiles.Strings, workers int) *Builder {
	if workers < 1 {
		workers = 1
	}
	return &Builder{Store: store, Index: idx, Dict: dict, Workers: workers, log: logger.Named("build")}
}

// Build encodes every tile of ds and fills the index.
func (b *Builder) Build(ctx context.Context, ds *Dataset) (*Stats, error) {
	start := time.Now()
	layout := NewLayout(ds)
	ids := layout.TileIDs()
	b.log.Info("Assigned features to tiles", zap.Int("tiles", len(ids)), zap.Duration("duration", time.Since(start)))

	// Each worker owns one slot; results are merged after Wait.
	placements := make([][]locindex.Placement, b.Workers)
	var bytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < b.Workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(ids); i += b.Workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				placed, n, err := b.buildTile(layout, ids[i])
				if err != nil {
					return fmt.Errorf("tile %s: %w", ids[i], err)
				}
				placements[w] = append(placements[w], placed...)
				bytes.Add(int64(n))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	locs := make(map[key]locindex.Location)
	for _, ps := range placements {
		for _, p := range ps {
			locs[key{p.Type, p.ID}] = p.Loc
		}
	}
	if err := b.fillIndex(ctx, ds, locs); err != nil {
		return nil, err
	}

	stats := &Stats{
		Nodes:     len(ds.Nodes),
		Ways:      len(ds.Ways),
		Relations: len(ds.Relations),
		Tiles:     len(ids),
		Purgatory: len(layout.Tiles[tiles.PurgatoryTile]),
		Bytes:     bytes.Load(),
	}
	for k := range locs {
		if k.t == feature.Node {
			stats.FeatureNodes++
		}
	}
	if stats.Purgatory > 0 {
		stats.Tiles--
	}
	b.log.Info("Build complete",
		zap.Int("tiles", stats.Tiles),
		zap.Int("feature_nodes", stats.FeatureNodes),
		zap.Int("purgatory", stats.Purgatory),
		zap.Int64("bytes", stats.Bytes),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return stats, nil
}

func (b *Builder) buildTile(layout *Layout, id tiles.ID) ([]locindex.Placement, int, error) {
	tb := tiles.NewBuilder(id, b.Dict)
	for _, f := range layout.Features(id) {
		if err := tb.Add(f); err != nil {
			return nil, 0, err
		}
	}
	buf, err := tb.Build()
	if err != nil {
		return nil, 0, err
	}
	if err := b.Store.Write(id, buf); err != nil {
		return nil, 0, err
	}
	placed, err := OwnedPlacements(id, buf, b.Dict)
	if err != nil {
		return nil, 0, err
	}
	return placed, len(buf), nil
}

// OwnedPlacements reads back a tile and returns the location of every
// local feature whose owner is this tile.
func OwnedPlacements(id tiles.ID, buf []byte, dict tiles.Strings) ([]locindex.Placement, error) {
	r, err := tiles.NewReader(buf, dict)
	if err != nil {
		return nil, err
	}
	var out []locindex.Placement
	for i := 0; i < r.Len(); i++ {
		pos, err := r.StubPos(i)
		if err != nil {
			return nil, err
		}
		f, err := r.ReadStub(pos)
		if err != nil {
			return nil, err
		}
		if f.IsForeign() || OwnerOf(id, f) != id {
			continue
		}
		out = append(out, locindex.Placement{
			Type: f.Type(),
			ID:   f.ID,
			Loc:  locindex.Location{TIP: id.TIP(), Ptr: int32(pos)},
		})
	}
	return out, nil
}

// OwnerOf returns the owner tile of a local feature read from tile.
func OwnerOf(tile tiles.ID, f *feature.Feature) tiles.ID {
	if tile == tiles.PurgatoryTile {
		return tiles.PurgatoryTile
	}
	return tiles.RangeOf(f.Bounds).Owner()
}

func (b *Builder) fillIndex(ctx context.Context, ds *Dataset, locs map[key]locindex.Location) error {
	loc := func(t feature.Type, id int64) locindex.Location {
		if l, ok := locs[key{t, id}]; ok {
			return l
		}
		return locindex.NoLocation
	}

	nodes := make([]locindex.NodeRecord, 0, indexBatch)
	for _, n := range ds.Nodes {
		nodes = append(nodes, locindex.NodeRecord{ID: n.ID, Coord: n.Coord, Loc: loc(feature.Node, n.ID)})
		if len(nodes) == indexBatch {
			if err := b.Index.PutNodes(ctx, nodes); err != nil {
				return err
			}
			nodes = nodes[:0]
		}
	}
	if err := b.Index.PutNodes(ctx, nodes); err != nil {
		return err
	}

	ways := make([]locindex.WayRecord, 0, indexBatch)
	for _, w := range ds.Ways {
		ways = append(ways, locindex.WayRecord{ID: w.ID, Nodes: w.Nodes, Loc: loc(feature.Way, w.ID)})
		if len(ways) == indexBatch {
			if err := b.Index.PutWays(ctx, ways); err != nil {
				return err
			}
			ways = ways[:0]
		}
	}
	if err := b.Index.PutWays(ctx, ways); err != nil {
		return err
	}

	rels := make([]locindex.RelationRecord, 0, indexBatch)
	for _, r := range ds.Relations {
		rels = append(rels, locindex.RelationRecord{ID: r.ID, Members: IndexMembers(r.Members), Loc: loc(feature.Relation, r.ID)})
		if len(rels) == indexBatch {
			if err := b.Index.PutRelations(ctx, rels); err != nil {
				return err
			}
			rels = rels[:0]
		}
	}
	if err := b.Index.PutRelations(ctx, rels); err != nil {
		return err
	}
	b.log.Debug("Filled location index", zap.Int("features", len(locs)))
	return nil
}

// IndexMembers strips tile information from relation members.
func IndexMembers(in []feature.Member) []locindex.Member {
	out := make([]locindex.Member, len(in))
	for i, m := range in {
		out[i] = locindex.Member{Type: m.Type, ID: m.ID, Role: m.Role}
	}
	return out
}
