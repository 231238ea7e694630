package update

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/tiles"
)

// Pair is the past and future version of one feature. Either may be nil.
type Pair struct {
	Past   *Past
	Future *Future
}

func (p Pair) key() (feature.Type, int64) {
	if p.Past != nil {
		return p.Past.Type, p.Past.ID
	}
	return p.Future.Type, p.Future.ID
}

// Stats counts records per state.
type Stats struct {
	Unchanged  int64
	Modified   int64
	Deleted    int64
	New        int64
	Implicit   int64 // implicit node deletions, also counted in Deleted
	Violations int64
}

func (s *Stats) add(c *CFeature, explicit bool) {
	switch c.State() {
	case Unchanged:
		s.Unchanged++
	case Modified:
		s.Modified++
	case Deleted:
		s.Deleted++
		if !explicit {
			s.Implicit++
		}
	case New:
		s.New++
	}
}

func (s *Stats) merge(o Stats) {
	s.Unchanged += o.Unchanged
	s.Modified += o.Modified
	s.Deleted += o.Deleted
	s.New += o.New
	s.Implicit += o.Implicit
	s.Violations += o.Violations
}

// Plan is the outcome of diffing a changeset.
type Plan struct {
	// Features holds every tracked record in canonical order.
	Features []*CFeature
	// Tiles lists the tiles that must be rewritten, ascending.
	Tiles  []tiles.ID
	Stats  Stats
	byTile map[tiles.ID][]*CFeature
}

// ForTile returns the changed records affecting tile, in canonical order.
func (p *Plan) ForTile(tile tiles.ID) []*CFeature {
	return p.byTile[tile]
}

// Planner diffs a changeset in parallel.
type Planner struct {
	Workers int
	differ  Differ
}

// NewPlanner creates a planner with the given number of workers.
func NewPlanner(workers int) *Planner {
	if workers < 1 {
		workers = 1
	}
	return &Planner{Workers: workers}
}

type workerResult struct {
	features   []*CFeature
	stats      Stats
	violations []error
}

// Plan diffs all pairs. Work is partitioned by feature id so each worker
// owns a disjoint, deterministic slice of the input; results are merged
// only after every worker has finished. Taxonomy violations fail the plan.
func (p *Planner) Plan(ctx context.Context, pairs []Pair) (*Plan, error) {
	log := logger.Get()
	start := time.Now()

	results := make([]workerResult, p.Workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < p.Workers; w++ {
		w := w
		g.Go(func() error {
			res := &results[w]
			for i, pair := range pairs {
				_, id := pair.key()
				if int(uint64(id)%uint64(p.Workers)) != w {
					continue
				}
				if i%4096 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				c, err := p.differ.Diff(pair.Past, pair.Future)
				if err != nil {
					if errors.Is(err, ErrTaxonomyViolation) {
						res.stats.Violations++
						res.violations = append(res.violations, err)
						continue
					}
					return err
				}
				if c == nil {
					continue
				}
				explicit := pair.Future != nil && pair.Future.Deleted
				res.stats.add(c, explicit)
				res.features = append(res.features, c)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	plan := &Plan{byTile: make(map[tiles.ID][]*CFeature)}
	var violations []error
	for _, res := range results {
		plan.Features = append(plan.Features, res.features...)
		plan.Stats.merge(res.stats)
		violations = append(violations, res.violations...)
	}
	if len(violations) > 0 {
		return nil, fmt.Errorf("%d records rejected: %w", len(violations), errors.Join(violations...))
	}

	sort.Slice(plan.Features, func(i, j int) bool {
		a, b := plan.Features[i], plan.Features[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Type < b.Type
	})

	set := tiles.NewSet()
	for _, c := range plan.Features {
		for _, tile := range c.AffectedTiles() {
			set.Add(tile)
			plan.byTile[tile] = append(plan.byTile[tile], c)
		}
	}
	plan.Tiles = set.IDs()

	log.Debug("Changeset planned",
		zap.Int("records", len(plan.Features)),
		zap.Int("tiles", len(plan.Tiles)),
		zap.Int64("modified", plan.Stats.Modified),
		zap.Int64("deleted", plan.Stats.Deleted),
		zap.Int64("implicit_deletes", plan.Stats.Implicit),
		zap.Int64("new", plan.Stats.New),
		zap.Duration("elapsed", time.Since(start)))
	return plan, nil
}

// TileFunc rebuilds one tile from all records affecting it.
type TileFunc func(ctx context.Context, tile tiles.ID, changes []*CFeature) error

// ApplyPlan calls fn exactly once for every tile in the plan, with at most
// workers calls running at a time. Each call receives all records for its
// tile so the tile can be rebuilt as one unit.
func ApplyPlan(ctx context.Context, plan *Plan, workers int, fn TileFunc) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, tile := range plan.Tiles {
		tile := tile
		changes := plan.byTile[tile]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, tile, changes); err != nil {
				return fmt.Errorf("tile %s: %w", tile, err)
			}
			return nil
		})
	}
	return g.Wait()
}
