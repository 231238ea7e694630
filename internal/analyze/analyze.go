// Package analyze makes a statistics pass over an extract. It counts
// elements, ranks the strings used in tags and roles, and counts nodes per
// zoom-12 tile. The ranked strings become the dictionary used when tiles
// are built.
package analyze

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/mercator"
	"github.com/wegman-software/golt/internal/strtab"
	"github.com/wegman-software/golt/internal/tiles"
)

// Defaults for Analyzer.
const (
	DefaultMaxStrings     = 1_000_000
	DefaultMinStringCount = 100
	DefaultBatchSize      = 64 * 1024
)

// Counts are the element totals of an extract.
type Counts struct {
	Nodes          int64
	TaggedNodes    int64
	Ways           int64
	WayNodes       int64
	Relations      int64
	SuperRelations int64
	EmptyRelations int64
	Members        int64
	Tags           int64
	MaxNodeID      int64
	MaxWayID       int64
	MaxRelationID  int64
}

// Report is the outcome of an analysis.
type Report struct {
	Counts
	NodesPerTile map[tiles.ID]int64
	// Strings are ranked, most frequent first.
	Strings []strtab.Entry
}

func (r *Report) merge(o *Report) {
	r.Nodes += o.Nodes
	r.TaggedNodes += o.TaggedNodes
	r.Ways += o.Ways
	r.WayNodes += o.WayNodes
	r.Relations += o.Relations
	r.SuperRelations += o.SuperRelations
	r.EmptyRelations += o.EmptyRelations
	r.Members += o.Members
	r.Tags += o.Tags
	r.MaxNodeID = max(r.MaxNodeID, o.MaxNodeID)
	r.MaxWayID = max(r.MaxWayID, o.MaxWayID)
	r.MaxRelationID = max(r.MaxRelationID, o.MaxRelationID)
	for id, n := range o.NodesPerTile {
		r.NodesPerTile[id] += n
	}
}

// Dictionary returns a string table of at most max strings (0 means all).
func (r *Report) Dictionary(max int) *strtab.Table {
	ranked := make([]string, 0, len(r.Strings))
	for _, e := range r.Strings {
		if max > 0 && len(ranked) == max {
			break
		}
		ranked = append(ranked, e.String)
	}
	return strtab.New(ranked)
}

// WriteStatistics writes the element counts.
func (r *Report) WriteStatistics(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, row := range []struct {
		name string
		v    int64
	}{
		{"nodes", r.Nodes},
		{"tagged-nodes", r.TaggedNodes},
		{"ways", r.Ways},
		{"way-nodes", r.WayNodes},
		{"relations", r.Relations},
		{"super-relations", r.SuperRelations},
		{"empty-relations", r.EmptyRelations},
		{"members", r.Members},
		{"tags", r.Tags},
		{"max-node-id", r.MaxNodeID},
		{"max-way-id", r.MaxWayID},
		{"max-relation-id", r.MaxRelationID},
	} {
		fmt.Fprintf(bw, "%-17s%d\n", row.name+":", row.v)
	}
	return bw.Flush()
}

// WriteDensities writes one "column,row,count" line per tile holding
// nodes, in row-major order.
func (r *Report) WriteDensities(w io.Writer) error {
	ids := make([]tiles.ID, 0, len(r.NodesPerTile))
	for id := range r.NodesPerTile {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	bw := bufio.NewWriter(w)
	for _, id := range ids {
		t := id.Tile()
		fmt.Fprintf(bw, "%d,%d,%d\n", t.Column, t.Row, r.NodesPerTile[id])
	}
	return bw.Flush()
}

// WriteStrings writes the string summary.
func (r *Report) WriteStrings(w io.Writer) error {
	return strtab.Write(w, r.Strings)
}

// Analyzer runs the statistics pass.
type Analyzer struct {
	Workers int
	// MaxStrings bounds the in-memory string table.
	MaxStrings int
	// MinStringCount drops rare strings from the final ranking.
	MinStringCount int64
	// BatchSize is the number of distinct strings a worker collects before
	// handing them to the shared table.
	BatchSize int
	log       *zap.Logger
}

// New creates an analyzer with default limits.
func New(workers int) *Analyzer {
	if workers < 1 {
		workers = 1
	}
	return &Analyzer{
		Workers:        workers,
		MaxStrings:     DefaultMaxStrings,
		MinStringCount: DefaultMinStringCount,
		BatchSize:      DefaultBatchSize,
		log:            logger.Named("analyze"),
	}
}

type stringBatch map[string]*[3]int64

const (
	countKeys = iota
	countValues
	countRoles
)

// worker accumulates counts for the objects it is handed.
type worker struct {
	report  Report
	batch   stringBatch
	size    int
	batches chan<- stringBatch
}

func (w *worker) count(ctx context.Context, s string, what int) error {
	c, ok := w.batch[s]
	if !ok {
		c = new([3]int64)
		w.batch[s] = c
	}
	c[what]++
	if len(w.batch) >= w.size {
		return w.flush(ctx)
	}
	return nil
}

func (w *worker) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	select {
	case w.batches <- w.batch:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.batch = make(stringBatch, w.size)
	return nil
}

func (w *worker) tags(ctx context.Context, tags osm.Tags) (int64, error) {
	for _, t := range tags {
		if err := w.count(ctx, t.Key, countKeys); err != nil {
			return 0, err
		}
		if err := w.count(ctx, t.Value, countValues); err != nil {
			return 0, err
		}
	}
	return int64(len(tags)), nil
}

func (w *worker) object(ctx context.Context, obj osm.Object) error {
	r := &w.report
	switch o := obj.(type) {
	case *osm.Node:
		n, err := w.tags(ctx, o.Tags)
		if err != nil {
			return err
		}
		r.Nodes++
		r.Tags += n
		if n > 0 {
			r.TaggedNodes++
		}
		r.MaxNodeID = max(r.MaxNodeID, int64(o.ID))
		c := feature.Coord{X: mercator.XFromLon(o.Lon), Y: mercator.YFromLat(o.Lat)}
		r.NodesPerTile[tiles.ForCoord(c)]++
	case *osm.Way:
		n, err := w.tags(ctx, o.Tags)
		if err != nil {
			return err
		}
		r.Ways++
		r.Tags += n
		r.WayNodes += int64(len(o.Nodes))
		r.MaxWayID = max(r.MaxWayID, int64(o.ID))
	case *osm.Relation:
		n, err := w.tags(ctx, o.Tags)
		if err != nil {
			return err
		}
		r.Relations++
		r.Tags += n
		r.Members += int64(len(o.Members))
		r.MaxRelationID = max(r.MaxRelationID, int64(o.ID))
		if len(o.Members) == 0 {
			r.EmptyRelations++
		}
		super := false
		for _, m := range o.Members {
			if m.Type == osm.TypeRelation && m.Ref != int64(o.ID) {
				super = true
			}
			if err := w.count(ctx, m.Role, countRoles); err != nil {
				return err
			}
		}
		if super {
			r.SuperRelations++
		}
	}
	return nil
}

// Run analyzes every object the scanner yields. The scanner is read from
// one goroutine; objects are counted by Workers goroutines, and a single
// goroutine owns the shared string table.
func (a *Analyzer) Run(ctx context.Context, sc osm.Scanner) (*Report, error) {
	start := time.Now()
	objects := make(chan osm.Object, 4096)
	batches := make(chan stringBatch, a.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(objects)
		for sc.Scan() {
			select {
			case objects <- sc.Object():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if err := sc.Err(); err != nil && err != io.EOF {
			return fmt.Errorf("failed to scan extract: %w", err)
		}
		return nil
	})

	workers := make([]*worker, a.Workers)
	var wg errgroup.Group
	for i := range workers {
		w := &worker{
			report:  Report{NodesPerTile: make(map[tiles.ID]int64)},
			batch:   make(stringBatch, a.BatchSize),
			size:    max(a.BatchSize, 1),
			batches: batches,
		}
		workers[i] = w
		wg.Go(func() error {
			for obj := range objects {
				if err := w.object(gctx, obj); err != nil {
					return err
				}
			}
			return w.flush(gctx)
		})
	}
	g.Go(func() error {
		err := wg.Wait()
		close(batches)
		return err
	})

	counter := newStringCounter(a.MaxStrings)
	g.Go(func() error {
		for b := range batches {
			for s, c := range b {
				counter.Add(s, c[countKeys], c[countValues], c[countRoles])
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{NodesPerTile: make(map[tiles.ID]int64)}
	for _, w := range workers {
		report.merge(&w.report)
	}
	report.Strings = counter.Ranked(a.MinStringCount)

	a.log.Info("Analysis complete",
		zap.Int64("nodes", report.Nodes),
		zap.Int64("ways", report.Ways),
		zap.Int64("relations", report.Relations),
		zap.Int("tiles", len(report.NodesPerTile)),
		zap.Int("strings", len(report.Strings)),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return report, nil
}
