package updater

import (
	"context"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/locindex"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/update"
)

type located struct {
	tip tiles.TIP
	ok  bool
}

// locator answers where features will live once a plan is applied. It is
// filled before tiles are rewritten and only read afterwards, so the tile
// workers share it without locking.
type locator struct {
	tips map[key]located
}

func newLocator(ctx context.Context, idx locindex.Index, plan *update.Plan) (*locator, error) {
	l := &locator{tips: make(map[key]located, len(plan.Features))}
	for _, c := range plan.Features {
		l.tips[key{c.Type, c.ID}] = futureTIP(c)
	}

	// Referenced features the plan leaves alone keep their stored owner.
	for _, c := range plan.Features {
		if c.Change == nil {
			continue
		}
		for _, n := range c.Change.NodeIDs {
			if err := l.resolve(ctx, idx, feature.Node, n); err != nil {
				return nil, err
			}
		}
		for _, m := range c.Change.Members {
			if err := l.resolve(ctx, idx, m.Type, m.ID); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

func futureTIP(c *update.CFeature) located {
	ch := c.Change
	switch {
	case ch == nil:
		tip, _ := c.PastLocation()
		return located{tip, tip != tiles.NoTIP}
	case ch.Flags.Has(update.Delete):
		return located{tiles.NoTIP, false}
	case ch.Tiles == nil:
		return located{tiles.Purgatory, true}
	}
	return located{ch.Tiles.Owner().TIP(), true}
}

func (l *locator) resolve(ctx context.Context, idx locindex.Index, t feature.Type, id int64) error {
	k := key{t, id}
	if _, ok := l.tips[k]; ok {
		return nil
	}
	loc, err := locindex.Locate(ctx, idx, t, id)
	if err != nil {
		return err
	}
	l.tips[k] = located{loc.TIP, loc.IsFeature()}
	return nil
}

// Locate implements update.Locator.
func (l *locator) Locate(t feature.Type, id int64) (tiles.TIP, bool) {
	r := l.tips[key{t, id}]
	return r.tip, r.ok
}
