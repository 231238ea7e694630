package build

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/golt/internal/locindex"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/tileset"
)

// maxProblems caps the problems kept in a Verification.
const maxProblems = 100

// Verification is the outcome of Verify.
type Verification struct {
	Tiles    int
	Features int
	Foreign  int
	// Problems describes inconsistencies, at most maxProblems of them.
	Problems []string
	// Failed counts every problem found, including those not kept.
	Failed int
}

func (v *Verification) report(format string, args ...any) {
	v.Failed++
	if len(v.Problems) < maxProblems {
		v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
	}
}

// Verify decodes every stored tile and checks it against the index: each
// owned feature must be indexed at its stub, and each foreign stub must
// point at a stored tile. Decode errors are returned, not reported.
func Verify(ctx context.Context, store *tileset.Store, idx locindex.Index, dict tiles.Strings, workers int) (*Verification, error) {
	if workers < 1 {
		workers = 1
	}
	ids, err := store.Tiles()
	if err != nil {
		return nil, err
	}
	stored := tiles.NewSet()
	stored.Add(ids...)

	var mu sync.Mutex
	v := &Verification{Tiles: len(ids)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			local, err := verifyTile(gctx, store, idx, dict, stored, id)
			if err != nil {
				return fmt.Errorf("tile %s: %w", id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			v.Features += local.Features
			v.Foreign += local.Foreign
			v.Failed += local.Failed
			for _, p := range local.Problems {
				if len(v.Problems) < maxProblems {
					v.Problems = append(v.Problems, p)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Named("build").Debug("Verified tile set",
		zap.Int("tiles", v.Tiles),
		zap.Int("features", v.Features),
		zap.Int("problems", v.Failed))
	return v, nil
}

func verifyTile(ctx context.Context, store *tileset.Store, idx locindex.Index, dict tiles.Strings, stored *tiles.Set, id tiles.ID) (*Verification, error) {
	m, err := store.Map(id)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	r, err := tiles.NewReader(m.Bytes(), dict)
	if err != nil {
		return nil, err
	}
	fs, err := r.Features()
	if err != nil {
		return nil, err
	}
	v := &Verification{Features: len(fs)}
	for _, f := range fs {
		if !f.IsForeign() {
			continue
		}
		v.Foreign++
		owner, ok := id.TIP().Apply(f.TipDelta).Tile()
		switch {
		case !ok:
			v.report("%s in %s: foreign stub points at no tile", f, id)
		case owner == id:
			v.report("%s in %s: foreign stub points at its own tile", f, id)
		case !stored.Contains(owner):
			v.report("%s in %s: owner tile %s is missing", f, id, owner)
		}
	}

	placed, err := OwnedPlacements(id, m.Bytes(), dict)
	if err != nil {
		return nil, err
	}
	for _, p := range placed {
		loc, err := locindex.Locate(ctx, idx, p.Type, p.ID)
		if err != nil {
			return nil, err
		}
		if loc != p.Loc {
			v.report("%s/%d in %s: indexed at %d:%d, stored at %d:%d",
				p.Type, p.ID, id, loc.TIP, loc.Ptr, p.Loc.TIP, p.Loc.Ptr)
		}
	}
	return v, nil
}
