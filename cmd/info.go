package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/tileset"
)

var infoCmd = &cobra.Command{
	Use:   "info [tile]",
	Short: "List stored tiles, or the features of one tile",
	Long: `Without arguments, list every stored tile with its size and feature
counts. With a tile given as column/row, 12/column/row or "purgatory",
print the features the tile holds.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) {
	store, dict, err := openStore()
	if err != nil {
		exitWithError("failed to open tile set", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if len(args) == 1 {
		id, err := parseTile(args[0])
		if err != nil {
			exitWithError("invalid tile", err)
		}
		if err := printFeatures(w, store, dict, id); err != nil {
			exitWithError("failed to read tile", err)
		}
		return
	}

	ids, err := store.Tiles()
	if err != nil {
		exitWithError("failed to list tiles", err)
	}
	fmt.Fprintln(w, "TILE\tBYTES\tFEATURES\tFOREIGN")
	for _, id := range ids {
		r, m, err := openReader(store, dict, id)
		if err != nil {
			exitWithError("failed to read tile", err)
		}
		foreign := 0
		for i := 0; i < r.Len(); i++ {
			pos, err := r.StubPos(i)
			if err == nil {
				var f *feature.Feature
				if f, err = r.ReadStub(pos); err == nil && f.IsForeign() {
					foreign++
				}
			}
			if err != nil {
				m.Close()
				exitWithError("failed to read tile", err)
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", id, r.Size(), r.Len(), foreign)
		m.Close()
	}
}

func openReader(store *tileset.Store, dict tiles.Strings, id tiles.ID) (*tiles.Reader, *tileset.Mapped, error) {
	m, err := store.Map(id)
	if err != nil {
		return nil, nil, err
	}
	r, err := tiles.NewReader(m.Bytes(), dict)
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	return r, m, nil
}

func printFeatures(w *tabwriter.Writer, store *tileset.Store, dict tiles.Strings, id tiles.ID) error {
	r, m, err := openReader(store, dict, id)
	if err != nil {
		return err
	}
	defer m.Close()
	fs, err := r.Features()
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "FEATURE\tOFFSET\tOWNER\tTAGS\tDETAIL")
	for _, f := range fs {
		owner := "local"
		if f.IsForeign() {
			t, _ := id.TIP().Apply(f.TipDelta).Tile()
			owner = t.String()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", f, f.Ptr, owner, f.Tags, detail(f))
	}
	return nil
}

func detail(f *feature.Feature) string {
	switch {
	case f.Type() == feature.Node:
		return fmt.Sprintf("x=%d y=%d", f.Bounds.MinX, f.Bounds.MinY)
	case f.Way() != nil:
		coords, err := f.Way().Coords()
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%d coords, %d feature nodes", len(coords), len(f.Way().Nodes))
	case f.Relation() != nil:
		return fmt.Sprintf("%d members", len(f.Relation().Members))
	}
	return ""
}

// parseTile accepts "purgatory", "column/row" or "zoom/column/row" at the
// tile zoom.
func parseTile(s string) (tiles.ID, error) {
	if s == "purgatory" {
		return tiles.PurgatoryTile, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) == 3 {
		if parts[0] != strconv.Itoa(tiles.Zoom) {
			return 0, fmt.Errorf("tile %q: zoom must be %d", s, tiles.Zoom)
		}
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return 0, fmt.Errorf("tile %q: want column/row", s)
	}
	col, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("tile %q: %w", s, err)
	}
	row, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("tile %q: %w", s, err)
	}
	if col < 0 || row < 0 || col >= tiles.GridWidth || row >= tiles.GridWidth {
		return 0, fmt.Errorf("tile %q: outside the grid", s)
	}
	return tiles.Tile{Row: row, Column: col}.ID(), nil
}
