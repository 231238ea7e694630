package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/expire"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/osc"
	"github.com/wegman-software/golt/internal/updater"
)

var (
	expireOutput  string
	expireMinZoom int
	expireMaxZoom int
	expireAppend  bool
)

var updateCmd = &cobra.Command{
	Use:   "update <changes.osc[.gz]>...",
	Short: "Apply OSM change files to the tile set",
	Long: `Apply one or more OSM change files, in order, as a single changeset.

Every tile touched by the changes is rewritten, then the location index is
updated. With --expire-output every map tile covered by the old or new
extent of a changed feature is listed in z/x/y format, so downstream
caches can be invalidated.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)

	updateCmd.Flags().StringVarP(&expireOutput, "expire-output", "e", "", "Path to expire tiles output file")
	updateCmd.Flags().IntVar(&expireMinZoom, "expire-min-zoom", 1, "Minimum zoom level for tile expiry")
	updateCmd.Flags().IntVar(&expireMaxZoom, "expire-max-zoom", 18, "Maximum zoom level for tile expiry")
	updateCmd.Flags().BoolVar(&expireAppend, "expire-append", false, "Append to the expire file instead of replacing it")
}

func runUpdate(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ctx := context.Background()
	start := time.Now()

	store, dict, err := openStore()
	if err != nil {
		exitWithError("failed to open tile set", err)
	}
	idx, err := openIndex(ctx, false)
	if err != nil {
		exitWithError("failed to open location index", err)
	}
	defer idx.Close()

	cs, stats, err := osc.ReadFiles(ctx, args...)
	if err != nil {
		exitWithError("failed to read change files", err)
	}
	log.Info("Applying changes",
		zap.Int("files", len(args)),
		zap.Int64("changes", stats.Total()),
		zap.Int("elements", cs.Len()))

	u := updater.New(store, idx, dict, cfg.Workers)
	if expireOutput != "" {
		if u.Expire, err = expire.NewTracker(expireMinZoom, expireMaxZoom); err != nil {
			exitWithError("invalid expire settings", err)
		}
	}
	res, err := u.Apply(ctx, cs)
	if err != nil {
		exitWithError("update failed", err)
	}
	if u.Expire != nil {
		if err := u.Expire.WriteToFile(expireOutput, expireAppend); err != nil {
			exitWithError("failed to write expired tiles", err)
		}
	}

	log.Info("Update complete",
		zap.Int("tiles_written", res.Written),
		zap.Int("tiles_removed", res.Removed),
		zap.Duration("total_time", time.Since(start).Round(time.Millisecond)))
}
