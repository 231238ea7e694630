package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/build"
	"github.com/wegman-software/golt/internal/logger"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Decode every tile and verify it against the location index",
	Args:  cobra.NoArgs,
	Run:   runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) {
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

	v, err := build.Verify(ctx, store, idx, dict, cfg.Workers)
	if err != nil {
		exitWithError("tile set is corrupt", err)
	}
	for _, p := range v.Problems {
		log.Warn(p)
	}
	log.Info("Check complete",
		zap.Int("tiles", v.Tiles),
		zap.Int("features", v.Features),
		zap.Int("foreign", v.Foreign),
		zap.Int("problems", v.Failed),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	if v.Failed > 0 {
		exitWithError(fmt.Sprintf("found %d problems", v.Failed), nil)
	}
}
