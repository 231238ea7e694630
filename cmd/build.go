package cmd

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/build"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/strtab"
	"github.com/wegman-software/golt/internal/tileset"
)

var buildCmd = &cobra.Command{
	Use:   "build <extract.osm.pbf>",
	Short: "Write an extract as zoom-12 tiles and fill the location index",
	Long: `Build a tile set from an extract (.osm.pbf or .osm).

Any tiles and index left in the tile directory are replaced. Strings are
encoded through the dictionary read from --strings-file, or from the
string-counts.txt written by analyze when no file is given.`,
	Args: cobra.ExactArgs(1),
	Run:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVar(&cfg.StringsFile, "strings-file", cfg.StringsFile, "Ranked string summary (default <tile-dir>/string-counts.txt)")
	buildCmd.Flags().IntVar(&cfg.MaxStrings, "max-strings", cfg.MaxStrings, "Maximum number of dictionary strings")
}

func runBuild(cmd *cobra.Command, args []string) {
	log := logger.Get()
	input := args[0]
	ctx := context.Background()

	store, err := tileset.Open(cfg.TileDir)
	if err != nil {
		exitWithError("failed to open tile directory", err)
	}
	if err := clearTiles(store); err != nil {
		exitWithError("failed to remove old tiles", err)
	}
	dict, err := loadDictionary()
	if err != nil {
		exitWithError("failed to load string dictionary", err)
	}
	if err := store.WriteDictionary(dict); err != nil {
		exitWithError("failed to save string dictionary", err)
	}

	stop := startMetrics(ctx)
	defer stop()

	log.Info("Starting build",
		zap.String("input", input),
		zap.String("tile_dir", cfg.TileDir),
		zap.String("index", cfg.IndexType),
		zap.Int("strings", dict.Len()),
		zap.Int("workers", cfg.Workers))
	start := time.Now()

	ds, err := build.Read(ctx, input, cfg.Workers)
	if err != nil {
		exitWithError("failed to read extract", err)
	}
	idx, err := openIndex(ctx, true)
	if err != nil {
		exitWithError("failed to open location index", err)
	}
	defer idx.Close()

	stats, err := build.NewBuilder(store, idx, dict, cfg.Workers).Build(ctx, ds)
	if err != nil {
		exitWithError("build failed", err)
	}

	log.Info("Tile set ready",
		zap.Int("nodes", stats.Nodes),
		zap.Int("ways", stats.Ways),
		zap.Int("relations", stats.Relations),
		zap.Int("tiles", stats.Tiles),
		zap.Int("purgatory", stats.Purgatory),
		zap.Duration("total_time", time.Since(start).Round(time.Second)))
}

// loadDictionary reads the ranked string summary. Without one, tiles are
// built with every string stored literally.
func loadDictionary() (*strtab.Table, error) {
	path := cfg.StringsFile
	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.TileDir, stringsFile)
	}
	t, err := strtab.Load(path, cfg.MaxStrings)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		logger.Get().Warn("No string summary found, building without dictionary", zap.String("path", path))
		return strtab.New(nil), nil
	}
	return t, err
}

func clearTiles(store *tileset.Store) error {
	ids, err := store.Tiles()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := store.Remove(id); err != nil {
			return err
		}
	}
	return nil
}
