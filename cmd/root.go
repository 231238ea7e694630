package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/config"
	"github.com/wegman-software/golt/internal/locindex"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/metrics"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/tileset"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "golt",
	Short: "Tiled OSM feature store",
	Long: `golt stores OpenStreetMap data as zoom-12 tiles of compact,
randomly addressable features and keeps them current with change files.

Typical workflow:
  golt analyze planet.osm.pbf       # rank strings, count nodes per tile
  golt build planet.osm.pbf         # write tiles and the location index
  golt update 001.osc.gz 002.osc.gz # apply changes incrementally
  golt check                        # verify tiles against the index`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := loadConfigFile(cmd.Flags()); err != nil {
				return err
			}
		}
		logger.Init(logger.Options{Verbose: cfg.Verbose, File: cfg.LogFile})
		return cfg.Validate()
	},
}

func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML config file; flags given on the command line take precedence")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose output")
	flags.IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel workers")
	flags.StringVarP(&cfg.TileDir, "tile-dir", "t", cfg.TileDir, "Directory holding the tile set")

	// Logging and metrics
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Path to log file for persistent logging (JSON format)")
	flags.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m)")

	// Location index
	flags.StringVar(&cfg.IndexType, "index", cfg.IndexType, "Location index backend: bolt or postgres")
	flags.StringVar(&cfg.IndexFile, "index-file", cfg.IndexFile, "Bolt index file (default <tile-dir>/index.db)")
	flags.StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	flags.IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	flags.StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	flags.StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	flags.StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	flags.StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// loadConfigFile applies the config file, then restores every flag the
// user set explicitly.
func loadConfigFile(flags *pflag.FlagSet) error {
	explicit := make(map[string]string)
	flags.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})
	if err := cfg.LoadFile(configFile); err != nil {
		return err
	}
	for name, value := range explicit {
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return nil
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}

// openIndex opens the configured location index. A fresh index discards
// whatever a previous build left behind.
func openIndex(ctx context.Context, fresh bool) (locindex.Index, error) {
	if cfg.IndexType == config.IndexPostgres {
		pg, err := locindex.OpenPG(ctx, cfg.ConnectionString(), cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureTables(ctx, fresh); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
	if fresh {
		if err := os.Remove(cfg.IndexPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove old index: %w", err)
		}
	}
	b, err := locindex.OpenBolt(cfg.IndexPath())
	if err != nil {
		return nil, err
	}
	return b, nil
}

// startMetrics logs resource usage until the returned function is called.
func startMetrics(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go metrics.NewCollector(cfg.MetricsInterval).Start(ctx)
	return cancel
}

// openStore opens the tile set and the dictionary its tiles use.
func openStore() (*tileset.Store, tiles.Strings, error) {
	store, err := tileset.Open(cfg.TileDir)
	if err != nil {
		return nil, nil, err
	}
	dict, err := store.Dictionary()
	if err != nil {
		return nil, nil, err
	}
	return store, dict, nil
}
