package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/analyze"
	"github.com/wegman-software/golt/internal/build"
	"github.com/wegman-software/golt/internal/logger"
)

// Files written by analyze.
const (
	statsFile     = "stats.txt"
	stringsFile   = "string-counts.txt"
	densitiesFile = "node-counts.txt"
)

var (
	analyzeOut        string
	analyzeMaxStrings int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <extract.osm.pbf>",
	Short: "Count elements, rank strings and count nodes per tile",
	Long: `Make a statistics pass over an extract and write:

  stats.txt          element totals
  string-counts.txt  keys, values and roles ranked by use
  node-counts.txt    nodes per zoom-12 tile (col,row,count)

build reads string-counts.txt to pick the string dictionary.`,
	Args: cobra.ExactArgs(1),
	Run:  runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVarP(&analyzeOut, "out", "o", "", "Output directory (default: the tile directory)")
	analyzeCmd.Flags().IntVar(&analyzeMaxStrings, "string-table-size", analyze.DefaultMaxStrings, "Distinct strings kept in memory while counting")
	analyzeCmd.Flags().Int64Var(&cfg.MinStringCount, "min-string-count", cfg.MinStringCount, "Drop strings used fewer times than this")
}

func runAnalyze(cmd *cobra.Command, args []string) {
	log := logger.Get()
	input := args[0]
	out := analyzeOut
	if out == "" {
		out = cfg.TileDir
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		exitWithError("failed to create output directory", err)
	}

	ctx := context.Background()
	stop := startMetrics(ctx)
	defer stop()

	log.Info("Starting analysis",
		zap.String("input", input),
		zap.String("output", out),
		zap.Int("workers", cfg.Workers))
	start := time.Now()

	sc, err := build.Open(ctx, input, cfg.Workers)
	if err != nil {
		exitWithError("failed to open extract", err)
	}
	defer sc.Close()

	a := analyze.New(cfg.Workers)
	a.MaxStrings = analyzeMaxStrings
	a.MinStringCount = cfg.MinStringCount
	report, err := a.Run(ctx, sc)
	if err != nil {
		exitWithError("analysis failed", err)
	}

	outputs := []struct {
		name  string
		write func(*bufio.Writer) error
	}{
		{statsFile, func(w *bufio.Writer) error { return report.WriteStatistics(w) }},
		{stringsFile, func(w *bufio.Writer) error { return report.WriteStrings(w) }},
		{densitiesFile, func(w *bufio.Writer) error { return report.WriteDensities(w) }},
	}
	for _, o := range outputs {
		if err := writeReport(filepath.Join(out, o.name), o.write); err != nil {
			exitWithError("failed to write "+o.name, err)
		}
	}

	log.Info("Wrote analysis",
		zap.Int64("nodes", report.Nodes),
		zap.Int64("ways", report.Ways),
		zap.Int64("relations", report.Relations),
		zap.Int("strings", len(report.Strings)),
		zap.Int("tiles", len(report.NodesPerTile)),
		zap.Duration("duration", time.Since(start).Round(time.Second)))
}

func writeReport(path string, write func(*bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return f.Close()
}
