package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aexvir/grab/internal/cachedir"
	"github.com/aexvir/grab/internal/cachestore"
)

var (
	cacheDirFlag string
	cacheMaxAge  int
	cacheDryRun  bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clean the download cache",
	RunE:  cacheStatus,
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where the cache is and how much it holds",
	RunE:  cacheStatus,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached files, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := cachedir.Scan(cfg.CacheDir)
		if err != nil {
			return err
		}

		formatItems(os.Stdout, items, time.Now())
		return nil
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove cached files not touched in a while",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cacheMaxAge < 0 {
			return fmt.Errorf("--max-age must not be negative, got %d", cacheMaxAge)
		}

		start := time.Now()
		maxAge := time.Duration(cacheMaxAge) * 24 * time.Hour
		logstep(os.Stdout, fmt.Sprintf("removing files older than %d days from %s", cacheMaxAge, cfg.CacheDir))

		items, err := cachedir.Clean(cfg.CacheDir, maxAge, start, cacheDryRun)
		if err != nil {
			return busy(err)
		}
		removed(os.Stdout, items, cacheDryRun)

		if !cacheDryRun && len(items) > 0 {
			prune(cmd, cfg.CacheDir)
		}

		summarize(os.Stdout, "cache cleaned", time.Since(start), nil)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached file",
	RunE: func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		logstep(os.Stdout, fmt.Sprintf("clearing %s", cfg.CacheDir))

		items, err := cachedir.Clear(cfg.CacheDir, cacheDryRun)
		if err != nil {
			return busy(err)
		}
		removed(os.Stdout, items, cacheDryRun)

		summarize(os.Stdout, "cache cleared", time.Since(start), nil)
		return nil
	},
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheDirFlag, "cache-dir", "", "download cache directory")
	cacheCleanCmd.Flags().IntVar(&cacheMaxAge, "max-age", 30, "remove files older than this many days")
	cacheCleanCmd.Flags().BoolVar(&cacheDryRun, "dry-run", false, "only show what would be removed")
	cacheClearCmd.Flags().BoolVar(&cacheDryRun, "dry-run", false, "only show what would be removed")

	cacheCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if cacheDirFlag != "" {
			cfg.CacheDir = cacheDirFlag
		}
		return nil
	}

	cacheCmd.AddCommand(cacheStatusCmd, cacheListCmd, cacheCleanCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func cacheStatus(cmd *cobra.Command, args []string) error {
	items, err := cachedir.Scan(cfg.CacheDir)
	if err != nil {
		return err
	}

	formatStats(os.Stdout, cachedir.Summarize(cfg.CacheDir, items))
	return nil
}

// prune drops the entity tags of files that aren't cached anymore.
func prune(cmd *cobra.Command, root string) {
	store, err := cachestore.OpenDir(cmd.Context(), root)
	if err != nil {
		zap.L().Warn("unable to open etag cache", zap.Error(err))
		return
	}
	defer store.Close()

	pruned, err := store.Prune(cmd.Context(), root)
	if err != nil {
		zap.L().Warn("unable to prune etag cache", zap.Error(err))
		return
	}
	zap.L().Debug("pruned etag cache", zap.Int("entries", pruned))
}

func busy(err error) error {
	if errors.Is(err, cachedir.ErrBusy) {
		return fmt.Errorf("%w, try again once it finishes", err)
	}
	return err
}

// formatStats writes a summary of the cache to out.
func formatStats(out io.Writer, stats cachedir.Stats) {
	logstep(out, stats.Root)
	if !stats.Exists {
		logdetail(out, "not created yet")
		return
	}

	logdetail(out, fmt.Sprintf("%d files, %s", stats.Files, humanize.IBytes(uint64(stats.Size))))
	if stats.Files > 0 {
		logdetail(out, fmt.Sprintf("oldest %s, newest %s", humanize.Time(stats.Oldest), humanize.Time(stats.Newest)))
	}
}

// formatItems writes a table of cached files to out.
func formatItems(out io.Writer, items []cachedir.Item, now time.Time) {
	if len(items) == 0 {
		logstep(out, "cache is empty")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tSIZE\tMODIFIED")
	for _, item := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			truncate(item.Name, 70),
			humanize.IBytes(uint64(item.Size)),
			humanize.RelTime(item.ModTime, now, "ago", "from now"),
		)
	}
	_ = w.Flush()
}

func removed(out io.Writer, items []cachedir.Item, dryRun bool) {
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}

	var size int64
	for _, item := range items {
		size += item.Size
		logdetail(out, fmt.Sprintf("%s %s", verb, item.Name))
	}
	logdetail(out, fmt.Sprintf("%s %d files, %s", verb, len(items), humanize.IBytes(uint64(size))))
}
