package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"livemon/internal/config"
	"livemon/internal/livecache"
	"livemon/internal/migration"
	"livemon/internal/pkg/logger"
	"livemon/internal/store"
)

var (
	cfgPath   string
	roomID    int64
	dataType  string
	batchSize int
	maxAge    int
	dryRun    bool
	quiet     bool
	cleanup   bool
	showStats bool
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate cached live-room data into the durable store",
	Long: `migrate 执行一次缓存到持久库的迁移：拉取缓存中的弹幕、礼物、
房间信息和任务状态，规整去重后写入数据库，并留下一条审计记录。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "config file path")
	f.Int64Var(&roomID, "room-id", 0, "migrate a single room only")
	f.StringVar(&dataType, "data-type", "all", "category to migrate: chat|gift|room|task|all")
	f.IntVar(&batchSize, "batch-size", migration.DefaultBatchSize, "records fetched per room and per insert batch")
	f.IntVar(&maxAge, "max-age", migration.DefaultMaxAgeHours, "max record age in hours")
	f.BoolVar(&dryRun, "dry-run", false, "report what would be migrated without writing")
	f.BoolVarP(&quiet, "quiet", "q", false, "suppress per-category output")
	f.BoolVar(&cleanup, "cleanup", false, "trim cache lists after a clean run")
	f.BoolVar(&showStats, "stats", false, "print recent migration run statistics and exit")
}

func run(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	if cfgPath != "" {
		cfg = config.LoadOrDefault(cfgPath)
	} else {
		cfg = config.LoadOrDefault()
	}

	level := cfg.App.LogLevel
	if quiet {
		level = "error"
	}
	appLogger := logger.NewDefault(level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cache := livecache.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}

	svc := migration.NewService(cache, st, appLogger, migration.ServiceOptions{
		ChatRetention: cfg.App.ChatRetention,
		GiftRetention: cfg.App.GiftRetention,
	})

	if showStats {
		return printStats(ctx, svc, cfg.App.StatsWindow)
	}

	doCleanup := cleanup
	if !cmd.Flags().Changed("cleanup") {
		doCleanup = cfg.App.CleanupAfter
	}

	report, err := svc.Run(ctx, migration.RunOptions{
		Category:    dataType,
		RoomID:      roomID,
		BatchSize:   batchSize,
		MaxAgeHours: maxAge,
		Cleanup:     doCleanup,
		DryRun:      dryRun,
	})
	if err != nil {
		appLogger.Error("migration failed", slog.String("error", err.Error()))
		return err
	}

	if !quiet {
		printReport(report)
	}
	return nil
}

func printReport(report *migration.Report) {
	if report.DryRun {
		fmt.Println("dry run: no data was written")
	}
	for _, cr := range report.Results {
		fmt.Printf("%-5s attempted=%d succeeded=%d failed=%d\n",
			cr.Category, cr.Total, cr.Succeeded, cr.Failed)
		for _, e := range cr.Errors {
			fmt.Printf("      error: %s\n", e)
		}
	}
	fmt.Printf("status=%s total=%d succeeded=%d failed=%d elapsed=%s\n",
		report.Status, report.Total, report.Succeeded, report.Failed,
		report.EndTime.Sub(report.StartTime).Round(time.Millisecond))
}

func printStats(ctx context.Context, svc *migration.Service, window time.Duration) error {
	stats, err := svc.Stats(ctx, window)
	if err != nil {
		return fmt.Errorf("query stats: %w", err)
	}

	fmt.Printf("migration runs in the last %s:\n", stats.Window)
	fmt.Printf("  total=%d completed=%d partial=%d failed=%d running=%d\n",
		stats.TotalRuns, stats.Completed, stats.Partial, stats.Failed, stats.Running)
	if len(stats.RecentRuns) > 0 {
		fmt.Println("recent runs:")
		for _, r := range stats.RecentRuns {
			end := "-"
			if r.EndTime != nil {
				end = r.EndTime.Format(time.RFC3339)
			}
			fmt.Printf("  #%d %-5s %-9s total=%d success=%d failed=%d start=%s end=%s\n",
				r.ID, r.Category, r.Status, r.TotalRecords, r.SuccessRecords, r.FailedRecords,
				r.StartTime.Format(time.RFC3339), end)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
