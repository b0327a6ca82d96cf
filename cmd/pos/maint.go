package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusti/possync/internal/checkout"
	"github.com/nexusti/possync/internal/config"
	"github.com/nexusti/possync/internal/daemon"
	"github.com/nexusti/possync/internal/export"
	"github.com/nexusti/possync/internal/loadtest"
	"github.com/nexusti/possync/internal/ui"
)

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	GroupID: "maint",
	Short:   "Purge finished outbox rows",
	Long: `Delete outbox rows whose sale, receipt and notification stages are all
done, then synced rows older than sync.retention.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		d, err := daemon.New(a.orch, nil, a.db, daemon.Config{Retention: cfg.Sync.Retention}, logger)
		if err != nil {
			exitf("%v", err)
		}
		n, err := d.Cleanup(context.Background())
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Purged %d outbox rows\n", ui.RenderPass("✓"), n)
	},
}

var exportCmd = &cobra.Command{
	Use:     "export FILE",
	GroupID: "maint",
	Short:   "Write the outbox to a JSONL file",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		n, err := export.ExportFile(context.Background(), a.db, args[0])
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Exported %d outbox rows to %s\n", ui.RenderPass("✓"), n, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import FILE",
	GroupID: "maint",
	Short:   "Queue unsynced sales from another device's export",
	Long: `Read a JSONL export and enqueue its unsynced rows.

Rows already synced on the source device and sale numbers already present
locally are skipped. Imported rows get a fresh retry budget and their
receipts are re-rendered on the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		res, err := export.ImportFile(context.Background(), a.db, args[0])
		if err != nil {
			exitf("%v", err)
		}
		if jsonOutput {
			printJSON(res)
			return
		}
		fmt.Printf("%s Imported %d rows\n", ui.RenderPass("✓"), res.Imported)
		fmt.Printf("   Skipped (already synced): %d\n", res.SkippedSynced)
		fmt.Printf("   Skipped (already present): %d\n", res.SkippedExisting)
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:         "init [FILE]",
	Short:       "Write a default config file",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{"skipConfig": "true"},
	Run: func(cmd *cobra.Command, args []string) {
		path := "pos.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteDefault(path, force); err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Run concurrent checkouts against a scratch database",
	Long: `Create a scratch database, ring up sales from several goroutines and
verify sale numbers stay unique and stock and outbox counts agree.

The device database is never touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		cashiers, _ := cmd.Flags().GetInt("cashiers")
		sales, _ := cmd.Flags().GetInt("sales")
		products, _ := cmd.Flags().GetInt("products")
		stock, _ := cmd.Flags().GetInt("stock")

		dir, err := os.MkdirTemp("", "pos-loadtest-*")
		if err != nil {
			exitf("%v", err)
		}
		defer os.RemoveAll(dir)

		ts, err := loadtest.CreateTestStore(filepath.Join(dir, "load.db"), products, stock)
		if err != nil {
			exitf("%v", err)
		}
		defer ts.Close()

		opts := checkout.DefaultOptions()
		opts.NumberingMode = checkout.NumberingMode(cfg.Checkout.Numbering)

		ctx := context.Background()
		start := time.Now()
		report, err := ts.RunConcurrentCheckouts(ctx, cashiers, sales, opts, logger)
		if err != nil {
			exitf("%v", err)
		}
		if err := ts.Verify(ctx, report); err != nil {
			exitf("%s consistency check failed: %v", ui.RenderFail("✗"), err)
		}

		if jsonOutput {
			printJSON(report)
			return
		}
		fmt.Printf("%s %d sales in %v (%d rejected, %d errors)\n\n", ui.RenderPass("✓"),
			report.Completed, time.Since(start).Round(time.Millisecond), report.Rejected, report.Errors)
		report.Latency.PrintStats(os.Stdout)
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	loadtestCmd.Flags().Int("cashiers", 8, "Concurrent cashiers")
	loadtestCmd.Flags().Int("sales", 25, "Sales per cashier")
	loadtestCmd.Flags().Int("products", 20, "Products in the scratch catalog")
	loadtestCmd.Flags().Int("stock", 1000, "Initial stock per product")

	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(loadtestCmd)
}
