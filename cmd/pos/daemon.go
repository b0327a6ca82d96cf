package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexusti/possync/internal/daemon"
	"github.com/nexusti/possync/internal/dashboard"
	"github.com/nexusti/possync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon (foreground)",
	Long: `Run the sync daemon until interrupted.

The daemon will:
  1. Run the startup sync once
  2. Sweep the outbox and receipts every sync.sweep_interval
  3. Upload receipts as soon as they land in the spool directory
  4. Purge completed outbox rows every sync.cleanup_interval

With --dashboard the live dashboard is served alongside.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		if withDashboard {
			srv := dashboard.NewServer(dashboard.Config{
				Addr:       cfg.Dashboard.Addr,
				MaxRetries: cfg.Sync.MaxRetries,
			}, a.db, a.orch, logger)
			a.events.sink = srv
			if err := srv.Start(); err != nil {
				exitf("failed to start dashboard: %v", err)
			}
			defer func() { _ = srv.Stop() }()
			fmt.Printf("   Dashboard: http://%s\n", srv.Addr())
		}

		d, err := daemon.New(a.orch, a.docs, a.db, daemon.Config{
			SpoolDir:        cfg.SpoolDir,
			SweepInterval:   cfg.Sync.SweepInterval,
			CleanupInterval: cfg.Sync.CleanupInterval,
			Retention:       cfg.Sync.Retention,
		}, logger)
		if err != nil {
			exitf("failed to create daemon: %v", err)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Database: %s\n", cfg.DBPath)
		fmt.Printf("   Spool: %s\n", cfg.SpoolDir)
		fmt.Printf("   Remote: %s\n", cfg.Remote.BaseURL)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			exitf("daemon stopped with error: %v", err)
		}
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Serve the live sync dashboard",
	Long: `Start the dashboard server without the daemon loops.

Endpoints:
  /ws       WebSocket feed of sync_started, sync_complete, pending_count
            and document_uploaded events
  /status   outbox backlog (pending, retryable, abandoned)
  /health   liveness
  POST /sync  run a manual sync pass

Use 'pos daemon --dashboard' to get periodic sweeps as well.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Dashboard.Addr
		}
		srv := dashboard.NewServer(dashboard.Config{Addr: addr, MaxRetries: cfg.Sync.MaxRetries}, a.db, a.orch, logger)
		a.events.sink = srv
		if err := srv.Start(); err != nil {
			exitf("failed to start dashboard: %v", err)
		}

		fmt.Printf("Dashboard server started on http://%s\n", srv.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := srv.Stop(); err != nil {
			exitf("error during shutdown: %v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the dashboard on dashboard.addr")
	dashboardCmd.Flags().String("addr", "", "Listen address (default: dashboard.addr)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}
