package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusti/possync/internal/orchestrator"
	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push unsynced sales and receipts now",
	Long: `Run one sync pass:
  1. Push every unsynced sale below the retry ceiling, oldest first
  2. Render receipts missing from the spool
  3. Upload pending receipts
  4. Reconcile customer notifications

Fails immediately when the remote API is unreachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		start := time.Now()
		synced, err := a.orch.RunManualSync(ctx)
		if errors.Is(err, orchestrator.ErrConnectivityUnavailable) {
			exitf("remote API unreachable; sales stay queued")
		}
		if err != nil {
			exitf("sync failed: %v", err)
		}

		pending, _ := a.db.CountUnsynced(ctx)
		uploaded, failed := a.docs.Stats()
		if jsonOutput {
			printJSON(map[string]any{
				"synced":             synced,
				"pending":            pending,
				"documents_uploaded": uploaded,
				"documents_failed":   failed,
				"duration_ms":        time.Since(start).Milliseconds(),
			})
			return
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Sales synced: %d\n", synced)
		fmt.Printf("   Still pending: %d\n", pending)
		fmt.Printf("   Receipts uploaded: %d\n", uploaded)
		if failed > 0 {
			fmt.Printf("   %s Receipt uploads failed: %d\n", ui.RenderWarn("⚠"), failed)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the outbox",
	Long: `List outbox rows with their sale and receipt stage.

States:
  pending   - waiting to be pushed
  abandoned - hit the retry ceiling; use 'pos retry' to try again
  synced    - accepted by the remote API`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		ctx := context.Background()
		rows, err := a.db.ListAllPending(ctx)
		if err != nil {
			exitf("%v", err)
		}
		all, _ := cmd.Flags().GetBool("all")
		if !all {
			kept := rows[:0]
			for _, r := range rows {
				if !r.Completed() {
					kept = append(kept, r)
				}
			}
			rows = kept
		}

		if jsonOutput {
			printJSON(rows)
			return
		}

		if len(rows) == 0 {
			fmt.Printf("\n%s Outbox is empty\n\n", ui.RenderPass("✓"))
			return
		}

		counts := map[schema.SyncState]int{}
		table := make([][]string, 0, len(rows))
		for _, r := range rows {
			state := r.State(cfg.Sync.MaxRetries)
			counts[state]++
			table = append(table, []string{
				strconv.FormatInt(r.ID, 10),
				r.SaleNumber,
				r.CreatedAt.Local().Format("2006-01-02 15:04"),
				r.Total.StringFixed(2),
				renderState(state),
				fmt.Sprintf("%d/%d", r.RetryCount, cfg.Sync.MaxRetries),
				documentStage(r),
				truncate(r.LastError, 40),
			})
		}

		fmt.Printf("\n%s Outbox\n\n", ui.RenderAccent("📊"))
		fmt.Println(ui.Table([]string{"ID", "Sale", "Created", "Total", "State", "Tries", "Receipt", "Last error"}, table))
		fmt.Printf("\nPending: %d  Abandoned: %d  Synced: %d\n\n",
			counts[schema.StatePending], counts[schema.StateAbandoned], counts[schema.StateSynced])
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry [id]",
	GroupID: "sync",
	Short:   "Retry an abandoned sale",
	Long: `Reset the retry counters of an outbox row and push it again.

With --all, every unsynced row gets a fresh retry budget and a sync pass runs.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			exitf("pass either an outbox id or --all")
		}

		a := mustOpenApp()
		defer a.close()
		ctx := context.Background()

		if all {
			n, err := a.db.ResetAllRetries(ctx)
			if err != nil {
				exitf("%v", err)
			}
			fmt.Printf("%s Reset %d rows\n", ui.RenderAccent("↻"), n)
			synced, err := a.orch.RunManualSync(ctx)
			if err != nil {
				exitf("sync failed: %v", err)
			}
			fmt.Printf("%s Synced %d sales\n", ui.RenderPass("✓"), synced)
			return
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			exitf("invalid outbox id %q", args[0])
		}
		if !a.checker.IsNetworkAvailable() {
			exitf("remote API unreachable; sales stay queued")
		}
		remoteID, err := a.worker.Retry(ctx, id)
		if err != nil {
			exitf("retry failed: %v", err)
		}
		fmt.Printf("%s Sale pushed (remote id %s)\n", ui.RenderPass("✓"), remoteID)
	},
}

func renderState(s schema.SyncState) string {
	switch s {
	case schema.StateSynced:
		return ui.RenderPass(string(s))
	case schema.StateAbandoned:
		return ui.RenderFail(string(s))
	default:
		return ui.RenderWarn(string(s))
	}
}

func documentStage(r *schema.PendingSale) string {
	switch {
	case r.NotificationSent:
		return "notified"
	case r.DocumentUploaded:
		return "uploaded"
	case r.DocumentPath == "":
		return ui.RenderMuted("none")
	case r.DocRetryCount >= cfg.Sync.DocMaxRetries:
		return ui.RenderFail("failed")
	default:
		return "spooled"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func init() {
	statusCmd.Flags().Bool("all", false, "Include fully completed rows")
	retryCmd.Flags().Bool("all", false, "Reset every unsynced row and sync")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
}
