// Command pos is the point-of-sale device CLI: checkout, outbox sync,
// catalog provisioning and the background daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/config"
	"github.com/nexusti/possync/internal/logging"
)

var (
	configPath string
	jsonOutput bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pos",
	Short: "Offline-first point of sale",
	Long: `pos records sales locally and pushes them to the remote API when the
network allows.

Every checkout is committed to the local database together with an outbox
row. The outbox is drained on startup, on demand with 'pos sync', and
periodically by 'pos daemon'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["skipConfig"] == "true" {
			logger = zap.NewNop()
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./pos.{toml,yaml})")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON where supported")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sales", Title: "Sales:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// exitf prints an error and exits.
func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	if logger != nil {
		_ = logger.Sync()
	}
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		exitf("failed to encode output: %v", err)
	}
}
