// Command posremote serves the remote sales API that pos devices sync to.
//
// Sales and document metadata go to Postgres when server.database_url is
// set and to memory otherwise. Uploaded receipts are written to
// server.blob_dir and served under /blobs/.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/catalog"
	"github.com/nexusti/possync/internal/config"
	"github.com/nexusti/possync/internal/logging"
	"github.com/nexusti/possync/internal/remote/pgstore"
	"github.com/nexusti/possync/internal/remote/server"
)

var (
	configPath string
	seedPath   string
	addr       string
)

var rootCmd = &cobra.Command{
	Use:          "posremote",
	Short:        "Serve the remote sales API",
	SilenceUsage: true,
	RunE:         runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres tables and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Server.DatabaseURL == "" {
			return fmt.Errorf("server.database_url is not set")
		}
		ctx := context.Background()
		st, err := pgstore.Connect(ctx, cfg.Server.DatabaseURL, 4)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("Migrations applied")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./pos.{toml,yaml})")
	rootCmd.Flags().StringVar(&seedPath, "seed", "", "TOML catalog to load into the product list on start")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr)")
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var backend server.Backend
	if cfg.Server.DatabaseURL != "" {
		st, err := pgstore.Connect(ctx, cfg.Server.DatabaseURL, 10)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		backend = st
		logger.Info("using postgres backend")
	} else {
		backend = server.NewMemoryBackend()
		logger.Warn("server.database_url not set, sales are kept in memory")
	}

	if seedPath != "" {
		n, err := seedCatalog(ctx, backend, seedPath)
		if err != nil {
			return err
		}
		logger.Info("seeded catalog", zap.Int("products", n), zap.String("file", seedPath))
	}

	if err := os.MkdirAll(cfg.Server.BlobDir, 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	srv := server.New(server.Config{
		BlobDir:        cfg.Server.BlobDir,
		PublicURL:      cfg.Server.PublicURL,
		Token:          cfg.Server.Token,
		NotifyOnUpload: cfg.Server.NotifyOnUpload,
	}, backend, logger.Named("server"))

	listen := addr
	if listen == "" {
		listen = cfg.Server.Addr
	}
	return srv.Run(ctx, listen)
}

func seedCatalog(ctx context.Context, backend server.Backend, path string) (int, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}
	products, err := catalog.ParseTOML(data)
	if err != nil {
		return 0, err
	}
	for _, p := range products {
		if _, err := backend.UpsertProduct(ctx, catalog.ToRemote(p)); err != nil {
			return 0, fmt.Errorf("failed to seed product %s: %w", p.Code, err)
		}
	}
	return len(products), nil
}
