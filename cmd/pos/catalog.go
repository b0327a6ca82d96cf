package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nexusti/possync/internal/catalog"
	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/ui"
)

var catalogCmd = &cobra.Command{
	Use:     "catalog",
	GroupID: "sales",
	Short:   "Manage the local product catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load products from a TOML file",
	Long: `Upsert products from a TOML file, keyed by code.

Example file:
  [[product]]
  code = "A1"
  name = "Apple"
  price = "1.50"
  stock = 40
  min_stock = 5`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		n, err := catalog.ImportTOML(context.Background(), a.db, args[0])
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Imported %d products from %s\n", ui.RenderPass("✓"), n, args[0])
	},
}

var catalogRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Replace the local catalog with the remote one",
	Long: `Fetch the remote catalog and replace local products with it.

Local products missing remotely are deactivated, not deleted.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		if !a.checker.IsNetworkAvailable() {
			exitf("remote API unreachable")
		}
		res, err := catalog.NewRefresher(a.db, a.client, logger.Named("catalog")).Refresh(context.Background())
		if err != nil {
			exitf("%v", err)
		}
		if jsonOutput {
			printJSON(res)
			return
		}
		fmt.Printf("%s Catalog refreshed\n", ui.RenderPass("✓"))
		fmt.Printf("   Upserted: %d\n", res.Upserted)
		fmt.Printf("   Deactivated: %d\n", res.Deactivated)
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local products",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()

		ctx := context.Background()
		all, _ := cmd.Flags().GetBool("all")
		lowOnly, _ := cmd.Flags().GetBool("low")

		var products []*schema.Product
		var err error
		if lowOnly {
			products, err = a.db.ListLowStock(ctx)
		} else {
			products, err = a.db.ListProducts(ctx, all)
		}
		if err != nil {
			exitf("%v", err)
		}
		if jsonOutput {
			printJSON(products)
			return
		}

		rows := make([][]string, 0, len(products))
		for _, p := range products {
			stock := strconv.Itoa(p.Stock)
			if p.LowStock() {
				stock = ui.RenderWarn(stock)
			}
			name := p.Name
			if !p.Active {
				name = ui.RenderMuted(name + " (inactive)")
			}
			rows = append(rows, []string{p.Code, name, p.Price.StringFixed(2), stock})
		}
		fmt.Println(ui.Table([]string{"Code", "Name", "Price", "Stock"}, rows))
	},
}

func init() {
	catalogListCmd.Flags().Bool("all", false, "Include inactive products")
	catalogListCmd.Flags().Bool("low", false, "Only products at or below their minimum stock")

	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogRefreshCmd)
	catalogCmd.AddCommand(catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}
