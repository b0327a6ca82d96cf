package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/nexusti/possync/internal/checkout"
	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/store"
	"github.com/nexusti/possync/internal/ui"
)

var checkoutCmd = &cobra.Command{
	Use:     "checkout CODE[:QTY]...",
	GroupID: "sales",
	Short:   "Ring up a sale",
	Long: `Record a sale locally and queue it for sync.

Each argument is a product code with an optional quantity (default 1).
The sale, its lines, the stock decrement and the outbox row are committed
together. The receipt is rendered into the spool right away and, when
checkout.eager_sync is set and the network is up, the sale is pushed
immediately.

Examples:
  pos checkout A1:2 B7
  pos checkout A1 --payment CARD --discount 10
  pos checkout A1 --name "Ana Ruiz" --doc 123456 --email ana@example.com`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp()
		defer a.close()
		ctx := context.Background()

		lines, err := parseCart(ctx, a.db, args)
		if err != nil {
			exitf("%v", err)
		}

		payment, _ := cmd.Flags().GetString("payment")
		discount, _ := cmd.Flags().GetFloat64("discount")
		params := checkout.Params{
			PaymentMethod:   payment,
			DiscountPercent: decimal.NewFromFloat(discount),
			TaxPercent:      taxPercent(),
		}
		if cmd.Flags().Changed("tax") {
			tax, _ := cmd.Flags().GetFloat64("tax")
			params.TaxPercent = decimal.NewFromFloat(tax)
		}
		params.Customer.Name, _ = cmd.Flags().GetString("name")
		params.Customer.Document, _ = cmd.Flags().GetString("doc")
		params.Customer.Phone, _ = cmd.Flags().GetString("phone")
		params.Customer.Email, _ = cmd.Flags().GetString("email")

		res, err := a.checkout.Checkout(ctx, lines, params)
		var perr *checkout.PersistenceError
		switch {
		case errors.Is(err, checkout.ErrInsufficientStock):
			exitf("%v", err)
		case errors.As(err, &perr):
			exitf("sale not saved: %v", perr)
		case err != nil:
			exitf("%v", err)
		}

		if jsonOutput {
			printJSON(res)
			return
		}

		rows := make([][]string, 0, len(res.Lines))
		for _, l := range res.Lines {
			rows = append(rows, []string{l.Code, l.Name, strconv.Itoa(l.Quantity), l.UnitPrice.StringFixed(2), l.Subtotal.StringFixed(2)})
		}
		fmt.Printf("\n%s Sale %s\n\n", ui.RenderPass("✓"), ui.RenderAccent(res.SaleNumber))
		fmt.Println(ui.Table([]string{"Code", "Product", "Qty", "Price", "Subtotal"}, rows))
		fmt.Println()
		if !res.Totals.DiscountAmount.IsZero() {
			fmt.Printf("   Discount:  %s\n", res.Totals.DiscountAmount.StringFixed(2))
		}
		fmt.Printf("   Net:       %s\n", res.Totals.SubtotalWithoutTax.StringFixed(2))
		fmt.Printf("   Tax:       %s\n", res.Totals.TaxAmount.StringFixed(2))
		fmt.Printf("   Total:     %s\n", ui.RenderAccent(res.Totals.Total.StringFixed(2)))
		fmt.Printf("   Payment:   %s\n", res.PaymentMethod)
		if res.PendingID == 0 {
			fmt.Printf("\n%s Sale saved but not queued for sync\n", ui.RenderWarn("⚠"))
		}
		fmt.Println()
	},
}

// parseCart turns CODE[:QTY] arguments into cart lines priced from the
// local catalog.
func parseCart(ctx context.Context, db *store.DB, args []string) ([]schema.CartLine, error) {
	lines := make([]schema.CartLine, 0, len(args))
	for _, arg := range args {
		code, qtyStr, hasQty := strings.Cut(arg, ":")
		qty := 1
		if hasQty {
			n, err := strconv.Atoi(qtyStr)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid quantity in %q", arg)
			}
			qty = n
		}
		p, err := db.GetProductByCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("unknown product %q", code)
		}
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, fmt.Errorf("product %q is inactive", code)
		}
		lines = append(lines, schema.CartLine{
			ProductID: p.ID,
			Code:      p.Code,
			Name:      p.Name,
			Quantity:  qty,
			UnitPrice: p.Price,
		})
	}
	return lines, nil
}

func init() {
	checkoutCmd.Flags().StringP("payment", "p", string(schema.PaymentCash), "Payment method: CASH, CARD or TRANSFER")
	checkoutCmd.Flags().Float64P("discount", "d", 0, "Discount percent")
	checkoutCmd.Flags().Float64("tax", 0, "Tax percent included in prices (default: checkout.tax_percent)")
	checkoutCmd.Flags().String("name", "", "Customer name")
	checkoutCmd.Flags().String("doc", "", "Customer document number")
	checkoutCmd.Flags().String("phone", "", "Customer phone")
	checkoutCmd.Flags().String("email", "", "Customer email")

	rootCmd.AddCommand(checkoutCmd)
}
