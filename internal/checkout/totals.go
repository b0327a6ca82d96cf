package checkout

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nexusti/possync/internal/schema"
)

var hundred = decimal.NewFromInt(100)

// Totals is the money breakdown of a sale. Prices are tax inclusive, so the
// discount is applied first and the tax is extracted from what remains.
type Totals struct {
	Gross              decimal.Decimal `json:"gross"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	Total              decimal.Decimal `json:"total"`
	SubtotalWithoutTax decimal.Decimal `json:"subtotal_without_tax"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
}

// ValidatePercents checks the inputs ComputeTotals accepts: a discount in
// [0, 100] and a non-negative tax rate.
func ValidatePercents(discountPercent, taxPercent decimal.Decimal) error {
	if discountPercent.IsNegative() || discountPercent.GreaterThan(hundred) {
		return fmt.Errorf("%w: discount %s%% must be between 0 and 100", ErrInvalidPercent, discountPercent)
	}
	if taxPercent.IsNegative() {
		return fmt.Errorf("%w: tax %s%% must not be negative", ErrInvalidPercent, taxPercent)
	}
	return nil
}

// ComputeTotals applies the discount then extracts tax from the discounted
// total. Callers validate the percentages with ValidatePercents first.
// Results are rounded to cents; TaxAmount is taken from the rounded
// figures so the printed breakdown always adds up.
func ComputeTotals(lines []schema.CartLine, discountPercent, taxPercent decimal.Decimal) Totals {
	gross := decimal.Zero
	for _, l := range lines {
		gross = gross.Add(l.Subtotal())
	}

	discount := gross.Mul(discountPercent).Div(hundred)
	total := gross.Sub(discount)
	subtotal := total.Div(decimal.NewFromInt(1).Add(taxPercent.Div(hundred)))

	total = total.Round(2)
	subtotal = subtotal.Round(2)
	return Totals{
		Gross:              gross.Round(2),
		DiscountAmount:     discount.Round(2),
		Total:              total,
		SubtotalWithoutTax: subtotal,
		TaxAmount:          total.Sub(subtotal),
	}
}
